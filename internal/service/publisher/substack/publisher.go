// Package substack publishes posts to a Substack publication.
package substack

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
	"github.com/lh20005/geo-xi-tong-sub013/pkg/util"
)

const PlatformID = "substack"

// Publisher drives one publication, addressed by its base URL such as
// https://example.substack.com.
type Publisher struct {
	publisher.Base
	baseURL string
}

type Byline struct {
	ID      int64 `json:"id"`
	IsGuest bool  `json:"is_guest"`
}

type createDraftRequest struct {
	DraftTitle    string   `json:"draft_title"`
	DraftSubtitle string   `json:"draft_subtitle"`
	DraftBody     string   `json:"draft_body"`
	DraftBylines  []Byline `json:"draft_bylines"`
	SectionChosen bool     `json:"section_chosen"`
	Audience      string   `json:"audience"`
}

type draftResponse struct {
	ID           int64  `json:"id"`
	Slug         string `json:"slug"`
	CanonicalURL string `json:"canonical_url"`
	IsPublished  bool   `json:"is_published"`
	Error        string `json:"error,omitempty"`
}

type selfProfile struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Handle   string `json:"handle"`
	PhotoURL string `json:"photo_url"`
}

func NewSubstackPublisher(baseURL string, cfg publisher.BaseConfig, logger *zap.Logger) *Publisher {
	baseURL = strings.TrimRight(baseURL, "/")

	signals := session.Signals{
		ProbeURL:           baseURL + "/publish/home",
		LoginURLPatterns:   []string{"/sign-in", "/account/login"},
		LoggedInMarkers:    []string{"\"user_id\"", "publish-dashboard"},
		LoginPromptMarkers: []string{"Sign in", "Enter your email"},
	}
	indicators := publisher.Indicators{
		Texts:        []string{"\"is_published\":true"},
		URLFragments: []string{"/p/"},
	}

	return &Publisher{
		Base:    publisher.NewBase(PlatformID, "Substack", "https://substack.com/sign-in", signals, indicators, cfg, logger),
		baseURL: baseURL,
	}
}

func (p *Publisher) headers() map[string]string {
	return map[string]string{
		"Origin":  p.baseURL,
		"Referer": p.baseURL + "/publish/post",
	}
}

// Publish creates a draft with the author as byline and publishes it without
// sending the email newsletter.
func (p *Publisher) Publish(ctx context.Context, h *session.Handle, article publisher.Article) publisher.PublishOutcome {
	return publisher.Guard(func() (publisher.PublishOutcome, error) {
		if p.baseURL == "" {
			return publisher.PublishOutcome{}, publisher.StepError("publish", "publication url not configured")
		}
		page := h.Page()

		self, err := p.self(ctx, page)
		if err != nil {
			return publisher.PublishOutcome{}, err
		}

		body, err := BuildDocument(article).JSON()
		if err != nil {
			return publisher.PublishOutcome{}, err
		}
		if err := page.Submit(ctx, session.Request{
			Method:  http.MethodPost,
			URL:     p.baseURL + "/api/v1/drafts",
			Headers: p.headers(),
			JSON: createDraftRequest{
				DraftTitle:    article.Title,
				DraftSubtitle: util.Excerpt(article.Body, 140),
				DraftBody:     body,
				DraftBylines:  []Byline{{ID: self.ID}},
				Audience:      "everyone",
			},
		}); err != nil {
			return publisher.PublishOutcome{}, err
		}
		var draft draftResponse
		if err := publisher.DecodeJSON(page, "create draft", &draft); err != nil {
			return publisher.PublishOutcome{}, err
		}
		if draft.ID == 0 {
			return publisher.PublishOutcome{}, publisher.StepError("create draft", "no draft id: %s", draft.Error)
		}

		if err := page.Submit(ctx, session.Request{
			Method:  http.MethodPost,
			URL:     fmt.Sprintf("%s/api/v1/drafts/%d/publish", p.baseURL, draft.ID),
			Headers: p.headers(),
			JSON:    map[string]bool{"send": false, "share_automatically": false},
		}); err != nil {
			return publisher.PublishOutcome{}, err
		}
		var published draftResponse
		if err := publisher.DecodeJSON(page, "publish", &published); err != nil {
			return publisher.PublishOutcome{}, err
		}
		if !published.IsPublished {
			return publisher.PublishOutcome{}, publisher.StepError("publish", "draft %d not published: %s", draft.ID, published.Error)
		}

		url := published.CanonicalURL
		if url == "" && published.Slug != "" {
			url = p.baseURL + "/p/" + published.Slug
		}
		p.Logger().Info("Post published",
			zap.String("article_id", article.ID),
			zap.Int64("draft_id", draft.ID),
			zap.String("url", url))
		return publisher.Published(url, "published"), nil
	})
}

func (p *Publisher) self(ctx context.Context, page session.Page) (selfProfile, error) {
	if err := page.Navigate(ctx, p.baseURL+"/api/v1/user/profile/self"); err != nil {
		return selfProfile{}, err
	}
	var s selfProfile
	if err := publisher.DecodeJSON(page, "profile", &s); err != nil {
		return selfProfile{}, err
	}
	if s.ID == 0 {
		return selfProfile{}, publisher.StepError("profile", "no user id")
	}
	return s, nil
}

func (p *Publisher) ExtractProfile(ctx context.Context, h *session.Handle) (publisher.Profile, error) {
	s, err := p.self(ctx, h.Page())
	if err != nil {
		return publisher.Profile{}, err
	}
	username := s.Handle
	if username == "" {
		username = s.Name
	}
	return publisher.Profile{DisplayName: s.Name, RealUsername: username, AvatarURL: s.PhotoURL}, nil
}
