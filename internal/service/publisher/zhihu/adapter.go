// Package zhihu publishes column articles to 知乎.
package zhihu

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
)

const PlatformID = "zhihu"

// URLs used by the adapter. Tests point them at local servers.
type URLs struct {
	Home   string
	Column string
	API    string
}

func DefaultURLs() URLs {
	return URLs{
		Home:   "https://www.zhihu.com",
		Column: "https://zhuanlan.zhihu.com",
		API:    "https://www.zhihu.com/api/v4",
	}
}

type Adapter struct {
	publisher.Base
	urls URLs
}

// New builds the adapter. A non-empty baseURL replaces every zhihu host.
func New(baseURL string, cfg publisher.BaseConfig, logger *zap.Logger) *Adapter {
	urls := DefaultURLs()
	if baseURL != "" {
		baseURL = strings.TrimRight(baseURL, "/")
		urls = URLs{Home: baseURL, Column: baseURL, API: baseURL + "/api/v4"}
	}

	signals := session.Signals{
		ProbeURL:           urls.Home + "/",
		LoginURLPatterns:   []string{"/signin", "/signup", "/login"},
		LoggedInMarkers:    []string{"AppHeader-profileAvatar", "写文章"},
		LoginPromptMarkers: []string{"扫码登录", "SignFlow"},
	}
	indicators := publisher.Indicators{
		Texts:        publisher.DefaultSuccessTexts,
		URLFragments: append([]string{"zhuanlan.zhihu.com/p/", "/p/"}, publisher.DefaultSuccessURLFragments...),
	}

	return &Adapter{
		Base: publisher.NewBase(PlatformID, "知乎", urls.Home+"/signin", signals, indicators, cfg, logger),
		urls: urls,
	}
}

type draft struct {
	ID    int64  `json:"id"`
	URL   string `json:"url"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Publish creates a column draft, fills it and publishes it, then opens the
// article page so verification can observe the final URL.
func (a *Adapter) Publish(ctx context.Context, h *session.Handle, article publisher.Article) publisher.PublishOutcome {
	return publisher.Guard(func() (publisher.PublishOutcome, error) {
		page := h.Page()
		headers := map[string]string{
			"Origin":  a.urls.Column,
			"Referer": a.urls.Column + "/write",
		}

		if err := page.Submit(ctx, session.Request{
			Method:  http.MethodPost,
			URL:     a.urls.Column + "/api/articles/drafts",
			Headers: headers,
			JSON:    map[string]interface{}{"title": article.Title, "delta_time": 0},
		}); err != nil {
			return publisher.PublishOutcome{}, err
		}
		var created draft
		if err := publisher.DecodeJSON(page, "create draft", &created); err != nil {
			return publisher.PublishOutcome{}, err
		}
		if created.Error != nil || created.ID == 0 {
			return publisher.PublishOutcome{}, publisher.StepError("create draft", "%s", errorMessage(created))
		}

		draftURL := fmt.Sprintf("%s/api/articles/%d/draft", a.urls.Column, created.ID)
		if err := page.Submit(ctx, session.Request{
			Method:  http.MethodPatch,
			URL:     draftURL,
			Headers: headers,
			JSON: map[string]interface{}{
				"title":                  article.Title,
				"content":                renderBody(article),
				"titleImage":             article.MediaURL,
				"isTitleImageFullScreen": false,
			},
		}); err != nil {
			return publisher.PublishOutcome{}, err
		}
		if code := page.StatusCode(); code >= 400 {
			return publisher.PublishOutcome{}, publisher.StepError("save draft", "http status %d", code)
		}

		if err := page.Submit(ctx, session.Request{
			Method:  http.MethodPut,
			URL:     fmt.Sprintf("%s/api/articles/%d/publish", a.urls.Column, created.ID),
			Headers: headers,
			JSON:    map[string]interface{}{"commentPermission": "anyone", "disclaimer_status": "close"},
		}); err != nil {
			return publisher.PublishOutcome{}, err
		}
		var published draft
		if err := publisher.DecodeJSON(page, "publish", &published); err != nil {
			return publisher.PublishOutcome{}, err
		}
		if published.Error != nil {
			return publisher.PublishOutcome{}, publisher.StepError("publish", "%s", errorMessage(published))
		}

		url := published.URL
		if url == "" {
			url = fmt.Sprintf("%s/p/%d", a.urls.Column, created.ID)
		}
		if err := page.Navigate(ctx, url); err != nil {
			a.Logger().Warn("Failed to open published article", zap.String("url", url), zap.Error(err))
		}

		a.Logger().Info("Article published",
			zap.String("article_id", article.ID),
			zap.Int64("zhihu_id", created.ID))
		return publisher.Published(url, "published"), nil
	})
}

func errorMessage(d draft) string {
	if d.Error != nil && d.Error.Message != "" {
		return d.Error.Message
	}
	return "empty response"
}

// renderBody turns plain text paragraphs into the HTML the editor stores.
// Bodies that already look like HTML pass through.
func renderBody(article publisher.Article) string {
	body := strings.TrimSpace(article.Body)
	if strings.HasPrefix(body, "<") {
		return body
	}

	var b strings.Builder
	for _, para := range strings.Split(body, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(para))
		b.WriteString("</p>")
	}
	return b.String()
}

type me struct {
	Name      string `json:"name"`
	URLToken  string `json:"url_token"`
	AvatarURL string `json:"avatar_url"`
}

func (a *Adapter) ExtractProfile(ctx context.Context, h *session.Handle) (publisher.Profile, error) {
	page := h.Page()
	if err := page.Navigate(ctx, a.urls.API+"/me"); err != nil {
		return publisher.Profile{}, err
	}

	var u me
	if err := publisher.DecodeJSON(page, "profile", &u); err != nil {
		return publisher.Profile{}, err
	}
	if u.Name == "" {
		return publisher.Profile{}, publisher.StepError("profile", "no user name")
	}

	username := u.URLToken
	if username == "" {
		username = u.Name
	}
	return publisher.Profile{DisplayName: u.Name, RealUsername: username, AvatarURL: u.AvatarURL}, nil
}
