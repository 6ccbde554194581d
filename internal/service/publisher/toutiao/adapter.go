// Package toutiao publishes graphic articles to 头条号 (mp.toutiao.com).
package toutiao

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

const (
	PlatformID     = "toutiao"
	DefaultBaseURL = "https://mp.toutiao.com"
)

type Adapter struct {
	publisher.Base
	baseURL string
}

func New(baseURL string, cfg publisher.BaseConfig, logger *zap.Logger) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	signals := session.Signals{
		ProbeURL:           baseURL + "/profile_v4/graphic/publish",
		LoginURLPatterns:   []string{"/auth/page/login", "sso.toutiao.com/login"},
		LoggedInMarkers:    []string{"发布文章", "auth-avator-name"},
		LoginPromptMarkers: []string{"扫码登录", "验证码登录"},
	}
	indicators := publisher.Indicators{
		Texts:        append([]string{`"message":"success"`}, publisher.DefaultSuccessTexts...),
		URLFragments: append([]string{"/profile_v4/graphic/articles"}, publisher.DefaultSuccessURLFragments...),
	}

	return &Adapter{
		Base:    publisher.NewBase(PlatformID, "头条号", baseURL+"/auth/page/login", signals, indicators, cfg, logger),
		baseURL: baseURL,
	}
}

type apiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		PgcID string `json:"pgc_id"`
	} `json:"data"`
}

// Publish posts the article through the graphic publish endpoint.
func (a *Adapter) Publish(ctx context.Context, h *session.Handle, article publisher.Article) publisher.PublishOutcome {
	return publisher.Guard(func() (publisher.PublishOutcome, error) {
		page := h.Page()
		form := map[string]string{
			"title":           article.Title,
			"content":         article.Body,
			"abstract":        util.Excerpt(article.Body, 120),
			"save":            "1",
			"article_type":    "0",
			"pgc_feed_covers": "[]",
		}
		if article.MediaURL != "" {
			form["pgc_feed_covers"] = fmt.Sprintf(`[{"url":%q}]`, article.MediaURL)
		}

		if err := page.Submit(ctx, session.Request{
			Method:  http.MethodPost,
			URL:     a.baseURL + "/mp/agw/article/publish?source=mp&type=article",
			Headers: map[string]string{"Referer": a.baseURL + "/profile_v4/graphic/publish"},
			Form:    form,
		}); err != nil {
			return publisher.PublishOutcome{}, err
		}

		var resp apiResponse
		if err := publisher.DecodeJSON(page, "publish", &resp); err != nil {
			return publisher.PublishOutcome{}, err
		}
		if resp.Code != 0 {
			return publisher.PublishOutcome{}, publisher.StepError("publish", "code %d: %s", resp.Code, resp.Message)
		}

		a.Logger().Info("Article submitted",
			zap.String("article_id", article.ID),
			zap.String("pgc_id", resp.Data.PgcID))

		var url string
		if resp.Data.PgcID != "" {
			url = "https://www.toutiao.com/item/" + resp.Data.PgcID + "/"
		}
		return publisher.Published(url, "submitted"), nil
	})
}

type mediaInfo struct {
	Code int `json:"code"`
	Data struct {
		User struct {
			ID         int64  `json:"id"`
			ScreenName string `json:"screen_name"`
			AvatarURL  string `json:"https_avatar_url"`
		} `json:"user"`
	} `json:"data"`
}

func (a *Adapter) ExtractProfile(ctx context.Context, h *session.Handle) (publisher.Profile, error) {
	page := h.Page()
	if err := page.Navigate(ctx, a.baseURL+"/mp/agw/media/get_media_info"); err != nil {
		return publisher.Profile{}, err
	}

	var info mediaInfo
	if err := publisher.DecodeJSON(page, "profile", &info); err != nil {
		return publisher.Profile{}, err
	}
	if info.Code != 0 || info.Data.User.ScreenName == "" {
		return publisher.Profile{}, publisher.StepError("profile", "no user in media info (code %d)", info.Code)
	}

	return publisher.Profile{
		DisplayName:  info.Data.User.ScreenName,
		RealUsername: info.Data.User.ScreenName,
		AvatarURL:    info.Data.User.AvatarURL,
	}, nil
}
