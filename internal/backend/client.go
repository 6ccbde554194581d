// Package backend is the client of the remote system of record. Every call
// carries the tenant user's identity as a signed bearer token.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/metrics"
	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
)

var (
	ErrUnauthorized = errors.New("backend rejected the caller identity")
	ErrConflict     = errors.New("backend reported a conflicting record")
	ErrNotFound     = errors.New("backend record not found")
)

type Client struct {
	http   *resty.Client
	signer *TokenSigner
	logger *zap.Logger
}

type Option func(*Client)

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http.SetTimeout(timeout)
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = resty.NewWithClient(client).SetBaseURL(c.http.BaseURL)
		}
	}
}

func New(baseURL string, signer *TokenSigner, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("token signer is required")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(10*time.Second).
			SetHeader("Accept", "application/json"),
		signer: signer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// envelope is the response shape of the backend API.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type CreateAccountRequest struct {
	PlatformID   string `json:"platform_id"`
	DisplayName  string `json:"account_name"`
	RealUsername string `json:"real_username"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	// Credentials is the serialized cookie jar of the logged in session.
	Credentials string `json:"credentials,omitempty"`
}

type Account struct {
	ID           string    `json:"id"`
	PlatformID   string    `json:"platform_id"`
	DisplayName  string    `json:"account_name"`
	RealUsername string    `json:"real_username"`
	CreatedAt    time.Time `json:"created_at"`
}

type PublishResultRequest struct {
	TaskID      string    `json:"task_id"`
	PlatformID  string    `json:"platform_id"`
	AccountID   string    `json:"account_id"`
	ArticleID   string    `json:"article_id"`
	Success     bool      `json:"success"`
	Message     string    `json:"message,omitempty"`
	URL         string    `json:"publishing_url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

type PublishRecord struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
}

func (c *Client) CreateAccount(ctx context.Context, userID string, req CreateAccountRequest) (Account, error) {
	var account Account
	if err := c.do(ctx, "create_account", http.MethodPost, "/api/publishing/accounts", userID, req, &account); err != nil {
		return Account{}, err
	}
	if account.ID == "" {
		return Account{}, fmt.Errorf("backend create account: response without id")
	}
	return account, nil
}

func (c *Client) RecordPublishResult(ctx context.Context, userID string, req PublishResultRequest) (PublishRecord, error) {
	var record PublishRecord
	if err := c.do(ctx, "record_publish_result", http.MethodPost, "/api/publishing/records", userID, req, &record); err != nil {
		return PublishRecord{}, err
	}
	if record.ID == "" {
		return PublishRecord{}, fmt.Errorf("backend record publish result: response without id")
	}
	return record, nil
}

type articleResponse struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	ImageURL string `json:"image_url"`
}

func (c *Client) GetArticle(ctx context.Context, userID, articleID string) (publisher.Article, error) {
	var a articleResponse
	if err := c.do(ctx, "get_article", http.MethodGet, "/api/articles/"+articleID, userID, nil, &a); err != nil {
		return publisher.Article{}, err
	}
	return publisher.Article{ID: articleID, Title: a.Title, Body: a.Content, MediaURL: a.ImageURL}, nil
}

func (c *Client) do(ctx context.Context, operation, method, endpoint, userID string, body, out interface{}) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveNetworkRequest("backend", operation, start, err) }()

	token, err := c.signer.Sign(userID)
	if err != nil {
		return fmt.Errorf("failed to sign identity: %w", err)
	}

	req := c.http.R().SetContext(ctx).SetAuthToken(token)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, endpoint)
	if err != nil {
		return fmt.Errorf("backend %s request failed: %w", operation, err)
	}

	var env envelope
	if len(resp.Body()) > 0 {
		if jsonErr := json.Unmarshal(resp.Body(), &env); jsonErr != nil && resp.IsSuccess() {
			return fmt.Errorf("backend %s: decode response: %w", operation, jsonErr)
		}
	}

	if resp.IsError() || (!env.Success && env.Data == nil) {
		c.logger.Warn("Backend call failed",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode()),
			zap.String("message", env.Message))
		return mapAPIError(resp.StatusCode(), env, resp.String())
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("backend %s: decode data: %w", operation, err)
	}
	return nil
}

func mapAPIError(status int, env envelope, raw string) error {
	msg := env.Message
	if msg == "" {
		msg = env.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(raw)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case status == http.StatusConflict || env.Code == "conflict":
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	default:
		return fmt.Errorf("backend api error: status=%d message=%s", status, msg)
	}
}
