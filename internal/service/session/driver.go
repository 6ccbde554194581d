package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/metrics"
)

// Cookie is the portable form of a captured cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// Request is a submission made from a page, such as a form post or an API
// call issued with the page's cookies.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Form    map[string]string
	JSON    interface{}
}

// Page is one automation context bound to a partition's cookie jar. After
// Navigate or Submit, URL and Content reflect the last response.
type Page interface {
	Navigate(ctx context.Context, rawURL string) error
	Submit(ctx context.Context, req Request) error
	URL() string
	StatusCode() int
	Content() string
	Cookies() []Cookie
	SetCookies(cookies []Cookie) error
	Close() error
}

type OpenOptions struct {
	PlatformID string
	Partition  string
	Cookies    []Cookie
}

// Driver opens pages.
type Driver interface {
	Open(ctx context.Context, opts OpenOptions) (Page, error)
}

type HTTPDriverConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// HTTPDriver drives platforms through their web endpoints with a per-page
// cookie jar.
type HTTPDriver struct {
	cfg    HTTPDriverConfig
	limits *RateLimits
	logger *zap.Logger
}

func NewHTTPDriver(cfg HTTPDriverConfig, limits *RateLimits, logger *zap.Logger) *HTTPDriver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPDriver{cfg: cfg, limits: limits, logger: logger}
}

func (d *HTTPDriver) Open(_ context.Context, opts OpenOptions) (Page, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	client := resty.New().
		SetCookieJar(jar).
		SetTimeout(d.cfg.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	if d.cfg.UserAgent != "" {
		client.SetHeader("User-Agent", d.cfg.UserAgent)
	}

	p := &httpPage{
		client:     client,
		jar:        jar,
		platformID: opts.PlatformID,
		partition:  opts.Partition,
		limits:     d.limits,
		logger:     d.logger,
		visited:    make(map[string]*url.URL),
	}
	if err := p.SetCookies(opts.Cookies); err != nil {
		return nil, err
	}
	return p, nil
}

type httpPage struct {
	client     *resty.Client
	jar        http.CookieJar
	platformID string
	partition  string
	limits     *RateLimits
	logger     *zap.Logger

	mu      sync.Mutex
	url     string
	status  int
	content string
	visited map[string]*url.URL
}

func (p *httpPage) Navigate(ctx context.Context, rawURL string) error {
	return p.Submit(ctx, Request{Method: http.MethodGet, URL: rawURL})
}

func (p *httpPage) Submit(ctx context.Context, req Request) error {
	if err := p.limits.Wait(ctx, p.platformID); err != nil {
		return err
	}

	r := p.client.R().SetContext(ctx).SetHeaders(req.Headers)
	if req.Form != nil {
		r.SetFormData(req.Form)
	}
	if req.JSON != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(req.JSON)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	start := time.Now()
	resp, err := r.Execute(method, req.URL)
	metrics.ObserveNetworkRequest("platform:"+p.platformID, strings.ToLower(method), start, err)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, req.URL, err)
	}

	finalURL := req.URL
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL.String()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.url = finalURL
	p.status = resp.StatusCode()
	p.content = string(resp.Body())
	for _, u := range []string{req.URL, finalURL} {
		if parsed, err := url.Parse(u); err == nil && parsed.Host != "" {
			p.visited[parsed.Scheme+"://"+parsed.Host] = &url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/"}
		}
	}

	p.logger.Debug("Page request finished",
		zap.String("partition", p.partition),
		zap.String("method", method),
		zap.String("url", finalURL),
		zap.Int("status", p.status))
	return nil
}

func (p *httpPage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *httpPage) StatusCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *httpPage) Content() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content
}

func (p *httpPage) Cookies() []Cookie {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool)
	var out []Cookie
	for _, u := range p.visited {
		for _, c := range p.jar.Cookies(u) {
			key := u.Host + "|" + c.Name
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: u.Hostname(), Path: "/"})
		}
	}
	return out
}

func (p *httpPage) SetCookies(cookies []Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			return fmt.Errorf("cookie %s has no domain", c.Name)
		}
		u := &url.URL{Scheme: "https", Host: host, Path: "/"}
		if !c.Secure {
			// Plain-http test servers and legacy endpoints still need the cookie.
			p.jar.SetCookies(&url.URL{Scheme: "http", Host: host, Path: "/"}, []*http.Cookie{toHTTPCookie(c)})
			p.visited["http://"+host] = &url.URL{Scheme: "http", Host: host, Path: "/"}
		}
		p.jar.SetCookies(u, []*http.Cookie{toHTTPCookie(c)})
		p.visited["https://"+host] = u
	}
	return nil
}

func (p *httpPage) Close() error {
	p.client.GetClient().CloseIdleConnections()
	return nil
}

func toHTTPCookie(c Cookie) *http.Cookie {
	path := c.Path
	if path == "" {
		path = "/"
	}
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if strings.HasPrefix(c.Domain, ".") {
		hc.Domain = c.Domain
	}
	if !c.Expires.IsZero() {
		hc.Expires = c.Expires
	}
	return hc
}
