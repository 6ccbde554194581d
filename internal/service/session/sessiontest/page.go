// Package sessiontest provides in-memory pages and drivers for tests.
package sessiontest

import (
	"context"
	"errors"
	"sync"

	"github.com/lh20005/geo-xi-tong-sub013/internal/service/session"
)

// Response is what a scripted URL renders.
type Response struct {
	// RedirectTo replaces the page URL, as a server redirect would.
	RedirectTo string
	Status     int
	Content    string
}

// Page is a scripted session.Page. Routes map a requested URL to a response;
// OnSubmit handles non-GET submissions.
type Page struct {
	mu       sync.Mutex
	Routes   map[string]Response
	OnSubmit func(req session.Request) (Response, error)
	NavErr   error

	url      string
	status   int
	content  string
	cookies  []session.Cookie
	Visits   []string
	Requests []session.Request
	Closed   bool
}

func NewPage() *Page {
	return &Page{Routes: make(map[string]Response)}
}

func (p *Page) Route(url string, r Response) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Routes[url] = r
	return p
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Visits = append(p.Visits, url)
	if p.NavErr != nil {
		return p.NavErr
	}
	p.apply(url, p.Routes[url])
	return nil
}

func (p *Page) Submit(ctx context.Context, req session.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Method == "" || req.Method == "GET" {
		return p.Navigate(ctx, req.URL)
	}

	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	handler := p.OnSubmit
	p.mu.Unlock()

	if handler == nil {
		return errors.New("no submit handler")
	}
	resp, err := handler(req)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.apply(req.URL, resp)
	return nil
}

func (p *Page) apply(url string, r Response) {
	p.url = url
	if r.RedirectTo != "" {
		p.url = r.RedirectTo
	}
	p.status = r.Status
	if p.status == 0 {
		p.status = 200
	}
	p.content = r.Content
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) StatusCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Page) Content() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content
}

func (p *Page) Cookies() []session.Cookie {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]session.Cookie(nil), p.cookies...)
}

func (p *Page) SetCookies(cookies []session.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Driver opens pages built by NewPage, or the page returned by Build.
type Driver struct {
	mu     sync.Mutex
	Build  func(opts session.OpenOptions) *Page
	Opened []session.OpenOptions
	Pages  []*Page
}

func (d *Driver) Open(_ context.Context, opts session.OpenOptions) (session.Page, error) {
	var p *Page
	if d.Build != nil {
		p = d.Build(opts)
	} else {
		p = NewPage()
	}
	_ = p.SetCookies(opts.Cookies)

	d.mu.Lock()
	d.Opened = append(d.Opened, opts)
	d.Pages = append(d.Pages, p)
	d.mu.Unlock()
	return p, nil
}
