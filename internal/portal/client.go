package portal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	logx "labmon/pkg/logx"
)

// maxPageBytes bounds how much of any portal response we read into memory.
const maxPageBytes = 8 << 20

type Config struct {
	BaseURL   string
	LoginPath string        // default "/acesso_paciente"
	Timeout   time.Duration // per-request; default 20s
	Rules     Rules
}

// Client knows how to talk to the patient portal. It is stateless across
// cycles: every Login produces a fresh cookie-bearing Session.
type Client struct {
	base      *url.URL
	loginPath string
	timeout   time.Duration
	log       logx.Logger

	mu    sync.RWMutex
	rules Rules
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("portal base_url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("portal base_url must be absolute")
	}
	loginPath := cfg.LoginPath
	if strings.TrimSpace(loginPath) == "" {
		loginPath = "/acesso_paciente"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:      base,
		loginPath: loginPath,
		timeout:   timeout,
		log:       log,
		rules:     cfg.Rules.withDefaults(),
	}, nil
}

func (c *Client) Rules() Rules {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules
}

// SetRules swaps the matching vocabulary (config hot reload).
func (c *Client) SetRules(r Rules) {
	c.mu.Lock()
	c.rules = r.withDefaults()
	c.mu.Unlock()
}

func (c *Client) loginURL() string {
	u := *c.base
	u.Path = c.loginPath
	return u.String()
}

// resolve turns a possibly relative portal href into an absolute URL.
func (c *Client) resolve(raw string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	return c.base.ResolveReference(ref).String()
}

// Session is an authenticated handle bound to one account's credentials.
// It is valid for a single monitoring cycle and is never persisted.
type Session struct {
	c          *Client
	http       *http.Client
	resultsURL string
}

// Login performs the portal's form login handshake and returns a session
// whose cookie jar carries the portal's session cookies.
func (c *Client) Login(ctx context.Context, username, secret string) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, &AuthError{Reason: "cookie jar init failed", Err: err}
	}
	hc := &http.Client{Jar: jar, Timeout: c.timeout}

	loginURL := c.loginURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return nil, &AuthError{Reason: "bad login url", Err: err}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, &AuthError{Reason: "login endpoint unreachable", Err: err}
	}
	doc, derr := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &AuthError{Reason: "login page returned status " + resp.Status}
	}
	if derr != nil {
		return nil, &AuthError{Reason: "login page unreadable", Err: derr}
	}

	form := doc.Find("form").First()
	if form.Length() == 0 {
		return nil, &AuthError{Reason: "no login form found"}
	}

	values := loginFormValues(form, username, secret)
	action := c.resolve(form.AttrOr("action", c.loginPath))

	preq, err := http.NewRequestWithContext(ctx, http.MethodPost, action, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, &AuthError{Reason: "bad login action url", Err: err}
	}
	preq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	presp, err := hc.Do(preq)
	if err != nil {
		return nil, &AuthError{Reason: "login request failed", Err: err}
	}
	body, rerr := io.ReadAll(io.LimitReader(presp.Body, maxPageBytes))
	_ = presp.Body.Close()
	if presp.StatusCode < 200 || presp.StatusCode >= 300 {
		return nil, &AuthError{Reason: "login submit returned status " + presp.Status}
	}
	if rerr != nil {
		return nil, &AuthError{Reason: "login response unreadable", Err: rerr}
	}

	if !loggedIn(body) {
		return nil, &AuthError{Reason: "credentials rejected"}
	}

	c.log.Debug("portal login ok", logx.String("landing", presp.Request.URL.Path))
	return &Session{
		c:          c,
		http:       hc,
		resultsURL: presp.Request.URL.String(),
	}, nil
}

// loginFormValues fills the login form the way a browser would: canonical
// portal field names first, then hidden inputs, then whatever text/password
// fields the form actually declares.
func loginFormValues(form *goquery.Selection, username, secret string) url.Values {
	values := url.Values{}
	values.Set("identificacao", username)
	values.Set("senha", secret)
	values.Set("username", username)
	values.Set("password", secret)

	form.Find("input").Each(func(_ int, in *goquery.Selection) {
		name := strings.TrimSpace(in.AttrOr("name", ""))
		if name == "" {
			return
		}
		switch strings.ToLower(in.AttrOr("type", "text")) {
		case "hidden":
			values.Set(name, in.AttrOr("value", ""))
		case "text", "email", "number":
			if values.Get(name) == "" {
				values.Set(name, username)
			}
		case "password":
			if values.Get(name) == "" {
				values.Set(name, secret)
			}
		}
	})
	return values
}

// landingMarkers are strings that only appear on the portal once logged in.
var landingMarkers = []string{
	"logout", "sair", "resultados", "exames", "laudos",
	"bem-vindo", "welcome", "dashboard", "painel",
}

func loggedIn(body []byte) bool {
	page := strings.ToLower(string(body))
	for _, m := range landingMarkers {
		if strings.Contains(page, m) {
			return true
		}
	}
	// Fallback: we are at least no longer looking at the login form.
	return !strings.Contains(page, "entrar") || !strings.Contains(page, "login")
}

// page is one fetched portal response.
type page struct {
	body        []byte
	contentType string
	disposition string
	finalURL    string
}

func (s *Session) get(ctx context.Context, raw string) (*page, error) {
	abs := s.c.resolve(raw)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, abs, nil)
	if err != nil {
		return nil, &FetchError{URL: abs, Err: err}
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &FetchError{URL: abs, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: abs, Status: resp.StatusCode}
	}
	// Session expiry shows up as a redirect back to the login page.
	if final := resp.Request.URL; final.Path == s.c.loginPath && !strings.Contains(abs, s.c.loginPath) {
		s.c.log.Debug("session expired", logx.String("url", abs))
		return nil, &FetchError{URL: abs, Reason: "session expired (redirected to login)"}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, &FetchError{URL: abs, Err: err}
	}
	return &page{
		body:        body,
		contentType: resp.Header.Get("Content-Type"),
		disposition: resp.Header.Get("Content-Disposition"),
		finalURL:    resp.Request.URL.String(),
	}, nil
}

// Fetch retrieves a named portal page with the session's cookies.
func (s *Session) Fetch(ctx context.Context, raw string) ([]byte, error) {
	p, err := s.get(ctx, raw)
	if err != nil {
		return nil, err
	}
	return p.body, nil
}

// FetchResults retrieves the results listing. When the landing page still
// shows a navigation page, it follows the results link once.
func (s *Session) FetchResults(ctx context.Context) ([]byte, error) {
	body, err := s.Fetch(ctx, s.resultsURL)
	if err != nil {
		return nil, err
	}
	if href := findResultsLink(body); href != "" && !hasResultRows(body) {
		followed, err := s.Fetch(ctx, href)
		if err != nil {
			return nil, err
		}
		return followed, nil
	}
	return body, nil
}

func hasResultRows(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return doc.Find("tr").Length() > 0
}

// findResultsLink locates a navigation link to the results listing.
func findResultsLink(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var href string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		h := strings.ToLower(a.AttrOr("href", ""))
		if strings.Contains(h, "resultado") || strings.Contains(h, "exame") || strings.Contains(h, "laudo") {
			href = a.AttrOr("href", "")
			return false
		}
		return true
	})
	return href
}
