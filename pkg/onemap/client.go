// Package onemap provides a session client for the OneMap (1Map) GIS
// attributes API.
package onemap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/velocityfibre/onemap-sync/internal/resilience"
)

const (
	// DefaultBaseURL is the production OneMap host.
	DefaultBaseURL = "https://www.1map.co.za"
	// DefaultLayerID is the fibre installations layer.
	DefaultLayerID = "5121"
	// DefaultPageSize is the page size used for site scans.
	DefaultPageSize = 50
	// DefaultPageDelay is the pause between consecutive page requests.
	DefaultPageDelay = 100 * time.Millisecond

	sessionCookie = "connect.sid"
	csrfCookie    = "csrfToken"
)

// ErrAuthentication is returned when login does not yield a session cookie.
var ErrAuthentication = eris.New("onemap: authentication failed")

// StatusError reports a non-2xx response from the attributes endpoint.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("onemap: unexpected status %d %s", e.StatusCode, e.Status)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Client defines the OneMap operations used by the sync engine.
type Client interface {
	// Authenticate logs in and stores the resulting session.
	Authenticate(ctx context.Context) (Session, error)
	// Session returns the current session and whether the client is authenticated.
	Session() (Session, bool)
	// SearchInstallations fetches one page of the installations layer.
	SearchInstallations(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error)
	// Pages streams result pages for query to fn, one page at a time.
	Pages(ctx context.Context, query string, opts PageOptions, fn func(Page) error) error
	// GetAllInstallations collects every page for site in memory.
	GetAllInstallations(ctx context.Context, site string, opts PageOptions) ([]Record, error)
	// GetAllSiteInstallations fetches several sites in sequence.
	GetAllSiteInstallations(ctx context.Context, sites []string, maxPagesPerSite int, onSiteProgress func(site string, percent int)) (map[string][]Record, error)
	// GetDR returns the record whose drp equals drNumber, or nil.
	GetDR(ctx context.Context, drNumber string) (*Record, error)
}

// Session is the cookie pair issued by a successful login.
type Session struct {
	SessionID string
	CSRFToken string
	IssuedAt  time.Time
}

// cookieHeader renders the Cookie request header for s.
func (s Session) cookieHeader() string {
	parts := []string{sessionCookie + "=" + s.SessionID}
	if s.CSRFToken != "" {
		parts = append(parts, csrfCookie+"="+s.CSRFToken)
	}
	return strings.Join(parts, "; ")
}

// Option configures the OneMap client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithLayerID overrides the default installations layer.
func WithLayerID(id string) Option {
	return func(c *httpClient) {
		c.layerID = id
	}
}

// WithPageSize sets the records requested per page.
func WithPageSize(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithPageDelay sets the minimum delay between page requests. Zero disables it.
func WithPageDelay(d time.Duration) Option {
	return func(c *httpClient) {
		c.pageDelay = d
	}
}

// WithRetry enables retries of transient search failures.
func WithRetry(p resilience.RetryPolicy) Option {
	return func(c *httpClient) {
		c.retry = p
	}
}

// WithCircuitBreaker routes search requests through b.
func WithCircuitBreaker(b *resilience.Breaker) Option {
	return func(c *httpClient) {
		c.breaker = b
	}
}

// ResetBreaker closes the client's circuit breaker, if it has one.
func (c *httpClient) ResetBreaker() {
	if c.breaker != nil {
		c.breaker.Reset()
	}
}

// WithSession seeds the client with a previously issued session.
func WithSession(s Session) Option {
	return func(c *httpClient) {
		if s.SessionID != "" {
			c.session = &s
		}
	}
}

type httpClient struct {
	email     string
	password  string
	baseURL   string
	layerID   string
	pageSize  int
	pageDelay time.Duration
	http      *http.Client
	retry     resilience.RetryPolicy
	breaker   *resilience.Breaker
	limiter   *rate.Limiter
	log       *zap.Logger

	mu      sync.Mutex
	session *Session
}

// NewClient creates a OneMap client for the given account.
func NewClient(email, password string, opts ...Option) Client {
	c := &httpClient{
		email:     email,
		password:  password,
		baseURL:   DefaultBaseURL,
		layerID:   DefaultLayerID,
		pageSize:  DefaultPageSize,
		pageDelay: DefaultPageDelay,
		retry:     resilience.NoRetry(),
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: zap.L().With(zap.String("component", "onemap")),
	}
	for _, opt := range opts {
		opt(c)
	}

	// Login responses redirect on success; the cookies are on the 302 itself.
	hc := *c.http
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.http = &hc

	limit := rate.Inf
	if c.pageDelay > 0 {
		limit = rate.Every(c.pageDelay)
	}
	c.limiter = rate.NewLimiter(limit, 1)

	if c.retry.Retryable == nil {
		c.retry.Retryable = isRetryable
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = func(attempt int, wait time.Duration, err error) {
			c.log.Warn("retrying search", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}
	}
	return c
}

func (c *httpClient) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

func (c *httpClient) Authenticate(ctx context.Context) (Session, error) {
	c.log.Info("authenticating", zap.String("email", c.email))

	form := url.Values{}
	form.Set("email", c.email)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, eris.Wrap(err, "onemap: create login request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return Session{}, eris.Wrap(err, "onemap: login request")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	s := parseSession(resp.Header.Values("Set-Cookie"))
	if s.SessionID == "" {
		c.log.Error("authentication failed, no session cookie", zap.Int("status", resp.StatusCode))
		return Session{}, eris.Wrapf(ErrAuthentication, "onemap: login returned status %d without %s", resp.StatusCode, sessionCookie)
	}
	s.IssuedAt = time.Now().UTC()

	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()

	c.log.Info("authentication successful")
	return s, nil
}

// ensureSession returns the current session, logging in when there is none.
func (c *httpClient) ensureSession(ctx context.Context) (Session, error) {
	if s, ok := c.Session(); ok {
		return s, nil
	}
	return c.Authenticate(ctx)
}

// invalidate drops the session so the next request logs in again.
func (c *httpClient) invalidate() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// parseSession extracts the session and CSRF cookies from Set-Cookie values.
func parseSession(headers []string) Session {
	var s Session
	for _, h := range headers {
		cookie, err := http.ParseSetCookie(h)
		if err != nil {
			continue
		}
		switch cookie.Name {
		case sessionCookie:
			s.SessionID = cookie.Value
		case csrfCookie:
			s.CSRFToken = cookie.Value
		}
	}
	return s
}

// isRetryable never retries a rejected login.
func isRetryable(err error) bool {
	return !errors.Is(err, ErrAuthentication) && resilience.Retryable(err)
}
