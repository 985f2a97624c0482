package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"courtbot/internal/task/retry"
	"courtbot/pkg/logx"
)

const (
	DefaultAppURL          = "https://app.courtreserve.com"
	DefaultReservationsURL = "https://reservations.courtreserve.com"
	DefaultUserAgent       = "Mozilla/5.0 CourtReserveAuto/2.0"

	maxBodyBytes = 4 << 20
)

type Config struct {
	AppURL          string
	ReservationsURL string
	UserAgent       string
	Timeout         time.Duration
	// RequestsPerSecond paces every request of one client. Zero disables pacing.
	RequestsPerSecond float64
	LoginAttempts     int
	LoginBackoff      time.Duration
}

func (c Config) withDefaults() Config {
	if c.AppURL == "" {
		c.AppURL = DefaultAppURL
	}
	if c.ReservationsURL == "" {
		c.ReservationsURL = DefaultReservationsURL
	}
	c.AppURL = strings.TrimRight(c.AppURL, "/")
	c.ReservationsURL = strings.TrimRight(c.ReservationsURL, "/")
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.LoginAttempts <= 0 {
		c.LoginAttempts = 3
	}
	if c.LoginBackoff <= 0 {
		c.LoginBackoff = time.Second
	}
	return c
}

type Credentials struct {
	Email    string
	Password string
}

// Client is one authenticated session against one venue.
type Client struct {
	cfg   Config
	venue Venue
	loc   *time.Location
	creds Credentials
	log   logx.Logger

	hc      *http.Client
	limiter *rate.Limiter
	sleep   retry.Sleeper
	now     func() time.Time

	mu       sync.Mutex
	loggedIn bool
}

type Option func(*Client)

func WithLogger(l logx.Logger) Option { return func(c *Client) { c.log = l } }

// WithSleeper replaces the wait between login attempts.
func WithSleeper(s retry.Sleeper) Option { return func(c *Client) { c.sleep = s } }

// WithTransport swaps the HTTP transport (tests, proxies).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.hc.Transport = rt }
}

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func New(cfg Config, venue Venue, creds Credentials, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	loc, err := time.LoadLocation(venue.Timezone)
	if err != nil {
		return nil, fmt.Errorf("venue %s timezone: %w", venue.Key, err)
	}
	c := &Client{
		cfg:     cfg,
		venue:   venue,
		loc:     loc,
		creds:   creds,
		log:     logx.Nop(),
		hc:      &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Inf, 1),
		sleep:   retry.Sleep,
		now:     time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(logx.String("comp", "portal"), logx.String("venue", venue.Key), logx.Account(creds.Email))
	if err := c.resetJar(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Venue() Venue              { return c.venue }
func (c *Client) Location() *time.Location { return c.loc }

func (c *Client) resetJar() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.hc.Jar = jar
	c.loggedIn = false
	c.mu.Unlock()
	return nil
}

// LoggedIn reports whether the last Login succeeded and no reset followed.
func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

type request struct {
	op          string
	method      string
	url         string
	contentType string
	body        []byte
	headers     map[string]string
}

// do sends one request and returns the body. Non-2xx statuses become
// *StatusError.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, bytes.NewReader(r.body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	start := c.now()
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal %s: %w", r.op, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("portal %s: read body: %w", r.op, err)
	}
	c.log.Trace("portal request",
		logx.String("op", r.op),
		logx.String("method", r.method),
		logx.Int("status", res.StatusCode),
		logx.Duration("took", c.now().Sub(start)),
	)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return b, &StatusError{Op: r.op, Code: res.StatusCode, Body: snippet(b)}
	}
	return b, nil
}

func (c *Client) doJSON(ctx context.Context, r request, out any) error {
	b, err := c.do(ctx, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("portal %s: decode: %w", r.op, err)
	}
	return nil
}

// withSession runs fn and, when it fails with an auth status, refreshes the
// session once and runs it again. A second failure propagates.
func (c *Client) withSession(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || !IsAuthStatus(err) {
		return err
	}
	c.log.Info("session rejected; refreshing", logx.String("op", op), logx.Err(err))
	if rerr := c.Refresh(ctx); rerr != nil {
		return fmt.Errorf("%s: session refresh: %w", op, rerr)
	}
	return fn()
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func xhrHeaders(extra map[string]string) map[string]string {
	h := map[string]string{"X-Requested-With": "XMLHttpRequest"}
	for k, v := range extra {
		h[k] = v
	}
	return h
}
