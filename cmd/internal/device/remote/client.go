package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/flexerosint/flexer-osint/cmd/internal/device/tokenstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/reconcile"
)

// Config locates and tunes access to a flexer server.
type Config struct {
	// BaseURL is the server root, e.g. http://127.0.0.1:8080.
	BaseURL string
	// Platform is reported to the auth API when signing in.
	Platform string

	HTTPTimeout time.Duration
	// HelloTimeout bounds the websocket dial and hello exchange.
	HelloTimeout time.Duration
	// ReconnectMaxElapsed bounds how long the change feed keeps reconnecting before it fails
	// every live subscription with docstore.ErrUnavailable.
	ReconnectMaxElapsed time.Duration
}

func (c Config) withDefaults() Config {
	if c.Platform == "" {
		c.Platform = "cli"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = 10 * time.Second
	}
	if c.ReconnectMaxElapsed <= 0 {
		c.ReconnectMaxElapsed = 2 * time.Minute
	}
	return c
}

// Client talks to one flexer server on behalf of one device.
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
	kv   tokenstore.KV
	log  *slog.Logger

	mu        sync.RWMutex
	token     string
	identity  reconcile.Identity
	listeners []identityListener
	nextID    int

	feed *feed
}

type identityListener struct {
	id int
	fn func(reconcile.Identity)
}

var (
	_ docstore.Repository        = (*Client)(nil)
	_ reconcile.IdentityProvider = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for the auth and document APIs.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTokenKV persists the access token in kv so the identity survives restarts.
func WithTokenKV(kv tokenstore.KV) Option {
	return func(c *Client) { c.kv = kv }
}

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New returns a signed-out Client. Call Restore to pick up a persisted session.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: base url must be http or https, got %q", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, errors.New("remote: base url has no host")
	}

	c := &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.feed = newFeed(c)
	return c, nil
}

// Close drops the change feed connection and fails live subscriptions.
func (c *Client) Close() error {
	c.feed.close()
	return nil
}

// Token returns the current access token, or "" when signed out.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) endpoint(segments ...string) *url.URL {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.base.JoinPath(escaped...)
}

func (c *Client) wsURL() string {
	u := c.endpoint("v1", "ws")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// do sends one JSON request. Network failures come back as *TransportError.
func (c *Client) do(ctx context.Context, op, method string, u *url.URL, body any, withToken bool) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withToken {
		tok := c.Token()
		if tok == "" {
			return nil, ErrSignedOut
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &TransportError{Op: op, Err: ctxErr}
		}
		return nil, &TransportError{Op: op, Err: err}
	}
	return resp, nil
}

func decodeBody(op string, resp *http.Response, dst any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(dst); err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
