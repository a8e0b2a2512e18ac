// Package matrix implements protocol.Client over the Matrix client-server API, reading
// contacts from bridge-managed portal rooms.
package matrix

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/protocol"
)

// Platform is the registry name of this transport.
const Platform = "matrix"

const maxBody = 8 << 20

// Option tunes a Client.
type Option func(*Client)

// WithPollTimeout sets the long-poll timeout of /sync.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Client) { c.pollTimeout = d }
}

// Client is one user's Matrix session.
type Client struct {
	baseURL     string
	token       string
	userID      string
	http        *http.Client
	log         *zap.Logger
	pollTimeout time.Duration

	events chan protocol.Event
	synced atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool

	rooms sync.Map // room id -> contact remote id
}

// New builds a client from cfg. The homeserver URL and access token are required.
func New(cfg protocol.Config, opts ...Option) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("matrix: homeserver url is required")
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid homeserver url %q: %w", cfg.HomeserverURL, err)
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix: access token is required: %w", errs.ErrAuthInvalid)
	}
	c := &Client{
		baseURL:     strings.TrimRight(cfg.HomeserverURL, "/"),
		token:       cfg.AccessToken,
		userID:      cfg.RemoteUserID,
		http:        cfg.HTTPClient,
		log:         cfg.Logger,
		pollTimeout: 30 * time.Second,
		events:      make(chan protocol.Event, 64),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.pollTimeout + 30*time.Second}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.log = c.log.With(zap.String("platform", Platform), zap.Stringer("user", cfg.UserID))
	return c, nil
}

// NewFactory returns a protocol.Factory producing matrix clients.
func NewFactory(opts ...Option) protocol.Factory {
	return protocol.FactoryFunc(func(cfg protocol.Config) (protocol.Client, error) {
		return New(cfg, opts...)
	})
}

// Start checks the token and launches the sync loop. The loop outlives ctx and ends on Stop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return fmt.Errorf("matrix: client already started")
	}
	if err := c.Ping(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true
	go c.loop(loopCtx)
	return nil
}

// Stop ends the sync loop and closes Events.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if !started {
		close(c.events)
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Events() <-chan protocol.Event { return c.events }

func (c *Client) IsSynced() bool { return c.synced.Load() }

// Ping calls whoami.
func (c *Client) Ping(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil)
	if err != nil {
		return err
	}
	var who struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &who); err != nil {
		return fmt.Errorf("matrix: parse whoami: %w", err)
	}
	if c.userID != "" && who.UserID != c.userID {
		return fmt.Errorf("matrix: token belongs to %s, not %s: %w", who.UserID, c.userID, errs.ErrAuthInvalid)
	}
	return nil
}

func (c *Client) loop(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	var since string
	for {
		resp, err := c.sync(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			typ := protocol.EventDisconnected
			if isAuth(err) {
				typ = protocol.EventTokenExpired
			}
			c.log.Warn("sync loop ended", zap.String("event", string(typ)), zap.Error(err))
			c.send(ctx, protocol.Event{Type: typ, At: time.Now(), Err: err})
			return
		}
		since = resp.NextBatch
		c.dispatch(ctx, resp)
		if c.synced.CompareAndSwap(false, true) {
			c.send(ctx, protocol.Event{Type: protocol.EventSynced, At: time.Now()})
		}
	}
}

func (c *Client) send(ctx context.Context, ev protocol.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) sync(ctx context.Context, since string) (*syncResponse, error) {
	q := url.Values{}
	q.Set("timeout", fmt.Sprint(c.pollTimeout.Milliseconds()))
	if since != "" {
		q.Set("since", since)
	}
	body, err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", nil, q)
	if err != nil {
		return nil, err
	}
	var resp syncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("matrix: parse sync: %w", err)
	}
	return &resp, nil
}

// do performs one API request and maps non-2xx answers onto *protocol.RemoteError.
func (c *Client) do(ctx context.Context, method, path string, reqBody any, query url.Values) ([]byte, error) {
	return doRequest(ctx, c.http, method, c.baseURL+path, c.token, reqBody, query)
}

func doRequest(ctx context.Context, hc *http.Client, method, rawURL, token string, reqBody any, query url.Values) ([]byte, error) {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	var r io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("matrix: encode request: %w", err)
		}
		r = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
	if err != nil {
		return nil, fmt.Errorf("matrix: build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("matrix: %s %s: %w: %w", method, req.URL.Path, errs.ErrNetworkTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("matrix: read response: %w: %w", errs.ErrNetworkTransient, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	remote := &protocol.RemoteError{}
	if jsonErr := json.Unmarshal(body, remote); jsonErr != nil {
		remote = &protocol.RemoteError{Code: protocol.CodeUnknown, Message: strings.TrimSpace(string(body))}
	}
	remote.StatusCode = resp.StatusCode
	return nil, remote
}
