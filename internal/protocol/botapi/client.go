// Package botapi implements protocol.Client over a Telegram-style bot HTTP API. The API
// has no history endpoint, so contacts and messages are served from what the update
// stream has delivered since the client started.
package botapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/protocol"
)

// Platform is the registry name of this transport.
const Platform = "bot"

// DefaultBaseURL is used when the config carries no homeserver URL.
const DefaultBaseURL = "https://api.telegram.org"

// Option tunes a Client.
type Option func(*Client)

// WithPollTimeout sets the getUpdates long-poll timeout.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Client) { c.pollTimeout = d }
}

// WithHistory bounds the messages kept per chat.
func WithHistory(n int) Option {
	return func(c *Client) { c.history = n }
}

// Client is one bot session.
type Client struct {
	base        string
	http        *http.Client
	log         *zap.Logger
	pollTimeout time.Duration
	history     int

	events chan protocol.Event
	synced atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	dataMu   sync.RWMutex
	contacts map[string]model.Contact
	messages map[string][]model.Message // newest first
}

// New builds a client. cfg.AccessToken is the bot token.
func New(cfg protocol.Config, opts ...Option) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("botapi: bot token is required: %w", errs.ErrAuthInvalid)
	}
	base := cfg.HomeserverURL
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("botapi: invalid base url %q: %w", base, err)
	}
	c := &Client{
		base:        strings.TrimRight(base, "/") + "/bot" + cfg.AccessToken,
		http:        cfg.HTTPClient,
		log:         cfg.Logger,
		pollTimeout: 25 * time.Second,
		history:     500,
		events:      make(chan protocol.Event, 64),
		done:        make(chan struct{}),
		contacts:    make(map[string]model.Contact),
		messages:    make(map[string][]model.Message),
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

// NewFactory returns a protocol.Factory producing bot clients.
func NewFactory(opts ...Option) protocol.Factory {
	return protocol.FactoryFunc(func(cfg protocol.Config) (protocol.Client, error) {
		return New(cfg, opts...)
	})
}

// Start checks the token with getMe and launches the update loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return fmt.Errorf("botapi: client already started")
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

// Stop ends the update loop and closes Events.
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

// Ping calls getMe.
func (c *Client) Ping(ctx context.Context) error {
	var me struct {
		ID    int64 `json:"id"`
		IsBot bool  `json:"is_bot"`
	}
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return err
	}
	if !me.IsBot {
		return fmt.Errorf("botapi: token does not belong to a bot: %w", errs.ErrAuthInvalid)
	}
	return nil
}

type chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

func (ch chat) name() string {
	switch {
	case ch.Title != "":
		return ch.Title
	case ch.FirstName != "":
		return strings.TrimSpace(ch.FirstName + " " + ch.LastName)
	}
	return ch.Username
}

type message struct {
	MessageID int64 `json:"message_id"`
	From      *struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Chat chat   `json:"chat"`
	Date int64  `json:"date"`
	Text string `json:"text"`
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
}

func (c *Client) loop(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	var offset int64
	for {
		var updates []update
		err := c.call(ctx, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         int(c.pollTimeout.Seconds()),
			"allowed_updates": []string{"message"},
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			typ := protocol.EventDisconnected
			if errors.Is(err, errs.ErrAuthInvalid) {
				typ = protocol.EventTokenExpired
			}
			c.log.Warn("update loop ended", zap.String("event", string(typ)), zap.Error(err))
			c.send(ctx, protocol.Event{Type: typ, At: time.Now(), Err: err})
			return
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message != nil {
				c.observe(ctx, u.Message)
			}
		}
		if c.synced.CompareAndSwap(false, true) {
			c.send(ctx, protocol.Event{Type: protocol.EventSynced, At: time.Now()})
		}
	}
}

func (c *Client) observe(ctx context.Context, m *message) {
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	msg := model.Message{
		ContactID: chatID,
		RemoteID:  chatID + ":" + strconv.FormatInt(m.MessageID, 10),
		Body:      m.Text,
		SentAt:    time.Unix(m.Date, 0).UTC(),
	}
	if m.From != nil {
		msg.Sender = strconv.FormatInt(m.From.ID, 10)
	}

	c.dataMu.Lock()
	contact, known := c.contacts[chatID]
	if !known {
		contact = model.Contact{RemoteID: chatID, Platform: Platform, DisplayName: m.Chat.name()}
	}
	contact.UpdatedAt = msg.SentAt
	c.contacts[chatID] = contact
	buf := append([]model.Message{msg}, c.messages[chatID]...)
	if len(buf) > c.history {
		buf = buf[:c.history]
	}
	c.messages[chatID] = buf
	c.dataMu.Unlock()

	if !known {
		c.send(ctx, protocol.Event{Type: protocol.EventContact, At: time.Now(), Contact: &contact})
	}
	c.send(ctx, protocol.Event{Type: protocol.EventMessage, At: time.Now(), Message: &msg})
}

func (c *Client) send(ctx context.Context, ev protocol.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// FetchContacts pages over the chats seen so far, ordered by id.
func (c *Client) FetchContacts(_ context.Context, cursor string, limit int) (protocol.ContactPage, error) {
	from, err := offsetCursor(cursor, limit)
	if err != nil {
		return protocol.ContactPage{}, err
	}
	c.dataMu.RLock()
	all := make([]model.Contact, 0, len(c.contacts))
	for _, ct := range c.contacts {
		all = append(all, ct)
	}
	c.dataMu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].RemoteID < all[j].RemoteID })

	lo, hi, next := window(from, limit, len(all))
	return protocol.ContactPage{Contacts: all[lo:hi], Next: next, Total: len(all)}, nil
}

// FetchMessages pages over the buffered messages of one chat, newest first.
func (c *Client) FetchMessages(_ context.Context, contact model.Contact, cursor string, limit int) (protocol.MessagePage, error) {
	from, err := offsetCursor(cursor, limit)
	if err != nil {
		return protocol.MessagePage{}, err
	}
	c.dataMu.RLock()
	all := append([]model.Message(nil), c.messages[contact.RemoteID]...)
	c.dataMu.RUnlock()

	lo, hi, next := window(from, limit, len(all))
	return protocol.MessagePage{Messages: all[lo:hi], Next: next, Total: len(all)}, nil
}

func offsetCursor(cursor string, limit int) (int, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("botapi: limit must be positive")
	}
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("botapi: bad cursor %q", cursor)
	}
	return n, nil
}

func window(from, limit, n int) (lo, hi int, next string) {
	lo = min(from, n)
	hi = min(lo+limit, n)
	if hi < n {
		next = strconv.Itoa(hi)
	}
	return lo, hi, next
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call invokes one API method and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	var body io.Reader
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("botapi: encode %s: %w", method, err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+method, body)
	if err != nil {
		return fmt.Errorf("botapi: build request: %w", err)
	}
	if params != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the url carries the token; report the method only
		return fmt.Errorf("botapi: %s: %w", method, errs.ErrNetworkTransient)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("botapi: read %s: %w: %w", method, errs.ErrNetworkTransient, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return remoteError(resp.StatusCode, strings.TrimSpace(string(raw)), 0)
		}
		return fmt.Errorf("botapi: parse %s: %w", method, err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		retryAfter := 0
		if env.Parameters != nil {
			retryAfter = env.Parameters.RetryAfter
		}
		return remoteError(code, env.Description, retryAfter)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("botapi: parse %s result: %w", method, err)
	}
	return nil
}

func remoteError(status int, desc string, retryAfterSec int) *protocol.RemoteError {
	e := &protocol.RemoteError{StatusCode: status, Message: desc, Code: protocol.CodeUnknown}
	switch status {
	case http.StatusUnauthorized:
		e.Code = protocol.CodeUnknownToken
	case http.StatusForbidden:
		e.Code = protocol.CodeForbidden
	case http.StatusNotFound:
		e.Code = protocol.CodeNotFound
	case http.StatusTooManyRequests:
		e.Code = protocol.CodeLimitExceeded
		e.RetryAfterMs = int64(retryAfterSec) * 1000
	}
	return e
}
