// Package protocoltest provides an in-memory protocol.Client for tests.
package protocoltest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/protocol"
)

// Client is a scriptable fake. Zero-value fields mean "succeed immediately".
type Client struct {
	mu sync.Mutex

	Cfg       protocol.Config
	SyncDelay time.Duration // delay before EventSynced; negative never syncs
	StartErr  error

	Contacts []model.Contact
	Messages map[string][]model.Message // by contact RemoteID

	pingErrs   []error
	fetchErrs  []error
	fetchCalls int
	pings      int

	events  chan protocol.Event
	synced  bool
	started bool
	stopped bool
	stopCh  chan struct{}
}

// NewClient constructs a fake with an event buffer.
func NewClient() *Client {
	return &Client{events: make(chan protocol.Event, 64), stopCh: make(chan struct{})}
}

func (c *Client) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return c.StartErr
	}
	c.started = true
	if c.SyncDelay < 0 {
		return nil
	}
	delay := c.SyncDelay
	go func() {
		select {
		case <-time.After(delay):
		case <-c.stopCh:
			return
		}
		c.mu.Lock()
		c.synced = true
		c.mu.Unlock()
		c.Emit(protocol.Event{Type: protocol.EventSynced, At: time.Now()})
	}()
	return nil
}

func (c *Client) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	close(c.events)
	return nil
}

func (c *Client) Events() <-chan protocol.Event { return c.events }

func (c *Client) IsSynced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Emit pushes an event unless the client is stopped.
func (c *Client) Emit(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

// FailPings makes the next pings fail with errs, in order.
func (c *Client) FailPings(errs ...error) {
	c.mu.Lock()
	c.pingErrs = append(c.pingErrs, errs...)
	c.mu.Unlock()
}

// FailFetches makes the next fetch calls return errs in order; a nil entry succeeds.
func (c *Client) FailFetches(errs ...error) {
	c.mu.Lock()
	c.fetchErrs = append(c.fetchErrs, errs...)
	c.mu.Unlock()
}

func (c *Client) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	if c.stopped {
		return errors.New("protocoltest: client stopped")
	}
	if len(c.pingErrs) > 0 {
		err := c.pingErrs[0]
		c.pingErrs = c.pingErrs[1:]
		return err
	}
	return nil
}

func (c *Client) nextFetchErr() error {
	c.fetchCalls++
	if len(c.fetchErrs) == 0 {
		return nil
	}
	err := c.fetchErrs[0]
	c.fetchErrs = c.fetchErrs[1:]
	return err
}

func (c *Client) FetchContacts(_ context.Context, cursor string, limit int) (protocol.ContactPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.nextFetchErr(); err != nil {
		return protocol.ContactPage{}, err
	}
	from, to, next := window(cursor, limit, len(c.Contacts))
	page := append([]model.Contact(nil), c.Contacts[from:to]...)
	return protocol.ContactPage{Contacts: page, Next: next, Total: len(c.Contacts)}, nil
}

func (c *Client) FetchMessages(_ context.Context, contact model.Contact, cursor string, limit int) (protocol.MessagePage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.nextFetchErr(); err != nil {
		return protocol.MessagePage{}, err
	}
	all := c.Messages[contact.RemoteID]
	from, to, next := window(cursor, limit, len(all))
	page := append([]model.Message(nil), all[from:to]...)
	return protocol.MessagePage{Messages: page, Next: next, Total: len(all)}, nil
}

// FetchCalls counts fetch attempts including failed ones.
func (c *Client) FetchCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchCalls
}

// Pings counts Ping calls.
func (c *Client) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Stopped reports whether Stop was called.
func (c *Client) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func window(cursor string, limit, n int) (from, to int, next string) {
	from, _ = strconv.Atoi(cursor)
	if from > n {
		from = n
	}
	to = from + limit
	if to >= n {
		return from, n, ""
	}
	return from, to, strconv.Itoa(to)
}

// Factory hands out fakes and records every build.
type Factory struct {
	mu     sync.Mutex
	New    func(cfg protocol.Config) *Client // nil means NewClient()
	Err    error
	builds []*Client
}

func (f *Factory) NewClient(cfg protocol.Config) (protocol.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var c *Client
	if f.New != nil {
		c = f.New(cfg)
	} else {
		c = NewClient()
	}
	c.Cfg = cfg
	f.builds = append(f.builds, c)
	return c, nil
}

// Builds returns every client built so far.
func (f *Factory) Builds() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.builds...)
}

// Last returns the most recent client, nil if none.
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.builds) == 0 {
		return nil
	}
	return f.builds[len(f.builds)-1]
}
