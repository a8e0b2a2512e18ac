// Package protocol defines the chat-transport client the pool manages, plus a registry of
// per-platform factories.
package protocol

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/internal/model"
)

// Config is everything a factory needs to build one user's client.
type Config struct {
	UserID        uuid.UUID
	Platform      string
	HomeserverURL string
	RemoteUserID  string
	DeviceID      string
	AccessToken   string
	HTTPClient    *http.Client // nil means a client with sane timeouts
	Logger        *zap.Logger
}

// Client is a live connection to a remote platform. It is owned by the pool; other
// components reach it only through pool.Use.
type Client interface {
	// Start begins the background receive loop. The first completed sync is announced
	// with an EventSynced on Events.
	Start(ctx context.Context) error
	// Stop ends the receive loop and closes Events.
	Stop(ctx context.Context) error
	// Events is the single typed event stream of this client.
	Events() <-chan Event
	// IsSynced reports whether the initial sync has completed.
	IsSynced() bool
	// Ping is a cheap authenticated round trip.
	Ping(ctx context.Context) error
	// FetchContacts returns one page of contacts starting at cursor ("" = first page).
	FetchContacts(ctx context.Context, cursor string, limit int) (ContactPage, error)
	// FetchMessages returns one page of a contact's history starting at cursor.
	FetchMessages(ctx context.Context, contact model.Contact, cursor string, limit int) (MessagePage, error)
}

// Factory builds clients for one platform.
type Factory interface {
	NewClient(cfg Config) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(cfg Config) (Client, error)

// NewClient calls f.
func (f FactoryFunc) NewClient(cfg Config) (Client, error) { return f(cfg) }

// EventType enumerates client events.
type EventType string

const (
	EventSynced       EventType = "synced"
	EventMessage      EventType = "message"
	EventContact      EventType = "contact"
	EventDisconnected EventType = "disconnected"
	EventTokenExpired EventType = "token_expired"
)

// Event is one item of a client's event stream.
type Event struct {
	Type    EventType
	At      time.Time
	Contact *model.Contact
	Message *model.Message
	Err     error // set for disconnected/token_expired
}

// ContactPage is one batch of contacts. Next is empty on the last page.
type ContactPage struct {
	Contacts []model.Contact
	Next     string
	Total    int // best estimate of all contacts, 0 if unknown
}

// MessagePage is one batch of messages. Next is empty on the last page.
type MessagePage struct {
	Messages []model.Message
	Next     string
	Total    int
}

// Registry maps platform names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for platform.
func (r *Registry) Register(platform string, f Factory) {
	r.mu.Lock()
	r.factories[platform] = f
	r.mu.Unlock()
}

// Factory returns the factory for platform.
func (r *Registry) Factory(platform string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[platform]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown platform %q", platform)
	}
	return f, nil
}

// Platforms lists registered platform names in order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
