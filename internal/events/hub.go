package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Authenticator resolves the user of an upgrade request.
type Authenticator func(r *http.Request) (uuid.UUID, error)

// HubConfig tunes buffering.
type HubConfig struct {
	OfflineQueue  int           // events kept per offline user
	ClientBuffer  int           // events buffered per connection
	WriteTimeout  time.Duration // per message
	AllowedOrigin []string      // websocket.AcceptOptions.OriginPatterns
}

type subscriber struct {
	send chan []byte
}

// Hub pushes events to connected websocket clients. Events for users without a connection
// are kept in a bounded per-user queue (oldest dropped) and flushed on connect.
type Hub struct {
	cfg  HubConfig
	auth Authenticator
	log  *zap.Logger

	mu      sync.Mutex
	subs    map[uuid.UUID]map[*subscriber]struct{}
	pending map[uuid.UUID][][]byte
}

// NewHub constructs a hub.
func NewHub(cfg HubConfig, auth Authenticator, log *zap.Logger) *Hub {
	if cfg.OfflineQueue <= 0 {
		cfg.OfflineQueue = 100
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		cfg:     cfg,
		auth:    auth,
		log:     log,
		subs:    make(map[uuid.UUID]map[*subscriber]struct{}),
		pending: make(map[uuid.UUID][][]byte),
	}
}

// Emit delivers to every connection of the user, or queues while the user is offline.
func (h *Hub) Emit(_ context.Context, userID uuid.UUID, name string, payload any) error {
	msg, err := json.Marshal(Envelope{User: userID, Name: name, At: time.Now().UTC(), Payload: payload})
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[userID]
	if len(subs) == 0 {
		q := append(h.pending[userID], msg)
		if over := len(q) - h.cfg.OfflineQueue; over > 0 {
			q = q[over:]
		}
		h.pending[userID] = q
		return nil
	}
	for s := range subs {
		select {
		case s.send <- msg:
		default:
			h.log.Warn("client too slow, event dropped", zap.Stringer("user", userID), zap.String("event", name))
		}
	}
	return nil
}

// Online reports whether the user has at least one open connection.
func (h *Hub) Online(userID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID]) > 0
}

// Pending returns how many events wait for the user.
func (h *Hub) Pending(userID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending[userID])
}

func (h *Hub) register(userID uuid.UUID) *subscriber {
	s := &subscriber{send: make(chan []byte, h.cfg.ClientBuffer+h.cfg.OfflineQueue)}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.subs[userID]
	if m == nil {
		m = make(map[*subscriber]struct{})
		h.subs[userID] = m
	}
	m[s] = struct{}{}
	for _, msg := range h.pending[userID] {
		s.send <- msg
	}
	delete(h.pending, userID)
	return s
}

func (h *Hub) unregister(userID uuid.UUID, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[userID], s)
	if len(h.subs[userID]) == 0 {
		delete(h.subs, userID)
	}
}

// ServeHTTP upgrades the request and streams the user's events until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.AllowedOrigin})
	if err != nil {
		h.log.Warn("websocket accept", zap.Error(err))
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "bye") }()

	s := h.register(userID)
	defer h.unregister(userID, s)
	h.log.Debug("events client connected", zap.Stringer("user", userID))

	// clients only listen; CloseRead handles control frames and ends ctx on close
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.send:
			wctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := ws.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.log.Debug("events write", zap.Stringer("user", userID), zap.Error(err))
				return
			}
		}
	}
}
