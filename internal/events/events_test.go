package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func headerAuth(r *http.Request) (uuid.UUID, error) {
	return uuid.FromString(r.Header.Get("X-User"))
}

func dial(t *testing.T, srv *httptest.Server, user uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	h := http.Header{}
	h.Set("X-User", user.String())
	c, _, err := websocket.Dial(context.Background(), url, &websocket.DialOptions{HTTPHeader: h})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_QueuesWhileOfflineAndFlushesOnConnect(t *testing.T) {
	hub := NewHub(HubConfig{OfflineQueue: 2}, headerAuth, zaptest.NewLogger(t))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	user := uuid.Must(uuid.NewV4())
	require.False(t, hub.Online(user))
	for _, name := range []string{SyncProgress, SyncProgress, SyncCompleted} {
		require.NoError(t, hub.Emit(context.Background(), user, name, map[string]int{"progress": 100}))
	}
	require.Equal(t, 2, hub.Pending(user), "oldest event dropped")

	c := dial(t, srv, user)
	require.Equal(t, SyncProgress, readEnvelope(t, c).Name)
	last := readEnvelope(t, c)
	require.Equal(t, SyncCompleted, last.Name)
	require.Equal(t, user, last.User)
	require.Zero(t, hub.Pending(user))
	require.Eventually(t, func() bool { return hub.Online(user) }, time.Second, 10*time.Millisecond)
}

func TestHub_LiveDeliveryAndDisconnect(t *testing.T) {
	hub := NewHub(HubConfig{}, headerAuth, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	user := uuid.Must(uuid.NewV4())
	c := dial(t, srv, user)
	require.Eventually(t, func() bool { return hub.Online(user) }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Emit(context.Background(), user, SessionState, map[string]string{"state": "CONNECTED"}))
	require.Equal(t, SessionState, readEnvelope(t, c).Name)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return !hub.Online(user) }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsUnauthenticated(t *testing.T) {
	hub := NewHub(HubConfig{}, func(*http.Request) (uuid.UUID, error) { return uuid.Nil, errors.New("no token") }, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_, resp, err := websocket.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func runNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats not ready")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSSink_PublishesPerUserSubject(t *testing.T) {
	nc := runNATS(t)
	sink := NewNATSSink(nc, "test.events")
	user := uuid.Must(uuid.NewV4())

	sub, err := nc.SubscribeSync("test.events." + user.String() + ".>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, sink.Emit(context.Background(), user, SyncFailed, map[string]string{"error": "boom"}))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, sink.Subject(user, SyncFailed), msg.Subject)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	require.Equal(t, SyncFailed, env.Name)
}

func TestNATSSink_OnlineFollowsConnection(t *testing.T) {
	nc := runNATS(t)
	sink := NewNATSSink(nc, "")
	user := uuid.Must(uuid.NewV4())
	require.True(t, sink.Online(user))

	nc.Close()
	require.False(t, sink.Online(user))
}

func TestMulti_HubWithoutClientIsOnlineThroughNATS(t *testing.T) {
	nc := runNATS(t)
	hub := NewHub(HubConfig{}, headerAuth, zaptest.NewLogger(t))
	user := uuid.Must(uuid.NewV4())

	require.False(t, hub.Online(user))
	require.True(t, Multi{hub, NewNATSSink(nc, "")}.Online(user))
}

type recordingSink struct {
	online bool
	names  []string
	err    error
}

func (r *recordingSink) Emit(_ context.Context, _ uuid.UUID, name string, _ any) error {
	r.names = append(r.names, name)
	return r.err
}
func (r *recordingSink) Online(uuid.UUID) bool { return r.online }

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	a := &recordingSink{err: errors.New("down")}
	b := &recordingSink{online: true}
	m := Multi{a, b}
	user := uuid.Must(uuid.NewV4())

	err := m.Emit(context.Background(), user, ContactNew, nil)
	require.Error(t, err)
	require.Equal(t, []string{ContactNew}, a.names)
	require.Equal(t, []string{ContactNew}, b.names)
	require.True(t, m.Online(user))
	require.False(t, Multi{a}.Online(user))
}
