package events

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"
	"github.com/nats-io/nats.go"
)

// NATSSink mirrors every event to NATS on "<prefix>.<user>.<event>" so other services and
// replicas can follow sessions and syncs. While the connection is up it is a live destination
// for every user, since the user's websocket may be open on another replica.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("bridge-keeper"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
}

// NewNATSSink constructs a sink over an open connection.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "bridge.events"
	}
	return &NATSSink{nc: nc, prefix: prefix}
}

// Subject returns the subject of an event.
func (s *NATSSink) Subject(userID uuid.UUID, name string) string {
	return s.prefix + "." + userID.String() + "." + name
}

func (s *NATSSink) Emit(_ context.Context, userID uuid.UUID, name string, payload any) error {
	data, err := json.Marshal(Envelope{User: userID, Name: name, At: time.Now().UTC(), Payload: payload})
	if err != nil {
		return err
	}
	return s.nc.Publish(s.Subject(userID, name), data)
}

func (s *NATSSink) Online(uuid.UUID) bool { return s.nc.IsConnected() }
