package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/protocol"
)

// Event types read by the client.
const (
	TypeBridge       = "m.bridge"
	TypeBridgeLegacy = "uk.half-shot.bridge"
	TypeRoomName     = "m.room.name"
	TypeRoomMessage  = "m.room.message"
)

type event struct {
	Type      string          `json:"type"`
	StateKey  *string         `json:"state_key,omitempty"`
	Sender    string          `json:"sender"`
	EventID   string          `json:"event_id"`
	Timestamp int64           `json:"origin_server_ts"`
	Content   json.RawMessage `json:"content"`
}

type bridgeContent struct {
	BridgeBot string `json:"bridgebot"`
	Protocol  struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayname"`
	} `json:"protocol"`
	Channel struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayname"`
	} `json:"channel"`
}

type messageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			State struct {
				Events []event `json:"events"`
			} `json:"state"`
			Timeline struct {
				Events []event `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

func isAuth(err error) bool { return errors.Is(err, errs.ErrAuthInvalid) }

func isBridge(typ string) bool { return typ == TypeBridge || typ == TypeBridgeLegacy }

// contactFrom builds a contact from a bridge state event. ok is false when the event
// carries no canonical channel id.
func contactFrom(roomID string, ev event, roomName string) (model.Contact, bool) {
	var bc bridgeContent
	if err := json.Unmarshal(ev.Content, &bc); err != nil || bc.Channel.ID == "" {
		return model.Contact{}, false
	}
	name := bc.Channel.DisplayName
	if name == "" {
		name = roomName
	}
	platform := bc.Protocol.ID
	if platform == "" {
		platform = Platform
	}
	c := model.Contact{
		RemoteID:    bc.Channel.ID,
		Platform:    platform,
		RoomID:      roomID,
		DisplayName: name,
	}
	if ev.Timestamp > 0 {
		c.UpdatedAt = time.UnixMilli(ev.Timestamp).UTC()
	}
	return c, true
}

func roomName(events []event) string {
	for _, ev := range events {
		if ev.Type != TypeRoomName {
			continue
		}
		var n struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(ev.Content, &n) == nil && n.Name != "" {
			return n.Name
		}
	}
	return ""
}

func messageFrom(contactID string, ev event) (model.Message, bool) {
	if ev.Type != TypeRoomMessage || ev.EventID == "" {
		return model.Message{}, false
	}
	var mc messageContent
	if err := json.Unmarshal(ev.Content, &mc); err != nil {
		return model.Message{}, false
	}
	return model.Message{
		ContactID: contactID,
		RemoteID:  ev.EventID,
		Sender:    ev.Sender,
		Body:      mc.Body,
		SentAt:    time.UnixMilli(ev.Timestamp).UTC(),
	}, true
}

// dispatch turns one sync response into contact and message events. Rooms are visited
// in id order; bridge state is applied before the timeline of the same room.
func (c *Client) dispatch(ctx context.Context, resp *syncResponse) {
	ids := make([]string, 0, len(resp.Rooms.Join))
	for id := range resp.Rooms.Join {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, roomID := range ids {
		room := resp.Rooms.Join[roomID]
		all := append(append([]event(nil), room.State.Events...), room.Timeline.Events...)
		name := roomName(all)
		for _, ev := range all {
			if !isBridge(ev.Type) {
				continue
			}
			contact, ok := contactFrom(roomID, ev, name)
			if !ok {
				continue
			}
			c.rooms.Store(roomID, contact.RemoteID)
			c.send(ctx, protocol.Event{Type: protocol.EventContact, At: time.Now(), Contact: &contact})
		}
		v, ok := c.rooms.Load(roomID)
		if !ok {
			continue
		}
		for _, ev := range room.Timeline.Events {
			msg, ok := messageFrom(v.(string), ev)
			if !ok {
				continue
			}
			c.send(ctx, protocol.Event{Type: protocol.EventMessage, At: time.Now(), Message: &msg})
		}
	}
}

// FetchContacts pages over joined rooms in id order. The cursor is the index of the next
// room. Rooms without bridge state are not contacts and are skipped.
func (c *Client) FetchContacts(ctx context.Context, cursor string, limit int) (protocol.ContactPage, error) {
	if limit <= 0 {
		return protocol.ContactPage{}, fmt.Errorf("matrix: limit must be positive")
	}
	from := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return protocol.ContactPage{}, fmt.Errorf("matrix: bad contact cursor %q", cursor)
		}
		from = n
	}

	body, err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", nil, nil)
	if err != nil {
		return protocol.ContactPage{}, err
	}
	var joined struct {
		Rooms []string `json:"joined_rooms"`
	}
	if err := json.Unmarshal(body, &joined); err != nil {
		return protocol.ContactPage{}, fmt.Errorf("matrix: parse joined rooms: %w", err)
	}
	sort.Strings(joined.Rooms)

	n := len(joined.Rooms)
	if from > n {
		from = n
	}
	to := min(from+limit, n)

	page := protocol.ContactPage{Total: n}
	for _, roomID := range joined.Rooms[from:to] {
		contact, ok, err := c.roomContact(ctx, roomID)
		if err != nil {
			return protocol.ContactPage{}, err
		}
		if ok {
			page.Contacts = append(page.Contacts, contact)
		}
	}
	if to < n {
		page.Next = strconv.Itoa(to)
	}
	return page, nil
}

func (c *Client) roomContact(ctx context.Context, roomID string) (model.Contact, bool, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state", url.PathEscape(roomID))
	body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Contact{}, false, nil
		}
		return model.Contact{}, false, err
	}
	var state []event
	if err := json.Unmarshal(body, &state); err != nil {
		return model.Contact{}, false, fmt.Errorf("matrix: parse room state: %w", err)
	}
	name := roomName(state)
	for _, ev := range state {
		if !isBridge(ev.Type) {
			continue
		}
		if contact, ok := contactFrom(roomID, ev, name); ok {
			c.rooms.Store(roomID, contact.RemoteID)
			return contact, true, nil
		}
	}
	c.log.Debug("room has no bridge state", zap.String("room", roomID))
	return model.Contact{}, false, nil
}

// FetchMessages walks a portal room backwards from cursor (a pagination token).
func (c *Client) FetchMessages(ctx context.Context, contact model.Contact, cursor string, limit int) (protocol.MessagePage, error) {
	if contact.RoomID == "" {
		return protocol.MessagePage{}, fmt.Errorf("matrix: contact %s has no room", contact.RemoteID)
	}
	if limit <= 0 {
		return protocol.MessagePage{}, fmt.Errorf("matrix: limit must be positive")
	}
	q := url.Values{}
	q.Set("dir", "b")
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("from", cursor)
	}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/messages", url.PathEscape(contact.RoomID))
	body, err := c.do(ctx, http.MethodGet, path, nil, q)
	if err != nil {
		return protocol.MessagePage{}, err
	}
	var resp struct {
		Chunk []event `json:"chunk"`
		End   string  `json:"end"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return protocol.MessagePage{}, fmt.Errorf("matrix: parse messages: %w", err)
	}

	page := protocol.MessagePage{}
	for _, ev := range resp.Chunk {
		if msg, ok := messageFrom(contact.RemoteID, ev); ok {
			page.Messages = append(page.Messages, msg)
		}
	}
	if len(resp.Chunk) > 0 && resp.End != "" {
		page.Next = resp.End
	}
	return page, nil
}
