// Package convert maps domain types onto api messages.
package convert

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/bridge-keeper/internal/api"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/service"
)

// --- helpers ---

func ts(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromTS(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// --- Session ---

// ToAPISession converts a session snapshot.
func ToAPISession(s model.SessionInfo) *api.Session {
	return &api.Session{
		UserID:            s.UserID.String(),
		Platform:          s.Platform,
		State:             string(s.State),
		Health:            string(s.Health),
		Idle:              s.Idle,
		ConnectedAt:       ts(s.ConnectedAt),
		LastActivityAt:    ts(s.LastActivityAt),
		ReconnectAttempts: s.ReconnectAttempts,
		LastError:         s.LastError,
	}
}

// FromAPIConnect converts a connect request into service input.
func FromAPIConnect(in *api.ConnectRequest) (service.ConnectInput, error) {
	if in == nil {
		return service.ConnectInput{}, fmt.Errorf("nil ConnectRequest")
	}
	return service.ConnectInput{
		Platform:      in.Platform,
		HomeserverURL: in.HomeserverURL,
		RemoteUserID:  in.RemoteUserID,
		DeviceID:      in.DeviceID,
		AccessToken:   in.AccessToken,
		RefreshToken:  in.RefreshToken,
		ExpiresAt:     fromTS(in.ExpiresAt),
	}, nil
}

// --- Sync ---

// FromAPISync returns the entity selected by a sync request.
func FromAPISync(in *api.SyncRequest) (model.EntityType, string, error) {
	if in == nil {
		return "", "", fmt.Errorf("nil SyncRequest")
	}
	t := model.EntityType(in.EntityType)
	if !t.Valid() {
		return "", "", fmt.Errorf("unknown entity type %q", in.EntityType)
	}
	return t, in.EntityID, nil
}

// ToAPISyncStatus converts a job view.
func ToAPISyncStatus(v model.SyncView) *api.SyncStatus {
	out := &api.SyncStatus{
		EntityType:     string(v.Key.EntityType),
		EntityID:       v.Key.EntityID,
		State:          string(v.State),
		Status:         string(v.Status),
		Progress:       v.Progress,
		Processed:      v.Processed,
		EstimatedTotal: v.EstimatedTotal,
		LastError:      v.LastError,
		StartedAt:      ts(v.StartedAt),
		CompletedAt:    ts(v.CompletedAt),
		LastSyncedAt:   ts(v.LastSyncedAt),
	}
	if v.JobID != uuid.Nil {
		out.JobID = v.JobID.String()
	}
	for _, e := range v.ErrorHistory {
		out.Errors = append(out.Errors, api.SyncError{At: e.At.UTC(), Kind: string(e.Kind), Batch: e.Batch, Message: e.Message})
	}
	return out
}

// --- Contacts & messages ---

// ToAPIContacts converts stored contacts.
func ToAPIContacts(cs []model.Contact) *api.ContactList {
	out := &api.ContactList{Contacts: make([]api.Contact, 0, len(cs))}
	for _, c := range cs {
		out.Contacts = append(out.Contacts, api.Contact{
			RemoteID:    c.RemoteID,
			Platform:    c.Platform,
			DisplayName: c.DisplayName,
			UpdatedAt:   ts(c.UpdatedAt),
		})
	}
	return out
}

// ToAPIMessages converts stored messages.
func ToAPIMessages(ms []model.Message) *api.MessageList {
	out := &api.MessageList{Messages: make([]api.Message, 0, len(ms))}
	for _, m := range ms {
		out.Messages = append(out.Messages, api.Message{
			RemoteID: m.RemoteID,
			Sender:   m.Sender,
			Body:     m.Body,
			SentAt:   m.SentAt.UTC(),
		})
	}
	return out
}
