package convert

import (
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/bridge-keeper/internal/api"
	"github.com/and161185/bridge-keeper/internal/model"
)

func TestToAPISession_ZeroTimesOmitted(t *testing.T) {
	t.Parallel()

	id := uuid.Must(uuid.NewV4())
	s := ToAPISession(model.SessionInfo{UserID: id, State: model.SessionDisconnected})
	if s.UserID != id.String() || s.State != "DISCONNECTED" {
		t.Fatalf("mismatch: %+v", s)
	}
	if s.ConnectedAt != nil || s.LastActivityAt != nil {
		t.Fatalf("zero times must be nil")
	}
}

func TestFromAPISync(t *testing.T) {
	t.Parallel()

	if _, _, err := FromAPISync(nil); err == nil {
		t.Fatalf("want error on nil")
	}
	if _, _, err := FromAPISync(&api.SyncRequest{EntityType: "photos"}); err == nil {
		t.Fatalf("want error on unknown type")
	}
	typ, id, err := FromAPISync(&api.SyncRequest{EntityType: "messages", EntityID: "c1"})
	if err != nil || typ != model.EntityMessages || id != "c1" {
		t.Fatalf("got %q %q %v", typ, id, err)
	}
}

func TestToAPISyncStatus_CarriesHistory(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	v := model.SyncView{
		JobID:    uuid.Must(uuid.NewV4()),
		Key:      model.SyncKey{EntityType: model.EntityContacts},
		State:    model.JobRetrying,
		Status:   model.SyncPending,
		Progress: 40,
		ErrorHistory: []model.JobErrorEntry{
			{At: at, Kind: model.ErrorNetwork, Batch: 3, Message: "boom"},
		},
		StartedAt: at,
	}
	out := ToAPISyncStatus(v)
	if out.JobID == "" || out.State != "retrying" || out.Status != "pending" || out.Progress != 40 {
		t.Fatalf("mismatch: %+v", out)
	}
	if len(out.Errors) != 1 || out.Errors[0].Batch != 3 || out.Errors[0].Kind != "network" {
		t.Fatalf("history mismatch: %+v", out.Errors)
	}
	if out.StartedAt == nil || out.StartedAt.Location() != time.UTC || !out.StartedAt.Equal(at) {
		t.Fatalf("started_at mismatch: %v", out.StartedAt)
	}
	if out.CompletedAt != nil {
		t.Fatalf("completed_at must be nil")
	}
}

func TestFromAPIConnect(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(time.Hour).UTC()
	in, err := FromAPIConnect(&api.ConnectRequest{Platform: "matrix", AccessToken: "at", ExpiresAt: &exp})
	if err != nil || in.Platform != "matrix" || !in.ExpiresAt.Equal(exp) {
		t.Fatalf("got %+v %v", in, err)
	}
	in, err = FromAPIConnect(&api.ConnectRequest{Platform: "bot", AccessToken: "t"})
	if err != nil || !in.ExpiresAt.IsZero() {
		t.Fatalf("nil expiry must stay zero: %+v %v", in, err)
	}
}
