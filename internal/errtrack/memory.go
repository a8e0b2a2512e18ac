package errtrack

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/bridge-keeper/internal/model"
)

type memKey struct {
	user uuid.UUID
	kind model.ErrorKind
}

// Memory is a process-local Tracker.
type Memory struct {
	mu      sync.Mutex
	window  time.Duration
	records map[memKey]model.ErrorRecord
	now     func() time.Time
}

// NewMemory constructs an in-memory tracker with the given reset window.
func NewMemory(window time.Duration) *Memory {
	return &Memory{window: window, records: make(map[memKey]model.ErrorRecord), now: time.Now}
}

func (m *Memory) Record(_ context.Context, userID uuid.UUID, kind model.ErrorKind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := memKey{userID, kind}
	rec, ok := m.records[k]
	if !ok || m.expired(rec, now) {
		rec = model.ErrorRecord{UserID: userID, Kind: kind, WindowStartedAt: now}
	}
	rec.Count++
	m.records[k] = rec
	return rec.Count, nil
}

func (m *Memory) Reset(_ context.Context, userID uuid.UUID, kind model.ErrorKind) error {
	m.mu.Lock()
	delete(m.records, memKey{userID, kind})
	m.mu.Unlock()
	return nil
}

func (m *Memory) Count(_ context.Context, userID uuid.UUID, kind model.ErrorKind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memKey{userID, kind}]
	if !ok || m.expired(rec, m.now()) {
		return 0, nil
	}
	return rec.Count, nil
}

func (m *Memory) expired(rec model.ErrorRecord, now time.Time) bool {
	return m.window > 0 && now.Sub(rec.WindowStartedAt) > m.window
}
