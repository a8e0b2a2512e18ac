package model

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// EntityType is what a sync job synchronizes.
type EntityType string

const (
	EntityContacts EntityType = "contacts"
	EntityMessages EntityType = "messages"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool { return t == EntityContacts || t == EntityMessages }

// JobState is the state of a sync job.
type JobState string

const (
	JobPreparing  JobState = "preparing"
	JobFetching   JobState = "fetching"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobError      JobState = "error"
	JobRetrying   JobState = "retrying"
	JobOffline    JobState = "offline"
)

// Active reports whether a job in this state still owns its key.
func (s JobState) Active() bool {
	switch s {
	case JobPreparing, JobFetching, JobProcessing, JobRetrying, JobOffline:
		return true
	}
	return false
}

var jobTransitions = map[JobState][]JobState{
	JobPreparing:  {JobFetching, JobError, JobRetrying, JobOffline},
	JobFetching:   {JobProcessing, JobError, JobRetrying, JobOffline},
	JobProcessing: {JobFetching, JobCompleted, JobError, JobRetrying, JobOffline},
	JobRetrying:   {JobFetching, JobError},
	JobOffline:    {JobProcessing, JobError},
}

// CanTransition reports whether s -> to is a legal job state change.
func (s JobState) CanTransition(to JobState) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// SyncStatus is the persisted approval status of an entity's sync.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncApproved SyncStatus = "approved"
	SyncRejected SyncStatus = "rejected"
)

// SyncKey identifies one sync job; it doubles as the entity lock key.
type SyncKey struct {
	UserID     uuid.UUID
	EntityType EntityType
	EntityID   string // contact id for messages, empty for contacts
}

// String renders the lock key.
func (k SyncKey) String() string {
	if k.EntityID == "" {
		return fmt.Sprintf("sync:%s:%s", k.UserID, k.EntityType)
	}
	return fmt.Sprintf("sync:%s:%s:%s", k.UserID, k.EntityType, k.EntityID)
}

// JobErrorEntry is one entry of a job's error history.
type JobErrorEntry struct {
	At      time.Time
	Kind    ErrorKind
	Batch   int
	Message string
}

// SyncView is what callers see of a job: live if running here, persisted otherwise.
type SyncView struct {
	JobID          uuid.UUID
	Key            SyncKey
	State          JobState
	Status         SyncStatus
	Progress       int
	Processed      int
	EstimatedTotal int
	LastError      string
	ErrorHistory   []JobErrorEntry
	StartedAt      time.Time
	CompletedAt    time.Time
	LastSyncedAt   time.Time
}

// SyncRecord is the persisted row for a sync key.
type SyncRecord struct {
	Key          SyncKey
	Status       SyncStatus
	JobState     JobState
	Progress     int
	Cursor       string
	LastError    string
	LastSyncedAt time.Time
	UpdatedAt    time.Time
}

// View converts a persisted record into a caller view.
func (r SyncRecord) View() SyncView {
	return SyncView{
		Key:          r.Key,
		State:        r.JobState,
		Status:       r.Status,
		Progress:     r.Progress,
		LastError:    r.LastError,
		LastSyncedAt: r.LastSyncedAt,
	}
}
