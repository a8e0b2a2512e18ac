package syncer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/bridge-keeper/internal/model"
)

type job struct {
	id  uuid.UUID
	key model.SyncKey

	cancelled atomic.Bool
	done      chan struct{}

	mu        sync.Mutex
	state     model.JobState
	status    model.SyncStatus
	progress  int
	processed int
	total     int
	cursor    string
	retries   int
	batch     int
	lastError string
	history   []model.JobErrorEntry
	historyN  int
	started   time.Time
	completed time.Time
	lastSync  time.Time
	resumed   bool
}

func newJob(key model.SyncKey, historySize int, now time.Time) *job {
	return &job{
		id:       uuid.Must(uuid.NewV4()),
		key:      key,
		done:     make(chan struct{}),
		state:    model.JobPreparing,
		status:   model.SyncPending,
		historyN: historySize,
		started:  now,
	}
}

func (j *job) view() model.SyncView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return model.SyncView{
		JobID:          j.id,
		Key:            j.key,
		State:          j.state,
		Status:         j.status,
		Progress:       j.progress,
		Processed:      j.processed,
		EstimatedTotal: j.total,
		LastError:      j.lastError,
		ErrorHistory:   append([]model.JobErrorEntry(nil), j.history...),
		StartedAt:      j.started,
		CompletedAt:    j.completed,
		LastSyncedAt:   j.lastSync,
	}
}

func (j *job) record(now time.Time) *model.SyncRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return &model.SyncRecord{
		Key:          j.key,
		Status:       j.status,
		JobState:     j.state,
		Progress:     j.progress,
		Cursor:       j.cursor,
		LastError:    j.lastError,
		LastSyncedAt: j.lastSync,
		UpdatedAt:    now,
	}
}

func (j *job) getState() model.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// setState applies a legal transition; it reports false for an illegal one.
func (j *job) setState(to model.JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == to {
		return true
	}
	if !j.state.CanTransition(to) {
		return false
	}
	j.state = to
	return true
}

func (j *job) addError(at time.Time, kind model.ErrorKind, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastError = err.Error()
	j.history = append(j.history, model.JobErrorEntry{At: at, Kind: kind, Batch: j.batch + 1, Message: err.Error()})
	if over := len(j.history) - j.historyN; over > 0 {
		j.history = j.history[over:]
	}
}

// advance accounts for one stored batch. Progress never moves backwards.
func (j *job) advance(n, total int, next string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.batch++
	j.processed += n
	if total < j.processed {
		total = j.processed
	}
	j.total = total
	if total > 0 {
		if p := min(100, j.processed*100/total); p > j.progress {
			j.progress = p
		}
	}
	j.cursor = next
}
