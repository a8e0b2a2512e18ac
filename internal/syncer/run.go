package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/internal/cache"
	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/events"
	"github.com/and161185/bridge-keeper/internal/lock"
	"github.com/and161185/bridge-keeper/internal/metrics"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/protocol"
	"github.com/and161185/bridge-keeper/internal/retry"
)

type progressEvent struct {
	Entity    model.EntityType `json:"entity"`
	EntityID  string           `json:"entity_id,omitempty"`
	JobID     string           `json:"job_id"`
	State     model.JobState   `json:"state"`
	Progress  int              `json:"progress"`
	Processed int              `json:"processed"`
	Total     int              `json:"total"`
	Error     string           `json:"error,omitempty"`
}

// run holds the entity lock for the life of j. started receives the outcome of the first
// acquisition. A lost lock sends the job through RETRYING and re-acquires it.
func (e *Engine) run(j *job, started chan<- error) {
	defer e.wg.Done()
	defer e.finish(j)

	first := true
	for {
		err := lock.WithLease(e.bg, e.d.Locker, j.key.String(), e.cfg.LockTTL, func(ctx context.Context) error {
			if first {
				first = false
				started <- nil
			}
			return e.execute(ctx, j)
		})
		switch {
		case err == nil || errors.Is(err, errParked):
			return
		case first:
			// never got the lock
			first = false
			started <- err
			j.setState(model.JobError)
			return
		case errors.Is(err, errs.ErrLockLost):
			j.addError(e.now(), model.ErrorSync, err)
			if j.retries >= e.cfg.MaxBatchRetries {
				e.fail(e.bg, j, fmt.Errorf("%w: %w", errs.ErrSyncBatchFailed, err))
				return
			}
			j.retries++
			j.setState(model.JobRetrying)
			e.publish(e.bg, j, events.SyncProgress)
			e.log.Warn("sync lock lost, retrying", zap.String("key", j.key.String()), zap.Int("retry", j.retries))
			if serr := sleepCtx(e.bg, e.d.Policy.Delay(model.ErrorSync, j.retries, err)); serr != nil {
				return
			}
		case errors.Is(err, errs.ErrLockBusy):
			// another worker took the entity over; it owns the persisted status now
			j.mu.Lock()
			j.lastError = "taken over by another worker"
			j.mu.Unlock()
			j.setState(model.JobError)
			return
		default:
			e.fail(e.bg, j, err)
			return
		}
	}
}

func (e *Engine) finish(j *job) {
	e.mu.Lock()
	if e.jobs[j.key] == j {
		delete(e.jobs, j.key)
	}
	e.mu.Unlock()
	if e.d.Cache != nil {
		e.d.Cache.Invalidate(cache.TypeSyncState, j.key.String())
	}
	metrics.SyncJobs.WithLabelValues(string(j.key.EntityType), string(j.getState())).Inc()
	close(j.done)
}

func (e *Engine) execute(ctx context.Context, j *job) error {
	if !j.resumed {
		j.resumed = true
		e.resume(ctx, j)
	}

	var contact *model.Contact
	if j.key.EntityType == model.EntityMessages {
		c, err := e.d.Contacts.Get(ctx, j.key.UserID, j.key.EntityID)
		if err != nil {
			return e.fail(ctx, j, fmt.Errorf("contact %s: %w", j.key.EntityID, err))
		}
		contact = c
	}
	e.persist(ctx, j)

	for {
		if j.cancelled.Load() {
			return e.fail(ctx, j, errCancelled)
		}
		switch j.getState() {
		case model.JobRetrying:
			j.setState(model.JobFetching)
		case model.JobOffline:
			// lease lost while parked
			j.setState(model.JobProcessing)
		}
		if err := e.awaitOnline(ctx, j); err != nil {
			return err
		}

		done, err := e.batch(ctx, j, contact)
		if err == nil && done {
			return e.complete(ctx, j)
		}
		if err == nil {
			continue
		}

		if cause := context.Cause(ctx); cause != nil {
			if errors.Is(cause, errs.ErrLockLost) {
				return cause
			}
			return e.interrupt(j, cause)
		}
		j.addError(e.now(), retry.Classify(err), err)
		metrics.SyncBatches.WithLabelValues(string(j.key.EntityType), "failed").Inc()
		return e.fail(ctx, j, fmt.Errorf("batch %d: %w", j.batch+1, err))
	}
}

// batch runs one step under the retry policy. Every failure counts toward the user's
// error record; the job as a whole gets MaxBatchRetries retries.
func (e *Engine) batch(ctx context.Context, j *job, contact *model.Contact) (bool, error) {
	var done bool
	err := e.d.Policy.Do(ctx, j.key.UserID, func(ctx context.Context) error {
		var err error
		done, err = e.step(ctx, j, contact)
		return err
	},
		retry.WithMaxAttempts(e.cfg.MaxBatchRetries-j.retries+1),
		retry.WithOnRetry(func(_ int, d retry.Decision) {
			j.addError(e.now(), d.Kind, d.Err)
			j.retries++
			j.setState(model.JobRetrying)
			metrics.SyncBatches.WithLabelValues(string(j.key.EntityType), "retry").Inc()
			e.persist(ctx, j)
			e.publish(ctx, j, events.SyncProgress)
			e.log.Warn("sync batch failed, retrying",
				zap.String("key", j.key.String()), zap.Int("retry", j.retries), zap.String("kind", string(d.Kind)), zap.Error(d.Err))
		}),
	)
	return done, err
}

// resume continues from the cursor of an unfinished previous run.
func (e *Engine) resume(ctx context.Context, j *job) {
	rec, err := e.d.Statuses.Get(ctx, j.key)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			e.log.Warn("load sync status", zap.String("key", j.key.String()), zap.Error(err))
		}
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastSync = rec.LastSyncedAt
	if rec.Cursor != "" && rec.JobState != model.JobCompleted {
		j.cursor = rec.Cursor
		j.progress = rec.Progress
		e.log.Info("resuming sync", zap.String("key", j.key.String()), zap.Int("progress", rec.Progress))
	}
}

// step fetches and stores one batch. done reports the last page.
func (e *Engine) step(ctx context.Context, j *job, contact *model.Contact) (bool, error) {
	if !j.setState(model.JobFetching) {
		return false, fmt.Errorf("cannot fetch from state %s", j.getState())
	}
	if err := e.limiter(j.key.UserID).Wait(ctx); err != nil {
		return false, err
	}
	j.mu.Lock()
	cursor := j.cursor
	j.mu.Unlock()

	bctx, cancel := context.WithTimeout(ctx, e.cfg.BatchTimeout)
	defer cancel()
	platform := e.d.Clients.Status(j.key.UserID).Platform

	var (
		contacts []model.Contact
		messages []model.Message
		next     string
		total    int
	)
	_, err := e.breaker(platform).Execute(func() (any, error) {
		return nil, e.d.Clients.Use(bctx, j.key.UserID, func(c protocol.Client) error {
			if contact == nil {
				page, err := c.FetchContacts(bctx, cursor, e.cfg.BatchSize)
				contacts, next, total = page.Contacts, page.Next, page.Total
				return err
			}
			page, err := c.FetchMessages(bctx, *contact, cursor, e.cfg.BatchSize)
			messages, next, total = page.Messages, page.Next, page.Total
			return err
		})
	})
	if err != nil {
		return false, fmt.Errorf("fetch: %w: %w", errs.ErrSyncBatchFailed, err)
	}

	j.setState(model.JobProcessing)
	var n int
	if contact == nil {
		for i := range contacts {
			contacts[i].UserID = j.key.UserID
		}
		n, err = e.d.Contacts.UpsertBatch(bctx, j.key.UserID, contacts)
	} else {
		for i := range messages {
			messages[i].UserID = j.key.UserID
			messages[i].ContactID = contact.RemoteID
		}
		n, err = e.d.Messages.UpsertBatch(bctx, j.key.UserID, messages)
	}
	if err != nil {
		return false, fmt.Errorf("store: %w: %w", errs.ErrSyncBatchFailed, err)
	}

	j.advance(n, total, next)
	metrics.SyncBatches.WithLabelValues(string(j.key.EntityType), "ok").Inc()
	metrics.SyncRecords.WithLabelValues(string(j.key.EntityType)).Add(float64(n))
	e.persist(ctx, j)
	e.publish(ctx, j, events.SyncProgress)
	return next == "", nil
}

// awaitOnline parks the job in OFFLINE while the user has no live event destination.
func (e *Engine) awaitOnline(ctx context.Context, j *job) error {
	if e.d.Sink == nil || e.d.Sink.Online(j.key.UserID) {
		return nil
	}
	j.setState(model.JobOffline)
	e.persist(ctx, j)
	e.log.Info("user offline, sync paused", zap.String("key", j.key.String()))

	deadline := time.NewTimer(e.cfg.OfflineTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(e.cfg.OfflinePoll)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); errors.Is(cause, errs.ErrLockLost) {
				return cause
			}
			return e.interrupt(j, context.Cause(ctx))
		case <-deadline.C:
			// cursor and OFFLINE are persisted; the next request resumes from here
			e.log.Info("sync parked while offline", zap.String("key", j.key.String()))
			return errParked
		case <-poll.C:
			if j.cancelled.Load() {
				return e.fail(ctx, j, errCancelled)
			}
			if e.d.Sink.Online(j.key.UserID) {
				j.setState(model.JobProcessing)
				return nil
			}
		}
	}
}

func (e *Engine) complete(ctx context.Context, j *job) error {
	now := e.now()
	j.mu.Lock()
	j.progress = 100
	j.status = model.SyncApproved
	j.lastSync = now
	j.completed = now
	j.cursor = ""
	j.lastError = ""
	j.mu.Unlock()
	j.setState(model.JobCompleted)
	e.persist(ctx, j)

	if e.d.Cache != nil {
		switch j.key.EntityType {
		case model.EntityContacts:
			e.d.Cache.Invalidate(cache.TypeContacts, j.key.UserID.String())
		case model.EntityMessages:
			e.d.Cache.Invalidate(cache.TypeMessages, MessagesCacheKey(j.key.UserID.String(), j.key.EntityID)+"*")
		}
	}
	e.publish(ctx, j, events.SyncCompleted)
	e.log.Info("sync completed", zap.String("key", j.key.String()), zap.Int("processed", j.view().Processed))
	return nil
}

// MessagesCacheKey is the cache key prefix of a conversation's messages.
func MessagesCacheKey(userID, contactID string) string { return userID + ":" + contactID + ":" }

// fail ends j in ERROR. Exhausted retries reject the entity; a cancellation leaves it
// pending so a new request resumes from the cursor.
func (e *Engine) fail(ctx context.Context, j *job, cause error) error {
	j.mu.Lock()
	j.lastError = cause.Error()
	if !errors.Is(cause, errCancelled) {
		j.status = model.SyncRejected
	}
	j.completed = e.now()
	j.mu.Unlock()
	if !j.setState(model.JobError) {
		e.log.Error("illegal sync transition to error", zap.String("key", j.key.String()), zap.String("from", string(j.getState())))
	}
	e.persist(context.WithoutCancel(ctx), j)
	e.publish(ctx, j, events.SyncFailed)
	e.log.Warn("sync failed", zap.String("key", j.key.String()), zap.Error(cause))
	return nil
}

// interrupt ends j on shutdown. The status stays pending and the cursor is kept.
func (e *Engine) interrupt(j *job, cause error) error {
	j.mu.Lock()
	j.lastError = fmt.Sprintf("interrupted: %v", cause)
	j.mu.Unlock()
	j.setState(model.JobError)
	e.persist(context.Background(), j)
	return nil
}

func (e *Engine) persist(ctx context.Context, j *job) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.d.Statuses.Upsert(pctx, j.record(e.now())); err != nil {
		e.log.Warn("persist sync status", zap.String("key", j.key.String()), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, j *job, name string) {
	if e.d.Sink == nil {
		return
	}
	v := j.view()
	ev := progressEvent{
		Entity:    v.Key.EntityType,
		EntityID:  v.Key.EntityID,
		JobID:     v.JobID.String(),
		State:     v.State,
		Progress:  v.Progress,
		Processed: v.Processed,
		Total:     v.EstimatedTotal,
		Error:     v.LastError,
	}
	if err := e.d.Sink.Emit(context.WithoutCancel(ctx), j.key.UserID, name, ev); err != nil {
		e.log.Debug("sync event not delivered", zap.String("key", j.key.String()), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
