// Package store persists jobs in Firestore. All lifecycle-critical writes are
// transactional: lock acquisition, guarded stage transitions, and terminal
// transitions each read-check-write inside a single transaction so concurrent
// workers cannot interleave progress on one job.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fdemirciler/AI-invoice-processing/internal/clock"
	"github.com/fdemirciler/AI-invoice-processing/internal/models"
)

const jobsCollection = "jobs"

// maxErrorLen bounds the error string persisted on failed jobs.
const maxErrorLen = 2000

// Store is the Firestore-backed job store.
type Store struct {
	client *firestore.Client
	jobs   *firestore.CollectionRef
	clock  clock.Clock
}

func New(client *firestore.Client, clk clock.Clock) *Store {
	return &Store{
		client: client,
		jobs:   client.Collection(jobsCollection),
		clock:  clk,
	}
}

// Create inserts a new job document. Fails if the job already exists.
func (s *Store) Create(ctx context.Context, job *models.Job) error {
	now := s.clock.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Stages == nil {
		job.Stages = map[string]time.Time{}
	}
	if _, ok := job.Stages[string(models.StatusUploaded)]; !ok {
		job.Stages[string(models.StatusUploaded)] = now
	}
	_, err := s.jobs.Doc(job.JobID).Create(ctx, job)
	if status.Code(err) == codes.AlreadyExists {
		return models.ErrJobExists
	}
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.JobID, err)
	}
	return nil
}

// Get returns a job by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*models.Job, error) {
	snap, err := s.jobs.Doc(jobID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return decodeJob(snap)
}

// MarkQueued transitions a job to queued after a successful enqueue, stamping
// the queued stage marker on first arrival only.
func (s *Store) MarkQueued(ctx context.Context, jobID string) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		job, err := s.txGet(tx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() && job.Status != models.StatusFailed {
			return models.ErrTerminalStatus
		}
		now := s.clock.Now()
		updates := []firestore.Update{
			{Path: "status", Value: models.StatusQueued},
			{Path: "updatedAt", Value: now},
		}
		updates = appendStageOnce(updates, job, string(models.StatusQueued), now)
		return tx.Update(s.jobs.Doc(jobID), updates)
	})
}

// AcquireLock attempts to claim a job for processing in one transaction.
//
// Outcomes:
//   - models.ErrJobNotFound: the document is gone (deleted session); callers
//     treat redelivery of a deleted job as a no-op.
//   - models.ErrTerminalStatus: the job already finished.
//   - models.ErrLockContended: another worker holds a live lock.
//   - nil: the lock is held by workerID; attempt was incremented, status is
//     processing, and the processing stage marker is stamped.
func (s *Store) AcquireLock(ctx context.Context, jobID, workerID string, staleAfter time.Duration) (*models.Job, error) {
	var acquired *models.Job
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		job, err := s.txGet(tx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return models.ErrTerminalStatus
		}
		now := s.clock.Now()
		if !job.LockStale(now, staleAfter) && !job.HeldBy(workerID) {
			return models.ErrLockContended
		}

		lock := &models.Lock{LockedBy: workerID, LockedAt: now}
		updates := []firestore.Update{
			{Path: "processingLock", Value: lock},
			{Path: "attempt", Value: firestore.Increment(1)},
			{Path: "status", Value: models.StatusProcessing},
			{Path: "heartbeatAt", Value: now},
			{Path: "updatedAt", Value: now},
		}
		updates = appendStageOnce(updates, job, string(models.StatusProcessing), now)
		if err := tx.Update(s.jobs.Doc(jobID), updates); err != nil {
			return err
		}

		job.ProcessingLock = lock
		job.Attempt++
		job.Status = models.StatusProcessing
		job.HeartbeatAt = now
		if _, ok := job.Stages[string(models.StatusProcessing)]; !ok {
			job.Stages[string(models.StatusProcessing)] = now
		}
		acquired = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// SetStage performs a guarded, forward-only status transition. It fails with
// models.ErrLockLost when workerID no longer holds the lock or the job has
// already advanced past the target status.
func (s *Store) SetStage(ctx context.Context, jobID, workerID string, target models.Status, stage string) error {
	return s.guarded(ctx, jobID, workerID, func(job *models.Job, now time.Time) ([]firestore.Update, error) {
		if job.Status.Rank() > target.Rank() {
			return nil, models.ErrLockLost
		}
		updates := []firestore.Update{
			{Path: "status", Value: target},
			{Path: "updatedAt", Value: now},
		}
		return appendStageOnce(updates, job, stage, now), nil
	})
}

// SetFields applies guarded field updates. Map keys may be dotted paths; a
// nil value deletes the field.
func (s *Store) SetFields(ctx context.Context, jobID, workerID string, fields map[string]any) error {
	return s.guarded(ctx, jobID, workerID, func(_ *models.Job, now time.Time) ([]firestore.Update, error) {
		updates := []firestore.Update{{Path: "updatedAt", Value: now}}
		for key, value := range fields {
			u := firestore.Update{FieldPath: strings.Split(key, ".")}
			if value == nil {
				u.Value = firestore.Delete
			} else {
				u.Value = value
			}
			updates = append(updates, u)
		}
		return updates, nil
	})
}

// Heartbeat refreshes the lock holder's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) error {
	return s.guarded(ctx, jobID, workerID, func(_ *models.Job, now time.Time) ([]firestore.Update, error) {
		return []firestore.Update{
			{Path: "heartbeatAt", Value: now},
			{Path: "updatedAt", Value: now},
		}, nil
	})
}

// SetResult writes the extracted invoice and completes the job: resultJson is
// write-once, status becomes done, and the lock is cleared.
func (s *Store) SetResult(ctx context.Context, jobID, workerID string, result map[string]any, confidence float64) error {
	return s.guarded(ctx, jobID, workerID, func(job *models.Job, now time.Time) ([]firestore.Update, error) {
		updates := []firestore.Update{
			{Path: "status", Value: models.StatusDone},
			{Path: "processingLock", Value: firestore.Delete},
			{Path: "updatedAt", Value: now},
		}
		if job.ResultJSON == nil {
			updates = append(updates,
				firestore.Update{Path: "resultJson", Value: result},
				firestore.Update{Path: "confidenceScore", Value: confidence},
			)
		}
		updates = appendStageOnce(updates, job, string(models.StatusLLM), now)
		updates = appendStageOnce(updates, job, string(models.StatusDone), now)
		return updates, nil
	})
}

// SetFailed records a permanent failure and clears the lock.
func (s *Store) SetFailed(ctx context.Context, jobID, workerID, msg string) error {
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return s.guarded(ctx, jobID, workerID, func(job *models.Job, now time.Time) ([]firestore.Update, error) {
		updates := []firestore.Update{
			{Path: "status", Value: models.StatusFailed},
			{Path: "error", Value: msg},
			{Path: "processingLock", Value: firestore.Delete},
			{Path: "updatedAt", Value: now},
		}
		return appendStageOnce(updates, job, string(models.StatusFailed), now), nil
	})
}

// ReleaseLock drops the lock if workerID still holds it. Losing the lock
// first is not an error.
func (s *Store) ReleaseLock(ctx context.Context, jobID, workerID string) error {
	err := s.guarded(ctx, jobID, workerID, func(_ *models.Job, now time.Time) ([]firestore.Update, error) {
		return []firestore.Update{
			{Path: "processingLock", Value: firestore.Delete},
			{Path: "updatedAt", Value: now},
		}, nil
	})
	if err == models.ErrLockLost || err == models.ErrJobNotFound {
		return nil
	}
	return err
}

// ResetForRetry services a client-initiated retry: clears the terminal error,
// returns the job to queued, and increments the manual retry counter, all
// subject to the retry cap.
func (s *Store) ResetForRetry(ctx context.Context, jobID string, retryCap int) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		job, err := s.txGet(tx, jobID)
		if err != nil {
			return err
		}
		if job.ManualRetries >= retryCap {
			return models.ErrRetryLimit
		}
		now := s.clock.Now()
		updates := []firestore.Update{
			{Path: "status", Value: models.StatusQueued},
			{Path: "error", Value: firestore.Delete},
			{Path: "processingLock", Value: firestore.Delete},
			{Path: "manualRetries", Value: firestore.Increment(1)},
			{Path: "updatedAt", Value: now},
		}
		updates = appendStageOnce(updates, job, string(models.StatusQueued), now)
		return tx.Update(s.jobs.Doc(jobID), updates)
	})
}

// ListBySession returns all jobs for a session, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]*models.Job, error) {
	q := s.jobs.
		Where("sessionId", "==", sessionID).
		OrderBy("createdAt", firestore.Desc)
	return s.queryJobs(ctx, q)
}

// ListDoneBySession returns the completed jobs for a session ordered by
// createdAt descending. Backed by the (sessionId, status, createdAt DESC)
// composite index.
func (s *Store) ListDoneBySession(ctx context.Context, sessionID string) ([]*models.Job, error) {
	q := s.jobs.
		Where("sessionId", "==", sessionID).
		Where("status", "==", models.StatusDone).
		OrderBy("createdAt", firestore.Desc)
	return s.queryJobs(ctx, q)
}

// ListExpired returns up to limit jobs created before cutoff, oldest first.
func (s *Store) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	q := s.jobs.
		Where("createdAt", "<", cutoff).
		OrderBy("createdAt", firestore.Asc).
		Limit(limit)
	return s.queryJobs(ctx, q)
}

// Delete removes a job document. Deleting a missing job succeeds.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if _, err := s.jobs.Doc(jobID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	return nil
}

// guarded runs fn inside a transaction after verifying workerID still owns
// the processing lock.
func (s *Store) guarded(ctx context.Context, jobID, workerID string, fn func(job *models.Job, now time.Time) ([]firestore.Update, error)) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		job, err := s.txGet(tx, jobID)
		if err != nil {
			return err
		}
		if !job.HeldBy(workerID) {
			return models.ErrLockLost
		}
		updates, err := fn(job, s.clock.Now())
		if err != nil {
			return err
		}
		return tx.Update(s.jobs.Doc(jobID), updates)
	})
}

func (s *Store) txGet(tx *firestore.Transaction, jobID string) (*models.Job, error) {
	snap, err := tx.Get(s.jobs.Doc(jobID))
	if status.Code(err) == codes.NotFound {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	return decodeJob(snap)
}

func (s *Store) queryJobs(ctx context.Context, q firestore.Query) ([]*models.Job, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	jobs := make([]*models.Job, 0, len(snaps))
	for _, snap := range snaps {
		job, err := decodeJob(snap)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func decodeJob(snap *firestore.DocumentSnapshot) (*models.Job, error) {
	var job models.Job
	if err := snap.DataTo(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", snap.Ref.ID, err)
	}
	if job.Stages == nil {
		job.Stages = map[string]time.Time{}
	}
	return &job, nil
}

// appendStageOnce adds a stage-marker update only when the stage has not been
// stamped before; stage timestamps are an append-only history.
func appendStageOnce(updates []firestore.Update, job *models.Job, stage string, now time.Time) []firestore.Update {
	if _, ok := job.Stages[stage]; ok {
		return updates
	}
	return append(updates, firestore.Update{
		FieldPath: firestore.FieldPath{"stages", stage},
		Value:     now,
	})
}
