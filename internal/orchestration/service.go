// Package orchestration is the facade behind the HTTP API: upload intake,
// retry entry, session listings, CSV export, and session deletion.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fdemirciler/AI-invoice-processing/internal/apperr"
	"github.com/fdemirciler/AI-invoice-processing/internal/clock"
	"github.com/fdemirciler/AI-invoice-processing/internal/config"
	"github.com/fdemirciler/AI-invoice-processing/internal/models"
	"github.com/fdemirciler/AI-invoice-processing/internal/pdfutil"
)

// uploadConcurrency bounds parallel blob uploads within one request.
const uploadConcurrency = 4

// JobStore is the slice of the job store the facade needs.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, jobID string) (*models.Job, error)
	MarkQueued(ctx context.Context, jobID string) error
	ResetForRetry(ctx context.Context, jobID string, retryCap int) error
	ListBySession(ctx context.Context, sessionID string) ([]*models.Job, error)
	ListDoneBySession(ctx context.Context, sessionID string) ([]*models.Job, error)
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)
	Delete(ctx context.Context, jobID string) error
}

// Blobs is the slice of the blob gateway the facade needs.
type Blobs interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
}

// Dispatcher hands created jobs to the processing machinery.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID, sessionID string) error
	Emulated() bool
}

// Limiter gates client actions.
type Limiter interface {
	AllowCreate(ctx context.Context, sessionID string, fileCount int, clientIP string) error
	AllowRetry(ctx context.Context, sessionID, clientIP string) error
}

// UploadedFile is one file from a multipart upload request.
type UploadedFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// JobItem is the lightweight job projection returned from intake and
// listings.
type JobItem struct {
	JobID     string `json:"jobId"`
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	PageCount int    `json:"pageCount,omitempty"`
}

// Limits echoes the runtime limits to clients.
type Limits struct {
	MaxFiles  int `json:"maxFiles"`
	MaxSizeMb int `json:"maxSizeMb"`
	MaxPages  int `json:"maxPages"`
}

// CreateResult is the response payload for an upload request.
type CreateResult struct {
	SessionID string    `json:"sessionId"`
	Jobs      []JobItem `json:"jobs"`
	Limits    Limits    `json:"limits"`
	Note      string    `json:"note,omitempty"`
}

// Service orchestrates job creation, retry, export, and deletion.
type Service struct {
	cfg        *config.Config
	store      JobStore
	blobs      Blobs
	dispatcher Dispatcher
	limiter    Limiter
	clock      clock.Clock

	// pageCount is injectable for tests; defaults to pdfutil.CountPages.
	pageCount func(data []byte) (int, error)
}

func New(cfg *config.Config, store JobStore, blobs Blobs, dispatcher Dispatcher, limiter Limiter, clk clock.Clock) *Service {
	return &Service{
		cfg:        cfg,
		store:      store,
		blobs:      blobs,
		dispatcher: dispatcher,
		limiter:    limiter,
		clock:      clk,
		pageCount:  pdfutil.CountPages,
	}
}

func (s *Service) limits() Limits {
	return Limits{
		MaxFiles:  s.cfg.Limits.MaxFiles,
		MaxSizeMb: s.cfg.Limits.MaxSizeMB,
		MaxPages:  s.cfg.Limits.MaxPages,
	}
}

// CreateUploadJobs validates and stores the uploaded PDFs, creates one job
// per file, and enqueues processing. The request is all-or-nothing: if any
// file fails validation, no jobs are created.
func (s *Service) CreateUploadJobs(ctx context.Context, sessionID string, files []UploadedFile, clientIP string) (*CreateResult, error) {
	if len(files) == 0 {
		return nil, apperr.FileValidation("no files provided")
	}
	if len(files) > s.cfg.Limits.MaxFiles {
		return nil, apperr.FileValidation("too many files: %d exceeds limit of %d", len(files), s.cfg.Limits.MaxFiles)
	}
	if err := s.limiter.AllowCreate(ctx, sessionID, len(files), clientIP); err != nil {
		return nil, err
	}

	// Validate everything before touching storage.
	pages := make([]int, len(files))
	for i, f := range files {
		if !s.acceptedMime(f.ContentType) {
			return nil, apperr.FileValidation("%s: unsupported MIME type %q", f.Filename, f.ContentType)
		}
		if len(f.Data) == 0 {
			return nil, apperr.FileValidation("%s: file is empty", f.Filename)
		}
		if int64(len(f.Data)) > s.cfg.MaxSizeBytes() {
			return nil, apperr.PayloadTooLarge("%s: exceeds size limit of %d MB", f.Filename, s.cfg.Limits.MaxSizeMB)
		}
		n, err := s.pageCount(f.Data)
		if err != nil {
			return nil, apperr.FileValidation("%s: invalid or unreadable PDF", f.Filename)
		}
		if n > s.cfg.Limits.MaxPages {
			return nil, apperr.FileValidation("%s: %d pages exceeds limit of %d", f.Filename, n, s.cfg.Limits.MaxPages)
		}
		pages[i] = n
	}

	// Upload blobs and create job documents with bounded concurrency.
	jobs := make([]*models.Job, len(files))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(uploadConcurrency)
	for i, f := range files {
		eg.Go(func() error {
			jobID := clock.NewID()
			blobPath := fmt.Sprintf("uploads/%s/%s.pdf", sessionID, jobID)
			if err := s.blobs.Upload(gctx, blobPath, f.Data, "application/pdf"); err != nil {
				return apperr.External("storage error while uploading file", err)
			}
			job := &models.Job{
				JobID:     jobID,
				SessionID: sessionID,
				Filename:  f.Filename,
				SizeBytes: int64(len(f.Data)),
				PageCount: pages[i],
				BlobPath:  blobPath,
				Status:    models.StatusUploaded,
			}
			if err := s.store.Create(gctx, job); err != nil {
				return apperr.External("job store error while creating job", err)
			}
			jobs[i] = job
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Enqueue sequentially so each success is reflected before the next.
	items := make([]JobItem, 0, len(jobs))
	for _, job := range jobs {
		if err := s.dispatcher.Enqueue(ctx, job.JobID, job.SessionID); err != nil {
			slog.Error("enqueue failed", "jobId", job.JobID, "error", err)
			return nil, apperr.External("task queue error while enqueuing job", err)
		}
		if err := s.store.MarkQueued(ctx, job.JobID); err != nil {
			return nil, apperr.External("job store error while queuing job", err)
		}
		items = append(items, JobItem{
			JobID:     job.JobID,
			Filename:  job.Filename,
			Status:    string(models.StatusQueued),
			SizeBytes: job.SizeBytes,
			PageCount: job.PageCount,
		})
	}

	result := &CreateResult{SessionID: sessionID, Jobs: items, Limits: s.limits()}
	if s.dispatcher.Emulated() {
		result.Note = "emulation mode: tasks run in-process"
	}
	return result, nil
}

func (s *Service) acceptedMime(mime string) bool {
	for _, m := range s.cfg.Limits.AcceptedMime {
		if m == mime {
			return true
		}
	}
	return false
}

// RetryJob re-queues a failed job, provided the session matches, the manual
// retry cap is not exhausted, and the input blob still exists.
func (s *Service) RetryJob(ctx context.Context, jobID, sessionID, clientIP string) error {
	if err := s.limiter.AllowRetry(ctx, sessionID, clientIP); err != nil {
		return err
	}

	job, err := s.store.Get(ctx, jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		return apperr.NotFound("job not found")
	}
	if err != nil {
		return apperr.External("job store error", err)
	}
	if job.SessionID != sessionID {
		return apperr.NotFound("job not found")
	}
	if job.Status != models.StatusFailed {
		return apperr.Conflict(fmt.Sprintf("only failed jobs can be retried (status %s)", job.Status))
	}
	if job.ManualRetries >= s.cfg.Lifecycle.ManualRetryCap {
		return apperr.RateLimited(
			fmt.Sprintf("retry limit reached (%d)", s.cfg.Lifecycle.ManualRetryCap),
			0, 0, s.cfg.Lifecycle.ManualRetryCap, 0)
	}

	exists, err := s.blobs.Exists(ctx, job.BlobPath)
	if err != nil {
		return apperr.External("storage error while checking input blob", err)
	}
	if !exists {
		return apperr.Conflict("original PDF not available; re-upload required")
	}

	if err := s.store.ResetForRetry(ctx, jobID, s.cfg.Lifecycle.ManualRetryCap); err != nil {
		if errors.Is(err, models.ErrRetryLimit) {
			return apperr.RateLimited(
				fmt.Sprintf("retry limit reached (%d)", s.cfg.Lifecycle.ManualRetryCap),
				0, 0, s.cfg.Lifecycle.ManualRetryCap, 0)
		}
		if errors.Is(err, models.ErrJobNotFound) {
			return apperr.NotFound("job not found")
		}
		return apperr.External("job store error while resetting job", err)
	}

	if err := s.dispatcher.Enqueue(ctx, jobID, sessionID); err != nil {
		return apperr.External("task queue error while enqueuing retry", err)
	}
	return nil
}

// GetJob returns a job for status polling, scoped to the session.
func (s *Service) GetJob(ctx context.Context, jobID, sessionID string) (*models.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		return nil, apperr.NotFound("job not found")
	}
	if err != nil {
		return nil, apperr.External("job store error", err)
	}
	if job.SessionID != sessionID {
		return nil, apperr.NotFound("job not found")
	}
	return job, nil
}

// ListSessionJobs returns the lightweight projection of all jobs in a
// session, newest first.
func (s *Service) ListSessionJobs(ctx context.Context, sessionID string) ([]JobItem, error) {
	jobs, err := s.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, apperr.External("job store error", err)
	}
	items := make([]JobItem, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, JobItem{
			JobID:     job.JobID,
			Filename:  job.Filename,
			Status:    string(job.Status),
			SizeBytes: job.SizeBytes,
			PageCount: job.PageCount,
		})
	}
	return items, nil
}

// DeleteSessionData removes every job in the session and its input blob.
// Idempotent: deleting an empty or already-deleted session reports zero.
func (s *Service) DeleteSessionData(ctx context.Context, sessionID string) (int, error) {
	jobs, err := s.store.ListBySession(ctx, sessionID)
	if err != nil {
		return 0, apperr.External("job store error", err)
	}
	deleted := 0
	for _, job := range jobs {
		if err := s.blobs.Delete(ctx, job.BlobPath); err != nil {
			slog.Warn("failed to delete input blob", "jobId", job.JobID, "error", err)
		}
		if err := s.store.Delete(ctx, job.JobID); err != nil {
			slog.Warn("failed to delete job document", "jobId", job.JobID, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// DeleteExpiredSessions removes sessions that have jobs older than olderThan.
// The expired-job query is bounded to maxJobs per invocation; every session
// it finds is deleted in full, so the returned number of deleted jobs can
// exceed maxJobs.
func (s *Service) DeleteExpiredSessions(ctx context.Context, olderThan time.Duration, maxJobs int) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	jobs, err := s.store.ListExpired(ctx, cutoff, maxJobs)
	if err != nil {
		return 0, apperr.External("job store error", err)
	}

	sessions := map[string]bool{}
	for _, job := range jobs {
		sessions[job.SessionID] = true
	}

	deleted := 0
	for sessionID := range sessions {
		n, err := s.DeleteSessionData(ctx, sessionID)
		if err != nil {
			slog.Warn("retention: failed to delete session", "sessionId", sessionID, "error", err)
			continue
		}
		deleted += n
	}
	if deleted > 0 {
		slog.Info("retention sweep complete", "sessions", len(sessions), "jobsDeleted", deleted)
	}
	return deleted, nil
}
