// Package engine owns the execution of one job's processing lifecycle:
// transactional lock acquisition, idempotent resumable stages, heartbeats,
// terminal transitions, and blob cleanup.
//
// Every entry point is safe under duplicate task deliveries and concurrent
// workers. Contention is never an error: a worker that loses the lock, finds
// the job gone, or finds it already terminal returns success without side
// effects, and the competing worker (or nobody) carries on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fdemirciler/AI-invoice-processing/internal/apperr"
	"github.com/fdemirciler/AI-invoice-processing/internal/clock"
	"github.com/fdemirciler/AI-invoice-processing/internal/llm"
	"github.com/fdemirciler/AI-invoice-processing/internal/models"
	"github.com/fdemirciler/AI-invoice-processing/internal/ocr"
	"github.com/fdemirciler/AI-invoice-processing/internal/sanitize"
)

// Store is the slice of the job store the engine needs. Every write is
// guarded: it fails with models.ErrLockLost once another worker has
// legitimately taken over.
type Store interface {
	AcquireLock(ctx context.Context, jobID, workerID string, staleAfter time.Duration) (*models.Job, error)
	SetStage(ctx context.Context, jobID, workerID string, target models.Status, stage string) error
	SetFields(ctx context.Context, jobID, workerID string, fields map[string]any) error
	Heartbeat(ctx context.Context, jobID, workerID string) error
	SetResult(ctx context.Context, jobID, workerID string, result map[string]any, confidence float64) error
	SetFailed(ctx context.Context, jobID, workerID, msg string) error
	ReleaseLock(ctx context.Context, jobID, workerID string) error
}

// Blobs is the slice of the blob gateway the engine needs.
type Blobs interface {
	URI(path string) string
	Delete(ctx context.Context, path string) error
}

// OCRProvider is the tiered OCR collaborator.
type OCRProvider interface {
	RecognizeSync(ctx context.Context, gcsURI string, pageCount int) (*ocr.Result, error)
	SubmitAsync(ctx context.Context, gcsURI, outputPrefix string) (string, error)
	PollOperation(ctx context.Context, name string) (bool, error)
	CollectAsyncOutput(ctx context.Context, outputPrefix string) (*ocr.Result, error)
}

// Config carries the engine's stage tuning.
type Config struct {
	OCRSyncMaxPages   int
	OCRStageTimeout   time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	SanitizeMaxChars  int
	SanitizeStripTop  int
	SanitizeStripBot  int
}

// Engine executes the job state machine.
type Engine struct {
	workerID string
	store    Store
	blobs    Blobs
	ocr      OCRProvider
	primary  llm.Extractor
	fallback llm.Extractor
	clock    clock.Clock
	cfg      Config
}

func New(workerID string, store Store, blobs Blobs, ocrProvider OCRProvider, primary, fallback llm.Extractor, clk clock.Clock, cfg Config) *Engine {
	return &Engine{
		workerID: workerID,
		store:    store,
		blobs:    blobs,
		ocr:      ocrProvider,
		primary:  primary,
		fallback: fallback,
		clock:    clk,
		cfg:      cfg,
	}
}

// errPermanent marks failures that must not be retried by queue redelivery;
// they transition the job to failed.
var errPermanent = errors.New("permanent failure")

func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errPermanent, fmt.Sprintf(format, args...))
}

// Process runs one delivery for a job. It returns nil for every idempotent
// no-op (missing job, terminal job, contention) and for handled permanent
// failures; it returns an external-service error only when queue redelivery
// should retry.
func (e *Engine) Process(ctx context.Context, jobID, sessionID string) error {
	log := slog.With("jobId", jobID, "workerId", e.workerID)

	job, err := e.store.AcquireLock(ctx, jobID, e.workerID, e.cfg.StaleThreshold)
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		log.Info("job missing; redelivery of a deleted job is a no-op")
		return nil
	case errors.Is(err, models.ErrTerminalStatus):
		log.Info("job already terminal; nothing to do")
		return nil
	case errors.Is(err, models.ErrLockContended):
		log.Info("lock held by another worker")
		return nil
	case err != nil:
		return apperr.External("failed to acquire processing lock", err)
	}
	log = log.With("attempt", job.Attempt)
	log.Info("lock acquired", "status", job.Status)

	if job.SessionID != sessionID {
		// A payload/job mismatch cannot heal on redelivery.
		e.fail(ctx, log, job.JobID, "session mismatch for job")
		return nil
	}

	err = e.run(ctx, log, job)
	switch {
	case err == nil:
		return nil
	case isContention(err):
		log.Info("lost job mid-attempt; another worker owns it", "reason", err)
		return nil
	case errors.Is(err, errPermanent):
		log.Error("job failed permanently", "error", err)
		e.fail(ctx, log, job.JobID, strings.TrimPrefix(err.Error(), errPermanent.Error()+": "))
		return nil
	default:
		// Transient: release the lock so redelivery does not have to wait
		// out the stale threshold, then surface the error for a 503.
		log.Warn("transient failure; leaving job for redelivery", "error", err)
		if rerr := e.store.ReleaseLock(ctx, job.JobID, e.workerID); rerr != nil {
			log.Warn("failed to release lock", "error", rerr)
		}
		return apperr.External("job processing failed", err)
	}
}

func isContention(err error) bool {
	return errors.Is(err, models.ErrLockLost) ||
		errors.Is(err, models.ErrLockContended) ||
		errors.Is(err, models.ErrJobNotFound) ||
		errors.Is(err, models.ErrTerminalStatus)
}

func (e *Engine) fail(ctx context.Context, log *slog.Logger, jobID, msg string) {
	if err := e.store.SetFailed(ctx, jobID, e.workerID, msg); err != nil && !isContention(err) {
		log.Error("failed to persist terminal error", "error", err)
	}
}

// run executes the stages in order against a freshly locked job.
func (e *Engine) run(ctx context.Context, log *slog.Logger, job *models.Job) error {
	// A result persisted by an earlier attempt gates the whole extraction
	// path: finish the terminal transition and clean up, nothing else.
	if job.ResultJSON != nil {
		log.Info("result already present; completing without re-extraction")
		if err := e.store.SetResult(ctx, job.JobID, e.workerID, job.ResultJSON, job.ConfidenceScore); err != nil {
			return err
		}
		e.cleanupInput(ctx, log, job)
		return nil
	}

	ocrRes, err := e.runOCR(ctx, log, job)
	if err != nil {
		return err
	}
	log.Info("OCR complete", "method", ocrRes.Method, "pages", ocrRes.Pages)

	text := sanitize.ForLLM(ocrRes.Text, e.cfg.SanitizeMaxChars, e.cfg.SanitizeStripTop, e.cfg.SanitizeStripBot)
	reduction := sanitize.Reduction(ocrRes.Text, text)
	log.Info("sanitized OCR text",
		"rawChars", len(ocrRes.Text), "sanitizedChars", len(text), "reduction", reduction)
	if err := e.store.SetFields(ctx, job.JobID, e.workerID, map[string]any{
		"ocrMethod":            ocrRes.Method,
		"preprocess.reduction": reduction,
	}); err != nil {
		return err
	}

	if err := e.store.SetStage(ctx, job.JobID, e.workerID, models.StatusLLM, string(models.StatusLLM)); err != nil {
		return err
	}
	data, err := e.extract(ctx, log, text)
	if err != nil {
		return err
	}

	inv, err := models.ParseInvoice(data)
	if err != nil {
		return permanent("invoice schema mismatch: %v", err)
	}

	confidence := Confidence(ocrRes.Quality, inv)
	if err := e.store.SetResult(ctx, job.JobID, e.workerID, inv.Map(), confidence); err != nil {
		return err
	}
	log.Info("job done", "confidence", confidence)

	e.cleanupInput(ctx, log, job)
	return nil
}

// runOCR executes the OCR stage: synchronous for short documents, otherwise
// an asynchronous operation that is submitted once and resumed by any later
// attempt via the persisted operation name.
func (e *Engine) runOCR(ctx context.Context, log *slog.Logger, job *models.Job) (*ocr.Result, error) {
	uri := e.blobs.URI(job.BlobPath)

	if job.PageCount > 0 && job.PageCount <= e.cfg.OCRSyncMaxPages {
		if err := e.store.SetStage(ctx, job.JobID, e.workerID, models.StatusExtracting, string(models.StatusExtracting)); err != nil {
			return nil, err
		}
		return e.ocr.RecognizeSync(ctx, uri, job.PageCount)
	}

	prefix := fmt.Sprintf("vision/%s/", job.JobID)
	opName := job.OCROperationName
	if opName == "" {
		var err error
		opName, err = e.ocr.SubmitAsync(ctx, uri, e.blobs.URI(prefix))
		if err != nil {
			return nil, err
		}
		// Persist the handle before anything else so a crashed worker's
		// successor resumes this operation instead of submitting a new one.
		if err := e.store.SetFields(ctx, job.JobID, e.workerID, map[string]any{"ocrOperationName": opName}); err != nil {
			return nil, err
		}
		log.Info("async OCR submitted", "operation", opName)
	} else {
		log.Info("resuming async OCR operation", "operation", opName)
	}
	if err := e.store.SetStage(ctx, job.JobID, e.workerID, models.StatusExtracting, string(models.StatusExtracting)); err != nil {
		return nil, err
	}

	if err := e.pollOCR(ctx, job.JobID, opName); err != nil {
		return nil, err
	}

	res, err := e.ocr.CollectAsyncOutput(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if err := e.store.SetFields(ctx, job.JobID, e.workerID, map[string]any{"ocrOperationName": nil}); err != nil {
		return nil, err
	}
	return res, nil
}

// pollOCR polls the operation with exponential backoff bounded by the stage
// timeout, heartbeating whenever an interval elapses.
func (e *Engine) pollOCR(ctx context.Context, jobID, opName string) error {
	deadline := e.clock.Now().Add(e.cfg.OCRStageTimeout)
	delay := 2 * time.Second
	lastBeat := e.clock.Now()

	for {
		done, err := e.ocr.PollOperation(ctx, opName)
		if errors.Is(err, ocr.ErrOperationFailed) {
			// Known-terminal-failed: drop the handle so the next delivery
			// submits a fresh operation.
			if ferr := e.store.SetFields(ctx, jobID, e.workerID, map[string]any{"ocrOperationName": nil}); ferr != nil {
				return ferr
			}
			return err
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if e.clock.Now().After(deadline) {
			return fmt.Errorf("ocr operation %s exceeded stage timeout", opName)
		}
		if e.clock.Now().Sub(lastBeat) >= e.cfg.HeartbeatInterval {
			if err := e.store.Heartbeat(ctx, jobID, e.workerID); err != nil {
				return err
			}
			lastBeat = e.clock.Now()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

// extract calls the primary LLM and falls back to the secondary. Each
// provider gets exactly one attempt within the stage (its client owns the
// lower-level retry budget).
func (e *Engine) extract(ctx context.Context, log *slog.Logger, text string) (map[string]any, error) {
	data, perr := e.primary.Extract(ctx, text)
	if perr == nil {
		return data, nil
	}
	log.Warn("primary LLM failed", "provider", e.primary.Name(), "error", perr)

	if e.fallback == nil {
		return nil, e.classifyLLM(perr, perr)
	}
	data, ferr := e.fallback.Extract(ctx, text)
	if ferr == nil {
		log.Info("fallback LLM succeeded", "provider", e.fallback.Name())
		return data, nil
	}
	log.Error("fallback LLM failed", "provider", e.fallback.Name(), "error", ferr)
	return nil, e.classifyLLM(perr, ferr)
}

func (e *Engine) classifyLLM(perr, ferr error) error {
	if errors.Is(perr, llm.ErrBadReply) || errors.Is(ferr, llm.ErrBadReply) {
		return permanent("invoice extraction failed: %v", ferr)
	}
	return fmt.Errorf("all LLM providers unavailable: %w", ferr)
}

// cleanupInput deletes the input PDF after a committed done. Best-effort: a
// failure here never regresses status; retention sweeps residue eventually.
func (e *Engine) cleanupInput(ctx context.Context, log *slog.Logger, job *models.Job) {
	if err := e.blobs.Delete(ctx, job.BlobPath); err != nil {
		log.Warn("failed to delete input blob", "path", job.BlobPath, "error", err)
	}
}
