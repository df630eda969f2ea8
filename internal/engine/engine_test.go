package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdemirciler/AI-invoice-processing/internal/llm"
	"github.com/fdemirciler/AI-invoice-processing/internal/models"
	"github.com/fdemirciler/AI-invoice-processing/internal/ocr"
)

// ---- fakes ----

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeStore mirrors the Firestore store's guarded-write semantics in memory.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	clk  *fakeClock
	// failGuarded simulates the job document vanishing mid-attempt.
	failGuarded error
}

func newFakeStore(clk *fakeClock) *fakeStore {
	return &fakeStore{jobs: map[string]*models.Job{}, clk: clk}
}

func (s *fakeStore) put(job *models.Job) {
	if job.Stages == nil {
		job.Stages = map[string]time.Time{}
	}
	s.jobs[job.JobID] = job
}

func (s *fakeStore) AcquireLock(_ context.Context, jobID, workerID string, staleAfter time.Duration) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil, models.ErrTerminalStatus
	}
	now := s.clk.Now()
	if !job.LockStale(now, staleAfter) && !job.HeldBy(workerID) {
		return nil, models.ErrLockContended
	}
	job.ProcessingLock = &models.Lock{LockedBy: workerID, LockedAt: now}
	job.Attempt++
	job.Status = models.StatusProcessing
	job.HeartbeatAt = now
	if _, ok := job.Stages[string(models.StatusProcessing)]; !ok {
		job.Stages[string(models.StatusProcessing)] = now
	}
	snapshot := *job
	return &snapshot, nil
}

func (s *fakeStore) guarded(jobID, workerID string) (*models.Job, error) {
	if s.failGuarded != nil {
		return nil, s.failGuarded
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if !job.HeldBy(workerID) {
		return nil, models.ErrLockLost
	}
	return job, nil
}

func (s *fakeStore) SetStage(_ context.Context, jobID, workerID string, target models.Status, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.guarded(jobID, workerID)
	if err != nil {
		return err
	}
	if job.Status.Rank() > target.Rank() {
		return models.ErrLockLost
	}
	job.Status = target
	if _, ok := job.Stages[stage]; !ok {
		job.Stages[stage] = s.clk.Now()
	}
	return nil
}

func (s *fakeStore) SetFields(_ context.Context, jobID, workerID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.guarded(jobID, workerID)
	if err != nil {
		return err
	}
	for key, value := range fields {
		switch key {
		case "ocrOperationName":
			if value == nil {
				job.OCROperationName = ""
			} else {
				job.OCROperationName = value.(string)
			}
		case "ocrMethod":
			job.OCRMethod = value.(string)
		}
	}
	return nil
}

func (s *fakeStore) Heartbeat(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.guarded(jobID, workerID)
	if err != nil {
		return err
	}
	job.HeartbeatAt = s.clk.Now()
	return nil
}

func (s *fakeStore) SetResult(_ context.Context, jobID, workerID string, result map[string]any, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.guarded(jobID, workerID)
	if err != nil {
		return err
	}
	if job.ResultJSON == nil {
		job.ResultJSON = result
		job.ConfidenceScore = confidence
	}
	job.Status = models.StatusDone
	for _, stage := range []string{string(models.StatusLLM), string(models.StatusDone)} {
		if _, ok := job.Stages[stage]; !ok {
			job.Stages[stage] = s.clk.Now()
		}
	}
	job.ProcessingLock = nil
	return nil
}

func (s *fakeStore) SetFailed(_ context.Context, jobID, workerID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.guarded(jobID, workerID)
	if err != nil {
		return err
	}
	job.Status = models.StatusFailed
	job.Error = msg
	if _, ok := job.Stages[string(models.StatusFailed)]; !ok {
		job.Stages[string(models.StatusFailed)] = s.clk.Now()
	}
	job.ProcessingLock = nil
	return nil
}

func (s *fakeStore) ReleaseLock(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.guarded(jobID, workerID)
	if errors.Is(err, models.ErrLockLost) || errors.Is(err, models.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	job.ProcessingLock = nil
	return nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
}

func (b *fakeBlobs) URI(path string) string { return "gs://test-bucket/" + path }

func (b *fakeBlobs) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, path)
	return nil
}

type fakeOCR struct {
	mu          sync.Mutex
	syncCalls   int
	submitCalls int
	pollCalls   int
	text        string
	submitErr   error
	pollErr     error
	pollsToDone int
}

func (o *fakeOCR) RecognizeSync(_ context.Context, _ string, _ int) (*ocr.Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncCalls++
	return &ocr.Result{Text: o.text, Pages: 2, Method: "vision_sync"}, nil
}

func (o *fakeOCR) SubmitAsync(_ context.Context, _, _ string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitCalls++
	if o.submitErr != nil {
		return "", o.submitErr
	}
	return fmt.Sprintf("operations/op-%d", o.submitCalls), nil
}

func (o *fakeOCR) PollOperation(_ context.Context, _ string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pollCalls++
	if o.pollErr != nil {
		return false, o.pollErr
	}
	return o.pollCalls > o.pollsToDone, nil
}

func (o *fakeOCR) CollectAsyncOutput(_ context.Context, _ string) (*ocr.Result, error) {
	return &ocr.Result{Text: o.text, Pages: 10, Method: "vision_async"}, nil
}

type fakeExtractor struct {
	mu    sync.Mutex
	name  string
	data  map[string]any
	err   error
	calls int
}

func (f *fakeExtractor) Name() string { return f.name }

func (f *fakeExtractor) Extract(_ context.Context, _ string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

// ---- helpers ----

func validInvoiceData() map[string]any {
	return map[string]any{
		"invoiceNumber": "INV-001",
		"invoiceDate":   "2026-03-01",
		"vendorName":    "ACME B.V.",
		"currency":      "EUR",
		"subtotal":      100.0,
		"tax":           21.0,
		"total":         121.0,
		"lineItems": []any{
			map[string]any{"description": "Widgets", "quantity": 1.0, "unitPrice": 100.0, "lineTotal": 100.0},
		},
	}
}

const testSession = "2d1f6a10-0000-4000-8000-000000000001"

type fixture struct {
	clk      *fakeClock
	store    *fakeStore
	blobs    *fakeBlobs
	ocr      *fakeOCR
	primary  *fakeExtractor
	fallback *fakeExtractor
	eng      *Engine
}

func newFixture() *fixture {
	clk := &fakeClock{now: time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)}
	f := &fixture{
		clk:      clk,
		store:    newFakeStore(clk),
		blobs:    &fakeBlobs{},
		ocr:      &fakeOCR{text: "ACME B.V.\nInvoice INV-001\nTotal 121,00"},
		primary:  &fakeExtractor{name: "gemini", data: validInvoiceData()},
		fallback: &fakeExtractor{name: "anthropic", data: validInvoiceData()},
	}
	f.eng = New("worker-1", f.store, f.blobs, f.ocr, f.primary, f.fallback, clk, Config{
		OCRSyncMaxPages:   2,
		OCRStageTimeout:   time.Minute,
		HeartbeatInterval: 30 * time.Second,
		StaleThreshold:    10 * time.Minute,
		SanitizeMaxChars:  12000,
	})
	return f
}

func (f *fixture) newJob(jobID string, pages int) *models.Job {
	job := &models.Job{
		JobID:     jobID,
		SessionID: testSession,
		Filename:  "A.pdf",
		SizeBytes: 1024,
		PageCount: pages,
		BlobPath:  "uploads/" + testSession + "/" + jobID + ".pdf",
		Status:    models.StatusQueued,
		Stages: map[string]time.Time{
			string(models.StatusUploaded): f.clk.Now(),
			string(models.StatusQueued):   f.clk.Now(),
		},
		CreatedAt: f.clk.Now(),
	}
	f.store.put(job)
	return job
}

// ---- tests ----

func TestHappyPathSyncOCR(t *testing.T) {
	f := newFixture()
	f.newJob("j1", 2)

	require.NoError(t, f.eng.Process(context.Background(), "j1", testSession))

	job := f.store.jobs["j1"]
	assert.Equal(t, models.StatusDone, job.Status)
	assert.Equal(t, "INV-001", job.ResultJSON["invoiceNumber"])
	assert.GreaterOrEqual(t, job.ConfidenceScore, 0.0)
	assert.LessOrEqual(t, job.ConfidenceScore, 1.0)
	assert.Nil(t, job.ProcessingLock, "lock cleared on completion")
	assert.Equal(t, 1, f.ocr.syncCalls)
	assert.Equal(t, 0, f.ocr.submitCalls, "short PDFs use the sync tier")
	assert.Equal(t, "vision_sync", job.OCRMethod)
	assert.Contains(t, f.blobs.deleted, job.BlobPath, "input blob deleted after done")

	// Stage markers are present and non-decreasing in lifecycle order.
	order := []string{"uploaded", "queued", "processing", "extracting", "llm", "done"}
	for i := 1; i < len(order); i++ {
		prev, ok := job.Stages[order[i-1]]
		require.True(t, ok, "stage %s stamped", order[i-1])
		cur, ok := job.Stages[order[i]]
		require.True(t, ok, "stage %s stamped", order[i])
		assert.False(t, cur.Before(prev), "stage %s not before %s", order[i], order[i-1])
	}
}

func TestTerminalJobIsIdempotentNoOp(t *testing.T) {
	f := newFixture()
	job := f.newJob("j1", 2)
	job.Status = models.StatusDone
	job.ResultJSON = validInvoiceData()

	before := *job
	require.NoError(t, f.eng.Process(context.Background(), "j1", testSession))

	assert.Equal(t, before.Status, f.store.jobs["j1"].Status)
	assert.Equal(t, 0, f.ocr.syncCalls)
	assert.Equal(t, 0, f.primary.calls)
}

func TestMissingJobIsNoOp(t *testing.T) {
	f := newFixture()
	assert.NoError(t, f.eng.Process(context.Background(), "ghost", testSession))
}

func TestContendedLockReturnsSuccessWithoutSideEffects(t *testing.T) {
	f := newFixture()
	job := f.newJob("j1", 2)
	job.ProcessingLock = &models.Lock{LockedBy: "worker-2", LockedAt: f.clk.Now()}
	job.Status = models.StatusProcessing

	require.NoError(t, f.eng.Process(context.Background(), "j1", testSession))

	assert.Equal(t, "worker-2", f.store.jobs["j1"].ProcessingLock.LockedBy)
	assert.Equal(t, 0, f.ocr.syncCalls)
	assert.Equal(t, 0, job.Attempt)
}

func TestStaleLockTakeover(t *testing.T) {
	f := newFixture()
	job := f.newJob("j1", 2)
	job.ProcessingLock = &models.Lock{LockedBy: "worker-2", LockedAt: f.clk.Now().Add(-20 * time.Minute)}
	job.HeartbeatAt = f.clk.Now().Add(-20 * time.Minute)
	job.Status = models.StatusProcessing
	job.Attempt = 1

	require.NoError(t, f.eng.Process(context.Background(), "j1", testSession))

	got := f.store.jobs["j1"]
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, 2, got.Attempt, "attempt incremented on re-acquisition")
}

func TestAsyncOCRResumesPersistedOperation(t *testing.T) {
	f := newFixture()
	job := f.newJob("j1", 10)
	// A previous attempt submitted the operation and crashed.
	job.OCROperationName = "operations/op-prior"
	job.ProcessingLock = &models.Lock{LockedBy: "worker-dead", LockedAt: f.clk.Now().Add(-30 * time.Minute)}
	job.HeartbeatAt = f.clk.Now().Add(-30 * time.Minute)
	job.Status = models.StatusExtracting

	require.NoError(t, f.eng.Process(context.Background(), "j1", testSession))

	got := f.store.jobs["j1"]
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, 0, f.ocr.submitCalls, "existing operation resumed, never resubmitted")
	assert.Greater(t, f.ocr.pollCalls, 0)
	assert.Empty(t, got.OCROperationName, "handle cleared after collection")
	assert.Equal(t, "vision_async", got.OCRMethod)
}

func TestAsyncOCRSubmitPersistsOperationName(t *testing.T) {
	f := newFixture()
	f.ocr.pollsToDone = 1
	f.newJob("j1", 10)

	require.NoError(t, f.eng.Process(context.Background(), "j1", testSession))

	assert.Equal(t, 1, f.ocr.submitCalls)
	assert.Equal(t, models.StatusDone, f.store.jobs["j1"].Status)
}

func TestResultPresentSkipsLLM(t *testing.T) {
	f := newFixture()
	job := f.newJob("j1", 2)
	job.ResultJSON = validInvoiceData()
	job.ConfidenceScore = 0.9
	job.Status = models.StatusQueued

	require.NoError(t, f.eng.Process(context.Background(), "j1", testSession))

	got := f.store.jobs["j1"]
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, 0, f.primary.calls, "LLM not re-invoked once resultJson exists")
	assert.Equal(t, 0, f.fallback.calls)
	assert.Equal(t, 0, f.ocr.syncCalls, "OCR skipped too")
	assert.Equal(t, 0.9, got.ConfidenceScore)
}

func TestPrimaryFailsFallbackSucceeds(t *testing.T) {
	f := newFixture()
	f.primary.err = errors.New("upstream 500")
	f.newJob("j1", 2)

	require.NoError(t, f.eng.Process(context.Background(), "j1", testSession))

	got := f.store.jobs["j1"]
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Empty(t, got.Error)
	assert.Equal(t, 1, f.fallback.calls)
}

func TestBothLLMsUnparseableFailsPermanently(t *testing.T) {
	f := newFixture()
	f.primary.err = fmt.Errorf("%w: prose instead of JSON", llm.ErrBadReply)
	f.fallback.err = fmt.Errorf("%w: refused", llm.ErrBadReply)
	f.newJob("j1", 2)

	require.NoError(t, f.eng.Process(context.Background(), "j1", testSession),
		"permanent failures are handled, not surfaced")

	got := f.store.jobs["j1"]
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
	assert.Nil(t, got.ProcessingLock)
	assert.Contains(t, got.Stages, "failed")
}

func TestBothLLMsUnavailableIsTransient(t *testing.T) {
	f := newFixture()
	f.primary.err = errors.New("connection refused")
	f.fallback.err = errors.New("timeout")
	f.newJob("j1", 2)

	err := f.eng.Process(context.Background(), "j1", testSession)
	require.Error(t, err, "transient failures surface so the queue redelivers")

	got := f.store.jobs["j1"]
	assert.NotEqual(t, models.StatusFailed, got.Status)
	assert.Nil(t, got.ProcessingLock, "lock released for immediate redelivery")
}

func TestOCRSubmitFailureIsTransient(t *testing.T) {
	f := newFixture()
	f.ocr.submitErr = errors.New("vision unavailable")
	f.newJob("j1", 10)

	err := f.eng.Process(context.Background(), "j1", testSession)
	require.Error(t, err)
	assert.NotEqual(t, models.StatusFailed, f.store.jobs["j1"].Status)
}

func TestTerminalOCROperationClearsHandle(t *testing.T) {
	f := newFixture()
	job := f.newJob("j1", 10)
	job.OCROperationName = "operations/op-dead"
	f.ocr.pollErr = fmt.Errorf("%w: internal error", ocr.ErrOperationFailed)

	err := f.eng.Process(context.Background(), "j1", testSession)
	require.Error(t, err, "redelivery should submit a fresh operation")
	assert.Empty(t, f.store.jobs["j1"].OCROperationName)
	assert.NotEqual(t, models.StatusFailed, f.store.jobs["j1"].Status)
}

func TestJobDeletedMidAttemptExitsSilently(t *testing.T) {
	f := newFixture()
	f.newJob("j1", 2)
	// Session delete removes the document between lock acquisition and the
	// first guarded write.
	f.store.failGuarded = models.ErrJobNotFound

	assert.NoError(t, f.eng.Process(context.Background(), "j1", testSession))
}

func TestDuplicateDeliveriesConverge(t *testing.T) {
	f := newFixture()
	f.newJob("j1", 2)

	require.NoError(t, f.eng.Process(context.Background(), "j1", testSession))
	first := f.store.jobs["j1"].ResultJSON

	require.NoError(t, f.eng.Process(context.Background(), "j1", testSession))
	assert.Equal(t, models.StatusDone, f.store.jobs["j1"].Status)
	assert.Equal(t, first, f.store.jobs["j1"].ResultJSON,
		"redelivery leaves the terminal state untouched")
	assert.Equal(t, 1, f.primary.calls, "extraction ran exactly once")
}

func TestSessionMismatchFailsJob(t *testing.T) {
	f := newFixture()
	f.newJob("j1", 2)

	require.NoError(t, f.eng.Process(context.Background(), "j1", "7e000000-0000-4000-8000-000000000099"))
	assert.Equal(t, models.StatusFailed, f.store.jobs["j1"].Status)
}
