package orchestration

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdemirciler/AI-invoice-processing/internal/apperr"
	"github.com/fdemirciler/AI-invoice-processing/internal/config"
	"github.com/fdemirciler/AI-invoice-processing/internal/models"
)

// ---- fakes ----

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

func newMemJobStore(now func() time.Time) *memJobStore {
	return &memJobStore{jobs: map[string]*models.Job{}, now: now}
}

func (s *memJobStore) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; ok {
		return models.ErrJobExists
	}
	job.CreatedAt = s.now()
	if job.Stages == nil {
		job.Stages = map[string]time.Time{string(models.StatusUploaded): s.now()}
	}
	s.jobs[job.JobID] = job
	return nil
}

func (s *memJobStore) Get(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

func (s *memJobStore) MarkQueued(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return models.ErrJobNotFound
	}
	job.Status = models.StatusQueued
	if _, ok := job.Stages[string(models.StatusQueued)]; !ok {
		job.Stages[string(models.StatusQueued)] = s.now()
	}
	return nil
}

func (s *memJobStore) ResetForRetry(_ context.Context, jobID string, retryCap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return models.ErrJobNotFound
	}
	if job.ManualRetries >= retryCap {
		return models.ErrRetryLimit
	}
	job.Status = models.StatusQueued
	job.Error = ""
	job.ProcessingLock = nil
	job.ManualRetries++
	return nil
}

func (s *memJobStore) ListBySession(_ context.Context, sessionID string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if job.SessionID == sessionID {
			snapshot := *job
			out = append(out, &snapshot)
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (s *memJobStore) ListDoneBySession(_ context.Context, sessionID string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if job.SessionID == sessionID && job.Status == models.StatusDone {
			snapshot := *job
			out = append(out, &snapshot)
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (s *memJobStore) ListExpired(_ context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if job.CreatedAt.Before(cutoff) {
			snapshot := *job
			out = append(out, &snapshot)
		}
	}
	sortByCreatedDesc(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memJobStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func sortByCreatedDesc(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].JobID > jobs[j].JobID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (b *memBlobs) Upload(_ context.Context, path string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = data
	return nil
}

func (b *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func (b *memBlobs) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, path)
	return nil
}

type recordingDispatcher struct {
	mu       sync.Mutex
	enqueued []string
	err      error
	emulated bool
}

func (d *recordingDispatcher) Enqueue(_ context.Context, jobID, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.enqueued = append(d.enqueued, jobID)
	return nil
}

func (d *recordingDispatcher) Emulated() bool { return d.emulated }

type allowAllLimiter struct {
	createErr error
	retryErr  error
}

func (l *allowAllLimiter) AllowCreate(context.Context, string, int, string) error {
	return l.createErr
}
func (l *allowAllLimiter) AllowRetry(context.Context, string, string) error { return l.retryErr }

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

// ---- fixture ----

const sid = "4c1f6a10-0000-4000-8000-000000000001"

type fixture struct {
	cfg        *config.Config
	clk        *fakeClock
	store      *memJobStore
	blobs      *memBlobs
	dispatcher *recordingDispatcher
	limiter    *allowAllLimiter
	svc        *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)

	clk := &fakeClock{now: time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)}
	f := &fixture{
		cfg:        cfg,
		clk:        clk,
		store:      newMemJobStore(clk.Now),
		blobs:      newMemBlobs(),
		dispatcher: &recordingDispatcher{emulated: true},
		limiter:    &allowAllLimiter{},
	}
	f.svc = New(cfg, f.store, f.blobs, f.dispatcher, f.limiter, clk)
	f.svc.pageCount = func(data []byte) (int, error) { return 2, nil }
	return f
}

func pdfFile(name string) UploadedFile {
	return UploadedFile{Filename: name, ContentType: "application/pdf", Data: []byte("%PDF-1.4 test")}
}

// ---- tests ----

func TestCreateUploadJobsHappyPath(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateUploadJobs(context.Background(), sid, []UploadedFile{pdfFile("A.pdf")}, "")
	require.NoError(t, err)

	require.Len(t, res.Jobs, 1)
	item := res.Jobs[0]
	assert.Equal(t, "A.pdf", item.Filename)
	assert.Equal(t, "queued", item.Status)
	assert.Equal(t, 2, item.PageCount)
	assert.NotEmpty(t, res.Note, "emulation mode is surfaced")
	assert.Equal(t, f.cfg.Limits.MaxFiles, res.Limits.MaxFiles)

	job := f.store.jobs[item.JobID]
	require.NotNil(t, job)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Contains(t, job.Stages, "uploaded")
	assert.Contains(t, job.Stages, "queued")

	exists, _ := f.blobs.Exists(context.Background(), job.BlobPath)
	assert.True(t, exists, "input PDF stored at uploads/{sessionId}/{jobId}.pdf")
	assert.Contains(t, job.BlobPath, "uploads/"+sid+"/")
	assert.Equal(t, []string{item.JobID}, f.dispatcher.enqueued)
}

func TestCreateUploadJobsRejectsBadMime(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateUploadJobs(context.Background(), sid, []UploadedFile{
		{Filename: "a.txt", ContentType: "text/plain", Data: []byte("hi")},
	}, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindFileValidation, apperr.KindOf(err))
	assert.Empty(t, f.store.jobs, "no jobs created on validation failure")
}

func TestCreateUploadJobsAllOrNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateUploadJobs(context.Background(), sid, []UploadedFile{
		pdfFile("good.pdf"),
		{Filename: "bad.bin", ContentType: "application/octet-stream", Data: []byte("x")},
	}, "")
	require.Error(t, err)
	assert.Empty(t, f.store.jobs)
	assert.Empty(t, f.dispatcher.enqueued)
}

func TestCreateUploadJobsRejectsOversize(t *testing.T) {
	f := newFixture(t)
	big := UploadedFile{
		Filename:    "big.pdf",
		ContentType: "application/pdf",
		Data:        bytes.Repeat([]byte("x"), int(f.cfg.MaxSizeBytes())+1),
	}

	_, err := f.svc.CreateUploadJobs(context.Background(), sid, []UploadedFile{big}, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindPayloadTooLarge, apperr.KindOf(err))
}

func TestCreateUploadJobsRejectsTooManyPages(t *testing.T) {
	f := newFixture(t)
	f.svc.pageCount = func([]byte) (int, error) { return f.cfg.Limits.MaxPages + 1, nil }

	_, err := f.svc.CreateUploadJobs(context.Background(), sid, []UploadedFile{pdfFile("long.pdf")}, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindFileValidation, apperr.KindOf(err))
}

func TestCreateUploadJobsHonorsRateLimit(t *testing.T) {
	f := newFixture(t)
	f.limiter.createErr = apperr.RateLimited("daily cap", 3600, 0, 50, 0)

	_, err := f.svc.CreateUploadJobs(context.Background(), sid, []UploadedFile{pdfFile("A.pdf")}, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
	assert.Empty(t, f.store.jobs)
}

func TestRetryJobHappyPath(t *testing.T) {
	f := newFixture(t)
	failedJob(f, "j1")

	require.NoError(t, f.svc.RetryJob(context.Background(), "j1", sid, ""))

	got := f.store.jobs["j1"]
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Empty(t, got.Error)
	assert.Equal(t, 1, got.ManualRetries)
	assert.Equal(t, []string{"j1"}, f.dispatcher.enqueued)
}

func TestRetryJobCapEnforced(t *testing.T) {
	f := newFixture(t)
	job := failedJob(f, "j1")
	job.ManualRetries = f.cfg.Lifecycle.ManualRetryCap

	err := f.svc.RetryJob(context.Background(), "j1", sid, "")
	require.Error(t, err)
	ae := apperr.As(err)
	assert.Equal(t, apperr.KindRateLimited, ae.Kind)
	assert.Contains(t, ae.Detail, "retry limit")
}

func TestRetryJobMissingBlobConflicts(t *testing.T) {
	f := newFixture(t)
	job := failedJob(f, "j1")
	require.NoError(t, f.blobs.Delete(context.Background(), job.BlobPath))

	err := f.svc.RetryJob(context.Background(), "j1", sid, "")
	require.Error(t, err)
	ae := apperr.As(err)
	assert.Equal(t, apperr.KindConflict, ae.Kind)
	assert.Contains(t, ae.Detail, "re-upload required")
}

func TestRetryJobSessionScoping(t *testing.T) {
	f := newFixture(t)
	failedJob(f, "j1")

	err := f.svc.RetryJob(context.Background(), "j1", "9f000000-0000-4000-8000-000000000009", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestExportSessionCSVOrderAndShape(t *testing.T) {
	f := newFixture(t)
	doneJob(f, "j-old", "old.pdf", "INV-OLD")
	f.clk.Advance(time.Minute)
	doneJob(f, "j-new", "new.pdf", "INV-NEW")

	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportSessionCSV(context.Background(), sid, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3, "header plus one row per line item")
	assert.Equal(t, strings.Join(models.CSVHeader, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "INV-NEW,"), "newest job first: %s", lines[1])
	assert.True(t, strings.HasSuffix(lines[1], ",new.pdf"))
	assert.True(t, strings.HasPrefix(lines[2], "INV-OLD,"))
}

func TestExportSkipsNonDoneJobs(t *testing.T) {
	f := newFixture(t)
	failedJob(f, "j1")

	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportSessionCSV(context.Background(), sid, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1, "header only")
}

func TestDeleteSessionDataIdempotent(t *testing.T) {
	f := newFixture(t)
	doneJob(f, "j1", "a.pdf", "INV-1")
	failedJob(f, "j2")

	deleted, err := f.svc.DeleteSessionData(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Empty(t, f.store.jobs)

	deleted, err = f.svc.DeleteSessionData(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted, "second delete reports zero and succeeds")
}

func TestDeleteExpiredSessionsSweepsWholeSessions(t *testing.T) {
	f := newFixture(t)
	doneJob(f, "j-old", "old.pdf", "INV-1")
	f.clk.Advance(time.Duration(f.cfg.Retention.Hours)*time.Hour + time.Hour)
	doneJob(f, "j-fresh-other", "fresh.pdf", "INV-2")
	f.store.jobs["j-fresh-other"].SessionID = "5d000000-0000-4000-8000-000000000005"

	deleted, err := f.svc.DeleteExpiredSessions(context.Background(),
		time.Duration(f.cfg.Retention.Hours)*time.Hour, 100)
	require.NoError(t, err)

	assert.Equal(t, 1, deleted)
	assert.NotContains(t, f.store.jobs, "j-old")
	assert.Contains(t, f.store.jobs, "j-fresh-other", "fresh session untouched")
}

func TestGetJobScopedToSession(t *testing.T) {
	f := newFixture(t)
	doneJob(f, "j1", "a.pdf", "INV-1")

	job, err := f.svc.GetJob(context.Background(), "j1", sid)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.JobID)

	_, err = f.svc.GetJob(context.Background(), "j1", "6e000000-0000-4000-8000-000000000006")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

// ---- builders ----

func failedJob(f *fixture, jobID string) *models.Job {
	job := &models.Job{
		JobID:     jobID,
		SessionID: sid,
		Filename:  jobID + ".pdf",
		BlobPath:  "uploads/" + sid + "/" + jobID + ".pdf",
		Status:    models.StatusFailed,
		Error:     "llm timeout",
		CreatedAt: f.clk.Now(),
		Stages:    map[string]time.Time{},
	}
	f.store.jobs[jobID] = job
	_ = f.blobs.Upload(context.Background(), job.BlobPath, []byte("%PDF"), "application/pdf")
	return job
}

func doneJob(f *fixture, jobID, filename, invoiceNumber string) *models.Job {
	job := &models.Job{
		JobID:     jobID,
		SessionID: sid,
		Filename:  filename,
		BlobPath:  "uploads/" + sid + "/" + jobID + ".pdf",
		Status:    models.StatusDone,
		CreatedAt: f.clk.Now(),
		Stages:    map[string]time.Time{},
		ResultJSON: map[string]any{
			"invoiceNumber": invoiceNumber,
			"invoiceDate":   "2026-03-01",
			"vendorName":    "ACME",
			"currency":      "EUR",
			"subtotal":      100.0,
			"tax":           21.0,
			"total":         121.0,
			"lineItems": []any{
				map[string]any{"description": "Widgets", "quantity": 1.0, "unitPrice": 100.0, "lineTotal": 100.0},
			},
		},
		ConfidenceScore: 0.95,
	}
	f.store.jobs[jobID] = job
	return job
}
