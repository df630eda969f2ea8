package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fdemirciler/AI-invoice-processing/internal/apperr"
	"github.com/fdemirciler/AI-invoice-processing/internal/config"
	"github.com/fdemirciler/AI-invoice-processing/internal/orchestration"
)

const appName = "Invoice Processing API"
const appVersion = "0.1.0"

// multipartMemory is the in-memory parse threshold for multipart bodies.
const multipartMemory = 32 << 20

type handlers struct {
	cfg    *config.Config
	svc    Service
	worker Worker
}

func (h *handlers) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"name": appName, "version": appVersion})
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"maxFiles":     h.cfg.Limits.MaxFiles,
		"maxSizeMb":    h.cfg.Limits.MaxSizeMB,
		"maxPages":     h.cfg.Limits.MaxPages,
		"acceptedMime": h.cfg.Limits.AcceptedMime,
	})
}

func (h *handlers) createJobs(w http.ResponseWriter, r *http.Request) {
	// Bound the whole request body: all files at their size cap plus
	// multipart overhead.
	maxBody := h.cfg.MaxSizeBytes()*int64(h.cfg.Limits.MaxFiles) + multipartMemory
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperr.PayloadTooLarge("request body exceeds limit"))
			return
		}
		writeError(w, apperr.FileValidation("could not parse multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	fileHeaders := r.MultipartForm.File["files"]
	files := make([]orchestration.UploadedFile, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			writeError(w, apperr.FileValidation("%s: could not read file", fh.Filename))
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			writeError(w, apperr.FileValidation("%s: could not read file", fh.Filename))
			return
		}
		files = append(files, orchestration.UploadedFile{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	res, err := h.svc.CreateUploadJobs(r.Context(), sessionFrom(r), files, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetJob(r.Context(), chi.URLParam(r, "jobID"), sessionFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]any{
		"jobId":  job.JobID,
		"status": job.Status,
		"stages": job.Stages,
	}
	if job.SizeBytes > 0 {
		body["sizeBytes"] = job.SizeBytes
	}
	if job.PageCount > 0 {
		body["pageCount"] = job.PageCount
	}
	if job.ResultJSON != nil {
		body["resultJson"] = job.ResultJSON
		body["confidenceScore"] = job.ConfidenceScore
	}
	if job.Error != "" {
		body["error"] = job.Error
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.svc.RetryJob(r.Context(), jobID, sessionFrom(r), clientIP(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": jobID, "status": "queued"})
}

func (h *handlers) listSessionJobs(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sessionID")
	if sid != sessionFrom(r) {
		writeError(w, apperr.FileValidation("session mismatch"))
		return
	}
	jobs, err := h.svc.ListSessionJobs(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sid, "jobs": jobs})
}

func (h *handlers) exportCSV(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sessionID")
	if sid != sessionFrom(r) {
		writeError(w, apperr.FileValidation("session mismatch"))
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=export-%s.csv", sid))
	if err := h.svc.ExportSessionCSV(r.Context(), sid, w); err != nil {
		// Headers may already be out; log rather than rewrite the response.
		slog.Error("csv export failed", "sessionId", sid, "error", err)
	}
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sessionID")
	if sid != sessionFrom(r) {
		writeError(w, apperr.FileValidation("session mismatch"))
		return
	}
	deleted, err := h.svc.DeleteSessionData(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sid, "deleted": deleted})
}

func (h *handlers) processTask(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		JobID     string `json:"jobId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.JobID == "" || payload.SessionID == "" {
		writeError(w, apperr.FileValidation("missing jobId or sessionId"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Lifecycle.AttemptBudget)
	defer cancel()
	if err := h.worker.Process(ctx, payload.JobID, payload.SessionID); err != nil {
		// Transient failure: a 5xx makes the queue redeliver with backoff.
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobId": payload.JobID})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	ae := apperr.As(err)
	if ae.Kind == apperr.KindInternal {
		slog.Error("internal error", "error", err)
	}
	if ae.Kind == apperr.KindRateLimited {
		if ae.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
		}
		if ae.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(ae.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(ae.Remaining))
		}
		if ae.ResetEpoch > 0 {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(ae.ResetEpoch, 10))
		}
	}
	writeJSON(w, ae.HTTPStatus(), map[string]any{"detail": ae.Detail})
}
