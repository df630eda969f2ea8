// Package api is the thin HTTP layer over the orchestration facade and the
// worker entry point.
package api

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"google.golang.org/api/idtoken"

	"github.com/fdemirciler/AI-invoice-processing/internal/config"
	"github.com/fdemirciler/AI-invoice-processing/internal/models"
	"github.com/fdemirciler/AI-invoice-processing/internal/orchestration"
)

// Service is the orchestration facade surface the handlers call.
type Service interface {
	CreateUploadJobs(ctx context.Context, sessionID string, files []orchestration.UploadedFile, clientIP string) (*orchestration.CreateResult, error)
	RetryJob(ctx context.Context, jobID, sessionID, clientIP string) error
	GetJob(ctx context.Context, jobID, sessionID string) (*models.Job, error)
	ListSessionJobs(ctx context.Context, sessionID string) ([]orchestration.JobItem, error)
	ExportSessionCSV(ctx context.Context, sessionID string, w io.Writer) error
	DeleteSessionData(ctx context.Context, sessionID string) (int, error)
}

// Worker is the lifecycle engine entry point for task deliveries.
type Worker interface {
	Process(ctx context.Context, jobID, sessionID string) error
}

// TokenVerifier checks worker-callback bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token, audience string) error
}

// OIDCVerifier validates Google-signed OIDC identity tokens against the
// configured audience.
type OIDCVerifier struct{}

func (OIDCVerifier) Verify(ctx context.Context, token, audience string) error {
	_, err := idtoken.Validate(ctx, token, audience)
	return err
}

// New builds the HTTP handler tree.
func New(cfg *config.Config, svc Service, worker Worker, verifier TokenVerifier) http.Handler {
	h := &handlers{cfg: cfg, svc: svc, worker: worker}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(corsMiddleware(cfg.Server.CORSOrigins))

	r.Get("/", h.root)
	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", h.healthz)
		r.Get("/config", h.getConfig)

		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			r.Post("/jobs", h.createJobs)
			r.Get("/jobs/{jobID}", h.getJob)
			r.Post("/jobs/{jobID}/retry", h.retryJob)
			r.Get("/sessions/{sessionID}/jobs", h.listSessionJobs)
			r.Get("/sessions/{sessionID}/export.csv", h.exportCSV)
			r.Delete("/sessions/{sessionID}", h.deleteSession)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireOIDC(verifier, cfg.Tasks.TargetURL, cfg.Tasks.Emulate))
			r.Post("/tasks/process", h.processTask)
		})
	})
	return r
}
