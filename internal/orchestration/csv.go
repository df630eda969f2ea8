package orchestration

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"

	"github.com/fdemirciler/AI-invoice-processing/internal/apperr"
	"github.com/fdemirciler/AI-invoice-processing/internal/models"
)

// ExportSessionCSV streams the completed invoices of a session as CSV, one
// row per line item, ordered by job creation time descending. The listing is
// a snapshot: jobs completing mid-export may or may not appear.
func (s *Service) ExportSessionCSV(ctx context.Context, sessionID string, w io.Writer) error {
	jobs, err := s.store.ListDoneBySession(ctx, sessionID)
	if err != nil {
		return apperr.External("job store error", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(models.CSVHeader); err != nil {
		return apperr.Internal("failed to write CSV header", err)
	}
	for _, job := range jobs {
		if job.ResultJSON == nil {
			continue
		}
		inv, err := models.ParseInvoice(job.ResultJSON)
		if err != nil {
			// A malformed stored result should not break the whole export.
			slog.Warn("skipping job with unparseable result", "jobId", job.JobID, "error", err)
			continue
		}
		for _, row := range inv.CSVRows(job.Filename, job.ConfidenceScore) {
			if err := cw.Write(row); err != nil {
				return apperr.Internal("failed to write CSV row", err)
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return apperr.Internal("failed to flush CSV", err)
	}
	return nil
}
