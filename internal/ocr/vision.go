// Package ocr wraps Cloud Vision document text detection for PDFs stored in
// Cloud Storage.
//
// Two tiers: synchronous annotation for short scans (low overhead), and
// asynchronous batch annotation for longer ones. Async operations are
// identified by an operation name the caller persists, so a takeover worker
// resumes polling the same operation instead of submitting a new one.
package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/fdemirciler/AI-invoice-processing/internal/blob"
)

// ErrOperationFailed marks an async operation that completed with a terminal
// error; the caller clears the persisted handle and resubmits on the next
// attempt.
var ErrOperationFailed = errors.New("ocr operation failed")

// syncPageLimit is Vision's per-request page cap for synchronous file
// annotation.
const syncPageLimit = 5

// asyncBatchSize bounds pages per output shard for async annotation.
const asyncBatchSize = 20

// Result is the aggregated OCR output for one document.
type Result struct {
	Text   string
	Pages  int
	Method string
	// Quality is the mean page-level confidence when Vision reports one,
	// else 0 (callers treat 0 as unknown).
	Quality float64
}

// Client is the Vision-backed OCR provider.
type Client struct {
	vision    *vision.ImageAnnotatorClient
	blobs     *blob.Gateway
	langHints []string
}

func NewClient(visionClient *vision.ImageAnnotatorClient, blobs *blob.Gateway, langHints []string) *Client {
	return &Client{vision: visionClient, blobs: blobs, langHints: langHints}
}

func (c *Client) imageContext() *visionpb.ImageContext {
	if len(c.langHints) == 0 {
		return nil
	}
	return &visionpb.ImageContext{LanguageHints: c.langHints}
}

// RecognizeSync runs synchronous document text detection for a short PDF and
// returns the concatenated text immediately.
func (c *Client) RecognizeSync(ctx context.Context, gcsURI string, pageCount int) (*Result, error) {
	if pageCount > syncPageLimit {
		pageCount = syncPageLimit
	}
	pages := make([]int32, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		pages = append(pages, int32(i))
	}

	resp, err := c.vision.BatchAnnotateFiles(ctx, &visionpb.BatchAnnotateFilesRequest{
		Requests: []*visionpb.AnnotateFileRequest{{
			InputConfig: &visionpb.InputConfig{
				GcsSource: &visionpb.GcsSource{Uri: gcsURI},
				MimeType:  "application/pdf",
			},
			Features:     []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			ImageContext: c.imageContext(),
			Pages:        pages,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("sync OCR failed for %s: %w", gcsURI, err)
	}

	var texts []string
	var confSum float64
	var confPages, totalPages int
	for _, fileResp := range resp.GetResponses() {
		for _, imgResp := range fileResp.GetResponses() {
			totalPages++
			fta := imgResp.GetFullTextAnnotation()
			if fta == nil {
				continue
			}
			if fta.GetText() != "" {
				texts = append(texts, fta.GetText())
			}
			for _, p := range fta.GetPages() {
				if conf := float64(p.GetConfidence()); conf > 0 {
					confSum += conf
					confPages++
				}
			}
		}
	}

	res := &Result{
		Text:   strings.TrimSpace(strings.Join(texts, "\n")),
		Pages:  totalPages,
		Method: "vision_sync",
	}
	if confPages > 0 {
		res.Quality = confSum / float64(confPages)
	}
	return res, nil
}

// SubmitAsync starts an asynchronous annotation writing JSON shards under
// outputPrefix (a gs:// URI) and returns the operation name for polling and
// resume.
func (c *Client) SubmitAsync(ctx context.Context, gcsURI, outputPrefix string) (string, error) {
	op, err := c.vision.AsyncBatchAnnotateFiles(ctx, &visionpb.AsyncBatchAnnotateFilesRequest{
		Requests: []*visionpb.AsyncAnnotateFileRequest{{
			InputConfig: &visionpb.InputConfig{
				GcsSource: &visionpb.GcsSource{Uri: gcsURI},
				MimeType:  "application/pdf",
			},
			Features:     []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			ImageContext: c.imageContext(),
			OutputConfig: &visionpb.OutputConfig{
				GcsDestination: &visionpb.GcsDestination{Uri: outputPrefix},
				BatchSize:      asyncBatchSize,
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("async OCR submit failed for %s: %w", gcsURI, err)
	}
	return op.Name(), nil
}

// PollOperation checks an async operation by name. It returns done=true when
// the operation completed successfully, ErrOperationFailed when it completed
// with a terminal error, and a plain error for transient polling failures.
func (c *Client) PollOperation(ctx context.Context, name string) (bool, error) {
	op := c.vision.AsyncBatchAnnotateFilesOperation(name)
	_, err := op.Poll(ctx)
	if err != nil {
		if op.Done() {
			return false, fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
		return false, fmt.Errorf("failed to poll OCR operation %s: %w", name, err)
	}
	return op.Done(), nil
}

// shardFile is the slice of a Vision async output JSON shard we care about.
type shardFile struct {
	Responses []struct {
		FullTextAnnotation *struct {
			Text  string `json:"text"`
			Pages []struct {
				Confidence float64 `json:"confidence"`
			} `json:"pages"`
		} `json:"fullTextAnnotation"`
	} `json:"responses"`
}

// CollectAsyncOutput reads all output shards under outputPrefix (a bare
// object path), concatenates their text in shard order, and deletes the
// shards. Missing shards during deletion are ignored.
func (c *Client) CollectAsyncOutput(ctx context.Context, outputPrefix string) (*Result, error) {
	names, err := c.blobs.List(ctx, outputPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list OCR output under %s: %w", outputPrefix, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no OCR output found under %s", outputPrefix)
	}

	var texts []string
	var confSum float64
	var confPages, totalPages int
	for _, name := range names {
		data, err := c.blobs.Read(ctx, name)
		if err != nil {
			return nil, err
		}
		var shard shardFile
		if err := json.Unmarshal(data, &shard); err != nil {
			return nil, fmt.Errorf("failed to parse OCR shard %s: %w", name, err)
		}
		for _, r := range shard.Responses {
			totalPages++
			if r.FullTextAnnotation == nil {
				continue
			}
			if r.FullTextAnnotation.Text != "" {
				texts = append(texts, r.FullTextAnnotation.Text)
			}
			for _, p := range r.FullTextAnnotation.Pages {
				if p.Confidence > 0 {
					confSum += p.Confidence
					confPages++
				}
			}
		}
	}

	// Intermediate shards are owned by this attempt; remove them before the
	// lock is released.
	for _, name := range names {
		if err := c.blobs.Delete(ctx, name); err != nil {
			slog.Warn("failed to delete OCR shard", "object", name, "error", err)
		}
	}

	res := &Result{
		Text:   strings.TrimSpace(strings.Join(texts, "\n")),
		Pages:  totalPages,
		Method: "vision_async",
	}
	if confPages > 0 {
		res.Quality = confSum / float64(confPages)
	}
	return res, nil
}
