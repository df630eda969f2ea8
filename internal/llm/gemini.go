package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/cenkalti/backoff/v4"
)

// Gemini is the primary extractor, backed by a Vertex AI generative model
// pre-configured for deterministic JSON output.
type Gemini struct {
	model       *genai.GenerativeModel
	baseClient  *genai.Client
	callTimeout time.Duration
	maxRetries  uint64
}

// NewGemini creates the primary extractor. The model is configured once:
// JSON response mime type and low temperature for structured output.
func NewGemini(ctx context.Context, projectID, region, modelName string, callTimeout time.Duration, maxRetries int) (*Gemini, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewGemini: projectID and region cannot be empty")
	}
	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := baseClient.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractionSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
		MaxOutputTokens:  genai.Ptr[int32](2048),
	}

	return &Gemini{
		model:       model,
		baseClient:  baseClient,
		callTimeout: callTimeout,
		maxRetries:  uint64(maxRetries),
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Extract(ctx context.Context, text string) (map[string]any, error) {
	prompt := genai.Text(ExtractionUserPrompt + truncatePrompt(text))

	var resp *genai.GenerateContentResponse
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
		var err error
		resp, err = g.model.GenerateContent(callCtx, prompt)
		return err
	}
	bo := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), g.maxRetries)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("gemini call failed: %w", err)
	}

	return decodeReply(extractText(resp))
}

func (g *Gemini) Close() error {
	if g.baseClient != nil {
		return g.baseClient.Close()
	}
	return nil
}

// extractText concatenates the text parts of the first candidate.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}
