// Package llm extracts structured invoice data from sanitized OCR text.
// Gemini (Vertex AI) is the primary provider; Anthropic is the fallback.
// Each provider gets one attempt per stage; bounded retries with jittered
// backoff live inside the provider clients, distinct from queue redelivery.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadReply marks a provider that answered but did not produce a parseable
// JSON invoice (refusal, prose, malformed JSON). Distinct from transport
// failures: when every provider ends in ErrBadReply the job fails
// permanently instead of being redelivered.
var ErrBadReply = errors.New("unusable model reply")

// PromptVersion pins the extraction prompt; bump when the prompt changes so
// result provenance stays traceable.
const PromptVersion = "v1"

const ExtractionSystemPrompt = "You are an information extraction engine. You read OCR text of invoices and return structured data as strict JSON. Accuracy and completeness are of utmost importance."

const ExtractionUserPrompt = `Extract invoice data from the OCR text below as strict JSON with keys:
invoiceNumber (string), invoiceDate (YYYY-MM-DD), vendorName (string), currency (ISO code),
subtotal (number), tax (number), total (number), dueDate (YYYY-MM-DD or null),
lineItems (array of {description, quantity, unitPrice, lineTotal}), notes (optional).
Return ONLY JSON. No markdown, no prose.

---- OCR TEXT ----
`

// maxPromptChars bounds the OCR text included in a single prompt.
const maxPromptChars = 15000

// Extractor is one LLM provider capable of invoice extraction.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, text string) (map[string]any, error)
}

// refusalPhrases mark replies where the model declined instead of answering;
// such replies are treated as provider failures so the fallback runs.
var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// decodeReply strips markdown fences from a model reply and parses it as a
// JSON object, rejecting refusals and non-JSON text.
func decodeReply(raw string) (map[string]any, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	lower := strings.ToLower(cleaned)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return nil, fmt.Errorf("%w: model refused to extract", ErrBadReply)
		}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil, fmt.Errorf("%w: model returned non-JSON: %v", ErrBadReply, err)
	}
	return data, nil
}

func truncatePrompt(text string) string {
	if len(text) > maxPromptChars {
		return text[:maxPromptChars]
	}
	return text
}
