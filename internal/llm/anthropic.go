package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
)

// Anthropic is the fallback extractor, used when the primary provider errors,
// times out, or returns an unparseable reply.
type Anthropic struct {
	client      anthropic.Client
	model       anthropic.Model
	callTimeout time.Duration
	maxRetries  uint64
}

func NewAnthropic(apiKey, model string, callTimeout time.Duration, maxRetries int) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("NewAnthropic: apiKey cannot be empty")
	}
	return &Anthropic{
		// SDK-level retries are disabled; the jittered backoff below owns
		// the retry budget for this provider.
		client:      anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0)),
		model:       anthropic.Model(model),
		callTimeout: callTimeout,
		maxRetries:  uint64(maxRetries),
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Extract(ctx context.Context, text string) (map[string]any, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: ExtractionSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(ExtractionUserPrompt + truncatePrompt(text))),
		},
	}

	var msg *anthropic.Message
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
		var err error
		msg, err = a.client.Messages.New(callCtx, params)
		return err
	}
	bo := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), a.maxRetries)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("anthropic call failed: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return decodeReply(b.String())
}
