// Package responder provides Responder implementations for the relay. The
// relay itself is agnostic to how a reply is produced.
package responder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Dadudekc/SWARM-sub002/internal/relay"
)

// Anthropic answers prompts through the hosted Messages API. The API key is
// read from ANTHROPIC_API_KEY by the SDK; pass extra request options for
// testing (base URL, HTTP client).
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
}

func NewAnthropic(cfg relay.ResponderConfig, opts ...option.RequestOption) *Anthropic {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		timeout:   timeout,
	}
}

func (a *Anthropic) Send(ctx context.Context, prompt string, metadata map[string]any) (string, error) {
	if a == nil {
		return "", relay.ErrInvalidState
	}
	if strings.TrimSpace(prompt) == "" {
		return "", &relay.ValidationError{Reason: "empty prompt"}
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		// The coordinator decides whether to try again; API failures are
		// transient until retries are exhausted.
		return "", relay.Retryable(fmt.Errorf("anthropic messages: %w", err))
	}

	var out strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", relay.Retryable(fmt.Errorf("anthropic returned no text content"))
	}
	return out.String(), nil
}

// Echo is the dry-run responder used when no API credential is configured.
type Echo struct{}

func (Echo) Send(ctx context.Context, prompt string, metadata map[string]any) (string, error) {
	return "echo: " + prompt, nil
}
