package intake

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Prompt is one role-tagged model request: a system instruction, the user
// content, and decoding hints.
type Prompt struct {
	System string
	User   string
	// JSONOnly asks the model to reply with a single JSON object.
	JSONOnly bool
	// Deterministic pins temperature to zero.
	Deterministic bool
}

type LLMCaller interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

type AnthropicCaller struct {
	messages AnthropicMessager
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

func NewAnthropicCallerFromEnv() (*AnthropicCaller, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return &AnthropicCaller{messages: newAnthropicClient(apiKey)}, nil
}

func (a *AnthropicCaller) Generate(ctx context.Context, p Prompt) (string, error) {
	user := p.User
	if p.JSONOnly {
		user += "\n\nRespond with only a single valid JSON object."
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: p.System}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
	}
	if p.Deterministic {
		params.Temperature = anthropic.Float(0)
	}
	resp, err := a.messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// ModelClient shields the pipeline from model-service failure. Every call is
// bounded by ModelTimeout; timeouts, transport errors, and empty replies all
// collapse into the ok=false sentinel. No model error escapes this boundary.
type ModelClient struct {
	caller  LLMCaller
	timeout time.Duration
}

func NewModelClient(caller LLMCaller) *ModelClient {
	return &ModelClient{caller: caller, timeout: ModelTimeout}
}

// Complete runs one named model operation and returns the raw reply text.
// The second return is false when the call produced no usable result.
func (c *ModelClient) Complete(ctx context.Context, op string, p Prompt) (string, bool) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log.Printf("model call %s: issuing request", op)
	raw, err := c.caller.Generate(callCtx, p)
	if err != nil {
		log.Printf("model call %s failed: %v", op, err)
		return "", false
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		log.Printf("model call %s failed: empty response", op)
		return "", false
	}
	log.Printf("model call %s: %d bytes", op, len(raw))
	return raw, true
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}
