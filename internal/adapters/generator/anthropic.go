// Package generator implements response generators for conversational replies
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"immortal-outreach/internal/core/domain"
	"immortal-outreach/internal/core/ports"
)

var _ ports.ResponseGenerator = (*AnthropicGenerator)(nil)

const defaultMaxTokens = 1024

// AnthropicConfig configures the Claude-backed generator
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string // empty uses the SDK default
	Model        string
	MaxTokens    int
	SystemPrompt string
	HistoryTurns int // prior exchanges kept per conversation; 0 disables history
	MaxRetries   int
}

type turn struct {
	user, assistant string
}

// AnthropicGenerator produces replies with the Messages API
type AnthropicGenerator struct {
	client anthropic.Client
	cfg    AnthropicConfig

	mu      sync.Mutex
	history map[domain.ConversationKey][]turn
}

// NewAnthropicGenerator creates a generator; the API key is required
func NewAnthropicGenerator(cfg AnthropicConfig) (*AnthropicGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaudeSonnet4_5)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicGenerator{
		client:  anthropic.NewClient(opts...),
		cfg:     cfg,
		history: make(map[domain.ConversationKey][]turn),
	}, nil
}

// Generate answers the combined inbound text of one conversation
func (g *AnthropicGenerator) Generate(ctx context.Context, req ports.GenerateRequest) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.cfg.Model),
		MaxTokens: int64(g.cfg.MaxTokens),
		Messages:  g.messages(req),
	}
	if g.cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: g.cfg.SystemPrompt}}
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		slog.Error("Anthropic request failed",
			"error", err,
			"conversation", req.Conversation.String(),
		)
		return "", fmt.Errorf("generate reply: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	reply := strings.TrimSpace(b.String())
	if reply == "" {
		return "", fmt.Errorf("generate reply: empty response (stop reason %s)", resp.StopReason)
	}

	g.remember(req.Conversation, req.Text, reply)

	slog.Debug("Reply generated",
		"conversation", req.Conversation.String(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return reply, nil
}

func (g *AnthropicGenerator) messages(req ports.GenerateRequest) []anthropic.MessageParam {
	g.mu.Lock()
	past := append([]turn(nil), g.history[req.Conversation]...)
	g.mu.Unlock()

	msgs := make([]anthropic.MessageParam, 0, 2*len(past)+1)
	for _, t := range past {
		msgs = append(msgs,
			anthropic.NewUserMessage(anthropic.NewTextBlock(t.user)),
			anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.assistant)),
		)
	}
	return append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Text)))
}

func (g *AnthropicGenerator) remember(key domain.ConversationKey, user, assistant string) {
	if g.cfg.HistoryTurns <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	h := append(g.history[key], turn{user: user, assistant: assistant})
	if len(h) > g.cfg.HistoryTurns {
		h = h[len(h)-g.cfg.HistoryTurns:]
	}
	g.history[key] = h
}

// Forget drops the history of a conversation
func (g *AnthropicGenerator) Forget(key domain.ConversationKey) {
	g.mu.Lock()
	delete(g.history, key)
	g.mu.Unlock()
}
