package reasoning

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 400
	DefaultTimeout   = 30 * time.Second
)

// OpenAINarrator narrates through an OpenAI-compatible chat completions API.
type OpenAINarrator struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	logger      *zap.Logger
}

// NewOpenAINarrator creates a narrator from cfg. An empty BaseURL targets api.openai.com.
func NewOpenAINarrator(cfg Config, logger *zap.Logger) *OpenAINarrator {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	n := &OpenAINarrator{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		logger:      logger,
	}
	if n.model == "" {
		n.model = DefaultModel
	}
	if n.maxTokens <= 0 {
		n.maxTokens = DefaultMaxTokens
	}
	if n.timeout <= 0 {
		n.timeout = DefaultTimeout
	}
	return n
}

func (n *OpenAINarrator) Narrate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	start := time.Now()
	resp, err := n.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: n.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   n.maxTokens,
		Temperature: n.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	n.logger.Debug("narration complete",
		zap.String("model", n.model),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("latency", time.Since(start)),
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
