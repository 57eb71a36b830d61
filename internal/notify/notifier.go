package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Package notify posts remediation updates to a chat webhook.
//
// Delivery is best effort. A message is retried with exponential backoff on
// network errors and 5xx responses; 4xx responses are not retried. Nothing in
// the approval flow waits on, or fails because of, a notification.

// Message is one chat notification.
type Message struct {
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Severity string            `json:"severity,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Notifier delivers chat notifications.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Config configures a WebhookNotifier.
type Config struct {
	URL        string
	Token      string
	Channel    string
	Timeout    time.Duration
	MaxRetries uint64
	// InitialInterval is the first retry delay; it doubles up to MaxInterval.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

const (
	defaultTimeout         = 10 * time.Second
	defaultMaxRetries      = 3
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
)

// WebhookNotifier posts Slack-compatible JSON payloads to an incoming webhook.
type WebhookNotifier struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewWebhook returns a notifier for cfg.URL, or nil when no URL is configured.
func NewWebhook(cfg Config, logger *zap.Logger) *WebhookNotifier {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("notify"),
	}
}

type webhookPayload struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// Notify posts msg, retrying transient failures.
func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{Channel: n.cfg.Channel, Text: Render(msg)})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.InitialInterval
	b.MaxInterval = n.cfg.MaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, n.cfg.MaxRetries), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		return n.post(ctx, body)
	}, policy)
	if err != nil {
		return fmt.Errorf("notify %q after %d attempt(s): %w", msg.Title, attempt, err)
	}
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.Token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned %s", resp.Status)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("webhook returned %s", resp.Status))
	}
	return nil
}

// Render formats msg as chat text.
func Render(msg Message) string {
	var sb strings.Builder
	if msg.Severity != "" {
		fmt.Fprintf(&sb, "[%s] ", strings.ToUpper(msg.Severity))
	}
	sb.WriteString("*" + msg.Title + "*")
	if msg.Text != "" {
		sb.WriteString("\n" + msg.Text)
	}
	keys := make([]string, 0, len(msg.Fields))
	for k := range msg.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n• %s: %s", k, msg.Fields[k])
	}
	return sb.String()
}
