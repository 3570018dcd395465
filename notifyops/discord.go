package notifyops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// discordMaxMessageLength is Discord's per-message character limit;
// longer payloads are truncated.
const discordMaxMessageLength = 2000

// DiscordOptions configures a DiscordNotifier.
type DiscordOptions struct {
	WebhookURL   string
	APIRateLimit rate.Limit
	APIBurst     int
	SendTimeout  time.Duration
}

type discordPayload struct {
	Content string `json:"content"`
}

// DiscordNotifier posts alerts to a Discord incoming webhook. Send is
// non-blocking: it acquires a rate-limit token and, if granted, hands the
// HTTP round-trip to a goroutine so a burst of alerts never stalls the
// caller (the judgement emitter or adapter ingress loop that raised it).
type DiscordNotifier struct {
	opts       DiscordOptions
	logger     *slog.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewDiscordNotifier(opts DiscordOptions, logger *slog.Logger) (*DiscordNotifier, error) {
	if opts.WebhookURL == "" {
		return nil, fmt.Errorf("notifyops: WebhookURL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.APIRateLimit == 0 {
		opts.APIRateLimit = rate.Every(2 * time.Second)
	}
	if opts.APIBurst <= 0 {
		opts.APIBurst = 5
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	return &DiscordNotifier{
		opts:       opts,
		logger:     logger,
		limiter:    rate.NewLimiter(opts.APIRateLimit, opts.APIBurst),
		httpClient: &http.Client{},
	}, nil
}

var _ Notifier = (*DiscordNotifier)(nil)

func (d *DiscordNotifier) Send(_ context.Context, a Alert) error {
	if !d.limiter.Allow() {
		d.logger.Warn("notifyops: rate limit reached, dropping alert", "source", a.Source, "message", a.Message)
		return nil
	}

	go func(a Alert) {
		sendCtx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
		defer cancel()

		body, err := json.Marshal(discordPayload{Content: formatAlert(a)})
		if err != nil {
			d.logger.Error("notifyops: failed to marshal alert", "err", err, "source", a.Source)
			return
		}

		req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, d.opts.WebhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Error("notifyops: failed to build request", "err", err, "source", a.Source)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			d.logger.Error("notifyops: failed to reach discord", "err", err, "source", a.Source)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			d.logger.Error("notifyops: discord returned non-2xx", "status", resp.StatusCode, "source", a.Source)
			if resp.StatusCode == http.StatusTooManyRequests {
				d.logger.Warn("notifyops: discord rate limit (429); rate limit settings may need adjustment")
			}
		}
	}(a)

	return nil
}

func formatAlert(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] from *%s*:\n> %s\n", a.Severity, a.Source, a.Message)
	if len(a.Fields) > 0 {
		b.WriteString("\n**Fields**:\n")
		for k, v := range a.Fields {
			if v == nil {
				continue
			}
			fmt.Fprintf(&b, "> %s: `%v`\n", k, v)
		}
	}
	content := b.String()
	if len(content) > discordMaxMessageLength {
		return content[:discordMaxMessageLength-3] + "..."
	}
	return content
}
