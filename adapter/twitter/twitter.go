// Package twitter implements the Twitter/X half of C5: it polls mentions
// of the registrar's account for replies carrying a challenge token
// (spec.md §4.3). Rate limiting follows the teacher's notify/discord.go
// use of golang.org/x/time/rate.
package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/w3f/challenger/adapter"
	"github.com/w3f/challenger/apperror"
	"github.com/w3f/challenger/identity"
	"github.com/w3f/challenger/verifier"
)

const mentionsURL = "https://api.twitter.com/2/users/%s/mentions"

// Config configures the adapter, mirroring config.Twitter.
type Config struct {
	APIKey          string
	APISecret       string
	Token           string
	TokenSecret     string
	AccountUserID   string
	RequestInterval time.Duration
}

// Adapter polls mentions of the registrar's account.
type Adapter struct {
	cfg     Config
	core    adapter.Core
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	sinceID   string
}

// New builds an Adapter. core is typically *verifier.Core.
func New(cfg Config, core adapter.Core, logger *slog.Logger) *Adapter {
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = time.Minute
	}
	return &Adapter{
		cfg:     cfg,
		core:    core,
		logger:  logger,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(cfg.RequestInterval), 1),
	}
}

func (a *Adapter) Name() string { return "twitter" }

func (a *Adapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(ctx)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.done)
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		if err := a.poll(ctx); err != nil {
			a.logger.Error("twitter adapter: poll failed", "err", err)
		}
	}
}

type mention struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	From string `json:"author_id"`
}

type mentionsResponse struct {
	Data []mention `json:"data"`
}

func (a *Adapter) poll(ctx context.Context) error {
	url := fmt.Sprintf(mentionsURL, a.cfg.AccountUserID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperror.New(apperror.Internal, "twitter: build request failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	q := req.URL.Query()
	if a.sinceID != "" {
		q.Set("since_id", a.sinceID)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := a.client.Do(req)
	if err != nil {
		return apperror.New(apperror.AdapterTransient, "twitter: request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return apperror.New(apperror.AdapterTransient, "twitter: rate limited", nil)
	}
	if resp.StatusCode >= 300 {
		return apperror.New(apperror.AdapterTransient, fmt.Sprintf("twitter: status %d", resp.StatusCode), nil)
	}

	var parsed mentionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return apperror.New(apperror.AdapterTransient, "twitter: decode failed", err)
	}

	for i := len(parsed.Data) - 1; i >= 0; i-- {
		m := parsed.Data[i]
		cmd := verifier.IncomingMessage{
			Adapter: identity.FieldTwitter,
			From:    m.From,
			Content: m.Text,
			MsgID:   m.ID,
		}
		if err := a.core.Deliver(ctx, cmd, nil); err != nil {
			a.logger.Error("twitter adapter: deliver failed", "err", err, "msg_id", m.ID)
			continue
		}
		a.sinceID = m.ID
	}
	return nil
}
