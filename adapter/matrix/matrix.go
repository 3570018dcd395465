// Package matrix implements the Matrix half of C5 and the transport C6's
// moderator surface rides on: a long-lived client session polling
// /sync, routing room messages either to the moderator command handler
// (sender MXID on the admin allow-list, spec.md §4.4) or to the
// verification core as a challenge-response IncomingMessage (spec.md
// §4.3 "Matrix adapter").
//
// No Matrix client SDK appears anywhere in the retrieved corpus, so this
// is built directly on net/http against the client-server /sync API, in
// the same plain-HTTP idiom as the teacher's notify/discord.go.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/w3f/challenger/adapter"
	"github.com/w3f/challenger/apperror"
	"github.com/w3f/challenger/identity"
	"github.com/w3f/challenger/verifier"
)

// Moderator handles one parsed room message as a moderator command and
// returns the reply text to send back.
type Moderator interface {
	Handle(ctx context.Context, senderID string, text string) string
}

// Config configures the adapter, mirroring config.Matrix.
type Config struct {
	Homeserver string
	Username   string
	Password   string
	Admins     []string
}

// Adapter is a long-lived Matrix client session.
type Adapter struct {
	cfg    Config
	core   adapter.Core
	mod    Moderator
	logger *slog.Logger
	client *http.Client
	ops    adapter.Ops

	mu          sync.Mutex
	accessToken string
	nextBatch   string
	cancel      context.CancelFunc
	done        chan struct{}
}

// New builds an Adapter. core is typically *verifier.Core; mod is
// typically a *moderator.Handler. ops may be nil.
func New(cfg Config, core adapter.Core, mod Moderator, ops adapter.Ops, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		core:   core,
		mod:    mod,
		ops:    ops,
		logger: logger,
		client: &http.Client{Timeout: 35 * time.Second},
	}
}

func (a *Adapter) Name() string { return "matrix" }

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
	if err := a.login(ctx); err != nil {
		a.logger.Error("matrix adapter: login failed", "err", err)
		a.escalate(ctx, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		events, err := a.sync(ctx)
		if err != nil {
			a.logger.Error("matrix adapter: sync failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, ev := range events {
			a.handleEvent(ctx, ev)
		}
	}
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

func (a *Adapter) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]any{
		"type":     "m.login.password",
		"user":     a.cfg.Username,
		"password": a.cfg.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Homeserver+"/_matrix/client/v3/login", bytes.NewReader(body))
	if err != nil {
		return apperror.New(apperror.Internal, "matrix: build login request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return apperror.New(apperror.AdapterFatal, "matrix: login request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperror.New(apperror.AdapterFatal, fmt.Sprintf("matrix: login status %d", resp.StatusCode), nil)
	}
	var parsed loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return apperror.New(apperror.AdapterFatal, "matrix: decode login response failed", err)
	}
	a.mu.Lock()
	a.accessToken = parsed.AccessToken
	a.mu.Unlock()
	return nil
}

type roomEvent struct {
	RoomID  string
	Sender  string
	Content struct {
		Body    string `json:"body"`
		MsgType string `json:"msgtype"`
	}
	EventID string
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []struct {
					Type    string `json:"type"`
					Sender  string `json:"sender"`
					EventID string `json:"event_id"`
					Content struct {
						Body    string `json:"body"`
						MsgType string `json:"msgtype"`
					} `json:"content"`
				} `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

func (a *Adapter) sync(ctx context.Context) ([]roomEvent, error) {
	a.mu.Lock()
	token := a.accessToken
	since := a.nextBatch
	a.mu.Unlock()

	q := url.Values{}
	q.Set("timeout", "30000")
	if since != "" {
		q.Set("since", since)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Homeserver+"/_matrix/client/v3/sync?"+q.Encode(), nil)
	if err != nil {
		return nil, apperror.New(apperror.Internal, "matrix: build sync request failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, apperror.New(apperror.AdapterTransient, "matrix: sync request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, apperror.New(apperror.AdapterTransient, fmt.Sprintf("matrix: sync status %d", resp.StatusCode), nil)
	}

	var parsed syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperror.New(apperror.AdapterTransient, "matrix: decode sync response failed", err)
	}
	a.mu.Lock()
	a.nextBatch = parsed.NextBatch
	a.mu.Unlock()

	var out []roomEvent
	for roomID, room := range parsed.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			if ev.Type != "m.room.message" || ev.Content.MsgType != "m.text" {
				continue
			}
			out = append(out, roomEvent{
				RoomID: roomID, Sender: ev.Sender, EventID: ev.EventID,
				Content: struct {
					Body    string `json:"body"`
					MsgType string `json:"msgtype"`
				}{Body: ev.Content.Body, MsgType: ev.Content.MsgType},
			})
		}
	}
	return out, nil
}

// handleEvent routes one room message: to the moderator handler if the
// sender is on the admin allow-list (spec.md §4.4), otherwise as a
// challenge-response IncomingMessage (spec.md §4.3 "from is the sender
// MXID").
func (a *Adapter) handleEvent(ctx context.Context, ev roomEvent) {
	if a.mod != nil && a.isAdmin(ev.Sender) {
		reply := a.mod.Handle(ctx, ev.Sender, ev.Content.Body)
		if err := a.sendMessage(ctx, ev.RoomID, reply); err != nil {
			a.logger.Error("matrix adapter: send reply failed", "err", err, "room", ev.RoomID)
		}
		return
	}

	cmd := verifier.IncomingMessage{
		Adapter: identity.FieldMatrix,
		From:    ev.Sender,
		Content: ev.Content.Body,
		MsgID:   ev.EventID,
	}
	if err := a.core.Deliver(ctx, cmd, nil); err != nil {
		a.logger.Error("matrix adapter: deliver failed", "err", err, "event_id", ev.EventID)
	}
}

func (a *Adapter) isAdmin(mxid string) bool {
	for _, admin := range a.cfg.Admins {
		if admin == mxid {
			return true
		}
	}
	return false
}

func (a *Adapter) sendMessage(ctx context.Context, roomID, body string) error {
	a.mu.Lock()
	token := a.accessToken
	a.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	txnID := fmt.Sprintf("%d", time.Now().UnixNano())
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		a.cfg.Homeserver, url.PathEscape(roomID), txnID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return apperror.New(apperror.Internal, "matrix: build send request failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return apperror.New(apperror.AdapterTransient, "matrix: send request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperror.New(apperror.AdapterTransient, fmt.Sprintf("matrix: send status %d", resp.StatusCode), nil)
	}
	return nil
}

func (a *Adapter) escalate(ctx context.Context, err error) {
	if a.ops == nil {
		return
	}
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		return
	}
	a.ops.Escalate(ctx, appErr.Kind, "matrix", appErr.Error(), nil)
}

