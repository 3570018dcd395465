// Package session implements C7: the client-facing WebSocket subscribe
// endpoint and its companion HTTP surface (spec.md §4.5), built on the
// teacher's router package (httprouter wrapper), with a ristretto-backed
// cache of check_display_name results.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/w3f/challenger/apperror"
	"github.com/w3f/challenger/cache"
	"github.com/w3f/challenger/cache/ristretto"
	"github.com/w3f/challenger/displayname"
	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
	"github.com/w3f/challenger/router"
	"github.com/w3f/challenger/verifier"
)

const (
	clientIdleTimeout    = 90 * time.Second
	displayNameCacheTTL  = 5 * time.Second
)

// Core is the subset of *verifier.Core the session API depends on.
type Core interface {
	Subscribe(ctx context.Context, chain identity.Chain, address string) (verifier.Snapshot, *verifier.Subscription, error)
	SubmitSecondChallenge(ctx context.Context, cmd verifier.SecondChallengeSubmission) error
}

// Names is the subset of *displayname.Index the check_display_name
// endpoint depends on.
type Names interface {
	Check(chain identity.Chain, candidate string, self identity.Key) []displayname.Violation
}

// Server wires C7's HTTP and WebSocket handlers onto a router.Router.
type Server struct {
	core          Core
	names         Names
	logger        *slog.Logger
	upgrader websocket.Upgrader

	// displayNameCache memoizes recent check_display_name results: the
	// admin UI calls this endpoint on every keystroke while a user types a
	// candidate name, and the index it queries only changes on identity
	// completion, so a short TTL avoids rechecking the same candidate
	// against the whole per-chain index on every keystroke.
	displayNameCache cache.Cache[string, []displayname.Violation]
}

// New builds a Server. corsOrigins configures the WebSocket upgrader's
// origin check (spec.md §4.5 "CORS. Allowed origins from config").
func New(core Core, names Names, corsOrigins []string, logger *slog.Logger) (*Server, error) {
	displayNameCache, err := ristretto.New[[]displayname.Violation]("small")
	if err != nil {
		return nil, apperror.New(apperror.Internal, "session: create display-name cache failed", err)
	}
	allowed := make(map[string]struct{}, len(corsOrigins))
	for _, o := range corsOrigins {
		allowed[o] = struct{}{}
	}
	return &Server{
		core:             core,
		names:            names,
		logger:           logger,
		displayNameCache: displayNameCache,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}, nil
}

// Register mounts every C7 endpoint on r (spec.md §4.5).
func (s *Server) Register(r *router.Router) {
	r.Get("/api/account_status", http.HandlerFunc(s.handleSubscribe))
	r.Post("/api/check_display_name", http.HandlerFunc(s.handleCheckDisplayName))
	r.Post("/api/verify_second_challenge", http.HandlerFunc(s.handleVerifySecondChallenge))
	r.Get("/healthcheck", http.HandlerFunc(s.handleHealthcheck))
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type subscribeFrame struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}

type clientFrame struct {
	Type    string `json:"type"`
	Message any    `json:"message,omitempty"`
}

// handleSubscribe implements the WebSocket endpoint: the client opens a
// socket, sends one subscribe frame, gets a snapshot, then a stream of
// incremental frames (spec.md §4.5).
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("session: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	conn.SetReadDeadline(time.Now().Add(clientIdleTimeout))

	var sub subscribeFrame
	if err := readJSONFrame(conn, &sub); err != nil {
		writeErr(conn, "malformed subscribe frame")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snap, subscription, err := s.core.Subscribe(ctx, identity.Chain(sub.Chain), sub.Address)
	if err != nil {
		writeErr(conn, describeClientError(err))
		return
	}
	defer subscription.Close()
	s.logger.Info("session: subscription opened", "conn", connID, "chain", sub.Chain, "address", sub.Address)
	defer s.logger.Info("session: subscription closed", "conn", connID)

	if err := writeJSONFrame(conn, snapshotFrame(snap)); err != nil {
		return
	}

	go s.readHeartbeats(conn, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-subscription.Notifications():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := writeJSONFrame(conn, deltaFrame(n)); err != nil {
				return
			}
		}
	}
}

// readHeartbeats discards client-sent heartbeat frames, resetting the
// idle deadline on each one; the server closes the connection if none
// arrives within clientIdleTimeout (spec.md §4.5).
func (s *Server) readHeartbeats(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		conn.SetReadDeadline(time.Now().Add(clientIdleTimeout))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeErr(conn *websocket.Conn, message string) {
	writeJSONFrame(conn, clientFrame{Type: "err", Message: message})
}

// readJSONFrame and writeJSONFrame replace gorilla/websocket's built-in
// ReadJSON/WriteJSON (which are fixed to encoding/json) so the WebSocket
// frame codec goes through the same goccy/go-json encoder as the rest of
// this package's wire handling.
func readJSONFrame(conn *websocket.Conn, v any) error {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func writeJSONFrame(conn *websocket.Conn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func snapshotFrame(snap verifier.Snapshot) clientFrame {
	fields := make([]map[string]any, 0, len(snap.Fields))
	for _, f := range snap.Fields {
		fields = append(fields, map[string]any{
			"value":           map[string]string{"type": string(f.Kind), "value": f.Value},
			"challenge":       map[string]string{"type": string(f.ChallengeType), "content": f.Token},
			"failed_attempts": f.FailedAttempts,
		})
	}
	notifications := make([]map[string]any, 0, len(snap.Notifications))
	for _, n := range snap.Notifications {
		notifications = append(notifications, map[string]any{
			"kind":       n.Kind,
			"field_kind": n.FieldKind,
			"message":    n.Message,
			"detail":     n.Detail,
			"seq":        n.Seq,
		})
	}
	return clientFrame{
		Type: "ok",
		Message: map[string]any{
			"state": map[string]any{
				"context":           map[string]string{"address": snap.Address, "chain": string(snap.Chain)},
				"is_fully_verified": snap.IsFullyVerified,
				"fields":            fields,
			},
			"notifications": notifications,
		},
	}
}

func deltaFrame(n eventlog.Notification) clientFrame {
	return clientFrame{
		Type: "ok",
		Message: map[string]any{
			"notification": map[string]any{
				"kind":       n.Kind,
				"field_kind": n.FieldKind,
				"message":    n.Message,
				"detail":     n.Detail,
				"seq":        n.Seq,
			},
		},
	}
}

type checkDisplayNameRequest struct {
	Check string `json:"check"`
	Chain string `json:"chain"`
}

// handleCheckDisplayName implements POST /api/check_display_name
// (spec.md §4.5, §4.2).
func (s *Server) handleCheckDisplayName(w http.ResponseWriter, r *http.Request) {
	var req checkDisplayNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	cacheKey := req.Chain + "|" + req.Check
	violations, cached := s.displayNameCache.Get(cacheKey)
	if !cached {
		violations = s.names.Check(identity.Chain(req.Chain), req.Check, identity.Key{})
		s.displayNameCache.SetWithTTL(cacheKey, violations, int64(len(violations)+1), displayNameCacheTTL)
	}
	if len(violations) == 0 {
		writeJSON(w, http.StatusOK, clientFrame{Type: "ok"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"type": "violations", "value": violations})
}

type verifySecondChallengeRequest struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Entry   struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"entry"`
	Challenge string `json:"challenge"`
}

// handleVerifySecondChallenge implements POST /api/verify_second_challenge
// (spec.md §4.5, §4.1).
func (s *Server) handleVerifySecondChallenge(w http.ResponseWriter, r *http.Request) {
	var req verifySecondChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	err := s.core.SubmitSecondChallenge(r.Context(), verifier.SecondChallengeSubmission{
		Chain:      identity.Chain(req.Chain),
		Address:    req.Address,
		FieldKind:  identity.FieldKind(req.Entry.Type),
		FieldValue: req.Entry.Value,
		Token:      req.Challenge,
	})
	if err != nil {
		http.Error(w, describeClientError(err), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func describeClientError(err error) string {
	if appErr, ok := err.(*apperror.Error); ok {
		return appErr.Message
	}
	return "request failed"
}
