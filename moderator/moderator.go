// Package moderator implements C6: it parses whitespace-tokenized,
// case-insensitive natural-text commands from an admin allow-list and
// dispatches them to the verification core (spec.md §4.4).
package moderator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/w3f/challenger/apperror"
	"github.com/w3f/challenger/identity"
	"github.com/w3f/challenger/logsink"
	"github.com/w3f/challenger/topk"
	"github.com/w3f/challenger/verifier"
)

// Audit records a moderator action to the durable audit trail. Optional:
// a Handler with a nil audit still authorizes and dispatches commands,
// it simply leaves no trail.
type Audit interface {
	Record(e logsink.Entry)
}

// Metrics records moderator command counts. Optional.
type Metrics interface {
	CommandHandled(verb, outcome string)
}

// Core is the subset of *verifier.Core the handler needs.
type Core interface {
	Status(ctx context.Context, chain identity.Chain, address string) (verifier.Snapshot, error)
	Verify(ctx context.Context, cmd verifier.ManualVerify) (verifier.Snapshot, error)
}

var _ Core = (*verifier.Core)(nil)

// Handler authorizes and dispatches moderator commands. One Handler
// serves every chain this process is configured for; a command names an
// address only, so the handler tries each configured chain in turn
// (spec.md §4.4 is silent on multi-chain addressing — the watcher config
// already enumerates the chains, so this reuses that list rather than
// asking the moderator to repeat it).
type Handler struct {
	core    Core
	chains  []identity.Chain
	admins  map[string]struct{}
	audit   Audit
	metrics Metrics
	abuse   *topk.TopKSketch
}

// New builds a Handler. An empty admins list means every command is
// refused (spec.md §4.4 "Empty allow-list means all moderator commands
// are rejected"). audit, metrics and abuse may be nil; abuse, when set,
// flags senders who repeatedly issue unauthorized commands (spec.md §4.4
// is silent on rate-limiting unauthorized senders); this handler is the
// only user of the topk sketch.
func New(core Core, chains []identity.Chain, admins []string, audit Audit, metrics Metrics, abuse *topk.TopKSketch) *Handler {
	set := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		set[a] = struct{}{}
	}
	return &Handler{core: core, chains: chains, admins: set, audit: audit, metrics: metrics, abuse: abuse}
}

var fieldNames = map[string]identity.FieldKind{
	"legalname":   identity.FieldLegalName,
	"displayname": identity.FieldDisplayName,
	"email":       identity.FieldEmail,
	"web":         identity.FieldWeb,
	"twitter":     identity.FieldTwitter,
	"matrix":      identity.FieldMatrix,
}

const helpText = `Recognized commands:
  status <address>            - verbose state dump for the identity
  verify <address> <field>... - mark the named fields (legalname, displayname, email, web, twitter, matrix, all) as manually verified
  help                        - this message`

// Handle authorizes senderID (e.g. a Matrix MXID) against the admin
// allow-list and dispatches text as one command, returning the reply to
// send back to the originating room or DM.
func (h *Handler) Handle(ctx context.Context, senderID string, text string) string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return helpText
	}
	verb := strings.ToLower(tokens[0])

	if verb == "help" {
		return helpText
	}

	if _, ok := h.admins[senderID]; !ok {
		h.record(senderID, "unauthorized_command", "", "", text)
		h.countCommand(verb, "unauthorized")
		h.flagIfAbusive(senderID)
		return "not authorized: this command requires admin access"
	}

	switch verb {
	case "status":
		reply := h.handleStatus(ctx, tokens[1:])
		h.countCommand(verb, "ok")
		return reply
	case "verify":
		reply := h.handleVerify(ctx, senderID, tokens[1:])
		h.countCommand(verb, "ok")
		return reply
	default:
		h.countCommand(verb, "unrecognized")
		return fmt.Sprintf("unrecognized command %q; send \"help\" for the list of commands", tokens[0])
	}
}

func (h *Handler) countCommand(verb, outcome string) {
	if h.metrics != nil {
		h.metrics.CommandHandled(verb, outcome)
	}
}

// flagIfAbusive ticks the sender into the abuse sketch and records any
// sender the window now considers a repeat offender.
func (h *Handler) flagIfAbusive(senderID string) {
	if h.abuse == nil {
		return
	}
	for _, blocked := range h.abuse.ProcessTick(senderID) {
		h.record(blocked, "abuse_detected", "", "", "repeated unauthorized commands")
	}
}

func (h *Handler) handleStatus(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "usage: status <address>"
	}
	address := args[0]
	snap, chain, err := h.findIdentity(ctx, address)
	if err != nil {
		return fmt.Sprintf("no identity found for %s", address)
	}
	return formatSnapshot(chain, snap)
}

func (h *Handler) handleVerify(ctx context.Context, senderID string, args []string) string {
	if len(args) < 2 {
		return "usage: verify <address> <field>... (fields: legalname, displayname, email, web, twitter, matrix, all)"
	}
	address := args[0]
	kindTokens := args[1:]

	var kinds []identity.FieldKind
	all := false
	for _, tok := range kindTokens {
		lower := strings.ToLower(tok)
		if lower == "all" {
			all = true
			continue
		}
		kind, ok := fieldNames[lower]
		if !ok {
			return fmt.Sprintf("unrecognized field %q", tok)
		}
		kinds = append(kinds, kind)
	}

	_, chain, err := h.findIdentity(ctx, address)
	if err != nil {
		return fmt.Sprintf("no identity found for %s", address)
	}

	snap, err := h.core.Verify(ctx, verifier.ManualVerify{
		Chain: chain, Address: address, Kinds: kinds, All: all,
	})
	if err != nil {
		h.record(senderID, "verify_failed", string(chain), address, err.Error())
		return fmt.Sprintf("verify failed: %s", describeError(err))
	}
	h.record(senderID, "verify", string(chain), address, strings.Join(kindTokens, " "))
	return formatSnapshot(chain, snap)
}

func (h *Handler) record(actor, action, chain, address, detail string) {
	if h.audit == nil {
		return
	}
	h.audit.Record(logsink.Entry{Actor: actor, Action: action, Chain: chain, Address: address, Detail: detail})
}

// findIdentity tries every configured chain in order and returns the
// first match.
func (h *Handler) findIdentity(ctx context.Context, address string) (verifier.Snapshot, identity.Chain, error) {
	for _, chain := range h.chains {
		snap, err := h.core.Status(ctx, chain, address)
		if err == nil {
			return snap, chain, nil
		}
		if !errors.Is(err, identity.ErrNotFound) {
			return verifier.Snapshot{}, "", err
		}
	}
	return verifier.Snapshot{}, "", identity.ErrNotFound
}

func describeError(err error) string {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func formatSnapshot(chain identity.Chain, snap verifier.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s / %s — fully_verified=%t judgement_submitted=%t revision=%d\n",
		chain, snap.Address, snap.IsFullyVerified, snap.JudgementSubmitted, snap.Revision)

	fields := make([]verifier.FieldSnapshot, len(snap.Fields))
	copy(fields, snap.Fields)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Kind < fields[j].Kind })

	for _, f := range fields {
		fmt.Fprintf(&b, "  %-12s = %-20q state=%-18s attempts=%d\n", f.Kind, f.Value, f.State, f.FailedAttempts)
	}
	return b.String()
}
