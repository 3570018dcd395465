package verifier

import (
	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
)

// AnnouncedField is one field as reported by the watcher (spec.md §4.1
// "WatcherAnnounce").
type AnnouncedField struct {
	Kind  identity.FieldKind
	Value string
}

// Announce is C4's WatcherAnnounce command.
type Announce struct {
	Chain       identity.Chain
	Address     string
	IdentityHex string
	Fields      []AnnouncedField
}

// Retract is C4's WatcherRetract command.
type Retract struct {
	Chain   identity.Chain
	Address string
}

// IncomingMessage is C4's IncomingMessage command, produced by an email,
// Twitter or Matrix adapter (spec.md §4.1, §4.3).
type IncomingMessage struct {
	// Adapter names the field kind the message arrived over: "email",
	// "twitter" or "matrix".
	Adapter identity.FieldKind
	From    string
	Content string
	MsgID   string
}

// SecondChallengeSubmission is C4's command for the out-of-band second
// token of an `expected_message_with_second` challenge (spec.md §4.1,
// §4.5).
type SecondChallengeSubmission struct {
	Chain      identity.Chain
	Address    string
	FieldKind  identity.FieldKind
	FieldValue string
	Token      string
}

// ManualVerify is C4's ManualVerify command, issued by a moderator
// (spec.md §4.1, §4.4).
type ManualVerify struct {
	Chain   identity.Chain
	Address string
	// Kinds lists the field kinds to mark verified. All, set by callers
	// that matched "all" case-insensitively, marks every field of the
	// identity verified regardless of Kinds.
	Kinds []identity.FieldKind
	All   bool
}

// JudgementAck is C4's command reporting the outcome of an outbound
// judgement round-trip (spec.md §4.6): Submitted true marks
// judgement_submitted once the watcher has acked; false clears it after the
// emitter gave up on the submission, and the core does not resubmit it on
// its own. Revision guards against acking a stale attempt: if the
// identity has moved on (new announce bumped Revision) since the
// judgement was sent, the ack is ignored.
type JudgementAck struct {
	Chain    identity.Chain
	Address  string
	Revision int64
	Submitted bool
}

// Snapshot is the externally visible, immutable view of one Identity,
// returned by StatusQuery and Subscribe (spec.md §4.1, §4.5).
type Snapshot struct {
	Chain              identity.Chain
	Address            string
	IsFullyVerified    bool
	JudgementSubmitted bool
	Revision           int64
	Fields             []FieldSnapshot

	// Notifications is this identity's event history, populated only by
	// Subscribe for the WebSocket snapshot frame's "notifications" sibling
	// key (spec.md §4.5); StatusQuery leaves it nil.
	Notifications []eventlog.Notification
}

// FieldSnapshot is one field's externally visible state. Challenge tokens
// are included since the client needs the token to act on; secrets beyond
// the token (none exist here) would not be.
type FieldSnapshot struct {
	Kind           identity.FieldKind
	Value          string
	State          identity.FieldState
	ChallengeType  identity.ChallengeType
	Token          string
	FailedAttempts int
}
