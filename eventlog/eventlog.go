// Package eventlog implements C3: the append-only log of per-identity
// notifications that drives live client updates (C7) and moderator audit
// (C6). Every notification written here must have been persisted before
// it is emitted to a subscriber (spec.md §8 testable property).
package eventlog

import (
	"time"

	"github.com/w3f/challenger/identity"
)

// Kind enumerates the notification types of spec.md §4.1.
type Kind string

const (
	IdentityInserted             Kind = "identity_inserted"
	IdentityUpdated              Kind = "identity_updated"
	FieldVerified                Kind = "field_verified"
	FieldVerificationFailed      Kind = "field_verification_failed"
	SecondFieldVerified          Kind = "second_field_verified"
	SecondFieldVerificationFailed Kind = "second_field_verification_failed"
	AwaitingSecondChallenge      Kind = "awaiting_second_challenge"
	IdentityFullyVerified        Kind = "identity_fully_verified"
	JudgementProvided            Kind = "judgement_provided"
	ManuallyVerified             Kind = "manually_verified"
	FullManualVerification       Kind = "full_manual_verification"
)

// Notification is one append-only, persisted event about a single
// identity (spec.md §3 "Event Log").
type Notification struct {
	// Seq is assigned by the store on append and is monotonic per
	// identity, giving the "total per-identity event order" spec.md §5(b)
	// requires.
	Seq     int64
	Chain   identity.Chain
	Address string
	Kind    Kind
	At      time.Time

	// FieldKind is set for field-scoped notifications; empty otherwise.
	FieldKind identity.FieldKind
	// Message is a short human-readable summary, used for moderator
	// status dumps and the audit trail (SPEC_FULL.md §11.1).
	Message string
	// Detail carries kind-specific structured data (e.g. display-name
	// violation entries) for client consumption; may be nil.
	Detail any
}

// Log is the append-only persistence and read contract for notifications.
// The verification core (package verifier) is the sole appender; readers
// are the client session API (C7) and moderator handler (C6).
type Log interface {
	// Append persists n, assigning it a Seq, and returns the stored copy.
	// Implementations MUST make this durable before returning, since
	// emission to subscribers only happens after Append succeeds
	// (spec.md §8).
	Append(n Notification) (Notification, error)

	// Since returns all notifications for (chain, address) with Seq > after,
	// in ascending Seq order. Used to replay missed events and for
	// moderator status dumps.
	Since(chain identity.Chain, address string, after int64) ([]Notification, error)

	// Tail returns the most recent n notifications across all identities,
	// newest first; used for the moderator audit trail.
	Tail(n int) ([]Notification, error)
}
