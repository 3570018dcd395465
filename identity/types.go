// Package identity implements the core data model of spec.md §3: chains,
// identities, fields and challenges, plus the Store interface (C1) that
// the verification core (package verifier) is the sole writer of.
package identity

import "time"

// FieldKind is one of the closed set of credential kinds (spec.md §3).
type FieldKind string

const (
	FieldLegalName   FieldKind = "legal_name"
	FieldDisplayName FieldKind = "display_name"
	FieldEmail       FieldKind = "email"
	FieldWeb         FieldKind = "web"
	FieldTwitter     FieldKind = "twitter"
	FieldMatrix      FieldKind = "matrix"
)

// ValidFieldKind reports whether k is one of the closed set of kinds.
func ValidFieldKind(k FieldKind) bool {
	switch k {
	case FieldLegalName, FieldDisplayName, FieldEmail, FieldWeb, FieldTwitter, FieldMatrix:
		return true
	}
	return false
}

// ChallengeType selects which of the four challenge variants a Field's
// challenge is (spec.md §3).
type ChallengeType string

const (
	ChallengeExpectedMessage           ChallengeType = "expected_message"
	ChallengeExpectedMessageWithSecond ChallengeType = "expected_message_with_second"
	ChallengeDisplayNameCheck          ChallengeType = "display_name_check"
	ChallengeUnsupported               ChallengeType = "unsupported"
)

// DefaultChallengeType returns the challenge variant a field kind is
// verified with, per spec.md §3 and §4.1.
func DefaultChallengeType(kind FieldKind) ChallengeType {
	switch kind {
	case FieldEmail:
		return ChallengeExpectedMessageWithSecond
	case FieldTwitter, FieldMatrix:
		return ChallengeExpectedMessage
	case FieldDisplayName:
		return ChallengeDisplayNameCheck
	default: // legal_name, web
		return ChallengeUnsupported
	}
}

// Challenge is the data handed to a user (or computed in the background)
// to prove control of a Field, or to mark a field as requiring a
// moderator (spec.md glossary, §3).
type Challenge struct {
	Type ChallengeType

	// Token is the primary token for expected_message[_with_second]
	// challenges: >=128 bits of entropy, base58-encoded (spec.md §3).
	Token string

	// SecondToken is the out-of-band token for
	// expected_message_with_second, sent from the server to the user once
	// the first token has been matched (spec.md §3, §4.1).
	SecondToken string
}

// FieldState is the per-field verification sub-state machine (spec.md §4.1).
type FieldState string

const (
	StatePending          FieldState = "pending"
	StateFirstVerified    FieldState = "first_verified"
	StateAwaitingSecond   FieldState = "awaiting_second"
	StateVerified         FieldState = "verified"
	StateManuallyVerified FieldState = "manually_verified"
	StateUnsupported      FieldState = "unsupported"
)

// Field is one named credential belonging to exactly one Identity
// (spec.md §3).
type Field struct {
	Kind           FieldKind
	Value          string
	Challenge      Challenge
	State          FieldState
	FailedAttempts int
	VerifiedAt     *time.Time
}

// IsTerminallyVerified reports whether the field counts toward
// is_fully_verified (invariant 4: verified OR manually verified).
func (f *Field) IsTerminallyVerified() bool {
	return f.State == StateVerified || f.State == StateManuallyVerified
}

// Chain is a symbolic network label, bounded and enumerated at startup
// from configuration (spec.md §3).
type Chain string

// Key uniquely identifies an Identity by (chain, address) (spec.md §3
// invariant 1).
type Key struct {
	Chain   Chain
	Address string
}

// Identity is unique per (chain, address) (spec.md §3).
type Identity struct {
	Chain Chain
	// Address is the on-chain account address.
	Address string
	// IdentityHex is the opaque identity-info hash/checksum the watcher
	// supplied in the announcement; forwarded back verbatim in the
	// judgement (spec.md §4.6, §6).
	IdentityHex string

	Fields map[FieldKind]*Field

	IsFullyVerified    bool
	JudgementSubmitted bool
	// Revision increases monotonically on every mutation (spec.md §3);
	// used to dedup judgement submissions (spec.md §4.6, §9 open question a).
	Revision int64

	InsertedAt  time.Time
	CompletedAt *time.Time
}

// Key returns the Identity's (chain, address) key.
func (id *Identity) Key() Key {
	return Key{Chain: id.Chain, Address: id.Address}
}

// FieldList returns the Identity's fields in a stable, kind-sorted order,
// useful for building deterministic session snapshots.
func (id *Identity) FieldList() []*Field {
	order := []FieldKind{FieldLegalName, FieldDisplayName, FieldEmail, FieldWeb, FieldTwitter, FieldMatrix}
	out := make([]*Field, 0, len(id.Fields))
	for _, k := range order {
		if f, ok := id.Fields[k]; ok {
			out = append(out, f)
		}
	}
	return out
}

// RecomputeFullyVerified applies invariant 4: is_fully_verified iff every
// field's sub-state is verified or manually verified.
func (id *Identity) RecomputeFullyVerified() bool {
	for _, f := range id.Fields {
		if !f.IsTerminallyVerified() {
			id.IsFullyVerified = false
			return false
		}
	}
	id.IsFullyVerified = true
	return true
}
