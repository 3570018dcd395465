package identity

import "errors"

// Sentinel errors returned by Store implementations, in the teacher's
// db.ErrConstraintUnique / db.ErrMissingFields style (db/types.go,
// db/crawshaw/jobqueue.go) so callers can branch with errors.Is.
var (
	// ErrNotFound is returned when no Identity exists for a given Key.
	ErrNotFound = errors.New("identity: not found")
	// ErrAlreadyProcessed is returned by Put when the dedup key's
	// (adapter, msg_id) pair has already been recorded (spec.md §4.1 step 1,
	// §8 exactly-once property).
	ErrAlreadyProcessed = errors.New("identity: adapter message already processed")
)

// Store is C1: the persistent store of identities, fields and challenges,
// keyed by (chain, address). The verification core (package verifier) is
// its sole writer (spec.md §3 "Ownership"); every other component only
// reads.
//
// Implementations MUST make Put (and the adapter-counter writes below)
// atomic with respect to a single call: the whole Identity document is
// written as one unit, together with the (adapter, msg_id) dedup marker
// when one is supplied, so that persistence and idempotence are
// inseparable (spec.md §4.1 step 1, §8).
type Store interface {
	// Get returns the current Identity for key, or ErrNotFound.
	Get(key Key) (*Identity, error)

	// Put persists id as a single atomic unit. If dedupKey is non-nil, the
	// (adapter, msg_id) pair it names is recorded in the same atomic write
	// (spec.md §4.1 step 1). Put must fail with ErrAlreadyProcessed (and
	// perform no other writes) if dedupKey is already recorded.
	Put(id *Identity, dedupKey *DedupKey) error

	// Delete removes the Identity for key (watcher retraction, or
	// replacement of a completed identity, spec.md §3 invariant 1).
	Delete(key Key) error

	// ListByChain returns every currently-stored Identity for chain, used
	// at startup to rebuild the in-memory view (spec.md §4.1 "Persistence
	// boundary").
	ListByChain(chain Chain) ([]*Identity, error)

	// ListAll returns every currently-stored Identity across all chains.
	ListAll() ([]*Identity, error)

	// WasProcessed reports whether (adapter, msgID) has already been
	// recorded, without mutating anything. Used for fast dedup checks
	// ahead of the full matching algorithm (spec.md §4.1 step 1).
	WasProcessed(adapter, msgID string) (bool, error)

	// VerifiedDisplayNames returns the set of display names belonging to
	// fully-verified identities on chain, for C2 index rebuild at startup
	// (spec.md §4.2 "Index maintenance").
	VerifiedDisplayNames(chain Chain) (map[string]Key, error)

	// AdapterCursor returns the last persisted msg_id processed for
	// adapter, or "" if none, so an adapter can resume from the last
	// persisted point after a reconnect (spec.md §4.3).
	AdapterCursor(adapter string) (string, error)

	// SetAdapterCursor persists the last-seen msg_id for adapter.
	SetAdapterCursor(adapter, msgID string) error
}

// DedupKey names the (adapter, msg_id) pair used for exactly-once effect
// application under at-least-once adapter delivery (spec.md §4.1, §4.3).
type DedupKey struct {
	Adapter string
	MsgID   string
}
