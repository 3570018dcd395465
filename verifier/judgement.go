package verifier

import (
	"time"

	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
)

// persistAndMaybeComplete recomputes is_fully_verified (invariant 4),
// stamps completed_at on a false->true transition, persists the identity
// as a single unit, and — only once persistence has succeeded — runs the
// completion side effects (C2 index insert, notification, C8 handoff),
// satisfying spec.md §8's "persisted before emission" property.
func (c *Core) persistAndMaybeComplete(id *identity.Identity, wasFullyVerified bool) error {
	return c.persistWithDedupAndMaybeComplete(id, wasFullyVerified, nil)
}

// persistWithDedupAndMaybeComplete is persistAndMaybeComplete's variant
// for the IncomingMessage path, where the (adapter, msg_id) dedup marker
// must land in the same atomic write as the state change it caused
// (spec.md §4.1 step 1).
func (c *Core) persistWithDedupAndMaybeComplete(id *identity.Identity, wasFullyVerified bool, dedupKey *identity.DedupKey) error {
	nowComplete := id.RecomputeFullyVerified()
	if nowComplete && !wasFullyVerified {
		now := time.Now()
		id.CompletedAt = &now
	}

	if err := c.store.Put(id, dedupKey); err != nil {
		return err
	}

	if nowComplete && !wasFullyVerified {
		c.onCompletion(id)
	}
	return nil
}

// onCompletion runs once, the moment an identity transitions to fully
// verified (spec.md §4.1 step 4, §4.6).
func (c *Core) onCompletion(id *identity.Identity) {
	if f, ok := id.Fields[identity.FieldDisplayName]; ok && f.IsTerminallyVerified() {
		c.names.Insert(id.Chain, f.Value, id.Key())
	}

	c.recordMetric(func(m Metrics) { m.IdentityCompleted(id.Chain) })
	c.publish(eventlog.Notification{
		Chain: id.Chain, Address: id.Address, Kind: eventlog.IdentityFullyVerified,
		Message: "identity fully verified",
	})

	if c.judgements != nil {
		c.judgements.Submit(id.Chain, id.Address, id.IdentityHex, id.Revision)
	}
}
