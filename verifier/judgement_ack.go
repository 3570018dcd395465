package verifier

import (
	"context"

	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
)

// Ack applies a JudgementAck command (spec.md §4.6): C8 calls this once
// the watcher round-trip for a submitted judgement resolves, success or
// rejection.
func (c *Core) Ack(ctx context.Context, cmd JudgementAck) error {
	return c.enqueue(ctx, func() {
		c.handleJudgementAck(cmd)
	})
}

func (c *Core) handleJudgementAck(cmd JudgementAck) {
	key := identity.Key{Chain: cmd.Chain, Address: cmd.Address}
	id, ok := c.identities[key]
	if !ok {
		// Already fully verified and out of the in-memory view; load it
		// from the store so a late ack can still be recorded.
		stored, err := c.store.Get(key)
		if err != nil {
			return
		}
		id = stored
	}
	if id.Revision != cmd.Revision {
		c.logger.Info("verifier: ignoring stale judgement ack",
			"address", key.Address, "acked_revision", cmd.Revision, "current_revision", id.Revision)
		return
	}

	id.JudgementSubmitted = cmd.Submitted
	if err := c.store.Put(id, nil); err != nil {
		c.logger.Error("verifier: persist judgement ack failed", "err", err, "address", key.Address)
		return
	}
	if _, inMemory := c.identities[key]; inMemory {
		c.identities[key] = id
	}

	if cmd.Submitted {
		c.publish(eventlog.Notification{
			Chain: key.Chain, Address: key.Address, Kind: eventlog.JudgementProvided,
			Message: "judgement submitted and acknowledged by watcher",
		})
	}
}
