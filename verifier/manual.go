package verifier

import (
	"context"
	"time"

	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
)

// Verify handles a ManualVerify command, issued by a moderator (spec.md
// §4.1, §4.4).
func (c *Core) Verify(ctx context.Context, cmd ManualVerify) (Snapshot, error) {
	var snap Snapshot
	var err error
	runErr := c.enqueue(ctx, func() {
		snap, err = c.handleManualVerify(cmd)
	})
	if runErr != nil {
		return Snapshot{}, runErr
	}
	return snap, err
}

func (c *Core) handleManualVerify(cmd ManualVerify) (Snapshot, error) {
	key := identity.Key{Chain: cmd.Chain, Address: cmd.Address}
	id, ok := c.identities[key]
	if !ok {
		return Snapshot{}, identity.ErrNotFound
	}

	wasFullyVerified := id.IsFullyVerified
	now := time.Now()

	kinds := cmd.Kinds
	if cmd.All {
		kinds = make([]identity.FieldKind, 0, len(id.Fields))
		for k := range id.Fields {
			kinds = append(kinds, k)
		}
	}

	changed := false
	var notifications []eventlog.Notification
	for _, kind := range kinds {
		f, ok := id.Fields[kind]
		if !ok || f.IsTerminallyVerified() {
			continue
		}
		f.State = identity.StateManuallyVerified
		f.VerifiedAt = &now
		changed = true
		c.recordMetric(func(m Metrics) { m.FieldVerified(key.Chain, kind) })
		notifications = append(notifications, eventlog.Notification{
			Chain: key.Chain, Address: key.Address, Kind: eventlog.ManuallyVerified,
			FieldKind: kind, Message: "field manually verified by moderator",
		})
	}

	if !changed {
		return snapshotOf(id), nil
	}

	id.Revision++
	if err := c.persistAndMaybeComplete(id, wasFullyVerified); err != nil {
		return Snapshot{}, err
	}

	// Notifications are only published once the state change they
	// describe is durable (spec.md §4.1 "Persistence boundary").
	for _, n := range notifications {
		c.publish(n)
	}
	if cmd.All {
		c.publish(eventlog.Notification{
			Chain: key.Chain, Address: key.Address, Kind: eventlog.FullManualVerification,
			Message: "identity fully verified by moderator",
		})
	}

	return snapshotOf(id), nil
}
