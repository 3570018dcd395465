package verifier

import (
	"context"
	"time"

	"github.com/w3f/challenger/crypto"
	"github.com/w3f/challenger/displayname"
	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
)

// Announce handles a WatcherAnnounce command: reconcile the field set,
// generate challenges, persist, and return the resulting snapshot
// (spec.md §4.1 "Announce reconciliation").
func (c *Core) Announce(ctx context.Context, cmd Announce) (Snapshot, error) {
	var snap Snapshot
	var err error
	runErr := c.enqueue(ctx, func() {
		snap, err = c.handleAnnounce(cmd)
	})
	if runErr != nil {
		return Snapshot{}, runErr
	}
	return snap, err
}

func (c *Core) handleAnnounce(cmd Announce) (Snapshot, error) {
	c.recordMetric(func(m Metrics) { m.AnnounceRecorded(cmd.Chain) })
	key := identity.Key{Chain: cmd.Chain, Address: cmd.Address}
	existing, isNew := c.identities[key]

	wanted := make(map[identity.FieldKind]string, len(cmd.Fields))
	for _, f := range cmd.Fields {
		wanted[f.Kind] = f.Value
	}

	if existing == nil {
		existing = &identity.Identity{
			Chain:       cmd.Chain,
			Address:     cmd.Address,
			IdentityHex: cmd.IdentityHex,
			Fields:      make(map[identity.FieldKind]*identity.Field),
			InsertedAt:  time.Now(),
		}
		isNew = true
	} else {
		isNew = false
	}
	existing.IdentityHex = cmd.IdentityHex

	changed := isNew
	// Drop fields no longer announced (F \ F').
	for kind := range existing.Fields {
		if _, stillWanted := wanted[kind]; !stillWanted {
			delete(existing.Fields, kind)
			changed = true
		}
	}
	// Reconcile kept/new fields (F ∩ F', F' \ F).
	var dnViolations []displayNameOutcome
	for kind, value := range wanted {
		cur, had := existing.Fields[kind]
		if had && cur.Value == value {
			continue // same kind, same value: keep challenge + sub-state untouched.
		}
		nf, err := c.newField(kind, value)
		if err != nil {
			return Snapshot{}, err
		}
		existing.Fields[kind] = nf
		changed = true
		if kind == identity.FieldDisplayName {
			dnViolations = append(dnViolations, c.checkDisplayName(nf, key, value))
		}
	}

	if !changed {
		return snapshotOf(existing), nil
	}

	wasFullyVerified := existing.IsFullyVerified
	existing.Revision++
	c.identities[key] = existing

	if err := c.persistAndMaybeComplete(existing, wasFullyVerified); err != nil {
		return Snapshot{}, err
	}

	kind := eventlog.IdentityUpdated
	msg := "identity updated"
	if isNew {
		kind = eventlog.IdentityInserted
		msg = "identity inserted"
	}
	c.publish(eventlog.Notification{
		Chain: cmd.Chain, Address: cmd.Address, Kind: kind, Message: msg,
	})

	for _, o := range dnViolations {
		c.publishDisplayNameOutcome(cmd.Chain, cmd.Address, o)
	}

	return snapshotOf(existing), nil
}

// newField creates a fresh Field for kind/value with a newly generated
// challenge (spec.md §3 "Challenge").
func (c *Core) newField(kind identity.FieldKind, value string) (*identity.Field, error) {
	f := &identity.Field{Kind: kind, Value: value, State: identity.StatePending}
	f.Challenge.Type = identity.DefaultChallengeType(kind)

	switch f.Challenge.Type {
	case identity.ChallengeExpectedMessage, identity.ChallengeExpectedMessageWithSecond:
		tok, err := crypto.GenerateChallengeToken()
		if err != nil {
			return nil, err
		}
		f.Challenge.Token = tok
	case identity.ChallengeDisplayNameCheck:
		// No token: resolved synchronously in checkDisplayName below.
	case identity.ChallengeUnsupported:
		f.State = identity.StateUnsupported
	}

	return f, nil
}

// displayNameOutcome carries the result of one display-name field's
// similarity check, deferred until after the identity has been persisted
// so the emitted notification reflects durable state (spec.md §8
// "persisted before emission").
type displayNameOutcome struct {
	passed     bool
	violations []displayname.Violation
}

// checkDisplayName runs the similarity guard against the live C2 set,
// excluding self, and sets f's sub-state accordingly (spec.md §4.2).
func (c *Core) checkDisplayName(f *identity.Field, self identity.Key, value string) displayNameOutcome {
	violations := c.names.Check(self.Chain, value, self)
	if len(violations) == 0 {
		f.State = identity.StateVerified
		now := time.Now()
		f.VerifiedAt = &now
		return displayNameOutcome{passed: true}
	}
	f.State = identity.StatePending
	return displayNameOutcome{passed: false, violations: violations}
}

func (c *Core) publishDisplayNameOutcome(chain identity.Chain, address string, o displayNameOutcome) {
	if o.passed {
		c.publish(eventlog.Notification{
			Chain: chain, Address: address, Kind: eventlog.FieldVerified,
			FieldKind: identity.FieldDisplayName, Message: "display name passed similarity check",
		})
		return
	}
	c.publish(eventlog.Notification{
		Chain: chain, Address: address, Kind: eventlog.FieldVerificationFailed,
		FieldKind: identity.FieldDisplayName, Message: "display name failed similarity check",
		Detail: o.violations,
	})
}

// Retract handles a WatcherRetract command (spec.md §4.1).
func (c *Core) Retract(ctx context.Context, cmd Retract) error {
	return c.enqueue(ctx, func() {
		c.handleRetract(cmd)
	})
}

func (c *Core) handleRetract(cmd Retract) {
	key := identity.Key{Chain: cmd.Chain, Address: cmd.Address}
	id, ok := c.identities[key]
	if !ok {
		return
	}
	if f, ok := id.Fields[identity.FieldDisplayName]; ok && f.IsTerminallyVerified() {
		c.names.Remove(cmd.Chain, key)
	}
	delete(c.identities, key)
	if err := c.store.Delete(key); err != nil {
		c.logger.Error("verifier: delete on retract failed", "err", err, "address", cmd.Address)
	}
}
