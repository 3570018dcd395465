package verifier

import (
	"context"
	"strings"
	"time"

	"github.com/w3f/challenger/crypto"
	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
)

// SecondChallengeSender delivers the out-of-band second token to a user,
// e.g. by replying to the email that carried the first token (spec.md
// §4.1 "expected_message_with_second").
type SecondChallengeSender interface {
	SendSecondChallenge(ctx context.Context, kind identity.FieldKind, to string, token string) error
}

// Deliver handles an IncomingMessage command: the message-matching
// algorithm of spec.md §4.1.
func (c *Core) Deliver(ctx context.Context, cmd IncomingMessage, sender SecondChallengeSender) error {
	return c.enqueue(ctx, func() {
		c.handleIncomingMessage(ctx, cmd, sender)
	})
}

func (c *Core) handleIncomingMessage(ctx context.Context, cmd IncomingMessage, sender SecondChallengeSender) {
	c.recordMetric(func(m Metrics) { m.AdapterMessageDelivered(cmd.Adapter) })
	adapterName := "adapter:" + string(cmd.Adapter)
	processed, err := c.store.WasProcessed(adapterName, cmd.MsgID)
	if err != nil {
		c.logger.Error("verifier: dedup check failed", "err", err, "adapter", cmd.Adapter, "msg_id", cmd.MsgID)
		return
	}
	if processed {
		return
	}

	dedupKey := &identity.DedupKey{Adapter: adapterName, MsgID: cmd.MsgID}
	var matched bool
	for key, id := range c.identities {
		f, ok := id.Fields[cmd.Adapter]
		if !ok || f.Value != cmd.From || f.State != identity.StatePending {
			continue
		}

		wasFullyVerified := id.IsFullyVerified
		var notification eventlog.Notification
		if strings.Contains(cmd.Content, f.Challenge.Token) {
			matched = true
			notification = c.applyFirstTokenMatch(ctx, id, key, f, sender)
		} else {
			f.FailedAttempts++
			if f.FailedAttempts > c.cfg.MaxFailedAttempts {
				// No hard lockout (spec.md §4.1 step 3, open question (b)):
				// escalation is left to a moderator's ManualVerify.
				c.logger.Warn("verifier: field exceeded failed-attempts bound",
					"address", key.Address, "kind", f.Kind, "failed_attempts", f.FailedAttempts)
			}
			notification = eventlog.Notification{
				Chain: key.Chain, Address: key.Address, Kind: eventlog.FieldVerificationFailed,
				FieldKind: f.Kind, Message: "challenge token not found in message",
			}
		}

		id.Revision++
		// The (adapter, msg_id) dedup marker is recorded exactly once,
		// atomically with the first identity write this message causes
		// (spec.md §4.1 step 1); ties against multiple identities (same
		// `from` value claimed twice) persist normally thereafter.
		err := c.persistWithDedupAndMaybeComplete(id, wasFullyVerified, dedupKey)
		dedupKey = nil
		if err != nil {
			c.logger.Error("verifier: persist after incoming message failed", "err", err, "address", key.Address)
			continue
		}
		// The notification is only published once the state change it
		// describes is durable (spec.md §4.1 "Persistence boundary").
		c.publish(notification)
	}

	if !matched {
		c.logger.Info("verifier: incoming message matched no pending field, discarding",
			"adapter", cmd.Adapter, "from", cmd.From, "msg_id", cmd.MsgID)
	}

	if err := c.store.SetAdapterCursor(adapterName, cmd.MsgID); err != nil {
		c.logger.Error("verifier: set adapter cursor failed", "err", err)
	}
}

// applyFirstTokenMatch advances f past its first-token challenge
// (spec.md §4.1 step 3) and returns the notification to publish once the
// caller has persisted the resulting state (spec.md §4.1 "Persistence
// boundary").
func (c *Core) applyFirstTokenMatch(ctx context.Context, id *identity.Identity, key identity.Key, f *identity.Field, sender SecondChallengeSender) eventlog.Notification {
	if f.Challenge.Type == identity.ChallengeExpectedMessageWithSecond {
		f.State = identity.StateAwaitingSecond
		if f.Challenge.SecondToken == "" {
			if tok, err := crypto.GenerateChallengeToken(); err == nil {
				f.Challenge.SecondToken = tok
			} else {
				c.logger.Error("verifier: generate second token failed", "err", err, "address", key.Address)
			}
		}
		if sender != nil {
			if err := sender.SendSecondChallenge(ctx, f.Kind, f.Value, f.Challenge.SecondToken); err != nil {
				c.logger.Error("verifier: send second challenge failed", "err", err, "address", key.Address)
			}
		}
		return eventlog.Notification{
			Chain: key.Chain, Address: key.Address, Kind: eventlog.AwaitingSecondChallenge,
			FieldKind: f.Kind, Message: "first token matched, awaiting second challenge",
		}
	}

	f.State = identity.StateVerified
	now := time.Now()
	f.VerifiedAt = &now
	c.recordMetric(func(m Metrics) { m.FieldVerified(key.Chain, f.Kind) })
	return eventlog.Notification{
		Chain: key.Chain, Address: key.Address, Kind: eventlog.FieldVerified,
		FieldKind: f.Kind, Message: "field verified",
	}
}

// SubmitSecondChallenge handles a SecondChallengeSubmission command
// (spec.md §4.1, §4.5).
func (c *Core) SubmitSecondChallenge(ctx context.Context, cmd SecondChallengeSubmission) error {
	return c.enqueue(ctx, func() {
		c.handleSecondChallenge(cmd)
	})
}

func (c *Core) handleSecondChallenge(cmd SecondChallengeSubmission) {
	key := identity.Key{Chain: cmd.Chain, Address: cmd.Address}
	id, ok := c.identities[key]
	if !ok {
		return
	}
	f, ok := id.Fields[cmd.FieldKind]
	if !ok || f.Value != cmd.FieldValue || f.State != identity.StateAwaitingSecond {
		return
	}
	if f.Challenge.SecondToken == "" || cmd.Token != f.Challenge.SecondToken {
		c.publish(eventlog.Notification{
			Chain: key.Chain, Address: key.Address, Kind: eventlog.SecondFieldVerificationFailed,
			FieldKind: f.Kind, Message: "second challenge token mismatch",
		})
		return
	}

	wasFullyVerified := id.IsFullyVerified
	f.State = identity.StateVerified
	now := time.Now()
	f.VerifiedAt = &now
	id.Revision++
	c.recordMetric(func(m Metrics) { m.FieldVerified(key.Chain, f.Kind) })

	if err := c.persistAndMaybeComplete(id, wasFullyVerified); err != nil {
		c.logger.Error("verifier: persist after second challenge failed", "err", err, "address", key.Address)
		return
	}
	c.publish(eventlog.Notification{
		Chain: key.Chain, Address: key.Address, Kind: eventlog.SecondFieldVerified,
		FieldKind: f.Kind, Message: "second challenge verified",
	})
}
