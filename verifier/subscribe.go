package verifier

import (
	"context"

	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
)

// Subscription is a live handle returned by Subscribe: Notifications
// streams every subsequent event for the subscribed identity until
// Close is called (spec.md §4.5 "WebSocket subscription").
type Subscription struct {
	core *Core
	key  identity.Key
	sub  *subscriber
}

// Notifications returns the channel notifications for this identity are
// delivered on.
func (s *Subscription) Notifications() <-chan eventlog.Notification {
	return s.sub.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.core.unsubscribe(s.key, s.sub)
}

// Subscribe handles C4's Subscribe command: register a live subscriber
// and immediately reply with a snapshot (spec.md §4.1, §4.5).
func (c *Core) Subscribe(ctx context.Context, chain identity.Chain, address string) (Snapshot, *Subscription, error) {
	var snap Snapshot
	var sub *Subscription
	var err error
	runErr := c.enqueue(ctx, func() {
		snap, sub, err = c.handleSubscribe(chain, address)
	})
	if runErr != nil {
		return Snapshot{}, nil, runErr
	}
	return snap, sub, err
}

func (c *Core) handleSubscribe(chain identity.Chain, address string) (Snapshot, *Subscription, error) {
	key := identity.Key{Chain: chain, Address: address}
	id, ok := c.identities[key]
	if !ok {
		return Snapshot{}, nil, identity.ErrNotFound
	}

	s := &subscriber{key: key, ch: make(chan eventlog.Notification, 16)}
	if c.subs[key] == nil {
		c.subs[key] = make(map[*subscriber]struct{})
	}
	c.subs[key][s] = struct{}{}

	snap := snapshotOf(id)
	history, err := c.log.Since(chain, address, 0)
	if err != nil {
		c.logger.Error("verifier: load notification history failed", "err", err, "address", address)
	} else {
		snap.Notifications = history
	}

	return snap, &Subscription{core: c, key: key, sub: s}, nil
}

func (c *Core) unsubscribe(key identity.Key, s *subscriber) {
	_ = c.enqueue(context.Background(), func() {
		if set, ok := c.subs[key]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(c.subs, key)
			}
		}
		close(s.ch)
	})
}

// Status handles C6's StatusQuery command: a read-only state snapshot
// (spec.md §4.1).
func (c *Core) Status(ctx context.Context, chain identity.Chain, address string) (Snapshot, error) {
	var snap Snapshot
	var err error
	runErr := c.enqueue(ctx, func() {
		id, ok := c.identities[identity.Key{Chain: chain, Address: address}]
		if !ok {
			err = identity.ErrNotFound
			return
		}
		snap = snapshotOf(id)
	})
	if runErr != nil {
		return Snapshot{}, runErr
	}
	return snap, err
}
