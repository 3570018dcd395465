// Package verifier implements C4: the single-writer verification core.
// Every mutating command is serialized onto one internal channel and
// processed by a single goroutine (Run), so the in-memory Identity view
// never needs per-identity locking; persistence to C1/C3 happens inside
// that same goroutine before any notification is published, satisfying
// spec.md §8's "persisted before emission" property. The Start/Stop(ctx)
// lifecycle mirrors the teacher's daemon shape (queue/scheduler/scheduler.go:
// context+cancel+shutdownDone channel).
package verifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/w3f/challenger/apperror"
	"github.com/w3f/challenger/displayname"
	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
)

// JudgementSink receives identities the moment they become fully
// verified, for C8 to forward to the watcher (spec.md §4.6).
type JudgementSink interface {
	Submit(chain identity.Chain, address string, identityHex string, revision int64)
}

// Metrics records domain events for operational visibility. Optional: a
// nil Metrics leaves the core fully functional, just unobserved.
type Metrics interface {
	AnnounceRecorded(chain identity.Chain)
	FieldVerified(chain identity.Chain, kind identity.FieldKind)
	IdentityCompleted(chain identity.Chain)
	AdapterMessageDelivered(adapter identity.FieldKind)
}

// Config holds the verifier's tunables (spec.md §6 "display_name.limit").
type Config struct {
	DisplayNameThreshold float64
	// MaxFailedAttempts is the configured bound past which failures are
	// still recorded but never locked out (spec.md §4.1 step 3, open
	// question (b)).
	MaxFailedAttempts int
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{DisplayNameThreshold: displayname.DefaultThreshold, MaxFailedAttempts: 3}
}

type subscriber struct {
	key identity.Key
	ch  chan eventlog.Notification
}

// Core is C4. It owns the in-memory view of every Identity announced since
// startup plus the incomplete ones Load read back from the store; fully
// verified identities are not reloaded after a restart (spec.md §4.1
// "Contract").
type Core struct {
	store identity.Store
	log   eventlog.Log
	names *displayname.Index
	cfg   Config
	judgements JudgementSink
	metrics    Metrics
	logger     *slog.Logger

	identities map[identity.Key]*identity.Identity
	subs       map[identity.Key]map[*subscriber]struct{}

	cmdCh        chan func()
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownDone chan struct{}
}

// New builds a Core. Call Load before Start to rebuild the in-memory view
// from persistence (spec.md §4.1 "Persistence boundary").
func New(store identity.Store, log eventlog.Log, names *displayname.Index, cfg Config, judgements JudgementSink, metrics Metrics, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Core{
		store:        store,
		log:          log,
		names:        names,
		cfg:          cfg,
		judgements:   judgements,
		metrics:      metrics,
		logger:       logger,
		identities:   make(map[identity.Key]*identity.Identity),
		subs:         make(map[identity.Key]map[*subscriber]struct{}),
		cmdCh:        make(chan func(), 64),
		ctx:          ctx,
		cancel:       cancel,
		shutdownDone: make(chan struct{}),
	}
}

func (c *Core) recordMetric(fn func(Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}

// Load rebuilds the in-memory view of every incomplete identity on chain
// from the store, and seeds the display-name index from every verified
// identity (spec.md §4.1 "Persistence boundary", §4.2 "Index maintenance").
// It must be called before Start, from the owning goroutine, before any
// concurrent access begins.
func (c *Core) Load(chain identity.Chain) error {
	ids, err := c.store.ListByChain(chain)
	if err != nil {
		return fmt.Errorf("verifier: load chain %s: %w", chain, err)
	}
	for _, id := range ids {
		if !id.IsFullyVerified {
			c.identities[id.Key()] = id
		}
	}

	names, err := c.store.VerifiedDisplayNames(chain)
	if err != nil {
		return fmt.Errorf("verifier: load display names %s: %w", chain, err)
	}
	c.names.Load(chain, names)
	return nil
}

// Start begins processing commands. It returns immediately; use Stop to
// shut down gracefully.
func (c *Core) Start() {
	go func() {
		c.logger.Info("verifier core starting")
		for {
			select {
			case <-c.ctx.Done():
				close(c.shutdownDone)
				return
			case fn := <-c.cmdCh:
				fn()
			}
		}
	}()
}

// Stop signals the core to stop accepting new work and waits for the
// processing goroutine to exit, or ctx to expire. Commands still queued
// when the goroutine exits are not run.
func (c *Core) Stop(ctx context.Context) error {
	c.cancel()
	select {
	case <-c.shutdownDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue runs fn on the core's single processing goroutine and blocks
// until it has run, or ctx is done first.
func (c *Core) enqueue(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case c.cmdCh <- wrapped:
	case <-c.ctx.Done():
		return apperror.New(apperror.Internal, "verifier core is stopped", nil)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Core) publish(n eventlog.Notification) eventlog.Notification {
	stored, err := c.log.Append(n)
	if err != nil {
		c.logger.Error("verifier: append notification failed", "err", err, "kind", n.Kind, "address", n.Address)
		return n
	}
	key := identity.Key{Chain: stored.Chain, Address: stored.Address}
	for sub := range c.subs[key] {
		select {
		case sub.ch <- stored:
		default:
			c.logger.Warn("verifier: subscriber channel full, dropping notification", "address", key.Address)
		}
	}
	return stored
}

func snapshotOf(id *identity.Identity) Snapshot {
	fields := id.FieldList()
	out := Snapshot{
		Chain:              id.Chain,
		Address:            id.Address,
		IsFullyVerified:    id.IsFullyVerified,
		JudgementSubmitted: id.JudgementSubmitted,
		Revision:           id.Revision,
		Fields:             make([]FieldSnapshot, 0, len(fields)),
	}
	for _, f := range fields {
		out.Fields = append(out.Fields, FieldSnapshot{
			Kind:           f.Kind,
			Value:          f.Value,
			State:          f.State,
			ChallengeType:  f.Challenge.Type,
			Token:          f.Challenge.Token,
			FailedAttempts: f.FailedAttempts,
		})
	}
	return out
}
