// Package adapter defines C5: the common shape every input-stream adapter
// (watcher, email, Twitter, Matrix) shares. Each concrete adapter is a
// long-lived task that normalizes its transport into verifier commands
// (spec.md §4.3); the daemon Start/Stop(ctx) lifecycle follows the
// teacher's queue/scheduler/scheduler.go shape.
package adapter

import (
	"context"

	"github.com/w3f/challenger/apperror"
	"github.com/w3f/challenger/verifier"
)

// Ops escalates an adapter failure an operator needs to see — an
// AdapterFatal that disabled the adapter, or a PersistenceConflict the
// caller could not retry away. Optional: an adapter with a nil Ops simply
// logs and carries on.
type Ops interface {
	Escalate(ctx context.Context, kind apperror.Kind, source, message string, fields map[string]any)
}

// Adapter is a long-lived ingress task owned by cmd/challenger's main
// wiring. Concrete adapters (watcher, email, twitter, matrix) each run
// their own goroutine and translate their transport's events into calls
// against a Core.
type Adapter interface {
	// Name identifies the adapter for logging and moderator/ops surfaces,
	// e.g. "email", "twitter", "matrix", "watcher:kusama".
	Name() string
	// Start begins the adapter's background work and returns once it is
	// running; errors encountered afterward are logged, not returned.
	Start() error
	// Stop signals the adapter to wind down and waits for it to finish, or
	// for ctx to expire.
	Stop(ctx context.Context) error
}

// Core is the subset of *verifier.Core that adapters depend on, kept
// narrow so adapters can be tested against a fake (spec.md §3's
// "Ownership" rule: adapters never mutate identity state directly, they
// submit commands to the single verification actor).
type Core interface {
	Announce(ctx context.Context, cmd verifier.Announce) (verifier.Snapshot, error)
	Retract(ctx context.Context, cmd verifier.Retract) error
	Deliver(ctx context.Context, cmd verifier.IncomingMessage, sender verifier.SecondChallengeSender) error
}

var _ Core = (*verifier.Core)(nil)
