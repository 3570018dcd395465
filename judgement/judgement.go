// Package judgement implements C8: it forwards completed identities to
// the watcher and records submission, retrying transient failures with a
// capped exponential backoff and deduping by revision (spec.md §4.6, §9
// open question (a)).
//
// Grounded on github.com/cenkalti/backoff/v4, already an indirect
// dependency of the teacher (pulled in via its scheduler retry path) and
// promoted here to direct use; the worker-queue shape follows the
// teacher's queue/executor/executor.go.
package judgement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/w3f/challenger/apperror"
	"github.com/w3f/challenger/identity"
	"github.com/w3f/challenger/logsink"
	"github.com/w3f/challenger/verifier"
)

// Audit records a judgement submission outcome to the durable audit
// trail. Optional.
type Audit interface {
	Record(e logsink.Entry)
}

// Metrics records judgement submission outcomes. Optional.
type Metrics interface {
	SubmissionRecorded(chain identity.Chain, result string)
}

// Ops escalates a submission that exhausted its retries. Optional.
type Ops interface {
	Escalate(ctx context.Context, kind apperror.Kind, source, message string, fields map[string]any)
}

// WatcherSink sends one judgement over the appropriate chain's watcher
// connection and blocks until it is acked or the round-trip times out
// (spec.md §6, implemented by adapter/watcher.Adapter).
type WatcherSink interface {
	SendJudgement(ctx context.Context, chain identity.Chain, address string, identityHex string) error
}

// Acker reports the outcome of a submission back to the verification core
// (implemented by *verifier.Core).
type Acker interface {
	Ack(ctx context.Context, cmd verifier.JudgementAck) error
}

type submission struct {
	chain       identity.Chain
	address     string
	identityHex string
	revision    int64
}

// Emitter is C8. It satisfies verifier.JudgementSink.
type Emitter struct {
	watchers map[identity.Chain]WatcherSink
	acker    Acker
	logger   *slog.Logger
	audit    Audit
	metrics  Metrics
	ops      Ops

	newBackoff func() backoff.BackOff

	queue chan submission

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Emitter. watchers maps each configured chain to its
// watcher connection. audit, metrics and ops may be nil.
func New(watchers map[identity.Chain]WatcherSink, acker Acker, audit Audit, metrics Metrics, ops Ops, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		watchers: watchers,
		acker:    acker,
		audit:    audit,
		metrics:  metrics,
		ops:      ops,
		logger:   logger,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 15 * time.Minute
			return b
		},
		queue: make(chan submission, 256),
	}
}

var _ verifier.JudgementSink = (*Emitter)(nil)

// Submit implements verifier.JudgementSink. It must not block the
// verification core's single goroutine (spec.md §4.1 "Suspension
// points"), so it only enqueues; the actual watcher round-trip happens on
// a worker goroutine.
func (e *Emitter) Submit(chain identity.Chain, address string, identityHex string, revision int64) {
	s := submission{chain: chain, address: address, identityHex: identityHex, revision: revision}
	select {
	case e.queue <- s:
	default:
		e.logger.Error("judgement: submission queue full, dropping", "chain", chain, "address", address)
	}
}

// Start begins the worker loop.
func (e *Emitter) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx)
}

// Stop signals the worker to exit and waits for it, or for ctx to expire.
// Submissions still queued when the worker exits are not processed.
func (e *Emitter) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-e.queue:
			e.process(ctx, s)
		}
	}
}

func (e *Emitter) process(ctx context.Context, s submission) {
	sink, ok := e.watchers[s.chain]
	if !ok {
		e.logger.Error("judgement: no watcher configured for chain", "chain", s.chain)
		return
	}

	op := func() error {
		return sink.SendJudgement(ctx, s.chain, s.address, s.identityHex)
	}
	err := backoff.Retry(op, backoff.WithContext(e.newBackoff(), ctx))

	ackCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ackErr := e.acker.Ack(ackCtx, verifier.JudgementAck{
		Chain: s.chain, Address: s.address, Revision: s.revision, Submitted: err == nil,
	})
	if ackErr != nil {
		e.logger.Error("judgement: failed to record ack", "err", ackErr, "address", s.address)
	}
	if err != nil {
		appErr := apperror.New(apperror.AdapterFatal, "judgement: watcher round-trip failed", err)
		e.logger.Error("judgement: giving up on submission after retries",
			"err", appErr, "chain", s.chain, "address", s.address, "revision", s.revision)
		if e.ops != nil {
			e.ops.Escalate(ctx, appErr.Kind, "judgement:"+string(s.chain), appErr.Error(),
				map[string]any{"address": s.address, "revision": s.revision})
		}
	}

	action, result, detail := "judgement_submitted", "ok", ""
	if err != nil {
		action, result, detail = "judgement_failed", "failed", err.Error()
	}
	if e.audit != nil {
		e.audit.Record(logsink.Entry{
			Actor: "watcher:" + string(s.chain), Action: action,
			Chain: string(s.chain), Address: s.address, Detail: detail,
		})
	}
	if e.metrics != nil {
		e.metrics.SubmissionRecorded(s.chain, result)
	}
}
