// Package logsink is the moderator-action/judgement-outcome audit trail:
// a batched writer adapted from the teacher's log.Daemon (channel-fed,
// ticker-flushed, drain-on-shutdown), plus an emoji-tagged console
// formatter adapted from the teacher's log.MessageFormatter, here used
// for the process's own startup/shutdown/daemon lifecycle lines rather
// than request logging.
package logsink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/w3f/challenger/config"
)

// Entry is one audit row: a moderator command, a judgement submission
// outcome, or any other action worth a durable trail independent of the
// identity row it affected.
type Entry struct {
	At      time.Time
	Actor   string // admin MXID, "watcher:<chain>", "system", ...
	Action  string
	Chain   string
	Address string
	Detail  string
}

// AuditWriter persists a batch of entries. identity/sqlite.Store
// implements this directly against the same connection pool it already
// owns, rather than via a second pool to the same database file.
type AuditWriter interface {
	WriteAuditBatch(ctx context.Context, entries []Entry) error
}

// Sink consumes Entries from a channel and flushes them to the
// AuditWriter in batches (teacher log/daemon.go's processLogs shape:
// size-triggered flush, ticker-triggered flush, drain-and-final-flush on
// shutdown).
type Sink struct {
	writer AuditWriter
	logger *slog.Logger
	cfg    config.AuditLog

	entryChan chan Entry
	console   *Formatter
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a Sink. cfg zero-values are filled with the teacher's
// defaults (log/daemon.go's ChanSize/FlushSize/FlushInterval).
func New(writer AuditWriter, cfg config.AuditLog, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChanSize <= 0 {
		cfg.ChanSize = 256
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Sink{
		writer:    writer,
		logger:    logger,
		cfg:       cfg,
		entryChan: make(chan Entry, cfg.ChanSize),
		console:   NewFormatter().WithComponent("audit", "\U0001f4dd"),
	}
}

func (s *Sink) Name() string { return "logsink" }

// Record enqueues an entry for batched persistence. Non-blocking: a full
// channel drops the entry rather than stalling the caller, since the
// audit trail is a best-effort record, not the identity's source of
// truth (identity/sqlite.Store.Put already persisted the state change
// this entry describes).
func (s *Sink) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case s.entryChan <- e:
		s.logger.Info(s.console.Ok(describe(e)))
	default:
		s.logger.Warn(s.console.Fail("channel full, dropping audit entry: " + describe(e)))
	}
}

func (s *Sink) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.logger.Info(s.console.Start("processing goroutine starting"))
	go s.run(ctx)
	return nil
}

func (s *Sink) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		s.logger.Info(s.console.Complete("processing goroutine stopped"))
		return nil
	case <-ctx.Done():
		s.logger.Error(s.console.Fail("shutdown timed out"))
		return ctx.Err()
	}
}

func (s *Sink) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, s.cfg.FlushSize)
	flush := func(reason string) {
		if len(batch) == 0 {
			return
		}
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.writer.WriteAuditBatch(writeCtx, batch); err != nil {
			s.logger.Error("logsink: write batch failed", "err", err, "batch_size", len(batch), "reason", reason)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.entryChan:
			batch = append(batch, e)
			if len(batch) >= s.cfg.FlushSize {
				flush("batch_full")
			}
		case <-ticker.C:
			flush("ticker")
		case <-ctx.Done():
		drainLoop:
			for {
				select {
				case e := <-s.entryChan:
					batch = append(batch, e)
					if len(batch) >= s.cfg.FlushSize {
						flush("shutdown_drain_batch_full")
					}
				default:
					break drainLoop
				}
			}
			flush("shutdown_final")
			return
		}
	}
}

// describe renders an Entry for the console formatter's "detail" slot.
func describe(e Entry) string {
	if e.Chain == "" && e.Address == "" {
		return fmt.Sprintf("%s: %s", e.Actor, e.Action)
	}
	return fmt.Sprintf("%s: %s %s/%s", e.Actor, e.Action, e.Chain, e.Address)
}
