// Package backup keeps a continuously-replicated copy of the identity
// store's SQLite database (spec.md §1's "explicit non-core collaborator",
// SPEC_FULL.md §11.1), grounded on the teacher's backup/litestream.go.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/benbjohnson/litestream"
	"github.com/benbjohnson/litestream/file"

	"github.com/w3f/challenger/config"
)

// Litestream is a Daemon that streams the SQLite WAL to a replica
// directory as it is written, so a crash loses at most the
// not-yet-replicated tail.
type Litestream struct {
	configProvider *config.Provider
	logger         *slog.Logger
	db             *litestream.DB
	replica        *litestream.Replica

	cancel       context.CancelFunc
	ctx          context.Context
	shutdownDone chan struct{}
}

// NewLitestream builds a Litestream daemon replicating dbPath (the same
// file identity/sqlite.Open opens) to cfg.Backup.Replica. It is the
// caller's responsibility to skip registering this daemon when
// cfg.Backup.Enabled is false.
func NewLitestream(configProvider *config.Provider, dbPath string, logger *slog.Logger) (*Litestream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := configProvider.Get().Backup
	ctx, cancel := context.WithCancel(context.Background())

	db := litestream.NewDB(dbPath)
	db.Logger = logger.With("db", dbPath)
	if cfg.Interval > 0 {
		db.MonitorInterval = cfg.Interval
	}

	if err := os.MkdirAll(cfg.Replica, 0750); err != nil && !os.IsExist(err) {
		cancel()
		return nil, fmt.Errorf("backup: create replica directory %q: %w", cfg.Replica, err)
	}
	absReplicaPath, err := filepath.Abs(cfg.Replica)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("backup: resolve replica path %q: %w", cfg.Replica, err)
	}

	replica := litestream.NewReplica(db, "primary")
	replica.Client = file.NewReplicaClient(absReplicaPath)
	db.Replicas = append(db.Replicas, replica)

	return &Litestream{
		configProvider: configProvider,
		logger:         logger,
		db:             db,
		replica:        replica,
		ctx:            ctx,
		cancel:         cancel,
		shutdownDone:   make(chan struct{}),
	}, nil
}

func (l *Litestream) Name() string { return "backup" }

// Start opens the database and begins replication, returning once the
// initial open/replicate-start succeeds or fails; replication itself
// continues in the background until Stop.
func (l *Litestream) Start() error {
	startupErr := make(chan error, 1)

	go func() {
		l.logger.Info("backup: starting continuous replication")

		if err := l.db.Open(); err != nil {
			l.logger.Error("backup: failed to open database", "err", err)
			close(l.shutdownDone)
			startupErr <- err
			return
		}

		if err := l.replica.Start(l.ctx); err != nil {
			l.logger.Error("backup: failed to start replica", "err", err)
			close(l.shutdownDone)
			startupErr <- err
			return
		}

		l.logger.Info("backup: replication started")
		startupErr <- nil

		<-l.ctx.Done()
		l.logger.Info("backup: received shutdown signal")

		if err := l.replica.Stop(false); err != nil {
			l.logger.Error("backup: error stopping replica", "err", err)
		}
		if err := l.db.Close(); err != nil {
			l.logger.Error("backup: error closing database", "err", err)
		}
		close(l.shutdownDone)
	}()

	return <-startupErr
}

func (l *Litestream) Stop(ctx context.Context) error {
	l.logger.Info("backup: stopping")
	l.cancel()

	select {
	case <-l.shutdownDone:
		l.logger.Info("backup: stopped gracefully")
		return nil
	case <-ctx.Done():
		l.logger.Info("backup: shutdown timed out")
		return ctx.Err()
	}
}
