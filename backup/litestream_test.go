package backup

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/w3f/challenger/config"
)

func TestNewLitestreamCreatesReplicaDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "identity.db")
	if f, err := os.Create(dbPath); err != nil {
		t.Fatalf("create db file: %v", err)
	} else {
		f.Close()
	}
	replicaPath := filepath.Join(dir, "replica")

	cfg := config.NewDefaultConfig()
	cfg.Backup.Enabled = true
	cfg.Backup.Replica = replicaPath
	provider := config.NewProvider(cfg)

	l, err := NewLitestream(provider, dbPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewLitestream returned an error: %v", err)
	}
	if l.Name() != "backup" {
		t.Fatalf("expected name %q, got %q", "backup", l.Name())
	}
	if info, err := os.Stat(replicaPath); err != nil || !info.IsDir() {
		t.Fatalf("expected replica directory %q to exist", replicaPath)
	}
}

func TestNewLitestreamRejectsUnwritableReplicaPath(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "identity.db")
	if f, err := os.Create(dbPath); err != nil {
		t.Fatalf("create db file: %v", err)
	} else {
		f.Close()
	}

	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("create blocker file: %v", err)
	}

	cfg := config.NewDefaultConfig()
	cfg.Backup.Enabled = true
	cfg.Backup.Replica = filepath.Join(blocker, "replica")
	provider := config.NewProvider(cfg)

	if _, err := NewLitestream(provider, dbPath, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected an error when the replica path cannot be created")
	}
}
