// Package sqlite implements C1 (identity.Store) and C3 (eventlog.Log) on
// top of zombiezen.com/go/sqlite, following the teacher's db/zombiezen
// package: a sqlitex.Pool, Execute+ExecOptions{Args,ResultFunc} for every
// statement, and RFC3339 UTC text timestamps (db/zombiezen/db.go,
// db/types.go).
package sqlite

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	json "github.com/goccy/go-json"

	"github.com/w3f/challenger/eventlog"
	"github.com/w3f/challenger/identity"
)

// Store implements identity.Store and eventlog.Log over a single SQLite
// database file shared by both roles of the split deployment (spec.md §6
// "Split-role deployment ... the database is the authoritative
// integration point").
type Store struct {
	pool *sqlitex.Pool
}

var (
	_ identity.Store = (*Store)(nil)
	_ eventlog.Log   = (*Store)(nil)
)

// Open creates (or opens) the SQLite database at path and applies the
// schema. poolSize mirrors the teacher's runtime.NumCPU()-sized pool
// (db/zombiezen/db.go).
func Open(path string) (*Store, error) {
	poolSize := runtime.NumCPU()
	if poolSize < 2 {
		poolSize = 2
	}

	p, err := sqlitex.NewPool(fmt.Sprintf("file:%s", path), sqlitex.PoolOptions{
		PoolSize: poolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("identity/sqlite: open pool: %w", err)
	}

	conn, err := p.Take(context.Background())
	if err != nil {
		return nil, fmt.Errorf("identity/sqlite: take conn: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	p.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("identity/sqlite: apply schema: %w", err)
	}

	return &Store{pool: p}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func timeFormat(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timeParse(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeFormat(*t)
}

// Get implements identity.Store.
func (s *Store) Get(key identity.Key) (*identity.Identity, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var id *identity.Identity
	err = sqlitex.Execute(conn,
		`SELECT identity_hex, is_fully_verified, judgement_submitted, revision, inserted_at, completed_at
		 FROM identities WHERE chain = ? AND address = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{string(key.Chain), key.Address},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				insertedAt, perr := timeParse(stmt.GetText("inserted_at"))
				if perr != nil {
					return perr
				}
				var completedAt *time.Time
				if c := stmt.GetText("completed_at"); c != "" {
					t, perr := timeParse(c)
					if perr != nil {
						return perr
					}
					completedAt = &t
				}
				id = &identity.Identity{
					Chain:              key.Chain,
					Address:            key.Address,
					IdentityHex:        stmt.GetText("identity_hex"),
					IsFullyVerified:    stmt.GetInt64("is_fully_verified") != 0,
					JudgementSubmitted: stmt.GetInt64("judgement_submitted") != 0,
					Revision:           stmt.GetInt64("revision"),
					InsertedAt:         insertedAt,
					CompletedAt:        completedAt,
					Fields:             make(map[identity.FieldKind]*identity.Field),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("identity/sqlite: get: %w", err)
	}
	if id == nil {
		return nil, identity.ErrNotFound
	}

	if err := s.loadFields(conn, id); err != nil {
		return nil, err
	}
	return id, nil
}

func (s *Store) loadFields(conn *sqlite.Conn, id *identity.Identity) error {
	return sqlitex.Execute(conn,
		`SELECT kind, value, challenge_type, challenge_token, challenge_second_token,
		        state, failed_attempts, verified_at
		 FROM fields WHERE chain = ? AND address = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(id.Chain), id.Address},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var verifiedAt *time.Time
				if v := stmt.GetText("verified_at"); v != "" {
					t, err := timeParse(v)
					if err != nil {
						return err
					}
					verifiedAt = &t
				}
				f := &identity.Field{
					Kind:  identity.FieldKind(stmt.GetText("kind")),
					Value: stmt.GetText("value"),
					Challenge: identity.Challenge{
						Type:        identity.ChallengeType(stmt.GetText("challenge_type")),
						Token:       stmt.GetText("challenge_token"),
						SecondToken: stmt.GetText("challenge_second_token"),
					},
					State:          identity.FieldState(stmt.GetText("state")),
					FailedAttempts: int(stmt.GetInt64("failed_attempts")),
					VerifiedAt:     verifiedAt,
				}
				id.Fields[f.Kind] = f
				return nil
			},
		})
}

// Put implements identity.Store: persists the whole Identity document (and
// an optional dedup marker) as a single atomic transaction.
func (s *Store) Put(id *identity.Identity, dedupKey *identity.DedupKey) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.WithTx(conn, func() error {
		if dedupKey != nil {
			already, err := messageProcessedTx(conn, dedupKey.Adapter, dedupKey.MsgID)
			if err != nil {
				return err
			}
			if already {
				return identity.ErrAlreadyProcessed
			}
			if err := sqlitex.Execute(conn,
				`INSERT INTO processed_messages (adapter, msg_id, at) VALUES (?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{dedupKey.Adapter, dedupKey.MsgID, timeFormat(time.Now())}},
			); err != nil {
				return fmt.Errorf("record dedup key: %w", err)
			}
		}

		if err := sqlitex.Execute(conn,
			`INSERT INTO identities (chain, address, identity_hex, is_fully_verified, judgement_submitted, revision, inserted_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(chain, address) DO UPDATE SET
			   identity_hex = excluded.identity_hex,
			   is_fully_verified = excluded.is_fully_verified,
			   judgement_submitted = excluded.judgement_submitted,
			   revision = excluded.revision,
			   completed_at = excluded.completed_at`,
			&sqlitex.ExecOptions{Args: []any{
				string(id.Chain), id.Address, id.IdentityHex,
				boolToInt(id.IsFullyVerified), boolToInt(id.JudgementSubmitted), id.Revision,
				timeFormat(id.InsertedAt), nullableTime(id.CompletedAt),
			}},
		); err != nil {
			return fmt.Errorf("upsert identity: %w", err)
		}

		// Replace the field set wholesale: reconciliation (spec.md §4.1
		// "Announce reconciliation") already computed the desired set in
		// memory, so the simplest correct persistence is delete-then-insert
		// inside the same transaction.
		if err := sqlitex.Execute(conn,
			`DELETE FROM fields WHERE chain = ? AND address = ?`,
			&sqlitex.ExecOptions{Args: []any{string(id.Chain), id.Address}},
		); err != nil {
			return fmt.Errorf("clear fields: %w", err)
		}

		for _, f := range id.Fields {
			if err := sqlitex.Execute(conn,
				`INSERT INTO fields (chain, address, kind, value, challenge_type, challenge_token,
				                     challenge_second_token, state, failed_attempts, verified_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{
					string(id.Chain), id.Address, string(f.Kind), f.Value,
					string(f.Challenge.Type), f.Challenge.Token, f.Challenge.SecondToken,
					string(f.State), f.FailedAttempts, nullableTime(f.VerifiedAt),
				}},
			); err != nil {
				return fmt.Errorf("insert field %s: %w", f.Kind, err)
			}
		}

		return nil
	})
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Delete implements identity.Store.
func (s *Store) Delete(key identity.Key) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`DELETE FROM identities WHERE chain = ? AND address = ?`,
		&sqlitex.ExecOptions{Args: []any{string(key.Chain), key.Address}},
	)
}

// ListByChain implements identity.Store.
func (s *Store) ListByChain(chain identity.Chain) ([]*identity.Identity, error) {
	return s.list(`WHERE chain = ?`, string(chain))
}

// ListAll implements identity.Store.
func (s *Store) ListAll() ([]*identity.Identity, error) {
	return s.list(``)
}

func (s *Store) list(where string, args ...any) ([]*identity.Identity, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var keys []identity.Key
	err = sqlitex.Execute(conn,
		`SELECT chain, address FROM identities `+where,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, identity.Key{Chain: identity.Chain(stmt.GetText("chain")), Address: stmt.GetText("address")})
				return nil
			},
		})
	if err != nil {
		return nil, err
	}

	out := make([]*identity.Identity, 0, len(keys))
	for _, k := range keys {
		id, err := s.Get(k)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// WasProcessed implements identity.Store.
func (s *Store) WasProcessed(adapter, msgID string) (bool, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)
	return messageProcessedTx(conn, adapter, msgID)
}

func messageProcessedTx(conn *sqlite.Conn, adapter, msgID string) (bool, error) {
	found := false
	err := sqlitex.Execute(conn,
		`SELECT 1 FROM processed_messages WHERE adapter = ? AND msg_id = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{adapter, msgID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	return found, err
}

// VerifiedDisplayNames implements identity.Store.
func (s *Store) VerifiedDisplayNames(chain identity.Chain) (map[string]identity.Key, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	out := make(map[string]identity.Key)
	err = sqlitex.Execute(conn,
		`SELECT f.address, f.value
		 FROM fields f
		 JOIN identities i ON i.chain = f.chain AND i.address = f.address
		 WHERE f.chain = ? AND f.kind = ? AND f.state IN (?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{string(chain), string(identity.FieldDisplayName), string(identity.StateVerified), string(identity.StateManuallyVerified)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out[stmt.GetText("value")] = identity.Key{Chain: chain, Address: stmt.GetText("address")}
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AdapterCursor implements identity.Store.
func (s *Store) AdapterCursor(adapter string) (string, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	cursor := ""
	err = sqlitex.Execute(conn,
		`SELECT msg_id FROM adapter_cursors WHERE adapter = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{adapter},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cursor = stmt.GetText("msg_id")
				return nil
			},
		})
	return cursor, err
}

// SetAdapterCursor implements identity.Store.
func (s *Store) SetAdapterCursor(adapter, msgID string) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`INSERT INTO adapter_cursors (adapter, msg_id) VALUES (?, ?)
		 ON CONFLICT(adapter) DO UPDATE SET msg_id = excluded.msg_id`,
		&sqlitex.ExecOptions{Args: []any{adapter, msgID}},
	)
}

// Append implements eventlog.Log.
func (s *Store) Append(n eventlog.Notification) (eventlog.Notification, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return eventlog.Notification{}, err
	}
	defer s.pool.Put(conn)

	detail := ""
	if n.Detail != nil {
		b, err := json.Marshal(n.Detail)
		if err != nil {
			return eventlog.Notification{}, fmt.Errorf("eventlog: marshal detail: %w", err)
		}
		detail = string(b)
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO notifications (chain, address, kind, at, field_kind, message, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			string(n.Chain), n.Address, string(n.Kind), timeFormat(n.At), string(n.FieldKind), n.Message, detail,
		}},
	)
	if err != nil {
		return eventlog.Notification{}, fmt.Errorf("eventlog: append: %w", err)
	}

	err = sqlitex.Execute(conn, `SELECT last_insert_rowid() AS seq`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n.Seq = stmt.GetInt64("seq")
			return nil
		},
	})
	return n, err
}

// Since implements eventlog.Log.
func (s *Store) Since(chain identity.Chain, address string, after int64) ([]eventlog.Notification, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []eventlog.Notification
	err = sqlitex.Execute(conn,
		`SELECT seq, chain, address, kind, at, field_kind, message, detail
		 FROM notifications WHERE chain = ? AND address = ? AND seq > ? ORDER BY seq ASC`,
		&sqlitex.ExecOptions{
			Args:       []any{string(chain), address, after},
			ResultFunc: scanNotification(&out),
		})
	return out, err
}

// Tail implements eventlog.Log.
func (s *Store) Tail(n int) ([]eventlog.Notification, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []eventlog.Notification
	err = sqlitex.Execute(conn,
		`SELECT seq, chain, address, kind, at, field_kind, message, detail
		 FROM notifications ORDER BY seq DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args:       []any{n},
			ResultFunc: scanNotification(&out),
		})
	return out, err
}

func scanNotification(out *[]eventlog.Notification) func(stmt *sqlite.Stmt) error {
	return func(stmt *sqlite.Stmt) error {
		at, err := timeParse(stmt.GetText("at"))
		if err != nil {
			return err
		}
		n := eventlog.Notification{
			Seq:       stmt.GetInt64("seq"),
			Chain:     identity.Chain(stmt.GetText("chain")),
			Address:   stmt.GetText("address"),
			Kind:      eventlog.Kind(stmt.GetText("kind")),
			At:        at,
			FieldKind: identity.FieldKind(stmt.GetText("field_kind")),
			Message:   stmt.GetText("message"),
		}
		if d := stmt.GetText("detail"); d != "" {
			var v any
			if err := json.Unmarshal([]byte(d), &v); err == nil {
				n.Detail = v
			}
		}
		*out = append(*out, n)
		return nil
	}
}
