package sqlite

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/w3f/challenger/logsink"
)

var _ logsink.AuditWriter = (*Store)(nil)

// WriteAuditBatch implements logsink.AuditWriter, appending a batch of
// moderator-action/judgement-outcome entries in one connection checkout
// (mirrors Append's single-row insert, batched).
func (s *Store) WriteAuditBatch(ctx context.Context, entries []logsink.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	for _, e := range entries {
		err := sqlitex.Execute(conn,
			`INSERT INTO audit_log (at, actor, action, chain, address, detail)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				timeFormat(e.At), e.Actor, e.Action, e.Chain, e.Address, e.Detail,
			}},
		)
		if err != nil {
			return fmt.Errorf("identity/sqlite: write audit entry: %w", err)
		}
	}
	return nil
}

// AuditTail returns the n most recent audit entries, newest first.
func (s *Store) AuditTail(n int) ([]logsink.Entry, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []logsink.Entry
	err = sqlitex.Execute(conn,
		`SELECT at, actor, action, chain, address, detail FROM audit_log ORDER BY seq DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{n},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				at, perr := timeParse(stmt.GetText("at"))
				if perr != nil {
					return perr
				}
				out = append(out, logsink.Entry{
					At:      at,
					Actor:   stmt.GetText("actor"),
					Action:  stmt.GetText("action"),
					Chain:   stmt.GetText("chain"),
					Address: stmt.GetText("address"),
					Detail:  stmt.GetText("detail"),
				})
				return nil
			},
		})
	return out, err
}
