package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyTable is one COPY target.
type CopyTable struct {
	Name    string
	Columns []string
	Rows    [][]any
}

// CopyTables loads tables in the given order inside one transaction, so
// parents must come before their children. Either every row lands or none
// does. The result maps table name to rows written.
func CopyTables(ctx context.Context, pool Pool, tables ...CopyTable) (map[string]int64, error) {
	counts := make(map[string]int64, len(tables))
	total := 0
	for _, t := range tables {
		counts[t.Name] = 0
		total += len(t.Rows)
	}
	if total == 0 {
		return counts, nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "db: begin copy")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, t := range tables {
		if len(t.Rows) == 0 {
			continue
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{t.Name}, t.Columns, pgx.CopyFromRows(t.Rows))
		if err != nil {
			return nil, eris.Wrapf(err, "db: copy into %s", t.Name)
		}
		if n != int64(len(t.Rows)) {
			return nil, eris.Errorf("db: copy into %s wrote %d of %d rows", t.Name, n, len(t.Rows))
		}
		counts[t.Name] = n
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "db: commit copy")
	}
	return counts, nil
}
