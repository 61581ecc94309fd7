// Package sqlite implements storage.Inspector for SQLite targets.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"casesync/internal/storage"
)

type Inspector struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", NewInspector)
}

func NewInspector(ctx context.Context, cfg storage.Config) (storage.Inspector, error) {
	db, err := sql.Open("sqlite", dsnPath(cfg.DSN))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Inspector{db: db}, nil
}

func (in *Inspector) Close() { _ = in.db.Close() }

// TableColumns reads column names via pragma_table_info, which returns
// no rows for an absent table.
func (in *Inspector) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := in.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// dsnPath translates a SQLAlchemy sqlite URL into the file path the
// driver expects. "sqlite:///rel.db" is relative, "sqlite:////tmp/a.db"
// absolute; a bare path passes through unchanged.
func dsnPath(dsn string) string {
	for _, prefix := range []string{"sqlite:///", "sqlite://", "sqlite:"} {
		if strings.HasPrefix(dsn, prefix) {
			return strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
