// Package postgres implements storage.Inspector for Postgres targets.
package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"casesync/internal/storage"
)

type Inspector struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", NewInspector)
}

func NewInspector(ctx context.Context, cfg storage.Config) (storage.Inspector, error) {
	pool, err := pgxpool.New(ctx, normalizeDSN(cfg.DSN))
	if err != nil {
		return nil, err
	}
	return &Inspector{pool: pool}, nil
}

func (in *Inspector) Close() {
	in.pool.Close()
}

// TableColumns reads the public-schema column names for table in ordinal
// order. An absent table yields no rows, which callers see as an empty
// result.
func (in *Inspector) TableColumns(ctx context.Context, table string) ([]string, error) {
	const q = `
SELECT column_name
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = $1
ORDER BY ordinal_position`

	rows, err := in.pool.Query(ctx, q, table)
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

// normalizeDSN strips the SQLAlchemy dialect suffix from the scheme so
// pgx can parse the URL. "postgresql+psycopg2://x" becomes
// "postgresql://x"; URLs without a suffix pass through unchanged.
func normalizeDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if i := strings.Index(scheme, "+"); i >= 0 {
		scheme = scheme[:i]
	}
	return scheme + "://" + rest
}
