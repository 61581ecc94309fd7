// Package mssql implements storage.Inspector for SQL Server targets.
package mssql

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"casesync/internal/storage"
)

type Inspector struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", NewInspector)
}

func NewInspector(ctx context.Context, cfg storage.Config) (storage.Inspector, error) {
	db, err := sql.Open("sqlserver", normalizeDSN(cfg.DSN))
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

// TableColumns reads dbo-schema column names in ordinal order. An absent
// table yields no rows.
func (in *Inspector) TableColumns(ctx context.Context, table string) ([]string, error) {
	const q = `
SELECT COLUMN_NAME
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = 'dbo' AND TABLE_NAME = @p1
ORDER BY ORDINAL_POSITION`

	rows, err := in.db.QueryContext(ctx, q, table)
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

// normalizeDSN rewrites mssql dialect URLs ("mssql+pyodbc://x") onto the
// sqlserver:// scheme the driver parses.
func normalizeDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if i := strings.Index(scheme, "+"); i >= 0 {
		scheme = scheme[:i]
	}
	if strings.EqualFold(scheme, "mssql") {
		scheme = "sqlserver"
	}
	return scheme + "://" + rest
}
