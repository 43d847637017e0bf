package recordstore

import (
	"fmt"

	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	driver: "postgres",
	createTable: func(table string) string {
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				bucket TEXT NOT NULL,
				id TEXT NOT NULL,
				seq BIGSERIAL NOT NULL,
				doc TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (bucket, id)
			)`, table)
	},
	upsert: func(table string) string {
		return fmt.Sprintf(`
			INSERT INTO %s (bucket, id, doc, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (bucket, id)
			DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`, table)
	},
	list: func(table string) string {
		return fmt.Sprintf("SELECT doc FROM %s WHERE bucket = $1 ORDER BY seq DESC", table)
	},
	get: func(table string) string {
		return fmt.Sprintf("SELECT doc FROM %s WHERE bucket = $1 AND id = $2", table)
	},
	remove: func(table string) string {
		return fmt.Sprintf("DELETE FROM %s WHERE bucket = $1 AND id = $2", table)
	},
}

// NewPostgresBackend returns a Backend on the Postgres database at dsn. The
// connection and table are set up on first use.
func NewPostgresBackend(dsn string) (Backend, error) {
	return newSQLBackend(dsn, postgresDialect)
}
