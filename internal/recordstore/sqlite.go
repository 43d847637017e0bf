package recordstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	driver: "sqlite",
	createTable: func(table string) string {
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				bucket TEXT NOT NULL,
				id TEXT NOT NULL,
				doc TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				UNIQUE (bucket, id)
			)`, table)
	},
	upsert: func(table string) string {
		return fmt.Sprintf(`
			INSERT INTO %s (bucket, id, doc, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (bucket, id)
			DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`, table)
	},
	list: func(table string) string {
		return fmt.Sprintf("SELECT doc FROM %s WHERE bucket = ? ORDER BY seq DESC", table)
	},
	get: func(table string) string {
		return fmt.Sprintf("SELECT doc FROM %s WHERE bucket = ? AND id = ?", table)
	},
	remove: func(table string) string {
		return fmt.Sprintf("DELETE FROM %s WHERE bucket = ? AND id = ?", table)
	},
	prepare: func(db *sql.DB) error {
		// One connection serializes writers and keeps the pragma in effect.
		db.SetMaxOpenConns(1)
		_, err := db.Exec("PRAGMA busy_timeout = 5000")
		return err
	},
}

// NewSQLiteBackend returns a Backend on the SQLite database file at path.
func NewSQLiteBackend(path string) (Backend, error) {
	return newSQLBackend(path, sqliteDialect)
}
