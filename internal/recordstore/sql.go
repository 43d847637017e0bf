package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	recordsTableName    = "fieldsync_records"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect holds the statements that differ between database engines.
type sqlDialect struct {
	driver      string
	createTable func(table string) string
	upsert      func(table string) string
	list        func(table string) string
	get         func(table string) string
	remove      func(table string) string
	// prepare runs once on a fresh pool, e.g. to set pragmas.
	prepare func(db *sql.DB) error
}

// sqlBackend stores records in one table keyed by (bucket, id). A serial
// column records first insertion so List keeps newest-first order across
// updates.
type sqlBackend struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLBackend(dsn string, dialect sqlDialect) (*sqlBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlBackend{
		dsn:       dsn,
		tableName: recordsTableName,
		dialect:   dialect,
		openDB:    sql.Open,
	}, nil
}

func (b *sqlBackend) List(ctx context.Context, bucket string) ([][]byte, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	rows, err := b.db.QueryContext(ctx, b.dialect.list(b.table()), bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, []byte(doc))
	}
	return out, rows.Err()
}

func (b *sqlBackend) Get(ctx context.Context, bucket, id string) ([]byte, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var doc string
	err := b.db.QueryRowContext(ctx, b.dialect.get(b.table()), bucket, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

func (b *sqlBackend) Put(ctx context.Context, bucket, id string, doc []byte) error {
	if err := checkKey(bucket, id); err != nil {
		return err
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	_, err := b.db.ExecContext(ctx, b.dialect.upsert(b.table()), bucket, id, string(doc), time.Now().UTC())
	return err
}

func (b *sqlBackend) Delete(ctx context.Context, bucket, id string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	result, err := b.db.ExecContext(ctx, b.dialect.remove(b.table()), bucket, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *sqlBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *sqlBackend) table() string {
	return quoteIdentifier(b.tableName)
}

func (b *sqlBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.prepare != nil {
			if err := b.dialect.prepare(db); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, b.dialect.createTable(b.table())); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create %s table: %w", b.dialect.driver, err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
