// Package store keeps the relational bookkeeping of subjects, sessions,
// scans, NIfTI files, sequence types, atlases, metrics, scores and runs in
// SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalid is returned when a write would violate a constraint.
	ErrInvalid = errors.New("invalid")
)

// Store wraps the database handle.
type Store struct {
	db *sqlx.DB

	// now is swapped in tests
	now func() time.Time
}

// Open connects to the SQLite database at path. Use ":memory:" for a
// throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, pfx.Err(err)
	}

	// SQLite allows one writer; a single connection serializes access and
	// keeps an in-memory database alive between calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, pfx.Err(err)
		}
	}

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, pfx.Err(err)
		}
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Migrate creates every table that does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return pfx.Err(fmt.Errorf("%w: %s", err, strings.TrimSpace(stmt)))
		}
	}

	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for ad hoc queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs fn in a transaction, committing if it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return pfx.Err(err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return pfx.Err(tx.Commit())
}

// notFound maps sql.ErrNoRows onto ErrNotFound.
func notFound(err error, what string, key interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, key, ErrNotFound)
	}

	return pfx.Err(err)
}

// constraint maps SQLite constraint failures onto ErrInvalid.
func constraint(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "constraint failed") {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return pfx.Err(err)
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}
