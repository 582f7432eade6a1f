// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore implements the embedded, durable Local Store (spec
// §4.1) on top of SQLite: entity tables, the outbox of pending mutations,
// and sync metadata. It mirrors the schema-bootstrap and
// atomic-write-group style of the teacher's oversqlite.Client, narrowed
// from a generic multi-table registry down to the fixed preorder domain.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	partner_id TEXT NOT NULL,
	status INTEGER NOT NULL,
	order_date TEXT,
	delivery_date TEXT,
	comment TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	version INTEGER NOT NULL,
	deleted_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_orders_partner_id ON orders(partner_id);
CREATE INDEX IF NOT EXISTS idx_orders_delivery_date ON orders(delivery_date);

CREATE TABLE IF NOT EXISTS order_lines (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	unit_id TEXT NOT NULL,
	quantity REAL NOT NULL,
	price REAL NOT NULL,
	comment TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	version INTEGER NOT NULL,
	deleted_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_order_lines_order_id ON order_lines(order_id);

CREATE TABLE IF NOT EXISTS partners (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	code TEXT,
	type INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	short_name TEXT,
	sku TEXT,
	code TEXT
);

CREATE TABLE IF NOT EXISTS units (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	abbreviation TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	sequence_number INTEGER NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	op_type TEXT NOT NULL,
	data TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at INTEGER,
	last_error TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_sequence_number ON outbox(sequence_number);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
CREATE INDEX IF NOT EXISTS idx_outbox_next_retry_at ON outbox(next_retry_at);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store owns the SQLite connection backing the Local Store. Every method
// that must write an entity row together with an outbox record does so
// inside a single *sql.Tx, the atomic-write-group requirement of spec
// §4.1.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or attaches to the SQLite database at path (use
// "file::memory:?cache=shared" for tests) and ensures the schema exists.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, newStoreError("open", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer, avoids SQLITE_BUSY under our own concurrency

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, newStoreError("pragma", err)
		}
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, newStoreError("schema", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers (repositories, engines)
// that need to participate in the same transaction.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. It is the building block every atomic write
// group in this package is expressed with.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError("begin tx", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return newStoreError("rollback", fmt.Errorf("%w (after: %v)", rbErr, err))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return newStoreError("commit", err)
	}
	return nil
}

// GetMetadata reads a metadata value, returning ok=false if absent.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, newStoreError("get metadata", err)
	}
	return value, true, nil
}

// SetMetadataTx upserts a metadata value inside an existing tx; SetMetadata
// below does the same in its own transaction.
func SetMetadataTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO metadata(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return newStoreError("set metadata", err)
	}
	return nil
}

func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return SetMetadataTx(ctx, tx, key, value)
	})
}
