// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncserver implements the server side of the protocol: the
// append-only change log, the field-level LWW conflict resolver, the
// HTTP handlers for push/pull/snapshot, the SSE broadcaster, and ambient
// JWT authentication (spec §4.5, §4.6, §6). It plays the role the
// teacher's oversync.SyncService plays, narrowed from a generic
// multi-table registry to the fixed Order/OrderLine domain and backed by
// two concrete Postgres tables instead of runtime table registration.
package syncserver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS sync;

CREATE TABLE IF NOT EXISTS sync.server_change_log (
	sync_id BIGSERIAL PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	operation_type TEXT NOT NULL,
	data JSONB NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_change_log_entity ON sync.server_change_log(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_change_log_sync_id ON sync.server_change_log(sync_id);

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

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	partner_id TEXT NOT NULL REFERENCES partners(id),
	status INTEGER NOT NULL,
	order_date TEXT,
	delivery_date TEXT,
	comment TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	version BIGINT NOT NULL DEFAULT 1,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_partner_id ON orders(partner_id);
CREATE INDEX IF NOT EXISTS idx_orders_delivery_date ON orders(delivery_date);

CREATE TABLE IF NOT EXISTS order_lines (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders(id),
	product_id TEXT NOT NULL REFERENCES products(id),
	unit_id TEXT NOT NULL REFERENCES units(id),
	quantity DOUBLE PRECISION NOT NULL,
	price DOUBLE PRECISION NOT NULL,
	comment TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	version BIGINT NOT NULL DEFAULT 1,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_order_lines_order_id ON order_lines(order_id);
`

// InitSchema creates the sync schema and domain tables if absent, the
// same bootstrap-on-construction style as oversync.NewSyncService.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}
