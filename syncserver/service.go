// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/syncwire"
)

// ServiceConfig configures a SyncService, the passed-struct-literal style
// the teacher's oversync.ServiceConfig uses rather than a config file.
type ServiceConfig struct {
	MaxBatchSize int
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{MaxBatchSize: 500}
}

// SyncService is the server half of the protocol: it owns the Postgres
// pool, resolves pushed operations against the change log, and notifies
// the Broadcaster of every accepted mutation.
type SyncService struct {
	pool        *pgxpool.Pool
	config      ServiceConfig
	broadcaster *Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// NewSyncService constructs a SyncService and ensures the schema exists,
// mirroring oversync.NewSyncService's bootstrap-on-construction style.
func NewSyncService(ctx context.Context, pool *pgxpool.Pool, config ServiceConfig, broadcaster *Broadcaster, logger *slog.Logger) (*SyncService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = NewBroadcaster(logger)
	}
	if err := InitSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &SyncService{pool: pool, config: config, broadcaster: broadcaster, logger: logger, now: time.Now}, nil
}

// ProcessPush resolves every operation in req against the change log.
// Each operation runs in its own savepoint: a failing op rolls back only
// its own savepoint, so sibling ops in the batch are still committed and
// reconciled (spec §7: "a single op's BusinessError does NOT abort the
// batch"), the pattern grounded on the original service's per-operation
// begin_nested() savepoints.
func (s *SyncService) ProcessPush(ctx context.Context, req syncwire.PushRequest) (syncwire.PushResponse, error) {
	if len(req.Operations) > s.config.MaxBatchSize {
		return syncwire.PushResponse{}, fmt.Errorf("batch of %d exceeds max size %d", len(req.Operations), s.config.MaxBatchSize)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return syncwire.PushResponse{}, fmt.Errorf("begin push transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	results := make([]syncwire.PushOperationResult, 0, len(req.Operations))
	var toBroadcast []syncwire.SSEPayload

	for _, op := range req.Operations {
		spID := "sp_push"
		if _, err := tx.Exec(ctx, "SAVEPOINT "+spID); err != nil {
			return syncwire.PushResponse{}, fmt.Errorf("savepoint: %w", err)
		}

		result := resolveOperation(ctx, tx, op, now)

		if result.Status == syncwire.PushStatusError {
			if _, err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+spID); err != nil {
				return syncwire.PushResponse{}, fmt.Errorf("rollback savepoint: %w", err)
			}
		} else {
			if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+spID); err != nil {
				return syncwire.PushResponse{}, fmt.Errorf("release savepoint: %w", err)
			}
			if result.SyncID != nil {
				toBroadcast = append(toBroadcast, syncwire.SSEPayload{
					Event:      syncwire.SSEEventSync,
					EntityType: op.EntityType,
					EntityID:   op.EntityID,
					SyncID:     *result.SyncID,
				})
			}
		}
		results = append(results, result)
	}

	if err := tx.Commit(ctx); err != nil {
		return syncwire.PushResponse{}, fmt.Errorf("commit push transaction: %w", err)
	}

	for _, ev := range toBroadcast {
		s.broadcaster.Broadcast(ev)
	}

	return syncwire.PushResponse{Results: results}, nil
}

// ProcessPull returns log entries with sync_id > since, up to limit,
// plus has_more (spec §6 GET /sync/pull).
func (s *SyncService) ProcessPull(ctx context.Context, since int64, limit int) (syncwire.PullResponse, error) {
	entries, err := ListChangeLog(ctx, s.pool, since, limit+1)
	if err != nil {
		return syncwire.PullResponse{}, err
	}
	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	return syncwire.PullResponse{Operations: entries, HasMore: hasMore}, nil
}

// ProcessSnapshot returns the full reference + entity set, without
// version, for the initial client bootstrap (spec §6 GET /sync/snapshot).
func (s *SyncService) ProcessSnapshot(ctx context.Context) (syncwire.SnapshotResponse, error) {
	var out syncwire.SnapshotResponse
	var err error
	if out.Partners, err = queryBags(ctx, s.pool, `SELECT id, name, code, type FROM partners`, []string{"id", "name", "code", "type"}); err != nil {
		return out, err
	}
	if out.Products, err = queryBags(ctx, s.pool, `SELECT id, name, short_name, sku, code FROM products`, []string{"id", "name", "short_name", "sku", "code"}); err != nil {
		return out, err
	}
	if out.Units, err = queryBags(ctx, s.pool, `SELECT id, name, abbreviation FROM units`, []string{"id", "name", "abbreviation"}); err != nil {
		return out, err
	}
	if out.Orders, err = queryBags(ctx, s.pool, `
		SELECT id, partner_id, status, order_date, delivery_date, comment, created_at, updated_at, deleted_at
		FROM orders WHERE deleted_at IS NULL
	`, []string{"id", "partner_id", "status", "order_date", "delivery_date", "comment", "created_at", "updated_at", "deleted_at"}); err != nil {
		return out, err
	}
	if out.OrderLines, err = queryBags(ctx, s.pool, `
		SELECT id, order_id, product_id, unit_id, quantity, price, comment, created_at, updated_at, deleted_at
		FROM order_lines WHERE deleted_at IS NULL
	`, []string{"id", "order_id", "product_id", "unit_id", "quantity", "price", "comment", "created_at", "updated_at", "deleted_at"}); err != nil {
		return out, err
	}
	return out, nil
}

func queryBags(ctx context.Context, pool *pgxpool.Pool, query string, columns []string) ([]domain.FieldBag, error) {
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %v: %w", columns, err)
	}
	defer rows.Close()

	var out []domain.FieldBag
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		bag := make(domain.FieldBag, len(columns))
		for i, col := range columns {
			if i < len(values) {
				bag[col] = values[i]
			}
		}
		out = append(out, bag)
	}
	return out, rows.Err()
}
