// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/localstore"
	"github.com/m-thenot/preorder-sync/syncwire"
)

const (
	metaLastSyncID            = "last_sync_id"
	metaLastSnapshotTimestamp = "last_snapshot_timestamp"
	metaLastSyncTimestamp     = "last_sync_timestamp"

	pullPageLimit = 100
)

// PullEngine ingests the server change log and rebases local pending work
// on top of it (spec §4.4).
type PullEngine struct {
	store       *localstore.Store
	transport   Transport
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time
	isSyncing   atomic.Bool
}

func NewPullEngine(store *localstore.Store, transport Transport, invalidator Invalidator, logger *slog.Logger) *PullEngine {
	if invalidator == nil {
		invalidator = NoopInvalidator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PullEngine{store: store, transport: transport, invalidator: invalidator, logger: logger, now: time.Now}
}

// NeedsInitialSnapshot reports whether the initial snapshot has not yet
// run (spec §4.4: "runs iff last_snapshot_timestamp is absent").
func (e *PullEngine) NeedsInitialSnapshot(ctx context.Context) (bool, error) {
	_, ok, err := e.store.GetMetadata(ctx, metaLastSnapshotTimestamp)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// RunInitialSnapshot fetches the full reference+entity set, bulkPuts it
// with version=1, and records last_snapshot_timestamp. Guarded against
// concurrent invocation by isSyncing.
func (e *PullEngine) RunInitialSnapshot(ctx context.Context) error {
	if !e.isSyncing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.isSyncing.Store(false)

	snap, err := e.transport.Snapshot(ctx)
	if err != nil {
		return err
	}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := localstore.BulkPutTx(ctx, tx, localstore.TablePartners, snap.Partners); err != nil {
			return err
		}
		if err := localstore.BulkPutTx(ctx, tx, localstore.TableProducts, snap.Products); err != nil {
			return err
		}
		if err := localstore.BulkPutTx(ctx, tx, localstore.TableUnits, snap.Units); err != nil {
			return err
		}
		if err := localstore.BulkPutTx(ctx, tx, localstore.TableOrders, withVersion1(snap.Orders)); err != nil {
			return err
		}
		if err := localstore.BulkPutTx(ctx, tx, localstore.TableOrderLines, withVersion1(snap.OrderLines)); err != nil {
			return err
		}
		now := e.now().UTC().Format(time.RFC3339Nano)
		return localstore.SetMetadataTx(ctx, tx, metaLastSnapshotTimestamp, now)
	})
	if err != nil {
		return err
	}

	e.invalidator.InvalidateOrders(ctx, nil) // nil signals "invalidate everything" to subscribers
	return nil
}

// RefreshReferenceSnapshot re-fetches partners/products/units on demand
// without resetting last_sync_id. Supplemented per SPEC_FULL §C.
func (e *PullEngine) RefreshReferenceSnapshot(ctx context.Context) error {
	snap, err := e.transport.Snapshot(ctx)
	if err != nil {
		return err
	}
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := localstore.BulkPutTx(ctx, tx, localstore.TablePartners, snap.Partners); err != nil {
			return err
		}
		if err := localstore.BulkPutTx(ctx, tx, localstore.TableProducts, snap.Products); err != nil {
			return err
		}
		return localstore.BulkPutTx(ctx, tx, localstore.TableUnits, snap.Units)
	})
}

func withVersion1(rows []domain.FieldBag) []domain.FieldBag {
	out := make([]domain.FieldBag, len(rows))
	for i, r := range rows {
		c := r.Clone()
		c["version"] = int64(1)
		if _, ok := c["deleted_at"]; !ok {
			c["deleted_at"] = nil
		}
		out[i] = c
	}
	return out
}

// PullResult summarizes one incremental pull invocation.
type PullResult struct {
	Applied int
}

// RunIncremental reads the cursor, loops pulling pages until the server
// returns an empty page or a page with has_more=false, applying or
// rebasing each op, and persists the cursor after each page (spec §4.4).
func (e *PullEngine) RunIncremental(ctx context.Context) (PullResult, error) {
	if !e.isSyncing.CompareAndSwap(false, true) {
		return PullResult{}, nil
	}
	defer e.isSyncing.Store(false)

	cursorStr, ok, err := e.store.GetMetadata(ctx, metaLastSyncID)
	if err != nil {
		return PullResult{}, err
	}
	var cursor int64
	if ok {
		cursor, _ = strconv.ParseInt(cursorStr, 10, 64)
	}

	pendingByEntity, err := e.groupPendingByEntity(ctx)
	if err != nil {
		return PullResult{}, err
	}

	result := PullResult{}
	affectedOrders := make(map[string]struct{})

	for {
		page, err := e.transport.Pull(ctx, cursor, pullPageLimit)
		if err != nil {
			return result, err
		}
		if len(page.Operations) == 0 {
			break
		}

		maxSyncID := cursor
		for _, entry := range page.Operations {
			if err := e.applyOrRebase(ctx, entry, pendingByEntity, affectedOrders); err != nil {
				return result, err
			}
			result.Applied++
			if entry.SyncID > maxSyncID {
				maxSyncID = entry.SyncID
			}
		}
		cursor = maxSyncID
		if err := e.store.SetMetadata(ctx, metaLastSyncID, strconv.FormatInt(cursor, 10)); err != nil {
			return result, err
		}
		if !page.HasMore {
			break
		}
	}

	if err := e.store.SetMetadata(ctx, metaLastSyncTimestamp, e.now().UTC().Format(time.RFC3339Nano)); err != nil {
		e.logger.Error("set last sync timestamp", "error", err)
	}

	orderIDs := make([]string, 0, len(affectedOrders))
	for id := range affectedOrders {
		orderIDs = append(orderIDs, id)
	}
	if len(orderIDs) > 0 {
		e.invalidator.InvalidateOrders(ctx, orderIDs)
	}
	return result, nil
}

func (e *PullEngine) groupPendingByEntity(ctx context.Context) (map[string][]localstore.OutboxRecord, error) {
	pending, err := e.store.GetPendingOperations(ctx, e.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	out := make(map[string][]localstore.OutboxRecord)
	for _, op := range pending {
		key := string(op.EntityType) + ":" + op.EntityID
		out[key] = append(out[key], op)
	}
	return out, nil
}

func (e *PullEngine) applyOrRebase(ctx context.Context, entry syncwire.ChangeLogEntry, pendingByEntity map[string][]localstore.OutboxRecord, affectedOrders map[string]struct{}) error {
	key := string(entry.EntityType) + ":" + entry.EntityID
	local, hasPending := pendingByEntity[key]

	if entry.EntityType == domain.EntityOrder {
		affectedOrders[entry.EntityID] = struct{}{}
	} else if orderID, ok := entry.Data["order_id"].(string); ok {
		affectedOrders[orderID] = struct{}{}
	}

	if hasPending {
		return e.rebase(ctx, entry, local)
	}
	return e.apply(ctx, entry)
}

// apply persists a server log entry directly (spec §4.4 "Apply op").
func (e *PullEngine) apply(ctx context.Context, entry syncwire.ChangeLogEntry) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		return applyEntryTx(ctx, tx, entry, e.now(), e.logger)
	})
}

// rebase applies the server op first, then re-applies each local pending
// op's effect onto the entity row only, leaving the outbox untouched (spec
// §4.4 "Rebase").
func (e *PullEngine) rebase(ctx context.Context, entry syncwire.ChangeLogEntry, local []localstore.OutboxRecord) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := applyEntryTx(ctx, tx, entry, e.now(), e.logger); err != nil {
			return err
		}
		if entry.OperationType == syncwire.OpDelete {
			e.logger.Warn("entity deleted by server while local ops pending; they will be rejected on next push",
				"entity_type", entry.EntityType, "entity_id", entry.EntityID)
			return nil
		}

		table, err := tableForEntity(entry.EntityType)
		if err != nil {
			return err
		}
		for _, op := range local {
			switch op.OpType {
			case syncwire.OpUpdate:
				var writable []string
				if entry.EntityType == domain.EntityOrder {
					writable = domain.OrderWritableFields
				} else {
					writable = domain.OrderLineWritableFields
				}
				patch := domain.ProjectWritable(op.Data, writable)
				if len(patch) == 0 {
					continue
				}
				if err := localstore.UpdateTx(ctx, tx, table, op.EntityID, patch); err != nil && err != localstore.ErrNotFound {
					return err
				}
			case syncwire.OpDelete:
				now := e.now().UTC().Format(time.RFC3339Nano)
				if err := localstore.UpdateTx(ctx, tx, table, op.EntityID, domain.FieldBag{"deleted_at": now}); err != nil && err != localstore.ErrNotFound {
					return err
				}
				if entry.EntityType == domain.EntityOrder {
					if err := cascadeDeleteLinesTx(ctx, tx, op.EntityID, now); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

func applyEntryTx(ctx context.Context, tx *sql.Tx, entry syncwire.ChangeLogEntry, now time.Time, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	table, err := tableForEntity(entry.EntityType)
	if err != nil {
		return err
	}

	switch entry.OperationType {
	case syncwire.OpCreate:
		row := entry.Data.Clone()
		row["id"] = entry.EntityID
		if _, ok := row["version"]; !ok {
			row["version"] = int64(1)
		}
		ts := entry.Timestamp
		if ts == "" {
			ts = now.UTC().Format(time.RFC3339Nano)
		}
		if row["created_at"] == nil {
			row["created_at"] = ts
		}
		if row["updated_at"] == nil {
			row["updated_at"] = ts
		}
		row["deleted_at"] = nil
		return localstore.PutTx(ctx, tx, table, row)

	case syncwire.OpUpdate:
		var writable []string
		if entry.EntityType == domain.EntityOrder {
			writable = domain.OrderWritableFields
		} else {
			writable = domain.OrderLineWritableFields
		}
		patch := domain.ProjectWritable(entry.Data, writable)
		if v, ok := entry.Data["version"]; ok {
			patch["version"] = v
		}
		if v, ok := entry.Data["updated_at"]; ok {
			patch["updated_at"] = v
		}
		if v, ok := entry.Data["deleted_at"]; ok {
			patch["deleted_at"] = v
		}
		if len(patch) == 0 {
			return nil
		}
		err := localstore.UpdateTx(ctx, tx, table, entry.EntityID, patch)
		if err == localstore.ErrNotFound {
			logger.Warn("update for entity with no local row, skipping",
				"entity_type", entry.EntityType, "entity_id", entry.EntityID, "sync_id", entry.SyncID)
			return nil
		}
		return err

	case syncwire.OpDelete:
		deletedAt := now.UTC().Format(time.RFC3339Nano)
		patch := domain.FieldBag{"deleted_at": deletedAt}
		if v, ok := entry.Data["version"]; ok {
			patch["version"] = v
		}
		if err := localstore.UpdateTx(ctx, tx, table, entry.EntityID, patch); err != nil && err != localstore.ErrNotFound {
			return err
		}
		if entry.EntityType == domain.EntityOrder {
			return cascadeDeleteLinesTx(ctx, tx, entry.EntityID, deletedAt)
		}
		return nil

	default:
		return &ProtocolError{Op: "apply", Err: errUnknownOpType(entry.OperationType)}
	}
}

func cascadeDeleteLinesTx(ctx context.Context, tx *sql.Tx, orderID string, deletedAt string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, version FROM order_lines WHERE order_id = ? AND deleted_at IS NULL`, orderID)
	if err != nil {
		return err
	}
	type idVersion struct {
		id      string
		version int64
	}
	var lines []idVersion
	for rows.Next() {
		var iv idVersion
		if err := rows.Scan(&iv.id, &iv.version); err != nil {
			rows.Close()
			return err
		}
		lines = append(lines, iv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, iv := range lines {
		if err := localstore.UpdateTx(ctx, tx, localstore.TableOrderLines, iv.id, domain.FieldBag{
			"deleted_at": deletedAt,
			"version":    iv.version + 1,
		}); err != nil && err != localstore.ErrNotFound {
			return err
		}
	}
	return nil
}

type errUnknownOpType syncwire.OpType

func (e errUnknownOpType) Error() string { return "unknown op type: " + string(e) }
