// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/localstore"
	"github.com/m-thenot/preorder-sync/syncwire"
)

// BusinessError is a terminal, non-retryable rejection returned by the
// server for a single pushed op (spec §7). It never aborts the rest of the
// batch; other ops in the same response are still reconciled.
type BusinessError struct {
	OperationID string
	Message     string
}

func (e *BusinessError) Error() string { return "business error on " + e.OperationID + ": " + e.Message }

// Invalidator is the write-only cache-invalidation sink the Orchestrator
// pushes affected order ids into (spec §5: "treated as a write-only sink;
// the Orchestrator MUST NOT read cache state during sync").
type Invalidator interface {
	InvalidateOrders(ctx context.Context, orderIDs []string)
}

// NoopInvalidator discards invalidation requests, useful for tests and for
// callers that drive invalidation from store-change notifications instead.
type NoopInvalidator struct{}

func (NoopInvalidator) InvalidateOrders(context.Context, []string) {}

// PushEngine drains the outbox into one server request per invocation,
// coalescing per entity and reconciling the response (spec §4.3).
type PushEngine struct {
	store       *localstore.Store
	transport   Transport
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time
}

func NewPushEngine(store *localstore.Store, transport Transport, invalidator Invalidator, logger *slog.Logger) *PushEngine {
	if invalidator == nil {
		invalidator = NoopInvalidator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PushEngine{store: store, transport: transport, invalidator: invalidator, logger: logger, now: time.Now}
}

// PushResult summarizes one invocation for the Orchestrator's status.
type PushResult struct {
	SuccessCount int
	FailedCount  int
}

// Run executes one full push cycle: snapshot, coalesce, remove vacuous
// ops, send the survivors, reconcile, and invalidate caches (spec §4.3
// steps 1-10).
func (e *PushEngine) Run(ctx context.Context) (PushResult, error) {
	now := e.now()

	pending, err := e.store.GetPendingOperations(ctx, now.UnixMilli())
	if err != nil {
		return PushResult{}, err
	}
	if len(pending) == 0 {
		return PushResult{}, nil
	}

	groups := coalesce(pending)

	var toMarkSynced []string
	var toSend []localstore.OutboxRecord
	for _, g := range groups {
		toMarkSynced = append(toMarkSynced, g.remove...)
		if g.send != nil {
			toSend = append(toSend, *g.send)
		}
	}

	if len(toMarkSynced) > 0 {
		if err := e.store.MarkSynced(ctx, toMarkSynced); err != nil {
			return PushResult{}, err
		}
	}

	result := PushResult{SuccessCount: len(toMarkSynced)}
	if len(toSend) == 0 {
		return result, nil
	}

	sendIDs := make([]string, len(toSend))
	for i, op := range toSend {
		sendIDs[i] = op.ID
	}
	if err := e.store.MarkSyncing(ctx, sendIDs); err != nil {
		return PushResult{}, err
	}

	req := syncwire.PushRequest{Operations: make([]syncwire.PushOperation, len(toSend))}
	for i, op := range toSend {
		var expected *int64
		if v, ok := op.Data["version"]; ok {
			n := toInt64(v)
			expected = &n
		}
		data := op.Data.Clone()
		delete(data, "version")
		req.Operations[i] = syncwire.PushOperation{
			ID:              op.ID,
			EntityType:      op.EntityType,
			EntityID:        op.EntityID,
			OperationType:   op.OpType,
			Data:            data,
			ExpectedVersion: expected,
			Timestamp:       op.Timestamp.Format(time.RFC3339Nano),
		}
	}

	resp, err := e.transport.Push(ctx, req)
	if err != nil {
		// Transport failure: mark every sent op failed with backoff scheduling.
		for _, op := range toSend {
			if markErr := e.store.MarkFailed(ctx, op.ID, err.Error(), now); markErr != nil {
				e.logger.Error("mark failed after transport error", "op_id", op.ID, "error", markErr)
			}
		}
		result.FailedCount = len(toSend)
		return result, err
	}

	byID := make(map[string]syncwire.PushOperationResult, len(resp.Results))
	for _, r := range resp.Results {
		byID[r.OperationID] = r
	}

	affectedOrders := make(map[string]struct{})
	for _, op := range toSend {
		r, ok := byID[op.ID]
		if !ok {
			// Missing result for a sent op: a ProtocolError, treated as a
			// transport failure for this op so it retries.
			if markErr := e.store.MarkFailed(ctx, op.ID, "missing result in push response", now); markErr != nil {
				e.logger.Error("mark failed after missing result", "op_id", op.ID, "error", markErr)
			}
			result.FailedCount++
			continue
		}
		if err := e.reconcileOne(ctx, op, r, affectedOrders); err != nil {
			e.logger.Error("reconcile push result", "op_id", op.ID, "error", err)
			result.FailedCount++
			continue
		}
		result.SuccessCount++
	}

	if result.SuccessCount > 0 {
		if err := e.store.SetMetadata(ctx, metaLastPushTimestamp, now.Format(time.RFC3339Nano)); err != nil {
			e.logger.Error("set last push timestamp", "error", err)
		}
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

func (e *PushEngine) reconcileOne(ctx context.Context, op localstore.OutboxRecord, r syncwire.PushOperationResult, affectedOrders map[string]struct{}) error {
	orderID := e.resolveOrderID(op)
	if orderID != "" {
		affectedOrders[orderID] = struct{}{}
	}

	switch r.Status {
	case syncwire.PushStatusSuccess:
		return e.store.WithTx(ctx, func(tx *sql.Tx) error {
			if r.NewVersion != nil {
				if err := localstore.UpdateEntityVersionTx(ctx, tx, op.EntityType, op.EntityID, *r.NewVersion); err != nil && err != localstore.ErrNotFound {
					return err
				}
			}
			return markSyncedTx(ctx, tx, op.ID)
		})

	case syncwire.PushStatusConflict:
		if op.OpType == syncwire.OpDelete {
			// Server refused the delete: restore the local entity.
			return e.store.WithTx(ctx, func(tx *sql.Tx) error {
				table, err := tableForEntity(op.EntityType)
				if err != nil {
					return err
				}
				patch := domain.FieldBag{"deleted_at": nil, "updated_at": time.Now().UTC().Format(time.RFC3339Nano)}
				if r.NewVersion != nil {
					patch["version"] = *r.NewVersion
				}
				if err := localstore.UpdateTx(ctx, tx, table, op.EntityID, patch); err != nil && err != localstore.ErrNotFound {
					return err
				}
				return markRejectedTx(ctx, tx, op.ID, "delete conflict: entity restored")
			})
		}
		// CREATE/UPDATE conflict: server fields win on overlap, already
		// merged server-side; overwrite local row with winning server
		// values and accept the new version.
		return e.store.WithTx(ctx, func(tx *sql.Tx) error {
			table, err := tableForEntity(op.EntityType)
			if err != nil {
				return err
			}
			patch := domain.FieldBag{}
			for _, c := range r.Conflicts {
				if c.Winner == syncwire.WinnerServer {
					patch[c.Field] = c.ServerValue
				}
			}
			if r.NewVersion != nil {
				patch["version"] = *r.NewVersion
			}
			if len(patch) > 0 {
				if err := localstore.UpdateTx(ctx, tx, table, op.EntityID, patch); err != nil && err != localstore.ErrNotFound {
					return err
				}
			}
			return markSyncedTx(ctx, tx, op.ID)
		})

	case syncwire.PushStatusError:
		message := "rejected by server"
		if r.Message != nil {
			message = *r.Message
		}
		if err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
			return markRejectedTx(ctx, tx, op.ID, message)
		}); err != nil {
			return err
		}
		return &BusinessError{OperationID: op.ID, Message: message}

	default:
		return &ProtocolError{Op: "reconcile", Err: errUnknownStatus(r.Status)}
	}
}

// resolveOrderID returns the order id affected by op for cache
// invalidation: the op's own id for Order, or data.order_id (falling back
// to the local row) for OrderLine.
func (e *PushEngine) resolveOrderID(op localstore.OutboxRecord) string {
	if op.EntityType == domain.EntityOrder {
		return op.EntityID
	}
	if orderID, ok := op.Data["order_id"].(string); ok && orderID != "" {
		return orderID
	}
	bag, ok, err := e.store.Get(context.Background(), localstore.TableOrderLines, op.EntityID, true)
	if err != nil || !ok {
		return ""
	}
	if orderID, ok := bag["order_id"].(string); ok {
		return orderID
	}
	return ""
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func tableForEntity(entityType domain.EntityType) (localstore.TableName, error) {
	switch entityType {
	case domain.EntityOrder:
		return localstore.TableOrders, nil
	case domain.EntityOrderLine:
		return localstore.TableOrderLines, nil
	default:
		return "", &ProtocolError{Op: "table for entity", Err: errUnknownEntity(entityType)}
	}
}

type errUnknownStatus syncwire.PushStatus

func (e errUnknownStatus) Error() string { return "unknown push status: " + string(e) }

type errUnknownEntity domain.EntityType

func (e errUnknownEntity) Error() string { return "unknown entity type: " + string(e) }

func markSyncedTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE outbox SET status = 'synced' WHERE id = ?`, id)
	return err
}

func markRejectedTx(ctx context.Context, tx *sql.Tx, id string, message string) error {
	_, err := tx.ExecContext(ctx, `UPDATE outbox SET status = 'rejected', last_error = ? WHERE id = ?`, message, id)
	return err
}

const metaLastPushTimestamp = "last_push_timestamp"
