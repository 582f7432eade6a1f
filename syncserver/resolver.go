// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/syncwire"
)

// resolveOperation applies spec §4.5's per-op-type rules inside tx and
// returns the wire result. The caller (SyncService.ProcessPush) wraps
// each call in its own savepoint so one op's failure does not abort
// sibling ops in the same batch, mirroring the original service's
// per-operation nested-transaction isolation.
func resolveOperation(ctx context.Context, tx pgx.Tx, op syncwire.PushOperation, now time.Time) syncwire.PushOperationResult {
	switch op.OperationType {
	case syncwire.OpCreate:
		return resolveCreate(ctx, tx, op, now)
	case syncwire.OpUpdate:
		return resolveUpdate(ctx, tx, op, now)
	case syncwire.OpDelete:
		return resolveDelete(ctx, tx, op, now)
	default:
		msg := "unknown operation_type"
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
	}
}

func resolveCreate(ctx context.Context, tx pgx.Tx, op syncwire.PushOperation, now time.Time) syncwire.PushOperationResult {
	if err := insertRowTx(ctx, tx, op.EntityType, op.EntityID, op.Data, now); err != nil {
		msg := err.Error()
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
	}
	logData := op.Data.Clone()
	logData["version"] = int64(1)
	syncID, err := appendLogTx(ctx, tx, op.EntityType, op.EntityID, syncwire.OpCreate, logData, now)
	if err != nil {
		msg := err.Error()
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
	}
	newVersion := int64(1)
	return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusSuccess, SyncID: &syncID, NewVersion: &newVersion}
}

func resolveUpdate(ctx context.Context, tx pgx.Tx, op syncwire.PushOperation, now time.Time) syncwire.PushOperationResult {
	expected := int64(0)
	if op.ExpectedVersion != nil {
		expected = *op.ExpectedVersion
	}

	currentVersion, deleted, currentRow, err := currentRowTx(ctx, tx, op.EntityType, op.EntityID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			msg := "entity not found"
			return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
		}
		msg := err.Error()
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
	}
	if deleted {
		msg := "entity deleted"
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
	}

	if expected == currentVersion {
		newVersion := currentVersion + 1
		if err := applyPatchTx(ctx, tx, op.EntityType, op.EntityID, op.Data, newVersion, now); err != nil {
			msg := err.Error()
			return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
		}
		logData := op.Data.Clone()
		logData["version"] = newVersion
		syncID, err := appendLogTx(ctx, tx, op.EntityType, op.EntityID, syncwire.OpUpdate, logData, now)
		if err != nil {
			msg := err.Error()
			return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
		}
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusSuccess, SyncID: &syncID, NewVersion: &newVersion}
	}

	if expected > currentVersion {
		// The client claims a version ahead of the server's; treat as a
		// protocol-level inconsistency, not a resolvable conflict.
		msg := "expected_version ahead of current_version"
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
	}

	// expected < current: compute the intersection of patched fields with
	// fields modified between expected_version and current_version. The
	// server's value wins on overlap; non-overlapping patched fields are
	// accepted (merge).
	changedSinceExpected, err := getServerChangedFieldsTx(ctx, tx, op.EntityType, op.EntityID, expected)
	if err != nil {
		msg := err.Error()
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
	}

	var conflicts []syncwire.FieldConflict
	merged := domain.FieldBag{}
	for field, clientValue := range op.Data {
		if _, overlap := changedSinceExpected[field]; overlap {
			serverValue := currentRow[field]
			conflicts = append(conflicts, syncwire.FieldConflict{
				Field:       field,
				ClientValue: clientValue,
				ServerValue: derefAny(serverValue),
				Winner:      syncwire.WinnerServer,
			})
			continue // server value wins: do not include the client's value in merged
		}
		merged[field] = clientValue
	}

	newVersion := currentVersion + 1
	if err := applyPatchTx(ctx, tx, op.EntityType, op.EntityID, merged, newVersion, now); err != nil {
		msg := err.Error()
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
	}
	logData := merged.Clone()
	logData["version"] = newVersion
	syncID, err := appendLogTx(ctx, tx, op.EntityType, op.EntityID, syncwire.OpUpdate, logData, now)
	if err != nil {
		msg := err.Error()
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
	}

	return syncwire.PushOperationResult{
		OperationID: op.ID,
		Status:      syncwire.PushStatusConflict,
		SyncID:      &syncID,
		NewVersion:  &newVersion,
		Conflicts:   conflicts,
	}
}

func resolveDelete(ctx context.Context, tx pgx.Tx, op syncwire.PushOperation, now time.Time) syncwire.PushOperationResult {
	expected := int64(0)
	if op.ExpectedVersion != nil {
		expected = *op.ExpectedVersion
	}

	currentVersion, deleted, _, err := currentRowTx(ctx, tx, op.EntityType, op.EntityID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			msg := "entity not found"
			return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
		}
		msg := err.Error()
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
	}
	if deleted {
		// Already deleted: idempotent success, no new version or log entry.
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusSuccess, NewVersion: &currentVersion}
	}

	if expected != currentVersion {
		// The client restores the locally-deleted entity on this result
		// (spec §4.5: "the client will restore").
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusConflict, NewVersion: &currentVersion}
	}

	newVersion := currentVersion + 1
	if err := softDeleteTx(ctx, tx, op.EntityType, op.EntityID, newVersion, now); err != nil {
		msg := err.Error()
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
	}
	if op.EntityType == domain.EntityOrder {
		if err := cascadeDeleteOrderLinesTx(ctx, tx, op.EntityID, now); err != nil {
			msg := err.Error()
			return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
		}
	}
	logData := domain.FieldBag{"version": newVersion}
	syncID, err := appendLogTx(ctx, tx, op.EntityType, op.EntityID, syncwire.OpDelete, logData, now)
	if err != nil {
		msg := err.Error()
		return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusError, Message: &msg}
	}
	return syncwire.PushOperationResult{OperationID: op.ID, Status: syncwire.PushStatusSuccess, SyncID: &syncID, NewVersion: &newVersion}
}

func derefAny(v any) any {
	switch p := v.(type) {
	case *string:
		if p == nil {
			return nil
		}
		return *p
	default:
		return v
	}
}
