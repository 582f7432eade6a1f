// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/syncwire"
)

// appendLogTx appends exactly one change-log entry and returns its
// globally monotonic sync_id (spec §4.5: "Every accepted mutation appends
// exactly one log entry"). data carries the resulting row state the way
// the client's apply/rebase logic expects it (patch fields for UPDATE,
// full row for CREATE, {version} for DELETE), always tagged with the
// operation's new version so changed-field detection (resolveUpdate) can
// compare against it.
func appendLogTx(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, entityID string, opType syncwire.OpType, data domain.FieldBag, occurredAt time.Time) (int64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal change log payload: %w", err)
	}
	var syncID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO sync.server_change_log (entity_type, entity_id, operation_type, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING sync_id
	`, string(entityType), entityID, string(opType), payload, occurredAt).Scan(&syncID)
	if err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	return syncID, nil
}

// getServerChangedFieldsTx unions the payload keys of every UPDATE log
// entry for (entityType, entityID) whose resulting version is greater
// than sinceVersion. This is the log-diff technique used to compute
// "fields modified between expected_version and current_version" for
// spec §4.5's UPDATE-conflict rule, grounded on the original Python
// service's get_server_changed_fields query (reading the log rather than
// a dedicated audit table).
func getServerChangedFieldsTx(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, entityID string, sinceVersion int64) (map[string]struct{}, error) {
	rows, err := tx.Query(ctx, `
		SELECT data FROM sync.server_change_log
		WHERE entity_type = $1 AND entity_id = $2 AND operation_type = 'UPDATE'
		  AND COALESCE((data->>'version')::bigint, 0) > $3
		ORDER BY sync_id ASC
	`, string(entityType), entityID, sinceVersion)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	changed := make(map[string]struct{})
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan change log row: %w", err)
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("unmarshal change log row: %w", err)
		}
		for field := range data {
			if field == "version" {
				continue
			}
			changed[field] = struct{}{}
		}
	}
	return changed, rows.Err()
}

// ListChangeLog returns log entries with sync_id > since, up to limit,
// for the admin/diagnostics endpoint (SPEC_FULL §C).
func ListChangeLog(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, since int64, limit int) ([]syncwire.ChangeLogEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT sync_id, entity_type, entity_id, operation_type, data, occurred_at
		FROM sync.server_change_log
		WHERE sync_id > $1
		ORDER BY sync_id ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list change log: %w", err)
	}
	defer rows.Close()

	var out []syncwire.ChangeLogEntry
	for rows.Next() {
		var entry syncwire.ChangeLogEntry
		var entityType, opType string
		var raw []byte
		var occurredAt time.Time
		if err := rows.Scan(&entry.SyncID, &entityType, &entry.EntityID, &opType, &raw, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan change log row: %w", err)
		}
		entry.EntityType = domain.EntityType(entityType)
		entry.OperationType = syncwire.OpType(opType)
		entry.Timestamp = occurredAt.Format(time.RFC3339Nano)
		var data domain.FieldBag
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("unmarshal change log row: %w", err)
		}
		entry.Data = data
		out = append(out, entry)
	}
	return out, rows.Err()
}
