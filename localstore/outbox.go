// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/syncwire"
)

// OutboxStatus is the lifecycle state of one outbox record (spec §3's DAG:
// pending -> syncing -> {synced, failed, rejected}; failed -> pending).
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSyncing OutboxStatus = "syncing"
	OutboxSynced  OutboxStatus = "synced"
	OutboxFailed  OutboxStatus = "failed"
	OutboxRejected OutboxStatus = "rejected"
)

const (
	backoffBase      = 1 * time.Second
	backoffMax       = 5 * time.Minute
	maxRetries       = 5
)

// OutboxRecord is one row of the outbox table (spec §3).
type OutboxRecord struct {
	ID             string
	SequenceNumber int64
	EntityType     domain.EntityType
	EntityID       string
	OpType         syncwire.OpType
	Data           domain.FieldBag
	Timestamp      time.Time
	Status         OutboxStatus
	RetryCount     int
	NextRetryAt    *int64 // epoch millis, nil if not scheduled / terminally failed
	LastError      *string
}

// NextSequenceTx returns max(sequence_number)+1, or 1 if the outbox is empty.
// Callers that need this atomic with an append should call it inside the
// same tx as the subsequent INSERT (SQLite's single-writer lock makes this
// safe without an explicit SELECT ... FOR UPDATE).
func NextSequenceTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence_number) FROM outbox`).Scan(&maxSeq); err != nil {
		return 0, newStoreError("next sequence", err)
	}
	if !maxSeq.Valid {
		return 1, nil
	}
	return maxSeq.Int64 + 1, nil
}

// AppendOperationTx assigns a sequence number and inserts a new outbox
// record with status=pending, inside tx — the atomic write group spec
// §4.1 requires alongside the entity row write.
func AppendOperationTx(ctx context.Context, tx *sql.Tx, id string, entityType domain.EntityType, entityID string, opType syncwire.OpType, data domain.FieldBag, ts time.Time) (int64, error) {
	seq, err := NextSequenceTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, newStoreError("append operation", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (id, sequence_number, entity_type, entity_id, op_type, data, timestamp, status, retry_count, next_retry_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL)
	`, id, seq, string(entityType), entityID, string(opType), string(payload), ts.Format(time.RFC3339Nano), string(OutboxPending))
	if err != nil {
		return 0, newStoreError("append operation", err)
	}
	return seq, nil
}

func scanOutboxRow(scanner interface{ Scan(...any) error }) (OutboxRecord, error) {
	var rec OutboxRecord
	var entityType, opType, status, ts string
	var dataJSON string
	var nextRetryAt sql.NullInt64
	var lastError sql.NullString
	if err := scanner.Scan(&rec.ID, &rec.SequenceNumber, &entityType, &rec.EntityID, &opType, &dataJSON, &ts, &status, &rec.RetryCount, &nextRetryAt, &lastError); err != nil {
		return rec, err
	}
	rec.EntityType = domain.EntityType(entityType)
	rec.OpType = syncwire.OpType(opType)
	rec.Status = OutboxStatus(status)
	if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		rec.Timestamp = parsed
	}
	var data domain.FieldBag
	if err := json.Unmarshal([]byte(dataJSON), &data); err == nil {
		rec.Data = data
	}
	if nextRetryAt.Valid {
		v := nextRetryAt.Int64
		rec.NextRetryAt = &v
	}
	if lastError.Valid {
		v := lastError.String
		rec.LastError = &v
	}
	return rec, nil
}

const outboxColumns = "id, sequence_number, entity_type, entity_id, op_type, data, timestamp, status, retry_count, next_retry_at, last_error"

// GetPendingOperations returns operations with status=pending, or
// status=failed with an elapsed next_retry_at, ordered by sequence_number
// ascending (spec §4.1).
func (s *Store) GetPendingOperations(ctx context.Context, nowMillis int64) ([]OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE status = ?
		   OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
		ORDER BY sequence_number ASC
	`, string(OutboxPending), string(OutboxFailed), nowMillis)
	if err != nil {
		return nil, newStoreError("get pending operations", err)
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		rec, err := scanOutboxRow(rows)
		if err != nil {
			return nil, newStoreError("get pending operations", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListFailedOperations returns outbox rows in status=failed or
// status=rejected, for diagnostics (spec §7: "rejected ops remain in the
// outbox ... for diagnostics"). Supplemented per SPEC_FULL §C.
func (s *Store) ListFailedOperations(ctx context.Context) ([]OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE status = ? OR status = ?
		ORDER BY sequence_number ASC
	`, string(OutboxFailed), string(OutboxRejected))
	if err != nil {
		return nil, newStoreError("list failed operations", err)
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		rec, err := scanOutboxRow(rows)
		if err != nil {
			return nil, newStoreError("list failed operations", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSyncing bulk-transitions ops to status=syncing.
func (s *Store) MarkSyncing(ctx context.Context, ids []string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE outbox SET status = ? WHERE id = ?`, string(OutboxSyncing), id); err != nil {
				return newStoreError("mark syncing", err)
			}
		}
		return nil
	})
}

// MarkSynced bulk-transitions ops to the terminal status=synced.
func (s *Store) MarkSynced(ctx context.Context, ids []string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE outbox SET status = ? WHERE id = ?`, string(OutboxSynced), id); err != nil {
				return newStoreError("mark synced", err)
			}
		}
		return nil
	})
}

// MarkFailed increments retry_count and schedules next_retry_at using the
// exponential backoff sequence {1s, 2s, 4s, 8s, 16s, capped at 5min}; once
// retry_count exceeds maxRetries (5), next_retry_at is cleared, making the
// op terminally failed (spec §4.1, §8 boundary behavior).
func (s *Store) MarkFailed(ctx context.Context, id string, errMessage string, now time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var retryCount int
		if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM outbox WHERE id = ?`, id).Scan(&retryCount); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return newStoreError("mark failed", err)
		}
		retryCount++

		var nextRetryAt sql.NullInt64
		if retryCount > maxRetries {
			nextRetryAt = sql.NullInt64{}
		} else {
			delay := backoffBase * time.Duration(1<<uint(retryCount-1))
			if delay > backoffMax {
				delay = backoffMax
			}
			nextRetryAt = sql.NullInt64{Int64: now.Add(delay).UnixMilli(), Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE outbox SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ? WHERE id = ?
		`, string(OutboxFailed), retryCount, nextRetryAt, errMessage, id)
		if err != nil {
			return newStoreError("mark failed", err)
		}
		return nil
	})
}

// MarkRejected terminally rejects an op with a business-error message
// (spec §4.1, §4.3 step 7 "error").
func (s *Store) MarkRejected(ctx context.Context, id string, message string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE outbox SET status = ?, last_error = ? WHERE id = ?`, string(OutboxRejected), message, id)
		if err != nil {
			return newStoreError("mark rejected", err)
		}
		return nil
	})
}

// UpdateEntityVersionTx sets the local version column for an entity row,
// inside an existing tx (used by push reconciliation and rebase).
func UpdateEntityVersionTx(ctx context.Context, tx *sql.Tx, entityType domain.EntityType, id string, newVersion int64) error {
	table, err := tableForEntity(entityType)
	if err != nil {
		return err
	}
	return UpdateTx(ctx, tx, table, id, domain.FieldBag{"version": newVersion})
}

func tableForEntity(entityType domain.EntityType) (TableName, error) {
	switch entityType {
	case domain.EntityOrder:
		return TableOrders, nil
	case domain.EntityOrderLine:
		return TableOrderLines, nil
	default:
		return "", newStoreError("table for entity", sql.ErrNoRows)
	}
}
