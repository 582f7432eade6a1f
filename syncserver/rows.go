// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/m-thenot/preorder-sync/domain"
)

// currentRowTx fetches an entity's version, deleted state, and current
// column values (restricted to its writable field set, for conflict
// comparison) under row-level lock, so concurrent pushes against the same
// row serialize on Postgres's own locking instead of racing in Go.
func currentRowTx(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, id string) (version int64, deleted bool, row domain.FieldBag, err error) {
	switch entityType {
	case domain.EntityOrder:
		var partnerID string
		var status int
		var orderDate, deliveryDate, comment *string
		var deletedAt *time.Time
		err = tx.QueryRow(ctx, `
			SELECT partner_id, status, order_date, delivery_date, comment, version, deleted_at
			FROM orders WHERE id = $1 FOR UPDATE
		`, id).Scan(&partnerID, &status, &orderDate, &deliveryDate, &comment, &version, &deletedAt)
		if err != nil {
			return 0, false, nil, err
		}
		row = domain.FieldBag{"partner_id": partnerID, "status": status, "order_date": orderDate, "delivery_date": deliveryDate, "comment": comment}
		return version, deletedAt != nil, row, nil

	case domain.EntityOrderLine:
		var orderID, productID, unitID string
		var quantity, price float64
		var comment *string
		var deletedAt *time.Time
		err = tx.QueryRow(ctx, `
			SELECT order_id, product_id, unit_id, quantity, price, comment, version, deleted_at
			FROM order_lines WHERE id = $1 FOR UPDATE
		`, id).Scan(&orderID, &productID, &unitID, &quantity, &price, &comment, &version, &deletedAt)
		if err != nil {
			return 0, false, nil, err
		}
		row = domain.FieldBag{"order_id": orderID, "product_id": productID, "unit_id": unitID, "quantity": quantity, "price": price, "comment": comment}
		return version, deletedAt != nil, row, nil

	default:
		return 0, false, nil, fmt.Errorf("unknown entity type %q", entityType)
	}
}

func insertRowTx(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, id string, data domain.FieldBag, now time.Time) error {
	switch entityType {
	case domain.EntityOrder:
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (id, partner_id, status, order_date, delivery_date, comment, created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1)
		`, id, stringField(data, "partner_id"), intField(data, "status"), optStringField(data, "order_date"), optStringField(data, "delivery_date"), optStringField(data, "comment"), now)
		return err

	case domain.EntityOrderLine:
		_, err := tx.Exec(ctx, `
			INSERT INTO order_lines (id, order_id, product_id, unit_id, quantity, price, comment, created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, 1)
		`, id, stringField(data, "order_id"), stringField(data, "product_id"), stringField(data, "unit_id"), floatField(data, "quantity"), floatField(data, "price"), optStringField(data, "comment"), now)
		return err

	default:
		return fmt.Errorf("unknown entity type %q", entityType)
	}
}

func applyPatchTx(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, id string, patch domain.FieldBag, newVersion int64, now time.Time) error {
	switch entityType {
	case domain.EntityOrder:
		_, err := tx.Exec(ctx, `
			UPDATE orders SET
				partner_id = COALESCE($1, partner_id),
				status = COALESCE($2, status),
				order_date = CASE WHEN $3 THEN $4 ELSE order_date END,
				delivery_date = CASE WHEN $5 THEN $6 ELSE delivery_date END,
				comment = CASE WHEN $7 THEN $8 ELSE comment END,
				version = $9, updated_at = $10
			WHERE id = $11
		`,
			optPtrField[string](patch, "partner_id"),
			optPtrInt(patch, "status"),
			hasField(patch, "order_date"), optStringField(patch, "order_date"),
			hasField(patch, "delivery_date"), optStringField(patch, "delivery_date"),
			hasField(patch, "comment"), optStringField(patch, "comment"),
			newVersion, now, id,
		)
		return err

	case domain.EntityOrderLine:
		_, err := tx.Exec(ctx, `
			UPDATE order_lines SET
				order_id = COALESCE($1, order_id),
				product_id = COALESCE($2, product_id),
				unit_id = COALESCE($3, unit_id),
				quantity = COALESCE($4, quantity),
				price = COALESCE($5, price),
				comment = CASE WHEN $6 THEN $7 ELSE comment END,
				version = $8, updated_at = $9
			WHERE id = $10
		`,
			optPtrField[string](patch, "order_id"),
			optPtrField[string](patch, "product_id"),
			optPtrField[string](patch, "unit_id"),
			optPtrFloat(patch, "quantity"),
			optPtrFloat(patch, "price"),
			hasField(patch, "comment"), optStringField(patch, "comment"),
			newVersion, now, id,
		)
		return err

	default:
		return fmt.Errorf("unknown entity type %q", entityType)
	}
}

func softDeleteTx(ctx context.Context, tx pgx.Tx, entityType domain.EntityType, id string, newVersion int64, now time.Time) error {
	table, err := tableNameFor(entityType)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET deleted_at = $1, version = $2, updated_at = $1 WHERE id = $3`, table), now, newVersion, id)
	return err
}

// cascadeDeleteOrderLinesTx soft-deletes every line of an order and bumps
// each line's version, per spec §4.4's cascade rule. It appends no
// change-log entries for the lines; clients cascade locally when they
// apply the order's DELETE.
func cascadeDeleteOrderLinesTx(ctx context.Context, tx pgx.Tx, orderID string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE order_lines SET deleted_at = $1, version = version + 1, updated_at = $1
		WHERE order_id = $2 AND deleted_at IS NULL
	`, now, orderID)
	return err
}

func tableNameFor(entityType domain.EntityType) (string, error) {
	switch entityType {
	case domain.EntityOrder:
		return "orders", nil
	case domain.EntityOrderLine:
		return "order_lines", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
}

func stringField(b domain.FieldBag, key string) string {
	if v, ok := b[key].(string); ok {
		return v
	}
	return ""
}

func intField(b domain.FieldBag, key string) int {
	switch v := b[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func floatField(b domain.FieldBag, key string) float64 {
	switch v := b[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func optStringField(b domain.FieldBag, key string) *string {
	v, ok := b[key]
	if !ok || v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return &s
	}
	return nil
}

func hasField(b domain.FieldBag, key string) bool {
	_, ok := b[key]
	return ok
}

func optPtrField[T any](b domain.FieldBag, key string) *T {
	v, ok := b[key]
	if !ok || v == nil {
		return nil
	}
	if t, ok := v.(T); ok {
		return &t
	}
	return nil
}

func optPtrInt(b domain.FieldBag, key string) *int {
	v, ok := b[key]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		i := int(n)
		return &i
	case int:
		return &n
	case int64:
		i := int(n)
		return &i
	}
	return nil
}

func optPtrFloat(b domain.FieldBag, key string) *float64 {
	v, ok := b[key]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return &n
	case int:
		f := float64(n)
		return &f
	case int64:
		f := float64(n)
		return &f
	}
	return nil
}
