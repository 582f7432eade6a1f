// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/syncwire"
)

// OrderRepository is the entity-facing CRUD surface for Order, with
// automatic outbox emission (spec §4.2). One repository per entity type,
// mirroring the teacher's per-table registration but fixed to this
// domain's two mutable entities instead of a generic registry.
type OrderRepository struct {
	store *Store
	now   func() time.Time
}

func NewOrderRepository(store *Store) *OrderRepository {
	return &OrderRepository{store: store, now: time.Now}
}

// Create generates a new id, sets version=1 and timestamps to now, writes
// the entity row and appends a CREATE outbox record with data = full row,
// atomically.
func (r *OrderRepository) Create(ctx context.Context, fields domain.FieldBag) (domain.Order, error) {
	now := r.now().UTC()
	id := uuid.Must(uuid.NewV7()).String()

	order := domain.Order{
		ID:        id,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	row := domain.ProjectWritable(fields, domain.OrderWritableFields)
	row["id"] = id
	row["version"] = int64(1)
	row["created_at"] = now.Format(time.RFC3339Nano)
	row["updated_at"] = now.Format(time.RFC3339Nano)

	var err error
	order, err = domain.OrderFromFieldBag(row)
	if err != nil {
		return domain.Order{}, err
	}

	opID := uuid.Must(uuid.NewV7()).String()
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := PutTx(ctx, tx, TableOrders, row); err != nil {
			return err
		}
		_, err := AppendOperationTx(ctx, tx, opID, domain.EntityOrder, id, syncwire.OpCreate, row, now)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// Update reads the current row (NotFound if absent), writes the merged row
// with version = current.version + 1, and appends an UPDATE outbox record
// whose data is patch union {version: current.version} — the expected
// pre-increment version (spec §4.2).
func (r *OrderRepository) Update(ctx context.Context, id string, patch domain.FieldBag) (domain.Order, error) {
	now := r.now().UTC()
	var updated domain.Order

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		current, ok, err := getTx(ctx, tx, TableOrders, tableSpecs[TableOrders], id, false)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		currentVersion := toInt64Field(current["version"])
		writable := domain.ProjectWritable(patch, domain.OrderWritableFields)

		full := current.Merge(writable)
		full["version"] = currentVersion + 1
		full["updated_at"] = now.Format(time.RFC3339Nano)

		if err := UpdateTx(ctx, tx, TableOrders, id, full); err != nil {
			return err
		}

		outboxData := writable.Clone()
		outboxData["version"] = currentVersion
		opID := uuid.Must(uuid.NewV7()).String()
		if _, err := AppendOperationTx(ctx, tx, opID, domain.EntityOrder, id, syncwire.OpUpdate, outboxData, now); err != nil {
			return err
		}

		updated, err = domain.OrderFromFieldBag(full)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

// Delete reads the current row, then in one transaction appends a DELETE
// outbox record (data = {version: current.version}) and sets
// deleted_at=now, version+=1, updated_at=now (spec §4.2).
func (r *OrderRepository) Delete(ctx context.Context, id string) error {
	now := r.now().UTC()
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		current, ok, err := getTx(ctx, tx, TableOrders, tableSpecs[TableOrders], id, false)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		currentVersion := toInt64Field(current["version"])

		patch := domain.FieldBag{
			"version":    currentVersion + 1,
			"updated_at": now.Format(time.RFC3339Nano),
			"deleted_at": now.Format(time.RFC3339Nano),
		}
		if err := UpdateTx(ctx, tx, TableOrders, id, patch); err != nil {
			return err
		}

		opID := uuid.Must(uuid.NewV7()).String()
		outboxData := domain.FieldBag{"version": currentVersion}
		_, err = AppendOperationTx(ctx, tx, opID, domain.EntityOrder, id, syncwire.OpDelete, outboxData, now)
		return err
	})
}

// GetRecap returns every non-deleted order whose delivery_date matches
// date, the read query keyed by ["recap", date] in the UI contract (§6).
func (r *OrderRepository) GetRecap(ctx context.Context, date string) ([]domain.Order, error) {
	bags, err := r.store.WhereIndex(ctx, TableOrders, "delivery_date", date, false)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(bags))
	for _, b := range bags {
		o, err := domain.OrderFromFieldBag(b)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// OrderLineRepository is the entity-facing CRUD surface for OrderLine.
type OrderLineRepository struct {
	store *Store
	now   func() time.Time
}

func NewOrderLineRepository(store *Store) *OrderLineRepository {
	return &OrderLineRepository{store: store, now: time.Now}
}

func (r *OrderLineRepository) Create(ctx context.Context, fields domain.FieldBag) (domain.OrderLine, error) {
	now := r.now().UTC()
	id := uuid.Must(uuid.NewV7()).String()

	row := domain.ProjectWritable(fields, domain.OrderLineWritableFields)
	row["id"] = id
	row["version"] = int64(1)
	row["created_at"] = now.Format(time.RFC3339Nano)
	row["updated_at"] = now.Format(time.RFC3339Nano)

	line, err := domain.OrderLineFromFieldBag(row)
	if err != nil {
		return domain.OrderLine{}, err
	}

	opID := uuid.Must(uuid.NewV7()).String()
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := PutTx(ctx, tx, TableOrderLines, row); err != nil {
			return err
		}
		_, err := AppendOperationTx(ctx, tx, opID, domain.EntityOrderLine, id, syncwire.OpCreate, row, now)
		return err
	})
	if err != nil {
		return domain.OrderLine{}, err
	}
	return line, nil
}

func (r *OrderLineRepository) Update(ctx context.Context, id string, patch domain.FieldBag) (domain.OrderLine, error) {
	now := r.now().UTC()
	var updated domain.OrderLine

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		current, ok, err := getTx(ctx, tx, TableOrderLines, tableSpecs[TableOrderLines], id, false)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		currentVersion := toInt64Field(current["version"])
		writable := domain.ProjectWritable(patch, domain.OrderLineWritableFields)

		full := current.Merge(writable)
		full["version"] = currentVersion + 1
		full["updated_at"] = now.Format(time.RFC3339Nano)

		if err := UpdateTx(ctx, tx, TableOrderLines, id, full); err != nil {
			return err
		}

		outboxData := writable.Clone()
		outboxData["version"] = currentVersion
		opID := uuid.Must(uuid.NewV7()).String()
		if _, err := AppendOperationTx(ctx, tx, opID, domain.EntityOrderLine, id, syncwire.OpUpdate, outboxData, now); err != nil {
			return err
		}

		updated, err = domain.OrderLineFromFieldBag(full)
		return err
	})
	if err != nil {
		return domain.OrderLine{}, err
	}
	return updated, nil
}

func (r *OrderLineRepository) Delete(ctx context.Context, id string) error {
	now := r.now().UTC()
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		current, ok, err := getTx(ctx, tx, TableOrderLines, tableSpecs[TableOrderLines], id, false)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		currentVersion := toInt64Field(current["version"])

		patch := domain.FieldBag{
			"version":    currentVersion + 1,
			"updated_at": now.Format(time.RFC3339Nano),
			"deleted_at": now.Format(time.RFC3339Nano),
		}
		if err := UpdateTx(ctx, tx, TableOrderLines, id, patch); err != nil {
			return err
		}

		opID := uuid.Must(uuid.NewV7()).String()
		outboxData := domain.FieldBag{"version": currentVersion}
		_, err = AppendOperationTx(ctx, tx, opID, domain.EntityOrderLine, id, syncwire.OpDelete, outboxData, now)
		return err
	})
}

// ListForOrder returns every non-deleted line for an order, the rows a
// recap view joins against its orders.
func (r *OrderLineRepository) ListForOrder(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	bags, err := r.store.WhereIndex(ctx, TableOrderLines, "order_id", orderID, false)
	if err != nil {
		return nil, err
	}
	out := make([]domain.OrderLine, 0, len(bags))
	for _, b := range bags {
		l, err := domain.OrderLineFromFieldBag(b)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// getTx reads one row by id inside an existing tx, mirroring Store.Get but
// scoped to a transaction so repositories can read-then-write atomically.
func getTx(ctx context.Context, tx *sql.Tx, table TableName, spec tableSpec, id string, includeDeleted bool) (domain.FieldBag, bool, error) {
	cols := spec.columns
	query := "SELECT "
	for i, c := range cols {
		if i > 0 {
			query += ", "
		}
		query += c
	}
	query += " FROM " + string(table) + " WHERE id = ?"
	if !includeDeleted && hasDeletedAt(spec) {
		query += " AND deleted_at IS NULL"
	}
	row := tx.QueryRowContext(ctx, query, id)
	bag, err := scanRow(spec, row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, newStoreError("get tx", err)
	}
	return bag, true, nil
}

func toInt64Field(v any) int64 {
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
