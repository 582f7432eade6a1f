// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/m-thenot/preorder-sync/domain"
)

// TableName identifies one of the Local Store's entity tables. Unlike the
// teacher's oversqlite, which discovers table shape at runtime via
// PRAGMA table_info for an open-ended set of registered tables, this
// store has a fixed, known domain, so each table's column list is a
// static tableSpec below rather than reflection over a struct.
type TableName string

const (
	TableOrders     TableName = "orders"
	TableOrderLines TableName = "order_lines"
	TablePartners   TableName = "partners"
	TableProducts   TableName = "products"
	TableUnits      TableName = "units"
)

type tableSpec struct {
	name    TableName
	columns []string // in INSERT/SELECT order; columns[0] is always "id"
}

var tableSpecs = map[TableName]tableSpec{
	TableOrders: {
		name:    TableOrders,
		columns: []string{"id", "partner_id", "status", "order_date", "delivery_date", "comment", "created_at", "updated_at", "version", "deleted_at"},
	},
	TableOrderLines: {
		name:    TableOrderLines,
		columns: []string{"id", "order_id", "product_id", "unit_id", "quantity", "price", "comment", "created_at", "updated_at", "version", "deleted_at"},
	},
	TablePartners: {
		name:    TablePartners,
		columns: []string{"id", "name", "code", "type"},
	},
	TableProducts: {
		name:    TableProducts,
		columns: []string{"id", "name", "short_name", "sku", "code"},
	},
	TableUnits: {
		name:    TableUnits,
		columns: []string{"id", "name", "abbreviation"},
	},
}

func hasDeletedAt(spec tableSpec) bool {
	for _, c := range spec.columns {
		if c == "deleted_at" {
			return true
		}
	}
	return false
}

func rowToBag(spec tableSpec, values []any) domain.FieldBag {
	bag := make(domain.FieldBag, len(spec.columns))
	for i, col := range spec.columns {
		bag[col] = values[i]
	}
	return bag
}

func scanRow(spec tableSpec, scanner interface{ Scan(...any) error }) (domain.FieldBag, error) {
	dest := make([]any, len(spec.columns))
	ptrs := make([]any, len(spec.columns))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := scanner.Scan(ptrs...); err != nil {
		return nil, err
	}
	return rowToBag(spec, dest), nil
}

// Get fetches one row by id. Read queries exclude soft-deleted rows unless
// includeDeleted is true (spec §4.1: "filter deleted_at IS NULL unless a
// sync-internal caller requests otherwise").
func (s *Store) Get(ctx context.Context, table TableName, id string, includeDeleted bool) (domain.FieldBag, bool, error) {
	spec, ok := tableSpecs[table]
	if !ok {
		return nil, false, newStoreError("get", fmt.Errorf("unknown table %q", table))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(spec.columns, ", "), table)
	if !includeDeleted && hasDeletedAt(spec) {
		query += " AND deleted_at IS NULL"
	}
	row := s.db.QueryRowContext(ctx, query, id)
	bag, err := scanRow(spec, row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, newStoreError("get", err)
	}
	return bag, true, nil
}

// GetAll returns every row of a table, in insertion order of id.
func (s *Store) GetAll(ctx context.Context, table TableName, includeDeleted bool) ([]domain.FieldBag, error) {
	spec, ok := tableSpecs[table]
	if !ok {
		return nil, newStoreError("get all", fmt.Errorf("unknown table %q", table))
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(spec.columns, ", "), table)
	if !includeDeleted && hasDeletedAt(spec) {
		query += " WHERE deleted_at IS NULL"
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, newStoreError("get all", err)
	}
	defer rows.Close()

	var out []domain.FieldBag
	for rows.Next() {
		bag, err := scanRow(spec, rows)
		if err != nil {
			return nil, newStoreError("get all", err)
		}
		out = append(out, bag)
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError("get all", err)
	}
	return out, nil
}

// WhereIndex returns every row whose column equals value. The query has
// no ORDER BY, so the order of the returned rows is not defined.
// Used for orders(partner_id), orders(delivery_date), order_lines(order_id).
func (s *Store) WhereIndex(ctx context.Context, table TableName, column string, value any, includeDeleted bool) ([]domain.FieldBag, error) {
	spec, ok := tableSpecs[table]
	if !ok {
		return nil, newStoreError("where index", fmt.Errorf("unknown table %q", table))
	}
	if !validColumn(spec, column) {
		return nil, newStoreError("where index", fmt.Errorf("table %q has no column %q", table, column))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", strings.Join(spec.columns, ", "), table, column)
	if !includeDeleted && hasDeletedAt(spec) {
		query += " AND deleted_at IS NULL"
	}
	rows, err := s.db.QueryContext(ctx, query, value)
	if err != nil {
		return nil, newStoreError("where index", err)
	}
	defer rows.Close()

	var out []domain.FieldBag
	for rows.Next() {
		bag, err := scanRow(spec, rows)
		if err != nil {
			return nil, newStoreError("where index", err)
		}
		out = append(out, bag)
	}
	return out, rows.Err()
}

func validColumn(spec tableSpec, column string) bool {
	for _, c := range spec.columns {
		if c == column {
			return true
		}
	}
	return false
}

// PutTx inserts or replaces a full row inside tx, for atomic write groups
// (repositories) and bulk ingestion (pull apply, snapshot).
func PutTx(ctx context.Context, tx *sql.Tx, table TableName, row domain.FieldBag) error {
	spec, ok := tableSpecs[table]
	if !ok {
		return newStoreError("put", fmt.Errorf("unknown table %q", table))
	}
	placeholders := make([]string, len(spec.columns))
	args := make([]any, len(spec.columns))
	for i, col := range spec.columns {
		placeholders[i] = "?"
		args[i] = row[col]
	}
	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table, strings.Join(spec.columns, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return newStoreError("put", err)
	}
	return nil
}

// Put is the non-transactional convenience wrapper over PutTx.
func (s *Store) Put(ctx context.Context, table TableName, row domain.FieldBag) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return PutTx(ctx, tx, table, row)
	})
}

// UpdateTx patches the named columns of an existing row inside tx.
func UpdateTx(ctx context.Context, tx *sql.Tx, table TableName, id string, patch domain.FieldBag) error {
	spec, ok := tableSpecs[table]
	if !ok {
		return newStoreError("update", fmt.Errorf("unknown table %q", table))
	}
	if len(patch) == 0 {
		return nil
	}
	sets := make([]string, 0, len(patch))
	args := make([]any, 0, len(patch)+1)
	for _, col := range spec.columns {
		if v, ok := patch[col]; ok {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return newStoreError("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return newStoreError("update", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkPutTx inserts or replaces many rows of the same table inside tx.
func BulkPutTx(ctx context.Context, tx *sql.Tx, table TableName, rows []domain.FieldBag) error {
	for _, row := range rows {
		if err := PutTx(ctx, tx, table, row); err != nil {
			return err
		}
	}
	return nil
}

// BulkPut is the non-transactional convenience wrapper over BulkPutTx.
func (s *Store) BulkPut(ctx context.Context, table TableName, rows []domain.FieldBag) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return BulkPutTx(ctx, tx, table, rows)
	})
}

// DeleteTx hard-deletes a row inside tx. Entity soft-delete goes through
// UpdateTx(deleted_at=...) instead; DeleteTx exists for reference-table
// row removal and test cleanup.
func DeleteTx(ctx context.Context, tx *sql.Tx, table TableName, id string) error {
	if _, ok := tableSpecs[table]; !ok {
		return newStoreError("delete", fmt.Errorf("unknown table %q", table))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id); err != nil {
		return newStoreError("delete", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table TableName, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return DeleteTx(ctx, tx, table, id)
	})
}
