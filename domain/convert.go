// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"fmt"
	"time"
)

const timeLayout = time.RFC3339Nano

// OrderToFieldBag snapshots an Order as a field bag suitable for an outbox
// CREATE payload or a change-log entry.
func OrderToFieldBag(o Order) FieldBag {
	b := FieldBag{
		"id":         o.ID,
		"partner_id": o.PartnerID,
		"status":     int(o.Status),
		"created_at": o.CreatedAt.Format(timeLayout),
		"updated_at": o.UpdatedAt.Format(timeLayout),
		"version":    o.Version,
	}
	if o.OrderDate != nil {
		b["order_date"] = *o.OrderDate
	}
	if o.DeliveryDate != nil {
		b["delivery_date"] = *o.DeliveryDate
	}
	if o.Comment != nil {
		b["comment"] = *o.Comment
	}
	if o.DeletedAt != nil {
		b["deleted_at"] = o.DeletedAt.Format(timeLayout)
	}
	return b
}

// OrderFromFieldBag builds an Order from a field bag produced by a snapshot,
// a pull apply, or a round-trip through the local store.
func OrderFromFieldBag(b FieldBag) (Order, error) {
	o := Order{}
	var err error
	if o.ID, err = stringField(b, "id"); err != nil {
		return o, err
	}
	if o.PartnerID, err = stringField(b, "partner_id"); err != nil {
		return o, err
	}
	if status, ok := b["status"]; ok {
		o.Status = OrderStatus(toInt(status))
	}
	o.OrderDate = optionalString(b, "order_date")
	o.DeliveryDate = optionalString(b, "delivery_date")
	o.Comment = optionalString(b, "comment")
	o.CreatedAt = optionalTime(b, "created_at")
	o.UpdatedAt = optionalTime(b, "updated_at")
	if v, ok := b["version"]; ok {
		o.Version = toInt64(v)
	}
	if dt := optionalString(b, "deleted_at"); dt != nil {
		t := parseTime(*dt)
		o.DeletedAt = &t
	}
	return o, nil
}

// OrderLineToFieldBag snapshots an OrderLine as a field bag.
func OrderLineToFieldBag(l OrderLine) FieldBag {
	b := FieldBag{
		"id":         l.ID,
		"order_id":   l.OrderID,
		"product_id": l.ProductID,
		"unit_id":    l.UnitID,
		"quantity":   l.Quantity,
		"price":      l.Price,
		"created_at": l.CreatedAt.Format(timeLayout),
		"updated_at": l.UpdatedAt.Format(timeLayout),
		"version":    l.Version,
	}
	if l.Comment != nil {
		b["comment"] = *l.Comment
	}
	if l.DeletedAt != nil {
		b["deleted_at"] = l.DeletedAt.Format(timeLayout)
	}
	return b
}

// OrderLineFromFieldBag builds an OrderLine from a field bag.
func OrderLineFromFieldBag(b FieldBag) (OrderLine, error) {
	l := OrderLine{}
	var err error
	if l.ID, err = stringField(b, "id"); err != nil {
		return l, err
	}
	if l.OrderID, err = stringField(b, "order_id"); err != nil {
		return l, err
	}
	if l.ProductID, err = stringField(b, "product_id"); err != nil {
		return l, err
	}
	if l.UnitID, err = stringField(b, "unit_id"); err != nil {
		return l, err
	}
	if v, ok := b["quantity"]; ok {
		l.Quantity = toFloat(v)
	}
	if v, ok := b["price"]; ok {
		l.Price = toFloat(v)
	}
	l.Comment = optionalString(b, "comment")
	l.CreatedAt = optionalTime(b, "created_at")
	l.UpdatedAt = optionalTime(b, "updated_at")
	if v, ok := b["version"]; ok {
		l.Version = toInt64(v)
	}
	if dt := optionalString(b, "deleted_at"); dt != nil {
		t := parseTime(*dt)
		l.DeletedAt = &t
	}
	return l, nil
}

func stringField(b FieldBag, key string) (string, error) {
	v, ok := b[key]
	if !ok {
		return "", fmt.Errorf("field bag missing required field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q has non-string value %v", key, v)
	}
	return s, nil
}

func optionalString(b FieldBag, key string) *string {
	v, ok := b[key]
	if !ok || v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return &s
	}
	s := fmt.Sprintf("%v", v)
	return &s
}

func optionalTime(b FieldBag, key string) time.Time {
	s := optionalString(b, key)
	if s == nil {
		return time.Time{}
	}
	return parseTime(*s)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Fall back to RFC3339 without sub-second precision, which is what
		// some servers/clients round-trip over JSON.
		if t2, err2 := time.Parse(time.RFC3339, s); err2 == nil {
			return t2
		}
		return time.Time{}
	}
	return t
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
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

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
