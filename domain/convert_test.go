// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m-thenot/preorder-sync/domain"
)

func TestOrderFieldBagRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	comment := "rush order"
	order := domain.Order{
		ID:        "ord-1",
		PartnerID: "partner-1",
		Status:    domain.OrderStatusConfirmed,
		Comment:   &comment,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   3,
	}

	bag := domain.OrderToFieldBag(order)
	roundTripped, err := domain.OrderFromFieldBag(bag)
	require.NoError(t, err)

	require.Equal(t, order.ID, roundTripped.ID)
	require.Equal(t, order.PartnerID, roundTripped.PartnerID)
	require.Equal(t, order.Status, roundTripped.Status)
	require.Equal(t, *order.Comment, *roundTripped.Comment)
	require.Equal(t, order.Version, roundTripped.Version)
	require.True(t, order.CreatedAt.Equal(roundTripped.CreatedAt))
}

func TestOrderLineFieldBagRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	line := domain.OrderLine{
		ID:        "line-1",
		OrderID:   "ord-1",
		ProductID: "prod-1",
		UnitID:    "unit-1",
		Quantity:  2.5,
		Price:     9.99,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	bag := domain.OrderLineToFieldBag(line)
	roundTripped, err := domain.OrderLineFromFieldBag(bag)
	require.NoError(t, err)

	require.Equal(t, line.ID, roundTripped.ID)
	require.Equal(t, line.OrderID, roundTripped.OrderID)
	require.Equal(t, line.Quantity, roundTripped.Quantity)
	require.Equal(t, line.Price, roundTripped.Price)
}

func TestProjectWritableDropsUnknownFields(t *testing.T) {
	data := domain.FieldBag{"status": 1, "id": "should-be-dropped", "comment": "ok"}
	projected := domain.ProjectWritable(data, domain.OrderWritableFields)

	require.Contains(t, projected, "status")
	require.Contains(t, projected, "comment")
	require.NotContains(t, projected, "id")
}

func TestFieldBagMergeLastWriterWins(t *testing.T) {
	base := domain.FieldBag{"status": 0, "comment": "first"}
	patch := domain.FieldBag{"comment": "second"}

	merged := base.Merge(patch)
	require.Equal(t, 0, merged["status"])
	require.Equal(t, "second", merged["comment"])
	require.Equal(t, "first", base["comment"]) // base untouched
}
