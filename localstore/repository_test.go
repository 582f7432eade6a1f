// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/localstore"
)

func openTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.Open(context.Background(), "file::memory:?cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedPartner(t *testing.T, store *localstore.Store) {
	t.Helper()
	err := store.Put(context.Background(), localstore.TablePartners, domain.FieldBag{
		"id": "partner-1", "name": "Acme", "code": nil, "type": 0,
	})
	require.NoError(t, err)
}

func TestOrderRepositoryCreateAppendsOutbox(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedPartner(t, store)
	repo := localstore.NewOrderRepository(store)

	order, err := repo.Create(ctx, domain.FieldBag{"partner_id": "partner-1", "status": 0, "delivery_date": "2024-06-15"})
	require.NoError(t, err)
	require.Equal(t, int64(1), order.Version)

	pending, err := store.GetPendingOperations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, localstore.OutboxPending, pending[0].Status)
	require.Equal(t, int64(1), pending[0].SequenceNumber)

	recap, err := repo.GetRecap(ctx, "2024-06-15")
	require.NoError(t, err)
	require.Len(t, recap, 1)
	require.Equal(t, order.ID, recap[0].ID)
}

func TestOrderRepositoryUpdateBumpsVersionAndAppendsExpectedVersion(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedPartner(t, store)
	repo := localstore.NewOrderRepository(store)

	order, err := repo.Create(ctx, domain.FieldBag{"partner_id": "partner-1", "status": 0})
	require.NoError(t, err)

	updated, err := repo.Update(ctx, order.ID, domain.FieldBag{"status": 1})
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)
	require.Equal(t, domain.OrderStatus(1), updated.Status)

	pending, err := store.GetPendingOperations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	updateOp := pending[1]
	require.Equal(t, float64(1), updateOp.Data["version"]) // expected pre-increment version (outbox data is JSON-decoded)
}

func TestOrderRepositoryUpdateNotFound(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := localstore.NewOrderRepository(store)

	_, err := repo.Update(ctx, "missing-id", domain.FieldBag{"status": 1})
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestOrderRepositoryDeleteSoftDeletesAndExcludesFromReads(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedPartner(t, store)
	repo := localstore.NewOrderRepository(store)

	order, err := repo.Create(ctx, domain.FieldBag{"partner_id": "partner-1", "status": 0, "delivery_date": "2024-06-15"})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, order.ID))

	recap, err := repo.GetRecap(ctx, "2024-06-15")
	require.NoError(t, err)
	require.Empty(t, recap)

	bag, ok, err := store.Get(ctx, localstore.TableOrders, order.ID, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, bag["deleted_at"])
}

func TestOutboxBackoffSequence(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	seedPartner(t, store)
	repo := localstore.NewOrderRepository(store)

	order, err := repo.Create(ctx, domain.FieldBag{"partner_id": "partner-1", "status": 0})
	require.NoError(t, err)

	pending, err := store.GetPendingOperations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	opID := pending[0].ID
	_ = order

	now := pending[0].Timestamp
	for i := 1; i <= 5; i++ {
		require.NoError(t, store.MarkFailed(ctx, opID, "boom", now))
	}

	// After 5 retries, a 6th failure clears next_retry_at, making it terminal.
	require.NoError(t, store.MarkFailed(ctx, opID, "boom again", now))

	failed, err := store.ListFailedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Nil(t, failed[0].NextRetryAt)
	require.Equal(t, 6, failed[0].RetryCount)

	stillPending, err := store.GetPendingOperations(ctx, now.UnixMilli()+999999999)
	require.NoError(t, err)
	require.Empty(t, stillPending) // terminally failed ops never resurface
}
