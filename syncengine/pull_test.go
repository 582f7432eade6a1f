// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/localstore"
	"github.com/m-thenot/preorder-sync/syncwire"
)

func TestPullEngineInitialSnapshotRunsOnceAndBulkPuts(t *testing.T) {
	ctx := context.Background()
	store := openPushTestStore(t)

	transport := &fakeTransport{
		snapshotFn: func(ctx context.Context) (syncwire.SnapshotResponse, error) {
			return syncwire.SnapshotResponse{
				Partners: []domain.FieldBag{{"id": "partner-1", "name": "Acme", "code": nil, "type": 0}},
				Orders:   []domain.FieldBag{{"id": "order-1", "partner_id": "partner-1", "status": 0, "created_at": "2024-01-01T00:00:00Z", "updated_at": "2024-01-01T00:00:00Z"}},
			}, nil
		},
	}
	engine := NewPullEngine(store, transport, nil, nil)

	needs, err := engine.NeedsInitialSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, needs)

	require.NoError(t, engine.RunInitialSnapshot(ctx))

	needs, err = engine.NeedsInitialSnapshot(ctx)
	require.NoError(t, err)
	require.False(t, needs)

	bag, ok, err := store.Get(ctx, localstore.TableOrders, "order-1", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, bag["version"])
}

func TestPullEngineIncrementalAppliesAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	store := openPushTestStore(t)
	seedPushPartner(t, store)

	page1Served := false
	transport := &fakeTransport{
		pullFn: func(ctx context.Context, since int64, limit int) (syncwire.PullResponse, error) {
			if !page1Served {
				page1Served = true
				return syncwire.PullResponse{
					Operations: []syncwire.ChangeLogEntry{
						{SyncID: 1, EntityType: domain.EntityOrder, EntityID: "order-1", OperationType: syncwire.OpCreate,
							Data: domain.FieldBag{"partner_id": "partner-1", "status": 0, "version": int64(1)}},
					},
					HasMore: false,
				}, nil
			}
			return syncwire.PullResponse{}, nil
		},
	}
	engine := NewPullEngine(store, transport, nil, nil)

	result, err := engine.RunIncremental(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Applied)

	bag, ok, err := store.Get(ctx, localstore.TableOrders, "order-1", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, bag["version"])

	cursor, ok, err := store.GetMetadata(ctx, metaLastSyncID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", cursor)
}

func TestPullEngineApplyTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openPushTestStore(t)
	seedPushPartner(t, store)

	entry := syncwire.ChangeLogEntry{
		SyncID: 1, EntityType: domain.EntityOrder, EntityID: "order-1", OperationType: syncwire.OpUpdate,
		Data: domain.FieldBag{"status": 2, "version": int64(1)},
	}
	require.NoError(t, store.Put(ctx, localstore.TableOrders, domain.FieldBag{
		"id": "order-1", "partner_id": "partner-1", "status": 0,
		"created_at": "2024-01-01T00:00:00Z", "updated_at": "2024-01-01T00:00:00Z", "version": int64(0),
	}))

	apply := func() {
		require.NoError(t, store.WithTx(ctx, func(tx *sql.Tx) error {
			return applyEntryTx(ctx, tx, entry, time.Now(), nil)
		}))
	}
	apply()
	first, ok, err := store.Get(ctx, localstore.TableOrders, "order-1", false)
	require.NoError(t, err)
	require.True(t, ok)

	apply() // re-apply the same server op: it writes the same values, leaving the row unchanged
	second, ok, err := store.Get(ctx, localstore.TableOrders, "order-1", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, second)
}

func TestPullEngineRebasePreservesOutboxAndReappliesLocalIntent(t *testing.T) {
	ctx := context.Background()
	store := openPushTestStore(t)
	seedPushPartner(t, store)
	repo := localstore.NewOrderRepository(store)

	order, err := repo.Create(ctx, domain.FieldBag{"partner_id": "partner-1", "status": 0})
	require.NoError(t, err)
	_, err = repo.Update(ctx, order.ID, domain.FieldBag{"status": 1})
	require.NoError(t, err)

	pendingBefore, err := store.GetPendingOperations(ctx, 0)
	require.NoError(t, err)
	idsBefore := make([]string, len(pendingBefore))
	for i, op := range pendingBefore {
		idsBefore[i] = op.ID
	}

	transport := &fakeTransport{
		pullFn: func(ctx context.Context, since int64, limit int) (syncwire.PullResponse, error) {
			if since > 0 {
				return syncwire.PullResponse{}, nil
			}
			return syncwire.PullResponse{
				Operations: []syncwire.ChangeLogEntry{
					{SyncID: 1, EntityType: domain.EntityOrder, EntityID: order.ID, OperationType: syncwire.OpUpdate,
						Data: domain.FieldBag{"comment": "remote", "version": int64(5)}},
				},
				HasMore: false,
			}, nil
		},
	}
	engine := NewPullEngine(store, transport, nil, nil)

	_, err = engine.RunIncremental(ctx)
	require.NoError(t, err)

	bag, ok, err := store.Get(ctx, localstore.TableOrders, order.ID, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "remote", bag["comment"])
	require.EqualValues(t, 1, bag["status"]) // local pending UPDATE re-applied on top

	pendingAfter, err := store.GetPendingOperations(ctx, 0)
	require.NoError(t, err)
	idsAfter := make([]string, len(pendingAfter))
	for i, op := range pendingAfter {
		idsAfter[i] = op.ID
	}
	require.ElementsMatch(t, idsBefore, idsAfter) // rebase never mutates the outbox
}
