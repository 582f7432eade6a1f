// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/localstore"
	"github.com/m-thenot/preorder-sync/syncwire"
)

// fakeTransport is an in-memory Transport double standing in for a live
// server, the same seam oversqlite.Client's tests substitute a fake HTTP
// round-tripper through.
type fakeTransport struct {
	pushFn     func(ctx context.Context, req syncwire.PushRequest) (syncwire.PushResponse, error)
	pullFn     func(ctx context.Context, since int64, limit int) (syncwire.PullResponse, error)
	snapshotFn func(ctx context.Context) (syncwire.SnapshotResponse, error)
	pushCalls  []syncwire.PushRequest
}

func (f *fakeTransport) Push(ctx context.Context, req syncwire.PushRequest) (syncwire.PushResponse, error) {
	f.pushCalls = append(f.pushCalls, req)
	if f.pushFn != nil {
		return f.pushFn(ctx, req)
	}
	return syncwire.PushResponse{}, nil
}

func (f *fakeTransport) Pull(ctx context.Context, since int64, limit int) (syncwire.PullResponse, error) {
	if f.pullFn != nil {
		return f.pullFn(ctx, since, limit)
	}
	return syncwire.PullResponse{}, nil
}

func (f *fakeTransport) Snapshot(ctx context.Context) (syncwire.SnapshotResponse, error) {
	if f.snapshotFn != nil {
		return f.snapshotFn(ctx)
	}
	return syncwire.SnapshotResponse{}, nil
}

func openPushTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.Open(context.Background(), "file::memory:?cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedPushPartner(t *testing.T, store *localstore.Store) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), localstore.TablePartners, domain.FieldBag{
		"id": "partner-1", "name": "Acme", "code": nil, "type": 0,
	}))
}

func TestPushEngineSendsCoalescedBatch(t *testing.T) {
	ctx := context.Background()
	store := openPushTestStore(t)
	seedPushPartner(t, store)
	repo := localstore.NewOrderRepository(store)

	order, err := repo.Create(ctx, domain.FieldBag{"partner_id": "partner-1", "status": 0})
	require.NoError(t, err)
	_, err = repo.Update(ctx, order.ID, domain.FieldBag{"status": 1})
	require.NoError(t, err)
	_, err = repo.Update(ctx, order.ID, domain.FieldBag{"comment": "hello"})
	require.NoError(t, err)

	transport := &fakeTransport{
		pushFn: func(ctx context.Context, req syncwire.PushRequest) (syncwire.PushResponse, error) {
			require.Len(t, req.Operations, 1) // coalesced to a single CREATE
			newVersion := int64(1)
			return syncwire.PushResponse{Results: []syncwire.PushOperationResult{
				{OperationID: req.Operations[0].ID, Status: syncwire.PushStatusSuccess, NewVersion: &newVersion},
			}}, nil
		},
	}
	engine := NewPushEngine(store, transport, nil, nil)

	result, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, result.SuccessCount) // 2 folded updates terminalized without a round-trip + 1 sent CREATE
	require.Len(t, transport.pushCalls, 1)
	require.Equal(t, syncwire.OpCreate, transport.pushCalls[0].Operations[0].OperationType)
	require.Equal(t, float64(1), transport.pushCalls[0].Operations[0].Data["status"]) // outbox data is JSON-decoded
	require.Equal(t, "hello", transport.pushCalls[0].Operations[0].Data["comment"])

	pending, err := store.GetPendingOperations(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPushEngineSecondRunSendsNothing(t *testing.T) {
	ctx := context.Background()
	store := openPushTestStore(t)
	seedPushPartner(t, store)
	repo := localstore.NewOrderRepository(store)

	_, err := repo.Create(ctx, domain.FieldBag{"partner_id": "partner-1", "status": 0})
	require.NoError(t, err)

	transport := &fakeTransport{
		pushFn: func(ctx context.Context, req syncwire.PushRequest) (syncwire.PushResponse, error) {
			newVersion := int64(1)
			return syncwire.PushResponse{Results: []syncwire.PushOperationResult{
				{OperationID: req.Operations[0].ID, Status: syncwire.PushStatusSuccess, NewVersion: &newVersion},
			}}, nil
		},
	}
	engine := NewPushEngine(store, transport, nil, nil)

	_, err = engine.Run(ctx)
	require.NoError(t, err)
	result, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, result.SuccessCount)
	require.Len(t, transport.pushCalls, 1) // second Run found nothing pending, never called transport
}

func TestPushEngineCreateThenDeleteProducesZeroNetworkOps(t *testing.T) {
	ctx := context.Background()
	store := openPushTestStore(t)
	seedPushPartner(t, store)
	repo := localstore.NewOrderRepository(store)

	order, err := repo.Create(ctx, domain.FieldBag{"partner_id": "partner-1", "status": 0})
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, order.ID))

	transport := &fakeTransport{}
	engine := NewPushEngine(store, transport, nil, nil)

	result, err := engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.SuccessCount)
	require.Empty(t, transport.pushCalls)

	pending, err := store.GetPendingOperations(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPushEngineTransportFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	store := openPushTestStore(t)
	seedPushPartner(t, store)
	repo := localstore.NewOrderRepository(store)

	_, err := repo.Create(ctx, domain.FieldBag{"partner_id": "partner-1", "status": 0})
	require.NoError(t, err)

	transport := &fakeTransport{
		pushFn: func(ctx context.Context, req syncwire.PushRequest) (syncwire.PushResponse, error) {
			return syncwire.PushResponse{}, &TransportError{Op: "push", Err: errTimeout{}}
		},
	}
	engine := NewPushEngine(store, transport, nil, nil)

	_, err = engine.Run(ctx)
	require.Error(t, err)

	failed, err := store.ListFailedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 1, failed[0].RetryCount)
	require.NotNil(t, failed[0].NextRetryAt)
}

func TestPushEngineConflictOverwritesLocalFieldsServerWon(t *testing.T) {
	ctx := context.Background()
	store := openPushTestStore(t)
	seedPushPartner(t, store)
	repo := localstore.NewOrderRepository(store)

	order, err := repo.Create(ctx, domain.FieldBag{"partner_id": "partner-1", "status": 0})
	require.NoError(t, err)
	_, err = repo.Update(ctx, order.ID, domain.FieldBag{"status": 1})
	require.NoError(t, err)

	transport := &fakeTransport{
		pushFn: func(ctx context.Context, req syncwire.PushRequest) (syncwire.PushResponse, error) {
			newVersion := int64(3)
			return syncwire.PushResponse{Results: []syncwire.PushOperationResult{
				{
					OperationID: req.Operations[0].ID,
					Status:      syncwire.PushStatusConflict,
					NewVersion:  &newVersion,
					Conflicts: []syncwire.FieldConflict{
						{Field: "status", ClientValue: 1, ServerValue: 2, Winner: syncwire.WinnerServer},
					},
				},
			}}, nil
		},
	}
	engine := NewPushEngine(store, transport, nil, nil)

	_, err = engine.Run(ctx)
	require.NoError(t, err)

	bag, ok, err := store.Get(ctx, localstore.TableOrders, order.ID, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, bag["status"])
	require.EqualValues(t, 3, toInt64(bag["version"]))
}

type errTimeout struct{}

func (errTimeout) Error() string { return "timeout" }
