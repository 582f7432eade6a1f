// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/localstore"
	"github.com/m-thenot/preorder-sync/syncwire"
)

func TestOrchestratorInitialStartPushesAndNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	store := openPushTestStore(t)
	seedPushPartner(t, store)
	repo := localstore.NewOrderRepository(store)
	_, err := repo.Create(ctx, domain.FieldBag{"partner_id": "partner-1", "status": 0})
	require.NoError(t, err)

	pushed := make(chan struct{}, 1)
	transport := &fakeTransport{
		pushFn: func(ctx context.Context, req syncwire.PushRequest) (syncwire.PushResponse, error) {
			newVersion := int64(1)
			select {
			case pushed <- struct{}{}:
			default:
			}
			return syncwire.PushResponse{Results: []syncwire.PushOperationResult{
				{OperationID: req.Operations[0].ID, Status: syncwire.PushStatusSuccess, NewVersion: &newVersion},
			}}, nil
		},
	}

	o := New(store, transport, nil, "http://example.invalid", nil, DefaultOrchestratorConfig(), nil)
	require.NoError(t, o.Init(ctx))

	var snapshots []Status
	unsubscribe := o.Subscribe(func(s Status) { snapshots = append(snapshots, s) })
	defer unsubscribe()

	o.Start(ctx)
	defer o.Stop()

	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("initial push never ran")
	}

	require.Eventually(t, func() bool {
		return o.GetSnapshot().PendingOperations == 0
	}, time.Second, 10*time.Millisecond)
	require.NotEmpty(t, snapshots)
}

func TestOrchestratorSSEDebounceCoalescesBurstIntoOnePull(t *testing.T) {
	ctx := context.Background()
	store := openPushTestStore(t)

	pullCount := 0
	pulled := make(chan struct{}, 8)
	transport := &fakeTransport{
		pullFn: func(ctx context.Context, since int64, limit int) (syncwire.PullResponse, error) {
			pullCount++
			pulled <- struct{}{}
			return syncwire.PullResponse{}, nil
		},
	}

	o := New(store, transport, nil, "http://example.invalid", nil, OrchestratorConfig{PushInterval: time.Hour, SSEDebounce: 20 * time.Millisecond}, nil)
	require.NoError(t, o.Init(ctx))
	o.Start(ctx)
	defer o.Stop()

	// Drain the initial-start push's pull... there is none; only a push is
	// enqueued at start, so the queue is otherwise idle here.
	for i := 0; i < 5; i++ {
		o.OnServerEvent()
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case <-pulled:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced pull never ran")
	}
	time.Sleep(100 * time.Millisecond) // let any spurious extra pulls surface
	require.Equal(t, 1, pullCount)
}

func TestOrchestratorStopDropsFurtherNotifications(t *testing.T) {
	ctx := context.Background()
	store := openPushTestStore(t)
	transport := &fakeTransport{}

	o := New(store, transport, nil, "http://example.invalid", nil, DefaultOrchestratorConfig(), nil)
	require.NoError(t, o.Init(ctx))
	o.Start(ctx)
	o.Stop()

	var notified bool
	o.Subscribe(func(Status) { notified = true })
	o.OnServerEvent() // after Stop, debounce timer is gone; this must not panic or enqueue
	time.Sleep(150 * time.Millisecond)
	require.False(t, notified)
}
