// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/m-thenot/preorder-sync/domain"
	"github.com/m-thenot/preorder-sync/syncwire"
)

// integrationHarness wires a real Postgres instance the way
// IntegrationTestHarness does in the teacher's internal/oversync package,
// narrowed to this domain's SyncService instead of a registered-table
// handler set.
type integrationHarness struct {
	t         *testing.T
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	service   *SyncService
}

func newIntegrationHarness(t *testing.T) *integrationHarness {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("preorder_sync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	service, err := NewSyncService(ctx, pool, DefaultServiceConfig(), NewBroadcaster(logger), logger)
	require.NoError(t, err)

	return &integrationHarness{t: t, container: container, pool: pool, service: service}
}

// seedPartner inserts a reference row directly, the way a real deployment
// would have it arrive via the reference-data admin path rather than sync.
func (h *integrationHarness) seedPartner(ctx context.Context, id string) {
	h.t.Helper()
	_, err := h.pool.Exec(ctx, `INSERT INTO partners (id, name, code, type) VALUES ($1, 'Acme', NULL, 0)`, id)
	require.NoError(h.t, err)
}

func TestIntegrationPushCreateUpdateDeleteAppendsMonotonicChangeLog(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker for testcontainers")
	}
	ctx := context.Background()
	h := newIntegrationHarness(t)
	partnerID := uuid.NewString()
	h.seedPartner(ctx, partnerID)
	orderID := uuid.NewString()

	createResp, err := h.service.ProcessPush(ctx, syncwire.PushRequest{Operations: []syncwire.PushOperation{
		{ID: uuid.NewString(), EntityType: domain.EntityOrder, EntityID: orderID, OperationType: syncwire.OpCreate,
			Data: domain.FieldBag{"partner_id": partnerID, "status": 0}},
	}})
	require.NoError(t, err)
	require.Len(t, createResp.Results, 1)
	require.Equal(t, syncwire.PushStatusSuccess, createResp.Results[0].Status)
	require.EqualValues(t, 1, *createResp.Results[0].SyncID)
	require.EqualValues(t, 1, *createResp.Results[0].NewVersion)

	expected := int64(1)
	updateResp, err := h.service.ProcessPush(ctx, syncwire.PushRequest{Operations: []syncwire.PushOperation{
		{ID: uuid.NewString(), EntityType: domain.EntityOrder, EntityID: orderID, OperationType: syncwire.OpUpdate,
			Data: domain.FieldBag{"status": 1}, ExpectedVersion: &expected},
	}})
	require.NoError(t, err)
	require.Equal(t, syncwire.PushStatusSuccess, updateResp.Results[0].Status)
	require.EqualValues(t, 2, *updateResp.Results[0].SyncID)
	require.EqualValues(t, 2, *updateResp.Results[0].NewVersion)

	expected = 2
	deleteResp, err := h.service.ProcessPush(ctx, syncwire.PushRequest{Operations: []syncwire.PushOperation{
		{ID: uuid.NewString(), EntityType: domain.EntityOrder, EntityID: orderID, OperationType: syncwire.OpDelete,
			ExpectedVersion: &expected},
	}})
	require.NoError(t, err)
	require.Equal(t, syncwire.PushStatusSuccess, deleteResp.Results[0].Status)
	require.EqualValues(t, 3, *deleteResp.Results[0].SyncID)

	pull, err := h.service.ProcessPull(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pull.Operations, 3)
	require.False(t, pull.HasMore)
	require.Equal(t, []int64{1, 2, 3}, []int64{pull.Operations[0].SyncID, pull.Operations[1].SyncID, pull.Operations[2].SyncID})
	require.Equal(t, syncwire.OpCreate, pull.Operations[0].OperationType)
	require.Equal(t, syncwire.OpUpdate, pull.Operations[1].OperationType)
	require.Equal(t, syncwire.OpDelete, pull.Operations[2].OperationType)
}

// TestIntegrationConcurrentUpdateProducesServerWinsFieldConflict reproduces
// the scenario from spec.md's concrete example 3: two clients both read
// version 1, one pushes first and wins outright, the second's push against
// the now-stale expected_version surfaces a field-level conflict on the
// field both of them touched while the field only one of them touched
// merges cleanly.
func TestIntegrationConcurrentUpdateProducesServerWinsFieldConflict(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker for testcontainers")
	}
	ctx := context.Background()
	h := newIntegrationHarness(t)
	partnerID := uuid.NewString()
	h.seedPartner(ctx, partnerID)
	orderID := uuid.NewString()

	_, err := h.service.ProcessPush(ctx, syncwire.PushRequest{Operations: []syncwire.PushOperation{
		{ID: uuid.NewString(), EntityType: domain.EntityOrder, EntityID: orderID, OperationType: syncwire.OpCreate,
			Data: domain.FieldBag{"partner_id": partnerID, "status": 0}},
	}})
	require.NoError(t, err)

	v1 := int64(1)
	winnerResp, err := h.service.ProcessPush(ctx, syncwire.PushRequest{Operations: []syncwire.PushOperation{
		{ID: uuid.NewString(), EntityType: domain.EntityOrder, EntityID: orderID, OperationType: syncwire.OpUpdate,
			Data: domain.FieldBag{"status": 1}, ExpectedVersion: &v1},
	}})
	require.NoError(t, err)
	require.Equal(t, syncwire.PushStatusSuccess, winnerResp.Results[0].Status)

	loserResp, err := h.service.ProcessPush(ctx, syncwire.PushRequest{Operations: []syncwire.PushOperation{
		{ID: uuid.NewString(), EntityType: domain.EntityOrder, EntityID: orderID, OperationType: syncwire.OpUpdate,
			Data: domain.FieldBag{"status": 2, "comment": "picked up by courier"}, ExpectedVersion: &v1},
	}})
	require.NoError(t, err)

	result := loserResp.Results[0]
	require.Equal(t, syncwire.PushStatusConflict, result.Status)
	require.EqualValues(t, 3, *result.NewVersion)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, "status", result.Conflicts[0].Field)
	require.Equal(t, syncwire.WinnerServer, result.Conflicts[0].Winner)

	pull, err := h.service.ProcessPull(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pull.Operations, 3)
	finalEntry := pull.Operations[2]
	require.Equal(t, "picked up by courier", finalEntry.Data["comment"]) // non-overlapping field merged
	require.NotContains(t, finalEntry.Data, "status")                   // overlapping field dropped, server value kept as-is
}

func TestIntegrationProcessPullPaginatesInSyncIDOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker for testcontainers")
	}
	ctx := context.Background()
	h := newIntegrationHarness(t)
	partnerID := uuid.NewString()
	h.seedPartner(ctx, partnerID)

	for i := 0; i < 5; i++ {
		_, err := h.service.ProcessPush(ctx, syncwire.PushRequest{Operations: []syncwire.PushOperation{
			{ID: uuid.NewString(), EntityType: domain.EntityOrder, EntityID: uuid.NewString(), OperationType: syncwire.OpCreate,
				Data: domain.FieldBag{"partner_id": partnerID, "status": 0}},
		}})
		require.NoError(t, err)
	}

	page1, err := h.service.ProcessPull(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page1.Operations, 2)
	require.True(t, page1.HasMore)
	require.EqualValues(t, 1, page1.Operations[0].SyncID)
	require.EqualValues(t, 2, page1.Operations[1].SyncID)

	page2, err := h.service.ProcessPull(ctx, page1.Operations[len(page1.Operations)-1].SyncID, 2)
	require.NoError(t, err)
	require.Len(t, page2.Operations, 2)
	require.True(t, page2.HasMore)
	require.EqualValues(t, 3, page2.Operations[0].SyncID)
	require.EqualValues(t, 4, page2.Operations[1].SyncID)

	page3, err := h.service.ProcessPull(ctx, page2.Operations[len(page2.Operations)-1].SyncID, 2)
	require.NoError(t, err)
	require.Len(t, page3.Operations, 1)
	require.False(t, page3.HasMore)
	require.EqualValues(t, 5, page3.Operations[0].SyncID)
}
