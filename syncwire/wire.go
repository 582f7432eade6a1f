// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncwire defines the JSON shapes exchanged between the client's
// push/pull engines and the server's sync endpoints (spec §6). Both
// syncengine and syncserver import this package instead of redeclaring the
// wire format on each side, the way oversqlite imports oversync's
// ChangeUpload/ChangeDownloadResponse types.
package syncwire

import "github.com/m-thenot/preorder-sync/domain"

// OpType is the kind of mutation an outbox or change-log entry carries.
type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// ConflictWinner names which side's value survived a field-level merge.
type ConflictWinner string

const (
	WinnerClient ConflictWinner = "client"
	WinnerServer ConflictWinner = "server"
)

// PushStatus is the per-operation outcome returned by POST /sync/push.
type PushStatus string

const (
	PushStatusSuccess  PushStatus = "success"
	PushStatusConflict PushStatus = "conflict"
	PushStatusError    PushStatus = "error"
)

// PushOperation is one entry of a push batch request body.
type PushOperation struct {
	ID              string            `json:"id"`
	EntityType      domain.EntityType `json:"entity_type"`
	EntityID        string            `json:"entity_id"`
	OperationType   OpType            `json:"operation_type"`
	Data            domain.FieldBag   `json:"data"`
	ExpectedVersion *int64            `json:"expected_version"`
	Timestamp       string            `json:"timestamp"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Operations []PushOperation `json:"operations"`
}

// FieldConflict describes how one field of an entity was resolved when the
// client's expected_version was stale.
type FieldConflict struct {
	Field       string         `json:"field"`
	ClientValue any            `json:"client_value"`
	ServerValue any            `json:"server_value"`
	Winner      ConflictWinner `json:"winner"`
}

// PushOperationResult is the server's verdict for a single pushed operation.
type PushOperationResult struct {
	OperationID string          `json:"operation_id"`
	Status      PushStatus      `json:"status"`
	SyncID      *int64          `json:"sync_id,omitempty"`
	NewVersion  *int64          `json:"new_version,omitempty"`
	Message     *string         `json:"message,omitempty"`
	Conflicts   []FieldConflict `json:"conflicts,omitempty"`
}

// PushResponse is the body returned by POST /sync/push.
type PushResponse struct {
	Results []PushOperationResult `json:"results"`
}

// ChangeLogEntry is one row of the server's append-only change log, as
// returned by GET /sync/pull.
type ChangeLogEntry struct {
	SyncID        int64             `json:"sync_id"`
	EntityType    domain.EntityType `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	OperationType OpType            `json:"operation_type"`
	Data          domain.FieldBag   `json:"data"`
	Timestamp     string            `json:"timestamp"`
}

// PullResponse is the body returned by GET /sync/pull.
type PullResponse struct {
	Operations []ChangeLogEntry `json:"operations"`
	HasMore    bool             `json:"has_more"`
}

// SnapshotResponse is the body returned by GET /sync/snapshot.
type SnapshotResponse struct {
	Partners   []domain.FieldBag `json:"partners"`
	Products   []domain.FieldBag `json:"products"`
	Units      []domain.FieldBag `json:"units"`
	Orders     []domain.FieldBag `json:"orders"`
	OrderLines []domain.FieldBag `json:"order_lines"`
}

// SSEEventName distinguishes data frames from keepalive frames on
// GET /sync/events.
type SSEEventName string

const (
	SSEEventSync SSEEventName = "sync"
	SSEEventPing SSEEventName = "ping"
)

// SSEPayload is the JSON body of a `data:` frame on GET /sync/events.
type SSEPayload struct {
	Event      SSEEventName      `json:"event"`
	EntityType domain.EntityType `json:"entity_type,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	SyncID     int64             `json:"sync_id,omitempty"`
}
