// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/m-thenot/preorder-sync/syncwire"
)

// TransportError wraps a network failure, 5xx, or timeout talking to the
// sync server (spec §7). It is retryable with backoff at the outbox level.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed server response: missing a result for a
// sent op, or an unknown entity_type (spec §7). Treated as a TransportError
// for the affected batch but logged at higher severity by the caller.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Op + ": " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

// Transport is the HTTP boundary the Push/Pull Engines talk through. It is
// an interface so tests can substitute a fake without a live server, the
// same seam the teacher's oversqlite.Client draws around *http.Client.
type Transport interface {
	Push(ctx context.Context, req syncwire.PushRequest) (syncwire.PushResponse, error)
	Pull(ctx context.Context, since int64, limit int) (syncwire.PullResponse, error)
	Snapshot(ctx context.Context) (syncwire.SnapshotResponse, error)
}

// TokenFunc supplies a bearer token for each outgoing request, mirroring
// oversqlite.Client's Token func(ctx) (string, error) field.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPTransport is the default Transport over net/http, the teacher's own
// idiom for its sync client (no web client framework is used anywhere in
// the pack for outbound sync requests).
type HTTPTransport struct {
	BaseURL string
	Token   TokenFunc
	Client  *http.Client
}

func NewHTTPTransport(baseURL string, token TokenFunc) *HTTPTransport {
	return &HTTPTransport{BaseURL: baseURL, Token: token, Client: http.DefaultClient}
}

func (t *HTTPTransport) authorize(ctx context.Context, req *http.Request) error {
	if t.Token == nil {
		return nil
	}
	tok, err := t.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func (t *HTTPTransport) Push(ctx context.Context, body syncwire.PushRequest) (syncwire.PushResponse, error) {
	var out syncwire.PushResponse
	payload, err := json.Marshal(body)
	if err != nil {
		return out, fmt.Errorf("encode push request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/sync/push", bytes.NewReader(payload))
	if err != nil {
		return out, &TransportError{Op: "push", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if err := t.authorize(ctx, req); err != nil {
		return out, &TransportError{Op: "push", Err: err}
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return out, &TransportError{Op: "push", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return out, &TransportError{Op: "push", Err: fmt.Errorf("server error: %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return out, &ProtocolError{Op: "push", Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, &ProtocolError{Op: "push", Err: err}
	}
	return out, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, since int64, limit int) (syncwire.PullResponse, error) {
	var out syncwire.PullResponse
	u, err := url.Parse(t.BaseURL + "/sync/pull")
	if err != nil {
		return out, &TransportError{Op: "pull", Err: err}
	}
	q := u.Query()
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return out, &TransportError{Op: "pull", Err: err}
	}
	if err := t.authorize(ctx, req); err != nil {
		return out, &TransportError{Op: "pull", Err: err}
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return out, &TransportError{Op: "pull", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return out, &TransportError{Op: "pull", Err: fmt.Errorf("server error: %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return out, &ProtocolError{Op: "pull", Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, &ProtocolError{Op: "pull", Err: err}
	}
	return out, nil
}

func (t *HTTPTransport) Snapshot(ctx context.Context) (syncwire.SnapshotResponse, error) {
	var out syncwire.SnapshotResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/sync/snapshot", nil)
	if err != nil {
		return out, &TransportError{Op: "snapshot", Err: err}
	}
	if err := t.authorize(ctx, req); err != nil {
		return out, &TransportError{Op: "snapshot", Err: err}
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return out, &TransportError{Op: "snapshot", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return out, &TransportError{Op: "snapshot", Err: fmt.Errorf("server error: %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return out, &ProtocolError{Op: "snapshot", Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, &ProtocolError{Op: "snapshot", Err: err}
	}
	return out, nil
}
