// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/m-thenot/preorder-sync/syncwire"
)

// sseClient consumes GET /sync/events and forwards parsed sync payloads to
// a callback. No client-side SSE parser exists anywhere in the retrieval
// pack (gin-contrib/sse only encodes server-side onto an
// http.ResponseWriter), so this is hand-rolled on bufio.Scanner over the
// stdlib net/http response body, per DESIGN.md's stdlib justification.
type sseClient struct {
	baseURL string
	token   TokenFunc
	client  *http.Client
	logger  *slog.Logger

	onEvent func(syncwire.SSEPayload)

	mu         sync.Mutex
	lastEventID string
	cancel     context.CancelFunc
}

func newSSEClient(baseURL string, token TokenFunc, httpClient *http.Client, logger *slog.Logger, onEvent func(syncwire.SSEPayload)) *sseClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &sseClient{baseURL: baseURL, token: token, client: httpClient, logger: logger, onEvent: onEvent}
}

// connect opens the stream and reconnects with backoff until ctx is
// cancelled. It sends the last seen event id as Last-Event-ID on
// reconnect; the server's Broadcaster does not replay events, so events
// sent while the connection was down are not redelivered.
func (c *sseClient) connect(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		backoff := 1 * time.Second
		const maxBackoff = 30 * time.Second
		for {
			select {
			case <-runCtx.Done():
				return
			default:
			}
			if err := c.readOnce(runCtx); err != nil {
				c.logger.Warn("sse connection lost", "error", err)
			}
			select {
			case <-runCtx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}()
}

func (c *sseClient) disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *sseClient) readOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.mu.Lock()
	lastID := c.lastEventID
	c.mu.Unlock()
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	var eventID string

	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		var payload syncwire.SSEPayload
		if err := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &payload); err != nil {
			c.logger.Warn("sse payload decode failed", "error", err)
		} else if c.onEvent != nil {
			c.onEvent(payload)
		}
		if eventID != "" {
			c.mu.Lock()
			c.lastEventID = eventID
			c.mu.Unlock()
		}
		dataLines = dataLines[:0]
		eventID = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "id:"):
			eventID = strings.TrimPrefix(strings.TrimPrefix(line, "id:"), " ")
		case strings.HasPrefix(line, ":"):
			// comment/keepalive line, ignore
		}
	}
	flush()
	return scanner.Err()
}
