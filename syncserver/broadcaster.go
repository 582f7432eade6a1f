// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	sse "github.com/gin-contrib/sse"

	"github.com/m-thenot/preorder-sync/syncwire"
)

// Broadcaster fans out one SSE notification per change-log append to every
// connected client (spec §4.5, §6 GET /sync/events), grounded on the
// original service's per-client asyncio.Queue EventBroadcaster, reworked
// around a per-client Go channel. Frame encoding uses gin-contrib/sse,
// the one dependency in the retrieval pack purpose-built for
// Server-Sent Events.
type Broadcaster struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[int]chan syncwire.SSEPayload
	nextID  int
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{logger: logger, clients: make(map[int]chan syncwire.SSEPayload)}
}

// connect registers a new client channel and returns it with an
// unregister func.
func (b *Broadcaster) connect() (<-chan syncwire.SSEPayload, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan syncwire.SSEPayload, 16)
	b.clients[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.clients, id)
		b.mu.Unlock()
		close(ch)
	}
}

// Broadcast delivers ev to every connected client's buffered channel,
// dropping the frame for a client whose buffer is full rather than
// blocking the pusher.
func (b *Broadcaster) Broadcast(ev syncwire.SSEPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("sse client buffer full, dropping event", "client_id", id)
		}
	}
}

// ServeHTTP streams sync events and ~30s ping keepalives to one client,
// honoring Last-Event-ID to the extent that this in-memory broadcaster
// can: events are not replayed from before the connection, since
// spec.md excludes full history retention as a non-goal; the header is
// accepted but only anchors future frame ids client-side.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, unregister := b.connect()
	defer unregister()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			frame := sse.Event{Event: string(ev.Event), Id: strconv.FormatInt(ev.SyncID, 10), Data: ev}
			if err := sse.Encode(w, frame); err != nil {
				b.logger.Warn("sse encode failed", "error", err)
				return
			}
			flusher.Flush()
		case <-ping.C:
			frame := sse.Event{Event: string(syncwire.SSEEventPing)}
			if err := sse.Encode(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
