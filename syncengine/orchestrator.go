// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/m-thenot/preorder-sync/localstore"
	"github.com/m-thenot/preorder-sync/syncwire"
)

// SyncState is the Orchestrator's coarse activity state (spec §4.6).
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StatePushing SyncState = "pushing"
	StatePulling SyncState = "pulling"
	StateError   SyncState = "error"
)

// Connection is the last-observed network reachability (spec §4.6).
type Connection string

const (
	ConnectionOnline  Connection = "online"
	ConnectionOffline Connection = "offline"
	ConnectionUnknown Connection = "unknown"
)

// Status is the immutable snapshot exposed to UI subscribers (spec §6's
// SyncStatus observable).
type Status struct {
	State             SyncState
	Connection        Connection
	LastPushTime      time.Time
	LastError         string
	PendingOperations int
	PullSyncing       bool
}

// OrchestratorConfig tunes the timer and debounce intervals (spec §4.6
// defaults: push every 30s, SSE debounce 100ms).
type OrchestratorConfig struct {
	PushInterval  time.Duration
	SSEDebounce   time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{PushInterval: 30 * time.Second, SSEDebounce: 100 * time.Millisecond}
}

type syncTask struct {
	kind string // "push" or "pull"
	done chan struct{}
}

// Orchestrator is the process-wide singleton serializing push/pull,
// owning timers, connectivity, status, and the SSE connection (spec
// §4.6). Unlike the source's hidden global singleton, it is constructed
// with explicit init/start/stop/destroy and injected collaborators
// (Local Store, transport), so it is testable without a live process-wide
// instance (spec §9 design note).
type Orchestrator struct {
	store  *localstore.Store
	push   *PushEngine
	pull   *PullEngine
	config OrchestratorConfig
	logger *slog.Logger
	sse    *sseClient

	mu          sync.Mutex
	status      Status
	subscribers map[int]func(Status)
	nextSubID   int

	queue    chan syncTask
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	debounce *time.Timer
	started  bool
}

// New constructs an Orchestrator. Call Init then Start to bring it up.
func New(store *localstore.Store, transport Transport, invalidator Invalidator, baseURL string, token TokenFunc, config OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:       store,
		push:        NewPushEngine(store, transport, invalidator, logger),
		pull:        NewPullEngine(store, transport, invalidator, logger),
		config:      config,
		logger:      logger,
		status:      Status{State: StateIdle, Connection: ConnectionUnknown},
		subscribers: make(map[int]func(Status)),
		queue:       make(chan syncTask, 64),
	}
	o.sse = newSSEClient(baseURL, token, nil, logger, o.onSSEEvent)
	return o
}

// Init runs the Pull Engine's initial-snapshot logic if needed. Call
// before Start.
func (o *Orchestrator) Init(ctx context.Context) error {
	needsSnapshot, err := o.pull.NeedsInitialSnapshot(ctx)
	if err != nil {
		return err
	}
	if needsSnapshot {
		if err := o.pull.RunInitialSnapshot(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Start begins the timer, the task queue processor, and (if online)
// connects SSE, then enqueues an initial push (spec §4.6 "Initial
// start").
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(1)
	go o.processQueue(runCtx)

	o.wg.Add(1)
	go o.runTimer(runCtx)

	o.setConnection(ConnectionOnline)
	o.sse.connect(runCtx)
	o.enqueue("push")
}

// Stop aborts the timer, debounce timer, SSE connection, and drops the
// pending queue; in-flight work completes but further results are
// discarded (spec §5 cancellation policy).
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.mu.Unlock()

	o.sse.disconnect()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	for {
		select {
		case <-o.queue:
		default:
			return
		}
	}
}

// Destroy stops the orchestrator and clears subscribers.
func (o *Orchestrator) Destroy() {
	o.Stop()
	o.mu.Lock()
	o.subscribers = make(map[int]func(Status))
	o.mu.Unlock()
}

// Subscribe registers a listener invoked whenever status changes. The
// returned func unsubscribes.
func (o *Orchestrator) Subscribe(listener func(Status)) func() {
	o.mu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = listener
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subscribers, id)
		o.mu.Unlock()
	}
}

// GetSnapshot returns the current immutable status value.
func (o *Orchestrator) GetSnapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// NotifyConnectivity reports a network reachability transition (spec
// §4.6 "Connectivity"). offline -> online enqueues push then pull and
// reconnects SSE; online -> offline disconnects SSE.
func (o *Orchestrator) NotifyConnectivity(ctx context.Context, online bool) {
	o.mu.Lock()
	wasOnline := o.status.Connection == ConnectionOnline
	o.mu.Unlock()

	if online {
		o.setConnection(ConnectionOnline)
		if !wasOnline {
			o.enqueue("push")
			o.enqueue("pull")
			o.sse.connect(ctx)
		}
	} else {
		o.setConnection(ConnectionOffline)
		if wasOnline {
			o.sse.disconnect()
		}
	}
}

// onSSEEvent is the sseClient callback: a "sync" frame resets the
// debounce timer, a "ping" keepalive is ignored.
func (o *Orchestrator) onSSEEvent(payload syncwire.SSEPayload) {
	if payload.Event == syncwire.SSEEventSync {
		o.OnServerEvent()
	}
}

func (o *Orchestrator) runTimer(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.config.PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			online := o.status.Connection == ConnectionOnline
			pushing := o.status.State == StatePushing
			o.mu.Unlock()
			if online && !pushing {
				o.enqueue("push")
			}
		}
	}
}

func (o *Orchestrator) enqueue(kind string) {
	select {
	case o.queue <- syncTask{kind: kind}:
	default:
		o.logger.Warn("sync queue full, dropping task", "kind", kind)
	}
}

func (o *Orchestrator) processQueue(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-o.queue:
			o.runTask(ctx, task)
		}
	}
}

func (o *Orchestrator) runTask(ctx context.Context, task syncTask) {
	switch task.kind {
	case "push":
		o.setState(StatePushing)
		_, err := o.push.Run(ctx)
		o.afterTask(ctx, err)
	case "pull":
		o.setState(StatePulling)
		_, err := o.pull.RunIncremental(ctx)
		o.afterTask(ctx, err)
	}
}

func (o *Orchestrator) afterTask(ctx context.Context, err error) {
	if err != nil {
		o.mu.Lock()
		o.status.State = StateError
		o.status.LastError = err.Error()
		o.mu.Unlock()
	} else {
		o.mu.Lock()
		o.status.State = StateIdle
		o.status.LastError = ""
		o.mu.Unlock()
	}
	o.recomputePending(ctx)
	o.publish()
}

func (o *Orchestrator) recomputePending(ctx context.Context) {
	pending, err := o.store.GetPendingOperations(ctx, time.Now().UnixMilli())
	if err != nil {
		return
	}
	o.mu.Lock()
	o.status.PendingOperations = len(pending)
	o.mu.Unlock()
}

func (o *Orchestrator) setState(s SyncState) {
	o.mu.Lock()
	o.status.State = s
	o.status.PullSyncing = s == StatePulling
	o.mu.Unlock()
	o.publish()
}

func (o *Orchestrator) setConnection(c Connection) {
	o.mu.Lock()
	o.status.Connection = c
	o.mu.Unlock()
	o.publish()
}

func (o *Orchestrator) publish() {
	o.mu.Lock()
	snapshot := o.status
	listeners := make([]func(Status), 0, len(o.subscribers))
	for _, l := range o.subscribers {
		listeners = append(listeners, l)
	}
	o.mu.Unlock()
	for _, l := range listeners {
		l(snapshot)
	}
}

// OnServerEvent resets the debounce timer on each server SSE event; on
// fire, enqueues a pull (spec §4.6 "SSE").
func (o *Orchestrator) OnServerEvent() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return
	}
	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.debounce = time.AfterFunc(o.config.SSEDebounce, func() {
		o.enqueue("pull")
	})
}
