package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/markhive/markhive/pkg/client"
	"github.com/markhive/markhive/pkg/config"
	"github.com/markhive/markhive/pkg/log"
	"github.com/markhive/markhive/pkg/metrics"
	"github.com/markhive/markhive/pkg/oplog"
	"github.com/markhive/markhive/pkg/replica"
	"github.com/markhive/markhive/pkg/types"
	"github.com/rs/zerolog"
)

// ErrValidation marks operations rejected before they reach the replica or
// the journal.
var ErrValidation = errors.New("syncer: validation error")

// RootTitle names the root folder of locally created replicas
const RootTitle = "Bookmarks"

// Callbacks receive engine notifications. All callbacks may be invoked from
// internal goroutines.
type Callbacks struct {
	// OnStatus is called when a namespace's sync status changes
	OnStatus func(namespace string, status types.SyncState, errMsg string)
	// OnPending is called when a namespace's pending count changes
	OnPending func(namespace string, count int)
	// OnDataChanged is called after id remapping or reconciliation
	OnDataChanged func(namespace string)
}

// Engine drains pending envelopes to the server in batches. One batch per
// namespace is in flight at a time; a batch window coalesces bursts of
// local mutations into a single POST.
type Engine struct {
	cfg      config.SyncConfig
	client   *client.Client
	journal  *oplog.Log
	clientID string
	validate *validator.Validate
	logger   zerolog.Logger

	mu        sync.Mutex
	replicas  map[string]*replica.Replica
	batches   map[string]*batchState
	statuses  map[string]types.SyncState
	lastErrs  map[string]string
	online    bool
	callbacks Callbacks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type batchState struct {
	timerSet bool
	inFlight bool
	rerun    bool
	failures int
}

// New creates a sync engine around an opened journal
func New(cli *client.Client, journal *oplog.Log, cfg config.SyncConfig) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		client:   cli,
		journal:  journal,
		clientID: uuid.New().String(),
		validate: validator.New(),
		logger:   log.WithComponent("syncer"),
		replicas: make(map[string]*replica.Replica),
		batches:  make(map[string]*batchState),
		statuses: make(map[string]types.SyncState),
		lastErrs: make(map[string]string),
		online:   true,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetCallbacks installs notification callbacks. Call before first use.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = cb
}

// Stop cancels in-flight requests. Envelope statuses are never mutated by
// cancellation.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// ClientID returns this engine's stable client identifier
func (e *Engine) ClientID() string {
	return e.clientID
}

// Replica returns (creating on first use) the namespace's local replica
func (e *Engine) Replica(namespace string) *replica.Replica {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replicaLocked(namespace)
}

func (e *Engine) replicaLocked(namespace string) *replica.Replica {
	r, ok := e.replicas[namespace]
	if !ok {
		r = replica.New(namespace, RootTitle)
		e.replicas[namespace] = r
	}
	return r
}

// Enqueue validates an operation, applies it optimistically to the local
// replica, journals it as pending and schedules a sync batch. A validation
// or apply failure leaves both the replica and the journal unchanged.
func (e *Engine) Enqueue(namespace string, op types.Operation) (*types.OperationEnvelope, error) {
	if err := e.validateOp(&op); err != nil {
		return nil, err
	}

	env := &types.OperationEnvelope{
		ID:        uuid.New().String(),
		TS:        time.Now().UnixMilli(),
		Namespace: namespace,
		Op:        op,
		Status:    types.StatusPending,
	}

	r := e.Replica(namespace)
	if _, err := r.Apply(op, env.TS); err != nil {
		return nil, err
	}

	if err := e.journal.Append(env); err != nil {
		return nil, fmt.Errorf("failed to journal operation: %w", err)
	}

	e.notifyPending(namespace)
	e.scheduleBatch(namespace, e.cfg.BatchWindow)
	return env, nil
}

func (e *Engine) validateOp(op *types.Operation) error {
	if err := e.validate.Struct(op); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	switch op.Type {
	case types.OpCreateBookmark:
		if op.URL == nil || *op.URL == "" {
			return fmt.Errorf("%w: create_bookmark requires a url", ErrValidation)
		}
	case types.OpCreateFolder, types.OpMoveNode, types.OpUpdateNode,
		types.OpToggleFolder, types.OpRemoveNode:
	default:
		return fmt.Errorf("%w: unknown op type %q", ErrValidation, op.Type)
	}
	return nil
}

// PendingCount returns the number of pending envelopes for a namespace
func (e *Engine) PendingCount(namespace string) int {
	n, err := e.journal.CountPending(namespace)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to count pending envelopes")
		return 0
	}
	return n
}

// Status returns the namespace's sync status and last error
func (e *Engine) Status(namespace string) (types.SyncState, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.statuses[namespace]
	if !ok {
		st = types.SyncIdle
	}
	return st, e.lastErrs[namespace]
}

// SyncNow re-queues failed envelopes with a fresh retry budget and drains
// the namespace immediately, bypassing the batch window.
func (e *Engine) SyncNow(namespace string) error {
	failed, err := e.journal.ListFailed(namespace)
	if err != nil {
		return err
	}
	for _, env := range failed {
		if err := e.journal.Requeue(env.ID, true); err != nil {
			return err
		}
	}
	e.notifyPending(namespace)
	e.scheduleBatch(namespace, 0)
	return nil
}

// SetOnline gates syncing. Coming back online drains every namespace that
// still has pending envelopes.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	e.online = online
	var namespaces []string
	if online {
		for ns := range e.replicas {
			namespaces = append(namespaces, ns)
		}
	}
	e.mu.Unlock()

	for _, ns := range namespaces {
		if e.PendingCount(ns) > 0 {
			e.scheduleBatch(ns, 0)
		}
	}
}

// scheduleBatch arms the namespace's batch timer unless one is already
// armed. The timer is not reset by further enqueues inside the window.
func (e *Engine) scheduleBatch(namespace string, delay time.Duration) {
	e.mu.Lock()
	b, ok := e.batches[namespace]
	if !ok {
		b = &batchState{}
		e.batches[namespace] = b
	}
	if b.timerSet {
		e.mu.Unlock()
		return
	}
	b.timerSet = true
	e.mu.Unlock()

	e.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer e.wg.Done()
		e.drain(namespace)
	})
}

// drain sends one batch of pending envelopes. Overlapping drains for the
// same namespace coalesce into a rerun after the in-flight one returns.
func (e *Engine) drain(namespace string) {
	if e.ctx.Err() != nil {
		return
	}

	e.mu.Lock()
	b := e.batches[namespace]
	b.timerSet = false
	if !e.online {
		e.mu.Unlock()
		return
	}
	if b.inFlight {
		b.rerun = true
		e.mu.Unlock()
		return
	}
	b.inFlight = true
	e.mu.Unlock()

	rerun := e.drainOnce(namespace)

	e.mu.Lock()
	b.inFlight = false
	rerun = rerun || b.rerun
	b.rerun = false
	e.mu.Unlock()

	if rerun {
		e.scheduleBatch(namespace, e.cfg.BatchWindow)
	}
}

// drainOnce reads the pending snapshot, POSTs it and applies the response.
// It reports whether another drain should follow.
func (e *Engine) drainOnce(namespace string) bool {
	envs, err := e.journal.ListPending(namespace)
	if err != nil {
		e.logger.Error().Err(err).Str("namespace", namespace).Msg("failed to list pending envelopes")
		return false
	}
	if len(envs) == 0 {
		e.setStatus(namespace, types.SyncIdle, "")
		return false
	}

	e.setStatus(namespace, types.SyncSyncing, "")

	req := &types.SyncRequest{ClientID: e.clientID, Operations: envs}
	resp, err := e.postBatch(namespace, req)
	if err != nil {
		// Transport failure: envelopes stay pending and the batch is
		// retried on a backoff schedule.
		metrics.SyncBatchesTotal.WithLabelValues(namespace, "transport_error").Inc()
		e.setStatus(namespace, types.SyncError, err.Error())

		e.mu.Lock()
		b := e.batches[namespace]
		b.failures++
		delay := e.retryDelay(b.failures)
		online := e.online
		e.mu.Unlock()

		if online && e.ctx.Err() == nil {
			e.scheduleBatch(namespace, delay)
		}
		return false
	}

	e.mu.Lock()
	e.batches[namespace].failures = 0
	e.mu.Unlock()

	return e.processResponse(namespace, envs, resp)
}

// postBatch POSTs one batch with bounded transport-level retries. Only
// network errors and 5xx responses are retried here; envelope-level
// failures come back in the response body.
func (e *Engine) postBatch(namespace string, req *types.SyncRequest) (*types.SyncResponse, error) {
	var resp *types.SyncResponse
	err := retry.Do(
		func() error {
			var err error
			resp, err = e.client.Sync(e.ctx, namespace, req)
			if err == nil {
				return nil
			}
			var se *client.StatusError
			if errors.As(err, &se) && !se.IsTransient() {
				return retry.Unrecoverable(err)
			}
			if e.ctx.Err() != nil {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// processResponse marks envelopes synced or failed, schedules per-envelope
// retries and applies id mappings. It reports whether more work is queued.
func (e *Engine) processResponse(namespace string, sent []*types.OperationEnvelope, resp *types.SyncResponse) bool {
	byID := make(map[string]*types.OperationEnvelope, len(sent))
	for _, env := range sent {
		byID[env.ID] = env
	}

	failed := 0
	var lastErr string
	for _, res := range resp.Applied {
		env := byID[res.OperationID]
		switch res.Status {
		case types.AppliedSuccess:
			if err := e.journal.MarkSynced(res.OperationID); err != nil {
				e.logger.Error().Err(err).Str("envelope", res.OperationID).Msg("failed to mark synced")
			}
		case types.AppliedFailed:
			failed++
			lastErr = res.Error
			if err := e.journal.MarkFailed(res.OperationID, res.Error); err != nil {
				e.logger.Error().Err(err).Str("envelope", res.OperationID).Msg("failed to mark failed")
				continue
			}
			retryCount := 1
			if env != nil {
				retryCount = env.RetryCount + 1
			}
			if retryCount < e.cfg.MaxRetries {
				e.scheduleRequeue(namespace, res.OperationID, e.retryDelay(retryCount))
			}
		}
	}

	// Rewrite temporary ids everywhere the temp value still lives: the
	// replica's nodes and any not-yet-synced envelope payloads.
	if len(resp.Mappings) > 0 {
		r := e.Replica(namespace)
		for temp, real := range resp.Mappings {
			r.RemapID(temp, real)
			if err := e.journal.RemapID(namespace, temp, real); err != nil {
				e.logger.Error().Err(err).Str("temp_id", temp).Msg("failed to remap envelope ids")
			}
		}
		e.notifyDataChanged(namespace)
	}

	e.notifyPending(namespace)

	if failed > 0 {
		metrics.SyncBatchesTotal.WithLabelValues(namespace, "partial").Inc()
		e.setStatus(namespace, types.SyncError, lastErr)
	} else {
		metrics.SyncBatchesTotal.WithLabelValues(namespace, "success").Inc()
		e.setStatus(namespace, types.SyncSynced, "")
	}

	n, _ := e.journal.CountPending(namespace)
	return n > 0
}

func (e *Engine) scheduleRequeue(namespace, envID string, delay time.Duration) {
	e.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer e.wg.Done()
		if e.ctx.Err() != nil {
			return
		}
		if err := e.journal.Requeue(envID, false); err != nil {
			e.logger.Error().Err(err).Str("envelope", envID).Msg("failed to requeue envelope")
			return
		}
		e.notifyPending(namespace)
		e.scheduleBatch(namespace, 0)
	})
}

// retryDelay returns the n-th retry delay, clamping into the schedule
func (e *Engine) retryDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	idx := n
	if idx > len(e.cfg.RetryDelays)-1 {
		idx = len(e.cfg.RetryDelays) - 1
	}
	return e.cfg.RetryDelays[idx]
}

func (e *Engine) setStatus(namespace string, st types.SyncState, errMsg string) {
	e.mu.Lock()
	changed := e.statuses[namespace] != st || e.lastErrs[namespace] != errMsg
	e.statuses[namespace] = st
	e.lastErrs[namespace] = errMsg
	cb := e.callbacks.OnStatus
	e.mu.Unlock()

	if changed && cb != nil {
		cb(namespace, st, errMsg)
	}
}

func (e *Engine) notifyPending(namespace string) {
	count := e.PendingCount(namespace)
	metrics.PendingEnvelopes.WithLabelValues(namespace).Set(float64(count))

	e.mu.Lock()
	cb := e.callbacks.OnPending
	e.mu.Unlock()
	if cb != nil {
		cb(namespace, count)
	}
}

func (e *Engine) notifyDataChanged(namespace string) {
	e.mu.Lock()
	cb := e.callbacks.OnDataChanged
	e.mu.Unlock()
	if cb != nil {
		cb(namespace)
	}
}

// ApplyServerEvent folds a server-published application event into the
// local replica. Heartbeats and connection frames never reach this point.
func (e *Engine) ApplyServerEvent(ev *types.Event) {
	r := e.Replica(ev.Namespace)
	switch ev.Type {
	case types.EventFolderCreated, types.EventBookmarkCreated,
		types.EventFolderUpdated, types.EventBookmarkUpdated,
		types.EventItemMoved, types.EventFolderToggled,
		types.EventBookmarkFavoriteToggled:
		if n := nodeFromEventData(ev.Data); n != nil {
			r.Upsert(n)
		}
	case types.EventItemDeleted:
		if id, ok := ev.Data["nodeId"].(string); ok {
			r.Remove(id)
		}
	}
}

// ReconcileFromServer replaces the replica's nodes with server-authoritative
// ones, preserving nodes that still have pending local operations.
func (e *Engine) ReconcileFromServer(namespace string, nodes map[string]*types.Node) error {
	pending, err := e.journal.ListPending(namespace)
	if err != nil {
		return err
	}
	preserve := make(map[string]struct{})
	for _, env := range pending {
		for _, id := range []string{env.Op.ID, env.Op.NodeID, env.Op.FolderID} {
			if id != "" {
				preserve[id] = struct{}{}
			}
		}
	}

	e.Replica(namespace).Reconcile(nodes, preserve)
	e.notifyDataChanged(namespace)
	return nil
}

// Reset wipes the journal and all replicas. This is the fatal-corruption
// recovery path; callers re-fetch server state afterwards.
func (e *Engine) Reset() error {
	if err := e.journal.Reset(); err != nil {
		return err
	}
	e.mu.Lock()
	namespaces := make([]string, 0, len(e.replicas))
	for ns := range e.replicas {
		namespaces = append(namespaces, ns)
	}
	e.replicas = make(map[string]*replica.Replica)
	e.mu.Unlock()

	for _, ns := range namespaces {
		e.notifyPending(ns)
		e.notifyDataChanged(ns)
	}
	return nil
}

// nodeFromEventData extracts the "node" object carried by application
// events.
func nodeFromEventData(data map[string]any) *types.Node {
	raw, ok := data["node"]
	if !ok {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var n types.Node
	if err := json.Unmarshal(buf, &n); err != nil {
		return nil
	}
	if n.ID == "" {
		return nil
	}
	return &n
}
