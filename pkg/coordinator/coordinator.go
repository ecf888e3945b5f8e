package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/markhive/markhive/pkg/client"
	"github.com/markhive/markhive/pkg/config"
	"github.com/markhive/markhive/pkg/log"
	"github.com/markhive/markhive/pkg/metrics"
	"github.com/markhive/markhive/pkg/reachability"
	"github.com/markhive/markhive/pkg/syncer"
	"github.com/markhive/markhive/pkg/types"
	"github.com/rs/zerolog"
)

const portQueueCapacity = 64

// Coordinator multiplexes any number of tab ports over one upstream SSE
// stream per namespace. All state lives on a single event loop: ports,
// per-namespace connection managers and reconnect timers post closures to
// the loop instead of locking.
type Coordinator struct {
	cfg     config.ReconnectConfig
	client  *client.Client
	engine  *syncer.Engine
	monitor *reachability.Monitor
	logger  zerolog.Logger
	backoff *backoff

	cmds   chan func()
	stopCh chan struct{}

	// Loop-owned state. Touch only from the event loop.
	ports    map[string]*Port
	managers map[string]*connManager
}

// connManager tracks one namespace's upstream connection lifecycle
type connManager struct {
	namespace      string
	state          types.ConnState
	attempt        int
	stream         *client.EventStream
	reconnectTimer *time.Timer
	stabilityTimer *time.Timer
	nextRetryAt    time.Time
	closed         bool
}

// New creates a coordinator. Call Start before opening ports.
func New(cli *client.Client, engine *syncer.Engine, monitor *reachability.Monitor, cfg config.ReconnectConfig) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		client:   cli,
		engine:   engine,
		monitor:  monitor,
		logger:   log.WithComponent("coordinator"),
		backoff:  newBackoff(cfg),
		cmds:     make(chan func(), 128),
		stopCh:   make(chan struct{}),
		ports:    make(map[string]*Port),
		managers: make(map[string]*connManager),
	}
}

// Start runs the event loop and wires engine and reachability callbacks
func (c *Coordinator) Start() {
	c.engine.SetCallbacks(syncer.Callbacks{
		OnStatus: func(ns string, st types.SyncState, errMsg string) {
			c.post(func() {
				data := map[string]any{"status": string(st)}
				if errMsg != "" {
					data["error"] = errMsg
				}
				c.broadcast(ns, &Message{Type: MsgSyncStatus, Namespace: ns, Data: data})
			})
		},
		OnPending: func(ns string, count int) {
			c.post(func() {
				c.broadcast(ns, &Message{
					Type:      MsgPendingCount,
					Namespace: ns,
					Data:      map[string]any{"count": count},
				})
			})
		},
		OnDataChanged: func(ns string) {
			c.post(func() {
				c.broadcast(ns, &Message{Type: MsgDataChanged, Namespace: ns})
			})
		},
	})

	if c.monitor != nil {
		c.monitor.OnChange(func(online bool) {
			c.engine.SetOnline(online)
			c.post(func() { c.onConnectivity(online) })
		})
	}

	go c.run()
}

// Stop tears down all upstream streams and detaches every port
func (c *Coordinator) Stop() {
	c.call(func() {
		for ns := range c.managers {
			c.teardownManager(ns)
		}
		for _, p := range c.ports {
			p.closed = true
			close(p.out)
		}
		c.ports = make(map[string]*Port)
	})
	close(c.stopCh)
}

// OpenPort registers a new tab port. The port speaks the message protocol
// via Send and Messages.
func (c *Coordinator) OpenPort() *Port {
	id := uuid.New().String()
	p := &Port{
		ID:     id,
		coord:  c,
		logger: log.WithPortID(id),
		out:    make(chan *Message, portQueueCapacity),
	}
	c.call(func() { c.ports[p.ID] = p })
	return p
}

// PortCount returns the number of attached ports
func (c *Coordinator) PortCount() int {
	var n int
	c.call(func() { n = len(c.ports) })
	return n
}

// ConnState returns the namespace's upstream connection state
func (c *Coordinator) ConnState(namespace string) types.ConnState {
	st := types.ConnDisconnected
	c.call(func() {
		if mgr, ok := c.managers[namespace]; ok {
			st = mgr.state
		}
	})
	return st
}

func (c *Coordinator) run() {
	for {
		select {
		case cmd := <-c.cmds:
			cmd()
		case <-c.stopCh:
			return
		}
	}
}

// post schedules fn on the event loop
func (c *Coordinator) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.stopCh:
	}
}

// call runs fn on the event loop and waits for it
func (c *Coordinator) call(fn func()) {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
		<-done
	case <-c.stopCh:
		fn()
	}
}

// handleMessage dispatches one inbound port message. Runs on the loop.
func (c *Coordinator) handleMessage(p *Port, msg *Message) {
	switch msg.Type {
	case MsgConnect:
		c.handleConnect(p, msg)
	case MsgDisconnect:
		c.handleDisconnect(p, msg)
	case MsgEnqueueOperation:
		c.handleEnqueue(p, msg)
	case MsgSyncNow:
		c.handleSyncNow(p, msg)
	case MsgGetStatus:
		c.handleGetStatus(p, msg)
	case MsgGetPendingCount:
		p.deliver(&Message{
			Type:      MsgPendingCount,
			RequestID: msg.RequestID,
			Namespace: p.namespace,
			Data:      map[string]any{"count": c.engine.PendingCount(p.namespace)},
		})
	case MsgResetDatabase:
		c.handleReset(p, msg)
	case MsgFetchInitialData:
		c.handleFetchInitialData(p, msg)
	default:
		c.replyError(p, msg, "unknown message type: "+msg.Type)
	}
}

func (c *Coordinator) handleConnect(p *Port, msg *Message) {
	if msg.Namespace == "" {
		c.replyError(p, msg, "connect requires a namespace")
		return
	}
	p.namespace = msg.Namespace
	mgr := c.ensureManager(msg.Namespace)

	// Tell the new port where the shared connection already is.
	switch mgr.state {
	case types.ConnConnected:
		p.deliver(&Message{Type: MsgConnected, RequestID: msg.RequestID, Namespace: mgr.namespace})
	case types.ConnReconnecting:
		p.deliver(c.reconnectingMessage(mgr, msg.RequestID))
	default:
		p.deliver(&Message{Type: MsgConnecting, RequestID: msg.RequestID, Namespace: mgr.namespace})
	}
}

func (c *Coordinator) handleDisconnect(p *Port, msg *Message) {
	ns := p.namespace
	p.namespace = ""
	p.deliver(&Message{Type: MsgAck, RequestID: msg.RequestID, Namespace: ns})
	if ns != "" && !c.namespaceHasPorts(ns) {
		c.teardownManager(ns)
	}
}

func (c *Coordinator) handleEnqueue(p *Port, msg *Message) {
	if p.namespace == "" {
		c.replyError(p, msg, "port is not connected to a namespace")
		return
	}
	if msg.Op == nil {
		c.replyError(p, msg, "enqueueOperation requires an op")
		return
	}
	env, err := c.engine.Enqueue(p.namespace, *msg.Op)
	if err != nil {
		c.replyError(p, msg, err.Error())
		return
	}
	p.deliver(&Message{
		Type:      MsgAck,
		RequestID: msg.RequestID,
		Namespace: p.namespace,
		Data:      map[string]any{"operationId": env.ID},
	})
	c.broadcast(p.namespace, &Message{Type: MsgDataChanged, Namespace: p.namespace})
}

func (c *Coordinator) handleSyncNow(p *Port, msg *Message) {
	if p.namespace == "" {
		c.replyError(p, msg, "port is not connected to a namespace")
		return
	}
	if err := c.engine.SyncNow(p.namespace); err != nil {
		c.replyError(p, msg, err.Error())
		return
	}
	p.deliver(&Message{Type: MsgAck, RequestID: msg.RequestID, Namespace: p.namespace})
}

func (c *Coordinator) handleGetStatus(p *Port, msg *Message) {
	ns := msg.Namespace
	if ns == "" {
		ns = p.namespace
	}
	syncState, syncErr := c.engine.Status(ns)
	connState := types.ConnDisconnected
	if mgr, ok := c.managers[ns]; ok {
		connState = mgr.state
	}
	data := map[string]any{
		"status":       string(syncState),
		"connection":   string(connState),
		"pendingCount": c.engine.PendingCount(ns),
	}
	if syncErr != "" {
		data["error"] = syncErr
	}
	p.deliver(&Message{Type: MsgSyncStatus, RequestID: msg.RequestID, Namespace: ns, Data: data})
}

func (c *Coordinator) handleReset(p *Port, msg *Message) {
	if err := c.engine.Reset(); err != nil {
		c.replyError(p, msg, err.Error())
		return
	}
	p.deliver(&Message{Type: MsgAck, RequestID: msg.RequestID})
	for ns := range c.managers {
		c.broadcast(ns, &Message{Type: MsgDataChanged, Namespace: ns})
	}
}

// handleFetchInitialData fetches the server tree off-loop and reconciles
// the replica when the response lands.
func (c *Coordinator) handleFetchInitialData(p *Port, msg *Message) {
	ns := msg.Namespace
	if ns == "" {
		ns = p.namespace
	}
	if ns == "" {
		c.replyError(p, msg, "fetchInitialData requires a namespace")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		resp, err := c.client.GetSubtree(ctx, ns, types.RootNodeID)
		c.post(func() {
			if err != nil {
				c.replyError(p, msg, "failed to fetch initial data: "+err.Error())
				return
			}
			if err := c.engine.ReconcileFromServer(ns, resp.Nodes); err != nil {
				c.replyError(p, msg, err.Error())
				return
			}
			p.deliver(&Message{
				Type:      MsgDataChanged,
				RequestID: msg.RequestID,
				Namespace: ns,
				Data:      map[string]any{"rootId": resp.RootID, "nodes": resp.Nodes},
			})
		})
	}()
}

func (c *Coordinator) replyError(p *Port, msg *Message, text string) {
	p.deliver(&Message{
		Type:      MsgError,
		RequestID: msg.RequestID,
		Namespace: msg.Namespace,
		Data:      map[string]any{"message": text},
	})
}

// detachPort removes a port; the last port of a namespace tears down the
// upstream stream.
func (c *Coordinator) detachPort(p *Port) {
	if _, ok := c.ports[p.ID]; !ok {
		return
	}
	delete(c.ports, p.ID)
	ns := p.namespace
	p.namespace = ""
	p.closed = true
	close(p.out)

	if ns != "" && !c.namespaceHasPorts(ns) {
		c.teardownManager(ns)
	}
}

func (c *Coordinator) namespaceHasPorts(namespace string) bool {
	for _, p := range c.ports {
		if p.namespace == namespace {
			return true
		}
	}
	return false
}

// broadcastAll delivers a message to every attached port
func (c *Coordinator) broadcastAll(msg *Message) {
	for _, p := range c.ports {
		p.deliver(msg)
	}
}

// broadcast delivers a message to every port attached to the namespace
func (c *Coordinator) broadcast(namespace string, msg *Message) {
	for _, p := range c.ports {
		if p.namespace == namespace {
			p.deliver(msg)
		}
	}
}

// ensureManager returns the namespace's connection manager, starting a
// connection attempt on first use.
func (c *Coordinator) ensureManager(namespace string) *connManager {
	if mgr, ok := c.managers[namespace]; ok {
		return mgr
	}
	mgr := &connManager{namespace: namespace, state: types.ConnConnecting}
	c.managers[namespace] = mgr
	c.broadcast(namespace, &Message{Type: MsgConnecting, Namespace: namespace})
	c.connect(mgr)
	return mgr
}

// connect dials the upstream stream off-loop and posts the outcome back
func (c *Coordinator) connect(mgr *connManager) {
	go func() {
		stream, err := c.client.OpenEvents(context.Background(), mgr.namespace)
		c.post(func() {
			if c.managers[mgr.namespace] != mgr || mgr.closed {
				if stream != nil {
					stream.Close()
				}
				return
			}
			if err != nil {
				c.logger.Warn().Err(err).Str("namespace", mgr.namespace).Msg("upstream connect failed")
				c.scheduleReconnect(mgr)
				return
			}
			c.onStreamOpen(mgr, stream)
		})
	}()
}

// onStreamOpen transitions a manager to connected and starts consuming
func (c *Coordinator) onStreamOpen(mgr *connManager, stream *client.EventStream) {
	mgr.stream = stream
	mgr.state = types.ConnConnected
	mgr.nextRetryAt = time.Time{}
	c.logger.Info().Str("namespace", mgr.namespace).Msg("upstream connected")
	c.broadcast(mgr.namespace, &Message{Type: MsgConnected, Namespace: mgr.namespace})

	// The attempt counter resets only once the connection proves stable.
	mgr.stabilityTimer = time.AfterFunc(c.cfg.StableThreshold, func() {
		c.post(func() {
			if c.managers[mgr.namespace] == mgr && mgr.state == types.ConnConnected {
				mgr.attempt = 0
			}
		})
	})

	go func() {
		for ev := range stream.Events() {
			ev := ev
			c.post(func() { c.handleUpstreamEvent(mgr, stream, ev) })
		}
		c.post(func() { c.onStreamDown(mgr, stream) })
	}()
}

// handleUpstreamEvent demuxes one upstream event. Heartbeats are consumed
// silently; application events update the replica and fan out to ports.
func (c *Coordinator) handleUpstreamEvent(mgr *connManager, stream *client.EventStream, ev *types.Event) {
	if c.managers[mgr.namespace] != mgr || mgr.stream != stream {
		return
	}
	switch ev.Type {
	case types.EventHeartbeat:
		return
	case types.EventConnection:
		if count, ok := ev.Data["connectionCount"].(float64); ok {
			c.broadcast(mgr.namespace, &Message{
				Type:      MsgConnectionCount,
				Namespace: mgr.namespace,
				Data:      map[string]any{"count": int(count)},
			})
		}
		return
	case types.EventClose:
		// Server drain; the read loop will end and reconnect kicks in.
		return
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	c.engine.ApplyServerEvent(ev)
	c.broadcast(mgr.namespace, &Message{
		Type:      MsgEvent,
		Namespace: mgr.namespace,
		Data:      map[string]any{"event": ev},
	})
}

func (c *Coordinator) onStreamDown(mgr *connManager, stream *client.EventStream) {
	if c.managers[mgr.namespace] != mgr || mgr.stream != stream {
		return
	}
	mgr.stream = nil
	stopTimer(&mgr.stabilityTimer)
	if err := stream.Err(); err != nil {
		c.logger.Warn().Err(err).Str("namespace", mgr.namespace).Msg("upstream stream failed")
	} else {
		c.logger.Info().Str("namespace", mgr.namespace).Msg("upstream stream closed")
	}

	if !c.namespaceHasPorts(mgr.namespace) {
		c.teardownManager(mgr.namespace)
		return
	}
	c.scheduleReconnect(mgr)
}

// scheduleReconnect arms the backoff timer and notifies ports
func (c *Coordinator) scheduleReconnect(mgr *connManager) {
	delay := c.backoff.Delay(mgr.attempt)
	mgr.state = types.ConnReconnecting
	mgr.nextRetryAt = time.Now().Add(delay)
	metrics.ReconnectAttemptsTotal.WithLabelValues(mgr.namespace).Inc()
	c.logger.Info().
		Str("namespace", mgr.namespace).
		Int("attempt", mgr.attempt).
		Dur("delay", delay).
		Msg("scheduling reconnect")

	c.broadcast(mgr.namespace, c.reconnectingMessage(mgr, ""))
	mgr.attempt++

	mgr.reconnectTimer = time.AfterFunc(delay, func() {
		c.post(func() { c.fireReconnect(mgr) })
	})
}

func (c *Coordinator) fireReconnect(mgr *connManager) {
	if c.managers[mgr.namespace] != mgr || mgr.closed || mgr.state != types.ConnReconnecting {
		return
	}
	if !c.namespaceHasPorts(mgr.namespace) {
		c.teardownManager(mgr.namespace)
		return
	}
	// Timer and deadline clear together; ports never observe a stale
	// nextRetryAt alongside a live attempt.
	mgr.nextRetryAt = time.Time{}
	mgr.reconnectTimer = nil
	mgr.state = types.ConnConnecting
	c.broadcast(mgr.namespace, &Message{Type: MsgConnecting, Namespace: mgr.namespace})
	c.connect(mgr)
}

func (c *Coordinator) reconnectingMessage(mgr *connManager, requestID string) *Message {
	return &Message{
		Type:      MsgReconnecting,
		RequestID: requestID,
		Namespace: mgr.namespace,
		Data: map[string]any{
			"attempt":     mgr.attempt,
			"delayMs":     time.Until(mgr.nextRetryAt).Milliseconds(),
			"nextRetryAt": mgr.nextRetryAt.UnixMilli(),
		},
	}
}

// onConnectivity reacts to reachability flips. Every port learns about the
// flip; coming online additionally short-circuits pending backoff timers,
// while going offline lets streams fail on their own.
func (c *Coordinator) onConnectivity(online bool) {
	c.broadcastAll(&Message{
		Type: MsgConnectivityChanged,
		Data: map[string]any{"isOnline": online},
	})
	if !online {
		return
	}
	for _, mgr := range c.managers {
		if mgr.state == types.ConnReconnecting {
			stopTimer(&mgr.reconnectTimer)
			c.fireReconnect(mgr)
		}
	}
}

// teardownManager closes a namespace's upstream stream and forgets it
func (c *Coordinator) teardownManager(namespace string) {
	mgr, ok := c.managers[namespace]
	if !ok {
		return
	}
	mgr.closed = true
	mgr.state = types.ConnDisconnected
	stopTimer(&mgr.reconnectTimer)
	stopTimer(&mgr.stabilityTimer)
	if mgr.stream != nil {
		stream := mgr.stream
		mgr.stream = nil
		go stream.Close()
	}
	delete(c.managers, namespace)
	c.broadcast(namespace, &Message{Type: MsgDisconnected, Namespace: namespace})
	c.logger.Info().Str("namespace", namespace).Msg("upstream torn down")
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
