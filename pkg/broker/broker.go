package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/markhive/markhive/pkg/config"
	"github.com/markhive/markhive/pkg/log"
	"github.com/markhive/markhive/pkg/metrics"
	"github.com/markhive/markhive/pkg/types"
	"github.com/rs/zerolog"
)

// Subscription represents one live SSE stream held by a client
type Subscription struct {
	ID        string
	Namespace string
	OpenedAt  time.Time

	ch     chan *types.Event
	closed bool // guarded by the broker mutex
}

// Events returns the subscription's event queue. The channel is closed when
// the subscription is evicted or the namespace drained.
func (s *Subscription) Events() <-chan *types.Event {
	return s.ch
}

// Broker fans namespace-scoped events out to SSE subscribers. Each
// subscription owns a bounded queue; a subscriber that cannot accept an
// event within the publish timeout is evicted so it never stalls others.
type Broker struct {
	cfg    config.SSEConfig
	logger zerolog.Logger

	mu         sync.RWMutex
	namespaces map[string]map[string]*Subscription

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a broker and starts its heartbeat loop
func New(cfg config.SSEConfig) *Broker {
	b := &Broker{
		cfg:        cfg,
		logger:     log.WithComponent("broker"),
		namespaces: make(map[string]map[string]*Subscription),
		stopCh:     make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Subscribe registers a new subscription for a namespace and enqueues the
// initial connection frame carrying the subscription id and live count.
func (b *Broker) Subscribe(namespace string) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		Namespace: namespace,
		OpenedAt:  time.Now(),
		ch:        make(chan *types.Event, b.cfg.SubscriberQueueCapacity),
	}

	b.mu.Lock()
	subs, ok := b.namespaces[namespace]
	if !ok {
		subs = make(map[string]*Subscription)
		b.namespaces[namespace] = subs
	}
	subs[sub.ID] = sub
	count := len(subs)

	// The frame goes out before the lock is released: a concurrent drain
	// cannot close the channel mid-send, and the fresh queue always has
	// room.
	sub.ch <- &types.Event{
		ID:        uuid.New().String(),
		Type:      types.EventConnection,
		Namespace: namespace,
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]any{
			"subId":           sub.ID,
			"namespace":       namespace,
			"connectionCount": count,
		},
	}
	b.mu.Unlock()

	metrics.SSESubscribers.WithLabelValues(namespace).Set(float64(count))

	subLogger := log.WithSubID(sub.ID)
	subLogger.Debug().
		Str("namespace", namespace).
		Int("connections", count).
		Msg("subscriber registered")
	return sub
}

// Unsubscribe removes a subscription and closes its queue
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.removeSub(sub.Namespace, sub.ID, "client disconnect")
}

// Publish delivers an event to every subscription of a namespace in
// submission order. Missing id and timestamp are filled in. Publish blocks
// at most publishTimeout per slow subscriber before evicting it.
func (b *Broker) Publish(namespace string, event *types.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Namespace = namespace

	metrics.EventsPublishedTotal.WithLabelValues(namespace, string(event.Type)).Inc()

	b.fanOut(namespace, event, b.cfg.PublishTimeout)
}

// fanOut enqueues the event for every live subscription of the namespace,
// evicting any subscriber that does not accept it within wait.
func (b *Broker) fanOut(namespace string, event *types.Event, wait time.Duration) {
	b.mu.RLock()
	var evicted []string
	for id, sub := range b.namespaces[namespace] {
		if sub.closed {
			continue
		}
		if !enqueue(sub.ch, event, wait) {
			evicted = append(evicted, id)
			metrics.EventsDroppedTotal.WithLabelValues(namespace).Inc()
		}
	}
	b.mu.RUnlock()

	for _, id := range evicted {
		b.removeSub(namespace, id, "queue overflow")
		metrics.SubscribersEvictedTotal.WithLabelValues(namespace).Inc()
	}
}

// enqueue attempts a non-blocking send first and falls back to a bounded
// wait so one slow subscriber never stalls the producer.
func enqueue(ch chan *types.Event, event *types.Event, wait time.Duration) bool {
	select {
	case ch <- event:
		return true
	default:
	}
	if wait <= 0 {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- event:
		return true
	case <-timer.C:
		return false
	}
}

// ForceClose writes a final close frame to every subscription of a
// namespace, then removes and closes them all.
func (b *Broker) ForceClose(namespace string) {
	b.mu.Lock()
	subs := b.namespaces[namespace]
	delete(b.namespaces, namespace)
	for _, sub := range subs {
		sub.closed = true
	}
	b.mu.Unlock()

	closeEvent := &types.Event{
		ID:        uuid.New().String(),
		Type:      types.EventClose,
		Namespace: namespace,
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]any{"reason": "connection_closing"},
	}
	for _, sub := range subs {
		// Best effort: the frame rides out on whatever queue room is left.
		enqueue(sub.ch, closeEvent, 0)
		close(sub.ch)
	}

	metrics.SSESubscribers.WithLabelValues(namespace).Set(0)
	b.logger.Info().
		Str("namespace", namespace).
		Int("closed", len(subs)).
		Msg("namespace drained")
}

// Shutdown drains every namespace and stops the heartbeat loop
func (b *Broker) Shutdown() {
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.RLock()
	names := make([]string, 0, len(b.namespaces))
	for ns := range b.namespaces {
		names = append(names, ns)
	}
	b.mu.RUnlock()

	for _, ns := range names {
		b.ForceClose(ns)
	}
}

// ConnectionCount returns the live subscriber count for a namespace
func (b *Broker) ConnectionCount(namespace string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.namespaces[namespace])
}

// TotalConnections returns the live subscriber count across namespaces
func (b *Broker) TotalConnections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, subs := range b.namespaces {
		total += len(subs)
	}
	return total
}

func (b *Broker) removeSub(namespace, subID, reason string) {
	b.mu.Lock()
	subs, ok := b.namespaces[namespace]
	if !ok {
		b.mu.Unlock()
		return
	}
	sub, ok := subs[subID]
	if !ok {
		b.mu.Unlock()
		return
	}
	sub.closed = true
	delete(subs, subID)
	count := len(subs)
	if count == 0 {
		delete(b.namespaces, namespace)
	}
	b.mu.Unlock()

	close(sub.ch)
	metrics.SSESubscribers.WithLabelValues(namespace).Set(float64(count))
	subLogger := log.WithSubID(subID)
	subLogger.Debug().
		Str("namespace", namespace).
		Str("reason", reason).
		Msg("subscriber removed")
}

// heartbeatLoop publishes a heartbeat event to every namespace on a fixed
// interval. Heartbeats go through the same queues as application events so
// they never overtake events already enqueued.
func (b *Broker) heartbeatLoop() {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.heartbeat()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) heartbeat() {
	b.mu.RLock()
	names := make([]string, 0, len(b.namespaces))
	for ns := range b.namespaces {
		names = append(names, ns)
	}
	b.mu.RUnlock()

	for _, ns := range names {
		event := &types.Event{
			ID:        uuid.New().String(),
			Type:      types.EventHeartbeat,
			Namespace: ns,
			Timestamp: time.Now().UnixMilli(),
			Data:      map[string]any{},
		}
		// A subscriber that cannot take a heartbeat within the write
		// timeout is dead.
		b.fanOut(ns, event, b.cfg.WriteTimeout)
	}
	metrics.HeartbeatsTotal.Inc()
}

// String implements fmt.Stringer for debug logging
func (b *Broker) String() string {
	return fmt.Sprintf("broker(%d connections)", b.TotalConnections())
}
