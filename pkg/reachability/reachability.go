// Package reachability tracks whether the markhive server can be reached.
//
// It combines process-level online/offline signals (SetOnline) with an
// active HEAD probe against /api/ping. State flips are fanned out to
// registered listeners; the sync engine gates on them.
package reachability

import (
	"context"
	"sync"
	"time"

	"github.com/markhive/markhive/pkg/config"
	"github.com/markhive/markhive/pkg/log"
	"github.com/rs/zerolog"
)

// Prober checks server reachability. *client.Client satisfies it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Listener is notified on every connectivity flip
type Listener func(online bool)

// Monitor runs the periodic reachability probe
type Monitor struct {
	prober Prober
	cfg    config.ReachabilityConfig
	logger zerolog.Logger

	mu        sync.RWMutex
	online    bool
	listeners []Listener

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a monitor. The initial state is online; the first probe runs
// immediately on Start.
func New(prober Prober, cfg config.ReachabilityConfig) *Monitor {
	return &Monitor{
		prober: prober,
		cfg:    cfg,
		logger: log.WithComponent("reachability"),
		online: true,
		stopCh: make(chan struct{}),
	}
}

// Start begins the probe loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the probe loop
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// IsOnline returns the current connectivity state
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnChange registers a listener for connectivity flips
func (m *Monitor) OnChange(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetOnline feeds a process-level connectivity signal into the monitor,
// e.g. from the host environment's network change notifications.
func (m *Monitor) SetOnline(online bool) {
	m.transition(online)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	// Probe immediately on start
	m.probe()

	for {
		select {
		case <-ticker.C:
			m.probe()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()

	err := m.prober.Ping(ctx)
	m.transition(err == nil)
}

func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.logger.Info().Bool("online", online).Msg("connectivity changed")
	for _, fn := range listeners {
		fn(online)
	}
}
