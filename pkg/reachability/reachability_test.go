package reachability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/markhive/markhive/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func testConfig() config.ReachabilityConfig {
	return config.ReachabilityConfig{
		ProbeInterval: 20 * time.Millisecond,
		ProbeTimeout:  time.Second,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestInitialStateOnline(t *testing.T) {
	m := New(&fakeProber{}, testConfig())
	assert.True(t, m.IsOnline())
}

func TestProbeDetectsOfflineAndRecovery(t *testing.T) {
	p := &fakeProber{}
	m := New(p, testConfig())

	var mu sync.Mutex
	var flips []bool
	m.OnChange(func(online bool) {
		mu.Lock()
		flips = append(flips, online)
		mu.Unlock()
	})

	m.Start()
	defer m.Stop()

	p.setErr(errors.New("connection refused"))
	waitFor(t, func() bool { return !m.IsOnline() }, "never went offline")

	p.setErr(nil)
	waitFor(t, func() bool { return m.IsOnline() }, "never came back online")

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(flips), 2)
	assert.False(t, flips[0])
	assert.True(t, flips[len(flips)-1])
}

func TestListenerFiresOnFlipsOnly(t *testing.T) {
	m := New(&fakeProber{}, testConfig())

	var mu sync.Mutex
	count := 0
	m.OnChange(func(bool) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	// Same-state signals never notify.
	m.SetOnline(true)
	m.SetOnline(true)
	mu.Lock()
	assert.Zero(t, count)
	mu.Unlock()

	m.SetOnline(false)
	m.SetOnline(false)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestSetOnlineFeedsExternalSignal(t *testing.T) {
	m := New(&fakeProber{}, testConfig())

	m.SetOnline(false)
	assert.False(t, m.IsOnline())

	m.SetOnline(true)
	assert.True(t, m.IsOnline())
}
