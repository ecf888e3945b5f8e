package coordinator

import (
	"math"
	"math/rand"
	"time"

	"github.com/markhive/markhive/pkg/config"
)

// backoff computes reconnect delays: exponential growth with jitter,
// clamped between the base delay and the cap. Each coordinator carries its
// own seeded source so parallel clients do not reconnect in lockstep.
type backoff struct {
	cfg config.ReconnectConfig
	rng *rand.Rand
}

func newBackoff(cfg config.ReconnectConfig) *backoff {
	return &backoff{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the delay before reconnect attempt n (0-based)
func (b *backoff) Delay(attempt int) time.Duration {
	base := float64(b.cfg.BaseDelay)
	d := base * math.Pow(b.cfg.Multiplier, float64(attempt))

	// Symmetric jitter around the computed delay.
	jitter := d * b.cfg.Jitter * (b.rng.Float64()*2 - 1)
	d += jitter

	if d < base {
		d = base
	}
	if cap := float64(b.cfg.MaxDelay); d > cap {
		d = cap
	}
	return time.Duration(d)
}
