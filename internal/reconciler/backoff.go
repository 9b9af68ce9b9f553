package reconciler

import (
	"math"
	"time"

	"github.com/reelforge/ralph/internal/failure"
)

// Policy bounds retries for every job.
type Policy struct {
	MaxAttempts        int
	Base               time.Duration
	Ceiling            time.Duration
	Jitter             float64
	ResourceMultiplier float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        3,
		Base:               2 * time.Second,
		Ceiling:            5 * time.Minute,
		Jitter:             0.2,
		ResourceMultiplier: 4,
	}
}

// Backoff returns min(base * 2^attempt * (1 + jitter*r), ceiling), where
// attempt is the number of attempts already made and r is drawn from [0,1)
// by the caller. Resource exhaustion stretches the delay by
// ResourceMultiplier before the ceiling is applied.
func Backoff(p Policy, attempt int, kind failure.Kind, r float64) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if r < 0 {
		r = 0
	}
	if r >= 1 {
		r = math.Nextafter(1, 0)
	}
	delay := float64(p.Base) * math.Pow(2, float64(attempt)) * (1 + p.Jitter*r)
	if kind == failure.KindResourceExhaustion && p.ResourceMultiplier > 1 {
		delay *= p.ResourceMultiplier
	}
	if p.Ceiling > 0 && (delay > float64(p.Ceiling) || math.IsInf(delay, 1) || math.IsNaN(delay)) {
		return p.Ceiling
	}
	return time.Duration(delay)
}
