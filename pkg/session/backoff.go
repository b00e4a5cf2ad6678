package session

import (
	"math"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultInitialBackoff = 1000 * time.Millisecond
	DefaultMaxBackoff     = 30000 * time.Millisecond
)

// Backoff yields reconnect delays that double from an initial value up to a
// ceiling. The k-th consecutive failure waits min(initial*2^k, max).
type Backoff struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	steps   wait.Backoff
}

// NewBackoff creates a backoff. Zero values select the defaults.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	if max < initial {
		max = initial
	}
	b := &Backoff{initial: initial, max: max}
	b.steps = b.fresh()
	return b
}

func (b *Backoff) fresh() wait.Backoff {
	return wait.Backoff{
		Duration: b.initial,
		Factor:   2,
		Cap:      b.max,
		Steps:    math.MaxInt32,
	}
}

// Next returns the delay to wait now and doubles the following one
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steps.Step()
}

// Current returns the delay the next call to Next will yield
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steps.Duration
}

// Reset returns to the initial delay after a successful connection
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = b.fresh()
}
