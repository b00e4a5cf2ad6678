package admission

import (
	"sync"

	"github.com/vesselops/vessel-agent/pkg/observability"
)

// DefaultCapacity is the number of concurrent commands admitted until the
// control plane says otherwise
const DefaultCapacity = 4

// Pool counts in-flight commands against a capacity. Capacity may drop below
// the in-flight count; new work is refused until completions catch up.
type Pool struct {
	mu       sync.Mutex
	capacity int
	inflight int
}

// NewPool creates a pool. A non-positive capacity selects DefaultCapacity.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	observability.CreditsCapacity.Set(float64(capacity))
	observability.CreditsInflight.Set(0)
	return &Pool{capacity: capacity}
}

// TryAcquire reserves a credit if one is free
func (p *Pool) TryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inflight >= p.capacity {
		return false
	}
	p.inflight++
	observability.CreditsInflight.Set(float64(p.inflight))
	return true
}

// Release returns a credit
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inflight > 0 {
		p.inflight--
	}
	observability.CreditsInflight.Set(float64(p.inflight))
}

// SetCapacity replaces the capacity and returns the previous value. In-flight
// commands are unaffected.
func (p *Pool) SetCapacity(capacity int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.capacity
	p.capacity = capacity
	observability.CreditsCapacity.Set(float64(capacity))
	return prev
}

// Capacity returns the current capacity
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// Snapshot returns capacity and in-flight count read together
func (p *Pool) Snapshot() (capacity, inflight int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity, p.inflight
}
