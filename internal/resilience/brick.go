// Package resilience holds the watchdogs that keep the settlement pipeline
// from wedging itself or trusting a lying ledger endpoint: a submission
// circuit breaker, a partition guard on slot progress, and a confirmation
// verifier.
package resilience

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is refusing submissions.
var ErrCircuitOpen = errors.New("settlement circuit open")

// CircuitState is the breaker's externally visible state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BrickConfig tunes the breaker. The circuit opens on MaxConsecutive
// consecutive failures, or MaxInWindow failures inside Window, whichever
// trips first.
type BrickConfig struct {
	MaxConsecutive int
	MaxInWindow    int
	Window         time.Duration
	Cooldown       time.Duration
}

func DefaultBrickConfig() BrickConfig {
	return BrickConfig{
		MaxConsecutive: 5,
		MaxInWindow:    10,
		Window:         5 * time.Minute,
		Cooldown:       30 * time.Second,
	}
}

// BrickMonitor is a circuit breaker over ledger submissions. After the
// cooldown one probe submission is let through; its outcome closes or
// re-opens the circuit.
type BrickMonitor struct {
	cfg BrickConfig
	now func() time.Time

	mu          sync.Mutex
	state       CircuitState
	consecutive int
	failures    []time.Time
	openedAt    time.Time
	probing     bool
}

func NewBrickMonitor(cfg BrickConfig) *BrickMonitor {
	return &BrickMonitor{cfg: cfg, now: time.Now, state: CircuitClosed}
}

// WithClock overrides the time source, for tests.
func (b *BrickMonitor) WithClock(now func() time.Time) *BrickMonitor {
	b.now = now
	return b
}

// Allow reports whether a submission may proceed. In the open state it
// admits a single probe once the cooldown has elapsed.
func (b *BrickMonitor) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.state = CircuitHalfOpen
		b.probing = true
		log.Printf("settlement circuit half-open, probing")
		return nil
	}
}

// RecordSuccess notes a successful submission and closes the circuit.
func (b *BrickMonitor) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitClosed {
		log.Printf("settlement circuit closed after successful probe")
	}
	b.state = CircuitClosed
	b.consecutive = 0
	b.failures = b.failures[:0]
	b.probing = false
}

// RecordFailure notes a failed submission and trips the circuit when either
// threshold is crossed.
func (b *BrickMonitor) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.consecutive++
	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	if b.state == CircuitHalfOpen {
		b.openLocked(now, "probe failed")
		return
	}
	if b.cfg.MaxConsecutive > 0 && b.consecutive >= b.cfg.MaxConsecutive {
		b.openLocked(now, "consecutive failure threshold")
		return
	}
	if b.cfg.MaxInWindow > 0 && len(b.failures) >= b.cfg.MaxInWindow {
		b.openLocked(now, "windowed failure threshold")
	}
}

func (b *BrickMonitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *BrickMonitor) openLocked(now time.Time, why string) {
	if b.state != CircuitOpen {
		log.Printf("settlement circuit opened: %s", why)
	}
	b.state = CircuitOpen
	b.openedAt = now
	b.probing = false
}

// State returns the current circuit state.
func (b *BrickMonitor) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
