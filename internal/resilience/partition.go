package resilience

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/openforge/nettingd/internal/ledger"
)

// ErrPartitioned is returned while the ledger's slot height has not advanced
// within the stall threshold. Committing during a partition risks settling
// against a stale view, so the committer refuses.
var ErrPartitioned = errors.New("ledger slot height stalled, refusing to commit")

// PartitionGuard polls the ledger's slot height and flags a stall. The
// pipeline keeps accepting and netting intents while partitioned; only the
// on-ledger commit step is blocked.
type PartitionGuard struct {
	client       ledger.Client
	stallAfter   time.Duration
	pollInterval time.Duration
	now          func() time.Time

	mu         sync.Mutex
	lastSlot   uint64
	lastChange time.Time
	seeded     bool
}

func NewPartitionGuard(client ledger.Client, stallAfter, pollInterval time.Duration) *PartitionGuard {
	return &PartitionGuard{
		client:       client,
		stallAfter:   stallAfter,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (g *PartitionGuard) WithClock(now func() time.Time) *PartitionGuard {
	g.now = now
	return g
}

// Observe feeds one slot reading into the guard.
func (g *PartitionGuard) Observe(slot uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.seeded || slot > g.lastSlot {
		g.lastSlot = slot
		g.lastChange = g.now()
		g.seeded = true
	}
}

// Check returns ErrPartitioned when no slot progress has been seen within
// the stall threshold. A guard that has never observed a slot passes, so a
// cold start does not block the first commit.
func (g *PartitionGuard) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.seeded {
		return nil
	}
	if g.now().Sub(g.lastChange) > g.stallAfter {
		return ErrPartitioned
	}
	return nil
}

// Healthy reports whether the guard currently permits commits.
func (g *PartitionGuard) Healthy() bool {
	return g.Check() == nil
}

// Run polls CurrentSlot until ctx is cancelled.
func (g *PartitionGuard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, g.pollInterval)
			slot, err := g.client.CurrentSlot(pollCtx)
			cancel()
			if err != nil {
				log.Printf("partition guard: slot poll failed: %v", err)
				continue
			}
			g.Observe(slot)
		}
	}
}
