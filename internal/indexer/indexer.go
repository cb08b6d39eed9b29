// Package indexer consumes committed-settlement events from the ledger and
// projects them into the relational shadow tables the read API serves from.
package indexer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/openforge/nettingd/internal/ledger"
	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

// Indexer tails the ledger's settlement stream and applies each event to
// the shadow projections exactly once.
type Indexer struct {
	client  ledger.Client
	batches relationaldb.BatchRepository
	shadow  relationaldb.ShadowRepository

	// onApplied, when set, is invoked after each applied batch. The rpc
	// layer uses it to push events and invalidate caches.
	onApplied func(*ledger.Event, *relationaldb.BatchRecord)
}

func New(client ledger.Client, batches relationaldb.BatchRepository, shadow relationaldb.ShadowRepository) *Indexer {
	return &Indexer{client: client, batches: batches, shadow: shadow}
}

// OnApplied registers a post-apply hook. Must be called before Run.
func (ix *Indexer) OnApplied(fn func(*ledger.Event, *relationaldb.BatchRecord)) {
	ix.onApplied = fn
}

// Run subscribes from the persisted cursor and applies events until ctx is
// cancelled. Restarting resumes from the cursor, and per-key idempotence in
// ApplyBatch makes overlap at the resume point harmless.
func (ix *Indexer) Run(ctx context.Context) error {
	cursor, err := ix.shadow.Cursor(ctx)
	if err != nil {
		return err
	}

	events, cancel, err := ix.client.Subscribe(ctx, cursor.LastSlot)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return errors.New("settlement stream closed")
			}
			if err := ix.Apply(ctx, event); err != nil {
				log.Printf("indexer: apply event for ledger batch %d failed: %v", event.BatchID, err)
			}
		}
	}
}

// Apply projects one ledger event. Events that match no local batch are
// logged and skipped: another operator's settlements share the ledger and
// are not ours to index.
func (ix *Indexer) Apply(ctx context.Context, event *ledger.Event) error {
	rec, err := ix.match(ctx, event)
	if errors.Is(err, relationaldb.ErrBatchNotFound) {
		log.Printf("indexer: no local batch for ledger seq %d (root %x), skipping", event.BatchID, event.Root[:8])
		return nil
	}
	if err != nil {
		return err
	}

	items, err := ix.batches.SettledItems(ctx, rec.BatchID)
	if err != nil {
		return err
	}
	deltas, err := ix.batches.CashDeltas(ctx, rec.BatchID)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := ix.shadow.ApplyBatch(ctx, rec, items, deltas, event.Slot); err != nil {
		return err
	}

	if err := ix.batches.MarkIndexed(ctx, rec.BatchID); err != nil && !errors.Is(err, relationaldb.ErrIllegalTransition) {
		return err
	}

	log.Printf("indexer: applied batch %s (ledger seq %d, %d items, %d deltas) in %s",
		rec.BatchID, event.BatchID, len(items), len(deltas), time.Since(start).Round(time.Millisecond))

	if ix.onApplied != nil {
		ix.onApplied(event, rec)
	}
	return nil
}

// match joins a ledger event back to the local batch: by Merkle root first,
// falling back to the (num_intents, num_items) pair when the root is absent
// from the event source.
func (ix *Indexer) match(ctx context.Context, event *ledger.Event) (*relationaldb.BatchRecord, error) {
	var zero [32]byte
	if event.Root != zero {
		rec, err := ix.batches.FindSettledByRoot(ctx, ledgerHashHex(event.Root))
		if err == nil || !errors.Is(err, relationaldb.ErrBatchNotFound) {
			return rec, err
		}
	}
	return ix.batches.FindSettledByCounts(ctx, int(event.NumIntents), int(event.NumItems))
}
