// Package settle drives the on-ledger commit of netted batches: Merkle root
// construction, DA publication, authority signing, the monotonic-sequence
// submission protocol and confirmation vetting.
package settle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/openforge/nettingd/internal/da"
	"github.com/openforge/nettingd/internal/ledger"
	"github.com/openforge/nettingd/internal/merkle"
	"github.com/openforge/nettingd/internal/resilience"
	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

var (
	// ErrRetriesExhausted is returned when submission kept failing past the
	// attempt budget. The batch stays COMMITTED locally and a later pass
	// retries it.
	ErrRetriesExhausted = errors.New("settlement submission retries exhausted")
)

// Config tunes the committer's retry loop and the inclusion wait.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ConfirmationTimeout bounds how long a submitted transaction may stay
	// pending before the attempt is written off. ConfirmationPoll is the
	// readback interval while waiting.
	ConfirmationTimeout time.Duration
	ConfirmationPoll    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:         8,
		InitialBackoff:      500 * time.Millisecond,
		MaxBackoff:          30 * time.Second,
		ConfirmationTimeout: 30 * time.Second,
		ConfirmationPoll:    500 * time.Millisecond,
	}
}

// Committer submits netted batches to the settlement ledger.
type Committer struct {
	cfg       Config
	batches   relationaldb.BatchRepository
	client    ledger.Client
	authority *ledger.Authority
	daStore   *da.Store
	brick     *resilience.BrickMonitor
	partition *resilience.PartitionGuard
	verifier  *resilience.ConfirmationVerifier

	// mu serialises commits: the ledger's monotonic sequence rule makes
	// concurrent submissions pointless, they would just reject each other.
	mu           sync.Mutex
	expectedNext uint64
}

func NewCommitter(cfg Config, batches relationaldb.BatchRepository, client ledger.Client,
	authority *ledger.Authority, daStore *da.Store,
	brick *resilience.BrickMonitor, partition *resilience.PartitionGuard) *Committer {
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = DefaultConfig().ConfirmationTimeout
	}
	if cfg.ConfirmationPoll <= 0 {
		cfg.ConfirmationPoll = DefaultConfig().ConfirmationPoll
	}
	return &Committer{
		cfg:       cfg,
		batches:   batches,
		client:    client,
		authority: authority,
		daStore:   daStore,
		brick:     brick,
		partition: partition,
		verifier:  resilience.NewConfirmationVerifier(client),
	}
}

// Outcome reports a successful commit.
type Outcome struct {
	TxRef     string
	LedgerSeq uint64
	Slot      uint64
}

// Commit drives one batch from NETTED to SETTLED. Re-committing a batch
// that already settled returns the stored outcome without touching the
// ledger, so crash-and-retry never double-commits.
func (c *Committer) Commit(ctx context.Context, batchID string) (*Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case relationaldb.BatchSettled, relationaldb.BatchIndexed:
		return &Outcome{TxRef: rec.TxRef, LedgerSeq: rec.LedgerSeq}, nil
	case relationaldb.BatchAborted:
		return nil, fmt.Errorf("batch %s is aborted", batchID)
	}

	if err := c.partition.Check(); err != nil {
		return nil, err
	}

	items, err := c.batches.SettledItems(ctx, batchID)
	if err != nil {
		return nil, err
	}
	deltas, err := c.batches.CashDeltas(ctx, batchID)
	if err != nil {
		return nil, err
	}

	finalOwners := make(map[string]string, len(items))
	for _, item := range items {
		finalOwners[item.Item] = item.FinalOwner
	}
	root := merkle.Root(merkle.LeafSet(finalOwners))

	daHash, published := c.publishBlob(ctx, rec, items, deltas)
	if !published {
		log.Printf("batch %s: DA publication failed, committing with zero pointer", batchID)
	}

	record := &ledger.SettlementRecord{
		Root:       root,
		DAHash:     daHash,
		NumIntents: uint64(rec.NumIntents),
		NumItems:   uint64(rec.NumItems),
	}

	outcome, err := c.submit(ctx, batchID, record)
	if errors.Is(err, resilience.ErrFakeConfirmation) {
		// Terminal: the submission may genuinely have landed, so another
		// attempt could settle the same batch content twice. Abort and
		// leave the reconciliation to the operator.
		log.Printf("batch %s: CRITICAL: aborting on implausible confirmation: %v", batchID, err)
		if aerr := c.batches.MarkAborted(ctx, batchID, "CONFIRMATION_FAKE: "+err.Error()); aerr != nil {
			log.Printf("batch %s: recording abort failed: %v", batchID, aerr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := c.batches.MarkCommitted(ctx, batchID, outcome.LedgerSeq, root.Hex(), hex.EncodeToString(daHash[:])); err != nil {
		if !errors.Is(err, relationaldb.ErrIllegalTransition) {
			return nil, err
		}
	}
	if err := c.batches.MarkSettled(ctx, batchID, outcome.TxRef); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (c *Committer) publishBlob(ctx context.Context, rec *relationaldb.BatchRecord, items []relationaldb.SettledItem, deltas []relationaldb.CashDelta) ([32]byte, bool) {
	blob := &da.Blob{BatchID: rec.BatchID}
	for _, item := range items {
		blob.Items = append(blob.Items, da.BlobItem{Item: item.Item, Game: item.Game, Owner: item.FinalOwner})
	}
	for _, delta := range deltas {
		blob.Deltas = append(blob.Deltas, da.BlobDelta{Wallet: delta.Wallet, Game: delta.Game, Delta: delta.Delta})
	}
	return c.daStore.Publish(ctx, blob)
}

// submit runs the sequence-claiming retry loop: read the ledger head, claim
// head+1, resubmit with a refreshed head on rejection. Backoff grows
// exponentially with jitter.
func (c *Committer) submit(ctx context.Context, batchID string, record *ledger.SettlementRecord) (*Outcome, error) {
	backoff := c.cfg.InitialBackoff

	// The last submission that timed out waiting for inclusion. It may still
	// land, so each retry re-checks it before claiming a fresh sequence.
	var pendingTx string
	var pendingSeq, pendingSlot uint64

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.brick.Allow(); err != nil {
			return nil, err
		}

		last, err := c.client.LastCommittedBatchID(ctx)
		if err != nil {
			c.brick.RecordFailure()
			if err := c.sleep(ctx, &backoff); err != nil {
				return nil, err
			}
			continue
		}

		if pendingTx != "" && last >= pendingSeq {
			record.BatchID = pendingSeq
			if slot, verr := c.verifier.VerifyCommit(ctx, pendingTx, record, pendingSlot); verr == nil {
				c.brick.RecordSuccess()
				c.expectedNext = pendingSeq + 1
				return &Outcome{TxRef: pendingTx, LedgerSeq: pendingSeq, Slot: slot}, nil
			}
		}

		next := last + 1
		if c.expectedNext != 0 && next != c.expectedNext {
			// Another writer advanced the ledger, or it rolled back.
			// Either way the ledger's view wins; ours is just a warning.
			log.Printf("batch %s: sequence skew, expected %d, ledger says %d", batchID, c.expectedNext, next)
		}
		record.BatchID = next

		submitSlot, err := c.client.CurrentSlot(ctx)
		if err != nil {
			c.brick.RecordFailure()
			if err := c.sleep(ctx, &backoff); err != nil {
				return nil, err
			}
			continue
		}

		sig, err := c.authority.SignRecord(record)
		if err != nil {
			return nil, err
		}

		txRef, err := c.client.SubmitSettlement(ctx, record, sig)
		switch {
		case err == nil:
			slot, verr := c.verifier.AwaitCommit(ctx, txRef, record, submitSlot,
				c.cfg.ConfirmationTimeout, c.cfg.ConfirmationPoll)
			switch {
			case verr == nil:
				c.brick.RecordSuccess()
				c.expectedNext = record.BatchID + 1
				return &Outcome{TxRef: txRef, LedgerSeq: record.BatchID, Slot: slot}, nil

			case errors.Is(verr, resilience.ErrFakeConfirmation):
				// Never resubmit past a fabricated confirmation; the tx may
				// have landed and a retry would settle the batch twice.
				c.brick.RecordFailure()
				return nil, verr

			default:
				// Inclusion timeout or transport failure on readback.
				c.brick.RecordFailure()
				log.Printf("batch %s: confirmation attempt %d failed: %v", batchID, attempt, verr)
				if errors.Is(verr, resilience.ErrInclusionTimeout) {
					pendingTx, pendingSeq, pendingSlot = txRef, record.BatchID, submitSlot
				}
				if err := c.sleep(ctx, &backoff); err != nil {
					return nil, err
				}
				continue
			}

		case errors.Is(err, ledger.ErrLedgerReject):
			// Lost the sequence race; refresh and go again. Not a fault
			// of the endpoint, so the breaker is not charged.
			log.Printf("batch %s: ledger rejected seq %d, refreshing", batchID, record.BatchID)

		default:
			c.brick.RecordFailure()
			log.Printf("batch %s: submission attempt %d failed: %v", batchID, attempt, err)
		}

		if err := c.sleep(ctx, &backoff); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: batch %s", ErrRetriesExhausted, batchID)
}

func (c *Committer) sleep(ctx context.Context, backoff *time.Duration) error {
	jittered := *backoff + time.Duration(rand.Int63n(int64(*backoff)/2+1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jittered):
	}
	*backoff *= 2
	if *backoff > c.cfg.MaxBackoff {
		*backoff = c.cfg.MaxBackoff
	}
	return nil
}
