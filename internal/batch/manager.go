// Package batch turns the pending queue into netted, settled batches. The
// manager owns the window policy, batch formation and the handoff to the
// settlement committer.
package batch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/openforge/nettingd/internal/intent"
	"github.com/openforge/nettingd/internal/netting"
	"github.com/openforge/nettingd/internal/queue"
	"github.com/openforge/nettingd/internal/resilience"
	"github.com/openforge/nettingd/internal/settle"
	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

// ErrWindowNotReady is returned by FormBatch when the window policy says
// the queue is not worth batching yet.
var ErrWindowNotReady = errors.New("batch window not ready")

// Config is the window policy plus the netting overflow policy.
type Config struct {
	// Window is the max age the oldest pending intent may reach before a
	// batch forms regardless of count.
	Window time.Duration

	// MinIntents gates formation: a batch never forms below this count.
	MinIntents int

	// MaxIntents caps batch size; reaching it forms a batch immediately.
	// 0 means unbounded: only the window age triggers formation.
	MaxIntents int

	// Tick is the poll interval of the forming loop.
	Tick time.Duration

	OverflowPolicy netting.OverflowPolicy
}

func DefaultConfig() Config {
	return Config{
		Window:         5 * time.Second,
		MinIntents:     1,
		MaxIntents:     1000,
		Tick:           time.Second,
		OverflowPolicy: netting.SkipIntent,
	}
}

// Manager forms batches from the queue, nets them and drives them through
// settlement.
type Manager struct {
	cfg     Config
	queue   *queue.Queue
	batches relationaldb.BatchRepository
	commit  *settle.Committer
	now     func() time.Time
}

func NewManager(cfg Config, q *queue.Queue, batches relationaldb.BatchRepository, commit *settle.Committer) *Manager {
	return &Manager{
		cfg:     cfg,
		queue:   q,
		batches: batches,
		commit:  commit,
		now:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// windowReady applies the window policy: enough intents AND (the oldest has
// waited out the window OR the queue hit the size cap).
func (m *Manager) windowReady(ctx context.Context) (bool, error) {
	count, err := m.queue.PendingCount(ctx)
	if err != nil {
		return false, err
	}
	if count < m.cfg.MinIntents || count == 0 {
		return false, nil
	}
	if m.cfg.MaxIntents > 0 && count >= m.cfg.MaxIntents {
		return true, nil
	}

	age, err := m.queue.OldestAge(ctx)
	if err != nil {
		return false, err
	}
	return age >= m.cfg.Window, nil
}

// FormBatch claims a window of pending intents, nets them and persists the
// result as a NETTED batch. The returned id is the operator-local batch id.
func (m *Manager) FormBatch(ctx context.Context) (string, error) {
	ready, err := m.windowReady(ctx)
	if err != nil {
		return "", err
	}
	if !ready {
		return "", ErrWindowNotReady
	}

	pending, err := m.queue.Peek(ctx, m.cfg.MaxIntents, 0)
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return "", ErrWindowNotReady
	}

	batchID := uuid.NewString()
	claimed, err := m.queue.Lock(ctx, batchID, pending)
	if errors.Is(err, queue.ErrNoneClaimed) {
		return "", ErrWindowNotReady
	}
	if err != nil {
		return "", err
	}

	intents := make([]*intent.TradeIntent, len(claimed))
	for i, rec := range claimed {
		intents[i] = rec.Intent
	}

	result, err := netting.Net(intents, m.cfg.OverflowPolicy)
	if err != nil {
		// AbortBatch overflow or a conservation violation. Persist the
		// abort for the audit trail, then release the hold.
		log.Printf("batch %s: netting failed: %v", batchID, err)
		if abortErr := m.persistAborted(ctx, batchID, intents, err.Error()); abortErr != nil {
			return "", abortErr
		}
		if finErr := m.queue.Finalise(ctx, batchID, queue.OutcomeAborted); finErr != nil {
			return "", finErr
		}
		return batchID, err
	}

	if err := m.persistNetted(ctx, batchID, intents, result); err != nil {
		return "", err
	}
	log.Printf("batch %s: netted %d intents into %d items, %d wallets (%d skipped)",
		batchID, result.NumIntents, result.NumItems, result.NumWallets, len(result.SkippedIDs))
	return batchID, nil
}

func (m *Manager) persistNetted(ctx context.Context, batchID string, intents []*intent.TradeIntent, result *netting.Result) error {
	now := m.now().UTC()
	rec := &relationaldb.BatchRecord{
		BatchID:    batchID,
		State:      relationaldb.BatchNetted,
		CreatedAt:  now,
		NettedAt:   &now,
		NumIntents: result.NumIntents,
		NumItems:   result.NumItems,
		NumWallets: result.NumWallets,
	}

	itemGame := make(map[string]string, len(intents))
	walletGame := make(map[string]string, len(intents))
	for _, it := range intents {
		if _, ok := itemGame[it.Item]; !ok {
			itemGame[it.Item] = it.Game
		}
		for _, w := range []string{it.From, it.To} {
			if _, ok := walletGame[w]; !ok {
				walletGame[w] = it.Game
			}
		}
	}

	items := make([]relationaldb.SettledItem, 0, len(result.FinalOwners))
	for item, owner := range result.FinalOwners {
		items = append(items, relationaldb.SettledItem{
			BatchID:    batchID,
			Item:       item,
			Game:       itemGame[item],
			FinalOwner: owner,
		})
	}

	deltas := make([]relationaldb.CashDelta, 0, len(result.NetCashDeltas))
	for wallet, delta := range result.NetCashDeltas {
		deltas = append(deltas, relationaldb.CashDelta{
			BatchID: batchID,
			Wallet:  wallet,
			Game:    walletGame[wallet],
			Delta:   delta.String(),
		})
	}

	skipped := make(map[string]bool, len(result.SkippedIDs))
	for _, id := range result.SkippedIDs {
		skipped[id] = true
	}
	rows := intentRows(batchID, intents, func(id string) string {
		if skipped[id] {
			return relationaldb.IntentSkipped
		}
		return relationaldb.IntentConsumed
	})

	return m.batches.Insert(ctx, rec, items, deltas, rows)
}

func (m *Manager) persistAborted(ctx context.Context, batchID string, intents []*intent.TradeIntent, reason string) error {
	now := m.now().UTC()
	rec := &relationaldb.BatchRecord{
		BatchID:    batchID,
		State:      relationaldb.BatchNetted,
		CreatedAt:  now,
		NumIntents: len(intents),
	}
	rows := intentRows(batchID, intents, func(string) string { return relationaldb.IntentSkipped })
	if err := m.batches.Insert(ctx, rec, nil, nil, rows); err != nil {
		return err
	}
	return m.batches.MarkAborted(ctx, batchID, reason)
}

func intentRows(batchID string, intents []*intent.TradeIntent, status func(id string) string) []relationaldb.IntentRow {
	rows := make([]relationaldb.IntentRow, len(intents))
	for i, it := range intents {
		rows[i] = relationaldb.IntentRow{
			ID:         it.ID,
			BatchID:    batchID,
			Session:    it.Session,
			Owner:      it.Owner,
			Item:       it.Item,
			FromWallet: it.From,
			ToWallet:   it.To,
			Amount:     it.Amount,
			Nonce:      it.Nonce,
			Game:       it.Game,
			Action:     string(it.EffectiveAction()),
			Status:     status(it.ID),
			CreatedAt:  it.CreatedAt,
		}
	}
	return rows
}

// Settle commits one netted batch on-ledger and resolves the queue hold.
// Partition or circuit refusals leave the batch NETTED for a later pass.
func (m *Manager) Settle(ctx context.Context, batchID string) error {
	outcome, err := m.commit.Commit(ctx, batchID)
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrPartitioned), errors.Is(err, resilience.ErrCircuitOpen):
		log.Printf("batch %s: commit deferred: %v", batchID, err)
		return err
	case errors.Is(err, resilience.ErrFakeConfirmation):
		// The committer aborted the batch; release its queue hold so the
		// intents are not stranded.
		if finErr := m.queue.Finalise(ctx, batchID, queue.OutcomeAborted); finErr != nil && !errors.Is(finErr, queue.ErrBatchNotHeld) {
			return finErr
		}
		return err
	default:
		return err
	}

	if err := m.queue.Finalise(ctx, batchID, queue.OutcomeSettled); err != nil && !errors.Is(err, queue.ErrBatchNotHeld) {
		return err
	}
	log.Printf("batch %s: settled at ledger seq %d (tx %s)", batchID, outcome.LedgerSeq, outcome.TxRef)
	return nil
}

// Recover resumes work left mid-pipeline by a crash: NETTED and COMMITTED
// batches are pushed through settlement again. Commit idempotence makes the
// replay safe.
func (m *Manager) Recover(ctx context.Context) error {
	stuck, err := m.batches.ListByState(ctx, relationaldb.BatchNetted, relationaldb.BatchCommitted)
	if err != nil {
		return err
	}
	for i := range stuck {
		rec := &stuck[i]
		log.Printf("recovering batch %s from state %s", rec.BatchID, rec.State)
		if err := m.Settle(ctx, rec.BatchID); err != nil {
			log.Printf("recovery of batch %s failed, will retry in the main loop: %v", rec.BatchID, err)
		}
	}

	// SETTLED batches may still hold queue rows if the crash hit between
	// commit and finalise.
	settled, err := m.batches.ListByState(ctx, relationaldb.BatchSettled, relationaldb.BatchIndexed)
	if err != nil {
		return err
	}
	for i := range settled {
		err := m.queue.Finalise(ctx, settled[i].BatchID, queue.OutcomeSettled)
		if err != nil && !errors.Is(err, queue.ErrBatchNotHeld) {
			return err
		}
	}
	return nil
}

// Run is the forming loop: poll the window policy, form, settle. Settlement
// failures leave the batch for Recover-style retries on the next tick.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			batchID, err := m.FormBatch(ctx)
			if errors.Is(err, ErrWindowNotReady) {
				continue
			}
			if err != nil {
				log.Printf("batch formation: %v", err)
				continue
			}
			if err := m.Settle(ctx, batchID); err != nil {
				log.Printf("batch %s: settlement pending: %v", batchID, err)
			}
		}
	}
}
