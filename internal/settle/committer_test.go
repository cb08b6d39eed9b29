package settle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openforge/nettingd/internal/da"
	"github.com/openforge/nettingd/internal/ledger"
	"github.com/openforge/nettingd/internal/ledger/mocks"
	"github.com/openforge/nettingd/internal/merkle"
	"github.com/openforge/nettingd/internal/resilience"
	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

const authoritySeed = "6666666666666666666666666666666666666666666666666666666666666666"

// memBatches is an in-memory BatchRepository, just enough state machine for
// the committer's contract.
type memBatches struct {
	mu     sync.Mutex
	recs   map[string]*relationaldb.BatchRecord
	items  map[string][]relationaldb.SettledItem
	deltas map[string][]relationaldb.CashDelta
}

func newMemBatches() *memBatches {
	return &memBatches{
		recs:   make(map[string]*relationaldb.BatchRecord),
		items:  make(map[string][]relationaldb.SettledItem),
		deltas: make(map[string][]relationaldb.CashDelta),
	}
}

func (m *memBatches) Insert(_ context.Context, rec *relationaldb.BatchRecord, items []relationaldb.SettledItem, deltas []relationaldb.CashDelta, _ []relationaldb.IntentRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.BatchID] = &cp
	m.items[rec.BatchID] = items
	m.deltas[rec.BatchID] = deltas
	return nil
}

func (m *memBatches) Get(_ context.Context, batchID string) (*relationaldb.BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[batchID]
	if !ok {
		return nil, relationaldb.ErrBatchNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memBatches) MarkCommitted(_ context.Context, batchID string, ledgerSeq uint64, merkleRoot, daHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[batchID]
	if !ok || rec.State != relationaldb.BatchNetted {
		return relationaldb.ErrIllegalTransition
	}
	rec.State = relationaldb.BatchCommitted
	rec.LedgerSeq = ledgerSeq
	rec.MerkleRoot = merkleRoot
	rec.DAHash = daHash
	return nil
}

func (m *memBatches) MarkSettled(_ context.Context, batchID, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[batchID]
	if !ok || rec.State != relationaldb.BatchCommitted {
		return relationaldb.ErrIllegalTransition
	}
	rec.State = relationaldb.BatchSettled
	rec.TxRef = txRef
	return nil
}

func (m *memBatches) MarkIndexed(_ context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[batchID]
	if !ok || rec.State != relationaldb.BatchSettled {
		return relationaldb.ErrIllegalTransition
	}
	rec.State = relationaldb.BatchIndexed
	return nil
}

func (m *memBatches) MarkAborted(_ context.Context, batchID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[batchID]
	if !ok {
		return relationaldb.ErrBatchNotFound
	}
	rec.State = relationaldb.BatchAborted
	rec.AbortReason = reason
	return nil
}

func (m *memBatches) ListByState(_ context.Context, states ...relationaldb.BatchState) ([]relationaldb.BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []relationaldb.BatchRecord
	for _, rec := range m.recs {
		for _, s := range states {
			if rec.State == s {
				out = append(out, *rec)
				break
			}
		}
	}
	return out, nil
}

func (m *memBatches) SettledItems(_ context.Context, batchID string) ([]relationaldb.SettledItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[batchID], nil
}

func (m *memBatches) CashDeltas(_ context.Context, batchID string) ([]relationaldb.CashDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deltas[batchID], nil
}

func (m *memBatches) GetIntent(_ context.Context, _ string) (*relationaldb.IntentRow, error) {
	return nil, relationaldb.ErrIntentNotFound
}

func (m *memBatches) FindSettledByRoot(_ context.Context, merkleRoot string) (*relationaldb.BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.State == relationaldb.BatchSettled && rec.MerkleRoot == merkleRoot {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, relationaldb.ErrBatchNotFound
}

func (m *memBatches) FindSettledByCounts(_ context.Context, numIntents, numItems int) (*relationaldb.BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.State == relationaldb.BatchSettled && rec.NumIntents == numIntents && rec.NumItems == numItems {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, relationaldb.ErrBatchNotFound
}

type committerFixture struct {
	batches   *memBatches
	client    *mocks.MockClient
	brick     *resilience.BrickMonitor
	partition *resilience.PartitionGuard
	committer *Committer
}

func newCommitterFixture(t *testing.T, ctrl *gomock.Controller) *committerFixture {
	t.Helper()

	authority, err := ledger.NewAuthority(authoritySeed)
	require.NoError(t, err)

	f := &committerFixture{
		batches: newMemBatches(),
		client:  mocks.NewMockClient(ctrl),
		brick:   resilience.NewBrickMonitor(resilience.DefaultBrickConfig()),
	}
	f.partition = resilience.NewPartitionGuard(f.client, time.Minute, time.Second)

	cfg := Config{
		MaxAttempts:         3,
		InitialBackoff:      time.Millisecond,
		MaxBackoff:          2 * time.Millisecond,
		ConfirmationTimeout: 20 * time.Millisecond,
		ConfirmationPoll:    time.Millisecond,
	}
	f.committer = NewCommitter(cfg, f.batches, f.client, authority, da.NewStore(da.ModeHashOnly, ""), f.brick, f.partition)
	return f
}

func (f *committerFixture) seedNetted(t *testing.T, batchID string) {
	t.Helper()
	err := f.batches.Insert(context.Background(),
		&relationaldb.BatchRecord{
			BatchID:    batchID,
			State:      relationaldb.BatchNetted,
			NumIntents: 2,
			NumItems:   1,
			NumWallets: 3,
		},
		[]relationaldb.SettledItem{{BatchID: batchID, Item: "sword", Game: "g1", FinalOwner: "carol"}},
		[]relationaldb.CashDelta{
			{BatchID: batchID, Wallet: "alice", Game: "g1", Delta: "100"},
			{BatchID: batchID, Wallet: "carol", Game: "g1", Delta: "-100"},
		},
		nil,
	)
	require.NoError(t, err)
}

func TestCommitClaimsNextSequence(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newCommitterFixture(t, ctrl)
	f.seedNetted(t, "b1")

	gomock.InOrder(
		f.client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(5), nil),
		f.client.EXPECT().CurrentSlot(gomock.Any()).Return(uint64(100), nil),
		f.client.EXPECT().SubmitSettlement(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, record *ledger.SettlementRecord, sig string) (string, error) {
				assert.Equal(t, uint64(6), record.BatchID)
				assert.NotEmpty(t, sig)
				return "tx-1", nil
			}),
		f.client.EXPECT().TxStatus(gomock.Any(), "tx-1").
			Return(&ledger.TxStatus{State: ledger.TxCommitted, Slot: 101}, nil),
		f.client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(6), nil),
	)

	outcome, err := f.committer.Commit(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", outcome.TxRef)
	assert.Equal(t, uint64(6), outcome.LedgerSeq)
	assert.Equal(t, uint64(101), outcome.Slot)

	rec, err := f.batches.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.BatchSettled, rec.State)
	assert.Equal(t, uint64(6), rec.LedgerSeq)
	assert.Equal(t, merkle.Root(merkle.LeafSet(map[string]string{"sword": "carol"})).Hex(), rec.MerkleRoot)
	assert.NotEmpty(t, rec.DAHash)
}

func TestCommitRetriesAfterSequenceRace(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newCommitterFixture(t, ctrl)
	f.seedNetted(t, "b1")

	gomock.InOrder(
		// First attempt: someone else claims 6 first.
		f.client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(5), nil),
		f.client.EXPECT().CurrentSlot(gomock.Any()).Return(uint64(100), nil),
		f.client.EXPECT().SubmitSettlement(gomock.Any(), gomock.Any(), gomock.Any()).
			Return("", ledger.ErrLedgerReject),
		// Second attempt: refreshed head, claims 7.
		f.client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(6), nil),
		f.client.EXPECT().CurrentSlot(gomock.Any()).Return(uint64(102), nil),
		f.client.EXPECT().SubmitSettlement(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, record *ledger.SettlementRecord, _ string) (string, error) {
				assert.Equal(t, uint64(7), record.BatchID)
				return "tx-2", nil
			}),
		f.client.EXPECT().TxStatus(gomock.Any(), "tx-2").
			Return(&ledger.TxStatus{State: ledger.TxCommitted, Slot: 103}, nil),
		f.client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(7), nil),
	)

	outcome, err := f.committer.Commit(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), outcome.LedgerSeq)

	// A sequence race is not an endpoint fault.
	assert.Equal(t, resilience.CircuitClosed, f.brick.State())
}

func TestCommitIdempotentAfterSettle(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newCommitterFixture(t, ctrl)

	require.NoError(t, f.batches.Insert(context.Background(), &relationaldb.BatchRecord{
		BatchID:   "b1",
		State:     relationaldb.BatchSettled,
		LedgerSeq: 9,
		TxRef:     "tx-old",
	}, nil, nil, nil))

	// No ledger calls expected at all.
	outcome, err := f.committer.Commit(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "tx-old", outcome.TxRef)
	assert.Equal(t, uint64(9), outcome.LedgerSeq)
}

func TestCommitRefusesAbortedBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newCommitterFixture(t, ctrl)

	require.NoError(t, f.batches.Insert(context.Background(), &relationaldb.BatchRecord{
		BatchID: "b1",
		State:   relationaldb.BatchAborted,
	}, nil, nil, nil))

	_, err := f.committer.Commit(context.Background(), "b1")
	assert.Error(t, err)
}

func TestCommitRefusesWhileCircuitOpen(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newCommitterFixture(t, ctrl)
	f.seedNetted(t, "b1")

	// Trip the breaker hard before committing.
	for i := 0; i < resilience.DefaultBrickConfig().MaxConsecutive; i++ {
		f.brick.RecordFailure()
	}

	_, err := f.committer.Commit(context.Background(), "b1")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)

	// Deferred, not lost: the batch is still NETTED.
	rec, err := f.batches.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.BatchNetted, rec.State)
}

func TestCommitRefusesWhilePartitioned(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newCommitterFixture(t, ctrl)
	f.seedNetted(t, "b1")

	// Slot height seen once, then nothing for longer than the stall window.
	now := time.Unix(1700000000, 0)
	f.partition.WithClock(func() time.Time { return now })
	f.partition.Observe(42)
	now = now.Add(2 * time.Minute)

	_, err := f.committer.Commit(context.Background(), "b1")
	assert.ErrorIs(t, err, resilience.ErrPartitioned)

	rec, err := f.batches.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.BatchNetted, rec.State)
}

func TestCommitAbortsOnFakeConfirmation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newCommitterFixture(t, ctrl)
	f.seedNetted(t, "b1")

	gomock.InOrder(
		// The endpoint claims a commit at a slot before submission, which a
		// truthful ledger cannot do. The head has even advanced, so the tx
		// may genuinely have landed: resubmitting would settle the batch a
		// second time. The single SubmitSettlement expectation proves no
		// retry happens.
		f.client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(5), nil),
		f.client.EXPECT().CurrentSlot(gomock.Any()).Return(uint64(100), nil),
		f.client.EXPECT().SubmitSettlement(gomock.Any(), gomock.Any(), gomock.Any()).Return("tx-lie", nil),
		f.client.EXPECT().TxStatus(gomock.Any(), "tx-lie").
			Return(&ledger.TxStatus{State: ledger.TxCommitted, Slot: 50}, nil),
	)

	_, err := f.committer.Commit(context.Background(), "b1")
	assert.ErrorIs(t, err, resilience.ErrFakeConfirmation)

	rec, err := f.batches.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.BatchAborted, rec.State)
	assert.Contains(t, rec.AbortReason, "CONFIRMATION_FAKE")
}

func TestCommitWaitsForInclusion(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newCommitterFixture(t, ctrl)
	f.seedNetted(t, "b1")

	gomock.InOrder(
		f.client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(5), nil),
		f.client.EXPECT().CurrentSlot(gomock.Any()).Return(uint64(100), nil),
		f.client.EXPECT().SubmitSettlement(gomock.Any(), gomock.Any(), gomock.Any()).Return("tx-1", nil),
		// Two pending readbacks before the ledger includes the tx.
		f.client.EXPECT().TxStatus(gomock.Any(), "tx-1").
			Return(&ledger.TxStatus{State: ledger.TxPending}, nil),
		f.client.EXPECT().TxStatus(gomock.Any(), "tx-1").
			Return(&ledger.TxStatus{State: ledger.TxPending}, nil),
		f.client.EXPECT().TxStatus(gomock.Any(), "tx-1").
			Return(&ledger.TxStatus{State: ledger.TxCommitted, Slot: 101}, nil),
		f.client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(6), nil),
	)

	outcome, err := f.committer.Commit(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), outcome.LedgerSeq)
	assert.Equal(t, uint64(101), outcome.Slot)
}

func TestCommitInclusionTimeoutLeavesBatchNetted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newCommitterFixture(t, ctrl)
	f.seedNetted(t, "b1")

	// The tx never reads back as committed and the head never moves.
	f.client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(5), nil).Times(3)
	f.client.EXPECT().CurrentSlot(gomock.Any()).Return(uint64(100), nil).Times(3)
	f.client.EXPECT().SubmitSettlement(gomock.Any(), gomock.Any(), gomock.Any()).Return("tx-slow", nil).Times(3)
	f.client.EXPECT().TxStatus(gomock.Any(), "tx-slow").
		Return(&ledger.TxStatus{State: ledger.TxPending}, nil).AnyTimes()

	_, err := f.committer.Commit(context.Background(), "b1")
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	// A stall is not evidence of fabrication; the batch stays retryable.
	rec, err := f.batches.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.BatchNetted, rec.State)
}

func TestCommitRecoversTimedOutSubmission(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newCommitterFixture(t, ctrl)
	f.seedNetted(t, "b1")

	// The first submission times out waiting for inclusion but lands anyway.
	// The retry must recognise it through the advanced head instead of
	// claiming a fresh sequence for the same content.
	landed := false
	headCalls := 0
	f.client.EXPECT().LastCommittedBatchID(gomock.Any()).
		DoAndReturn(func(context.Context) (uint64, error) {
			headCalls++
			if headCalls == 1 {
				return 5, nil
			}
			landed = true
			return 6, nil
		}).Times(3)
	f.client.EXPECT().CurrentSlot(gomock.Any()).Return(uint64(100), nil)
	f.client.EXPECT().SubmitSettlement(gomock.Any(), gomock.Any(), gomock.Any()).Return("tx-slow", nil)
	f.client.EXPECT().TxStatus(gomock.Any(), "tx-slow").
		DoAndReturn(func(context.Context, string) (*ledger.TxStatus, error) {
			if landed {
				return &ledger.TxStatus{State: ledger.TxCommitted, Slot: 101}, nil
			}
			return &ledger.TxStatus{State: ledger.TxPending}, nil
		}).AnyTimes()

	outcome, err := f.committer.Commit(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "tx-slow", outcome.TxRef)
	assert.Equal(t, uint64(6), outcome.LedgerSeq)

	rec, err := f.batches.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.BatchSettled, rec.State)
}

func TestCommitRetriesExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	f := newCommitterFixture(t, ctrl)
	f.seedNetted(t, "b1")

	failure := errors.New("endpoint down")
	f.client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(0), failure).Times(3)

	_, err := f.committer.Commit(context.Background(), "b1")
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	rec, err := f.batches.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.BatchNetted, rec.State)
}
