package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openforge/nettingd/internal/ledger"
	"github.com/openforge/nettingd/internal/ledger/mocks"
)

func TestVerifyCommitAcceptsPlausibleConfirmation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	client := mocks.NewMockClient(ctrl)
	v := NewConfirmationVerifier(client)

	client.EXPECT().TxStatus(gomock.Any(), "tx-1").
		Return(&ledger.TxStatus{State: ledger.TxCommitted, Slot: 105}, nil)
	client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(4), nil)

	slot, err := v.VerifyCommit(context.Background(), "tx-1", &ledger.SettlementRecord{BatchID: 4}, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(105), slot)
}

func TestVerifyCommitRejectsUncommittedReadback(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	client := mocks.NewMockClient(ctrl)
	v := NewConfirmationVerifier(client)

	client.EXPECT().TxStatus(gomock.Any(), "tx-1").
		Return(&ledger.TxStatus{State: ledger.TxPending}, nil)

	_, err := v.VerifyCommit(context.Background(), "tx-1", &ledger.SettlementRecord{BatchID: 4}, 100)
	assert.ErrorIs(t, err, ErrFakeConfirmation)
}

func TestVerifyCommitRejectsSlotBeforeSubmission(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	client := mocks.NewMockClient(ctrl)
	v := NewConfirmationVerifier(client)

	client.EXPECT().TxStatus(gomock.Any(), "tx-1").
		Return(&ledger.TxStatus{State: ledger.TxCommitted, Slot: 90}, nil)

	_, err := v.VerifyCommit(context.Background(), "tx-1", &ledger.SettlementRecord{BatchID: 4}, 100)
	assert.ErrorIs(t, err, ErrFakeConfirmation)
}

func TestVerifyCommitRejectsSlotRegression(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	client := mocks.NewMockClient(ctrl)
	v := NewConfirmationVerifier(client)

	client.EXPECT().TxStatus(gomock.Any(), "tx-1").
		Return(&ledger.TxStatus{State: ledger.TxCommitted, Slot: 105}, nil)
	client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(4), nil)
	_, err := v.VerifyCommit(context.Background(), "tx-1", &ledger.SettlementRecord{BatchID: 4}, 100)
	require.NoError(t, err)

	// A later confirmation at an earlier slot contradicts the first one.
	client.EXPECT().TxStatus(gomock.Any(), "tx-2").
		Return(&ledger.TxStatus{State: ledger.TxCommitted, Slot: 101}, nil)
	_, err = v.VerifyCommit(context.Background(), "tx-2", &ledger.SettlementRecord{BatchID: 5}, 101)
	assert.ErrorIs(t, err, ErrFakeConfirmation)
}

func TestVerifyCommitRejectsLaggingHead(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	client := mocks.NewMockClient(ctrl)
	v := NewConfirmationVerifier(client)

	// The tx claims batch 4 committed, but the head never advanced past 3.
	client.EXPECT().TxStatus(gomock.Any(), "tx-1").
		Return(&ledger.TxStatus{State: ledger.TxCommitted, Slot: 105}, nil)
	client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(3), nil)

	_, err := v.VerifyCommit(context.Background(), "tx-1", &ledger.SettlementRecord{BatchID: 4}, 100)
	assert.ErrorIs(t, err, ErrFakeConfirmation)
}

func TestAwaitCommitPollsUntilIncluded(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	client := mocks.NewMockClient(ctrl)
	v := NewConfirmationVerifier(client)

	gomock.InOrder(
		client.EXPECT().TxStatus(gomock.Any(), "tx-1").
			Return(&ledger.TxStatus{State: ledger.TxPending}, nil),
		client.EXPECT().TxStatus(gomock.Any(), "tx-1").
			Return(&ledger.TxStatus{State: ledger.TxCommitted, Slot: 105}, nil),
		client.EXPECT().LastCommittedBatchID(gomock.Any()).Return(uint64(4), nil),
	)

	slot, err := v.AwaitCommit(context.Background(), "tx-1", &ledger.SettlementRecord{BatchID: 4},
		100, 50*time.Millisecond, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(105), slot)
}

func TestAwaitCommitTimesOut(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	client := mocks.NewMockClient(ctrl)
	v := NewConfirmationVerifier(client)

	client.EXPECT().TxStatus(gomock.Any(), "tx-1").
		Return(&ledger.TxStatus{State: ledger.TxPending}, nil).AnyTimes()

	_, err := v.AwaitCommit(context.Background(), "tx-1", &ledger.SettlementRecord{BatchID: 4},
		100, 10*time.Millisecond, time.Millisecond)
	assert.ErrorIs(t, err, ErrInclusionTimeout)
	assert.NotErrorIs(t, err, ErrFakeConfirmation)
}

func TestAwaitCommitStillVetsTheIncludedTx(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	client := mocks.NewMockClient(ctrl)
	v := NewConfirmationVerifier(client)

	// Inclusion at a slot before submission is fabricated even after a wait.
	client.EXPECT().TxStatus(gomock.Any(), "tx-1").
		Return(&ledger.TxStatus{State: ledger.TxCommitted, Slot: 90}, nil)

	_, err := v.AwaitCommit(context.Background(), "tx-1", &ledger.SettlementRecord{BatchID: 4},
		100, 50*time.Millisecond, time.Millisecond)
	assert.ErrorIs(t, err, ErrFakeConfirmation)
}

func TestVerifyEvent(t *testing.T) {
	v := NewConfirmationVerifier(nil)

	var root [32]byte
	root[0] = 0xab
	record := &ledger.SettlementRecord{BatchID: 7, Root: root}

	assert.NoError(t, v.VerifyEvent(&ledger.Event{BatchID: 7, Root: root}, record))
	assert.ErrorIs(t, v.VerifyEvent(&ledger.Event{BatchID: 8, Root: root}, record), ErrFakeConfirmation)

	var other [32]byte
	other[0] = 0xcd
	assert.ErrorIs(t, v.VerifyEvent(&ledger.Event{BatchID: 7, Root: other}, record), ErrFakeConfirmation)
}
