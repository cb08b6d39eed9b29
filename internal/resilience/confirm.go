package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openforge/nettingd/internal/ledger"
)

// ErrFakeConfirmation is returned when a claimed confirmation fails the
// plausibility checks. It is terminal for the affected batch: a resubmission
// could land the same content a second time, so the caller must abort the
// batch and alert, never retry.
var ErrFakeConfirmation = errors.New("implausible settlement confirmation")

// ErrInclusionTimeout is returned when a submitted transaction stayed
// pending past the confirmation deadline. Unlike ErrFakeConfirmation this is
// an ordinary endpoint fault, not evidence of fabrication.
var ErrInclusionTimeout = errors.New("settlement inclusion timed out")

// ConfirmationVerifier vets claimed settlement confirmations before the
// pipeline acts on them. A compromised or buggy endpoint can claim anything;
// the checks here are cheap consistency tests a truthful ledger always
// passes: the transaction reads back as committed, its slot is no earlier
// than the slot height at submission, confirmed slots never regress across
// batches, and the ledger's committed head covers the batch.
type ConfirmationVerifier struct {
	client ledger.Client

	mu               sync.Mutex
	highestConfirmed uint64
}

func NewConfirmationVerifier(client ledger.Client) *ConfirmationVerifier {
	return &ConfirmationVerifier{client: client}
}

// VerifyCommit checks one claimed confirmation. submitSlot is the slot
// height observed just before submission; a confirmation claiming an earlier
// slot is fabricated.
func (v *ConfirmationVerifier) VerifyCommit(ctx context.Context, txRef string, record *ledger.SettlementRecord, submitSlot uint64) (uint64, error) {
	status, err := v.client.TxStatus(ctx, txRef)
	if err != nil {
		return 0, err
	}
	if status.State != ledger.TxCommitted {
		return 0, fmt.Errorf("%w: tx %s not committed on readback", ErrFakeConfirmation, txRef)
	}
	return v.checkCommitted(ctx, txRef, record, submitSlot, status)
}

// AwaitCommit polls the transaction until the ledger reports it committed,
// then runs the same plausibility checks as VerifyCommit. A transaction
// still pending or unseen at the deadline fails with ErrInclusionTimeout.
func (v *ConfirmationVerifier) AwaitCommit(ctx context.Context, txRef string, record *ledger.SettlementRecord,
	submitSlot uint64, timeout, poll time.Duration) (uint64, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := v.client.TxStatus(ctx, txRef)
		if err != nil {
			return 0, err
		}
		if status.State == ledger.TxCommitted {
			return v.checkCommitted(ctx, txRef, record, submitSlot, status)
		}

		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w: tx %s still %s after %s", ErrInclusionTimeout, txRef, status.State, timeout)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (v *ConfirmationVerifier) checkCommitted(ctx context.Context, txRef string, record *ledger.SettlementRecord,
	submitSlot uint64, status *ledger.TxStatus) (uint64, error) {
	if status.Slot < submitSlot {
		return 0, fmt.Errorf("%w: tx %s claims slot %d before submission slot %d",
			ErrFakeConfirmation, txRef, status.Slot, submitSlot)
	}

	v.mu.Lock()
	if status.Slot < v.highestConfirmed {
		prev := v.highestConfirmed
		v.mu.Unlock()
		return 0, fmt.Errorf("%w: tx %s slot %d regresses below %d",
			ErrFakeConfirmation, txRef, status.Slot, prev)
	}
	v.highestConfirmed = status.Slot
	v.mu.Unlock()

	head, err := v.client.LastCommittedBatchID(ctx)
	if err != nil {
		return 0, err
	}
	if head < record.BatchID {
		return 0, fmt.Errorf("%w: committed head %d below batch %d",
			ErrFakeConfirmation, head, record.BatchID)
	}

	return status.Slot, nil
}

// VerifyEvent checks a subscription event against the locally committed
// record it claims to settle.
func (v *ConfirmationVerifier) VerifyEvent(event *ledger.Event, record *ledger.SettlementRecord) error {
	if event.BatchID != record.BatchID {
		return fmt.Errorf("%w: event batch %d != %d", ErrFakeConfirmation, event.BatchID, record.BatchID)
	}
	if !bytes.Equal(event.Root[:], record.Root[:]) {
		return fmt.Errorf("%w: event root mismatch for batch %d", ErrFakeConfirmation, event.BatchID)
	}
	return nil
}
