// Package ledger defines the operator's view of the external settlement
// ledger: an opaque append-only ledger with a single authority-signed commit
// operation and a committed-settlement event stream.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLedgerReject is returned when the ledger refuses a settlement
	// record, typically because batch_id != last_committed + 1. Retrying
	// with a refreshed last-committed value is the expected recovery.
	ErrLedgerReject = errors.New("settlement record rejected by ledger")

	// ErrBadAuthority is returned when the authority signature fails
	// on-ledger verification.
	ErrBadAuthority = errors.New("authority signature rejected by ledger")

	ErrTxNotFound = errors.New("transaction not found on ledger")
)

// SettlementRecord is the on-ledger commit tuple. BatchID here is the
// ledger-enforced monotonic sequence, not the operator-local UUID.
type SettlementRecord struct {
	BatchID    uint64   `json:"batch_id"`
	Root       [32]byte `json:"root"`
	DAHash     [32]byte `json:"da_hash"`
	NumIntents uint64   `json:"num_intents"`
	NumItems   uint64   `json:"num_items"`
}

// TxState is the ledger-side fate of a submitted settlement.
type TxState int

const (
	TxPending TxState = iota
	TxCommitted
	TxNotFound
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxCommitted:
		return "committed"
	case TxNotFound:
		return "not_found"
	}
	return "unknown"
}

// TxStatus reports the state of a settlement transaction and, when
// committed, the canonical slot it was included at.
type TxStatus struct {
	State TxState `json:"state"`
	Slot  uint64  `json:"slot"`
}

// Event is one committed settlement observed on the ledger.
type Event struct {
	BatchID    uint64    `json:"batch_id"`
	Root       [32]byte  `json:"root"`
	DAHash     [32]byte  `json:"da_hash"`
	NumIntents uint64    `json:"num_intents"`
	NumItems   uint64    `json:"num_items"`
	Slot       uint64    `json:"slot"`
	Timestamp  time.Time `json:"timestamp"`
}

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/openforge/nettingd/internal/ledger Client

// Client is the settlement-ledger interface the committer and indexer
// consume. Implementations must honour context deadlines on every call.
type Client interface {
	// LastCommittedBatchID reads the ledger's committed sequence head.
	LastCommittedBatchID(ctx context.Context) (uint64, error)

	// SubmitSettlement submits an authority-signed record. The ledger
	// enforces record.BatchID == LastCommittedBatchID()+1 and returns
	// ErrLedgerReject otherwise.
	SubmitSettlement(ctx context.Context, record *SettlementRecord, authoritySig string) (string, error)

	// TxStatus reports the fate of a submitted settlement.
	TxStatus(ctx context.Context, txRef string) (*TxStatus, error)

	// CurrentSlot reads the ledger's current slot height.
	CurrentSlot(ctx context.Context) (uint64, error)

	// Subscribe yields committed settlement events from the given slot
	// onward. The returned cancel function tears the subscription down.
	Subscribe(ctx context.Context, fromSlot uint64) (<-chan *Event, func(), error)
}
