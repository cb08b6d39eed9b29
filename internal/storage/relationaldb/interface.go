package relationaldb

import (
	"context"
	"time"
)

// BatchState is the lifecycle state of a netting batch.
type BatchState string

const (
	BatchOpen      BatchState = "OPEN"
	BatchNetted    BatchState = "NETTED"
	BatchCommitted BatchState = "COMMITTED"
	BatchSettled   BatchState = "SETTLED"
	BatchIndexed   BatchState = "INDEXED"
	BatchAborted   BatchState = "ABORTED"
)

// BatchRecord is the persisted header of one netting batch. BatchID is the
// operator-local identity (a UUID); LedgerSeq is the monotonic sequence the
// settlement ledger enforced at commit time. The two are decoupled on
// purpose and the mapping lives here.
type BatchRecord struct {
	BatchID     string     `json:"batch_id"`
	State       BatchState `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	NettedAt    *time.Time `json:"netted_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	NumIntents  int        `json:"num_intents"`
	NumItems    int        `json:"num_items"`
	NumWallets  int        `json:"num_wallets"`
	MerkleRoot  string     `json:"merkle_root"`
	DAHash      string     `json:"da_hash"`
	LedgerSeq   uint64     `json:"ledger_seq"`
	TxRef       string     `json:"tx_ref"`
	AbortReason string     `json:"abort_reason,omitempty"`
}

// SettledItem is one (item, final owner) row of a batch result.
type SettledItem struct {
	BatchID    string `json:"batch_id"`
	Item       string `json:"item"`
	Game       string `json:"game"`
	FinalOwner string `json:"final_owner"`
}

// CashDelta is one (wallet, net delta) row of a batch result. Delta is an
// exact 128-bit signed integer carried as a decimal string.
type CashDelta struct {
	BatchID string `json:"batch_id"`
	Wallet  string `json:"wallet"`
	Game    string `json:"game"`
	Delta   string `json:"delta"`
}

// IntentRow is the audit record of an intent bound to a batch.
type IntentRow struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batch_id"`
	Session    string    `json:"session"`
	Owner      string    `json:"owner"`
	Item       string    `json:"item"`
	FromWallet string    `json:"from_wallet"`
	ToWallet   string    `json:"to_wallet"`
	Amount     string    `json:"amount"`
	Nonce      int64     `json:"nonce"`
	Game       string    `json:"game"`
	Action     string    `json:"action"`
	Status     string    `json:"status"` // consumed | skipped
	CreatedAt  time.Time `json:"created_at"`
}

const (
	IntentConsumed = "consumed"
	IntentSkipped  = "skipped"
)

// OwnershipRow is the shadow projection (item, game) -> owner.
type OwnershipRow struct {
	Item      string    `json:"item"`
	Game      string    `json:"game"`
	Owner     string    `json:"owner"`
	BatchID   string    `json:"batch_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BalanceRow is the shadow projection (wallet, game) -> accumulated delta.
type BalanceRow struct {
	Wallet      string `json:"wallet"`
	Game        string `json:"game"`
	DeltaSum    string `json:"delta_sum"`
	LastBatchID string `json:"last_batch_id"`
}

// ItemHistoryRow records one ownership transition applied by the indexer.
type ItemHistoryRow struct {
	BatchID   string    `json:"batch_id"`
	Item      string    `json:"item"`
	Game      string    `json:"game"`
	PrevOwner string    `json:"prev_owner"`
	NewOwner  string    `json:"new_owner"`
	AppliedAt time.Time `json:"applied_at"`
}

// Cursor is the indexer's progress marker.
type Cursor struct {
	LastSlot    uint64    `json:"last_slot"`
	LastBatchID string    `json:"last_batch_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BatchRepository persists batch headers, results and intent audit rows.
// Insert writes the header, settled items, cash deltas and intent rows in a
// single transaction; every write is idempotent keyed by batch_id.
type BatchRepository interface {
	Insert(ctx context.Context, rec *BatchRecord, items []SettledItem, deltas []CashDelta, intents []IntentRow) error
	Get(ctx context.Context, batchID string) (*BatchRecord, error)
	MarkCommitted(ctx context.Context, batchID string, ledgerSeq uint64, merkleRoot, daHash string) error
	MarkSettled(ctx context.Context, batchID, txRef string) error
	MarkIndexed(ctx context.Context, batchID string) error
	MarkAborted(ctx context.Context, batchID, reason string) error
	// ListByState returns batches in the given states, oldest first. Used
	// by crash recovery to find work left mid-pipeline.
	ListByState(ctx context.Context, states ...BatchState) ([]BatchRecord, error)
	SettledItems(ctx context.Context, batchID string) ([]SettledItem, error)
	CashDeltas(ctx context.Context, batchID string) ([]CashDelta, error)
	GetIntent(ctx context.Context, id string) (*IntentRow, error)
	// FindSettledByRoot locates the settled-awaiting-index batch matching a
	// ledger event. FindSettledByCounts is the weaker fallback join.
	FindSettledByRoot(ctx context.Context, merkleRoot string) (*BatchRecord, error)
	FindSettledByCounts(ctx context.Context, numIntents, numItems int) (*BatchRecord, error)
}

// ShadowRepository owns the read-side projections. ApplyBatch performs the
// ownership and balance upserts, the history append and the cursor advance
// in one transaction, idempotent per (key, batch_id).
type ShadowRepository interface {
	ApplyBatch(ctx context.Context, rec *BatchRecord, items []SettledItem, deltas []CashDelta, slot uint64) error
	OwnershipByOwner(ctx context.Context, owner string) ([]OwnershipRow, error)
	OwnershipOfItem(ctx context.Context, item, game string) (*OwnershipRow, error)
	Balance(ctx context.Context, wallet, game string) (*BalanceRow, error)
	ItemHistory(ctx context.Context, item, game string) ([]ItemHistoryRow, error)
	Cursor(ctx context.Context) (*Cursor, error)
}

// RepositoryManager opens the relational store and hands out repositories.
type RepositoryManager interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Ping(ctx context.Context) error
	Batches() BatchRepository
	Shadow() ShadowRepository
}
