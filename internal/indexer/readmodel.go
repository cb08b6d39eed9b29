package indexer

import (
	"context"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

func ledgerHashHex(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

// ReadModel is a read-through cache over the shadow projections. Ownership
// and balance lookups dominate the read API's traffic and the underlying
// rows only change when a batch is applied, so the indexer invalidates
// touched keys on apply instead of using TTLs.
type ReadModel struct {
	shadow relationaldb.ShadowRepository

	ownership *lru.Cache[string, *relationaldb.OwnershipRow]
	balances  *lru.Cache[string, *relationaldb.BalanceRow]
}

func NewReadModel(shadow relationaldb.ShadowRepository, cacheSize int) (*ReadModel, error) {
	ownership, err := lru.New[string, *relationaldb.OwnershipRow](cacheSize)
	if err != nil {
		return nil, err
	}
	balances, err := lru.New[string, *relationaldb.BalanceRow](cacheSize)
	if err != nil {
		return nil, err
	}
	return &ReadModel{shadow: shadow, ownership: ownership, balances: balances}, nil
}

func cacheKey(a, b string) string {
	return a + "\x00" + b
}

// OwnershipOfItem returns the current owner row for (item, game).
func (rm *ReadModel) OwnershipOfItem(ctx context.Context, item, game string) (*relationaldb.OwnershipRow, error) {
	key := cacheKey(item, game)
	if row, ok := rm.ownership.Get(key); ok {
		return row, nil
	}
	row, err := rm.shadow.OwnershipOfItem(ctx, item, game)
	if err != nil {
		return nil, err
	}
	rm.ownership.Add(key, row)
	return row, nil
}

// Inventory lists the items a wallet currently owns. Uncached: the result
// set is unbounded and changes shape with every settlement.
func (rm *ReadModel) Inventory(ctx context.Context, owner string) ([]relationaldb.OwnershipRow, error) {
	return rm.shadow.OwnershipByOwner(ctx, owner)
}

// Balance returns the accumulated net delta for (wallet, game).
func (rm *ReadModel) Balance(ctx context.Context, wallet, game string) (*relationaldb.BalanceRow, error) {
	key := cacheKey(wallet, game)
	if row, ok := rm.balances.Get(key); ok {
		return row, nil
	}
	row, err := rm.shadow.Balance(ctx, wallet, game)
	if err != nil {
		return nil, err
	}
	rm.balances.Add(key, row)
	return row, nil
}

// ItemHistory returns the settlement-ordered ownership transitions of an item.
func (rm *ReadModel) ItemHistory(ctx context.Context, item, game string) ([]relationaldb.ItemHistoryRow, error) {
	return rm.shadow.ItemHistory(ctx, item, game)
}

// Cursor exposes indexing progress for health reporting.
func (rm *ReadModel) Cursor(ctx context.Context) (*relationaldb.Cursor, error) {
	return rm.shadow.Cursor(ctx)
}

// Invalidate drops the cached rows a just-applied batch touched.
func (rm *ReadModel) Invalidate(items []relationaldb.SettledItem, deltas []relationaldb.CashDelta) {
	for _, item := range items {
		rm.ownership.Remove(cacheKey(item.Item, item.Game))
	}
	for _, delta := range deltas {
		rm.balances.Remove(cacheKey(delta.Wallet, delta.Game))
	}
}
