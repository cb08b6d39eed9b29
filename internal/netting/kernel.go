package netting

import (
	"errors"
	"math/big"

	"github.com/openforge/nettingd/internal/intent"
)

// OverflowPolicy controls what happens when per-intent arithmetic leaves the
// 128-bit range.
type OverflowPolicy int

const (
	// SkipIntent records the intent as skipped and keeps netting.
	SkipIntent OverflowPolicy = iota
	// AbortBatch fails the whole batch on the first overflow.
	AbortBatch
)

var (
	// ErrConservation indicates the netted deltas did not sum to zero.
	// That can only come from an accounting bug, never from client input,
	// so the batch is aborted.
	ErrConservation = errors.New("net cash deltas do not sum to zero")

	// ErrOverflowAbort is returned under the AbortBatch policy.
	ErrOverflowAbort = errors.New("arithmetic overflow while netting")
)

// Result is the outcome of netting one ordered batch of intents.
type Result struct {
	// FinalOwners maps each touched item to its owner after the batch.
	FinalOwners map[string]string `json:"final_owners"`

	// NetCashDeltas maps each wallet with a nonzero net position to its
	// delta. Positive means the wallet is owed funds.
	NetCashDeltas map[string]Int128 `json:"net_cash_deltas"`

	ConsumedIDs []string `json:"consumed_ids"`
	SkippedIDs  []string `json:"skipped_ids"`

	NumIntents    int `json:"num_intents"`
	NumItems      int `json:"num_items"`
	NumWallets    int `json:"num_wallets"`
	OverflowCount int `json:"overflow_count"`
}

// Net collapses an ordered list of intents into one transfer per item and one
// net cash delta per wallet. It is pure: no I/O, no clock, deterministic for
// a given input order.
//
// Chain-sequence rule: the first intent seen for an item establishes its
// current owner as that intent's seller. Any later intent whose seller is not
// the tracked owner is a client-ordering error and is skipped, never failed.
func Net(intents []*intent.TradeIntent, policy OverflowPolicy) (*Result, error) {
	res := &Result{
		FinalOwners:   make(map[string]string),
		NetCashDeltas: make(map[string]Int128),
		NumIntents:    len(intents),
	}

	owners := make(map[string]string, len(intents))
	deltas := make(map[string]Int128)

	for _, it := range intents {
		amount, err := FromDecimalString(it.Amount)
		if err != nil || amount.Sign() < 0 {
			// Shape-validated intents cannot reach here; treat a bad
			// amount as a skip rather than poisoning the batch.
			res.SkippedIDs = append(res.SkippedIDs, it.ID)
			continue
		}

		cur, seen := owners[it.Item]
		if !seen {
			cur = it.From
			owners[it.Item] = cur
		}

		if cur != it.From {
			res.SkippedIDs = append(res.SkippedIDs, it.ID)
			continue
		}

		// Stage both delta updates; commit only if neither overflows so a
		// skipped intent leaves no partial accounting behind.
		newFrom, errFrom := deltas[it.From].AddChecked(amount)
		newTo, errTo := deltas[it.To].SubChecked(amount)
		if errFrom != nil || errTo != nil {
			res.OverflowCount++
			if policy == AbortBatch {
				return nil, ErrOverflowAbort
			}
			res.SkippedIDs = append(res.SkippedIDs, it.ID)
			continue
		}

		deltas[it.From] = newFrom
		deltas[it.To] = newTo
		owners[it.Item] = it.To
		res.ConsumedIDs = append(res.ConsumedIDs, it.ID)
	}

	// Conservation check. The sum is accumulated in arbitrary precision so
	// the check itself cannot overflow.
	sum := new(big.Int)
	for _, d := range deltas {
		sum.Add(sum, d.BigInt())
	}
	if sum.Sign() != 0 {
		return nil, ErrConservation
	}

	for item, owner := range owners {
		res.FinalOwners[item] = owner
	}
	for wallet, d := range deltas {
		if !d.IsZero() {
			res.NetCashDeltas[wallet] = d
		}
	}

	res.NumItems = len(res.FinalOwners)
	res.NumWallets = len(res.NetCashDeltas)
	return res, nil
}
