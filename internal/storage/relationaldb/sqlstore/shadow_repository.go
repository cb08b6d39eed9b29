package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openforge/nettingd/internal/netting"
	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

// ShadowRepository owns the ownership and balance projections rebuilt from
// settled batches. Writes go through ApplyBatch only; the read API never
// mutates these tables.
type ShadowRepository struct {
	q *queryer
}

func NewShadowRepository(q *queryer) *ShadowRepository {
	return &ShadowRepository{q: q}
}

// ApplyBatch projects one settled batch into the shadow tables. The whole
// application, including the cursor advance, is a single transaction.
// Per-key idempotence: an ownership row already stamped with this batch_id
// is skipped, as is a balance row whose last_batch_id matches, so replaying
// the same event stream position cannot double-apply.
func (r *ShadowRepository) ApplyBatch(ctx context.Context, rec *relationaldb.BatchRecord, items []relationaldb.SettledItem, deltas []relationaldb.CashDelta, slot uint64) error {
	tx, err := r.q.BeginTx(ctx)
	if err != nil {
		return relationaldb.NewOperationError("apply_batch", "begin transaction", err)
	}
	defer tx.Rollback()

	tq := &txQueryer{tx: tx, rebinds: r.q.rebinds}
	now := time.Now().Unix()

	for _, item := range items {
		var prevOwner, prevBatch string
		err := tq.QueryRowContext(ctx,
			`SELECT owner, batch_id FROM ownership WHERE item = ? AND game = ?`,
			item.Item, item.Game).Scan(&prevOwner, &prevBatch)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return relationaldb.NewOperationError("apply_batch", "read ownership", err)
		}
		if prevBatch == rec.BatchID {
			continue // already applied
		}

		if _, err := tq.ExecContext(ctx,
			`INSERT INTO ownership (item, game, owner, batch_id, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (item, game) DO UPDATE SET
			   owner = excluded.owner, batch_id = excluded.batch_id, updated_at = excluded.updated_at`,
			item.Item, item.Game, item.FinalOwner, rec.BatchID, now); err != nil {
			return relationaldb.NewOperationError("apply_batch", "upsert ownership", err)
		}

		if _, err := tq.ExecContext(ctx,
			`INSERT INTO item_history (batch_id, item, game, prev_owner, new_owner, applied_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.BatchID, item.Item, item.Game, prevOwner, item.FinalOwner, now); err != nil {
			return relationaldb.NewOperationError("apply_batch", "append item history", err)
		}
	}

	for _, delta := range deltas {
		var sum, lastBatch string
		err := tq.QueryRowContext(ctx,
			`SELECT delta_sum, last_batch_id FROM balances WHERE wallet = ? AND game = ?`,
			delta.Wallet, delta.Game).Scan(&sum, &lastBatch)
		if errors.Is(err, sql.ErrNoRows) {
			sum = "0"
		} else if err != nil {
			return relationaldb.NewOperationError("apply_batch", "read balance", err)
		}
		if lastBatch == rec.BatchID {
			continue // already applied
		}

		// 128-bit accumulation happens here in exact arithmetic; SQL text
		// columns only store the result.
		cur, err := netting.FromDecimalString(sum)
		if err != nil {
			return relationaldb.NewOperationError("apply_batch", "corrupt balance for "+delta.Wallet, err)
		}
		d, err := netting.FromDecimalString(delta.Delta)
		if err != nil {
			return relationaldb.NewOperationError("apply_batch", "corrupt delta for "+delta.Wallet, err)
		}
		next, err := cur.AddChecked(d)
		if err != nil {
			return relationaldb.NewOperationError("apply_batch", "balance overflow for "+delta.Wallet, err)
		}

		if _, err := tq.ExecContext(ctx,
			`INSERT INTO balances (wallet, game, delta_sum, last_batch_id) VALUES (?, ?, ?, ?)
			 ON CONFLICT (wallet, game) DO UPDATE SET
			   delta_sum = excluded.delta_sum, last_batch_id = excluded.last_batch_id`,
			delta.Wallet, delta.Game, next.String(), rec.BatchID); err != nil {
			return relationaldb.NewOperationError("apply_batch", "upsert balance", err)
		}
	}

	if _, err := tq.ExecContext(ctx,
		`UPDATE indexer_cursor SET last_slot = ?, last_batch_id = ?, updated_at = ? WHERE id = 1`,
		slot, rec.BatchID, now); err != nil {
		return relationaldb.NewOperationError("apply_batch", "advance cursor", err)
	}

	if err := tx.Commit(); err != nil {
		return relationaldb.NewOperationError("apply_batch", "commit", err)
	}
	return nil
}

func (r *ShadowRepository) OwnershipByOwner(ctx context.Context, owner string) ([]relationaldb.OwnershipRow, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT item, game, owner, batch_id, updated_at FROM ownership WHERE owner = ? ORDER BY item`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relationaldb.OwnershipRow
	for rows.Next() {
		row, err := scanOwnership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

func scanOwnership(rows *sql.Rows) (*relationaldb.OwnershipRow, error) {
	var row relationaldb.OwnershipRow
	var updatedAt int64
	if err := rows.Scan(&row.Item, &row.Game, &row.Owner, &row.BatchID, &updatedAt); err != nil {
		return nil, err
	}
	row.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &row, nil
}

func (r *ShadowRepository) OwnershipOfItem(ctx context.Context, item, game string) (*relationaldb.OwnershipRow, error) {
	var row relationaldb.OwnershipRow
	var updatedAt int64
	err := r.q.QueryRowContext(ctx,
		`SELECT item, game, owner, batch_id, updated_at FROM ownership WHERE item = ? AND game = ?`,
		item, game).Scan(&row.Item, &row.Game, &row.Owner, &row.BatchID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relationaldb.ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	row.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &row, nil
}

func (r *ShadowRepository) Balance(ctx context.Context, wallet, game string) (*relationaldb.BalanceRow, error) {
	var row relationaldb.BalanceRow
	err := r.q.QueryRowContext(ctx,
		`SELECT wallet, game, delta_sum, last_batch_id FROM balances WHERE wallet = ? AND game = ?`,
		wallet, game).Scan(&row.Wallet, &row.Game, &row.DeltaSum, &row.LastBatchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relationaldb.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *ShadowRepository) ItemHistory(ctx context.Context, item, game string) ([]relationaldb.ItemHistoryRow, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT batch_id, item, game, prev_owner, new_owner, applied_at
		 FROM item_history WHERE item = ? AND game = ? ORDER BY applied_at`, item, game)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relationaldb.ItemHistoryRow
	for rows.Next() {
		var row relationaldb.ItemHistoryRow
		var appliedAt int64
		if err := rows.Scan(&row.BatchID, &row.Item, &row.Game, &row.PrevOwner, &row.NewOwner, &appliedAt); err != nil {
			return nil, err
		}
		row.AppliedAt = time.Unix(appliedAt, 0).UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *ShadowRepository) Cursor(ctx context.Context) (*relationaldb.Cursor, error) {
	var cur relationaldb.Cursor
	var updatedAt int64
	err := r.q.QueryRowContext(ctx,
		`SELECT last_slot, last_batch_id, updated_at FROM indexer_cursor WHERE id = 1`).
		Scan(&cur.LastSlot, &cur.LastBatchID, &updatedAt)
	if err != nil {
		return nil, err
	}
	cur.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &cur, nil
}
