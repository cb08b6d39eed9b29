package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

// BatchRepository persists netting batches and their results.
type BatchRepository struct {
	q *queryer
}

func NewBatchRepository(q *queryer) *BatchRepository {
	return &BatchRepository{q: q}
}

// Insert writes the batch header, settled items, cash deltas and intent
// audit rows in one transaction. Re-inserting an existing batch_id is a
// no-op, which makes batch formation idempotent across crashes.
func (r *BatchRepository) Insert(ctx context.Context, rec *relationaldb.BatchRecord, items []relationaldb.SettledItem, deltas []relationaldb.CashDelta, intents []relationaldb.IntentRow) error {
	tx, err := r.q.BeginTx(ctx)
	if err != nil {
		return relationaldb.NewOperationError("batch_insert", "begin transaction", err)
	}
	defer tx.Rollback()

	tq := &txQueryer{tx: tx, rebinds: r.q.rebinds}

	var nettedAt interface{}
	if rec.NettedAt != nil {
		nettedAt = rec.NettedAt.Unix()
	}

	res, err := tq.ExecContext(ctx,
		`INSERT INTO netting_batches
		 (batch_id, state, created_at, netted_at, num_intents, num_items, num_wallets, merkle_root, da_hash, ledger_seq, tx_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '')
		 ON CONFLICT (batch_id) DO NOTHING`,
		rec.BatchID, string(rec.State), rec.CreatedAt.Unix(), nettedAt,
		rec.NumIntents, rec.NumItems, rec.NumWallets, rec.MerkleRoot, rec.DAHash)
	if err != nil {
		return relationaldb.NewOperationError("batch_insert", "insert header", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already persisted by an earlier attempt.
		return tx.Commit()
	}

	for _, item := range items {
		if _, err := tq.ExecContext(ctx,
			`INSERT INTO settled_items (batch_id, item, game, final_owner) VALUES (?, ?, ?, ?)
			 ON CONFLICT (batch_id, item) DO NOTHING`,
			rec.BatchID, item.Item, item.Game, item.FinalOwner); err != nil {
			return relationaldb.NewOperationError("batch_insert", "insert settled item", err)
		}
	}

	for _, delta := range deltas {
		if _, err := tq.ExecContext(ctx,
			`INSERT INTO net_cash_deltas (batch_id, wallet, game, delta) VALUES (?, ?, ?, ?)
			 ON CONFLICT (batch_id, wallet) DO NOTHING`,
			rec.BatchID, delta.Wallet, delta.Game, delta.Delta); err != nil {
			return relationaldb.NewOperationError("batch_insert", "insert cash delta", err)
		}
	}

	for _, row := range intents {
		if _, err := tq.ExecContext(ctx,
			`INSERT INTO trade_intents
			 (id, batch_id, session_key, owner, item, from_wallet, to_wallet, amount, nonce, game, action, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			row.ID, rec.BatchID, row.Session, row.Owner, row.Item, row.FromWallet, row.ToWallet,
			row.Amount, row.Nonce, row.Game, row.Action, row.Status, row.CreatedAt.Unix()); err != nil {
			return relationaldb.NewOperationError("batch_insert", "insert intent row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return relationaldb.NewOperationError("batch_insert", "commit", err)
	}
	return nil
}

func scanBatch(row *sql.Row) (*relationaldb.BatchRecord, error) {
	var rec relationaldb.BatchRecord
	var state string
	var createdAt int64
	var nettedAt, settledAt sql.NullInt64

	err := row.Scan(&rec.BatchID, &state, &createdAt, &nettedAt, &settledAt,
		&rec.NumIntents, &rec.NumItems, &rec.NumWallets,
		&rec.MerkleRoot, &rec.DAHash, &rec.LedgerSeq, &rec.TxRef, &rec.AbortReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relationaldb.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.State = relationaldb.BatchState(state)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	if nettedAt.Valid {
		t := time.Unix(nettedAt.Int64, 0).UTC()
		rec.NettedAt = &t
	}
	if settledAt.Valid {
		t := time.Unix(settledAt.Int64, 0).UTC()
		rec.SettledAt = &t
	}
	return &rec, nil
}

const batchColumns = `batch_id, state, created_at, netted_at, settled_at,
	num_intents, num_items, num_wallets, merkle_root, da_hash, ledger_seq, tx_ref, abort_reason`

func (r *BatchRepository) Get(ctx context.Context, batchID string) (*relationaldb.BatchRecord, error) {
	return scanBatch(r.q.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM netting_batches WHERE batch_id = ?`, batchID))
}

// MarkCommitted records the ledger sequence assigned at commit time together
// with the root and DA pointer actually submitted.
func (r *BatchRepository) MarkCommitted(ctx context.Context, batchID string, ledgerSeq uint64, merkleRoot, daHash string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE netting_batches SET state = ?, ledger_seq = ?, merkle_root = ?, da_hash = ?
		 WHERE batch_id = ? AND state IN (?, ?)`,
		string(relationaldb.BatchCommitted), ledgerSeq, merkleRoot, daHash,
		batchID, string(relationaldb.BatchNetted), string(relationaldb.BatchCommitted))
	if err != nil {
		return relationaldb.NewOperationError("mark_committed", "update", err)
	}
	return checkTransition(res)
}

func (r *BatchRepository) MarkSettled(ctx context.Context, batchID, txRef string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE netting_batches SET state = ?, tx_ref = ?, settled_at = ?
		 WHERE batch_id = ? AND state IN (?, ?)`,
		string(relationaldb.BatchSettled), txRef, time.Now().Unix(),
		batchID, string(relationaldb.BatchCommitted), string(relationaldb.BatchSettled))
	if err != nil {
		return relationaldb.NewOperationError("mark_settled", "update", err)
	}
	return checkTransition(res)
}

func (r *BatchRepository) MarkIndexed(ctx context.Context, batchID string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE netting_batches SET state = ? WHERE batch_id = ? AND state IN (?, ?)`,
		string(relationaldb.BatchIndexed), batchID,
		string(relationaldb.BatchSettled), string(relationaldb.BatchIndexed))
	if err != nil {
		return relationaldb.NewOperationError("mark_indexed", "update", err)
	}
	return checkTransition(res)
}

func (r *BatchRepository) MarkAborted(ctx context.Context, batchID, reason string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE netting_batches SET state = ?, abort_reason = ?
		 WHERE batch_id = ? AND state NOT IN (?, ?)`,
		string(relationaldb.BatchAborted), reason, batchID,
		string(relationaldb.BatchSettled), string(relationaldb.BatchIndexed))
	if err != nil {
		return relationaldb.NewOperationError("mark_aborted", "update", err)
	}
	return checkTransition(res)
}

func checkTransition(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return relationaldb.ErrIllegalTransition
	}
	return nil
}

func (r *BatchRepository) ListByState(ctx context.Context, states ...relationaldb.BatchState) ([]relationaldb.BatchRecord, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := "?"
	args := []interface{}{string(states[0])}
	for _, s := range states[1:] {
		placeholders += ", ?"
		args = append(args, string(s))
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM netting_batches
		 WHERE state IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relationaldb.BatchRecord
	for rows.Next() {
		var rec relationaldb.BatchRecord
		var state string
		var createdAt int64
		var nettedAt, settledAt sql.NullInt64
		if err := rows.Scan(&rec.BatchID, &state, &createdAt, &nettedAt, &settledAt,
			&rec.NumIntents, &rec.NumItems, &rec.NumWallets,
			&rec.MerkleRoot, &rec.DAHash, &rec.LedgerSeq, &rec.TxRef, &rec.AbortReason); err != nil {
			return nil, err
		}
		rec.State = relationaldb.BatchState(state)
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		if nettedAt.Valid {
			t := time.Unix(nettedAt.Int64, 0).UTC()
			rec.NettedAt = &t
		}
		if settledAt.Valid {
			t := time.Unix(settledAt.Int64, 0).UTC()
			rec.SettledAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *BatchRepository) SettledItems(ctx context.Context, batchID string) ([]relationaldb.SettledItem, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT batch_id, item, game, final_owner FROM settled_items WHERE batch_id = ? ORDER BY item`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relationaldb.SettledItem
	for rows.Next() {
		var item relationaldb.SettledItem
		if err := rows.Scan(&item.BatchID, &item.Item, &item.Game, &item.FinalOwner); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *BatchRepository) CashDeltas(ctx context.Context, batchID string) ([]relationaldb.CashDelta, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT batch_id, wallet, game, delta FROM net_cash_deltas WHERE batch_id = ? ORDER BY wallet`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relationaldb.CashDelta
	for rows.Next() {
		var delta relationaldb.CashDelta
		if err := rows.Scan(&delta.BatchID, &delta.Wallet, &delta.Game, &delta.Delta); err != nil {
			return nil, err
		}
		out = append(out, delta)
	}
	return out, rows.Err()
}

func (r *BatchRepository) GetIntent(ctx context.Context, id string) (*relationaldb.IntentRow, error) {
	var row relationaldb.IntentRow
	var createdAt int64
	err := r.q.QueryRowContext(ctx,
		`SELECT id, batch_id, session_key, owner, item, from_wallet, to_wallet, amount, nonce, game, action, status, created_at
		 FROM trade_intents WHERE id = ?`, id).
		Scan(&row.ID, &row.BatchID, &row.Session, &row.Owner, &row.Item, &row.FromWallet, &row.ToWallet,
			&row.Amount, &row.Nonce, &row.Game, &row.Action, &row.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relationaldb.ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	row.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &row, nil
}

func (r *BatchRepository) FindSettledByRoot(ctx context.Context, merkleRoot string) (*relationaldb.BatchRecord, error) {
	return scanBatch(r.q.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM netting_batches
		 WHERE merkle_root = ? AND state = ? ORDER BY ledger_seq LIMIT 1`,
		merkleRoot, string(relationaldb.BatchSettled)))
}

func (r *BatchRepository) FindSettledByCounts(ctx context.Context, numIntents, numItems int) (*relationaldb.BatchRecord, error) {
	return scanBatch(r.q.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM netting_batches
		 WHERE num_intents = ? AND num_items = ? AND state = ? ORDER BY ledger_seq LIMIT 1`,
		numIntents, numItems, string(relationaldb.BatchSettled)))
}
