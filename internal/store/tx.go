package store

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/model"
)

// execer is satisfied by both *sqlx.DB and *sqlx.Tx, letting insertTxRow
// run standalone or as part of a larger transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertTxRow(ctx context.Context, ex execer, t *model.Tx) (int64, error) {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO tx (method, from_addr, to_addr, chain_id, nonce, gas_limit, max_fee_per_gas,
			priority_fee, val, call_data, orig_tx_id, processing, created_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Method, t.FromAddr, t.ToAddr, t.ChainID, t.Nonce, t.GasLimit, t.MaxFeePerGas,
		t.PriorityFee, t.Val, t.CallData, t.OrigTxID, t.Processing, tstr(t.CreatedDate))
	if err != nil {
		return 0, wrapConstraint("failed to insert tx", err)
	}
	return res.LastInsertId()
}

const rfc3339 = time.RFC3339Nano

func tstr(t time.Time) string { return t.UTC().Format(rfc3339) }

func optTstr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return tstr(*t)
}

func parseOptTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(rfc3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// InsertTokenTransfer stores a caller's transfer request and returns its
// assigned id.
func (s *Store) InsertTokenTransfer(ctx context.Context, t *model.TokenTransfer) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO token_transfer (payment_id, from_addr, receiver_addr, chain_id, token_addr, token_amount, created_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.PaymentID, t.FromAddr, t.ReceiverAddr, t.ChainID, t.TokenAddr, t.TokenAmount, tstr(t.CreatedDate))
	if err != nil {
		return 0, wrapConstraint("failed to insert token_transfer", err)
	}
	return res.LastInsertId()
}

// InsertTx stores a new outbound transaction attempt.
func (s *Store) InsertTx(ctx context.Context, t *model.Tx) (int64, error) {
	return insertTxRow(ctx, s.db, t)
}

// UpdateTx persists the mutable fields of an in-flight Tx (signing,
// broadcast, confirmation, failure, and engine breadcrumbs).
func (s *Store) UpdateTx(ctx context.Context, t *model.Tx) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tx SET nonce=?, gas_limit=?, max_fee_per_gas=?, priority_fee=?,
			signed_raw_data=?, tx_hash=?, broadcast_count=?, first_processed=?,
			signed_date=?, broadcast_date=?, first_stuck_date=?, confirm_date=?,
			block_number=?, chain_status=?, fee_paid=?, gas_used=?, effective_gas_price=?,
			error=?, processing=?, engine_message=?, engine_error=?
		WHERE id=?`,
		t.Nonce, t.GasLimit, t.MaxFeePerGas, t.PriorityFee,
		t.SignedRawData, t.TxHash, t.BroadcastCount, optTstr(t.FirstProcessed),
		optTstr(t.SignedDate), optTstr(t.BroadcastDate), optTstr(t.FirstStuckDate), optTstr(t.ConfirmDate),
		t.BlockNumber, t.ChainStatus, t.FeePaid, t.GasUsed, t.EffectiveGasPrice,
		t.Error, t.Processing, t.EngineMessage, t.EngineError, t.ID)
	if err != nil {
		return wrapConstraint("failed to update tx", err)
	}
	return nil
}

type txRow struct {
	ID                int64          `db:"id"`
	Method            string         `db:"method"`
	FromAddr          string         `db:"from_addr"`
	ToAddr            string         `db:"to_addr"`
	ChainID           int64          `db:"chain_id"`
	Nonce             sql.NullInt64  `db:"nonce"`
	GasLimit          sql.NullInt64  `db:"gas_limit"`
	MaxFeePerGas      sql.NullString `db:"max_fee_per_gas"`
	PriorityFee       sql.NullString `db:"priority_fee"`
	Val               string         `db:"val"`
	CallData          sql.NullString `db:"call_data"`
	SignedRawData     sql.NullString `db:"signed_raw_data"`
	TxHash            sql.NullString `db:"tx_hash"`
	BroadcastCount    int64          `db:"broadcast_count"`
	CreatedDate       string         `db:"created_date"`
	FirstProcessed    sql.NullString `db:"first_processed"`
	SignedDate        sql.NullString `db:"signed_date"`
	BroadcastDate     sql.NullString `db:"broadcast_date"`
	FirstStuckDate    sql.NullString `db:"first_stuck_date"`
	ConfirmDate       sql.NullString `db:"confirm_date"`
	BlockNumber       sql.NullInt64  `db:"block_number"`
	ChainStatus       sql.NullInt64  `db:"chain_status"`
	FeePaid           sql.NullString `db:"fee_paid"`
	GasUsed           sql.NullInt64  `db:"gas_used"`
	EffectiveGasPrice sql.NullString `db:"effective_gas_price"`
	Error             sql.NullString `db:"error"`
	OrigTxID          sql.NullInt64  `db:"orig_tx_id"`
	Processing        int64          `db:"processing"`
	EngineMessage     sql.NullString `db:"engine_message"`
	EngineError       sql.NullString `db:"engine_error"`
}

func (r *txRow) toModel() *model.Tx {
	t := &model.Tx{
		ID:             r.ID,
		Method:         r.Method,
		FromAddr:       r.FromAddr,
		ToAddr:         r.ToAddr,
		ChainID:        r.ChainID,
		Val:            r.Val,
		BroadcastCount: r.BroadcastCount,
		Processing:     r.Processing,
	}
	t.CreatedDate, _ = time.Parse(rfc3339, r.CreatedDate)
	if r.Nonce.Valid {
		t.Nonce = &r.Nonce.Int64
	}
	if r.GasLimit.Valid {
		t.GasLimit = &r.GasLimit.Int64
	}
	if r.MaxFeePerGas.Valid {
		t.MaxFeePerGas = &r.MaxFeePerGas.String
	}
	if r.PriorityFee.Valid {
		t.PriorityFee = &r.PriorityFee.String
	}
	if r.CallData.Valid {
		t.CallData = &r.CallData.String
	}
	if r.SignedRawData.Valid {
		t.SignedRawData = &r.SignedRawData.String
	}
	if r.TxHash.Valid {
		t.TxHash = &r.TxHash.String
	}
	if r.BlockNumber.Valid {
		t.BlockNumber = &r.BlockNumber.Int64
	}
	if r.ChainStatus.Valid {
		t.ChainStatus = &r.ChainStatus.Int64
	}
	if r.FeePaid.Valid {
		t.FeePaid = &r.FeePaid.String
	}
	if r.GasUsed.Valid {
		t.GasUsed = &r.GasUsed.Int64
	}
	if r.EffectiveGasPrice.Valid {
		t.EffectiveGasPrice = &r.EffectiveGasPrice.String
	}
	if r.Error.Valid {
		t.Error = &r.Error.String
	}
	if r.OrigTxID.Valid {
		t.OrigTxID = &r.OrigTxID.Int64
	}
	if r.EngineMessage.Valid {
		t.EngineMessage = &r.EngineMessage.String
	}
	if r.EngineError.Valid {
		t.EngineError = &r.EngineError.String
	}
	t.FirstProcessed = parseOptTime(r.FirstProcessed)
	t.SignedDate = parseOptTime(r.SignedDate)
	t.BroadcastDate = parseOptTime(r.BroadcastDate)
	t.FirstStuckDate = parseOptTime(r.FirstStuckDate)
	t.ConfirmDate = parseOptTime(r.ConfirmDate)
	return t
}

// GetTx fetches one Tx row by id.
func (s *Store) GetTx(ctx context.Context, id int64) (*model.Tx, error) {
	var row txRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tx WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, chainerr.Storage("failed to fetch tx", err, true)
	}
	return row.toModel(), nil
}

// ActiveTxsForSender lists every Tx still owned by the pipeline for the
// given (sender, chain) partition, oldest first.
func (s *Store) ActiveTxsForSender(ctx context.Context, fromAddr string, chainID int64) ([]*model.Tx, error) {
	var rows []txRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM tx WHERE from_addr = ? AND chain_id = ? AND processing > 0 ORDER BY id ASC`,
		fromAddr, chainID)
	if err != nil {
		return nil, chainerr.Storage("failed to list active txs", err, true)
	}
	out := make([]*model.Tx, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// MaxAssignedNonce returns the highest nonce assigned to any active Tx
// for (fromAddr, chainID), or nil if none is assigned yet.
func (s *Store) MaxAssignedNonce(ctx context.Context, fromAddr string, chainID int64) (*int64, error) {
	var max sql.NullInt64
	err := s.db.GetContext(ctx, &max,
		`SELECT MAX(nonce) FROM tx WHERE from_addr = ? AND chain_id = ? AND nonce IS NOT NULL AND processing > 0`,
		fromAddr, chainID)
	if err != nil {
		return nil, chainerr.Storage("failed to read max assigned nonce", err, true)
	}
	if !max.Valid {
		return nil, nil
	}
	return &max.Int64, nil
}

// UnassignedTransfers lists TokenTransfer rows that have not yet been
// attached to a Tx and carry no terminal error, for the batcher to pack.
func (s *Store) UnassignedTransfers(ctx context.Context, chainID int64, limit int) ([]*model.TokenTransfer, error) {
	type row struct {
		ID           int64          `db:"id"`
		PaymentID    string         `db:"payment_id"`
		FromAddr     string         `db:"from_addr"`
		ReceiverAddr string         `db:"receiver_addr"`
		ChainID      int64          `db:"chain_id"`
		TokenAddr    sql.NullString `db:"token_addr"`
		TokenAmount  string         `db:"token_amount"`
		CreatedDate  string         `db:"created_date"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, payment_id, from_addr, receiver_addr, chain_id, token_addr, token_amount, created_date
		 FROM token_transfer WHERE chain_id = ? AND tx_id IS NULL AND error IS NULL ORDER BY id ASC LIMIT ?`,
		chainID, limit)
	if err != nil {
		return nil, chainerr.Storage("failed to list unassigned transfers", err, true)
	}
	out := make([]*model.TokenTransfer, len(rows))
	for i, r := range rows {
		tt := &model.TokenTransfer{
			ID: r.ID, PaymentID: r.PaymentID, FromAddr: r.FromAddr, ReceiverAddr: r.ReceiverAddr,
			ChainID: r.ChainID, TokenAmount: r.TokenAmount,
		}
		if r.TokenAddr.Valid {
			tt.TokenAddr = &r.TokenAddr.String
		}
		tt.CreatedDate, _ = time.Parse(rfc3339, r.CreatedDate)
		out[i] = tt
	}
	return out, nil
}

// GetTokenTransfer fetches one TokenTransfer row by id.
func (s *Store) GetTokenTransfer(ctx context.Context, id int64) (*model.TokenTransfer, error) {
	type row struct {
		ID           int64          `db:"id"`
		PaymentID    string         `db:"payment_id"`
		FromAddr     string         `db:"from_addr"`
		ReceiverAddr string         `db:"receiver_addr"`
		ChainID      int64          `db:"chain_id"`
		TokenAddr    sql.NullString `db:"token_addr"`
		TokenAmount  string         `db:"token_amount"`
		TxID         sql.NullInt64  `db:"tx_id"`
		FeePaid      sql.NullString `db:"fee_paid"`
		PaidDate     sql.NullString `db:"paid_date"`
		Error        sql.NullString `db:"error"`
		CreatedDate  string         `db:"created_date"`
	}
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM token_transfer WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, chainerr.Storage("failed to fetch token_transfer", err, true)
	}
	tt := &model.TokenTransfer{
		ID: r.ID, PaymentID: r.PaymentID, FromAddr: r.FromAddr, ReceiverAddr: r.ReceiverAddr,
		ChainID: r.ChainID, TokenAmount: r.TokenAmount,
	}
	if r.TokenAddr.Valid {
		tt.TokenAddr = &r.TokenAddr.String
	}
	if r.TxID.Valid {
		tt.TxID = &r.TxID.Int64
	}
	if r.FeePaid.Valid {
		tt.FeePaid = &r.FeePaid.String
	}
	if r.Error.Valid {
		tt.Error = &r.Error.String
	}
	tt.PaidDate = parseOptTime(r.PaidDate)
	tt.CreatedDate, _ = time.Parse(rfc3339, r.CreatedDate)
	return tt, nil
}

// InsertChainTxWithTransfers records a confirmed on-chain transaction and
// its extracted transfer lines, then, if txID is nonzero, splits
// feePaidTotal evenly across every TokenTransfer row batched onto txID
// and stamps paidDate on them, all in one transaction. Mirrors the
// original's transaction_from_chain plus its per-transfer fee write.
func (s *Store) InsertChainTxWithTransfers(ctx context.Context, ct *model.ChainTx, transfers []*model.ChainTransfer, txID int64, feePaidTotal *big.Int, paidDate time.Time) (int64, error) {
	var chainTxID int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO chain_tx (tx_hash, from_addr, to_addr, chain_id, gas_limit, gas_used,
				block_number, chain_status, fee_paid, effective_gas_price, blockchain_date, checked_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ct.TxHash, ct.FromAddr, ct.ToAddr, ct.ChainID, ct.GasLimit, ct.GasUsed,
			ct.BlockNumber, ct.ChainStatus, ct.FeePaid, ct.EffectiveGasPrice,
			optTstr(ct.BlockchainDate), tstr(ct.CheckedDate))
		if err != nil {
			return wrapConstraint("failed to insert chain_tx", err)
		}
		chainTxID, err = res.LastInsertId()
		if err != nil {
			return chainerr.Invariant("chain_tx insert returned no id", 0)
		}
		for _, ctr := range transfers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chain_transfer (chain_tx_id, from_addr, receiver_addr, token_addr, token_amount)
				VALUES (?, ?, ?, ?, ?)`,
				chainTxID, ctr.FromAddr, ctr.ReceiverAddr, ctr.TokenAddr, ctr.TokenAmount); err != nil {
				return wrapConstraint("failed to insert chain_transfer", err)
			}
		}
		if txID == 0 {
			return nil
		}
		var ids []int64
		if err := tx.SelectContext(ctx, &ids, `SELECT id FROM token_transfer WHERE tx_id = ? ORDER BY id`, txID); err != nil {
			return chainerr.Storage("failed to list token_transfer rows for tx", err, true)
		}
		if len(ids) == 0 {
			return nil
		}
		n := big.NewInt(int64(len(ids)))
		perFee, remainder := new(big.Int).QuoRem(feePaidTotal, n, new(big.Int))
		if _, err := tx.ExecContext(ctx,
			`UPDATE token_transfer SET fee_paid = ?, paid_date = ? WHERE tx_id = ?`,
			perFee.String(), tstr(paidDate), txID); err != nil {
			return wrapConstraint("failed to mark token_transfer rows paid", err)
		}
		if remainder.Sign() != 0 {
			firstFee := new(big.Int).Add(perFee, remainder)
			if _, err := tx.ExecContext(ctx,
				`UPDATE token_transfer SET fee_paid = ? WHERE id = ?`,
				firstFee.String(), ids[0]); err != nil {
				return wrapConstraint("failed to apply fee remainder to first token_transfer row", err)
			}
		}
		return nil
	})
	return chainTxID, err
}

// UnassignTransfers clears tx_id on every TokenTransfer row batched onto
// txID, so the batcher may retry them under a future Tx. Used on a
// failed or reverted-before-broadcast Tx.
func (s *Store) UnassignTransfers(ctx context.Context, txID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE token_transfer SET tx_id = NULL WHERE tx_id = ?`, txID)
	if err != nil {
		return wrapConstraint("failed to unassign token_transfer rows", err)
	}
	return nil
}

// MarkTransferError records a terminal, non-retryable reason a
// TokenTransfer will never be assigned to a Tx (for example, a zero
// receiver address).
func (s *Store) MarkTransferError(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE token_transfer SET error = ? WHERE id = ?`, reason, id)
	if err != nil {
		return wrapConstraint("failed to mark token_transfer error", err)
	}
	return nil
}

// CreateBatchTx inserts a new Tx row and, in the same transaction, sets
// its id as tx_id on every listed TokenTransfer row, per the batcher's
// step 5. Fails if any transferID is no longer unassigned (already
// claimed by a concurrent batch).
func (s *Store) CreateBatchTx(ctx context.Context, t *model.Tx, transferIDs []int64) (int64, error) {
	var txID int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		id, err := insertTxRow(ctx, tx, t)
		if err != nil {
			return err
		}
		txID = id
		for _, tid := range transferIDs {
			res, err := tx.ExecContext(ctx,
				`UPDATE token_transfer SET tx_id = ? WHERE id = ? AND tx_id IS NULL`, txID, tid)
			if err != nil {
				return wrapConstraint("failed to assign token_transfer to batch", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return chainerr.Invariant("rows affected unavailable after token_transfer update", 0)
			}
			if n != 1 {
				return chainerr.Storage("token_transfer already assigned to another tx", nil, false)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	t.ID = txID
	return txID, nil
}
