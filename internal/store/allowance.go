package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/model"
)

// UpsertAllowance records the allowance currently believed to be in
// effect for (owner, token, spender, chain), keyed by that tuple.
func (s *Store) UpsertAllowance(ctx context.Context, a *model.Allowance) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO allowance (owner, token_addr, spender, chain_id, allowance, allowance_after,
			fee_paid, tx_id, confirmed_date, created_date, expires_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, token_addr, spender, chain_id) DO UPDATE SET
			allowance=excluded.allowance,
			allowance_after=excluded.allowance_after,
			fee_paid=excluded.fee_paid,
			tx_id=excluded.tx_id,
			confirmed_date=excluded.confirmed_date,
			expires_date=excluded.expires_date`,
		a.Owner, a.TokenAddr, a.Spender, a.ChainID, a.Allowance, a.AllowanceAfter,
		a.FeePaid, a.TxID, optTstr(a.ConfirmedDate), tstr(a.CreatedDate), optTstr(a.ExpiresDate))
	if err != nil {
		return 0, wrapConstraint("failed to upsert allowance", err)
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		return id, nil
	}
	var id int64
	if err := s.db.GetContext(ctx, &id,
		`SELECT id FROM allowance WHERE owner=? AND token_addr=? AND spender=? AND chain_id=?`,
		a.Owner, a.TokenAddr, a.Spender, a.ChainID); err != nil {
		return 0, chainerr.Storage("failed to read back allowance id", err, true)
	}
	return id, nil
}

// GetAllowance fetches the allowance record for the given tuple, if any.
func (s *Store) GetAllowance(ctx context.Context, owner, token, spender string, chainID int64) (*model.Allowance, error) {
	type row struct {
		ID             int64          `db:"id"`
		Owner          string         `db:"owner"`
		TokenAddr      string         `db:"token_addr"`
		Spender        string         `db:"spender"`
		ChainID        int64          `db:"chain_id"`
		Allowance      string         `db:"allowance"`
		AllowanceAfter sql.NullString `db:"allowance_after"`
		FeePaid        sql.NullString `db:"fee_paid"`
		TxID           sql.NullInt64  `db:"tx_id"`
		ConfirmedDate  sql.NullString `db:"confirmed_date"`
		CreatedDate    string         `db:"created_date"`
		ExpiresDate    sql.NullString `db:"expires_date"`
	}
	var r row
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM allowance WHERE owner=? AND token_addr=? AND spender=? AND chain_id=?`,
		owner, token, spender, chainID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, chainerr.Storage("failed to fetch allowance", err, true)
	}
	a := &model.Allowance{
		ID: r.ID, Owner: r.Owner, TokenAddr: r.TokenAddr, Spender: r.Spender,
		ChainID: r.ChainID, Allowance: r.Allowance,
	}
	a.CreatedDate, _ = time.Parse(rfc3339, r.CreatedDate)
	if r.AllowanceAfter.Valid {
		a.AllowanceAfter = &r.AllowanceAfter.String
	}
	if r.FeePaid.Valid {
		a.FeePaid = &r.FeePaid.String
	}
	if r.TxID.Valid {
		a.TxID = &r.TxID.Int64
	}
	a.ConfirmedDate = parseOptTime(r.ConfirmedDate)
	a.ExpiresDate = parseOptTime(r.ExpiresDate)
	return a, nil
}
