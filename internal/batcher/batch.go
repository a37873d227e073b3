package batcher

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/model"
)

// AllowanceReader reports the allowance the batcher's spender currently
// holds over a sender's tokens, so the batcher knows whether an approve
// Tx must run before a batch of ERC-20 transfers can.
type AllowanceReader interface {
	GetAllowance(ctx context.Context, owner, token, spender string, chainID int64) (*model.Allowance, error)
}

// Batch is a group of TokenTransfer rows destined for one Tx.
type Batch struct {
	FromAddr  string
	ChainID   int64
	TokenAddr *string // nil means native gas transfers, never batched
	Transfers []*model.TokenTransfer
}

// Plan groups pending TokenTransfer rows into batches, one per
// (sender, token) pair, respecting the contract's max-at-once limit.
// Native-gas transfers (TokenAddr == nil) are never combined: each gets
// its own single-transfer batch, since there is no multi-payment
// contract call for plain value transfers.
func Plan(transfers []*model.TokenTransfer, maxAtOnce int) []Batch {
	if maxAtOnce <= 0 {
		maxAtOnce = 1
	}

	type bucketKey struct {
		from  string
		token string
	}
	order := make([]bucketKey, 0)
	buckets := make(map[bucketKey][]*model.TokenTransfer)

	for _, t := range transfers {
		if t.TokenAddr == nil {
			order = append(order, bucketKey{from: t.FromAddr, token: ""})
			buckets[bucketKey{from: t.FromAddr, token: ""}] = append(buckets[bucketKey{from: t.FromAddr, token: ""}], t)
			continue
		}
		k := bucketKey{from: t.FromAddr, token: *t.TokenAddr}
		if _, ok := buckets[k]; !ok {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], t)
	}

	var out []Batch
	seen := make(map[bucketKey]bool)
	for _, k := range order {
		if seen[k] {
			continue
		}
		seen[k] = true
		items := buckets[k]

		if k.token == "" {
			for _, t := range items {
				out = append(out, Batch{FromAddr: k.from, ChainID: t.ChainID, Transfers: []*model.TokenTransfer{t}})
			}
			continue
		}

		token := k.token
		for len(items) > 0 {
			n := maxAtOnce
			if n > len(items) {
				n = len(items)
			}
			chunk := items[:n]
			items = items[n:]
			out = append(out, Batch{FromAddr: k.from, ChainID: chunk[0].ChainID, TokenAddr: &token, Transfers: chunk})
		}
	}
	return out
}

// IsMulti reports whether a Batch needs the multi-payment contract call
// rather than a plain ERC-20 transfer/native value send.
func (b Batch) IsMulti() bool {
	return b.TokenAddr != nil && len(b.Transfers) > 1
}

// RequiredAllowance sums the batch's transfer amounts, the allowance the
// multi-payment contract needs approved before the batch's Tx can be
// sent.
func (b Batch) RequiredAllowance() (*big.Int, error) {
	sum := new(big.Int)
	for _, t := range b.Transfers {
		amount, ok := new(big.Int).SetString(t.TokenAmount, 10)
		if !ok {
			return nil, chainerr.Invariant("token_amount is not a valid decimal integer", 0)
		}
		sum.Add(sum, amount)
	}
	return sum, nil
}

// NeedsApproval reports whether spender's current allowance for owner's
// token is below the batch's required amount, using AllowanceReader.
func NeedsApproval(ctx context.Context, reader AllowanceReader, b Batch, spender string) (bool, error) {
	if b.TokenAddr == nil {
		return false, nil
	}
	required, err := b.RequiredAllowance()
	if err != nil {
		return false, err
	}
	a, err := reader.GetAllowance(ctx, b.FromAddr, *b.TokenAddr, spender, b.ChainID)
	if err != nil {
		return true, nil // no allowance on record, conservatively approve
	}
	current, ok := new(big.Int).SetString(a.Allowance, 10)
	if !ok {
		return true, nil
	}
	return current.Cmp(required) < 0, nil
}

// Receivers returns the batch's receiver addresses in transfer order,
// for PackTransfers.
func (b Batch) Receivers() []common.Address {
	out := make([]common.Address, len(b.Transfers))
	for i, t := range b.Transfers {
		out[i] = common.HexToAddress(t.ReceiverAddr)
	}
	return out
}

// Amounts returns the batch's transfer amounts in transfer order, for
// PackTransfers.
func (b Batch) Amounts() ([]*big.Int, error) {
	out := make([]*big.Int, len(b.Transfers))
	for i, t := range b.Transfers {
		a, ok := new(big.Int).SetString(t.TokenAmount, 10)
		if !ok {
			return nil, chainerr.Invariant("token_amount is not a valid decimal integer", 0)
		}
		out[i] = a
	}
	return out, nil
}
