package engine

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/batcher"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/config"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/model"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/nonce"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/signer"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/store"
)

// unassignedBatchLimit bounds how many pending TokenTransfer rows a
// single RunBatch tick pulls from storage.
const unassignedBatchLimit = 200

// maxApprovalAmount is the uint256 max, used for the one-time approve
// call that grants the multi-payment contract an effectively unlimited
// allowance once NeedsApproval says the current one is insufficient.
var maxApprovalAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// txBatcher turns pending TokenTransfer rows into Tx rows, satisfying
// scheduler.Batcher. Each chain owns its own instance since the
// multi-payment contract address and max-at-once limit are per-chain.
type txBatcher struct {
	store  *store.Store
	nonces *nonce.Manager
	signer signer.Signer

	multiContract *config.MultiContract
}

// RunBatch selects up to unassignedBatchLimit unassigned TokenTransfer
// rows for chainID, groups them into batches, and turns each batch into a Tx row (or an approval Tx,
// when the multi-payment contract's allowance is insufficient).
func (b *txBatcher) RunBatch(ctx context.Context, chainID int64) error {
	transfers, err := b.store.UnassignedTransfers(ctx, chainID, unassignedBatchLimit)
	if err != nil {
		return err
	}
	if len(transfers) == 0 {
		return nil
	}

	live := transfers[:0]
	for _, t := range transfers {
		if isZeroAddress(t.ReceiverAddr) {
			_ = b.store.MarkTransferError(ctx, t.ID, "receiver address is the zero address")
			continue
		}
		live = append(live, t)
	}
	if len(live) == 0 {
		return nil
	}

	maxAtOnce := 1
	if b.multiContract != nil && b.multiContract.MaxAtOnce > 0 {
		maxAtOnce = b.multiContract.MaxAtOnce
	}

	var firstErr error
	for _, bat := range batcher.Plan(live, maxAtOnce) {
		if err := b.sendBatch(ctx, bat); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sendBatch turns one batch into a Tx row. A batch whose sender is not
// held by the signer is left pending; it will be retried on the next
// tick once (if ever) a matching key is loaded.
func (b *txBatcher) sendBatch(ctx context.Context, bat batcher.Batch) error {
	if !b.signer.CanSign(bat.FromAddr) {
		return nil
	}

	if bat.IsMulti() {
		needs, err := batcher.NeedsApproval(ctx, b.store, bat, b.multiContractAddr())
		if err != nil {
			return err
		}
		if needs {
			return b.sendApproval(ctx, bat)
		}
	}

	n, err := b.nonces.Next(ctx, bat.FromAddr, bat.ChainID)
	if err != nil {
		return err
	}

	var toAddr string
	var callData []byte
	if bat.IsMulti() {
		receivers := bat.Receivers()
		amounts, err := bat.Amounts()
		if err != nil {
			return err
		}
		packed, _, err := batcher.PackTransfers(receivers, amounts)
		if err != nil {
			return err
		}
		toAddr = b.multiContractAddr()
		callData, err = batcher.MultiTransferCallData(common.HexToAddress(*bat.TokenAddr), packed)
		if err != nil {
			return err
		}
	} else {
		single := bat.Transfers[0]
		amount, ok := new(big.Int).SetString(single.TokenAmount, 10)
		if !ok {
			return chainerr.Invariant("token_amount is not a valid decimal integer", 0)
		}
		if single.TokenAddr == nil {
			toAddr = single.ReceiverAddr
		} else {
			toAddr = *single.TokenAddr
			callData, err = batcher.TransferCallData(common.HexToAddress(single.ReceiverAddr), amount)
			if err != nil {
				return err
			}
		}
	}

	rawCallData := hexOrNil(callData)
	tx := &model.Tx{
		Method:      batchMethod(bat),
		FromAddr:    bat.FromAddr,
		ToAddr:      toAddr,
		ChainID:     bat.ChainID,
		Nonce:       &n,
		Val:         batchValue(bat),
		CallData:    rawCallData,
		Processing:  1,
		CreatedDate: time.Now(),
	}

	ids := make([]int64, len(bat.Transfers))
	for i, t := range bat.Transfers {
		ids[i] = t.ID
	}
	_, err = b.store.CreateBatchTx(ctx, tx, ids)
	return err
}

// sendApproval builds and stores a max-allowance approve Tx for the
// multi-payment contract. It is not bound to any TokenTransfer row: the
// batch it unblocks is retried, and rebatched, on a later tick once the
// approval confirms.
func (b *txBatcher) sendApproval(ctx context.Context, bat batcher.Batch) error {
	n, err := b.nonces.Next(ctx, bat.FromAddr, bat.ChainID)
	if err != nil {
		return err
	}
	callData, err := batcher.ApproveCallData(common.HexToAddress(b.multiContractAddr()), maxApprovalAmount)
	if err != nil {
		return err
	}
	tx := &model.Tx{
		Method:      "approve",
		FromAddr:    bat.FromAddr,
		ToAddr:      *bat.TokenAddr,
		ChainID:     bat.ChainID,
		Nonce:       &n,
		Val:         "0",
		CallData:    hexOrNil(callData),
		Processing:  1,
		CreatedDate: time.Now(),
	}
	_, err = b.store.InsertTx(ctx, tx)
	return err
}

func (b *txBatcher) multiContractAddr() string {
	if b.multiContract == nil {
		return ""
	}
	return b.multiContract.Address
}

func batchMethod(bat batcher.Batch) string {
	switch {
	case bat.IsMulti():
		return "multiTransfer"
	case bat.TokenAddr != nil:
		return "transfer"
	default:
		return "transfer"
	}
}

func batchValue(bat batcher.Batch) string {
	if bat.TokenAddr != nil {
		return "0"
	}
	return bat.Transfers[0].TokenAmount
}

func isZeroAddress(addr string) bool {
	return common.HexToAddress(addr) == (common.Address{})
}

func hexOrNil(data []byte) *string {
	if len(data) == 0 {
		return nil
	}
	s := "0x" + common.Bytes2Hex(data)
	return &s
}
