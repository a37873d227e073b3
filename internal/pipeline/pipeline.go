// Package pipeline drives each Tx row through its state machine: Created
// (unsigned), Signed, Broadcast, then Confirmed or Failed. The sender
// loop advances one active row one transition per tick, persisting the
// row before returning, so a crash mid-transition never loses more than
// the in-flight step.
package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/events"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/metrics"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/model"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/signer"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/store"
)

// Chain is the JSON-RPC surface the pipeline needs from a chain's
// endpoint pool.
type Chain interface {
	EstimateGas(ctx context.Context, chainID int64, from, to string, value *big.Int, data []byte) (uint64, error)
	BaseFeePerGas(ctx context.Context, chainID int64) (*big.Int, error)
	SendRawTransaction(ctx context.Context, chainID int64, raw []byte) (string, error)
	TransactionReceipt(ctx context.Context, chainID int64, txHash string) (*Receipt, error)
	HeadBlockNumber(ctx context.Context, chainID int64) (uint64, error)
}

// Receipt is the subset of an eth_getTransactionReceipt result the
// pipeline needs.
type Receipt struct {
	Found             bool
	Status            uint64 // 1 success, 0 reverted
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Logs              []TransferLog
}

// TransferLog is one ERC-20 Transfer event extracted from a receipt. A
// plain value transfer has no entry: a native-token Tx confirms with no
// ChainTransfer rows and publishes no TransferFinished event.
type TransferLog struct {
	TokenAddr *string
	From      string
	To        string
	Amount    *big.Int
}

// ChainConfig is the fee/timing policy the pipeline reads per chain.
type ChainConfig struct {
	ChainID            int64
	PriorityFeeGwei    float64
	MaxFeePerGasGwei   float64
	TransactionTimeout time.Duration
	ConfirmationBlocks int64
	AutomaticRecover   bool
}

// Driver advances Tx rows for one (sender, chain) partition.
type Driver struct {
	Store   store.TxStore
	Chain   Chain
	Signer  signer.Signer
	Bus     *events.Bus
	Metrics metrics.Recorder
	Now     func() time.Time
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func ptr[T any](v T) *T { return &v }

// Advance drives t one state transition forward and persists the
// result. It returns the (possibly updated) Tx.
func (d *Driver) Advance(ctx context.Context, t *model.Tx, cfg ChainConfig) (*model.Tx, error) {
	var err error
	switch {
	case t.SignedRawData == nil:
		err = d.stepCreated(ctx, t, cfg)
	case t.BroadcastDate == nil:
		err = d.stepSigned(ctx, t, cfg)
	default:
		err = d.stepBroadcast(ctx, t, cfg)
	}
	d.Metrics.RecordTxStage("advance", t.ChainID, err)
	return t, err
}

// stepCreated estimates gas, picks fee fields, requests a signature, and
// stores the signed payload. A signer failure leaves the row untouched
// for the next tick and publishes CantSign rather than failing the Tx.
func (d *Driver) stepCreated(ctx context.Context, t *model.Tx, cfg ChainConfig) error {
	var data []byte
	if t.CallData != nil {
		data = common.FromHex(*t.CallData)
	}
	value, ok := new(big.Int).SetString(t.Val, 10)
	if !ok {
		return chainerr.Invariant("tx.val is not a valid decimal integer", 0)
	}

	gasLimit, err := d.Chain.EstimateGas(ctx, t.ChainID, t.FromAddr, t.ToAddr, value, data)
	if err != nil {
		if chainerr.Is(err, chainerr.ClassSemantic) {
			t.Error = ptr(err.Error())
			t.Processing = 0
			d.Bus.Publish(events.Event{CreateDate: d.now(), Kind: events.KindTransactionFailed, TxID: t.ID, ChainID: t.ChainID, FailReason: err.Error()})
			if err := d.Store.UnassignTransfers(ctx, t.ID); err != nil {
				return err
			}
			return d.Store.UpdateTx(ctx, t)
		}
		return err
	}

	baseFee, err := d.Chain.BaseFeePerGas(ctx, t.ChainID)
	if err != nil {
		return err
	}
	priorityFee := gweiToWei(cfg.PriorityFeeGwei)
	maxFee := new(big.Int).Add(baseFee, priorityFee)
	if cap := gweiToWei(cfg.MaxFeePerGasGwei); cap.Sign() > 0 && maxFee.Cmp(cap) > 0 {
		maxFee = cap
	}

	gl := int64(gasLimit)
	t.GasLimit = &gl
	t.MaxFeePerGas = ptr(maxFee.String())
	t.PriorityFee = ptr(priorityFee.String())

	nonce := int64(0)
	if t.Nonce != nil {
		nonce = *t.Nonce
	}
	txdata := &types.DynamicFeeTx{
		ChainID:   big.NewInt(t.ChainID),
		Nonce:     uint64(nonce),
		GasFeeCap: maxFee,
		GasTipCap: priorityFee,
		Gas:       gasLimit,
		To:        addrPtr(t.ToAddr),
		Value:     value,
		Data:      data,
	}

	if !d.Signer.CanSign(t.FromAddr) {
		d.Bus.Publish(events.Event{CreateDate: d.now(), Kind: events.KindCantSign, TxID: t.ID, ChainID: t.ChainID, Address: t.FromAddr})
		return nil // leave row pending, retried next tick
	}

	raw, hash, err := d.Signer.Sign(ctx, t.FromAddr, big.NewInt(t.ChainID), txdata)
	if err != nil {
		if chainerr.Is(err, chainerr.ClassSigning) {
			d.Bus.Publish(events.Event{CreateDate: d.now(), Kind: events.KindCantSign, TxID: t.ID, ChainID: t.ChainID, Address: t.FromAddr})
			return nil // leave row pending, retried next tick
		}
		return err
	}

	t.SignedRawData = ptr(string(raw))
	t.TxHash = &hash
	t.SignedDate = ptr(d.now())
	if t.FirstProcessed == nil {
		t.FirstProcessed = ptr(d.now())
	}
	return d.Store.UpdateTx(ctx, t)
}

// stepSigned broadcasts a signed Tx. already-known and nonce-too-low
// responses are treated as broadcast success since some other path
// already delivered this nonce to the chain; underpriced marks the Tx
// broadcast so that stepBroadcast's stuck handling produces a fee-bumped
// replacement once the transaction timeout has elapsed.
func (d *Driver) stepSigned(ctx context.Context, t *model.Tx, cfg ChainConfig) error {
	_, err := d.Chain.SendRawTransaction(ctx, t.ChainID, []byte(*t.SignedRawData))
	t.BroadcastCount++

	if err != nil {
		reason, isSemantic := chainerr.AsSemantic(err)
		switch {
		case isSemantic && (reason == chainerr.SemanticAlreadyKnown || reason == chainerr.SemanticNonceTooLow):
			// idempotent: proceed as if broadcast succeeded
		case isSemantic && reason == chainerr.SemanticInsufficientFunds:
			t.BroadcastDate = ptr(d.now())
			d.Bus.Publish(events.Event{CreateDate: d.now(), Kind: events.KindStatusChanged, ChainID: t.ChainID, Address: t.FromAddr,
				Status: []events.StatusProperty{{Kind: events.StatusNoGas, ChainID: t.ChainID, Address: t.FromAddr}}})
			return d.Store.UpdateTx(ctx, t)
		case isSemantic && reason == chainerr.SemanticUnderpriced:
			t.BroadcastDate = ptr(d.now())
			return d.Store.UpdateTx(ctx, t) // next tick's stepBroadcast evaluates replacement
		case chainerr.Is(err, chainerr.ClassTransport):
			return err // retried next tick against another endpoint
		default:
			return err
		}
	}

	t.BroadcastDate = ptr(d.now())
	return d.Store.UpdateTx(ctx, t)
}

// stepBroadcast polls for a receipt and advances to Confirmed, Failed,
// or produces a fee-bumped replacement when the Tx is stuck.
func (d *Driver) stepBroadcast(ctx context.Context, t *model.Tx, cfg ChainConfig) error {
	receipt, err := d.Chain.TransactionReceipt(ctx, t.ChainID, *t.TxHash)
	if err != nil {
		return err
	}

	if !receipt.Found {
		elapsed := d.now().Sub(*t.BroadcastDate)
		if elapsed < cfg.TransactionTimeout {
			// within timeout: re-send the signed payload once per tick; a
			// semantic answer (already known, nonce too low) is expected
			// and ignored, a transport error is retried next tick
			_, sendErr := d.Chain.SendRawTransaction(ctx, t.ChainID, []byte(*t.SignedRawData))
			t.BroadcastCount++
			if sendErr != nil && chainerr.Is(sendErr, chainerr.ClassTransport) {
				return sendErr
			}
			return d.Store.UpdateTx(ctx, t)
		}
		if t.FirstStuckDate == nil {
			t.FirstStuckDate = ptr(d.now())
		}
		d.Bus.Publish(events.Event{CreateDate: d.now(), Kind: events.KindTransactionStuck, TxID: t.ID, ChainID: t.ChainID, StuckReason: events.StuckGasPriceLow})
		return d.replace(ctx, t)
	}

	head, err := d.Chain.HeadBlockNumber(ctx, t.ChainID)
	if err != nil {
		return err
	}

	if receipt.Status == 0 {
		t.Error = ptr("transaction reverted")
		t.ChainStatus = ptr(int64(0))
		t.BlockNumber = ptr(int64(receipt.BlockNumber))
		t.Processing = 0
		d.Bus.Publish(events.Event{CreateDate: d.now(), Kind: events.KindTransactionFailed, TxID: t.ID, ChainID: t.ChainID, FailReason: "reverted"})
		if err := d.Store.UnassignTransfers(ctx, t.ID); err != nil {
			return err
		}
		if err := d.Store.UpdateTx(ctx, t); err != nil {
			return err
		}
		// The chain consumed this nonce whether or not the call reverted:
		// any earlier fee-bump sibling sharing it can never be mined now.
		return d.supersedeEarlierAttempts(ctx, t)
	}

	confirmations := int64(head) - int64(receipt.BlockNumber)
	if confirmations < cfg.ConfirmationBlocks {
		return nil
	}

	return d.confirm(ctx, t, receipt)
}

// replace synthesizes a new Tx sharing (from_addr, chain_id, nonce) with
// a bumped fee, leaving both rows active; only the latest is broadcast
// going forward. orig_tx_id always points at the root of the chain so a
// long replacement chain still resolves in one hop.
func (d *Driver) replace(ctx context.Context, t *model.Tx) error {
	origID := t.ID
	if t.OrigTxID != nil {
		origID = *t.OrigTxID
	}

	bumpedFee, err := bump125(*t.MaxFeePerGas)
	if err != nil {
		return err
	}
	bumpedTip, err := bump125(*t.PriorityFee)
	if err != nil {
		return err
	}

	replacement := &model.Tx{
		Method:       t.Method,
		FromAddr:     t.FromAddr,
		ToAddr:       t.ToAddr,
		ChainID:      t.ChainID,
		Nonce:        t.Nonce,
		GasLimit:     t.GasLimit,
		MaxFeePerGas: ptr(bumpedFee.String()),
		PriorityFee:  ptr(bumpedTip.String()),
		Val:          t.Val,
		CallData:     t.CallData,
		OrigTxID:     &origID,
		Processing:   1,
		CreatedDate:  d.now(),
	}
	if _, err := d.Store.InsertTx(ctx, replacement); err != nil {
		return err
	}
	return d.Store.UpdateTx(ctx, t) // t.Processing stays 1: superseded only on confirmation
}

// confirm writes the ChainTx/ChainTransfer rows for a successful
// receipt and marks this Tx, and every earlier Tx sharing its nonce,
// inactive.
func (d *Driver) confirm(ctx context.Context, t *model.Tx, receipt *Receipt) error {
	effGasPrice := receipt.EffectiveGasPrice
	if effGasPrice == nil {
		effGasPrice = new(big.Int)
	}
	feePaid := new(big.Int).Mul(effGasPrice, big.NewInt(int64(receipt.GasUsed)))

	ct := &model.ChainTx{
		TxHash:            *t.TxHash,
		FromAddr:          t.FromAddr,
		ToAddr:            t.ToAddr,
		ChainID:           t.ChainID,
		GasUsed:           ptr(int64(receipt.GasUsed)),
		BlockNumber:       ptr(int64(receipt.BlockNumber)),
		ChainStatus:       1,
		FeePaid:           ptr(feePaid.String()),
		EffectiveGasPrice: ptr(effGasPrice.String()),
		CheckedDate:       d.now(),
	}

	transfers := make([]*model.ChainTransfer, len(receipt.Logs))
	for i, lg := range receipt.Logs {
		transfers[i] = &model.ChainTransfer{
			FromAddr:     lg.From,
			ReceiverAddr: lg.To,
			TokenAddr:    lg.TokenAddr,
			TokenAmount:  lg.Amount.String(),
		}
	}

	if _, err := d.Store.InsertChainTxWithTransfers(ctx, ct, transfers, t.ID, feePaid, d.now()); err != nil {
		return err
	}

	t.ConfirmDate = ptr(d.now())
	t.BlockNumber = ptr(int64(receipt.BlockNumber))
	t.ChainStatus = ptr(int64(1))
	t.GasUsed = ptr(int64(receipt.GasUsed))
	t.EffectiveGasPrice = ptr(effGasPrice.String())
	t.FeePaid = ptr(feePaid.String())
	t.Processing = 0
	if err := d.Store.UpdateTx(ctx, t); err != nil {
		return err
	}

	if err := d.supersedeEarlierAttempts(ctx, t); err != nil {
		return err
	}

	d.Bus.Publish(events.Event{CreateDate: d.now(), Kind: events.KindTransactionConfirmed, TxID: t.ID, ChainID: t.ChainID, TxHash: *t.TxHash})
	for range transfers {
		d.Bus.Publish(events.Event{CreateDate: d.now(), Kind: events.KindTransferFinished, TxID: t.ID, ChainID: t.ChainID,
			Transfer: events.TransferFinishedInfo{TxHash: *t.TxHash}})
	}
	return nil
}

// supersedeEarlierAttempts marks every active Tx sharing t's (nonce,
// sender, chain) other than t itself inactive, since the chain accepted
// only one of them.
func (d *Driver) supersedeEarlierAttempts(ctx context.Context, t *model.Tx) error {
	active, err := d.Store.ActiveTxsForSender(ctx, t.FromAddr, t.ChainID)
	if err != nil {
		return err
	}
	for _, other := range active {
		if other.ID == t.ID || other.Nonce == nil || t.Nonce == nil || *other.Nonce != *t.Nonce {
			continue
		}
		other.Processing = 0
		if err := d.Store.UpdateTx(ctx, other); err != nil {
			return err
		}
	}
	return nil
}

func gweiToWei(gwei float64) *big.Int {
	wei := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	out, _ := wei.Int(nil)
	return out
}

// bump125 increases a decimal wei string by at least 12.5%, the minimum
// replacement bump most chains enforce.
func bump125(weiStr string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(weiStr, 10)
	if !ok {
		return nil, chainerr.Invariant(fmt.Sprintf("fee field %q is not a valid decimal integer", weiStr), 0)
	}
	bumped := new(big.Int).Mul(v, big.NewInt(1125))
	bumped.Div(bumped, big.NewInt(1000))
	if bumped.Cmp(v) <= 0 {
		bumped = new(big.Int).Add(v, big.NewInt(1))
	}
	return bumped, nil
}

func addrPtr(hexAddr string) *common.Address {
	a := common.HexToAddress(hexAddr)
	return &a
}
