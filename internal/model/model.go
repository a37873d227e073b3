// Package model defines the durable entities of the payment engine, as
// described in the data model: TokenTransfer, Tx, ChainTx, ChainTransfer,
// Allowance, TransferIn and ScanInfo. Monetary amounts are decimal strings
// in the smallest on-chain unit; addresses and hashes are lowercase hex
// with a 0x prefix; timestamps are UTC.
package model

import "time"

// TokenTransfer is a durable intent to move tokens, owned by callers until
// it is assigned to a Tx.
type TokenTransfer struct {
	ID            int64
	PaymentID     string
	FromAddr      string
	ReceiverAddr  string
	ChainID       int64
	TokenAddr     *string // nil means the chain's native gas token
	TokenAmount   string  // decimal wei string
	TxID          *int64
	FeePaid       *string
	PaidDate      *time.Time
	Error         *string
	CreatedDate   time.Time
}

// Tx is an outbound on-chain transaction attempt.
type Tx struct {
	ID                int64
	Method            string
	FromAddr          string
	ToAddr            string
	ChainID           int64
	Nonce             *int64
	GasLimit          *int64
	MaxFeePerGas      *string
	PriorityFee       *string
	Val               string
	CallData          *string
	SignedRawData     *string
	TxHash            *string
	BroadcastCount    int64
	CreatedDate       time.Time
	FirstProcessed    *time.Time
	SignedDate        *time.Time
	BroadcastDate     *time.Time
	FirstStuckDate    *time.Time
	ConfirmDate       *time.Time
	BlockNumber       *int64
	ChainStatus       *int64 // 1 = success, 0 = reverted
	FeePaid           *string
	GasUsed           *int64
	EffectiveGasPrice *string
	Error             *string
	OrigTxID          *int64 // points at the root of the replacement chain
	Processing        int64  // 0 = inactive, >0 = active

	// EngineMessage/EngineError are scratch breadcrumbs the sender loop
	// leaves on a row without touching Error, which is reserved for
	// terminal failures. Ported from the original's engine_message/
	// engine_error columns.
	EngineMessage *string
	EngineError   *string
}

// IsReplacement reports whether this Tx replaces an earlier attempt.
func (t *Tx) IsReplacement() bool { return t.OrigTxID != nil }

// IsActive reports whether the pipeline still owns this row.
func (t *Tx) IsActive() bool { return t.Processing > 0 }

// ChainTx is a confirmed on-chain transaction observed on the ledger, ours
// or externally imported.
type ChainTx struct {
	ID                int64
	TxHash            string
	FromAddr          string
	ToAddr            string
	ChainID           int64
	GasLimit          *int64
	GasUsed           *int64
	BlockNumber       *int64
	ChainStatus       int64 // 0 or 1, always known once a row exists
	FeePaid           *string
	EffectiveGasPrice *string
	BlockchainDate    *time.Time
	CheckedDate       time.Time
}

// ChainTransfer is one debit/credit line item extracted from a confirmed
// ChainTx's receipt (its value field, or an ERC-20 Transfer log).
type ChainTransfer struct {
	ID           int64
	ChainTxID    int64
	FromAddr     string
	ReceiverAddr string
	TokenAddr    *string
	TokenAmount  string
}

// Allowance is a record of an approval granted by Owner to Spender for
// TokenAddr on ChainID.
type Allowance struct {
	ID             int64
	Owner          string
	TokenAddr      string
	Spender        string
	ChainID        int64
	Allowance      string // amount currently approved, as last observed
	AllowanceAfter *string // amount the approval Tx being processed will leave
	FeePaid        *string
	TxID           *int64
	ConfirmedDate  *time.Time
	CreatedDate    time.Time
	ExpiresDate    *time.Time
}

// IsExpired reports whether this Allowance row may no longer be trusted.
func (a *Allowance) IsExpired(now time.Time) bool {
	return a.ExpiresDate != nil && now.After(*a.ExpiresDate)
}

// TransferIn is an inbound payment expectation, the counterpart of
// TokenTransfer, used to reconcile imported receipts.
type TransferIn struct {
	ID            int64
	PaymentID     string
	FromAddr      string
	ReceiverAddr  string
	ChainID       int64
	TokenAddr     *string
	TokenAmount   string
	TxHash        *string
	RequestedDate time.Time
	ReceivedDate  *time.Time
}

// ScanInfo records, for each (chain_id, filter), the block window already
// scanned.
type ScanInfo struct {
	ChainID    int64
	Filter     string
	StartBlock int64
	LastBlock  int64
}
