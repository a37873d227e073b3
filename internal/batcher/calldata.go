package batcher

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
)

// erc20ABIJSON is the standard ERC-20 transfer/approve fragment; every
// deployed token implements it identically, so there is no need to load
// a per-token ABI file.
const erc20ABIJSON = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// multiPaymentABIJSON describes the multi-payment contract's batched
// transfer entry point. No ABI or contract source for this function
// ships with the retrieved reference material (only the packed-word
// layout the Rust implementation computes); golemTransfer is a
// descriptive name chosen for this driver's own deployment, not a
// verified mainnet selector.
const multiPaymentABIJSON = `[
	{"constant":false,"inputs":[{"name":"token","type":"address"},{"name":"packed","type":"bytes32[]"}],"name":"golemTransfer","outputs":[],"type":"function"}
]`

var (
	erc20ABI        abi.ABI
	multiPaymentABI abi.ABI
)

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("batcher: invalid erc20 ABI fragment: " + err.Error())
	}
	multiPaymentABI, err = abi.JSON(strings.NewReader(multiPaymentABIJSON))
	if err != nil {
		panic("batcher: invalid multi-payment ABI fragment: " + err.Error())
	}
}

// TransferCallData encodes a standard ERC-20 transfer(to, value) call.
func TransferCallData(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, chainerr.Invariant("failed to encode transfer calldata", 0)
	}
	return data, nil
}

// ApproveCallData encodes a standard ERC-20 approve(spender, value) call.
func ApproveCallData(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, chainerr.Invariant("failed to encode approve calldata", 0)
	}
	return data, nil
}

// MultiTransferCallData encodes a call to the multi-payment contract's
// batched transfer entry point over packed's packed (receiver, amount)
// words, moving token's tokens out of the caller's balance.
func MultiTransferCallData(token common.Address, packed [][32]byte) ([]byte, error) {
	data, err := multiPaymentABI.Pack("golemTransfer", token, packed)
	if err != nil {
		return nil, chainerr.Invariant("failed to encode multi-transfer calldata", 0)
	}
	return data, nil
}
