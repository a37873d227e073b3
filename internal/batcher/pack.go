// Package batcher packs multiple token transfers into the argument list
// of a single multi-payment contract call, and decides when a batch of
// pending TokenTransfer rows is ready to be sent as one Tx rather than
// many. The packing layout is bit-for-bit the one the multi-payment
// contract expects: each 32-byte word's high 20 bytes hold the receiver
// address and its low 12 bytes hold the amount, which must fit under
// 2^96.
package batcher

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
)

// maxPackedAmount is 2^96, the first value a packed word cannot hold
// alongside a 20-byte address.
var maxPackedAmount = new(big.Int).Lsh(big.NewInt(1), 96)

// PackTransfers encodes each (receiver, amount) pair into a 32-byte word
// and returns the packed words plus their summed amount. It fails if any
// amount does not fit in the low 96 bits.
func PackTransfers(receivers []common.Address, amounts []*big.Int) ([][32]byte, *big.Int, error) {
	if len(receivers) != len(amounts) {
		return nil, nil, chainerr.Invariant("receivers and amounts must have equal length", 0)
	}

	packed := make([][32]byte, len(receivers))
	sum := new(big.Int)
	for i, amount := range amounts {
		if amount.Sign() < 0 || amount.Cmp(maxPackedAmount) >= 0 {
			return nil, nil, chainerr.Semantic(chainerr.SemanticUnknown,
				fmt.Sprintf("amount for %s is too big to pack: %s", receivers[i].Hex(), amount.String()), nil)
		}

		var word [32]byte
		amount.FillBytes(word[20:32]) // low 12 bytes
		copy(word[0:20], receivers[i].Bytes())
		packed[i] = word

		sum.Add(sum, amount)
	}
	return packed, sum, nil
}

// UnpackTransfer inverts one packed word back into its receiver and
// amount, used by tests to check the packing round-trips.
func UnpackTransfer(word [32]byte) (common.Address, *big.Int) {
	addr := common.BytesToAddress(word[0:20])
	amount := new(big.Int).SetBytes(word[20:32])
	return addr, amount
}
