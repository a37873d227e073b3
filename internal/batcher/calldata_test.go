package batcher

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferCallDataEncodesSelectorAndArgs(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000001")
	data, err := TransferCallData(to, big.NewInt(1000))
	require.NoError(t, err)

	method, err := erc20ABI.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "transfer", method.Name)

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, to, args[0])
	assert.Equal(t, big.NewInt(1000), args[1])
}

func TestApproveCallDataEncodesSelectorAndArgs(t *testing.T) {
	spender := common.HexToAddress("0x00000000000000000000000000000000000002")
	data, err := ApproveCallData(spender, big.NewInt(42))
	require.NoError(t, err)

	method, err := erc20ABI.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "approve", method.Name)
}

func TestMultiTransferCallDataEncodesPackedWords(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000003")
	receivers := []common.Address{common.HexToAddress("0x00000000000000000000000000000000000004")}
	amounts := []*big.Int{big.NewInt(7)}
	packed, _, err := PackTransfers(receivers, amounts)
	require.NoError(t, err)

	data, err := MultiTransferCallData(token, packed)
	require.NoError(t, err)

	method, err := multiPaymentABI.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "golemTransfer", method.Name)

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, token, args[0])
}
