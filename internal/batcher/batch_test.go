package batcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/model"
)

func addr(s string) *string { return &s }

func TestPlanNeverCombinesNativeTransfers(t *testing.T) {
	transfers := []*model.TokenTransfer{
		{ID: 1, FromAddr: "0xa", ChainID: 1, ReceiverAddr: "0x1"},
		{ID: 2, FromAddr: "0xa", ChainID: 1, ReceiverAddr: "0x2"},
	}
	batches := Plan(transfers, 10)
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Len(t, b.Transfers, 1)
		assert.False(t, b.IsMulti())
	}
}

func TestPlanChunksTokenTransfersAtMaxAtOnce(t *testing.T) {
	token := addr("0xtoken")
	var transfers []*model.TokenTransfer
	for i := 0; i < 5; i++ {
		transfers = append(transfers, &model.TokenTransfer{
			ID: int64(i), FromAddr: "0xa", ChainID: 1, ReceiverAddr: "0xr", TokenAddr: token, TokenAmount: "100",
		})
	}

	batches := Plan(transfers, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Transfers, 2)
	assert.Len(t, batches[1].Transfers, 2)
	assert.Len(t, batches[2].Transfers, 1)
	assert.True(t, batches[0].IsMulti())
	assert.False(t, batches[2].IsMulti())
}

func TestPlanSeparatesBuckets(t *testing.T) {
	tokenA, tokenB := addr("0xa"), addr("0xb")
	transfers := []*model.TokenTransfer{
		{ID: 1, FromAddr: "0xsender1", ChainID: 1, ReceiverAddr: "0xr", TokenAddr: tokenA, TokenAmount: "1"},
		{ID: 2, FromAddr: "0xsender2", ChainID: 1, ReceiverAddr: "0xr", TokenAddr: tokenA, TokenAmount: "1"},
		{ID: 3, FromAddr: "0xsender1", ChainID: 1, ReceiverAddr: "0xr", TokenAddr: tokenB, TokenAmount: "1"},
	}
	batches := Plan(transfers, 10)
	assert.Len(t, batches, 3)
}

func TestRequiredAllowanceSumsAmounts(t *testing.T) {
	token := addr("0xtoken")
	b := Batch{TokenAddr: token, Transfers: []*model.TokenTransfer{
		{TokenAmount: "100"},
		{TokenAmount: "250"},
	}}
	sum, err := b.RequiredAllowance()
	require.NoError(t, err)
	assert.Equal(t, "350", sum.String())
}

type fakeAllowanceReader struct {
	allowance string
	found     bool
}

func (f *fakeAllowanceReader) GetAllowance(ctx context.Context, owner, token, spender string, chainID int64) (*model.Allowance, error) {
	if !f.found {
		return nil, assertNotFoundErr
	}
	return &model.Allowance{Allowance: f.allowance}, nil
}

var assertNotFoundErr = context.DeadlineExceeded

func TestNeedsApprovalWhenAllowanceBelowRequired(t *testing.T) {
	token := addr("0xtoken")
	b := Batch{TokenAddr: token, FromAddr: "0xa", ChainID: 1, Transfers: []*model.TokenTransfer{{TokenAmount: "1000"}}}

	reader := &fakeAllowanceReader{found: true, allowance: "500"}
	needs, err := NeedsApproval(context.Background(), reader, b, "0xspender")
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestNeedsApprovalFalseWhenAllowanceSufficient(t *testing.T) {
	token := addr("0xtoken")
	b := Batch{TokenAddr: token, FromAddr: "0xa", ChainID: 1, Transfers: []*model.TokenTransfer{{TokenAmount: "100"}}}

	reader := &fakeAllowanceReader{found: true, allowance: "1000"}
	needs, err := NeedsApproval(context.Background(), reader, b, "0xspender")
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestNeedsApprovalFalseForNativeTransfers(t *testing.T) {
	b := Batch{Transfers: []*model.TokenTransfer{{TokenAmount: "100"}}}
	needs, err := NeedsApproval(context.Background(), &fakeAllowanceReader{}, b, "0xspender")
	require.NoError(t, err)
	assert.False(t, needs)
}
