package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/config"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/model"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/nonce"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/store"
)

type fakeBatchSigner struct{ addr string }

func (s *fakeBatchSigner) Addresses() []string      { return []string{s.addr} }
func (s *fakeBatchSigner) CanSign(addr string) bool { return addr == s.addr }
func (s *fakeBatchSigner) Sign(ctx context.Context, addr string, chainID *big.Int, tx *types.DynamicFeeTx) ([]byte, string, error) {
	return []byte{1}, "0xhash", nil
}

type fakeChainReader struct{ pending uint64 }

func (f *fakeChainReader) PendingTransactionCount(ctx context.Context, chainID int64, addr string) (uint64, error) {
	return f.pending, nil
}

func newTestBatcher(t *testing.T, signerAddr string, mc *config.MultiContract) (*txBatcher, *store.Store) {
	t.Helper()
	st := openEngineTestStore(t)
	b := &txBatcher{
		store:         st,
		nonces:        nonce.NewManager(&fakeChainReader{}, st),
		signer:        &fakeBatchSigner{addr: signerAddr},
		multiContract: mc,
	}
	return b, st
}

func TestRunBatchCreatesTxForSingleNativeTransfer(t *testing.T) {
	b, st := newTestBatcher(t, "0xfrom", nil)
	ctx := context.Background()

	_, err := st.InsertTokenTransfer(ctx, &model.TokenTransfer{
		PaymentID: "p1", FromAddr: "0xfrom", ReceiverAddr: "0x1111111111111111111111111111111111111111", ChainID: 1,
		TokenAmount: "1000", CreatedDate: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, b.RunBatch(ctx, 1))

	rows, err := st.ActiveTxsForSender(ctx, "0xfrom", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", rows[0].ToAddr)
	assert.Equal(t, "1000", rows[0].Val)
}

func TestRunBatchMarksZeroAddressReceiverAsError(t *testing.T) {
	b, st := newTestBatcher(t, "0xfrom", nil)
	ctx := context.Background()

	id, err := st.InsertTokenTransfer(ctx, &model.TokenTransfer{
		PaymentID: "p1", FromAddr: "0xfrom",
		ReceiverAddr: "0x0000000000000000000000000000000000000000",
		ChainID:      1, TokenAmount: "1000", CreatedDate: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, b.RunBatch(ctx, 1))

	got, err := st.GetTokenTransfer(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Nil(t, got.TxID)
}

func TestRunBatchLeavesUnsignableSenderPending(t *testing.T) {
	b, st := newTestBatcher(t, "0xsomeoneelse", nil)
	ctx := context.Background()

	id, err := st.InsertTokenTransfer(ctx, &model.TokenTransfer{
		PaymentID: "p1", FromAddr: "0xfrom", ReceiverAddr: "0xto", ChainID: 1,
		TokenAmount: "1000", CreatedDate: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, b.RunBatch(ctx, 1))

	got, err := st.GetTokenTransfer(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got.TxID, "a batch whose sender the signer cannot sign for must stay unassigned")
}

func TestRunBatchGroupsMultipleErc20TransfersIntoOneMultiTx(t *testing.T) {
	token := "0xtoken"
	mc := &config.MultiContract{Address: "0xmulti", MaxAtOnce: 10}
	b, st := newTestBatcher(t, "0xfrom", mc)
	ctx := context.Background()

	_, err := st.UpsertAllowance(ctx, &model.Allowance{
		Owner: "0xfrom", TokenAddr: token, Spender: "0xmulti", ChainID: 1,
		Allowance: "100000000000000000000", CreatedDate: time.Now(),
	})
	require.NoError(t, err)

	for _, recv := range []string{"0x2222222222222222222222222222222222222222", "0x3333333333333333333333333333333333333333"} {
		_, err := st.InsertTokenTransfer(ctx, &model.TokenTransfer{
			PaymentID: recv, FromAddr: "0xfrom", ReceiverAddr: recv, ChainID: 1,
			TokenAddr: &token, TokenAmount: "500", CreatedDate: time.Now(),
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.RunBatch(ctx, 1))

	rows, err := st.ActiveTxsForSender(ctx, "0xfrom", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "0xmulti", rows[0].ToAddr)
	assert.Equal(t, "multiTransfer", rows[0].Method)
	require.NotNil(t, rows[0].CallData)
}
