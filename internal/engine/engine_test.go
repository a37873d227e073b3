package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/config"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/metrics"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/signer"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/store"
)

// a well-known, never-funded test private key.
const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testSigner(t *testing.T) signer.Signer {
	t.Helper()
	s, err := signer.NewKeySetSigner([]string{testPrivateKey})
	require.NoError(t, err)
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		Engine: config.Engine{ServiceSleepSecs: 5, ProcessSleepSecs: 1},
		Chain: map[string]config.Chain{
			"mumbai": {
				ChainName:          "mumbai",
				ChainID:            80001,
				CurrencySymbol:     "MATIC",
				PriorityFee:        2,
				MaxFeePerGas:       50,
				TransactionTimeout: 300,
				ConfirmationBlocks: 1,
				RPCEndpoints: []config.RPCEndpointConfig{
					{Names: "public", Endpoints: "https://rpc-mumbai.example/", BackupLevel: 0},
				},
			},
		},
	}
}

func openEngineTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNewWiresOnePoolAndChainPerConfiguredChain(t *testing.T) {
	st := openEngineTestStore(t)
	e := New(zap.NewNop(), testConfig(), st, testSigner(t), metrics.NoOp{})

	assert.Len(t, e.chains, 1)
	assert.Len(t, e.pools, 1)

	pool, err := e.Pool(80001)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Len())
}

func TestPoolReturnsErrorForUnconfiguredChain(t *testing.T) {
	st := openEngineTestStore(t)
	e := New(zap.NewNop(), testConfig(), st, testSigner(t), metrics.NoOp{})

	_, err := e.Pool(999)
	assert.Error(t, err)
}
