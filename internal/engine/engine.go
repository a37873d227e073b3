// Package engine wires together configuration, storage, the RPC pool,
// the signer, the pipeline driver and the scheduler into one running
// payment driver process, one Chain per configured [chain.*] section.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/config"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/events"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/metrics"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/model"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/nonce"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/pipeline"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/rpcpool"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/scheduler"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/signer"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/store"
)

// Engine owns the driver's process-wide dependencies and one
// scheduler.Chain per configured chain.
type Engine struct {
	Log     *zap.Logger
	Config  *config.Config
	Store   *store.Store
	Bus     *events.Bus
	Metrics metrics.Recorder
	Signer  signer.Signer

	chains map[int64]*scheduler.Chain
	pools  map[int64]*rpcpool.Pool
}

// New builds an Engine from configuration. The caller supplies the
// signer separately since key material is deployment-specific.
func New(log *zap.Logger, cfg *config.Config, st *store.Store, sgnr signer.Signer, rec metrics.Recorder) *Engine {
	e := &Engine{
		Log:     log,
		Config:  cfg,
		Store:   st,
		Bus:     events.NewBus(),
		Metrics: rec,
		Signer:  sgnr,
		chains:  make(map[int64]*scheduler.Chain),
		pools:   make(map[int64]*rpcpool.Pool),
	}
	for name, ch := range cfg.Chain {
		e.wireChain(name, ch)
	}
	return e
}

func (e *Engine) wireChain(name string, ch config.Chain) {
	var params []rpcpool.EndpointParams
	for _, rp := range ch.RPCEndpoints {
		params = append(params, rpcpool.EndpointParams{
			Name:                 rp.Names,
			Endpoint:             rp.Endpoints,
			BackupLevel:          rp.BackupLevel,
			MaxConsecutiveErrors: rp.MaxConsecutiveErrors,
			VerifyInterval:       time.Duration(rp.VerifyIntervalSecs) * time.Second,
			MinIntervalRequests:  time.Duration(rp.MinIntervalRequestsMs) * time.Millisecond,
			MaxHeadBehindSecs:    int64(rp.AllowMaxHeadBehindSecs),
			MaxResponseTimeMs:    int64(rp.MaxTimeoutMs),
			SkipValidation:       rp.SkipValidation,
		})
	}
	pool := rpcpool.NewPool(ch.ChainID, params, 10*time.Second)
	pool.SetExternalSources(ch.ExternalSourcesJSONURL, ch.ExternalSourcesDNSTXT)
	e.pools[ch.ChainID] = pool

	rpcChain := &poolChain{pool: pool}
	driver := &pipeline.Driver{
		Store:   e.Store,
		Chain:   rpcChain,
		Signer:  e.Signer,
		Bus:     e.Bus,
		Metrics: e.Metrics,
	}

	pcfg := pipeline.ChainConfig{
		ChainID:            ch.ChainID,
		PriorityFeeGwei:    ch.PriorityFee,
		MaxFeePerGasGwei:   ch.MaxFeePerGas,
		TransactionTimeout: time.Duration(ch.TransactionTimeout) * time.Second,
		ConfirmationBlocks: ch.ConfirmationBlocks,
		AutomaticRecover:   true,
	}

	schedule := scheduler.ChainSchedule{
		ChainID:        ch.ChainID,
		Senders:        e.Signer.Addresses(),
		ServiceSleep:   e.Config.Engine.ServiceSleep(),
		ProcessSleep:   e.Config.Engine.ProcessSleep(),
		VerifyInterval: time.Minute,
		VerifyParams: rpcpool.VerifyParams{
			ChainID: ch.ChainID,
		},
	}

	nonceManager := nonce.NewManager(rpcChain, e.Store)
	e.chains[ch.ChainID] = &scheduler.Chain{
		Schedule: schedule,
		Store:    e.Store,
		Advance:  &advancerAdapter{driver: driver, cfg: pcfg},
		Batcher: &txBatcher{
			store:         e.Store,
			nonces:        nonceManager,
			signer:        e.Signer,
			multiContract: ch.MultiContract,
		},
		StatusSource: newGasStatusSource(rpcChain, ch.ChainID, e.Signer.Addresses(), ch.GasLeftWarningLimit),
		Pool:         pool,
		Bus:          e.Bus,
	}
	e.Log.Info("wired chain", zap.String("name", name), zap.Int64("chain_id", ch.ChainID), zap.Int("endpoints", len(params)))
}

// advancerAdapter binds a pipeline.Driver and its static ChainConfig to
// the scheduler.Advancer interface, which only threads ctx and the row.
type advancerAdapter struct {
	driver *pipeline.Driver
	cfg    pipeline.ChainConfig
}

func (a *advancerAdapter) Advance(ctx context.Context, t *model.Tx) error {
	_, err := a.driver.Advance(ctx, t, a.cfg)
	return err
}

// Run starts every configured chain's scheduler and blocks until ctx is
// cancelled, then waits for every chain to drain.
func (e *Engine) Run(ctx context.Context) {
	done := make(chan struct{}, len(e.chains))
	for chainID, c := range e.chains {
		chainID, c := chainID, c
		go func() {
			defer func() { done <- struct{}{} }()
			e.Log.Info("starting chain scheduler", zap.Int64("chain_id", chainID))
			c.Run(ctx)
			e.Log.Info("chain scheduler drained", zap.Int64("chain_id", chainID))
		}()
	}
	for range e.chains {
		<-done
	}
}

// Pool returns the RPC pool for a chain id, for callers that need direct
// read access to it.
func (e *Engine) Pool(chainID int64) (*rpcpool.Pool, error) {
	p, ok := e.pools[chainID]
	if !ok {
		return nil, fmt.Errorf("no rpc pool configured for chain %d", chainID)
	}
	return p, nil
}
