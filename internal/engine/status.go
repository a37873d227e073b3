package engine

import (
	"context"
	"math/big"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/events"
)

// gasStatusSource reports the chain's standing failure conditions to the
// scheduler's service loop: StatusNoGas for any configured sender whose
// native balance has dropped below gasLeftWarningLimit, and
// StatusWeb3RPCError when the RPC pool cannot answer even the cheapest
// read. Satisfies scheduler.StatusSource.
type gasStatusSource struct {
	chain       *poolChain
	chainID     int64
	senders     []string
	minGasLimit *big.Int
}

func newGasStatusSource(chain *poolChain, chainID int64, senders []string, gasLeftWarningLimit int64) *gasStatusSource {
	min := big.NewInt(gasLeftWarningLimit)
	if gasLeftWarningLimit <= 0 {
		min = nil
	}
	return &gasStatusSource{chain: chain, chainID: chainID, senders: senders, minGasLimit: min}
}

func (g *gasStatusSource) Status(ctx context.Context) []events.StatusProperty {
	var out []events.StatusProperty
	for _, addr := range g.senders {
		balance, err := g.chain.NativeBalance(ctx, addr)
		if err != nil {
			if chainerr.Is(err, chainerr.ClassTransport) {
				out = append(out, events.StatusProperty{
					Kind: events.StatusWeb3RPCError, ChainID: g.chainID, Address: addr, RPCError: err.Error(),
				})
			}
			continue
		}
		if g.minGasLimit != nil && balance.Cmp(g.minGasLimit) < 0 {
			missing := new(big.Int).Sub(g.minGasLimit, balance)
			out = append(out, events.StatusProperty{
				Kind: events.StatusNoGas, ChainID: g.chainID, Address: addr, MissingGas: missing.String(),
			})
		}
	}
	return out
}
