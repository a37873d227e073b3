package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/pipeline"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/rpcpool"
)

// poolChain adapts an rpcpool.Pool to the pipeline.Chain interface,
// translating each call into the corresponding JSON-RPC method.
type poolChain struct {
	pool *rpcpool.Pool
}

var _ pipeline.Chain = (*poolChain)(nil)

func (p *poolChain) EstimateGas(ctx context.Context, chainID int64, from, to string, value *big.Int, data []byte) (uint64, error) {
	call := map[string]interface{}{
		"from":  from,
		"to":    to,
		"value": "0x" + value.Text(16),
	}
	if len(data) > 0 {
		call["data"] = "0x" + hex.EncodeToString(data)
	}
	var result string
	if err := p.pool.Call(ctx, "eth_estimateGas", []interface{}{call}, &result); err != nil {
		return 0, err
	}
	v, err := parseHex(result)
	if err != nil {
		return 0, chainerr.Transport("endpoint returned unparsable gas estimate", err)
	}
	return v.Uint64(), nil
}

func (p *poolChain) BaseFeePerGas(ctx context.Context, chainID int64) (*big.Int, error) {
	var block struct {
		BaseFeePerGas string `json:"baseFeePerGas"`
	}
	if err := p.pool.Call(ctx, "eth_getBlockByNumber", []interface{}{"latest", false}, &block); err != nil {
		return nil, err
	}
	if block.BaseFeePerGas == "" {
		return big.NewInt(0), nil
	}
	v, err := parseHex(block.BaseFeePerGas)
	if err != nil {
		return nil, chainerr.Transport("endpoint returned unparsable base fee", err)
	}
	return v, nil
}

func (p *poolChain) SendRawTransaction(ctx context.Context, chainID int64, raw []byte) (string, error) {
	var hash string
	err := p.pool.Call(ctx, "eth_sendRawTransaction", []interface{}{"0x" + hex.EncodeToString(raw)}, &hash)
	return hash, err
}

func (p *poolChain) TransactionReceipt(ctx context.Context, chainID int64, txHash string) (*pipeline.Receipt, error) {
	var raw struct {
		Status            string `json:"status"`
		BlockNumber       string `json:"blockNumber"`
		GasUsed           string `json:"gasUsed"`
		EffectiveGasPrice string `json:"effectiveGasPrice"`
		Logs              []struct {
			Address string   `json:"address"`
			Topics  []string `json:"topics"`
			Data    string   `json:"data"`
		} `json:"logs"`
	}
	if err := p.pool.Call(ctx, "eth_getTransactionReceipt", []interface{}{txHash}, &raw); err != nil {
		return nil, err
	}
	if raw.BlockNumber == "" {
		return &pipeline.Receipt{Found: false}, nil
	}

	status, err := parseHex(raw.Status)
	if err != nil {
		return nil, chainerr.Transport("endpoint returned unparsable receipt status", err)
	}
	blockNumber, err := parseHex(raw.BlockNumber)
	if err != nil {
		return nil, chainerr.Transport("endpoint returned unparsable receipt block number", err)
	}
	gasUsed, err := parseHex(raw.GasUsed)
	if err != nil {
		return nil, chainerr.Transport("endpoint returned unparsable receipt gas used", err)
	}
	effGasPrice, _ := parseHex(raw.EffectiveGasPrice)

	var transfers []pipeline.TransferLog
	const erc20TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	for _, lg := range raw.Logs {
		if len(lg.Topics) != 3 || !strings.EqualFold(lg.Topics[0], erc20TransferTopic) {
			continue
		}
		amount, err := parseHex(lg.Data)
		if err != nil {
			continue
		}
		token := lg.Address
		transfers = append(transfers, pipeline.TransferLog{
			TokenAddr: &token,
			From:      topicToAddr(lg.Topics[1]),
			To:        topicToAddr(lg.Topics[2]),
			Amount:    amount,
		})
	}

	return &pipeline.Receipt{
		Found:             true,
		Status:            status.Uint64(),
		BlockNumber:       blockNumber.Uint64(),
		GasUsed:           gasUsed.Uint64(),
		EffectiveGasPrice: effGasPrice,
		Logs:              transfers,
	}, nil
}

// PendingTransactionCount returns addr's transaction count including the
// mempool, satisfying nonce.ChainReader.
func (p *poolChain) PendingTransactionCount(ctx context.Context, chainID int64, addr string) (uint64, error) {
	var result string
	if err := p.pool.Call(ctx, "eth_getTransactionCount", []interface{}{addr, "pending"}, &result); err != nil {
		return 0, err
	}
	v, err := parseHex(result)
	if err != nil {
		return 0, chainerr.Transport("endpoint returned unparsable transaction count", err)
	}
	return v.Uint64(), nil
}

func (p *poolChain) HeadBlockNumber(ctx context.Context, chainID int64) (uint64, error) {
	var result string
	if err := p.pool.Call(ctx, "eth_blockNumber", nil, &result); err != nil {
		return 0, err
	}
	v, err := parseHex(result)
	if err != nil {
		return 0, chainerr.Transport("endpoint returned unparsable block number", err)
	}
	return v.Uint64(), nil
}

// NativeBalance returns addr's native gas-token balance, for the status
// loop's low-gas check.
func (p *poolChain) NativeBalance(ctx context.Context, addr string) (*big.Int, error) {
	var result string
	if err := p.pool.Call(ctx, "eth_getBalance", []interface{}{addr, "latest"}, &result); err != nil {
		return nil, err
	}
	v, err := parseHex(result)
	if err != nil {
		return nil, chainerr.Transport("endpoint returned unparsable balance", err)
	}
	return v, nil
}

func parseHex(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex integer %q", s)
	}
	return v, nil
}

// topicToAddr extracts the low 20 bytes of a 32-byte indexed log topic,
// the same layout an address argument is padded into.
func topicToAddr(topic string) string {
	topic = strings.TrimPrefix(topic, "0x")
	if len(topic) < 64 {
		return "0x" + topic
	}
	return "0x" + topic[24:]
}
