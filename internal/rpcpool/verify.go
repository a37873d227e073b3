package rpcpool

import (
	"context"
	"fmt"
	"time"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
)

// VerifyParams configures periodic endpoint verification for one chain.
type VerifyParams struct {
	ChainID                 int64
	AllowMaxHeadBehindSecs  int64
	AllowMaxResponseTimeMs  int64
}

// VerifyStatus is the measurement taken by a successful verification.
type VerifyStatus struct {
	HeadSecondsBehind int64
	CheckTimeMs       int64
}

// VerifyOutcome is the classified result of one verification attempt,
// mirroring the original's VerifyEndpointResult enum.
type VerifyOutcome int

const (
	VerifyOK VerifyOutcome = iota
	VerifyNoBlockInfo
	VerifyWrongChainID
	VerifyRPCError
	VerifyOtherNetworkError
	VerifyHeadBehind
	VerifyUnreachable
)

type ethBlock struct {
	Number    string `json:"number"`
	Timestamp string `json:"timestamp"`
}

// Verify queries the endpoint's current chain id and latest block, and
// classifies the result against params.
func Verify(ctx context.Context, c *Client, params VerifyParams, now time.Time) (VerifyOutcome, VerifyStatus, error) {
	start := time.Now()

	var chainIDHex string
	if err := c.Call(ctx, "eth_chainId", nil, &chainIDHex); err != nil {
		if chainerr.Is(err, chainerr.ClassTransport) {
			return VerifyUnreachable, VerifyStatus{}, err
		}
		return VerifyRPCError, VerifyStatus{}, err
	}

	chainID, ok := parseHexInt64(chainIDHex)
	if !ok {
		return VerifyOtherNetworkError, VerifyStatus{}, fmt.Errorf("unparsable chain id %q", chainIDHex)
	}
	if chainID != params.ChainID {
		return VerifyWrongChainID, VerifyStatus{}, nil
	}

	var block ethBlock
	if err := c.Call(ctx, "eth_getBlockByNumber", []interface{}{"latest", false}, &block); err != nil {
		if chainerr.Is(err, chainerr.ClassTransport) {
			return VerifyUnreachable, VerifyStatus{}, err
		}
		return VerifyRPCError, VerifyStatus{}, err
	}
	if block.Number == "" {
		return VerifyNoBlockInfo, VerifyStatus{}, nil
	}

	ts, ok := parseHexInt64(block.Timestamp)
	if !ok {
		return VerifyNoBlockInfo, VerifyStatus{}, nil
	}
	headBehind := now.Unix() - ts
	checkMs := time.Since(start).Milliseconds()

	if params.AllowMaxHeadBehindSecs > 0 && headBehind > params.AllowMaxHeadBehindSecs {
		return VerifyHeadBehind, VerifyStatus{HeadSecondsBehind: headBehind, CheckTimeMs: checkMs}, nil
	}

	return VerifyOK, VerifyStatus{HeadSecondsBehind: headBehind, CheckTimeMs: checkMs}, nil
}

func parseHexInt64(s string) (int64, bool) {
	if len(s) < 3 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return 0, false
	}
	var v int64
	for _, r := range s[2:] {
		v <<= 4
		switch {
		case r >= '0' && r <= '9':
			v |= int64(r - '0')
		case r >= 'a' && r <= 'f':
			v |= int64(r-'a') + 10
		case r >= 'A' && r <= 'F':
			v |= int64(r-'A') + 10
		default:
			return 0, false
		}
	}
	return v, true
}
