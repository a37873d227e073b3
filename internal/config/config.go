// Package config loads the driver's TOML configuration file: the set of
// chains it serves, each chain's RPC endpoints and fee policy, its token
// and multi-payment contract addresses, and engine-wide tuning knobs.
// Shape and field names follow the original Rust configuration; Go
// encodes them with BurntSushi/toml and exposes a typed Config.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
)

// Token describes an ERC-20 token deployed on a chain.
type Token struct {
	Symbol  string `toml:"symbol"`
	Address string `toml:"address"`
	Faucet  string `toml:"faucet,omitempty"`
}

// MultiContract describes the multi-payment contract used to batch
// transfers to several recipients in a single call.
type MultiContract struct {
	Address   string `toml:"address"`
	MaxAtOnce int    `toml:"max-at-once"`
}

// RPCEndpointConfig describes one JSON-RPC endpoint offered for a chain.
type RPCEndpointConfig struct {
	Names                     string `toml:"names"`
	Endpoints                 string `toml:"endpoints"`
	SkipValidation            bool   `toml:"skip-validation,omitempty"`
	BackupLevel               int    `toml:"backup-level,omitempty"`
	VerifyIntervalSecs        int    `toml:"verify-interval-secs,omitempty"`
	MaxTimeoutMs              int    `toml:"max-timeout-ms,omitempty"`
	AllowMaxHeadBehindSecs    int    `toml:"allow-max-head-behind-secs,omitempty"`
	MaxConsecutiveErrors      int    `toml:"max-consecutive-errors,omitempty"`
	MinIntervalRequestsMs     int    `toml:"min-interval-requests-ms,omitempty"`
}

// Chain describes one supported network.
type Chain struct {
	ChainName            string              `toml:"chain-name"`
	ChainID              int64               `toml:"chain-id"`
	RPCEndpoints         []RPCEndpointConfig `toml:"rpc-endpoints"`
	CurrencySymbol       string              `toml:"currency-symbol"`
	PriorityFee          float64             `toml:"priority-fee"`
	MaxFeePerGas         float64             `toml:"max-fee-per-gas"`
	GasLeftWarningLimit  int64               `toml:"gas-left-warning-limit"`
	Token                *Token              `toml:"token,omitempty"`
	MultiContract        *MultiContract      `toml:"multi-contract,omitempty"`
	TransactionTimeout   int64               `toml:"transaction-timeout"`
	ConfirmationBlocks   int64               `toml:"confirmation-blocks"`
	FaucetEthAmount      *float64            `toml:"faucet-eth-amount,omitempty"`
	FaucetGlmAmount      *float64            `toml:"faucet-glm-amount,omitempty"`
	BlockExplorerURL     string              `toml:"block-explorer-url,omitempty"`
	ExternalSourcesJSONURL string            `toml:"external-sources-json-url,omitempty"`
	ExternalSourcesDNSTXT  string            `toml:"external-sources-dns-txt,omitempty"`
}

// Engine holds the loop-tuning knobs of the driver.
type Engine struct {
	ServiceSleepSecs   int64 `toml:"service-sleep-secs"`
	ProcessSleepSecs   int64 `toml:"process-sleep-secs"`
	AutomaticRecover   bool  `toml:"automatic-recover"`
}

// ServiceSleep/ProcessSleep return the configured durations, defaulting
// when the field was left at zero in the TOML file.
func (e Engine) ServiceSleep() time.Duration {
	if e.ServiceSleepSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(e.ServiceSleepSecs) * time.Second
}

func (e Engine) ProcessSleep() time.Duration {
	if e.ProcessSleepSecs <= 0 {
		return time.Second
	}
	return time.Duration(e.ProcessSleepSecs) * time.Second
}

// AdditionalOptions carries process-level flags that are not chain data,
// normally sourced from the command line rather than the TOML file.
type AdditionalOptions struct {
	KeepRunning          bool
	GenerateTxOnly       bool
	SkipMultiContractCheck bool
}

// Config is the fully parsed configuration file.
type Config struct {
	Chain  map[string]Chain `toml:"chain"`
	Engine Engine           `toml:"engine"`
}

// Load parses the TOML file at path into a Config.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, chainerr.Configuration(fmt.Sprintf("failed to parse config %s", path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field invariants the TOML decoder cannot express.
func (c *Config) Validate() error {
	if len(c.Chain) == 0 {
		return chainerr.Configuration("config must define at least one [chain.*] section", nil)
	}
	for name, ch := range c.Chain {
		if ch.ChainID <= 0 {
			return chainerr.Configuration(fmt.Sprintf("chain %q: chain-id must be positive", name), nil)
		}
		if len(ch.RPCEndpoints) == 0 {
			return chainerr.Configuration(fmt.Sprintf("chain %q: must list at least one rpc-endpoints entry", name), nil)
		}
		if ch.MultiContract != nil && ch.MultiContract.MaxAtOnce <= 0 {
			return chainerr.Configuration(fmt.Sprintf("chain %q: multi-contract max-at-once must be positive", name), nil)
		}
	}
	return nil
}

// ChainByID returns the Chain entry with the given chain id.
func (c *Config) ChainByID(chainID int64) (Chain, bool) {
	for _, ch := range c.Chain {
		if ch.ChainID == chainID {
			return ch, true
		}
	}
	return Chain{}, false
}
