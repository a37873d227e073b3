// Package signer defines the pluggable transaction-signing boundary and
// a private-key-backed implementation built on go-ethereum's crypto and
// core/types packages. A Signer that cannot produce a signature (locked
// hardware wallet, unknown address) returns a chainerr.Signing error; the
// caller leaves the Tx pending and publishes a CantSign event rather
// than failing it.
package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
)

// Signer holds a set of secret keys, each mapped to its derived address,
// and signs unsigned dynamic-fee transactions on behalf of any address
// it holds a key for.
type Signer interface {
	// Addresses returns every address this signer can sign for, in
	// lowercase 0x-hex.
	Addresses() []string
	// CanSign reports whether addr has a loaded key. addr comparison is
	// case-insensitive.
	CanSign(addr string) bool
	// Sign signs tx as addr for chainID and returns the raw signed
	// transaction bytes and its hash. Returns a chainerr.Signing error
	// if addr has no loaded key.
	Sign(ctx context.Context, addr string, chainID *big.Int, tx *types.DynamicFeeTx) (raw []byte, hash string, err error)
}

// KeySetSigner signs with a set of in-process ECDSA private keys, keyed
// by their derived address. It is the simplest Signer a driver
// deployment can use, and the only one this package provides.
type KeySetSigner struct {
	keys map[string]*ecdsa.PrivateKey // lowercase 0x-hex address -> key
	addrs []string
}

// NewKeySetSigner parses hexKeys, each a hex-encoded secp256k1 private
// key (with or without a leading 0x), into a Signer holding one entry
// per key. An empty hexKeys is rejected: a driver with no signing key
// can never move a Tx out of "created".
func NewKeySetSigner(hexKeys []string) (*KeySetSigner, error) {
	if len(hexKeys) == 0 {
		return nil, chainerr.Configuration("no signing keys configured", nil)
	}
	s := &KeySetSigner{keys: make(map[string]*ecdsa.PrivateKey, len(hexKeys))}
	for _, hexKey := range hexKeys {
		key, err := crypto.HexToECDSA(trim0x(hexKey))
		if err != nil {
			return nil, chainerr.Configuration("invalid private key", err)
		}
		addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
		if _, dup := s.keys[addr]; dup {
			continue
		}
		s.keys[addr] = key
		s.addrs = append(s.addrs, addr)
	}
	return s, nil
}

// ParseKeyList splits a comma-separated key list (as read from
// ETH_PRIVATE_KEYS), trimming whitespace and dropping empty entries.
func ParseKeyList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *KeySetSigner) Addresses() []string {
	out := make([]string, len(s.addrs))
	copy(out, s.addrs)
	return out
}

func (s *KeySetSigner) CanSign(addr string) bool {
	_, ok := s.keys[strings.ToLower(addr)]
	return ok
}

func (s *KeySetSigner) Sign(ctx context.Context, addr string, chainID *big.Int, txdata *types.DynamicFeeTx) ([]byte, string, error) {
	key, ok := s.keys[strings.ToLower(addr)]
	if !ok {
		return nil, "", chainerr.Signing("no key loaded for address", nil)
	}
	tx := types.NewTx(txdata)
	ethSigner := types.LatestSignerForChainID(chainID)
	signedTx, err := types.SignTx(tx, ethSigner, key)
	if err != nil {
		return nil, "", chainerr.Signing("failed to sign transaction", err)
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, "", chainerr.Invariant("failed to encode signed transaction", 0)
	}
	return raw, signedTx.Hash().Hex(), nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
