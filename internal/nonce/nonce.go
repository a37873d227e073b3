// Package nonce assigns monotonically increasing transaction nonces per
// (sender, chain), reconciling the chain's own pending transaction count
// against the highest nonce already assigned in storage so that neither
// a restart nor a dropped chain-side receipt can produce a duplicate.
package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
)

// ChainReader is the minimal JSON-RPC surface this package needs to
// learn a sender's pending transaction count.
type ChainReader interface {
	PendingTransactionCount(ctx context.Context, chainID int64, addr string) (uint64, error)
}

// NonceStore is the minimal storage surface this package needs: the
// highest nonce already assigned to an active Tx for (addr, chainID).
type NonceStore interface {
	MaxAssignedNonce(ctx context.Context, fromAddr string, chainID int64) (*int64, error)
}

type key struct {
	addr    string
	chainID int64
}

// Manager hands out nonces for any number of (sender, chain) partitions,
// each serialized behind its own lock so unrelated senders never
// contend.
type Manager struct {
	chain ChainReader
	store NonceStore

	mu    sync.Mutex
	locks map[key]*sync.Mutex
	next  map[key]int64 // next nonce to hand out, once reconciled
}

// NewManager builds a Manager over the given chain reader and store.
func NewManager(chain ChainReader, store NonceStore) *Manager {
	return &Manager{
		chain: chain,
		store: store,
		locks: make(map[key]*sync.Mutex),
		next:  make(map[key]int64),
	}
}

func (m *Manager) lockFor(k key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

// Next returns the next nonce to use for (addr, chainID), serialized so
// two concurrent callers for the same partition never receive the same
// value. The first call for a partition reconciles against both the
// chain's pending count and storage's max assigned nonce, taking the
// larger of the two as the starting point.
func (m *Manager) Next(ctx context.Context, addr string, chainID int64) (int64, error) {
	k := key{addr: addr, chainID: chainID}
	l := m.lockFor(k)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	n, seen := m.next[k]
	m.mu.Unlock()

	if !seen {
		reconciled, err := m.reconcile(ctx, addr, chainID)
		if err != nil {
			return 0, err
		}
		n = reconciled
	}

	m.mu.Lock()
	m.next[k] = n + 1
	m.mu.Unlock()
	return n, nil
}

func (m *Manager) reconcile(ctx context.Context, addr string, chainID int64) (int64, error) {
	pending, err := m.chain.PendingTransactionCount(ctx, chainID, addr)
	if err != nil {
		return 0, chainerr.Transport(fmt.Sprintf("failed to read pending tx count for %s", addr), err)
	}

	maxAssigned, err := m.store.MaxAssignedNonce(ctx, addr, chainID)
	if err != nil {
		return 0, err
	}

	chainNext := int64(pending)
	if maxAssigned == nil {
		return chainNext, nil
	}
	storeNext := *maxAssigned + 1
	if storeNext > chainNext {
		return storeNext, nil
	}
	return chainNext, nil
}
