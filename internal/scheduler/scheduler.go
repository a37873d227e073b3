// Package scheduler runs the four cooperative loops each chain needs: a
// batch loop packing pending TokenTransfer rows into Tx rows, a sender
// loop advancing one pipeline transition per tick, a service loop
// emitting liveness and status-change events, and a verifier loop
// scoring RPC endpoints and refreshing externally discovered ones.
// Shutdown drains all four after their current iteration and waits for
// them to quiesce.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/events"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/model"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/rpcpool"
)

// PartitionStore is the slice of storage the scheduler needs to find
// work: active Tx rows per (sender, chain) partition.
type PartitionStore interface {
	ActiveTxsForSender(ctx context.Context, fromAddr string, chainID int64) ([]*model.Tx, error)
}

// Advancer drives a single Tx row one step forward.
type Advancer interface {
	Advance(ctx context.Context, t *model.Tx) error
}

// Batcher packs pending TokenTransfer rows for one chain into Tx rows,
// run on the same cadence as the sender loop. A nil Batcher on a Chain
// disables batching (used by tests that only exercise the other loops).
type Batcher interface {
	RunBatch(ctx context.Context, chainID int64) error
}

// StatusSource reports the set of standing failure conditions (low gas,
// RPC trouble, and so on) currently in effect for a chain. A nil
// StatusSource on a Chain means the service loop never emits
// StatusChanged, rather than fabricating an always-empty one.
type StatusSource interface {
	Status(ctx context.Context) []events.StatusProperty
}

// ChainSchedule is the per-chain tuning the scheduler reads.
type ChainSchedule struct {
	ChainID       int64
	Senders       []string
	ServiceSleep  time.Duration
	ProcessSleep  time.Duration
	VerifyParams  rpcpool.VerifyParams
	VerifyInterval time.Duration
}

// Chain runs one chain's four cooperative loops until its context is
// cancelled, then waits for all four to finish their current iteration.
type Chain struct {
	Schedule     ChainSchedule
	Store        PartitionStore
	Advance      Advancer
	Batcher      Batcher
	StatusSource StatusSource
	Pool         *rpcpool.Pool
	Bus          *events.Bus

	lastStatus []events.StatusProperty
}

// Run starts the batch, sender, service and verifier loops and blocks
// until ctx is cancelled and all four have exited.
func (c *Chain) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); c.batchLoop(ctx) }()
	go func() { defer wg.Done(); c.senderLoop(ctx) }()
	go func() { defer wg.Done(); c.serviceLoop(ctx) }()
	go func() { defer wg.Done(); c.verifierLoop(ctx) }()
	wg.Wait()
}

// batchLoop packs pending TokenTransfer rows into Tx rows every
// process_sleep, per the batcher's data-flow. A no-op if no Batcher is
// configured.
func (c *Chain) batchLoop(ctx context.Context) {
	if c.Batcher == nil {
		return
	}
	ticker := time.NewTicker(c.Schedule.ProcessSleep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Batcher.RunBatch(ctx, c.Schedule.ChainID)
		}
	}
}

func (c *Chain) senderLoop(ctx context.Context) {
	ticker := time.NewTicker(c.Schedule.ProcessSleep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.advanceOneRowPerPartition(ctx)
		}
	}
}

// advanceOneRowPerPartition advances, at most, the oldest active row for
// each configured sender on this chain, one transition each. Partitions
// run concurrently; a single sender's rows are always processed in
// order since ActiveTxsForSender returns them oldest first and only the
// first is advanced per tick.
func (c *Chain) advanceOneRowPerPartition(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sender := range c.Schedule.Senders {
		sender := sender
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := c.Store.ActiveTxsForSender(ctx, sender, c.Schedule.ChainID)
			if err != nil || len(rows) == 0 {
				return
			}
			_ = c.Advance.Advance(ctx, rows[0])
		}()
	}
	wg.Wait()
}

func (c *Chain) serviceLoop(ctx context.Context) {
	ticker := time.NewTicker(c.Schedule.ServiceSleep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			c.Bus.Publish(events.Event{CreateDate: now, Kind: events.KindAlive, ChainID: c.Schedule.ChainID})
			c.emitStatusIfChanged(now, c.currentStatus(ctx))
		}
	}
}

// currentStatus asks StatusSource for the chain's current standing
// conditions. A nil StatusSource (tests exercising only the other three
// loops) means no status is ever reported.
func (c *Chain) currentStatus(ctx context.Context) []events.StatusProperty {
	if c.StatusSource == nil {
		return nil
	}
	return c.StatusSource.Status(ctx)
}

// emitStatusIfChanged publishes StatusChanged only when the dedup-ed set
// of failure conditions actually differs from the last emission.
func (c *Chain) emitStatusIfChanged(now time.Time, status []events.StatusProperty) {
	if statusEqual(c.lastStatus, status) {
		return
	}
	c.lastStatus = status
	c.Bus.Publish(events.Event{CreateDate: now, Kind: events.KindStatusChanged, ChainID: c.Schedule.ChainID, Status: status})
}

func statusEqual(a, b []events.StatusProperty) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c *Chain) verifierLoop(ctx context.Context) {
	interval := c.Schedule.VerifyInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Pool.VerifyAll(ctx, c.Schedule.VerifyParams)
			c.Pool.RefreshExternalSources(ctx)
		}
	}
}
