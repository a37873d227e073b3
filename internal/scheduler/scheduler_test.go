package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/events"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/model"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/rpcpool"
)

type fakePartitionStore struct {
	mu   sync.Mutex
	rows map[string][]*model.Tx
}

func (f *fakePartitionStore) ActiveTxsForSender(_ context.Context, fromAddr string, _ int64) ([]*model.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[fromAddr], nil
}

type countingAdvancer struct {
	calls atomic.Int64
	ids   sync.Map // ids of every row passed to Advance
}

func (c *countingAdvancer) Advance(_ context.Context, t *model.Tx) error {
	c.calls.Add(1)
	c.ids.Store(t.ID, true)
	return nil
}

func newTestChain(store *fakePartitionStore, adv *countingAdvancer) *Chain {
	return &Chain{
		Schedule: ChainSchedule{
			ChainID:        1,
			Senders:        []string{"0xa", "0xb"},
			ServiceSleep:   5 * time.Millisecond,
			ProcessSleep:   5 * time.Millisecond,
			VerifyInterval: 5 * time.Millisecond,
		},
		Store:   store,
		Advance: adv,
		Pool:    rpcpool.NewPool(1, nil, time.Second),
		Bus:     events.NewBus(),
	}
}

func TestRunAdvancesOnlyOldestRowPerSenderEachTick(t *testing.T) {
	store := &fakePartitionStore{rows: map[string][]*model.Tx{
		"0xa": {{ID: 1, Processing: 1}, {ID: 2, Processing: 1}},
		"0xb": {{ID: 3, Processing: 1}},
	}}
	adv := &countingAdvancer{}
	c := newTestChain(store, adv)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	assert.Greater(t, adv.calls.Load(), int64(0))
	_, advancedSecond := adv.ids.Load(int64(2))
	assert.False(t, advancedSecond, "only the oldest active row of a sender may be advanced")
}

func TestRunExitsPromptlyOnContextCancellation(t *testing.T) {
	store := &fakePartitionStore{rows: map[string][]*model.Tx{}}
	adv := &countingAdvancer{}
	c := newTestChain(store, adv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}

func TestServiceLoopPublishesAliveEvents(t *testing.T) {
	store := &fakePartitionStore{rows: map[string][]*model.Tx{}}
	c := newTestChain(store, &countingAdvancer{})

	sub := c.Bus.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	recvCtx, recvCancel := context.WithTimeout(context.Background(), time.Second)
	defer recvCancel()
	ev, err := sub.Recv(recvCtx)
	require.NoError(t, err)
	evt, ok := ev.(events.Event)
	require.True(t, ok)
	assert.Equal(t, events.KindAlive, evt.Kind)
}

func TestEmitStatusIfChangedSkipsDuplicateStatus(t *testing.T) {
	c := newTestChain(&fakePartitionStore{}, &countingAdvancer{})
	sub := c.Bus.Subscribe()
	defer sub.Close()

	status := []events.StatusProperty{{Kind: events.StatusNoGas}}
	now := time.Now()

	c.emitStatusIfChanged(now, status)
	c.emitStatusIfChanged(now, status)

	recvCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(recvCtx)
	require.NoError(t, err)

	_, err = sub.Recv(recvCtx)
	assert.Error(t, err, "a second identical status must not be re-published")
}

func TestStatusEqualComparesBySequence(t *testing.T) {
	a := []events.StatusProperty{{Kind: events.StatusNoGas}}
	b := []events.StatusProperty{{Kind: events.StatusNoGas}}
	c := []events.StatusProperty{{Kind: events.StatusNoToken}}

	assert.True(t, statusEqual(a, b))
	assert.False(t, statusEqual(a, c))
	assert.False(t, statusEqual(a, nil))
}
