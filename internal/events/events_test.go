package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvWithTimeout(t *testing.T, sub *Subscription) interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := sub.Recv(ctx)
	require.NoError(t, err)
	return v
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(Event{Kind: KindAlive, CreateDate: time.Now()})

	v := recvWithTimeout(t, sub)
	ev, ok := v.(Event)
	require.True(t, ok)
	assert.Equal(t, KindAlive, ev.Kind)
}

func TestNewSubscriberMissesPastEvents(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Kind: KindAlive})

	sub := bus.Subscribe()
	defer sub.Close()
	bus.Publish(Event{Kind: KindTransactionConfirmed})

	v := recvWithTimeout(t, sub)
	ev := v.(Event)
	assert.Equal(t, KindTransactionConfirmed, ev.Kind, "a subscriber must not see events published before it joined")
}

func TestBufferIsLazilyAllocatedUntilFirstSubscribe(t *testing.T) {
	bus := NewBus()
	assert.Equal(t, 0, bus.NumSubscribers())
	assert.Nil(t, bus.buf)
	bus.Publish(Event{Kind: KindAlive}) // must not panic with zero subscribers

	sub := bus.Subscribe()
	assert.NotNil(t, bus.buf)
	assert.Equal(t, 1, bus.NumSubscribers())
	sub.Close()
	assert.Equal(t, 0, bus.NumSubscribers())
	assert.Nil(t, bus.buf, "buffer should be freed once the last subscriber leaves")
}

func TestPublishNeverBlocksOnFullSubscriberBuffer(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < busCapacity*3; i++ {
			bus.Publish(Event{Kind: KindAlive})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestSlowSubscriberObservesLagged(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 0; i < busCapacity+3; i++ {
		bus.Publish(Event{Kind: KindAlive})
	}

	v := recvWithTimeout(t, sub)
	lagged, ok := v.(Lagged)
	require.True(t, ok, "expected a Lagged notice once the subscriber fell more than busCapacity behind")
	assert.Equal(t, uint64(3), lagged.N)

	// after the Lagged notice, the subscriber resumes from the oldest
	// event still buffered
	v = recvWithTimeout(t, sub)
	_, ok = v.(Event)
	assert.True(t, ok)
}

func TestCloseFreesSubscriberBuffer(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	sub.Close()
	sub.Close() // must be safe to call twice
	assert.Equal(t, 0, bus.NumSubscribers())
	assert.Nil(t, bus.buf)
}

func TestMultipleSubscribersEachReceiveEveryEvent(t *testing.T) {
	bus := NewBus()
	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()
	defer sub1.Close()
	defer sub2.Close()

	bus.Publish(Event{Kind: KindTransactionConfirmed})

	for _, sub := range []*Subscription{sub1, sub2} {
		v := recvWithTimeout(t, sub)
		ev := v.(Event)
		assert.Equal(t, KindTransactionConfirmed, ev.Kind)
	}
}

func TestRecvRespectsContextCancellation(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Recv(ctx)
	assert.Error(t, err)
}
