package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_DeliversMatchingEvents(t *testing.T) {
	feed := NewFeed(8)
	defer feed.Close()

	ch, err := feed.Subscribe(context.Background(),
		[]string{TableHoldings}, []EventType{EventInsert}, SubscribeOptions{})
	require.NoError(t, err)

	feed.Publish(TableHoldings, EventInsert, []byte(`{"symbol":"AAPL"}`))
	feed.Publish(TableHoldings, EventDelete, []byte(`{"symbol":"AAPL"}`)) // type filtered
	feed.Publish(TableOperations, EventInsert, []byte(`{"symbol":"AAPL"}`)) // table filtered

	select {
	case evt := <-ch:
		assert.Equal(t, TableHoldings, evt.Table)
		assert.Equal(t, EventInsert, evt.Type)
		assert.JSONEq(t, `{"symbol":"AAPL"}`, string(evt.Row))
	case <-time.After(time.Second):
		t.Fatal("expected one event")
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected second event: %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFeed_EmptyFiltersMatchEverything(t *testing.T) {
	feed := NewFeed(8)
	defer feed.Close()

	ch, err := feed.Subscribe(context.Background(), nil, nil, SubscribeOptions{})
	require.NoError(t, err)

	feed.Publish(TablePrices, EventUpdate, []byte(`{}`))
	select {
	case evt := <-ch:
		assert.Equal(t, TablePrices, evt.Table)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestFeed_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	feed := NewFeed(8)
	defer feed.Close()

	var dropped atomic.Int64
	_, err := feed.Subscribe(context.Background(), nil, nil, SubscribeOptions{
		Buffer: 1,
		OnDrop: func(ChangeEvent) { dropped.Add(1) },
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			feed.Publish(TablePrices, EventInsert, []byte(`{}`))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish must never block on a full subscriber")
	}
	assert.EqualValues(t, 4, dropped.Load())
}

func TestFeed_ContextCancelClosesChannel(t *testing.T) {
	feed := NewFeed(8)
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := feed.Subscribe(ctx, nil, nil, SubscribeOptions{})
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "channel closes after cancel")
}

func TestFeed_PublishDuringSubscriberCancelDoesNotPanic(t *testing.T) {
	feed := NewFeed(1)
	defer feed.Close()

	// Writers publish concurrently with subscriber teardown; channel close
	// and delivery share the feed lock, so neither side may panic.
	cancels := make([]context.CancelFunc, 0, 200)
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		_, err := feed.Subscribe(ctx, nil, nil, SubscribeOptions{Buffer: 1})
		require.NoError(t, err)
		cancels = append(cancels, cancel)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			feed.Publish(TablePrices, EventInsert, []byte(`{}`))
		}
	}()
	for _, cancel := range cancels {
		cancel()
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not finish")
	}
}

func TestFeed_SubscribeAfterCloseFails(t *testing.T) {
	feed := NewFeed(8)
	feed.Close()
	_, err := feed.Subscribe(context.Background(), nil, nil, SubscribeOptions{})
	assert.Error(t, err)
}
