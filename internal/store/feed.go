package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"compass/internal/logger"
)

// Feed fans committed row changes out to subscribers. It is the in-process
// stand-in for the managed backend's realtime channel: writers publish after
// commit, consumers receive ordered events per subscription.
type Feed struct {
	mu         sync.Mutex
	subs       map[int]*feedSub
	nextID     int
	defaultBuf int
	closed     bool
}

type feedSub struct {
	id     int
	tables map[string]struct{}
	types  map[EventType]struct{}
	ch     chan ChangeEvent
	onDrop func(ChangeEvent)
}

func NewFeed(defaultBuffer int) *Feed {
	if defaultBuffer <= 0 {
		defaultBuffer = 256
	}
	return &Feed{
		subs:       make(map[int]*feedSub),
		defaultBuf: defaultBuffer,
	}
}

// Subscribe registers a consumer for the given tables and event types. Empty
// tables or types match everything. The channel is closed when ctx is
// cancelled or the feed shuts down.
func (f *Feed) Subscribe(ctx context.Context, tables []string, types []EventType, opts SubscribeOptions) (<-chan ChangeEvent, error) {
	if f == nil {
		return nil, fmt.Errorf("feed not initialized")
	}
	buf := opts.Buffer
	if buf <= 0 {
		buf = f.defaultBuf
	}
	sub := &feedSub{
		tables: make(map[string]struct{}, len(tables)),
		types:  make(map[EventType]struct{}, len(types)),
		ch:     make(chan ChangeEvent, buf),
		onDrop: opts.OnDrop,
	}
	for _, t := range tables {
		sub.tables[t] = struct{}{}
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, fmt.Errorf("feed is closed")
	}
	f.nextID++
	sub.id = f.nextID
	f.subs[sub.id] = sub
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.remove(sub.id)
	}()
	return sub.ch, nil
}

// Publish delivers evt to every matching subscriber. Never blocks: a full
// subscriber channel drops the event instead of stalling the writer.
// Delivery happens under the feed mutex, the same lock that guards channel
// closure, so a publish can never race a cancellation's close.
func (f *Feed) Publish(table string, typ EventType, row []byte) {
	if f == nil {
		return
	}
	evt := ChangeEvent{Table: table, Type: typ, Row: row, At: time.Now()}

	type droppedSub struct {
		id     int
		onDrop func(ChangeEvent)
	}
	var dropped []droppedSub

	f.mu.Lock()
	for _, sub := range f.subs {
		if !sub.matches(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			dropped = append(dropped, droppedSub{id: sub.id, onDrop: sub.onDrop})
		}
	}
	f.mu.Unlock()

	// drop callbacks run outside the lock so they may touch the feed
	for _, d := range dropped {
		logger.Warnf("feed: subscriber %d lagging, dropped %s %s event", d.id, evt.Table, evt.Type)
		if d.onDrop != nil {
			d.onDrop(evt)
		}
	}
}

func (s *feedSub) matches(evt ChangeEvent) bool {
	if len(s.tables) > 0 {
		if _, ok := s.tables[evt.Table]; !ok {
			return false
		}
	}
	if len(s.types) > 0 {
		if _, ok := s.types[evt.Type]; !ok {
			return false
		}
	}
	return true
}

func (f *Feed) remove(id int) {
	f.mu.Lock()
	if sub, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(sub.ch)
	}
	f.mu.Unlock()
}

// Close shuts the feed down and closes every subscriber channel.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
	}
	f.mu.Unlock()
}
