package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed EventBus.
var ErrBusClosed = errors.New("event bus closed")

type EventBus struct {
	events  chan Event
	notices chan Notice
	done    chan struct{}
	closed  atomic.Bool
}

func NewEventBus() *EventBus {
	return &EventBus{
		events:  make(chan Event, 100),
		notices: make(chan Notice, 100),
		done:    make(chan struct{}),
	}
}

func (eb *EventBus) PublishEvent(ctx context.Context, ev Event) error {
	if eb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case eb.events <- ev:
		return nil
	case <-eb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (eb *EventBus) ConsumeEvent(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-eb.events:
		return ev, ok
	case <-eb.done:
		return Event{}, false
	case <-ctx.Done():
		return Event{}, false
	}
}

func (eb *EventBus) PublishNotice(ctx context.Context, n Notice) error {
	if eb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case eb.notices <- n:
		return nil
	case <-eb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (eb *EventBus) ConsumeNotice(ctx context.Context) (Notice, bool) {
	select {
	case n, ok := <-eb.notices:
		return n, ok
	case <-eb.done:
		return Notice{}, false
	case <-ctx.Done():
		return Notice{}, false
	}
}

func (eb *EventBus) Close() {
	if eb.closed.CompareAndSwap(false, true) {
		close(eb.done)
	}
}
