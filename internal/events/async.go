package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Async moves delivery to a background worker so slow sinks never stall the
// detector or executor. When the buffer is full the event is dropped and
// counted.
type Async struct {
	next    domain.EventSink
	ch      chan asyncEvent
	dropped atomic.Int64
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type asyncEvent struct {
	ctx context.Context
	ev  domain.Event
}

func NewAsync(next domain.EventSink, buffer int, logger *slog.Logger) *Async {
	if buffer < 1 {
		buffer = 256
	}
	a := &Async{
		next:   next,
		ch:     make(chan asyncEvent, buffer),
		logger: logger.With(slog.String("component", "event_async")),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

// Emit queues ev for delivery. Events emitted after Close are dropped.
func (a *Async) Emit(ctx context.Context, ev domain.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(ctx, ev, "event sink closed, dropping")
		return
	}
	select {
	case a.ch <- asyncEvent{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		a.drop(ctx, ev, "event buffer full, dropping")
	}
}

func (a *Async) drop(ctx context.Context, ev domain.Event, msg string) {
	if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
		a.logger.WarnContext(ctx, msg,
			slog.String("event", string(ev.Type)),
			slog.Int64("dropped", n),
		)
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events and waits until the buffer is drained or ctx
// expires. It is safe to call more than once.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) loop() {
	defer close(a.done)
	for e := range a.ch {
		a.next.Emit(e.ctx, e.ev)
	}
}
