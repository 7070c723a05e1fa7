package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a background worker with an explicit lifecycle.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener feeds every value received on in to handler from a single
// goroutine. A handler error is logged and the loop keeps going; background
// work here is always retried on the next input.
type Listener[T any] struct {
	name        string
	handler     func(input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	once   sync.Once
	cancel func()
}

func New[T any](
	name string,
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

// Every runs handler on each tick of a ticker with the given interval.
// The ticker is released on Stop.
func Every(name string, interval time.Duration, handler func(time.Time) error) *Listener[time.Time] {
	ticker := time.NewTicker(interval)
	return New(name, ticker.C, handler, ticker.Stop)
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp, ok := <-l.in:
				if !ok {
					return
				}
				if err := l.handler(inp); err != nil {
					slog.Warn("background job failed", "job", l.name, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop, waits for an in-progress handler call to return
// and runs the stop handler. Safe to call more than once.
func (l *Listener[T]) Stop() {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.stopHandler()
	})
}
