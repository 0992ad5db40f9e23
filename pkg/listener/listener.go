// Package listener provides the single-goroutine, single-mailbox
// concurrency primitive: an actor built on it (in replicore, the failure
// detector) is a Listener reading its own channel, so all mutation of that
// actor's state happens on one goroutine without locks.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errListenerStopped = errors.New("listener stopped")

// Listener drains a single input channel on a dedicated goroutine, calling
// handler for each value in receipt order until Stop or context
// cancellation.
type Listener[T any] struct {
	handler     func(input T) error
	errHandler  func(input T, err error)
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

// New builds a Listener reading from in. If errHandler is not set via
// OnError, a handler error is fatal to the process, matching the
// fail-fast default of the actor primitives this is modeled on.
func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

// OnError installs a non-fatal error handler: instead of panicking, a
// handler error is reported to fn and the Listener keeps running. Must be
// called before Start.
func (l *Listener[T]) OnError(fn func(input T, err error)) *Listener[T] {
	l.errHandler = fn
	return l
}

// Start begins processing on a new goroutine. It returns immediately.
func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				panic("channel listener error: " + err.Error())
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp := <-l.in:
		if err := l.handler(inp); err != nil {
			if l.errHandler != nil {
				l.errHandler(inp, err)
				return nil
			}
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the processing goroutine, waits for it to exit, and runs
// the stop handler.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
