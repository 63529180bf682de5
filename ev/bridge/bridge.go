// Package bridge implements the two-way conduit between the hub goroutine
// and the main goroutine, built directly on top of
// github.com/joeycumines/go-eventloop's Loop: Loop.Submit is documented
// safe to call from any goroutine and preserves FIFO order for
// equal-priority submissions, which is exactly the ordering guarantee
// same-delay CallOnMainThread calls need; Loop.ScheduleTimer gives the
// delayed-submission primitive for free.
package bridge

import (
	"context"
	"time"

	"github.com/joeycumines/go-eventloop"
)

// FatalHandler is invoked on the main goroutine when the hub goroutine
// reports a fatal exception.
type FatalHandler func(err error)

// Bridge owns the main-goroutine-side event loop. The hub goroutine never
// touches *eventloop.Loop directly — it only ever calls CallOnMainThread or
// ThrowFatalException, both of which are safe from any goroutine.
type Bridge struct {
	loop    *eventloop.Loop
	onFatal FatalHandler
}

// New constructs a Bridge and its underlying loop. Run must be called (on
// the goroutine that will become "the main goroutine") to actually pump it.
func New(onFatal FatalHandler) (*Bridge, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	return &Bridge{loop: loop, onFatal: onFatal}, nil
}

// Run pumps the main-goroutine loop until ctx is cancelled or Shutdown is
// called. This must run on the goroutine application code considers "main".
func (b *Bridge) Run(ctx context.Context) error {
	return b.loop.Run(ctx)
}

// Shutdown stops the loop, letting whoever called Run return.
func (b *Bridge) Shutdown(ctx context.Context) error {
	return b.loop.Shutdown(ctx)
}

// CallOnMainThread enqueues fn to run on the main goroutine after delay
// (0 == ASAP). Safe to call from the hub goroutine or any other goroutine.
// Multiple zero-delay calls are delivered in submission order.
func (b *Bridge) CallOnMainThread(fn func(), delay time.Duration) {
	if delay <= 0 {
		_ = b.loop.Submit(fn)
		return
	}
	_, _ = b.loop.ScheduleTimer(delay, fn)
}

// ThrowFatalException stashes err and schedules it to fire on the main
// goroutine at the top of the next loop iteration. Must never be
// called in a way that could destroy the bridge itself — callers on the hub
// goroutine call this from their top-level recover(), never from deep in a
// destructor-equivalent path.
func (b *Bridge) ThrowFatalException(err error) {
	b.CallOnMainThread(func() {
		if b.onFatal != nil {
			b.onFatal(err)
		}
	}, 0)
}
