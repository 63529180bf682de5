// Package hub implements the single hub goroutine: it owns the I/O event
// loop, the UNIX datagram inbox socket, and both request handlers,
// dispatching incoming descriptors to them and routing completions back to
// the main goroutine through the Bridge.
package hub

import (
	"context"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/duskline/evrelay/ev"
	"github.com/duskline/evrelay/ev/pool"
)

// RequestResolver looks up the live *ev.Request a descriptor's handle refers
// to. The scheduler registers one entry per outstanding request right before
// sending its descriptor (see scheduler.Scheduler.writeDescriptor); the hub never keeps
// its own copy of this mapping — the scheduler owns all request state.
type RequestResolver func(handle uint64) (*ev.Request, bool)

// Callbacks bundles the reply-routing hooks. The hub calls them on its own
// goroutine; the scheduler's implementations post the work to the main
// goroutine via the bridge.
type Callbacks struct {
	Resolve RequestResolver
	// NextStep is called for a OneShot completion/rejection and for a
	// NotSet "step forward with no backend call" descriptor (result == nil
	// in the latter case).
	NextStep func(invokeID int64, mode ev.Mode, target ev.Target, tag uint8, result *ev.Result) bool
	// Publish delivers a KeepAlive unsolicited-data result.
	Publish func(invokeID int64, target ev.Target, tag uint8, result *ev.Result) bool
	// Disconnected notifies of a mid-flight device failure with no result.
	Disconnected func(invokeID int64, target ev.Target, tag uint8)
}

// CallOnMainThread matches the Bridge method the hub needs; kept as a narrow
// interface so tests can supply a synchronous stub instead of a real Bridge.
type CallOnMainThread interface {
	CallOnMainThread(fn func(), delay time.Duration)
	ThrowFatalException(err error)
}

// Hub owns the socket and both handlers. Every method on OneShotHandler and
// KeepAliveHandler, and every Device callback, runs on the single goroutine
// started by Run — one goroutine draining one channel stands in for a
// dedicated I/O thread.
type Hub struct {
	socketPath string
	conn       *net.UnixConn

	bridge CallOnMainThread
	logger ev.Logger

	oneShot   *pool.OneShotHandler
	keepAlive *pool.KeepAliveHandler

	cb Callbacks

	// jobs carries functions handed to Post — e.g. a device completion that
	// fires off a background goroutine — so they run on the goroutine
	// draining it in Run, alongside inbox dispatch and the idle/watchdog
	// ticks, and pool state is only ever touched by that one goroutine.
	jobs chan func()

	idleInterval time.Duration
	watchdogEach time.Duration

	abort atomic.Bool
	done  chan struct{}

	sqlInvalidateAll atomic.Bool // set by SIGTTIN
}

// New binds the inbox socket at socketPath (caller computes the
// `<run_dir>/ev-scheduler-<pid>.socket` path) and constructs both handlers
// against it.
func New(socketPath string, bridge CallOnMainThread, logger ev.Logger, factory pool.DeviceFactory, limits map[ev.Target]pool.Limits, cb Callbacks) (*Hub, error) {
	_ = os.Remove(socketPath)
	addr, err := net.ResolveUnixAddr("unixgram", socketPath)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		socketPath:   socketPath,
		conn:         conn,
		bridge:       bridge,
		logger:       logger,
		cb:           cb,
		jobs:         make(chan func(), 256),
		idleInterval: 50 * time.Millisecond,
		watchdogEach: 5 * time.Second,
		done:         make(chan struct{}),
	}

	h.oneShot = pool.NewOneShotHandler(pool.Callbacks{
		NextStep: func(invokeID int64, target ev.Target, tag uint8, result *ev.Result) bool {
			return h.cb.NextStep(invokeID, ev.OneShot, target, tag, result)
		},
		Disconnected: h.cb.Disconnected,
		Factory:      factory,
		Fatal:        h.fatal,
	}, limits)

	h.keepAlive = pool.NewKeepAliveHandler(pool.KeepAliveCallbacks{
		Publish:      h.cb.Publish,
		Disconnected: h.cb.Disconnected,
		Factory:      factory,
		Fatal:        h.fatal,
	})

	return h, nil
}

// Post schedules fn to run on the hub's own goroutine. Safe to call from any
// goroutine — this is how a device's background completion reaches back
// into pool state safely.
func (h *Hub) Post(fn func()) {
	select {
	case h.jobs <- fn:
	case <-h.done:
	}
}

// fatal logs a recovered handler panic, marshals it to the bridge for
// rethrow on the main goroutine, and flags the loop for teardown.
func (h *Hub) fatal(err error) {
	h.logger.Errorf(ev.LoggableData{Module: "hub"}, "fatal: %v", err)
	h.bridge.ThrowFatalException(err)
	h.abort.Store(true)
}

// Run is the hub's event loop: read the socket, dispatch jobs, tick idle and
// the watchdog, until ctx is cancelled or Shutdown is called.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.conn.Close()

	readErrs := make(chan error, 1)
	raw := make(chan []byte, 64)
	go h.readLoop(raw, readErrs)

	idle := time.NewTicker(h.idleInterval)
	defer idle.Stop()
	watchdog := time.NewTicker(h.watchdogEach)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-raw:
			h.safeDispatch(msg)
		case err := <-readErrs:
			if err != nil {
				h.fatal(err)
			}
			return
		case fn := <-h.jobs:
			h.safeRun(fn)
		case <-idle.C:
			h.safeRun(func() {
				h.oneShot.Idle()
				h.keepAlive.Idle()
			})
		case <-watchdog.C:
			if h.abort.Load() {
				return
			}
		}
	}
}

// Shutdown sets the abort flag, which Run checks on its next watchdog tick
// and then returns, and removes the socket file. It does not cancel Run's
// context; cancelling that context also breaks the loop.
func (h *Hub) Shutdown() {
	h.abort.Store(true)
	_ = os.Remove(h.socketPath)
}

// MarkSQLInvalidateOnReturn marks every SQL device invalidate-on-return, the
// SIGTTIN action — picked up on the hub goroutine rather than acted on
// directly from the signal handler, keeping the handler itself
// async-signal-safe.
func (h *Hub) MarkSQLInvalidateOnReturn() {
	h.sqlInvalidateAll.Store(true)
	h.Post(func() {
		if h.sqlInvalidateAll.CompareAndSwap(true, false) {
			h.oneShot.Push(&ev.Request{Target: ev.SQL, Control: ev.Invalidate})
		}
	})
}

func (h *Hub) readLoop(out chan<- []byte, errs chan<- error) {
	buf := make([]byte, 64*1024)
	for {
		n, err := h.conn.Read(buf)
		if err != nil {
			if h.abort.Load() {
				errs <- nil
				return
			}
			errs <- err
			return
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		select {
		case out <- msg:
		case <-h.done:
			return
		}
	}
}

func (h *Hub) safeDispatch(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.fatal(&ev.FatalError{Reason: "panic in dispatch", Err: toErr(r)})
		}
	}()
	h.dispatch(raw)
}

func (h *Hub) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.fatal(&ev.FatalError{Reason: "panic in hub job", Err: toErr(r)})
		}
	}()
	fn()
}

func toErr(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &ev.FatalError{Reason: "non-error panic value"}
}

// dispatch routes one decoded descriptor. A malformed message is fatal.
func (h *Hub) dispatch(raw []byte) {
	d, err := decodeDescriptor(raw)
	if err != nil {
		h.fatal(&ev.FatalError{Reason: "invalid inbox message", Err: err})
		return
	}

	if d.target == ev.NotSet {
		h.cb.NextStep(d.invokeID, d.mode, ev.NotSet, d.tag, nil)
		return
	}

	req, ok := h.cb.Resolve(d.handle)
	if !ok {
		h.fatal(&ev.FatalError{Reason: "inbox message referenced unknown request handle"})
		return
	}
	req.SetCorrelation(d.invokeID, d.tag)

	switch d.mode {
	case ev.OneShot:
		h.oneShot.Push(req)
	case ev.KeepAlive:
		h.keepAlive.Push(req)
	default:
		h.fatal(&ev.FatalError{Reason: "invalid inbox message: unknown mode"})
	}
}

// EncodeDescriptor renders one inbox message. Exported for the scheduler,
// which dials socketPath as a client and writes descriptors it assembles
// itself.
func EncodeDescriptor(invokeID int64, mode ev.Mode, target ev.Target, tag uint8, handle uint64, hasPtr bool) []byte {
	return encodeDescriptor(descriptor{invokeID: invokeID, mode: mode, target: target, tag: tag, handle: handle, hasPtr: hasPtr})
}
