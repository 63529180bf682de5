// Package scheduler implements the main-goroutine half of the runtime: the
// Scheduler itself, the Task promise chain and the Subscription pub/sub
// session — the single public surface application code drives, plus the
// reply-routing/release machinery that keeps it safe against reentrant
// calls from within a Step.
package scheduler

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duskline/evrelay/ev"
	"github.com/duskline/evrelay/ev/hub"
)

// Bridge is the narrow slice of *bridge.Bridge the scheduler needs — kept as
// an interface so tests can drive Step deterministically without a real
// event loop.
type Bridge interface {
	CallOnMainThread(fn func(), delay time.Duration)
	ThrowFatalException(err error)
}

// Object is anything the scheduler can drive: Task and Subscription both
// implement it. InvokeID/SetInvokeID let the scheduler assign the
// process-unique id exactly once, at first Push.
type Object interface {
	InvokeID() int64
	SetInvokeID(id int64)
	TypeTag() byte
	// Step advances the object's state machine. done reports whether the
	// object has reached a terminal state (the scheduler will release it);
	// next, when non-nil, is the request the scheduler ships to the hub.
	Step(result *ev.Result) (done bool, next *ev.Request)
}

type clientState struct {
	objectIDs map[int64]struct{}
	detached  bool
}

// Scheduler is the single main-goroutine API. Its maps are guarded
// by a mutex so application code may call Register/Push/Unregister from
// whatever goroutine is convenient (an HTTP handler, a queue consumer) while
// Step is still only ever invoked from the bridge's main-goroutine loop —
// the mutex protects the bookkeeping maps, not the single-threaded Step
// invariant itself, which the bridge enforces by construction.
type Scheduler struct {
	bridge Bridge
	logger ev.Logger

	conn *net.UnixConn

	idSeq     atomic.Int64
	handleSeq atomic.Uint64

	// pendingCallbacks counts replies posted by the hub but not yet routed on
	// the main goroutine — the one piece of state both goroutines read, kept
	// as a plain atomic for backpressure observability.
	pendingCallbacks atomic.Int64

	requests sync.Map // handle uint64 -> *ev.Request, consumed once by the hub

	mu        sync.Mutex
	objects   map[int64]Object
	clientOf  map[int64]any
	clients   map[any]*clientState
	zombies   []Object
	timeouts  map[int64]*timeoutEntry // keyed by a private timeout-id sequence
	timeoutID atomic.Int64
}

type timeoutEntry struct {
	client    any
	cancelled atomic.Bool
}

// New connects to the hub's inbox socket as a client and constructs an
// otherwise-empty scheduler.
func New(socketPath string, bridge Bridge, logger ev.Logger) (*Scheduler, error) {
	raddr, err := net.ResolveUnixAddr("unixgram", socketPath)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUnix("unixgram", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		bridge:   bridge,
		logger:   logger,
		conn:     conn,
		objects:  make(map[int64]Object),
		clientOf: make(map[int64]any),
		clients:  make(map[any]*clientState),
		timeouts: make(map[int64]*timeoutEntry),
	}, nil
}

// Resolve implements hub.RequestResolver, consuming (LoadAndDelete) the
// handle the scheduler registered when it sent the corresponding descriptor.
func (s *Scheduler) Resolve(handle uint64) (*ev.Request, bool) {
	v, ok := s.requests.LoadAndDelete(handle)
	if !ok {
		return nil, false
	}
	return v.(*ev.Request), true
}

// Callbacks wires this scheduler into a hub.Hub's Callbacks bundle.
func (s *Scheduler) Callbacks() hub.Callbacks {
	return hub.Callbacks{
		Resolve: s.Resolve,
		NextStep: func(invokeID int64, mode ev.Mode, target ev.Target, tag uint8, result *ev.Result) bool {
			s.postReply(func() { s.routeReply(invokeID, result) })
			return true
		},
		Publish: func(invokeID int64, target ev.Target, tag uint8, result *ev.Result) bool {
			s.postReply(func() { s.routeReply(invokeID, result) })
			return true
		},
		Disconnected: func(invokeID int64, target ev.Target, tag uint8) {
			s.postReply(func() { s.routeDisconnect(invokeID) })
		},
	}
}

func (s *Scheduler) postReply(fn func()) {
	s.pendingCallbacks.Add(1)
	s.bridge.CallOnMainThread(func() {
		defer s.pendingCallbacks.Add(-1)
		fn()
	}, 0)
}

// PendingCallbacks reports how many hub-posted replies are still waiting to
// run on the main goroutine.
func (s *Scheduler) PendingCallbacks() int64 {
	return s.pendingCallbacks.Load()
}

// Register creates an empty objects-set for client and sweeps zombies —
// registration is the only point where released objects are finally
// dropped; there is no other sweep.
func (s *Scheduler) Register(client any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; !ok {
		s.clients[client] = &clientState{objectIDs: make(map[int64]struct{})}
	}
	s.zombies = nil
}

// Unregister moves every object client owns to detached and cancels its
// pending timeouts; subsequent replies for those objects are dropped.
func (s *Scheduler) Unregister(client any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.clients[client]
	if !ok {
		return
	}
	cs.detached = true
	delete(s.clients, client)
	for id := range cs.objectIDs {
		s.clientOf[id] = client // retained so routeReply can see it's detached
	}
	for _, t := range s.timeouts {
		if t.client == client {
			t.cancelled.Store(true)
		}
	}
}

// Push assigns obj a process-unique invoke-id (if unset), registers it
// against client, and sends a NotSet-target descriptor to trigger its first
// Step.
func (s *Scheduler) Push(client any, obj Object) {
	s.mu.Lock()
	if obj.InvokeID() == 0 {
		obj.SetInvokeID(s.idSeq.Add(1))
	}
	id := obj.InvokeID()
	s.objects[id] = obj
	s.clientOf[id] = client
	cs, ok := s.clients[client]
	if !ok {
		cs = &clientState{objectIDs: make(map[int64]struct{})}
		s.clients[client] = cs
	}
	cs.objectIDs[id] = struct{}{}
	s.mu.Unlock()

	s.writeDescriptor(id, ev.OneShot, ev.NotSet, obj.TypeTag(), nil)
}

// SetClientTimeout schedules fn through the bridge after delay, suppressed
// if client unregisters before it fires.
func (s *Scheduler) SetClientTimeout(client any, delay time.Duration, fn func()) {
	id := s.timeoutID.Add(1)
	entry := &timeoutEntry{client: client}
	s.mu.Lock()
	s.timeouts[id] = entry
	s.mu.Unlock()

	s.bridge.CallOnMainThread(func() {
		s.mu.Lock()
		delete(s.timeouts, id)
		s.mu.Unlock()
		if !entry.cancelled.Load() {
			fn()
		}
	}, delay)
}

// CallOnMainThread schedules fn through the bridge after delay, like
// SetClientTimeout, but skips fn if client is no longer registered when it
// fires.
func (s *Scheduler) CallOnMainThread(client any, fn func(), delay time.Duration) {
	s.bridge.CallOnMainThread(func() {
		s.mu.Lock()
		_, stillRegistered := s.clients[client]
		s.mu.Unlock()
		if stillRegistered {
			fn()
		}
	}, delay)
}

// routeReply correlates a reply with its owning object and re-enters Step.
// Always runs on the main goroutine (posted via the bridge).
func (s *Scheduler) routeReply(invokeID int64, result *ev.Result) {
	s.mu.Lock()
	obj, ok := s.objects[invokeID]
	client := s.clientOf[invokeID]
	cs := s.clients[client]
	detached := cs == nil
	s.mu.Unlock()

	if !ok || detached {
		return // refused: unknown or detached; result is simply dropped
	}

	done, next := obj.Step(result)
	if done {
		s.release(invokeID)
		return
	}
	if next != nil {
		s.writeDescriptor(invokeID, next.Mode, next.Target, obj.TypeTag(), next)
	}
}

// routeDisconnect delivers a disconnect notification the same way a
// rejected reply would be delivered, so Task/Subscription can translate it
// into their Catch path.
func (s *Scheduler) routeDisconnect(invokeID int64) {
	s.routeReply(invokeID, ev.NewErrorResult(&ev.BackendError{Op: "disconnect", Err: context.Canceled}))
}

// release never deletes inline with a callback: it unmaps the object and
// promotes it to zombies for the next sweep, so a Step that synchronously
// issues further scheduler calls can't free memory still on its own stack.
func (s *Scheduler) release(invokeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[invokeID]
	client := s.clientOf[invokeID]
	delete(s.objects, invokeID)
	delete(s.clientOf, invokeID)
	if cs, ok := s.clients[client]; ok {
		delete(cs.objectIDs, invokeID)
	}
	if obj != nil {
		s.zombies = append(s.zombies, obj)
	}
}

// writeDescriptor registers req (if present) under a fresh handle and
// writes the wire descriptor to the hub's inbox socket.
func (s *Scheduler) writeDescriptor(invokeID int64, mode ev.Mode, target ev.Target, tag byte, req *ev.Request) {
	var handle uint64
	hasPtr := target != ev.NotSet && req != nil
	if hasPtr {
		handle = s.handleSeq.Add(1)
		s.requests.Store(handle, req)
	}
	msg := hub.EncodeDescriptor(invokeID, mode, target, tag, handle, hasPtr)
	if _, err := s.conn.Write(msg); err != nil {
		s.bridge.ThrowFatalException(&ev.FatalError{Reason: "failed to write inbox descriptor", Err: err})
	}
}

// Send writes a follow-up request against an already-registered object,
// reusing its invoke-id instead of allocating a new one. This is how a
// long-lived KeepAlive object (a Subscription) issues a new command — e.g. a
// Subscribe call made after the subscription is already connected — without
// going through Push again.
func (s *Scheduler) Send(obj Object, req *ev.Request) {
	s.writeDescriptor(obj.InvokeID(), req.Mode, req.Target, obj.TypeTag(), req)
}

// Close releases the scheduler's client socket.
func (s *Scheduler) Close() error {
	return s.conn.Close()
}
