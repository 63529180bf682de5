// Package pool implements the per-backend device pools that back the two
// request handlers: OneShotHandler (fire-and-reply, devices reused across
// requests) and KeepAliveHandler (one long-lived device per subscription).
// Every exported method on both handlers must only ever be called from the
// hub's single goroutine — neither type does its own locking; one goroutine
// owns these maps, full stop.
package pool

import (
	"context"
	"math/rand/v2"

	"github.com/duskline/evrelay/ev"
)

// Limits bounds one backend's device pool.
type Limits struct {
	MaxConnPerWorker  int
	MinQueriesPerConn int64 // -1 == unbounded
	MaxQueriesPerConn int64
}

func (l Limits) randomMaxReuse() int64 {
	if l.MinQueriesPerConn < 0 || l.MaxQueriesPerConn < 0 {
		return -1
	}
	if l.MaxQueriesPerConn <= l.MinQueriesPerConn {
		return l.MaxQueriesPerConn
	}
	span := l.MaxQueriesPerConn - l.MinQueriesPerConn + 1
	return l.MinQueriesPerConn + rand.Int64N(span)
}

// DeviceFactory constructs a fresh, unconnected device for the given target,
// with a reuse ceiling chosen per the backend's configured limits.
type DeviceFactory func(target ev.Target, maxReuse int64) ev.Device

// Callbacks is the bundle the hub wires a OneShotHandler up with.
type Callbacks struct {
	// NextStep routes a completed/rejected result back to the scheduler.
	// Returns false if the owning object refused it (already
	// detached/unknown), in which case the result is dropped.
	NextStep func(invokeID int64, target ev.Target, tag uint8, result *ev.Result) bool
	// Disconnected notifies the scheduler that a device serving this
	// request died mid-flight, with no result to deliver.
	Disconnected func(invokeID int64, target ev.Target, tag uint8)
	// Factory builds one backend's device.
	Factory DeviceFactory
	// Fatal receives panics recovered from backend callbacks.
	Fatal ev.FatalCallback
}

type binding struct {
	req *ev.Request
	dev ev.Device
}

// perTarget holds one backend's pool state. Invariant: a device is in
// exactly one of inUse, cached or zombies at any quiescent point.
type perTarget struct {
	limits Limits
	inUse  []ev.Device
	cached []ev.Device
	// zombies are devices pending release on the next sweep — never
	// re-entered once here.
	zombies []ev.Device

	reqByDev map[ev.Device]*ev.Request
	devByReq map[*ev.Request]ev.Device
}

func newPerTarget(limits Limits) *perTarget {
	return &perTarget{
		limits:   limits,
		reqByDev: make(map[ev.Device]*ev.Request),
		devByReq: make(map[*ev.Request]ev.Device),
	}
}

func (p *perTarget) bind(req *ev.Request, dev ev.Device) {
	p.reqByDev[dev] = req
	p.devByReq[req] = dev
}

func (p *perTarget) unbind(req *ev.Request, dev ev.Device) {
	delete(p.reqByDev, dev)
	delete(p.devByReq, req)
}

func removeDevice(list []ev.Device, dev ev.Device) []ev.Device {
	for i, d := range list {
		if d == dev {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// OneShotHandler pools and reuses devices for fire-and-reply requests:
// Push/drain/publish/invalidate plus the connection-status-driven zombie
// sweep.
type OneShotHandler struct {
	cb      Callbacks
	targets map[ev.Target]*perTarget

	pendingRequests  []*ev.Request
	completedResults []completion
	rejectedResults  []completion
}

type completion struct {
	req    *ev.Request
	result *ev.Result
}

// NewOneShotHandler wires up one pool per configured backend.
func NewOneShotHandler(cb Callbacks, limits map[ev.Target]Limits) *OneShotHandler {
	h := &OneShotHandler{cb: cb, targets: make(map[ev.Target]*perTarget, len(limits))}
	for t, l := range limits {
		h.targets[t] = newPerTarget(l)
	}
	return h
}

func (h *OneShotHandler) targetFor(t ev.Target) *perTarget {
	pt, ok := h.targets[t]
	if !ok {
		// A target with no configured limits is treated as fully closed,
		// same as max_conn_per_worker=0.
		pt = newPerTarget(Limits{MaxConnPerWorker: 0})
		h.targets[t] = pt
	}
	return pt
}

// Push enqueues req and runs the drain.
func (h *OneShotHandler) Push(req *ev.Request) {
	h.pendingRequests = append(h.pendingRequests, req)
	h.push()
}

// Idle re-runs the pending drain so requests that were queued behind a full
// pool get a chance once capacity frees up, and flushes completed/rejected.
// Request timeouts are a KeepAlive-only concern; OneShot requests time out
// via their own device's mechanisms.
func (h *OneShotHandler) Idle() {
	h.killZombies()
	h.push()
	h.publish()
}

func (h *OneShotHandler) killZombies() {
	for _, pt := range h.targets {
		pt.zombies = nil
	}
}

// push is the internal drain: walk pending, acquire or skip.
func (h *OneShotHandler) push() {
	h.killZombies()

	remaining := h.pendingRequests[:0]
	for _, req := range h.pendingRequests {
		if h.tryInvalidate(req) {
			continue
		}
		if !h.tryAcquire(req) {
			remaining = append(remaining, req)
		}
	}
	h.pendingRequests = remaining
	h.publish()
}

// tryInvalidate handles the Invalidate control flag. Returns true if req
// was fully handled (it always is, when Control == Invalidate).
func (h *OneShotHandler) tryInvalidate(req *ev.Request) bool {
	if req.Control != ev.Invalidate {
		return false
	}
	if req.Target != ev.KVCache && req.Target != ev.SQL {
		return false
	}
	pt := h.targetFor(req.Target)
	for _, d := range pt.inUse {
		d.InvalidateReuse()
	}
	h.purgeDevices(pt)

	req.MarkCompleted()
	h.completedResults = append(h.completedResults, completion{req: req, result: ev.NewResult()})
	return true
}

// purgeDevices drops every cached device for one target.
func (h *OneShotHandler) purgeDevices(pt *perTarget) {
	pt.zombies = append(pt.zombies, pt.cached...)
	pt.cached = nil
}

// tryAcquire attempts to bind req to a device immediately. Returns false if
// the per-target cap is reached and req must stay pending.
func (h *OneShotHandler) tryAcquire(req *ev.Request) bool {
	pt := h.targetFor(req.Target)
	if len(pt.inUse) >= pt.limits.MaxConnPerWorker {
		return false
	}

	var dev ev.Device
	if n := len(pt.cached); n > 0 {
		dev, pt.cached = pt.cached[n-1], pt.cached[:n-1]
	} else {
		dev = h.cb.Factory(req.Target, pt.limits.randomMaxReuse())
		dev.Setup(h.cb.Fatal)
		dev.SetListener(h)
		dev.SetHandler(h)
	}

	pt.bind(req, dev)

	status := dev.Connect(context.Background(), func(connStatus ev.ConnectionStatus, d ev.Device) {
		h.onConnected(pt, req, d, connStatus)
	})
	switch status {
	case ev.StatusAsync:
		pt.inUse = append(pt.inUse, dev)
		return true
	case ev.StatusNop:
		// Callback already ran synchronously: on ConnConnected onConnected
		// moved the device into inUse and issued Execute; on any other
		// status it rejected the request.
		return true
	default:
		h.rejectAcquire(pt, req, dev)
		return true // handled — removed from the acquire path either way
	}
}

func (h *OneShotHandler) onConnected(pt *perTarget, req *ev.Request, dev ev.Device, status ev.ConnectionStatus) {
	if status != ev.ConnConnected {
		h.rejectAcquire(pt, req, dev)
		return
	}
	if !contains(pt.inUse, dev) {
		pt.inUse = append(pt.inUse, dev)
	}
	dev.Execute(context.Background(), func(execStatus ev.ExecutionStatus, result *ev.Result) {
		h.onExecuted(pt, req, dev, execStatus, result)
	}, req)
}

func contains(list []ev.Device, dev ev.Device) bool {
	for _, d := range list {
		if d == dev {
			return true
		}
	}
	return false
}

// rejectAcquire handles a connect failure: attach the device's last error
// to a fresh Result and queue the rejection for publish. A device that
// failed to connect always goes to zombies rather than through the
// Reusable() check — every cached device must be Connected or
// never-connected, and this one is neither.
func (h *OneShotHandler) rejectAcquire(pt *perTarget, req *ev.Request, dev ev.Device) {
	pt.unbind(req, dev)
	pt.inUse = removeDevice(pt.inUse, dev)
	err := dev.DetachLastError()
	dev.SetUntracked()
	pt.zombies = append(pt.zombies, dev)
	h.rejectedResults = append(h.rejectedResults, completion{req: req, result: ev.NewErrorResult(&ev.BackendError{Target: req.Target, Op: "connect", Err: err})})
}

func (h *OneShotHandler) onExecuted(pt *perTarget, req *ev.Request, dev ev.Device, status ev.ExecutionStatus, result *ev.Result) {
	pt.unbind(req, dev)
	pt.inUse = removeDevice(pt.inUse, dev)

	dev.IncreaseReuseCount()
	// A device that reported an execute error never re-enters the idle pool,
	// however many uses it has left.
	if status == ev.ExecOk && dev.Reusable() {
		pt.cached = append(pt.cached, dev)
	} else {
		dev.SetUntracked()
		pt.zombies = append(pt.zombies, dev)
	}

	req.MarkCompleted()
	if status == ev.ExecOk {
		h.completedResults = append(h.completedResults, completion{req: req, result: result})
	} else {
		if result == nil {
			result = ev.NewErrorResult(&ev.BackendError{Target: req.Target, Op: "execute", Err: dev.DetachLastError()})
		}
		h.rejectedResults = append(h.rejectedResults, completion{req: req, result: result})
	}
	h.publish()
}

// publish drains completed then rejected, in that order, routed through the
// scheduler callback; a refused result is dropped.
func (h *OneShotHandler) publish() {
	all := make([]completion, 0, len(h.completedResults)+len(h.rejectedResults))
	all = append(all, h.completedResults...)
	all = append(all, h.rejectedResults...)
	h.completedResults = nil
	h.rejectedResults = nil

	for _, c := range all {
		if !h.cb.NextStep(c.req.InvokeID(), c.req.Target, c.req.Tag(), c.result) {
			// routing refused ownership — the result is simply dropped
			// (there is no explicit destructor to run in Go).
			_ = c.result
		}
	}
}

// OnConnectionStatusChanged implements ev.Listener — the zombie-promotion
// path for devices that die outside of a request's own callback.
func (h *OneShotHandler) OnConnectionStatusChanged(status ev.ConnectionStatus, dev ev.Device) {
	if status == ev.ConnConnected {
		return
	}
	for _, pt := range h.targets {
		found := contains(pt.inUse, dev) || contains(pt.cached, dev)
		if !found {
			continue
		}
		pt.inUse = removeDevice(pt.inUse, dev)
		pt.cached = removeDevice(pt.cached, dev)
		pt.zombies = append(pt.zombies, dev)

		if req, ok := pt.reqByDev[dev]; ok {
			pt.unbind(req, dev)
			h.cb.Disconnected(req.InvokeID(), req.Target, req.Tag())
		}
		return
	}
}

// OnUnhandledDataObjectReceived: OneShot never consumes unsolicited data.
func (h *OneShotHandler) OnUnhandledDataObjectReceived(ev.Device, *ev.Request, *ev.Result) bool {
	return false
}

// SanityCheck verifies the device-pool invariants. Intended to be called
// after structural mutations in debug builds/tests, not on every request in
// production.
func (h *OneShotHandler) SanityCheck() error {
	for t, pt := range h.targets {
		if len(pt.inUse) > pt.limits.MaxConnPerWorker {
			return &ev.FatalError{Reason: "in_use exceeds max_conn_per_worker", Err: nil}
		}
		if len(pt.reqByDev) != len(pt.devByReq) {
			return &ev.FatalError{Reason: "request/device map cardinality mismatch for target " + t.String()}
		}
	}
	return nil
}

// InUse reports the current in-use count for a target — used by tests and
// diagnostics.
func (h *OneShotHandler) InUse(t ev.Target) int {
	pt, ok := h.targets[t]
	if !ok {
		return 0
	}
	return len(pt.inUse)
}

// Cached reports the current cached count for a target.
func (h *OneShotHandler) Cached(t ev.Target) int {
	pt, ok := h.targets[t]
	if !ok {
		return 0
	}
	return len(pt.cached)
}
