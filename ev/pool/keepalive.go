package pool

import (
	"context"
	"time"

	"github.com/duskline/evrelay/ev"
)

// kaEntry pairs a running request with the device that's keeping it alive.
type kaEntry struct {
	req *ev.Request
	dev ev.Device
}

// KeepAliveCallbacks is the hub-supplied bundle for the KeepAliveHandler.
type KeepAliveCallbacks struct {
	// Publish delivers unsolicited data (e.g. a pub/sub message) to the
	// scheduler, passing the device's Result through as is.
	Publish func(invokeID int64, target ev.Target, tag uint8, result *ev.Result) bool
	// Disconnected notifies the scheduler a keep-alive device died.
	Disconnected func(invokeID int64, target ev.Target, tag uint8)
	Factory      DeviceFactory
	Fatal        ev.FatalCallback
}

// KeepAliveHandler holds one long-lived device per subscription request,
// cache-only.
type KeepAliveHandler struct {
	cb KeepAliveCallbacks

	running      map[*ev.Request][]kaEntry
	disconnected map[*ev.Request][]kaEntry

	reqByDev map[ev.Device]*ev.Request
	devByReq map[*ev.Request]ev.Device
}

func NewKeepAliveHandler(cb KeepAliveCallbacks) *KeepAliveHandler {
	return &KeepAliveHandler{
		cb:           cb,
		running:      make(map[*ev.Request][]kaEntry),
		disconnected: make(map[*ev.Request][]kaEntry),
		reqByDev:     make(map[ev.Device]*ev.Request),
		devByReq:     make(map[*ev.Request]ev.Device),
	}
}

// Push reuses or builds the device (registering as listener/handler on a
// newly built one), replaces prior entries for this request with a fresh
// one, then Connects.
func (h *KeepAliveHandler) Push(req *ev.Request) {
	var dev ev.Device
	if d, ok := h.devByReq[req]; ok {
		dev = d
	} else {
		dev = h.cb.Factory(ev.KVCache, -1)
		dev.Setup(h.cb.Fatal)
		dev.SetListener(h)
		dev.SetHandler(h)
	}

	h.running[req] = []kaEntry{{req: req, dev: dev}}
	h.reqByDev[dev] = req
	h.devByReq[req] = dev

	dev.Connect(context.Background(), func(status ev.ConnectionStatus, d ev.Device) {
		if status != ev.ConnConnected {
			return
		}
		// A successful connect kicks off the subscription command itself;
		// replies arrive asynchronously via OnUnhandledDataObjectReceived.
		req.ArmTimeout(time.Now())
		d.Execute(context.Background(), nil, req)
	})
}

// Idle walks every running entry and fires any elapsed request timeout.
func (h *KeepAliveHandler) Idle() {
	now := time.Now()
	for _, entries := range h.running {
		for _, e := range entries {
			e.req.CheckForTimeout(now)
		}
	}
}

// OnConnectionStatusChanged moves every running entry for the affected
// device's request to disconnected and schedules one disconnect
// notification per entry.
func (h *KeepAliveHandler) OnConnectionStatusChanged(status ev.ConnectionStatus, dev ev.Device) {
	if status == ev.ConnConnected {
		return
	}
	req, ok := h.reqByDev[dev]
	if !ok {
		return
	}
	entries := h.running[req]
	delete(h.running, req)
	h.disconnected[req] = entries

	for _, e := range entries {
		h.cb.Disconnected(e.req.InvokeID(), e.req.Target, e.req.Tag())
	}
	delete(h.disconnected, req)
	delete(h.reqByDev, dev)
	delete(h.devByReq, req)
}

// OnUnhandledDataObjectReceived hands result unchanged to the Publish
// callback, which routes it to the main goroutine.
func (h *KeepAliveHandler) OnUnhandledDataObjectReceived(dev ev.Device, req *ev.Request, result *ev.Result) bool {
	return h.cb.Publish(req.InvokeID(), req.Target, req.Tag(), result)
}

// Running reports whether req currently has a live keep-alive device —
// used by tests and diagnostics.
func (h *KeepAliveHandler) Running(req *ev.Request) bool {
	_, ok := h.devByReq[req]
	return ok
}
