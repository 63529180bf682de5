package ev

import "context"

// Target identifies the backend class a request (and the device that will
// serve it) belongs to.
type Target uint8

const (
	NotSet Target = iota
	KVCache
	SQL
	HTTP
)

func (t Target) String() string {
	switch t {
	case KVCache:
		return "cache"
	case SQL:
		return "sql"
	case HTTP:
		return "http"
	default:
		return "not-set"
	}
}

// Mode selects the pool-management strategy a request is handled under.
type Mode uint8

const (
	OneShot Mode = iota
	KeepAlive
)

// ControlFlag carries an out-of-band instruction riding along with a request.
type ControlFlag uint8

const (
	NoControl ControlFlag = iota
	Invalidate
)

// Status is returned by Connect and describes whether the callback will fire
// asynchronously or has already been honoured synchronously.
type Status uint8

const (
	StatusAsync Status = iota
	StatusNop
	StatusError
	StatusOutOfMemory
)

// ConnectionStatus is reported to a Listener on every transition, and passed
// to the Connect/Disconnect callbacks.
type ConnectionStatus uint8

const (
	ConnError ConnectionStatus = iota
	ConnConnected
	ConnDisconnected
)

// ExecutionStatus is reported to the Execute callback.
type ExecutionStatus uint8

const (
	ExecOk ExecutionStatus = iota
	ExecError
)

// ConnectedCallback is invoked by Connect, possibly synchronously.
type ConnectedCallback func(status ConnectionStatus, dev Device)

// ExecuteCallback is invoked by Execute exactly once.
type ExecuteCallback func(status ExecutionStatus, result *Result)

// FatalCallback receives any panic recovered from a backend-specific
// callback; the hub uses it to tear itself down.
type FatalCallback func(err error)

// Listener is notified of every connection-status transition a device makes,
// including ones not driven by an in-flight request, so a pool can expel a
// broken connection promptly.
type Listener interface {
	OnConnectionStatusChanged(status ConnectionStatus, dev Device)
}

// Handler is notified of data a device received without anyone asking for it
// — the mechanism subscriptions use to deliver pub/sub messages.
type Handler interface {
	// OnUnhandledDataObjectReceived returns true if it accepts ownership of
	// result; otherwise the caller releases it.
	OnUnhandledDataObjectReceived(dev Device, req *Request, result *Result) bool
}

// Device is a single connection to one backend. Implementations must be safe
// to drive exclusively from the hub goroutine — no internal locking is
// required or expected.
type Device interface {
	// Setup binds the device to the hub's fatal-exception path. Idempotent.
	Setup(fatal FatalCallback)

	// Connect dials the backend. Returns StatusAsync if cb will fire later,
	// StatusNop if cb has already been invoked synchronously — with
	// ConnConnected on success, or with the failure status otherwise.
	Connect(ctx context.Context, cb ConnectedCallback) Status

	// Disconnect tears the connection down; cb is invoked once the device has
	// fully disconnected.
	Disconnect(cb ConnectedCallback) Status

	// Execute runs exactly one request. Only one Execute may be in flight at
	// a time per device.
	Execute(ctx context.Context, cb ExecuteCallback, req *Request) Status

	// DetachLastError consumes and returns the last error recorded by this
	// device, or nil if none.
	DetachLastError() error

	SetListener(l Listener)
	SetHandler(h Handler)

	// IncreaseReuseCount records that this device served one more request.
	IncreaseReuseCount()
	ReuseCount() int64
	MaxReuse() int64

	// InvalidateReuse marks the device so it is never returned to the idle
	// pool again, even if otherwise healthy.
	InvalidateReuse()
	// Reusable reports whether the device may be returned to the cached pool:
	// not reuse-invalidated AND (MaxReuse() == -1 OR ReuseCount() < MaxReuse()).
	Reusable() bool

	Tracked() bool
	SetUntracked()

	ConnectionStatus() ConnectionStatus

	Loggable() LoggableData
}

// BaseDevice implements the bookkeeping every concrete Device embeds:
// reuse accounting, tracked/invalidated flags and the listener/handler
// references. Concrete devices embed *BaseDevice and implement Connect/
// Disconnect/Execute/DetachLastError themselves.
type BaseDevice struct {
	loggable LoggableData

	fatal FatalCallback

	listener Listener
	handler  Handler

	connStatus ConnectionStatus

	reuseCount int64
	maxReuse   int64 // -1 == unbounded

	reuseInvalidated bool
	tracked          bool
}

func NewBaseDevice(loggable LoggableData, maxReuse int64) *BaseDevice {
	return &BaseDevice{
		loggable:   loggable,
		maxReuse:   maxReuse,
		tracked:    true,
		connStatus: ConnDisconnected,
	}
}

func (b *BaseDevice) Setup(fatal FatalCallback) {
	if b.fatal == nil {
		b.fatal = fatal
	}
}

func (b *BaseDevice) SetListener(l Listener) { b.listener = l }
func (b *BaseDevice) SetHandler(h Handler)    { b.handler = h }

func (b *BaseDevice) IncreaseReuseCount() { b.reuseCount++ }
func (b *BaseDevice) ReuseCount() int64   { return b.reuseCount }
func (b *BaseDevice) MaxReuse() int64     { return b.maxReuse }

func (b *BaseDevice) InvalidateReuse() { b.reuseInvalidated = true }
func (b *BaseDevice) Reusable() bool {
	if b.reuseInvalidated {
		return false
	}
	return b.maxReuse == -1 || b.reuseCount < b.maxReuse
}

func (b *BaseDevice) Tracked() bool   { return b.tracked }
func (b *BaseDevice) SetUntracked()   { b.tracked = false }

func (b *BaseDevice) ConnectionStatus() ConnectionStatus { return b.connStatus }
func (b *BaseDevice) Loggable() LoggableData             { return b.loggable }

// setConnectionStatus updates the status and, if a listener is registered,
// notifies it of the transition — concrete devices call this from their own
// Connect/Disconnect/Execute implementations.
func (b *BaseDevice) setConnectionStatus(status ConnectionStatus, self Device) {
	b.connStatus = status
	if b.listener != nil {
		b.listener.OnConnectionStatusChanged(status, self)
	}
}

// SetConnectionStatus is the exported form used by backend device packages
// (they live outside ev, so the lower-case method above isn't reachable).
func (b *BaseDevice) SetConnectionStatus(status ConnectionStatus, self Device) {
	b.setConnectionStatus(status, self)
}

// Fatal reports a panic recovered inside a backend-specific callback. Safe
// to call with a nil fatal callback (no-op).
func (b *BaseDevice) Fatal(err error) {
	if b.fatal != nil {
		b.fatal(err)
	}
}

// HandleUnhandledData forwards unsolicited data to the registered Handler,
// if any.
func (b *BaseDevice) HandleUnhandledData(self Device, req *Request, result *Result) bool {
	if b.handler == nil {
		return false
	}
	return b.handler.OnUnhandledDataObjectReceived(self, req, result)
}
