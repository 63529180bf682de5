package scheduler

import (
	"os"
	"sync"
	"time"

	"github.com/duskline/evrelay/ev"
)

// subTypeTag distinguishes Subscription descriptors from Task ones.
const subTypeTag byte = 'S'

// SubCommand is the pub/sub verb a SubContext carries.
type SubCommand uint8

const (
	CmdSubscribe SubCommand = iota
	CmdUnsubscribe
	CmdPSubscribe
	CmdPUnsubscribe
	CmdPing
)

func (c SubCommand) wire() string {
	switch c {
	case CmdSubscribe:
		return "SUBSCRIBE"
	case CmdUnsubscribe:
		return "UNSUBSCRIBE"
	case CmdPSubscribe:
		return "PSUBSCRIBE"
	case CmdPUnsubscribe:
		return "PUNSUBSCRIBE"
	case CmdPing:
		return "PING"
	default:
		return ""
	}
}

// SubStatus is a channel or pattern's confirmed/pending membership state.
type SubStatus uint8

const (
	StatusNotSet SubStatus = iota
	StatusSubscribing
	StatusSubscribed
	StatusUnsubscribing
	StatusUnsubscribed
)

// SubContext is one pending or in-flight pub/sub command, possibly covering
// several names at once (a single SUBSCRIBE can list many channels).
type SubContext struct {
	Command SubCommand
	Names   []string
	Desired SubStatus
	acked   int
}

const (
	minReconnect = 2 * time.Second
	maxReconnect = 32 * time.Second
	ackTimeout   = 20 * time.Second
)

// SubscriptionCallbacks wires a Subscription into its owning scheduler and
// application code.
type SubscriptionCallbacks struct {
	Logger ev.Logger

	// SentinelPath, if set, is checked on an ack timeout; its presence
	// triggers Abort rather than a plain log line.
	SentinelPath string
	Abort        func()

	OnMessage        func(channel, pattern string, payload []byte)
	OnStatus         func(name string, isPattern bool, status SubStatus)
	OnConnectionLost func()

	// Commit dispatches req against the already-registered Subscription —
	// wired to Scheduler.Send by whoever constructs the Subscription.
	Commit func(req *ev.Request)
	// ScheduleAfter arranges for fn to run on the main goroutine after
	// delay — wired to Scheduler.CallOnMainThread.
	ScheduleAfter func(delay time.Duration, fn func())
}

// Subscription is a single long-lived pub/sub session: a KeepAlive
// scheduler Object whose Request is reused and re-payloaded for
// every SUBSCRIBE/UNSUBSCRIBE/PING issued over the connection's lifetime.
type Subscription struct {
	invokeID int64
	cb       SubscriptionCallbacks

	channels map[string][]*SubContext
	patterns map[string][]*SubContext

	channelStatus map[string]SubStatus
	patternStatus map[string]SubStatus

	pending  []*SubContext
	inFlight *SubContext

	request *ev.Request

	pingInFlight     bool
	recoveryMode     bool
	reconnectTimeout time.Duration
}

// NewSubscription constructs an idle Subscription — call Subscribe/Ping only
// after pushing it through Scheduler.Push.
func NewSubscription(cb SubscriptionCallbacks) *Subscription {
	return &Subscription{
		cb:               cb,
		channels:         make(map[string][]*SubContext),
		patterns:         make(map[string][]*SubContext),
		channelStatus:    make(map[string]SubStatus),
		patternStatus:    make(map[string]SubStatus),
		reconnectTimeout: minReconnect,
	}
}

func (s *Subscription) InvokeID() int64      { return s.invokeID }
func (s *Subscription) SetInvokeID(id int64) { s.invokeID = id }
func (s *Subscription) TypeTag() byte        { return subTypeTag }

// ChannelStatus reports a channel's last-known status.
func (s *Subscription) ChannelStatus(name string) SubStatus { return s.channelStatus[name] }

// PatternStatus reports a pattern's last-known status.
func (s *Subscription) PatternStatus(name string) SubStatus { return s.patternStatus[name] }

func (s *Subscription) Subscribe(names []string)    { s.enqueue(CmdSubscribe, names, false); s.maybeCommit() }
func (s *Subscription) Unsubscribe(names []string)  { s.enqueue(CmdUnsubscribe, names, false); s.maybeCommit() }
func (s *Subscription) PSubscribe(names []string)   { s.enqueue(CmdPSubscribe, names, true); s.maybeCommit() }
func (s *Subscription) PUnsubscribe(names []string) { s.enqueue(CmdPUnsubscribe, names, true); s.maybeCommit() }

// Ping enqueues a liveness probe, collapsing with any already in flight.
func (s *Subscription) Ping() {
	if s.pingInFlight {
		return
	}
	s.pingInFlight = true
	s.pending = append(s.pending, &SubContext{Command: CmdPing})
	s.maybeCommit()
}

func (s *Subscription) enqueue(cmd SubCommand, names []string, pattern bool) {
	if len(names) == 0 {
		return
	}
	desired := StatusSubscribing
	if cmd == CmdUnsubscribe || cmd == CmdPUnsubscribe {
		desired = StatusUnsubscribing
	}

	statusMap, ctxMap := s.channelStatus, s.channels
	if pattern {
		statusMap, ctxMap = s.patternStatus, s.patterns
	}

	ctx := &SubContext{Command: cmd, Names: names, Desired: desired}
	for _, n := range names {
		ctxMap[n] = append(ctxMap[n], ctx)
		if _, ok := statusMap[n]; !ok {
			statusMap[n] = desired
		}
	}
	s.pending = append(s.pending, ctx)
}

// maybeCommit dispatches the next pending command immediately if the
// connection is idle — used when Subscribe/Ping are called from outside a
// Step (i.e. not as a reaction to an incoming reply).
func (s *Subscription) maybeCommit() {
	if s.inFlight != nil || len(s.pending) == 0 {
		return
	}
	req := s.dispatchNext()
	if req != nil && s.cb.Commit != nil {
		s.cb.Commit(req)
	}
}

// Step implements scheduler.Object. A Subscription never reaches a terminal
// state on its own — done is always false — it only stops being driven when
// its owning client unregisters.
func (s *Subscription) Step(result *ev.Result) (bool, *ev.Request) {
	if result != nil {
		if err := result.Err(); err != nil {
			s.onDisconnect(err)
			return false, nil
		}
		s.handleResult(result)
	}
	if s.inFlight == nil && len(s.pending) > 0 {
		return false, s.dispatchNext()
	}
	return false, nil
}

func (s *Subscription) dispatchNext() *ev.Request {
	s.inFlight = s.pending[0]
	s.pending = s.pending[1:]
	s.inFlight.acked = 0

	if s.request == nil {
		s.request = &ev.Request{
			Target:   ev.KVCache,
			Mode:     ev.KeepAlive,
			Loggable: ev.LoggableData{Owner: s, Module: "subscription"},
		}
	}

	timeout := time.Duration(0)
	if s.inFlight.Command != CmdPing {
		timeout = ackTimeout
	}
	s.request.Payload = &ev.PubSubCommand{Command: s.inFlight.Command.wire(), Names: s.inFlight.Names}
	s.request.Rearm(timeout, s.onRequestTimeout)
	return s.request
}

func (s *Subscription) handleResult(result *ev.Result) {
	for _, obj := range result.Objects() {
		reply, ok := obj.Value.(*ev.PubSubReply)
		if !ok {
			continue
		}
		switch reply.Kind {
		case ev.PubSubMessage:
			if s.cb.OnMessage != nil {
				s.cb.OnMessage(reply.Channel, reply.Pattern, reply.Payload)
			}
		case ev.PubSubPong:
			s.handlePong()
		case ev.PubSubSubscribeAck, ev.PubSubUnsubscribeAck:
			s.handleAck(reply)
		}
	}
}

func (s *Subscription) handleAck(reply *ev.PubSubReply) {
	if s.inFlight == nil {
		return
	}
	name := reply.Channel
	isPattern := reply.Pattern != ""
	if isPattern {
		name = reply.Pattern
	}
	status := StatusSubscribed
	if reply.Kind == ev.PubSubUnsubscribeAck {
		status = StatusUnsubscribed
	}

	statusMap, ctxMap := s.channelStatus, s.channels
	if isPattern {
		statusMap, ctxMap = s.patternStatus, s.patterns
	}
	statusMap[name] = status
	ctxMap[name] = removeContext(ctxMap[name], s.inFlight)
	if s.cb.OnStatus != nil {
		s.cb.OnStatus(name, isPattern, status)
	}

	s.inFlight.acked++
	if s.inFlight.acked >= len(s.inFlight.Names) {
		s.request.CancelTimeout()
		s.inFlight = nil
	}
}

func (s *Subscription) handlePong() {
	s.pingInFlight = false
	if s.inFlight != nil && s.inFlight.Command == CmdPing {
		s.request.CancelTimeout()
		s.inFlight = nil
	}
	if s.recoveryMode {
		s.recoveryMode = false
		s.reconnectTimeout = minReconnect
		s.resubscribeAll()
	}
}

// resubscribeAll re-enqueues every channel/pattern the caller believed was
// (or was becoming) subscribed, after a reconnect — called from within Step,
// so it only enqueues; Step's own trailing check dispatches the first one.
func (s *Subscription) resubscribeAll() {
	for name, status := range s.channelStatus {
		if status == StatusSubscribed || status == StatusSubscribing {
			s.enqueue(CmdSubscribe, []string{name}, false)
		}
	}
	for name, status := range s.patternStatus {
		if status == StatusSubscribed || status == StatusSubscribing {
			s.enqueue(CmdPSubscribe, []string{name}, true)
		}
	}
}

// onDisconnect clears all in-flight/pending state, then backs off before
// retrying with a Ping. The backoff doubles
// 2s→32s; hitting the cap with the connection still down means give up,
// forgetting every channel/pattern link.
func (s *Subscription) onDisconnect(err error) {
	s.pending = nil
	s.inFlight = nil
	s.request = nil
	s.pingInFlight = false

	if s.recoveryMode && s.reconnectTimeout >= maxReconnect {
		s.recoveryMode = false
		s.reconnectTimeout = minReconnect
		s.forgetLinks()
		if s.cb.Logger != nil {
			s.cb.Logger.Errorf(ev.LoggableData{Module: "subscription"}, "giving up reconnecting after repeated disconnects: %v", err)
		}
		if s.cb.OnConnectionLost != nil {
			s.cb.OnConnectionLost()
		}
		return
	}

	s.recoveryMode = true
	delay := s.reconnectTimeout
	if delay <= 0 {
		delay = minReconnect
	}
	if s.cb.ScheduleAfter != nil {
		s.cb.ScheduleAfter(delay, s.Ping)
	}
	s.reconnectTimeout = delay * 2
	if s.reconnectTimeout > maxReconnect {
		s.reconnectTimeout = maxReconnect
	}
}

func (s *Subscription) forgetLinks() {
	s.channels = make(map[string][]*SubContext)
	s.patterns = make(map[string][]*SubContext)
	s.channelStatus = make(map[string]SubStatus)
	s.patternStatus = make(map[string]SubStatus)
}

// onRequestTimeout runs on the hub goroutine (the KeepAlive handler's Idle
// drives CheckForTimeout there) — it must not touch any Subscription field that
// Step also touches. cb is captured once at construction and never mutated,
// so reading it here is safe.
func (s *Subscription) onRequestTimeout(req *ev.Request) {
	if s.cb.SentinelPath != "" {
		if _, err := os.Stat(s.cb.SentinelPath); err == nil {
			if s.cb.Logger != nil {
				s.cb.Logger.Errorf(req.Loggable, "subscription command timed out; sentinel present, aborting")
			}
			if s.cb.Abort != nil {
				s.cb.Abort()
			}
			return
		}
	}
	if s.cb.Logger != nil {
		s.cb.Logger.Errorf(req.Loggable, "subscription command timed out")
	}
}

func removeContext(list []*SubContext, ctx *SubContext) []*SubContext {
	for i, c := range list {
		if c == ctx {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// SubscriptionLink is implemented by application code that wants messages
// for specific channels routed to it through a Manager.
type SubscriptionLink interface {
	OnMessage(channel string, payload []byte)
	OnStatus(name string, status SubStatus)
	OnConnectionLost()
}

// Manager is the per-process subscriptions manager: it owns the one
// long-lived Subscription and fans messages out to whichever
// clients linked themselves to a channel.
type Manager struct {
	mu     sync.Mutex
	sub    *Subscription
	byName map[string]map[any]SubscriptionLink
}

// NewManager builds and registers the singleton Subscription against sched.
func NewManager(sched *Scheduler, sentinelPath string, logger ev.Logger, abort func()) *Manager {
	m := &Manager{byName: make(map[string]map[any]SubscriptionLink)}
	m.sub = NewSubscription(SubscriptionCallbacks{
		Logger:           logger,
		SentinelPath:     sentinelPath,
		Abort:            abort,
		OnMessage:        m.dispatchMessage,
		OnStatus:         m.dispatchStatus,
		OnConnectionLost: m.dispatchLost,
		Commit:           func(req *ev.Request) { sched.Send(m.sub, req) },
		ScheduleAfter:    func(delay time.Duration, fn func()) { sched.CallOnMainThread(m, fn, delay) },
	})
	sched.Register(m)
	sched.Push(m, m.sub)
	return m
}

// Link registers client's interest in channel, subscribing on the wire only
// the first time any client wants it.
func (m *Manager) Link(client any, link SubscriptionLink, channel string) {
	m.mu.Lock()
	set, ok := m.byName[channel]
	if !ok {
		set = make(map[any]SubscriptionLink)
		m.byName[channel] = set
	}
	set[client] = link
	m.mu.Unlock()
	if !ok {
		m.sub.Subscribe([]string{channel})
	}
}

// Unlink removes client's interest, unsubscribing on the wire once no client
// is left interested in channel.
func (m *Manager) Unlink(client any, channel string) {
	m.mu.Lock()
	set, ok := m.byName[channel]
	empty := false
	if ok {
		delete(set, client)
		empty = len(set) == 0
		if empty {
			delete(m.byName, channel)
		}
	}
	m.mu.Unlock()
	if empty {
		m.sub.Unsubscribe([]string{channel})
	}
}

func (m *Manager) dispatchMessage(channel, pattern string, payload []byte) {
	name := channel
	if pattern != "" {
		name = pattern
	}
	for _, l := range m.linksFor(name) {
		l.OnMessage(channel, payload)
	}
}

func (m *Manager) dispatchStatus(name string, _ bool, status SubStatus) {
	for _, l := range m.linksFor(name) {
		l.OnStatus(name, status)
	}
}

func (m *Manager) dispatchLost() {
	m.mu.Lock()
	all := make(map[any]SubscriptionLink)
	for _, links := range m.byName {
		for c, l := range links {
			all[c] = l
		}
	}
	m.byName = make(map[string]map[any]SubscriptionLink)
	m.mu.Unlock()
	for _, l := range all {
		l.OnConnectionLost()
	}
}

func (m *Manager) linksFor(name string) []SubscriptionLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	links := make([]SubscriptionLink, 0, len(m.byName[name]))
	for _, l := range m.byName[name] {
		links = append(links, l)
	}
	return links
}
