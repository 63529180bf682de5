package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/duskline/evrelay/ev"
)

type scheduledCall struct {
	delay time.Duration
	fn    func()
}

func newTestSubscription() (*Subscription, *[]*ev.Request, *[]scheduledCall) {
	var committed []*ev.Request
	var scheduled []scheduledCall
	sub := NewSubscription(SubscriptionCallbacks{
		Commit:        func(req *ev.Request) { committed = append(committed, req) },
		ScheduleAfter: func(delay time.Duration, fn func()) { scheduled = append(scheduled, scheduledCall{delay: delay, fn: fn}) },
	})
	return sub, &committed, &scheduled
}

func ackResult(kind ev.PubSubKind, channel, pattern string) *ev.Result {
	r := ev.NewResult()
	r.Attach(ev.DataObject{Value: &ev.PubSubReply{Kind: kind, Channel: channel, Pattern: pattern}})
	return r
}

func TestSubscriptionSubscribeDispatchesImmediatelyWhenIdle(t *testing.T) {
	sub, committed, _ := newTestSubscription()
	sub.Subscribe([]string{"a"})

	if len(*committed) != 1 {
		t.Fatalf("expected Subscribe to dispatch immediately via Commit, got %d calls", len(*committed))
	}
	cmd := (*committed)[0].Payload.(*ev.PubSubCommand)
	if cmd.Command != "SUBSCRIBE" || len(cmd.Names) != 1 || cmd.Names[0] != "a" {
		t.Fatalf("unexpected command payload: %+v", cmd)
	}
	if sub.ChannelStatus("a") != StatusSubscribing {
		t.Fatalf("expected channel status Subscribing before the ack arrives, got %v", sub.ChannelStatus("a"))
	}
}

func TestSubscriptionSubscribeTwiceReachesSameFinalStatus(t *testing.T) {
	once, _, _ := newTestSubscription()
	once.Subscribe([]string{"a"})
	once.Step(ackResult(ev.PubSubSubscribeAck, "a", ""))

	twice, _, _ := newTestSubscription()
	twice.Subscribe([]string{"a"})
	twice.Step(ackResult(ev.PubSubSubscribeAck, "a", ""))
	twice.Subscribe([]string{"a"})
	twice.Step(ackResult(ev.PubSubSubscribeAck, "a", ""))

	if once.ChannelStatus("a") != twice.ChannelStatus("a") {
		t.Fatalf("expected idempotent re-subscribe: once=%v twice=%v", once.ChannelStatus("a"), twice.ChannelStatus("a"))
	}
	if twice.ChannelStatus("a") != StatusSubscribed {
		t.Fatalf("expected final status Subscribed, got %v", twice.ChannelStatus("a"))
	}
}

func TestSubscriptionMessageDeliveryAndUnsubscribeScenario(t *testing.T) {
	var messages [][2]string // [channel, payload]
	var statuses []string
	sub := NewSubscription(SubscriptionCallbacks{
		OnMessage: func(channel, pattern string, payload []byte) {
			messages = append(messages, [2]string{channel, string(payload)})
		},
		OnStatus: func(name string, isPattern bool, status SubStatus) {
			statuses = append(statuses, name)
		},
		Commit:        func(req *ev.Request) {},
		ScheduleAfter: func(time.Duration, func()) {},
	})

	sub.Subscribe([]string{"a", "b"})

	ackBoth := ev.NewResult()
	ackBoth.Attach(ev.DataObject{Value: &ev.PubSubReply{Kind: ev.PubSubSubscribeAck, Channel: "a"}})
	ackBoth.Attach(ev.DataObject{Value: &ev.PubSubReply{Kind: ev.PubSubSubscribeAck, Channel: "b"}})
	sub.Step(ackBoth)

	if sub.ChannelStatus("a") != StatusSubscribed || sub.ChannelStatus("b") != StatusSubscribed {
		t.Fatalf("expected both channels Subscribed after their acks, got a=%v b=%v", sub.ChannelStatus("a"), sub.ChannelStatus("b"))
	}

	m1 := ev.NewResult()
	m1.Attach(ev.DataObject{Value: &ev.PubSubReply{Kind: ev.PubSubMessage, Channel: "a", Payload: []byte("m1")}})
	sub.Step(m1)

	m2 := ev.NewResult()
	m2.Attach(ev.DataObject{Value: &ev.PubSubReply{Kind: ev.PubSubMessage, Channel: "b", Payload: []byte("m2")}})
	sub.Step(m2)

	sub.Unsubscribe([]string{"a"})
	sub.Step(ackResult(ev.PubSubUnsubscribeAck, "a", ""))

	// A real backend stops delivering messages for an unsubscribed channel,
	// so m3 on "a" is never produced here — matching what the wire protocol
	// guarantees once the UNSUBSCRIBE ack lands.

	if len(messages) != 2 || messages[0] != [2]string{"a", "m1"} || messages[1] != [2]string{"b", "m2"} {
		t.Fatalf("expected exactly [m1 on a, m2 on b], got %+v", messages)
	}
	if sub.ChannelStatus("a") != StatusUnsubscribed {
		t.Fatalf("expected a to end Unsubscribed, got %v", sub.ChannelStatus("a"))
	}
	if sub.ChannelStatus("b") != StatusSubscribed {
		t.Fatalf("expected b to remain Subscribed, got %v", sub.ChannelStatus("b"))
	}
}

func TestSubscriptionReconnectBackoffDoublesThenGivesUp(t *testing.T) {
	sub, _, scheduled := newTestSubscription()
	var lost int
	sub.cb.OnConnectionLost = func() { lost++ }

	boom := errors.New("connection reset")
	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

	for i, want := range wantDelays {
		sub.Step(ev.NewErrorResult(boom))
		if len(*scheduled) != i+1 {
			t.Fatalf("disconnect %d: expected %d scheduled retries, got %d", i+1, i+1, len(*scheduled))
		}
		got := (*scheduled)[i].delay
		if got != want {
			t.Fatalf("disconnect %d: expected backoff delay %v, got %v", i+1, want, got)
		}
	}
	if lost != 0 {
		t.Fatalf("expected OnConnectionLost not to fire before hitting the cap, got %d calls", lost)
	}

	// A fifth disconnect, with reconnectTimeout already pinned at the 32s
	// cap, gives up instead of scheduling another retry.
	sub.Step(ev.NewErrorResult(boom))
	if len(*scheduled) != len(wantDelays) {
		t.Fatalf("expected no additional scheduled retry once giving up, got %d", len(*scheduled))
	}
	if lost != 1 {
		t.Fatalf("expected exactly one OnConnectionLost call once the backoff cap is hit, got %d", lost)
	}
}

func TestSubscriptionPongDuringRecoveryResubscribes(t *testing.T) {
	sub, committed, scheduled := newTestSubscription()
	sub.Subscribe([]string{"a"})
	sub.Step(ackResult(ev.PubSubSubscribeAck, "a", ""))

	sub.Step(ev.NewErrorResult(errors.New("reset")))
	if len(*scheduled) != 1 {
		t.Fatalf("expected one scheduled Ping retry, got %d", len(*scheduled))
	}

	*committed = nil
	(*scheduled)[0].fn() // fire the retry timer, which calls Subscription.Ping

	if len(*committed) != 1 {
		t.Fatalf("expected the fired retry to commit a PING, got %d commits", len(*committed))
	}
	if cmd := (*committed)[0].Payload.(*ev.PubSubCommand); cmd.Command != "PING" {
		t.Fatalf("expected a PING command, got %+v", cmd)
	}

	// The Pong arrives as a reply routed through Step, not as an out-of-band
	// Subscribe/Ping call, so the resubscribe it triggers comes back as
	// Step's own returned request rather than through cb.Commit.
	done, next := sub.Step(ackResult(ev.PubSubPong, "", ""))
	if done {
		t.Fatal("expected the subscription to never reach a terminal state")
	}
	if next == nil {
		t.Fatal("expected the Pong to trigger an immediate resubscribe request")
	}
	cmd := next.Payload.(*ev.PubSubCommand)
	if cmd.Command != "SUBSCRIBE" || len(cmd.Names) != 1 || cmd.Names[0] != "a" {
		t.Fatalf("expected a resubscribe to channel a, got %+v", cmd)
	}
}

func TestSubscriptionInvokeIDAndTypeTag(t *testing.T) {
	sub, _, _ := newTestSubscription()
	if sub.InvokeID() != 0 {
		t.Fatalf("expected a fresh subscription to have invoke-id 0, got %d", sub.InvokeID())
	}
	sub.SetInvokeID(3)
	if sub.InvokeID() != 3 {
		t.Fatalf("expected SetInvokeID to stick, got %d", sub.InvokeID())
	}
	if sub.TypeTag() != 'S' {
		t.Fatalf("expected Subscription's type tag to be 'S', got %q", sub.TypeTag())
	}
}
