// Package cache implements the cache-backend ev.Device: a Redis connection
// serving both OneShot command execution and the KeepAlive pub/sub session
// a Subscription drives.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/duskline/evrelay/ev"
	"github.com/duskline/evrelay/ev/pool"
)

// Device is one connection to a Redis endpoint.
type Device struct {
	*ev.BaseDevice

	opts *redis.Options
	post func(func())

	client *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc

	// currentReq is the KeepAlive request this device is executing commands
	// for — set on first Execute, reused across every subsequent command the
	// same Subscription issues.
	currentReq *ev.Request

	lastErr error
}

// NewFactory builds a pool.DeviceFactory bound to one Redis endpoint. post
// marshals a device's background I/O completions back onto the hub
// goroutine — ordinarily hub.Hub.Post.
func NewFactory(opts *redis.Options, post func(func())) pool.DeviceFactory {
	return func(target ev.Target, maxReuse int64) ev.Device {
		return &Device{
			BaseDevice: ev.NewBaseDevice(ev.LoggableData{Module: "cache"}, maxReuse),
			opts:       opts,
			post:       post,
		}
	}
}

func (d *Device) Connect(ctx context.Context, cb ev.ConnectedCallback) ev.Status {
	d.client = redis.NewClient(d.opts)
	if err := d.client.Ping(ctx).Err(); err != nil {
		d.lastErr = err
		d.SetConnectionStatus(ev.ConnError, d)
		if cb != nil {
			cb(ev.ConnError, d)
		}
		return ev.StatusNop
	}
	d.SetConnectionStatus(ev.ConnConnected, d)
	if cb != nil {
		cb(ev.ConnConnected, d)
	}
	return ev.StatusNop
}

func (d *Device) Disconnect(cb ev.ConnectedCallback) ev.Status {
	if d.cancel != nil {
		d.cancel()
	}
	if d.pubsub != nil {
		_ = d.pubsub.Close()
	}
	if d.client != nil {
		_ = d.client.Close()
	}
	d.SetConnectionStatus(ev.ConnDisconnected, d)
	if cb != nil {
		cb(ev.ConnDisconnected, d)
	}
	return ev.StatusNop
}

func (d *Device) Execute(ctx context.Context, cb ev.ExecuteCallback, req *ev.Request) ev.Status {
	switch payload := req.Payload.(type) {
	case *ev.CacheCommand:
		return d.executeCommand(ctx, cb, payload)
	case *ev.PubSubCommand:
		d.currentReq = req
		return d.executePubSub(ctx, cb, payload)
	default:
		d.lastErr = fmt.Errorf("cache device: unsupported payload type %T", req.Payload)
		if cb != nil {
			cb(ev.ExecError, nil)
		}
		return ev.StatusNop
	}
}

func (d *Device) executeCommand(ctx context.Context, cb ev.ExecuteCallback, payload *ev.CacheCommand) ev.Status {
	res, err := d.client.Do(ctx, payload.Args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		d.lastErr = err
		if cb != nil {
			cb(ev.ExecError, nil)
		}
		return ev.StatusNop
	}
	result := ev.NewResult()
	result.Attach(ev.DataObject{Value: &ev.CacheValue{Value: res}})
	if cb != nil {
		cb(ev.ExecOk, result)
	}
	return ev.StatusNop
}

func (d *Device) executePubSub(ctx context.Context, cb ev.ExecuteCallback, payload *ev.PubSubCommand) ev.Status {
	var err error
	switch payload.Command {
	case "SUBSCRIBE":
		d.ensurePubSub()
		err = d.pubsub.Subscribe(ctx, payload.Names...)
	case "PSUBSCRIBE":
		d.ensurePubSub()
		err = d.pubsub.PSubscribe(ctx, payload.Names...)
	case "UNSUBSCRIBE":
		if d.pubsub != nil {
			err = d.pubsub.Unsubscribe(ctx, payload.Names...)
		}
	case "PUNSUBSCRIBE":
		if d.pubsub != nil {
			err = d.pubsub.PUnsubscribe(ctx, payload.Names...)
		}
	case "PING":
		if d.pubsub != nil {
			err = d.pubsub.Ping(ctx)
		} else {
			err = d.client.Ping(ctx).Err()
		}
	default:
		err = fmt.Errorf("cache device: unknown pub/sub command %q", payload.Command)
	}

	if err != nil {
		d.lastErr = err
		if cb != nil {
			cb(ev.ExecError, nil)
		}
		return ev.StatusNop
	}
	// The ack/pong itself arrives asynchronously through receiveLoop and is
	// delivered via OnUnhandledDataObjectReceived, not this callback — Execute
	// here only confirms the command was sent.
	if cb != nil {
		cb(ev.ExecOk, ev.NewResult())
	}
	return ev.StatusNop
}

func (d *Device) ensurePubSub() {
	if d.pubsub != nil {
		return
	}
	d.pubsub = d.client.Subscribe(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.receiveLoop(ctx)
}

// receiveLoop runs on its own goroutine (go-redis's Receive blocks); every
// message it decodes is handed to d.post so it's actually processed on the
// hub goroutine, matching every other Device's single-goroutine contract.
func (d *Device) receiveLoop(ctx context.Context) {
	for {
		msg, err := d.pubsub.Receive(ctx)
		if err != nil {
			d.post(func() {
				d.SetConnectionStatus(ev.ConnDisconnected, d)
			})
			return
		}

		var reply *ev.PubSubReply
		switch m := msg.(type) {
		case *redis.Subscription:
			kind := ev.PubSubSubscribeAck
			if m.Kind == "unsubscribe" || m.Kind == "punsubscribe" {
				kind = ev.PubSubUnsubscribeAck
			}
			reply = &ev.PubSubReply{Kind: kind}
			if m.Kind == "psubscribe" || m.Kind == "punsubscribe" {
				reply.Pattern = m.Channel
			} else {
				reply.Channel = m.Channel
			}
		case *redis.Message:
			reply = &ev.PubSubReply{Kind: ev.PubSubMessage, Channel: m.Channel, Pattern: m.Pattern, Payload: []byte(m.Payload)}
		case *redis.Pong:
			reply = &ev.PubSubReply{Kind: ev.PubSubPong}
		default:
			continue
		}

		d.post(func() { d.deliver(reply) })
	}
}

func (d *Device) deliver(reply *ev.PubSubReply) {
	result := ev.NewResult()
	result.Attach(ev.DataObject{Value: reply})
	d.HandleUnhandledData(d, d.currentReq, result)
}

func (d *Device) DetachLastError() error {
	err := d.lastErr
	d.lastErr = nil
	return err
}
