package main

import (
	"context"
	"fmt"
	"time"

	"github.com/duskline/evrelay/config"
	"github.com/duskline/evrelay/ev"
	"github.com/duskline/evrelay/ev/scheduler"
	"github.com/duskline/evrelay/httpwrap"
	"github.com/duskline/evrelay/jsonsql"
	"github.com/duskline/evrelay/queue"
)

// defaultJobChannel is the cache channel reserved job bodies are published
// on when no override is stored; downstream workers pick jobs up as pub/sub
// subscribers instead of polling the queue themselves.
const defaultJobChannel = "evrelay.jobs"

// jobRelayDocKey is the document the relay reads its routing config from —
// operators can repoint the relay channel by editing the stored document,
// no restartless config layer needed beyond that.
const jobRelayDocKey = "job-relay"

// startJobConsumer dials beanstalkd (if configured) and relays every
// reserved job through the scheduler: one cache-backend Task per job,
// publishing the body on the relay channel. The disposition follows the
// task outcome — Delete on a published job, Release on a transient failure
// so another worker can retry it. Failed relays are additionally reported
// to alertURL (if set) through the HTTP wrapper.
func startJobConsumer(ctx context.Context, cfg config.Beanstalkd, sched *scheduler.Scheduler, docs *jsonsql.Store, alerts *httpwrap.Client, alertURL string, logger ev.Logger) {
	if cfg.Host == "" || len(cfg.Tubes) == 0 {
		return
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	timeout := time.Duration(cfg.Timeout * float64(time.Second))

	relay := &jobRelay{
		sched:    sched,
		channel:  relayChannel(ctx, docs, logger),
		alerts:   alerts,
		alertURL: alertURL,
		logger:   logger,
	}
	sched.Register(relay)

	go func() {
		defer sched.Unregister(relay)
		for ctx.Err() == nil {
			consumer, err := queue.Dial(addr, cfg.Tubes, timeout, relay.handle, logger)
			if err != nil {
				logger.Errorf(ev.LoggableData{Module: "jobs"}, "beanstalkd dial: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			_ = consumer.Run(ctx)
			_ = consumer.Close()
		}
	}()
}

// relayChannel resolves the relay's publish channel from the stored routing
// document, seeding the document with the default on first run so operators
// have a row to edit.
func relayChannel(ctx context.Context, docs *jsonsql.Store, logger ev.Logger) string {
	if docs == nil {
		return defaultJobChannel
	}
	doc, err := docs.GetDocument(ctx, jobRelayDocKey)
	if err != nil {
		logger.Errorf(ev.LoggableData{Module: "jobs"}, "load %s document: %v", jobRelayDocKey, err)
		return defaultJobChannel
	}
	if doc == nil {
		if err := docs.SetDocument(ctx, jobRelayDocKey, map[string]any{"channel": defaultJobChannel}); err != nil {
			logger.Errorf(ev.LoggableData{Module: "jobs"}, "seed %s document: %v", jobRelayDocKey, err)
		}
		return defaultJobChannel
	}
	if ch, ok := doc["channel"].(string); ok && ch != "" {
		return ch
	}
	return defaultJobChannel
}

// jobRelay is the queue.Handler side of the relay. handle runs on the
// consumer's own goroutine and blocks until the Task's terminal callback
// fires on the main goroutine; the Scheduler's public surface is safe to
// call from here.
type jobRelay struct {
	sched    *scheduler.Scheduler
	channel  string
	alerts   *httpwrap.Client
	alertURL string
	logger   ev.Logger
}

func (r *jobRelay) handle(ctx context.Context, body []byte) queue.Disposition {
	done := make(chan queue.Disposition, 1)

	task := scheduler.NewTask().
		Then(func(prev *ev.Result) (*ev.Request, error) {
			return &ev.Request{
				Target:   ev.KVCache,
				Mode:     ev.OneShot,
				Loggable: ev.LoggableData{Owner: r, Module: "jobs"},
				Payload:  &ev.CacheCommand{Args: []any{"PUBLISH", r.channel, string(body)}},
			}, nil
		}).
		Catch(func(err error) {
			r.alert(err)
			done <- queue.Release
		}).
		Finally(func(prev *ev.Result) {
			if prev != nil && prev.Err() != nil {
				return // Catch already reported the disposition
			}
			done <- queue.Delete
		})
	r.sched.Push(r, task)

	select {
	case <-ctx.Done():
		return queue.Release
	case d := <-done:
		return d
	}
}

// alert posts a failed-relay notification to the configured webhook. Fire
// and forget: the job is released back to the queue regardless, the webhook
// only gives operators a trail.
func (r *jobRelay) alert(relayErr error) {
	if r.alerts == nil || r.alertURL == "" {
		return
	}
	payload := map[string]any{
		"source":  "evrelay",
		"channel": r.channel,
		"error":   relayErr.Error(),
	}
	r.alerts.PostJSON(r.alertURL, payload, nil, func(err error) {
		if err != nil {
			r.logger.Errorf(ev.LoggableData{Module: "jobs"}, "alert webhook: %v", err)
		}
	})
}
