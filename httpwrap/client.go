// Package httpwrap is the HTTP convenience wrapper: dial, send one request,
// correlate the one reply, JSON-decode it — one reusable Task builder over
// the HTTP device instead of a bespoke client per remote service.
//
// Everything here still runs through the Task/Scheduler pipeline: there is
// no blocking network call on the main goroutine. Get/PostJSON build a
// one-step Task and hand the caller's completion func to its Finally.
package httpwrap

import (
	"encoding/json"
	"fmt"

	"github.com/duskline/evrelay/ev"
	"github.com/duskline/evrelay/ev/scheduler"
)

// Pusher is the slice of the scheduler the client needs — kept narrow so
// tests can capture pushed tasks and drive their Steps directly.
type Pusher interface {
	Push(client any, obj scheduler.Object)
}

// Client issues convenience requests against one HTTP device target.
type Client struct {
	sched Pusher
}

func New(sched Pusher) *Client {
	return &Client{sched: sched}
}

// Get builds and pushes a one-step GET Task against path, JSON-decoding the
// response body into out (a pointer) before done is called. A non-2xx
// status or decode failure is reported to done as an error.
func (c *Client) Get(path string, out any, done func(err error)) {
	c.do("GET", path, nil, out, done)
}

// PostJSON is Get's counterpart for a JSON request body.
func (c *Client) PostJSON(path string, body any, out any, done func(err error)) {
	raw, err := json.Marshal(body)
	if err != nil {
		done(fmt.Errorf("httpwrap: encode request body: %w", err))
		return
	}
	c.do("POST", path, raw, out, done)
}

func (c *Client) do(method, path string, body []byte, out any, done func(err error)) {
	task := scheduler.NewTask().
		Then(func(prev *ev.Result) (*ev.Request, error) {
			return &ev.Request{
				Target: ev.HTTP,
				Mode:   ev.OneShot,
				Payload: &ev.HTTPCall{
					Method: method,
					Path:   path,
					Body:   body,
				},
			}, nil
		}).
		Catch(func(err error) {
			done(err)
		}).
		Finally(func(prev *ev.Result) {
			if prev == nil {
				return
			}
			obj, ok := prev.First()
			if !ok {
				return
			}
			reply, ok := obj.Value.(*ev.HTTPReply)
			if !ok {
				return
			}
			if reply.StatusCode < 200 || reply.StatusCode >= 300 {
				done(fmt.Errorf("httpwrap: %s %s: status %d", method, path, reply.StatusCode))
				return
			}
			if out != nil {
				if err := json.Unmarshal(reply.Body, out); err != nil {
					done(fmt.Errorf("httpwrap: decode response: %w", err))
					return
				}
			}
			done(nil)
		})

	// The Client itself is the owning scheduler client, so released tasks
	// don't each leave a one-off client entry behind.
	c.sched.Push(c, task)
}
