// Package queue implements the work-queue consumer: a beanstalkd
// reserve/dispatch/dispose loop, the canonical shape for that client
// (named directly in the configuration schema's `beanstalkd` section).
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beanstalkd/go-beanstalk"

	"github.com/duskline/evrelay/ev"
)

// Disposition is how a Handler finishes a reserved job.
type Disposition int

const (
	Delete Disposition = iota
	Release
	Bury
)

// Handler processes one job body and reports how it should be disposed of.
type Handler func(ctx context.Context, body []byte) Disposition

// Consumer reserves jobs from a fixed set of tubes and dispatches them to a
// single registered Handler.
type Consumer struct {
	conn    *beanstalk.Conn
	tubeSet *beanstalk.TubeSet
	timeout time.Duration
	handler Handler
	logger  ev.Logger
}

// Dial connects to a beanstalkd instance and watches tubes.
func Dial(addr string, tubes []string, timeout time.Duration, handler Handler, logger ev.Logger) (*Consumer, error) {
	conn, err := beanstalk.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("queue: dial %s: %w", addr, err)
	}

	ts := beanstalk.NewTubeSet(conn, tubes...)

	return &Consumer{
		conn:    conn,
		tubeSet: ts,
		timeout: timeout,
		handler: handler,
		logger:  logger,
	}, nil
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}

// Run reserves and dispatches jobs until ctx is cancelled. A reserve
// timeout is not an error; it simply loops back around so ctx.Done() gets
// checked.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		id, body, err := c.tubeSet.Reserve(c.timeout)
		if err != nil {
			var cerr beanstalk.ConnError
			if errors.As(err, &cerr) && errors.Is(cerr.Err, beanstalk.ErrTimeout) {
				continue
			}
			if c.logger != nil {
				c.logger.Errorf(ev.LoggableData{Module: "queue"}, "reserve: %v", err)
			}
			continue
		}

		c.dispatch(ctx, id, body)
	}
}

func (c *Consumer) dispatch(ctx context.Context, id uint64, body []byte) {
	disp := c.handler(ctx, body)

	var err error
	switch disp {
	case Delete:
		err = c.conn.Delete(id)
	case Release:
		err = c.conn.Release(id, 0, 0)
	case Bury:
		err = c.conn.Bury(id, 0)
	}
	if err != nil && c.logger != nil {
		c.logger.Errorf(ev.LoggableData{Module: "queue"}, "dispose job %d: %v", id, err)
	}
}
