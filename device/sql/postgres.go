// Package sql implements the SQL-backend ev.Device: one pgx connection per
// device (not a pool — the pool discipline itself lives in ev/pool), with an
// optional list of post-connect statements run once per fresh connection.
package sql

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/duskline/evrelay/ev"
	"github.com/duskline/evrelay/ev/pool"
)

// Device is one Postgres connection.
type Device struct {
	*ev.BaseDevice

	dsn         string
	postConnect []string

	conn    *pgx.Conn
	lastErr error
}

// NewFactory builds a pool.DeviceFactory bound to one DSN. postConnect runs,
// in order, on every freshly dialed connection — e.g. `SET statement_timeout`.
func NewFactory(dsn string, postConnect []string) pool.DeviceFactory {
	return func(target ev.Target, maxReuse int64) ev.Device {
		return &Device{
			BaseDevice:  ev.NewBaseDevice(ev.LoggableData{Module: "sql"}, maxReuse),
			dsn:         dsn,
			postConnect: postConnect,
		}
	}
}

func (d *Device) Connect(ctx context.Context, cb ev.ConnectedCallback) ev.Status {
	conn, err := pgx.Connect(ctx, d.dsn)
	if err != nil {
		d.lastErr = err
		d.SetConnectionStatus(ev.ConnError, d)
		if cb != nil {
			cb(ev.ConnError, d)
		}
		return ev.StatusNop
	}

	for _, q := range d.postConnect {
		if _, err := conn.Exec(ctx, q); err != nil {
			d.lastErr = fmt.Errorf("post-connect %q: %w", q, err)
			_ = conn.Close(ctx)
			d.SetConnectionStatus(ev.ConnError, d)
			if cb != nil {
				cb(ev.ConnError, d)
			}
			return ev.StatusNop
		}
	}

	d.conn = conn
	d.SetConnectionStatus(ev.ConnConnected, d)
	if cb != nil {
		cb(ev.ConnConnected, d)
	}
	return ev.StatusNop
}

func (d *Device) Disconnect(cb ev.ConnectedCallback) ev.Status {
	if d.conn != nil {
		_ = d.conn.Close(context.Background())
	}
	d.SetConnectionStatus(ev.ConnDisconnected, d)
	if cb != nil {
		cb(ev.ConnDisconnected, d)
	}
	return ev.StatusNop
}

func (d *Device) Execute(ctx context.Context, cb ev.ExecuteCallback, req *ev.Request) ev.Status {
	q, ok := req.Payload.(*ev.SQLQuery)
	if !ok {
		d.lastErr = fmt.Errorf("sql device: unsupported payload type %T", req.Payload)
		if cb != nil {
			cb(ev.ExecError, nil)
		}
		return ev.StatusNop
	}

	rows, err := d.conn.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		d.lastErr = err
		if cb != nil {
			cb(ev.ExecError, nil)
		}
		return ev.StatusNop
	}
	defer rows.Close()

	result := ev.NewResult()
	fields := rows.FieldDescriptions()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			d.lastErr = err
			if cb != nil {
				cb(ev.ExecError, nil)
			}
			return ev.StatusNop
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		result.Attach(ev.DataObject{Value: &ev.SQLRow{Columns: row}})
	}
	if err := rows.Err(); err != nil {
		d.lastErr = err
		if cb != nil {
			cb(ev.ExecError, nil)
		}
		return ev.StatusNop
	}

	if cb != nil {
		cb(ev.ExecOk, result)
	}
	return ev.StatusNop
}

func (d *Device) DetachLastError() error {
	err := d.lastErr
	d.lastErr = nil
	return err
}
