// Package httpdev implements the HTTP-backend ev.Device: a thin wrapper
// around *http.Client, one per device, dialing lazily on first Execute.
package httpdev

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/duskline/evrelay/ev"
	"github.com/duskline/evrelay/ev/pool"
)

// Device issues requests against one base URL.
type Device struct {
	*ev.BaseDevice

	baseURL string
	header  map[string]string
	client  *http.Client

	lastErr error
}

// NewFactory builds a pool.DeviceFactory bound to one base URL and a set of
// headers sent with every request (e.g. a static API key).
func NewFactory(baseURL string, header map[string]string, timeout time.Duration) pool.DeviceFactory {
	return func(target ev.Target, maxReuse int64) ev.Device {
		return &Device{
			BaseDevice: ev.NewBaseDevice(ev.LoggableData{Module: "http"}, maxReuse),
			baseURL:    baseURL,
			header:     header,
			client:     &http.Client{Timeout: timeout},
		}
	}
}

// Connect is a no-op: http.Client dials lazily per-request. Reported
// ConnConnected synchronously so the pool treats the device as usable right
// away.
func (d *Device) Connect(ctx context.Context, cb ev.ConnectedCallback) ev.Status {
	d.SetConnectionStatus(ev.ConnConnected, d)
	if cb != nil {
		cb(ev.ConnConnected, d)
	}
	return ev.StatusNop
}

func (d *Device) Disconnect(cb ev.ConnectedCallback) ev.Status {
	d.client.CloseIdleConnections()
	d.SetConnectionStatus(ev.ConnDisconnected, d)
	if cb != nil {
		cb(ev.ConnDisconnected, d)
	}
	return ev.StatusNop
}

func (d *Device) Execute(ctx context.Context, cb ev.ExecuteCallback, req *ev.Request) ev.Status {
	call, ok := req.Payload.(*ev.HTTPCall)
	if !ok {
		d.lastErr = fmt.Errorf("http device: unsupported payload type %T", req.Payload)
		if cb != nil {
			cb(ev.ExecError, nil)
		}
		return ev.StatusNop
	}

	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, call.Method, d.baseURL+call.Path, body)
	if err != nil {
		d.lastErr = err
		if cb != nil {
			cb(ev.ExecError, nil)
		}
		return ev.StatusNop
	}
	for k, v := range d.header {
		httpReq.Header.Set(k, v)
	}
	for k, v := range call.Header {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.lastErr = err
		if cb != nil {
			cb(ev.ExecError, nil)
		}
		return ev.StatusNop
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		d.lastErr = err
		if cb != nil {
			cb(ev.ExecError, nil)
		}
		return ev.StatusNop
	}

	result := ev.NewResult()
	result.Attach(ev.DataObject{Value: &ev.HTTPReply{
		StatusCode: resp.StatusCode,
		Header:     map[string][]string(resp.Header),
		Body:       respBody,
	}})
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
