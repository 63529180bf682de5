package hub

import (
	"fmt"
	"strconv"

	"github.com/duskline/evrelay/ev"
)

// descriptor is the parsed form of the fixed-width ASCII inbox message:
//
//	<invoke_id:19>:<mode:3>:<target:3>:<tag:3>[:<request_pointer_hex>]
//
// Minimum length 31 bytes; the pointer field is present iff target != NotSet.
// "Pointer" here is a registry handle (an opaque uint64 key), never a raw Go
// pointer — memory safety across the datagram boundary is achieved by
// indirecting through the scheduler's request registry, not by encoding
// addresses.
type descriptor struct {
	invokeID int64
	mode     ev.Mode
	target   ev.Target
	tag      uint8
	handle   uint64
	hasPtr   bool
}

const minDescriptorLen = 31

func zeroPad(v int64, width int) string {
	s := strconv.FormatInt(v, 10)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// encodeDescriptor renders d into the wire format described above.
func encodeDescriptor(d descriptor) []byte {
	s := zeroPad(d.invokeID, 19) + ":" + zeroPad(int64(d.mode), 3) + ":" + zeroPad(int64(d.target), 3) + ":" + zeroPad(int64(d.tag), 3)
	if d.hasPtr {
		s += ":" + fmt.Sprintf("%x", d.handle)
	}
	return []byte(s)
}

// decodeDescriptor parses a raw datagram payload. A malformed or undersized
// message is a fatal error — the hub never attempts to tolerate it.
func decodeDescriptor(raw []byte) (descriptor, error) {
	if len(raw) < minDescriptorLen {
		return descriptor{}, fmt.Errorf("inbox message too short: %d bytes (want >= %d)", len(raw), minDescriptorLen)
	}

	fields := splitFixed(raw)
	if len(fields) < 4 {
		return descriptor{}, fmt.Errorf("inbox message malformed: expected at least 4 fields, got %d", len(fields))
	}

	invokeID, err := strconv.ParseInt(string(fields[0]), 10, 64)
	if err != nil {
		return descriptor{}, fmt.Errorf("inbox message: bad invoke_id: %w", err)
	}
	modeVal, err := strconv.ParseInt(string(fields[1]), 10, 8)
	if err != nil {
		return descriptor{}, fmt.Errorf("inbox message: bad mode: %w", err)
	}
	targetVal, err := strconv.ParseInt(string(fields[2]), 10, 8)
	if err != nil {
		return descriptor{}, fmt.Errorf("inbox message: bad target: %w", err)
	}
	tagVal, err := strconv.ParseInt(string(fields[3]), 10, 8)
	if err != nil {
		return descriptor{}, fmt.Errorf("inbox message: bad tag: %w", err)
	}

	d := descriptor{
		invokeID: invokeID,
		mode:     ev.Mode(modeVal),
		target:   ev.Target(targetVal),
		tag:      uint8(tagVal),
	}

	if d.target != ev.NotSet {
		if len(fields) < 5 {
			return descriptor{}, fmt.Errorf("inbox message: target set but no request pointer field")
		}
		handle, err := strconv.ParseUint(string(fields[4]), 16, 64)
		if err != nil {
			return descriptor{}, fmt.Errorf("inbox message: bad request pointer: %w", err)
		}
		d.handle = handle
		d.hasPtr = true
	}

	return d, nil
}

// splitFixed splits on ':' without allocating a []string per field the way
// bytes.Split's semantics would require re-slicing for; simple and fast
// enough for a 31+-byte datagram.
func splitFixed(raw []byte) [][]byte {
	var fields [][]byte
	start := 0
	for i, b := range raw {
		if b == ':' {
			fields = append(fields, raw[start:i])
			start = i + 1
		}
	}
	fields = append(fields, raw[start:])
	return fields
}
