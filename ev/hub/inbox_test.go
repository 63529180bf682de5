package hub

import (
	"testing"

	"github.com/duskline/evrelay/ev"
)

func TestDescriptorRoundTripWithPointer(t *testing.T) {
	d := descriptor{invokeID: 42, mode: ev.OneShot, target: ev.SQL, tag: 7, handle: 0xdeadbeef, hasPtr: true}

	raw := encodeDescriptor(d)
	if len(raw) < minDescriptorLen {
		t.Fatalf("encoded descriptor shorter than the documented minimum: got %d want >= %d", len(raw), minDescriptorLen)
	}

	got, err := decodeDescriptor(raw)
	if err != nil {
		t.Fatalf("decodeDescriptor: %v", err)
	}
	if got != d {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, d)
	}
}

func TestDescriptorNotSetTargetOmitsHandle(t *testing.T) {
	d := descriptor{invokeID: 1, mode: ev.OneShot, target: ev.NotSet, tag: 0}

	raw := encodeDescriptor(d)
	got, err := decodeDescriptor(raw)
	if err != nil {
		t.Fatalf("decodeDescriptor: %v", err)
	}
	if got.hasPtr {
		t.Fatal("expected hasPtr to be false when target is NotSet")
	}
	if got.handle != 0 {
		t.Fatalf("expected zero handle for a NotSet target, got %d", got.handle)
	}
}

func TestDescriptorMinimumLengthAccepted(t *testing.T) {
	// A NotSet-target descriptor with a single-digit invoke-id still pads out
	// to exactly the documented 31-byte minimum.
	d := descriptor{invokeID: 0, mode: 0, target: ev.NotSet, tag: 0}
	raw := encodeDescriptor(d)
	if len(raw) != minDescriptorLen {
		t.Fatalf("expected the zero-value descriptor to encode to exactly %d bytes, got %d", minDescriptorLen, len(raw))
	}
	if _, err := decodeDescriptor(raw); err != nil {
		t.Fatalf("expected the minimum-length descriptor to decode cleanly, got %v", err)
	}
}

func TestDescriptorTooShortIsRejected(t *testing.T) {
	raw := make([]byte, minDescriptorLen-1)
	for i := range raw {
		raw[i] = '0'
	}
	if _, err := decodeDescriptor(raw); err == nil {
		t.Fatal("expected a descriptor one byte under the minimum length to be rejected")
	}
}

func TestDescriptorMissingHandleFieldIsRejected(t *testing.T) {
	// target != NotSet but no fifth field present: 4 fields at exactly the
	// byte minimum, still missing the required handle.
	raw := []byte("0000000000000000042:001:002:007")
	for len(raw) < minDescriptorLen {
		raw = append(raw, ' ')
	}
	if _, err := decodeDescriptor(raw); err == nil {
		t.Fatal("expected a target-set descriptor with no handle field to be rejected")
	}
}

func TestDescriptorMalformedFieldIsRejected(t *testing.T) {
	raw := []byte("not-a-number-------:xxx:xxx:xxx:deadbeef")
	for len(raw) < minDescriptorLen {
		raw = append(raw, '0')
	}
	if _, err := decodeDescriptor(raw); err == nil {
		t.Fatal("expected a non-numeric invoke_id field to be rejected")
	}
}

func TestZeroPadWidthAndOverflow(t *testing.T) {
	if got := zeroPad(7, 3); got != "007" {
		t.Fatalf("zeroPad(7, 3) = %q, want %q", got, "007")
	}
	if got := zeroPad(1234, 3); got != "1234" {
		t.Fatalf("zeroPad should never truncate a value wider than width, got %q", got)
	}
}

func TestSplitFixedPreservesEmptyTrailingField(t *testing.T) {
	fields := splitFixed([]byte("a:b:"))
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields including a trailing empty one, got %d: %+v", len(fields), fields)
	}
	if string(fields[2]) != "" {
		t.Fatalf("expected trailing empty field, got %q", fields[2])
	}
}
