package codec

import (
	"bytes"
	"errors"
	"testing"
)

// TestRoundTrip verifies decompress(maybeCompress(x)) == x for payloads
// around the threshold boundary.
func TestRoundTrip(t *testing.T) {
	c := New(DefaultThreshold)

	sizes := []int{0, 1, DefaultThreshold - 1, DefaultThreshold, DefaultThreshold + 1, 64 << 10}
	for _, n := range sizes {
		payload := bytes.Repeat([]byte("abc123"), n/6+1)[:n]

		out, compressed, err := c.MaybeCompress(payload)
		if err != nil {
			t.Fatalf("MaybeCompress(%d bytes) failed: %v", n, err)
		}

		if !compressed {
			if !bytes.Equal(out, payload) {
				t.Errorf("%d bytes: uncompressed payload was altered", n)
			}
			continue
		}

		back, err := c.Decompress(out)
		if err != nil {
			t.Fatalf("Decompress(%d bytes) failed: %v", n, err)
		}
		if !bytes.Equal(back, payload) {
			t.Errorf("%d bytes: round trip mismatch", n)
		}
	}
}

// TestThresholdBoundary verifies compression applies only strictly above
// the threshold.
func TestThresholdBoundary(t *testing.T) {
	c := New(100)

	_, compressed, err := c.MaybeCompress(make([]byte, 100))
	if err != nil {
		t.Fatalf("MaybeCompress failed: %v", err)
	}
	if compressed {
		t.Error("Payload at the threshold should not be compressed")
	}

	_, compressed, err = c.MaybeCompress(make([]byte, 101))
	if err != nil {
		t.Fatalf("MaybeCompress failed: %v", err)
	}
	if !compressed {
		t.Error("Payload above the threshold should be compressed")
	}
}

// TestDecompressCorruptPayload verifies corruption surfaces as
// ErrCompression rather than being treated as uncompressed data.
func TestDecompressCorruptPayload(t *testing.T) {
	c := New(0)

	for _, payload := range [][]byte{
		nil,
		[]byte("definitely not gzip"),
		{0x1f, 0x8b, 0xff, 0xff}, // valid magic, garbage after
	} {
		if _, err := c.Decompress(payload); !errors.Is(err, ErrCompression) {
			t.Errorf("Decompress(%q) = %v, want ErrCompression", payload, err)
		}
	}
}

// TestNewDefaultsThreshold verifies non-positive thresholds fall back to
// the default.
func TestNewDefaultsThreshold(t *testing.T) {
	if got := New(0).Threshold(); got != DefaultThreshold {
		t.Errorf("New(0).Threshold() = %d, want %d", got, DefaultThreshold)
	}
	if got := New(-5).Threshold(); got != DefaultThreshold {
		t.Errorf("New(-5).Threshold() = %d, want %d", got, DefaultThreshold)
	}
}
