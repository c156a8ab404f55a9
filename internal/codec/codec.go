// Package codec transparently compresses response payloads above a size
// threshold.
//
// Tiny payloads stay uncompressed so they never pay the fixed gzip header
// and dictionary overhead. Decompression failure is surfaced as
// ErrCompression rather than silently treating the bytes as uncompressed,
// so transport corruption is visible instead of hidden.
package codec

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
)

// DefaultThreshold is the payload size in bytes above which compression
// is applied.
const DefaultThreshold = 1 << 10 // 1 KB

// ErrCompression is returned when a payload that claims to be compressed
// cannot be decompressed. This is a transport-integrity error.
var ErrCompression = errors.New("payload decompression failed")

// Codec compresses and decompresses payloads with gzip.
type Codec struct {
	threshold int
}

// New creates a codec with the given compression threshold in bytes.
// Non-positive thresholds fall back to DefaultThreshold.
func New(threshold int) *Codec {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Codec{threshold: threshold}
}

// Threshold returns the configured compression threshold in bytes.
func (c *Codec) Threshold() int {
	return c.threshold
}

// MaybeCompress gzips payload when it is strictly larger than the threshold.
// Payloads at or below the threshold are returned unmodified with
// compressed=false.
func (c *Codec) MaybeCompress(payload []byte) ([]byte, bool, error) {
	if len(payload) <= c.threshold {
		return payload, false, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return nil, false, fmt.Errorf("compressing payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, false, fmt.Errorf("flushing compressed payload: %w", err)
	}
	return buf.Bytes(), true, nil
}

// Decompress is the lossless inverse of MaybeCompress for compressed
// payloads. Returns ErrCompression when the bytes are not valid gzip.
func (c *Codec) Decompress(payload []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	defer func() { _ = gz.Close() }()

	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	return out, nil
}
