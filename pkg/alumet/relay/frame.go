// Package relay implements the client/server pair that forwards
// measurement batches between two runtime instances. The client is an
// Output plugged into the source agent's pipeline; the server is a
// Source plugged into the collector agent's pipeline.
//
// Each batch is framed as `{seq, batch}` and CBOR-encoded
// (github.com/fxamacker/cbor/v2) behind a length-prefixed TCP stream.
package relay

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// WirePoint is the over-the-wire form of a measurement.MeasurementPoint.
// It carries the metric by name, not by process-local Id, since the
// server trusts the client's metric names and resolves them itself.
type WirePoint struct {
	TimestampUnixNano int64             `cbor:"1,keyasint"`
	MetricName        string            `cbor:"2,keyasint"`
	ResourceKind      uint8             `cbor:"3,keyasint"`
	ResourceIndex     uint32            `cbor:"4,keyasint"`
	ConsumerKind      uint8             `cbor:"5,keyasint"`
	ConsumerPid       uint32            `cbor:"6,keyasint"`
	ConsumerPath      string            `cbor:"7,keyasint"`
	IsFloat           bool              `cbor:"8,keyasint"`
	ValueU64          uint64            `cbor:"9,keyasint"`
	ValueF64          float64           `cbor:"10,keyasint"`
	Attributes        map[string]string `cbor:"11,keyasint,omitempty"`
}

// Frame is one batch on the wire, keyed by a per-client sequence number
// that keeps counting across reconnects. The Server does not inspect Seq.
type Frame struct {
	Seq      uint64      `cbor:"1,keyasint"`
	ClientID string      `cbor:"2,keyasint"`
	Batch    []WirePoint `cbor:"3,keyasint"`
}

// maxFrameBytes bounds a single frame's encoded size, as a sanity check
// against a corrupt or hostile length prefix.
const maxFrameBytes = 64 << 20 // 64 MiB

// writeFrame CBOR-encodes f and writes it to w behind a 4-byte big-endian
// length prefix.
func writeFrame(w io.Writer, f Frame) error {
	body, err := cbor.Marshal(f)
	if err != nil {
		return fmt.Errorf("relay: encode frame: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("relay: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("relay: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed CBOR frame from r.
func readFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return Frame{}, fmt.Errorf("relay: frame too large (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("relay: read frame body: %w", err)
	}
	var f Frame
	if err := cbor.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("relay: decode frame: %w", err)
	}
	return f, nil
}
