// Package audio defines the PCM frame type that crosses the ingestion
// boundary and helpers for normalising external audio into the pipeline
// format (16 kHz mono little-endian int16).
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultSampleRate is the pipeline's native sample rate in Hz.
const DefaultSampleRate = 16000

// HeaderSize is the byte length of the wire frame header: a uint16 sequence
// counter followed by a uint16 payload length, both little-endian.
const HeaderSize = 4

// Wire decode errors. Callers treat both as malformed input: count and drop,
// never propagate into the processing path.
var (
	ErrShortFrame     = errors.New("audio: frame shorter than header")
	ErrLengthMismatch = errors.New("audio: declared length does not match payload")
)

// Frame is a single PCM frame as delivered by a producer. Data holds
// little-endian int16 mono samples. Frames are consumed immediately and
// discarded once their samples are copied into the ring buffer.
type Frame struct {
	// Seq is a wrapping 16-bit sequence counter maintained by the producer.
	// Gaps indicate lost frames and are tracked as telemetry only.
	Seq uint16

	// Data is the raw PCM payload. len(Data) must be even and equal to the
	// declared wire length; the ingestor enforces payload bounds.
	Data []byte
}

// SampleCount returns the number of int16 samples in the frame.
func (f Frame) SampleCount() int { return len(f.Data) / 2 }

// DecodeFrame parses a wire frame: seq:uint16 LE, length:uint16 LE, payload.
// The declared length must equal the remaining payload size exactly.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	seq := binary.LittleEndian.Uint16(b[0:2])
	declared := binary.LittleEndian.Uint16(b[2:4])
	payload := b[HeaderSize:]
	if int(declared) != len(payload) {
		return Frame{}, fmt.Errorf("%w: declared %d, payload %d", ErrLengthMismatch, declared, len(payload))
	}
	return Frame{Seq: seq, Data: payload}, nil
}

// EncodeFrame serialises f into the wire format understood by [DecodeFrame].
// Payloads longer than 65535 bytes cannot be represented and return an error.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Data) > 0xFFFF {
		return nil, fmt.Errorf("audio: payload %d bytes exceeds uint16 length field", len(f.Data))
	}
	out := make([]byte, HeaderSize+len(f.Data))
	binary.LittleEndian.PutUint16(out[0:2], f.Seq)
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(f.Data)))
	copy(out[HeaderSize:], f.Data)
	return out, nil
}
