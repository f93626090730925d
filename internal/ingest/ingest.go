// Package ingest validates incoming PCM frames at the ingestion boundary and
// copies their samples into the shared ring buffer. Malformed input is
// rejected side-effect-free and surfaces only as counter increments; nothing
// at this boundary can halt the pipeline.
package ingest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fanpulse/fanpulse/internal/ring"
	"github.com/fanpulse/fanpulse/pkg/audio"
)

// Rejection reasons returned to the producer for logging. The processing
// path never sees them.
var (
	ErrEmptyPayload = errors.New("ingest: empty payload")
	ErrOversize     = errors.New("ingest: payload exceeds max size")
	ErrMisaligned   = errors.New("ingest: payload not sample-aligned")
)

// Stats is a snapshot of ingestion telemetry.
type Stats struct {
	// Accepted and Rejected count frames.
	Accepted uint64
	Rejected uint64

	// LostFrames counts sequence gaps (mod 65536) between accepted frames.
	LostFrames uint64

	// AcceptedSamples counts samples written into the ring.
	AcceptedSamples uint64

	// OverflowEvents counts pushes that triggered the drop-oldest policy;
	// DroppedSamples counts the samples it discarded.
	OverflowEvents uint64
	DroppedSamples uint64
}

// Ingestor is the single-writer boundary in front of the ring buffer.
// One producer feeds it at a time; the mutex keeps the sequence state and
// counters coherent if a source handover races a stats read.
type Ingestor struct {
	ring       *ring.Buffer
	maxPayload int

	mu      sync.Mutex
	lastSeq uint16
	hasLast bool
	stats   Stats
}

// New creates an ingestor writing into rb. maxPayload bounds accepted frame
// payloads in bytes and must be positive and sample-aligned.
func New(rb *ring.Buffer, maxPayload int) (*Ingestor, error) {
	if rb == nil {
		return nil, errors.New("ingest: nil ring buffer")
	}
	if maxPayload <= 0 || maxPayload%2 != 0 {
		return nil, fmt.Errorf("ingest: max payload %d must be positive and sample-aligned", maxPayload)
	}
	return &Ingestor{ring: rb, maxPayload: maxPayload}, nil
}

// Push validates f and appends its samples to the ring buffer. Malformed
// frames are counted and returned as an error without touching the buffer or
// the sequence state. Sequence gaps are counted as lost frames but never
// reject the frame carrying them.
func (in *Ingestor) Push(f audio.Frame) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	n := len(f.Data)
	switch {
	case n == 0:
		in.stats.Rejected++
		return ErrEmptyPayload
	case n > in.maxPayload:
		in.stats.Rejected++
		return fmt.Errorf("%w: %d > %d bytes", ErrOversize, n, in.maxPayload)
	case n%2 != 0:
		in.stats.Rejected++
		return fmt.Errorf("%w: %d bytes", ErrMisaligned, n)
	}

	if in.hasLast {
		// uint16 subtraction wraps mod 65536, so 65535 -> 0 is consecutive.
		// A repeated sequence number is treated as a duplicate delivery,
		// not a 65535-frame gap.
		if gap := f.Seq - in.lastSeq; gap > 1 {
			in.stats.LostFrames += uint64(gap - 1)
		}
	}
	in.lastSeq = f.Seq
	in.hasLast = true

	if dropped := in.ring.Push(audio.Int16sLE(f.Data)); dropped > 0 {
		in.stats.OverflowEvents++
		in.stats.DroppedSamples += uint64(dropped)
	}
	in.stats.Accepted++
	in.stats.AcceptedSamples += uint64(n / 2)
	return nil
}

// ResetSequence forgets the last seen sequence number. Call it on a source
// handover so the first frame of the new producer is not booked as a gap.
func (in *Ingestor) ResetSequence() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.hasLast = false
}

// Stats returns a snapshot of the ingestion counters.
func (in *Ingestor) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stats
}
