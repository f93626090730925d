package ingest_test

import (
	"errors"
	"testing"

	"github.com/fanpulse/fanpulse/internal/ingest"
	"github.com/fanpulse/fanpulse/internal/ring"
	"github.com/fanpulse/fanpulse/pkg/audio"
)

func newIngestor(t *testing.T, capacity, maxPayload int) (*ingest.Ingestor, *ring.Buffer) {
	t.Helper()
	rb, err := ring.New(capacity, 1.0, 0.5)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	in, err := ingest.New(rb, maxPayload)
	if err != nil {
		t.Fatalf("ingest.New: %v", err)
	}
	return in, rb
}

func frame(seq uint16, samples int) audio.Frame {
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16(i)
	}
	return audio.Frame{Seq: seq, Data: audio.BytesLE(pcm)}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	rb, err := ring.New(64, 0.8, 0.2)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	if _, err := ingest.New(nil, 1024); err == nil {
		t.Error("nil ring accepted")
	}
	if _, err := ingest.New(rb, 0); err == nil {
		t.Error("zero max payload accepted")
	}
	if _, err := ingest.New(rb, 1023); err == nil {
		t.Error("odd max payload accepted")
	}
}

func TestPush_Accepts(t *testing.T) {
	t.Parallel()

	in, rb := newIngestor(t, 1024, 512)
	if err := in.Push(frame(1, 160)); err != nil {
		t.Fatalf("Push: %v", err)
	}

	st := in.Stats()
	if st.Accepted != 1 || st.Rejected != 0 {
		t.Errorf("accepted=%d rejected=%d, want 1/0", st.Accepted, st.Rejected)
	}
	if st.AcceptedSamples != 160 {
		t.Errorf("accepted samples = %d, want 160", st.AcceptedSamples)
	}
	if got := rb.Occupied(); got != 160 {
		t.Errorf("ring occupancy = %d, want 160", got)
	}
}

func TestPush_RejectsMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{"empty", nil, ingest.ErrEmptyPayload},
		{"oversize", make([]byte, 514), ingest.ErrOversize},
		{"misaligned", make([]byte, 7), ingest.ErrMisaligned},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			in, rb := newIngestor(t, 1024, 512)
			err := in.Push(audio.Frame{Seq: 3, Data: tc.payload})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Push error = %v, want %v", err, tc.wantErr)
			}
			st := in.Stats()
			if st.Rejected != 1 || st.Accepted != 0 {
				t.Errorf("rejected=%d accepted=%d, want 1/0", st.Rejected, st.Accepted)
			}
			if got := rb.Occupied(); got != 0 {
				t.Errorf("rejected frame mutated ring, occupancy = %d", got)
			}
		})
	}
}

func TestPush_RejectionLeavesSequenceStateUntouched(t *testing.T) {
	t.Parallel()

	in, _ := newIngestor(t, 4096, 512)
	if err := in.Push(frame(5, 16)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	// Malformed frame with a far-away sequence number must not become the
	// reference point for gap accounting.
	if err := in.Push(audio.Frame{Seq: 900, Data: make([]byte, 7)}); err == nil {
		t.Fatal("misaligned frame accepted")
	}
	if err := in.Push(frame(6, 16)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := in.Stats().LostFrames; got != 0 {
		t.Errorf("lost frames = %d, want 0", got)
	}
}

func TestPush_SequenceGaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		seqs     []uint16
		wantLost uint64
	}{
		{"consecutive", []uint16{10, 11, 12}, 0},
		{"single gap", []uint16{10, 12}, 1},
		{"wide gap", []uint16{10, 20}, 9},
		{"wrap without loss", []uint16{65534, 65535, 0, 1}, 0},
		{"wrap with loss", []uint16{65535, 1}, 1},
		{"duplicate delivery", []uint16{7, 7, 8}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			in, _ := newIngestor(t, 65536, 512)
			for _, s := range tc.seqs {
				if err := in.Push(frame(s, 8)); err != nil {
					t.Fatalf("Push seq %d: %v", s, err)
				}
			}
			st := in.Stats()
			if st.LostFrames != tc.wantLost {
				t.Errorf("lost frames = %d, want %d", st.LostFrames, tc.wantLost)
			}
			if st.Accepted != uint64(len(tc.seqs)) {
				t.Errorf("accepted = %d, want %d", st.Accepted, len(tc.seqs))
			}
		})
	}
}

func TestResetSequence(t *testing.T) {
	t.Parallel()

	in, _ := newIngestor(t, 4096, 512)
	if err := in.Push(frame(100, 8)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	in.ResetSequence()
	if err := in.Push(frame(200, 8)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := in.Stats().LostFrames; got != 0 {
		t.Errorf("lost frames after reset = %d, want 0", got)
	}
}

func TestPush_OverflowAccounting(t *testing.T) {
	t.Parallel()

	in, rb := newIngestor(t, 256, 512)
	for s := uint16(0); s < 8; s++ {
		if err := in.Push(frame(s, 64)); err != nil {
			t.Fatalf("Push seq %d: %v", s, err)
		}
	}

	st := in.Stats()
	if st.OverflowEvents == 0 || st.DroppedSamples == 0 {
		t.Fatalf("expected overflow drops, got events=%d samples=%d", st.OverflowEvents, st.DroppedSamples)
	}
	if got := uint64(rb.Occupied()); got != st.AcceptedSamples-st.DroppedSamples {
		t.Errorf("occupancy = %d, want accepted-dropped = %d", got, st.AcceptedSamples-st.DroppedSamples)
	}
}
