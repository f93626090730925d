package audio_test

import (
	"errors"
	"testing"

	"github.com/fanpulse/fanpulse/pkg/audio"
)

func TestDecodeFrame(t *testing.T) {
	payload := samplesToBytes([]int16{10, -20, 30})
	wire, err := audio.EncodeFrame(audio.Frame{Seq: 42, Data: payload})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	frame, err := audio.DecodeFrame(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Seq != 42 {
		t.Errorf("seq: got %d, want 42", frame.Seq)
	}
	if frame.SampleCount() != 3 {
		t.Errorf("sample count: got %d, want 3", frame.SampleCount())
	}
	got := audio.Int16sLE(frame.Data)
	want := []int16{10, -20, 30}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDecodeFrame_SeqWrap(t *testing.T) {
	wire, err := audio.EncodeFrame(audio.Frame{Seq: 65535, Data: []byte{0, 0}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame, err := audio.DecodeFrame(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Seq != 65535 {
		t.Errorf("seq: got %d, want 65535", frame.Seq)
	}
}

func TestDecodeFrame_Short(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		if _, err := audio.DecodeFrame(make([]byte, n)); !errors.Is(err, audio.ErrShortFrame) {
			t.Errorf("%d bytes: got %v, want ErrShortFrame", n, err)
		}
	}
}

func TestDecodeFrame_LengthMismatch(t *testing.T) {
	wire, err := audio.EncodeFrame(audio.Frame{Seq: 1, Data: []byte{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Truncate the payload so the declared length no longer matches.
	if _, err := audio.DecodeFrame(wire[:len(wire)-2]); !errors.Is(err, audio.ErrLengthMismatch) {
		t.Errorf("got %v, want ErrLengthMismatch", err)
	}
}

func TestEncodeFrame_Oversize(t *testing.T) {
	if _, err := audio.EncodeFrame(audio.Frame{Data: make([]byte, 70000)}); err == nil {
		t.Error("expected error for payload exceeding uint16 length field")
	}
}
