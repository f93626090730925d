// Package replay feeds a recorded WAV file through the pipeline at a
// configurable pace. Operators use it to rehearse threshold settings
// against real match recordings without a microphone.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/fanpulse/fanpulse/pkg/audio"
)

const (
	// frameSamples is 20 ms at the pipeline rate, the cadence a live
	// producer would use.
	frameSamples  = 320
	frameInterval = 20 * time.Millisecond

	// chunkFrames is one second of decoded audio per file read.
	chunkFrames = 50
)

// Sink receives the replayed frames. *pipeline.Pipeline satisfies it.
type Sink interface {
	Ingest(f audio.Frame) error
	ResetSequence()
	Flush(ctx context.Context)
}

// Options configures a replay run.
type Options struct {
	// Path of the WAV file to replay.
	Path string

	Sink Sink

	// Speed multiplies the playback pace. 1 replays in real time; 0
	// defaults to 1.
	Speed float64

	Logger *slog.Logger
}

// Result summarises a finished replay.
type Result struct {
	// Frames fed to the sink.
	Frames uint64

	// Samples fed to the sink, after normalisation to the pipeline rate.
	Samples uint64

	// Audio is the duration of normalised audio delivered.
	Audio time.Duration

	SourceRate     int
	SourceChannels int
	SourceBits     int
}

// Run replays the file into the sink until EOF or ctx cancellation. The
// audio is normalised to mono at the pipeline rate; the batch window is
// flushed after the final frame so a short file still yields an event.
func Run(ctx context.Context, opts Options) (Result, error) {
	var res Result
	if opts.Path == "" {
		return res, errors.New("replay: path is required")
	}
	if opts.Sink == nil {
		return res, errors.New("replay: sink is required")
	}
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "replay")

	f, err := os.Open(opts.Path)
	if err != nil {
		return res, fmt.Errorf("replay: open: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return res, fmt.Errorf("replay: %s is not a valid wav file", opts.Path)
	}

	srcRate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	bits := int(dec.BitDepth)
	if channels < 1 || channels > 2 {
		return res, fmt.Errorf("replay: unsupported channel count %d", channels)
	}
	res.SourceRate = srcRate
	res.SourceChannels = channels
	res.SourceBits = bits

	log.Info("replaying wav file",
		"path", opts.Path,
		"sample_rate", srcRate,
		"channels", channels,
		"bit_depth", bits,
		"speed", opts.Speed)

	ticker := time.NewTicker(time.Duration(float64(frameInterval) / opts.Speed))
	defer ticker.Stop()

	var seq uint16
	emit := func(data []byte) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := opts.Sink.Ingest(audio.Frame{Seq: seq, Data: data}); err != nil {
			log.Debug("frame rejected", "error", err)
		}
		seq++
		res.Frames++
		res.Samples += uint64(len(data) / 2)
		return nil
	}

	opts.Sink.ResetSequence()

	norm := &audio.Normaliser{TargetRate: audio.DefaultSampleRate}
	buf := &goaudio.IntBuffer{Data: make([]int, frameSamples*channels*chunkFrames)}
	var pending []byte

	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return res, fmt.Errorf("replay: decode: %w", err)
		}
		if n == 0 {
			break
		}
		chunk := audio.BytesLE(toInt16(buf.Data[:n], bits))
		pending = append(pending, norm.Normalise(chunk, srcRate, channels)...)
		for len(pending) >= frameSamples*2 {
			if err := emit(pending[:frameSamples*2]); err != nil {
				return res, err
			}
			pending = pending[frameSamples*2:]
		}
	}
	if len(pending) >= 2 {
		if err := emit(pending); err != nil {
			return res, err
		}
	}

	opts.Sink.Flush(ctx)
	res.Audio = time.Duration(res.Samples) * time.Second / audio.DefaultSampleRate
	log.Info("replay finished",
		"frames", res.Frames,
		"samples", res.Samples,
		"audio_duration", res.Audio)
	return res, nil
}

// toInt16 narrows decoded samples to the 16-bit pipeline depth. The
// decoder yields values at the file's native depth; 8-bit WAV stores
// unsigned samples.
func toInt16(data []int, bitDepth int) []int16 {
	out := make([]int16, len(data))
	shift := bitDepth - 16
	for i, v := range data {
		switch {
		case bitDepth == 8:
			v = (v - 128) << 8
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}
