// Package capture feeds microphone audio into the pipeline through
// PortAudio. The node runs headless next to the stands; capture is the
// default producer when no remote /stream client is attached.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/fanpulse/fanpulse/pkg/audio"
)

const (
	// framesPerBuffer is 20 ms at the pipeline rate, matching the frame
	// cadence remote producers use.
	framesPerBuffer = 320

	// frameQueue buffers callback frames for the ingest goroutine. The
	// callback never blocks; overflow drops the frame and counts it.
	frameQueue = 64
)

// Sink receives captured frames. *pipeline.Pipeline satisfies it.
type Sink interface {
	Ingest(f audio.Frame) error
	ResetSequence()
}

// backend abstracts PortAudio so tests run without a microphone.
type backend interface {
	Open(deviceIndex int, onFrame func([]int16)) error
	Start() error
	Stop() error
	Close() error
}

// paBackend is the real PortAudio backend.
type paBackend struct {
	stream *portaudio.Stream
}

func (b *paBackend) Open(deviceIndex int, onFrame func([]int16)) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("capture: portaudio init: %w", err)
	}

	cb := func(in []int16) { onFrame(in) }

	var (
		stream *portaudio.Stream
		err    error
	)
	if deviceIndex < 0 {
		stream, err = portaudio.OpenDefaultStream(
			1, 0, float64(audio.DefaultSampleRate), framesPerBuffer, cb)
	} else {
		var devices []*portaudio.DeviceInfo
		devices, err = portaudio.Devices()
		if err == nil {
			if deviceIndex >= len(devices) {
				err = fmt.Errorf("capture: device index %d out of range (%d devices)",
					deviceIndex, len(devices))
			} else {
				dev := devices[deviceIndex]
				params := portaudio.StreamParameters{
					Input: portaudio.StreamDeviceParameters{
						Channels: 1,
						Device:   dev,
						Latency:  dev.DefaultLowInputLatency,
					},
					FramesPerBuffer: framesPerBuffer,
					SampleRate:      float64(audio.DefaultSampleRate),
				}
				stream, err = portaudio.OpenStream(params, cb)
			}
		}
	}
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("capture: open stream: %w", err)
	}
	b.stream = stream
	return nil
}

func (b *paBackend) Start() error {
	if err := b.stream.Start(); err != nil {
		return fmt.Errorf("capture: start stream: %w", err)
	}
	return nil
}

func (b *paBackend) Stop() error {
	if err := b.stream.Stop(); err != nil {
		return fmt.Errorf("capture: stop stream: %w", err)
	}
	return nil
}

func (b *paBackend) Close() error {
	err := b.stream.Close()
	_ = portaudio.Terminate()
	if err != nil {
		return fmt.Errorf("capture: close stream: %w", err)
	}
	return nil
}

// Stats counts capture activity since start.
type Stats struct {
	// Frames delivered to the sink.
	Frames uint64

	// Dropped counts callback frames discarded because the ingest
	// goroutine fell behind.
	Dropped uint64

	// Rejected counts frames the sink refused.
	Rejected uint64
}

// Options configures a Capture.
type Options struct {
	// DeviceIndex selects the PortAudio device. Negative means the
	// system default input.
	DeviceIndex int

	Sink   Sink
	Logger *slog.Logger
}

// Capture owns one microphone stream and the goroutine that frames its
// samples into the sink.
type Capture struct {
	deviceIndex int
	sink        Sink
	backend     backend
	log         *slog.Logger

	frames chan []byte
	seq    uint16

	mu      sync.Mutex
	stats   Stats
	started bool
	running bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Capture backed by the real PortAudio API.
func New(opts Options) (*Capture, error) {
	return newWithBackend(opts, &paBackend{})
}

func newWithBackend(opts Options, b backend) (*Capture, error) {
	if opts.Sink == nil {
		return nil, errors.New("capture: sink is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Capture{
		deviceIndex: opts.DeviceIndex,
		sink:        opts.Sink,
		backend:     b,
		log:         opts.Logger.With("component", "capture"),
		frames:      make(chan []byte, frameQueue),
		done:        make(chan struct{}),
	}, nil
}

// Start opens the device and begins feeding the sink. The capture goroutine
// runs until ctx is cancelled or Stop is called.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("capture: already started")
	}
	c.started = true
	c.mu.Unlock()

	onFrame := func(in []int16) {
		// PortAudio reuses the buffer between callbacks.
		data := audio.BytesLE(in)
		select {
		case c.frames <- data:
		default:
			c.mu.Lock()
			c.stats.Dropped++
			c.mu.Unlock()
		}
	}

	if err := c.backend.Open(c.deviceIndex, onFrame); err != nil {
		return err
	}
	if err := c.backend.Start(); err != nil {
		_ = c.backend.Close()
		return err
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	// The microphone is a fresh producer.
	c.sink.ResetSequence()
	c.log.Info("microphone capture started",
		"device_index", c.deviceIndex,
		"sample_rate", audio.DefaultSampleRate,
		"frames_per_buffer", framesPerBuffer)

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

func (c *Capture) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.frames:
			frame := audio.Frame{Seq: c.seq, Data: data}
			c.seq++
			if err := c.sink.Ingest(frame); err != nil {
				c.mu.Lock()
				c.stats.Rejected++
				c.mu.Unlock()
				c.log.Debug("frame rejected", "error", err)
				continue
			}
			c.mu.Lock()
			c.stats.Frames++
			c.mu.Unlock()
		}
	}
}

// Stop halts capture and releases the device. Safe to call even when
// Start failed.
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()

		c.mu.Lock()
		running := c.running
		c.running = false
		c.mu.Unlock()
		if !running {
			return
		}

		if err := c.backend.Stop(); err != nil {
			c.log.Warn("stop capture", "error", err)
		}
		if err := c.backend.Close(); err != nil {
			c.log.Warn("close capture", "error", err)
		}
		c.log.Info("microphone capture stopped", "frames", c.Stats().Frames)
	})
}

// Stats returns a snapshot of capture counters.
func (c *Capture) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
