// Package recorder captures labeled training sessions of derived readings.
//
// A session samples the pipeline's latest reading at a fixed rate for a
// fixed duration under a label (chant, normal or noise) and writes one JSON
// file per session plus an appended session_summary.jsonl line. Only
// derived values are persisted (dB, band ratio, state, tier), never raw
// audio. At most one session runs at a time; starting a second one fails
// with [ErrSessionActive] so the HTTP layer can answer 409.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fanpulse/fanpulse/internal/pipeline"
)

// SummaryFile is the JSONL index appended once per finished session.
const SummaryFile = "session_summary.jsonl"

// ErrSessionActive is returned by [Recorder.Start] while a session is
// already running.
var ErrSessionActive = errors.New("recorder: a session is already running")

// validLabels are the accepted session classifications.
var validLabels = map[string]bool{
	"chant":  true,
	"normal": true,
	"noise":  true,
}

// Sample is one recorded reading.
type Sample struct {
	TsMs       int64   `json:"tsMs"`
	Db         float64 `json:"dB"`
	BaselineDb float64 `json:"baselineDb"`
	State      string  `json:"state"`
	Tier       string  `json:"tier"`
	Chant      bool    `json:"chant"`
	Ratio      float64 `json:"ratio"`
}

// Session is the JSON document written for one finished session.
type Session struct {
	Label     string    `json:"label"`
	StartedAt time.Time `json:"startedAt"`
	DurationS int       `json:"durationS"`
	SampleHz  int       `json:"sampleHz"`
	Samples   []Sample  `json:"samples"`
}

// summaryEntry is one session_summary.jsonl line.
type summaryEntry struct {
	File          string    `json:"file"`
	Label         string    `json:"label"`
	StartedAt     time.Time `json:"startedAt"`
	DurationS     int       `json:"durationS"`
	SampleCount   int       `json:"sampleCount"`
	AvgDb         float64   `json:"avgDb"`
	PeakDb        float64   `json:"peakDb"`
	ChantFraction float64   `json:"chantFraction"`
}

// Options configures a [Recorder].
type Options struct {
	// Dir is where session files and the summary are written. Created on
	// first use.
	Dir string

	// SampleHz is how many readings per second a session records.
	SampleHz int

	// DefaultDuration is the session length when the caller passes none.
	DefaultDuration time.Duration

	// Source supplies the reading recorded at each sample instant,
	// typically the pipeline's Latest method.
	Source func() pipeline.Reading

	// Logger receives session logs. Defaults to [slog.Default].
	Logger *slog.Logger
}

// Recorder runs labeled capture sessions, one at a time.
type Recorder struct {
	dir        string
	sampleHz   int
	defaultDur time.Duration
	source     func() pipeline.Reading
	log        *slog.Logger

	mu     sync.Mutex
	active bool

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Recorder. It fails fast on an unusable configuration.
func New(opts Options) (*Recorder, error) {
	var errs []error
	if opts.Dir == "" {
		errs = append(errs, errors.New("dir must not be empty"))
	}
	if opts.SampleHz <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d Hz must be positive", opts.SampleHz))
	}
	if opts.DefaultDuration <= 0 {
		errs = append(errs, fmt.Errorf("default duration %v must be positive", opts.DefaultDuration))
	}
	if opts.Source == nil {
		errs = append(errs, errors.New("source must not be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		dir:        opts.Dir,
		sampleHz:   opts.SampleHz,
		defaultDur: opts.DefaultDuration,
		source:     opts.Source,
		log:        log.With("component", "recorder"),
		done:       make(chan struct{}),
	}, nil
}

// Start begins a session under label for the given duration. A
// non-positive duration selects the configured default. It returns
// [ErrSessionActive] while another session runs and an error for an
// unknown label.
func (r *Recorder) Start(label string, duration time.Duration) error {
	if !validLabels[label] {
		return fmt.Errorf("recorder: unknown label %q; valid labels: chant, normal, noise", label)
	}
	if duration <= 0 {
		duration = r.defaultDur
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrSessionActive
	}
	select {
	case <-r.done:
		return errors.New("recorder: closed")
	default:
	}
	r.active = true

	r.log.Info("capture session started",
		"label", label,
		"duration", duration,
		"sample_hz", r.sampleHz)

	r.wg.Add(1)
	go r.run(label, duration)
	return nil
}

// Active reports whether a session is currently running.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Close aborts any running session, persists what it collected so far and
// waits for the writer to finish. Safe to call multiple times.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Recorder) run(label string, duration time.Duration) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.active = false
		r.mu.Unlock()
	}()

	started := time.Now()
	interval := time.Second / time.Duration(r.sampleHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	var samples []Sample
	record := func() {
		rd := r.source()
		samples = append(samples, Sample{
			TsMs:       rd.At.UnixMilli(),
			Db:         rd.Db,
			BaselineDb: rd.BaselineDb,
			State:      rd.State.String(),
			Tier:       string(rd.Tier),
			Chant:      rd.ChantDetected,
			Ratio:      rd.ChantRatio,
		})
	}

loop:
	for {
		select {
		case <-r.done:
			break loop
		case <-deadline.C:
			// A tick that raced the deadline still samples.
			select {
			case <-ticker.C:
				record()
			default:
			}
			break loop
		case <-ticker.C:
			record()
		}
	}

	if err := r.write(label, started, duration, samples); err != nil {
		r.log.Error("failed to persist capture session",
			"label", label,
			"samples", len(samples),
			"error", err)
		return
	}
	r.log.Info("capture session finished",
		"label", label,
		"samples", len(samples))
}

// write persists the session document and appends its summary line.
func (r *Recorder) write(label string, started time.Time, duration time.Duration, samples []Sample) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("recorder: create dir: %w", err)
	}

	if samples == nil {
		samples = []Sample{}
	}
	session := Session{
		Label:     label,
		StartedAt: started.UTC(),
		DurationS: int(duration.Seconds()),
		SampleHz:  r.sampleHz,
		Samples:   samples,
	}

	name := fmt.Sprintf("%s_%s.json", label, started.UTC().Format("20060102T150405.000Z"))
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("recorder: marshal session: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("recorder: write session file: %w", err)
	}

	entry := summaryEntry{
		File:        name,
		Label:       label,
		StartedAt:   session.StartedAt,
		DurationS:   session.DurationS,
		SampleCount: len(samples),
	}
	if len(samples) > 0 {
		var sum float64
		peak := samples[0].Db
		chanting := 0
		for _, s := range samples {
			sum += s.Db
			if s.Db > peak {
				peak = s.Db
			}
			if s.Chant {
				chanting++
			}
		}
		entry.AvgDb = sum / float64(len(samples))
		entry.PeakDb = peak
		entry.ChantFraction = float64(chanting) / float64(len(samples))
	}

	f, err := os.OpenFile(filepath.Join(r.dir, SummaryFile),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("recorder: open summary: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(entry); err != nil {
		return fmt.Errorf("recorder: append summary: %w", err)
	}
	return nil
}
