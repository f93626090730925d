// Package batch aggregates per-tick classification results over a fixed
// window and decides at most once per window whether anything significant
// happened. The gate is deliberately conservative: quiet windows and
// borderline activity are suppressed, bounded in both memory and output
// rate, and nothing carries over between windows.
package batch

import (
	"fmt"
	"math"
	"time"

	"github.com/fanpulse/fanpulse/pkg/event"
)

// Config holds the aggregator tuning. All fields are required.
type Config struct {
	// Window is the aggregation period.
	Window time.Duration

	// EmitMargin is how far the window peak must rise above the baseline
	// for the window to emit at all.
	EmitMargin float64

	// MinLoud is the cumulative Loud time that qualifies a window for
	// emission when neither a tier nor a chant is present.
	MinLoud time.Duration

	// TraceLen is the capacity of the retained dB trace.
	TraceLen int
}

func (c Config) validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("batch: window %s must be positive", c.Window)
	}
	if c.EmitMargin < 0 {
		return fmt.Errorf("batch: emit margin %g must not be negative", c.EmitMargin)
	}
	if c.MinLoud < 0 {
		return fmt.Errorf("batch: min loud %s must not be negative", c.MinLoud)
	}
	if c.TraceLen <= 0 {
		return fmt.Errorf("batch: trace length %d must be positive", c.TraceLen)
	}
	return nil
}

// Observation is one processing tick's contribution to the current window.
type Observation struct {
	At time.Time
	Db float64

	// Tier is the classification assigned this tick, TierNormal when none.
	Tier event.Tier

	// Chant reports whether the chant flag was active this tick.
	Chant bool

	// Loud is the Loud-state time this tick contributed.
	Loud time.Duration
}

// Summary describes a closed window.
type Summary struct {
	Start time.Time
	End   time.Time

	// PeakDb is the loudest observation and PeakAt its timestamp.
	PeakDb float64
	PeakAt time.Time

	// AvgDb is the mean level over the retained trace.
	AvgDb float64

	// Tier is the highest tier seen in the window.
	Tier event.Tier

	// Chant reports whether any tick had the chant flag active.
	Chant bool

	// LoudTotal is the cumulative Loud-state time in the window.
	LoudTotal time.Duration

	// Ticks counts observations; Events counts the eventful ones (tier,
	// chant or Loud-state time).
	Ticks  int
	Events int

	// BaselineDb is the baseline the emission decision was made against.
	BaselineDb float64
}

// Aggregator accumulates observations for one window at a time. It is owned
// by the processing loop and is not safe for concurrent use.
type Aggregator struct {
	cfg Config

	start time.Time
	trace []float64
	next  int
	count int

	peakDb float64
	peakAt time.Time
	tier   event.Tier
	chant  bool
	loud   time.Duration
	events int
	ticks  int
}

// New creates an aggregator. The first observation opens the first window.
func New(cfg Config) (*Aggregator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &Aggregator{
		cfg:   cfg,
		trace: make([]float64, cfg.TraceLen),
	}
	a.reset(time.Time{})
	return a, nil
}

func (a *Aggregator) reset(start time.Time) {
	a.start = start
	a.next = 0
	a.count = 0
	a.peakDb = math.Inf(-1)
	a.peakAt = time.Time{}
	a.tier = event.TierNormal
	a.chant = false
	a.loud = 0
	a.events = 0
	a.ticks = 0
}

// Observe folds one tick into the current window.
func (a *Aggregator) Observe(o Observation) {
	if a.start.IsZero() {
		a.start = o.At
	}

	a.trace[a.next] = o.Db
	a.next = (a.next + 1) % len(a.trace)
	if a.count < len(a.trace) {
		a.count++
	}
	a.ticks++

	if o.Db > a.peakDb {
		a.peakDb = o.Db
		a.peakAt = o.At
	}
	if o.Tier.Rank() > a.tier.Rank() {
		a.tier = o.Tier
	}
	if o.Chant {
		a.chant = true
	}
	a.loud += o.Loud

	if o.Tier != event.TierNormal || o.Chant || o.Loud > 0 {
		a.events++
	}
}

// Due reports whether the current window has run its full length.
func (a *Aggregator) Due(now time.Time) bool {
	return !a.start.IsZero() && now.Sub(a.start) >= a.cfg.Window
}

// Close ends the current window and opens the next one. It returns the
// window summary and whether it qualifies for emission: at least one
// eventful tick, a peak above baselineDb plus the margin, and a tier, a
// chant, or enough cumulative Loud time. Suppressed windows reset just the
// same; nothing carries over.
func (a *Aggregator) Close(now time.Time, baselineDb float64) (Summary, bool) {
	s := Summary{
		Start:      a.start,
		End:        now,
		PeakDb:     a.peakDb,
		PeakAt:     a.peakAt,
		Tier:       a.tier,
		Chant:      a.chant,
		LoudTotal:  a.loud,
		Ticks:      a.ticks,
		Events:     a.events,
		BaselineDb: baselineDb,
	}
	if a.count > 0 {
		var sum float64
		for _, db := range a.trace[:a.count] {
			sum += db
		}
		s.AvgDb = sum / float64(a.count)
	}

	emit := s.Events > 0 &&
		s.PeakDb > baselineDb+a.cfg.EmitMargin &&
		(s.Tier != event.TierNormal || s.Chant || s.LoudTotal > a.cfg.MinLoud)

	a.reset(now)
	return s, emit
}
