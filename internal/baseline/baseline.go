// Package baseline maintains a rolling statistical picture of recent sound
// levels. The estimator keeps a fixed-length history of dB readings and
// periodically derives median and interquartile range from it, which the
// classifier turns into adaptive thresholds that track ambient noise.
package baseline

import (
	"fmt"
	"sort"
	"time"
)

// Config holds the estimator tuning. All fields are required.
type Config struct {
	// HistorySize is the number of dB readings retained.
	HistorySize int

	// Recompute is the minimum interval between statistics refreshes.
	// Readings are recorded on every observation regardless.
	Recompute time.Duration

	// MinSamples is the history size below which the estimator reports
	// FallbackDb instead of derived statistics.
	MinSamples int

	// FallbackDb is the conservative baseline used until enough history
	// has accumulated.
	FallbackDb float64

	// IqrFloor is the minimum reported interquartile range. It keeps the
	// derived thresholds from collapsing to zero width on constant input.
	IqrFloor float64

	// RisingOffset, LoudOffset and FallingOffset are added to median+iqr to
	// form the corresponding thresholds.
	RisingOffset  float64
	LoudOffset    float64
	FallingOffset float64
}

func (c Config) validate() error {
	if c.HistorySize <= 0 {
		return fmt.Errorf("baseline: history size %d must be positive", c.HistorySize)
	}
	if c.Recompute <= 0 {
		return fmt.Errorf("baseline: recompute interval %s must be positive", c.Recompute)
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("baseline: min samples %d must be at least 1", c.MinSamples)
	}
	if c.IqrFloor <= 0 {
		return fmt.Errorf("baseline: iqr floor %g must be positive", c.IqrFloor)
	}
	if c.FallingOffset >= c.RisingOffset || c.RisingOffset >= c.LoudOffset {
		return fmt.Errorf("baseline: offsets must order falling %g < rising %g < loud %g",
			c.FallingOffset, c.RisingOffset, c.LoudOffset)
	}
	return nil
}

// Stats is a snapshot of the derived baseline statistics.
type Stats struct {
	Median float64
	Q1     float64
	Q3     float64
	Iqr    float64

	// Samples is the history size the statistics were derived from.
	Samples int

	// Fallback reports whether the values are the configured fallback
	// rather than derived from history.
	Fallback bool

	// ComputedAt is when the statistics were last refreshed. Zero until
	// the first observation.
	ComputedAt time.Time
}

// Thresholds are the baseline-relative dB levels driving state transitions.
type Thresholds struct {
	Rising  float64
	Loud    float64
	Falling float64
}

// Estimator derives [Stats] from a circular history of dB readings.
// It is owned by the processing loop and is not safe for concurrent use.
type Estimator struct {
	cfg Config

	history []float64
	next    int
	count   int

	stats   Stats
	scratch []float64
}

// New creates an estimator. Until enough readings arrive it reports the
// configured fallback baseline so thresholds are defined from the first tick.
func New(cfg Config) (*Estimator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Estimator{
		cfg:     cfg,
		history: make([]float64, cfg.HistorySize),
		scratch: make([]float64, 0, cfg.HistorySize),
		stats:   fallbackStats(cfg, 0, time.Time{}),
	}, nil
}

func fallbackStats(cfg Config, samples int, at time.Time) Stats {
	return Stats{
		Median:     cfg.FallbackDb,
		Q1:         cfg.FallbackDb,
		Q3:         cfg.FallbackDb,
		Iqr:        cfg.IqrFloor,
		Samples:    samples,
		Fallback:   true,
		ComputedAt: at,
	}
}

// Observe records db in the history and refreshes the statistics when the
// recompute interval has elapsed. Recording is cheap; the sort only runs on
// refresh.
func (e *Estimator) Observe(db float64, now time.Time) {
	e.history[e.next] = db
	e.next = (e.next + 1) % len(e.history)
	if e.count < len(e.history) {
		e.count++
	}

	if !e.stats.ComputedAt.IsZero() && now.Sub(e.stats.ComputedAt) < e.cfg.Recompute {
		return
	}
	e.recompute(now)
}

func (e *Estimator) recompute(now time.Time) {
	if e.count < e.cfg.MinSamples {
		e.stats = fallbackStats(e.cfg, e.count, now)
		return
	}

	e.scratch = append(e.scratch[:0], e.history[:e.count]...)
	sort.Float64s(e.scratch)

	med := medianOf(e.scratch)
	q1, q3 := hinges(e.scratch)
	iqr := q3 - q1
	if iqr < e.cfg.IqrFloor {
		iqr = e.cfg.IqrFloor
	}

	e.stats = Stats{
		Median:     med,
		Q1:         q1,
		Q3:         q3,
		Iqr:        iqr,
		Samples:    e.count,
		ComputedAt: now,
	}
}

// medianOf returns the median of a sorted, non-empty slice.
func medianOf(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// hinges returns the medians of the lower and upper halves of a sorted
// slice, excluding the middle element when the length is odd.
func hinges(sorted []float64) (q1, q3 float64) {
	n := len(sorted)
	lower := sorted[:n/2]
	upper := sorted[(n+1)/2:]
	if len(lower) == 0 {
		m := medianOf(sorted)
		return m, m
	}
	return medianOf(lower), medianOf(upper)
}

// Stats returns the current statistics snapshot.
func (e *Estimator) Stats() Stats {
	return e.stats
}

// Thresholds returns the state-transition levels derived from the current
// statistics.
func (e *Estimator) Thresholds() Thresholds {
	base := e.stats.Median + e.stats.Iqr
	return Thresholds{
		Rising:  base + e.cfg.RisingOffset,
		Loud:    base + e.cfg.LoudOffset,
		Falling: base + e.cfg.FallingOffset,
	}
}
