// Package chant flags organized rhythmic chanting in a magnitude spectrum.
// The detector watches how much spectral energy concentrates in a vocal
// frequency band and how that concentration moves over time. Broadband crowd
// roar, steady machine tones and single-frequency whistles all fail at least
// one of its criteria.
package chant

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// significantBinFraction is the share of in-band energy a bin must carry to
// count towards the spectral-spread criterion.
const significantBinFraction = 0.05

// Config holds the detector tuning. All fields are required.
type Config struct {
	// MinHz and MaxHz bound the vocal band.
	MinHz float64
	MaxHz float64

	// HistorySize is the number of band-energy ratios retained for the
	// temporal envelope.
	HistorySize int

	// MinRatio is the band-over-total energy ratio a window must exceed.
	MinRatio float64

	// MinVariance is the envelope variance floor. Constant tones produce a
	// flat envelope and fail it.
	MinVariance float64

	// MinMean is the envelope mean floor, requiring sustained band activity
	// rather than a single energetic window.
	MinMean float64

	// MinBins is the number of significant bins the band must spread
	// energy across.
	MinBins int

	// MaxDominance is the largest share of in-band energy a single bin may
	// carry. A pure tone concentrates everything in one bin and fails it.
	MaxDominance float64

	// ExitStreak is the number of consecutive non-chant windows required to
	// clear an active detection.
	ExitStreak int
}

func (c Config) validate() error {
	if c.MinHz <= 0 || c.MaxHz <= c.MinHz {
		return fmt.Errorf("chant: band %g..%g Hz is not a valid range", c.MinHz, c.MaxHz)
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("chant: history size %d must be positive", c.HistorySize)
	}
	if c.MinRatio <= 0 || c.MinRatio > 1 {
		return fmt.Errorf("chant: min ratio %g must be in (0, 1]", c.MinRatio)
	}
	if c.MinVariance <= 0 {
		return fmt.Errorf("chant: min variance %g must be positive", c.MinVariance)
	}
	if c.MinMean <= 0 || c.MinMean >= 1 {
		return fmt.Errorf("chant: min mean %g must be in (0, 1)", c.MinMean)
	}
	if c.MinBins < 1 {
		return fmt.Errorf("chant: min bins %d must be at least 1", c.MinBins)
	}
	if c.MaxDominance <= 0 || c.MaxDominance > 1 {
		return fmt.Errorf("chant: max dominance %g must be in (0, 1]", c.MaxDominance)
	}
	if c.ExitStreak < 1 {
		return fmt.Errorf("chant: exit streak %d must be at least 1", c.ExitStreak)
	}
	return nil
}

// Snapshot describes one evaluated window.
type Snapshot struct {
	// Ratio is the in-band share of total spectral energy.
	Ratio float64

	// Mean and Variance describe the envelope history including this window.
	Mean     float64
	Variance float64

	// SignificantBins counts band bins carrying at least 5% of band energy;
	// Dominance is the largest single-bin share of band energy.
	SignificantBins int
	Dominance       float64

	// Raw is this window's unfiltered decision; Active is the flag after
	// hysteresis.
	Raw    bool
	Active bool
}

// Detector holds the envelope history and hysteresis state. It is owned by
// the processing loop and is not safe for concurrent use.
type Detector struct {
	cfg Config

	// lo and hi are the inclusive spectrum bin range of the vocal band.
	lo, hi int

	history []float64
	next    int
	count   int
	scratch []float64

	active         bool
	nonChantStreak int
}

// New creates a detector for spectra of bins magnitude values spaced
// binWidth Hz apart. The configured band must map onto at least one bin.
func New(cfg Config, binWidth float64, bins int) (*Detector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if binWidth <= 0 || bins <= 1 {
		return nil, fmt.Errorf("chant: spectrum of %d bins at %g Hz is unusable", bins, binWidth)
	}

	lo := int(math.Ceil(cfg.MinHz / binWidth))
	if lo < 1 {
		lo = 1 // skip DC
	}
	hi := int(cfg.MaxHz / binWidth)
	if hi > bins-1 {
		hi = bins - 1
	}
	if lo > hi {
		return nil, fmt.Errorf("chant: band %g..%g Hz maps to no spectrum bin", cfg.MinHz, cfg.MaxHz)
	}

	return &Detector{
		cfg:     cfg,
		lo:      lo,
		hi:      hi,
		history: make([]float64, cfg.HistorySize),
		scratch: make([]float64, 0, cfg.HistorySize),
	}, nil
}

// Band returns the inclusive spectrum bin range the detector evaluates.
func (d *Detector) Band() (lo, hi int) {
	return d.lo, d.hi
}

// Active reports the hysteresis-filtered chant flag.
func (d *Detector) Active() bool {
	return d.active
}

// Observe evaluates one magnitude spectrum and updates the envelope history
// and the hysteresis state. An active detection starts on the first window
// meeting all criteria and survives up to ExitStreak-1 windows that miss
// them.
func (d *Detector) Observe(spectrum []float64) Snapshot {
	var band, total, peak float64
	sig := 0

	// Energies are squared magnitudes. DC is excluded from the total so a
	// constant offset cannot dilute the ratio.
	for i := 1; i < len(spectrum); i++ {
		e := spectrum[i] * spectrum[i]
		total += e
		if i >= d.lo && i <= d.hi {
			band += e
			if e > peak {
				peak = e
			}
		}
	}

	var ratio, dominance float64
	if total > 0 {
		ratio = band / total
	}
	if band > 0 {
		dominance = peak / band
		for i := d.lo; i <= d.hi && i < len(spectrum); i++ {
			if e := spectrum[i] * spectrum[i]; e >= significantBinFraction*band {
				sig++
			}
		}
	}

	d.history[d.next] = ratio
	d.next = (d.next + 1) % len(d.history)
	if d.count < len(d.history) {
		d.count++
	}

	d.scratch = append(d.scratch[:0], d.history[:d.count]...)
	mean := stat.Mean(d.scratch, nil)
	variance := 0.0
	if d.count >= 2 {
		variance = stat.Variance(d.scratch, nil)
	}

	raw := ratio > d.cfg.MinRatio &&
		variance > d.cfg.MinVariance &&
		mean > d.cfg.MinMean &&
		sig >= d.cfg.MinBins &&
		dominance <= d.cfg.MaxDominance

	if raw {
		d.active = true
		d.nonChantStreak = 0
	} else if d.active {
		d.nonChantStreak++
		if d.nonChantStreak >= d.cfg.ExitStreak {
			d.active = false
			d.nonChantStreak = 0
		}
	}

	return Snapshot{
		Ratio:           ratio,
		Mean:            mean,
		Variance:        variance,
		SignificantBins: sig,
		Dominance:       dominance,
		Raw:             raw,
		Active:          d.active,
	}
}
