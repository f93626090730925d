package chant_test

import (
	"math"
	"testing"

	"github.com/fanpulse/fanpulse/internal/chant"
)

func testConfig() chant.Config {
	return chant.Config{
		MinHz:        20,
		MaxHz:        1500,
		HistorySize:  20,
		MinRatio:     0.4,
		MinVariance:  0.001,
		MinMean:      0.3,
		MinBins:      3,
		MaxDominance: 0.6,
		ExitStreak:   3,
	}
}

func newDetector(t *testing.T) *chant.Detector {
	t.Helper()
	d, err := chant.New(testConfig(), 31.25, 256)
	if err != nil {
		t.Fatalf("chant.New: %v", err)
	}
	return d
}

// chanty builds a spectrum whose band energy spreads over four bins and
// whose band-over-total ratio is exactly the one given.
func chanty(ratio float64) []float64 {
	s := make([]float64, 256)
	for _, bin := range []int{10, 12, 14, 16} {
		s[bin] = 10
	}
	// Four bins of magnitude 10 carry 400 units of band energy; one
	// out-of-band bin supplies the rest.
	s[100] = math.Sqrt(400 * (1 - ratio) / ratio)
	return s
}

// tone concentrates all band energy in a single bin at the given ratio.
func tone(ratio float64) []float64 {
	s := make([]float64, 256)
	s[24] = 20
	s[100] = math.Sqrt(400 * (1 - ratio) / ratio)
	return s
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*chant.Config)
	}{
		{"inverted band", func(c *chant.Config) { c.MaxHz = 10 }},
		{"zero history", func(c *chant.Config) { c.HistorySize = 0 }},
		{"ratio above one", func(c *chant.Config) { c.MinRatio = 1.5 }},
		{"zero variance floor", func(c *chant.Config) { c.MinVariance = 0 }},
		{"zero min bins", func(c *chant.Config) { c.MinBins = 0 }},
		{"zero exit streak", func(c *chant.Config) { c.ExitStreak = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig()
			tc.mutate(&cfg)
			if _, err := chant.New(cfg, 31.25, 256); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}

	t.Run("band maps to no bin", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig()
		cfg.MinHz = 100
		cfg.MaxHz = 120
		if _, err := chant.New(cfg, 1000, 256); err == nil {
			t.Error("unmappable band accepted")
		}
	})
}

func TestBand(t *testing.T) {
	t.Parallel()

	d := newDetector(t)
	lo, hi := d.Band()
	if lo != 1 || hi != 48 {
		t.Errorf("band bins = %d..%d, want 1..48", lo, hi)
	}
}

func TestObserve_DetectsModulatedBandEnergy(t *testing.T) {
	t.Parallel()

	d := newDetector(t)

	first := d.Observe(chanty(0.9))
	if first.Raw || first.Active {
		t.Fatalf("single window already detected: %+v", first)
	}

	second := d.Observe(chanty(0.7))
	if !second.Raw || !second.Active {
		t.Fatalf("modulated band energy not detected: %+v", second)
	}
	if second.SignificantBins != 4 {
		t.Errorf("significant bins = %d, want 4", second.SignificantBins)
	}
	if math.Abs(second.Dominance-0.25) > 1e-9 {
		t.Errorf("dominance = %g, want 0.25", second.Dominance)
	}
}

func TestObserve_RejectsSingleTone(t *testing.T) {
	t.Parallel()

	d := newDetector(t)
	d.Observe(tone(0.9))
	snap := d.Observe(tone(0.7))

	if snap.Raw || snap.Active {
		t.Fatalf("single tone detected as chant: %+v", snap)
	}
	if snap.SignificantBins != 1 {
		t.Errorf("significant bins = %d, want 1", snap.SignificantBins)
	}
	if snap.Dominance != 1 {
		t.Errorf("dominance = %g, want 1", snap.Dominance)
	}
}

func TestObserve_RejectsFlatEnvelope(t *testing.T) {
	t.Parallel()

	d := newDetector(t)
	for i := 0; i < 10; i++ {
		if snap := d.Observe(chanty(0.9)); snap.Active {
			t.Fatalf("flat envelope detected as chant on window %d: %+v", i, snap)
		}
	}
}

func TestObserve_RequiresSustainedActivity(t *testing.T) {
	t.Parallel()

	d := newDetector(t)
	quiet := make([]float64, 256)
	for i := 0; i < 18; i++ {
		d.Observe(quiet)
	}
	d.Observe(chanty(0.9))
	snap := d.Observe(chanty(0.7))

	// Two energetic windows after 18 quiet ones leave the envelope mean
	// well under the sustained-activity floor.
	if snap.Raw || snap.Active {
		t.Fatalf("brief burst detected as chant: %+v", snap)
	}
	if snap.Mean > 0.3 {
		t.Errorf("envelope mean = %g, expected under 0.3", snap.Mean)
	}
}

func TestObserve_ExitHysteresis(t *testing.T) {
	t.Parallel()

	d := newDetector(t)
	quiet := make([]float64, 256)

	d.Observe(chanty(0.9))
	if snap := d.Observe(chanty(0.7)); !snap.Active {
		t.Fatalf("detector not active after modulated windows: %+v", snap)
	}

	if snap := d.Observe(quiet); !snap.Active {
		t.Fatal("one non-chant window cleared the flag")
	}
	if snap := d.Observe(quiet); !snap.Active {
		t.Fatal("two non-chant windows cleared the flag")
	}

	// A chant window inside the streak re-arms the hysteresis.
	if snap := d.Observe(chanty(0.9)); !snap.Raw || !snap.Active {
		t.Fatalf("chant window inside streak not detected: %+v", snap)
	}
	d.Observe(quiet)
	if snap := d.Observe(quiet); !snap.Active {
		t.Fatal("streak did not reset on the intervening chant window")
	}
	if snap := d.Observe(quiet); snap.Active {
		t.Fatal("flag survived the full exit streak")
	}
}

func TestObserve_ZeroSpectrum(t *testing.T) {
	t.Parallel()

	d := newDetector(t)
	snap := d.Observe(make([]float64, 256))

	if snap.Ratio != 0 || snap.Raw || snap.Active {
		t.Errorf("zero spectrum produced %+v", snap)
	}
	if math.IsNaN(snap.Mean) || math.IsNaN(snap.Variance) {
		t.Error("zero spectrum produced NaN statistics")
	}
}
