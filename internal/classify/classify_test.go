package classify_test

import (
	"testing"
	"time"

	"github.com/fanpulse/fanpulse/internal/baseline"
	"github.com/fanpulse/fanpulse/internal/classify"
	"github.com/fanpulse/fanpulse/pkg/event"
)

func testConfig() classify.Config {
	return classify.Config{
		Tick:         500 * time.Millisecond,
		MinDwell:     time.Second,
		QuietTimeout: 2 * time.Second,
		MinLoud:      4 * time.Second,
		BronzeOffset: 5,
		SilverOffset: 10,
		GoldOffset:   15,
	}
}

var testThresholds = baseline.Thresholds{Rising: -34, Loud: -25, Falling: -34.5}

func newMachine(t *testing.T) *classify.Machine {
	t.Helper()
	m, err := classify.NewMachine(testConfig())
	if err != nil {
		t.Fatalf("classify.NewMachine: %v", err)
	}
	return m
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	bad := testConfig()
	bad.Tick = 0
	if _, err := classify.NewMachine(bad); err == nil {
		t.Error("zero tick accepted")
	}

	bad = testConfig()
	bad.QuietTimeout = 0
	if _, err := classify.NewMachine(bad); err == nil {
		t.Error("zero quiet timeout accepted")
	}

	bad = testConfig()
	bad.SilverOffset = 5
	if _, err := classify.NewClassifier(bad); err == nil {
		t.Error("non-increasing tier offsets accepted")
	}

	bad = testConfig()
	bad.MinLoud = 0
	if _, err := classify.NewClassifier(bad); err == nil {
		t.Error("zero min loud accepted")
	}
}

func TestMachine_FullTrajectory(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	// A surge, a sustained roar, a drop, then silence long enough to time
	// out. The machine must visit every state in order without skipping.
	inputs := []float64{-45, -30, -20, -35, -45, -45, -45, -45}
	want := []classify.State{
		classify.Idle,
		classify.Rising,
		classify.Loud,
		classify.Falling,
		classify.Falling,
		classify.Falling,
		classify.Falling,
		classify.Idle,
	}

	for i, db := range inputs {
		tr := m.Advance(db, testThresholds)
		if tr.To != want[i] {
			t.Fatalf("tick %d (%.0f dB): state = %v, want %v", i, db, tr.To, want[i])
		}
		changed := i > 0 && want[i] != want[i-1]
		if tr.Changed != changed {
			t.Errorf("tick %d: Changed = %v for %v -> %v", i, tr.Changed, tr.From, tr.To)
		}
	}
}

func TestMachine_RisingCarriesIntoLoud(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	m.Advance(-30, testThresholds) // Idle -> Rising
	tr := m.Advance(-20, testThresholds)

	if tr.To != classify.Loud {
		t.Fatalf("state = %v, want Loud", tr.To)
	}
	if tr.ConsecutiveLoud != 500*time.Millisecond {
		t.Errorf("loud accumulator = %s, want 500ms carried from Rising", tr.ConsecutiveLoud)
	}
}

func TestMachine_DwellGuardHoldsRising(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	m.Advance(-30, testThresholds) // Idle -> Rising

	// One noisy quiet window must not abort the build-up.
	if tr := m.Advance(-50, testThresholds); tr.To != classify.Rising {
		t.Fatalf("state = %v after one quiet tick, want Rising", tr.To)
	}
	// After the dwell time the drop goes through.
	if tr := m.Advance(-50, testThresholds); tr.To != classify.Falling {
		t.Fatalf("state = %v after dwell elapsed, want Falling", tr.To)
	}
}

func TestMachine_FallingReentersRising(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	m.Advance(-30, testThresholds) // Rising
	m.Advance(-20, testThresholds) // Loud, 500ms carried
	m.Advance(-20, testThresholds) // Loud, 1000ms
	m.Advance(-40, testThresholds) // Falling

	tr := m.Advance(-30, testThresholds)
	if tr.To != classify.Rising {
		t.Fatalf("state = %v, want Rising on re-entry", tr.To)
	}
	if tr.ConsecutiveLoud != time.Second {
		t.Errorf("loud accumulator = %s, want 1s preserved across Falling", tr.ConsecutiveLoud)
	}

	// The second surge keeps building on the same episode.
	tr = m.Advance(-20, testThresholds)
	if tr.To != classify.Loud {
		t.Fatalf("state = %v, want Loud", tr.To)
	}
	if tr.ConsecutiveLoud != 1500*time.Millisecond {
		t.Errorf("loud accumulator = %s, want 1.5s", tr.ConsecutiveLoud)
	}
}

func TestMachine_QuietMustBeConsecutive(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	m.Advance(-30, testThresholds) // Rising
	m.Advance(-20, testThresholds) // Loud
	m.Advance(-45, testThresholds) // Falling

	m.Advance(-45, testThresholds)   // quiet 500ms
	m.Advance(-34.2, testThresholds) // above falling: interrupts the quiet run
	for i := 0; i < 3; i++ {
		if tr := m.Advance(-45, testThresholds); tr.To != classify.Falling {
			t.Fatalf("quiet tick %d: state = %v, want Falling", i, tr.To)
		}
	}
	if tr := m.Advance(-45, testThresholds); tr.To != classify.Idle {
		t.Fatalf("state = %v, want Idle after full quiet timeout", tr.To)
	}
}

func TestMachine_PeakPerState(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	m.Advance(-30, testThresholds)
	m.Advance(-28, testThresholds)
	if tr := m.Advance(-32, testThresholds); tr.PeakDb != -28 {
		t.Errorf("rising peak = %g, want -28", tr.PeakDb)
	}

	// Entering a new state restarts peak tracking at the current level.
	if tr := m.Advance(-20, testThresholds); tr.To != classify.Loud || tr.PeakDb != -20 {
		t.Errorf("loud entry: state %v peak %g, want Loud at -20", tr.To, tr.PeakDb)
	}
}

func TestClassifier_Bands(t *testing.T) {
	t.Parallel()

	c, err := classify.NewClassifier(testConfig())
	if err != nil {
		t.Fatalf("classify.NewClassifier: %v", err)
	}
	st := baseline.Stats{Median: -50, Iqr: 10}

	tests := []struct {
		name    string
		db      float64
		loudFor time.Duration
		want    event.Tier
	}{
		{"gold at band edge", -25, 4 * time.Second, event.TierGold},
		{"silver just under gold", -25.01, 4 * time.Second, event.TierSilver},
		{"silver at band edge", -30, 4 * time.Second, event.TierSilver},
		{"bronze", -34.9, 4 * time.Second, event.TierBronze},
		{"below bronze", -36, 4 * time.Second, event.TierNormal},
		{"not yet sustained", -25, 3999 * time.Millisecond, event.TierNormal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tier, offset := c.Classify(tc.db, st, tc.loudFor)
			if tier != tc.want {
				t.Errorf("Classify(%g) = %v, want %v", tc.db, tier, tc.want)
			}
			if want := tc.db - st.Median; offset != want {
				t.Errorf("offset = %g, want %g", offset, want)
			}
		})
	}
}

func TestClassifier_BandsAreExclusive(t *testing.T) {
	t.Parallel()

	c, err := classify.NewClassifier(testConfig())
	if err != nil {
		t.Fatalf("classify.NewClassifier: %v", err)
	}
	st := baseline.Stats{Median: -50, Iqr: 10}

	// Sweeping the level must produce monotonically non-decreasing tiers.
	last := event.TierNormal
	for db := -60.0; db <= 0; db += 0.25 {
		tier, _ := c.Classify(db, st, 4*time.Second)
		if tier.Rank() < last.Rank() {
			t.Fatalf("tier rank dropped from %v to %v at %g dB", last, tier, db)
		}
		last = tier
	}
	if last != event.TierGold {
		t.Errorf("sweep ended at %v, want gold", last)
	}
}

func TestMachine_ResetLoud(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	m.Advance(-30, testThresholds)
	m.Advance(-20, testThresholds)
	m.Advance(-20, testThresholds)
	if m.ConsecutiveLoud() == 0 {
		t.Fatal("loud accumulator empty after sustained loud")
	}

	m.ResetLoud()
	if m.ConsecutiveLoud() != 0 {
		t.Fatal("loud accumulator survived reset")
	}
	if tr := m.Advance(-20, testThresholds); tr.ConsecutiveLoud != 500*time.Millisecond {
		t.Errorf("loud accumulator = %s after reset, want one fresh tick", tr.ConsecutiveLoud)
	}
}
