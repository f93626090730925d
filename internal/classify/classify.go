// Package classify turns the per-tick dB trajectory into discrete crowd
// activity. A four-state machine follows the level against the adaptive
// thresholds, and a tier classifier grades sustained loud periods relative
// to the ambient baseline.
//
// All timing is carried by explicit duration accumulators advanced once per
// tick, never by wall-clock reads, so the behavior is deterministic under
// test.
package classify

import (
	"fmt"
	"math"
	"time"

	"github.com/fanpulse/fanpulse/internal/baseline"
	"github.com/fanpulse/fanpulse/pkg/event"
)

// State is the current position in the crowd-noise trajectory.
type State int

const (
	Idle State = iota
	Rising
	Loud
	Falling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Rising:
		return "rising"
	case Loud:
		return "loud"
	case Falling:
		return "falling"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the shared tuning for [Machine] and [Classifier].
type Config struct {
	// Tick is the fixed evaluation period; every Advance call represents
	// exactly this much elapsed time.
	Tick time.Duration

	// MinDwell is how long Rising holds before a level drop may abort it.
	MinDwell time.Duration

	// QuietTimeout is the consecutive quiet time in Falling after which the
	// machine returns to Idle.
	QuietTimeout time.Duration

	// MinLoud is the sustained Loud time required before a tier is assigned.
	MinLoud time.Duration

	// Tier offsets in dB above baseline median+IQR, strictly increasing.
	BronzeOffset float64
	SilverOffset float64
	GoldOffset   float64
}

func (c Config) validateMachine() error {
	if c.Tick <= 0 {
		return fmt.Errorf("classify: tick %s must be positive", c.Tick)
	}
	if c.MinDwell <= 0 {
		return fmt.Errorf("classify: min dwell %s must be positive", c.MinDwell)
	}
	if c.QuietTimeout <= 0 {
		return fmt.Errorf("classify: quiet timeout %s must be positive", c.QuietTimeout)
	}
	return nil
}

func (c Config) validateClassifier() error {
	if c.MinLoud <= 0 {
		return fmt.Errorf("classify: min loud %s must be positive", c.MinLoud)
	}
	if !(c.BronzeOffset < c.SilverOffset && c.SilverOffset < c.GoldOffset) {
		return fmt.Errorf("classify: tier offsets %g/%g/%g must be strictly increasing",
			c.BronzeOffset, c.SilverOffset, c.GoldOffset)
	}
	return nil
}

// Transition describes the outcome of one Advance call.
type Transition struct {
	From    State
	To      State
	Changed bool

	// PeakDb is the loudest level seen since entering the current state.
	PeakDb float64

	// InState is the time spent in the current state, including this tick.
	InState time.Duration

	// ConsecutiveLoud is the accumulated Loud time of the current episode.
	ConsecutiveLoud time.Duration
}

// Machine tracks the dB trajectory through Idle, Rising, Loud and Falling.
// It is owned by the processing loop and is not safe for concurrent use.
type Machine struct {
	cfg Config

	state   State
	inState time.Duration
	peakDb  float64

	loudFor  time.Duration
	quietFor time.Duration
}

// NewMachine creates a state machine starting in Idle.
func NewMachine(cfg Config) (*Machine, error) {
	if err := cfg.validateMachine(); err != nil {
		return nil, err
	}
	return &Machine{cfg: cfg, peakDb: math.Inf(-1)}, nil
}

// Advance evaluates one tick of level db against th and returns the
// resulting transition. Rules:
//
//   - Idle to Rising when db exceeds the rising threshold, resetting the
//     episode counters.
//   - Rising to Loud when db exceeds the loud threshold; the time already
//     spent in Rising is carried into the loud accumulator.
//   - Rising to Falling when db drops below the falling threshold after the
//     dwell guard has elapsed.
//   - Loud to Falling when db drops below the falling threshold. The loud
//     accumulator is preserved for the classifier.
//   - Falling to Rising when db exceeds the rising threshold again.
//   - Falling to Idle after QuietTimeout of consecutive quiet.
func (m *Machine) Advance(db float64, th baseline.Thresholds) Transition {
	m.inState += m.cfg.Tick
	prev := m.state

	switch m.state {
	case Loud:
		m.loudFor += m.cfg.Tick
	case Falling:
		if db < th.Falling {
			m.quietFor += m.cfg.Tick
		} else {
			m.quietFor = 0
		}
	}

	next := m.state
	switch m.state {
	case Idle:
		if db > th.Rising {
			next = Rising
			m.loudFor = 0
			m.quietFor = 0
		}
	case Rising:
		switch {
		case db > th.Loud:
			next = Loud
			m.loudFor += m.inState
		case db < th.Falling && m.inState >= m.cfg.MinDwell:
			next = Falling
		}
	case Loud:
		if db < th.Falling {
			next = Falling
		}
	case Falling:
		switch {
		case db > th.Rising:
			next = Rising
		case m.quietFor >= m.cfg.QuietTimeout:
			next = Idle
		}
	}

	if next != m.state {
		if next == Falling {
			m.quietFor = 0
		}
		m.state = next
		m.inState = 0
		m.peakDb = db
	} else if db > m.peakDb {
		m.peakDb = db
	}

	return Transition{
		From:            prev,
		To:              m.state,
		Changed:         prev != m.state,
		PeakDb:          m.peakDb,
		InState:         m.inState,
		ConsecutiveLoud: m.loudFor,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// ConsecutiveLoud returns the accumulated Loud time of the current episode.
func (m *Machine) ConsecutiveLoud() time.Duration {
	return m.loudFor
}

// PeakDb returns the loudest level seen since entering the current state.
func (m *Machine) PeakDb() float64 {
	return m.peakDb
}

// ResetLoud clears the loud accumulator. The classifier calls it after a
// successful tier assignment so one sustained loud period yields one tier.
func (m *Machine) ResetLoud() {
	m.loudFor = 0
}

// Classifier grades sustained loud periods into tiers.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a tier classifier.
func NewClassifier(cfg Config) (*Classifier, error) {
	if err := cfg.validateClassifier(); err != nil {
		return nil, err
	}
	return &Classifier{cfg: cfg}, nil
}

// Classify grades db against the baseline statistics. It returns
// [event.TierNormal] until loudFor reaches the minimum sustained duration,
// then the highest tier whose band the baseline offset reaches. The second
// return is db relative to the baseline median.
//
// Bands are non-overlapping by construction: a level entering the gold band
// can never also satisfy silver or bronze.
func (c *Classifier) Classify(db float64, st baseline.Stats, loudFor time.Duration) (event.Tier, float64) {
	offset := db - st.Median
	if loudFor < c.cfg.MinLoud {
		return event.TierNormal, offset
	}
	switch {
	case offset >= st.Iqr+c.cfg.GoldOffset:
		return event.TierGold, offset
	case offset >= st.Iqr+c.cfg.SilverOffset:
		return event.TierSilver, offset
	case offset >= st.Iqr+c.cfg.BronzeOffset:
		return event.TierBronze, offset
	}
	return event.TierNormal, offset
}
