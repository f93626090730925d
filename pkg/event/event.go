// Package event defines the classified crowd-noise event produced by the
// analysis pipeline and the validation rules enforced at the gateway
// boundary. The event is the sole artifact crossing out of the node; JSON
// field names follow the gateway's wire schema.
package event

import (
	"errors"
	"fmt"
)

// Tier grades sustained crowd-noise intensity relative to the ambient
// baseline. TierNormal marks events emitted for chanting or sustained
// loudness without reaching a cheer tier.
type Tier string

const (
	TierNormal Tier = "normal"
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

// IsValid reports whether t is a recognised tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierNormal, TierBronze, TierSilver, TierGold:
		return true
	}
	return false
}

// Rank orders tiers for dominance comparison: gold > silver > bronze > normal.
func (t Tier) Rank() int {
	switch t {
	case TierGold:
		return 3
	case TierSilver:
		return 2
	case TierBronze:
		return 1
	}
	return 0
}

// ClassifiedEvent is an immutable value describing one significant
// crowd-noise episode selected from a batch window.
type ClassifiedEvent struct {
	// DeviceID identifies the emitting node, MAC-style: 12 hex digits.
	// Stamped at dispatch, empty inside the pipeline.
	DeviceID string `json:"deviceId"`

	// MatchID identifies the match this node is assigned to.
	MatchID int `json:"matchId"`

	Tier       Tier    `json:"tier"`
	PeakDb     float64 `json:"peakDb"`
	DurationMs uint32  `json:"durationMs"`

	// Timestamp is the event time in milliseconds since the Unix epoch.
	Timestamp uint64 `json:"ts"`

	ChantDetected bool `json:"chantDetected"`

	// Baseline context captured at emission time, so downstream consumers
	// can judge the event against the ambient conditions that produced it.
	BaselineDb        float64 `json:"baselineDb"`
	DynamicThreshold  float64 `json:"dynamicThreshold"`
	ThresholdOffsetDb float64 `json:"thresholdOffsetDb"`
	EnvironmentIqr    float64 `json:"environmentIqr"`

	// SignalQuality grades the ingest telemetry over the batch window
	// (frame loss, overflow drops). DetectionConfidence grades the
	// classification itself. Both are clamped to [0, 1].
	SignalQuality       float64 `json:"signalQuality"`
	DetectionConfidence float64 `json:"detectionConfidence"`
}

// Plausible dB bounds for a 16-bit PCM pipeline. Values outside this range
// indicate a computation or transport fault, not a loud stadium.
const (
	minPlausibleDb = -120.0
	maxPlausibleDb = 10.0
)

// Validate checks e against the gateway's acceptance rules. It returns a
// joined error listing every violation found, or nil when e is acceptable.
func (e ClassifiedEvent) Validate() error {
	var errs []error

	if !isDeviceID(e.DeviceID) {
		errs = append(errs, fmt.Errorf("deviceId %q must be 12 hex digits", e.DeviceID))
	}
	if e.MatchID <= 0 {
		errs = append(errs, fmt.Errorf("matchId %d must be positive", e.MatchID))
	}
	if !e.Tier.IsValid() {
		errs = append(errs, fmt.Errorf("tier %q is invalid; valid values: normal, bronze, silver, gold", e.Tier))
	}
	if e.PeakDb < minPlausibleDb || e.PeakDb > maxPlausibleDb {
		errs = append(errs, fmt.Errorf("peakDb %.1f is outside the plausible range [%.0f, %.0f]", e.PeakDb, minPlausibleDb, maxPlausibleDb))
	}
	if e.Timestamp == 0 {
		errs = append(errs, errors.New("ts must be set"))
	}
	if e.SignalQuality < 0 || e.SignalQuality > 1 {
		errs = append(errs, fmt.Errorf("signalQuality %.3f is outside [0, 1]", e.SignalQuality))
	}
	if e.DetectionConfidence < 0 || e.DetectionConfidence > 1 {
		errs = append(errs, fmt.Errorf("detectionConfidence %.3f is outside [0, 1]", e.DetectionConfidence))
	}

	return errors.Join(errs...)
}

// isDeviceID reports whether s is a MAC-style identifier: exactly 12 hex
// digits, either case.
func isDeviceID(s string) bool {
	if len(s) != 12 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
