package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] values and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found, so the pipeline never
// starts from a structurally invalid configuration.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Device
	if !isDeviceID(cfg.Device.DeviceID) {
		errs = append(errs, fmt.Errorf("device.device_id %q must be 12 hex digits", cfg.Device.DeviceID))
	}
	if cfg.Device.MatchID <= 0 {
		errs = append(errs, fmt.Errorf("device.match_id %d must be positive", cfg.Device.MatchID))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.MaxPayload <= 0 || cfg.Audio.MaxPayload%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.max_payload %d must be positive and sample-aligned", cfg.Audio.MaxPayload))
	}
	if cfg.Audio.RingCapacity <= 0 {
		errs = append(errs, fmt.Errorf("audio.ring_capacity %d must be positive", cfg.Audio.RingCapacity))
	}
	if w := cfg.Audio.OverflowWatermark; w <= 0 || w > 1 {
		errs = append(errs, fmt.Errorf("audio.overflow_watermark %.2f is outside (0, 1]", w))
	}
	if d := cfg.Audio.OverflowDropFraction; d <= 0 || d > 1 {
		errs = append(errs, fmt.Errorf("audio.overflow_drop_fraction %.2f is outside (0, 1]", d))
	}
	if cfg.Audio.LockWaitMs < 0 {
		errs = append(errs, fmt.Errorf("audio.lock_wait_ms %d must not be negative", cfg.Audio.LockWaitMs))
	}

	// Analysis
	if cfg.Analysis.TickMs <= 0 {
		errs = append(errs, fmt.Errorf("analysis.tick_ms %d must be positive", cfg.Analysis.TickMs))
	}
	if cfg.Analysis.WindowSamples <= 0 {
		errs = append(errs, fmt.Errorf("analysis.window_samples %d must be positive", cfg.Analysis.WindowSamples))
	}
	if !isPowerOfTwo(cfg.Analysis.FFTSize) {
		errs = append(errs, fmt.Errorf("analysis.fft_size %d must be a power of two", cfg.Analysis.FFTSize))
	} else if cfg.Analysis.FFTSize > cfg.Analysis.WindowSamples {
		errs = append(errs, fmt.Errorf("analysis.fft_size %d exceeds window_samples %d", cfg.Analysis.FFTSize, cfg.Analysis.WindowSamples))
	}
	if cfg.Analysis.WindowSamples > cfg.Audio.RingCapacity {
		errs = append(errs, fmt.Errorf("analysis.window_samples %d exceeds audio.ring_capacity %d", cfg.Analysis.WindowSamples, cfg.Audio.RingCapacity))
	}
	if cfg.Analysis.DbReference <= 0 {
		errs = append(errs, fmt.Errorf("analysis.db_reference %.1f must be positive", cfg.Analysis.DbReference))
	}

	// Baseline
	if cfg.Baseline.HistoryLen <= 0 {
		errs = append(errs, fmt.Errorf("baseline.history_len %d must be positive", cfg.Baseline.HistoryLen))
	}
	if cfg.Baseline.RecomputeMs <= 0 {
		errs = append(errs, fmt.Errorf("baseline.recompute_ms %d must be positive", cfg.Baseline.RecomputeMs))
	}
	if cfg.Baseline.MinSamples < 1 || cfg.Baseline.MinSamples > cfg.Baseline.HistoryLen {
		errs = append(errs, fmt.Errorf("baseline.min_samples %d is outside [1, history_len=%d]", cfg.Baseline.MinSamples, cfg.Baseline.HistoryLen))
	}
	if cfg.Baseline.IqrFloor <= 0 {
		errs = append(errs, fmt.Errorf("baseline.iqr_floor %.2f must be positive", cfg.Baseline.IqrFloor))
	}
	if cfg.Baseline.FallingOffsetDb >= cfg.Baseline.RisingOffsetDb {
		errs = append(errs, fmt.Errorf("baseline.falling_offset_db %.1f must stay below rising_offset_db %.1f", cfg.Baseline.FallingOffsetDb, cfg.Baseline.RisingOffsetDb))
	}
	if cfg.Baseline.RisingOffsetDb >= cfg.Baseline.LoudOffsetDb {
		errs = append(errs, fmt.Errorf("baseline.rising_offset_db %.1f must stay below loud_offset_db %.1f", cfg.Baseline.RisingOffsetDb, cfg.Baseline.LoudOffsetDb))
	}

	// Chant
	if cfg.Chant.BandLowHz < 0 || cfg.Chant.BandLowHz >= cfg.Chant.BandHighHz {
		errs = append(errs, fmt.Errorf("chant band [%.0f, %.0f] Hz is inverted or negative", cfg.Chant.BandLowHz, cfg.Chant.BandHighHz))
	}
	if nyquist := float64(cfg.Audio.SampleRate) / 2; cfg.Chant.BandHighHz > nyquist {
		errs = append(errs, fmt.Errorf("chant.band_high_hz %.0f exceeds the Nyquist limit %.0f", cfg.Chant.BandHighHz, nyquist))
	}
	if cfg.Chant.HistoryLen <= 0 {
		errs = append(errs, fmt.Errorf("chant.history_len %d must be positive", cfg.Chant.HistoryLen))
	}
	if r := cfg.Chant.RatioThreshold; r <= 0 || r >= 1 {
		errs = append(errs, fmt.Errorf("chant.ratio_threshold %.2f is outside (0, 1)", r))
	}
	if cfg.Chant.VarianceMin < 0 {
		errs = append(errs, fmt.Errorf("chant.variance_min %.4f must not be negative", cfg.Chant.VarianceMin))
	}
	if m := cfg.Chant.MeanFloor; m < 0 || m >= 1 {
		errs = append(errs, fmt.Errorf("chant.mean_floor %.2f is outside [0, 1)", m))
	}
	if cfg.Chant.MinSignificantBins < 1 {
		errs = append(errs, fmt.Errorf("chant.min_significant_bins %d must be at least 1", cfg.Chant.MinSignificantBins))
	}
	if d := cfg.Chant.MaxBinDominance; d <= 0 || d > 1 {
		errs = append(errs, fmt.Errorf("chant.max_bin_dominance %.2f is outside (0, 1]", d))
	}
	if cfg.Chant.ExitStreak < 1 {
		errs = append(errs, fmt.Errorf("chant.exit_streak %d must be at least 1", cfg.Chant.ExitStreak))
	}

	// Classify
	if !(cfg.Classify.BronzeOffsetDb < cfg.Classify.SilverOffsetDb && cfg.Classify.SilverOffsetDb < cfg.Classify.GoldOffsetDb) {
		errs = append(errs, fmt.Errorf("classify offsets %.1f/%.1f/%.1f must be strictly increasing",
			cfg.Classify.BronzeOffsetDb, cfg.Classify.SilverOffsetDb, cfg.Classify.GoldOffsetDb))
	}
	if cfg.Classify.MinLoudMs <= 0 {
		errs = append(errs, fmt.Errorf("classify.min_loud_ms %d must be positive", cfg.Classify.MinLoudMs))
	}
	if cfg.Classify.MinDwellMs <= 0 {
		errs = append(errs, fmt.Errorf("classify.min_dwell_ms %d must be positive", cfg.Classify.MinDwellMs))
	}
	if cfg.Classify.QuietTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("classify.quiet_timeout_ms %d must be positive", cfg.Classify.QuietTimeoutMs))
	}

	// Batch
	if cfg.Batch.WindowMs < cfg.Analysis.TickMs {
		errs = append(errs, fmt.Errorf("batch.window_ms %d must be at least one tick (%dms)", cfg.Batch.WindowMs, cfg.Analysis.TickMs))
	}
	if cfg.Batch.EmitMarginDb < 0 {
		errs = append(errs, fmt.Errorf("batch.emit_margin_db %.1f must not be negative", cfg.Batch.EmitMarginDb))
	}
	if cfg.Batch.MinLoudMs < 0 {
		errs = append(errs, fmt.Errorf("batch.min_loud_ms %d must not be negative", cfg.Batch.MinLoudMs))
	}

	// Gateway (only when enabled)
	if cfg.Gateway.URL != "" {
		if cfg.Gateway.TimeoutMs <= 0 {
			errs = append(errs, fmt.Errorf("gateway.timeout_ms %d must be positive", cfg.Gateway.TimeoutMs))
		}
		if cfg.Gateway.QueueSize <= 0 {
			errs = append(errs, fmt.Errorf("gateway.queue_size %d must be positive", cfg.Gateway.QueueSize))
		}
	}

	// Capture
	if cfg.Capture.DeviceIndex < -1 {
		errs = append(errs, fmt.Errorf("capture.device_index %d must be -1 (default) or a device index", cfg.Capture.DeviceIndex))
	}

	// Recorder (only when enabled; an empty dir disables it)
	if cfg.Recorder.Dir != "" {
		if cfg.Recorder.SampleHz <= 0 {
			errs = append(errs, fmt.Errorf("recorder.sample_hz %d must be positive", cfg.Recorder.SampleHz))
		}
		if cfg.Recorder.DefaultDurationS <= 0 {
			errs = append(errs, fmt.Errorf("recorder.default_duration_s %d must be positive", cfg.Recorder.DefaultDurationS))
		}
	}

	return errors.Join(errs...)
}

// isPowerOfTwo reports whether n is a positive power of two.
func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// isDeviceID reports whether s is exactly 12 hex digits, either case.
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
