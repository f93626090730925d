package config_test

import (
	"strings"
	"testing"

	"github.com/fanpulse/fanpulse/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8090"
  log_level: debug

device:
  device_id: "B43A45A16938"
  match_id: 7

audio:
  sample_rate: 16000
  max_payload: 4096
  ring_capacity: 131072
  overflow_watermark: 0.8
  overflow_drop_fraction: 0.2
  lock_wait_ms: 10

analysis:
  tick_ms: 500
  window_samples: 8000
  fft_size: 512
  db_reference: 32768

baseline:
  history_len: 120
  recompute_ms: 2000
  min_samples: 10
  fallback_median_db: -60
  iqr_floor: 1.0
  rising_offset_db: 5
  loud_offset_db: 10
  falling_offset_db: 3

chant:
  band_low_hz: 20
  band_high_hz: 1500
  history_len: 20
  ratio_threshold: 0.4
  variance_min: 0.001
  mean_floor: 0.3
  min_significant_bins: 3
  max_bin_dominance: 0.6
  exit_streak: 3

classify:
  bronze_offset_db: 5
  silver_offset_db: 10
  gold_offset_db: 15
  min_loud_ms: 4000
  min_dwell_ms: 1000
  quiet_timeout_ms: 2000

batch:
  window_ms: 10000
  emit_margin_db: 5
  min_loud_ms: 2000

gateway:
  url: "http://gateway:8000/events"
  api_key: "secret"
  timeout_ms: 3000
  queue_size: 64

postgres:
  dsn: "postgres://localhost:5432/fanpulse?sslmode=disable"

capture:
  enabled: true
  device_index: 2

recorder:
  dir: "sessions"
  sample_hz: 10
  default_duration_s: 5
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Device.DeviceID != "B43A45A16938" {
		t.Errorf("device.device_id: got %q", cfg.Device.DeviceID)
	}
	if cfg.Device.MatchID != 7 {
		t.Errorf("device.match_id: got %d, want 7", cfg.Device.MatchID)
	}
	if cfg.Audio.RingCapacity != 131072 {
		t.Errorf("audio.ring_capacity: got %d, want 131072", cfg.Audio.RingCapacity)
	}
	if cfg.Chant.BandHighHz != 1500 {
		t.Errorf("chant.band_high_hz: got %.0f, want 1500", cfg.Chant.BandHighHz)
	}
	if cfg.Gateway.URL != "http://gateway:8000/events" {
		t.Errorf("gateway.url: got %q", cfg.Gateway.URL)
	}
	if !cfg.Capture.Enabled || cfg.Capture.DeviceIndex != 2 {
		t.Errorf("capture: got enabled=%v index=%d", cfg.Capture.Enabled, cfg.Capture.DeviceIndex)
	}
	if cfg.Postgres.DSN == "" {
		t.Error("postgres.dsn should be set")
	}
}

func TestLoadFromReader_EmptyInput(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty input should load defaults, got: %v", err)
	}
	if cfg.Analysis.FFTSize != 512 {
		t.Errorf("analysis.fft_size default: got %d, want 512", cfg.Analysis.FFTSize)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("verbose should not be a valid log level")
	}
}
