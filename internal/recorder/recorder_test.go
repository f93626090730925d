package recorder

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fanpulse/fanpulse/internal/classify"
	"github.com/fanpulse/fanpulse/internal/pipeline"
	"github.com/fanpulse/fanpulse/pkg/event"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingSource returns readings with an incrementing dB value so samples
// are distinguishable.
func countingSource() func() pipeline.Reading {
	var (
		mu sync.Mutex
		n  int64
	)
	return func() pipeline.Reading {
		mu.Lock()
		defer mu.Unlock()
		n++
		return pipeline.Reading{
			At:            time.UnixMilli(1_700_000_000_000 + n*100),
			Db:            -40 + float64(n),
			BaselineDb:    -50,
			State:         classify.Loud,
			Tier:          event.TierBronze,
			ChantDetected: true,
			ChantRatio:    0.62,
		}
	}
}

func testRecorder(t *testing.T, dir string) *Recorder {
	t.Helper()
	r, err := New(Options{
		Dir:             dir,
		SampleHz:        100,
		DefaultDuration: 50 * time.Millisecond,
		Source:          countingSource(),
		Logger:          discardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

// waitIdle polls until no session is active.
func waitIdle(t *testing.T, r *Recorder) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.Active() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the session to finish")
}

func sessionFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var files []string
	for _, e := range entries {
		if e.Name() != SummaryFile {
			files = append(files, e.Name())
		}
	}
	return files
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	src := countingSource()
	tests := []struct {
		name string
		opts Options
	}{
		{"empty dir", Options{SampleHz: 10, DefaultDuration: time.Second, Source: src}},
		{"zero sample rate", Options{Dir: "x", DefaultDuration: time.Second, Source: src}},
		{"zero duration", Options{Dir: "x", SampleHz: 10, Source: src}},
		{"nil source", Options{Dir: "x", SampleHz: 10, DefaultDuration: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Logger = discardLogger()
			if _, err := New(tt.opts); err == nil {
				t.Fatal("New accepted an unusable configuration")
			}
		})
	}
}

func TestRecorder_SessionWritesFiles(t *testing.T) {
	dir := t.TempDir()
	r := testRecorder(t, dir)
	defer r.Close()

	if err := r.Start("chant", 50*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitIdle(t, r)

	files := sessionFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("session files = %v, want exactly one", files)
	}
	if !strings.HasPrefix(files[0], "chant_") || !strings.HasSuffix(files[0], ".json") {
		t.Errorf("file name = %q, want chant_<timestamp>.json", files[0])
	}

	data, err := os.ReadFile(filepath.Join(dir, files[0]))
	if err != nil {
		t.Fatalf("read session file: %v", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.Label != "chant" {
		t.Errorf("label = %q, want chant", sess.Label)
	}
	if sess.SampleHz != 100 {
		t.Errorf("sampleHz = %d, want 100", sess.SampleHz)
	}
	if len(sess.Samples) == 0 {
		t.Fatal("session recorded no samples")
	}
	first := sess.Samples[0]
	if first.State != "loud" {
		t.Errorf("sample state = %q, want loud", first.State)
	}
	if first.Tier != "bronze" {
		t.Errorf("sample tier = %q, want bronze", first.Tier)
	}
	if !first.Chant || first.Ratio != 0.62 {
		t.Errorf("sample chant/ratio = %v/%v, want true/0.62", first.Chant, first.Ratio)
	}

	// The summary carries one line describing the session.
	sf, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(sf)), "\n")
	if len(lines) != 1 {
		t.Fatalf("summary lines = %d, want 1", len(lines))
	}
	var entry summaryEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if entry.File != files[0] {
		t.Errorf("summary file = %q, want %q", entry.File, files[0])
	}
	if entry.SampleCount != len(sess.Samples) {
		t.Errorf("summary sampleCount = %d, want %d", entry.SampleCount, len(sess.Samples))
	}
	if entry.ChantFraction != 1.0 {
		t.Errorf("chantFraction = %v, want 1.0", entry.ChantFraction)
	}
	// The counting source increases dB each call, so the peak is the last
	// sample and the average sits strictly between first and last.
	last := sess.Samples[len(sess.Samples)-1]
	if entry.PeakDb != last.Db {
		t.Errorf("peakDb = %v, want %v", entry.PeakDb, last.Db)
	}
	if len(sess.Samples) > 1 && (entry.AvgDb <= first.Db || entry.AvgDb >= last.Db) {
		t.Errorf("avgDb = %v, want between %v and %v", entry.AvgDb, first.Db, last.Db)
	}
}

func TestRecorder_RejectsConcurrentSessions(t *testing.T) {
	dir := t.TempDir()
	r := testRecorder(t, dir)
	defer r.Close()

	if err := r.Start("normal", 100*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start("noise", 100*time.Millisecond); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start err = %v, want ErrSessionActive", err)
	}
	waitIdle(t, r)

	// A new session is allowed once the first finishes.
	if err := r.Start("noise", 30*time.Millisecond); err != nil {
		t.Fatalf("Start after finish: %v", err)
	}
	waitIdle(t, r)

	if files := sessionFiles(t, dir); len(files) != 2 {
		t.Errorf("session files = %v, want two", files)
	}
}

func TestRecorder_RejectsUnknownLabel(t *testing.T) {
	t.Parallel()

	r := testRecorder(t, t.TempDir())
	defer r.Close()

	err := r.Start("vuvuzela", time.Second)
	if err == nil {
		t.Fatal("Start accepted an unknown label")
	}
	if !strings.Contains(err.Error(), "unknown label") {
		t.Errorf("err = %v, want unknown label message", err)
	}
	if r.Active() {
		t.Error("recorder became active despite the rejected label")
	}
}

func TestRecorder_DefaultDuration(t *testing.T) {
	dir := t.TempDir()
	r := testRecorder(t, dir) // default 50ms
	defer r.Close()

	if err := r.Start("normal", 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitIdle(t, r)

	files := sessionFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("session files = %v, want one", files)
	}
}

func TestRecorder_ClosePersistsPartialSession(t *testing.T) {
	dir := t.TempDir()
	r := testRecorder(t, dir)

	// A session much longer than the test; Close aborts it.
	if err := r.Start("chant", time.Hour); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	r.Close()

	files := sessionFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("session files = %v, want the partial session", files)
	}

	// Closed recorders refuse new sessions.
	if err := r.Start("chant", time.Second); err == nil {
		t.Fatal("Start succeeded on a closed recorder")
	}
}
