// Package pipeline wires the DSP components into the fixed-tick processing
// loop: drain an analysis window from the ring buffer, derive level and
// spectrum, update the baseline and chant detectors, advance the state
// machine, and aggregate eventful ticks into batch windows that emit
// [event.ClassifiedEvent] values.
//
// The loop goroutine owns every component except the ring buffer, which it
// shares with the ingest path. External callers interact through Ingest,
// Events, Latest, Status and Flush, all safe for concurrent use.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fanpulse/fanpulse/internal/baseline"
	"github.com/fanpulse/fanpulse/internal/batch"
	"github.com/fanpulse/fanpulse/internal/chant"
	"github.com/fanpulse/fanpulse/internal/classify"
	"github.com/fanpulse/fanpulse/internal/config"
	"github.com/fanpulse/fanpulse/internal/ingest"
	"github.com/fanpulse/fanpulse/internal/observe"
	"github.com/fanpulse/fanpulse/internal/ring"
	"github.com/fanpulse/fanpulse/internal/spectral"
	"github.com/fanpulse/fanpulse/pkg/audio"
	"github.com/fanpulse/fanpulse/pkg/event"
)

// eventBuffer is the capacity of the emitted-event queue. When dispatch
// falls behind, the oldest queued event is dropped in favour of the newest.
const eventBuffer = 16

// Reading is the derived per-tick view served to the device API, the
// broadcast hub and the session recorder.
type Reading struct {
	At         time.Time
	Db         float64
	BaselineDb float64
	State      classify.State

	// Tier is the most recent classification of the current episode.
	// TierNormal outside an episode; cleared when the machine returns to
	// Idle.
	Tier event.Tier

	ChantDetected bool
	ChantRatio    float64
}

// Status is a point-in-time aggregate of pipeline state and counters.
type Status struct {
	Reading    Reading
	Baseline   baseline.Stats
	Thresholds baseline.Thresholds
	Ingest     ingest.Stats

	Ticks         uint64
	TicksSkipped  uint64
	EventsEmitted uint64
	EventsDropped uint64
}

// Options configures a [Pipeline].
type Options struct {
	// Config supplies the tuning for every component. Required.
	Config *config.Config

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnReading, when set, is invoked with every derived reading from the
	// processing goroutine. It must not block.
	OnReading func(Reading)

	// Now overrides the time source. Tests use it to drive the batch
	// window deterministically.
	Now func() time.Time
}

// Pipeline owns the processing loop and the components it drives. Construct
// with [New], start with [Pipeline.Start], stop with [Pipeline.Stop].
type Pipeline struct {
	log *slog.Logger
	met *observe.Metrics

	ring       *ring.Buffer
	ingestor   *ingest.Ingestor
	analyzer   *spectral.Analyzer
	baseline   *baseline.Estimator
	chant      *chant.Detector
	machine    *classify.Machine
	classifier *classify.Classifier
	agg        *batch.Aggregator

	tick     time.Duration
	lockWait time.Duration
	window   []int16

	// tier is the sticky episode tier surfaced in readings. Loop-owned.
	tier event.Tier

	// winIngest is the ingest snapshot at the previous window close, the
	// reference for per-window signal quality. metIngest is the snapshot
	// at the previous tick, the reference for metric deltas. Loop-owned.
	winIngest ingest.Stats
	metIngest ingest.Stats

	events    chan event.ClassifiedEvent
	flush     chan chan struct{}
	onReading func(Reading)
	now       func() time.Time

	mu         sync.Mutex
	latest     Reading
	stats      baseline.Stats
	thresholds baseline.Thresholds
	ticks      uint64
	skipped    uint64
	emitted    uint64
	dropped    uint64

	done     chan struct{}
	stopOnce sync.Once
}

// New builds a pipeline from cfg, constructing every component and failing
// fast on the first invalid parameter.
func New(opts Options) (*Pipeline, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("pipeline: config must not be nil")
	}

	rb, err := ring.New(cfg.Audio.RingCapacity, cfg.Audio.OverflowWatermark, cfg.Audio.OverflowDropFraction)
	if err != nil {
		return nil, err
	}
	ing, err := ingest.New(rb, cfg.Audio.MaxPayload)
	if err != nil {
		return nil, err
	}
	an, err := spectral.New(cfg.Analysis.WindowSamples, cfg.Analysis.FFTSize, cfg.Audio.SampleRate, cfg.Analysis.DbReference)
	if err != nil {
		return nil, err
	}
	est, err := baseline.New(baseline.Config{
		HistorySize:   cfg.Baseline.HistoryLen,
		Recompute:     cfg.Baseline.Recompute(),
		MinSamples:    cfg.Baseline.MinSamples,
		FallbackDb:    cfg.Baseline.FallbackMedianDb,
		IqrFloor:      cfg.Baseline.IqrFloor,
		RisingOffset:  cfg.Baseline.RisingOffsetDb,
		LoudOffset:    cfg.Baseline.LoudOffsetDb,
		FallingOffset: cfg.Baseline.FallingOffsetDb,
	})
	if err != nil {
		return nil, err
	}
	det, err := chant.New(chant.Config{
		MinHz:        cfg.Chant.BandLowHz,
		MaxHz:        cfg.Chant.BandHighHz,
		HistorySize:  cfg.Chant.HistoryLen,
		MinRatio:     cfg.Chant.RatioThreshold,
		MinVariance:  cfg.Chant.VarianceMin,
		MinMean:      cfg.Chant.MeanFloor,
		MinBins:      cfg.Chant.MinSignificantBins,
		MaxDominance: cfg.Chant.MaxBinDominance,
		ExitStreak:   cfg.Chant.ExitStreak,
	}, an.BinWidth(), cfg.Analysis.FFTSize/2)
	if err != nil {
		return nil, err
	}

	ccfg := classify.Config{
		Tick:         cfg.Analysis.Tick(),
		MinDwell:     cfg.Classify.MinDwell(),
		QuietTimeout: cfg.Classify.QuietTimeout(),
		MinLoud:      cfg.Classify.MinLoud(),
		BronzeOffset: cfg.Classify.BronzeOffsetDb,
		SilverOffset: cfg.Classify.SilverOffsetDb,
		GoldOffset:   cfg.Classify.GoldOffsetDb,
	}
	machine, err := classify.NewMachine(ccfg)
	if err != nil {
		return nil, err
	}
	classifier, err := classify.NewClassifier(ccfg)
	if err != nil {
		return nil, err
	}

	traceLen := int(cfg.Batch.Window() / cfg.Analysis.Tick())
	if traceLen < 1 {
		traceLen = 1
	}
	agg, err := batch.New(batch.Config{
		Window:     cfg.Batch.Window(),
		EmitMargin: cfg.Batch.EmitMarginDb,
		MinLoud:    cfg.Batch.MinLoud(),
		TraceLen:   traceLen,
	})
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	met := opts.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	p := &Pipeline{
		log:        log.With("component", "pipeline"),
		met:        met,
		ring:       rb,
		ingestor:   ing,
		analyzer:   an,
		baseline:   est,
		chant:      det,
		machine:    machine,
		classifier: classifier,
		agg:        agg,
		tick:       cfg.Analysis.Tick(),
		lockWait:   cfg.Audio.LockWait(),
		window:     make([]int16, cfg.Analysis.WindowSamples),
		tier:       event.TierNormal,
		events:     make(chan event.ClassifiedEvent, eventBuffer),
		flush:      make(chan chan struct{}),
		onReading:  opts.OnReading,
		now:        nowFn,
		done:       make(chan struct{}),
	}
	p.stats = est.Stats()
	p.thresholds = est.Thresholds()
	p.latest = Reading{
		At:         nowFn(),
		Db:         spectral.DbFloor,
		BaselineDb: p.stats.Median,
		State:      classify.Idle,
		Tier:       event.TierNormal,
	}
	return p, nil
}

// Start begins the processing loop in a background goroutine. The goroutine
// runs until [Pipeline.Stop] is called or ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop halts the processing loop. Safe to call multiple times.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
}

// Ingest validates and buffers one PCM frame from the active producer.
// Safe for concurrent use with the processing loop; producers themselves
// must not overlap.
func (p *Pipeline) Ingest(f audio.Frame) error {
	return p.ingestor.Push(f)
}

// ResetSequence clears frame sequence tracking across producer handovers so
// the first frame of a new source is not booked as a wire gap.
func (p *Pipeline) ResetSequence() {
	p.ingestor.ResetSequence()
}

// Events returns the emitted-event queue. Exactly one consumer should drain
// it; queued events survive Stop.
func (p *Pipeline) Events() <-chan event.ClassifiedEvent {
	return p.events
}

// Latest returns the most recent derived reading.
func (p *Pipeline) Latest() Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Status returns a snapshot of pipeline state and counters.
func (p *Pipeline) Status() Status {
	ist := p.ingestor.Stats()
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Reading:       p.latest,
		Baseline:      p.stats,
		Thresholds:    p.thresholds,
		Ingest:        ist,
		Ticks:         p.ticks,
		TicksSkipped:  p.skipped,
		EventsEmitted: p.emitted,
		EventsDropped: p.dropped,
	}
}

// Flush asks the processing loop to close the current batch window
// immediately, emitting its event if it qualifies. It blocks until the close
// has run, the loop has stopped, or ctx is cancelled. Replay sources call it
// at end of stream so a final partial window is not lost.
func (p *Pipeline) Flush(ctx context.Context) {
	ack := make(chan struct{})
	select {
	case p.flush <- ack:
	case <-p.done:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-ack:
	case <-ctx.Done():
	}
}

// loop runs the fixed-tick processing cycle.
func (p *Pipeline) loop(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	p.log.Info("processing loop started",
		"tick", p.tick,
		"window_samples", len(p.window),
		"lock_wait", p.lockWait,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case ack := <-p.flush:
			p.closeWindow(ctx, p.now())
			close(ack)
		case <-ticker.C:
			p.runTick(ctx)
		}
	}
}

// runTick executes one processing cycle: telemetry deltas, window drain,
// analysis, and window close when due. An empty drain means no audio arrived
// since the previous tick; the DSP state is left untouched so silence at the
// boundary cannot masquerade as signal.
func (p *Pipeline) runTick(ctx context.Context) {
	started := time.Now()
	now := p.now()

	ist := p.ingestor.Stats()
	p.met.AddIngest(ctx,
		int64(ist.Accepted-p.metIngest.Accepted),
		int64(ist.Rejected-p.metIngest.Rejected),
		int64(ist.LostFrames-p.metIngest.LostFrames),
		int64(ist.DroppedSamples-p.metIngest.DroppedSamples),
	)
	p.metIngest = ist
	p.met.EventQueueLength.Record(ctx, int64(len(p.events)))

	n, ok := p.ring.PopWindow(p.window, p.lockWait)
	switch {
	case !ok:
		p.met.RecordSkippedTick(ctx)
		p.mu.Lock()
		p.skipped++
		p.mu.Unlock()
		p.log.Warn("tick skipped, ring guard timeout", "max_wait", p.lockWait)
		return
	case n > 0:
		p.processTick(ctx, now, p.window[:n], started)
	}

	if p.agg.Due(now) {
		p.closeWindow(ctx, now)
	}
}

// processTick runs the DSP chain over one drained window.
func (p *Pipeline) processTick(ctx context.Context, now time.Time, window []int16, started time.Time) {
	snap := p.analyzer.Analyze(window)
	p.baseline.Observe(snap.Db, now)
	st := p.baseline.Stats()
	th := p.baseline.Thresholds()
	ch := p.chant.Observe(snap.Spectrum)
	tr := p.machine.Advance(snap.Db, th)

	tier := event.TierNormal
	if tr.To == classify.Loud {
		if t, offset := p.classifier.Classify(snap.Db, st, tr.ConsecutiveLoud); t != event.TierNormal {
			tier = t
			p.machine.ResetLoud()
			p.log.Info("tier assigned",
				"tier", string(t),
				"db", snap.Db,
				"offset_db", offset,
				"loud_for", tr.ConsecutiveLoud,
			)
		}
	}

	var loud time.Duration
	if tr.To == classify.Loud {
		loud = p.tick
	}
	p.agg.Observe(batch.Observation{At: now, Db: snap.Db, Tier: tier, Chant: ch.Active, Loud: loud})

	if tr.Changed {
		p.log.Debug("state transition",
			"from", tr.From.String(),
			"to", tr.To.String(),
			"db", snap.Db,
			"rising", th.Rising,
			"falling", th.Falling,
		)
	}

	p.met.RecordTick(ctx, time.Since(started), snap.Db)

	switch {
	case tr.To == classify.Idle:
		p.tier = event.TierNormal
	case tier != event.TierNormal:
		p.tier = tier
	}
	reading := Reading{
		At:            now,
		Db:            snap.Db,
		BaselineDb:    st.Median,
		State:         tr.To,
		Tier:          p.tier,
		ChantDetected: ch.Active,
		ChantRatio:    ch.Ratio,
	}

	p.mu.Lock()
	p.latest = reading
	p.stats = st
	p.thresholds = th
	p.ticks++
	p.mu.Unlock()

	if p.onReading != nil {
		p.onReading(reading)
	}
}

// closeWindow closes the current batch window against the latest baseline
// and publishes the event when the window qualifies.
func (p *Pipeline) closeWindow(ctx context.Context, now time.Time) {
	p.mu.Lock()
	st := p.stats
	th := p.thresholds
	p.mu.Unlock()

	sum, emit := p.agg.Close(now, st.Median)
	quality := p.windowQuality()
	p.met.RecordBatch(ctx, emit)
	if !emit {
		if sum.Ticks > 0 {
			p.log.Debug("window suppressed",
				"peak_db", sum.PeakDb,
				"eventful_ticks", sum.Events,
				"ticks", sum.Ticks,
			)
		}
		return
	}

	ev := assembleEvent(sum, st, th, quality)
	p.publish(ctx, ev)
	p.log.Info("event emitted",
		"tier", string(ev.Tier),
		"peak_db", ev.PeakDb,
		"duration_ms", ev.DurationMs,
		"chant", ev.ChantDetected,
		"confidence", ev.DetectionConfidence,
		"quality", ev.SignalQuality,
	)
}

// assembleEvent maps a qualifying window summary onto the wire event.
// Identity fields stay empty; they are stamped at dispatch.
// Confidence starts at 0.5 and grows with tier rank, chant agreement and
// the peak's margin over the loud threshold.
func assembleEvent(sum batch.Summary, st baseline.Stats, th baseline.Thresholds, quality float64) event.ClassifiedEvent {
	margin := sum.PeakDb - th.Loud
	confidence := 0.5 + 0.15*float64(sum.Tier.Rank())
	if sum.Chant {
		confidence += 0.2
	}
	if margin > 0 {
		confidence += margin / 20
	}

	return event.ClassifiedEvent{
		Tier:                sum.Tier,
		PeakDb:              sum.PeakDb,
		DurationMs:          uint32(sum.LoudTotal / time.Millisecond),
		Timestamp:           uint64(sum.PeakAt.UnixMilli()),
		ChantDetected:       sum.Chant,
		BaselineDb:          st.Median,
		DynamicThreshold:    th.Loud,
		ThresholdOffsetDb:   margin,
		EnvironmentIqr:      st.Iqr,
		SignalQuality:       quality,
		DetectionConfidence: clamp01(confidence),
	}
}

// windowQuality grades the ingest telemetry accumulated since the previous
// window close: the fraction of frames lost on the wire, plus a capped
// penalty per overflow burst.
func (p *Pipeline) windowQuality() float64 {
	cur := p.ingestor.Stats()
	accepted := cur.Accepted - p.winIngest.Accepted
	lost := cur.LostFrames - p.winIngest.LostFrames
	overflow := cur.OverflowEvents - p.winIngest.OverflowEvents
	p.winIngest = cur

	q := 1.0
	if total := accepted + lost; total > 0 {
		q -= float64(lost) / float64(total)
	}
	if overflow > 3 {
		overflow = 3
	}
	q -= 0.1 * float64(overflow)
	return clamp01(q)
}

// publish enqueues ev, dropping the oldest queued event when the buffer is
// full. Only the processing goroutine publishes, so the retry loop cannot
// livelock against a second producer.
func (p *Pipeline) publish(ctx context.Context, ev event.ClassifiedEvent) {
	p.met.RecordEvent(ctx, string(ev.Tier))
	for {
		select {
		case p.events <- ev:
			p.mu.Lock()
			p.emitted++
			p.mu.Unlock()
			return
		default:
		}
		select {
		case old := <-p.events:
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
			p.log.Warn("event queue full, dropping oldest", "dropped_tier", string(old.Tier))
		default:
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
