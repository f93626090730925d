// Package app wires all FanPulse subsystems into a running node.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts them and blocks until the context is cancelled,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithArchive,
// WithForwarder). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fanpulse/fanpulse/internal/capture"
	"github.com/fanpulse/fanpulse/internal/config"
	"github.com/fanpulse/fanpulse/internal/eventlog"
	"github.com/fanpulse/fanpulse/internal/forward"
	"github.com/fanpulse/fanpulse/internal/health"
	"github.com/fanpulse/fanpulse/internal/observe"
	"github.com/fanpulse/fanpulse/internal/pipeline"
	"github.com/fanpulse/fanpulse/internal/recorder"
	"github.com/fanpulse/fanpulse/internal/server"
	"github.com/fanpulse/fanpulse/pkg/event"
)

// drainTimeout bounds delivery of events still queued when Run exits.
const drainTimeout = 2 * time.Second

// EventArchive stores classified events. *eventlog.Archive satisfies it.
type EventArchive interface {
	Insert(ctx context.Context, ev event.ClassifiedEvent) error
	Recent(ctx context.Context, limit int) ([]eventlog.StoredEvent, error)
	Ping(ctx context.Context) error
	Close()
}

// EventForwarder ships classified events to the gateway.
// *forward.Forwarder satisfies it.
type EventForwarder interface {
	Start(ctx context.Context)
	Enqueue(ev event.ClassifiedEvent)
	Stop()
}

// App owns all subsystem lifetimes of one analyzer node.
type App struct {
	cfg *config.Config
	log *slog.Logger
	met *observe.Metrics

	pipe      *pipeline.Pipeline
	archive   EventArchive
	forwarder EventForwarder
	rec       *recorder.Recorder
	mic       *capture.Capture
	srv       *server.Server

	running atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchive injects an event archive instead of opening one from config.
func WithArchive(a EventArchive) Option {
	return func(app *App) { app.archive = a }
}

// WithForwarder injects a gateway forwarder instead of creating one from
// config.
func WithForwarder(f EventForwarder) Option {
	return func(app *App) { app.forwarder = f }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The archive,
// forwarder, recorder and microphone are each optional and enabled by
// their config sections; the pipeline and HTTP server always run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg: cfg,
		log: logger.With("component", "app"),
		met: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Analysis pipeline ─────────────────────────────────────────────
	if err := a.initPipeline(logger); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 2. Event archive ─────────────────────────────────────────────────
	if err := a.initArchive(ctx, logger); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 3. Gateway forwarder ─────────────────────────────────────────────
	if err := a.initForwarder(logger); err != nil {
		return nil, fmt.Errorf("app: init forwarder: %w", err)
	}

	// ── 4. Session recorder ──────────────────────────────────────────────
	if err := a.initRecorder(logger); err != nil {
		return nil, fmt.Errorf("app: init recorder: %w", err)
	}

	// ── 5. Microphone capture ────────────────────────────────────────────
	if err := a.initCapture(logger); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 6. HTTP server ───────────────────────────────────────────────────
	if err := a.initServer(logger); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initPipeline(logger *slog.Logger) error {
	pipe, err := pipeline.New(pipeline.Options{
		Config:    a.cfg,
		Logger:    logger,
		Metrics:   a.met,
		OnReading: a.onReading,
	})
	if err != nil {
		return err
	}
	a.pipe = pipe
	a.closers = append(a.closers, func() error {
		pipe.Stop()
		return nil
	})
	return nil
}

func (a *App) initArchive(ctx context.Context, logger *slog.Logger) error {
	if a.archive == nil {
		if a.cfg.Postgres.DSN == "" {
			return nil
		}
		arch, err := eventlog.Open(ctx, a.cfg.Postgres.DSN, logger)
		if err != nil {
			return err
		}
		a.archive = arch
	}
	a.closers = append(a.closers, func() error {
		a.archive.Close()
		return nil
	})
	return nil
}

func (a *App) initForwarder(logger *slog.Logger) error {
	if a.forwarder == nil {
		if a.cfg.Gateway.URL == "" {
			return nil
		}
		fwd, err := forward.New(forward.Options{
			Gateway: a.cfg.Gateway,
			Logger:  logger,
			Metrics: a.met,
		})
		if err != nil {
			return err
		}
		a.forwarder = fwd
	}
	a.closers = append(a.closers, func() error {
		a.forwarder.Stop()
		return nil
	})
	return nil
}

func (a *App) initRecorder(logger *slog.Logger) error {
	if a.cfg.Recorder.Dir == "" {
		return nil
	}

	rec, err := recorder.New(recorder.Options{
		Dir:             a.cfg.Recorder.Dir,
		SampleHz:        a.cfg.Recorder.SampleHz,
		DefaultDuration: time.Duration(a.cfg.Recorder.DefaultDurationS) * time.Second,
		Source:          a.pipe.Latest,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	a.rec = rec
	a.closers = append(a.closers, func() error {
		rec.Close()
		return nil
	})
	return nil
}

func (a *App) initCapture(logger *slog.Logger) error {
	if !a.cfg.Capture.Enabled {
		return nil
	}

	mic, err := capture.New(capture.Options{
		DeviceIndex: a.cfg.Capture.DeviceIndex,
		Sink:        a.pipe,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	a.mic = mic
	a.closers = append(a.closers, func() error {
		mic.Stop()
		return nil
	})
	return nil
}

func (a *App) initServer(logger *slog.Logger) error {
	checkers := []health.Checker{{
		Name: "pipeline",
		Check: func(context.Context) error {
			if !a.running.Load() {
				return errors.New("processing loop not running")
			}
			return nil
		},
	}}
	if a.archive != nil {
		checkers = append(checkers, health.Checker{
			Name:  "postgres",
			Check: a.archive.Ping,
		})
	}

	srvOpts := server.Options{
		Config:         a.cfg,
		Pipeline:       a.pipe,
		Health:         health.New(checkers...),
		MetricsHandler: promhttp.Handler(),
		Logger:         logger,
		Metrics:        a.met,
	}
	if a.archive != nil {
		srvOpts.Events = a.archive
	}
	if a.rec != nil {
		srvOpts.Recorder = a.rec
	}

	srv, err := server.New(srvOpts)
	if err != nil {
		return err
	}
	a.srv = srv
	return nil
}

// onReading relays each derived reading to the broadcast hub. The server
// is assigned in New before the pipeline starts, so the nil check only
// covers construction-time calls.
func (a *App) onReading(rd pipeline.Reading) {
	if a.srv != nil {
		a.srv.Hub().BroadcastReading(rd)
	}
}

// Pipeline exposes the analysis pipeline for alternative producers such
// as file replay.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts all subsystems and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.pipe.Start(ctx)
	a.running.Store(true)
	defer a.running.Store(false)

	if a.forwarder != nil {
		a.forwarder.Start(ctx)
	}
	if a.mic != nil {
		if err := a.mic.Start(ctx); err != nil {
			return fmt.Errorf("app: start capture: %w", err)
		}
	}

	a.wg.Add(1)
	go a.dispatchEvents(ctx)

	a.log.Info("fanpulse node running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"device_id", a.cfg.Device.DeviceID,
		"match_id", a.cfg.Device.MatchID,
		"archive", a.archive != nil,
		"forwarder", a.forwarder != nil,
		"capture", a.mic != nil)

	err := a.srv.Run(ctx)
	a.wg.Wait()
	return err
}

// dispatchEvents fans each classified event out to the broadcast hub,
// the archive and the gateway forwarder.
func (a *App) dispatchEvents(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			a.drainEvents()
			return
		case ev := <-a.pipe.Events():
			a.dispatch(ctx, ev)
		}
	}
}

// drainEvents delivers events still queued at shutdown under a short
// detached deadline.
func (a *App) drainEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-a.pipe.Events():
			a.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (a *App) dispatch(ctx context.Context, ev event.ClassifiedEvent) {
	// Identity is stamped exactly once, here; every consumer downstream
	// sees the same device and match.
	ev.DeviceID = a.cfg.Device.DeviceID
	ev.MatchID = a.cfg.Device.MatchID

	a.log.Info("crowd event",
		"tier", ev.Tier,
		"peak_db", ev.PeakDb,
		"duration_ms", ev.DurationMs,
		"chant", ev.ChantDetected)

	a.srv.Hub().BroadcastEvent(ev)
	if a.archive != nil {
		if err := a.archive.Insert(ctx, ev); err != nil {
			a.met.RecordArchiveError(ctx)
			a.log.Warn("event archive insert failed", "error", err)
		}
	}
	if a.forwarder != nil {
		a.forwarder.Enqueue(ev)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
