// Command fanpulse runs a FanPulse stadium crowd-noise analyzer node.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fanpulse/fanpulse/internal/app"
	"github.com/fanpulse/fanpulse/internal/capture"
	"github.com/fanpulse/fanpulse/internal/config"
	"github.com/fanpulse/fanpulse/internal/observe"
	"github.com/fanpulse/fanpulse/internal/pipeline"
	"github.com/fanpulse/fanpulse/internal/replay"
	"github.com/fanpulse/fanpulse/pkg/event"
)

// Overridden at build time via -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fanpulse: %v\n", err)
		return 1
	}
	return 0
}

// ── CLI ───────────────────────────────────────────────────────────────────────

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "fanpulse",
		Short:         "Stadium crowd-noise analyzer node",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		// Bare "fanpulse" runs the node, same as "fanpulse serve".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml",
		"Path to the YAML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analyzer node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.AddCommand(serveCmd)

	var realtime bool
	replayCmd := &cobra.Command{
		Use:   "replay <file.wav>",
		Short: "Feed a WAV file through the analysis pipeline",
		Long: "Replay decodes a WAV file, normalises it to the capture format and runs it\n" +
			"through the full analysis pipeline. Classified events are printed to stdout\n" +
			"as JSON lines; logs go to stderr.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(configPath, args[0], realtime)
		},
	}
	replayCmd.Flags().BoolVar(&realtime, "realtime", true,
		"Pace playback at capture speed; set to false to replay as fast as possible")
	rootCmd.AddCommand(replayCmd)

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices()
		},
	}
	rootCmd.AddCommand(devicesCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fanpulse %s (commit %s)\n", version, commit)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

// ── Serve ─────────────────────────────────────────────────────────────────────

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("fanpulse starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The meter provider must exist before anything grabs instruments from it.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "fanpulse",
		ServiceVersion: version,
		DeviceID:       cfg.Device.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return err
	}

	runErr := application.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	slog.Info("stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	if runErr == nil {
		slog.Info("goodbye")
	}
	return runErr
}

// ── Replay ────────────────────────────────────────────────────────────────────

func runReplay(configPath, path string, realtime bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipe, err := pipeline.New(pipeline.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	pipe.Start(ctx)
	defer pipe.Stop()

	// Stream classified events to stdout while the file plays. The final
	// drain after Run returns picks up whatever the closing flush emitted.
	printed := 0
	enc := json.NewEncoder(os.Stdout)
	emit := func(ev event.ClassifiedEvent) {
		ev.DeviceID = cfg.Device.DeviceID
		ev.MatchID = cfg.Device.MatchID
		if err := enc.Encode(ev); err != nil {
			slog.Warn("encode event", "err", err)
		}
		printed++
	}

	printCtx, stopPrinting := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case ev := <-pipe.Events():
				emit(ev)
			case <-printCtx.Done():
				for {
					select {
					case ev := <-pipe.Events():
						emit(ev)
					default:
						return
					}
				}
			}
		}
	}()

	speed := 1.0
	if !realtime {
		speed = 1000
	}

	res, runErr := replay.Run(ctx, replay.Options{
		Path:   path,
		Sink:   pipe,
		Speed:  speed,
		Logger: logger,
	})
	stopPrinting()
	wg.Wait()
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			slog.Info("replay interrupted", "events", printed)
			return nil
		}
		return runErr
	}

	slog.Info("replay done",
		"file", path,
		"frames", res.Frames,
		"audio", res.Audio,
		"events", printed,
	)
	return nil
}

// ── Devices ───────────────────────────────────────────────────────────────────

func runDevices() error {
	devices, err := capture.ListDevices()
	if err != nil {
		return err
	}

	fmt.Printf("\nAvailable audio devices\n\n")
	for _, dev := range devices {
		kind := ""
		switch {
		case dev.MaxInputChannels > 0 && dev.MaxOutputChannels > 0:
			kind = "Input/Output"
		case dev.MaxInputChannels > 0:
			kind = "Input"
		case dev.MaxOutputChannels > 0:
			kind = "Output"
		}
		marker := ""
		if dev.DefaultInput {
			marker = "  [default input]"
		}
		fmt.Printf("[%d] %s (%s)%s\n", dev.Index, dev.Name, kind, marker)
		fmt.Printf("    Input channels: %d, Output channels: %d\n", dev.MaxInputChannels, dev.MaxOutputChannels)
		fmt.Printf("    Default sample rate: %.0f Hz\n", dev.DefaultSampleRate)
		fmt.Printf("    Latency: Low=%.2fms, High=%.2fms\n", dev.LowLatencyMs, dev.HighLatencyMs)
		fmt.Println()
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         FanPulse node summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  %-16s: %-18s ║\n", "Device ID", cfg.Device.DeviceID)
	fmt.Printf("║  %-16s: %-18d ║\n", "Match ID", cfg.Device.MatchID)
	fmt.Printf("║  %-16s: %-18s ║\n", "Listen addr", cfg.Server.ListenAddr)
	printFeature("Postgres archive", cfg.Postgres.DSN != "")
	printFeature("Gateway uplink", cfg.Gateway.URL != "")
	printFeature("Mic capture", cfg.Capture.Enabled)
	printFeature("Session recorder", cfg.Recorder.Dir != "")
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printFeature(name string, enabled bool) {
	state := "(disabled)"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("║  %-16s: %-18s ║\n", name, state)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", path)
		}
		return nil, err
	}
	return cfg, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
