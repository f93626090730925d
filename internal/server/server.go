// Package server exposes the node over HTTP: a JSON device API for
// dashboards and operators, a binary PCM ingest socket, a broadcast
// socket for live readings, and the health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fanpulse/fanpulse/internal/config"
	"github.com/fanpulse/fanpulse/internal/eventlog"
	"github.com/fanpulse/fanpulse/internal/health"
	"github.com/fanpulse/fanpulse/internal/observe"
	"github.com/fanpulse/fanpulse/internal/pipeline"
	"github.com/fanpulse/fanpulse/internal/recorder"
	"github.com/fanpulse/fanpulse/pkg/audio"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second

	// maxRecordBody bounds the /api/record request body.
	maxRecordBody = 4096

	// defaultEventLimit is the /api/events page size when the client
	// does not ask for one.
	defaultEventLimit = 50
	maxEventLimit     = 200
)

// Pipeline is the slice of the analysis pipeline the server needs.
type Pipeline interface {
	Latest() pipeline.Reading
	Ingest(f audio.Frame) error
	ResetSequence()
}

// EventSource serves archived events for /api/events.
type EventSource interface {
	Recent(ctx context.Context, limit int) ([]eventlog.StoredEvent, error)
}

// SessionRecorder starts labelled recording sessions for /api/record.
type SessionRecorder interface {
	Start(label string, duration time.Duration) error
}

// Options configures a Server. Pipeline and Config are required; the
// rest degrade gracefully when absent.
type Options struct {
	Config   *config.Config
	Pipeline Pipeline

	// Events backs /api/events. Nil when no archive is configured.
	Events EventSource

	// Recorder backs /api/record. Nil disables session recording.
	Recorder SessionRecorder

	// Health serves /healthz and /readyz. A fresh handler with no
	// checkers is used when nil.
	Health *health.Handler

	// MetricsHandler serves /metrics. Nil leaves the route unregistered.
	MetricsHandler http.Handler

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Server is the node's HTTP front door.
type Server struct {
	listenAddr string
	device     config.DeviceConfig
	maxPayload int

	pipe     Pipeline
	events   EventSource
	recorder SessionRecorder
	health   *health.Handler
	metrics  http.Handler

	hub     *Hub
	log     *slog.Logger
	met     *observe.Metrics
	started time.Time

	streamMu     sync.Mutex
	streamActive bool
}

// New validates opts and builds a Server.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server: config is required")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	if opts.Health == nil {
		opts.Health = health.New()
	}

	log := opts.Logger.With("component", "server")
	return &Server{
		listenAddr: opts.Config.Server.ListenAddr,
		device:     opts.Config.Device,
		maxPayload: opts.Config.Audio.MaxPayload,
		pipe:       opts.Pipeline,
		events:     opts.Events,
		recorder:   opts.Recorder,
		health:     opts.Health,
		metrics:    opts.MetricsHandler,
		hub:        newHub(log, opts.Metrics),
		log:        log,
		met:        opts.Metrics,
		started:    time.Now(),
	}, nil
}

// Hub returns the broadcast hub so the app can fan readings and events
// out to subscribers.
func (s *Server) Hub() *Hub { return s.hub }

// Handler assembles the full route table.
//
// The websocket routes bypass the metrics middleware: its response
// recorder cannot hijack connections, and a long-lived socket has no
// place in a request-duration histogram.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/status", s.handleStatus)
	api.HandleFunc("GET /api/data", s.handleData)
	api.HandleFunc("POST /api/record", s.handleRecord)
	api.HandleFunc("GET /api/events", s.handleEvents)

	web := http.NewServeMux()
	web.Handle("/api/", cors(api))
	s.health.Register(web)
	if s.metrics != nil {
		web.Handle("GET /metrics", s.metrics)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /stream", s.handleStream)
	root.HandleFunc("GET /ws", s.handleWS)
	root.Handle("/", observe.Middleware(s.met)(web))
	return root
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		// Request contexts inherit ctx so websocket read loops unwind
		// on shutdown instead of pinning hijacked connections.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("http server listening", "addr", s.listenAddr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen on %s: %w", s.listenAddr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("graceful shutdown incomplete", "error", err)
	}
	s.hub.Close()
	<-errCh
	s.log.Info("http server stopped")
	return nil
}

type statusResponse struct {
	Status     string  `json:"status"`
	UptimeS    int64   `json:"uptime_s"`
	DeviceID   string  `json:"device_id"`
	MatchID    int     `json:"match_id"`
	State      string  `json:"state"`
	CurrentDb  float64 `json:"current_db"`
	BaselineDb float64 `json:"baseline_db"`
	Timestamp  int64   `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	rd := s.pipe.Latest()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		UptimeS:    int64(time.Since(s.started).Seconds()),
		DeviceID:   s.device.DeviceID,
		MatchID:    s.device.MatchID,
		State:      rd.State.String(),
		CurrentDb:  rd.Db,
		BaselineDb: rd.BaselineDb,
		Timestamp:  time.Now().UnixMilli(),
	})
}

type dataResponse struct {
	MatchID       int     `json:"matchId"`
	Db            float64 `json:"dB"`
	TsEpochMs     int64   `json:"tsEpochMs"`
	Tier          string  `json:"tier"`
	ChantDetected bool    `json:"chantDetected"`
}

func (s *Server) handleData(w http.ResponseWriter, _ *http.Request) {
	rd := s.pipe.Latest()
	writeJSON(w, http.StatusOK, dataResponse{
		MatchID:       s.device.MatchID,
		Db:            rd.Db,
		TsEpochMs:     rd.At.UnixMilli(),
		Tier:          string(rd.Tier),
		ChantDetected: rd.ChantDetected,
	})
}

type recordRequest struct {
	Classification string `json:"classification"`
	DurationS      int    `json:"duration_s"`
}

type recordResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeJSON(w, http.StatusServiceUnavailable, recordResponse{
			Message: "session recording is not configured",
		})
		return
	}

	var req recordRequest
	body := http.MaxBytesReader(w, r.Body, maxRecordBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, recordResponse{
			Message: "invalid request body",
		})
		return
	}

	err := s.recorder.Start(req.Classification, time.Duration(req.DurationS)*time.Second)
	switch {
	case errors.Is(err, recorder.ErrSessionActive):
		writeJSON(w, http.StatusConflict, recordResponse{
			Message: "a session is already running",
		})
	case err != nil:
		writeJSON(w, http.StatusBadRequest, recordResponse{
			Message: err.Error(),
		})
	default:
		s.log.Info("recording session requested",
			"label", req.Classification, "duration_s", req.DurationS)
		writeJSON(w, http.StatusOK, recordResponse{
			Success: true,
			Message: fmt.Sprintf("recording %q started", req.Classification),
		})
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "event archive is not configured",
		})
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, maxEventLimit)
		}
	}

	events, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("event query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "event query failed",
		})
		return
	}
	if events == nil {
		events = []eventlog.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// cors allows browser dashboards served from any origin to call the
// device API.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}
