// Package forward delivers classified events to the stadium gateway.
//
// The [Forwarder] owns a bounded queue and a single delivery goroutine. The
// dispatcher enqueues stamped events without blocking; the loop POSTs them
// as JSON and expects 202 Accepted. Deliveries run through a circuit breaker
// so a dead gateway fails fast instead of holding every event for the full
// HTTP timeout, and transient failures are retried a bounded number of
// times before the event is abandoned. Crowd noise is perishable: when the
// queue is full the oldest event is dropped, never the newest.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fanpulse/fanpulse/internal/config"
	"github.com/fanpulse/fanpulse/internal/observe"
	"github.com/fanpulse/fanpulse/internal/resilience"
	"github.com/fanpulse/fanpulse/pkg/event"
)

const (
	// deliveryAttempts bounds how often one event is retried before it is
	// abandoned. A breaker rejection consumes the event immediately; the
	// queue behind it would otherwise go stale while nothing can be sent.
	deliveryAttempts = 3

	// defaultBackoff separates retry attempts for one event.
	defaultBackoff = time.Second
)

// Stats is a snapshot of delivery accounting.
type Stats struct {
	Delivered uint64
	Failed    uint64 // abandoned after retries or breaker rejection
	Dropped   uint64 // pushed out of the full queue
	Invalid   uint64 // rejected by validation before enqueueing
	QueueLen  int
	Breaker   resilience.State
}

// Options configures a [Forwarder].
type Options struct {
	// Gateway supplies the endpoint, credentials, timeout and queue bound.
	Gateway config.GatewayConfig

	// Logger receives delivery logs. Defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics receives forward counters. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Client overrides the HTTP client, mainly for tests. Defaults to a
	// client bounded by the configured gateway timeout.
	Client *http.Client

	// Breaker overrides the delivery circuit breaker, mainly for tests.
	Breaker *resilience.CircuitBreaker
}

// Forwarder ships classified events to the gateway endpoint.
type Forwarder struct {
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *resilience.CircuitBreaker
	backoff  time.Duration

	log *slog.Logger
	met *observe.Metrics

	queue chan event.ClassifiedEvent

	mu        sync.Mutex
	delivered uint64
	failed    uint64
	dropped   uint64
	invalid   uint64

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Forwarder for the configured gateway. The gateway URL must
// be a valid absolute http(s) URL.
func New(opts Options) (*Forwarder, error) {
	u, err := url.Parse(opts.Gateway.URL)
	if err != nil {
		return nil, fmt.Errorf("forward: parse gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("forward: gateway url %q must be http or https", opts.Gateway.URL)
	}
	if opts.Gateway.QueueSize <= 0 {
		return nil, fmt.Errorf("forward: queue size %d must be positive", opts.Gateway.QueueSize)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	met := opts.Metrics
	if met == nil {
		met = observe.DefaultMetrics()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Gateway.Timeout()}
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:   "gateway",
			Logger: log,
		})
	}

	return &Forwarder{
		endpoint: opts.Gateway.URL,
		apiKey:   opts.Gateway.APIKey,
		client:   client,
		breaker:  breaker,
		backoff:  defaultBackoff,
		log:      log.With("component", "forward"),
		met:      met,
		queue:    make(chan event.ClassifiedEvent, opts.Gateway.QueueSize),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the delivery loop. It returns immediately.
func (f *Forwarder) Start(ctx context.Context) {
	f.log.Info("gateway forwarder started",
		"endpoint", f.endpoint,
		"queue_size", cap(f.queue))
	go f.loop(ctx)
}

// Stop terminates the delivery loop. Queued events are discarded; crowd
// events are too stale to be worth delivering after the node shuts down.
// Safe to call multiple times.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() { close(f.done) })
}

// Enqueue validates ev and queues it for delivery. Invalid events are
// counted and logged, not queued. When the queue is full the oldest queued
// event is discarded to make room, so a stalled gateway surfaces as dropped
// history rather than blocked callers.
func (f *Forwarder) Enqueue(ev event.ClassifiedEvent) {
	if err := ev.Validate(); err != nil {
		f.mu.Lock()
		f.invalid++
		f.mu.Unlock()
		f.met.RecordForward(context.Background(), "invalid")
		f.log.Warn("event failed gateway validation",
			"tier", string(ev.Tier),
			"error", err)
		return
	}

	for {
		select {
		case f.queue <- ev:
			return
		default:
		}
		select {
		case <-f.queue:
			f.mu.Lock()
			f.dropped++
			f.mu.Unlock()
			f.met.RecordForward(context.Background(), "queue_full")
		default:
		}
	}
}

// Stats returns a snapshot of delivery accounting.
func (f *Forwarder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Delivered: f.delivered,
		Failed:    f.failed,
		Dropped:   f.dropped,
		Invalid:   f.invalid,
		QueueLen:  len(f.queue),
		Breaker:   f.breaker.State(),
	}
}

func (f *Forwarder) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case ev := <-f.queue:
			f.deliver(ctx, ev)
		}
	}
}

// deliver attempts to ship one event, retrying transient failures with a
// pause between attempts. A breaker rejection abandons the event at once.
func (f *Forwarder) deliver(ctx context.Context, ev event.ClassifiedEvent) {
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		err := f.breaker.Execute(func() error {
			return f.post(ctx, ev)
		})
		if err == nil {
			f.mu.Lock()
			f.delivered++
			f.mu.Unlock()
			f.met.RecordForward(ctx, "delivered")
			f.log.Debug("event delivered",
				"tier", string(ev.Tier),
				"ts", ev.Timestamp,
				"attempt", attempt)
			return
		}

		if errors.Is(err, resilience.ErrCircuitOpen) {
			f.mu.Lock()
			f.failed++
			f.mu.Unlock()
			f.met.RecordForward(ctx, "breaker_open")
			f.log.Debug("event discarded while breaker open",
				"tier", string(ev.Tier),
				"ts", ev.Timestamp)
			return
		}

		f.met.RecordForward(ctx, "error")
		f.log.Warn("gateway delivery failed",
			"tier", string(ev.Tier),
			"ts", ev.Timestamp,
			"attempt", attempt,
			"error", err)

		if attempt < deliveryAttempts {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case <-time.After(f.backoff):
			}
		}
	}

	f.mu.Lock()
	f.failed++
	f.mu.Unlock()
	f.log.Warn("event abandoned after retries",
		"tier", string(ev.Tier),
		"ts", ev.Timestamp,
		"attempts", deliveryAttempts)
}

// post performs a single gateway POST and requires a 202 Accepted response.
func (f *Forwarder) post(ctx context.Context, ev event.ClassifiedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("forward: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("forward: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward: POST %s: %w", f.endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("forward: gateway returned status %d", resp.StatusCode)
	}
	return nil
}
