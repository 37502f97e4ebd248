// Package connwatch monitors reachability of the model endpoint and
// feeds the delivery manager's connectivity signal. It is distinct
// from both httpkit's transient-dial retry (sub-second races) and the
// delivery manager's classified per-message retry: connwatch handles
// multi-second to multi-minute outages, deciding when sends should
// short-circuit to the offline queue and when the queue should drain.
//
// The watcher probes in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with state-transition callbacks
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the endpoint is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config controls probe timing and transition callbacks.
type Config struct {
	// Name identifies the watched endpoint in logs.
	Name string

	// Probe checks endpoint health. Must be safe for concurrent use.
	Probe ProbeFunc

	// InitialDelay is the delay before the first startup retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of startup probe attempts before
	// falling back to background polling (default: 10).
	MaxRetries int

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call (default: 10s).
	ProbeTimeout time.Duration

	// OnReady fires on the not-ready to ready transition. Runs in its
	// own goroutine; the delivery manager hangs queue draining here.
	OnReady func()

	// OnDown fires on the ready to not-ready transition. Runs in its
	// own goroutine.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Watcher monitors one endpoint's reachability.
type Watcher struct {
	config Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a watcher goroutine that runs until ctx is cancelled
// or Stop is called. Panics if Name is empty or Probe is nil; those
// are wiring bugs, not runtime conditions.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	cfg.applyDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the endpoint is currently reachable. This
// is the connectivity signal the delivery manager consults before
// every send.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run is the watcher goroutine: startup backoff, then polling.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config
	logger := cfg.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.recordResult(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("endpoint reachable",
				"endpoint", cfg.Name,
				"after_attempts", attempt,
			)
			if cfg.OnReady != nil {
				go cfg.OnReady()
			}
			break
		}

		if attempt == cfg.MaxRetries {
			logger.Info("startup probes exhausted, entering background polling",
				"endpoint", cfg.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"endpoint", cfg.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.recordResult(err)
			wasReady := w.ready.Load()

			switch {
			case wasReady && err != nil:
				w.ready.Store(false)
				logger.Info("endpoint became unreachable",
					"endpoint", cfg.Name,
					"error", err,
				)
				if cfg.OnDown != nil {
					go cfg.OnDown(err)
				}
			case !wasReady && err == nil:
				w.ready.Store(true)
				logger.Info("endpoint recovered", "endpoint", cfg.Name)
				if cfg.OnReady != nil {
					go cfg.OnReady()
				}
			case !wasReady && err != nil:
				logger.Debug("endpoint still unreachable",
					"endpoint", cfg.Name,
					"error", err,
				)
			}
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
