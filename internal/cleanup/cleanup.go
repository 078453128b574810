// Package cleanup runs the periodic sweep that expires idle sessions and
// old error log entries.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashureev/toolchat/internal/chat"
	"github.com/ashureev/toolchat/internal/metrics"
)

// Service is what the worker sweeps.
type Service interface {
	CleanupExpired(ctx context.Context, sessionTTL, errorRetention time.Duration) (chat.CleanupReport, error)
	Stats(ctx context.Context) (*chat.Stats, error)
}

// Options configures a Worker.
type Options struct {
	// Schedule is a cron spec or descriptor such as "@every 5m".
	Schedule       string
	SessionTTL     time.Duration
	ErrorRetention time.Duration
}

// Worker runs the sweep on a cron schedule.
type Worker struct {
	svc     Service
	opts    Options
	metrics *metrics.Metrics
	cron    *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Worker. metrics may be nil.
func New(svc Service, opts Options, m *metrics.Metrics) (*Worker, error) {
	if opts.SessionTTL <= 0 {
		return nil, fmt.Errorf("session TTL must be positive, got %s", opts.SessionTTL)
	}
	w := &Worker{
		svc:     svc,
		opts:    opts,
		metrics: m,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := w.cron.AddFunc(opts.Schedule, w.tick); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", opts.Schedule, err)
	}
	return w, nil
}

// Start begins running sweeps until ctx is done or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.cron.Start()
	slog.Info("Cleanup worker started",
		"schedule", w.opts.Schedule,
		"session_ttl", w.opts.SessionTTL,
		"error_retention", w.opts.ErrorRetention)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	<-w.cron.Stop().Done()
	slog.Info("Cleanup worker stopped")
}

func (w *Worker) tick() {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := w.RunOnce(ctx); err != nil {
		slog.Error("Cleanup sweep failed", "error", err)
	}
}

// RunOnce performs a single sweep.
func (w *Worker) RunOnce(ctx context.Context) (chat.CleanupReport, error) {
	report, err := w.svc.CleanupExpired(ctx, w.opts.SessionTTL, w.opts.ErrorRetention)
	if err != nil {
		return report, err
	}

	if w.metrics == nil {
		return report, nil
	}
	w.metrics.CleanupRemoved.WithLabelValues("sessions").Add(float64(report.SessionsRemoved))
	w.metrics.CleanupRemoved.WithLabelValues("error_logs").Add(float64(report.ErrorLogsRemoved))

	stats, err := w.svc.Stats(ctx)
	if err != nil {
		slog.Warn("Cleanup worker failed to read statistics", "error", err)
		return report, nil
	}
	w.metrics.ActiveSessions.Set(float64(stats.ActiveSessions))
	return report, nil
}
