package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/diverge/internal/kv"
	"github.com/onnwee/diverge/internal/tracing"
)

// Defaults for SweepJobConfig.
const (
	DefaultSweepInterval = 10 * time.Minute
	DefaultSweepTimeout  = 30 * time.Second
)

// SweeperFunc adapts a function to kv.Sweeper.
type SweeperFunc func(ctx context.Context) (int64, error)

// Sweep calls f.
func (f SweeperFunc) Sweep(ctx context.Context) (int64, error) {
	return f(ctx)
}

// SweepJobConfig configures a SweepJob.
type SweepJobConfig struct {
	Interval time.Duration
	// Timeout bounds a single pass over every target.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics Reporter
}

// SweepJob periodically removes expired keys from stores that do not expire
// them on their own. Redis expires keys natively and is never a target.
type SweepJob struct {
	config  SweepJobConfig
	targets []kv.Sweeper

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweepJob creates a job over targets. Nil targets are ignored.
func NewSweepJob(config SweepJobConfig, targets ...kv.Sweeper) *SweepJob {
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultSweepTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	j := &SweepJob{config: config}
	for _, t := range targets {
		if t != nil {
			j.targets = append(j.targets, t)
		}
	}
	return j
}

// Start launches the sweep loop. Calling Start on a running job does nothing.
func (j *SweepJob) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})

	go j.run(ctx, j.stopCh, j.doneCh)
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (j *SweepJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh, doneCh := j.stopCh, j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning reports whether the loop is active.
func (j *SweepJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *SweepJob) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("sweep job stopping due to context cancellation")
			return
		case <-stopCh:
			j.config.Logger.Info("sweep job stopping due to stop signal")
			return
		case <-ticker.C:
			_, _ = j.SweepNow(ctx)
		}
	}
}

// SweepNow runs one pass over every target and returns the number of keys
// removed. A failing target does not stop the others; their errors are
// joined.
func (j *SweepJob) SweepNow(parent context.Context) (deleted int64, err error) {
	ctx, cancel := context.WithTimeout(parent, j.config.Timeout)
	defer cancel()

	ctx, endSpan := tracing.StartSpan(ctx, "jobs.kv_sweep")
	defer func() { endSpan(err) }()

	start := time.Now()
	var errs []error
	for _, t := range j.targets {
		n, serr := t.Sweep(ctx)
		deleted += n
		if serr == nil {
			continue
		}
		errs = append(errs, serr)
		errorType := "sweep_error"
		if errors.Is(serr, context.DeadlineExceeded) {
			errorType = "timeout"
		}
		j.report(func(m Reporter) { m.IncJobErrors(JobTypeKVSweep, errorType) })
		j.config.Logger.Error("sweep failed", "error", serr)
	}
	err = errors.Join(errs...)

	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	duration := time.Since(start).Seconds()
	j.report(func(m Reporter) {
		m.IncJobsTotal(JobTypeKVSweep, status)
		m.ObserveJobDuration(JobTypeKVSweep, duration)
		m.AddKeysSwept(deleted)
	})

	if deleted > 0 || err != nil {
		j.config.Logger.Info("sweep completed",
			"deleted", deleted,
			"targets", len(j.targets),
			"duration_seconds", duration,
			"status", status)
	}
	return deleted, err
}

func (j *SweepJob) report(fn func(Reporter)) {
	if j.config.Metrics != nil {
		fn(j.config.Metrics)
	}
}
