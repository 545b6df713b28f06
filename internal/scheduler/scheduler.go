// Package scheduler runs named jobs on fixed intervals until its context ends.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"consentgrid/pkg/requestcontext"
)

// Job is one periodic task. Run receives a context carrying the tick time
// (requestcontext.Now) and bounded by Timeout when set.
type Job struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Metrics counts job runs by result.
type Metrics struct {
	Runs     *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the scheduler collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentgrid_scheduler_runs_total",
			Help: "Scheduled job runs by job and result",
		}, []string{"job", "result"}),
		Duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consentgrid_scheduler_run_duration_seconds",
			Help:    "Scheduled job run duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
}

func (m *Metrics) observe(job, result string, start time.Time) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(job, result).Inc()
	m.Duration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	jobs    []Job
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces the wall clock used to stamp ticks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. It must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches one goroutine per job. They stop when ctx is cancelled;
// Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Go(func() { s.loop(ctx, job) })
	}
}

// Wait blocks until every job loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	if job.RunOnStart {
		s.RunNow(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunNow(ctx, job)
		}
	}
}

// RunNow runs job once, synchronously. A run that fails or panics is
// logged; the next tick runs it again.
func (s *Scheduler) RunNow(ctx context.Context, job Job) (err error) {
	start := time.Now()
	ctx = requestcontext.WithTime(ctx, s.now())
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		result := "success"
		if err != nil {
			result = "failure"
			s.logger.ErrorContext(ctx, "scheduled job failed",
				"job", job.Name,
				"error", err,
			)
		} else {
			s.logger.DebugContext(ctx, "scheduled job finished",
				"job", job.Name,
				"duration", time.Since(start),
			)
		}
		s.metrics.observe(job.Name, result, start)
	}()
	return job.Run(ctx)
}
