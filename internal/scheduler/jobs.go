package scheduler

import (
	"context"
	"time"

	"consentgrid/internal/connector"
	"consentgrid/pkg/requestcontext"
)

// Sweeper is the periodic maintenance pass.
type Sweeper interface {
	RunOnce(ctx context.Context) error
}

// SweepJob runs every sweep each interval.
func SweepJob(sw Sweeper, interval time.Duration) Job {
	return Job{
		Name:       "sweep",
		Interval:   interval,
		Timeout:    interval,
		RunOnStart: true,
		Run:        sw.RunOnce,
	}
}

// SchemaResolveJob re-resolves the active schema version of every connector.
// Versions only change when this job runs.
func SchemaResolveJob(schemas []*connector.ScheduledSchema, interval time.Duration) Job {
	return Job{
		Name:     "schema-resolve",
		Interval: interval,
		Run: func(ctx context.Context) error {
			now := requestcontext.Now(ctx)
			for _, s := range schemas {
				s.Resolve(ctx, now)
			}
			return nil
		},
	}
}

// Pruner drops expired entries from an in-process store.
type Pruner interface {
	Prune() int
}

// PruneJob keeps an in-process rate limiter from growing with every client
// address it has seen.
func PruneJob(name string, p Pruner, interval time.Duration) Job {
	return Job{
		Name:     name,
		Interval: interval,
		Run: func(context.Context) error {
			p.Prune()
			return nil
		},
	}
}
