package queue

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/psalmprax/ettametta/log"
	"github.com/psalmprax/ettametta/metrics"
)

// PeriodicTask is a named tick handler.
type PeriodicTask struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context) error
}

// Periodic drives the cron-like tasks. Each task is single-flight: a tick
// that arrives while the previous run is still going is collapsed, and
// missed ticks are not back-filled.
type Periodic struct {
	tasks    []PeriodicTask
	inFlight singleflight.Group
}

func NewPeriodic(tasks ...PeriodicTask) *Periodic {
	return &Periodic{tasks: tasks}
}

// Start runs every task on its own ticker until ctx is cancelled.
func (p *Periodic) Start(ctx context.Context) {
	for _, task := range p.tasks {
		task := task
		go p.loop(ctx, task)
	}
}

func (p *Periodic) loop(ctx context.Context, task PeriodicTask) {
	ticker := time.NewTicker(task.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fire(ctx, task)
		}
	}
}

// Fire runs the task immediately, subject to the same single-flight guard.
func (p *Periodic) Fire(ctx context.Context, name string) {
	for _, task := range p.tasks {
		if task.Name == name {
			p.fire(ctx, task)
			return
		}
	}
}

func (p *Periodic) fire(ctx context.Context, task PeriodicTask) {
	_, _, shared := p.inFlight.Do(task.Name, func() (interface{}, error) {
		metrics.Metrics.PeriodicTaskRuns.WithLabelValues(task.Name).Inc()
		start := time.Now()
		if err := task.Run(ctx); err != nil {
			log.LogNoJobID("periodic task failed", "task", task.Name, "err", err.Error())
		} else {
			log.V(6).LogCtx(ctx, "periodic task finished", "task", task.Name, "duration", time.Since(start).String())
		}
		return nil, nil
	})
	if shared {
		metrics.Metrics.PeriodicTaskCollapsed.WithLabelValues(task.Name).Inc()
	}
}
