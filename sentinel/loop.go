// Package sentinel owns the periodic sweeps and the autonomous
// discover→build→publish loop.
package sentinel

import (
	"context"

	"github.com/google/uuid"

	"github.com/psalmprax/ettametta/discovery"
	"github.com/psalmprax/ettametta/jobs"
	"github.com/psalmprax/ettametta/log"
	"github.com/psalmprax/ettametta/queue"
)

// Aggregator is the discovery surface the loop consumes.
type Aggregator interface {
	Aggregate(ctx context.Context, niche string, horizon discovery.Horizon) ([]discovery.ContentCandidate, error)
}

// LoopStore is the slice of the job store the loop needs.
type LoopStore interface {
	CreateJob(ctx context.Context, job jobs.Job) error
	HasActiveJobForInput(ctx context.Context, inputRef string) (bool, error)
}

// Enqueuer dispatches work to the queue runtime.
type Enqueuer interface {
	Enqueue(ctx context.Context, task string, payload queue.TaskPayload) error
}

// Loop composes discovery, the job store and the queue into one autonomous
// cycle per niche.
type Loop struct {
	aggregator Aggregator
	store      LoopStore
	enqueuer   Enqueuer
	platform   string
}

func NewLoop(aggregator Aggregator, store LoopStore, enqueuer Enqueuer, platform string) *Loop {
	if platform == "" {
		platform = "YouTube Shorts"
	}
	return &Loop{aggregator: aggregator, store: store, enqueuer: enqueuer, platform: platform}
}

// ExecuteCycle finds the best candidate for the niche and dispatches a
// transform job for it. The at-most-one-job-per-source invariant rejects
// winners that are already in the pipeline.
func (l *Loop) ExecuteCycle(ctx context.Context, niche string) error {
	candidates, err := l.aggregator.Aggregate(ctx, niche, discovery.Horizon30d)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		log.LogNoJobID("autonomous cycle found no candidates", "niche", niche)
		return nil
	}

	winner := candidates[0]
	log.LogNoJobID("autonomous cycle picked winner", "niche", niche, "candidate", winner.ID, "title", winner.Title)

	active, err := l.store.HasActiveJobForInput(ctx, winner.URL)
	if err != nil {
		return err
	}
	if active {
		log.LogNoJobID("winner already in pipeline, skipping niche this tick", "niche", niche, "candidate", winner.ID)
		return nil
	}

	jobID := uuid.New().String()
	title := winner.Title
	if len(title) > 40 {
		title = title[:40]
	}
	if err := l.store.CreateJob(ctx, jobs.Job{
		ID:       jobID,
		Kind:     jobs.KindTransform,
		Status:   jobs.StatusQueued,
		Substate: "AUTO: " + title,
		InputRef: winner.URL,
	}); err != nil {
		return err
	}

	if err := l.enqueuer.Enqueue(ctx, queue.TaskDownloadAndProcess, queue.TaskPayload{
		JobID:    jobID,
		Niche:    niche,
		Source:   winner.URL,
		Platform: l.platform,
	}); err != nil {
		return err
	}
	log.Log(jobID, "autonomous transform dispatched", "niche", niche, "source", winner.URL)
	return nil
}
