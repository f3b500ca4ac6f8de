package sentinel

import (
	"context"
	"fmt"

	"github.com/psalmprax/ettametta/discovery"
	"github.com/psalmprax/ettametta/jobs"
	"github.com/psalmprax/ettametta/log"
	"github.com/psalmprax/ettametta/pipeline"
	"github.com/psalmprax/ettametta/publishers"
	"github.com/psalmprax/ettametta/queue"
)

// TransformRunner is the pipeline surface the worker drives.
type TransformRunner interface {
	StartTransformJob(ctx context.Context, p pipeline.TransformJobPayload) <-chan bool
}

// WorkerStore is the job-store slice the worker needs.
type WorkerStore interface {
	GetJob(ctx context.Context, id string) (jobs.Job, error)
}

// Worker binds queue task names to their handlers. Handlers are idempotent
// by job ID: redelivered tasks for terminal jobs are no-ops.
type Worker struct {
	runner        TransformRunner
	aggregator    Aggregator
	store         WorkerStore
	enqueuer      Enqueuer
	publishers    *publishers.Registry
	localizer     Localizer
	deconstructor *discovery.Deconstructor
	autopilot     bool
}

func NewWorker(runner TransformRunner, aggregator Aggregator, store WorkerStore, enqueuer Enqueuer,
	registry *publishers.Registry, localizer Localizer, deconstructor *discovery.Deconstructor, autopilot bool) *Worker {
	return &Worker{
		runner:        runner,
		aggregator:    aggregator,
		store:         store,
		enqueuer:      enqueuer,
		publishers:    registry,
		localizer:     localizer,
		deconstructor: deconstructor,
		autopilot:     autopilot,
	}
}

// HandleDownloadAndProcess runs the transform pipeline for one job and, with
// autopilot on, chains a best-effort publish once the transform completes.
func (w *Worker) HandleDownloadAndProcess(ctx context.Context, payload queue.TaskPayload) error {
	job, err := w.store.GetJob(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		log.Log(payload.JobID, "skipping redelivered task, job already terminal", "status", string(job.Status))
		return nil
	}

	success := <-w.runner.StartTransformJob(ctx, pipeline.TransformJobPayload{
		JobID:     payload.JobID,
		SourceURL: payload.Source,
		Niche:     payload.Niche,
		Platform:  payload.Platform,
	})
	if !success {
		return fmt.Errorf("transform job %s failed", payload.JobID)
	}

	if w.autopilot {
		if err := w.enqueuer.Enqueue(ctx, queue.TaskAutopilotPublish, queue.TaskPayload{
			JobID:    payload.JobID,
			Niche:    payload.Niche,
			Platform: payload.Platform,
		}); err != nil {
			// the rendered asset is safe in the job record; an operator can
			// schedule the publish manually
			log.LogError(payload.JobID, "failed to chain autopilot publish", err)
		}
	}
	return nil
}

// HandleScanTrends refreshes discovery for one niche and records a viral
// pattern for the top find.
func (w *Worker) HandleScanTrends(ctx context.Context, payload queue.TaskPayload) error {
	candidates, err := w.aggregator.Aggregate(ctx, payload.Niche, discovery.Horizon30d)
	if err != nil {
		return err
	}
	log.LogNoJobID("scan complete", "niche", payload.Niche, "found", len(candidates))

	if w.deconstructor != nil && len(candidates) > 0 {
		top := candidates[0]
		if _, err := w.deconstructor.Analyze(ctx, top, top.Description); err != nil {
			log.LogNoJobID("pattern analysis failed", "content_id", top.ID, "err", err.Error())
		}
	}
	return nil
}

// HandleAutopilotPublish uploads a completed transform's output. Best-effort:
// failure leaves the job Completed with the asset intact.
func (w *Worker) HandleAutopilotPublish(ctx context.Context, payload queue.TaskPayload) error {
	job, err := w.store.GetJob(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if job.Status != jobs.StatusCompleted || job.OutputRef == nil {
		return fmt.Errorf("job %s has no publishable output (status %s)", job.ID, job.Status)
	}

	publisher, ok := w.publishers.For(payload.Platform)
	if !ok {
		return fmt.Errorf("no publisher for platform %q", payload.Platform)
	}

	localPath, cleanup, err := w.localizer.Localize(ctx, *job.OutputRef)
	if err != nil {
		return err
	}
	defer cleanup()

	remoteURL, err := publisher.Upload(ctx, localPath, publishers.PostMetadata{
		Title:    fmt.Sprintf("%s spotlight", payload.Niche),
		Hashtags: []string{"#" + payload.Niche},
	}, "")
	if err != nil {
		return err
	}
	log.Log(payload.JobID, "autopilot publish complete", "platform", payload.Platform, "url", remoteURL)
	return nil
}
