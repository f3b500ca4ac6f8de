package pipeline

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/psalmprax/ettametta/cache"
	"github.com/psalmprax/ettametta/config"
	xerrors "github.com/psalmprax/ettametta/errors"
	"github.com/psalmprax/ettametta/log"
	"github.com/psalmprax/ettametta/metrics"
	"github.com/psalmprax/ettametta/strategy"
)

// TransformJobPayload is the required payload to start a transform job.
type TransformJobPayload struct {
	JobID          string
	SourceURL      string
	Niche          string
	Platform       string
	Style          string
	EnabledFilters []string
	// zero means derive a fresh seed; fixed seeds reproduce every random choice
	Seed int64
}

// StatusReporter receives job transitions. The concrete implementation is the
// durable job store; the coordinator never imports it directly.
type StatusReporter interface {
	ReportProgress(jobID, substate string, progress int)
	ReportCompleted(jobID, outputRef string)
	ReportFailed(jobID string, kind xerrors.Kind, message string)
}

// JobInfo is the in-flight state of a single transform job.
type JobInfo struct {
	mu sync.Mutex
	TransformJobPayload

	ctx      context.Context
	reporter StatusReporter

	startTime time.Time
	state     string

	Transcript      []strategy.TranscriptSegment
	Strategy        strategy.Strategy
	SourceLocalPath string
}

// Context returns the job's deadline-bound context.
func (j *JobInfo) Context() context.Context {
	return j.ctx
}

func (j *JobInfo) ReportProgress(substate string, progress int) {
	j.state = substate
	j.reporter.ReportProgress(j.JobID, substate, progress)
}

// Coordinator runs transform jobs in the background. Callers enqueue and
// return immediately; completion and failure surface through the
// StatusReporter and the returned result channel.
type Coordinator struct {
	handler  Handler
	reporter StatusReporter

	Jobs     *cache.Cache[*JobInfo]
	deadline time.Duration
}

func NewCoordinator(handler Handler, reporter StatusReporter) *Coordinator {
	return &Coordinator{
		handler:  handler,
		reporter: reporter,
		Jobs:     cache.New[*JobInfo](),
		deadline: config.TransformDeadline,
	}
}

// StartTransformJob schedules the job and returns a channel that yields true
// on success once the job finishes.
func (c *Coordinator) StartTransformJob(ctx context.Context, p TransformJobPayload) <-chan bool {
	log.AddContext(p.JobID, "source_url", p.SourceURL, "niche", p.Niche)

	jobCtx, cancel := context.WithTimeout(ctx, c.deadline)
	si := &JobInfo{
		TransformJobPayload: p,
		ctx:                 jobCtx,
		reporter:            c.reporter,
		startTime:           time.Now(),
		state:               "starting",
	}
	si.ReportProgress("Starting", 0)
	c.Jobs.Store(p.JobID, si)
	metrics.Metrics.JobsInFlight.Set(float64(len(c.Jobs.GetKeys())))

	result := make(chan bool, 1)
	go func() {
		defer cancel()
		out, err := recovered(func() (*HandlerOutput, error) {
			si.mu.Lock()
			defer si.mu.Unlock()
			return c.handler.HandleTransformJob(si)
		})
		c.finishJob(si, out, err)
		result <- err == nil
		close(result)
	}()
	return result
}

func (c *Coordinator) finishJob(job *JobInfo, out *HandlerOutput, err error) {
	if err != nil {
		kind := xerrors.KindOf(err)
		if job.ctx.Err() != nil && kind == xerrors.KindFatal {
			kind = xerrors.KindCancelled
		}
		job.state = "failed"
		c.reporter.ReportFailed(job.JobID, kind, log.RedactURL(err.Error()))
		log.LogError(job.JobID, "transform job failed", err, "kind", string(kind))
	} else {
		job.state = "completed"
		c.reporter.ReportCompleted(job.JobID, out.OutputRef)
		log.Log(job.JobID, "transform job completed", "output_ref", out.OutputRef)
	}

	c.Jobs.Remove(job.JobID)
	metrics.Metrics.JobsInFlight.Set(float64(len(c.Jobs.GetKeys())))

	labels := []string{job.Niche, job.state, config.Version}
	metrics.Metrics.TransformPipeline.Count.WithLabelValues(labels...).Inc()
	metrics.Metrics.TransformPipeline.Duration.WithLabelValues(labels...).Observe(time.Since(job.startTime).Seconds())
}

// recovered converts handler panics into Fatal errors so a crashed render can
// never take the worker down or leave the job dangling.
func recovered[T any](f func() (T, error)) (t T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoJobID("panic in pipeline handler goroutine, recovering", "err", rec, "trace", string(debug.Stack()))
			err = xerrors.Failf(xerrors.KindFatal, "panic in pipeline handler: %v", rec)
		}
	}()
	return f()
}
