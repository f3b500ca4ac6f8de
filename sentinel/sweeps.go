package sentinel

import (
	"context"
	"time"

	"github.com/psalmprax/ettametta/config"
	"github.com/psalmprax/ettametta/jobs"
	"github.com/psalmprax/ettametta/log"
	"github.com/psalmprax/ettametta/metrics"
	"github.com/psalmprax/ettametta/publishers"
	"github.com/psalmprax/ettametta/queue"
)

// SweepStore is the job-store slice the sweeps need.
type SweepStore interface {
	ActiveNiches(ctx context.Context) ([]jobs.MonitoredNiche, error)
	TouchNicheScanned(ctx context.Context, niche string) error
	DuePosts(ctx context.Context, now time.Time) ([]jobs.ScheduledPost, error)
	ClaimPost(ctx context.Context, id string) (bool, error)
	MarkPostPublished(ctx context.Context, post jobs.ScheduledPost, remoteURL string) error
	MarkPostFailed(ctx context.Context, id string) error
}

// Localizer turns a stored video ref (absolute path or object key) into a
// local file for upload.
type Localizer interface {
	Localize(ctx context.Context, ref string) (string, func(), error)
}

// Sweeper implements the periodic scan and post dispatch.
type Sweeper struct {
	store      SweepStore
	loop       *Loop
	enqueuer   Enqueuer
	publishers *publishers.Registry
	localizer  Localizer
	autopilot  bool
}

func NewSweeper(store SweepStore, loop *Loop, enqueuer Enqueuer, registry *publishers.Registry, localizer Localizer, autopilot bool) *Sweeper {
	return &Sweeper{
		store:      store,
		loop:       loop,
		enqueuer:   enqueuer,
		publishers: registry,
		localizer:  localizer,
		autopilot:  autopilot,
	}
}

// NicheSweep iterates the active niches. With autopilot on, each niche runs
// the full autonomous cycle; otherwise a plain discovery job is enqueued for
// dashboard review.
func (s *Sweeper) NicheSweep(ctx context.Context) error {
	niches, err := s.store.ActiveNiches(ctx)
	if err != nil {
		return err
	}
	log.LogNoJobID("sentinel sweeping niches", "count", len(niches), "autopilot", s.autopilot)

	for _, n := range niches {
		if s.autopilot {
			if err := s.loop.ExecuteCycle(ctx, n.Niche); err != nil {
				log.LogNoJobID("autonomous cycle failed", "niche", n.Niche, "err", err.Error())
			}
		} else {
			if err := s.enqueuer.Enqueue(ctx, queue.TaskScanTrends, queue.TaskPayload{Niche: n.Niche}); err != nil {
				log.LogNoJobID("failed to enqueue scan", "niche", n.Niche, "err", err.Error())
				continue
			}
		}
		if err := s.store.TouchNicheScanned(ctx, n.Niche); err != nil {
			log.LogNoJobID("failed to update last_scanned_at", "niche", n.Niche, "err", err.Error())
		}
	}
	return nil
}

// PostSweep publishes every due scheduled post. Claiming first guarantees
// at most one publisher invocation per post even with overlapping sweeps.
func (s *Sweeper) PostSweep(ctx context.Context) error {
	due, err := s.store.DuePosts(ctx, config.Clock.GetTime().UTC())
	if err != nil {
		return err
	}
	for _, post := range due {
		claimed, err := s.store.ClaimPost(ctx, post.ID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		s.publishOne(ctx, post)
	}
	return nil
}

func (s *Sweeper) publishOne(ctx context.Context, post jobs.ScheduledPost) {
	publisher, ok := s.publishers.For(post.Platform)
	if !ok {
		log.LogNoJobID("no publisher for scheduled post platform", "post", post.ID, "platform", post.Platform)
		s.failPost(ctx, post)
		return
	}

	localPath, cleanup, err := s.localizer.Localize(ctx, post.VideoRef)
	if err != nil {
		log.LogNoJobID("failed to localize scheduled post video", "post", post.ID, "ref", post.VideoRef, "err", err.Error())
		s.failPost(ctx, post)
		return
	}
	defer cleanup()

	remoteURL, err := publisher.Upload(ctx, localPath, publishers.PostMetadata{
		Title:       post.Title,
		Description: post.Description,
	}, post.AccountID)
	if err != nil {
		log.LogNoJobID("scheduled post publish failed", "post", post.ID, "platform", post.Platform, "err", err.Error())
		s.failPost(ctx, post)
		return
	}

	if err := s.store.MarkPostPublished(ctx, post, remoteURL); err != nil {
		log.LogNoJobID("failed to record published post", "post", post.ID, "err", err.Error())
		return
	}
	log.LogNoJobID("scheduled post published", "post", post.ID, "platform", post.Platform, "url", remoteURL)
}

func (s *Sweeper) failPost(ctx context.Context, post jobs.ScheduledPost) {
	metrics.Metrics.ScheduledPostFailures.WithLabelValues(post.Platform).Inc()
	if err := s.store.MarkPostFailed(ctx, post.ID); err != nil {
		log.LogNoJobID("failed to mark post failed", "post", post.ID, "err", err.Error())
	}
}
