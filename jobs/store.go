package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/psalmprax/ettametta/config"
	"github.com/psalmprax/ettametta/discovery"
	xerrors "github.com/psalmprax/ettametta/errors"
	"github.com/psalmprax/ettametta/log"
)

// Store is the sqlx-backed job store. Writes are idempotent by job ID and
// progress is monotonic until a terminal transition.
type Store struct {
	db *sqlx.DB

	observersMu sync.RWMutex
	observers   []chan Projection
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Subscribe returns a channel of job projections. Delivery is best-effort:
// slow observers lose notifications, never block or corrupt job state.
func (s *Store) Subscribe() <-chan Projection {
	ch := make(chan Projection, 64)
	s.observersMu.Lock()
	s.observers = append(s.observers, ch)
	s.observersMu.Unlock()
	return ch
}

func (s *Store) notify(p Projection) {
	s.observersMu.RLock()
	defer s.observersMu.RUnlock()
	for _, ch := range s.observers {
		select {
		case ch <- p:
		default:
			// dropped; the next transition carries fresher state anyway
		}
	}
}

func (s *Store) CreateJob(ctx context.Context, job Job) error {
	now := config.Clock.GetTime().UTC()
	if job.Status == "" {
		job.Status = StatusQueued
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, owner_id, status, substate, progress, input_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Kind, job.OwnerID, job.Status, job.Substate, job.Progress, job.InputRef, now)
	if err != nil {
		return fmt.Errorf("creating job %s: %w", job.ID, err)
	}
	s.notify(Projection{ID: job.ID, Kind: job.Kind, Status: job.Status, Substate: job.Substate, Progress: job.Progress})
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job,
		`SELECT id, kind, owner_id, status, substate, progress, input_ref, output_ref, error, created_at, updated_at
		 FROM jobs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return Job{}, xerrors.Failf(xerrors.KindValidation, "no job %s", id)
	}
	return job, err
}

// HasActiveJobForInput enforces at-most-one-job-per-source: true when any
// job with this input_ref is in a non-terminal status.
func (s *Store) HasActiveJobForInput(ctx context.Context, inputRef string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM jobs WHERE input_ref = $1 AND status IN ($2, $3)`,
		inputRef, StatusQueued, StatusRunning)
	return count > 0, err
}

// ReportProgress moves the job to Running with the given substate. Progress
// only ever moves forward and terminal rows are untouched, which makes the
// write idempotent under queue redelivery.
func (s *Store) ReportProgress(jobID, substate string, progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.db.Exec(
		`UPDATE jobs SET status = $2, substate = $3, progress = GREATEST(progress, $4), updated_at = $5
		 WHERE id = $1 AND status IN ($6, $7)`,
		jobID, StatusRunning, substate, progress, config.Clock.GetTime().UTC(), StatusQueued, StatusRunning)
	if err != nil {
		log.LogError(jobID, "failed to write job progress", err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return
	}
	s.notify(Projection{ID: jobID, Status: StatusRunning, Substate: substate, Progress: progress})
}

func (s *Store) ReportCompleted(jobID, outputRef string) {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = $2, substate = '', progress = 100, output_ref = $3, updated_at = $4
		 WHERE id = $1 AND status IN ($5, $6)`,
		jobID, StatusCompleted, outputRef, config.Clock.GetTime().UTC(), StatusQueued, StatusRunning)
	if err != nil {
		log.LogError(jobID, "failed to mark job completed", err)
		return
	}
	s.notify(Projection{ID: jobID, Status: StatusCompleted, Progress: 100, OutputRef: &outputRef})
}

func (s *Store) ReportFailed(jobID string, kind xerrors.Kind, message string) {
	failure := fmt.Sprintf("%s: %s", kind, message)
	_, err := s.db.Exec(
		`UPDATE jobs SET status = $2, substate = $3, error = $4, updated_at = $5
		 WHERE id = $1 AND status IN ($6, $7)`,
		jobID, StatusFailed, string(kind), failure, config.Clock.GetTime().UTC(), StatusQueued, StatusRunning)
	if err != nil {
		log.LogError(jobID, "failed to mark job failed", err)
		return
	}
	s.notify(Projection{ID: jobID, Status: StatusFailed, Substate: string(kind), Error: &failure})
}

// Archive retires a completed job; the only legal transition out of
// Completed.
func (s *Store) Archive(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		jobID, StatusArchived, config.Clock.GetTime().UTC(), StatusCompleted)
	return err
}

// --- candidate persistence (discovery.CandidateStore) ---

// UpsertCandidate is last-write-wins on the mutable scores and create-only
// on everything else.
func (s *Store) UpsertCandidate(ctx context.Context, c discovery.ContentCandidate) error {
	if err := c.Validate(); err != nil {
		return xerrors.Wrap(xerrors.KindValidation, err)
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO content_candidates
		   (id, platform, url, author, title, description, thumbnail_url, views, engagement_score, viral_score,
		    duration_seconds, discovered_at, tags, niche, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		   views = EXCLUDED.views,
		   engagement_score = EXCLUDED.engagement_score,
		   viral_score = EXCLUDED.viral_score`,
		c.ID, c.Platform, c.URL, c.Author, c.Title, c.Description, c.ThumbnailURL,
		c.Views, c.EngagementScore, c.ViralScore, c.DurationSeconds, c.DiscoveredAt,
		tags, c.Niche, metadata)
	if err != nil {
		return fmt.Errorf("upserting candidate %s: %w", c.ID, err)
	}
	return nil
}

type candidateRow struct {
	discovery.ContentCandidate
	TagsJSON     []byte `db:"tags"`
	MetadataJSON []byte `db:"metadata"`
}

func (s *Store) SearchCandidates(ctx context.Context, query string, limit int) ([]discovery.ContentCandidate, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	var rows []candidateRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, platform, url, author, title, description, thumbnail_url, views, engagement_score, viral_score,
		        duration_seconds, discovered_at, tags, niche, metadata
		 FROM content_candidates
		 WHERE lower(title) LIKE $1 OR lower(description) LIKE $1 OR lower(niche) LIKE $1
		 ORDER BY views DESC LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching candidates: %w", err)
	}
	out := make([]discovery.ContentCandidate, 0, len(rows))
	for _, row := range rows {
		c := row.ContentCandidate
		_ = json.Unmarshal(row.TagsJSON, &c.Tags)
		_ = json.Unmarshal(row.MetadataJSON, &c.Metadata)
		out = append(out, c)
	}
	return out, nil
}

// UpsertPattern keeps at most one pattern per candidate, last write wins.
func (s *Store) UpsertPattern(ctx context.Context, p discovery.ViralPattern) error {
	styleKeywords, err := json.Marshal(p.StyleKeywords)
	if err != nil {
		return err
	}
	triggers, err := json.Marshal(p.EmotionalTriggers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO viral_patterns (id, content_id, hook_score, retention_estimate, pacing_bpm, style_keywords, emotional_triggers, analyzed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (content_id) DO UPDATE SET
		   id = EXCLUDED.id,
		   hook_score = EXCLUDED.hook_score,
		   retention_estimate = EXCLUDED.retention_estimate,
		   pacing_bpm = EXCLUDED.pacing_bpm,
		   style_keywords = EXCLUDED.style_keywords,
		   emotional_triggers = EXCLUDED.emotional_triggers,
		   analyzed_at = EXCLUDED.analyzed_at`,
		p.ID, p.ContentID, p.HookScore, p.RetentionEstimate, p.PacingBPM, styleKeywords, triggers, p.AnalyzedAt)
	return err
}

// NicheTrend recomputes the per-platform aggregate from persisted candidates.
func (s *Store) NicheTrend(ctx context.Context, niche, platform string) (discovery.NicheTrend, error) {
	var rows []candidateRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, platform, url, author, title, description, thumbnail_url, views, engagement_score, viral_score,
		        duration_seconds, discovered_at, tags, niche, metadata
		 FROM content_candidates WHERE niche = $1 AND platform = $2
		 ORDER BY views DESC LIMIT 100`, niche, platform)
	if err != nil {
		return discovery.NicheTrend{}, err
	}

	var sum float64
	counts := map[string]int{}
	for _, row := range rows {
		sum += row.EngagementScore
		for _, word := range strings.Fields(strings.ToLower(row.Title)) {
			if len(word) > 3 {
				counts[word]++
			}
		}
	}
	keywords := make([]string, 0, len(counts))
	for word := range counts {
		keywords = append(keywords, word)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > 10 {
		keywords = keywords[:10]
	}

	trend := discovery.NicheTrend{
		Niche:       niche,
		Platform:    platform,
		TopKeywords: keywords,
		LastUpdated: config.Clock.GetTime().UTC(),
	}
	if len(rows) > 0 {
		trend.AvgEngagement = sum / float64(len(rows))
	}
	return trend, nil
}

// --- niches ---

func (s *Store) ActiveNiches(ctx context.Context) ([]MonitoredNiche, error) {
	var niches []MonitoredNiche
	err := s.db.SelectContext(ctx, &niches,
		`SELECT niche, is_active, last_scanned_at FROM monitored_niches WHERE is_active = TRUE ORDER BY niche`)
	return niches, err
}

func (s *Store) TouchNicheScanned(ctx context.Context, niche string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE monitored_niches SET last_scanned_at = $2 WHERE niche = $1`,
		niche, config.Clock.GetTime().UTC())
	return err
}

// --- scheduled posts ---

// DuePosts returns pending posts whose slot has arrived.
func (s *Store) DuePosts(ctx context.Context, now time.Time) ([]ScheduledPost, error) {
	var posts []ScheduledPost
	err := s.db.SelectContext(ctx, &posts,
		`SELECT id, video_ref, platform, account_id, scheduled_for, status, title, description
		 FROM scheduled_posts WHERE status = $1 AND scheduled_for <= $2 ORDER BY scheduled_for`,
		PostPending, now)
	return posts, err
}

// ClaimPost transitions Pending → Claimed exactly once; a false return means
// another sweep already claimed it.
func (s *Store) ClaimPost(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = $3 WHERE id = $1 AND status = $2`, id, PostPending, PostClaimed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) MarkPostPublished(ctx context.Context, post ScheduledPost, remoteURL string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = $2 WHERE id = $1`, post.ID, PostPublished); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO published_content (id, title, platform, url, account_id, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		post.ID, post.Title, post.Platform, remoteURL, post.AccountID, config.Clock.GetTime().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) MarkPostFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = $2 WHERE id = $1`, id, PostFailed)
	return err
}

// --- storage migration support ---

// MigrateRefs atomically rewrites every reference to a migrated file from
// its absolute local path to the object key. Any failure rolls the whole
// rewrite back so no reference ever dangles.
func (s *Store) MigrateRefs(ctx context.Context, localPath, objectKey string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET output_ref = $2 WHERE output_ref = $1`, localPath, objectKey); err != nil {
		return fmt.Errorf("rewriting job refs: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE scheduled_posts SET video_ref = $2 WHERE video_ref = $1`, localPath, objectKey); err != nil {
		return fmt.Errorf("rewriting scheduled post refs: %w", err)
	}
	return tx.Commit()
}
