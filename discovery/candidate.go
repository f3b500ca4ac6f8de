package discovery

import (
	"fmt"
	"time"
)

// ContentCandidate is a third-party source video discovered by a scanner.
// Identity is ID, which is platform-prefixed and globally unique. Views,
// EngagementScore and ViralScore may be updated by rescans; everything else
// is create-only.
type ContentCandidate struct {
	ID              string                 `json:"id" db:"id"`
	Platform        string                 `json:"platform" db:"platform"`
	URL             string                 `json:"url" db:"url"`
	Author          string                 `json:"author" db:"author"`
	Title           string                 `json:"title" db:"title"`
	Description     string                 `json:"description" db:"description"`
	ThumbnailURL    *string                `json:"thumbnail_url" db:"thumbnail_url"`
	Views           int64                  `json:"views" db:"views"`
	EngagementScore float64                `json:"engagement_score" db:"engagement_score"`
	ViralScore      float64                `json:"viral_score" db:"viral_score"`
	DurationSeconds float64                `json:"duration_seconds" db:"duration_seconds"`
	DiscoveredAt    time.Time              `json:"discovered_at" db:"discovered_at"`
	Tags            []string               `json:"tags"`
	Niche           string                 `json:"niche" db:"niche"`
	Metadata        map[string]interface{} `json:"metadata"`
}

// Validate enforces the persisted-score invariants.
func (c *ContentCandidate) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("candidate has empty id")
	}
	if c.EngagementScore < 0 || c.EngagementScore > 1 {
		return fmt.Errorf("candidate %s engagement_score %f out of [0,1]", c.ID, c.EngagementScore)
	}
	if c.ViralScore < 0 || c.ViralScore > 100 {
		return fmt.Errorf("candidate %s viral_score %f out of [0,100]", c.ID, c.ViralScore)
	}
	return nil
}

// Clamp forces the mutable scores into their invariant ranges. Scanners parse
// third-party numbers and occasionally produce ratios slightly outside the
// range; persistence clamps rather than drops.
func (c *ContentCandidate) Clamp() {
	if c.EngagementScore < 0 {
		c.EngagementScore = 0
	}
	if c.EngagementScore > 1 {
		c.EngagementScore = 1
	}
	if c.ViralScore < 0 {
		c.ViralScore = 0
	}
	if c.ViralScore > 100 {
		c.ViralScore = 100
	}
}

// ViralPattern is the analysis record owned by a candidate. At most one
// pattern per candidate at a time; writes are last-write-wins.
type ViralPattern struct {
	ID                string    `json:"id" db:"id"`
	ContentID         string    `json:"content_id" db:"content_id"`
	HookScore         float64   `json:"hook_score" db:"hook_score"`
	RetentionEstimate float64   `json:"retention_estimate" db:"retention_estimate"`
	PacingBPM         *float64  `json:"pacing_bpm" db:"pacing_bpm"`
	StyleKeywords     []string  `json:"style_keywords"`
	EmotionalTriggers []string  `json:"emotional_triggers"`
	AnalyzedAt        time.Time `json:"analyzed_at" db:"analyzed_at"`
}

// NicheTrend is a derived aggregate, recomputable from persisted candidates.
type NicheTrend struct {
	Niche         string    `json:"niche"`
	Platform      string    `json:"platform"`
	TopKeywords   []string  `json:"top_keywords"`
	AvgEngagement float64   `json:"avg_engagement"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Horizon is the discovery look-back window.
type Horizon string

const (
	Horizon24h Horizon = "24h"
	Horizon7d  Horizon = "7d"
	Horizon30d Horizon = "30d"
)

func (h Horizon) IsValid() bool {
	switch h {
	case Horizon24h, Horizon7d, Horizon30d:
		return true
	}
	return false
}

// PublishedAfter translates the horizon into a wall-clock cutoff.
func (h Horizon) PublishedAfter(now time.Time) time.Time {
	switch h {
	case Horizon24h:
		return now.Add(-24 * time.Hour)
	case Horizon7d:
		return now.AddDate(0, 0, -7)
	default:
		return now.AddDate(0, 0, -30)
	}
}
