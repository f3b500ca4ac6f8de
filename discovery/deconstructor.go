package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/psalmprax/ettametta/config"
	"github.com/psalmprax/ettametta/log"
)

// PatternStore persists ViralPattern records, last-write-wins per candidate.
type PatternStore interface {
	UpsertPattern(ctx context.Context, p ViralPattern) error
}

// Deconstructor derives a ViralPattern from a candidate's transcript and
// metadata. With no completer configured it falls back to a heuristic scored
// from engagement alone.
type Deconstructor struct {
	completer TextCompleter
	store     PatternStore
}

func NewDeconstructor(completer TextCompleter, store PatternStore) *Deconstructor {
	return &Deconstructor{completer: completer, store: store}
}

type patternReply struct {
	HookScore         float64  `mapstructure:"hook_score"`
	RetentionEstimate float64  `mapstructure:"retention_estimate"`
	PacingBPM         *float64 `mapstructure:"pacing_bpm"`
	StyleKeywords     []string `mapstructure:"style_keywords"`
	EmotionalTriggers []string `mapstructure:"emotional_triggers"`
}

func (d *Deconstructor) Analyze(ctx context.Context, candidate ContentCandidate, transcript string) (ViralPattern, error) {
	pattern := ViralPattern{
		ID:         uuid.New().String(),
		ContentID:  candidate.ID,
		AnalyzedAt: config.Clock.GetTime().UTC(),
	}

	reply, err := d.complete(ctx, candidate, transcript)
	if err != nil {
		log.LogNoJobID("pattern analysis degraded to heuristic", "content_id", candidate.ID, "err", err.Error())
		pattern.HookScore = candidate.EngagementScore
		pattern.RetentionEstimate = candidate.EngagementScore * 0.8
	} else {
		pattern.HookScore = reply.HookScore
		pattern.RetentionEstimate = reply.RetentionEstimate
		pattern.PacingBPM = reply.PacingBPM
		pattern.StyleKeywords = reply.StyleKeywords
		pattern.EmotionalTriggers = reply.EmotionalTriggers
	}

	if d.store != nil {
		if err := d.store.UpsertPattern(ctx, pattern); err != nil {
			return ViralPattern{}, fmt.Errorf("persisting viral pattern: %w", err)
		}
	}
	return pattern, nil
}

func (d *Deconstructor) complete(ctx context.Context, candidate ContentCandidate, transcript string) (patternReply, error) {
	if d.completer == nil {
		return patternReply{}, fmt.Errorf("no completer configured")
	}
	if len(transcript) > 2000 {
		transcript = transcript[:2000]
	}
	prompt := fmt.Sprintf(`Deconstruct the viral structure of this video.

TITLE: %s
PLATFORM: %s
TRANSCRIPT: %q

Reply with JSON only:
{"hook_score": 0.0-1.0, "retention_estimate": 0.0-1.0, "pacing_bpm": number or null, "style_keywords": [...], "emotional_triggers": [...]}`,
		candidate.Title, candidate.Platform, transcript)

	raw, err := d.completer.Complete(ctx, "You are a short-form video analyst. Output JSON.", prompt)
	if err != nil {
		return patternReply{}, err
	}
	var loose map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		return patternReply{}, fmt.Errorf("pattern reply is not JSON: %w", err)
	}
	var reply patternReply
	if err := mapstructure.WeakDecode(loose, &reply); err != nil {
		return patternReply{}, fmt.Errorf("pattern reply has wrong shape: %w", err)
	}
	return reply, nil
}
