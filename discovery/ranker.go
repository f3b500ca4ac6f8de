package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "github.com/psalmprax/ettametta/errors"
)

// TextCompleter is the narrow LLM surface the ranker needs; the concrete
// client lives in clients.
type TextCompleter interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// LLMRanker asks the model to reorder candidates by viral potential. The
// reply must be a JSON array of indices (optionally wrapped in an object);
// anything else is a Protocol error and the caller keeps its own ordering.
type LLMRanker struct {
	completer TextCompleter
}

func NewLLMRanker(completer TextCompleter) *LLMRanker {
	if completer == nil {
		return nil
	}
	return &LLMRanker{completer: completer}
}

type rankerCandidate struct {
	Index      int    `json:"index"`
	Platform   string `json:"platform"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	Engagement string `json:"engagement"`
}

const rankerSystem = "You are a viral content strategist. Output JSON only."

func (r *LLMRanker) Rank(ctx context.Context, niche string, candidates []ContentCandidate) ([]int, error) {
	summaries := make([]rankerCandidate, len(candidates))
	for i, c := range candidates {
		summaries[i] = rankerCandidate{
			Index:      i,
			Platform:   c.Platform,
			Title:      c.Title,
			Author:     c.Author,
			Engagement: fmt.Sprintf("%.2f%%", c.EngagementScore*100),
		}
	}
	encoded, err := json.Marshal(summaries)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Analyze these %d content candidates in the %q niche.

Goal: identify which candidates have the best psychological hook that can be remixed, and prioritize long-form pillar content containing multiple high-intensity moments.

Candidates:
%s

Return ONLY a JSON array of indices in order of priority, most viral first. Example: [4, 0, 2, 1, 3]`,
		len(summaries), niche, string(encoded))

	reply, err := r.completer.Complete(ctx, rankerSystem, prompt)
	if err != nil {
		return nil, err
	}
	return parseRankIndices(reply)
}

// parseRankIndices accepts a bare array or an object holding the indices
// under "indices", "priority_order" or, failing those, any other key whose
// value is an array, matching the loose shapes models actually return.
func parseRankIndices(reply string) ([]int, error) {
	reply = strings.TrimSpace(reply)
	if idx := strings.Index(reply, "["); idx > 0 && !strings.HasPrefix(reply, "{") {
		reply = reply[idx:]
		if end := strings.LastIndex(reply, "]"); end != -1 {
			reply = reply[:end+1]
		}
	}

	var indices []int
	if err := json.Unmarshal([]byte(reply), &indices); err == nil {
		return indices, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(reply), &obj); err != nil {
		return nil, xerrors.Failf(xerrors.KindProtocol, "ranker reply is not JSON: %.60s", reply)
	}
	for _, key := range []string{"indices", "priority_order"} {
		if raw, ok := obj[key]; ok {
			if err := json.Unmarshal(raw, &indices); err == nil {
				return indices, nil
			}
		}
	}
	for _, raw := range obj {
		if err := json.Unmarshal(raw, &indices); err == nil {
			return indices, nil
		}
	}
	return nil, xerrors.Failf(xerrors.KindProtocol, "ranker reply holds no index array")
}
