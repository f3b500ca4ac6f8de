package scanners

import (
	"context"
	"time"

	"github.com/psalmprax/ettametta/discovery"
)

// Noop is the adapter for platforms whose integration is not configured or
// not yet built. It always returns an empty list, which is the canonical
// fallback: the aggregator treats missing sources as silence, not failure.
type Noop string

func (n Noop) Platform() string { return string(n) }

func (n Noop) Scan(ctx context.Context, niche string, publishedAfter time.Time) ([]discovery.ContentCandidate, error) {
	return nil, nil
}
