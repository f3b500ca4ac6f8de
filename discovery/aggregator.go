package discovery

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/psalmprax/ettametta/config"
	xerrors "github.com/psalmprax/ettametta/errors"
	"github.com/psalmprax/ettametta/log"
	"github.com/psalmprax/ettametta/metrics"
)

// CandidateStore is the persistence surface the aggregator needs. Upserts are
// last-write-wins on mutable fields and create-only on everything else.
type CandidateStore interface {
	UpsertCandidate(ctx context.Context, c ContentCandidate) error
	SearchCandidates(ctx context.Context, query string, limit int) ([]ContentCandidate, error)
}

// Ranker returns a permutation (by index) of the candidates it was shown,
// best first. It never drops candidates; indices it omits keep their original
// relative order at the tail.
type Ranker interface {
	Rank(ctx context.Context, niche string, candidates []ContentCandidate) ([]int, error)
}

// Aggregator fans a niche out across every registered scanner, merges and
// dedupes the results, persists them, applies LLM ranking and caches the
// final ordering.
type Aggregator struct {
	registry *ScannerRegistry
	store    CandidateStore
	ranker   Ranker
	cache    redis.UniversalClient

	scannerTimeout time.Duration
	outerDeadline  time.Duration

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

func NewAggregator(registry *ScannerRegistry, store CandidateStore, ranker Ranker, cache redis.UniversalClient) *Aggregator {
	return &Aggregator{
		registry:       registry,
		store:          store,
		ranker:         ranker,
		cache:          cache,
		scannerTimeout: config.ScannerTimeout,
		outerDeadline:  config.DiscoveryDeadline,
		breakers:       map[string]*gobreaker.CircuitBreaker{},
	}
}

// Aggregate produces the ranked candidate list for a niche, best first.
func (a *Aggregator) Aggregate(ctx context.Context, niche string, horizon Horizon) ([]ContentCandidate, error) {
	if niche == "" {
		return nil, xerrors.Failf(xerrors.KindValidation, "empty niche")
	}
	if !horizon.IsValid() {
		return nil, xerrors.Failf(xerrors.KindValidation, "unknown horizon %q", horizon)
	}

	key := config.DiscoveryCacheKey(niche, string(horizon))
	if cached, ok := a.cacheProbe(ctx, key); ok {
		metrics.Metrics.DiscoveryCacheHits.Inc()
		return cached, nil
	}
	metrics.Metrics.DiscoveryCacheMisses.Inc()

	ctx, cancel := context.WithTimeout(ctx, a.outerDeadline)
	defer cancel()

	publishedAfter := horizon.PublishedAfter(config.Clock.GetTime().UTC())
	merged := a.fanOut(ctx, niche, publishedAfter)

	for i := range merged {
		merged[i].Niche = niche
		merged[i].Clamp()
		if err := a.store.UpsertCandidate(ctx, merged[i]); err != nil {
			log.LogNoJobID("failed to persist candidate", "id", merged[i].ID, "err", err.Error())
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Views > merged[j].Views })

	if a.ranker != nil && len(merged) >= config.MinCandidatesForRanking {
		merged = a.rank(ctx, niche, merged)
	}

	a.cacheWrite(ctx, key, merged)
	return merged, nil
}

// Search returns persisted candidates matching the query; a thin result set
// triggers a live aggregation with the query as the niche and returns the
// union.
func (a *Aggregator) Search(ctx context.Context, query string, limit int) ([]ContentCandidate, error) {
	if limit <= 0 {
		limit = 20
	}
	stored, err := a.store.SearchCandidates(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if len(stored) >= 10 {
		return stored, nil
	}

	live, err := a.Aggregate(ctx, query, Horizon30d)
	if err != nil {
		if xerrors.IsKind(err, xerrors.KindValidation) {
			return nil, err
		}
		log.LogNoJobID("live aggregation during search failed", "query", query, "err", err.Error())
		return stored, nil
	}

	seen := map[string]bool{}
	union := make([]ContentCandidate, 0, len(stored)+len(live))
	for _, c := range stored {
		seen[c.ID] = true
		union = append(union, c)
	}
	for _, c := range live {
		if !seen[c.ID] {
			seen[c.ID] = true
			union = append(union, c)
		}
	}
	if len(union) > limit {
		union = union[:limit]
	}
	return union, nil
}

// fanOut calls every scanner concurrently with its own timeout. Slow or
// failing scanners are dropped, never fatal. Results are merged in registry
// order so dedupe is deterministic regardless of arrival order.
func (a *Aggregator) fanOut(ctx context.Context, niche string, publishedAfter time.Time) []ContentCandidate {
	scanners := a.registry.Scanners()
	results := make([][]ContentCandidate, len(scanners))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, s := range scanners {
		i, s := i, s
		group.Go(func() error {
			scanCtx, cancel := context.WithTimeout(groupCtx, a.scannerTimeout)
			defer cancel()

			out, err := a.breaker(s.Platform()).Execute(func() (interface{}, error) {
				return s.Scan(scanCtx, niche, publishedAfter)
			})
			if err != nil {
				metrics.Metrics.ScannerFailures.WithLabelValues(s.Platform()).Inc()
				log.LogNoJobID("scanner returned no candidates", "platform", s.Platform(), "niche", niche, "err", err.Error())
				return nil
			}
			candidates := out.([]ContentCandidate)
			metrics.Metrics.ScannerCandidates.WithLabelValues(s.Platform()).Add(float64(len(candidates)))
			results[i] = candidates
			return nil
		})
	}
	// errors never propagate; scanners degrade to empty slices
	_ = group.Wait()

	seen := map[string]bool{}
	var merged []ContentCandidate
	for _, batch := range results {
		for _, c := range batch {
			if c.ID == "" || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			merged = append(merged, c)
		}
	}
	return merged
}

// rank shows the ranker the top candidates by views and applies the returned
// permutation. Any ranker failure falls back to the views-descending input
// ordering.
func (a *Aggregator) rank(ctx context.Context, niche string, candidates []ContentCandidate) []ContentCandidate {
	window := len(candidates)
	if window > config.MaxCandidatesForRanking {
		window = config.MaxCandidatesForRanking
	}

	indices, err := a.ranker.Rank(ctx, niche, candidates[:window])
	if err != nil {
		metrics.Metrics.RankerFallbacks.Inc()
		log.LogNoJobID("ranker failed, keeping views ordering", "niche", niche, "err", err.Error())
		return candidates
	}

	ranked := make([]ContentCandidate, 0, len(candidates))
	seen := map[int]bool{}
	for _, idx := range indices {
		if idx < 0 || idx >= window || seen[idx] {
			continue
		}
		seen[idx] = true
		ranked = append(ranked, candidates[idx])
	}
	for i, c := range candidates {
		if !seen[i] {
			ranked = append(ranked, c)
		}
	}
	return ranked
}

func (a *Aggregator) cacheProbe(ctx context.Context, key string) ([]ContentCandidate, bool) {
	if a.cache == nil {
		return nil, false
	}
	raw, err := a.cache.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.LogNoJobID("discovery cache read failed", "key", key, "err", err.Error())
		}
		return nil, false
	}
	var candidates []ContentCandidate
	if err := json.Unmarshal(raw, &candidates); err != nil {
		log.LogNoJobID("discovery cache entry is corrupt, ignoring", "key", key, "err", err.Error())
		return nil, false
	}
	return candidates, true
}

func (a *Aggregator) cacheWrite(ctx context.Context, key string, candidates []ContentCandidate) {
	if a.cache == nil {
		return
	}
	if candidates == nil {
		candidates = []ContentCandidate{}
	}
	raw, err := json.Marshal(candidates)
	if err != nil {
		log.LogNoJobID("failed to serialize candidates for cache", "key", key, "err", err.Error())
		return
	}
	if err := a.cache.Set(ctx, key, raw, config.DiscoveryCacheTTL).Err(); err != nil {
		log.LogNoJobID("discovery cache write failed", "key", key, "err", err.Error())
	}
}

func (a *Aggregator) breaker(platform string) *gobreaker.CircuitBreaker {
	a.breakersMu.Lock()
	defer a.breakersMu.Unlock()
	cb, ok := a.breakers[platform]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "scanner-" + strings.ToLower(platform),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			Timeout: 2 * time.Minute,
		})
		a.breakers[platform] = cb
	}
	return cb
}
