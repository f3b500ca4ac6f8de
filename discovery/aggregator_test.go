package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/psalmprax/ettametta/config"
)

type fakeScanner struct {
	platform   string
	candidates []ContentCandidate
	err        error
	mu         sync.Mutex
	calls      int
}

func (f *fakeScanner) Platform() string { return f.platform }

func (f *fakeScanner) Scan(ctx context.Context, niche string, publishedAfter time.Time) ([]ContentCandidate, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.candidates, f.err
}

func (f *fakeScanner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memStore struct {
	mu         sync.Mutex
	candidates map[string]ContentCandidate
}

func newMemStore() *memStore {
	return &memStore{candidates: map[string]ContentCandidate{}}
}

func (m *memStore) UpsertCandidate(ctx context.Context, c ContentCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates[c.ID] = c
	return nil
}

func (m *memStore) SearchCandidates(ctx context.Context, query string, limit int) ([]ContentCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ContentCandidate
	for _, c := range m.candidates {
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type erroringRanker struct{}

func (erroringRanker) Rank(ctx context.Context, niche string, candidates []ContentCandidate) ([]int, error) {
	return nil, fmt.Errorf("ranker reply is not JSON: NOT-JSON")
}

func newTestCache(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func candidate(id string, views int64) ContentCandidate {
	return ContentCandidate{
		ID:           id,
		Platform:     "YouTube",
		URL:          "https://youtube.com/watch?v=" + id,
		Views:        views,
		DiscoveredAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAggregateEmptyNiche(t *testing.T) {
	cache := newTestCache(t)
	scanner := &fakeScanner{platform: "YouTube"}
	agg := NewAggregator(NewScannerRegistry(scanner), newMemStore(), nil, cache)

	out, err := agg.Aggregate(context.Background(), "Zzz", Horizon30d)
	require.NoError(t, err)
	require.Empty(t, out)
	require.Equal(t, 1, scanner.callCount())

	// the empty result is cached as []
	raw, err := cache.Get(context.Background(), config.DiscoveryCacheKey("Zzz", "30d")).Bytes()
	require.NoError(t, err)
	require.JSONEq(t, "[]", string(raw))
}

func TestAggregateCacheHit(t *testing.T) {
	cache := newTestCache(t)
	pre := []ContentCandidate{candidate("yt_a", 5), candidate("yt_b", 3)}
	raw, err := json.Marshal(pre)
	require.NoError(t, err)
	require.NoError(t, cache.Set(context.Background(),
		config.DiscoveryCacheKey("AI", "30d"), raw, time.Hour).Err())

	scanner := &fakeScanner{platform: "YouTube", candidates: []ContentCandidate{candidate("yt_new", 100)}}
	agg := NewAggregator(NewScannerRegistry(scanner), newMemStore(), nil, cache)

	out, err := agg.Aggregate(context.Background(), "AI", Horizon30d)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "yt_a", out[0].ID)
	require.Equal(t, "yt_b", out[1].ID)
	require.Zero(t, scanner.callCount(), "cache hit must not fan out")
}

func TestAggregateCacheIdempotence(t *testing.T) {
	cache := newTestCache(t)
	scanner := &fakeScanner{platform: "YouTube", candidates: []ContentCandidate{
		candidate("yt_a", 100), candidate("yt_b", 50),
	}}
	agg := NewAggregator(NewScannerRegistry(scanner), newMemStore(), nil, cache)

	first, err := agg.Aggregate(context.Background(), "AI", Horizon7d)
	require.NoError(t, err)
	second, err := agg.Aggregate(context.Background(), "AI", Horizon7d)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, scanner.callCount(), "second aggregation must be served from cache")
}

func TestAggregateRankDegradation(t *testing.T) {
	cache := newTestCache(t)
	scanner := &fakeScanner{platform: "YouTube", candidates: []ContentCandidate{
		candidate("yt_a", 100), candidate("yt_b", 50), candidate("yt_c", 200), candidate("yt_d", 10),
	}}
	agg := NewAggregator(NewScannerRegistry(scanner), newMemStore(), erroringRanker{}, cache)

	out, err := agg.Aggregate(context.Background(), "AI", Horizon24h)
	require.NoError(t, err)
	views := []int64{}
	for _, c := range out {
		views = append(views, c.Views)
	}
	require.Equal(t, []int64{200, 100, 50, 10}, views)
}

type permutationRanker struct{ indices []int }

func (r permutationRanker) Rank(ctx context.Context, niche string, candidates []ContentCandidate) ([]int, error) {
	return r.indices, nil
}

func TestAggregateRankPermutation(t *testing.T) {
	cache := newTestCache(t)
	scanner := &fakeScanner{platform: "YouTube", candidates: []ContentCandidate{
		candidate("yt_a", 100), candidate("yt_b", 50), candidate("yt_c", 200), candidate("yt_d", 10),
	}}
	// ranker sees views-desc order: c,a,b,d; picks b first, repeats and
	// overflows indices, never drops candidates
	agg := NewAggregator(NewScannerRegistry(scanner), newMemStore(), permutationRanker{indices: []int{2, 2, 9, 0}}, cache)

	out, err := agg.Aggregate(context.Background(), "AI", Horizon24h)
	require.NoError(t, err)
	ids := []string{}
	for _, c := range out {
		ids = append(ids, c.ID)
	}
	require.Equal(t, []string{"yt_b", "yt_c", "yt_a", "yt_d"}, ids)
}

func TestAggregateDedupe(t *testing.T) {
	cache := newTestCache(t)
	s1 := &fakeScanner{platform: "YouTube", candidates: []ContentCandidate{candidate("yt_a", 100)}}
	s2 := &fakeScanner{platform: "Reddit", candidates: []ContentCandidate{candidate("yt_a", 90), candidate("reddit_b", 10)}}
	agg := NewAggregator(NewScannerRegistry(s1, s2), newMemStore(), nil, cache)

	out, err := agg.Aggregate(context.Background(), "AI", Horizon30d)
	require.NoError(t, err)
	require.Len(t, out, 2)
	seen := map[string]int{}
	for _, c := range out {
		seen[c.ID]++
	}
	require.Equal(t, 1, seen["yt_a"])
	require.Equal(t, 1, seen["reddit_b"])
	// first seen wins: the registry-order YouTube copy with 100 views
	require.Equal(t, int64(100), out[0].Views)
}

func TestAggregateFailingScannerDropped(t *testing.T) {
	cache := newTestCache(t)
	good := &fakeScanner{platform: "YouTube", candidates: []ContentCandidate{candidate("yt_a", 100)}}
	bad := &fakeScanner{platform: "Reddit", err: fmt.Errorf("upstream 503")}
	agg := NewAggregator(NewScannerRegistry(good, bad), newMemStore(), nil, cache)

	out, err := agg.Aggregate(context.Background(), "AI", Horizon30d)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestAggregateInvalidHorizon(t *testing.T) {
	agg := NewAggregator(NewScannerRegistry(), newMemStore(), nil, newTestCache(t))
	_, err := agg.Aggregate(context.Background(), "AI", Horizon("90d"))
	require.Error(t, err)
}

func TestCandidateClamp(t *testing.T) {
	c := ContentCandidate{ID: "x", EngagementScore: 1.7, ViralScore: 140}
	c.Clamp()
	require.Equal(t, 1.0, c.EngagementScore)
	require.Equal(t, 100.0, c.ViralScore)
	require.NoError(t, c.Validate())
}
