package sentinel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psalmprax/ettametta/jobs"
	"github.com/psalmprax/ettametta/publishers"
	"github.com/psalmprax/ettametta/queue"
)

type fakeSweepStore struct {
	mu        sync.Mutex
	niches    []jobs.MonitoredNiche
	touched   []string
	due       []jobs.ScheduledPost
	claimed   map[string]bool
	published map[string]string
	failed    []string
}

func newFakeSweepStore() *fakeSweepStore {
	return &fakeSweepStore{claimed: map[string]bool{}, published: map[string]string{}}
}

func (f *fakeSweepStore) ActiveNiches(ctx context.Context) ([]jobs.MonitoredNiche, error) {
	return f.niches, nil
}

func (f *fakeSweepStore) TouchNicheScanned(ctx context.Context, niche string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, niche)
	return nil
}

func (f *fakeSweepStore) DuePosts(ctx context.Context, now time.Time) ([]jobs.ScheduledPost, error) {
	return f.due, nil
}

func (f *fakeSweepStore) ClaimPost(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[id] {
		return false, nil
	}
	f.claimed[id] = true
	return true, nil
}

func (f *fakeSweepStore) MarkPostPublished(ctx context.Context, post jobs.ScheduledPost, remoteURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[post.ID] = remoteURL
	return nil
}

func (f *fakeSweepStore) MarkPostFailed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

type fakePublisher struct {
	platform string
	url      string
	err      error
	mu       sync.Mutex
	uploads  int
}

func (f *fakePublisher) Platform() string { return f.platform }

func (f *fakePublisher) Upload(ctx context.Context, path string, metadata publishers.PostMetadata, accountID string) (string, error) {
	f.mu.Lock()
	f.uploads++
	f.mu.Unlock()
	return f.url, f.err
}

type passthroughLocalizer struct{}

func (passthroughLocalizer) Localize(ctx context.Context, ref string) (string, func(), error) {
	return ref, func() {}, nil
}

func TestPostSweepPublishesDuePosts(t *testing.T) {
	store := newFakeSweepStore()
	store.due = []jobs.ScheduledPost{
		{ID: "p1", Platform: "TikTok", VideoRef: "/outputs/a.mp4", Title: "clip"},
	}
	pub := &fakePublisher{platform: "TikTok", url: "https://tiktok.com/@x/video/1"}
	sweeper := NewSweeper(store, nil, &fakeEnqueuer{}, publishers.NewRegistry(pub), passthroughLocalizer{}, false)

	require.NoError(t, sweeper.PostSweep(context.Background()))
	require.Equal(t, 1, pub.uploads)
	require.Equal(t, "https://tiktok.com/@x/video/1", store.published["p1"])
	require.Empty(t, store.failed)
}

func TestPostSweepAtMostOneInvocation(t *testing.T) {
	store := newFakeSweepStore()
	store.due = []jobs.ScheduledPost{
		{ID: "p1", Platform: "TikTok", VideoRef: "/outputs/a.mp4"},
	}
	pub := &fakePublisher{platform: "TikTok", url: "https://tiktok.com/@x/video/1"}
	sweeper := NewSweeper(store, nil, &fakeEnqueuer{}, publishers.NewRegistry(pub), passthroughLocalizer{}, false)

	// overlapping sweeps see the same due list; the claim collapses them
	require.NoError(t, sweeper.PostSweep(context.Background()))
	require.NoError(t, sweeper.PostSweep(context.Background()))
	require.Equal(t, 1, pub.uploads)
}

func TestPostSweepFailureMarksFailed(t *testing.T) {
	store := newFakeSweepStore()
	store.due = []jobs.ScheduledPost{
		{ID: "p2", Platform: "TikTok", VideoRef: "/outputs/b.mp4"},
	}
	pub := &fakePublisher{platform: "TikTok", err: fmt.Errorf("upstream 503")}
	sweeper := NewSweeper(store, nil, &fakeEnqueuer{}, publishers.NewRegistry(pub), passthroughLocalizer{}, false)

	require.NoError(t, sweeper.PostSweep(context.Background()))
	require.Equal(t, []string{"p2"}, store.failed)
	require.Empty(t, store.published)
}

func TestNicheSweepEnqueuesScansWithoutAutopilot(t *testing.T) {
	store := newFakeSweepStore()
	store.niches = []jobs.MonitoredNiche{{Niche: "Motivation"}, {Niche: "Tech"}}
	enq := &fakeEnqueuer{}
	sweeper := NewSweeper(store, nil, enq, publishers.NewRegistry(), passthroughLocalizer{}, false)

	require.NoError(t, sweeper.NicheSweep(context.Background()))
	require.Equal(t, []string{queue.TaskScanTrends, queue.TaskScanTrends}, enq.enqueued)
	require.Equal(t, []string{"Motivation", "Tech"}, store.touched)
}

func TestNicheSweepAutopilotRunsCycle(t *testing.T) {
	store := newFakeSweepStore()
	store.niches = []jobs.MonitoredNiche{{Niche: "Motivation"}}
	enq := &fakeEnqueuer{}
	loopStore := &fakeLoopStore{activeFor: map[string]bool{}}
	loop := NewLoop(fakeAggregator{candidates: nil}, loopStore, enq, "")
	sweeper := NewSweeper(store, loop, enq, publishers.NewRegistry(), passthroughLocalizer{}, true)

	require.NoError(t, sweeper.NicheSweep(context.Background()))
	// empty discovery: no scan task enqueued, niche still touched
	require.Empty(t, enq.enqueued)
	require.Equal(t, []string{"Motivation"}, store.touched)
}
