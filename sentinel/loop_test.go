package sentinel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/psalmprax/ettametta/discovery"
	"github.com/psalmprax/ettametta/jobs"
	"github.com/psalmprax/ettametta/queue"
)

type fakeAggregator struct {
	candidates []discovery.ContentCandidate
}

func (f fakeAggregator) Aggregate(ctx context.Context, niche string, horizon discovery.Horizon) ([]discovery.ContentCandidate, error) {
	return f.candidates, nil
}

type fakeLoopStore struct {
	created   []jobs.Job
	activeFor map[string]bool
}

func (f *fakeLoopStore) CreateJob(ctx context.Context, job jobs.Job) error {
	f.created = append(f.created, job)
	return nil
}

func (f *fakeLoopStore) HasActiveJobForInput(ctx context.Context, inputRef string) (bool, error) {
	return f.activeFor[inputRef], nil
}

type fakeEnqueuer struct {
	enqueued []string
	payloads []queue.TaskPayload
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, task string, payload queue.TaskPayload) error {
	f.enqueued = append(f.enqueued, task)
	f.payloads = append(f.payloads, payload)
	return nil
}

func TestExecuteCycleDispatchesTopCandidate(t *testing.T) {
	agg := fakeAggregator{candidates: []discovery.ContentCandidate{
		{ID: "yt_top", URL: "https://youtube.com/watch?v=top", Title: "Winner"},
		{ID: "yt_second", URL: "https://youtube.com/watch?v=second"},
	}}
	store := &fakeLoopStore{activeFor: map[string]bool{}}
	enq := &fakeEnqueuer{}
	loop := NewLoop(agg, store, enq, "TikTok")

	require.NoError(t, loop.ExecuteCycle(context.Background(), "Motivation"))

	require.Len(t, store.created, 1)
	require.Equal(t, jobs.KindTransform, store.created[0].Kind)
	require.Equal(t, "https://youtube.com/watch?v=top", store.created[0].InputRef)

	require.Equal(t, []string{queue.TaskDownloadAndProcess}, enq.enqueued)
	require.Equal(t, "https://youtube.com/watch?v=top", enq.payloads[0].Source)
	require.Equal(t, "TikTok", enq.payloads[0].Platform)
	require.Equal(t, store.created[0].ID, enq.payloads[0].JobID)
}

func TestExecuteCycleEmptyNicheIsQuiet(t *testing.T) {
	store := &fakeLoopStore{activeFor: map[string]bool{}}
	enq := &fakeEnqueuer{}
	loop := NewLoop(fakeAggregator{}, store, enq, "")

	require.NoError(t, loop.ExecuteCycle(context.Background(), "Zzz"))
	require.Empty(t, store.created)
	require.Empty(t, enq.enqueued)
}

func TestExecuteCycleAtMostOneJobPerSource(t *testing.T) {
	agg := fakeAggregator{candidates: []discovery.ContentCandidate{
		{ID: "yt_top", URL: "https://youtube.com/watch?v=top", Title: "Winner"},
	}}
	store := &fakeLoopStore{activeFor: map[string]bool{
		"https://youtube.com/watch?v=top": true,
	}}
	enq := &fakeEnqueuer{}
	loop := NewLoop(agg, store, enq, "")

	require.NoError(t, loop.ExecuteCycle(context.Background(), "Motivation"))
	require.Empty(t, store.created, "a source with a non-terminal job is skipped this tick")
	require.Empty(t, enq.enqueued)
}
