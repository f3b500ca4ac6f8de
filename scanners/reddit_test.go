package scanners

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const redditListingFixture = `{
	"data": {
		"children": [
			{"data": {"id": "abc", "title": "Amazing clip", "author": "u1", "url": "https://v.redd.it/xyz",
			  "thumbnail": "https://thumbs.reddit.com/abc.jpg", "ups": 5400, "upvote_ratio": 0.97,
			  "num_comments": 321, "is_video": true, "created_utc": 1767225600, "subreddit": "videos"}},
			{"data": {"id": "def", "title": "Text post", "author": "u2", "url": "https://reddit.com/self",
			  "thumbnail": "self", "ups": 100, "upvote_ratio": 0.8, "is_video": false, "created_utc": 1767225600, "subreddit": "videos"}},
			{"data": {"id": "ghi", "title": "Linked video", "author": "u3", "url": "https://youtube.com/watch?v=q",
			  "thumbnail": "default", "ups": 900, "upvote_ratio": 0.91, "is_video": false, "created_utc": 1767225600, "subreddit": "videos"}}
		]
	}
}`

func TestRedditScanParsesVideoPosts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("User-Agent"), "ettametta")
		fmt.Fprint(w, redditListingFixture)
	}))
	defer server.Close()

	s := NewRedditScanner()
	s.baseURL = server.URL
	s.subreddits = []string{"videos"}

	candidates, err := s.Scan(context.Background(), "Motivation", time.Time{})
	require.NoError(t, err)
	require.Len(t, candidates, 2, "self posts are not candidates")

	first := candidates[0]
	require.Equal(t, "reddit_abc", first.ID)
	require.Equal(t, "Reddit", first.Platform)
	require.Equal(t, int64(5400), first.Views)
	require.Equal(t, 0.97, first.EngagementScore)
	require.NotNil(t, first.ThumbnailURL)
	require.Equal(t, []string{"Motivation"}, first.Tags)

	// non-http thumbnails ("default") are dropped
	require.Nil(t, candidates[1].ThumbnailURL)
}

func TestRedditScanFiltersByPublishedAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, redditListingFixture)
	}))
	defer server.Close()

	s := NewRedditScanner()
	s.baseURL = server.URL
	s.subreddits = []string{"videos"}

	cutoff := time.Unix(1767225600, 0).Add(time.Hour).UTC()
	candidates, err := s.Scan(context.Background(), "Motivation", cutoff)
	require.NoError(t, err)
	require.Empty(t, candidates, "client-side filter applies when the API cannot")
}

func TestRedditScanUpstreamFailureIsEmptyPlusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	s := NewRedditScanner()
	s.baseURL = server.URL
	s.subreddits = []string{"videos"}

	candidates, err := s.Scan(context.Background(), "Motivation", time.Time{})
	require.Error(t, err)
	require.Empty(t, candidates)
}

func TestNoopScanner(t *testing.T) {
	n := Noop("Rumble")
	require.Equal(t, "Rumble", n.Platform())
	candidates, err := n.Scan(context.Background(), "anything", time.Now())
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestParseISODuration(t *testing.T) {
	require.Equal(t, 90.0, parseISODuration("PT1M30S"))
	require.Equal(t, 3661.0, parseISODuration("PT1H1M1S"))
	require.Equal(t, 45.0, parseISODuration("PT45S"))
	require.Equal(t, 0.0, parseISODuration("bogus"))
}

func TestViralScoreClamped(t *testing.T) {
	recent := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	require.LessOrEqual(t, viralScore(100_000_000, recent, 0.9), 99.0)
	require.GreaterOrEqual(t, viralScore(10, recent, 0.0), 1.0)
	require.Equal(t, 0.0, viralScore(1000, "not-a-date", 0.5))
}
