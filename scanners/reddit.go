package scanners

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/psalmprax/ettametta/discovery"
	xerrors "github.com/psalmprax/ettametta/errors"
)

// RedditScanner reads the public top.json listings of a fixed set of video
// subreddits. No credentials are needed for public reads.
type RedditScanner struct {
	baseURL    string
	subreddits []string
	userAgent  string
	httpClient *http.Client
}

func NewRedditScanner() *RedditScanner {
	return &RedditScanner{
		baseURL:    "https://www.reddit.com",
		subreddits: []string{"videos", "nextfuckinglevel", "shorts"},
		userAgent:  "ettametta/1.0 (content engine)",
		httpClient: newHTTPClient(8 * time.Second),
	}
}

func (s *RedditScanner) Platform() string { return "Reddit" }

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				ID            string  `json:"id"`
				Title         string  `json:"title"`
				Author        string  `json:"author"`
				URL           string  `json:"url"`
				Thumbnail     string  `json:"thumbnail"`
				Ups           int64   `json:"ups"`
				UpvoteRatio   float64 `json:"upvote_ratio"`
				NumComments   int64   `json:"num_comments"`
				IsVideo       bool    `json:"is_video"`
				CreatedUTC    float64 `json:"created_utc"`
				SubredditName string  `json:"subreddit"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (s *RedditScanner) Scan(ctx context.Context, niche string, publishedAfter time.Time) ([]discovery.ContentCandidate, error) {
	now := time.Now().UTC()
	var candidates []discovery.ContentCandidate
	var lastErr error

	for _, sub := range s.subreddits {
		listing, err := s.fetchTop(ctx, sub)
		if err != nil {
			lastErr = err
			continue
		}
		for _, child := range listing.Data.Children {
			post := child.Data
			if !post.IsVideo && !looksLikeVideo(post.URL) {
				continue
			}
			// the listing endpoint has no server-side date filter
			created := time.Unix(int64(post.CreatedUTC), 0).UTC()
			if !publishedAfter.IsZero() && created.Before(publishedAfter) {
				continue
			}
			var thumb *string
			if strings.HasPrefix(post.Thumbnail, "http") {
				t := post.Thumbnail
				thumb = &t
			}
			candidates = append(candidates, discovery.ContentCandidate{
				ID:              "reddit_" + post.ID,
				Platform:        "Reddit",
				URL:             post.URL,
				Author:          post.Author,
				Title:           post.Title,
				ThumbnailURL:    thumb,
				Views:           post.Ups, // upvotes as traction proxy
				EngagementScore: post.UpvoteRatio,
				DiscoveredAt:    now,
				Tags:            []string{niche},
				Metadata: map[string]interface{}{
					"subreddit":    post.SubredditName,
					"num_comments": post.NumComments,
				},
			})
		}
	}

	if len(candidates) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return candidates, nil
}

func (s *RedditScanner) fetchTop(ctx context.Context, subreddit string) (*redditListing, error) {
	url := fmt.Sprintf("%s/r/%s/top.json?t=day&limit=10", s.baseURL, subreddit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, xerrors.Failf(xerrors.KindQuota, "reddit rate limited /r/%s", subreddit)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Failf(xerrors.KindTransient, "reddit /r/%s status %s", subreddit, resp.Status)
	}

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, xerrors.Wrap(xerrors.KindProtocol, fmt.Errorf("decoding /r/%s listing: %w", subreddit, err))
	}
	return &listing, nil
}

func looksLikeVideo(url string) bool {
	for _, marker := range []string{".mp4", "youtube.com", "youtu.be", "v.redd.it"} {
		if strings.Contains(url, marker) {
			return true
		}
	}
	return false
}
