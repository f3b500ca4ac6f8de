package scanners

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/psalmprax/ettametta/config"
	"github.com/psalmprax/ettametta/discovery"
	xerrors "github.com/psalmprax/ettametta/errors"
)

const youtubeAPIBase = "https://www.googleapis.com/youtube/v3"

// YouTubeScanner queries the Data API v3 for short-form videos in a niche.
// Construct with NewYouTubeScanner; an unresolvable API key yields a no-op
// adapter.
type YouTubeScanner struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxResults int
}

func NewYouTubeScanner(secrets config.SecretResolver) discovery.Scanner {
	apiKey := secrets.Resolve(config.SecretYouTubeAPIKey)
	if apiKey == "" {
		return Noop("YouTube")
	}
	return &YouTubeScanner{
		apiKey:     apiKey,
		baseURL:    youtubeAPIBase,
		httpClient: newHTTPClient(8 * time.Second),
		maxResults: 10,
	}
}

func (s *YouTubeScanner) Platform() string { return "YouTube" }

func (s *YouTubeScanner) Scan(ctx context.Context, niche string, publishedAfter time.Time) ([]discovery.ContentCandidate, error) {
	params := url.Values{}
	params.Set("key", s.apiKey)
	params.Set("part", "id,snippet")
	params.Set("q", niche+" shorts")
	params.Set("type", "video")
	params.Set("videoDuration", "short")
	params.Set("order", "viewCount")
	params.Set("relevanceLanguage", "en")
	params.Set("maxResults", strconv.Itoa(s.maxResults))
	if !publishedAfter.IsZero() {
		params.Set("publishedAfter", publishedAfter.UTC().Format(time.RFC3339))
	}

	var search struct {
		Items []struct {
			ID struct {
				VideoID string `json:"videoId"`
			} `json:"id"`
			Snippet struct {
				Title        string `json:"title"`
				Description  string `json:"description"`
				ChannelTitle string `json:"channelTitle"`
				PublishedAt  string `json:"publishedAt"`
				Thumbnails   struct {
					High struct {
						URL string `json:"url"`
					} `json:"high"`
				} `json:"thumbnails"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := s.getJSON(ctx, "/search", params, &search); err != nil {
		return nil, err
	}
	if len(search.Items) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(search.Items))
	for _, item := range search.Items {
		ids = append(ids, item.ID.VideoID)
	}

	statsParams := url.Values{}
	statsParams.Set("key", s.apiKey)
	statsParams.Set("part", "statistics,contentDetails")
	statsParams.Set("id", strings.Join(ids, ","))

	var details struct {
		Items []struct {
			ID         string `json:"id"`
			Statistics struct {
				ViewCount string `json:"viewCount"`
				LikeCount string `json:"likeCount"`
			} `json:"statistics"`
			ContentDetails struct {
				Duration string `json:"duration"`
			} `json:"contentDetails"`
		} `json:"items"`
	}
	if err := s.getJSON(ctx, "/videos", statsParams, &details); err != nil {
		return nil, err
	}

	statsByID := map[string]struct {
		views    int64
		likes    int64
		duration float64
	}{}
	for _, item := range details.Items {
		views, _ := strconv.ParseInt(item.Statistics.ViewCount, 10, 64)
		likes, _ := strconv.ParseInt(item.Statistics.LikeCount, 10, 64)
		statsByID[item.ID] = struct {
			views    int64
			likes    int64
			duration float64
		}{views, likes, parseISODuration(item.ContentDetails.Duration)}
	}

	now := time.Now().UTC()
	candidates := make([]discovery.ContentCandidate, 0, len(search.Items))
	for _, item := range search.Items {
		stats := statsByID[item.ID.VideoID]
		engagement := 0.0
		if stats.views > 0 {
			engagement = float64(stats.likes) / float64(stats.views)
		}
		thumb := item.Snippet.Thumbnails.High.URL
		var thumbPtr *string
		if thumb != "" {
			thumbPtr = &thumb
		}
		candidates = append(candidates, discovery.ContentCandidate{
			ID:              "yt_" + item.ID.VideoID,
			Platform:        "YouTube",
			URL:             "https://youtube.com/watch?v=" + item.ID.VideoID,
			Author:          item.Snippet.ChannelTitle,
			Title:           item.Snippet.Title,
			Description:     item.Snippet.Description,
			ThumbnailURL:    thumbPtr,
			Views:           stats.views,
			EngagementScore: engagement,
			ViralScore:      viralScore(stats.views, item.Snippet.PublishedAt, engagement),
			DurationSeconds: stats.duration,
			DiscoveredAt:    now,
			Tags:            []string{niche},
			Metadata: map[string]interface{}{
				"published_at": item.Snippet.PublishedAt,
			},
		})
	}
	return candidates, nil
}

func (s *YouTubeScanner) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.KindTransient, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return xerrors.Failf(xerrors.KindAuth, "youtube api rejected key: %s", resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests:
		return xerrors.Failf(xerrors.KindQuota, "youtube api quota exhausted")
	case resp.StatusCode != http.StatusOK:
		return xerrors.Failf(xerrors.KindTransient, "youtube api status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.KindProtocol, fmt.Errorf("decoding youtube response: %w", err))
	}
	return nil
}

var isoDurationRe = regexp.MustCompile(`PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?`)

// parseISODuration converts the API's ISO-8601 durations (e.g. PT1M30S).
func parseISODuration(raw string) float64 {
	match := isoDurationRe.FindStringSubmatch(raw)
	if match == nil {
		return 0
	}
	h, _ := strconv.Atoi(match[1])
	m, _ := strconv.Atoi(match[2])
	sec, _ := strconv.Atoi(match[3])
	return float64(h*3600 + m*60 + sec)
}

// viralScore estimates view velocity weighted by engagement, clamped to [0,100).
func viralScore(views int64, publishedAt string, engagement float64) float64 {
	if publishedAt == "" {
		score := float64(views / 10000)
		if score > 99 {
			score = 99
		}
		return score
	}
	pub, err := time.Parse(time.RFC3339, publishedAt)
	if err != nil {
		return 0
	}
	hoursSince := time.Since(pub).Hours()
	if hoursSince < 1 {
		hoursSince = 1
	}
	velocity := float64(views) / hoursSince
	score := (velocity / 500) * (1 + engagement*20)
	if score < 1 {
		score = 1
	}
	if score > 99 {
		score = 99
	}
	return score
}
