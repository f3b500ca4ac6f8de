package publishers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "github.com/psalmprax/ettametta/errors"
	"github.com/psalmprax/ettametta/metrics"
)

const youtubeUploadURL = "https://www.googleapis.com/upload/youtube/v3/videos"

// YouTubePublisher uses the Data API's resumable upload: one session-open
// POST followed by a single PUT of the whole file.
type YouTubePublisher struct {
	tokens     TokenSource
	uploadURL  string
	httpClient *http.Client
}

func NewYouTubePublisher(tokens TokenSource) *YouTubePublisher {
	return &YouTubePublisher{
		tokens:     tokens,
		uploadURL:  youtubeUploadURL,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *YouTubePublisher) Platform() string { return "YouTube Shorts" }

func (p *YouTubePublisher) Upload(ctx context.Context, path string, metadata PostMetadata, accountID string) (string, error) {
	token, err := freshToken(ctx, p.tokens, p.Platform(), accountID)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindValidation, err)
	}

	sessionURL, err := p.openSession(ctx, token.AccessToken, metadata, int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening upload session: %w", err)
	}

	var videoID string
	operation := func() error {
		token, err := freshToken(ctx, p.tokens, p.Platform(), accountID)
		if err != nil {
			return backoff.Permanent(err)
		}
		videoID, err = p.putVideo(ctx, sessionURL, token.AccessToken, data)
		if err != nil && xerrors.IsUnretriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(chunkRetryBackoff(), ctx)); err != nil {
		return "", err
	}

	metrics.Metrics.PublishedPosts.WithLabelValues(p.Platform()).Inc()
	return "https://youtube.com/shorts/" + videoID, nil
}

func (p *YouTubePublisher) openSession(ctx context.Context, accessToken string, metadata PostMetadata, size int64) (string, error) {
	title := metadata.Title
	if len(title) > 100 {
		title = title[:100]
	}
	description := metadata.Description + "\n\n#shorts " + strings.Join(metadata.Hashtags, " ")

	body, err := json.Marshal(map[string]interface{}{
		"snippet": map[string]interface{}{
			"title":       title,
			"description": description,
			"categoryId":  "22",
		},
		"status": map[string]interface{}{
			"privacyStatus":           "public",
			"selfDeclaredMadeForKids": false,
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.uploadURL+"?uploadType=resumable&part=snippet,status", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", "video/mp4")
	req.Header.Set("X-Upload-Content-Length", fmt.Sprintf("%d", size))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		metrics.Metrics.PublisherClient.FailureCount.WithLabelValues("youtube", "session").Inc()
		return "", xerrors.Wrap(xerrors.KindTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", xerrors.Failf(xerrors.KindAuth, "session rejected: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return "", xerrors.Failf(xerrors.KindTransient, "session status %s", resp.Status)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", xerrors.Failf(xerrors.KindProtocol, "session response missing Location header")
	}
	return location, nil
}

func (p *YouTubePublisher) putVideo(ctx context.Context, sessionURL, accessToken string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "video/mp4")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		metrics.Metrics.PublisherClient.FailureCount.WithLabelValues("youtube", "upload").Inc()
		return "", xerrors.Wrap(xerrors.KindTransient, err)
	}
	defer resp.Body.Close()
	metrics.Metrics.PublisherClient.RequestDuration.WithLabelValues("youtube", "upload").Observe(time.Since(start).Seconds())

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", xerrors.Failf(xerrors.KindAuth, "upload rejected: %s", resp.Status)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		metrics.Metrics.PublisherClient.FailureCount.WithLabelValues("youtube", "upload").Inc()
		return "", xerrors.Failf(xerrors.KindTransient, "upload status %s", resp.Status)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", xerrors.Wrap(xerrors.KindProtocol, fmt.Errorf("decoding upload response: %w", err))
	}
	if out.ID == "" {
		return "", xerrors.Failf(xerrors.KindProtocol, "upload response missing video id")
	}
	return out.ID, nil
}
