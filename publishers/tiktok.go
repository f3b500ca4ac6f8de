package publishers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/psalmprax/ettametta/config"
	xerrors "github.com/psalmprax/ettametta/errors"
	"github.com/psalmprax/ettametta/log"
	"github.com/psalmprax/ettametta/metrics"
)

const tiktokInitURL = "https://open.tiktokapis.com/v2/post/publish/video/init/"

// TikTokPublisher drives the Video Kit chunked-upload machine:
// Idle → InitRequested → UploadSession → ChunkN → Finalize → Published.
type TikTokPublisher struct {
	tokens     TokenSource
	initURL    string
	httpClient *http.Client
	chunkSize  int64
}

func NewTikTokPublisher(tokens TokenSource) *TikTokPublisher {
	return &TikTokPublisher{
		tokens:     tokens,
		initURL:    tiktokInitURL,
		httpClient: &http.Client{Timeout: config.PublishChunkTimeout},
		chunkSize:  config.UploadChunkSize,
	}
}

func (p *TikTokPublisher) Platform() string { return "TikTok" }

type tiktokInitRequest struct {
	PostInfo struct {
		Title                  string `json:"title"`
		PrivacyLevel           string `json:"privacy_level"`
		DisableDuet            bool   `json:"disable_duet"`
		DisableComment         bool   `json:"disable_comment"`
		DisableStitch          bool   `json:"disable_stitch"`
		VideoCoverTimestampMs  int    `json:"video_cover_timestamp_ms"`
	} `json:"post_info"`
	SourceInfo struct {
		Source          string `json:"source"`
		VideoSize       int64  `json:"video_size"`
		ChunkSize       int64  `json:"chunk_size"`
		TotalChunkCount int64  `json:"total_chunk_count"`
	} `json:"source_info"`
}

type tiktokInitResponse struct {
	Data struct {
		UploadURL string `json:"upload_url"`
		PublishID string `json:"publish_id"`
	} `json:"data"`
}

func (p *TikTokPublisher) Upload(ctx context.Context, path string, metadata PostMetadata, accountID string) (string, error) {
	token, err := freshToken(ctx, p.tokens, p.Platform(), accountID)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindValidation, err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return "", err
	}
	fileSize := stat.Size()
	totalChunks := (fileSize + p.chunkSize - 1) / p.chunkSize

	// Init
	session, err := p.initUpload(ctx, token.AccessToken, metadata, fileSize, totalChunks)
	if err != nil {
		return "", fmt.Errorf("init: %w", err)
	}
	log.LogNoJobID("tiktok upload session opened", "publish_id", session.Data.PublishID, "chunks", totalChunks)

	// Chunk loop; every chunk is exactly chunkSize bytes except the last
	buf := make([]byte, p.chunkSize)
	for i := int64(0); i < totalChunks; i++ {
		start := i * p.chunkSize
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return "", xerrors.Failf(xerrors.KindFatal, "reading chunk %d: %s", i, err)
		}
		chunk := buf[:n]
		end := start + int64(n) - 1

		if err := p.putChunk(ctx, session.Data.UploadURL, accountID, chunk, start, end, fileSize); err != nil {
			return "", fmt.Errorf("chunk %d/%d: %w", i+1, totalChunks, err)
		}
	}

	// Finalize: the publish URL derives from publish_id and the account's
	// open id
	url := fmt.Sprintf("https://www.tiktok.com/@%s/video/%s", token.AccountHandle, session.Data.PublishID)
	metrics.Metrics.PublishedPosts.WithLabelValues(p.Platform()).Inc()
	return url, nil
}

func (p *TikTokPublisher) initUpload(ctx context.Context, accessToken string, metadata PostMetadata, fileSize, totalChunks int64) (*tiktokInitResponse, error) {
	var payload tiktokInitRequest
	title := metadata.Title
	if len(title) > 150 {
		title = title[:150]
	}
	payload.PostInfo.Title = title
	payload.PostInfo.PrivacyLevel = "SELF_ONLY"
	payload.PostInfo.VideoCoverTimestampMs = 1000
	payload.SourceInfo.Source = "FILE_UPLOAD"
	payload.SourceInfo.VideoSize = fileSize
	payload.SourceInfo.ChunkSize = p.chunkSize
	payload.SourceInfo.TotalChunkCount = totalChunks

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.initURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		metrics.Metrics.PublisherClient.FailureCount.WithLabelValues("tiktok", "init").Inc()
		return nil, xerrors.Wrap(xerrors.KindTransient, err)
	}
	defer resp.Body.Close()
	metrics.Metrics.PublisherClient.RequestDuration.WithLabelValues("tiktok", "init").Observe(time.Since(start).Seconds())

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, xerrors.Failf(xerrors.KindAuth, "init rejected: %s", resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, xerrors.Failf(xerrors.KindQuota, "init rate limited")
	case resp.StatusCode != http.StatusOK:
		metrics.Metrics.PublisherClient.FailureCount.WithLabelValues("tiktok", "init").Inc()
		return nil, xerrors.Failf(xerrors.KindTransient, "init status %s", resp.Status)
	}

	var out tiktokInitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, xerrors.Wrap(xerrors.KindProtocol, fmt.Errorf("decoding init response: %w", err))
	}
	if out.Data.UploadURL == "" || out.Data.PublishID == "" {
		return nil, xerrors.Failf(xerrors.KindProtocol, "init response missing upload session")
	}
	return &out, nil
}

// putChunk PUTs one chunk with its Content-Range, retrying transient
// failures with exponential backoff. A token refresh before a retry never
// consumes a retry slot.
func (p *TikTokPublisher) putChunk(ctx context.Context, uploadURL, accountID string, chunk []byte, start, end, total int64) error {
	operation := func() error {
		if _, err := freshToken(ctx, p.tokens, p.Platform(), accountID); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "video/mp4")
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))

		t := time.Now()
		resp, err := p.httpClient.Do(req)
		if err != nil {
			metrics.Metrics.PublisherClient.FailureCount.WithLabelValues("tiktok", "chunk").Inc()
			return xerrors.Wrap(xerrors.KindTransient, err)
		}
		defer resp.Body.Close()
		metrics.Metrics.PublisherClient.RequestDuration.WithLabelValues("tiktok", "chunk").Observe(time.Since(t).Seconds())

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(xerrors.Failf(xerrors.KindAuth, "chunk rejected: %s", resp.Status))
		default:
			metrics.Metrics.PublisherClient.FailureCount.WithLabelValues("tiktok", "chunk").Inc()
			return xerrors.Failf(xerrors.KindTransient, "chunk status %s", resp.Status)
		}
	}
	return backoff.Retry(operation, backoff.WithContext(chunkRetryBackoff(), ctx))
}
