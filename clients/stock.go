package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/psalmprax/ettametta/config"
	xerrors "github.com/psalmprax/ettametta/errors"
	"github.com/psalmprax/ettametta/log"
	"github.com/psalmprax/ettametta/metrics"
)

const pexelsAPIBase = "https://api.pexels.com/videos"

// StockClient fetches B-roll footage from the Pexels video API. A nil client
// (no API key) means B-roll is skipped, never an error.
type StockClient struct {
	apiKey     string
	baseURL    string
	tempDir    string
	httpClient *http.Client
}

func NewStockClient(secrets config.SecretResolver, tempDir string) *StockClient {
	apiKey := secrets.Resolve(config.SecretPexelsAPIKey)
	if apiKey == "" {
		return nil
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 1 * time.Second
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	return &StockClient{
		apiKey:     apiKey,
		baseURL:    pexelsAPIBase,
		tempDir:    tempDir,
		httpClient: client.StandardClient(),
	}
}

type pexelsSearchResponse struct {
	Videos []struct {
		VideoFiles []struct {
			Quality  string `json:"quality"`
			FileType string `json:"file_type"`
			Link     string `json:"link"`
		} `json:"video_files"`
	} `json:"videos"`
}

// FetchBRoll searches for up to count portrait clips matching the keyword,
// falling back to landscape when portrait turns up nothing.
func (c *StockClient) FetchBRoll(ctx context.Context, keyword string, count int) ([]string, error) {
	videos, err := c.search(ctx, keyword, "portrait")
	if err != nil {
		return nil, err
	}
	if len(videos.Videos) == 0 {
		videos, err = c.search(ctx, keyword, "landscape")
		if err != nil {
			return nil, err
		}
	}

	var links []string
	for _, video := range videos.Videos {
		if len(links) >= count {
			break
		}
		best := ""
		for _, f := range video.VideoFiles {
			if f.FileType != "video/mp4" {
				continue
			}
			if f.Quality == "hd" {
				best = f.Link
				break
			}
			if best == "" {
				best = f.Link
			}
		}
		if best != "" {
			links = append(links, best)
		}
	}
	return links, nil
}

func (c *StockClient) search(ctx context.Context, keyword, orientation string) (*pexelsSearchResponse, error) {
	params := url.Values{}
	params.Set("query", keyword)
	params.Set("per_page", "5")
	params.Set("orientation", orientation)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.Metrics.StockClient.FailureCount.WithLabelValues("pexels", "search").Inc()
		return nil, xerrors.Wrap(xerrors.KindTransient, err)
	}
	defer resp.Body.Close()
	metrics.Metrics.StockClient.RequestDuration.WithLabelValues("pexels", "search").Observe(time.Since(start).Seconds())

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, xerrors.Failf(xerrors.KindQuota, "pexels rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		metrics.Metrics.StockClient.FailureCount.WithLabelValues("pexels", "search").Inc()
		return nil, xerrors.Failf(xerrors.KindTransient, "pexels search status %s", resp.Status)
	}

	var out pexelsSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, xerrors.Wrap(xerrors.KindProtocol, fmt.Errorf("decoding pexels response: %w", err))
	}
	return &out, nil
}

// Download writes the stock video to the temp directory and returns the path.
func (c *StockClient) Download(ctx context.Context, link string) (string, error) {
	if err := os.MkdirAll(c.tempDir, 0755); err != nil {
		return "", err
	}
	name := filepath.Base(strings.Split(link, "?")[0])
	if !strings.HasSuffix(name, ".mp4") {
		name = uuid.New().String() + ".mp4"
	}
	path := filepath.Join(c.tempDir, "stock_"+name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.Failf(xerrors.KindTransient, "stock download status %s", resp.Status)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing stock video: %w", err)
	}
	log.LogNoJobID("downloaded stock footage", "link", link, "path", path)
	return path, nil
}
