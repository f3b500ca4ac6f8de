package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/psalmprax/ettametta/errors"
	"github.com/psalmprax/ettametta/log"
)

// Downloader fetches source videos for the transform pipeline. Platform pages
// go through yt-dlp; direct media URLs fall back to a plain HTTP GET.
type Downloader struct {
	tempDir    string
	ytdlpPath  string
	httpClient *http.Client
}

func NewDownloader(tempDir string) *Downloader {
	return &Downloader{
		tempDir:   tempDir,
		ytdlpPath: "yt-dlp",
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

func (d *Downloader) Download(ctx context.Context, jobID, sourceURL string) (string, error) {
	if err := os.MkdirAll(d.tempDir, 0755); err != nil {
		return "", err
	}
	outPath := filepath.Join(d.tempDir, "source_"+uuid.New().String()+".mp4")

	if isDirectMediaURL(sourceURL) {
		return outPath, d.downloadDirect(ctx, sourceURL, outPath)
	}

	err := d.downloadWithYtdlp(ctx, jobID, sourceURL, outPath)
	if err == nil {
		return outPath, nil
	}
	log.LogError(jobID, "yt-dlp download failed, trying direct fetch", err, "url", sourceURL)
	if directErr := d.downloadDirect(ctx, sourceURL, outPath); directErr != nil {
		return "", err // the yt-dlp error is the informative one
	}
	return outPath, nil
}

func (d *Downloader) downloadWithYtdlp(ctx context.Context, jobID, sourceURL, outPath string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.ytdlpPath,
		"-f", "mp4/bestvideo+bestaudio/best",
		"--merge-output-format", "mp4",
		"--no-playlist",
		"-o", outPath,
		sourceURL,
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return xerrors.Wrap(xerrors.KindCancelled, ctx.Err())
		}
		return xerrors.Failf(xerrors.KindTransient, "yt-dlp failed [%s]: %s", strings.TrimSpace(stderr.String()), err)
	}
	if _, err := os.Stat(outPath); err != nil {
		return xerrors.Failf(xerrors.KindFatal, "yt-dlp reported success but produced no file: %s", err)
	}
	return nil
}

func (d *Downloader) downloadDirect(ctx context.Context, sourceURL, outPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.KindValidation, err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.KindTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return xerrors.Failf(xerrors.KindTransient, "source fetch status %s", resp.Status)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(outPath)
		return fmt.Errorf("writing source video: %w", err)
	}
	return nil
}

func isDirectMediaURL(u string) bool {
	trimmed := strings.Split(u, "?")[0]
	for _, ext := range []string{".mp4", ".mov", ".webm", ".mkv"} {
		if strings.HasSuffix(trimmed, ext) {
			return true
		}
	}
	return false
}
