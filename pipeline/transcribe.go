package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/psalmprax/ettametta/log"
	"github.com/psalmprax/ettametta/strategy"
)

// Transcriber produces word-timed segments from the source audio. Local and
// synchronous from the job's perspective.
type Transcriber interface {
	Transcribe(ctx context.Context, videoPath string) ([]strategy.TranscriptSegment, error)
}

// WhisperTranscriber shells out to whisper-cli for word-level timestamps. A
// missing binary degrades to an empty transcript: captions are skipped, the
// job continues.
type WhisperTranscriber struct {
	BinaryPath string
	Model      string
	TempDir    string
}

func NewWhisperTranscriber(tempDir string) *WhisperTranscriber {
	return &WhisperTranscriber{
		BinaryPath: "whisper-cli",
		Model:      "base.en",
		TempDir:    tempDir,
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, videoPath string) ([]strategy.TranscriptSegment, error) {
	if _, err := exec.LookPath(w.BinaryPath); err != nil {
		log.LogNoJobID("transcriber binary not found, captions disabled", "binary", w.BinaryPath)
		return nil, nil
	}

	outBase := filepath.Join(w.TempDir, "transcript_"+filepath.Base(videoPath))
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, w.BinaryPath,
		"-m", w.Model,
		"-f", videoPath,
		"-ojf", // word-timed JSON
		"-of", outBase,
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("whisper failed [%s]: %w", strings.TrimSpace(stderr.String()), err)
	}
	defer os.Remove(outBase + ".json")

	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return parseWhisperJSON(raw)
}

// whisper-cli's full JSON output, reduced to what we consume
type whisperOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseWhisperJSON(raw []byte) ([]strategy.TranscriptSegment, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding transcript JSON: %w", err)
	}
	segments := make([]strategy.TranscriptSegment, 0, len(out.Transcription))
	for _, t := range out.Transcription {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		segments = append(segments, strategy.TranscriptSegment{
			Start: float64(t.Offsets.From) / 1000.0,
			End:   float64(t.Offsets.To) / 1000.0,
			Text:  text,
		})
	}
	return segments, nil
}

// OCRScanner decides caption placement from the source's existing on-screen
// text.
type OCRScanner interface {
	CaptionPlacement(ctx context.Context, videoPath string) (string, error)
}

// TesseractOCR samples one frame every ~30 frames via ffmpeg, runs tesseract
// TSV on each, and buckets detections by vertical position.
type TesseractOCR struct {
	TesseractPath string
	FFmpegPath    string
	TempDir       string
}

func NewTesseractOCR(tempDir string) *TesseractOCR {
	return &TesseractOCR{
		TesseractPath: "tesseract",
		FFmpegPath:    "ffmpeg",
		TempDir:       tempDir,
	}
}

func (t *TesseractOCR) CaptionPlacement(ctx context.Context, videoPath string) (string, error) {
	if _, err := exec.LookPath(t.TesseractPath); err != nil {
		log.LogNoJobID("tesseract not found, defaulting caption placement", "binary", t.TesseractPath)
		return "bottom", nil
	}

	frameDir, err := os.MkdirTemp(t.TempDir, "ocr-frames-*")
	if err != nil {
		return "bottom", err
	}
	defer os.RemoveAll(frameDir)

	// one frame every 30 source frames
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.FFmpegPath,
		"-i", videoPath,
		"-vf", "select=not(mod(n\\,30))",
		"-vsync", "vfr",
		"-frames:v", "10",
		filepath.Join(frameDir, "frame_%03d.png"),
	)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "bottom", fmt.Errorf("frame sampling failed [%s]: %w", strings.TrimSpace(stderr.String()), err)
	}

	frames, err := filepath.Glob(filepath.Join(frameDir, "frame_*.png"))
	if err != nil || len(frames) == 0 {
		return "bottom", nil
	}

	var bottomCount, topCount int
	for _, frame := range frames {
		top, bottom := t.scanFrame(ctx, frame)
		topCount += top
		bottomCount += bottom
	}
	return resolvePlacement(topCount, bottomCount), nil
}

// scanFrame returns detection counts in the top-40% and bottom-40% bands.
func (t *TesseractOCR) scanFrame(ctx context.Context, framePath string) (top, bottom int) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, t.TesseractPath, framePath, "stdout", "tsv")
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, 0
	}

	lines := strings.Split(stdout.String(), "\n")
	if len(lines) < 2 {
		return 0, 0
	}
	var frameHeight float64
	for _, line := range lines[1:] {
		cols := strings.Split(line, "\t")
		// level page block para line word left top width height conf text
		if len(cols) < 12 {
			continue
		}
		level, _ := strconv.Atoi(cols[0])
		if level == 1 {
			frameHeight, _ = strconv.ParseFloat(cols[9], 64)
			continue
		}
		if level != 5 || frameHeight == 0 {
			continue
		}
		conf, _ := strconv.ParseFloat(cols[10], 64)
		if conf < 30 || strings.TrimSpace(cols[11]) == "" {
			continue
		}
		y, _ := strconv.ParseFloat(cols[7], 64)
		h, _ := strconv.ParseFloat(cols[9], 64)
		centerY := (y + h/2) / frameHeight
		if centerY > 0.6 {
			bottom++
		} else if centerY < 0.4 {
			top++
		}
	}
	return top, bottom
}

// resolvePlacement avoids covering the source's own text: text mostly at the
// bottom pushes our captions to the top; text only at the top leaves the
// bottom free; anything else defaults to the bottom.
func resolvePlacement(topCount, bottomCount int) string {
	switch {
	case bottomCount > topCount:
		return "top"
	case topCount > 0 && bottomCount == 0:
		return "bottom"
	default:
		return "bottom"
	}
}
