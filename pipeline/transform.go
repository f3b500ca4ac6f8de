package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	xerrors "github.com/psalmprax/ettametta/errors"
	"github.com/psalmprax/ettametta/log"
	"github.com/psalmprax/ettametta/strategy"
	"github.com/psalmprax/ettametta/video"
)

// SourceDownloader fetches the source video to local disk.
type SourceDownloader interface {
	Download(ctx context.Context, jobID, sourceURL string) (string, error)
}

// StrategyPlanner produces the visual strategy; it never fails, only falls
// back.
type StrategyPlanner interface {
	Plan(ctx context.Context, transcript []strategy.TranscriptSegment, niche, style string, visualInsights map[string]interface{}) strategy.Strategy
}

// StockFetcher supplies B-roll footage. A nil fetcher skips B-roll.
type StockFetcher interface {
	FetchBRoll(ctx context.Context, keyword string, count int) ([]string, error)
	Download(ctx context.Context, link string) (string, error)
}

// Transform is the production pipeline handler: it downloads the source,
// derives the strategy, assembles the ffmpeg graph in the fixed stage order
// and encodes the output.
type Transform struct {
	Downloader  SourceDownloader
	Prober      video.Prober
	Transcriber Transcriber
	OCR         OCRScanner
	Planner     StrategyPlanner
	Stock       StockFetcher

	OutputsDir string
	FontPath   string
	UseGPU     bool
}

func (t *Transform) Name() string { return "originalize" }

func (t *Transform) HandleTransformJob(job *JobInfo) (*HandlerOutput, error) {
	ctx := job.Context()

	seed := job.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	log.AddContext(job.JobID, "seed", seed)

	// 0. Download
	job.ReportProgress("Downloading", 10)
	localPath, err := t.Downloader.Download(ctx, job.JobID, job.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("downloading source: %w", err)
	}
	job.SourceLocalPath = localPath
	defer os.Remove(localPath)

	iv, err := t.Prober.ProbeFile(ctx, localPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindValidation, fmt.Errorf("probing source: %w", err))
	}

	// 1. Transcribe
	job.ReportProgress("Transcribing", 20)
	transcript, err := t.Transcriber.Transcribe(ctx, localPath)
	if err != nil {
		log.LogError(job.JobID, "transcription failed, continuing without captions", err)
		transcript = nil
	}
	job.Transcript = transcript

	// 2. OCR scan for caption placement
	placementStr, err := t.OCR.CaptionPlacement(ctx, localPath)
	if err != nil {
		log.LogError(job.JobID, "ocr scan failed, defaulting caption placement", err)
		placementStr = "bottom"
	}
	placement := video.CaptionPlacement(placementStr)

	// Strategy binds the rest of the run
	job.ReportProgress("Planning", 30)
	strat := t.Planner.Plan(ctx, transcript, job.Niche, job.Style, nil)
	job.Strategy = strat
	log.Log(job.JobID, "visual strategy resolved",
		"vibe", string(strat.Vibe), "filters", fmt.Sprintf("%v", strat.RecommendedFilters),
		"hooks", len(strat.HookPoints), "caption_placement", placementStr)

	// 3.5 B-roll fetch, never fatal
	var brollPath string
	if t.Stock != nil && len(strat.BRollKeywords) > 0 {
		brollPath = t.fetchBRoll(ctx, job.JobID, rng, strat.BRollKeywords)
		if brollPath != "" {
			defer os.Remove(brollPath)
		}
	}

	job.ReportProgress("Rendering", 40)
	outPath := filepath.Join(t.OutputsDir, uuid.New().String()+".mp4")
	if err := os.MkdirAll(t.OutputsDir, 0755); err != nil {
		return nil, err
	}

	if err := t.render(job, rng, iv, strat, transcript, placement, localPath, brollPath, outPath); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		os.Remove(outPath)
		return nil, xerrors.Wrap(xerrors.KindCancelled, ctx.Err())
	}

	job.ReportProgress("Rendered", 90)
	abs, err := filepath.Abs(outPath)
	if err != nil {
		abs = outPath
	}
	return &HandlerOutput{OutputPath: abs, OutputRef: abs}, nil
}

// render assembles the graph in the fixed stage order: trim → b-roll →
// base transform → filters (f6,f8,f7,f9,f10,f11,f12) → interrupts →
// captions → mux original audio → encode.
func (t *Transform) render(job *JobInfo, rng *rand.Rand, iv video.InputVideo, strat strategy.Strategy,
	transcript []strategy.TranscriptSegment, placement video.CaptionPlacement, localPath, brollPath, outPath string) error {

	p := &video.OpParams{
		Rand:     rng,
		Strategy: strat,
		Width:    iv.Width,
		Height:   iv.Height,
		Duration: iv.Duration,
	}

	input := ffmpeg.Input(localPath)
	v := input.Video()

	// 3. Semantic trim
	v = video.TrimToHooks(v, p)
	trimmedDuration := p.Duration

	// 3.5 B-roll overlay sits above the trimmed clip
	if brollPath != "" {
		broll := ffmpeg.Input(brollPath).Video()
		v = video.OverlayBRoll(v, broll, p)
	}

	// 4. Base transform
	v = video.BaseTransform(v, p)

	// 5. Optional filters in fixed application order
	enabled := mergeFilters(job.EnabledFilters, strat.RecommendedFilters)
	for _, id := range video.FilterOrder {
		if !enabled[id] {
			continue
		}
		op, ok := video.OpFor(id)
		if !ok {
			continue
		}
		v = op(v, p)
	}

	// 6. Pattern interrupts
	v = video.PatternInterrupts(v, p)

	// 7. Captions; drop segments past the trimmed duration
	p.Duration = trimmedDuration
	fontPath := video.ResolveFont(t.FontPath)
	v = video.DrawCaptions(v, p, transcript, placement, fontPath)

	// 8. Mux: reattach the pre-transform clip's audio
	var audio *ffmpeg.Stream
	if iv.HasAudio {
		audio = audioForHooks(ffmpeg.Input(localPath).Audio(), strat.HookPoints, iv.Duration)
	}

	// 9. Encode with the GPU→software→reduced-fps ladder
	return video.Encode(job.JobID, v, audio, outPath, video.EncodeOptions{UseGPU: t.UseGPU})
}

func (t *Transform) fetchBRoll(ctx context.Context, jobID string, rng *rand.Rand, keywords []string) string {
	keyword := keywords[rng.Intn(len(keywords))]
	links, err := t.Stock.FetchBRoll(ctx, keyword, 3)
	if err != nil || len(links) == 0 {
		log.LogNoJobID("b-roll fetch skipped", "job_id", jobID, "keyword", keyword)
		return ""
	}
	path, err := t.Stock.Download(ctx, links[rng.Intn(len(links))])
	if err != nil {
		log.LogError(jobID, "b-roll download failed, overlay skipped", err, "keyword", keyword)
		return ""
	}
	return path
}

// audioForHooks trims the original audio track to the same hook ranges the
// video was cut to, so mux stays in sync.
func audioForHooks(audio *ffmpeg.Stream, hookPoints [][2]float64, duration float64) *ffmpeg.Stream {
	hooks := video.ClampHooks(hookPoints, duration)
	if len(hooks) == 0 {
		return audio
	}
	var segments []*ffmpeg.Stream
	split := audio.Filter("asplit", ffmpeg.Args{fmt.Sprintf("%d", len(hooks))})
	for i, hook := range hooks {
		seg := split.Get(fmt.Sprintf("%d", i)).
			Filter("atrim", ffmpeg.Args{}, ffmpeg.KwArgs{
				"start": fmt.Sprintf("%.3f", hook[0]),
				"end":   fmt.Sprintf("%.3f", hook[1]),
			}).
			Filter("asetpts", ffmpeg.Args{"PTS-STARTPTS"})
		segments = append(segments, seg)
	}
	if len(segments) == 1 {
		return segments[0]
	}
	return ffmpeg.Filter(segments, "concat", ffmpeg.Args{}, ffmpeg.KwArgs{
		"n": fmt.Sprintf("%d", len(segments)),
		"v": "0",
		"a": "1",
	})
}

func mergeFilters(enabled, recommended []string) map[string]bool {
	merged := map[string]bool{}
	for _, id := range enabled {
		merged[id] = true
	}
	for _, id := range recommended {
		merged[id] = true
	}
	return merged
}
