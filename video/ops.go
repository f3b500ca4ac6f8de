package video

import (
	"fmt"
	"math/rand"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/psalmprax/ettametta/strategy"
)

// FilterIDs in their fixed application order. The aggregate of base transform
// plus these makes the output perceptually distinct from the source.
var FilterOrder = []string{"f6", "f8", "f7", "f9", "f10", "f11", "f12"}

// OpParams carries everything a clip op may draw on. Rand is the only source
// of randomness: seeding it makes a full pipeline run reproducible.
type OpParams struct {
	Rand     *rand.Rand
	Strategy strategy.Strategy
	Width    int
	Height   int
	Duration float64
}

// An Op is a pure clip→clip function over the ffmpeg filter graph.
type Op func(s *ffmpeg.Stream, p *OpParams) *ffmpeg.Stream

var filterOps = map[string]Op{
	"f6":  SpeedRamp,
	"f7":  CinematicOverlay,
	"f8":  Jitter,
	"f9":  Glow,
	"f10": FilmGrain,
	"f11": Grayscale,
	"f12": Glitch,
}

// OpFor resolves a filter ID to its op.
func OpFor(id string) (Op, bool) {
	op, ok := filterOps[id]
	return op, ok
}

// BaseTransform is the horizontal mirror plus uniform 1.05x zoom that changes
// the perceptual hash. Applied to every job regardless of enabled filters.
func BaseTransform(s *ffmpeg.Stream, p *OpParams) *ffmpeg.Stream {
	s = s.Filter("hflip", ffmpeg.Args{})
	s = s.Filter("scale", ffmpeg.Args{"iw*1.05", "ih*1.05"})
	return s.Filter("crop", ffmpeg.Args{
		fmt.Sprintf("%d", p.Width),
		fmt.Sprintf("%d", p.Height),
	})
}

// SpeedRamp (f6) retimes the video by a uniform pick from the strategy range.
// Audio is untouched here; the mux stage reattaches the original track.
func SpeedRamp(s *ffmpeg.Stream, p *OpParams) *ffmpeg.Stream {
	lo, hi := p.Strategy.SpeedRange[0], p.Strategy.SpeedRange[1]
	if lo == 0 && hi == 0 {
		lo, hi = 0.95, 1.05
	}
	speed := lo + p.Rand.Float64()*(hi-lo)
	p.Duration = p.Duration / speed
	return s.Filter("setpts", ffmpeg.Args{fmt.Sprintf("PTS/%.4f", speed)})
}

// Jitter (f8) simulates handheld motion with per-frame offsets inside a
// slightly zoomed frame so edges never show.
func Jitter(s *ffmpeg.Stream, p *OpParams) *ffmpeg.Stream {
	intensity := p.Strategy.JitterIntensity
	zoom := 1.04 + 0.01*intensity
	amp := intensity
	seed := p.Rand.Intn(1000)
	s = s.Filter("scale", ffmpeg.Args{fmt.Sprintf("iw*%.4f", zoom), fmt.Sprintf("ih*%.4f", zoom)})
	return s.Filter("crop", ffmpeg.Args{
		fmt.Sprintf("%d", p.Width),
		fmt.Sprintf("%d", p.Height),
		fmt.Sprintf("(iw-%d)/2+%.2f*(random(%d)-0.5)*2", p.Width, amp, seed),
		fmt.Sprintf("(ih-%d)/2+%.2f*(random(%d)-0.5)*2", p.Height, amp, seed+1),
	})
}

// CinematicOverlay (f7) lays a single warm rectangle over the clip for 0.6s
// at a random start, 8% peak opacity with 0.2s fades on both edges.
func CinematicOverlay(s *ffmpeg.Stream, p *OpParams) *ffmpeg.Stream {
	maxStart := p.Duration - 1.0
	if maxStart < 0 {
		maxStart = 0
	}
	start := p.Rand.Float64() * maxStart
	end := start + 0.6

	leak := colorPlane("0xFFD2A0", p.Width, p.Height).
		Filter("geq", ffmpeg.Args{}, ffmpeg.KwArgs{
			"r": "r(X,Y)",
			"g": "g(X,Y)",
			"b": "b(X,Y)",
			"a": fadeAlpha(0.08, start, end, 0.2),
		})
	return ffmpeg.Filter([]*ffmpeg.Stream{s, leak}, "overlay", ffmpeg.Args{}, ffmpeg.KwArgs{
		"shortest": "1",
	})
}

// Glow (f9) lifts luminance and contrast, then screens 30% of the result
// over itself.
func Glow(s *ffmpeg.Stream, p *OpParams) *ffmpeg.Stream {
	split := s.Filter("split", ffmpeg.Args{})
	base := split.Get("0")
	halo := split.Get("1").Filter("eq", ffmpeg.Args{}, ffmpeg.KwArgs{
		"brightness": "0.02",
		"contrast":   "1.1",
	})
	return ffmpeg.Filter([]*ffmpeg.Stream{base, halo}, "blend", ffmpeg.Args{}, ffmpeg.KwArgs{
		"all_mode":    "screen",
		"all_opacity": "0.3",
	})
}

// FilmGrain (f10) adds temporal noise for analog texture.
func FilmGrain(s *ffmpeg.Stream, p *OpParams) *ffmpeg.Stream {
	seed := p.Rand.Intn(100000)
	return s.Filter("noise", ffmpeg.Args{}, ffmpeg.KwArgs{
		"all_seed": fmt.Sprintf("%d", seed),
		"alls":     "8",
		"allf":     "t",
	})
}

// Grayscale (f11) desaturates completely for the noir look.
func Grayscale(s *ffmpeg.Stream, p *OpParams) *ffmpeg.Stream {
	return s.Filter("hue", ffmpeg.Args{}, ffmpeg.KwArgs{"s": "0"})
}

// Glitch (f12) multiplies all channels by a random factor in [0.9,1.1] and
// rescales by 1.01x.
func Glitch(s *ffmpeg.Stream, p *OpParams) *ffmpeg.Stream {
	factor := 0.9 + p.Rand.Float64()*0.2
	s = s.Filter("colorchannelmixer", ffmpeg.Args{}, ffmpeg.KwArgs{
		"rr": fmt.Sprintf("%.3f", factor),
		"gg": fmt.Sprintf("%.3f", factor),
		"bb": fmt.Sprintf("%.3f", factor),
	})
	s = s.Filter("scale", ffmpeg.Args{"iw*1.01", "ih*1.01"})
	return s.Filter("crop", ffmpeg.Args{
		fmt.Sprintf("%d", p.Width),
		fmt.Sprintf("%d", p.Height),
	})
}

// PatternInterrupts flashes white for 0.15s every 3s starting at t=2, 12%
// peak opacity with 0.05s cross-fades in and out of every flash.
func PatternInterrupts(s *ffmpeg.Stream, p *OpParams) *ffmpeg.Stream {
	flash := colorPlane("white", p.Width, p.Height).
		Filter("geq", ffmpeg.Args{}, ffmpeg.KwArgs{
			"r": "255",
			"g": "255",
			"b": "255",
			// periodic trapezoid over the 0.15s window inside every 3s cycle
			"a": "255*0.12*gte(T,2)*clip(min(mod(T-2,3)/0.05,(0.15-mod(T-2,3))/0.05),0,1)",
		})
	return ffmpeg.Filter([]*ffmpeg.Stream{s, flash}, "overlay", ffmpeg.Args{}, ffmpeg.KwArgs{
		"shortest": "1",
	})
}

// colorPlane is a full-frame lavfi color source in rgba, the base for the
// faded overlays.
func colorPlane(color string, width, height int) *ffmpeg.Stream {
	return ffmpeg.Input(
		fmt.Sprintf("color=c=%s:s=%dx%d:r=30", color, width, height),
		ffmpeg.KwArgs{"f": "lavfi"},
	).Filter("format", ffmpeg.Args{"rgba"})
}

// fadeAlpha builds a geq alpha expression: zero outside [start,end], ramping
// linearly over fade seconds on each edge up to the peak opacity.
func fadeAlpha(peak, start, end, fade float64) string {
	return fmt.Sprintf("255*%.2f*clip(min((T-%.3f)/%.3f,(%.3f-T)/%.3f),0,1)",
		peak, start, fade, end, fade)
}

// TrimToHooks cuts the clip to the strategy's hook ranges with a 0.5s tail
// pad each, concatenated in order. Empty hooks leave the clip untouched.
func TrimToHooks(s *ffmpeg.Stream, p *OpParams) *ffmpeg.Stream {
	hooks := ClampHooks(p.Strategy.HookPoints, p.Duration)
	if len(hooks) == 0 {
		return s
	}

	var segments []*ffmpeg.Stream
	var total float64
	split := s.Filter("split", ffmpeg.Args{fmt.Sprintf("%d", len(hooks))})
	for i, hook := range hooks {
		seg := split.Get(fmt.Sprintf("%d", i)).
			Filter("trim", ffmpeg.Args{}, ffmpeg.KwArgs{
				"start": fmt.Sprintf("%.3f", hook[0]),
				"end":   fmt.Sprintf("%.3f", hook[1]),
			}).
			Filter("setpts", ffmpeg.Args{"PTS-STARTPTS"})
		segments = append(segments, seg)
		total += hook[1] - hook[0]
	}
	p.Duration = total
	if len(segments) == 1 {
		return segments[0]
	}
	return ffmpeg.Filter(segments, "concat", ffmpeg.Args{}, ffmpeg.KwArgs{
		"n": fmt.Sprintf("%d", len(segments)),
		"v": "1",
		"a": "0",
	})
}

// ClampHooks applies the 0.5s tail pad, caps each hook at the clip end and
// drops empty ranges, so every hook that survives maps to a real sub-clip.
func ClampHooks(hooks [][2]float64, duration float64) [][2]float64 {
	var valid [][2]float64
	for _, hook := range hooks {
		start, end := hook[0], hook[1]+0.5
		if end > duration {
			end = duration
		}
		if start >= end {
			continue
		}
		valid = append(valid, [2]float64{start, end})
	}
	return valid
}

// OverlayBRoll places the fetched stock clip over the main clip for up to 3s
// starting at a uniform-random point in the first half.
func OverlayBRoll(main, broll *ffmpeg.Stream, p *OpParams) *ffmpeg.Stream {
	half := p.Duration / 2
	if half < 2.0 {
		half = 2.0
	}
	start := 2.0 + p.Rand.Float64()*(half-2.0)

	scaled := broll.
		Filter("scale", ffmpeg.Args{fmt.Sprintf("%d", p.Width), "-2"}).
		Filter("setpts", ffmpeg.Args{fmt.Sprintf("PTS-STARTPTS+%.3f/TB", start)})
	return ffmpeg.Filter([]*ffmpeg.Stream{main, scaled}, "overlay", ffmpeg.Args{}, ffmpeg.KwArgs{
		"x":      "(W-w)/2",
		"y":      "(H-h)/2",
		"enable": fmt.Sprintf("between(t,%.3f,%.3f)", start, start+3.0),
		"eof_action": "pass",
	})
}
