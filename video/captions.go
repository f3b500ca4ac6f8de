package video

import (
	"fmt"
	"os"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/psalmprax/ettametta/strategy"
)

// CaptionPlacement is where rendered captions go, decided by the OCR scan of
// the source.
type CaptionPlacement string

const (
	PlacementTop    CaptionPlacement = "top"
	PlacementCenter CaptionPlacement = "center"
	PlacementBottom CaptionPlacement = "bottom"
)

// relative y position per placement
func (p CaptionPlacement) RelativeY() float64 {
	switch p {
	case PlacementTop:
		return 0.15
	case PlacementCenter:
		return 0.5
	default:
		return 0.8
	}
}

const captionFontSize = 72

// CaptionColor picks the caption color for a vibe.
func CaptionColor(vibe strategy.Vibe) string {
	switch vibe {
	case strategy.VibeDramatic:
		return "#FFFFFF"
	case strategy.VibeEnergetic:
		return "#00FF00"
	default:
		return "#FFE100"
	}
}

// fallback font locations, checked in order
var fontFallbacks = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf",
	"/usr/share/fonts/DejaVuSans-Bold.ttf",
	"/usr/share/fonts/liberation/LiberationSans-Bold.ttf",
	"/usr/local/share/fonts/DejaVuSans-Bold.ttf",
	"/System/Library/Fonts/Helvetica.ttc",
}

// ResolveFont returns the configured font if it exists, otherwise the first
// present fallback. An empty return disables captions.
func ResolveFont(configured string) string {
	candidates := append([]string{configured}, fontFallbacks...)
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// DrawCaptions renders each transcript word as a timed drawtext. Words whose
// start exceeds the clip duration (because of hook trimming) are dropped.
func DrawCaptions(s *ffmpeg.Stream, p *OpParams, transcript []strategy.TranscriptSegment, placement CaptionPlacement, fontPath string) *ffmpeg.Stream {
	if fontPath == "" || len(transcript) == 0 {
		return s
	}
	color := CaptionColor(p.Strategy.Vibe)
	y := fmt.Sprintf("h*%.2f", placement.RelativeY())

	for _, seg := range transcript {
		if seg.Start > p.Duration {
			continue
		}
		end := seg.End
		if end > p.Duration {
			end = p.Duration
		}
		s = s.Filter("drawtext", ffmpeg.Args{}, ffmpeg.KwArgs{
			"fontfile":    fontPath,
			"text":        escapeDrawtext(seg.Text),
			"fontsize":    fmt.Sprintf("%d", captionFontSize),
			"fontcolor":   color,
			"borderw":     "2.5",
			"bordercolor": "black",
			"x":           "(w-text_w)/2",
			"y":           y,
			"enable":      fmt.Sprintf("between(t,%.3f,%.3f)", seg.Start, end),
		})
	}
	return s
}

// drawtext treats these characters specially
var drawtextEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`:`, `\:`,
	`%`, `\%`,
)

func escapeDrawtext(text string) string {
	return drawtextEscaper.Replace(text)
}
