// Package strategy turns a transcript, niche and style into the visual plan
// the transform pipeline executes.
package strategy

// Vibe steers caption color and pacing decisions downstream.
type Vibe string

const (
	VibeNeutral     Vibe = "Neutral"
	VibeEnergetic   Vibe = "Energetic"
	VibeCalm        Vibe = "Calm"
	VibeEducational Vibe = "Educational"
	VibeDramatic    Vibe = "Dramatic"
)

func (v Vibe) IsValid() bool {
	switch v {
	case VibeNeutral, VibeEnergetic, VibeCalm, VibeEducational, VibeDramatic:
		return true
	}
	return false
}

// Strategy is the plan for a single transformation run.
type Strategy struct {
	SpeedRange         [2]float64  `json:"speed_range"`
	JitterIntensity    float64     `json:"jitter_intensity"`
	RecommendedFilters []string    `json:"recommended_filters"`
	HookPoints         [][2]float64 `json:"hook_points"`
	BRollKeywords      []string    `json:"b_roll_keywords"`
	Vibe               Vibe        `json:"vibe"`
	Explanation        string      `json:"explanation"`
}

// Default is the strategy used whenever planning fails or no LLM is
// configured: near-neutral speed, no filters, no trims.
func Default() Strategy {
	return Strategy{
		SpeedRange:      [2]float64{0.98, 1.02},
		JitterIntensity: 1.0,
		Vibe:            VibeNeutral,
	}
}

// TranscriptSegment is one word-timed slice of the source audio.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Style presets are hard-coded fallbacks. They override LLM output only when
// the LLM fails and the caller asked for a specific style.
var stylePresets = map[string]Strategy{
	"Cinematic": {
		SpeedRange:         [2]float64{0.97, 1.0},
		JitterIntensity:    0.3,
		RecommendedFilters: []string{"f7", "f9"},
		Vibe:               VibeDramatic,
		Explanation:        "Cinematic preset: warm overlays and glow at near-native speed.",
	},
	"ASMR/Calm": {
		SpeedRange:         [2]float64{0.95, 0.98},
		JitterIntensity:    0.0,
		RecommendedFilters: []string{"f9"},
		Vibe:               VibeCalm,
		Explanation:        "Calm preset: slight slowdown, soft glow, no motion.",
	},
	"Glitch/High-Art": {
		SpeedRange:         [2]float64{1.0, 1.08},
		JitterIntensity:    2.5,
		RecommendedFilters: []string{"f6", "f8", "f12"},
		Vibe:               VibeEnergetic,
		Explanation:        "Glitch preset: ramped speed, heavy jitter, color glitching.",
	},
	"Noir/Classic": {
		SpeedRange:         [2]float64{0.97, 1.0},
		JitterIntensity:    0.2,
		RecommendedFilters: []string{"f10", "f11"},
		Vibe:               VibeDramatic,
		Explanation:        "Noir preset: grayscale with film grain.",
	},
}

// PresetFor returns the hard-coded strategy for a style name.
func PresetFor(style string) (Strategy, bool) {
	s, ok := stylePresets[style]
	return s, ok
}
