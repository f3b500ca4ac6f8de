package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/xeipuuv/gojsonschema"

	"github.com/psalmprax/ettametta/log"
)

// TextCompleter is the narrow LLM surface the planner needs.
type TextCompleter interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// the model's reply must match this shape exactly; anything else falls back
const strategySchemaDefinition = `{
	"type": "object",
	"properties": {
		"speed_range": {
			"type": "array", "items": {"type": "number"}, "minItems": 2, "maxItems": 2
		},
		"jitter_intensity": {"type": "number", "minimum": 0, "maximum": 5},
		"recommended_filters": {
			"type": "array", "items": {"type": "string", "pattern": "^f(6|7|8|9|10|11|12)$"}
		},
		"hook_points": {
			"type": "array",
			"items": {"type": "array", "items": {"type": "number"}, "minItems": 2, "maxItems": 2}
		},
		"b_roll_keywords": {"type": "array", "items": {"type": "string"}},
		"vibe": {"type": "string", "enum": ["Neutral", "Energetic", "Calm", "Educational", "Dramatic"]},
		"explanation": {"type": "string"}
	},
	"required": ["speed_range", "jitter_intensity", "vibe"]
}`

var strategySchema = func() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(strategySchemaDefinition))
	if err != nil {
		panic(err) // fix schema text
	}
	return schema
}()

const plannerSystem = "You are a professional short-form video editor. Output strict JSON matching the requested shape, nothing else."

// Planner produces the Strategy for one transform run.
type Planner struct {
	completer TextCompleter
}

func NewPlanner(completer TextCompleter) *Planner {
	return &Planner{completer: completer}
}

// Plan invokes the LLM in strict-JSON mode. On any failure it returns the
// style preset if one matches, otherwise the default strategy; planning
// never fails a job.
func (p *Planner) Plan(ctx context.Context, transcript []TranscriptSegment, niche, style string, visualInsights map[string]interface{}) Strategy {
	planned, err := p.plan(ctx, transcript, niche, style, visualInsights)
	if err == nil {
		return planned
	}
	log.LogNoJobID("strategy planning fell back", "niche", niche, "style", style, "err", err.Error())
	if preset, ok := PresetFor(style); ok {
		return preset
	}
	return Default()
}

func (p *Planner) plan(ctx context.Context, transcript []TranscriptSegment, niche, style string, visualInsights map[string]interface{}) (Strategy, error) {
	if p.completer == nil {
		return Strategy{}, fmt.Errorf("no LLM configured")
	}

	var text strings.Builder
	for _, seg := range transcript {
		text.WriteString(seg.Text)
		text.WriteString(" ")
	}
	fullText := text.String()
	if len(fullText) > 2000 {
		fullText = fullText[:2000]
	}

	insights := ""
	if len(visualInsights) > 0 {
		if encoded, err := json.Marshal(visualInsights); err == nil {
			insights = "\nVISUAL INSIGHTS: " + string(encoded)
		}
	}

	prompt := fmt.Sprintf(`Decide the visual strategy for remixing this video.

NICHE: %s
STYLE HINT: %s
TRANSCRIPT: %q%s

DECISION CRITERIA:
1. SPEED: high energy needs 1.02-1.1x ramping, relaxed needs 0.95-1.0x.
2. JITTER: intense/action content 2.0-3.0, calm 0.0-0.5.
3. FILTERS: f6 speed ramp, f7 cinematic overlay, f8 jitter, f9 glow, f10 film grain, f11 grayscale, f12 glitch.
4. HOOK POINTS: [start,end] second ranges of the transcript with the highest retention potential; empty to keep the full clip.
5. B-ROLL: keywords for stock footage that reinforces the message.

Reply with JSON only:
{"speed_range": [min, max], "jitter_intensity": 1.0, "recommended_filters": ["f6"], "hook_points": [[0.0, 8.5]], "b_roll_keywords": ["city"], "vibe": "Energetic", "explanation": "..."}`,
		niche, style, fullText, insights)

	reply, err := p.completer.Complete(ctx, plannerSystem, prompt)
	if err != nil {
		return Strategy{}, err
	}
	return decodeStrategy(reply)
}

func decodeStrategy(reply string) (Strategy, error) {
	reply = stripFences(reply)

	result, err := strategySchema.Validate(gojsonschema.NewStringLoader(reply))
	if err != nil {
		return Strategy{}, fmt.Errorf("strategy reply is not JSON: %w", err)
	}
	if !result.Valid() {
		return Strategy{}, fmt.Errorf("strategy reply failed schema: %v", result.Errors())
	}

	var loose map[string]interface{}
	if err := json.Unmarshal([]byte(reply), &loose); err != nil {
		return Strategy{}, err
	}
	var s Strategy
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &s,
	})
	if err != nil {
		return Strategy{}, fmt.Errorf("strategy decoder setup failed: %w", err)
	}
	if err := decoder.Decode(loose); err != nil {
		return Strategy{}, fmt.Errorf("strategy reply has wrong shape: %w", err)
	}
	if s.SpeedRange[0] > s.SpeedRange[1] {
		s.SpeedRange[0], s.SpeedRange[1] = s.SpeedRange[1], s.SpeedRange[0]
	}
	if !s.Vibe.IsValid() {
		s.Vibe = VibeNeutral
	}
	return s, nil
}

// stripFences removes the markdown code fences models wrap JSON in.
func stripFences(reply string) string {
	reply = strings.TrimSpace(reply)
	if strings.Contains(reply, "```") {
		parts := strings.SplitN(reply, "```", 3)
		if len(parts) >= 2 {
			reply = strings.TrimPrefix(parts[1], "json")
		}
	}
	return strings.TrimSpace(reply)
}
