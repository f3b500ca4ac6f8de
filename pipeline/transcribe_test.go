package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePlacement(t *testing.T) {
	// source text mostly at the bottom pushes captions to the top
	require.Equal(t, "top", resolvePlacement(1, 5))
	// text only in the top band leaves the bottom free
	require.Equal(t, "bottom", resolvePlacement(3, 0))
	// text everywhere falls back to the default
	require.Equal(t, "bottom", resolvePlacement(2, 2))
	// no detections at all defaults to the bottom
	require.Equal(t, "bottom", resolvePlacement(0, 0))
}

func TestParseWhisperJSON(t *testing.T) {
	raw := []byte(`{
		"transcription": [
			{"offsets": {"from": 0, "to": 480}, "text": " Never"},
			{"offsets": {"from": 480, "to": 900}, "text": " give"},
			{"offsets": {"from": 900, "to": 1400}, "text": " up"},
			{"offsets": {"from": 1400, "to": 1500}, "text": "  "}
		]
	}`)
	segments, err := parseWhisperJSON(raw)
	require.NoError(t, err)
	require.Len(t, segments, 3, "blank segments are dropped")
	require.Equal(t, "Never", segments[0].Text)
	require.Equal(t, 0.0, segments[0].Start)
	require.Equal(t, 0.48, segments[0].End)
	require.Equal(t, 0.9, segments[1].End)
}

func TestParseWhisperJSONMalformed(t *testing.T) {
	_, err := parseWhisperJSON([]byte("NOT-JSON"))
	require.Error(t, err)
}

func TestMergeFilters(t *testing.T) {
	merged := mergeFilters([]string{"f6", "f11"}, []string{"f6", "f8"})
	require.True(t, merged["f6"])
	require.True(t, merged["f8"])
	require.True(t, merged["f11"])
	require.False(t, merged["f12"])
}
