package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRankIndicesBareArray(t *testing.T) {
	indices, err := parseRankIndices("[4, 0, 2, 1, 3]")
	require.NoError(t, err)
	require.Equal(t, []int{4, 0, 2, 1, 3}, indices)
}

func TestParseRankIndicesWrappedObject(t *testing.T) {
	indices, err := parseRankIndices(`{"indices": [1, 0]}`)
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, indices)

	indices, err = parseRankIndices(`{"priority_order": [2, 1, 0]}`)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1, 0}, indices)
}

func TestParseRankIndicesWithPreamble(t *testing.T) {
	indices, err := parseRankIndices("Here is the ranking: [1, 0, 2]")
	require.NoError(t, err)
	require.Equal(t, []int{1, 0, 2}, indices)
}

func TestParseRankIndicesMalformed(t *testing.T) {
	_, err := parseRankIndices("NOT-JSON")
	require.Error(t, err)

	_, err = parseRankIndices(`{"explanation": "no array here"}`)
	require.Error(t, err)
}
