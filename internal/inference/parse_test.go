package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClassifierOutputWellFormed(t *testing.T) {
	result := ParseClassifierOutput(`{"flagged": true, "score": 0.87, "category": "harassment"}`)
	require.True(t, result.Valid)
	assert.True(t, result.Classification.Flagged)
	assert.Equal(t, 0.87, result.Classification.Score)
	require.NotNil(t, result.Classification.Category)
	assert.Equal(t, "harassment", *result.Classification.Category)
}

// Missing keys default to {false, 0.0, null}; a lone flagged:true still
// flags the clip.
func TestParseClassifierOutputMissingKeys(t *testing.T) {
	result := ParseClassifierOutput(`{"flagged": true}`)
	require.True(t, result.Valid)
	assert.True(t, result.Classification.Flagged)
	assert.Equal(t, 0.0, result.Classification.Score)
	assert.Nil(t, result.Classification.Category)

	result = ParseClassifierOutput(`{}`)
	require.True(t, result.Valid)
	assert.False(t, result.Classification.Flagged)
	assert.Equal(t, 0.0, result.Classification.Score)
	assert.Nil(t, result.Classification.Category)
}

// The repair pass extracts the first {...} from prose-wrapped output.
func TestParseClassifierOutputRepairPass(t *testing.T) {
	raw := "Sure, here is the result:\n```json\n{\"flagged\": false, \"score\": 0.12}\n```"
	result := ParseClassifierOutput(raw)
	require.True(t, result.Valid)
	assert.False(t, result.Classification.Flagged)
	assert.Equal(t, 0.12, result.Classification.Score)
}

// Output that is invalid JSON even after the repair pass is a terminal
// classification failure carrying the raw text.
func TestParseClassifierOutputInvalidAfterRepair(t *testing.T) {
	raw := `{"flagged": true, score: 0.9}` // unquoted key
	result := ParseClassifierOutput(raw)
	assert.False(t, result.Valid)
	assert.Equal(t, raw, result.Raw)
}

func TestParseClassifierOutputNotAnObject(t *testing.T) {
	for _, raw := range []string{"", "1", "null", "flagged", "[1,2]"} {
		result := ParseClassifierOutput(raw)
		assert.False(t, result.Valid, "input %q must not parse", raw)
	}
}

func TestParseClassifierOutputClampsScore(t *testing.T) {
	result := ParseClassifierOutput(`{"flagged": false, "score": 3.5}`)
	require.True(t, result.Valid)
	assert.Equal(t, 1.0, result.Classification.Score)

	result = ParseClassifierOutput(`{"flagged": false, "score": -0.5}`)
	require.True(t, result.Valid)
	assert.Equal(t, 0.0, result.Classification.Score)
}

func TestParseClassifierOutputEmptyCategory(t *testing.T) {
	result := ParseClassifierOutput(`{"flagged": true, "score": 1, "category": ""}`)
	require.True(t, result.Valid)
	assert.Nil(t, result.Classification.Category, "empty category normalises to null")
}
