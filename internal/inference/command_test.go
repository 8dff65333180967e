package inference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests shell out to sh; the appended audio path lands in $0 and is ignored.

func TestCommandTranscriber(t *testing.T) {
	tr := NewCommandTranscriber(
		[]string{"sh", "-c", `echo '{"text": "hello there", "language": "en", "confidence": 0.91}'`},
		5*time.Second,
	)

	result, err := tr.Transcribe(context.Background(), "/tmp/clip.opus")
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Text)
	assert.Equal(t, "en", result.Language)
	assert.Equal(t, 0.91, result.Confidence)
}

func TestCommandTranscriberDefaultsLanguage(t *testing.T) {
	tr := NewCommandTranscriber(
		[]string{"sh", "-c", `echo '{"text": "hola", "confidence": 1.7}'`},
		5*time.Second,
	)

	result, err := tr.Transcribe(context.Background(), "/tmp/clip.opus")
	require.NoError(t, err)
	assert.Equal(t, "unknown", result.Language)
	assert.Equal(t, 1.0, result.Confidence, "confidence clamped to [0,1]")
}

func TestCommandTranscriberFailure(t *testing.T) {
	tr := NewCommandTranscriber(
		[]string{"sh", "-c", "echo 'model exploded' >&2; exit 3"},
		5*time.Second,
	)

	_, err := tr.Transcribe(context.Background(), "/tmp/clip.opus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model exploded")
}

func TestCommandTranscriberNotConfigured(t *testing.T) {
	tr := NewCommandTranscriber(nil, time.Second)
	_, err := tr.Transcribe(context.Background(), "/tmp/clip.opus")
	assert.Error(t, err)
}

func TestCommandClassifier(t *testing.T) {
	// cat echoes the transcript back, proving stdin wiring
	cl := NewCommandClassifier([]string{"cat"}, 5*time.Second)

	raw, err := cl.Classify(context.Background(), `{"flagged": true, "score": 0.8}`)
	require.NoError(t, err)
	assert.Equal(t, `{"flagged": true, "score": 0.8}`, raw)
}

func TestCommandClassifierTimeout(t *testing.T) {
	cl := NewCommandClassifier([]string{"sleep", "10"}, 100*time.Millisecond)

	_, err := cl.Classify(context.Background(), "text")
	assert.Error(t, err)
}
