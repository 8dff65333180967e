package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitExtensions(t *testing.T) {
	assert.Equal(t, []string{".mp3"}, splitExtensions(".mp3"))
	assert.Equal(t, []string{".mp3", ".wav"}, splitExtensions("mp3, WAV"))
	assert.Equal(t, []string{".flac"}, splitExtensions(" .FLAC , , "))
	assert.Nil(t, splitExtensions(""))
}

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("SOUNDLINE_TEST_KEY", "set")
	assert.Equal(t, "set", getEnvWithDefault("SOUNDLINE_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", getEnvWithDefault("SOUNDLINE_TEST_MISSING", "fallback"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("SOUNDLINE_TEST_INT", "12")
	assert.Equal(t, 12, getEnvInt("SOUNDLINE_TEST_INT", 5))

	t.Setenv("SOUNDLINE_TEST_INT", "not a number")
	assert.Equal(t, 5, getEnvInt("SOUNDLINE_TEST_INT", 5))

	assert.Equal(t, 5, getEnvInt("SOUNDLINE_TEST_INT_MISSING", 5))
}
