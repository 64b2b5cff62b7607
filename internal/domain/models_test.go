package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaults = JobOptions{Language: "pt-BR", SeparationModel: "htdemucs", Mode: ModePreserveMusic, VocalBalance: 0.8}

func TestJobOptionsValidateFillsDefaults(t *testing.T) {
	o := JobOptions{VocalBalance: 0.5}
	require.NoError(t, o.Validate(defaults))
	assert.Equal(t, "pt-BR", o.Language)
	assert.Equal(t, "pt-BR-Chirp3-HD-Zephyr", o.Voice)
	assert.Equal(t, "htdemucs", o.SeparationModel)
	assert.Equal(t, ModePreserveMusic, o.Mode)
}

func TestJobOptionsValidateNormalizes(t *testing.T) {
	o := JobOptions{Language: "ja-jp", Voice: "Puck", Mode: ModeReplaceAll}
	require.NoError(t, o.Validate(defaults))
	assert.Equal(t, "ja-JP", o.Language)
	assert.Equal(t, "ja-JP-Chirp3-HD-Puck", o.Voice)

	o = JobOptions{Language: "en-US", Voice: "en-US-Chirp3-HD-Kore"}
	require.NoError(t, o.Validate(defaults))
	assert.Equal(t, "en-US-Chirp3-HD-Kore", o.Voice)

	o = JobOptions{Language: "en-US", Voice: "Robot"}
	require.NoError(t, o.Validate(defaults))
	assert.Equal(t, "en-US-Chirp3-HD-Zephyr", o.Voice)
}

func TestJobOptionsValidateRejects(t *testing.T) {
	tests := []JobOptions{
		{Language: "xx-??"},
		{Language: "sv-SE"},
		{SeparationModel: "spleeter"},
		{Mode: "karaoke"},
		{VocalBalance: 1.5},
		{VocalBalance: -0.1},
	}
	for _, o := range tests {
		assert.Error(t, o.Validate(defaults), "%+v", o)
	}
}

func TestAllowedVideo(t *testing.T) {
	assert.True(t, AllowedVideo("clip.MP4"))
	assert.True(t, AllowedVideo("clip.mov"))
	assert.False(t, AllowedVideo("clip.avi"))
	assert.False(t, AllowedVideo("mp4"))
}

func TestParseJobStatus(t *testing.T) {
	s, ok := ParseJobStatus(" Completed ")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, s)
	assert.True(t, s.Terminal())
	assert.Equal(t, "Failed", JobStatusLabel(StatusError))

	_, ok = ParseJobStatus("paused")
	assert.False(t, ok)
}

func TestVoicesAndSortedKeys(t *testing.T) {
	v := Voices("fr-FR")
	assert.Len(t, v, 6)
	assert.Contains(t, v, "fr-FR-Chirp3-HD-Aoede")
	assert.Equal(t, []string{"htdemucs", "mdx", "mdx_extra"}, SortedKeys(SeparationModels))
}
