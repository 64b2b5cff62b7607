package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanPath(t *testing.T) {
	valid := map[string]string{
		"uploads/j1/video.mp4":   "uploads/j1/video.mp4",
		"/outputs/j1/final.mp4":  "outputs/j1/final.mp4",
		"artifacts//j1/./a.json": "artifacts/j1/a.json",
		"temp/":                  "temp",
	}
	for in, want := range valid {
		got, err := CleanPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", "  ", "/", ".", "..", "uploads/../x", `a\b`} {
		_, err := CleanPath(in)
		assert.ErrorIs(t, err, ErrInvalidPath, in)
	}
}

func TestJobPath(t *testing.T) {
	assert.Equal(t, "artifacts/j1/json/transcript.json", JobPath(PrefixArtifacts, "j1", "json", "transcript.json"))
	assert.Equal(t, "processing/j1", JobPath(PrefixProcessing, "j1"))
}

func TestIsRetentionExempt(t *testing.T) {
	for _, p := range []string{"uploads/", "outputs/j1/final.mp4", "/artifacts/j1", "artifacts"} {
		assert.True(t, IsRetentionExempt(p), p)
	}
	for _, p := range []string{"temp/", "processing/j1", "uploadsx/"} {
		assert.False(t, IsRetentionExempt(p), p)
	}
}

func TestMergeLifecycleRule(t *testing.T) {
	rules, changed := mergeLifecycleRule(nil, "temp/", 7)
	require.True(t, changed)
	assert.Equal(t, []LifecycleRule{{Prefix: "temp/", AgeDays: 7}}, rules)

	rules, changed = mergeLifecycleRule(rules, "processing/", 3)
	require.True(t, changed)
	assert.Equal(t, []LifecycleRule{{Prefix: "processing/", AgeDays: 3}, {Prefix: "temp/", AgeDays: 7}}, rules)

	// The first rule for a prefix stands, whether the new age is shorter or longer.
	for _, age := range []int{1, 30} {
		same, changed := mergeLifecycleRule(rules, "temp/", age)
		assert.False(t, changed)
		assert.Equal(t, rules, same)
	}
}
