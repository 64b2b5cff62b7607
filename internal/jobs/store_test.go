package jobs

import (
	"testing"
	"time"

	"github.com/andresuchdata/videodub/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLifecycle(t *testing.T) {
	s := NewStore()
	id := NewID()
	require.Len(t, id, 36)

	j := s.Create(id, "clip.mp4", domain.JobOptions{Language: "pt-BR"})
	assert.Equal(t, domain.StatusStarted, j.Status)
	assert.Zero(t, j.Progress)

	j, err := s.Apply(id, Update{Status: domain.StatusProcessing, Progress: 30, Message: "Transcribing vocal track..."})
	require.NoError(t, err)
	assert.Equal(t, 30, j.Progress)

	j, err = s.Apply(id, Update{Progress: 15})
	require.NoError(t, err)
	assert.Equal(t, 30, j.Progress, "progress never regresses")

	_, err = s.Apply(id, Update{Status: domain.StatusCompleted, Progress: 100, ResultFile: "outputs/x/y.mp4"})
	require.NoError(t, err)

	j, err = s.Apply(id, Update{Status: domain.StatusError, Error: "late failure"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, j.Status, "terminal jobs stay terminal")
	assert.Empty(t, j.Error)
}

func TestStoreUnknownJob(t *testing.T) {
	s := NewStore()
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = s.Apply("missing", Update{Progress: 5})
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.False(t, s.Delete("missing"))
}

func TestStoreListNewestFirst(t *testing.T) {
	s := NewStore()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	s.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}
	s.Create("a", "a.mp4", domain.JobOptions{})
	s.Create("b", "b.mp4", domain.JobOptions{})

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.True(t, s.Delete("a"))
	assert.Len(t, s.List(), 1)
}
