package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestState(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAgentIDIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "state.db")
	first := openTestState(t, path)
	id := first.AgentID()
	require.NotEmpty(t, id)
	require.NoError(t, first.Close())

	second := openTestState(t, path)
	assert.Equal(t, id, second.AgentID())
}

func TestAcceptedTypes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s := openTestState(t, path)

	assert.True(t, s.Accepts("anything"))
	assert.Empty(t, s.Digest())

	require.NoError(t, s.SetAcceptedTypes(ctx, []string{"cpu", " memory ", "", "cpu"}))
	assert.Equal(t, []string{"cpu", "memory"}, s.AcceptedTypes())
	assert.True(t, s.Accepts("cpu"))
	assert.False(t, s.Accepts("disk"))
	digest := s.Digest()
	assert.Len(t, digest, 64)
	require.NoError(t, s.Close())

	reopened := openTestState(t, path)
	assert.Equal(t, []string{"cpu", "memory"}, reopened.AcceptedTypes())
	assert.Equal(t, digest, reopened.Digest())

	require.NoError(t, reopened.SetAcceptedTypes(ctx, nil))
	assert.True(t, reopened.Accepts("disk"))
	assert.Empty(t, reopened.Digest())
}

func TestIntervals(t *testing.T) {
	ctx := context.Background()
	s := openTestState(t, filepath.Join(t.TempDir(), "state.db"))

	_, _, ok, err := s.Intervals(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveIntervals(ctx, 5*time.Second, 10*time.Minute))
	urgent, regular, ok, err := s.Intervals(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, urgent)
	assert.Equal(t, 10*time.Minute, regular)
}

func TestAttemptHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestState(t, filepath.Join(t.TempDir(), "state.db"))
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordAttempt(ctx, Attempt{
			StartedAt:    start.Add(time.Duration(i) * time.Minute),
			FinishedAt:   start.Add(time.Duration(i)*time.Minute + time.Second),
			Reason:       "regular",
			Outcome:      "success",
			Sent:         i,
			AckedThrough: uint64(i * 10),
		}))
	}

	got, err := s.RecentAttempts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(20), got[0].AckedThrough)
	assert.Equal(t, 2, got[0].Sent)
	assert.True(t, got[0].StartedAt.Equal(start.Add(2*time.Minute)))
	assert.Equal(t, "regular", got[1].Reason)
}
