package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

func TestNormalizeInterests(t *testing.T) {
	got := NormalizeInterests([]string{" Music", "gaming", "", "MUSIC ", "  "})
	assert.Equal(t, []string{"music", "gaming"}, got)
	assert.Empty(t, NormalizeInterests(nil))
}

func TestQueueOrderAndRemoval(t *testing.T) {
	q := NewQueue()
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, q.Enqueue(newWaitingEntry(id, nil, models.ModeAudioVideo, now)))
	}
	assert.False(t, q.Enqueue(newWaitingEntry("b", nil, models.ModeTextOnly, now)))

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, q.Identities())
	assert.False(t, q.Contains("b"))
	assert.Equal(t, 2, q.Len())
}

func TestFindMatchSkipsSelf(t *testing.T) {
	q := NewQueue()
	q.Enqueue(newWaitingEntry("self", []string{"x"}, models.ModeAudioVideo, time.Now()))

	match, pruned := q.FindMatch("self", []string{"x"}, models.ModeAudioVideo, nil)
	assert.Nil(t, match)
	assert.Empty(t, pruned)
	assert.Equal(t, 1, q.Len())
}

func TestFindMatchPrunesEveryStaleEntry(t *testing.T) {
	q := NewQueue()
	now := time.Now()
	for _, id := range []string{"dead1", "live", "dead2", "dead3"} {
		q.Enqueue(newWaitingEntry(id, []string{"x"}, models.ModeAudioVideo, now))
	}
	live := func(id string) bool { return id == "live" }

	match, pruned := q.FindMatch("me", nil, models.ModeAudioVideo, live)
	require.NotNil(t, match)
	assert.Equal(t, "live", match.Identity)
	assert.Equal(t, []string{"dead1", "dead2", "dead3"}, pruned)
	assert.Zero(t, q.Len())
}
