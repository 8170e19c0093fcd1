package devserver

import (
	"testing"
	"time"

	"chat-sync-demo/client/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ids(msgs []models.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func fill(t *testing.T, s Store, room string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Append(models.Message{
			RoomID:    room,
			AuthorID:  7,
			Username:  "alice",
			Content:   "message",
			Timestamp: models.NewTimestamp(t0.Add(time.Duration(i) * time.Second)),
		})
		require.NoError(t, err)
	}
}

func stores(t *testing.T) map[string]Store {
	ps, err := OpenPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"pebble": ps,
	}
}

func TestHistoryPagesNewestFirstReturnsOldestFirst(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fill(t, s, "1", 5)

			got, err := s.History("1", 0, 3)
			require.NoError(t, err)
			assert.Equal(t, []int64{3, 4, 5}, ids(got))

			got, err = s.History("1", 2, 2)
			require.NoError(t, err)
			assert.Equal(t, []int64{2, 3}, ids(got))

			got, err = s.History("1", 10, 5)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fill(t, s, "a", 2)
			fill(t, s, "a/b", 1)
			fill(t, s, "ab", 1)

			got, err := s.History("a", 0, 10)
			require.NoError(t, err)
			assert.Equal(t, []int64{1, 2}, ids(got))

			got, err = s.History("a/b", 0, 10)
			require.NoError(t, err)
			assert.Equal(t, []int64{3}, ids(got))
		})
	}
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPebbleStore(dir)
	require.NoError(t, err)
	fill(t, s, "1", 2)
	require.NoError(t, s.Close())

	s, err = OpenPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close()

	msg, err := s.Append(models.Message{RoomID: "1", Content: "after restart"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), msg.ID)

	got, err := s.History("1", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "alice", got[0].Username)
	assert.True(t, got[0].Timestamp.Equal(t0))
	assert.Equal(t, "after restart", got[2].Content)
}
