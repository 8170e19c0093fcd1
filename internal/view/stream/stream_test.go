package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"chat-sync-demo/client/internal/models"
	"chat-sync-demo/client/internal/timeline"
	"chat-sync-demo/client/internal/transport"
	"chat-sync-demo/client/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestWritesOneLinePerCall(t *testing.T) {
	var buf bytes.Buffer
	v := New(&buf, logger.Discard())

	e := timeline.Entry{
		Key: "c1",
		Message: models.Message{
			CorrelationID: "c1",
			Username:      "ann",
			Content:       "hello",
			Timestamp:     models.NewTimestamp(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
		},
		Markup:   "<p>hello</p>",
		Rendered: true,
		Pending:  true,
		Local:    true,
	}
	v.Append(e)
	e.Message.ID, e.Pending = 42, false
	v.Update(e)
	v.Banner(timeline.LevelError, "Could not load history")
	v.SetOnlineCount(0)
	v.SetConnection(transport.DegradedPolling)
	v.SetOnlineUsers([]models.OnlineUser{{Username: "ann", Badge: "mod"}})

	recs := records(t, &buf)
	require.Len(t, recs, 6)

	assert.Equal(t, "append", recs[0]["op"])
	assert.Equal(t, "c1", recs[0]["client_id"])
	assert.Equal(t, true, recs[0]["pending"])
	assert.Equal(t, "user", recs[0]["type"])
	assert.Equal(t, "2024-05-01T10:00:00Z", recs[0]["timestamp"])

	assert.Equal(t, "update", recs[1]["op"])
	assert.Equal(t, "c1", recs[1]["key"])
	assert.EqualValues(t, 42, recs[1]["id"])
	assert.NotContains(t, recs[1], "pending")

	assert.Equal(t, "error", recs[2]["level"])
	assert.EqualValues(t, 0, recs[3]["count"])
	assert.Equal(t, "degraded_polling", recs[4]["state"])
	users, ok := recs[5]["users"].([]any)
	require.True(t, ok)
	assert.Len(t, users, 1)
}
