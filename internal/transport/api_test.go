package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chat-sync-demo/client/pkg/errors"
	"chat-sync-demo/client/pkg/logger"
	"chat-sync-demo/client/pkg/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, handler http.HandlerFunc, opts APIOptions) *API {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL
	return NewAPI(opts, logger.Discard())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestHistoryRequestShape(t *testing.T) {
	header := http.Header{}
	header.Set(HeaderUsername, "ann")

	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/chat/r1/history", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "0", r.URL.Query().Get("offset"))
		assert.Equal(t, "ann", r.Header.Get(HeaderUsername))

		writeJSON(w, http.StatusOK, map[string]any{
			"messages": []map[string]any{
				{"id": 1, "content": "first", "timestamp": "2024-05-01T10:00:00", "user_id": 7, "username": "ann"},
				{"id": 2, "content": "second", "timestamp": "2024-05-01T10:00:05", "user_id": 8, "username": "bob"},
			},
		})
	}, APIOptions{Header: header})

	msgs, err := api.History(context.Background(), "r1", 0, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].ID)
	assert.Equal(t, "bob", msgs[1].Username)
	assert.Equal(t, 2024, msgs[0].Timestamp.Year())
}

func TestSendPostsJSON(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/send", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var p SendPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, SendPayload{RoomID: "r1", Message: "hello"}, p)

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": map[string]any{"id": 42, "content": "hello"},
		})
	}, APIOptions{})

	res, err := api.Send(context.Background(), "r1", "hello")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Message)
	assert.Equal(t, int64(42), res.Message.ID)
}

func TestSendRejected(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false})
	}, APIOptions{})

	res, err := api.Send(context.Background(), "r1", "hello")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.True(t, errors.HasCode(err, errors.CodeSendFailed))
}

func TestNon2xxBecomesAppError(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   map[string]any{"code": "INVALID_REQUEST", "message": "limit out of range"},
		})
	}, APIOptions{})

	_, err := api.History(context.Background(), "r1", 0, 500)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, errors.GetStatusCode(err))
	assert.Equal(t, errors.CodeHistoryFailed, errors.GetErrorCode(err))
	assert.Equal(t, "limit out of range", errors.GetErrorMessage(err))
	assert.Equal(t, resilience.StateClosed, api.BreakerState())
}

func TestOnlineCount(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/online_count", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]int{"count": 12})
	}, APIOptions{})

	n, err := api.OnlineCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}

func TestServerFaultsOpenBreaker(t *testing.T) {
	var hits atomic.Int32
	var changes []resilience.State
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "overloaded"})
	}, APIOptions{
		BreakerFailures: 2,
		BreakerRetry:    time.Hour,
		OnBreakerChange: func(_, to resilience.State) { changes = append(changes, to) },
	})

	for i := 0; i < 2; i++ {
		_, err := api.History(context.Background(), "r1", 0, 50)
		require.Error(t, err)
		assert.Equal(t, "overloaded", errors.GetErrorMessage(err))
	}

	_, err := api.History(context.Background(), "r1", 0, 50)
	assert.ErrorIs(t, err, resilience.ErrOpen)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, resilience.StateOpen, api.BreakerState())
	assert.Equal(t, []resilience.State{resilience.StateOpen}, changes)
}

func TestCancelledContextSkipsRequest(t *testing.T) {
	var hits atomic.Int32
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}, APIOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := api.OnlineCount(ctx)
	require.Error(t, err)
	assert.Zero(t, hits.Load())
}

var _ Fallback = (*API)(nil)
