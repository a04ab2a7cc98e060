package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/auth"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(testutil.TestLogger(t), srv.URL+"/api", auth.StaticToken("test-token"), srv.Client(), 0)
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	logger := testutil.TestLogger(t)

	c, err := NewClient(logger, "http://localhost:8000/api", auth.StaticToken("tok"), nil, 5)
	assert.NoError(t, err)
	assert.NotNil(t, c.http, "expected default http client")
	assert.NotNil(t, c.limiter, "expected limiter when rps > 0")

	c, err = NewClient(logger, "http://localhost:8000/api", auth.StaticToken("tok"), nil, 0)
	assert.NoError(t, err)
	assert.Nil(t, c.limiter, "expected no limiter when rps is 0")

	_, err = NewClient(logger, "http://localhost:8000/api", nil, nil, 0)
	assert.Error(t, err, "expected error for nil token source")

	_, err = NewClient(logger, ":bad-url", auth.StaticToken("tok"), nil, 0)
	assert.Error(t, err, "expected error for invalid url")
}

func TestListConversations(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"), "expected bearer credential")
		writeJson(w, http.StatusOK, []types.ConversationSummary{
			{Id: "c1", CustomerId: "u1", Business: types.Business{Id: "b1", Name: "Bakery"}, LastMessageAt: &at, UnreadCount: 2},
			{Id: "c2", CustomerId: "u1", Business: types.Business{Id: "b2", Name: "Florist"}},
		})
	})

	c := newTestClient(t, mux)
	conversations, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, "c1", conversations[0].Id)
	assert.Equal(t, "Bakery", conversations[0].Business.Name)
	assert.Equal(t, 2, conversations[0].UnreadCount)
	assert.True(t, at.Equal(*conversations[0].LastMessageAt))
	assert.Nil(t, conversations[1].LastMessageAt)
}

func TestCreateConversation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		var req CreateConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJson(w, http.StatusBadRequest, nil)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		writeJson(w, http.StatusCreated, types.ConversationSummary{
			Id:       "c9",
			Business: types.Business{Id: req.BusinessId},
		})
	})

	c := newTestClient(t, mux)
	conversation, err := c.CreateConversation(context.Background(), "b7")
	require.NoError(t, err)
	assert.Equal(t, "c9", conversation.Id)
	assert.Equal(t, "b7", conversation.Business.Id)
}

func TestGetMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c1", r.PathValue("id"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		writeJson(w, http.StatusOK, types.MessagePage{
			Messages: []types.Message{{Id: "m1", ConversationId: "c1", SenderId: "u2", Text: "hi"}},
			Total:    21,
		})
	})

	c := newTestClient(t, mux)
	page, err := c.GetMessages(context.Background(), "c1", 2, 20)
	require.NoError(t, err)
	assert.Equal(t, 21, page.Total)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hi", page.Messages[0].Text)
}

func TestMarkRead(t *testing.T) {
	tcases := []struct {
		name     string
		status   int
		body     any
		err      bool
		conflict bool
	}{
		{name: "no content", status: http.StatusNoContent, err: false},
		{name: "ok with body", status: http.StatusOK, body: map[string]bool{"success": true}, err: false},
		{name: "conflict", status: http.StatusConflict, body: map[string]string{"message": "already read"}, err: true, conflict: true},
		{name: "server error", status: http.StatusInternalServerError, err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
				writeJson(w, tc.status, tc.body)
			})

			c := newTestClient(t, mux)
			err := c.MarkRead(context.Background(), "c1")
			if !tc.err {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, tc.conflict, IsConflict(err))

			var re *RequestError
			require.True(t, errors.As(err, &re), "expected a RequestError")
			assert.Equal(t, tc.status, re.StatusCode)
		})
	}
}

func TestRequestErrorMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusNotFound, map[string]any{"status_code": 404, "message": "no such user"})
	})

	c := newTestClient(t, mux)
	_, err := c.ListConversations(context.Background())
	require.Error(t, err)
	assert.Equal(t, "no such user", err.Error())
	assert.False(t, IsRetryable(err), "expected 404 not to be retryable")
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	url := srv.URL
	srv.Close()

	c, err := NewClient(testutil.TestLogger(t), url, auth.StaticToken("tok"), nil, 0)
	require.NoError(t, err)

	_, err = c.GetMessages(context.Background(), "c1", 1, 20)
	require.Error(t, err)

	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 0, re.StatusCode)
	assert.NotNil(t, re.Unwrap(), "expected underlying error")
	assert.True(t, IsRetryable(err), "expected network failure to be retryable")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(newStatusError(http.StatusServiceUnavailable, "")))
	assert.True(t, IsRetryable(newStatusError(http.StatusTooManyRequests, "")))
	assert.False(t, IsRetryable(newStatusError(http.StatusBadRequest, "")))
	assert.False(t, IsRetryable(newTransportError("get", context.Canceled)))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestRateLimitedClientHonoursContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJson(w, http.StatusOK, []types.ConversationSummary{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(testutil.TestLogger(t), srv.URL+"/api", auth.StaticToken("tok"), srv.Client(), 0.5)
	require.NoError(t, err)

	_, err = c.ListConversations(context.Background())
	require.NoError(t, err, "expected first request to use the burst token")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ListConversations(ctx)
	assert.Error(t, err, "expected throttled request to fail once its context expires")
}
