package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ticketrow/chatkit/internal/testutil"
	"github.com/ticketrow/chatkit/internal/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, testutil.TestLogger(t))
	require.NoError(t, err)
	return client
}

func TestClient_Login(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/auth/login", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice@example.com", req.Email)
		assert.Equal(t, "password", req.Password)

		http.SetCookie(w, &http.Cookie{Name: "token", Value: "session-token", Path: "/"})
		json.NewEncoder(w).Encode(types.Identity{Id: 1, Kind: types.KindUser, Username: "alice"})
	}))

	ident, err := client.Login(context.Background(), "alice@example.com", "password")
	require.NoError(t, err)
	assert.Equal(t, types.Identity{Id: 1, Kind: types.KindUser, Username: "alice"}, ident)

	header := client.WSHeader()
	assert.Contains(t, header.Get("Cookie"), "token=session-token",
		"the session cookie must be reusable for the channel handshake")
}

func TestClient_sessionCookieSentOnSubsequentRequests(t *testing.T) {
	var gotCookie string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "token", Value: "session-token", Path: "/"})
		json.NewEncoder(w).Encode(types.Identity{Id: 1})
	})
	mux.HandleFunc("/api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("token"); err == nil {
			gotCookie = c.Value
		}
		json.NewEncoder(w).Encode(types.Identity{Id: 1, Username: "alice"})
	})
	client := newTestClient(t, mux)

	_, err := client.Login(context.Background(), "alice@example.com", "password")
	require.NoError(t, err)

	_, err = client.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "session-token", gotCookie)
}

func TestClient_GetMessages(t *testing.T) {
	now := time.Now().UTC().Round(time.Millisecond)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("user_id"))
		assert.Equal(t, "42", r.URL.Query().Get("event_id"))

		json.NewEncoder(w).Encode([]types.Message{
			{SeqId: 1, UserId: 7, RecipientId: 1, EventId: 42, Content: "hi", Timestamp: now},
		})
	}))

	messages, err := client.GetMessages(context.Background(), 7, 42)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Content)
	assert.True(t, now.Equal(messages[0].Timestamp))
}

func TestClient_SendMessage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/messages", r.URL.Path)

		var params SendMessageParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "tmp-1", params.TempId)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(types.Message{
			SeqId:       9,
			TempId:      params.TempId,
			RecipientId: params.RecipientId,
			EventId:     params.EventId,
			Content:     params.Content,
		})
	}))

	msg, err := client.SendMessage(context.Background(), SendMessageParams{
		RecipientId: 7, EventId: 42, Content: "hi", TempId: "tmp-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 9, msg.SeqId)
	assert.Equal(t, "tmp-1", msg.TempId, "the server echoes the correlation id")
}

func TestClient_MarkRead(t *testing.T) {
	var req MarkReadRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/messages/read", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, client.MarkRead(context.Background(), 7, 42))
	assert.Equal(t, MarkReadRequest{UserId: 7, EventId: 42}, req)
}

func TestClient_statusError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))

	_, err := client.ListConversations(context.Background())
	require.Error(t, err)

	var apiErr *ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Message)
}

func TestClient_transportError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Session(ctx)
	require.Error(t, err)

	var apiErr *ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Zero(t, apiErr.StatusCode)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewClient_badUrl(t *testing.T) {
	_, err := NewClient("://not-a-url", testutil.TestLogger(t))
	assert.Error(t, err)
}
