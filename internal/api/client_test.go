package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   string
}

type recorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]recordedRequest(nil), r.reqs...)
}

// testServer answers every request with status and body, recording what
// it received.
func testServer(t *testing.T, status int, body string) (*Client, *recorder) {
	t.Helper()

	rec := &recorder{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.reqs = append(rec.reqs, recordedRequest{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Auth:   r.Header.Get("Authorization"),
			Body:   string(b),
		})
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return NewClient(srv.URL+"/", "tok-1", srv.Client()), rec
}

func TestSendMessage_DecodesWrappedResponse(t *testing.T) {
	c, got := testServer(t, http.StatusCreated,
		`{"data":{"id":"m-1","tempId":"t-1","senderId":"u-1","content":"hello","status":"sent","createdAt":"2026-01-02T03:04:05Z"}}`)

	msg, err := c.SendMessage(context.Background(), "c-1", SendMessageRequest{TempID: "t-1", Content: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "t-1", msg.TempID)
	assert.Equal(t, "c-1", msg.ConversationID, "conversation filled from the request")
	assert.Equal(t, models.MessageText, msg.Type, "type defaults to text")
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), msg.CreatedAt)

	reqs := got.all()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/conversations/c-1/messages", req.Path)
	assert.Equal(t, "Bearer tok-1", req.Auth)

	var body SendMessageRequest
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	assert.Equal(t, "t-1", body.TempID)
	assert.Equal(t, models.MessageText, body.Type)
}

func TestSendMessage_PlainResponse(t *testing.T) {
	c, _ := testServer(t, http.StatusOK, `{"id":"m-2","content":"x"}`)

	msg, err := c.SendMessage(context.Background(), "c-1", SendMessageRequest{Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "m-2", msg.ID)
}

func TestSendMessage_MissingIDIsResponseError(t *testing.T) {
	c, _ := testServer(t, http.StatusOK, `{"data":{"content":"x"}}`)

	_, err := c.SendMessage(context.Background(), "c-1", SendMessageRequest{Content: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
	assert.False(t, IsTransient(err))
}

func TestDo_ServerErrorIsTransient(t *testing.T) {
	c, _ := testServer(t, http.StatusServiceUnavailable, `{"error":"maintenance"}`)

	err := c.DeleteMessage(context.Background(), "m-1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, chaterrors.ErrAPIRequest)
	assert.Contains(t, err.Error(), "maintenance")
}

func TestDo_ClientErrorIsPermanent(t *testing.T) {
	c, _ := testServer(t, http.StatusForbidden, `{"error":"not your message"}`)

	err := c.EditMessage(context.Background(), "m-1", "new")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "status 403")
	assert.Contains(t, err.Error(), "not your message")
}

func TestDo_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, "tok", nil)
	err := c.AddReaction(context.Background(), "m-1", "👍")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestApplyAction_Routes(t *testing.T) {
	tests := []struct {
		name       string
		action     models.QueuedAction
		wantMethod string
		wantPath   string
		wantBody   string
	}{
		{
			name:       "reaction add",
			action:     models.QueuedAction{Type: models.ActionReactionAdd, MessageID: "m-1", Payload: json.RawMessage(`{"emoji":"👍"}`)},
			wantMethod: http.MethodPost,
			wantPath:   "/api/messages/m-1/reactions",
			wantBody:   `"emoji":"👍"`,
		},
		{
			name:       "reaction remove",
			action:     models.QueuedAction{Type: models.ActionReactionRemove, MessageID: "m-1", Payload: json.RawMessage(`{"emoji":"ok"}`)},
			wantMethod: http.MethodDelete,
			wantPath:   "/api/messages/m-1/reactions/ok",
		},
		{
			name:       "edit",
			action:     models.QueuedAction{Type: models.ActionEdit, MessageID: "m-2", Payload: json.RawMessage(`{"content":"fixed"}`)},
			wantMethod: http.MethodPatch,
			wantPath:   "/api/messages/m-2",
			wantBody:   `"content":"fixed"`,
		},
		{
			name:       "delete",
			action:     models.QueuedAction{Type: models.ActionDelete, MessageID: "m-3"},
			wantMethod: http.MethodDelete,
			wantPath:   "/api/messages/m-3",
		},
		{
			name:       "status update",
			action:     models.QueuedAction{Type: models.ActionStatusUpdate, MessageID: "m-4", Payload: json.RawMessage(`{"status":"read"}`)},
			wantMethod: http.MethodPost,
			wantPath:   "/api/messages/m-4/status",
			wantBody:   `"status":"read"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, got := testServer(t, http.StatusNoContent, "")

			require.NoError(t, c.ApplyAction(context.Background(), tt.action))
			reqs := got.all()
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.wantMethod, reqs[0].Method)
			assert.Equal(t, tt.wantPath, reqs[0].Path)

			if tt.wantBody != "" {
				assert.Contains(t, reqs[0].Body, tt.wantBody)
			}
		})
	}
}

func TestApplyAction_UnknownType(t *testing.T) {
	c, got := testServer(t, http.StatusOK, "")

	err := c.ApplyAction(context.Background(), models.QueuedAction{ID: "a-1", Type: "pin", MessageID: "m-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, chaterrors.ErrUnknownAction)
	assert.True(t, chaterrors.NonRetryable(err))
	assert.Empty(t, got.all(), "no request is made for an unknown action")
}

func TestApplyAction_MalformedPayload(t *testing.T) {
	c, got := testServer(t, http.StatusOK, "")

	for _, payload := range []string{"", `{"emoji":`} {
		err := c.ApplyAction(context.Background(), models.QueuedAction{
			ID: "a-1", Type: models.ActionReactionAdd, MessageID: "m-1", Payload: json.RawMessage(payload),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, chaterrors.ErrMalformedAction)
	}

	assert.Empty(t, got.all())
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "ok", sanitizeResponseBody([]byte("ok")))
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x1bb")))
	assert.Equal(t, "line\nnext", sanitizeResponseBody([]byte("line\nnext")))
	assert.Equal(t, "?", sanitizeResponseBody([]byte{0xff}))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("x", 1000))), 256)
}

func TestIsTransientStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, isTransientStatus(code), "%d", code)
	}

	for _, code := range []int{400, 401, 403, 404, 409, 422} {
		assert.False(t, isTransientStatus(code), "%d", code)
	}
}
