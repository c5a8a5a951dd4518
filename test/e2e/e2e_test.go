package e2e_test

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/realtime"
	"github.com/alexjbarnes/chatsync/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflineSend_DeliveredWhenBackOnline(t *testing.T) {
	h := newHarness(t)
	mcp := h.mcpSession(t, mcpToken)

	h.Monitor.Set(false)

	var sent mcpserver.SendOutput
	result := callTool(t, mcp, "chat_send", map[string]interface{}{
		"conversation_id": "c-1",
		"content":         "written on the train",
	}, &sent)
	require.False(t, result.IsError)
	assert.Equal(t, models.StatusPending, sent.Message.Status)

	var skipped mcpserver.SyncOutput
	callTool(t, mcp, "chat_sync", nil, &skipped)
	assert.True(t, skipped.Skipped)
	assert.Contains(t, skipped.Reason, "offline")

	var queue mcpserver.QueueOutput
	callTool(t, mcp, "chat_queue", nil, &queue)
	require.Len(t, queue.Messages, 1)
	assert.Equal(t, sent.Message.TempID, queue.Messages[0].TempID)

	var snap status.Snapshot
	callTool(t, mcp, "chat_status", nil, &snap)
	assert.False(t, snap.Online)
	assert.Equal(t, 1, snap.QueuedMessages)
	assert.True(t, strings.HasPrefix(snap.Description, "Offline"), snap.Description)
	assert.Zero(t, h.Chat.sentCount())

	h.Monitor.Set(true)

	waitFor(t, 5*time.Second, func() bool {
		var q mcpserver.QueueOutput
		callTool(t, mcp, "chat_queue", nil, &q)
		return len(q.Messages) == 0
	})
	assert.Equal(t, 1, h.Chat.sentCount())

	var page mcpserver.MessagesOutput
	callTool(t, mcp, "chat_messages", map[string]interface{}{"conversation_id": "c-1"}, &page)
	require.Len(t, page.Messages, 1, "temp entry and server copy must collapse into one")
	assert.Equal(t, "srv-1", page.Messages[0].ID)
	assert.Equal(t, "written on the train", page.Messages[0].Content)
	assert.Contains(t, []models.MessageStatus{models.StatusSent, models.StatusDelivered}, page.Messages[0].Status)
}

func TestServerUnavailable_RetriedUntilDelivered(t *testing.T) {
	h := newHarness(t)

	h.Chat.setDown(true)

	msg, err := h.Session.SendMessage(messengerRequest("c-1", "eventually"))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		queued, err := h.Session.QueuedMessages()
		return err == nil && len(queued) == 1 && queued[0].RetryCount >= 1
	})

	queued, err := h.Session.QueuedMessages()
	require.NoError(t, err)
	assert.Contains(t, queued[0].Error, "503")

	h.Chat.setDown(false)

	waitFor(t, 5*time.Second, func() bool {
		_, _ = h.Session.SyncNow(t.Context())
		queued, err := h.Session.QueuedMessages()
		return err == nil && len(queued) == 0
	})

	msgs, err := h.Session.Messages("c-1", 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.TempID, msgs[0].TempID)
	assert.Equal(t, "srv-1", msgs[0].ID)
}

func TestReaction_QueuedAndDelivered(t *testing.T) {
	h := newHarness(t)

	_, err := h.Session.SendMessage(messengerRequest("c-1", "react to me"))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		msgs, err := h.Session.Messages("c-1", 50, 0)
		return err == nil && len(msgs) == 1 && msgs[0].ID == "srv-1"
	})

	require.NoError(t, h.Session.AddReaction("c-1", "srv-1", "👍"))

	waitFor(t, 5*time.Second, func() bool {
		return len(h.Chat.reactionLog()) == 1
	})
	assert.Equal(t, []string{"srv-1:👍"}, h.Chat.reactionLog())

	msgs, err := h.Session.Messages("c-1", 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs[0].Reactions, 1)
	assert.Equal(t, "👍", msgs[0].Reactions[0].Emoji)
}

func TestInboundBroadcast_CachedAndUnread(t *testing.T) {
	h := newHarness(t)
	mcp := h.mcpSession(t, mcpToken)

	h.Chat.broadcast(realtime.TypeMessage, models.Message{
		ID:             "srv-99",
		ConversationID: "c-2",
		SenderID:       "u-2",
		Content:        "ping from a friend",
		Type:           models.MessageText,
		Status:         models.StatusSent,
		CreatedAt:      time.Now().UTC(),
	})

	waitFor(t, 5*time.Second, func() bool {
		msgs, err := h.Session.Messages("c-2", 50, 0)
		return err == nil && len(msgs) == 1
	})

	var convs mcpserver.MessagesOutput
	callTool(t, mcp, "chat_messages", nil, &convs)
	require.Len(t, convs.Conversations, 1)
	assert.Equal(t, "c-2", convs.Conversations[0].ID)
	assert.Equal(t, 1, convs.Conversations[0].UnreadCount)
	assert.Equal(t, "ping from a friend", convs.Conversations[0].LastMessage)
}

func TestUnauthenticated_Returns401(t *testing.T) {
	h := newHarness(t)

	resp := h.doGet(t, "/mcp")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
}

func TestInvalidToken_Returns401(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequestWithContext(t.Context(), "POST", h.URL+"/mcp", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
}

func TestHealthz_ReportsConnected(t *testing.T) {
	h := newHarness(t)

	resp := h.doGet(t, "/healthz")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap status.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.True(t, snap.Online)
	assert.Equal(t, realtime.StatusConnected, snap.Connection)
	assert.NotEmpty(t, snap.Description)
}
