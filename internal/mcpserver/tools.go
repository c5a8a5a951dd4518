// Package mcpserver registers MCP tools that expose the chat session:
// engine status, the outbound queue, sending and reading messages, and
// on-demand sync.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/chatsync/internal/messenger"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/status"
	"github.com/alexjbarnes/chatsync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// Session is the subset of the messenger the tools drive.
type Session interface {
	Status() (status.Snapshot, error)
	QueuedMessages() ([]models.QueuedMessage, error)
	QueuedActions() ([]models.QueuedAction, error)
	SendMessage(req messenger.SendRequest) (models.Message, error)
	RetryFailed(conversationID, tempID string) (models.Message, error)
	Messages(conversationID string, limit, offset int) ([]models.Message, error)
	Conversations() ([]models.Conversation, error)
	SyncNow(ctx context.Context) (models.SyncResult, error)
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, s Session) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Report connectivity, connection state, reconnect attempts, queue depth and the last sync result, with a one-line summary.",
	}, statusHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_queue",
		Description: "List outbound messages and actions that have not been delivered yet, with retry counts and the last error.",
	}, queueHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a message to a conversation. The message is stored locally and queued, so it is delivered once the host is online even if it is offline now. Pass retry_temp_id instead of content to requeue a failed message.",
	}, sendHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "Read cached messages. With a conversation_id returns one page oldest-first (offset counts back from the newest). Without one lists conversations, most recent first.",
	}, messagesHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_sync",
		Description: "Run a sync pass now, delivering queued messages and actions. Reports why the pass could not run when offline, disconnected or already syncing.",
	}, syncHandler(s))
}

// --- Input and output types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// QueueInput has no parameters.
type QueueInput struct{}

// QueueOutput is the result of chat_queue.
type QueueOutput struct {
	Messages []models.QueuedMessage `json:"messages"`
	Actions  []QueuedAction         `json:"actions"`
}

// QueuedAction mirrors models.QueuedAction with the payload decoded, so the
// output schema describes a JSON value rather than a byte slice.
type QueuedAction struct {
	ID             string            `json:"id"`
	Type           models.ActionType `json:"type"`
	MessageID      string            `json:"messageId"`
	ConversationID string            `json:"conversationId"`
	Payload        any               `json:"payload,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	RetryCount     int               `json:"retryCount"`
	LastRetryAt    *time.Time        `json:"lastRetryAt,omitempty"`
	Error          string            `json:"error,omitempty"`
}

func actionView(qa models.QueuedAction) QueuedAction {
	v := QueuedAction{
		ID:             qa.ID,
		Type:           qa.Type,
		MessageID:      qa.MessageID,
		ConversationID: qa.ConversationID,
		CreatedAt:      qa.CreatedAt,
		RetryCount:     qa.RetryCount,
		LastRetryAt:    qa.LastRetryAt,
		Error:          qa.Error,
	}

	if len(qa.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(qa.Payload, &payload); err == nil {
			v.Payload = payload
		} else {
			v.Payload = string(qa.Payload)
		}
	}

	return v
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation to post to"`
	Content        string `json:"content,omitempty" jsonschema:"message text"`
	Type           string `json:"type,omitempty" jsonschema:"message type: text, image, file, audio, video or document; defaults to text"`
	ReplyToID      string `json:"reply_to_id,omitempty" jsonschema:"id of the message being replied to"`
	RetryTempID    string `json:"retry_temp_id,omitempty" jsonschema:"temp id of a failed message to requeue instead of sending new content"`
}

// SendOutput is the result of chat_send.
type SendOutput struct {
	Message models.Message `json:"message"`
}

// MessagesInput holds parameters for chat_messages.
type MessagesInput struct {
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"conversation to read; omit to list conversations"`
	Limit          int    `json:"limit,omitempty" jsonschema:"page size, defaults to 50"`
	Offset         int    `json:"offset,omitempty" jsonschema:"messages to skip counting back from the newest"`
}

// MessagesOutput is the result of chat_messages.
type MessagesOutput struct {
	Conversations []models.Conversation `json:"conversations,omitempty"`
	Messages      []models.Message      `json:"messages,omitempty"`
}

// SyncInput has no parameters.
type SyncInput struct{}

// SyncOutput is the result of chat_sync. Skipped is set when the pass
// did not run, with the reason in Reason.
type SyncOutput struct {
	Result  models.SyncResult `json:"result"`
	Skipped bool              `json:"skipped,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

// --- Handlers ---

func statusHandler(s Session) mcp.ToolHandlerFor[StatusInput, *status.Snapshot] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *status.Snapshot, error) {
		snap, err := s.Status()
		if err != nil {
			return nil, nil, err
		}
		return textResult(snap), &snap, nil
	}
}

func queueHandler(s Session) mcp.ToolHandlerFor[QueueInput, *QueueOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ QueueInput) (*mcp.CallToolResult, *QueueOutput, error) {
		msgs, err := s.QueuedMessages()
		if err != nil {
			return nil, nil, err
		}

		actions, err := s.QueuedActions()
		if err != nil {
			return nil, nil, err
		}

		out := &QueueOutput{Messages: msgs, Actions: make([]QueuedAction, 0, len(actions))}
		if out.Messages == nil {
			out.Messages = []models.QueuedMessage{}
		}

		for _, qa := range actions {
			out.Actions = append(out.Actions, actionView(qa))
		}

		return textResult(out), out, nil
	}
}

func sendHandler(s Session) mcp.ToolHandlerFor[SendInput, *SendOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendOutput, error) {
		var (
			msg models.Message
			err error
		)

		if input.RetryTempID != "" {
			msg, err = s.RetryFailed(input.ConversationID, input.RetryTempID)
		} else {
			msg, err = s.SendMessage(messenger.SendRequest{
				ConversationID: input.ConversationID,
				Content:        input.Content,
				Type:           models.MessageType(input.Type),
				ReplyToID:      input.ReplyToID,
			})
		}

		if err != nil {
			return nil, nil, err
		}

		out := &SendOutput{Message: msg}

		return textResult(out), out, nil
	}
}

func messagesHandler(s Session) mcp.ToolHandlerFor[MessagesInput, *MessagesOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesOutput, error) {
		if input.ConversationID == "" {
			convs, err := s.Conversations()
			if err != nil {
				return nil, nil, err
			}

			out := &MessagesOutput{Conversations: convs}

			return textResult(out), out, nil
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultMessageLimit
		}

		if limit > maxMessageLimit {
			return nil, nil, fmt.Errorf("limit must not exceed %d", maxMessageLimit)
		}

		if input.Offset < 0 {
			return nil, nil, errors.New("offset must not be negative")
		}

		msgs, err := s.Messages(input.ConversationID, limit, input.Offset)
		if err != nil {
			return nil, nil, err
		}

		out := &MessagesOutput{Messages: msgs}

		return textResult(out), out, nil
	}
}

// syncTimeout bounds a tool-initiated pass so a stuck server cannot hold
// the MCP request open indefinitely.
const syncTimeout = 2 * time.Minute

func syncHandler(s Session) mcp.ToolHandlerFor[SyncInput, *SyncOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncInput) (*mcp.CallToolResult, *SyncOutput, error) {
		ctx, cancel := context.WithTimeout(ctx, syncTimeout)
		defer cancel()

		result, err := s.SyncNow(ctx)

		switch {
		case syncer.IsPrecondition(err):
			out := &SyncOutput{Result: result, Skipped: true, Reason: err.Error()}
			return textResult(out), out, nil
		case err != nil:
			return nil, nil, err
		}

		out := &SyncOutput{Result: result}

		return textResult(out), out, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
