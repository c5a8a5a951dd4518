package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/api"
	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/messenger"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/netwatch"
	"github.com/alexjbarnes/chatsync/internal/realtime"
	"github.com/alexjbarnes/chatsync/internal/server"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/alexjbarnes/chatsync/internal/syncer"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testUserID = "u-1"
	testToken  = "chat-token"
	mcpToken   = "e2e-mcp-token"
)

// chatServer is a minimal chat backend: the message and reaction REST
// endpoints plus a socket that answers pings and fans out broadcasts.
type chatServer struct {
	mu        sync.Mutex
	down      bool
	nextID    int
	sent      []api.SendMessageRequest
	reactions []string
	conns     map[*websocket.Conn]struct{}

	ts *httptest.Server
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()

	cs := &chatServer{conns: make(map[*websocket.Conn]struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/{id}/messages", cs.handleSend)
	mux.HandleFunc("POST /api/messages/{id}/reactions", cs.handleReaction)
	mux.HandleFunc("GET /ws", cs.handleSocket)

	cs.ts = httptest.NewServer(mux)
	t.Cleanup(cs.ts.Close)

	return cs
}

func (cs *chatServer) setDown(down bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.down = down
}

func (cs *chatServer) sentCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return len(cs.sent)
}

func (cs *chatServer) reactionLog() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return append([]string(nil), cs.reactions...)
}

func (cs *chatServer) connCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return len(cs.conns)
}

func (cs *chatServer) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+testToken
}

func (cs *chatServer) handleSend(w http.ResponseWriter, r *http.Request) {
	if !cs.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	cs.mu.Lock()
	if cs.down {
		cs.mu.Unlock()
		http.Error(w, "maintenance", http.StatusServiceUnavailable)

		return
	}

	var req api.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cs.mu.Unlock()
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	cs.nextID++
	cs.sent = append(cs.sent, req)

	msg := models.Message{
		ID:             fmt.Sprintf("srv-%d", cs.nextID),
		TempID:         req.TempID,
		ConversationID: r.PathValue("id"),
		SenderID:       testUserID,
		Content:        req.Content,
		Type:           req.Type,
		Status:         models.StatusSent,
		CreatedAt:      time.Now().UTC(),
		ReplyToID:      req.ReplyToID,
	}
	cs.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": msg})

	cs.broadcast(realtime.TypeMessage, msg)
}

func (cs *chatServer) handleReaction(w http.ResponseWriter, r *http.Request) {
	var p models.ReactionPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cs.mu.Lock()
	cs.reactions = append(cs.reactions, r.PathValue("id")+":"+p.Emoji)
	cs.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (cs *chatServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	if !cs.authorized(r) || r.URL.Query().Get("userId") != testUserID {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	cs.mu.Lock()
	cs.conns[conn] = struct{}{}
	cs.mu.Unlock()

	defer func() {
		cs.mu.Lock()
		delete(cs.conns, conn)
		cs.mu.Unlock()
	}()

	ctx := r.Context()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type == realtime.TypePing {
			pong, _ := json.Marshal(realtime.Envelope{Type: realtime.TypePong, Timestamp: time.Now().UTC()})
			if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
				return
			}
		}
	}
}

// broadcast sends one envelope to every connected socket.
func (cs *chatServer) broadcast(t realtime.EventType, payload interface{}) {
	env, err := realtime.NewEnvelope(t, payload)
	if err != nil {
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	cs.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(cs.conns))
	for c := range cs.conns {
		conns = append(conns, c)
	}
	cs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range conns {
		_ = c.Write(ctx, websocket.MessageText, data)
	}
}

// harness holds the full e2e stack: a fake chat backend, a real session
// wired to it over HTTP and WebSocket, and the MCP endpoint in front of
// the session.
type harness struct {
	Chat    *chatServer
	Session *messenger.Messenger
	Monitor *netwatch.Monitor
	URL     string
	Client  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	chat := newChatServer(t)

	appState, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = appState.Close() })

	// The monitor is driven by hand through Set; its probe loop never runs.
	monitor, err := netwatch.New(chat.ts.URL, netwatch.Config{}, logger)
	require.NoError(t, err)

	conn := realtime.New(realtime.Config{
		ServerURL:         chat.ts.URL,
		ConnectTimeout:    2 * time.Second,
		HeartbeatInterval: time.Second,
		PongTimeout:       5 * time.Second,
		BaseDelay:         50 * time.Millisecond,
		MaxDelay:          200 * time.Millisecond,
	}, logger)

	session := messenger.New(messenger.Options{
		Identity: models.Identity{UserID: testUserID, UserName: "Ada", Token: testToken},
		Store:    appState,
		API:      api.NewClient(chat.ts.URL, testToken, chat.ts.Client()),
		Realtime: conn,
		Network:  monitor,
		Sync: syncer.Config{
			BatchDelay:    time.Millisecond,
			Debounce:      20 * time.Millisecond,
			OnlineSettle:  20 * time.Millisecond,
			RetryInterval: time.Hour,
		},
		Logger: logger,
	})

	require.NoError(t, session.Start(t.Context()))
	t.Cleanup(session.Stop)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, session)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		Health:     session.Status,
		Token:      mcpToken,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	h := &harness{
		Chat:    chat,
		Session: session,
		Monitor: monitor,
		URL:     ts.URL,
		Client:  ts.Client(),
	}

	waitFor(t, 5*time.Second, func() bool {
		snap, err := session.Status()
		return err == nil && snap.Connection == realtime.StatusConnected && chat.connCount() == 1
	})

	return h
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), "GET", h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// callTool calls an MCP tool and decodes its JSON text content into dest.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]interface{}, dest interface{}) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	if dest != nil && !result.IsError {
		require.NotEmpty(t, result.Content)
		tc, ok := result.Content[0].(*mcp.TextContent)
		require.True(t, ok, "first content is not TextContent")
		require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
	}

	return result
}

func messengerRequest(conversationID, content string) messenger.SendRequest {
	return messenger.SendRequest{ConversationID: conversationID, Content: content}
}

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}
