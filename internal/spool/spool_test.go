package spool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/messenger"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSender struct {
	mu   sync.Mutex
	reqs []messenger.SendRequest
	err  error
}

func (f *fakeSender) SendMessage(req messenger.SendRequest) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return models.Message{}, f.err
	}

	f.reqs = append(f.reqs, req)

	return models.Message{TempID: "t-1", ConversationID: req.ConversationID, Content: req.Content}, nil
}

func (f *fakeSender) sent() []messenger.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]messenger.SendRequest(nil), f.reqs...)
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

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestProcess_YAML(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{}
	w := New(dir, sender, quietLogger)

	path := writeFile(t, dir, "hello.yaml", `
conversation_id: c-1
content: |
  hello
  from a script
type: text
reply_to_id: m-9
metadata:
  source: cron
`)

	w.Process(path)

	reqs := sender.sent()
	require.Len(t, reqs, 1)
	assert.Equal(t, "c-1", reqs[0].ConversationID)
	assert.Equal(t, "hello\nfrom a script\n", reqs[0].Content)
	assert.Equal(t, models.MessageText, reqs[0].Type)
	assert.Equal(t, "m-9", reqs[0].ReplyToID)
	assert.Equal(t, "cron", reqs[0].Metadata["source"])

	assert.NoFileExists(t, path)
}

func TestProcess_JSON(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{}
	w := New(dir, sender, quietLogger)

	path := writeFile(t, dir, "msg.json", `{"conversation_id": "c-2", "content": "from json"}`)

	w.Process(path)

	reqs := sender.sent()
	require.Len(t, reqs, 1)
	assert.Equal(t, "c-2", reqs[0].ConversationID)
	assert.Equal(t, "from json", reqs[0].Content)
	assert.NoFileExists(t, path)
}

func TestProcess_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"undecodable", "conversation_id: [unclosed"},
		{"missing conversation", "content: hi"},
		{"blank content", "conversation_id: c-1\ncontent: '   '"},
		{"unknown type", "conversation_id: c-1\ncontent: hi\ntype: sticker"},
		{"too large", "conversation_id: c-1\ncontent: " + strings.Repeat("x", maxFileBytes)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			sender := &fakeSender{}
			w := New(dir, sender, quietLogger)

			path := writeFile(t, dir, "bad.yaml", tt.content)

			w.Process(path)

			assert.Empty(t, sender.sent())
			assert.NoFileExists(t, path)
			assert.FileExists(t, path+rejectedSuffix)
		})
	}
}

func TestProcess_SenderErrorLeavesFile(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{err: errors.New("local store is closed")}
	w := New(dir, sender, quietLogger)

	path := writeFile(t, dir, "later.yaml", "conversation_id: c-1\ncontent: hi")

	w.Process(path)

	assert.FileExists(t, path)
	assert.NoFileExists(t, path+rejectedSuffix)
}

func TestProcess_MissingFileIgnored(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, &fakeSender{}, quietLogger)

	w.Process(filepath.Join(dir, "gone.yaml"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAccepted(t *testing.T) {
	tests := map[string]bool{
		"msg.yaml":          true,
		"msg.YML":           true,
		"msg.json":          true,
		"msg.txt":           false,
		".msg.yaml":         false,
		"msg.yaml.rejected": false,
		"msg.yaml.swp":      false,
	}

	for name, want := range tests {
		assert.Equal(t, want, accepted(filepath.Join("/spool", name)), name)
	}
}

func TestWatch_PicksUpExistingAndNewFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	require.NoError(t, os.MkdirAll(dir, 0o700))

	existing := writeFile(t, dir, "before.yaml", "conversation_id: c-1\ncontent: queued while down")

	sender := &fakeSender{}
	w := New(dir, sender, quietLogger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- w.Watch(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
	})

	waitFor(t, 2*time.Second, func() bool { return len(sender.sent()) == 1 })
	assert.NoFileExists(t, existing)

	// Give fsnotify a moment to set up the watch before writing.
	time.Sleep(50 * time.Millisecond)

	fresh := writeFile(t, dir, "after.json", `{"conversation_id":"c-1","content":"dropped live"}`)
	writeFile(t, dir, "notes.txt", "ignored")

	waitFor(t, 3*time.Second, func() bool { return len(sender.sent()) == 2 })

	reqs := sender.sent()
	assert.Equal(t, "queued while down", reqs[0].Content)
	assert.Equal(t, "dropped live", reqs[1].Content)
	waitFor(t, time.Second, func() bool {
		_, err := os.Stat(fresh)
		return os.IsNotExist(err)
	})
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestWatch_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "spool")
	w := New(dir, &fakeSender{}, quietLogger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() { errCh <- w.Watch(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		info, err := os.Stat(dir)
		return err == nil && info.IsDir()
	})

	cancel()
	assert.NoError(t, <-errCh)
}
