// Package spool turns files dropped into a directory into outbound chat
// messages. Scripts and other local tools can send a message by writing a
// small YAML or JSON file, whether or not the host is online.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/chatsync/internal/messenger"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	// spoolDirPerm is the permission mode for the drop directory. Files
	// placed there are sent as the configured user, so keep it private.
	spoolDirPerm = fs.FileMode(0o700)

	// debounceInterval is how often pending writes are checked.
	debounceInterval = 100 * time.Millisecond

	// quietPeriod is how long a file must go unwritten before it is
	// picked up, so half-written files are never read.
	quietPeriod = 300 * time.Millisecond

	// maxFileBytes caps a single drop file.
	maxFileBytes = 1 << 20

	rejectedSuffix = ".rejected"
)

var errTooLarge = errors.New("file exceeds size limit")

// Sender accepts an outbound message.
type Sender interface {
	SendMessage(req messenger.SendRequest) (models.Message, error)
}

// Entry is the on-disk form of one outbound message. yaml.v3 also reads
// JSON documents, so .json files use the same keys.
type Entry struct {
	ConversationID string             `yaml:"conversation_id"`
	Content        string             `yaml:"content"`
	Type           models.MessageType `yaml:"type"`
	ReplyToID      string             `yaml:"reply_to_id"`
	Metadata       map[string]string  `yaml:"metadata"`
}

func (e Entry) validate() error {
	if e.ConversationID == "" {
		return errors.New("conversation_id is required")
	}

	if strings.TrimSpace(e.Content) == "" {
		return errors.New("content is required")
	}

	if e.Type != "" && !e.Type.Valid() {
		return fmt.Errorf("unknown message type %q", e.Type)
	}

	return nil
}

// Watcher monitors the drop directory.
type Watcher struct {
	dir    string
	sender Sender
	logger *slog.Logger
}

// New creates a Watcher for dir.
func New(dir string, sender Sender, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, sender: sender, logger: logger}
}

// Watch processes files already in the directory, then every file
// created or written afterwards. It blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, spoolDirPerm); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching spool dir: %w", err)
	}

	w.logger.Info("spool watcher started", slog.String("dir", w.dir))

	// Files dropped while the daemon was down.
	w.scan()

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !accepted(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < quietPeriod {
					continue
				}

				delete(pending, path)
				w.Process(path)
			}
		}
	}
}

func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("scanning spool dir", slog.String("error", err.Error()))
		return
	}

	for _, e := range entries {
		path := filepath.Join(w.dir, e.Name())
		if e.Type().IsRegular() && accepted(path) {
			w.Process(path)
		}
	}
}

// accepted reports whether path looks like a drop file. Hidden files are
// skipped so editors' swap files and atomic-write temporaries are ignored.
func accepted(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}

	return false
}

// Process sends the message described by one drop file. A sent file is
// removed; an invalid one is renamed with a .rejected suffix. A file the
// sender could not accept is left in place for the next start.
func (w *Watcher) Process(path string) {
	entry, err := readEntry(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}

	if err != nil {
		w.reject(path, err)
		return
	}

	msg, err := w.sender.SendMessage(messenger.SendRequest{
		ConversationID: entry.ConversationID,
		Content:        entry.Content,
		Type:           entry.Type,
		ReplyToID:      entry.ReplyToID,
		Metadata:       entry.Metadata,
	})
	if err != nil {
		w.logger.Warn("spool file not sent", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("removing spool file", slog.String("path", path), slog.String("error", err.Error()))
	}

	w.logger.Info("spool file queued",
		slog.String("path", filepath.Base(path)),
		slog.String("conversation_id", msg.ConversationID),
		slog.String("temp_id", msg.TempID),
	)
}

func readEntry(path string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes+1))
	if err != nil {
		return Entry{}, err
	}

	if len(data) > maxFileBytes {
		return Entry{}, errTooLarge
	}

	var e Entry
	if err := yaml.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decoding: %w", err)
	}

	if err := e.validate(); err != nil {
		return Entry{}, err
	}

	return e, nil
}

func (w *Watcher) reject(path string, cause error) {
	w.logger.Warn("rejecting spool file", slog.String("path", path), slog.String("error", cause.Error()))

	if err := os.Rename(path, path+rejectedSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("renaming rejected spool file", slog.String("path", path), slog.String("error", err.Error()))
	}
}
