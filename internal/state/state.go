// Package state is the durable local store: a bbolt database holding the
// message cache, conversation summaries, the outbound message and action
// queues, and sync metadata. Every operation is a single transaction, so
// readers never observe a partial write.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chatsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	messagesBucket      = []byte("messages")
	conversationsBucket = []byte("conversations")
	metaBucket          = []byte("meta")
	syncMetaKey         = []byte("sync")

	rootBuckets = [][]byte{
		messagesBucket,
		conversationsBucket,
		metaBucket,
		messageQueue.data,
		messageQueue.index,
		actionQueue.data,
		actionQueue.index,
	}
)

// State wraps a bbolt database for all persistent client state. The
// database is opened lazily on first use; Init may be called any number
// of times.
type State struct {
	path string

	mu     sync.Mutex
	db     *bolt.DB
	closed bool
}

// New returns a State backed by the database at path without opening it.
// The first operation opens and initializes the file.
func New(path string) *State {
	return &State{path: path}
}

// Load opens the state database at ~/.chatsync/state.db, creating it if
// it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	s := New(path)
	if err := s.Init(); err != nil {
		return nil, err
	}

	return s, nil
}

// DefaultPath returns ~/.chatsync/state.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chatsync", "state.db"), nil
}

// Path returns the database file location.
func (s *State) Path() string {
	return s.path
}

// Init opens the database and creates the root buckets. Safe to call
// repeatedly; only the first successful call does any work.
func (s *State) Init() error {
	_, err := s.handle()
	return err
}

func (s *State) handle() (*bolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, chaterrors.ErrStoreClosed
	}

	if s.db != nil {
		return s.db, nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(s.path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range rootBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	s.db = db

	return db, nil
}

// Close closes the database. Operations after Close fail with
// ErrStoreClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	return err
}

func (s *State) view(fn func(tx *bolt.Tx) error) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	return db.View(fn)
}

func (s *State) update(fn func(tx *bolt.Tx) error) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	return db.Update(fn)
}

// SyncMeta returns the record of the last sync pass, or a zero value if
// no pass has completed yet.
func (s *State) SyncMeta() (models.SyncMeta, error) {
	var meta models.SyncMeta

	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(syncMetaKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &meta)
	})

	return meta, err
}

// SetSyncMeta persists the record of the latest sync pass.
func (s *State) SetSyncMeta(meta models.SyncMeta) error {
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(syncMetaKey, data)
	})
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}
