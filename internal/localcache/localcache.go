// Package localcache persists the directory snapshot and the last page of
// each closed timeline in an embedded pebble database, so a cold start can
// render before the backend answers.
package localcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
)

const (
	convPrefix = "conv:"
	msgPrefix  = "msgs:"
)

// Store implements chat.Cache.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the cache under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Clean(dir), 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory returns a cache that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) SaveConversations(viewer string, convs []chat.Conversation) error {
	return s.put(convPrefix+viewer, convs)
}

// LoadConversations returns nil when nothing was saved for viewer.
func (s *Store) LoadConversations(viewer string) ([]chat.Conversation, error) {
	var convs []chat.Conversation
	if err := s.get(convPrefix+viewer, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *Store) SaveMessages(conversationID string, msgs []chat.Message) error {
	return s.put(msgPrefix+conversationID, msgs)
}

// LoadMessages returns nil when nothing was saved for the conversation.
func (s *Store) LoadMessages(conversationID string) ([]chat.Message, error) {
	var msgs []chat.Message
	if err := s.get(msgPrefix+conversationID, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Forget drops the cached messages of a deleted conversation.
func (s *Store) Forget(conversationID string) error {
	return s.db.Delete([]byte(msgPrefix+conversationID), pebble.Sync)
}

func (s *Store) put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), b, pebble.Sync)
}

func (s *Store) get(key string, v any) error {
	b, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(b, v)
}
