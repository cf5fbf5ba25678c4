// Package server persists room chat history to a single JSON file, rewriting
// the full mapping on every accepted message.
package server

import (
	"encoding/json"
	"log"
	"os"
	"sort"
	"sync"
)

// HistoryStore owns the durable mapping from room name to its ordered message
// log. All methods are safe for concurrent use; persistence is serialized
// inside the store's lock so the file on disk always reflects the latest
// in-memory state after a successful Append.
type HistoryStore struct {
	mu          sync.Mutex
	path        string
	defaultRoom string
	logs        map[string][]Message
	order       []string
}

// NewHistoryStore creates a store backed by the given file path. The default
// room exists even before any history is loaded or any message is appended.
func NewHistoryStore(path, defaultRoom string) *HistoryStore {
	s := &HistoryStore{
		path:        path,
		defaultRoom: defaultRoom,
		logs:        map[string][]Message{defaultRoom: {}},
		order:       []string{defaultRoom},
	}
	return s
}

// Load reads the storage file into memory. A missing or unparseable file is
// not an error: the store resets to a single empty default room and persists
// that state immediately so the next load succeeds. A file that cannot be
// read resets the store in memory without touching the file.
func (s *HistoryStore) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			// The file may still hold good history (transient permission
			// failure, path briefly unavailable). Serve defaults from memory
			// and leave the file alone rather than overwrite it.
			log.Printf("Error reading history file %s, serving defaults without rewriting it: %v", s.path, err)
			s.resetLocked()
			return
		}
		s.healLocked()
		return
	}

	var logs map[string][]Message
	if err := json.Unmarshal(data, &logs); err != nil {
		log.Printf("Error decoding history file %s, creating a new one: %v", s.path, err)
		s.healLocked()
		return
	}
	if logs == nil {
		// "null" is valid JSON but decodes to a nil map.
		log.Printf("Error decoding history file %s, creating a new one: file holds no mapping", s.path)
		s.healLocked()
		return
	}

	s.logs = logs
	if _, ok := s.logs[s.defaultRoom]; !ok {
		s.logs[s.defaultRoom] = []Message{}
	}

	// JSON objects carry no key order, so rebuild the room order with the
	// default room first and the rest sorted for a stable list across restarts.
	s.order = []string{s.defaultRoom}
	rest := make([]string, 0, len(s.logs))
	for room := range s.logs {
		if room != s.defaultRoom {
			rest = append(rest, room)
		}
	}
	sort.Strings(rest)
	s.order = append(s.order, rest...)
}

// resetLocked restores the default single-room state in memory only.
// Callers must hold s.mu.
func (s *HistoryStore) resetLocked() {
	s.logs = map[string][]Message{s.defaultRoom: {}}
	s.order = []string{s.defaultRoom}
}

// healLocked resets the store and persists the fresh state so the next load
// succeeds. Callers must hold s.mu.
func (s *HistoryStore) healLocked() {
	s.resetLocked()
	if err := s.persistLocked(); err != nil {
		log.Printf("Error persisting fresh history file %s: %v", s.path, err)
	}
}

// Ensure creates an empty log for the room if it has none. It does not touch
// the storage file; the next Append persists the room along with everything
// else.
func (s *HistoryStore) Ensure(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[room]; !ok {
		s.logs[room] = []Message{}
		s.order = append(s.order, room)
	}
}

// Append adds a message to the end of the room's log, creating the log if the
// room is new, then synchronously rewrites the entire mapping to disk. On a
// write failure the in-memory append is kept and the error is returned; the
// caller decides whether to keep serving memory-only history.
func (s *HistoryStore) Append(room string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[room]; !ok {
		s.logs[room] = []Message{}
		s.order = append(s.order, room)
	}
	s.logs[room] = append(s.logs[room], msg)

	return s.persistLocked()
}

// Get returns a copy of the room's log, or an empty slice for unknown rooms.
func (s *HistoryStore) Get(room string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := s.logs[room]
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// Rooms returns the known room names in creation order, default room first.
func (s *HistoryStore) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.order...)
}

// persistLocked rewrites the whole mapping to the storage file.
// Callers must hold s.mu.
func (s *HistoryStore) persistLocked() error {
	data, err := json.Marshal(s.logs)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
