package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"wafilter/internal/domain/event"
	"wafilter/pkg/errors"
	"wafilter/pkg/logger"
)

// messagesFileName is the durable file backing the MessageStore
const messagesFileName = "messages.json"

// ourMessageIDCap bounds the set of remembered outgoing message IDs that
// backs the reply-mention predicate
const ourMessageIDCap = 500

// storedAtFormat is fixed-width so lexical comparison of StoredAt values
// matches chronological order during eviction
const storedAtFormat = "2006-01-02T15:04:05.000000000Z07:00"

// StoredMessage is a NormalizedMessage plus its storage timestamp
type StoredMessage struct {
	event.NormalizedMessage
	StoredAt string `json:"storedAt"`
}

// SourceSummary describes one source's history
type SourceSummary struct {
	SourceID      string `json:"sourceId"`
	MessageCount  int    `json:"messageCount"`
	LastTimestamp string `json:"lastTimestamp,omitempty"`
}

// MessageStore keeps a bounded newest-first history per source with a global
// cap and LRU eviction of the globally oldest messages. Mutations flip a
// dirty flag; a periodic flush persists when dirty.
type MessageStore struct {
	mu   sync.RWMutex
	path string
	log  logger.Logger

	bySource     map[string][]StoredMessage
	total        int
	maxPerSource int
	maxTotal     int
	dirty        bool

	// ourIDs remembers recently sent message IDs so the mention detector's
	// reply check is well-defined
	ourIDs      map[string]struct{}
	ourIDsOrder []string
}

// NewMessageStore creates a message store backed by <dataDir>/messages.json
func NewMessageStore(dataDir string, maxPerSource, maxTotal int, log logger.Logger) *MessageStore {
	return &MessageStore{
		path:         filepath.Join(dataDir, messagesFileName),
		log:          log,
		bySource:     make(map[string][]StoredMessage),
		maxPerSource: maxPerSource,
		maxTotal:     maxTotal,
		ourIDs:       make(map[string]struct{}),
	}
}

// Load reads persisted history. A missing file is not an error.
func (s *MessageStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WrapInternal(err, "read messages file")
	}

	var bySource map[string][]StoredMessage
	if err := json.Unmarshal(data, &bySource); err != nil {
		return errors.WrapInternal(err, "parse messages file")
	}

	s.bySource = bySource
	s.total = 0
	for _, msgs := range bySource {
		s.total += len(msgs)
	}
	return nil
}

// Save persists the history atomically and clears the dirty flag
func (s *MessageStore) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.bySource, "", "  ")
	path := s.path
	if err == nil {
		s.dirty = false
	}
	s.mu.Unlock()

	if err != nil {
		return errors.WrapInternal(err, "marshal messages")
	}
	if err := writeFileAtomic(path, data); err != nil {
		return errors.WrapInternal(err, "persist messages")
	}
	return nil
}

// FlushIfDirty persists only when mutations happened since the last save
func (s *MessageStore) FlushIfDirty() error {
	s.mu.RLock()
	dirty := s.dirty
	s.mu.RUnlock()

	if !dirty {
		return nil
	}
	return s.Save()
}

// Store prepends a message to its source's history, truncates the source to
// the per-source cap and evicts the globally oldest messages when the total
// cap is exceeded.
func (s *MessageStore) Store(sourceID string, msg event.NormalizedMessage) {
	stored := StoredMessage{
		NormalizedMessage: msg,
		StoredAt:          time.Now().UTC().Format(storedAtFormat),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.bySource[sourceID]
	list = append([]StoredMessage{stored}, list...)
	if len(list) > s.maxPerSource {
		s.total -= len(list) - s.maxPerSource
		list = list[:s.maxPerSource]
	}
	s.bySource[sourceID] = list
	s.total++

	for s.total > s.maxTotal {
		s.evictOldestLocked()
	}

	s.dirty = true
}

// evictOldestLocked removes the globally oldest message, deleting per-source
// entries that become empty. Per-source lists are newest-first, so the oldest
// message of each source is its tail.
func (s *MessageStore) evictOldestLocked() {
	var oldestSource string
	var oldestAt string

	for sourceID, msgs := range s.bySource {
		if len(msgs) == 0 {
			delete(s.bySource, sourceID)
			continue
		}
		tail := msgs[len(msgs)-1]
		if oldestSource == "" || tail.StoredAt < oldestAt {
			oldestSource = sourceID
			oldestAt = tail.StoredAt
		}
	}

	if oldestSource == "" {
		return
	}

	msgs := s.bySource[oldestSource]
	msgs = msgs[:len(msgs)-1]
	s.total--
	if len(msgs) == 0 {
		delete(s.bySource, oldestSource)
	} else {
		s.bySource[oldestSource] = msgs
	}
}

// Get returns a page of a source's history, newest first, and whether more
// messages remain past the page.
func (s *MessageStore) Get(sourceID string, limit, offset int) ([]StoredMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.bySource[sourceID]
	if offset >= len(msgs) {
		return nil, false
	}
	end := offset + limit
	if limit <= 0 || end > len(msgs) {
		end = len(msgs)
	}
	return append([]StoredMessage{}, msgs[offset:end]...), end < len(msgs)
}

// Sources lists every source with stored history
func (s *MessageStore) Sources() []SourceSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]SourceSummary, 0, len(s.bySource))
	for sourceID, msgs := range s.bySource {
		summary := SourceSummary{
			SourceID:     sourceID,
			MessageCount: len(msgs),
		}
		if len(msgs) > 0 {
			summary.LastTimestamp = msgs[0].Timestamp
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

// Delete removes a source's entire history and returns how many messages
// were removed
func (s *MessageStore) Delete(sourceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.bySource[sourceID]
	if !ok {
		return 0
	}
	delete(s.bySource, sourceID)
	s.total -= len(msgs)
	s.dirty = true
	return len(msgs)
}

// Total returns the global message count
func (s *MessageStore) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// MarkOurMessage remembers an outgoing message ID for the reply-mention check
func (s *MessageStore) MarkOurMessage(messageID string) {
	if messageID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ourIDs[messageID]; ok {
		return
	}
	s.ourIDs[messageID] = struct{}{}
	s.ourIDsOrder = append(s.ourIDsOrder, messageID)
	if len(s.ourIDsOrder) > ourMessageIDCap {
		evicted := s.ourIDsOrder[0]
		s.ourIDsOrder = s.ourIDsOrder[1:]
		delete(s.ourIDs, evicted)
	}
}

// IsOurMessage reports whether a message ID was sent by us
func (s *MessageStore) IsOurMessage(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.ourIDs[messageID]
	return ok
}
