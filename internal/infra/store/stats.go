package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"wafilter/internal/domain/event"
	"wafilter/pkg/errors"
	"wafilter/pkg/logger"
)

// statsFileName is the durable file backing the StatsStore
const statsFileName = "stats.json"

// Field selects which counter Increment bumps
type Field string

const (
	FieldTotal     Field = "total"
	FieldFiltered  Field = "filtered"
	FieldForwarded Field = "forwarded"
	FieldFailed    Field = "failed"
)

// EventCounters holds per-event-kind counters
type EventCounters struct {
	Total        int64  `json:"total"`
	Filtered     int64  `json:"filtered"`
	Forwarded    int64  `json:"forwarded"`
	Failed       int64  `json:"failed"`
	LastReceived string `json:"lastReceived,omitempty"`
}

// AlertCounters holds alert delivery counters
type AlertCounters struct {
	Sent    int64            `json:"sent"`
	Failed  int64            `json:"failed"`
	ByLevel map[string]int64 `json:"byLevel"`
}

// SessionInfo tracks the stats file lifecycle
type SessionInfo struct {
	StartedAt string `json:"startedAt"`
	LastSaved string `json:"lastSaved,omitempty"`
}

// LegacyCounters preserves the pre-ring-buffer counters for backward
// compatibility with older consumers of stats.json
type LegacyCounters struct {
	TotalMessages    int64 `json:"totalMessages"`
	FilteredMessages int64 `json:"filteredMessages"`
	AllowedMessages  int64 `json:"allowedMessages"`
}

// statsFile is the on-disk shape of stats.json
type statsFile struct {
	Events       map[string]*EventCounters `json:"events"`
	Alerts       AlertCounters             `json:"alerts"`
	RecentEvents []event.StoredEvent       `json:"recentEvents"`
	Session      SessionInfo               `json:"session"`
	Legacy       LegacyCounters            `json:"legacy"`
}

// Snapshot is an aggregate view of the stats
type Snapshot struct {
	TotalEvents int64                    `json:"totalEvents"`
	Forwarded   int64                    `json:"forwarded"`
	Filtered    int64                    `json:"filtered"`
	Failed      int64                    `json:"failed"`
	Events      map[string]EventCounters `json:"events"`
	Alerts      AlertCounters            `json:"alerts"`
	Session     SessionInfo              `json:"session"`
	Legacy      LegacyCounters           `json:"legacy"`
}

// StatsStore keeps per-event-kind counters, alert counters and a bounded
// newest-first ring buffer of recent events. Unknown event kinds are
// registered lazily.
type StatsStore struct {
	mu   sync.RWMutex
	path string
	log  logger.Logger

	events  map[string]*EventCounters
	alerts  AlertCounters
	recent  []event.StoredEvent
	limit   int
	session SessionInfo
	legacy  LegacyCounters
}

// NewStatsStore creates a stats store backed by <dataDir>/stats.json
func NewStatsStore(dataDir string, recentLimit int, log logger.Logger) *StatsStore {
	return &StatsStore{
		path:   filepath.Join(dataDir, statsFileName),
		log:    log,
		events: defaultEventCounters(),
		alerts: AlertCounters{ByLevel: map[string]int64{"critical": 0, "warning": 0, "info": 0}},
		limit:  recentLimit,
		session: SessionInfo{
			StartedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// defaultEventCounters pre-registers the canonical kinds so snapshots always
// show them, even before the first event arrives
func defaultEventCounters() map[string]*EventCounters {
	kinds := []event.Kind{
		event.KindMessagesUpsert, event.KindMessagesUpdate, event.KindMessagesDelete,
		event.KindMessagesSet, event.KindSendMessage, event.KindConnectionUpdate,
		event.KindQRCodeUpdated, event.KindGroupsUpsert, event.KindGroupParticipantsUpdate,
		event.KindContactsUpsert, event.KindCall, event.KindPresenceUpdate,
	}
	counters := make(map[string]*EventCounters, len(kinds))
	for _, k := range kinds {
		counters[string(k)] = &EventCounters{}
	}
	return counters
}

// Load merges on-disk state with the defaults so newly-known event kinds
// appear. A missing file is not an error.
func (s *StatsStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WrapInternal(err, "read stats file")
	}

	var file statsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return errors.WrapInternal(err, "parse stats file")
	}

	for kind, counters := range file.Events {
		s.events[kind] = counters
	}
	if file.Alerts.ByLevel != nil {
		s.alerts = file.Alerts
	} else {
		s.alerts.Sent = file.Alerts.Sent
		s.alerts.Failed = file.Alerts.Failed
	}
	s.recent = file.RecentEvents
	if len(s.recent) > s.limit {
		s.recent = s.recent[:s.limit]
	}
	if file.Session.StartedAt != "" {
		s.session.StartedAt = file.Session.StartedAt
	}
	s.legacy = file.Legacy

	return nil
}

// Save persists the stats atomically and stamps lastSaved
func (s *StatsStore) Save() error {
	s.mu.Lock()
	s.session.LastSaved = time.Now().UTC().Format(time.RFC3339)
	file := statsFile{
		Events:       s.events,
		Alerts:       s.alerts,
		RecentEvents: s.recent,
		Session:      s.session,
		Legacy:       s.legacy,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	path := s.path
	s.mu.Unlock()

	if err != nil {
		return errors.WrapInternal(err, "marshal stats")
	}
	if err := writeFileAtomic(path, data); err != nil {
		return errors.WrapInternal(err, "persist stats")
	}
	return nil
}

// Increment bumps a counter for an event kind, lazily registering unknown
// kinds. Incrementing total also stamps lastReceived, and the legacy message
// counters track total/filtered/forwarded for backward compatibility.
func (s *StatsStore) Increment(kind event.Kind, field Field) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters, ok := s.events[string(kind)]
	if !ok {
		counters = &EventCounters{}
		s.events[string(kind)] = counters
	}

	switch field {
	case FieldTotal:
		counters.Total++
		counters.LastReceived = time.Now().UTC().Format(time.RFC3339)
		s.legacy.TotalMessages++
	case FieldFiltered:
		counters.Filtered++
		s.legacy.FilteredMessages++
	case FieldForwarded:
		counters.Forwarded++
		s.legacy.AllowedMessages++
	case FieldFailed:
		counters.Failed++
	}
}

// IncrementAlert bumps alert counters for a level and outcome
func (s *StatsStore) IncrementAlert(level string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if success {
		s.alerts.Sent++
	} else {
		s.alerts.Failed++
	}
	if s.alerts.ByLevel == nil {
		s.alerts.ByLevel = make(map[string]int64)
	}
	s.alerts.ByLevel[level]++
}

// LogEvent records a StoredEvent at the head of the ring buffer, trimming to
// the configured limit. Missing ID and timestamp are filled in.
func (s *StatsStore) LogEvent(record event.StoredEvent) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp == "" {
		record.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if len(record.MessagePreview) > event.MessagePreviewLimit {
		record.MessagePreview = record.MessagePreview[:event.MessagePreviewLimit]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = append([]event.StoredEvent{record}, s.recent...)
	if len(s.recent) > s.limit {
		s.recent = s.recent[:s.limit]
	}
}

// Recent returns a page of recent events, newest first, optionally filtered
// by event kind. The second return value is the total after filtering.
func (s *StatsStore) Recent(limit int, filterKind event.Kind, offset int) ([]event.StoredEvent, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	filtered := s.recent
	if filterKind != "" {
		filtered = nil
		for _, rec := range s.recent {
			if rec.EventKind == filterKind {
				filtered = append(filtered, rec)
			}
		}
	}

	total := len(filtered)
	if offset >= total {
		return nil, total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return append([]event.StoredEvent{}, filtered[offset:end]...), total
}

// Snapshot returns an aggregate view across all kinds
func (s *StatsStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Events:  make(map[string]EventCounters, len(s.events)),
		Alerts:  s.alerts,
		Session: s.session,
		Legacy:  s.legacy,
	}
	for kind, counters := range s.events {
		snap.Events[kind] = *counters
		snap.TotalEvents += counters.Total
		snap.Forwarded += counters.Forwarded
		snap.Filtered += counters.Filtered
		snap.Failed += counters.Failed
	}
	return snap
}

// Counters returns a copy of the counters for one event kind
func (s *StatsStore) Counters(kind event.Kind) EventCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if counters, ok := s.events[string(kind)]; ok {
		return *counters
	}
	return EventCounters{}
}
