package store_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wafilter/internal/domain/event"
	"wafilter/internal/infra/store"
	"wafilter/pkg/logger"
)

func newStatsStore(t *testing.T, limit int) (*store.StatsStore, string) {
	t.Helper()
	dir := t.TempDir()
	return store.NewStatsStore(dir, limit, &logger.NoopLogger{}), dir
}

func TestStatsIncrement(t *testing.T) {
	t.Run("should count fields per event kind", func(t *testing.T) {
		s, _ := newStatsStore(t, 100)

		s.Increment(event.KindMessagesUpsert, store.FieldTotal)
		s.Increment(event.KindMessagesUpsert, store.FieldFiltered)
		s.Increment(event.KindMessagesUpsert, store.FieldForwarded)
		s.Increment(event.KindMessagesUpsert, store.FieldFailed)

		counters := s.Counters(event.KindMessagesUpsert)
		assert.Equal(t, int64(1), counters.Total)
		assert.Equal(t, int64(1), counters.Filtered)
		assert.Equal(t, int64(1), counters.Forwarded)
		assert.Equal(t, int64(1), counters.Failed)
		assert.NotEmpty(t, counters.LastReceived)
	})

	t.Run("should lazily register unknown kinds", func(t *testing.T) {
		s, _ := newStatsStore(t, 100)

		s.Increment(event.Kind("SOMETHING_NEW"), store.FieldTotal)

		counters := s.Counters(event.Kind("SOMETHING_NEW"))
		assert.Equal(t, int64(1), counters.Total)
	})

	t.Run("should maintain legacy counters", func(t *testing.T) {
		s, _ := newStatsStore(t, 100)

		s.Increment(event.KindMessagesUpsert, store.FieldTotal)
		s.Increment(event.KindMessagesUpsert, store.FieldFiltered)
		s.Increment(event.KindMessagesUpsert, store.FieldForwarded)

		snap := s.Snapshot()
		assert.Equal(t, int64(1), snap.Legacy.TotalMessages)
		assert.Equal(t, int64(1), snap.Legacy.FilteredMessages)
		assert.Equal(t, int64(1), snap.Legacy.AllowedMessages)
	})
}

func TestStatsRingBuffer(t *testing.T) {
	t.Run("should bound the buffer and keep newest first", func(t *testing.T) {
		const limit = 10
		s, _ := newStatsStore(t, limit)

		for i := 0; i < 25; i++ {
			s.LogEvent(event.StoredEvent{
				EventKind:   event.KindMessagesUpsert,
				Action:      event.ActionForwarded,
				MessageBody: fmt.Sprintf("msg-%d", i),
			})
		}

		records, total := s.Recent(limit, "", 0)
		assert.Equal(t, limit, total)
		require.Len(t, records, limit)
		assert.Equal(t, "msg-24", records[0].MessageBody)
		assert.Equal(t, "msg-15", records[limit-1].MessageBody)
	})

	t.Run("should fill id and timestamp", func(t *testing.T) {
		s, _ := newStatsStore(t, 10)

		s.LogEvent(event.StoredEvent{EventKind: event.KindMessagesUpsert, Action: event.ActionFiltered})

		records, _ := s.Recent(1, "", 0)
		require.Len(t, records, 1)
		assert.NotEmpty(t, records[0].ID)
		assert.NotEmpty(t, records[0].Timestamp)
	})

	t.Run("should truncate over-long previews", func(t *testing.T) {
		s, _ := newStatsStore(t, 10)

		long := make([]byte, 200)
		for i := range long {
			long[i] = 'x'
		}
		s.LogEvent(event.StoredEvent{
			EventKind:      event.KindMessagesUpsert,
			Action:         event.ActionFiltered,
			MessagePreview: string(long),
		})

		records, _ := s.Recent(1, "", 0)
		require.Len(t, records, 1)
		assert.Len(t, records[0].MessagePreview, event.MessagePreviewLimit)
	})

	t.Run("should filter by kind and page", func(t *testing.T) {
		s, _ := newStatsStore(t, 100)

		for i := 0; i < 5; i++ {
			s.LogEvent(event.StoredEvent{EventKind: event.KindMessagesUpsert, Action: event.ActionForwarded})
			s.LogEvent(event.StoredEvent{EventKind: event.KindCall, Action: event.ActionLogged})
		}

		records, total := s.Recent(2, event.KindCall, 0)
		assert.Equal(t, 5, total)
		assert.Len(t, records, 2)
		for _, rec := range records {
			assert.Equal(t, event.KindCall, rec.EventKind)
		}

		records, _ = s.Recent(10, event.KindCall, 4)
		assert.Len(t, records, 1)
	})
}

func TestStatsAlerts(t *testing.T) {
	t.Run("should count alert outcomes by level", func(t *testing.T) {
		s, _ := newStatsStore(t, 10)

		s.IncrementAlert("critical", true)
		s.IncrementAlert("critical", false)
		s.IncrementAlert("warning", true)

		snap := s.Snapshot()
		assert.Equal(t, int64(2), snap.Alerts.Sent)
		assert.Equal(t, int64(1), snap.Alerts.Failed)
		assert.Equal(t, int64(2), snap.Alerts.ByLevel["critical"])
		assert.Equal(t, int64(1), snap.Alerts.ByLevel["warning"])
	})
}

func TestStatsPersistence(t *testing.T) {
	t.Run("should merge persisted counters with defaults on load", func(t *testing.T) {
		s, dir := newStatsStore(t, 100)

		s.Increment(event.KindMessagesUpsert, store.FieldTotal)
		s.Increment(event.Kind("CUSTOM_KIND"), store.FieldTotal)
		s.LogEvent(event.StoredEvent{EventKind: event.KindMessagesUpsert, Action: event.ActionForwarded})
		require.NoError(t, s.Save())

		reloaded := store.NewStatsStore(dir, 100, &logger.NoopLogger{})
		require.NoError(t, reloaded.Load())

		assert.Equal(t, int64(1), reloaded.Counters(event.KindMessagesUpsert).Total)
		assert.Equal(t, int64(1), reloaded.Counters(event.Kind("CUSTOM_KIND")).Total)
		// Defaults still present even when absent from disk
		snap := reloaded.Snapshot()
		assert.Contains(t, snap.Events, string(event.KindCall))

		records, _ := reloaded.Recent(10, "", 0)
		assert.Len(t, records, 1)
	})

	t.Run("should trim an oversized persisted buffer to the limit", func(t *testing.T) {
		s, dir := newStatsStore(t, 100)
		for i := 0; i < 30; i++ {
			s.LogEvent(event.StoredEvent{EventKind: event.KindMessagesUpsert, Action: event.ActionForwarded})
		}
		require.NoError(t, s.Save())

		reloaded := store.NewStatsStore(dir, 5, &logger.NoopLogger{})
		require.NoError(t, reloaded.Load())

		records, total := reloaded.Recent(100, "", 0)
		assert.Equal(t, 5, total)
		assert.Len(t, records, 5)
	})
}
