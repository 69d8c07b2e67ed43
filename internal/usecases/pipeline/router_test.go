package pipeline_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"wafilter/internal/domain/event"
	"wafilter/internal/infra/metrics"
	"wafilter/internal/infra/store"
	"wafilter/internal/usecases/pipeline"
	"wafilter/pkg/logger"
)

func TestDetectEventKind(t *testing.T) {
	t.Run("should detect shapes", func(t *testing.T) {
		cases := []struct {
			name     string
			payload  string
			expected event.Kind
		}{
			{"message insertion", `{"key":{"remoteJid":"x"},"message":{"conversation":"hi"}}`, event.KindMessagesUpsert},
			{"message update", `{"key":{"id":"1"},"update":{"status":3}}`, event.KindMessagesUpdate},
			{"connection by state", `{"state":"open"}`, event.KindConnectionUpdate},
			{"connection by connection field", `{"connection":"close"}`, event.KindConnectionUpdate},
			{"qr by qrcode", `{"qrcode":{"code":"abc"}}`, event.KindQRCodeUpdated},
			{"qr by base64", `{"base64":"data:image/png;base64,AAA"}`, event.KindQRCodeUpdated},
			{"group upsert", `{"id":"120363000000000000@g.us","subject":"Family"}`, event.KindGroupsUpsert},
			{"participants update", `{"participants":["a"],"action":"add"}`, event.KindGroupParticipantsUpdate},
			{"unrecognized", `{"foo":"bar"}`, ""},
			{"nested data", `{"data":{"key":{"remoteJid":"x"},"message":{"conversation":"hi"}}}`, event.KindMessagesUpsert},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, pipeline.DetectEventKind([]byte(tc.payload)))
			})
		}
	})

	t.Run("should return empty on malformed JSON", func(t *testing.T) {
		assert.Equal(t, event.Kind(""), pipeline.DetectEventKind([]byte(`{`)))
	})
}

func TestRouterDispatch(t *testing.T) {
	newRouter := func(t *testing.T) (*pipeline.Router, *store.StatsStore) {
		t.Helper()
		stats := store.NewStatsStore(t.TempDir(), 100, &logger.NoopLogger{})
		return pipeline.NewRouter(stats, metrics.New(), &logger.NoopLogger{}), stats
	}

	t.Run("should dispatch to the registered handler", func(t *testing.T) {
		router, _ := newRouter(t)

		called := false
		router.Register(event.KindCall, func(ctx context.Context, payload json.RawMessage) (*pipeline.Result, error) {
			called = true
			return &pipeline.Result{Success: true, Action: event.ActionLogged}, nil
		})

		result := router.Route(context.Background(), event.KindCall, []byte(`{}`))

		assert.True(t, called)
		assert.True(t, result.Success)
		assert.Equal(t, event.KindCall, result.EventKind)
	})

	t.Run("should route unknown kinds to the generic handler and count them", func(t *testing.T) {
		router, stats := newRouter(t)

		result := router.Route(context.Background(), event.Kind("NEVER_SEEN"), []byte(`{}`))

		assert.True(t, result.Success)
		assert.Equal(t, event.ActionLogged, result.Action)
		assert.Equal(t, int64(1), stats.Counters(event.Kind("NEVER_SEEN")).Total)
	})

	t.Run("should convert handler errors into failed results", func(t *testing.T) {
		router, _ := newRouter(t)

		router.Register(event.KindCall, func(ctx context.Context, payload json.RawMessage) (*pipeline.Result, error) {
			return nil, assert.AnError
		})

		result := router.Route(context.Background(), event.KindCall, []byte(`{}`))

		assert.False(t, result.Success)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("should convert handler panics into failed results", func(t *testing.T) {
		router, _ := newRouter(t)

		router.Register(event.KindCall, func(ctx context.Context, payload json.RawMessage) (*pipeline.Result, error) {
			panic("boom")
		})

		result := router.Route(context.Background(), event.KindCall, []byte(`{}`))

		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "boom")
	})
}
