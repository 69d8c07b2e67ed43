package webhook_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wafilter/internal/domain/event"
	"wafilter/internal/infra/webhook"
	"wafilter/pkg/errors"
	"wafilter/pkg/logger"
)

// fakeRoutes implements webhook.RouteSource for tests
type fakeRoutes struct {
	mu         sync.Mutex
	defaultURL string
	typeRoutes map[string]string
}

func (f *fakeRoutes) DefaultWebhook() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defaultURL
}

func (f *fakeRoutes) TypeWebhook(entityType string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typeRoutes[entityType]
}

// fastOptions keeps retry semantics but collapses the backoff for tests
func fastOptions() webhook.Options {
	return webhook.Options{
		MaxAttempts:      3,
		FirstTimeout:     2 * time.Second,
		RetryTimeout:     2 * time.Second,
		SecondaryTimeout: 2 * time.Second,
		BackoffDelays:    []time.Duration{5 * time.Millisecond, 10 * time.Millisecond},
	}
}

func newDispatcher(routes webhook.RouteSource, secondary string, opts webhook.Options) *webhook.Dispatcher {
	return webhook.New(routes, secondary, "test-instance", opts, &logger.NoopLogger{})
}

func meta(entityType string) webhook.Meta {
	return webhook.Meta{
		SourceID:   "972500000001",
		SourceType: "contact",
		EntityType: entityType,
		EventKind:  event.KindMessagesUpsert,
	}
}

func TestResolve(t *testing.T) {
	routes := &fakeRoutes{
		defaultURL: "https://ex.example/d",
		typeRoutes: map[string]string{"VIP": "https://ex.example/vip", "EMPTY": ""},
	}
	d := newDispatcher(routes, "", fastOptions())

	t.Run("should prefer the type route", func(t *testing.T) {
		assert.Equal(t, "https://ex.example/vip", d.Resolve("VIP"))
	})

	t.Run("should fall back to the default", func(t *testing.T) {
		assert.Equal(t, "https://ex.example/d", d.Resolve("TEAM"))
		assert.Equal(t, "https://ex.example/d", d.Resolve(""))
		assert.Equal(t, "https://ex.example/d", d.Resolve("EMPTY"))
	})

	t.Run("should be deterministic over a fixed snapshot", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			assert.Equal(t, "https://ex.example/vip", d.Resolve("VIP"))
		}
	})
}

func TestForward(t *testing.T) {
	t.Run("should deliver with headers on the first attempt", func(t *testing.T) {
		var got http.Header
		var body atomic.Value
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r.Header.Clone()
			buf, _ := io.ReadAll(r.Body)
			body.Store(string(buf))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		d := newDispatcher(&fakeRoutes{defaultURL: server.URL}, "", fastOptions())

		result, err := d.Forward(context.Background(), []byte(`{"x":1}`), meta("VIP"))

		require.NoError(t, err)
		assert.Equal(t, 1, result.Attempt)
		assert.Equal(t, server.URL, result.Destination)
		assert.Equal(t, "application/json", got.Get("Content-Type"))
		assert.Equal(t, "test-instance", got.Get("X-Filter-Source"))
		assert.Equal(t, "972500000001", got.Get("X-Source-Id"))
		assert.Equal(t, "contact", got.Get("X-Source-Type"))
		assert.Equal(t, "VIP", got.Get("X-Entity-Type"))
		assert.Equal(t, "MESSAGES_UPSERT", got.Get("X-Event-Type"))
		assert.Equal(t, `{"x":1}`, body.Load())
	})

	t.Run("should fail immediately with no destination", func(t *testing.T) {
		d := newDispatcher(&fakeRoutes{typeRoutes: map[string]string{}}, "", fastOptions())

		_, err := d.Forward(context.Background(), []byte(`{}`), meta("TEAM"))

		assert.True(t, errors.IsNoDestinationError(err))
	})

	t.Run("should retry 5xx and succeed within the budget", func(t *testing.T) {
		var calls atomic.Int32
		var timestamps []time.Time
		var mu sync.Mutex
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			timestamps = append(timestamps, time.Now())
			mu.Unlock()
			if calls.Add(1) <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		d := newDispatcher(&fakeRoutes{defaultURL: server.URL}, "", fastOptions())

		result, err := d.Forward(context.Background(), []byte(`{}`), meta(""))

		require.NoError(t, err)
		assert.Equal(t, 3, result.Attempt)
		assert.Equal(t, int32(3), calls.Load())

		// Backoff delays separate the attempts
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, timestamps, 3)
		assert.GreaterOrEqual(t, timestamps[1].Sub(timestamps[0]), 5*time.Millisecond)
		assert.GreaterOrEqual(t, timestamps[2].Sub(timestamps[1]), 10*time.Millisecond)

		// Health reflects the final success
		report := d.Health()
		health := report.Destinations[server.URL]
		assert.Equal(t, 0, health.ConsecutiveFailures)
		assert.NotNil(t, health.LastSuccess)
	})

	t.Run("should spend exactly the retry budget on persistent 5xx", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		d := newDispatcher(&fakeRoutes{defaultURL: server.URL}, "", fastOptions())

		_, err := d.Forward(context.Background(), []byte(`{}`), meta(""))

		assert.True(t, errors.IsDestinationFailedError(err))
		assert.Equal(t, int32(3), calls.Load())

		report := d.Health()
		health := report.Destinations[server.URL]
		assert.Equal(t, 1, health.ConsecutiveFailures)
		require.NotNil(t, health.LastError)
		assert.Equal(t, http.StatusBadGateway, health.LastError.Code)
	})

	t.Run("should not retry 4xx", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		d := newDispatcher(&fakeRoutes{defaultURL: server.URL}, "", fastOptions())

		_, err := d.Forward(context.Background(), []byte(`{}`), meta(""))

		assert.True(t, errors.IsDestinationFailedError(err))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("should retry when no response was received", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		// Closed server: every attempt is a connection error
		unreachable := server.URL
		server.Close()

		d := newDispatcher(&fakeRoutes{defaultURL: unreachable}, "", fastOptions())

		_, err := d.Forward(context.Background(), []byte(`{}`), meta(""))

		assert.True(t, errors.IsDestinationFailedError(err))
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("should track consecutive failures across forwards", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		d := newDispatcher(&fakeRoutes{defaultURL: server.URL}, "", fastOptions())

		for i := 0; i < 3; i++ {
			_, err := d.Forward(context.Background(), []byte(`{}`), meta(""))
			assert.Error(t, err)
		}

		assert.Equal(t, 3, d.ConsecutiveFailures(server.URL))
	})
}

func TestSecondary(t *testing.T) {
	t.Run("should fan out without blocking the primary", func(t *testing.T) {
		secondaryCalled := make(chan struct{})
		secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(secondaryCalled)
			w.WriteHeader(http.StatusOK)
		}))
		defer secondary.Close()

		var primaryCalls atomic.Int32
		primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			primaryCalls.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		defer primary.Close()

		d := newDispatcher(&fakeRoutes{defaultURL: primary.URL}, secondary.URL, fastOptions())

		_, err := d.Forward(context.Background(), []byte(`{}`), meta(""))
		require.NoError(t, err)

		select {
		case <-secondaryCalled:
		case <-time.After(2 * time.Second):
			t.Fatal("secondary destination was never called")
		}
		assert.Equal(t, int32(1), primaryCalls.Load())
	})

	t.Run("should not fail the primary when the secondary is down", func(t *testing.T) {
		primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer primary.Close()

		dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		deadURL := dead.URL
		dead.Close()

		d := newDispatcher(&fakeRoutes{defaultURL: primary.URL}, deadURL, fastOptions())

		result, err := d.Forward(context.Background(), []byte(`{}`), meta(""))

		require.NoError(t, err)
		assert.Equal(t, 1, result.Attempt)
	})

	t.Run("should not cause primary retries", func(t *testing.T) {
		var primaryCalls atomic.Int32
		primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			primaryCalls.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		defer primary.Close()

		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer failing.Close()

		d := newDispatcher(&fakeRoutes{defaultURL: primary.URL}, failing.URL, fastOptions())

		_, err := d.Forward(context.Background(), []byte(`{}`), meta(""))

		require.NoError(t, err)
		assert.Equal(t, int32(1), primaryCalls.Load())
	})
}

func TestHealthReport(t *testing.T) {
	t.Run("should include the secondary sub-object when configured", func(t *testing.T) {
		d := newDispatcher(&fakeRoutes{defaultURL: "https://ex.example/d"},
			"https://ex.example/backup", fastOptions())

		report := d.Health()
		assert.NotNil(t, report.Secondary)
	})

	t.Run("should omit the secondary sub-object otherwise", func(t *testing.T) {
		d := newDispatcher(&fakeRoutes{defaultURL: "https://ex.example/d"}, "", fastOptions())

		report := d.Health()
		assert.Nil(t, report.Secondary)
	})
}

func TestWebhookTest(t *testing.T) {
	t.Run("should post a synthetic payload", func(t *testing.T) {
		var received atomic.Value
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf, _ := io.ReadAll(r.Body)
			received.Store(string(buf))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		d := newDispatcher(&fakeRoutes{defaultURL: server.URL}, "", fastOptions())

		result := d.Test(context.Background(), "VIP")

		assert.True(t, result.Success)
		assert.Equal(t, server.URL, result.Destination)
		assert.Contains(t, received.Load().(string), `"test":true`)
	})

	t.Run("should report failures without retrying", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		d := newDispatcher(&fakeRoutes{defaultURL: server.URL}, "", fastOptions())

		result := d.Test(context.Background(), "")

		assert.False(t, result.Success)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("should report a missing destination", func(t *testing.T) {
		d := newDispatcher(&fakeRoutes{}, "", fastOptions())

		result := d.Test(context.Background(), "")

		assert.False(t, result.Success)
		assert.NotEmpty(t, result.Error)
	})
}

