package pipeline_test

import (
	"testing"
	"time"

	"wafilter/internal/infra/alert"
	"wafilter/internal/infra/config"
	"wafilter/internal/infra/store"
	"wafilter/internal/infra/webhook"
	"wafilter/internal/usecases/pipeline"
	"wafilter/pkg/logger"
)

// testEnv assembles a pipeline over temp-dir stores and a fast-backoff
// dispatcher
type testEnv struct {
	cfg        *config.Config
	configs    *store.ConfigStore
	stats      *store.StatsStore
	messages   *store.MessageStore
	dispatcher *webhook.Dispatcher
	pipe       *pipeline.Pipeline

	selfPhone string
	resolver  *fakeResolver
}

// fakeResolver is a canned linked-identifier resolver
type fakeResolver struct {
	byLinkedID map[string]string
}

func (f *fakeResolver) ResolvePhone(linkedID string) (string, bool) {
	phone, ok := f.byLinkedID[linkedID]
	return phone, ok
}

type envOption func(*testEnv)

// withEnvWebhook sets the env-provided default destination
func withEnvWebhook(url string) envOption {
	return func(e *testEnv) {
		e.cfg.Webhook.DefaultURL = url
	}
}

// withSelfPhone simulates a connected adapter
func withSelfPhone(phone string) envOption {
	return func(e *testEnv) {
		e.selfPhone = phone
	}
}

// withMention enables mention detection
func withMention(url string, onlyToMention bool) envOption {
	return func(e *testEnv) {
		e.cfg.Mention.Enabled = true
		e.cfg.Mention.URL = url
		e.cfg.Mention.OnlyToMentionWebhook = onlyToMention
	}
}

// withAlertChannel points the generic alert channel at a test server
func withAlertChannel(url string) envOption {
	return func(e *testEnv) {
		e.cfg.Alert.NotificationURL = url
	}
}

func withConfig(mutate func(cfg *config.Config)) envOption {
	return func(e *testEnv) {
		mutate(e.cfg)
	}
}

func newEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	dir := t.TempDir()
	log := &logger.NoopLogger{}

	e := &testEnv{
		cfg: &config.Config{
			Instance: "test-instance",
			Mention: config.MentionConfig{
				Keywords: "דוד,david",
			},
			Storage: config.StorageConfig{
				DataDir:           dir,
				RecentEventsLimit: 100,
				MaxPerSource:      100,
				MaxTotalMessages:  5000,
				MaxMediaFiles:     10,
				MaxMediaBytes:     1024,
			},
		},
		resolver: &fakeResolver{byLinkedID: map[string]string{}},
	}

	for _, opt := range opts {
		opt(e)
	}

	e.configs = store.NewConfigStore(dir, e.cfg.Webhook.DefaultURL, log)
	e.stats = store.NewStatsStore(dir, e.cfg.Storage.RecentEventsLimit, log)
	e.messages = store.NewMessageStore(dir, e.cfg.Storage.MaxPerSource,
		e.cfg.Storage.MaxTotalMessages, log)

	e.dispatcher = webhook.New(e.configs, e.cfg.Webhook.SecondaryURL, e.cfg.Instance,
		webhook.Options{
			MaxAttempts:      3,
			FirstTimeout:     2 * time.Second,
			RetryTimeout:     2 * time.Second,
			SecondaryTimeout: 2 * time.Second,
			BackoffDelays:    []time.Duration{time.Millisecond, 2 * time.Millisecond},
		}, log)

	alerts := alert.New(e.cfg.Alert.NotificationURL, e.cfg.Alert.SlackURL,
		e.cfg.Instance, e.stats, nil, log)

	e.pipe = pipeline.New(pipeline.Deps{
		Config:     e.cfg,
		Configs:    e.configs,
		Stats:      e.stats,
		Messages:   e.messages,
		Dispatcher: e.dispatcher,
		Alerts:     alerts,
		Metrics:    nil,
		Resolver:   e.resolver,
		SelfPhone:  func() string { return e.selfPhone },
		Logger:     log,
	})
	return e
}
