package pipeline_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wafilter/internal/domain/event"
	"wafilter/internal/infra/config"
)

// textEvent builds a minimal message-insertion payload
func textEvent(remoteJID, body string) []byte {
	return []byte(fmt.Sprintf(
		`{"key":{"remoteJid":"%s","id":"MSG-1"},"pushName":"Sender","message":{"conversation":"%s"},"messageTimestamp":1700000000}`,
		remoteJID, body))
}

func route(t *testing.T, e *testEnv, kind event.Kind, payload []byte) {
	t.Helper()
	e.pipe.Route(context.Background(), event.Envelope{Kind: kind, Payload: payload, Source: "webhook"})
}

// recorder is a destination test double
type recorder struct {
	server  *httptest.Server
	calls   atomic.Int32
	headers atomic.Value
}

func newRecorder(t *testing.T, status int) *recorder {
	t.Helper()
	rec := &recorder{}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.calls.Add(1)
		rec.headers.Store(r.Header.Clone())
		w.WriteHeader(status)
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func (r *recorder) header(key string) string {
	if h, ok := r.headers.Load().(http.Header); ok {
		return h.Get(key)
	}
	return ""
}

func TestFilterUnknownContact(t *testing.T) {
	t.Run("should filter and record unknown contacts", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL))

		route(t, e, event.KindMessagesUpsert,
			textEvent("972500000001@s.whatsapp.net", "hi"))

		counters := e.stats.Counters(event.KindMessagesUpsert)
		assert.Equal(t, int64(1), counters.Filtered)
		assert.Equal(t, int64(0), counters.Forwarded)
		assert.Equal(t, int32(0), dest.calls.Load())

		records, _ := e.stats.Recent(1, "", 0)
		require.Len(t, records, 1)
		assert.Equal(t, event.ReasonNotInAllowedContacts, records[0].Reason)
		assert.Equal(t, "972500000001", records[0].Source)
		assert.Equal(t, "Sender", records[0].SenderName)
		assert.Equal(t, "hi", records[0].MessageBody)
	})
}

func TestForwardAllowedContact(t *testing.T) {
	t.Run("should forward with identity headers", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL))

		_, err := e.configs.AddContact("972500000002", "Dana", "", "")
		require.NoError(t, err)

		route(t, e, event.KindMessagesUpsert,
			textEvent("972500000002@s.whatsapp.net", "hello"))

		assert.Equal(t, int32(1), dest.calls.Load())
		assert.Equal(t, "972500000002", dest.header("X-Source-Id"))
		assert.Equal(t, "contact", dest.header("X-Source-Type"))
		assert.Equal(t, "MESSAGES_UPSERT", dest.header("X-Event-Type"))

		counters := e.stats.Counters(event.KindMessagesUpsert)
		assert.Equal(t, int64(1), counters.Forwarded)

		// The allowed message was stored locally
		stored, _ := e.messages.Get("972500000002", 10, 0)
		require.Len(t, stored, 1)
		assert.Equal(t, "hello", stored[0].Body)
	})
}

func TestTypeSpecificRoute(t *testing.T) {
	t.Run("should route by entity type over the default", func(t *testing.T) {
		defaultDest := newRecorder(t, http.StatusOK)
		vipDest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(defaultDest.server.URL))

		require.NoError(t, e.configs.SetCustomTypes([]string{"VIP"}, nil))
		_, err := e.configs.AddContact("972500000003", "Vip Person", "VIP", "")
		require.NoError(t, err)
		require.NoError(t, e.configs.SetTypeWebhooks(map[string]string{"VIP": vipDest.server.URL}))

		route(t, e, event.KindMessagesUpsert,
			textEvent("972500000003@s.whatsapp.net", "hi"))

		assert.Equal(t, int32(1), vipDest.calls.Load())
		assert.Equal(t, int32(0), defaultDest.calls.Load())
		assert.Equal(t, "VIP", vipDest.header("X-Entity-Type"))
	})
}

func TestMissingTypeRoute(t *testing.T) {
	t.Run("should treat allowed-but-nowhere-to-send as forwarded", func(t *testing.T) {
		e := newEnv(t) // no default destination

		require.NoError(t, e.configs.SetCustomTypes([]string{"TEAM"}, nil))
		_, err := e.configs.AddContact("972500000004", "Team Member", "TEAM", "")
		require.NoError(t, err)

		route(t, e, event.KindMessagesUpsert,
			textEvent("972500000004@s.whatsapp.net", "hi"))

		counters := e.stats.Counters(event.KindMessagesUpsert)
		assert.Equal(t, int64(1), counters.Forwarded)
		assert.Equal(t, int64(0), counters.Failed)

		records, _ := e.stats.Recent(1, "", 0)
		require.Len(t, records, 1)
		assert.Equal(t, event.ActionForwarded, records[0].Action)
		assert.Equal(t, event.ReasonNoDestinationForType, records[0].Reason)
	})
}

func TestRetryThenSuccess(t *testing.T) {
	t.Run("should retry transient failures and succeed", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(server.Close)

		e := newEnv(t, withEnvWebhook(server.URL))
		_, err := e.configs.AddContact("972500000005", "Flaky", "", "")
		require.NoError(t, err)

		route(t, e, event.KindMessagesUpsert,
			textEvent("972500000005@s.whatsapp.net", "hi"))

		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, int64(1), e.stats.Counters(event.KindMessagesUpsert).Forwarded)

		report := e.dispatcher.Health()
		health := report.Destinations[server.URL]
		assert.Equal(t, 0, health.ConsecutiveFailures)
		assert.NotNil(t, health.LastSuccess)
	})
}

func TestGroupNormalization(t *testing.T) {
	t.Run("should allow a suffixed group configured without suffix", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL))

		_, err := e.configs.AddGroup("120363000000000000", "The Group", "")
		require.NoError(t, err)

		route(t, e, event.KindMessagesUpsert,
			textEvent("120363000000000000@g.us", "hi group"))

		assert.Equal(t, int32(1), dest.calls.Load())
		assert.Equal(t, "group", dest.header("X-Source-Type"))
		assert.Equal(t, int64(1), e.stats.Counters(event.KindMessagesUpsert).Forwarded)
	})
}

func TestMention(t *testing.T) {
	groupEvent := func(body string) []byte {
		return []byte(fmt.Sprintf(
			`{"key":{"remoteJid":"120363000000000000@g.us","id":"G-1","participant":"972500000002@s.whatsapp.net"},"message":{"conversation":"%s"}}`,
			body))
	}

	t.Run("should forward mentions to the mention destination", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		mentionDest := newRecorder(t, http.StatusOK)
		e := newEnv(t,
			withEnvWebhook(dest.server.URL),
			withSelfPhone("972500000099"),
			withMention(mentionDest.server.URL, false))

		_, err := e.configs.AddGroup("120363000000000000", "The Group", "")
		require.NoError(t, err)

		route(t, e, event.KindMessagesUpsert, groupEvent("hello david"))

		assert.Equal(t, int32(1), mentionDest.calls.Load())
		// Without the mentions-only flag the normal forward still happens
		assert.Equal(t, int32(1), dest.calls.Load())
	})

	t.Run("should suppress normal forwarding in mentions-only mode", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		mentionDest := newRecorder(t, http.StatusOK)
		e := newEnv(t,
			withEnvWebhook(dest.server.URL),
			withSelfPhone("972500000099"),
			withMention(mentionDest.server.URL, true))

		_, err := e.configs.AddGroup("120363000000000000", "The Group", "")
		require.NoError(t, err)

		route(t, e, event.KindMessagesUpsert, groupEvent("hello david"))

		assert.Equal(t, int32(1), mentionDest.calls.Load())
		assert.Equal(t, int32(0), dest.calls.Load())

		records, _ := e.stats.Recent(1, "", 0)
		require.Len(t, records, 1)
		assert.Equal(t, event.ActionMentionForwarded, records[0].Action)
	})

	t.Run("should not branch for non-mention group messages", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		mentionDest := newRecorder(t, http.StatusOK)
		e := newEnv(t,
			withEnvWebhook(dest.server.URL),
			withSelfPhone("972500000099"),
			withMention(mentionDest.server.URL, true))

		_, err := e.configs.AddGroup("120363000000000000", "The Group", "")
		require.NoError(t, err)

		route(t, e, event.KindMessagesUpsert, groupEvent("nothing special"))

		assert.Equal(t, int32(0), mentionDest.calls.Load())
		assert.Equal(t, int32(1), dest.calls.Load())
	})
}

func TestStatusBroadcast(t *testing.T) {
	t.Run("should filter status broadcasts without logging a record", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL))

		route(t, e, event.KindMessagesUpsert, textEvent("status@broadcast", "story"))

		assert.Equal(t, int64(1), e.stats.Counters(event.KindMessagesUpsert).Filtered)
		assert.Equal(t, int32(0), dest.calls.Load())

		records, _ := e.stats.Recent(1, "", 0)
		assert.Empty(t, records)
	})
}

func TestSelfPhoneAuthorization(t *testing.T) {
	t.Run("should auto-allow the adapter's own phone as SELF", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL), withSelfPhone("972500000099"))

		// Not in the contacts list on purpose
		route(t, e, event.KindMessagesUpsert,
			textEvent("972500000099@s.whatsapp.net", "note to self"))

		assert.Equal(t, int32(1), dest.calls.Load())
		assert.Equal(t, "SELF", dest.header("X-Entity-Type"))
		assert.Equal(t, int64(1), e.stats.Counters(event.KindMessagesUpsert).Forwarded)
	})
}

func TestLinkedIdentifierResolution(t *testing.T) {
	t.Run("should resolve via the payload hint first", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL))

		_, err := e.configs.AddContact("972500000002", "Dana", "", "")
		require.NoError(t, err)

		payload := []byte(`{"key":{"remoteJid":"249786758348836@lid","id":"L-1","senderPn":"972500000002"},"message":{"conversation":"hi"}}`)
		route(t, e, event.KindMessagesUpsert, payload)

		assert.Equal(t, int32(1), dest.calls.Load())
		assert.Equal(t, "972500000002", dest.header("X-Source-Id"))
	})

	t.Run("should fall back to the adapter resolver", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL))
		e.resolver.byLinkedID["249786758348836"] = "972500000002"

		_, err := e.configs.AddContact("972500000002", "Dana", "", "")
		require.NoError(t, err)

		payload := []byte(`{"key":{"remoteJid":"249786758348836@lid","id":"L-2"},"message":{"conversation":"hi"}}`)
		route(t, e, event.KindMessagesUpsert, payload)

		assert.Equal(t, int32(1), dest.calls.Load())
		assert.Equal(t, "972500000002", dest.header("X-Source-Id"))
	})

	t.Run("should fall back to the contact linked-id index", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL))

		_, err := e.configs.AddContact("972500000002", "Dana", "", "249786758348836")
		require.NoError(t, err)

		payload := []byte(`{"key":{"remoteJid":"249786758348836@lid","id":"L-3"},"message":{"conversation":"hi"}}`)
		route(t, e, event.KindMessagesUpsert, payload)

		assert.Equal(t, int32(1), dest.calls.Load())
		assert.Equal(t, "972500000002", dest.header("X-Source-Id"))
	})

	t.Run("should filter unresolvable linked identifiers", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL))

		payload := []byte(`{"key":{"remoteJid":"249786758348836@lid","id":"L-4"},"message":{"conversation":"hi"}}`)
		route(t, e, event.KindMessagesUpsert, payload)

		assert.Equal(t, int32(0), dest.calls.Load())
		assert.Equal(t, int64(1), e.stats.Counters(event.KindMessagesUpsert).Filtered)
	})
}

func TestWrapperUnwrapping(t *testing.T) {
	t.Run("should classify wrapped content", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL))

		_, err := e.configs.AddContact("972500000002", "Dana", "", "")
		require.NoError(t, err)

		payload := []byte(`{"key":{"remoteJid":"972500000002@s.whatsapp.net","id":"W-1"},"message":{"ephemeralMessage":{"message":{"conversation":"secret"}}}}`)
		route(t, e, event.KindMessagesUpsert, payload)

		assert.Equal(t, int32(1), dest.calls.Load())
		stored, _ := e.messages.Get("972500000002", 10, 0)
		require.Len(t, stored, 1)
		assert.Equal(t, "secret", stored[0].Body)
	})

	t.Run("should skip protocol-only envelopes", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL))

		_, err := e.configs.AddContact("972500000002", "Dana", "", "")
		require.NoError(t, err)

		payload := []byte(`{"key":{"remoteJid":"972500000002@s.whatsapp.net","id":"P-1"},"message":{"senderKeyDistributionMessage":{"groupId":"x"}}}`)
		route(t, e, event.KindMessagesUpsert, payload)

		assert.Equal(t, int32(0), dest.calls.Load())
		assert.Equal(t, int64(1), e.stats.Counters(event.KindMessagesUpsert).Filtered)
	})
}

func TestFailureEscalation(t *testing.T) {
	t.Run("should alert once the failure threshold is reached", func(t *testing.T) {
		var alertCalls atomic.Int32
		alertServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Alert-Level") == "warning" {
				alertCalls.Add(1)
			}
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(alertServer.Close)

		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		t.Cleanup(failing.Close)

		e := newEnv(t, withEnvWebhook(failing.URL), withAlertChannel(alertServer.URL))
		_, err := e.configs.AddContact("972500000002", "Dana", "", "")
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			route(t, e, event.KindMessagesUpsert,
				textEvent("972500000002@s.whatsapp.net", "hi"))
		}

		assert.Equal(t, int64(5), e.stats.Counters(event.KindMessagesUpsert).Failed)
		// Exactly one warning at the threshold crossing
		assert.Equal(t, int32(1), alertCalls.Load())
	})
}

func TestOutgoingMessages(t *testing.T) {
	outgoing := func(remoteJID string) []byte {
		return []byte(fmt.Sprintf(
			`{"key":{"remoteJid":"%s","id":"OUT-1","fromMe":true},"message":{"conversation":"sent by us"}}`,
			remoteJID))
	}

	t.Run("should store without forwarding when disabled", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL))

		_, err := e.configs.AddContact("972500000002", "Dana", "", "")
		require.NoError(t, err)

		route(t, e, event.KindSendMessage, outgoing("972500000002@s.whatsapp.net"))

		assert.Equal(t, int32(0), dest.calls.Load())
		assert.True(t, e.messages.IsOurMessage("OUT-1"))

		stored, _ := e.messages.Get("972500000002", 10, 0)
		require.Len(t, stored, 1)
		assert.True(t, stored[0].FromSelf)
	})

	t.Run("should forward when the flag is enabled", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL), withConfig(func(cfg *config.Config) {
			cfg.Forward.OutgoingMessages = true
		}))

		_, err := e.configs.AddContact("972500000002", "Dana", "", "")
		require.NoError(t, err)

		route(t, e, event.KindSendMessage, outgoing("972500000002@s.whatsapp.net"))

		assert.Equal(t, int32(1), dest.calls.Load())
		assert.Equal(t, "SEND_MESSAGE", dest.header("X-Event-Type"))
	})

	t.Run("should filter outgoing to unknown recipients", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL), withConfig(func(cfg *config.Config) {
			cfg.Forward.OutgoingMessages = true
		}))

		route(t, e, event.KindSendMessage, outgoing("972500000008@s.whatsapp.net"))

		assert.Equal(t, int32(0), dest.calls.Load())
		assert.Equal(t, int64(1), e.stats.Counters(event.KindSendMessage).Filtered)
	})
}

func TestMessageUpdates(t *testing.T) {
	update := []byte(`{"key":{"remoteJid":"972500000002@s.whatsapp.net","id":"U-1"},"update":{"status":3}}`)

	t.Run("should log updates when forwarding is disabled", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL))

		route(t, e, event.KindMessagesUpdate, update)

		assert.Equal(t, int32(0), dest.calls.Load())
		records, _ := e.stats.Recent(1, "", 0)
		require.Len(t, records, 1)
		assert.Equal(t, event.ActionLogged, records[0].Action)
	})

	t.Run("should forward updates when enabled and allowed", func(t *testing.T) {
		dest := newRecorder(t, http.StatusOK)
		e := newEnv(t, withEnvWebhook(dest.server.URL), withConfig(func(cfg *config.Config) {
			cfg.Forward.MessageUpdates = true
		}))

		_, err := e.configs.AddContact("972500000002", "Dana", "", "")
		require.NoError(t, err)

		route(t, e, event.KindMessagesUpdate, update)

		assert.Equal(t, int32(1), dest.calls.Load())
	})
}

func TestStatsSideEffects(t *testing.T) {
	t.Run("should count total for every routed event", func(t *testing.T) {
		e := newEnv(t, withEnvWebhook("https://ex.invalid/hook"))

		route(t, e, event.KindCall, []byte(`{"anything":true}`))
		route(t, e, event.Kind("BRAND_NEW_KIND"), []byte(`{"anything":true}`))

		assert.Equal(t, int64(1), e.stats.Counters(event.KindCall).Total)
		assert.Equal(t, int64(1), e.stats.Counters(event.Kind("BRAND_NEW_KIND")).Total)
	})
}
