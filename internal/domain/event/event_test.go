package event_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wafilter/internal/domain/event"
)

func TestKindFromPath(t *testing.T) {
	t.Run("should uppercase and normalize hyphens", func(t *testing.T) {
		assert.Equal(t, event.Kind("MESSAGES_UPSERT"), event.KindFromPath("messages-upsert"))
		assert.Equal(t, event.Kind("GROUP_PARTICIPANTS_UPDATE"), event.KindFromPath("group-participants-update"))
		assert.Equal(t, event.Kind("CALL"), event.KindFromPath("call"))
	})
}

func TestUnwrap(t *testing.T) {
	inner := &event.MessageContent{Conversation: "hello"}

	t.Run("should return plain content unchanged", func(t *testing.T) {
		assert.Equal(t, inner, inner.Unwrap())
	})

	t.Run("should unwrap ephemeral wrapper", func(t *testing.T) {
		wrapped := &event.MessageContent{
			EphemeralMessage: &event.WrappedMessage{Message: inner},
		}
		assert.Equal(t, inner, wrapped.Unwrap())
	})

	t.Run("should unwrap nested wrapper chain", func(t *testing.T) {
		wrapped := &event.MessageContent{
			EphemeralMessage: &event.WrappedMessage{Message: &event.MessageContent{
				ViewOnceMessageV2: &event.WrappedMessage{Message: &event.MessageContent{
					DocumentWithCaptionMessage: &event.WrappedMessage{Message: inner},
				}},
			}},
		}
		assert.Equal(t, inner, wrapped.Unwrap())
	})

	t.Run("should stop on a wrapper without nested content", func(t *testing.T) {
		wrapped := &event.MessageContent{
			ViewOnceMessage: &event.WrappedMessage{},
		}
		assert.Equal(t, wrapped, wrapped.Unwrap())
	})
}

func TestIsProtocolOnly(t *testing.T) {
	t.Run("should detect key distribution without user payload", func(t *testing.T) {
		content := &event.MessageContent{
			SenderKeyDistributionMessage: json.RawMessage(`{"groupId":"x"}`),
		}
		assert.True(t, content.IsProtocolOnly())
	})

	t.Run("should not flag content with a user payload", func(t *testing.T) {
		content := &event.MessageContent{
			Conversation:                 "hi",
			SenderKeyDistributionMessage: json.RawMessage(`{"groupId":"x"}`),
		}
		assert.False(t, content.IsProtocolOnly())
	})

	t.Run("should treat nil content as protocol only", func(t *testing.T) {
		var content *event.MessageContent
		assert.True(t, content.IsProtocolOnly())
	})
}

func TestClassify(t *testing.T) {
	t.Run("should classify each variant", func(t *testing.T) {
		cases := []struct {
			name      string
			content   *event.MessageContent
			msgType   string
			body      string
			hasMedia  bool
			mediaType string
		}{
			{"conversation", &event.MessageContent{Conversation: "hi"}, "text", "hi", false, ""},
			{"extended text", &event.MessageContent{
				ExtendedTextMessage: &event.TextMessage{Text: "hey"},
			}, "text", "hey", false, ""},
			{"image with caption", &event.MessageContent{
				ImageMessage: &event.MediaMessage{Caption: "pic"},
			}, "image", "pic", true, "image"},
			{"audio", &event.MessageContent{
				AudioMessage: &event.MediaMessage{MimeType: "audio/ogg"},
			}, "audio", "", true, "audio"},
			{"document falls back to file name", &event.MessageContent{
				DocumentMessage: &event.MediaMessage{FileName: "report.pdf"},
			}, "document", "report.pdf", true, "document"},
			{"reaction", &event.MessageContent{
				ReactionMessage: &event.ReactionMessage{Text: "👍"},
			}, "reaction", "👍", false, ""},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				msgType, body, hasMedia, mediaType := tc.content.Classify()

				assert.Equal(t, tc.msgType, msgType)
				assert.Equal(t, tc.body, body)
				assert.Equal(t, tc.hasMedia, hasMedia)
				assert.Equal(t, tc.mediaType, mediaType)
			})
		}
	})
}

func TestUnmarshalMessageData(t *testing.T) {
	t.Run("should decode a direct payload", func(t *testing.T) {
		payload := []byte(`{"key":{"remoteJid":"972500000001@s.whatsapp.net","id":"A1"},"message":{"conversation":"hi"},"messageTimestamp":1700000000}`)

		data, err := event.UnmarshalMessageData(payload)

		require.NoError(t, err)
		assert.Equal(t, "972500000001@s.whatsapp.net", data.Key.RemoteJID)
		assert.Equal(t, "A1", data.Key.ID)
		assert.Equal(t, "hi", data.Message.Conversation)
		assert.Equal(t, int64(1700000000), data.MessageTimestamp)
	})

	t.Run("should unwrap a top-level data field", func(t *testing.T) {
		payload := []byte(`{"data":{"key":{"remoteJid":"972500000001@s.whatsapp.net"},"pushName":"Dana"}}`)

		data, err := event.UnmarshalMessageData(payload)

		require.NoError(t, err)
		assert.Equal(t, "972500000001@s.whatsapp.net", data.Key.RemoteJID)
		assert.Equal(t, "Dana", data.PushName)
	})

	t.Run("should fail on malformed JSON", func(t *testing.T) {
		_, err := event.UnmarshalMessageData([]byte(`{`))
		assert.Error(t, err)
	})
}

func TestPreview(t *testing.T) {
	t.Run("should keep short bodies intact", func(t *testing.T) {
		assert.Equal(t, "hello", event.Preview("hello"))
	})

	t.Run("should truncate to the preview limit", func(t *testing.T) {
		long := strings.Repeat("a", 200)
		assert.Len(t, event.Preview(long), event.MessagePreviewLimit)
	})
}

func TestQuotedBody(t *testing.T) {
	t.Run("should extract the quoted message body", func(t *testing.T) {
		content := &event.MessageContent{
			ExtendedTextMessage: &event.TextMessage{
				Text: "reply",
				ContextInfo: &event.ContextInfo{
					StanzaID:      "Q1",
					QuotedMessage: &event.MessageContent{Conversation: "original"},
				},
			},
		}
		assert.Equal(t, "original", content.QuotedBody())
	})

	t.Run("should return empty without context", func(t *testing.T) {
		content := &event.MessageContent{Conversation: "hi"}
		assert.Empty(t, content.QuotedBody())
	})
}
