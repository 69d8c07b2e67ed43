package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"wafilter/internal/domain/event"
	"wafilter/internal/infra/store"
	"wafilter/internal/usecases/pipeline"
	"wafilter/pkg/logger"
)

func newDetector(t *testing.T, keywords []string) (*pipeline.MentionDetector, *store.MessageStore) {
	t.Helper()
	messages := store.NewMessageStore(t.TempDir(), 100, 5000, &logger.NoopLogger{})
	return pipeline.NewMentionDetector(keywords, messages), messages
}

func textWithContext(text string, info *event.ContextInfo) *event.MessageContent {
	return &event.MessageContent{
		ExtendedTextMessage: &event.TextMessage{Text: text, ContextInfo: info},
	}
}

func TestMentionDetector(t *testing.T) {
	const selfPhone = "972500000099"

	t.Run("should detect a tag mention by exact digits", func(t *testing.T) {
		d, _ := newDetector(t, nil)

		content := textWithContext("hey", &event.ContextInfo{
			MentionedJID: []string{"972500000099@s.whatsapp.net"},
		})

		result := d.Detect(content, "hey", selfPhone)

		assert.True(t, result.IsMentioned)
		assert.Equal(t, event.MentionMethodTag, result.Method)
	})

	t.Run("should detect a tag mention by suffix", func(t *testing.T) {
		d, _ := newDetector(t, nil)

		content := textWithContext("hey", &event.ContextInfo{
			MentionedJID: []string{"00972500000099@s.whatsapp.net"},
		})

		result := d.Detect(content, "hey", selfPhone)

		assert.True(t, result.IsMentioned)
		assert.Equal(t, event.MentionMethodTag, result.Method)
	})

	t.Run("should not match unrelated tags", func(t *testing.T) {
		d, _ := newDetector(t, nil)

		content := textWithContext("hey", &event.ContextInfo{
			MentionedJID: []string{"972500000001@s.whatsapp.net"},
		})

		result := d.Detect(content, "hey", selfPhone)
		assert.False(t, result.IsMentioned)
	})

	t.Run("should detect keyword mentions case-insensitively", func(t *testing.T) {
		d, _ := newDetector(t, []string{"דוד", "david"})

		result := d.Detect(&event.MessageContent{Conversation: "hello DAVID!"}, "hello DAVID!", selfPhone)

		assert.True(t, result.IsMentioned)
		assert.Equal(t, event.MentionMethodKeyword, result.Method)
		assert.Equal(t, []string{"david"}, result.Keywords)
	})

	t.Run("should report every matched keyword", func(t *testing.T) {
		d, _ := newDetector(t, []string{"דוד", "david"})

		result := d.Detect(nil, "דוד aka david", selfPhone)

		assert.True(t, result.IsMentioned)
		assert.ElementsMatch(t, []string{"דוד", "david"}, result.Keywords)
	})

	t.Run("should detect a reply to one of our messages", func(t *testing.T) {
		d, messages := newDetector(t, nil)
		messages.MarkOurMessage("OUR-1")

		content := textWithContext("sure", &event.ContextInfo{StanzaID: "OUR-1"})

		result := d.Detect(content, "sure", selfPhone)

		assert.True(t, result.IsMentioned)
		assert.Equal(t, event.MentionMethodReply, result.Method)
	})

	t.Run("should not match replies to other messages", func(t *testing.T) {
		d, _ := newDetector(t, nil)

		content := textWithContext("sure", &event.ContextInfo{StanzaID: "THEIRS-1"})

		result := d.Detect(content, "sure", selfPhone)
		assert.False(t, result.IsMentioned)
	})

	t.Run("should prefer tag over keyword", func(t *testing.T) {
		d, _ := newDetector(t, []string{"david"})

		content := textWithContext("ping david", &event.ContextInfo{
			MentionedJID: []string{"972500000099@s.whatsapp.net"},
		})

		result := d.Detect(content, "ping david", selfPhone)
		assert.Equal(t, event.MentionMethodTag, result.Method)
	})

	t.Run("should never match without a self phone", func(t *testing.T) {
		d, _ := newDetector(t, []string{"david"})

		result := d.Detect(&event.MessageContent{Conversation: "david"}, "david", "")
		assert.False(t, result.IsMentioned)
	})
}
