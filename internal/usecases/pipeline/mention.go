package pipeline

import (
	"strings"

	"wafilter/internal/domain/event"
	"wafilter/internal/domain/identity"
	"wafilter/internal/infra/store"
)

// MentionDetector inspects allowed group messages for the three mention
// signals: an explicit tag, a configured keyword, or a reply to one of our
// own messages. Checks run in that order; the first hit wins.
type MentionDetector struct {
	keywords []string
	messages *store.MessageStore
}

// NewMentionDetector creates a detector over a lowercased keyword list
func NewMentionDetector(keywords []string, messages *store.MessageStore) *MentionDetector {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return &MentionDetector{keywords: lowered, messages: messages}
}

// Detect checks the (already unwrapped) content and body against self-phone
func (d *MentionDetector) Detect(content *event.MessageContent, body, selfPhone string) event.MentionResult {
	self := identity.NormalizePhone(selfPhone)
	if self == "" {
		return event.MentionResult{}
	}

	info := content.GetContextInfo()

	// Tag mention: a mentioned identifier whose digits equal or end with
	// self-phone
	if info != nil {
		for _, jid := range info.MentionedJID {
			digits := identity.NormalizePhone(jid)
			if digits == self || strings.HasSuffix(digits, self) {
				return event.MentionResult{
					IsMentioned: true,
					Method:      event.MentionMethodTag,
				}
			}
		}
	}

	// Keyword mention: lowercased body contains any configured keyword
	if body != "" && len(d.keywords) > 0 {
		lowered := strings.ToLower(body)
		var matched []string
		for _, keyword := range d.keywords {
			if strings.Contains(lowered, keyword) {
				matched = append(matched, keyword)
			}
		}
		if len(matched) > 0 {
			return event.MentionResult{
				IsMentioned: true,
				Method:      event.MentionMethodKeyword,
				Keywords:    matched,
			}
		}
	}

	// Reply mention: the quoted stanza is one of our own messages
	if info != nil && info.StanzaID != "" && d.messages.IsOurMessage(info.StanzaID) {
		return event.MentionResult{
			IsMentioned: true,
			Method:      event.MentionMethodReply,
		}
	}

	return event.MentionResult{}
}
