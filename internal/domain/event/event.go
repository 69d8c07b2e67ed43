// Package event defines the envelope and payload types that flow through the
// pipeline, from ingress or the WhatsApp client into the router and handlers.
package event

import (
	"encoding/json"
	"strings"
)

// Kind identifies a canonical event kind. Upstream names arrive as the
// uppercased, underscore-normalized form of the webhook path segment.
type Kind string

// Canonical event kinds recognized by the router's dispatch table. Any other
// kind routes to the generic handler and is registered lazily in stats.
const (
	KindMessagesUpsert          Kind = "MESSAGES_UPSERT"
	KindMessagesUpdate          Kind = "MESSAGES_UPDATE"
	KindMessagesDelete          Kind = "MESSAGES_DELETE"
	KindMessagesSet             Kind = "MESSAGES_SET"
	KindSendMessage             Kind = "SEND_MESSAGE"
	KindConnectionUpdate        Kind = "CONNECTION_UPDATE"
	KindQRCodeUpdated           Kind = "QRCODE_UPDATED"
	KindLogoutInstance          Kind = "LOGOUT_INSTANCE"
	KindRemoveInstance          Kind = "REMOVE_INSTANCE"
	KindApplicationStartup      Kind = "APPLICATION_STARTUP"
	KindChatsUpsert             Kind = "CHATS_UPSERT"
	KindChatsUpdate             Kind = "CHATS_UPDATE"
	KindChatsDelete             Kind = "CHATS_DELETE"
	KindChatsSet                Kind = "CHATS_SET"
	KindGroupsUpsert            Kind = "GROUPS_UPSERT"
	KindGroupUpdate             Kind = "GROUP_UPDATE"
	KindGroupParticipantsUpdate Kind = "GROUP_PARTICIPANTS_UPDATE"
	KindContactsUpsert          Kind = "CONTACTS_UPSERT"
	KindContactsUpdate          Kind = "CONTACTS_UPDATE"
	KindContactsSet             Kind = "CONTACTS_SET"
	KindCall                    Kind = "CALL"
	KindLabelsAssociation       Kind = "LABELS_ASSOCIATION"
	KindLabelsEdit              Kind = "LABELS_EDIT"
	KindPresenceUpdate          Kind = "PRESENCE_UPDATE"
)

// KindFromPath normalizes a webhook path segment into a Kind:
// hyphens become underscores, then uppercased.
func KindFromPath(segment string) Kind {
	return Kind(strings.ToUpper(strings.ReplaceAll(segment, "-", "_")))
}

// Envelope is the unit flowing through the pipeline. Payload keeps the exact
// inbound bytes so forwarding can POST them unchanged.
type Envelope struct {
	Kind    Kind
	Payload json.RawMessage
	Source  string // origin tag: "webhook" or "whatsapp"
}

// MessageKey identifies a message within its chat
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	ID          string `json:"id"`
	FromMe      bool   `json:"fromMe,omitempty"`
	Participant string `json:"participant,omitempty"`
	// SenderPn carries an upstream-resolved phone for linked-identifier senders
	SenderPn string `json:"senderPn,omitempty"`
}

// ContextInfo carries quoting and mention metadata
type ContextInfo struct {
	MentionedJID  []string        `json:"mentionedJid,omitempty"`
	StanzaID      string          `json:"stanzaId,omitempty"`
	Participant   string          `json:"participant,omitempty"`
	QuotedMessage *MessageContent `json:"quotedMessage,omitempty"`
}

// UnmarshalJSON accepts both the webhook-style field casing (mentionedJid,
// stanzaId) and the protobuf-generated casing (mentionedJID, stanzaID)
func (c *ContextInfo) UnmarshalJSON(data []byte) error {
	type plain ContextInfo
	aux := struct {
		*plain
		MentionedJIDUpper []string `json:"mentionedJID,omitempty"`
		StanzaIDUpper     string   `json:"stanzaID,omitempty"`
	}{plain: (*plain)(c)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(c.MentionedJID) == 0 {
		c.MentionedJID = aux.MentionedJIDUpper
	}
	if c.StanzaID == "" {
		c.StanzaID = aux.StanzaIDUpper
	}
	return nil
}

// TextMessage is the extended text variant
type TextMessage struct {
	Text        string       `json:"text"`
	ContextInfo *ContextInfo `json:"contextInfo,omitempty"`
}

// MediaMessage covers image, video, audio, document and sticker variants
type MediaMessage struct {
	URL           string       `json:"url,omitempty"`
	MimeType      string       `json:"mimetype,omitempty"`
	Caption       string       `json:"caption,omitempty"`
	FileName      string       `json:"fileName,omitempty"`
	JPEGThumbnail []byte       `json:"jpegThumbnail,omitempty"`
	ContextInfo   *ContextInfo `json:"contextInfo,omitempty"`
}

// ContactCardMessage is a shared contact card
type ContactCardMessage struct {
	DisplayName string `json:"displayName,omitempty"`
	VCard       string `json:"vcard,omitempty"`
}

// LocationMessage is a shared location
type LocationMessage struct {
	DegreesLatitude  float64 `json:"degreesLatitude,omitempty"`
	DegreesLongitude float64 `json:"degreesLongitude,omitempty"`
	Name             string  `json:"name,omitempty"`
}

// ReactionMessage is an emoji reaction to another message
type ReactionMessage struct {
	Text string      `json:"text,omitempty"`
	Key  *MessageKey `json:"key,omitempty"`
}

// ProtocolMessage carries protocol-only payloads such as key distribution
type ProtocolMessage struct {
	Type string      `json:"type,omitempty"`
	Key  *MessageKey `json:"key,omitempty"`
}

// WrappedMessage is the shape shared by the ephemeral/viewOnce/
// documentWithCaption wrappers: a single nested message field.
type WrappedMessage struct {
	Message *MessageContent `json:"message,omitempty"`
}

// MessageContent is the tagged union of message variants. At most one of the
// content fields is set; the wrapper fields nest another MessageContent.
type MessageContent struct {
	Conversation        string              `json:"conversation,omitempty"`
	ExtendedTextMessage *TextMessage        `json:"extendedTextMessage,omitempty"`
	ImageMessage        *MediaMessage       `json:"imageMessage,omitempty"`
	VideoMessage        *MediaMessage       `json:"videoMessage,omitempty"`
	AudioMessage        *MediaMessage       `json:"audioMessage,omitempty"`
	DocumentMessage     *MediaMessage       `json:"documentMessage,omitempty"`
	StickerMessage      *MediaMessage       `json:"stickerMessage,omitempty"`
	ContactMessage      *ContactCardMessage `json:"contactMessage,omitempty"`
	LocationMessage     *LocationMessage    `json:"locationMessage,omitempty"`
	ReactionMessage     *ReactionMessage    `json:"reactionMessage,omitempty"`
	ProtocolMessage     *ProtocolMessage    `json:"protocolMessage,omitempty"`

	SenderKeyDistributionMessage json.RawMessage `json:"senderKeyDistributionMessage,omitempty"`

	EphemeralMessage           *WrappedMessage `json:"ephemeralMessage,omitempty"`
	ViewOnceMessage            *WrappedMessage `json:"viewOnceMessage,omitempty"`
	ViewOnceMessageV2          *WrappedMessage `json:"viewOnceMessageV2,omitempty"`
	DocumentWithCaptionMessage *WrappedMessage `json:"documentWithCaptionMessage,omitempty"`
}

// Unwrap walks through the wrapper chain (ephemeral, viewOnce, viewOnceV2,
// documentWithCaption) and returns the innermost content. Depth is bounded
// by the wrapper chain length.
func (m *MessageContent) Unwrap() *MessageContent {
	current := m
	for i := 0; current != nil && i < 4; i++ {
		var next *WrappedMessage
		switch {
		case current.EphemeralMessage != nil:
			next = current.EphemeralMessage
		case current.ViewOnceMessage != nil:
			next = current.ViewOnceMessage
		case current.ViewOnceMessageV2 != nil:
			next = current.ViewOnceMessageV2
		case current.DocumentWithCaptionMessage != nil:
			next = current.DocumentWithCaptionMessage
		default:
			return current
		}
		if next.Message == nil {
			return current
		}
		current = next.Message
	}
	return current
}

// IsProtocolOnly reports whether the content carries no user payload, only
// key distribution or another protocol message. Such envelopes are skipped.
func (m *MessageContent) IsProtocolOnly() bool {
	if m == nil {
		return true
	}
	if m.Conversation != "" || m.ExtendedTextMessage != nil ||
		m.ImageMessage != nil || m.VideoMessage != nil || m.AudioMessage != nil ||
		m.DocumentMessage != nil || m.StickerMessage != nil ||
		m.ContactMessage != nil || m.LocationMessage != nil ||
		m.ReactionMessage != nil {
		return false
	}
	return m.SenderKeyDistributionMessage != nil || m.ProtocolMessage != nil
}

// Classify returns the message type label, the extracted body text, and the
// media disposition of the (already unwrapped) content.
func (m *MessageContent) Classify() (msgType, body string, hasMedia bool, mediaType string) {
	switch {
	case m == nil:
		return "unknown", "", false, ""
	case m.Conversation != "":
		return "text", m.Conversation, false, ""
	case m.ExtendedTextMessage != nil:
		return "text", m.ExtendedTextMessage.Text, false, ""
	case m.ImageMessage != nil:
		return "image", m.ImageMessage.Caption, true, "image"
	case m.VideoMessage != nil:
		return "video", m.VideoMessage.Caption, true, "video"
	case m.AudioMessage != nil:
		return "audio", "", true, "audio"
	case m.DocumentMessage != nil:
		body = m.DocumentMessage.Caption
		if body == "" {
			body = m.DocumentMessage.FileName
		}
		return "document", body, true, "document"
	case m.StickerMessage != nil:
		return "sticker", "", true, "sticker"
	case m.ContactMessage != nil:
		return "contact", m.ContactMessage.DisplayName, false, ""
	case m.LocationMessage != nil:
		return "location", m.LocationMessage.Name, false, ""
	case m.ReactionMessage != nil:
		return "reaction", m.ReactionMessage.Text, false, ""
	default:
		return "unknown", "", false, ""
	}
}

// GetContextInfo returns the context info of whichever variant carries one
func (m *MessageContent) GetContextInfo() *ContextInfo {
	if m == nil {
		return nil
	}
	switch {
	case m.ExtendedTextMessage != nil:
		return m.ExtendedTextMessage.ContextInfo
	case m.ImageMessage != nil:
		return m.ImageMessage.ContextInfo
	case m.VideoMessage != nil:
		return m.VideoMessage.ContextInfo
	case m.AudioMessage != nil:
		return m.AudioMessage.ContextInfo
	case m.DocumentMessage != nil:
		return m.DocumentMessage.ContextInfo
	case m.StickerMessage != nil:
		return m.StickerMessage.ContextInfo
	default:
		return nil
	}
}

// QuotedBody returns the body text of the quoted message, if any
func (m *MessageContent) QuotedBody() string {
	info := m.GetContextInfo()
	if info == nil || info.QuotedMessage == nil {
		return ""
	}
	_, body, _, _ := info.QuotedMessage.Unwrap().Classify()
	return body
}

// MessageData is the message-event payload shape
type MessageData struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	Message          *MessageContent `json:"message,omitempty"`
	MessageTimestamp int64           `json:"messageTimestamp,omitempty"`
	MediaHandle      string          `json:"mediaHandle,omitempty"`
	Thumbnail        string          `json:"thumbnail,omitempty"`
}

// UnmarshalMessageData decodes a message payload, unwrapping an optional
// top-level data field first.
func UnmarshalMessageData(payload json.RawMessage) (*MessageData, error) {
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	body := payload
	if err := json.Unmarshal(payload, &wrapper); err == nil && len(wrapper.Data) > 0 {
		body = wrapper.Data
	}

	var data MessageData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
