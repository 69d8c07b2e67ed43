package whats

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"wafilter/pkg/logger"
)

// downloadTimeout bounds one full media download
const downloadTimeout = 60 * time.Second

// textMessage builds a plain conversation message
func textMessage(body string) *waE2E.Message {
	return &waE2E.Message{
		Conversation: proto.String(body),
	}
}

// uploadMedia uploads a blob and wraps it into the matching message variant
// by MIME class
func (a *Adapter) uploadMedia(ctx context.Context, data []byte, mimeType, caption string) (*waE2E.Message, error) {
	mediaType := whatsmeow.MediaDocument
	switch {
	case len(mimeType) >= 6 && mimeType[:6] == "image/":
		mediaType = whatsmeow.MediaImage
	case len(mimeType) >= 6 && mimeType[:6] == "video/":
		mediaType = whatsmeow.MediaVideo
	case len(mimeType) >= 6 && mimeType[:6] == "audio/":
		mediaType = whatsmeow.MediaAudio
	}

	uploaded, err := a.client.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}

	switch mediaType {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Caption:       proto.String(caption),
		}}, nil
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Caption:       proto.String(caption),
		}}, nil
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		}}, nil
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Caption:       proto.String(caption),
		}}, nil
	}
}

// mediaParts extracts the downloadable part, its MIME type and inline
// thumbnail from a message event, or nil when the message carries no media
func mediaParts(msg *waE2E.Message) (whatsmeow.DownloadableMessage, string, []byte) {
	switch {
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return m, m.GetMimetype(), m.GetJPEGThumbnail()
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return m, m.GetMimetype(), m.GetJPEGThumbnail()
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		return m, m.GetMimetype(), nil
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return m, m.GetMimetype(), m.GetJPEGThumbnail()
	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		return m, m.GetMimetype(), nil
	default:
		return nil, "", nil
	}
}

// extractThumbnail returns the inline JPEG thumbnail as a data URI, when the
// message carries one
func (a *Adapter) extractThumbnail(evt *events.Message) string {
	_, _, thumb := mediaParts(evt.Message)
	if len(thumb) == 0 {
		return ""
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(thumb)
}

// downloadMedia attempts the full download in the background; on failure the
// inline thumbnail is persisted through the media store as a fallback
func (a *Adapter) downloadMedia(evt *events.Message, messageID string) {
	downloadable, mimeType, thumb := mediaParts(evt.Message)
	if downloadable == nil {
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, downloadTimeout)
	defer cancel()

	data, err := a.client.Download(ctx, downloadable)
	if err != nil {
		a.log.WarnWithError("media download failed", err, logger.Fields{
			"message_id": messageID,
		})
		if len(thumb) > 0 {
			if _, err := a.media.Store(messageID, thumb, "image/jpeg"); err != nil {
				a.log.WarnWithError("thumbnail fallback store failed", err, logger.Fields{
					"message_id": messageID,
				})
			}
		}
		return
	}

	if _, err := a.media.Store(messageID, data, mimeType); err != nil {
		a.log.WarnWithError("media store failed", err, logger.Fields{
			"message_id": messageID,
		})
	}
}
