// Package whats is the direct WhatsApp client adapter. It owns the session,
// QR pairing, reconnection and media download, and produces normalized event
// envelopes onto a channel consumed by the pipeline router.
package whats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	// SQL drivers for the whatsmeow credential store
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"wafilter/internal/domain/event"
	"wafilter/internal/infra/config"
	storepkg "wafilter/internal/infra/store"
	"wafilter/pkg/logger"
)

const (
	reconnectMaxAttempts = 5
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 30 * time.Second
	envelopeBuffer       = 128
)

// Adapter is the whatsmeow-backed event producer
type Adapter struct {
	cfg   *config.WhatsAppConfig
	media *storepkg.MediaStore
	log   logger.Logger

	container *sqlstore.Container
	device    *store.Device
	client    *whatsmeow.Client

	envelopes chan event.Envelope
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	mu           sync.Mutex
	reconnecting bool
}

// New creates the adapter and opens the credential store
func New(cfg *config.WhatsAppConfig, media *storepkg.MediaStore, log logger.Logger) (*Adapter, error) {
	ctx, cancel := context.WithCancel(context.Background())

	waLogger := NewLoggerAdapter(log, "whatsmeow")
	container, err := sqlstore.New(ctx, cfg.DBDriver, cfg.DBURL, waLogger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get device from store: %w", err)
	}

	client := whatsmeow.NewClient(device, waLogger)

	a := &Adapter{
		cfg:       cfg,
		media:     media,
		log:       log,
		container: container,
		device:    device,
		client:    client,
		envelopes: make(chan event.Envelope, envelopeBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}

	client.AddEventHandler(a.handleEvent)
	return a, nil
}

// Events returns the envelope stream. It is closed on shutdown.
func (a *Adapter) Events() <-chan event.Envelope {
	return a.envelopes
}

// Connect establishes the session. When no credentials exist a QR pairing
// flow starts and QR envelopes are emitted until scanned or timed out.
func (a *Adapter) Connect() error {
	a.emit(event.KindApplicationStartup, map[string]interface{}{
		"startedAt": time.Now().UTC().Format(time.RFC3339),
	})

	if a.client.Store.ID == nil {
		qrChan, err := a.client.GetQRChannel(a.ctx)
		if err != nil {
			return fmt.Errorf("get QR channel: %w", err)
		}
		if err := a.client.Connect(); err != nil {
			return fmt.Errorf("connect for pairing: %w", err)
		}
		go a.processQRChannel(qrChan)
		return nil
	}

	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Close disconnects and closes the envelope stream
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.cancel()
		a.client.Disconnect()
		close(a.envelopes)
		a.log.Info("WhatsApp adapter closed")
	})
}

// OwnerPhone returns the session's own phone number, or empty before pairing
func (a *Adapter) OwnerPhone() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}

// IsConnected reports the socket state
func (a *Adapter) IsConnected() bool {
	return a.client.IsConnected()
}

// ResolvePhone resolves a linked identifier to a phone through the session's
// identity store
func (a *Adapter) ResolvePhone(linkedID string) (string, bool) {
	if a.client.Store == nil || a.client.Store.LIDs == nil {
		return "", false
	}

	jid := types.JID{User: strings.TrimSuffix(linkedID, "@lid"), Server: types.HiddenUserServer}
	pn, err := a.client.Store.LIDs.GetPNForLID(a.ctx, jid)
	if err != nil || pn.IsEmpty() {
		return "", false
	}
	return pn.User, true
}

// SendText sends a text message to a recipient address
func (a *Adapter) SendText(ctx context.Context, to, body string) (string, error) {
	if a.client.Store.ID == nil {
		return "", fmt.Errorf("not authenticated")
	}

	recipient, err := parseRecipient(to)
	if err != nil {
		return "", err
	}

	resp, err := a.client.SendMessage(ctx, recipient, textMessage(body))
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// SendMedia uploads a blob and sends it to a recipient address
func (a *Adapter) SendMedia(ctx context.Context, to string, data []byte, mimeType, caption string) (string, error) {
	if a.client.Store.ID == nil {
		return "", fmt.Errorf("not authenticated")
	}

	recipient, err := parseRecipient(to)
	if err != nil {
		return "", err
	}

	msg, err := a.uploadMedia(ctx, data, mimeType, caption)
	if err != nil {
		return "", err
	}

	resp, err := a.client.SendMessage(ctx, recipient, msg)
	if err != nil {
		return "", fmt.Errorf("send media: %w", err)
	}
	return resp.ID, nil
}

// parseRecipient accepts a bare phone, a phone JID or a group JID
func parseRecipient(to string) (types.JID, error) {
	if !strings.Contains(to, "@") {
		digits := strings.TrimPrefix(to, "+")
		if digits == "" {
			return types.JID{}, fmt.Errorf("empty recipient")
		}
		return types.NewJID(digits, types.DefaultUserServer), nil
	}

	jid, err := types.ParseJID(to)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	return jid, nil
}

// handleEvent converts whatsmeow events into pipeline envelopes
func (a *Adapter) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		a.handleMessage(v)

	case *events.Connected:
		a.log.InfoWithFields("WhatsApp connected", logger.Fields{
			"jid": a.OwnerPhone(),
		})
		a.emit(event.KindConnectionUpdate, map[string]interface{}{
			"state": "open",
			"phone": a.OwnerPhone(),
		})

	case *events.Disconnected:
		a.log.Warn("WhatsApp disconnected")
		a.emit(event.KindConnectionUpdate, map[string]interface{}{
			"state": "close",
		})
		go a.reconnect()

	case *events.LoggedOut:
		a.log.ErrorWithFields("WhatsApp session logged out", logger.Fields{
			"reason": v.Reason.String(),
		})
		a.wipeAuth()
		a.emit(event.KindConnectionUpdate, map[string]interface{}{
			"state": "logged_out",
		})

	case *events.PairSuccess:
		a.log.InfoWithFields("WhatsApp pairing successful", logger.Fields{
			"jid": v.ID.String(),
		})

	case *events.StreamError:
		a.log.ErrorWithFields("WhatsApp stream error", logger.Fields{
			"code": v.Code,
		})

	case *events.ConnectFailure:
		a.log.ErrorWithFields("WhatsApp connection failure", logger.Fields{
			"reason": v.Reason.String(),
		})
	}
}

// handleMessage converts one message event, applying the adapter's interface
// guarantees: self-echo deduplication, linked-identifier resolution and
// thumbnail extraction with async media download.
func (a *Adapter) handleMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}

	// Self-echo: events whose chat is our own phone are dropped
	if own := a.client.Store.ID; own != nil && evt.Info.Chat.User == own.User {
		a.log.DebugWithFields("dropping self-echo event", logger.Fields{
			"message_id": evt.Info.ID,
		})
		return
	}

	content := a.convertContent(evt)
	if content == nil {
		return
	}

	// Broadcast channels carrying protocol-only payloads are skipped
	if evt.Info.Chat.Server == types.NewsletterServer && content.Unwrap().IsProtocolOnly() {
		return
	}

	data := event.MessageData{
		Key: event.MessageKey{
			RemoteJID: chatAddress(evt.Info.Chat),
			ID:        evt.Info.ID,
			FromMe:    evt.Info.IsFromMe,
			SenderPn:  a.senderPhone(evt),
		},
		PushName:         evt.Info.PushName,
		Message:          content,
		MessageTimestamp: evt.Info.Timestamp.Unix(),
		Thumbnail:        a.extractThumbnail(evt),
	}
	if evt.Info.IsGroup {
		data.Key.Participant = evt.Info.Sender.ToNonAD().String()
	}

	go a.downloadMedia(evt, data.Key.ID)

	kind := event.KindMessagesUpsert
	if evt.Info.IsFromMe {
		kind = event.KindSendMessage
	}
	a.emit(kind, data)
}

// convertContent re-encodes the protobuf message into the pipeline's tagged
// union. The generated JSON field names line up by construction.
func (a *Adapter) convertContent(evt *events.Message) *event.MessageContent {
	raw, err := json.Marshal(evt.Message)
	if err != nil {
		a.log.WarnWithError("failed to encode message content", err, logger.Fields{
			"message_id": evt.Info.ID,
		})
		return nil
	}

	var content event.MessageContent
	if err := json.Unmarshal(raw, &content); err != nil {
		a.log.WarnWithError("failed to decode message content", err, logger.Fields{
			"message_id": evt.Info.ID,
		})
		return nil
	}
	return &content
}

// senderPhone surfaces the resolved phone for linked-identifier senders:
// the upstream alternate address first, then the session's identity store.
func (a *Adapter) senderPhone(evt *events.Message) string {
	if evt.Info.Sender.Server != types.HiddenUserServer {
		return ""
	}

	if alt := evt.Info.SenderAlt; !alt.IsEmpty() && alt.Server == types.DefaultUserServer {
		return alt.User
	}

	if phone, ok := a.ResolvePhone(evt.Info.Sender.User); ok {
		return phone
	}
	return ""
}

// chatAddress renders a chat JID in the remote-address form the pipeline
// parses
func chatAddress(jid types.JID) string {
	return jid.ToNonAD().String()
}

// emit marshals a payload and pushes the envelope, dropping the event when
// the adapter is shutting down
func (a *Adapter) emit(kind event.Kind, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		a.log.WarnWithError("failed to marshal envelope payload", err, logger.Fields{
			"event": string(kind),
		})
		return
	}

	select {
	case a.envelopes <- event.Envelope{Kind: kind, Payload: raw, Source: "whatsapp"}:
	case <-a.ctx.Done():
	}
}

// reconnect retries the connection with capped exponential backoff
func (a *Adapter) reconnect() {
	a.mu.Lock()
	if a.reconnecting {
		a.mu.Unlock()
		return
	}
	a.reconnecting = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.reconnecting = false
		a.mu.Unlock()
	}()

	delay := reconnectBaseDelay
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		select {
		case <-time.After(delay):
		case <-a.ctx.Done():
			return
		}

		if a.client.IsConnected() {
			return
		}

		a.log.InfoWithFields("attempting reconnection", logger.Fields{
			"attempt": attempt,
		})
		a.emit(event.KindConnectionUpdate, map[string]interface{}{
			"state": "connecting",
		})

		err := a.client.Connect()
		if err == nil {
			return
		}
		a.log.WarnWithError("reconnection attempt failed", err, logger.Fields{
			"attempt": attempt,
		})

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}

	a.log.Error("reconnection attempts exhausted")
}

// wipeAuth deletes the on-disk auth material after a terminal logout
func (a *Adapter) wipeAuth() {
	if err := a.device.Delete(a.ctx); err != nil {
		a.log.WarnWithError("failed to wipe auth material", err, nil)
	}
}

// processQRChannel drives the pairing flow, emitting a QR envelope for every
// refreshed code
func (a *Adapter) processQRChannel(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			a.handleQRCode(item.Code)
		case "success":
			a.log.Info("QR pairing successful")
			return
		case "timeout":
			a.log.Warn("QR pairing timed out")
			a.emit(event.KindConnectionUpdate, map[string]interface{}{
				"state": "close",
			})
			return
		}
	}
}

// handleQRCode renders the code to the terminal and emits the QR envelope
// with a PNG data URI
func (a *Adapter) handleQRCode(code string) {
	dataURI := ""
	if png, err := qrcode.Encode(code, qrcode.Medium, 256); err == nil {
		dataURI = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	} else {
		a.log.WarnWithError("failed to encode QR PNG", err, nil)
	}

	fmt.Println("\nScan this QR code in WhatsApp: Settings > Linked Devices > Link a Device")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	fmt.Println()

	a.emit(event.KindQRCodeUpdated, map[string]interface{}{
		"qrcode": map[string]string{
			"code":   code,
			"base64": dataURI,
		},
	})
}
