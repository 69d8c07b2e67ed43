package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"wafilter/internal/domain/event"
	"wafilter/internal/http/dto"
	"wafilter/internal/infra/store"
	"wafilter/internal/infra/webhook"
	"wafilter/internal/usecases/pipeline"
	"wafilter/pkg/errors"
	pkglogger "wafilter/pkg/logger"
	"wafilter/pkg/validator"
)

// MessageSender is the adapter capability consumed by the admin surface.
// Nil when the direct client is disabled.
type MessageSender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendMedia(ctx context.Context, to string, data []byte, mimeType, caption string) (string, error)
	OwnerPhone() string
	IsConnected() bool
}

// AdminHandler exposes the admin contract: config mutation, stats, recent
// events, message history, connection state and dispatcher tests
type AdminHandler struct {
	configs    *store.ConfigStore
	stats      *store.StatsStore
	messages   *store.MessageStore
	media      *store.MediaStore
	dispatcher *webhook.Dispatcher
	connection *pipeline.ConnectionHandler
	sender     MessageSender
	validate   validator.Validator
	log        pkglogger.Logger
}

// NewAdminHandler creates the admin handler
func NewAdminHandler(
	configs *store.ConfigStore,
	stats *store.StatsStore,
	messages *store.MessageStore,
	media *store.MediaStore,
	dispatcher *webhook.Dispatcher,
	connection *pipeline.ConnectionHandler,
	sender MessageSender,
	log pkglogger.Logger,
) *AdminHandler {
	return &AdminHandler{
		configs:    configs,
		stats:      stats,
		messages:   messages,
		media:      media,
		dispatcher: dispatcher,
		connection: connection,
		sender:     sender,
		validate:   validator.New(),
		log:        log,
	}
}

// decode reads a JSON body into dst and validates it
func (h *AdminHandler) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.NewBadRequestError("invalid JSON body").WithCause(err)
	}
	if err := h.validate.Validate(dst); err != nil {
		return errors.NewValidationError(err.Error())
	}
	return nil
}

// saveConfig persists config mutations, logging failures
func (h *AdminHandler) saveConfig() {
	if err := h.configs.Save(); err != nil {
		h.log.WarnWithError("config save failed", err, nil)
	}
}

// ListContacts handles GET /api/contacts
func (h *AdminHandler) ListContacts(w http.ResponseWriter, r *http.Request) {
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("", h.configs.Contacts()))
}

// AddContact handles POST /api/contacts
func (h *AdminHandler) AddContact(w http.ResponseWriter, r *http.Request) {
	var req dto.ContactRequest
	if err := h.decode(r, &req); err != nil {
		dto.WriteError(w, err)
		return
	}

	contact, err := h.configs.AddContact(req.Phone, req.Name, req.Type, req.LinkedID)
	if err != nil {
		dto.WriteError(w, err)
		return
	}

	h.saveConfig()
	dto.WriteJSON(w, http.StatusCreated, dto.NewSuccessResponse("contact added", contact))
}

// UpdateContact handles PUT /api/contacts/{phone}
func (h *AdminHandler) UpdateContact(w http.ResponseWriter, r *http.Request) {
	var req dto.ContactRequest
	if err := h.decode(r, &req); err != nil {
		dto.WriteError(w, err)
		return
	}

	contact, err := h.configs.UpdateContact(chi.URLParam(r, "phone"), req.Name, req.Type, req.LinkedID)
	if err != nil {
		dto.WriteError(w, err)
		return
	}

	h.saveConfig()
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("contact updated", contact))
}

// DeleteContact handles DELETE /api/contacts/{phone}
func (h *AdminHandler) DeleteContact(w http.ResponseWriter, r *http.Request) {
	if err := h.configs.DeleteContact(chi.URLParam(r, "phone")); err != nil {
		dto.WriteError(w, err)
		return
	}

	h.saveConfig()
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("contact deleted", nil))
}

// ListGroups handles GET /api/groups
func (h *AdminHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("", h.configs.Groups()))
}

// AddGroup handles POST /api/groups
func (h *AdminHandler) AddGroup(w http.ResponseWriter, r *http.Request) {
	var req dto.GroupRequest
	if err := h.decode(r, &req); err != nil {
		dto.WriteError(w, err)
		return
	}

	group, err := h.configs.AddGroup(req.GroupID, req.Name, req.Type)
	if err != nil {
		dto.WriteError(w, err)
		return
	}

	h.saveConfig()
	dto.WriteJSON(w, http.StatusCreated, dto.NewSuccessResponse("group added", group))
}

// UpdateGroup handles PUT /api/groups/{groupId}
func (h *AdminHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req dto.GroupRequest
	if err := h.decode(r, &req); err != nil {
		dto.WriteError(w, err)
		return
	}

	group, err := h.configs.UpdateGroup(chi.URLParam(r, "groupId"), req.Name, req.Type)
	if err != nil {
		dto.WriteError(w, err)
		return
	}

	h.saveConfig()
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("group updated", group))
}

// DeleteGroup handles DELETE /api/groups/{groupId}
func (h *AdminHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.configs.DeleteGroup(chi.URLParam(r, "groupId")); err != nil {
		dto.WriteError(w, err)
		return
	}

	h.saveConfig()
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("group deleted", nil))
}

// SetWebhook handles PUT /api/config/webhook
func (h *AdminHandler) SetWebhook(w http.ResponseWriter, r *http.Request) {
	var req dto.WebhookRequest
	if err := h.decode(r, &req); err != nil {
		dto.WriteError(w, err)
		return
	}

	if err := h.configs.SetDefaultWebhook(req.URL); err != nil {
		dto.WriteError(w, err)
		return
	}

	h.saveConfig()
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("webhook updated", nil))
}

// SetTypeWebhooks handles PUT /api/config/type-webhooks
func (h *AdminHandler) SetTypeWebhooks(w http.ResponseWriter, r *http.Request) {
	var req dto.TypeWebhooksRequest
	if err := h.decode(r, &req); err != nil {
		dto.WriteError(w, err)
		return
	}

	if err := h.configs.SetTypeWebhooks(req.Routes); err != nil {
		dto.WriteError(w, err)
		return
	}

	h.saveConfig()
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("type webhooks updated", nil))
}

// SetCustomTypes handles PUT /api/config/custom-types
func (h *AdminHandler) SetCustomTypes(w http.ResponseWriter, r *http.Request) {
	var req dto.CustomTypesRequest
	if err := h.decode(r, &req); err != nil {
		dto.WriteError(w, err)
		return
	}

	if err := h.configs.SetCustomTypes(req.ContactTypes, req.GroupTypes); err != nil {
		dto.WriteError(w, err)
		return
	}

	h.saveConfig()
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("custom types updated", nil))
}

// GetConfig handles GET /api/config
func (h *AdminHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	contactTypes, groupTypes := h.configs.CustomTypes()
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("", map[string]interface{}{
		"webhookUrl":         h.configs.DefaultWebhook(),
		"typeWebhooks":       h.configs.TypeWebhooks(),
		"customContactTypes": contactTypes,
		"customGroupTypes":   groupTypes,
	}))
}

// GetStats handles GET /api/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("", h.stats.Snapshot()))
}

// GetEvents handles GET /api/events with filter and paging
func (h *AdminHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	filter := event.Kind(r.URL.Query().Get("event"))

	records, total := h.stats.Recent(limit, filter, offset)
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("", map[string]interface{}{
		"events": records,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	}))
}

// GetWebhookHealth handles GET /api/webhook/health
func (h *AdminHandler) GetWebhookHealth(w http.ResponseWriter, r *http.Request) {
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("", h.dispatcher.Health()))
}

// TestWebhook handles POST /api/webhook/test
func (h *AdminHandler) TestWebhook(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("type")
	result := h.dispatcher.Test(r.Context(), entityType)

	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	dto.WriteJSON(w, status, dto.NewSuccessResponse("", result))
}

// ListMessageSources handles GET /api/messages
func (h *AdminHandler) ListMessageSources(w http.ResponseWriter, r *http.Request) {
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("", h.messages.Sources()))
}

// GetMessages handles GET /api/messages/{sourceId}
func (h *AdminHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceId")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	records, hasMore := h.messages.Get(sourceID, limit, offset)
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("", map[string]interface{}{
		"messages": records,
		"hasMore":  hasMore,
	}))
}

// DeleteMessages handles DELETE /api/messages/{sourceId}
func (h *AdminHandler) DeleteMessages(w http.ResponseWriter, r *http.Request) {
	deleted := h.messages.Delete(chi.URLParam(r, "sourceId"))
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("messages deleted", map[string]int{
		"deleted": deleted,
	}))
}

// GetMedia handles GET /api/media/{handle}
func (h *AdminHandler) GetMedia(w http.ResponseWriter, r *http.Request) {
	info := h.media.Get(chi.URLParam(r, "handle"))
	if info == nil {
		dto.WriteError(w, errors.NewNotFoundError("media"))
		return
	}

	w.Header().Set("Content-Type", info.MimeType)
	http.ServeFile(w, r, info.FilePath)
}

// GetConnection handles GET /api/connection
func (h *AdminHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	state := h.connection.State()
	if h.sender != nil {
		state.PhoneOwner = h.sender.OwnerPhone()
	}
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("", state))
}

// GetQR handles GET /api/qr
func (h *AdminHandler) GetQR(w http.ResponseWriter, r *http.Request) {
	state := h.connection.State()
	if state.QR == nil {
		dto.WriteError(w, errors.NewNotFoundError("qr code"))
		return
	}
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("", state.QR))
}

// SendMessage handles POST /api/send
func (h *AdminHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	if h.sender == nil {
		dto.WriteJSON(w, http.StatusServiceUnavailable,
			dto.NewErrorResponse("WhatsApp client is disabled", "CLIENT_DISABLED", ""))
		return
	}

	var req dto.SendMessageRequest
	if err := h.decode(r, &req); err != nil {
		dto.WriteError(w, err)
		return
	}

	var messageID string
	var err error

	switch {
	case req.Media != "":
		if req.MimeType == "" {
			dto.WriteError(w, errors.NewValidationError("mimeType is required with media"))
			return
		}
		var data []byte
		data, err = base64.StdEncoding.DecodeString(req.Media)
		if err != nil {
			dto.WriteError(w, errors.NewValidationError("media must be base64-encoded"))
			return
		}
		messageID, err = h.sender.SendMedia(r.Context(), req.To, data, req.MimeType, req.Caption)

	case req.Message != "":
		messageID, err = h.sender.SendText(r.Context(), req.To, req.Message)

	default:
		dto.WriteError(w, errors.NewValidationError("either message or media is required"))
		return
	}

	if err != nil {
		dto.WriteError(w, errors.WrapInternal(err, "send failed"))
		return
	}

	h.messages.MarkOurMessage(messageID)
	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("message sent", map[string]string{
		"messageId": messageID,
	}))
}

// queryInt parses an integer query parameter with a default
func queryInt(r *http.Request, key string, fallback int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
