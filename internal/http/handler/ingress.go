package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"wafilter/internal/domain/event"
	"wafilter/internal/http/dto"
	"wafilter/internal/infra/store"
	"wafilter/internal/usecases/pipeline"
	pkglogger "wafilter/pkg/logger"
)

// ingressSaveInterval triggers a config save every N cumulative events
const ingressSaveInterval = 100

// maxIngressBody bounds an inbound envelope
const maxIngressBody = 4 << 20

// IngressHandler accepts externally-posted event envelopes and hands them to
// the pipeline after event-kind detection
type IngressHandler struct {
	pipe    *pipeline.Pipeline
	configs *store.ConfigStore
	log     pkglogger.Logger

	eventCount atomic.Int64
}

// NewIngressHandler creates the ingress handler
func NewIngressHandler(pipe *pipeline.Pipeline, configs *store.ConfigStore, log pkglogger.Logger) *IngressHandler {
	return &IngressHandler{
		pipe:    pipe,
		configs: configs,
		log:     log,
	}
}

// Receive handles POST /filter: a shapeless payload routed by detection,
// defaulting to message insertion
func (h *IngressHandler) Receive(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readBody(w, r)
	if !ok {
		return
	}

	kind := pipeline.DetectEventKind(payload)
	if kind == "" {
		kind = event.KindMessagesUpsert
	}

	h.route(w, r, kind, payload)
}

// ReceiveNamed handles POST /filter/{event}: the path segment names the
// event, hyphens to underscores, uppercased
func (h *IngressHandler) ReceiveNamed(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.readBody(w, r)
	if !ok {
		return
	}

	kind := event.KindFromPath(chi.URLParam(r, "event"))
	h.route(w, r, kind, payload)
}

// route dispatches the envelope and returns 200 regardless of filter or
// delivery outcomes; those are observable through stats and events
func (h *IngressHandler) route(w http.ResponseWriter, r *http.Request, kind event.Kind, payload json.RawMessage) {
	result := h.pipe.Route(r.Context(), event.Envelope{
		Kind:    kind,
		Payload: payload,
		Source:  "webhook",
	})

	if count := h.eventCount.Add(1); count%ingressSaveInterval == 0 {
		if err := h.configs.Save(); err != nil {
			h.log.WarnWithError("periodic config save failed", err, nil)
		}
	}

	dto.WriteJSON(w, http.StatusOK, dto.NewSuccessResponse("event routed", result))
}

// readBody reads and validates the request body
func (h *IngressHandler) readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngressBody))
	if err != nil {
		dto.WriteJSON(w, http.StatusInternalServerError,
			dto.NewErrorResponse("failed to read request body", "INTERNAL_ERROR", err.Error()))
		return nil, false
	}
	if len(body) == 0 || !json.Valid(body) {
		dto.WriteJSON(w, http.StatusBadRequest,
			dto.NewErrorResponse("request body must be valid JSON", "BAD_REQUEST", ""))
		return nil, false
	}
	return body, true
}
