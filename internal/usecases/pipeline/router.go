// Package pipeline is the event engine: a table-driven router dispatching
// normalized envelopes to per-kind handlers, the message decision core, the
// connection state machine and the mention detector.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"wafilter/internal/domain/event"
	"wafilter/internal/infra/metrics"
	"wafilter/internal/infra/store"
	"wafilter/pkg/logger"
)

// Result is the typed outcome of routing one event. Handlers never leak
// errors upward; failures become a Result plus stats side effects.
type Result struct {
	Success     bool                 `json:"success"`
	EventKind   event.Kind           `json:"eventKind"`
	Action      string               `json:"action,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	Destination string               `json:"destination,omitempty"`
	Mention     *event.MentionResult `json:"mention,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// HandlerFunc processes one event payload
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (*Result, error)

// Router dispatches events by canonical kind with a generic fall-through.
// Unknown kinds are registered lazily in the stats store.
type Router struct {
	handlers map[event.Kind]HandlerFunc
	generic  HandlerFunc
	stats    *store.StatsStore
	metrics  *metrics.Metrics
	log      logger.Logger
}

// NewRouter creates a router with an empty dispatch table
func NewRouter(stats *store.StatsStore, m *metrics.Metrics, log logger.Logger) *Router {
	r := &Router{
		handlers: make(map[event.Kind]HandlerFunc),
		stats:    stats,
		metrics:  m,
		log:      log,
	}
	r.generic = r.handleGeneric
	return r
}

// Register binds a handler to a canonical kind
func (r *Router) Register(kind event.Kind, handler HandlerFunc) {
	r.handlers[kind] = handler
}

// Route dispatches one event. Handler errors and panics become a failed
// Result; they never propagate.
func (r *Router) Route(ctx context.Context, kind event.Kind, payload json.RawMessage) (result *Result) {
	r.stats.Increment(kind, store.FieldTotal)

	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorWithFields("event handler panicked", logger.Fields{
				"event": string(kind),
				"panic": fmt.Sprintf("%v", rec),
			})
			result = &Result{Success: false, EventKind: kind, Error: fmt.Sprintf("panic: %v", rec)}
		}
		if result != nil && r.metrics != nil {
			action := result.Action
			if action == "" {
				action = "unhandled"
			}
			r.metrics.ObserveEvent(string(kind), action)
		}
	}()

	handler, ok := r.handlers[kind]
	if !ok {
		handler = r.generic
	}

	res, err := handler(ctx, payload)
	if err != nil {
		r.log.WarnWithError("event handler failed", err, logger.Fields{
			"event": string(kind),
		})
		return &Result{Success: false, EventKind: kind, Error: err.Error()}
	}
	if res == nil {
		res = &Result{Success: true}
	}
	res.EventKind = kind
	return res
}

// handleGeneric counts and logs events no dedicated handler claims
func (r *Router) handleGeneric(ctx context.Context, payload json.RawMessage) (*Result, error) {
	r.log.DebugWithFields("generic event logged", logger.Fields{
		"payload_bytes": len(payload),
	})
	return &Result{Success: true, Action: event.ActionLogged}, nil
}

// detectShape is the loose payload shape used by kind detection
type detectShape struct {
	Key          json.RawMessage `json:"key"`
	Message      json.RawMessage `json:"message"`
	Update       json.RawMessage `json:"update"`
	State        string          `json:"state"`
	Connection   string          `json:"connection"`
	QRCode       json.RawMessage `json:"qrcode"`
	Base64       string          `json:"base64"`
	Subject      string          `json:"subject"`
	ID           string          `json:"id"`
	Participants json.RawMessage `json:"participants"`
	Action       string          `json:"action"`
	Data         json.RawMessage `json:"data"`
}

// DetectEventKind infers a kind from a shapeless payload. Returns the empty
// kind when nothing matches; callers default to message insertion.
func DetectEventKind(payload json.RawMessage) event.Kind {
	var shape detectShape
	if err := json.Unmarshal(payload, &shape); err != nil {
		return ""
	}
	// Shapeless ingress payloads may nest the real event under data
	if len(shape.Data) > 0 && len(shape.Key) == 0 && len(shape.QRCode) == 0 {
		var inner detectShape
		if err := json.Unmarshal(shape.Data, &inner); err == nil {
			shape = inner
		}
	}

	switch {
	case len(shape.Key) > 0 && len(shape.Message) > 0:
		return event.KindMessagesUpsert
	case len(shape.Update) > 0 && len(shape.Key) > 0:
		return event.KindMessagesUpdate
	case shape.State != "" || shape.Connection != "":
		return event.KindConnectionUpdate
	case len(shape.QRCode) > 0 || shape.Base64 != "":
		return event.KindQRCodeUpdated
	case shape.Subject != "" && strings.HasSuffix(shape.ID, "@g.us"):
		return event.KindGroupsUpsert
	case len(shape.Participants) > 0 && shape.Action != "":
		return event.KindGroupParticipantsUpdate
	default:
		return ""
	}
}
