package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"wafilter/internal/domain/event"
	"wafilter/internal/infra/alert"
	"wafilter/pkg/logger"
)

// connectionHistoryCap bounds the retained transition history
const connectionHistoryCap = 20

// ConnectionHandler maps raw connection-state transitions onto the canonical
// state machine, emits alerts on transitions and owns the QR artifact.
type ConnectionHandler struct {
	mu    sync.RWMutex
	state event.ConnectionState
	// everConnected distinguishes first connection from a restore
	everConnected bool

	alerts *alert.Sink
	log    logger.Logger
}

// NewConnectionHandler creates a handler starting in the unknown state
func NewConnectionHandler(alerts *alert.Sink, log logger.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		state: event.ConnectionState{
			Status:      event.StatusUnknown,
			StatusSince: time.Now().UTC(),
		},
		alerts: alerts,
		log:    log,
	}
}

// connectionPayload is the loose shape of a connection update
type connectionPayload struct {
	State      string `json:"state"`
	Connection string `json:"connection"`
	Status     string `json:"status"`
	Phone      string `json:"phone"`
}

// HandleConnectionUpdate processes a CONNECTION_UPDATE event. Transitions
// are only recorded when the canonical state changes; same-state updates are
// no-ops and emit no alert.
func (h *ConnectionHandler) HandleConnectionUpdate(ctx context.Context, payload json.RawMessage) (*Result, error) {
	var p connectionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &Result{Success: false, Action: event.ActionLogged, Error: err.Error()}, nil
	}

	raw := p.State
	if raw == "" {
		raw = p.Connection
	}
	if raw == "" {
		raw = p.Status
	}

	next := event.CanonicalStatus(raw)
	if p.Phone != "" {
		h.SetPhoneOwner(p.Phone)
	}

	previous, changed := h.transition(next)
	if !changed {
		return &Result{Success: true, Action: event.ActionLogged}, nil
	}

	h.log.InfoWithFields("connection state changed", logger.Fields{
		"from": string(previous),
		"to":   string(next),
	})
	h.alertTransition(ctx, previous, next)

	return &Result{Success: true, Action: event.ActionLogged}, nil
}

// transition applies a canonical state change. Returns the previous state
// and whether anything changed.
func (h *ConnectionHandler) transition(next event.ConnectionStatus) (event.ConnectionStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	previous := h.state.Status
	if next == previous || next == event.StatusUnknown {
		return previous, false
	}

	h.state.History = append(h.state.History, event.ConnectionTransition{
		From: previous,
		To:   next,
		At:   time.Now().UTC(),
	})
	if len(h.state.History) > connectionHistoryCap {
		h.state.History = h.state.History[len(h.state.History)-connectionHistoryCap:]
	}

	h.state.Status = next
	h.state.StatusSince = time.Now().UTC()

	if next == event.StatusConnected {
		h.state.QR = nil
	}

	return previous, true
}

// alertTransition emits exactly one alert per canonical transition
func (h *ConnectionHandler) alertTransition(ctx context.Context, previous, next event.ConnectionStatus) {
	details := map[string]string{
		"previous": string(previous),
		"current":  string(next),
	}

	switch next {
	case event.StatusDisconnected:
		h.alerts.Send(ctx, alert.Alert{
			Level:   alert.LevelCritical,
			Event:   "connection_lost",
			Title:   "WhatsApp disconnected",
			Message: "The WhatsApp connection was lost.",
			Details: details,
		})
	case event.StatusConnecting:
		h.alerts.Send(ctx, alert.Alert{
			Level:   alert.LevelWarning,
			Event:   "connection_connecting",
			Title:   "WhatsApp reconnecting",
			Message: "The WhatsApp connection is being re-established.",
			Details: details,
		})
	case event.StatusLoggedOut:
		h.alerts.Send(ctx, alert.Alert{
			Level:   alert.LevelCritical,
			Event:   "connection_logged_out",
			Title:   "WhatsApp session logged out",
			Message: "The session was logged out and must be re-paired.",
			Details: details,
		})
	case event.StatusConnected:
		h.mu.Lock()
		restored := h.everConnected
		h.everConnected = true
		h.mu.Unlock()

		title := "WhatsApp connected"
		eventName := "connection_established"
		if restored {
			title = "WhatsApp connection restored"
			eventName = "connection_restored"
		}
		h.alerts.Send(ctx, alert.Alert{
			Level:   alert.LevelInfo,
			Event:   eventName,
			Title:   title,
			Message: "The WhatsApp connection is up.",
			Details: details,
		})
	}
}

// qrPayload is the loose shape of a QR update
type qrPayload struct {
	QRCode json.RawMessage `json:"qrcode"`
	Base64 string          `json:"base64"`
	Code   string          `json:"code"`
}

// HandleQRUpdate processes a QRCODE_UPDATED event: store the artifact and
// alert that a scan is required.
func (h *ConnectionHandler) HandleQRUpdate(ctx context.Context, payload json.RawMessage) (*Result, error) {
	var p qrPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &Result{Success: false, Action: event.ActionLogged, Error: err.Error()}, nil
	}

	code := p.Code
	dataURI := p.Base64
	if len(p.QRCode) > 0 {
		var nested qrPayload
		if err := json.Unmarshal(p.QRCode, &nested); err == nil {
			if nested.Code != "" {
				code = nested.Code
			}
			if nested.Base64 != "" {
				dataURI = nested.Base64
			}
		} else {
			// qrcode may be a bare string
			var raw string
			if err := json.Unmarshal(p.QRCode, &raw); err == nil {
				code = raw
			}
		}
	}

	h.SetQR(code, dataURI)

	h.alerts.Send(ctx, alert.Alert{
		Level:   alert.LevelCritical,
		Event:   "qr_scan_required",
		Title:   "QR scan required",
		Message: "A new pairing QR code was generated. Scan it to reconnect.",
	})

	return &Result{Success: true, Action: event.ActionLogged}, nil
}

// SetQR stores the pairing artifact and moves a non-connected session into
// the waiting-for-pairing state
func (h *ConnectionHandler) SetQR(code, dataURI string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state.QR = &event.QRCode{
		Data:        code,
		DataURI:     dataURI,
		GeneratedAt: time.Now().UTC(),
	}
	if h.state.Status != event.StatusConnected {
		h.state.Status = event.StatusWaitingForPairing
		h.state.StatusSince = time.Now().UTC()
	}
}

// SetPhoneOwner records the connected session's own phone
func (h *ConnectionHandler) SetPhoneOwner(phone string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.PhoneOwner = phone
}

// State returns a copy of the observable connection snapshot
func (h *ConnectionHandler) State() event.ConnectionState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snapshot := h.state
	if h.state.QR != nil {
		qr := *h.state.QR
		snapshot.QR = &qr
	}
	snapshot.History = append([]event.ConnectionTransition{}, h.state.History...)
	return snapshot
}
