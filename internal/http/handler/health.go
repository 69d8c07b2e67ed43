package handler

import (
	"net/http"
	"time"

	"wafilter/internal/http/dto"
	"wafilter/internal/infra/store"
)

// HealthHandler exposes the liveness endpoint
type HealthHandler struct {
	startedAt time.Time
	stats     *store.StatsStore
	messages  *store.MessageStore
	sender    MessageSender
}

// NewHealthHandler creates the health handler
func NewHealthHandler(stats *store.StatsStore, messages *store.MessageStore, sender MessageSender) *HealthHandler {
	return &HealthHandler{
		startedAt: time.Now(),
		stats:     stats,
		messages:  messages,
		sender:    sender,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	services := map[string]interface{}{
		"stats": map[string]interface{}{
			"status":      "healthy",
			"totalEvents": h.stats.Snapshot().TotalEvents,
		},
		"messages": map[string]interface{}{
			"status": "healthy",
			"stored": h.messages.Total(),
		},
	}

	status := "healthy"
	if h.sender != nil {
		connected := h.sender.IsConnected()
		whatsapp := map[string]interface{}{
			"connected": connected,
		}
		if !connected {
			whatsapp["status"] = "degraded"
			status = "degraded"
		} else {
			whatsapp["status"] = "healthy"
		}
		services["whatsapp"] = whatsapp
	}

	dto.WriteJSON(w, http.StatusOK, dto.HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Services:  services,
	})
}
