// Package alert fans alert records out to the configured notification
// channels. Delivery is best-effort; the alert itself is always counted.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"wafilter/internal/infra/metrics"
	"wafilter/internal/infra/store"
	"wafilter/pkg/logger"
)

// Alert levels
const (
	LevelCritical = "critical"
	LevelWarning  = "warning"
	LevelInfo     = "info"
)

// Action is a suggested operator action attached to an alert
type Action struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// Alert is a notification record
type Alert struct {
	Level   string            `json:"level"`
	Event   string            `json:"event"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Actions []Action          `json:"actions,omitempty"`
}

// SendResult reports the fan-out outcome
type SendResult struct {
	Sent   bool   `json:"sent"`
	Reason string `json:"reason,omitempty"`
}

const (
	alertTimeout   = 5 * time.Second
	maxRichDetails = 10
	maxRichActions = 5
)

// Sink delivers alerts to a generic notification endpoint and, for critical
// and warning levels, to a rich-format (Slack block) endpoint.
type Sink struct {
	genericURL string
	richURL    string
	instance   string
	client     *http.Client
	stats      *store.StatsStore
	metrics    *metrics.Metrics
	log        logger.Logger
}

// New creates an alert sink. Either URL may be empty; metrics may be nil.
func New(genericURL, richURL, instance string, stats *store.StatsStore, m *metrics.Metrics, log logger.Logger) *Sink {
	return &Sink{
		genericURL: genericURL,
		richURL:    richURL,
		instance:   instance,
		client:     &http.Client{},
		stats:      stats,
		metrics:    m,
		log:        log,
	}
}

// Send fans an alert out to every configured channel. Channel failures are
// non-fatal; the overall result reports whether any channel accepted it.
func (s *Sink) Send(ctx context.Context, a Alert) SendResult {
	if s.metrics != nil {
		s.metrics.ObserveAlert(a.Level)
	}

	if s.genericURL == "" && s.richURL == "" {
		s.stats.IncrementAlert(a.Level, false)
		return SendResult{Sent: false, Reason: "no_channels"}
	}

	sent := false

	if s.genericURL != "" {
		if err := s.postGeneric(ctx, a); err != nil {
			s.log.WarnWithError("generic alert delivery failed", err, logger.Fields{
				"level": a.Level,
				"event": a.Event,
			})
		} else {
			sent = true
		}
	}

	if s.richURL != "" && (a.Level == LevelCritical || a.Level == LevelWarning) {
		if err := s.postRich(ctx, a); err != nil {
			s.log.WarnWithError("rich alert delivery failed", err, logger.Fields{
				"level": a.Level,
				"event": a.Event,
			})
		} else {
			sent = true
		}
	}

	s.stats.IncrementAlert(a.Level, sent)
	if !sent {
		return SendResult{Sent: false, Reason: "delivery_failed"}
	}
	return SendResult{Sent: true}
}

// postGeneric delivers the canonical alert JSON with the level header
func (s *Sink) postGeneric(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(map[string]interface{}{
		"id":        uuid.NewString(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"source":    "whatsapp-filter",
		"instance":  s.instance,
		"level":     a.Level,
		"event":     a.Event,
		"title":     a.Title,
		"message":   a.Message,
		"details":   a.Details,
		"actions":   a.Actions,
	})
	if err != nil {
		return err
	}

	return s.post(ctx, s.genericURL, payload, map[string]string{
		"X-Alert-Level": a.Level,
	})
}

// postRich delivers a structured block representation with up to
// maxRichDetails detail fields and maxRichActions action buttons
func (s *Sink) postRich(ctx context.Context, a Alert) error {
	emoji := ":warning:"
	if a.Level == LevelCritical {
		emoji = ":rotating_light:"
	}

	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{
				"type": "plain_text",
				"text": fmt.Sprintf("%s %s", emoji, a.Title),
			},
		},
		{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": a.Message,
			},
		},
	}

	if len(a.Details) > 0 {
		var fields []map[string]interface{}
		for key, value := range a.Details {
			if len(fields) == maxRichDetails {
				break
			}
			fields = append(fields, map[string]interface{}{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*%s:* %s", key, value),
			})
		}
		blocks = append(blocks, map[string]interface{}{
			"type":   "section",
			"fields": fields,
		})
	}

	if len(a.Actions) > 0 {
		var elements []map[string]interface{}
		for _, action := range a.Actions {
			if len(elements) == maxRichActions {
				break
			}
			button := map[string]interface{}{
				"type": "button",
				"text": map[string]interface{}{
					"type": "plain_text",
					"text": action.Label,
				},
			}
			if action.URL != "" {
				button["url"] = action.URL
			}
			elements = append(elements, button)
		}
		blocks = append(blocks, map[string]interface{}{
			"type":     "actions",
			"elements": elements,
		})
	}

	payload, err := json.Marshal(map[string]interface{}{
		"text":   fmt.Sprintf("[%s] %s", a.Level, a.Title),
		"blocks": blocks,
	})
	if err != nil {
		return err
	}

	return s.post(ctx, s.richURL, payload, nil)
}

func (s *Sink) post(ctx context.Context, url string, payload []byte, headers map[string]string) error {
	reqCtx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
