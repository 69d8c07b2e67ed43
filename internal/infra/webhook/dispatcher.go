// Package webhook delivers payloads to the configured destinations with
// retry, per-destination health tracking and a fire-and-forget secondary.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"wafilter/internal/domain/event"
	"wafilter/pkg/errors"
	"wafilter/pkg/logger"
)

// RouteSource resolves destinations. Implemented by the config store.
type RouteSource interface {
	DefaultWebhook() string
	TypeWebhook(entityType string) string
}

// Meta describes the message being forwarded; it becomes the X- headers
type Meta struct {
	SourceID   string
	SourceType string
	EntityType string
	EventKind  event.Kind
}

// Result reports a successful delivery
type Result struct {
	Destination string `json:"destination"`
	Attempt     int    `json:"attempt"`
}

// TestResult reports a synthetic delivery attempt
type TestResult struct {
	Success     bool   `json:"success"`
	Destination string `json:"destination,omitempty"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Error       string `json:"error,omitempty"`
}

// DeliveryCounters tracks per-entity-type outcomes
type DeliveryCounters struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

// Options tunes the retry policy. Zero values take the defaults: 3 attempts,
// 5 s first-attempt timeout, 10 s subsequent, backoff 1 s then 2 s.
type Options struct {
	MaxAttempts      int
	FirstTimeout     time.Duration
	RetryTimeout     time.Duration
	SecondaryTimeout time.Duration
	BackoffDelays    []time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.FirstTimeout == 0 {
		o.FirstTimeout = 5 * time.Second
	}
	if o.RetryTimeout == 0 {
		o.RetryTimeout = 10 * time.Second
	}
	if o.SecondaryTimeout == 0 {
		o.SecondaryTimeout = 5 * time.Second
	}
	if o.BackoffDelays == nil {
		o.BackoffDelays = []time.Duration{time.Second, 2 * time.Second}
	}
}

// Dispatcher routes payloads to the default, type-specific and secondary
// destinations. Every delivery updates the per-destination health map.
type Dispatcher struct {
	routes    RouteSource
	secondary string
	instance  string
	client    *http.Client
	opts      Options
	log       logger.Logger

	mu        sync.Mutex
	health    map[string]*event.WebhookHealth
	typeStats map[string]*DeliveryCounters
}

// New creates a dispatcher. The client carries no global timeout; every
// request gets its own context deadline.
func New(routes RouteSource, secondaryURL, instance string, opts Options, log logger.Logger) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		routes:    routes,
		secondary: secondaryURL,
		instance:  instance,
		client:    &http.Client{},
		opts:      opts,
		log:       log,
		health:    make(map[string]*event.WebhookHealth),
		typeStats: make(map[string]*DeliveryCounters),
	}
}

// Resolve returns the destination for an entity type: the type route when
// present and non-empty, otherwise the default. Pure over the current config.
func (d *Dispatcher) Resolve(entityType string) string {
	if entityType != "" {
		if url := d.routes.TypeWebhook(entityType); url != "" {
			return url
		}
	}
	return d.routes.DefaultWebhook()
}

// Forward delivers a payload. Resolution failure is an explicit
// no-destination outcome; delivery failure after the retry budget is a
// destination-failed error carrying the last underlying cause.
func (d *Dispatcher) Forward(ctx context.Context, payload []byte, meta Meta) (*Result, error) {
	destination := d.Resolve(meta.EntityType)
	if destination == "" {
		return nil, errors.NewNoDestinationError(meta.EntityType)
	}

	// Secondary fan-out never blocks and never fails the primary
	d.forwardSecondary(payload, meta)

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		timeout := d.opts.FirstTimeout
		if attempt > 1 {
			timeout = d.opts.RetryTimeout
		}

		status, err := d.post(ctx, destination, payload, meta, timeout)
		if err == nil && status < 400 {
			d.recordSuccess(destination, meta.EntityType)
			return &Result{Destination: destination, Attempt: attempt}, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("destination returned status %d", status)
		}

		// Retry only when no response arrived or the response was 5xx
		retryable := err != nil || status >= 500
		if !retryable || attempt == d.opts.MaxAttempts {
			d.recordFailure(destination, meta.EntityType, status, lastErr)
			return nil, errors.NewDestinationFailedError(destination, lastErr).
				WithContext("attempts", attempt).
				WithContext("entity_type", meta.EntityType)
		}

		d.log.WarnWithError("webhook delivery failed, retrying", lastErr, logger.Fields{
			"destination": destination,
			"attempt":     attempt,
			"status":      status,
		})

		delay := d.opts.BackoffDelays[len(d.opts.BackoffDelays)-1]
		if attempt-1 < len(d.opts.BackoffDelays) {
			delay = d.opts.BackoffDelays[attempt-1]
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			d.recordFailure(destination, meta.EntityType, status, ctx.Err())
			return nil, errors.NewDestinationFailedError(destination, ctx.Err())
		}
	}

	// Unreachable: the loop always returns
	return nil, errors.NewDestinationFailedError(destination, lastErr)
}

// post issues one delivery attempt and returns the status code, or an error
// when no HTTP response was received at all
func (d *Dispatcher) post(ctx context.Context, destination string, payload []byte, meta Meta, timeout time.Duration) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, destination, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Filter-Source", d.instance)
	req.Header.Set("X-Source-Id", meta.SourceID)
	req.Header.Set("X-Source-Type", meta.SourceType)
	req.Header.Set("X-Entity-Type", meta.EntityType)
	req.Header.Set("X-Event-Type", string(meta.EventKind))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// forwardSecondary fans the payload out to the secondary destination in the
// background. Failures are logged only.
func (d *Dispatcher) forwardSecondary(payload []byte, meta Meta) {
	if d.secondary == "" {
		return
	}

	body := make([]byte, len(payload))
	copy(body, payload)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.SecondaryTimeout)
		defer cancel()

		status, err := d.post(ctx, d.secondary, body, meta, d.opts.SecondaryTimeout)
		if err != nil || status >= 400 {
			d.log.WarnWithError("secondary webhook delivery failed", err, logger.Fields{
				"destination": d.secondary,
				"status":      status,
			})
			d.recordFailure(d.secondary, meta.EntityType, status, err)
			return
		}
		d.recordSuccess(d.secondary, "")
	}()
}

// Test issues a minimal synthetic payload to the resolved destination
func (d *Dispatcher) Test(ctx context.Context, entityType string) *TestResult {
	destination := d.Resolve(entityType)
	if destination == "" {
		return &TestResult{Success: false, Error: "no destination configured"}
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"test":       true,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"message":    "webhook connectivity test",
		"source":     d.instance,
		"entityType": entityType,
	})

	status, err := d.post(ctx, destination, payload, Meta{
		SourceID:   "test",
		SourceType: "test",
		EntityType: entityType,
		EventKind:  "TEST",
	}, d.opts.SecondaryTimeout)

	if err != nil {
		d.recordFailure(destination, entityType, 0, err)
		return &TestResult{Success: false, Destination: destination, Error: err.Error()}
	}
	if status >= 400 {
		d.recordFailure(destination, entityType, status, fmt.Errorf("status %d", status))
		return &TestResult{Success: false, Destination: destination, StatusCode: status,
			Error: fmt.Sprintf("destination returned status %d", status)}
	}

	d.recordSuccess(destination, entityType)
	return &TestResult{Success: true, Destination: destination, StatusCode: status}
}

// recordSuccess resets a destination's failure streak and bumps counters
func (d *Dispatcher) recordSuccess(destination, entityType string) {
	now := time.Now().UTC()

	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.healthLocked(destination)
	h.LastSuccess = &now
	h.ConsecutiveFailures = 0

	if entityType != "" {
		d.typeCountersLocked(entityType).Success++
	}
}

// recordFailure bumps a destination's failure streak and counters
func (d *Dispatcher) recordFailure(destination, entityType string, status int, cause error) {
	message := "no response"
	if cause != nil {
		message = cause.Error()
	} else if status != 0 {
		message = fmt.Sprintf("status %d", status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.healthLocked(destination)
	h.ConsecutiveFailures++
	h.LastError = &event.WebhookLastError{
		Message:   message,
		Timestamp: time.Now().UTC(),
		Code:      status,
	}

	if entityType != "" {
		d.typeCountersLocked(entityType).Failure++
	}
}

func (d *Dispatcher) healthLocked(destination string) *event.WebhookHealth {
	h, ok := d.health[destination]
	if !ok {
		h = &event.WebhookHealth{}
		d.health[destination] = h
	}
	return h
}

func (d *Dispatcher) typeCountersLocked(entityType string) *DeliveryCounters {
	c, ok := d.typeStats[entityType]
	if !ok {
		c = &DeliveryCounters{}
		d.typeStats[entityType] = c
	}
	return c
}

// ConsecutiveFailures returns a destination's current failure streak
func (d *Dispatcher) ConsecutiveFailures(destination string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if h, ok := d.health[destination]; ok {
		return h.ConsecutiveFailures
	}
	return 0
}

// HealthReport is the health view keyed by destination URL
type HealthReport struct {
	Destinations map[string]event.WebhookHealth `json:"destinations"`
	Secondary    *event.WebhookHealth           `json:"secondary,omitempty"`
	TypeStats    map[string]DeliveryCounters    `json:"typeStats"`
}

// Health returns per-destination health plus the secondary sub-object when
// configured
func (d *Dispatcher) Health() HealthReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	report := HealthReport{
		Destinations: make(map[string]event.WebhookHealth, len(d.health)),
		TypeStats:    make(map[string]DeliveryCounters, len(d.typeStats)),
	}
	for url, h := range d.health {
		report.Destinations[url] = *h
	}
	for entityType, counters := range d.typeStats {
		report.TypeStats[entityType] = *counters
	}
	if d.secondary != "" {
		if h, ok := d.health[d.secondary]; ok {
			snapshot := *h
			report.Secondary = &snapshot
		} else {
			report.Secondary = &event.WebhookHealth{}
		}
	}
	return report
}
