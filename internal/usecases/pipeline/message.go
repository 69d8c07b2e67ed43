package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"wafilter/internal/domain/event"
	"wafilter/internal/domain/identity"
	"wafilter/internal/domain/routing"
	"wafilter/internal/infra/alert"
	"wafilter/internal/infra/store"
	"wafilter/internal/infra/webhook"
	"wafilter/pkg/errors"
)

// failureAlertThreshold is the consecutive-failure count that triggers a
// warning alert for a destination
const failureAlertThreshold = 3

// authorization is the outcome of the allow-list check
type authorization struct {
	Allowed    bool
	EntityType string
	EntityName string
	Reason     string
}

// handleMessageUpsert is the decision core for message-insertion events
func (p *Pipeline) handleMessageUpsert(ctx context.Context, payload json.RawMessage) (*Result, error) {
	kind := event.KindMessagesUpsert

	data, err := event.UnmarshalMessageData(payload)
	if err != nil {
		p.stats.LogEvent(event.StoredEvent{
			EventKind: kind,
			Action:    event.ActionLogged,
			Error:     err.Error(),
			Reason:    event.ReasonUnparsableRemoteAddress,
		})
		return &Result{Success: false, Action: event.ActionLogged, Error: err.Error()}, nil
	}

	parsed := identity.Parse(data.Key.RemoteJID)

	if parsed.SourceType == identity.SourceStatus {
		p.stats.Increment(kind, store.FieldFiltered)
		return &Result{Success: true, Action: event.ActionFiltered, Reason: event.ReasonStatusBroadcast}, nil
	}

	if parsed.SourceType == identity.SourceUnknown {
		p.stats.Increment(kind, store.FieldFiltered)
		p.stats.LogEvent(event.StoredEvent{
			EventKind: kind,
			Action:    event.ActionFiltered,
			Reason:    event.ReasonUnparsableRemoteAddress,
		})
		return &Result{Success: true, Action: event.ActionFiltered, Reason: event.ReasonUnparsableRemoteAddress}, nil
	}

	sourceID, participant := p.resolveIdentity(parsed, data)

	content := data.Message.Unwrap()
	if content.IsProtocolOnly() {
		p.stats.Increment(kind, store.FieldFiltered)
		p.stats.LogEvent(event.StoredEvent{
			EventKind:  kind,
			Source:     sourceID,
			SourceType: string(parsed.SourceType),
			Action:     event.ActionFiltered,
			Reason:     event.ReasonProtocolOnly,
		})
		return &Result{Success: true, Action: event.ActionFiltered, Reason: event.ReasonProtocolOnly}, nil
	}

	msgType, body, hasMedia, mediaType := content.Classify()
	auth := p.authorize(parsed.SourceType, sourceID, participant)

	if !auth.Allowed {
		p.stats.Increment(kind, store.FieldFiltered)
		p.stats.LogEvent(event.StoredEvent{
			EventKind:      kind,
			Source:         sourceID,
			SourceType:     string(parsed.SourceType),
			SenderName:     data.PushName,
			Action:         event.ActionFiltered,
			MessagePreview: event.Preview(body),
			MessageBody:    body,
			Reason:         auth.Reason,
		})
		return &Result{Success: true, Action: event.ActionFiltered, Reason: auth.Reason}, nil
	}

	normalized := normalizeMessage(data, content, msgType, body, hasMedia, mediaType)
	p.messages.Store(sourceID, normalized)

	// Mention hook: groups only, when enabled, when the self-phone is known
	if parsed.SourceType == identity.SourceGroup && p.cfg.Mention.Enabled {
		if selfPhone := p.selfPhone(); selfPhone != "" {
			mention := p.detector.Detect(content, body, selfPhone)
			if mention.IsMentioned {
				mentionResult := p.forwardMention(ctx, payload, sourceID, auth, kind, mention)
				if p.cfg.Mention.OnlyToMentionWebhook {
					return mentionResult, nil
				}
			}
		}
	}

	return p.forward(ctx, payload, webhook.Meta{
		SourceID:   sourceID,
		SourceType: string(parsed.SourceType),
		EntityType: auth.EntityType,
		EventKind:  kind,
	}, data.PushName, body), nil
}

// resolveIdentity applies linked-identifier resolution to the source and,
// for groups, the participant. The strategies run in priority order: the
// payload hint, the adapter's identity store, the local contact index, and
// finally the raw linked identifier.
func (p *Pipeline) resolveIdentity(parsed identity.Parsed, data *event.MessageData) (sourceID, participant string) {
	sourceID = parsed.SourceID
	participant = data.Key.Participant

	if parsed.SourceType == identity.SourceContact && parsed.IsLinkedIdentifier {
		sourceID = p.resolveLinkedID(parsed.SourceID, data.Key.SenderPn)
	}

	if parsed.SourceType == identity.SourceGroup && participant != "" {
		participantParsed := identity.Parse(participant)
		if participantParsed.IsLinkedIdentifier {
			participant = p.resolveLinkedID(participantParsed.SourceID, data.Key.SenderPn)
		} else {
			participant = participantParsed.SourceID
		}
	}

	return sourceID, participant
}

// resolveLinkedID resolves one linked identifier through the strategy chain
func (p *Pipeline) resolveLinkedID(linkedID, payloadHint string) string {
	if hint := identity.NormalizePhone(payloadHint); identity.IsValidPhone(hint) {
		return hint
	}

	if p.resolver != nil {
		if phone, ok := p.resolver.ResolvePhone(linkedID); ok {
			return identity.NormalizePhone(phone)
		}
	}

	if contact, ok := p.configs.FindContactByLinkedID(linkedID); ok {
		return contact.Phone
	}

	return linkedID
}

// authorize runs the allow-list check. The adapter's own phone is always
// allowed with the synthetic SELF type.
func (p *Pipeline) authorize(sourceType identity.SourceType, sourceID, participant string) authorization {
	switch sourceType {
	case identity.SourceGroup:
		if group, ok := p.configs.FindGroup(sourceID); ok {
			return authorization{Allowed: true, EntityType: group.Type, EntityName: group.Name}
		}
		return authorization{Reason: event.ReasonNotInAllowedGroups}

	case identity.SourceContact:
		normalized := identity.NormalizePhone(sourceID)

		if self := identity.NormalizePhone(p.selfPhone()); self != "" && normalized == self {
			return authorization{Allowed: true, EntityType: routing.EntityTypeSelf, EntityName: "self"}
		}

		if contact, ok := p.configs.FindContact(normalized); ok {
			return authorization{Allowed: true, EntityType: contact.Type, EntityName: contact.Name}
		}
		if normalized == "" {
			// Unresolved linked identifier: try the raw form
			if contact, ok := p.configs.FindContact(sourceID); ok {
				return authorization{Allowed: true, EntityType: contact.Type, EntityName: contact.Name}
			}
		}
		return authorization{Reason: event.ReasonNotInAllowedContacts}

	default:
		return authorization{Reason: event.ReasonNotInAllowedContacts}
	}
}

// normalizeMessage derives the stored artifact from the event payload
func normalizeMessage(data *event.MessageData, content *event.MessageContent,
	msgType, body string, hasMedia bool, mediaType string) event.NormalizedMessage {

	timestamp := time.Now().UTC()
	if data.MessageTimestamp > 0 {
		timestamp = time.Unix(data.MessageTimestamp, 0).UTC()
	}

	return event.NormalizedMessage{
		ID:          data.Key.ID,
		Body:        body,
		Type:        msgType,
		HasMedia:    hasMedia,
		MediaType:   mediaType,
		MediaHandle: data.MediaHandle,
		Thumbnail:   data.Thumbnail,
		FromSelf:    data.Key.FromMe,
		Timestamp:   timestamp.Format(time.RFC3339),
		QuotedBody:  content.QuotedBody(),
	}
}

// forward delivers the payload through the dispatcher and records the
// outcome. An allowed message with nowhere to go is a successful terminal
// state carrying the routing-miss reason.
func (p *Pipeline) forward(ctx context.Context, payload json.RawMessage, meta webhook.Meta, senderName, body string) *Result {
	if p.dispatcher.Resolve(meta.EntityType) == "" {
		p.stats.Increment(meta.EventKind, store.FieldForwarded)
		p.stats.LogEvent(event.StoredEvent{
			EventKind:      meta.EventKind,
			Source:         meta.SourceID,
			SourceType:     meta.SourceType,
			SenderName:     senderName,
			EntityType:     meta.EntityType,
			Action:         event.ActionForwarded,
			MessagePreview: event.Preview(body),
			MessageBody:    body,
			Reason:         event.ReasonNoDestinationForType,
		})
		return &Result{Success: true, Action: event.ActionForwarded, Reason: event.ReasonNoDestinationForType}
	}

	result, err := p.dispatcher.Forward(ctx, payload, meta)
	if err != nil {
		p.stats.Increment(meta.EventKind, store.FieldFailed)
		p.stats.LogEvent(event.StoredEvent{
			EventKind:      meta.EventKind,
			Source:         meta.SourceID,
			SourceType:     meta.SourceType,
			SenderName:     senderName,
			EntityType:     meta.EntityType,
			Action:         event.ActionFailed,
			MessagePreview: event.Preview(body),
			MessageBody:    body,
			Error:          err.Error(),
		})
		if p.metrics != nil {
			p.metrics.ObserveDelivery("failure")
		}
		p.escalateFailure(ctx, meta, err)
		return &Result{Success: false, Action: event.ActionFailed, Error: err.Error()}
	}

	p.stats.Increment(meta.EventKind, store.FieldForwarded)
	p.stats.LogEvent(event.StoredEvent{
		EventKind:      meta.EventKind,
		Source:         meta.SourceID,
		SourceType:     meta.SourceType,
		SenderName:     senderName,
		EntityType:     meta.EntityType,
		Action:         event.ActionForwarded,
		MessagePreview: event.Preview(body),
		MessageBody:    body,
	})
	if p.metrics != nil {
		p.metrics.ObserveDelivery("success")
	}
	return &Result{Success: true, Action: event.ActionForwarded, Destination: result.Destination}
}

// escalateFailure emits a warning alert when a destination reaches the
// consecutive-failure threshold
func (p *Pipeline) escalateFailure(ctx context.Context, meta webhook.Meta, cause error) {
	destination := p.dispatcher.Resolve(meta.EntityType)
	if destination == "" {
		return
	}
	if p.dispatcher.ConsecutiveFailures(destination) != failureAlertThreshold {
		return
	}

	p.alerts.Send(ctx, alert.Alert{
		Level:   alert.LevelWarning,
		Event:   "webhook_failures",
		Title:   "Webhook deliveries failing",
		Message: "A destination reached the consecutive-failure threshold.",
		Details: map[string]string{
			"destination": destination,
			"entity_type": meta.EntityType,
			"last_error":  cause.Error(),
		},
	})
}

// forwardMention posts the original payload to the mention destination,
// independently of normal routing
func (p *Pipeline) forwardMention(ctx context.Context, payload json.RawMessage, sourceID string,
	auth authorization, kind event.Kind, mention event.MentionResult) *Result {

	if p.cfg.Mention.URL == "" {
		p.log.Warn("mention detected but no mention webhook configured")
		return &Result{Success: true, Action: event.ActionLogged, Mention: &mention}
	}

	err := p.postMention(ctx, payload, sourceID, kind)
	if err != nil {
		p.stats.Increment(kind, store.FieldFailed)
		p.stats.LogEvent(event.StoredEvent{
			EventKind:  kind,
			Source:     sourceID,
			SourceType: string(identity.SourceGroup),
			EntityType: auth.EntityType,
			Action:     event.ActionFailed,
			Error:      err.Error(),
			Reason:     "mention_forward_failed",
		})
		return &Result{Success: false, Action: event.ActionFailed, Error: err.Error(), Mention: &mention}
	}

	p.stats.Increment(kind, store.FieldForwarded)
	p.stats.LogEvent(event.StoredEvent{
		EventKind:  kind,
		Source:     sourceID,
		SourceType: string(identity.SourceGroup),
		EntityType: auth.EntityType,
		Action:     event.ActionMentionForwarded,
		Reason:     mention.Method,
	})
	return &Result{Success: true, Action: event.ActionMentionForwarded, Mention: &mention}
}

// postMention issues the mention POST with the optional bearer token
func (p *Pipeline) postMention(ctx context.Context, payload []byte, sourceID string, kind event.Kind) error {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.cfg.Mention.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Filter-Source", p.cfg.Instance)
	req.Header.Set("X-Source-Id", sourceID)
	req.Header.Set("X-Event-Type", string(kind))
	if p.cfg.Mention.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Mention.Token)
	}

	resp, err := p.mentionClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return errors.NewDestinationFailedError(p.cfg.Mention.URL, nil).
			WithContext("status", resp.StatusCode)
	}
	return nil
}
