package pipeline

import (
	"context"
	"encoding/json"

	"wafilter/internal/domain/event"
	"wafilter/internal/domain/identity"
	"wafilter/internal/infra/store"
	"wafilter/internal/infra/webhook"
)

// handleOutgoingMessage mirrors the insertion rules for messages we sent:
// authorize the recipient, store locally marked fromSelf, and forward when
// enabled and a destination is configured.
func (p *Pipeline) handleOutgoingMessage(ctx context.Context, payload json.RawMessage) (*Result, error) {
	kind := event.KindSendMessage

	data, err := event.UnmarshalMessageData(payload)
	if err != nil {
		p.stats.LogEvent(event.StoredEvent{
			EventKind: kind,
			Action:    event.ActionLogged,
			Error:     err.Error(),
		})
		return &Result{Success: false, Action: event.ActionLogged, Error: err.Error()}, nil
	}

	// Remember our own message IDs so reply-mention detection works even
	// when outgoing forwarding is disabled
	p.messages.MarkOurMessage(data.Key.ID)

	parsed := identity.Parse(data.Key.RemoteJID)
	if parsed.SourceType == identity.SourceStatus || parsed.SourceType == identity.SourceUnknown {
		p.stats.Increment(kind, store.FieldFiltered)
		return &Result{Success: true, Action: event.ActionFiltered, Reason: event.ReasonStatusBroadcast}, nil
	}

	sourceID, participant := p.resolveIdentity(parsed, data)

	content := data.Message.Unwrap()
	if content.IsProtocolOnly() {
		p.stats.Increment(kind, store.FieldFiltered)
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
			Action:         event.ActionFiltered,
			MessagePreview: event.Preview(body),
			MessageBody:    body,
			Reason:         auth.Reason,
		})
		return &Result{Success: true, Action: event.ActionFiltered, Reason: auth.Reason}, nil
	}

	normalized := normalizeMessage(data, content, msgType, body, hasMedia, mediaType)
	normalized.FromSelf = true
	p.messages.Store(sourceID, normalized)

	if !p.cfg.Forward.OutgoingMessages {
		p.stats.LogEvent(event.StoredEvent{
			EventKind:  kind,
			Source:     sourceID,
			SourceType: string(parsed.SourceType),
			EntityType: auth.EntityType,
			Action:     event.ActionStored,
			Reason:     event.ReasonForwardingDisabled,
		})
		return &Result{Success: true, Action: event.ActionStored, Reason: event.ReasonForwardingDisabled}, nil
	}

	return p.forward(ctx, payload, webhook.Meta{
		SourceID:   sourceID,
		SourceType: string(parsed.SourceType),
		EntityType: auth.EntityType,
		EventKind:  kind,
	}, data.PushName, body), nil
}

// handleMessageUpdate forwards edits only when the runtime flag enables it;
// otherwise updates are logged
func (p *Pipeline) handleMessageUpdate(ctx context.Context, payload json.RawMessage) (*Result, error) {
	kind := event.KindMessagesUpdate

	if !p.cfg.Forward.MessageUpdates {
		p.stats.LogEvent(event.StoredEvent{
			EventKind: kind,
			Action:    event.ActionLogged,
			Reason:    event.ReasonForwardingDisabled,
		})
		return &Result{Success: true, Action: event.ActionLogged, Reason: event.ReasonForwardingDisabled}, nil
	}

	data, err := event.UnmarshalMessageData(payload)
	if err != nil {
		p.stats.LogEvent(event.StoredEvent{
			EventKind: kind,
			Action:    event.ActionLogged,
			Error:     err.Error(),
		})
		return &Result{Success: false, Action: event.ActionLogged, Error: err.Error()}, nil
	}

	parsed := identity.Parse(data.Key.RemoteJID)
	if parsed.SourceType != identity.SourceContact && parsed.SourceType != identity.SourceGroup {
		p.stats.Increment(kind, store.FieldFiltered)
		return &Result{Success: true, Action: event.ActionFiltered, Reason: event.ReasonStatusBroadcast}, nil
	}

	sourceID, participant := p.resolveIdentity(parsed, data)
	auth := p.authorize(parsed.SourceType, sourceID, participant)
	if !auth.Allowed {
		p.stats.Increment(kind, store.FieldFiltered)
		return &Result{Success: true, Action: event.ActionFiltered, Reason: auth.Reason}, nil
	}

	return p.forward(ctx, payload, webhook.Meta{
		SourceID:   sourceID,
		SourceType: string(parsed.SourceType),
		EntityType: auth.EntityType,
		EventKind:  kind,
	}, data.PushName, ""), nil
}
