package pipeline

import (
	"context"
	"encoding/json"
	"net/http"

	"wafilter/internal/domain/event"
	"wafilter/internal/infra/alert"
	"wafilter/internal/infra/config"
	"wafilter/internal/infra/metrics"
	"wafilter/internal/infra/store"
	"wafilter/internal/infra/webhook"
	"wafilter/pkg/logger"
)

// LinkedIDResolver resolves an upstream linked identifier to a phone number.
// The adapter implements it over the session's identity store; a nil resolver
// simply never resolves.
type LinkedIDResolver interface {
	ResolvePhone(linkedID string) (string, bool)
}

// SelfPhoneFunc returns the connected session's own phone, or empty when no
// adapter is active
type SelfPhoneFunc func() string

// Pipeline wires the router, handlers and their dependencies
type Pipeline struct {
	cfg        *config.Config
	configs    *store.ConfigStore
	stats      *store.StatsStore
	messages   *store.MessageStore
	dispatcher *webhook.Dispatcher
	alerts     *alert.Sink
	metrics    *metrics.Metrics
	detector   *MentionDetector
	connection *ConnectionHandler
	resolver   LinkedIDResolver
	selfPhone  SelfPhoneFunc
	router     *Router
	// mentionClient posts mention forwards independently of the dispatcher
	mentionClient *http.Client
	log           logger.Logger
}

// Deps collects the pipeline's collaborators
type Deps struct {
	Config     *config.Config
	Configs    *store.ConfigStore
	Stats      *store.StatsStore
	Messages   *store.MessageStore
	Dispatcher *webhook.Dispatcher
	Alerts     *alert.Sink
	Metrics    *metrics.Metrics
	Resolver   LinkedIDResolver
	SelfPhone  SelfPhoneFunc
	Logger     logger.Logger
}

// New creates the pipeline and populates the router's dispatch table
func New(deps Deps) *Pipeline {
	p := &Pipeline{
		cfg:           deps.Config,
		configs:       deps.Configs,
		stats:         deps.Stats,
		messages:      deps.Messages,
		dispatcher:    deps.Dispatcher,
		alerts:        deps.Alerts,
		metrics:       deps.Metrics,
		resolver:      deps.Resolver,
		selfPhone:     deps.SelfPhone,
		mentionClient: &http.Client{},
		log:           deps.Logger,
	}
	if p.selfPhone == nil {
		p.selfPhone = func() string { return "" }
	}

	p.detector = NewMentionDetector(deps.Config.MentionKeywords(), deps.Messages)
	p.connection = NewConnectionHandler(deps.Alerts, deps.Logger)
	p.router = NewRouter(deps.Stats, deps.Metrics, deps.Logger)

	p.register()
	return p
}

// register populates the dispatch table with the canonical kinds
func (p *Pipeline) register() {
	r := p.router

	r.Register(event.KindMessagesUpsert, p.handleMessageUpsert)
	r.Register(event.KindMessagesUpdate, p.handleMessageUpdate)
	r.Register(event.KindMessagesDelete, p.handleCounted(event.KindMessagesDelete))
	r.Register(event.KindMessagesSet, p.handleCounted(event.KindMessagesSet))
	r.Register(event.KindSendMessage, p.handleOutgoingMessage)
	r.Register(event.KindConnectionUpdate, p.connection.HandleConnectionUpdate)
	r.Register(event.KindQRCodeUpdated, p.connection.HandleQRUpdate)
	r.Register(event.KindLogoutInstance, p.handleCounted(event.KindLogoutInstance))
	r.Register(event.KindRemoveInstance, p.handleCounted(event.KindRemoveInstance))
	r.Register(event.KindApplicationStartup, p.handleCounted(event.KindApplicationStartup))
	r.Register(event.KindChatsUpsert, p.handleCounted(event.KindChatsUpsert))
	r.Register(event.KindChatsUpdate, p.handleCounted(event.KindChatsUpdate))
	r.Register(event.KindChatsDelete, p.handleCounted(event.KindChatsDelete))
	r.Register(event.KindChatsSet, p.handleCounted(event.KindChatsSet))
	r.Register(event.KindGroupsUpsert, p.handleCounted(event.KindGroupsUpsert))
	r.Register(event.KindGroupUpdate, p.handleCounted(event.KindGroupUpdate))
	r.Register(event.KindGroupParticipantsUpdate, p.handleCounted(event.KindGroupParticipantsUpdate))
	r.Register(event.KindContactsUpsert, p.handleCounted(event.KindContactsUpsert))
	r.Register(event.KindContactsUpdate, p.handleCounted(event.KindContactsUpdate))
	r.Register(event.KindContactsSet, p.handleCounted(event.KindContactsSet))
	r.Register(event.KindCall, p.handleCounted(event.KindCall))
	r.Register(event.KindLabelsAssociation, p.handleCounted(event.KindLabelsAssociation))
	r.Register(event.KindLabelsEdit, p.handleCounted(event.KindLabelsEdit))
	r.Register(event.KindPresenceUpdate, p.handlePresence)
}

// Router exposes the populated router
func (p *Pipeline) Router() *Router {
	return p.router
}

// Connection exposes the connection handler for admin reads
func (p *Pipeline) Connection() *ConnectionHandler {
	return p.connection
}

// Route dispatches one envelope
func (p *Pipeline) Route(ctx context.Context, env event.Envelope) *Result {
	return p.router.Route(ctx, env.Kind, env.Payload)
}

// handleCounted builds a handler that counts and logs an event kind without
// forwarding
func (p *Pipeline) handleCounted(kind event.Kind) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (*Result, error) {
		p.stats.LogEvent(event.StoredEvent{
			EventKind: kind,
			Action:    event.ActionLogged,
		})
		return &Result{Success: true, Action: event.ActionLogged}, nil
	}
}

// handlePresence logs presence updates only when enabled; they are counted
// either way
func (p *Pipeline) handlePresence(ctx context.Context, payload json.RawMessage) (*Result, error) {
	if !p.cfg.Forward.LogPresence {
		return &Result{Success: true, Action: event.ActionLogged}, nil
	}
	p.stats.LogEvent(event.StoredEvent{
		EventKind: event.KindPresenceUpdate,
		Action:    event.ActionLogged,
	})
	return &Result{Success: true, Action: event.ActionLogged}, nil
}
