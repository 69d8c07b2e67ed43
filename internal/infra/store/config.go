package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"wafilter/internal/domain/identity"
	"wafilter/internal/domain/routing"
	"wafilter/pkg/errors"
	"wafilter/pkg/logger"
)

// configFileName is the durable file backing the ConfigStore
const configFileName = "contacts.json"

// configFile is the on-disk shape of contacts.json
type configFile struct {
	AllowedNumbers     []routing.Contact `json:"allowedNumbers"`
	AllowedGroups      []routing.Group   `json:"allowedGroups"`
	WebhookURL         string            `json:"webhookUrl,omitempty"`
	TypeWebhooks       map[string]string `json:"typeWebhooks"`
	CustomContactTypes []string          `json:"customContactTypes"`
	CustomGroupTypes   []string          `json:"customGroupTypes"`
	// Stats is a legacy field carried through load/save untouched
	Stats json.RawMessage `json:"stats,omitempty"`
}

// ConfigStore is the process-wide mutable configuration: contacts, groups,
// destinations, per-type routes and custom type lists. All mutations are
// serialized and persisted atomically to a single JSON file.
type ConfigStore struct {
	mu   sync.RWMutex
	path string
	log  logger.Logger

	contacts           []routing.Contact
	groups             []routing.Group
	defaultWebhook     string
	envWebhook         bool // env-provided URL wins and is never written back
	typeWebhooks       map[string]string
	customContactTypes []string
	customGroupTypes   []string
	legacyStats        json.RawMessage
}

// NewConfigStore creates a config store backed by <dataDir>/contacts.json.
// An env-provided default webhook wins over the persisted one.
func NewConfigStore(dataDir, envWebhookURL string, log logger.Logger) *ConfigStore {
	return &ConfigStore{
		path:           filepath.Join(dataDir, configFileName),
		log:            log,
		defaultWebhook: envWebhookURL,
		envWebhook:     envWebhookURL != "",
		typeWebhooks:   make(map[string]string),
	}
}

// Load reads the persisted configuration. A missing file yields an empty
// store; any other read error is returned.
func (s *ConfigStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.InfoWithFields("no persisted config, starting empty", logger.Fields{
				"path": s.path,
			})
			return nil
		}
		return errors.WrapInternal(err, "read config file")
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return errors.WrapInternal(err, "parse config file")
	}

	s.contacts = file.AllowedNumbers
	s.groups = file.AllowedGroups
	if !s.envWebhook {
		s.defaultWebhook = file.WebhookURL
	}
	if file.TypeWebhooks != nil {
		s.typeWebhooks = file.TypeWebhooks
	}
	s.customContactTypes = file.CustomContactTypes
	s.customGroupTypes = file.CustomGroupTypes
	s.legacyStats = file.Stats

	s.log.InfoWithFields("config loaded", logger.Fields{
		"contacts": len(s.contacts),
		"groups":   len(s.groups),
		"routes":   len(s.typeWebhooks),
	})
	return nil
}

// Save persists the configuration atomically
func (s *ConfigStore) Save() error {
	s.mu.RLock()
	file := configFile{
		AllowedNumbers:     s.contacts,
		AllowedGroups:      s.groups,
		TypeWebhooks:       s.typeWebhooks,
		CustomContactTypes: s.customContactTypes,
		CustomGroupTypes:   s.customGroupTypes,
		Stats:              s.legacyStats,
	}
	if !s.envWebhook {
		file.WebhookURL = s.defaultWebhook
	}
	data, err := json.MarshalIndent(file, "", "  ")
	path := s.path
	s.mu.RUnlock()

	if err != nil {
		return errors.WrapInternal(err, "marshal config")
	}
	if err := writeFileAtomic(path, data); err != nil {
		return errors.WrapInternal(err, "persist config")
	}
	return nil
}

// AddContact adds an allowed contact. Fails with conflict when the phone is
// already present and validation when the entity or type is rejected.
func (s *ConfigStore) AddContact(phone, name, contactType, linkedID string) (routing.Contact, error) {
	contact, err := routing.NewContact(phone, name, contactType, linkedID)
	if err != nil {
		return routing.Contact{}, errors.NewValidationError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if contactType != "" && !routing.IsKnownType(contactType, routing.DefaultContactTypes, s.customContactTypes) {
		return routing.Contact{}, errors.NewValidationError(routing.ErrUnknownType.Error()).
			WithContext("type", contactType)
	}

	for _, existing := range s.contacts {
		if identity.SamePhone(existing.Phone, contact.Phone) {
			return routing.Contact{}, errors.NewConflictError("contact already exists").
				WithContext("phone", contact.Phone)
		}
	}

	s.contacts = append(s.contacts, contact)
	return contact, nil
}

// UpdateContact mutates an existing contact identified by phone
func (s *ConfigStore) UpdateContact(phone, name, contactType, linkedID string) (routing.Contact, error) {
	updated, err := routing.NewContact(phone, name, contactType, linkedID)
	if err != nil {
		return routing.Contact{}, errors.NewValidationError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if contactType != "" && !routing.IsKnownType(contactType, routing.DefaultContactTypes, s.customContactTypes) {
		return routing.Contact{}, errors.NewValidationError(routing.ErrUnknownType.Error()).
			WithContext("type", contactType)
	}

	for i, existing := range s.contacts {
		if identity.SamePhone(existing.Phone, phone) {
			s.contacts[i] = updated
			return updated, nil
		}
	}
	return routing.Contact{}, errors.NewNotFoundError("contact")
}

// DeleteContact removes a contact by phone
func (s *ConfigStore) DeleteContact(phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.contacts {
		if identity.SamePhone(existing.Phone, phone) {
			s.contacts = append(s.contacts[:i], s.contacts[i+1:]...)
			return nil
		}
	}
	return errors.NewNotFoundError("contact")
}

// AddGroup adds an allowed group
func (s *ConfigStore) AddGroup(groupID, name, groupType string) (routing.Group, error) {
	group, err := routing.NewGroup(groupID, name, groupType)
	if err != nil {
		return routing.Group{}, errors.NewValidationError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if groupType != "" && !routing.IsKnownType(groupType, routing.DefaultGroupTypes, s.customGroupTypes) {
		return routing.Group{}, errors.NewValidationError(routing.ErrUnknownType.Error()).
			WithContext("type", groupType)
	}

	for _, existing := range s.groups {
		if existing.Matches(group.GroupID) {
			return routing.Group{}, errors.NewConflictError("group already exists").
				WithContext("groupId", group.GroupID)
		}
	}

	s.groups = append(s.groups, group)
	return group, nil
}

// UpdateGroup mutates an existing group identified by group ID
func (s *ConfigStore) UpdateGroup(groupID, name, groupType string) (routing.Group, error) {
	updated, err := routing.NewGroup(groupID, name, groupType)
	if err != nil {
		return routing.Group{}, errors.NewValidationError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if groupType != "" && !routing.IsKnownType(groupType, routing.DefaultGroupTypes, s.customGroupTypes) {
		return routing.Group{}, errors.NewValidationError(routing.ErrUnknownType.Error()).
			WithContext("type", groupType)
	}

	for i, existing := range s.groups {
		if existing.Matches(groupID) {
			s.groups[i] = updated
			return updated, nil
		}
	}
	return routing.Group{}, errors.NewNotFoundError("group")
}

// DeleteGroup removes a group by ID
func (s *ConfigStore) DeleteGroup(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.groups {
		if existing.Matches(groupID) {
			s.groups = append(s.groups[:i], s.groups[i+1:]...)
			return nil
		}
	}
	return errors.NewNotFoundError("group")
}

// SetDefaultWebhook sets the default destination. Rejected when the URL was
// env-provided, since the environment wins.
func (s *ConfigStore) SetDefaultWebhook(url string) error {
	if err := routing.ValidateWebhookURL(url); err != nil {
		return errors.NewValidationError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.envWebhook {
		return errors.NewConflictError("default webhook is set from the environment")
	}
	s.defaultWebhook = url
	return nil
}

// SetTypeWebhooks replaces the per-type destination map
func (s *ConfigStore) SetTypeWebhooks(routes map[string]string) error {
	for entityType, url := range routes {
		if err := routing.ValidateWebhookURL(url); err != nil {
			return errors.NewValidationError(err.Error()).WithContext("type", entityType)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.typeWebhooks = make(map[string]string, len(routes))
	for entityType, url := range routes {
		s.typeWebhooks[entityType] = url
	}
	return nil
}

// SetCustomTypes replaces the custom contact and group type lists
func (s *ConfigStore) SetCustomTypes(contactTypes, groupTypes []string) error {
	for _, t := range append(append([]string{}, contactTypes...), groupTypes...) {
		if len(t) < 2 || len(t) > 50 {
			return errors.NewValidationError("type names must be between 2 and 50 characters").
				WithContext("type", t)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.customContactTypes = append([]string{}, contactTypes...)
	s.customGroupTypes = append([]string{}, groupTypes...)
	return nil
}

// Contacts returns a copy of the allowed contacts
func (s *ConfigStore) Contacts() []routing.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]routing.Contact{}, s.contacts...)
}

// Groups returns a copy of the allowed groups
func (s *ConfigStore) Groups() []routing.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]routing.Group{}, s.groups...)
}

// FindContact matches a normalized source identifier against each contact's
// phone or linked identifier
func (s *ConfigStore) FindContact(normalizedSource string) (routing.Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, contact := range s.contacts {
		if contact.Matches(normalizedSource) {
			return contact, true
		}
	}
	return routing.Contact{}, false
}

// FindContactByLinkedID resolves a linked identifier through the contact index
func (s *ConfigStore) FindContactByLinkedID(linkedID string) (routing.Contact, bool) {
	normalized := identity.NormalizePhone(linkedID)
	if normalized == "" {
		return routing.Contact{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, contact := range s.contacts {
		if contact.LinkedID == normalized {
			return contact, true
		}
	}
	return routing.Contact{}, false
}

// FindGroup matches a group ID (raw or suffixed) against the allowed groups
func (s *ConfigStore) FindGroup(groupID string) (routing.Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, group := range s.groups {
		if group.Matches(groupID) {
			return group, true
		}
	}
	return routing.Group{}, false
}

// DefaultWebhook returns the default destination URL
func (s *ConfigStore) DefaultWebhook() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultWebhook
}

// TypeWebhook returns the destination for an entity type, or empty
func (s *ConfigStore) TypeWebhook(entityType string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typeWebhooks[entityType]
}

// TypeWebhooks returns a copy of the per-type destination map
func (s *ConfigStore) TypeWebhooks() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	routes := make(map[string]string, len(s.typeWebhooks))
	for k, v := range s.typeWebhooks {
		routes[k] = v
	}
	return routes
}

// CustomTypes returns copies of the custom contact and group type lists
func (s *ConfigStore) CustomTypes() (contactTypes, groupTypes []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.customContactTypes...), append([]string{}, s.customGroupTypes...)
}
