// Package routing holds the entities that drive authorization and destination
// selection: contacts, groups and per-type webhook routes.
package routing

import (
	"net/url"
	"strings"

	"wafilter/internal/domain/identity"
)

// Default entity types. Custom types are authorized through the config store.
var (
	DefaultContactTypes = []string{"PERSONAL", "WORK", "VIP"}
	DefaultGroupTypes   = []string{"GROUP", "TEAM"}
)

// EntityTypeSelf is the synthetic type assigned to messages from the
// connected adapter's own phone. It is always authorized and never persisted.
const EntityTypeSelf = "SELF"

// Contact is an allowed sender keyed by its digits-only phone number
type Contact struct {
	Phone string `json:"phone" validate:"required,phone"`
	Name  string `json:"name" validate:"required,entity_name"`
	Type  string `json:"type,omitempty"`
	// LinkedID is the upstream linked identifier aliasing this phone, when known
	LinkedID string `json:"lid,omitempty"`
}

// NewContact builds a contact with the phone stored in normalized form
func NewContact(phone, name, contactType, linkedID string) (Contact, error) {
	normalized := identity.NormalizePhone(phone)
	if !identity.IsValidPhone(normalized) {
		return Contact{}, ErrInvalidPhone
	}

	name = strings.TrimSpace(name)
	if len(name) < 2 || len(name) > 50 {
		return Contact{}, ErrInvalidName
	}

	if contactType == "" {
		contactType = DefaultContactTypes[0]
	}

	return Contact{
		Phone:    normalized,
		Name:     name,
		Type:     contactType,
		LinkedID: identity.NormalizePhone(linkedID),
	}, nil
}

// Matches reports whether a normalized source identifier matches this
// contact's phone or its linked identifier
func (c Contact) Matches(normalizedSource string) bool {
	if normalizedSource == "" {
		return false
	}
	if identity.NormalizePhone(c.Phone) == normalizedSource {
		return true
	}
	return c.LinkedID != "" && c.LinkedID == normalizedSource
}

// Group is an allowed group keyed by its normalized group ID
type Group struct {
	GroupID string `json:"groupId" validate:"required,group_id"`
	Name    string `json:"name" validate:"required,entity_name"`
	Type    string `json:"type,omitempty"`
}

// NewGroup builds a group with the ID stored in normalized form
func NewGroup(groupID, name, groupType string) (Group, error) {
	normalized := identity.NormalizeGroupID(groupID)
	if !identity.IsValidGroupID(normalized) {
		return Group{}, ErrInvalidGroupID
	}

	name = strings.TrimSpace(name)
	if len(name) < 2 || len(name) > 50 {
		return Group{}, ErrInvalidName
	}

	if groupType == "" {
		groupType = DefaultGroupTypes[0]
	}

	return Group{
		GroupID: normalized,
		Name:    name,
		Type:    groupType,
	}, nil
}

// Matches reports whether a group ID (raw or suffixed) refers to this group
func (g Group) Matches(groupID string) bool {
	n := identity.NormalizeGroupID(groupID)
	return n != "" && identity.NormalizeGroupID(g.GroupID) == n
}

// ValidateWebhookURL checks that a destination URL is syntactically valid.
// Empty is allowed; it means "unset".
func ValidateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidWebhookURL
	}
	return nil
}

// IsKnownType reports whether entityType appears in defaults or customTypes
func IsKnownType(entityType string, defaults, customTypes []string) bool {
	for _, t := range defaults {
		if strings.EqualFold(t, entityType) {
			return true
		}
	}
	for _, t := range customTypes {
		if strings.EqualFold(t, entityType) {
			return true
		}
	}
	return false
}
