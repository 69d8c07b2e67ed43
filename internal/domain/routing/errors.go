package routing

import "errors"

var (
	// ErrInvalidPhone indicates a phone that does not normalize to 10-15 digits
	ErrInvalidPhone = errors.New("phone must contain 10-15 digits")
	// ErrInvalidGroupID indicates a group ID that does not normalize to 10-25 digits
	ErrInvalidGroupID = errors.New("group id must contain 10-25 digits")
	// ErrInvalidName indicates an entity name outside 2-50 characters
	ErrInvalidName = errors.New("name must be between 2 and 50 characters")
	// ErrInvalidWebhookURL indicates a syntactically invalid destination URL
	ErrInvalidWebhookURL = errors.New("webhook url must be a valid http or https URL")
	// ErrUnknownType indicates an entity type outside defaults and custom types
	ErrUnknownType = errors.New("unknown entity type")
)
