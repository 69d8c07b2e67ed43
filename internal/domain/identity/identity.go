// Package identity parses upstream remote addresses into a canonical source
// identity. All authorization comparisons go through NormalizePhone and
// NormalizeGroupID so that formatting differences never matter.
package identity

import "strings"

// SourceType classifies the origin of a message
type SourceType string

const (
	// SourceContact is a direct chat with a single contact
	SourceContact SourceType = "contact"
	// SourceGroup is a group chat
	SourceGroup SourceType = "group"
	// SourceStatus is the status broadcast pseudo-chat
	SourceStatus SourceType = "status"
	// SourceUnknown is anything we could not classify
	SourceUnknown SourceType = "unknown"
)

const (
	contactSuffix   = "@s.whatsapp.net"
	groupSuffix     = "@g.us"
	linkedSuffix    = "@lid"
	statusBroadcast = "status@broadcast"
)

// Parsed is the result of parsing a remote address
type Parsed struct {
	SourceID           string
	SourceType         SourceType
	IsStatusBroadcast  bool
	IsLinkedIdentifier bool
}

// Parse classifies a remote address. Rules applied in order: empty input is
// unknown; status broadcast; group suffix; linked-identifier suffix; anything
// else is a contact with the server suffix stripped.
func Parse(remoteAddress string) Parsed {
	if remoteAddress == "" {
		return Parsed{SourceType: SourceUnknown}
	}

	if strings.Contains(remoteAddress, statusBroadcast) {
		return Parsed{
			SourceType:        SourceStatus,
			IsStatusBroadcast: true,
		}
	}

	if strings.Contains(remoteAddress, groupSuffix) {
		return Parsed{
			SourceID:   strings.TrimSuffix(remoteAddress, groupSuffix),
			SourceType: SourceGroup,
		}
	}

	if strings.Contains(remoteAddress, linkedSuffix) {
		return Parsed{
			SourceID:           strings.TrimSuffix(remoteAddress, linkedSuffix),
			SourceType:         SourceContact,
			IsLinkedIdentifier: true,
		}
	}

	return Parsed{
		SourceID:   strings.TrimSuffix(remoteAddress, contactSuffix),
		SourceType: SourceContact,
	}
}

// NormalizePhone removes every non-digit character. Applied on both sides of
// every phone comparison.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeGroupID strips a trailing group suffix only, so "X" and "X@g.us"
// collide on both read and write sides.
func NormalizeGroupID(groupID string) string {
	return strings.TrimSuffix(groupID, groupSuffix)
}

// IsValidPhone reports whether the normalized form has 10-15 digits
func IsValidPhone(phone string) bool {
	n := NormalizePhone(phone)
	return len(n) >= 10 && len(n) <= 15
}

// IsValidGroupID reports whether the normalized form has 10-25 digits
func IsValidGroupID(groupID string) bool {
	n := NormalizeGroupID(groupID)
	if n != NormalizePhone(n) {
		return false
	}
	return len(n) >= 10 && len(n) <= 25
}

// SamePhone compares two phone strings format-independently
func SamePhone(a, b string) bool {
	na, nb := NormalizePhone(a), NormalizePhone(b)
	return na != "" && na == nb
}
