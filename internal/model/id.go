package model

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// jobIDLen is the number of hex characters kept from a random UUID.
const jobIDLen = 12

// NewID generates a short job identifier: the first 12 hex characters of a
// random UUID. Job ids appear in URLs and storage keys, so they stay short.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:jobIDLen]
}

// NewRef generates a prefixed ULID for references handed to external parties,
// such as checkout sessions.
func NewRef(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}

// ValidID reports whether id has the shape produced by NewID.
func ValidID(id string) bool {
	if len(id) != jobIDLen {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
