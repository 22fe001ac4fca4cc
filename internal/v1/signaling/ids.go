package signaling

import (
	"strings"

	"github.com/google/uuid"
)

// SessionIDLength is the number of hex characters in a session id.
const SessionIDLength = 12

// MaxParticipants is the host plus a single viewer.
const MaxParticipants = 2

// NewUserID returns a random user id.
func NewUserID() string {
	return uuid.NewString()
}

// NewSessionID returns 12 lowercase hex characters taken from a random uuid.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:SessionIDLength]
}

// ValidSessionID reports whether id has the shape NewSessionID produces.
func ValidSessionID(id string) bool {
	if len(id) != SessionIDLength {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
