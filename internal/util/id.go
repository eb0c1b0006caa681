package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally prefixed as "<prefix>_<hex>".
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// SessionKey is the history session id of a notebook conversation. Signed-in
// users get their own conversation; anonymous visitors share the bare
// notebook id.
func SessionKey(notebookID, userID string) string {
	if userID == "" {
		return notebookID
	}
	return notebookID + "_" + userID
}
