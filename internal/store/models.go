package store

import (
	"encoding/json"
	"time"
)

// ChatHistoryRow is one entry of the chat history log. Message holds the
// stored JSON envelope exactly as written by the completion workflow.
type ChatHistoryRow struct {
	ID        int64
	SessionID string
	Message   json.RawMessage
}

type Notebook struct {
	ID             string
	OrganizationID string
	Title          string
	IsPublic       bool
	PublicSlug     string
	UpdatedAt      time.Time
}

type Source struct {
	ID         string
	NotebookID string
	Title      string
	Type       string
}

type UserProfile struct {
	ID             string
	Email          string
	FullName       string
	Role           string
	OrganizationID string
}
