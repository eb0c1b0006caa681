// Package chat holds the transcript model, the response normalizer and the
// reconciler that merges stored, pushed and locally kept messages.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

const (
	// EmptyContentText stands in for content that was absent or blank.
	EmptyContentText = "Empty message"
	// ErrorMessageText replaces a message whose payload could not be interpreted.
	ErrorMessageText = "Sorry, there was a problem processing this response. Please try again."
)

const temporaryPrefix = "temp-"

// MessageID is a persisted sequence number, a temporary placeholder id or a
// synthetic timestamp-derived id. Numeric ids encode as JSON numbers.
type MessageID string

func SequenceID(n int64) MessageID {
	return MessageID(strconv.FormatInt(n, 10))
}

func NewTemporaryID(now time.Time) MessageID {
	return MessageID(fmt.Sprintf("%s%d-%s", temporaryPrefix, now.UnixMilli(), uuid.NewString()[:8]))
}

var lastSynthetic atomic.Int64

// SyntheticID derives an id for locally synthesized messages from the clock.
// Ids never repeat within a process, even when issued in the same millisecond.
func SyntheticID(now time.Time) MessageID {
	n := now.UnixMilli() + 1
	for {
		last := lastSynthetic.Load()
		if n <= last {
			n = last + 1
		}
		if lastSynthetic.CompareAndSwap(last, n) {
			return SequenceID(n)
		}
	}
}

func (id MessageID) IsTemporary() bool {
	return strings.HasPrefix(string(id), temporaryPrefix)
}

func (id MessageID) Sequence() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	if n, ok := id.Sequence(); ok {
		return strconv.AppendInt(nil, n, 10), nil
	}
	return json.Marshal(string(id))
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*id = MessageID(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("decode message id: %w", err)
	}
	if n, err := number.Int64(); err == nil {
		*id = SequenceID(n)
		return nil
	}
	*id = MessageID(number.String())
	return nil
}

// Segment is one run of response text, optionally linked to a citation group.
type Segment struct {
	Text       string `json:"text"`
	CitationID *int   `json:"citation_id,omitempty"`
}

type Citation struct {
	CitationID     int    `json:"citation_id"`
	SourceID       string `json:"source_id"`
	SourceTitle    string `json:"source_title"`
	SourceType     string `json:"source_type"`
	PageNumber     *int   `json:"page_number,omitempty"`
	ChunkIndex     *int   `json:"chunk_index,omitempty"`
	ChunkLinesFrom int    `json:"chunk_lines_from"`
	ChunkLinesTo   int    `json:"chunk_lines_to"`
	Excerpt        string `json:"excerpt,omitempty"`
}

type Structured struct {
	Segments  []Segment  `json:"segments"`
	Citations []Citation `json:"citations"`
}

// Content is either plain text or segments with citations.
type Content struct {
	Text       string
	Structured *Structured
}

func TextContent(text string) Content {
	if strings.TrimSpace(text) == "" {
		text = EmptyContentText
	}
	return Content{Text: text}
}

func StructuredContent(s Structured) Content {
	s.dropDanglingRefs()
	return Content{Structured: &s}
}

func (c Content) IsStructured() bool {
	return c.Structured != nil
}

// String returns the text, or the JSON encoding of structured content.
func (c Content) String() string {
	if c.Structured == nil {
		return c.Text
	}
	raw, err := json.Marshal(c.Structured)
	if err != nil {
		return ""
	}
	return string(raw)
}

// PlainText flattens structured content to its segment texts.
func PlainText(c Content) string {
	if c.Structured == nil {
		return c.Text
	}
	parts := make([]string, 0, len(c.Structured.Segments))
	for _, segment := range c.Structured.Segments {
		parts = append(parts, segment.Text)
	}
	return strings.Join(parts, " ")
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Structured != nil {
		return json.Marshal(c.Structured)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = TextContent("")
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*c = TextContent(text)
		return nil
	}
	var structured Structured
	if err := json.Unmarshal(trimmed, &structured); err != nil {
		return fmt.Errorf("decode structured content: %w", err)
	}
	*c = StructuredContent(structured)
	return nil
}

// dropDanglingRefs clears segment references to citations the message lacks.
func (s *Structured) dropDanglingRefs() {
	known := make(map[int]struct{}, len(s.Citations))
	for _, citation := range s.Citations {
		known[citation.CitationID] = struct{}{}
	}
	for i := range s.Segments {
		ref := s.Segments[i].CitationID
		if ref == nil {
			continue
		}
		if _, ok := known[*ref]; !ok {
			s.Segments[i].CitationID = nil
		}
	}
	if s.Segments == nil {
		s.Segments = []Segment{}
	}
	if s.Citations == nil {
		s.Citations = []Citation{}
	}
}

// Extras carries the upstream message metadata through unchanged.
type Extras struct {
	AdditionalKwargs json.RawMessage `json:"additional_kwargs,omitempty"`
	ResponseMetadata json.RawMessage `json:"response_metadata,omitempty"`
	ToolCalls        json.RawMessage `json:"tool_calls,omitempty"`
	InvalidToolCalls json.RawMessage `json:"invalid_tool_calls,omitempty"`
}

type Message struct {
	ID         MessageID
	SessionKey string
	Role       Role
	Content    Content
	Extras     Extras
}

type wireBody struct {
	Type    Role    `json:"type"`
	Content Content `json:"content"`
	Extras
}

type wireMessage struct {
	ID        MessageID `json:"id"`
	SessionID string    `json:"session_id"`
	Message   wireBody  `json:"message"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:        m.ID,
		SessionID: m.SessionKey,
		Message:   wireBody{Type: m.Role, Content: m.Content, Extras: m.Extras},
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	role := wire.Message.Type
	if role != RoleAI {
		role = RoleHuman
	}
	*m = Message{
		ID:         wire.ID,
		SessionKey: wire.SessionID,
		Role:       role,
		Content:    wire.Message.Content,
		Extras:     wire.Message.Extras,
	}
	return nil
}

// IsPlaceholder reports whether m is a provisional, just-sent user message.
func (m Message) IsPlaceholder() bool {
	return m.Role == RoleHuman && m.ID.IsTemporary()
}

// humanText returns the plain text of a human message with string content.
func (m Message) humanText() (string, bool) {
	if m.Role != RoleHuman || m.Content.Structured != nil {
		return "", false
	}
	if m.Content.Text == "" || m.Content.Text == EmptyContentText {
		return "", false
	}
	return m.Content.Text, true
}

func NewPlaceholder(sessionKey, text string, now time.Time) Message {
	return Message{
		ID:         NewTemporaryID(now),
		SessionKey: sessionKey,
		Role:       RoleHuman,
		Content:    TextContent(text),
	}
}

// NewSystemReply builds a locally synthesized assistant message.
func NewSystemReply(sessionKey, text string, now time.Time) Message {
	return Message{
		ID:         SyntheticID(now),
		SessionKey: sessionKey,
		Role:       RoleAI,
		Content:    TextContent(text),
	}
}
