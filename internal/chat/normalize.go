package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrMalformedPayload reports a payload no extraction strategy can interpret.
var ErrMalformedPayload = errors.New("malformed chat payload")

// sentinelPhrases are upstream acknowledgements that never belong in a transcript.
var sentinelPhrases = []string{
	"workflow was started",
}

// IsSentinel reports whether content carries a known system acknowledgement.
func IsSentinel(c Content) bool {
	text := strings.ToLower(c.String())
	for _, phrase := range sentinelPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// Record is a row of the remote history log.
type Record struct {
	ID        int64
	SessionID string
	Message   json.RawMessage
}

type outputCitation struct {
	ChunkIndex     *int   `json:"chunk_index"`
	ChunkSourceID  string `json:"chunk_source_id"`
	ChunkLinesFrom int    `json:"chunk_lines_from"`
	ChunkLinesTo   int    `json:"chunk_lines_to"`
	PageNumber     *int   `json:"page_number"`
}

type outputItem struct {
	Text      string           `json:"text"`
	Citations []outputCitation `json:"citations"`
}

// NormalizeRow converts a stored or pushed history row into a Message.
func NormalizeRow(rec Record, lookup SourceLookup) (Message, error) {
	msg := Message{ID: SequenceID(rec.ID), SessionKey: rec.SessionID, Role: RoleHuman}

	var body any
	if len(rec.Message) > 0 {
		if err := json.Unmarshal(rec.Message, &body); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}

	switch value := body.(type) {
	case nil:
		msg.Content = TextContent("")
		return msg, nil
	case string:
		msg.Content = TextContent(value)
		return msg, nil
	case map[string]any:
		kind, hasType := value["type"]
		raw, hasContent := value["content"]
		if !hasType || !hasContent {
			return Message{}, fmt.Errorf("%w: message object without type/content", ErrMalformedPayload)
		}
		var extras Extras
		_ = json.Unmarshal(rec.Message, &extras)
		msg.Extras = extras

		if kind == string(RoleAI) {
			content, err := aiContent(raw, lookup)
			if err != nil {
				return Message{}, err
			}
			msg.Role = RoleAI
			msg.Content = content
			return msg, nil
		}
		msg.Content = humanContent(raw)
		return msg, nil
	default:
		return Message{}, fmt.Errorf("%w: unexpected message of type %T", ErrMalformedPayload, body)
	}
}

// IngestRow normalizes rec, substituting a visible error message when the
// payload cannot be interpreted so one bad row never aborts a transcript.
func IngestRow(rec Record, lookup SourceLookup) Message {
	msg, err := NormalizeRow(rec, lookup)
	if err == nil {
		return msg
	}
	slog.Warn("chat: unreadable history row", "id", rec.ID, "session_id", rec.SessionID, "err", err)
	reply := NewSystemReply(rec.SessionID, ErrorMessageText, time.Now())
	if rec.ID != 0 {
		reply.ID = SequenceID(rec.ID)
	}
	return reply
}

func humanContent(raw any) Content {
	switch value := raw.(type) {
	case nil:
		return TextContent("")
	case string:
		return TextContent(value)
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return TextContent("")
		}
		return TextContent(string(encoded))
	}
}

// aiContent canonicalizes the content field of an assistant message.
func aiContent(raw any, lookup SourceLookup) (Content, error) {
	switch value := raw.(type) {
	case nil:
		return TextContent(""), nil
	case string:
		return decodeEmbeddedJSON(value, lookup), nil
	case []any:
		return structuredFromOutput(value, lookup)
	case map[string]any:
		if output, ok := value["output"].([]any); ok {
			return structuredFromOutput(output, lookup)
		}
		if _, ok := value["segments"]; ok {
			return decodeCanonical(value)
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return Content{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return TextContent(string(encoded)), nil
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return Content{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return TextContent(string(encoded)), nil
	}
}

// decodeEmbeddedJSON parses content that is itself a JSON document. Anything
// that does not decode into a known shape stays plain text.
func decodeEmbeddedJSON(text string, lookup SourceLookup) Content {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return TextContent(text)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return TextContent(text)
	}
	if output, ok := decoded["output"].([]any); ok {
		content, err := structuredFromOutput(output, lookup)
		if err != nil {
			return TextContent(text)
		}
		return content
	}
	if _, ok := decoded["segments"]; ok {
		content, err := decodeCanonical(decoded)
		if err != nil {
			return TextContent(text)
		}
		return content
	}
	return TextContent(text)
}

func decodeCanonical(value map[string]any) (Content, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var structured Structured
	if err := json.Unmarshal(encoded, &structured); err != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return StructuredContent(structured), nil
}

// structuredFromOutput turns an output list into segments. Each item that
// carries citations claims the next unused citation number.
func structuredFromOutput(output []any, lookup SourceLookup) (Content, error) {
	encoded, err := json.Marshal(output)
	if err != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var items []outputItem
	if err := json.Unmarshal(encoded, &items); err != nil {
		return Content{}, fmt.Errorf("%w: output items: %v", ErrMalformedPayload, err)
	}

	structured := Structured{Segments: []Segment{}, Citations: []Citation{}}
	next := 1
	for _, item := range items {
		segment := Segment{Text: item.Text}
		if len(item.Citations) > 0 {
			ref := next
			segment.CitationID = &ref
			for _, c := range item.Citations {
				info := resolveSource(lookup, c.ChunkSourceID)
				structured.Citations = append(structured.Citations, Citation{
					CitationID:     ref,
					SourceID:       c.ChunkSourceID,
					SourceTitle:    info.Title,
					SourceType:     info.Type,
					PageNumber:     c.PageNumber,
					ChunkIndex:     c.ChunkIndex,
					ChunkLinesFrom: c.ChunkLinesFrom,
					ChunkLinesTo:   c.ChunkLinesTo,
					Excerpt:        fmt.Sprintf("Lines %d-%d", c.ChunkLinesFrom, c.ChunkLinesTo),
				})
			}
			next++
		}
		structured.Segments = append(structured.Segments, segment)
	}
	return StructuredContent(structured), nil
}

// extractor pulls the assistant content out of one response shape. ok is
// false when the shape does not match.
type extractor struct {
	name    string
	extract func(data any) (content any, ok bool)
}

// responseExtractors run in precedence order; new payload shapes get a new
// entry rather than a change to an existing one.
var responseExtractors = []extractor{
	{name: "typed-message", extract: extractTypedMessage},
	{name: "output", extract: extractOutputList},
	{name: "scalar-field", extract: extractScalarField},
	{name: "array", extract: extractFromArray},
	{name: "string", extract: extractString},
	{name: "opaque", extract: extractOpaque},
}

// NormalizeResponse converts a synchronous completion payload into content.
func NormalizeResponse(data any, lookup SourceLookup) (Content, error) {
	if data == nil {
		return Content{}, fmt.Errorf("%w: empty response", ErrMalformedPayload)
	}
	for _, e := range responseExtractors {
		raw, ok := e.extract(data)
		if !ok {
			continue
		}
		content, err := aiContent(raw, lookup)
		if err != nil {
			return Content{}, fmt.Errorf("%s: %w", e.name, err)
		}
		return content, nil
	}
	return Content{}, fmt.Errorf("%w: no extractor matched", ErrMalformedPayload)
}

func extractTypedMessage(data any) (any, bool) {
	object, ok := data.(map[string]any)
	if !ok {
		return nil, false
	}
	// A typed assistant message is taken as is; blank content renders as
	// an empty message rather than falling through to later shapes.
	if message, ok := object["message"].(map[string]any); ok && message["type"] == string(RoleAI) {
		return message["content"], true
	}
	if object["type"] == string(RoleAI) {
		return object["content"], true
	}
	return nil, false
}

func extractOutputList(data any) (any, bool) {
	object, ok := data.(map[string]any)
	if !ok {
		return nil, false
	}
	output, ok := object["output"].([]any)
	if !ok {
		return nil, false
	}
	return map[string]any{"output": output}, true
}

var scalarFields = []string{"text", "content", "response", "answer"}

func extractScalarField(data any) (any, bool) {
	object, ok := data.(map[string]any)
	if !ok {
		return nil, false
	}
	for _, field := range scalarFields {
		if value, ok := object[field]; ok && truthy(value) {
			return value, true
		}
	}
	return nil, false
}

func extractFromArray(data any) (any, bool) {
	items, ok := data.([]any)
	if !ok || len(items) == 0 {
		return nil, false
	}
	switch first := items[0].(type) {
	case map[string]any:
		if output, ok := first["output"]; ok && truthy(output) {
			return map[string]any{"output": output}, true
		}
		if text, ok := first["text"]; ok && truthy(text) {
			return text, true
		}
	case string:
		return first, true
	}
	return map[string]any{"output": items}, true
}

func extractString(data any) (any, bool) {
	text, ok := data.(string)
	return text, ok
}

func extractOpaque(data any) (any, bool) {
	return data, true
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	default:
		return true
	}
}
