package chat

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestNormalizeResponseOutputWithCitation(t *testing.T) {
	data := map[string]any{
		"output": []any{
			map[string]any{
				"text": "Paris is the capital.",
				"citations": []any{
					map[string]any{
						"chunk_index":      0,
						"chunk_source_id":  "s1",
						"chunk_lines_from": 1,
						"chunk_lines_to":   3,
					},
				},
			},
		},
	}
	lookup := SourceTable{"s1": {Title: "Geo.pdf", Type: "pdf"}}

	content, err := NormalizeResponse(data, lookup)
	require.NoError(t, err)
	require.True(t, content.IsStructured())

	require.Len(t, content.Structured.Segments, 1)
	segment := content.Structured.Segments[0]
	assert.Equal(t, "Paris is the capital.", segment.Text)
	require.NotNil(t, segment.CitationID)
	assert.Equal(t, 1, *segment.CitationID)

	require.Len(t, content.Structured.Citations, 1)
	assert.Equal(t, Citation{
		CitationID:     1,
		SourceID:       "s1",
		SourceTitle:    "Geo.pdf",
		SourceType:     "pdf",
		ChunkIndex:     intPtr(0),
		ChunkLinesFrom: 1,
		ChunkLinesTo:   3,
		Excerpt:        "Lines 1-3",
	}, content.Structured.Citations[0])
}

func TestNormalizeResponseNumbersOnlyCitedItems(t *testing.T) {
	cite := func(source string) []any {
		return []any{map[string]any{"chunk_source_id": source, "chunk_lines_from": 2, "chunk_lines_to": 4}}
	}
	data := map[string]any{
		"output": []any{
			map[string]any{"text": "first", "citations": cite("a")},
			map[string]any{"text": "plain"},
			map[string]any{"text": "second", "citations": cite("missing")},
		},
	}

	content, err := NormalizeResponse(data, SourceTable{"a": {Title: "A.docx", Type: "docx"}})
	require.NoError(t, err)

	segments := content.Structured.Segments
	require.Len(t, segments, 3)
	assert.Equal(t, 1, *segments[0].CitationID)
	assert.Nil(t, segments[1].CitationID)
	assert.Equal(t, 2, *segments[2].CitationID)

	citations := content.Structured.Citations
	require.Len(t, citations, 2)
	assert.Equal(t, "A.docx", citations[0].SourceTitle)
	assert.Equal(t, "docx", citations[0].SourceType)
	assert.Equal(t, "Unknown Source", citations[1].SourceTitle)
	assert.Equal(t, "pdf", citations[1].SourceType)
}

func TestNormalizeResponsePrecedence(t *testing.T) {
	tests := []struct {
		name string
		data any
		want string
	}{
		{
			name: "typed message wins over output",
			data: map[string]any{
				"message": map[string]any{"type": "ai", "content": "typed"},
				"output":  []any{map[string]any{"text": "ignored"}},
			},
			want: "typed",
		},
		{
			name: "top level typed message",
			data: map[string]any{"type": "ai", "content": "top"},
			want: "top",
		},
		{
			name: "text before response",
			data: map[string]any{"response": "r", "text": "t"},
			want: "t",
		},
		{
			name: "answer field",
			data: map[string]any{"answer": "42"},
			want: "42",
		},
		{
			name: "array of text items",
			data: []any{map[string]any{"text": "from array"}},
			want: "from array",
		},
		{
			name: "array of strings",
			data: []any{"first", "second"},
			want: "first",
		},
		{
			name: "raw string",
			data: "just text",
			want: "just text",
		},
		{
			name: "typed message with blank content",
			data: map[string]any{"message": map[string]any{"type": "ai", "content": ""}},
			want: EmptyContentText,
		},
		{
			name: "top level typed message without content",
			data: map[string]any{"type": "ai"},
			want: EmptyContentText,
		},
		{
			name: "opaque object",
			data: map[string]any{"foo": "bar"},
			want: `{"foo":"bar"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := NormalizeResponse(tt.data, nil)
			require.NoError(t, err)
			assert.False(t, content.IsStructured())
			assert.Equal(t, tt.want, content.Text)
		})
	}
}

func TestNormalizeResponseArrayWrappedOutput(t *testing.T) {
	data := []any{
		map[string]any{"output": []any{map[string]any{"text": "wrapped"}}},
	}

	content, err := NormalizeResponse(data, nil)
	require.NoError(t, err)
	require.True(t, content.IsStructured())
	assert.Equal(t, "wrapped", PlainText(content))
}

func TestNormalizeResponseRejectsNil(t *testing.T) {
	_, err := NormalizeResponse(nil, nil)
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestNormalizeRowAIStringWithEmbeddedOutput(t *testing.T) {
	inner := `{"output":[{"text":"Stored answer","citations":[{"chunk_source_id":"s1","chunk_lines_from":5,"chunk_lines_to":9,"page_number":2}]}]}`
	body, err := json.Marshal(map[string]any{
		"type":              "ai",
		"content":           inner,
		"additional_kwargs": map[string]any{},
		"response_metadata": map[string]any{"model": "m"},
	})
	require.NoError(t, err)

	msg, err := NormalizeRow(Record{ID: 12, SessionID: "nb_u", Message: body}, SourceTable{"s1": {Title: "Notes.pdf"}})
	require.NoError(t, err)

	assert.Equal(t, SequenceID(12), msg.ID)
	assert.Equal(t, "nb_u", msg.SessionKey)
	assert.Equal(t, RoleAI, msg.Role)
	require.True(t, msg.Content.IsStructured())
	citation := msg.Content.Structured.Citations[0]
	assert.Equal(t, "Notes.pdf", citation.SourceTitle)
	assert.Equal(t, "pdf", citation.SourceType)
	assert.Equal(t, intPtr(2), citation.PageNumber)
	assert.JSONEq(t, `{"model":"m"}`, string(msg.Extras.ResponseMetadata))
}

func TestNormalizeRowKeepsUndecodableString(t *testing.T) {
	body := json.RawMessage(`{"type":"ai","content":"{not json at all"}`)

	msg, err := NormalizeRow(Record{ID: 3, SessionID: "nb", Message: body}, nil)
	require.NoError(t, err)
	assert.Equal(t, "{not json at all", msg.Content.Text)
}

func TestNormalizeRowCanonicalContentDropsDanglingRefs(t *testing.T) {
	body := json.RawMessage(`{"type":"ai","content":{"segments":[{"text":"a","citation_id":1},{"text":"b","citation_id":7}],"citations":[{"citation_id":1,"source_id":"s","source_title":"S","source_type":"pdf","chunk_lines_from":1,"chunk_lines_to":2}]}}`)

	msg, err := NormalizeRow(Record{ID: 4, SessionID: "nb", Message: body}, nil)
	require.NoError(t, err)

	segments := msg.Content.Structured.Segments
	require.Len(t, segments, 2)
	assert.Equal(t, 1, *segments[0].CitationID)
	assert.Nil(t, segments[1].CitationID)
}

func TestNormalizeRowShapes(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantRole Role
		wantText string
	}{
		{name: "human object", body: `{"type":"human","content":"hello"}`, wantRole: RoleHuman, wantText: "hello"},
		{name: "human empty content", body: `{"type":"human","content":""}`, wantRole: RoleHuman, wantText: EmptyContentText},
		{name: "plain string", body: `"loose text"`, wantRole: RoleHuman, wantText: "loose text"},
		{name: "null message", body: `null`, wantRole: RoleHuman, wantText: EmptyContentText},
		{name: "ai null content", body: `{"type":"ai","content":null}`, wantRole: RoleAI, wantText: EmptyContentText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NormalizeRow(Record{ID: 1, SessionID: "nb", Message: json.RawMessage(tt.body)}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRole, msg.Role)
			assert.Equal(t, tt.wantText, msg.Content.Text)
		})
	}
}

func TestNormalizeRowMalformed(t *testing.T) {
	bodies := []string{
		`42`,
		`[1,2]`,
		`{"content":"no type"}`,
		`{"type":"ai","content":{"output":[{"text":5}]}}`,
	}
	for _, body := range bodies {
		_, err := NormalizeRow(Record{ID: 1, Message: json.RawMessage(body)}, nil)
		assert.ErrorIs(t, err, ErrMalformedPayload, body)
	}
}

func TestIngestRowSubstitutesErrorMessage(t *testing.T) {
	msg := IngestRow(Record{ID: 99, SessionID: "nb_u", Message: json.RawMessage(`true`)}, nil)

	assert.Equal(t, SequenceID(99), msg.ID)
	assert.Equal(t, RoleAI, msg.Role)
	assert.Equal(t, ErrorMessageText, msg.Content.Text)
	assert.Equal(t, "nb_u", msg.SessionKey)
}

func TestIsSentinel(t *testing.T) {
	assert.True(t, IsSentinel(TextContent("Workflow was started")))
	assert.True(t, IsSentinel(TextContent("OK. WORKFLOW WAS STARTED.")))
	assert.True(t, IsSentinel(StructuredContent(Structured{Segments: []Segment{{Text: "workflow was started"}}})))
	assert.False(t, IsSentinel(TextContent("The workflow finished")))
}
