// Package completion calls the upstream chat completion workflow.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var ErrUnsuccessful = errors.New("completion reported failure")

// Request asks the workflow to answer message within session_id. Anonymous
// callers send a null user_id and save_to_db=false; the workflow then
// answers synchronously instead of writing to the history log.
type Request struct {
	SessionID string  `json:"session_id"`
	Message   string  `json:"message"`
	UserID    *string `json:"user_id"`
	SaveToDB  bool    `json:"save_to_db"`
}

// Response is the workflow envelope. Workflows that answer with a bare
// value instead of {success, data} are kept whole in body.
type Response struct {
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	body    json.RawMessage
}

// Payload returns the workflow answer: the data field when it carries one,
// otherwise the rest of the response body.
func (r Response) Payload() (any, error) {
	if len(bytes.TrimSpace(r.Data)) > 0 {
		var data any
		if err := json.Unmarshal(r.Data, &data); err != nil {
			return nil, fmt.Errorf("decode completion data: %w", err)
		}
		if !isBlank(data) {
			return data, nil
		}
	}
	if len(bytes.TrimSpace(r.body)) == 0 {
		return nil, nil
	}
	var whole any
	if err := json.Unmarshal(r.body, &whole); err != nil {
		return nil, fmt.Errorf("decode completion body: %w", err)
	}
	if object, ok := whole.(map[string]any); ok {
		delete(object, "success")
		delete(object, "data")
		if len(object) == 0 {
			return nil, nil
		}
	}
	return whole, nil
}

// isBlank reports JSON values that carry no answer.
func isBlank(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	case float64:
		return v == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}

// IsEmpty reports whether a payload should count as no answer at all.
func IsEmpty(payload any) bool {
	return isBlank(payload)
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion returned status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
}

// NewClient builds a client for endpoint. The request context is the only
// deadline; answers can take as long as the workflow needs.
func NewClient(endpoint, authToken string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{endpoint: endpoint, authToken: authToken, httpClient: httpClient}
}

func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send completion request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	out, err := DecodeResponse(raw)
	if err != nil {
		return Response{}, err
	}
	if out.Success != nil && !*out.Success {
		return out, ErrUnsuccessful
	}
	return out, nil
}

// DecodeResponse parses a workflow response body.
func DecodeResponse(raw []byte) (Response, error) {
	out := Response{body: raw}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return out, nil
	}
	if !json.Valid(trimmed) {
		return Response{}, errors.New("decode completion response: invalid JSON")
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return Response{}, fmt.Errorf("decode completion response: %w", err)
		}
		out.body = raw
	}
	return out, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
