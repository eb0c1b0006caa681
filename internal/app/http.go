package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"insights/api/internal/auth"
	"insights/api/internal/chat"
	"insights/api/internal/completion"
	"insights/api/internal/util"
)

const guestHeader = "X-Guest-ID"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    *httpMetrics
	registry   *prometheus.Registry
	keepAlive  time.Duration
}

// NewHTTPServer builds the API handler. With a nil registry the /metrics
// route is not served and requests are not counted.
func NewHTTPServer(service *Service, corsOrigin string, registry *prometheus.Registry) *HTTPServer {
	server := &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		registry:   registry,
		keepAlive:  25 * time.Second,
	}
	if registry != nil {
		server.metrics = newHTTPMetrics(registry)
	}
	return server
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.registry != nil {
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "notebooks" && parts[3] == "chat" {
		identity, ok := s.identify(w, r)
		if !ok {
			return
		}
		notebookID := parts[2]

		switch {
		case len(parts) == 4 && r.Method == http.MethodGet:
			s.handleGetChat(w, r, identity, notebookID)
		case len(parts) == 4 && r.Method == http.MethodPost:
			s.handleSendChat(w, r, identity, notebookID)
		case len(parts) == 4 && r.Method == http.MethodDelete:
			s.handleClearChat(w, r, identity, notebookID)
		case len(parts) == 5 && parts[4] == "events" && r.Method == http.MethodGet:
			s.handleChatEvents(w, r, identity, notebookID)
		case len(parts) <= 5:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingRedis(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleGetChat(w http.ResponseWriter, r *http.Request, identity Identity, notebookID string) {
	messages, err := s.service.GetTranscript(r.Context(), identity, notebookID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	response := map[string]any{"messages": messages}
	if pending, ok := s.service.Pending(identity, notebookID); ok {
		response["pending"] = pending
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleSendChat(w http.ResponseWriter, r *http.Request, identity Identity, notebookID string) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SendMessage(r.Context(), identity, notebookID, body.Message)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleClearChat(w http.ResponseWriter, r *http.Request, identity Identity, notebookID string) {
	if err := s.service.ClearTranscript(r.Context(), identity, notebookID); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleChatEvents streams transcript changes as server-sent events. The
// first event is a reset carrying the current transcript.
func (s *HTTPServer) handleChatEvents(w http.ResponseWriter, r *http.Request, identity Identity, notebookID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming unsupported", nil)
		return
	}

	sub, err := s.service.Subscribe(r.Context(), identity, notebookID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	defer sub.Cancel()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, chat.Change{Kind: chat.ChangeReset, Messages: sub.Snapshot}); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case change, open := <-sub.Changes:
			if !open {
				return
			}
			if err := writeEvent(w, change); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, change chat.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: change\ndata: %s\n\n", data)
	return err
}

// identify resolves the caller from a bearer token, falling back to the
// guest id header. Guests without a valid id get a new one, echoed back in
// the response. The query parameters serve EventSource clients, which
// cannot set headers.
func (s *HTTPServer) identify(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token != "" {
		identity, err := s.service.IdentityFromToken(r.Context(), token)
		if err != nil {
			writeMappedError(w, err)
			return Identity{}, false
		}
		return identity, true
	}

	guestID := strings.TrimSpace(r.Header.Get(guestHeader))
	if guestID == "" {
		guestID = r.URL.Query().Get("guest_id")
	}
	if !auth.ValidGuestID(guestID) {
		guestID = auth.NewGuestID()
	}
	w.Header().Set(guestHeader, guestID)
	return GuestIdentity(guestID), true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.metrics.observe(r, writer.status, time.Since(started))
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Guest-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Guest-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, completion.ErrUnsuccessful) {
		return http.StatusBadGateway, "UPSTREAM_ERROR", "The assistant is unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
