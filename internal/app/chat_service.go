package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"insights/api/internal/chat"
	"insights/api/internal/completion"
	"insights/api/internal/rbac"
	"insights/api/internal/store"
)

const (
	NoResponseText = "The assistant did not return a response. Please try again."
	EarlyReplyText = "The assistant workflow replied before the answer was ready. Please try again."
)

type SendResult struct {
	Placeholder chat.Message   `json:"placeholder"`
	Reply       *chat.Message  `json:"reply,omitempty"`
	Messages    []chat.Message `json:"messages"`
}

// Subscription streams the changes of one conversation. Snapshot is the
// transcript at the moment the subscription started.
type Subscription struct {
	Changes  <-chan chat.Change
	Snapshot []chat.Message
	Cancel   func()
}

// authorize loads the notebook and checks that identity may perform action
// on its chat.
func (s *Service) authorize(ctx context.Context, identity Identity, notebookID string, action rbac.Action) (store.Notebook, error) {
	if strings.TrimSpace(notebookID) == "" {
		return store.Notebook{}, validationError("notebook id is required")
	}
	if !identity.Authenticated() && identity.GuestID == "" {
		return store.Notebook{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}

	notebook, err := s.store.GetNotebook(ctx, notebookID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Notebook{}, domainError(http.StatusNotFound, "NOTEBOOK_NOT_FOUND", "Notebook not found", nil)
	}
	if err != nil {
		return store.Notebook{}, fmt.Errorf("load notebook: %w", err)
	}

	if !identity.Authenticated() {
		if !notebook.IsPublic {
			return store.Notebook{}, forbidden("Sign in to chat with this notebook", nil)
		}
		return notebook, nil
	}
	if !rbac.Can(identity.Role, action) {
		return store.Notebook{}, forbidden("Forbidden", map[string]any{"action": action})
	}
	if !notebook.IsPublic && !rbac.CrossOrganization(identity.Role) && notebook.OrganizationID != identity.OrganizationID {
		return store.Notebook{}, forbidden("Forbidden", nil)
	}
	return notebook, nil
}

// GetTranscript refreshes and returns the conversation of identity in a notebook.
func (s *Service) GetTranscript(ctx context.Context, identity Identity, notebookID string) ([]chat.Message, error) {
	if _, err := s.authorize(ctx, identity, notebookID, rbac.ActionReadChat); err != nil {
		return nil, err
	}
	sess := s.sessionFor(identity, notebookID)
	s.refresh(ctx, sess)
	return sess.reconciler.Messages(), nil
}

// refresh reloads the transcript of sess from its backing store. A failed
// remote fetch leaves the transcript as it was.
func (s *Service) refresh(ctx context.Context, sess *chatSession) {
	if sess.anonymous() {
		messages, err := sess.local.Load(ctx, sess.notebookID)
		if err != nil {
			slog.Error("app: fetch guest transcript", "notebook_id", sess.notebookID, "err", err)
			return
		}
		sess.reconciler.Load(messages)
		return
	}

	var (
		rows    []store.ChatHistoryRow
		sources chat.SourceTable
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fetched, err := s.store.ListChatHistory(gctx, sess.remoteKey)
		if err != nil {
			return err
		}
		rows = fetched
		return nil
	})
	g.Go(func() error {
		sources = s.sourceTable(gctx, sess.notebookID)
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Error("app: fetch chat history", "session_id", sess.remoteKey, "err", err)
		return
	}

	messages := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, chat.IngestRow(record(row), sources))
	}
	sess.reconciler.Load(messages)
}

// ensureLoaded fetches the transcript once for a new conversation.
func (s *Service) ensureLoaded(ctx context.Context, sess *chatSession) {
	if sess.reconciler.State() == chat.StateEmpty {
		s.refresh(ctx, sess)
	}
}

// sourceTable fetches the citation sources of a notebook. Failures yield an
// empty table so citations fall back to their defaults.
func (s *Service) sourceTable(ctx context.Context, notebookID string) chat.SourceTable {
	sources, err := s.store.ListSources(ctx, notebookID)
	if err != nil {
		slog.Warn("app: fetch notebook sources", "notebook_id", notebookID, "err", err)
		return chat.SourceTable{}
	}
	table := make(chat.SourceTable, len(sources))
	for _, source := range sources {
		table[source.ID] = chat.SourceInfo{Title: source.Title, Type: source.Type}
	}
	return table
}

func record(row store.ChatHistoryRow) chat.Record {
	return chat.Record{ID: row.ID, SessionID: row.SessionID, Message: row.Message}
}

// SendMessage posts text to the completion workflow. Signed-in users get
// the answer later through the history push; anonymous visitors get it in
// the response.
func (s *Service) SendMessage(ctx context.Context, identity Identity, notebookID, text string) (SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SendResult{}, validationError("message is required")
	}
	if _, err := s.authorize(ctx, identity, notebookID, rbac.ActionChat); err != nil {
		return SendResult{}, err
	}

	sess := s.sessionFor(identity, notebookID)
	if !sess.sending.CompareAndSwap(false, true) {
		return SendResult{}, domainError(http.StatusConflict, "SEND_IN_FLIGHT", "A message is already being answered", nil)
	}
	defer sess.sending.Store(false)

	s.ensureLoaded(ctx, sess)
	placeholder := sess.reconciler.AddPlaceholder(sess.remoteKey, text)
	s.persist(ctx, sess)

	req := completion.Request{
		SessionID: notebookID,
		Message:   text,
		SaveToDB:  identity.Authenticated(),
	}
	if identity.Authenticated() {
		userID := identity.UserID
		req.UserID = &userID
	}

	resp, err := s.completion.Send(ctx, req)
	if err != nil {
		slog.Error("app: completion request failed", "notebook_id", notebookID, "session_id", sess.remoteKey, "err", err)
		sess.reconciler.Remove(placeholder.ID)
		s.persist(context.WithoutCancel(ctx), sess)
		return SendResult{}, upstreamError(err)
	}

	result := SendResult{Placeholder: placeholder}
	if sess.anonymous() {
		if reply := s.anonymousReply(ctx, notebookID, resp); reply != nil {
			sess.reconciler.Merge(*reply)
			result.Reply = reply
		}
		s.persist(ctx, sess)
	}
	result.Messages = sess.reconciler.Messages()
	return result, nil
}

// anonymousReply turns a synchronous workflow answer into the assistant
// message to append, or nil when nothing should be shown.
func (s *Service) anonymousReply(ctx context.Context, notebookID string, resp completion.Response) *chat.Message {
	reply := func(text string) *chat.Message {
		msg := chat.NewSystemReply(notebookID, text, time.Now())
		return &msg
	}

	payload, err := resp.Payload()
	if err != nil {
		slog.Warn("app: unreadable completion payload", "notebook_id", notebookID, "err", err)
		return reply(chat.ErrorMessageText)
	}
	payload = unwrapData(payload)
	if completion.IsEmpty(payload) {
		return reply(NoResponseText)
	}
	if repliedEarly(payload) {
		return reply(EarlyReplyText)
	}

	content, err := chat.NormalizeResponse(payload, s.sourceTable(ctx, notebookID))
	if err != nil {
		slog.Warn("app: normalize completion payload", "notebook_id", notebookID, "err", err)
		return reply(chat.ErrorMessageText)
	}
	if chat.IsSentinel(content) {
		return nil
	}
	msg := chat.Message{
		ID:         chat.SyntheticID(time.Now()),
		SessionKey: notebookID,
		Role:       chat.RoleAI,
		Content:    content,
	}
	return &msg
}

// unwrapData returns the inner data field of workflows that nest their
// answer one level deeper.
func unwrapData(payload any) any {
	object, ok := payload.(map[string]any)
	if !ok {
		return payload
	}
	if inner, ok := object["data"]; ok && !completion.IsEmpty(inner) {
		return inner
	}
	return payload
}

// repliedEarly reports a workflow that acknowledged the request through its
// message field instead of answering it.
func repliedEarly(payload any) bool {
	object, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	var text string
	switch message := object["message"].(type) {
	case nil:
		return false
	case string:
		text = message
	case map[string]any:
		if content, ok := message["content"].(string); ok {
			text = content
			break
		}
		encoded, _ := json.Marshal(message)
		text = string(encoded)
	default:
		encoded, _ := json.Marshal(message)
		text = string(encoded)
	}
	return chat.IsSentinel(chat.TextContent(text))
}

// persist writes an anonymous transcript back to the guest's store.
func (s *Service) persist(ctx context.Context, sess *chatSession) {
	if !sess.anonymous() {
		return
	}
	sess.local.Save(ctx, sess.notebookID, sess.reconciler.Messages())
}

// ClearTranscript deletes the conversation of identity in a notebook.
func (s *Service) ClearTranscript(ctx context.Context, identity Identity, notebookID string) error {
	if _, err := s.authorize(ctx, identity, notebookID, rbac.ActionClearChat); err != nil {
		return err
	}
	sess := s.sessionFor(identity, notebookID)

	if sess.anonymous() {
		if err := sess.local.Clear(ctx, notebookID); err != nil {
			return err
		}
	} else {
		deleted, err := s.store.DeleteChatHistory(ctx, sess.remoteKey)
		if err != nil {
			return fmt.Errorf("clear chat history: %w", err)
		}
		slog.Info("app: cleared chat history", "session_id", sess.remoteKey, "rows", deleted)
	}
	sess.reconciler.Clear()
	return nil
}

// Subscribe opens a change stream on the conversation of identity in a notebook.
func (s *Service) Subscribe(ctx context.Context, identity Identity, notebookID string) (Subscription, error) {
	if _, err := s.authorize(ctx, identity, notebookID, rbac.ActionReadChat); err != nil {
		return Subscription{}, err
	}
	sess := s.sessionFor(identity, notebookID)
	s.ensureLoaded(ctx, sess)

	changes, cancel := sess.reconciler.Subscribe()
	return Subscription{
		Changes:  changes,
		Snapshot: sess.reconciler.Messages(),
		Cancel:   cancel,
	}, nil
}

// HandlePush merges a newly inserted history row into every conversation
// whose remote key is the row's session id, and reports how many
// conversations it reached. Anonymous conversations use the bare notebook id
// as remote key, so they never see rows of signed-in users.
func (s *Service) HandlePush(ctx context.Context, row store.ChatHistoryRow) int {
	sources := make(map[string]chat.SourceTable)
	delivered := 0
	for _, sess := range s.activeSessions() {
		if sess.remoteKey != row.SessionID {
			continue
		}
		table, ok := sources[sess.notebookID]
		if !ok {
			table = s.sourceTable(ctx, sess.notebookID)
			sources[sess.notebookID] = table
		}

		outcome := sess.reconciler.Merge(chat.IngestRow(record(row), table))
		if outcome == chat.OutcomeAppended || outcome == chat.OutcomeReplaced {
			s.persist(ctx, sess)
		}
		delivered++
	}
	return delivered
}
