package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"insights/api/internal/auth"
	"insights/api/internal/chat"
	"insights/api/internal/completion"
	"insights/api/internal/config"
	"insights/api/internal/rbac"
	"insights/api/internal/session"
	"insights/api/internal/store"
	"insights/api/internal/util"
)

// Identity is the caller of a chat operation. UserID is empty for anonymous
// visitors, who are told apart by GuestID instead.
type Identity struct {
	UserID         string
	Email          string
	Role           rbac.Role
	OrganizationID string
	GuestID        string
}

func (i Identity) Authenticated() bool {
	return i.UserID != ""
}

func (i Identity) owner() string {
	if i.Authenticated() {
		return "user:" + i.UserID
	}
	return "guest:" + i.GuestID
}

type dataStore interface {
	ListChatHistory(context.Context, string) ([]store.ChatHistoryRow, error)
	DeleteChatHistory(context.Context, string) (int64, error)
	ListSources(context.Context, string) ([]store.Source, error)
	GetNotebook(context.Context, string) (store.Notebook, error)
	GetUserProfile(context.Context, string) (store.UserProfile, error)
	Ping(ctx context.Context) error
}

type completer interface {
	Send(context.Context, completion.Request) (completion.Response, error)
}

// chatSession is the server-side conversation of one caller in one notebook.
type chatSession struct {
	notebookID string
	remoteKey  string
	reconciler *chat.Reconciler
	// local is nil for signed-in users
	local *session.LocalStore

	sending   atomic.Bool
	expiresAt time.Time
}

func (c *chatSession) anonymous() bool {
	return c.local != nil
}

type Service struct {
	cfg        config.Config
	store      dataStore
	local      *session.RedisStore
	completion completer
	metrics    *chat.Metrics

	sessionTTL time.Duration
	sessionsMu sync.Mutex
	sessions   map[string]*chatSession
}

func New(cfg config.Config, dataStore *store.PostgresStore, local *session.RedisStore, client *completion.Client, metrics *chat.Metrics) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		local:      local,
		completion: client,
		metrics:    metrics,
		sessionTTL: sessionTTL(cfg),
		sessions:   make(map[string]*chatSession),
	}
}

func sessionTTL(cfg config.Config) time.Duration {
	if cfg.ChatSessionTTL <= 0 {
		return 15 * time.Minute
	}
	return cfg.ChatSessionTTL
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingRedis checks the anonymous transcript store.
func (s *Service) PingRedis(ctx context.Context) error {
	if s.local == nil {
		return errors.New("redis not configured")
	}
	return s.local.Ping(ctx)
}

// IdentityFromToken verifies a bearer token and loads the caller's profile.
// Users without a profile row act as readers outside any organization.
func (s *Service) IdentityFromToken(ctx context.Context, token string) (Identity, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Identity{}, err
	}
	identity := Identity{UserID: claims.Subject, Email: claims.Email, Role: rbac.RoleReader}

	profile, err := s.store.GetUserProfile(ctx, claims.Subject)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Identity{}, fmt.Errorf("load profile: %w", err)
	default:
		identity.Role = rbac.Normalize(profile.Role)
		identity.OrganizationID = profile.OrganizationID
	}
	return identity, nil
}

func GuestIdentity(guestID string) Identity {
	return Identity{GuestID: guestID}
}

// sessionFor returns the conversation of identity in notebookID, creating it
// on first use. Expired idle conversations are dropped on the way.
func (s *Service) sessionFor(identity Identity, notebookID string) *chatSession {
	key := sessionKey(identity, notebookID)
	now := time.Now()

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sweepLocked(now)

	sess, ok := s.sessions[key]
	if !ok {
		sess = &chatSession{
			notebookID: notebookID,
			remoteKey:  util.SessionKey(notebookID, identity.UserID),
			reconciler: chat.NewReconciler(
				chat.WithDuplicateWindow(s.cfg.DuplicateWindow),
				chat.WithMetrics(s.metrics),
			),
		}
		if !identity.Authenticated() && s.local != nil {
			sess.local = s.local.Scope(identity.GuestID)
		}
		s.sessions[key] = sess
	}
	sess.expiresAt = now.Add(s.sessionTTL)
	return sess
}

func sessionKey(identity Identity, notebookID string) string {
	return identity.owner() + "|" + notebookID
}

// Pending returns the unanswered message of a registered conversation.
// Guest placeholders are never superseded by a stored copy, so they count
// as pending only while their send is in flight.
func (s *Service) Pending(identity Identity, notebookID string) (chat.Message, bool) {
	s.sessionsMu.Lock()
	sess := s.sessions[sessionKey(identity, notebookID)]
	s.sessionsMu.Unlock()
	if sess == nil {
		return chat.Message{}, false
	}
	if sess.anonymous() && !sess.sending.Load() {
		return chat.Message{}, false
	}
	return sess.reconciler.Pending()
}

// Sweep drops idle conversations and reports how many were removed.
func (s *Service) Sweep() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return s.sweepLocked(time.Now())
}

func (s *Service) sweepLocked(now time.Time) int {
	removed := 0
	for key, sess := range s.sessions {
		if !now.After(sess.expiresAt) {
			continue
		}
		if sess.sending.Load() || sess.reconciler.Subscribers() > 0 {
			continue
		}
		delete(s.sessions, key)
		removed++
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// activeSessions returns the conversations currently registered.
func (s *Service) activeSessions() []*chatSession {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]*chatSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
