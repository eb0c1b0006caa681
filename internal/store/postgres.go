package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// ListChatHistory returns the rows of one session in insertion order.
func (s *PostgresStore) ListChatHistory(ctx context.Context, sessionID string) ([]ChatHistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, message
		FROM n8n_chat_histories
		WHERE session_id = $1
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chat history: %w", err)
	}
	defer rows.Close()

	items := make([]ChatHistoryRow, 0)
	for rows.Next() {
		var item ChatHistoryRow
		var message []byte
		if err := rows.Scan(&item.ID, &item.SessionID, &message); err != nil {
			return nil, fmt.Errorf("scan chat history: %w", err)
		}
		item.Message = json.RawMessage(message)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat history: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChatHistoryRow(ctx context.Context, id int64) (ChatHistoryRow, error) {
	var item ChatHistoryRow
	var message []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, message
		FROM n8n_chat_histories
		WHERE id = $1
	`, id).Scan(&item.ID, &item.SessionID, &message)
	if err != nil {
		return ChatHistoryRow{}, err
	}
	item.Message = json.RawMessage(message)
	return item, nil
}

func (s *PostgresStore) InsertChatHistory(ctx context.Context, sessionID string, message json.RawMessage) (ChatHistoryRow, error) {
	item := ChatHistoryRow{SessionID: sessionID, Message: message}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO n8n_chat_histories (session_id, message)
		VALUES ($1, $2)
		RETURNING id
	`, sessionID, []byte(message)).Scan(&item.ID)
	if err != nil {
		return ChatHistoryRow{}, fmt.Errorf("insert chat history: %w", err)
	}
	return item, nil
}

// DeleteChatHistory removes every row of a session and reports how many went.
func (s *PostgresStore) DeleteChatHistory(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM n8n_chat_histories WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete chat history: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete chat history rows affected: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) ListSources(ctx context.Context, notebookID string) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, notebook_id, title, type
		FROM sources
		WHERE notebook_id = $1
		ORDER BY created_at ASC
	`, notebookID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	items := make([]Source, 0)
	for rows.Next() {
		var item Source
		if err := rows.Scan(&item.ID, &item.NotebookID, &item.Title, &item.Type); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetNotebook(ctx context.Context, notebookID string) (Notebook, error) {
	var item Notebook
	var organizationID, publicSlug sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, title, is_public, public_slug, updated_at
		FROM notebooks
		WHERE id = $1
	`, notebookID).Scan(&item.ID, &organizationID, &item.Title, &item.IsPublic, &publicSlug, &item.UpdatedAt)
	if err != nil {
		return Notebook{}, err
	}
	item.OrganizationID = organizationID.String
	item.PublicSlug = publicSlug.String
	return item, nil
}

func (s *PostgresStore) GetUserProfile(ctx context.Context, userID string) (UserProfile, error) {
	var item UserProfile
	var organizationID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, full_name, role, organization_id
		FROM profiles
		WHERE id = $1
	`, userID).Scan(&item.ID, &item.Email, &item.FullName, &item.Role, &organizationID)
	if err != nil {
		return UserProfile{}, err
	}
	item.OrganizationID = organizationID.String
	return item, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
