package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

// ChatHistoryChannel is the NOTIFY channel fed by the chat history insert trigger.
const ChatHistoryChannel = "chat_history_inserted"

// RowFetcher loads a history row announced by a notification.
type RowFetcher interface {
	GetChatHistoryRow(ctx context.Context, id int64) (ChatHistoryRow, error)
}

// InsertHandler receives every inserted history row, one at a time.
type InsertHandler func(ctx context.Context, row ChatHistoryRow)

type insertNotice struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
}

// Listener turns chat history inserts into a push stream using LISTEN on a
// dedicated connection.
type Listener struct {
	databaseURL string
	rows        RowFetcher
	minBackoff  time.Duration
	maxBackoff  time.Duration
}

func NewListener(databaseURL string, rows RowFetcher) *Listener {
	return &Listener{
		databaseURL: databaseURL,
		rows:        rows,
		minBackoff:  500 * time.Millisecond,
		maxBackoff:  30 * time.Second,
	}
}

// Listen delivers inserts to handler until ctx is done, reconnecting with
// exponential backoff when the connection drops. Inserts that happen while
// disconnected are not replayed.
func (l *Listener) Listen(ctx context.Context, handler InsertHandler) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = l.minBackoff
	retry.MaxInterval = l.maxBackoff
	retry.MaxElapsedTime = 0
	retry.Reset()

	for {
		started := time.Now()
		err := l.listenOnce(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > l.maxBackoff {
			retry.Reset()
		}
		wait := retry.NextBackOff()
		slog.Warn("store: chat history listener disconnected", "err", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, handler InsertHandler) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChatHistoryChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", ChatHistoryChannel, err)
	}
	slog.Info("store: listening for chat history inserts", "channel", ChatHistoryChannel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if notification.Channel != ChatHistoryChannel {
			continue
		}
		if err := l.dispatch(ctx, notification.Payload, handler); err != nil {
			slog.Warn("store: dropping chat history notification", "payload", notification.Payload, "err", err)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, payload string, handler InsertHandler) error {
	var notice insertNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if notice.ID == 0 {
		return errors.New("notification without row id")
	}
	row, err := l.rows.GetChatHistoryRow(ctx, notice.ID)
	if err != nil {
		return fmt.Errorf("fetch chat history row %d: %w", notice.ID, err)
	}
	handler(ctx, row)
	return nil
}
