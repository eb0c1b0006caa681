package store

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

type fakeRowFetcher struct {
	rows  map[int64]ChatHistoryRow
	calls []int64
}

func (f *fakeRowFetcher) GetChatHistoryRow(_ context.Context, id int64) (ChatHistoryRow, error) {
	f.calls = append(f.calls, id)
	row, ok := f.rows[id]
	if !ok {
		return ChatHistoryRow{}, sql.ErrNoRows
	}
	return row, nil
}

func TestListenerDispatchFetchesAnnouncedRow(t *testing.T) {
	fetcher := &fakeRowFetcher{rows: map[int64]ChatHistoryRow{
		12: {ID: 12, SessionID: "nb_u", Message: []byte(`{"type":"ai","content":"hi"}`)},
	}}
	listener := NewListener("postgres://unused", fetcher)

	var got []ChatHistoryRow
	err := listener.dispatch(context.Background(), `{"id":12,"session_id":"nb_u"}`, func(_ context.Context, row ChatHistoryRow) {
		got = append(got, row)
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(got) != 1 || got[0].ID != 12 || got[0].SessionID != "nb_u" {
		t.Fatalf("unexpected rows: %+v", got)
	}
}

func TestListenerDispatchRejectsBadPayloads(t *testing.T) {
	fetcher := &fakeRowFetcher{rows: map[int64]ChatHistoryRow{}}
	listener := NewListener("postgres://unused", fetcher)
	handler := func(context.Context, ChatHistoryRow) {
		t.Fatal("handler must not run")
	}

	for _, payload := range []string{`not json`, `{"session_id":"nb"}`, `{"id":5,"session_id":"nb"}`} {
		if err := listener.dispatch(context.Background(), payload, handler); err == nil {
			t.Errorf("expected error for payload %s", payload)
		}
	}
	if len(fetcher.calls) != 1 || fetcher.calls[0] != 5 {
		t.Fatalf("expected a single fetch for row 5, got %v", fetcher.calls)
	}
}

func TestListenStopsWithContext(t *testing.T) {
	listener := NewListener("postgres://127.0.0.1:1/none?connect_timeout=1", &fakeRowFetcher{})
	listener.minBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- listener.Listen(ctx, func(context.Context, ChatHistoryRow) {})
	}()

	select {
	case err := <-done:
		if err != context.DeadlineExceeded {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after context ended")
	}
}
