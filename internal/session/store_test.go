package session

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T, maxTurns int) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	store, err := NewStore(db, maxTurns, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestAddTurnAndHistory(t *testing.T) {
	store := testStore(t, 10)
	ctx := context.Background()

	if err := store.AddTurn(ctx, "s1", "user", "hello"); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	if err := store.AddTurn(ctx, "s1", "assistant", "hi there"); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}

	turns, err := store.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Role != "user" || turns[0].Content != "hello" {
		t.Errorf("turns[0] = %+v", turns[0])
	}
	if turns[1].Role != "assistant" {
		t.Errorf("turns[1] = %+v", turns[1])
	}
}

func TestHistorySessionIsolation(t *testing.T) {
	store := testStore(t, 10)
	ctx := context.Background()

	store.AddTurn(ctx, "a", "user", "for a")
	store.AddTurn(ctx, "b", "user", "for b")

	turns, err := store.History(ctx, "a")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "for a" {
		t.Errorf("session a history = %+v", turns)
	}
}

func TestHistoryEmptySession(t *testing.T) {
	store := testStore(t, 10)

	turns, err := store.History(context.Background(), "missing")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("got %d turns for unknown session", len(turns))
	}
}

func TestSlidingWindowTrim(t *testing.T) {
	store := testStore(t, 4)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := store.AddTurn(ctx, "s", "user", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("AddTurn %d: %v", i, err)
		}
	}

	turns, err := store.History(ctx, "s")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("got %d turns, want 4", len(turns))
	}
	// The newest turns survive, in order.
	for i, turn := range turns {
		want := fmt.Sprintf("msg %d", 6+i)
		if turn.Content != want {
			t.Errorf("turns[%d] = %q, want %q", i, turn.Content, want)
		}
	}
}

func TestClear(t *testing.T) {
	store := testStore(t, 10)
	ctx := context.Background()

	store.AddTurn(ctx, "s", "user", "one")
	store.AddTurn(ctx, "other", "user", "keep")

	if err := store.Clear(ctx, "s"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	turns, _ := store.History(ctx, "s")
	if len(turns) != 0 {
		t.Errorf("cleared session still has %d turns", len(turns))
	}
	kept, _ := store.History(ctx, "other")
	if len(kept) != 1 {
		t.Errorf("other session lost its history")
	}
}
