package server

import (
	"context"
	"testing"
	"time"
)

func TestSQLiteStore_CreateAndGetThread(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	thread := Thread{
		ID:       "api_thread_20250101_120000_000001",
		Type:     ThreadTypeAPI,
		UserID:   "user-1",
		UserName: "Alice",
	}
	if err := store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	got, ok, err := store.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if !ok {
		t.Fatal("thread not found after create")
	}
	if got.Type != ThreadTypeAPI {
		t.Errorf("Type = %q, want %q", got.Type, ThreadTypeAPI)
	}
	if got.UserID != "user-1" || got.UserName != "Alice" {
		t.Errorf("user = %q/%q, want user-1/Alice", got.UserID, got.UserName)
	}
	if got.CreatedAt.IsZero() || got.LastActivity.IsZero() {
		t.Error("timestamps not populated")
	}
}

func TestSQLiteStore_GetThreadMissing(t *testing.T) {
	store := newTestSQLiteStore(t)

	_, ok, err := store.GetThread(context.Background(), "no-such-thread")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing thread")
	}
}

func TestSQLiteStore_CreateThreadUpsertBumpsActivity(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	thread := Thread{ID: "t1", Type: ThreadTypeText, UserID: "u", CreatedAt: created, LastActivity: created}
	if err := store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	later := created.Add(time.Hour)
	thread.LastActivity = later
	if err := store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread (upsert): %v", err)
	}

	got, _, err := store.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if !got.LastActivity.Equal(later) {
		t.Errorf("LastActivity = %v, want %v", got.LastActivity, later)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want unchanged %v", got.CreatedAt, created)
	}
}

func TestSQLiteStore_ListUserThreads(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"t1", "t2", "t3"} {
		at := base.Add(time.Duration(i) * time.Hour)
		err := store.CreateThread(ctx, Thread{
			ID: id, Type: ThreadTypeText, UserID: "alice", CreatedAt: at, LastActivity: at,
		})
		if err != nil {
			t.Fatalf("CreateThread(%s): %v", id, err)
		}
	}
	if err := store.CreateThread(ctx, Thread{ID: "other", Type: ThreadTypeTemp, UserID: "bob"}); err != nil {
		t.Fatalf("CreateThread(other): %v", err)
	}

	threads, err := store.ListUserThreads(ctx, "alice")
	if err != nil {
		t.Fatalf("ListUserThreads: %v", err)
	}
	if len(threads) != 3 {
		t.Fatalf("got %d threads, want 3", len(threads))
	}
	// Most recent activity first.
	if threads[0].ID != "t3" || threads[2].ID != "t1" {
		t.Errorf("order = [%s %s %s], want [t3 t2 t1]", threads[0].ID, threads[1].ID, threads[2].ID)
	}
}

func TestSQLiteStore_APIHistory(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := store.CreateThread(ctx, Thread{ID: "api-t", Type: ThreadTypeAPI, UserID: "u"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	// Two entries: the older expired, the newer valid.
	expired := now.Add(-40 * 24 * time.Hour)
	if err := store.AddAPIHistory(ctx, "api-t", "resp-old", expired, expired.Add(30*24*time.Hour)); err != nil {
		t.Fatalf("AddAPIHistory(old): %v", err)
	}
	if err := store.AddAPIHistory(ctx, "api-t", "resp-new", now.Add(-time.Hour), now.Add(29*24*time.Hour)); err != nil {
		t.Fatalf("AddAPIHistory(new): %v", err)
	}

	id, ok, err := store.LatestValidResponseID(ctx, "api-t", now)
	if err != nil {
		t.Fatalf("LatestValidResponseID: %v", err)
	}
	if !ok || id != "resp-new" {
		t.Errorf("latest valid = %q/%v, want resp-new/true", id, ok)
	}

	entries, err := store.APIHistory(ctx, "api-t")
	if err != nil {
		t.Fatalf("APIHistory: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ResponseID != "resp-new" {
		t.Errorf("first entry = %q, want resp-new (newest first)", entries[0].ResponseID)
	}
}

func TestSQLiteStore_LatestValidResponseID_AllExpired(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := store.CreateThread(ctx, Thread{ID: "api-t", Type: ThreadTypeAPI}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	old := now.Add(-60 * 24 * time.Hour)
	if err := store.AddAPIHistory(ctx, "api-t", "resp-1", old, old.Add(30*24*time.Hour)); err != nil {
		t.Fatalf("AddAPIHistory: %v", err)
	}

	_, ok, err := store.LatestValidResponseID(ctx, "api-t", now)
	if err != nil {
		t.Fatalf("LatestValidResponseID: %v", err)
	}
	if ok {
		t.Error("expected no valid response id when all entries are expired")
	}
}

func TestSQLiteStore_AddAPIHistoryDuplicateIgnored(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreateThread(ctx, Thread{ID: "api-t", Type: ThreadTypeAPI}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.AddAPIHistory(ctx, "api-t", "resp-1", now, now.Add(time.Hour)); err != nil {
			t.Fatalf("AddAPIHistory attempt %d: %v", i, err)
		}
	}

	entries, err := store.APIHistory(ctx, "api-t")
	if err != nil {
		t.Fatalf("APIHistory: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d entries, want 1 (duplicate ignored)", len(entries))
	}
}

func TestSQLiteStore_PruneExpiredAPIHistory(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := store.CreateThread(ctx, Thread{ID: "api-t", Type: ThreadTypeAPI}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	old := now.Add(-60 * 24 * time.Hour)
	if err := store.AddAPIHistory(ctx, "api-t", "resp-expired", old, old.Add(30*24*time.Hour)); err != nil {
		t.Fatalf("AddAPIHistory(expired): %v", err)
	}
	if err := store.AddAPIHistory(ctx, "api-t", "resp-valid", now, now.Add(30*24*time.Hour)); err != nil {
		t.Fatalf("AddAPIHistory(valid): %v", err)
	}

	pruned, err := store.PruneExpiredAPIHistory(ctx, now)
	if err != nil {
		t.Fatalf("PruneExpiredAPIHistory: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	entries, err := store.APIHistory(ctx, "api-t")
	if err != nil {
		t.Fatalf("APIHistory: %v", err)
	}
	if len(entries) != 1 || entries[0].ResponseID != "resp-valid" {
		t.Errorf("entries = %+v, want only resp-valid", entries)
	}
}

func TestSQLiteStore_TextHistory(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.CreateThread(ctx, Thread{ID: "text-t", Type: ThreadTypeText}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	if err := store.AddTextTurn(ctx, "text-t", "Hello", "Hi there!"); err != nil {
		t.Fatalf("AddTextTurn(1): %v", err)
	}
	if err := store.AddTextTurn(ctx, "text-t", "How are you?", "Doing well."); err != nil {
		t.Fatalf("AddTextTurn(2): %v", err)
	}

	turns, err := store.TextHistory(ctx, "text-t")
	if err != nil {
		t.Fatalf("TextHistory: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Sequence != 1 || turns[1].Sequence != 2 {
		t.Errorf("sequences = %d,%d, want 1,2", turns[0].Sequence, turns[1].Sequence)
	}
	if turns[0].UserInput != "Hello" || turns[1].AssistantResponse != "Doing well." {
		t.Errorf("turns content mismatch: %+v", turns)
	}
}

func TestFormatTextHistory(t *testing.T) {
	turns := []TextTurn{
		{Sequence: 1, UserInput: "Hello", AssistantResponse: "Hi!"},
		{Sequence: 2, UserInput: "Bye", AssistantResponse: "See you."},
	}

	got := FormatTextHistory(turns)
	want := "User: Hello\nAssistant: Hi!\n\nUser: Bye\nAssistant: See you.\n\n"
	if got != want {
		t.Errorf("FormatTextHistory = %q, want %q", got, want)
	}

	if FormatTextHistory(nil) != "" {
		t.Error("empty history must format to empty string")
	}
}
