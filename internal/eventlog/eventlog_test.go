package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/mnemod/mnemod/internal/store"
)

func setupTestLog(t *testing.T) *Log {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s.DB())
}

func TestAppendAndUnprocessed(t *testing.T) {
	l := setupTestLog(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, content := range []string{"first", "second", "third"} {
		err := l.Append(ctx, &Event{
			Repo:    "repo-a",
			Kind:    KindUser,
			Content: content,
			TS:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Append(ctx, &Event{Repo: "repo-b", Kind: KindTool, Content: "other repo"}); err != nil {
		t.Fatal(err)
	}

	events, err := l.Unprocessed(ctx, "repo-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Content != "first" || events[2].Content != "third" {
		t.Error("expected timestamp ordering")
	}
	if events[0].ID == "" {
		t.Error("expected id to be generated")
	}
}

func TestAppendRejectsBadEvents(t *testing.T) {
	l := setupTestLog(t)
	ctx := context.Background()

	if err := l.Append(ctx, &Event{Repo: "r", Kind: "robot", Content: "x"}); err == nil {
		t.Error("expected unknown kind to be rejected")
	}
	if err := l.Append(ctx, &Event{Kind: KindUser, Content: "x"}); err == nil {
		t.Error("expected missing repo to be rejected")
	}
}

func TestMarkProcessed(t *testing.T) {
	l := setupTestLog(t)
	ctx := context.Background()

	var ids []string
	for _, content := range []string{"a", "b"} {
		e := &Event{Repo: "repo-a", Kind: KindAssistant, Content: content}
		if err := l.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID)
	}

	if err := l.MarkProcessed(ctx, ids[:1]); err != nil {
		t.Fatal(err)
	}
	events, err := l.Unprocessed(ctx, "repo-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Content != "b" {
		t.Fatalf("expected only 'b' pending, got %d events", len(events))
	}

	// Empty id list is a no-op.
	if err := l.MarkProcessed(ctx, nil); err != nil {
		t.Fatal(err)
	}
}

func TestReposWithUnprocessedAndCounts(t *testing.T) {
	l := setupTestLog(t)
	ctx := context.Background()

	for _, repo := range []string{"repo-a", "repo-a", "repo-b"} {
		if err := l.Append(ctx, &Event{Repo: repo, Kind: KindUser, Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	repos, err := l.ReposWithUnprocessed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 2 {
		t.Fatalf("expected 2 repos, got %v", repos)
	}

	counts, err := l.PendingCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["repo-a"] != 2 || counts["repo-b"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestFilePathsRoundTrip(t *testing.T) {
	l := setupTestLog(t)
	ctx := context.Background()

	e := &Event{
		Repo:      "repo-a",
		Kind:      KindTool,
		Content:   "edited files",
		FilePaths: []string{"main.go", "internal/store/sqlite.go"},
	}
	if err := l.Append(ctx, e); err != nil {
		t.Fatal(err)
	}

	events, err := l.Unprocessed(ctx, "repo-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || len(events[0].FilePaths) != 2 {
		t.Fatalf("expected file paths to round-trip, got %v", events)
	}
}
