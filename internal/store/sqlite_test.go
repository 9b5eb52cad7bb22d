package store

import (
	"context"
	"errors"
	"testing"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMemory(id, content string, typ MemoryType, scope string, vec []float32) *Memory {
	return &Memory{
		ID:         id,
		Content:    content,
		Type:       typ,
		Scope:      scope,
		Embedding:  vec,
		Confidence: 0.9,
		Importance: ImportanceMedium,
	}
}

func TestAddMemoryWritesHistory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	m := testMemory("m1", "use table-driven tests", TypeRecipe, "repo-a", []float32{1, 0, 0})
	if err := s.AddMemory(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMemory(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateActive {
		t.Errorf("expected active state, got %q", got.State)
	}
	if got.ContentHash == "" {
		t.Error("expected content hash to be set")
	}

	hist, err := s.History(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(hist))
	}
	if hist[0].Event != HistoryAdd {
		t.Errorf("expected ADD event, got %q", hist[0].Event)
	}
	if hist[0].OldContent != nil {
		t.Error("expected nil old content on ADD")
	}
	if hist[0].NewContent == nil || *hist[0].NewContent != m.Content {
		t.Error("expected new content on ADD")
	}
}

func TestAddMemoryDuplicateHash(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.AddMemory(ctx, testMemory("m1", "same fact", TypeProjectFact, "repo-a", []float32{1, 0, 0})); err != nil {
		t.Fatal(err)
	}
	err := s.AddMemory(ctx, testMemory("m2", "same fact", TypeProjectFact, "repo-a", []float32{1, 0, 0}))
	if !errors.Is(err, ErrDuplicateContentHash) {
		t.Fatalf("expected ErrDuplicateContentHash, got %v", err)
	}
}

func TestUpdateMemoryWritesHistoryWithOldAndNew(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.AddMemory(ctx, testMemory("m1", "old content", TypeRecipe, "repo-a", []float32{1, 0, 0})); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateMemory(ctx, "m1", MemoryUpdate{Content: "new content", Importance: ImportanceHigh}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMemory(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "new content" {
		t.Errorf("expected updated content, got %q", got.Content)
	}
	if got.Importance != ImportanceHigh {
		t.Errorf("expected importance bump, got %q", got.Importance)
	}
	if !got.UpdatedAt.After(got.CreatedAt) && !got.UpdatedAt.Equal(got.CreatedAt) {
		t.Error("expected updated_at >= created_at")
	}

	hist, err := s.History(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(hist))
	}
	up := hist[1]
	if up.Event != HistoryUpdate {
		t.Errorf("expected UPDATE event, got %q", up.Event)
	}
	if up.OldContent == nil || *up.OldContent != "old content" {
		t.Error("expected old content on UPDATE")
	}
	if up.NewContent == nil || *up.NewContent != "new content" {
		t.Error("expected new content on UPDATE")
	}
}

func TestUpdateMissingMemory(t *testing.T) {
	s := setupTestStore(t)
	err := s.UpdateMemory(context.Background(), "nope", MemoryUpdate{Content: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMemoryIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.AddMemory(ctx, testMemory("m1", "doomed", TypePitfall, "repo-a", []float32{1, 0, 0})); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteMemory(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetMemory(ctx, "m1")
	if got.State != StateDeleted {
		t.Errorf("expected deleted state, got %q", got.State)
	}
	if got.DeletedAt == nil {
		t.Error("expected deleted_at to be set")
	}

	// Second delete: same observable state, no second history row.
	if err := s.DeleteMemory(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetMemory(ctx, "m1")
	if got.State != StateDeleted {
		t.Errorf("expected deleted state after second delete, got %q", got.State)
	}

	hist, _ := s.History(ctx, "m1")
	deletes := 0
	for _, h := range hist {
		if h.Event == HistoryDelete {
			deletes++
		}
	}
	if deletes != 1 {
		t.Errorf("expected exactly 1 DELETE history row, got %d", deletes)
	}
}

func TestSearchSimilarFiltersAndRanks(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mems := []*Memory{
		testMemory("a", "alpha", TypeRecipe, "repo-a", []float32{1, 0, 0}),
		testMemory("b", "beta", TypeRecipe, "repo-a", []float32{0, 1, 0}),
		testMemory("c", "gamma", TypePitfall, "repo-a", []float32{1, 0, 0}),
		testMemory("d", "delta", TypeRecipe, ScopeGlobal, []float32{0.9, 0.1, 0}),
	}
	for _, m := range mems {
		if err := s.AddMemory(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	results, err := s.SearchSimilar(ctx, SimilarQuery{
		Vector: []float32{1, 0, 0},
		Scopes: []string{"repo-a", ScopeGlobal},
		Types:  []MemoryType{TypeRecipe},
		Limit:  10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != "a" {
		t.Errorf("expected best match 'a', got %q", results[0].ID)
	}
	if results[1].ID != "d" {
		t.Errorf("expected second match 'd', got %q", results[1].ID)
	}
	for _, r := range results {
		if r.Type != TypeRecipe {
			t.Errorf("type filter leaked: %q", r.Type)
		}
	}
}

func TestSearchSimilarExcludesDeleted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.AddMemory(ctx, testMemory("a", "alive", TypeRecipe, "repo-a", []float32{1, 0, 0})); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMemory(ctx, testMemory("b", "dead", TypeRecipe, "repo-a", []float32{1, 0, 0.01})); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMemory(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	results, err := s.SearchSimilar(ctx, SimilarQuery{Vector: []float32{1, 0, 0}, Scopes: []string{"repo-a"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Fatalf("expected only the active memory, got %d results", len(results))
	}
}

func TestGetByContentHash(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	m := testMemory("m1", "find me by hash", TypeProjectFact, "repo-a", []float32{1, 0, 0})
	if err := s.AddMemory(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByContentHash(ctx, ContentHash("find me by hash"))
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "m1" {
		t.Errorf("expected m1, got %q", got.ID)
	}

	if _, err := s.GetByContentHash(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendAccessAndStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.AddMemory(ctx, testMemory("m1", "tracked", TypeRecipe, "repo-a", []float32{1, 0, 0})); err != nil {
		t.Fatal(err)
	}
	err := s.AppendAccess(ctx, &AccessLogEntry{
		MemoryID:   "m1",
		AccessType: AccessGetContext,
		Query:      "how to test",
		Score:      0.87,
		Metadata:   `{"budget": 400}`,
	})
	if err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.ActiveMemories != 1 {
		t.Errorf("expected 1 active memory, got %d", st.ActiveMemories)
	}
	if st.HistoryRows != 1 {
		t.Errorf("expected 1 history row, got %d", st.HistoryRows)
	}
	if st.ByType[string(TypeRecipe)] != 1 {
		t.Errorf("expected recipe count 1, got %d", st.ByType[string(TypeRecipe)])
	}
}
