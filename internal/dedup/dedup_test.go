package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/mnemod/mnemod/internal/config"
	"github.com/mnemod/mnemod/internal/episode"
	"github.com/mnemod/mnemod/internal/oracle"
	"github.com/mnemod/mnemod/internal/store"
)

// stubEmbedder returns fixed vectors per text so similarity is
// controlled by the test, not by any model.
type stubEmbedder struct {
	vecs map[string][]float32
	def  []float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vecs[text]; ok {
		return v, nil
	}
	return s.def, nil
}

// stubOracle answers merge requests with a canned decision.
type stubOracle struct {
	decision *oracle.MergeDecision
	err      error
	lastReq  *oracle.MergeRequest
}

func (s *stubOracle) Classify(context.Context, *episode.Episode) (*oracle.Extraction, error) {
	return nil, errors.New("not used")
}

func (s *stubOracle) DecideMerge(_ context.Context, req *oracle.MergeRequest) (*oracle.MergeDecision, error) {
	s.lastReq = req
	return s.decision, s.err
}

func setupEngine(t *testing.T, cfg config.DedupConfig, emb *stubEmbedder, orc oracle.Oracle) (*Engine, store.Store) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(cfg, s, emb, orc), s
}

func candidate(content string) oracle.CandidateMemory {
	return oracle.CandidateMemory{
		Type:       store.TypeProjectFact,
		Content:    content,
		Importance: store.ImportanceMedium,
		Scope:      "repo-a",
		Confidence: 0.8,
	}
}

func TestAdmitNewCandidate(t *testing.T) {
	emb := &stubEmbedder{def: []float32{1, 0, 0}}
	e, s := setupEngine(t, config.DedupConfig{}, emb, nil)

	res, err := e.Admit(context.Background(), candidate("the build uses make, not bazel"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionAdded {
		t.Fatalf("expected added, got %s", res.Action)
	}
	m, err := s.GetMemory(context.Background(), res.MemoryID)
	if err != nil {
		t.Fatal(err)
	}
	if m.State != store.StateActive || m.Scope != "repo-a" {
		t.Errorf("unexpected stored memory: %+v", m)
	}
}

func TestNearDuplicateMergesDeterministically(t *testing.T) {
	short := "CI runs on push"
	long := "CI runs on push to main and on every pull request"
	emb := &stubEmbedder{vecs: map[string][]float32{
		short: {1, 0, 0.01},
		long:  {1, 0, 0},
	}}
	e, s := setupEngine(t, config.DedupConfig{Threshold: 0.9, TopK: 5}, emb, nil)
	ctx := context.Background()

	if _, err := e.Admit(ctx, candidate(short)); err != nil {
		t.Fatal(err)
	}
	res, err := e.Admit(ctx, candidate(long))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionMerged {
		t.Fatalf("expected merged, got %s", res.Action)
	}

	// One memory row, holding the more detailed content.
	m, err := s.GetMemory(ctx, res.MemoryID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Content != long {
		t.Errorf("expected longer content kept, got %q", m.Content)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.ActiveMemories != 1 {
		t.Errorf("expected 1 active memory after merge, got %d", stats.ActiveMemories)
	}

	hist, err := s.History(ctx, res.MemoryID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[1].Event != store.HistoryUpdate {
		t.Errorf("expected ADD then UPDATE history, got %+v", hist)
	}
}

func TestSimilarVectorDifferentScopeIsAdded(t *testing.T) {
	emb := &stubEmbedder{def: []float32{1, 0, 0}}
	e, s := setupEngine(t, config.DedupConfig{}, emb, nil)
	ctx := context.Background()

	if _, err := e.Admit(ctx, candidate("deploys go through the staging cluster")); err != nil {
		t.Fatal(err)
	}
	other := candidate("deploys go straight to production")
	other.Scope = "repo-b"
	res, err := e.Admit(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionAdded {
		t.Fatalf("identical vectors in a different scope must not merge, got %s", res.Action)
	}
	stats, _ := s.Stats(ctx)
	if stats.ActiveMemories != 2 {
		t.Errorf("expected 2 active memories, got %d", stats.ActiveMemories)
	}
}

func TestRetryIsAbsorbed(t *testing.T) {
	// A retried episode re-admits the exact same candidate. Threshold 1.1
	// disables similarity merging so the content-hash path is exercised.
	emb := &stubEmbedder{def: []float32{0, 1, 0}}
	e, s := setupEngine(t, config.DedupConfig{Threshold: 1.1}, emb, nil)
	ctx := context.Background()

	c := candidate("migrations run before the server starts")
	first, err := e.Admit(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Admit(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if second.Action != ActionSkipped || second.MemoryID != first.MemoryID {
		t.Fatalf("expected retry to be absorbed, got %+v", second)
	}

	hist, err := s.History(ctx, first.MemoryID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Event != store.HistoryAdd {
		t.Errorf("absorbed retry must not append history, got %+v", hist)
	}
}

func TestOracleMergeAppliesDecision(t *testing.T) {
	a := "tests need the fixtures dir"
	b := "tests need the fixtures dir checked out"
	merged := "tests need the fixtures directory checked out before running"
	emb := &stubEmbedder{vecs: map[string][]float32{
		a:      {1, 0, 0},
		b:      {1, 0, 0.01},
		merged: {1, 0.01, 0},
	}}
	orc := &stubOracle{decision: &oracle.MergeDecision{
		Action: oracle.MergeActionMerge, Handle: 1, MergedContent: merged,
	}}
	e, s := setupEngine(t, config.DedupConfig{UseOracleMerge: true}, emb, orc)
	ctx := context.Background()

	if _, err := e.Admit(ctx, candidate(a)); err != nil {
		t.Fatal(err)
	}
	res, err := e.Admit(ctx, candidate(b))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionMerged {
		t.Fatalf("expected merged, got %s", res.Action)
	}
	m, _ := s.GetMemory(ctx, res.MemoryID)
	if m.Content != merged {
		t.Errorf("expected oracle's merged content, got %q", m.Content)
	}
	if orc.lastReq == nil || len(orc.lastReq.Existing) != 1 || orc.lastReq.Existing[0].Handle != 1 {
		t.Errorf("expected one existing memory under handle 1, got %+v", orc.lastReq)
	}
}

func TestOracleMergeRejectsUnknownHandle(t *testing.T) {
	a := "lint runs in CI"
	b := "lint runs in CI on every push"
	emb := &stubEmbedder{vecs: map[string][]float32{
		a: {1, 0, 0},
		b: {1, 0, 0.01},
	}}
	orc := &stubOracle{decision: &oracle.MergeDecision{
		Action: oracle.MergeActionMerge, Handle: 99, MergedContent: "whatever",
	}}
	e, s := setupEngine(t, config.DedupConfig{UseOracleMerge: true}, emb, orc)
	ctx := context.Background()

	if _, err := e.Admit(ctx, candidate(a)); err != nil {
		t.Fatal(err)
	}
	_, err := e.Admit(ctx, candidate(b))
	if !errors.Is(err, oracle.ErrInvalidResponse) {
		t.Fatalf("expected handle rejection, got %v", err)
	}

	// Nothing was written for the rejected decision.
	stats, _ := s.Stats(ctx)
	if stats.ActiveMemories != 1 {
		t.Errorf("expected 1 active memory, got %d", stats.ActiveMemories)
	}
}

func TestOracleFailureFallsBack(t *testing.T) {
	a := "the API client retries three times"
	b := "the API client retries three times with exponential backoff"
	emb := &stubEmbedder{vecs: map[string][]float32{
		a: {1, 0, 0},
		b: {1, 0, 0.01},
	}}
	orc := &stubOracle{err: oracle.ErrUnavailable}
	e, s := setupEngine(t, config.DedupConfig{UseOracleMerge: true}, emb, orc)
	ctx := context.Background()

	if _, err := e.Admit(ctx, candidate(a)); err != nil {
		t.Fatal(err)
	}
	res, err := e.Admit(ctx, candidate(b))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionMerged {
		t.Fatalf("expected deterministic fallback merge, got %s", res.Action)
	}
	m, _ := s.GetMemory(ctx, res.MemoryID)
	if m.Content != b {
		t.Errorf("fallback keeps the longer content, got %q", m.Content)
	}
}
