// Package route serves the most useful memories for a task under a hard
// token budget, scoring candidates on similarity, importance and
// recency. Selection is deterministic for a fixed store state; every
// served memory leaves an access-log row.
package route

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mnemod/mnemod/internal/config"
	"github.com/mnemod/mnemod/internal/oracle"
	"github.com/mnemod/mnemod/internal/store"
)

// Request asks for task context under a token budget.
type Request struct {
	Task         string             `json:"task"`
	Scopes       []string           `json:"scopes"`
	BudgetTokens int                `json:"context_budget_tokens"`
	Types        []store.MemoryType `json:"memory_types,omitempty"`
	MaxResults   int                `json:"max_results,omitempty"`
}

// SelectedMemory is one served memory with its selection rationale.
type SelectedMemory struct {
	ID         string           `json:"id"`
	Type       store.MemoryType `json:"type"`
	Content    string           `json:"content"`
	Importance store.Importance `json:"importance"`
	Score      float64          `json:"score"`
	Why        string           `json:"why"`
	Tokens     int              `json:"tokens"`
}

// Selection is the budget-constrained answer to a Request.
type Selection struct {
	Memories   []SelectedMemory `json:"memories"`
	TokensUsed int              `json:"tokens_used"`
}

// SearchRequest is a plain similarity search without budgeting.
type SearchRequest struct {
	Query  string             `json:"query"`
	Scopes []string           `json:"scopes"`
	TopK   int                `json:"top_k"`
	Types  []store.MemoryType `json:"memory_types,omitempty"`
}

// Router scores and serves memories.
type Router struct {
	cfg      config.RouteConfig
	st       store.Store
	embedder oracle.Embedder

	// now is swapped in tests to pin recency scoring.
	now func() time.Time
}

// New creates a router. Zero config fields get defaults.
func New(cfg config.RouteConfig, st store.Store, embedder oracle.Embedder) *Router {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 20
	}
	if cfg.SimilarityW <= 0 && cfg.ImportanceW <= 0 && cfg.RecencyW <= 0 {
		cfg.SimilarityW = 0.6
		cfg.ImportanceW = 0.25
		cfg.RecencyW = 0.15
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = 14 * 24 * time.Hour
	}
	if cfg.DefaultBudget <= 0 {
		cfg.DefaultBudget = 2000
	}
	return &Router{cfg: cfg, st: st, embedder: embedder, now: time.Now}
}

// Route returns the ranked memories for the task that fit the budget.
// Candidates are scored, sorted, and taken greedily in rank order; the
// first memory that would overflow the budget ends the selection.
func (r *Router) Route(ctx context.Context, req *Request) (*Selection, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("route: empty task")
	}
	budget := req.BudgetTokens
	if budget <= 0 {
		budget = r.cfg.DefaultBudget
	}
	maxResults := req.MaxResults
	if maxResults <= 0 || maxResults > r.cfg.MaxResults {
		maxResults = r.cfg.MaxResults
	}

	vec, err := r.embedder.Embed(ctx, req.Task)
	if err != nil {
		return nil, fmt.Errorf("embed task: %w", err)
	}
	matches, err := r.st.SearchSimilar(ctx, store.SimilarQuery{
		Vector: vec,
		Scopes: withGlobal(req.Scopes),
		Types:  req.Types,
		Limit:  maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	scored := r.score(matches)
	sel := &Selection{}
	for _, sm := range scored {
		if sel.TokensUsed+sm.Tokens > budget {
			break
		}
		sel.Memories = append(sel.Memories, sm)
		sel.TokensUsed += sm.Tokens
	}

	r.logAccess(store.AccessGetContext, req.Task, budget, sel.Memories)
	return sel, nil
}

// Search returns the top-k memories by raw similarity.
func (r *Router) Search(ctx context.Context, req *SearchRequest) ([]store.ScoredMemory, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("route: empty query")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	vec, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := r.st.SearchSimilar(ctx, store.SimilarQuery{
		Vector: vec,
		Scopes: withGlobal(req.Scopes),
		Types:  req.Types,
		Limit:  topK,
	})
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	var selected []SelectedMemory
	for _, m := range matches {
		selected = append(selected, SelectedMemory{ID: m.ID, Score: m.Similarity})
	}
	r.logAccess(store.AccessSearch, req.Query, 0, selected)
	return matches, nil
}

// withGlobal widens a scope filter so global memories are always
// retrievable alongside the requested scopes. An empty filter already
// matches every scope and is returned unchanged.
func withGlobal(scopes []string) []string {
	if len(scopes) == 0 {
		return scopes
	}
	for _, s := range scopes {
		if s == store.ScopeGlobal {
			return scopes
		}
	}
	out := make([]string, 0, len(scopes)+1)
	out = append(out, scopes...)
	return append(out, store.ScopeGlobal)
}

// score computes the weighted rank score for every match and sorts
// descending; the stable sort keeps equal scores in retrieval order.
func (r *Router) score(matches []store.ScoredMemory) []SelectedMemory {
	now := r.now()
	out := make([]SelectedMemory, 0, len(matches))
	for _, m := range matches {
		recency := r.recency(now, m.UpdatedAt)
		score := r.cfg.SimilarityW*m.Similarity +
			r.cfg.ImportanceW*m.Importance.Weight() +
			r.cfg.RecencyW*recency
		out = append(out, SelectedMemory{
			ID:         m.ID,
			Type:       m.Type,
			Content:    m.Content,
			Importance: m.Importance,
			Score:      score,
			Why:        rationale(m, recency),
			Tokens:     estimateTokens(m.Content),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// recency decays exponentially with age, halving every RecencyHalfLife.
func (r *Router) recency(now, updatedAt time.Time) float64 {
	age := now.Sub(updatedAt)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(r.cfg.RecencyHalfLife))
}

// estimateTokens approximates the token cost of a memory's content.
func estimateTokens(content string) int {
	return len(content)/4 + 1
}

// rationale explains why a memory was served, for the caller and the
// access log.
func rationale(m store.ScoredMemory, recency float64) string {
	age := "recent"
	switch {
	case recency < 0.25:
		age = "old"
	case recency < 0.75:
		age = "aging"
	}
	return fmt.Sprintf("similarity %.2f, importance %s, %s", m.Similarity, m.Importance, age)
}

// accessMeta is the metadata blob attached to every access-log row.
type accessMeta struct {
	Budget   int    `json:"budget,omitempty"`
	Selected int    `json:"selected"`
	Rank     int    `json:"rank"`
	Why      string `json:"why,omitempty"`
}

// logAccess appends access rows without blocking the response path.
func (r *Router) logAccess(kind store.AccessType, query string, budget int, served []SelectedMemory) {
	if len(served) == 0 {
		return
	}
	entries := make([]store.AccessLogEntry, len(served))
	for i, sm := range served {
		meta, _ := json.Marshal(accessMeta{
			Budget:   budget,
			Selected: len(served),
			Rank:     i + 1,
			Why:      sm.Why,
		})
		entries[i] = store.AccessLogEntry{
			MemoryID:   sm.ID,
			AccessType: kind,
			Query:      query,
			Score:      sm.Score,
			Metadata:   string(meta),
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := range entries {
			if err := r.st.AppendAccess(ctx, &entries[i]); err != nil {
				slog.Debug("Access log append failed", "error", err)
				return
			}
		}
	}()
}
