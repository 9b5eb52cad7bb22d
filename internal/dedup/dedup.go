// Package dedup admits candidate memories against the existing store,
// merging near duplicates instead of writing second rows. It is the
// safety net that makes at-least-once extraction idempotent: a retried
// episode's candidates land here and are absorbed.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mnemod/mnemod/internal/config"
	"github.com/mnemod/mnemod/internal/oracle"
	"github.com/mnemod/mnemod/internal/store"
)

// Action reports what the engine did with a candidate.
type Action string

const (
	ActionAdded   Action = "added"
	ActionMerged  Action = "merged"
	ActionUpdated Action = "updated"
	ActionSkipped Action = "skipped"
)

// Result is the outcome of admitting one candidate.
type Result struct {
	Action   Action
	MemoryID string
}

// Engine deduplicates candidates by vector similarity within one
// (type, scope) partition at a time.
type Engine struct {
	cfg      config.DedupConfig
	st       store.Store
	embedder oracle.Embedder
	orc      oracle.Oracle

	locks keyedLocks
}

// New creates a dedup engine. The oracle is only consulted when
// UseOracleMerge is set; otherwise near duplicates are resolved by the
// deterministic fallback.
func New(cfg config.DedupConfig, st store.Store, embedder oracle.Embedder, orc oracle.Oracle) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.9
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Engine{cfg: cfg, st: st, embedder: embedder, orc: orc}
}

// Admit embeds the candidate, searches its (type, scope) partition for
// near duplicates, and either merges into the best match or inserts a
// new memory. Concurrent admissions to the same partition are
// serialized so two candidates cannot both pass the similarity check
// and both insert.
func (e *Engine) Admit(ctx context.Context, c oracle.CandidateMemory) (*Result, error) {
	unlock := e.locks.lock(string(c.Type) + "\x00" + c.Scope)
	defer unlock()

	vec, err := e.embedder.Embed(ctx, c.Content)
	if err != nil {
		return nil, fmt.Errorf("embed candidate: %w", err)
	}

	matches, err := e.st.SearchSimilar(ctx, store.SimilarQuery{
		Vector: vec,
		Scopes: []string{c.Scope},
		Types:  []store.MemoryType{c.Type},
		Limit:  e.cfg.TopK,
	})
	if err != nil {
		return nil, fmt.Errorf("search near duplicates: %w", err)
	}

	var near []store.ScoredMemory
	for _, m := range matches {
		if m.Similarity >= e.cfg.Threshold {
			near = append(near, m)
		}
	}

	if len(near) > 0 {
		if e.cfg.UseOracleMerge && e.orc != nil {
			return e.mergeViaOracle(ctx, c, vec, near)
		}
		return e.mergeDeterministic(ctx, c, vec, near[0])
	}
	return e.insert(ctx, c, vec)
}

// insert writes a new memory. A content-hash conflict means the exact
// same fact already exists (the usual retry case) and is redirected to
// the update path.
func (e *Engine) insert(ctx context.Context, c oracle.CandidateMemory, vec []float32) (*Result, error) {
	m := &store.Memory{
		ID:          uuid.NewString(),
		ContentHash: store.ContentHash(c.Content),
		Content:     c.Content,
		Type:        c.Type,
		Scope:       c.Scope,
		Embedding:   vec,
		Confidence:  c.Confidence,
		Importance:  c.Importance,
	}
	err := e.st.AddMemory(ctx, m)
	if err == nil {
		return &Result{Action: ActionAdded, MemoryID: m.ID}, nil
	}
	if !errors.Is(err, store.ErrDuplicateContentHash) {
		return nil, fmt.Errorf("add memory: %w", err)
	}

	existing, err := e.st.GetByContentHash(ctx, m.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("resolve hash conflict: %w", err)
	}
	// Identical content: only raise confidence or importance, never
	// write a no-op update.
	upd := store.MemoryUpdate{Content: existing.Content}
	changed := false
	if c.Confidence > existing.Confidence {
		upd.Confidence = c.Confidence
		changed = true
	}
	if c.Importance.Rank() > existing.Importance.Rank() {
		upd.Importance = c.Importance
		changed = true
	}
	if !changed {
		return &Result{Action: ActionSkipped, MemoryID: existing.ID}, nil
	}
	if err := e.st.UpdateMemory(ctx, existing.ID, upd); err != nil {
		return nil, fmt.Errorf("update on hash conflict: %w", err)
	}
	return &Result{Action: ActionUpdated, MemoryID: existing.ID}, nil
}

// mergeDeterministic folds the candidate into the best match without an
// oracle call: keep the more detailed content and the higher importance.
func (e *Engine) mergeDeterministic(ctx context.Context, c oracle.CandidateMemory, vec []float32, best store.ScoredMemory) (*Result, error) {
	content := best.Content
	embedding := best.Embedding
	if len(c.Content) > len(best.Content) {
		content = c.Content
		embedding = vec
	}

	upd := store.MemoryUpdate{Content: content}
	changed := content != best.Content
	if changed {
		upd.Embedding = embedding
	}
	if c.Importance.Rank() > best.Importance.Rank() {
		upd.Importance = c.Importance
		changed = true
	}
	if c.Confidence > best.Confidence {
		upd.Confidence = c.Confidence
		changed = true
	}
	if !changed {
		slog.Debug("Dedup absorbed candidate", "memory", best.ID, "similarity", best.Similarity)
		return &Result{Action: ActionSkipped, MemoryID: best.ID}, nil
	}
	if err := e.st.UpdateMemory(ctx, best.ID, upd); err != nil {
		return nil, fmt.Errorf("merge update: %w", err)
	}
	slog.Info("Dedup merged candidate", "memory", best.ID, "similarity", best.Similarity)
	return &Result{Action: ActionMerged, MemoryID: best.ID}, nil
}

// mergeViaOracle routes the decision through the oracle. Matches are
// exposed only as call-scoped ordinal handles; a handle coming back
// that was not issued for this call is rejected, never applied.
func (e *Engine) mergeViaOracle(ctx context.Context, c oracle.CandidateMemory, vec []float32, near []store.ScoredMemory) (*Result, error) {
	handles := make(map[int]string, len(near))
	req := &oracle.MergeRequest{Candidate: c}
	for i, m := range near {
		h := i + 1
		handles[h] = m.ID
		req.Existing = append(req.Existing, oracle.MergeCandidate{Handle: h, Content: m.Content})
	}

	d, err := e.orc.DecideMerge(ctx, req)
	if err != nil {
		// Fall back rather than stall the episode on a flaky merge call.
		slog.Warn("Oracle merge failed, using deterministic fallback", "error", err)
		return e.mergeDeterministic(ctx, c, vec, near[0])
	}

	switch d.Action {
	case oracle.MergeActionSkip:
		return &Result{Action: ActionSkipped, MemoryID: near[0].ID}, nil
	case oracle.MergeActionAdd:
		return e.insert(ctx, c, vec)
	case oracle.MergeActionMerge:
		id, ok := handles[d.Handle]
		if !ok {
			return nil, fmt.Errorf("%w: merge handle %d not issued for this call", oracle.ErrInvalidResponse, d.Handle)
		}
		mergedVec, err := e.embedder.Embed(ctx, d.MergedContent)
		if err != nil {
			return nil, fmt.Errorf("embed merged content: %w", err)
		}
		upd := store.MemoryUpdate{Content: d.MergedContent, Embedding: mergedVec}
		if c.Importance.Rank() > importanceOf(near, id).Rank() {
			upd.Importance = c.Importance
		}
		if err := e.st.UpdateMemory(ctx, id, upd); err != nil {
			return nil, fmt.Errorf("merge update: %w", err)
		}
		return &Result{Action: ActionMerged, MemoryID: id}, nil
	}
	return nil, fmt.Errorf("%w: unreachable merge action %q", oracle.ErrInvalidResponse, d.Action)
}

func importanceOf(near []store.ScoredMemory, id string) store.Importance {
	for _, m := range near {
		if m.ID == id {
			return m.Importance
		}
	}
	return store.ImportanceLow
}

// keyedLocks serializes work per string key.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
