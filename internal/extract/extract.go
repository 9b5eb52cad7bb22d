// Package extract is the policy engine between the untrusted oracle and
// the memory store. It enforces the outcome-to-type mapping and the
// confidence floor deterministically, whatever the oracle claims, and
// guarantees that an episode either fully commits its surviving
// candidates or commits none.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnemod/mnemod/internal/config"
	"github.com/mnemod/mnemod/internal/dedup"
	"github.com/mnemod/mnemod/internal/episode"
	"github.com/mnemod/mnemod/internal/eventlog"
	"github.com/mnemod/mnemod/internal/oracle"
	"github.com/mnemod/mnemod/internal/store"
)

// Admitter is the dedup engine's write surface.
type Admitter interface {
	Admit(ctx context.Context, c oracle.CandidateMemory) (*dedup.Result, error)
}

// Engine runs extraction for flushed episodes. It implements
// episode.Processor: a non-nil return leaves the episode buffered for
// retry, a nil return lets the batcher clear it.
type Engine struct {
	cfg   config.PolicyConfig
	orc   oracle.Oracle
	admit Admitter
	log   *eventlog.Log

	mu           sync.Mutex
	invalidTries map[string]int

	policyDrops atomic.Int64
}

// New creates the policy engine. Zero config fields get defaults.
func New(cfg config.PolicyConfig, orc oracle.Oracle, admit Admitter, log *eventlog.Log) *Engine {
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = 0.7
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Engine{
		cfg:          cfg,
		orc:          orc,
		admit:        admit,
		log:          log,
		invalidTries: make(map[string]int),
	}
}

// PolicyDrops returns how many candidates policy has dropped so far.
func (e *Engine) PolicyDrops() int64 {
	return e.policyDrops.Load()
}

// ProcessEpisode classifies the episode, filters the candidates, admits
// the survivors, and only then marks the episode's events processed.
//
// Failure handling follows the error taxonomy: an unavailable oracle
// leaves the episode pending; a malformed response gets one retry and
// is then parked; a storage failure after local retries leaves the
// episode pending.
func (e *Engine) ProcessEpisode(ctx context.Context, ep *episode.Episode) error {
	ex, err := e.orc.Classify(ctx, ep)
	if err != nil {
		if errors.Is(err, oracle.ErrInvalidResponse) {
			return e.handleInvalid(ctx, ep, err)
		}
		return fmt.Errorf("classify episode %s: %w", ep.ID, err)
	}
	e.clearInvalid(ep.ID)

	survivors := e.filter(ex, ep.Repo)
	for _, c := range survivors {
		if err := e.admitWithRetry(ctx, c); err != nil {
			// The episode stays pending; the retry re-extracts everything
			// and dedup absorbs the candidates already written.
			return fmt.Errorf("admit candidate for episode %s: %w", ep.ID, err)
		}
	}

	if err := e.log.MarkProcessed(ctx, ep.EventIDs()); err != nil {
		return fmt.Errorf("mark episode %s processed: %w", ep.ID, err)
	}
	slog.Info("Episode extracted", "episode", ep.ID, "repo", ep.Repo,
		"tasks", len(ex.Tasks), "admitted", len(survivors))
	return nil
}

// handleInvalid gives a malformed response one retry, then parks the
// episode and marks its events processed so the repo is not wedged.
func (e *Engine) handleInvalid(ctx context.Context, ep *episode.Episode, cause error) error {
	e.mu.Lock()
	e.invalidTries[ep.ID]++
	tries := e.invalidTries[ep.ID]
	e.mu.Unlock()

	if tries < 2 {
		slog.Warn("Oracle response invalid, will retry once", "episode", ep.ID, "error", cause)
		return cause
	}
	e.clearInvalid(ep.ID)

	if err := e.log.Park(ctx, ep.ID, ep.Repo, cause.Error(), ep.Events); err != nil {
		return fmt.Errorf("park episode %s: %w", ep.ID, err)
	}
	if err := e.log.MarkProcessed(ctx, ep.EventIDs()); err != nil {
		return fmt.Errorf("mark parked episode %s processed: %w", ep.ID, err)
	}
	slog.Error("Episode parked for manual inspection", "episode", ep.ID, "repo", ep.Repo, "error", cause)
	return nil
}

func (e *Engine) clearInvalid(episodeID string) {
	e.mu.Lock()
	delete(e.invalidTries, episodeID)
	e.mu.Unlock()
}

// filter applies the hard policy to the oracle's candidates. Violations
// are dropped silently and counted, never errors.
func (e *Engine) filter(ex *oracle.Extraction, repo string) []oracle.CandidateMemory {
	var out []oracle.CandidateMemory
	for _, task := range ex.Tasks {
		allowed := allowedTypes(task.Outcome)
		for _, c := range task.Candidates {
			if !allowed[c.Type] {
				e.drop(c, "type forbidden for outcome "+string(task.Outcome))
				continue
			}
			if c.Confidence < e.cfg.ConfidenceFloor {
				e.drop(c, "below confidence floor")
				continue
			}
			if c.Scope == "" {
				c.Scope = repo
			}
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) drop(c oracle.CandidateMemory, reason string) {
	e.policyDrops.Add(1)
	slog.Debug("Candidate dropped by policy", "type", c.Type, "reason", reason)
}

// allowedTypes maps a task outcome to the memory types it may produce.
// Uncertain tasks contribute nothing.
func allowedTypes(o oracle.Outcome) map[store.MemoryType]bool {
	switch o {
	case oracle.OutcomeSuccess:
		return map[store.MemoryType]bool{store.TypeRecipe: true, store.TypeProjectFact: true}
	case oracle.OutcomeFailure:
		return map[store.MemoryType]bool{store.TypePitfall: true}
	}
	return nil
}

// admitWithRetry retries storage-side failures with exponential backoff
// before surfacing them as fatal for this flush.
func (e *Engine) admitWithRetry(ctx context.Context, c oracle.CandidateMemory) error {
	backoff := e.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if _, err = e.admit.Admit(ctx, c); err == nil {
			return nil
		}
		slog.Warn("Candidate admission failed", "attempt", attempt+1, "error", err)
	}
	return err
}
