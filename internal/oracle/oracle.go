// Package oracle defines the typed contract with the external semantic
// classifier that segments episodes into tasks and proposes candidate
// memories. The pipeline treats the oracle as an untrusted black box:
// everything it returns is validated here and filtered again by the
// extraction policy before a single row is written.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mnemod/mnemod/internal/episode"
	"github.com/mnemod/mnemod/internal/store"
)

// Sentinel errors distinguishing "try again later" from "this response
// is garbage". Callers branch on these with errors.Is.
var (
	// ErrUnavailable covers timeouts and transport failures. The episode
	// stays pending and is retried with the same id.
	ErrUnavailable = errors.New("oracle unavailable")

	// ErrInvalidResponse covers schema violations and unknown enum
	// values. The whole episode is rejected, retried once, then parked.
	ErrInvalidResponse = errors.New("oracle response invalid")
)

// Outcome classifies how a task within an episode ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeFailure   Outcome = "FAILURE"
	OutcomeUncertain Outcome = "UNCERTAIN"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeUncertain:
		return true
	}
	return false
}

// CandidateMemory is one memory the oracle proposes to persist. Nothing
// here has been checked against policy yet.
type CandidateMemory struct {
	Type       store.MemoryType `json:"type"`
	Content    string           `json:"content"`
	Importance store.Importance `json:"importance"`
	Scope      string           `json:"scope"`
	Confidence float64          `json:"confidence"`
}

// Task is one unit of work the oracle segmented out of an episode,
// with its outcome and proposed memories. Tasks are never persisted.
type Task struct {
	Description string            `json:"task"`
	Outcome     Outcome           `json:"outcome"`
	Evidence    string            `json:"evidence"`
	Candidates  []CandidateMemory `json:"memories"`
}

// Extraction is the oracle's full answer for one episode.
type Extraction struct {
	Tasks      []Task  `json:"tasks"`
	Confidence float64 `json:"confidence"`
}

// MergeCandidate is one existing memory exposed to the oracle for a
// merge decision, identified only by a call-scoped ordinal handle. True
// memory ids never cross the oracle boundary.
type MergeCandidate struct {
	Handle  int    `json:"handle"`
	Content string `json:"content"`
}

// MergeRequest asks the oracle whether a candidate duplicates one of
// the near matches.
type MergeRequest struct {
	Candidate CandidateMemory
	Existing  []MergeCandidate
}

// MergeAction is what the oracle decided to do with a candidate.
type MergeAction string

const (
	// MergeActionMerge folds the candidate into the existing memory
	// named by Handle, replacing its content with MergedContent.
	MergeActionMerge MergeAction = "merge"
	// MergeActionSkip drops the candidate as redundant.
	MergeActionSkip MergeAction = "skip"
	// MergeActionAdd admits the candidate as a new memory.
	MergeActionAdd MergeAction = "add"
)

// Valid reports whether a is a known merge action.
func (a MergeAction) Valid() bool {
	switch a {
	case MergeActionMerge, MergeActionSkip, MergeActionAdd:
		return true
	}
	return false
}

// MergeDecision is the oracle's answer to a MergeRequest. Handle is
// only meaningful for MergeActionMerge and must come from the request's
// handle set; the dedup engine rejects anything else.
type MergeDecision struct {
	Action        MergeAction `json:"action"`
	Handle        int         `json:"handle"`
	MergedContent string      `json:"merged_content"`
}

// Oracle is the external classifier. Implementations must honor the
// context deadline; the pipeline assumes calls return within it.
type Oracle interface {
	// Classify segments the episode into tasks with outcomes and
	// candidate memories.
	Classify(ctx context.Context, ep *episode.Episode) (*Extraction, error)

	// DecideMerge resolves a near-duplicate candidate against existing
	// memories presented as opaque handles.
	DecideMerge(ctx context.Context, req *MergeRequest) (*MergeDecision, error)
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ValidateExtraction checks the structural contract: known enums and
// required fields. Policy filtering (outcome-to-type mapping, the
// confidence floor) happens later and drops candidates silently;
// validation failures reject the whole episode.
func ValidateExtraction(ex *Extraction) error {
	if ex == nil {
		return fmt.Errorf("%w: empty extraction", ErrInvalidResponse)
	}
	for i, task := range ex.Tasks {
		if strings.TrimSpace(task.Description) == "" {
			return fmt.Errorf("%w: task %d has no description", ErrInvalidResponse, i)
		}
		if !task.Outcome.Valid() {
			return fmt.Errorf("%w: task %d has unknown outcome %q", ErrInvalidResponse, i, task.Outcome)
		}
		for j, c := range task.Candidates {
			if !c.Type.Valid() {
				return fmt.Errorf("%w: task %d candidate %d has unknown type %q", ErrInvalidResponse, i, j, c.Type)
			}
			if !c.Importance.Valid() {
				return fmt.Errorf("%w: task %d candidate %d has unknown importance %q", ErrInvalidResponse, i, j, c.Importance)
			}
			if strings.TrimSpace(c.Content) == "" {
				return fmt.Errorf("%w: task %d candidate %d has empty content", ErrInvalidResponse, i, j)
			}
		}
	}
	return nil
}

// ValidateMergeDecision checks a merge decision's structural contract.
// Handle membership is checked by the dedup engine against its own
// call-scoped table.
func ValidateMergeDecision(d *MergeDecision) error {
	if d == nil {
		return fmt.Errorf("%w: empty merge decision", ErrInvalidResponse)
	}
	if !d.Action.Valid() {
		return fmt.Errorf("%w: unknown merge action %q", ErrInvalidResponse, d.Action)
	}
	if d.Action == MergeActionMerge && strings.TrimSpace(d.MergedContent) == "" {
		return fmt.Errorf("%w: merge decision without merged content", ErrInvalidResponse)
	}
	return nil
}
