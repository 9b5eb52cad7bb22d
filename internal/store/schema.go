package store

import (
	"time"
)

// MemoryType classifies what kind of knowledge a memory holds.
type MemoryType string

const (
	TypeUserStyle   MemoryType = "user_style"
	TypeProjectFact MemoryType = "project_fact"
	TypePitfall     MemoryType = "pitfall"
	TypeRecipe      MemoryType = "recipe"
)

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case TypeUserStyle, TypeProjectFact, TypePitfall, TypeRecipe:
		return true
	}
	return false
}

// Importance is the ordinal priority tier used in retrieval scoring.
type Importance string

const (
	ImportanceCritical Importance = "critical"
	ImportanceHigh     Importance = "high"
	ImportanceMedium   Importance = "medium"
	ImportanceLow      Importance = "low"
)

// Valid reports whether i is a known importance tier.
func (i Importance) Valid() bool {
	switch i {
	case ImportanceCritical, ImportanceHigh, ImportanceMedium, ImportanceLow:
		return true
	}
	return false
}

// Weight returns the scoring weight for the tier.
func (i Importance) Weight() float64 {
	switch i {
	case ImportanceCritical:
		return 1.0
	case ImportanceHigh:
		return 0.75
	case ImportanceMedium:
		return 0.5
	case ImportanceLow:
		return 0.25
	}
	return 0.25
}

// Rank orders tiers for merge resolution (higher wins).
func (i Importance) Rank() int {
	switch i {
	case ImportanceCritical:
		return 4
	case ImportanceHigh:
		return 3
	case ImportanceMedium:
		return 2
	case ImportanceLow:
		return 1
	}
	return 0
}

// MemoryState is the lifecycle state of a memory. The only legal transition
// is active → deleted.
type MemoryState string

const (
	StateActive  MemoryState = "active"
	StateDeleted MemoryState = "deleted"
)

// CanTransitionTo enforces the one-way lifecycle.
func (s MemoryState) CanTransitionTo(next MemoryState) bool {
	return s == StateActive && next == StateDeleted
}

// HistoryEvent tags a memory_history row.
type HistoryEvent string

const (
	HistoryAdd    HistoryEvent = "ADD"
	HistoryUpdate HistoryEvent = "UPDATE"
	HistoryDelete HistoryEvent = "DELETE"
)

// AccessType tags a memory_access_log row.
type AccessType string

const (
	AccessSearch     AccessType = "search"
	AccessGetContext AccessType = "get_context"
	AccessList       AccessType = "list"
)

// ScopeGlobal is the scope shared by all repositories.
const ScopeGlobal = "global"

// Memory is a durable, retrievable knowledge unit.
type Memory struct {
	ID          string      `json:"id"`
	ContentHash string      `json:"content_hash"`
	Content     string      `json:"content"`
	Type        MemoryType  `json:"memory_type"`
	Scope       string      `json:"scope"`
	Embedding   []float32   `json:"-"`
	Confidence  float64     `json:"confidence"`
	Importance  Importance  `json:"importance"`
	State       MemoryState `json:"state"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	DeletedAt   *time.Time  `json:"deleted_at,omitempty"`
}

// ScoredMemory is a memory with its similarity to a query vector.
type ScoredMemory struct {
	Memory
	Similarity float64 `json:"similarity"`
}

// HistoryEntry is one append-only audit row; exactly one is written per
// memory mutation, and rows are never changed afterwards.
type HistoryEntry struct {
	ID         int64        `json:"id"`
	MemoryID   string       `json:"memory_id"`
	OldContent *string      `json:"old_content,omitempty"`
	NewContent *string      `json:"new_content,omitempty"`
	Event      HistoryEvent `json:"event"`
	CreatedAt  time.Time    `json:"created_at"`
}

// AccessLogEntry records one retrieval decision for offline inspection.
// Write-only: the pipeline never reads these back.
type AccessLogEntry struct {
	ID         int64      `json:"id"`
	MemoryID   string     `json:"memory_id"`
	AccessType AccessType `json:"access_type"`
	Query      string     `json:"query,omitempty"`
	Score      float64    `json:"score,omitempty"`
	Metadata   string     `json:"metadata,omitempty"` // JSON blob
	AccessedAt time.Time  `json:"accessed_at"`
}

// Stats holds aggregate store statistics.
type Stats struct {
	ActiveMemories  int            `json:"active_memories"`
	DeletedMemories int            `json:"deleted_memories"`
	ByType          map[string]int `json:"by_type"`
	HistoryRows     int            `json:"history_rows"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	repo TEXT NOT NULL,
	kind TEXT NOT NULL,
	content TEXT NOT NULL,
	file_paths TEXT DEFAULT '[]',
	ts DATETIME NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_repo_processed ON events(repo, processed);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);

CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content_hash TEXT UNIQUE NOT NULL,
	content TEXT NOT NULL,
	memory_type TEXT NOT NULL,
	scope TEXT NOT NULL DEFAULT 'global',
	embedding BLOB,
	confidence REAL NOT NULL DEFAULT 0,
	importance TEXT NOT NULL DEFAULT 'medium',
	state TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	deleted_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_memories_type_scope ON memories(memory_type, scope, state);
CREATE INDEX IF NOT EXISTS idx_memories_state ON memories(state);

CREATE TABLE IF NOT EXISTS memory_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id TEXT NOT NULL,
	old_content TEXT,
	new_content TEXT,
	event TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_history_memory ON memory_history(memory_id);

CREATE TABLE IF NOT EXISTS memory_access_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id TEXT NOT NULL,
	access_type TEXT NOT NULL,
	query TEXT DEFAULT '',
	score REAL DEFAULT 0,
	metadata TEXT DEFAULT '{}',
	accessed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_access_memory ON memory_access_log(memory_id);

CREATE TABLE IF NOT EXISTS parked_episodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	episode_id TEXT UNIQUE NOT NULL,
	repo TEXT NOT NULL,
	reason TEXT NOT NULL,
	events TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
