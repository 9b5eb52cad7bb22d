// Package eventlog is the durable append log of normalized coding-session
// events, one stream per repository. The pipeline reads unprocessed events
// and flips the processed flag only after their episode's extraction has
// committed, which gives at-least-once delivery to the oracle.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies who produced an event.
type EventKind string

const (
	KindUser      EventKind = "user"
	KindAssistant EventKind = "assistant"
	KindTool      EventKind = "tool"
	KindSystem    EventKind = "system"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindUser, KindAssistant, KindTool, KindSystem:
		return true
	}
	return false
}

// Event is one normalized interaction event. Immutable once written except
// for the processed flag.
type Event struct {
	ID        string    `json:"id"`
	Repo      string    `json:"repo"`
	Kind      EventKind `json:"kind"`
	Content   string    `json:"content"`
	FilePaths []string  `json:"file_paths,omitempty"`
	TS        time.Time `json:"ts"`
	Processed bool      `json:"processed"`
}

// Log provides append and scan operations over the events table.
type Log struct {
	db *sql.DB
}

// New wraps an existing database handle; the schema must already be
// applied.
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Append writes one event. A missing id or timestamp is filled in.
func (l *Log) Append(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("eventlog: unknown event kind %q", e.Kind)
	}
	if strings.TrimSpace(e.Repo) == "" {
		return fmt.Errorf("eventlog: event %s has no repo", e.ID)
	}

	paths, _ := json.Marshal(e.FilePaths)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO events (id, repo, kind, content, file_paths, ts, processed)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, e.ID, e.Repo, string(e.Kind), e.Content, string(paths), e.TS)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Unprocessed returns a repo's unprocessed events in timestamp order.
func (l *Log) Unprocessed(ctx context.Context, repo string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, repo, kind, content, file_paths, ts, processed
		FROM events WHERE repo = ? AND processed = 0
		ORDER BY ts, id`, repo)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReposWithUnprocessed returns the repos that currently have pending
// events, for replay after a restart.
func (l *Log) ReposWithUnprocessed(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT repo FROM events WHERE processed = 0 ORDER BY repo`)
	if err != nil {
		return nil, fmt.Errorf("query repos: %w", err)
	}
	defer rows.Close()

	var repos []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// MarkProcessed flips the processed flag for the given event ids.
func (l *Log) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE events SET processed = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// PendingCounts returns unprocessed event counts per repo.
func (l *Log) PendingCounts(ctx context.Context) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT repo, COUNT(*) FROM events WHERE processed = 0 GROUP BY repo`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var repo string
		var n int
		if rows.Scan(&repo, &n) == nil {
			counts[repo] = n
		}
	}
	return counts, rows.Err()
}

// ParkedEpisode is an episode whose extraction was rejected twice for
// a malformed oracle response, set aside for manual inspection.
type ParkedEpisode struct {
	EpisodeID string    `json:"episode_id"`
	Repo      string    `json:"repo"`
	Reason    string    `json:"reason"`
	Events    []Event   `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}

// Park stores a rejected episode with its events and reason. Parking
// the same episode id twice keeps the first record.
func (l *Log) Park(ctx context.Context, episodeID, repo, reason string, events []Event) error {
	blob, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal parked events: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO parked_episodes (episode_id, repo, reason, events)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(episode_id) DO NOTHING
	`, episodeID, repo, reason, string(blob))
	if err != nil {
		return fmt.Errorf("park episode: %w", err)
	}
	return nil
}

// Parked returns parked episodes, newest first.
func (l *Log) Parked(ctx context.Context) ([]ParkedEpisode, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT episode_id, repo, reason, events, created_at
		FROM parked_episodes ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query parked: %w", err)
	}
	defer rows.Close()

	var parked []ParkedEpisode
	for rows.Next() {
		var p ParkedEpisode
		var blob string
		if err := rows.Scan(&p.EpisodeID, &p.Repo, &p.Reason, &blob, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan parked: %w", err)
		}
		_ = json.Unmarshal([]byte(blob), &p.Events)
		parked = append(parked, p)
	}
	return parked, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var kind, paths string
		var processed int
		if err := rows.Scan(&e.ID, &e.Repo, &kind, &e.Content, &paths, &e.TS, &processed); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = EventKind(kind)
		e.Processed = processed != 0
		if paths != "" {
			_ = json.Unmarshal([]byte(paths), &e.FilePaths)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
