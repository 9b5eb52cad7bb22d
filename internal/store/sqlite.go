package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database. Embeddings are
// stored as BLOBs (little-endian float32 arrays) and cosine similarity is
// computed in Go, which stays sub-millisecond at the scale of one
// developer's memory.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path, applies the schema,
// and returns a store. Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an existing database handle. The schema must
// already be applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// DB exposes the underlying handle so the event log and parked-episode
// services can share the same database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AddMemory inserts a new active memory and its ADD history row in one
// transaction.
func (s *SQLiteStore) AddMemory(ctx context.Context, m *Memory) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
	m.State = StateActive
	if m.ContentHash == "" {
		m.ContentHash = ContentHash(m.Content)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, content_hash, content, memory_type, scope, embedding, confidence, importance, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ContentHash, m.Content, string(m.Type), m.Scope, encodeFloat32s(m.Embedding),
		m.Confidence, string(m.Importance), string(m.State), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: memories.content_hash") {
			return ErrDuplicateContentHash
		}
		return fmt.Errorf("insert memory: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_history (memory_id, old_content, new_content, event, created_at)
		VALUES (?, NULL, ?, ?, ?)
	`, m.ID, m.Content, string(HistoryAdd), now)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	return tx.Commit()
}

// UpdateMemory rewrites content and appends one UPDATE history row.
func (s *SQLiteStore) UpdateMemory(ctx context.Context, id string, upd MemoryUpdate) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var oldContent string
	var confidence float64
	var importance string
	err = tx.QueryRowContext(ctx,
		`SELECT content, confidence, importance FROM memories WHERE id = ?`, id,
	).Scan(&oldContent, &confidence, &importance)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read memory: %w", err)
	}

	if upd.Confidence > 0 {
		confidence = upd.Confidence
	}
	if upd.Importance.Valid() {
		importance = string(upd.Importance)
	}

	args := []any{upd.Content, ContentHash(upd.Content), confidence, importance, now}
	set := `content = ?, content_hash = ?, confidence = ?, importance = ?, updated_at = ?`
	if len(upd.Embedding) > 0 {
		set += `, embedding = ?`
		args = append(args, encodeFloat32s(upd.Embedding))
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, `UPDATE memories SET `+set+` WHERE id = ?`, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: memories.content_hash") {
			return ErrDuplicateContentHash
		}
		return fmt.Errorf("update memory: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_history (memory_id, old_content, new_content, event, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, oldContent, upd.Content, string(HistoryUpdate), now)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	return tx.Commit()
}

// DeleteMemory soft-deletes. A second delete of the same memory changes
// nothing and writes no history row.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var content, state string
	err = tx.QueryRowContext(ctx, `SELECT content, state FROM memories WHERE id = ?`, id).Scan(&content, &state)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read memory: %w", err)
	}

	if !MemoryState(state).CanTransitionTo(StateDeleted) {
		return tx.Commit() // already deleted: idempotent no-op
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE memories SET state = ?, deleted_at = ?, updated_at = ? WHERE id = ?`,
		string(StateDeleted), now, now, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_history (memory_id, old_content, new_content, event, created_at)
		VALUES (?, ?, NULL, ?, ?)
	`, id, content, string(HistoryDelete), now)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	return tx.Commit()
}

// GetMemory returns a memory by id.
func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*Memory, error) {
	return s.getWhere(ctx, `id = ?`, id)
}

// GetByContentHash returns the memory with the given content hash.
func (s *SQLiteStore) GetByContentHash(ctx context.Context, hash string) (*Memory, error) {
	return s.getWhere(ctx, `content_hash = ?`, hash)
}

func (s *SQLiteStore) getWhere(ctx context.Context, where string, arg any) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content_hash, content, memory_type, scope, embedding, confidence, importance, state, created_at, updated_at, deleted_at
		FROM memories WHERE `+where, arg)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(r rowScanner) (*Memory, error) {
	var m Memory
	var typ, importance, state string
	var blob []byte
	var deletedAt sql.NullTime
	err := r.Scan(&m.ID, &m.ContentHash, &m.Content, &typ, &m.Scope, &blob,
		&m.Confidence, &importance, &state, &m.CreatedAt, &m.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	m.Type = MemoryType(typ)
	m.Importance = Importance(importance)
	m.State = MemoryState(state)
	m.Embedding = decodeFloat32s(blob)
	if deletedAt.Valid {
		t := deletedAt.Time
		m.DeletedAt = &t
	}
	return &m, nil
}

// SearchSimilar loads active memories matching the filters and ranks them
// by cosine similarity in Go. Ties keep insertion order so retrieval is
// deterministic.
func (s *SQLiteStore) SearchSimilar(ctx context.Context, q SimilarQuery) ([]ScoredMemory, error) {
	query := `
		SELECT id, content_hash, content, memory_type, scope, embedding, confidence, importance, state, created_at, updated_at, deleted_at
		FROM memories WHERE state = ?`
	args := []any{string(StateActive)}

	if len(q.Types) > 0 {
		query += ` AND memory_type IN (` + placeholders(len(q.Types)) + `)`
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if len(q.Scopes) > 0 {
		query += ` AND scope IN (` + placeholders(len(q.Scopes)) + `)`
		for _, sc := range q.Scopes {
			args = append(args, sc)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var results []ScoredMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			continue
		}
		if len(m.Embedding) == 0 || len(m.Embedding) != len(q.Vector) {
			continue // no embedding or dimension mismatch, skip
		}
		results = append(results, ScoredMemory{
			Memory:     *m,
			Similarity: CosineSimilarity(q.Vector, m.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// History returns the audit rows for a memory in insertion order.
func (s *SQLiteStore) History(ctx context.Context, memoryID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, memory_id, old_content, new_content, event, created_at
		FROM memory_history WHERE memory_id = ? ORDER BY id`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var oldC, newC sql.NullString
		var event string
		if err := rows.Scan(&e.ID, &e.MemoryID, &oldC, &newC, &event, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Event = HistoryEvent(event)
		if oldC.Valid {
			e.OldContent = &oldC.String
		}
		if newC.Valid {
			e.NewContent = &newC.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendAccess appends one access-log row.
func (s *SQLiteStore) AppendAccess(ctx context.Context, e *AccessLogEntry) error {
	if e.AccessedAt.IsZero() {
		e.AccessedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_access_log (memory_id, access_type, query, score, metadata, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.MemoryID, string(e.AccessType), e.Query, e.Score, e.Metadata, e.AccessedAt)
	if err != nil {
		return fmt.Errorf("insert access log: %w", err)
	}
	return nil
}

// Stats returns aggregate counts.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByType: make(map[string]int)}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE state = 'active'`).Scan(&st.ActiveMemories)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE state = 'deleted'`).Scan(&st.DeletedMemories)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_history`).Scan(&st.HistoryRows)

	rows, err := s.db.QueryContext(ctx, `SELECT memory_type, COUNT(*) FROM memories WHERE state = 'active' GROUP BY memory_type`)
	if err != nil {
		return st, nil
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int
		if rows.Scan(&typ, &count) == nil {
			st.ByType[typ] = count
		}
	}
	return st, nil
}
