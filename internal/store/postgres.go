package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore implements Store on PostgreSQL with the pgvector
// extension. Similarity search runs in the database via the cosine
// distance operator, so it scales past what the SQLite backend handles.
type PostgresStore struct {
	pool      *pgxpool.Pool
	dimension int
}

const pgSchemaFmt = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content_hash TEXT UNIQUE NOT NULL,
	content TEXT NOT NULL,
	memory_type TEXT NOT NULL,
	scope TEXT NOT NULL DEFAULT 'global',
	embedding vector(%d),
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	importance TEXT NOT NULL DEFAULT 'medium',
	state TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_memories_type_scope ON memories(memory_type, scope, state);

CREATE TABLE IF NOT EXISTS memory_history (
	id BIGSERIAL PRIMARY KEY,
	memory_id TEXT NOT NULL,
	old_content TEXT,
	new_content TEXT,
	event TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_history_memory ON memory_history(memory_id);

CREATE TABLE IF NOT EXISTS memory_access_log (
	id BIGSERIAL PRIMARY KEY,
	memory_id TEXT NOT NULL,
	access_type TEXT NOT NULL,
	query TEXT DEFAULT '',
	score DOUBLE PRECISION DEFAULT 0,
	metadata TEXT DEFAULT '{}',
	accessed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_access_memory ON memory_access_log(memory_id);
`

// OpenPostgres connects to databaseURL, verifies connectivity, and applies
// the schema. dimension is the embedding width and must match the
// configured embedding model.
func OpenPostgres(ctx context.Context, databaseURL string, dimension int) (*PostgresStore, error) {
	if dimension <= 0 {
		dimension = 1536
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(pgSchemaFmt, dimension)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool, dimension: dimension}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// AddMemory inserts a new active memory and its ADD history row in one
// transaction.
func (s *PostgresStore) AddMemory(ctx context.Context, m *Memory) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
	m.State = StateActive
	if m.ContentHash == "" {
		m.ContentHash = ContentHash(m.Content)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO memories (id, content_hash, content, memory_type, scope, embedding, confidence, importance, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, m.ID, m.ContentHash, m.Content, string(m.Type), m.Scope, pgvector.NewVector(m.Embedding),
		m.Confidence, string(m.Importance), string(m.State), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateContentHash
		}
		return fmt.Errorf("insert memory: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO memory_history (memory_id, old_content, new_content, event, created_at)
		VALUES ($1, NULL, $2, $3, $4)
	`, m.ID, m.Content, string(HistoryAdd), now)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	return tx.Commit(ctx)
}

// UpdateMemory rewrites content and appends one UPDATE history row.
func (s *PostgresStore) UpdateMemory(ctx context.Context, id string, upd MemoryUpdate) error {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var oldContent string
	var confidence float64
	var importance string
	err = tx.QueryRow(ctx,
		`SELECT content, confidence, importance FROM memories WHERE id = $1 FOR UPDATE`, id,
	).Scan(&oldContent, &confidence, &importance)
	if err == pgx.ErrNoRows {
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

	if len(upd.Embedding) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE memories SET content = $1, content_hash = $2, confidence = $3, importance = $4, embedding = $5, updated_at = $6
			WHERE id = $7
		`, upd.Content, ContentHash(upd.Content), confidence, importance, pgvector.NewVector(upd.Embedding), now, id)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE memories SET content = $1, content_hash = $2, confidence = $3, importance = $4, updated_at = $5
			WHERE id = $6
		`, upd.Content, ContentHash(upd.Content), confidence, importance, now, id)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateContentHash
		}
		return fmt.Errorf("update memory: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO memory_history (memory_id, old_content, new_content, event, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, oldContent, upd.Content, string(HistoryUpdate), now)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	return tx.Commit(ctx)
}

// DeleteMemory soft-deletes; deleting twice is a no-op with no second
// history row.
func (s *PostgresStore) DeleteMemory(ctx context.Context, id string) error {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var content, state string
	err = tx.QueryRow(ctx, `SELECT content, state FROM memories WHERE id = $1 FOR UPDATE`, id).Scan(&content, &state)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read memory: %w", err)
	}

	if !MemoryState(state).CanTransitionTo(StateDeleted) {
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE memories SET state = $1, deleted_at = $2, updated_at = $3 WHERE id = $4`,
		string(StateDeleted), now, now, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO memory_history (memory_id, old_content, new_content, event, created_at)
		VALUES ($1, $2, NULL, $3, $4)
	`, id, content, string(HistoryDelete), now)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	return tx.Commit(ctx)
}

// GetMemory returns a memory by id.
func (s *PostgresStore) GetMemory(ctx context.Context, id string) (*Memory, error) {
	return s.getWhere(ctx, `id = $1`, id)
}

// GetByContentHash returns the memory with the given content hash.
func (s *PostgresStore) GetByContentHash(ctx context.Context, hash string) (*Memory, error) {
	return s.getWhere(ctx, `content_hash = $1`, hash)
}

func (s *PostgresStore) getWhere(ctx context.Context, where string, arg any) (*Memory, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, content_hash, content, memory_type, scope, embedding, confidence, importance, state, created_at, updated_at, deleted_at
		FROM memories WHERE `+where, arg)

	m, err := scanPgMemory(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}
	return m, nil
}

func scanPgMemory(r pgx.Row) (*Memory, error) {
	var m Memory
	var typ, importance, state string
	var vec pgvector.Vector
	var deletedAt *time.Time
	err := r.Scan(&m.ID, &m.ContentHash, &m.Content, &typ, &m.Scope, &vec,
		&m.Confidence, &importance, &state, &m.CreatedAt, &m.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	m.Type = MemoryType(typ)
	m.Importance = Importance(importance)
	m.State = MemoryState(state)
	m.Embedding = vec.Slice()
	m.DeletedAt = deletedAt
	return &m, nil
}

// SearchSimilar ranks active memories by cosine similarity using the
// pgvector distance operator. Distance ties keep insertion order.
func (s *PostgresStore) SearchSimilar(ctx context.Context, q SimilarQuery) ([]ScoredMemory, error) {
	query := `
		SELECT id, content_hash, content, memory_type, scope, embedding, confidence, importance, state, created_at, updated_at, deleted_at,
		       1 - (embedding <=> $1) AS similarity
		FROM memories
		WHERE state = 'active' AND embedding IS NOT NULL`
	args := []any{pgvector.NewVector(q.Vector)}

	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		query += fmt.Sprintf(` AND memory_type = ANY($%d)`, len(args))
	}
	if len(q.Scopes) > 0 {
		args = append(args, q.Scopes)
		query += fmt.Sprintf(` AND scope = ANY($%d)`, len(args))
	}
	query += ` ORDER BY embedding <=> $1, created_at, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var results []ScoredMemory
	for rows.Next() {
		var m Memory
		var typ, importance, state string
		var vec pgvector.Vector
		var deletedAt *time.Time
		var sim float64
		err := rows.Scan(&m.ID, &m.ContentHash, &m.Content, &typ, &m.Scope, &vec,
			&m.Confidence, &importance, &state, &m.CreatedAt, &m.UpdatedAt, &deletedAt, &sim)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Type = MemoryType(typ)
		m.Importance = Importance(importance)
		m.State = MemoryState(state)
		m.Embedding = vec.Slice()
		m.DeletedAt = deletedAt
		results = append(results, ScoredMemory{Memory: m, Similarity: sim})
	}
	return results, rows.Err()
}

// History returns the audit rows for a memory in insertion order.
func (s *PostgresStore) History(ctx context.Context, memoryID string) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, memory_id, old_content, new_content, event, created_at
		FROM memory_history WHERE memory_id = $1 ORDER BY id`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var event string
		if err := rows.Scan(&e.ID, &e.MemoryID, &e.OldContent, &e.NewContent, &event, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Event = HistoryEvent(event)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendAccess appends one access-log row.
func (s *PostgresStore) AppendAccess(ctx context.Context, e *AccessLogEntry) error {
	if e.AccessedAt.IsZero() {
		e.AccessedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_access_log (memory_id, access_type, query, score, metadata, accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.MemoryID, string(e.AccessType), e.Query, e.Score, e.Metadata, e.AccessedAt)
	if err != nil {
		return fmt.Errorf("insert access log: %w", err)
	}
	return nil
}

// Stats returns aggregate counts.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByType: make(map[string]int)}

	s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memories WHERE state = 'active'`).Scan(&st.ActiveMemories)
	s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memories WHERE state = 'deleted'`).Scan(&st.DeletedMemories)
	s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memory_history`).Scan(&st.HistoryRows)

	rows, err := s.pool.Query(ctx, `SELECT memory_type, COUNT(*) FROM memories WHERE state = 'active' GROUP BY memory_type`)
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
