package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs history and working memory with Postgres, for
// deployments that want memory to survive restarts.
type PostgresStore struct {
	pool  *pgxpool.Pool
	limit int
}

// NewPostgresStore creates a PostgresStore over the given pool. History rings
// are trimmed to limit rows per key on append.
func NewPostgresStore(pool *pgxpool.Pool, limit int) *PostgresStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &PostgresStore{pool: pool, limit: limit}
}

// AppendHistory inserts an entry and trims rows that fell out of the ring.
func (s *PostgresStore) AppendHistory(ctx context.Context, key string, entry Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_history (conversation_key, role, content, created_at)
		 VALUES ($1, $2, $3, $4)`,
		key, string(entry.Role), entry.Content, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`DELETE FROM conversation_history
		 WHERE conversation_key = $1
		   AND id NOT IN (
		     SELECT id FROM conversation_history
		     WHERE conversation_key = $1
		     ORDER BY created_at DESC, id DESC
		     LIMIT $2
		   )`,
		key, s.limit)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

// History returns up to limit entries for the key, oldest first.
func (s *PostgresStore) History(ctx context.Context, key string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT role, content, created_at FROM (
		   SELECT role, content, created_at, id FROM conversation_history
		   WHERE conversation_key = $1
		   ORDER BY created_at DESC, id DESC
		   LIMIT $2
		 ) recent
		 ORDER BY created_at ASC, id ASC`,
		key, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		var role string
		if err := rows.Scan(&role, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entry.Role = Role(role)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

// SetWorkingMemory upserts a field for the scope. An empty value deletes it.
func (s *PostgresStore) SetWorkingMemory(ctx context.Context, scopeID, field, value string) error {
	if value == "" {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM working_memory WHERE scope_id = $1 AND field = $2`,
			scopeID, field)
		if err != nil {
			return fmt.Errorf("delete working memory: %w", err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO working_memory (scope_id, field, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (scope_id, field)
		 DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		scopeID, field, value)
	if err != nil {
		return fmt.Errorf("upsert working memory: %w", err)
	}
	return nil
}

// WorkingMemory returns all fields for the scope.
func (s *PostgresStore) WorkingMemory(ctx context.Context, scopeID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT field, value FROM working_memory WHERE scope_id = $1`,
		scopeID)
	if err != nil {
		return nil, fmt.Errorf("query working memory: %w", err)
	}
	defer rows.Close()
	fields := map[string]string{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan working memory row: %w", err)
		}
		fields[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate working memory rows: %w", err)
	}
	return fields, nil
}
