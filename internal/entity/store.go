package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lightfastai/lightfast-sub011/internal/model"
)

// Store persists entities. The conflict path increments occurrence_count in
// SQL so concurrent upserts of the same key never lose updates.
type Store struct {
	db *sql.DB
}

// NewStore creates an entity Store on the shared handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts each entity, or on (workspace, category, key) conflict
// bumps last_seen_at and atomically increments occurrence_count.
func (s *Store) Upsert(ctx context.Context, entities []model.Entity) error {
	for _, e := range entities {
		aliases, _ := json.Marshal(e.Aliases)
		if e.Aliases == nil {
			aliases = []byte("[]")
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO entities (workspace_id, category, key, value, aliases,
				occurrence_count, first_seen_at, last_seen_at, confidence, source_observation_id)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
			ON CONFLICT(workspace_id, category, key) DO UPDATE SET
				occurrence_count = occurrence_count + 1,
				last_seen_at = excluded.last_seen_at,
				confidence = MAX(confidence, excluded.confidence)`,
			e.WorkspaceID, e.Category, e.Key, e.Value, string(aliases),
			e.FirstSeenAt, e.LastSeenAt, e.Confidence, e.SourceObsID)
		if err != nil {
			return fmt.Errorf("upsert entity %s/%s: %w", e.Category, e.Key, err)
		}
	}
	return nil
}

// Search returns entities whose key or value contains the query term,
// ordered by occurrence count.
func (s *Store) Search(ctx context.Context, workspaceID, term string, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + term + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, category, key, value, aliases, occurrence_count,
			first_seen_at, last_seen_at, confidence, source_observation_id
		FROM entities
		WHERE workspace_id = ? AND (key LIKE ? OR value LIKE ?)
		ORDER BY occurrence_count DESC, last_seen_at DESC
		LIMIT ?`,
		workspaceID, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntities(rows)
}

// Get returns one entity by its uniqueness key, or nil.
func (s *Store) Get(ctx context.Context, workspaceID, category, key string) (*model.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, category, key, value, aliases, occurrence_count,
			first_seen_at, last_seen_at, confidence, source_observation_id
		FROM entities
		WHERE workspace_id = ? AND category = ? AND key = ?`,
		workspaceID, category, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities, err := scanEntities(rows)
	if err != nil || len(entities) == 0 {
		return nil, err
	}
	return &entities[0], nil
}

func scanEntities(rows *sql.Rows) ([]model.Entity, error) {
	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		var aliases string
		var sourceObs sql.NullString
		if err := rows.Scan(&e.WorkspaceID, &e.Category, &e.Key, &e.Value, &aliases,
			&e.OccurrenceCount, &e.FirstSeenAt, &e.LastSeenAt, &e.Confidence, &sourceObs); err != nil {
			continue
		}
		e.SourceObsID = sourceObs.String
		_ = json.Unmarshal([]byte(aliases), &e.Aliases)
		out = append(out, e)
	}
	return out, rows.Err()
}
