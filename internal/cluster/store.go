// Package cluster groups observations into topic clusters and maintains the
// cluster aggregates under concurrent assignment.
package cluster

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lightfastai/lightfast-sub011/internal/model"
)

// Store persists observation clusters.
type Store struct {
	db *sql.DB
}

// NewStore creates a cluster Store on the shared handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Candidates returns up to limit most-recently-active open clusters in the
// workspace whose last observation is newer than the cutoff.
func (s *Store) Candidates(ctx context.Context, workspaceID string, activeSince time.Time, limit int) ([]*model.ObservationCluster, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, topic_label, keywords, primary_entities, primary_actors,
			status, summary, observation_count, first_observation_at, last_observation_at
		FROM clusters
		WHERE workspace_id = ? AND status = ? AND last_observation_at >= ?
		ORDER BY last_observation_at DESC
		LIMIT ?`,
		workspaceID, model.ClusterOpen, activeSince, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ObservationCluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns one cluster by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*model.ObservationCluster, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, topic_label, keywords, primary_entities, primary_actors,
			status, summary, observation_count, first_observation_at, last_observation_at
		FROM clusters WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("%w: cluster %s", model.ErrNotFound, id)
	}
	return scanCluster(rows)
}

// Create inserts a new cluster row.
func (s *Store) Create(ctx context.Context, c *model.ObservationCluster) error {
	keywords := marshalList(c.Keywords)
	entities := marshalList(c.PrimaryEntities)
	actors := marshalList(c.PrimaryActors)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clusters (id, workspace_id, topic_label, keywords, primary_entities,
			primary_actors, status, summary, observation_count, first_observation_at, last_observation_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.TopicLabel, keywords, entities, actors,
		c.Status, nullableStr(c.Summary), c.ObservationCount, c.FirstObservationAt, c.LastObservationAt)
	if err != nil {
		return fmt.Errorf("insert cluster: %w", err)
	}
	return nil
}

// AddMember records a new member observation: the counter increment happens
// in SQL (never read-modify-write in Go), and the primary topic/entity/actor
// sets are merged inside the same transaction.
func (s *Store) AddMember(ctx context.Context, clusterID string, observedAt time.Time, topics, entityKeys []string, actorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE clusters SET
			observation_count = observation_count + 1,
			last_observation_at = MAX(last_observation_at, ?)
		WHERE id = ?`, observedAt, clusterID)
	if err != nil {
		return fmt.Errorf("bump cluster: %w", err)
	}

	var keywordsJSON, entitiesJSON, actorsJSON string
	err = tx.QueryRowContext(ctx, `
		SELECT keywords, primary_entities, primary_actors FROM clusters WHERE id = ?`,
		clusterID).Scan(&keywordsJSON, &entitiesJSON, &actorsJSON)
	if err != nil {
		return fmt.Errorf("read cluster sets: %w", err)
	}

	keywords := mergeSet(unmarshalList(keywordsJSON), topics)
	entities := mergeSet(unmarshalList(entitiesJSON), entityKeys)
	actors := unmarshalList(actorsJSON)
	if actorID != "" && actorID != model.SystemActorID {
		actors = mergeSet(actors, []string{actorID})
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE clusters SET keywords = ?, primary_entities = ?, primary_actors = ?
		WHERE id = ?`,
		marshalList(keywords), marshalList(entities), marshalList(actors), clusterID)
	if err != nil {
		return fmt.Errorf("merge cluster sets: %w", err)
	}

	return tx.Commit()
}

// SetSummary stores the generated prose summary.
func (s *Store) SetSummary(ctx context.Context, clusterID, summary string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE clusters SET summary = ? WHERE id = ?`, summary, clusterID)
	return err
}

// CloseInactive transitions open clusters with no activity since the cutoff
// to closed. Returns the number of clusters closed.
func (s *Store) CloseInactive(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clusters SET status = ? WHERE status = ? AND last_observation_at < ?`,
		model.ClusterClosed, model.ClusterOpen, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// NeedingSummary returns open clusters with at least minMembers observations
// and no summary yet.
func (s *Store) NeedingSummary(ctx context.Context, minMembers, limit int) ([]*model.ObservationCluster, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, topic_label, keywords, primary_entities, primary_actors,
			status, summary, observation_count, first_observation_at, last_observation_at
		FROM clusters
		WHERE status = ? AND observation_count >= ? AND (summary IS NULL OR summary = '')
		ORDER BY last_observation_at DESC
		LIMIT ?`,
		model.ClusterOpen, minMembers, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ObservationCluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCluster(rows *sql.Rows) (*model.ObservationCluster, error) {
	var c model.ObservationCluster
	var keywords, entities, actors string
	var summary sql.NullString
	err := rows.Scan(&c.ID, &c.WorkspaceID, &c.TopicLabel, &keywords, &entities, &actors,
		&c.Status, &summary, &c.ObservationCount, &c.FirstObservationAt, &c.LastObservationAt)
	if err != nil {
		return nil, err
	}
	c.Summary = summary.String
	c.Keywords = unmarshalList(keywords)
	c.PrimaryEntities = unmarshalList(entities)
	c.PrimaryActors = unmarshalList(actors)
	return &c, nil
}

func marshalList(list []string) string {
	if list == nil {
		return "[]"
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func unmarshalList(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func mergeSet(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, v := range base {
		seen[v] = true
	}
	for _, v := range add {
		if v != "" && !seen[v] {
			seen[v] = true
			base = append(base, v)
		}
	}
	return base
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
