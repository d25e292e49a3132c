// Package store provides the SQLite relational store: schema, observation
// persistence, and the shared database handle used by the domain stores.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lightfastai/lightfast-sub011/internal/model"
)

// Schema creates all tables. The five uniqueness constraints are the
// idempotency and identity keys the pipeline relies on.
const Schema = `
CREATE TABLE IF NOT EXISTS observations (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	occurred_at DATETIME NOT NULL,
	captured_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	actor_id TEXT,
	observation_type TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	topics TEXT NOT NULL DEFAULT '[]',
	significance_score INTEGER NOT NULL,
	source TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	source_refs TEXT NOT NULL DEFAULT '[]',
	title_vector_id TEXT,
	content_vector_id TEXT,
	summary_vector_id TEXT,
	cluster_id TEXT,
	UNIQUE(workspace_id, source, source_id)
);
CREATE INDEX IF NOT EXISTS idx_observations_workspace ON observations(workspace_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_observations_actor ON observations(workspace_id, actor_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_observations_cluster ON observations(cluster_id);

CREATE TABLE IF NOT EXISTS actor_identities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id TEXT NOT NULL,
	source TEXT NOT NULL,
	source_id TEXT NOT NULL,
	canonical_actor_id TEXT NOT NULL,
	source_username TEXT,
	source_email TEXT,
	mapping_method TEXT NOT NULL,
	confidence_score REAL NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(workspace_id, source, source_id)
);
CREATE INDEX IF NOT EXISTS idx_identities_email ON actor_identities(workspace_id, source_email);

CREATE TABLE IF NOT EXISTS actor_profiles (
	workspace_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	expertise_domains TEXT NOT NULL DEFAULT '{}',
	contribution_types TEXT NOT NULL DEFAULT '{}',
	active_hours TEXT NOT NULL DEFAULT '[]',
	collaborators TEXT NOT NULL DEFAULT '[]',
	profile_vector_id TEXT,
	observation_count INTEGER NOT NULL DEFAULT 0,
	last_active_at DATETIME,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(workspace_id, actor_id)
);

CREATE TABLE IF NOT EXISTS entities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id TEXT NOT NULL,
	category TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	aliases TEXT NOT NULL DEFAULT '[]',
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	first_seen_at DATETIME NOT NULL,
	last_seen_at DATETIME NOT NULL,
	confidence REAL NOT NULL,
	source_observation_id TEXT,
	UNIQUE(workspace_id, category, key)
);

CREATE TABLE IF NOT EXISTS clusters (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	topic_label TEXT NOT NULL,
	keywords TEXT NOT NULL DEFAULT '[]',
	primary_entities TEXT NOT NULL DEFAULT '[]',
	primary_actors TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'open',
	summary TEXT,
	observation_count INTEGER NOT NULL DEFAULT 0,
	first_observation_at DATETIME NOT NULL,
	last_observation_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_clusters_open ON clusters(workspace_id, status, last_observation_at);

CREATE TABLE IF NOT EXISTS temporal_states (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	state_type TEXT NOT NULL,
	state_value TEXT NOT NULL,
	valid_from DATETIME NOT NULL,
	valid_to DATETIME,
	is_current INTEGER NOT NULL DEFAULT 1,
	changed_by_actor_id TEXT,
	source_observation_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_temporal_key ON temporal_states(workspace_id, entity_type, entity_id, state_type, is_current);

CREATE TABLE IF NOT EXISTS memory_vectors (
	namespace TEXT NOT NULL,
	id TEXT NOT NULL,
	embedding BLOB NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY(namespace, id)
);
`

// Open opens (creating if needed) the SQLite database at dbPath and applies
// the schema. WAL and a busy timeout keep concurrent ingestion workable.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// IsUniqueViolation reports whether err is a SQLite unique-constraint
// failure. Both drivers in use surface the same message text.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ObservationStore persists and reads observations.
type ObservationStore struct {
	db *sql.DB
}

// NewObservationStore creates an ObservationStore on the shared handle.
func NewObservationStore(db *sql.DB) *ObservationStore {
	return &ObservationStore{db: db}
}

// DB exposes the underlying handle for sibling stores.
func (s *ObservationStore) DB() *sql.DB { return s.db }

// Insert persists a new observation. A replayed event with the same
// (workspace, source, sourceID) returns ErrDuplicate; callers treat that as
// a no-op success.
func (s *ObservationStore) Insert(ctx context.Context, obs *model.Observation) error {
	topics, _ := json.Marshal(obs.Topics)
	refs, _ := json.Marshal(obs.SourceReferences)
	if obs.Topics == nil {
		topics = []byte("[]")
	}
	if obs.SourceReferences == nil {
		refs = []byte("[]")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (id, workspace_id, occurred_at, captured_at, actor_id,
			observation_type, title, content, topics, significance_score,
			source, source_type, source_id, source_refs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.ID, obs.WorkspaceID, obs.OccurredAt, obs.CapturedAt, nullable(obs.ActorID),
		obs.ObservationType, obs.Title, obs.Content, string(topics), obs.SignificanceScore,
		obs.Source, obs.SourceType, obs.SourceID, string(refs))
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s/%s", model.ErrDuplicate, obs.WorkspaceID, obs.Source, obs.SourceID)
	}
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// SetVectorIDs backfills the embedding-view ids after embedding succeeds.
func (s *ObservationStore) SetVectorIDs(ctx context.Context, obsID, titleID, contentID, summaryID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE observations SET title_vector_id = ?, content_vector_id = ?, summary_vector_id = ?
		WHERE id = ?`, titleID, contentID, summaryID, obsID)
	return err
}

// SetCluster backfills the cluster assignment.
func (s *ObservationStore) SetCluster(ctx context.Context, obsID, clusterID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE observations SET cluster_id = ? WHERE id = ?`, clusterID, obsID)
	return err
}

// Get returns one observation by id, or ErrNotFound.
func (s *ObservationStore) Get(ctx context.Context, id string) (*model.Observation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, occurred_at, captured_at, actor_id, observation_type,
			title, content, topics, significance_score, source, source_type, source_id,
			source_refs, title_vector_id, content_vector_id, summary_vector_id, cluster_id
		FROM observations WHERE id = ?`, id)
	obs, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: observation %s", model.ErrNotFound, id)
	}
	return obs, err
}

// RecentSameSourceCount counts observations from the same source captured in
// the workspace since the cutoff. Feeds the temporal-uniqueness factor.
func (s *ObservationStore) RecentSameSourceCount(ctx context.Context, workspaceID, source string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM observations
		WHERE workspace_id = ? AND source = ? AND captured_at >= ?`,
		workspaceID, source, since).Scan(&count)
	return count, err
}

// ByActorSince returns the actor's observations newer than the cutoff,
// most recent first, capped at limit.
func (s *ObservationStore) ByActorSince(ctx context.Context, workspaceID, actorID string, since time.Time, limit int) ([]*model.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, occurred_at, captured_at, actor_id, observation_type,
			title, content, topics, significance_score, source, source_type, source_id,
			source_refs, title_vector_id, content_vector_id, summary_vector_id, cluster_id
		FROM observations
		WHERE workspace_id = ? AND actor_id = ? AND occurred_at >= ?
		ORDER BY occurred_at DESC LIMIT ?`,
		workspaceID, actorID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			continue
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// CountByCluster returns the live member count for a cluster.
func (s *ObservationStore) CountByCluster(ctx context.Context, clusterID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations WHERE cluster_id = ?`, clusterID).Scan(&count)
	return count, err
}

// TitlesByCluster returns member observation titles, newest first.
func (s *ObservationStore) TitlesByCluster(ctx context.Context, clusterID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT title FROM observations WHERE cluster_id = ? ORDER BY occurred_at DESC LIMIT ?`,
		clusterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}

// WorkspaceStats holds per-workspace aggregate counts for the status command.
type WorkspaceStats struct {
	Observations int `json:"observations"`
	Entities     int `json:"entities"`
	Clusters     int `json:"clusters"`
	Profiles     int `json:"profiles"`
}

// Stats returns aggregate counts for one workspace.
func (s *ObservationStore) Stats(ctx context.Context, workspaceID string) (WorkspaceStats, error) {
	var st WorkspaceStats
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations WHERE workspace_id = ?`, workspaceID).Scan(&st.Observations)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE workspace_id = ?`, workspaceID).Scan(&st.Entities)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clusters WHERE workspace_id = ?`, workspaceID).Scan(&st.Clusters)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actor_profiles WHERE workspace_id = ?`, workspaceID).Scan(&st.Profiles)
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (*model.Observation, error) {
	var obs model.Observation
	var actorID, titleVec, contentVec, summaryVec, clusterID sql.NullString
	var topics, refs string
	err := row.Scan(&obs.ID, &obs.WorkspaceID, &obs.OccurredAt, &obs.CapturedAt, &actorID,
		&obs.ObservationType, &obs.Title, &obs.Content, &topics, &obs.SignificanceScore,
		&obs.Source, &obs.SourceType, &obs.SourceID, &refs,
		&titleVec, &contentVec, &summaryVec, &clusterID)
	if err != nil {
		return nil, err
	}
	obs.ActorID = actorID.String
	obs.TitleVectorID = titleVec.String
	obs.ContentVectorID = contentVec.String
	obs.SummaryVectorID = summaryVec.String
	obs.ClusterID = clusterID.String
	_ = json.Unmarshal([]byte(topics), &obs.Topics)
	_ = json.Unmarshal([]byte(refs), &obs.SourceReferences)
	return &obs, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
