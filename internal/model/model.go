// Package model defines the shared data model for the observation memory:
// canonical source events, observations, actor identities and profiles,
// entities, clusters, and bi-temporal state rows.
package model

import "time"

// SourceEvent is the canonical event shape at the ingestion boundary.
// Normalizers produce it from source-specific payloads.
type SourceEvent struct {
	Source     string            `json:"source"`     // "github", "linear", "vercel", "sentry"
	SourceType string            `json:"sourceType"` // e.g. "pull_request.merged"
	SourceID   string            `json:"sourceId"`   // unique within (workspace, source)
	Title      string            `json:"title"`
	Body       string            `json:"body,omitempty"`
	Actor      *EventActor       `json:"actor,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	References []EventReference  `json:"references,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EventActor identifies the acting user as known to the source system.
type EventActor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// EventReference links an event to a related artifact (issue, reviewer, commit).
type EventReference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	URL  string `json:"url,omitempty"`
}

// Observation is an atomic, immutable engineering event that cleared the
// significance gate. Unique per (workspaceID, source, sourceID).
type Observation struct {
	ID                string           `json:"id"`
	WorkspaceID       string           `json:"workspace_id"`
	OccurredAt        time.Time        `json:"occurred_at"`
	CapturedAt        time.Time        `json:"captured_at"`
	ActorID           string           `json:"actor_id,omitempty"`
	ObservationType   string           `json:"observation_type"`
	Title             string           `json:"title"`
	Content           string           `json:"content"`
	Topics            []string         `json:"topics,omitempty"`
	SignificanceScore int              `json:"significance_score"`
	Source            string           `json:"source"`
	SourceType        string           `json:"source_type"`
	SourceID          string           `json:"source_id"`
	SourceReferences  []EventReference `json:"source_references,omitempty"`
	TitleVectorID     string           `json:"title_vector_id,omitempty"`
	ContentVectorID   string           `json:"content_vector_id,omitempty"`
	SummaryVectorID   string           `json:"summary_vector_id,omitempty"`
	ClusterID         string           `json:"cluster_id,omitempty"`
}

// ActorIdentity maps one (source, sourceID) account to a canonical actor.
// Rows are append-only; remapping never overwrites an existing row.
type ActorIdentity struct {
	WorkspaceID     string    `json:"workspace_id"`
	Source          string    `json:"source"`
	SourceID        string    `json:"source_id"`
	CanonicalActor  string    `json:"canonical_actor_id"`
	SourceUsername  string    `json:"source_username,omitempty"`
	SourceEmail     string    `json:"source_email,omitempty"`
	MappingMethod   string    `json:"mapping_method"` // "exact", "email_match", "new_actor", "system"
	ConfidenceScore float64   `json:"confidence_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// SystemActorID is the reserved canonical actor for events with no actor.
const SystemActorID = "system"

// ActorProfile is the aggregated expertise/activity view of one canonical
// actor. Recomputed wholesale on a debounce; never patched incrementally.
type ActorProfile struct {
	WorkspaceID       string             `json:"workspace_id"`
	ActorID           string             `json:"actor_id"`
	ExpertiseDomains  map[string]float64 `json:"expertise_domains"`  // normalized topic histogram
	ContributionTypes map[string]float64 `json:"contribution_types"` // observation-type distribution
	ActiveHours       []int              `json:"active_hours"`       // top UTC hours
	Collaborators     []string           `json:"frequent_collaborators"`
	ProfileVectorID   string             `json:"profile_vector_id,omitempty"`
	ObservationCount  int                `json:"observation_count"`
	LastActiveAt      time.Time          `json:"last_active_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Entity is a deduplicated structured fact mined from observation text,
// keyed by (workspaceID, category, key).
type Entity struct {
	WorkspaceID     string    `json:"workspace_id"`
	Category        string    `json:"category"` // "endpoint", "env_var", "mention", "ticket", "file"
	Key             string    `json:"key"`
	Value           string    `json:"value"`
	Aliases         []string  `json:"aliases,omitempty"`
	OccurrenceCount int       `json:"occurrence_count"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	Confidence      float64   `json:"confidence"`
	SourceObsID     string    `json:"source_observation_id"`
}

// Cluster status values.
const (
	ClusterOpen   = "open"
	ClusterClosed = "closed"
)

// ObservationCluster groups topically related observations.
// ObservationCount always equals the live count of member observations.
type ObservationCluster struct {
	ID                 string    `json:"id"`
	WorkspaceID        string    `json:"workspace_id"`
	TopicLabel         string    `json:"topic_label"`
	Keywords           []string  `json:"keywords,omitempty"`
	PrimaryEntities    []string  `json:"primary_entities,omitempty"`
	PrimaryActors      []string  `json:"primary_actors,omitempty"`
	Status             string    `json:"status"` // open | closed
	Summary            string    `json:"summary,omitempty"`
	ObservationCount   int       `json:"observation_count"`
	FirstObservationAt time.Time `json:"first_observation_at"`
	LastObservationAt  time.Time `json:"last_observation_at"`
}

// TemporalState is one SCD2 version row for a tracked entity's state.
// At most one row per (workspace, entityType, entityID, stateType) has
// IsCurrent=true at any instant.
type TemporalState struct {
	ID               int64      `json:"id"`
	WorkspaceID      string     `json:"workspace_id"`
	EntityType       string     `json:"entity_type"`
	EntityID         string     `json:"entity_id"`
	StateType        string     `json:"state_type"`
	StateValue       string     `json:"state_value"`
	ValidFrom        time.Time  `json:"valid_from"`
	ValidTo          *time.Time `json:"valid_to,omitempty"`
	IsCurrent        bool       `json:"is_current"`
	ChangedByActorID string     `json:"changed_by_actor_id,omitempty"`
	SourceObsID      string     `json:"source_observation_id,omitempty"`
}
