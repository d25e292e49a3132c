// Package profile aggregates per-actor expertise and activity into
// ActorProfile rows. Recomputation is debounced per actor and replaces the
// whole row; nothing is patched incrementally.
package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lightfastai/lightfast-sub011/internal/entity"
	"github.com/lightfastai/lightfast-sub011/internal/model"
	"github.com/lightfastai/lightfast-sub011/internal/store"
	"github.com/lightfastai/lightfast-sub011/internal/vector"
)

// Aggregation windows and caps.
const (
	observationWindow = 90 * 24 * time.Hour
	observationCap    = 100
	centroidCap       = 50
	activeHoursCap    = 6
	collaboratorsCap  = 10
)

// Builder recomputes actor profiles from their recent observations.
type Builder struct {
	db       *sql.DB
	obs      *store.ObservationStore
	vectors  vector.Store
	debounce time.Duration
}

// NewBuilder creates a Builder. debounce is the minimum gap between
// recomputations for one actor (default 5 minutes).
func NewBuilder(db *sql.DB, obs *store.ObservationStore, vectors vector.Store, debounce time.Duration) *Builder {
	if debounce <= 0 {
		debounce = 5 * time.Minute
	}
	return &Builder{db: db, obs: obs, vectors: vectors, debounce: debounce}
}

// Rebuild recomputes the profile for one actor unless it was updated within
// the debounce window. Returns true if a recomputation ran.
func (b *Builder) Rebuild(ctx context.Context, workspaceID, actorID string) (bool, error) {
	if actorID == "" || actorID == model.SystemActorID {
		return false, nil
	}

	var updatedAt sql.NullTime
	err := b.db.QueryRowContext(ctx, `
		SELECT updated_at FROM actor_profiles WHERE workspace_id = ? AND actor_id = ?`,
		workspaceID, actorID).Scan(&updatedAt)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("debounce check: %w", err)
	}
	if updatedAt.Valid && time.Since(updatedAt.Time) < b.debounce {
		slog.Debug("Profile rebuild debounced", "workspace", workspaceID, "actor", actorID)
		return false, nil
	}

	observations, err := b.obs.ByActorSince(ctx, workspaceID, actorID,
		time.Now().UTC().Add(-observationWindow), observationCap)
	if err != nil {
		return false, fmt.Errorf("load observations: %w", err)
	}
	if len(observations) == 0 {
		return false, nil
	}

	p := aggregate(workspaceID, actorID, observations)

	if vecID, ok := b.profileCentroid(ctx, workspaceID, actorID, observations); ok {
		p.ProfileVectorID = vecID
	}

	if err := b.upsert(ctx, p); err != nil {
		return false, err
	}
	slog.Info("Actor profile rebuilt", "workspace", workspaceID, "actor", actorID,
		"observations", p.ObservationCount, "domains", len(p.ExpertiseDomains))
	return true, nil
}

// aggregate computes the histogram fields from the observation window.
func aggregate(workspaceID, actorID string, observations []*model.Observation) *model.ActorProfile {
	topicCounts := make(map[string]int)
	typeCounts := make(map[string]int)
	hourCounts := make(map[int]int)
	mentionCounts := make(map[string]int)

	var lastActive time.Time
	for _, obs := range observations {
		for _, t := range obs.Topics {
			topicCounts[t]++
		}
		typeCounts[obs.ObservationType]++
		hourCounts[obs.OccurredAt.UTC().Hour()]++
		for _, m := range entity.Mentions(obs.Title + "\n" + obs.Content) {
			mentionCounts[m]++
		}
		if obs.OccurredAt.After(lastActive) {
			lastActive = obs.OccurredAt
		}
	}

	return &model.ActorProfile{
		WorkspaceID:       workspaceID,
		ActorID:           actorID,
		ExpertiseDomains:  normalize(topicCounts),
		ContributionTypes: normalize(typeCounts),
		ActiveHours:       topHours(hourCounts, activeHoursCap),
		Collaborators:     topKeys(mentionCounts, collaboratorsCap),
		ObservationCount:  len(observations),
		LastActiveAt:      lastActive,
		UpdatedAt:         time.Now().UTC(),
	}
}

// profileCentroid computes the mean of the actor's most recent content-view
// vectors and upserts it as the profile embedding. Skipped entirely when no
// vectors are retrievable.
func (b *Builder) profileCentroid(ctx context.Context, workspaceID, actorID string, observations []*model.Observation) (string, bool) {
	var ids []string
	for _, obs := range observations {
		if obs.ContentVectorID != "" {
			ids = append(ids, obs.ContentVectorID)
		}
		if len(ids) >= centroidCap {
			break
		}
	}
	if len(ids) == 0 {
		return "", false
	}

	obsNS := vector.Namespace(workspaceID, vector.KindObservations)
	records, err := b.vectors.Fetch(ctx, obsNS, ids)
	if err != nil || len(records) == 0 {
		slog.Debug("Profile centroid skipped", "actor", actorID, "error", err)
		return "", false
	}

	centroid := meanVector(records)
	if centroid == nil {
		return "", false
	}

	profNS := vector.Namespace(workspaceID, vector.KindProfiles)
	vecID := "profile:" + actorID
	if err := b.vectors.EnsureNamespace(ctx, profNS); err != nil {
		return "", false
	}
	err = b.vectors.Upsert(ctx, profNS, []vector.Record{{
		ID:     vecID,
		Vector: centroid,
		Payload: map[string]any{
			"actor_id":     actorID,
			"workspace_id": workspaceID,
		},
	}})
	if err != nil {
		slog.Warn("Profile vector upsert failed", "actor", actorID, "error", err)
		return "", false
	}
	return vecID, true
}

// upsert fully replaces the profile row.
func (b *Builder) upsert(ctx context.Context, p *model.ActorProfile) error {
	expertise, _ := json.Marshal(p.ExpertiseDomains)
	contributions, _ := json.Marshal(p.ContributionTypes)
	hours, _ := json.Marshal(p.ActiveHours)
	collaborators, _ := json.Marshal(p.Collaborators)
	if p.Collaborators == nil {
		collaborators = []byte("[]")
	}
	if p.ActiveHours == nil {
		hours = []byte("[]")
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO actor_profiles (workspace_id, actor_id, expertise_domains,
			contribution_types, active_hours, collaborators, profile_vector_id,
			observation_count, last_active_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, actor_id) DO UPDATE SET
			expertise_domains = excluded.expertise_domains,
			contribution_types = excluded.contribution_types,
			active_hours = excluded.active_hours,
			collaborators = excluded.collaborators,
			profile_vector_id = excluded.profile_vector_id,
			observation_count = excluded.observation_count,
			last_active_at = excluded.last_active_at,
			updated_at = excluded.updated_at`,
		p.WorkspaceID, p.ActorID, string(expertise), string(contributions),
		string(hours), string(collaborators), nullableStr(p.ProfileVectorID),
		p.ObservationCount, p.LastActiveAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// Get returns one actor profile, or ErrNotFound.
func (b *Builder) Get(ctx context.Context, workspaceID, actorID string) (*model.ActorProfile, error) {
	return GetProfile(ctx, b.db, workspaceID, actorID)
}

// GetProfile loads one actor profile row.
func GetProfile(ctx context.Context, db *sql.DB, workspaceID, actorID string) (*model.ActorProfile, error) {
	var p model.ActorProfile
	var expertise, contributions, hours, collaborators string
	var vecID sql.NullString
	var lastActive sql.NullTime
	err := db.QueryRowContext(ctx, `
		SELECT workspace_id, actor_id, expertise_domains, contribution_types,
			active_hours, collaborators, profile_vector_id, observation_count,
			last_active_at, updated_at
		FROM actor_profiles WHERE workspace_id = ? AND actor_id = ?`,
		workspaceID, actorID).Scan(
		&p.WorkspaceID, &p.ActorID, &expertise, &contributions, &hours,
		&collaborators, &vecID, &p.ObservationCount, &lastActive, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: profile %s/%s", model.ErrNotFound, workspaceID, actorID)
	}
	if err != nil {
		return nil, err
	}
	p.ProfileVectorID = vecID.String
	if lastActive.Valid {
		p.LastActiveAt = lastActive.Time
	}
	_ = json.Unmarshal([]byte(expertise), &p.ExpertiseDomains)
	_ = json.Unmarshal([]byte(contributions), &p.ContributionTypes)
	_ = json.Unmarshal([]byte(hours), &p.ActiveHours)
	_ = json.Unmarshal([]byte(collaborators), &p.Collaborators)
	return &p, nil
}

func normalize(counts map[string]int) map[string]float64 {
	total := 0
	for _, n := range counts {
		total += n
	}
	out := make(map[string]float64, len(counts))
	if total == 0 {
		return out
	}
	for k, n := range counts {
		out[k] = float64(n) / float64(total)
	}
	return out
}

func topHours(counts map[int]int, limit int) []int {
	type hc struct{ hour, count int }
	all := make([]hc, 0, len(counts))
	for h, n := range counts {
		all = append(all, hc{h, n})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].hour < all[j].hour
	})
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]int, len(all))
	for i, v := range all {
		out[i] = v.hour
	}
	return out
}

func topKeys(counts map[string]int, limit int) []string {
	type kc struct {
		key   string
		count int
	}
	all := make([]kc, 0, len(counts))
	for k, n := range counts {
		all = append(all, kc{k, n})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].key < all[j].key
	})
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]string, len(all))
	for i, v := range all {
		out[i] = v.key
	}
	return out
}

func meanVector(records []vector.Record) []float32 {
	var dim int
	for _, r := range records {
		if len(r.Vector) > 0 {
			dim = len(r.Vector)
			break
		}
	}
	if dim == 0 {
		return nil
	}

	sum := make([]float64, dim)
	n := 0
	for _, r := range records {
		if len(r.Vector) != dim {
			continue
		}
		for i, v := range r.Vector {
			sum[i] += float64(v)
		}
		n++
	}
	if n == 0 {
		return nil
	}

	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(n))
	}
	return out
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
