package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lightfastai/lightfast-sub011/internal/model"
	"github.com/lightfastai/lightfast-sub011/internal/vector"
)

// Affinity scoring weights and windows.
const (
	pointsPerTopic  = 15.0
	maxTopicPoints  = 40.0
	pointsPerEntity = 10.0
	maxEntityPoints = 30.0
	actorPoints     = 20.0
	maxTemporal     = 10.0

	temporalWindow  = 60 * time.Hour
	candidateWindow = 7 * 24 * time.Hour
	candidateLimit  = 10
)

// Assignment is the outcome of assigning one observation.
type Assignment struct {
	ClusterID string
	Affinity  float64
	IsNew     bool
}

// Assigner places observations into the best-matching open cluster, or
// seeds a new one when nothing clears the affinity threshold.
type Assigner struct {
	store     *Store
	vectors   vector.Store
	threshold float64
}

// NewAssigner creates an Assigner. threshold is the minimum affinity for
// joining an existing cluster.
func NewAssigner(store *Store, vectors vector.Store, threshold int) *Assigner {
	if threshold <= 0 {
		threshold = 60
	}
	return &Assigner{store: store, vectors: vectors, threshold: float64(threshold)}
}

// Affinity computes the observation↔cluster affinity score: topic overlap,
// entity overlap, actor membership, and temporal decay over the cluster's
// last activity.
func Affinity(c *model.ObservationCluster, topics, entityKeys []string, actorID string, now time.Time) float64 {
	var score float64

	topicScore := pointsPerTopic * float64(overlap(topics, c.Keywords))
	if topicScore > maxTopicPoints {
		topicScore = maxTopicPoints
	}
	score += topicScore

	entityScore := pointsPerEntity * float64(overlap(entityKeys, c.PrimaryEntities))
	if entityScore > maxEntityPoints {
		entityScore = maxEntityPoints
	}
	score += entityScore

	if actorID != "" && contains(c.PrimaryActors, actorID) {
		score += actorPoints
	}

	elapsed := now.Sub(c.LastObservationAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed < temporalWindow {
		score += maxTemporal * (1 - float64(elapsed)/float64(temporalWindow))
	}

	return score
}

// Assign finds or creates the cluster for an observation. contentVec seeds
// the centroid when a new cluster is created; it may be nil when embedding
// failed, in which case the centroid upsert is skipped.
func (a *Assigner) Assign(ctx context.Context, obs *model.Observation, entityKeys []string, contentVec []float32) (*Assignment, error) {
	now := time.Now().UTC()

	candidates, err := a.store.Candidates(ctx, obs.WorkspaceID, now.Add(-candidateWindow), candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("candidate pool: %w", err)
	}

	var best *model.ObservationCluster
	var bestScore float64
	for _, c := range candidates {
		score := Affinity(c, obs.Topics, entityKeys, obs.ActorID, now)
		if score < a.threshold {
			continue
		}
		// Tie-break on most recent activity; candidates arrive sorted by
		// last_observation_at descending, so strict > keeps the newer one.
		if best == nil || score > bestScore {
			best = c
			bestScore = score
		}
	}

	if best != nil {
		if err := a.store.AddMember(ctx, best.ID, obs.OccurredAt, obs.Topics, entityKeys, obs.ActorID); err != nil {
			return nil, fmt.Errorf("add member: %w", err)
		}
		slog.Debug("Cluster assigned", "cluster", best.ID, "observation", obs.ID, "affinity", bestScore)
		return &Assignment{ClusterID: best.ID, Affinity: bestScore}, nil
	}

	return a.createFrom(ctx, obs, entityKeys, contentVec)
}

func (a *Assigner) createFrom(ctx context.Context, obs *model.Observation, entityKeys []string, contentVec []float32) (*Assignment, error) {
	label := obs.ObservationType
	if len(obs.Topics) > 0 {
		label = obs.Topics[0]
	}

	c := &model.ObservationCluster{
		ID:                 uuid.NewString(),
		WorkspaceID:        obs.WorkspaceID,
		TopicLabel:         label,
		Keywords:           obs.Topics,
		PrimaryEntities:    entityKeys,
		Status:             model.ClusterOpen,
		ObservationCount:   1,
		FirstObservationAt: obs.OccurredAt,
		LastObservationAt:  obs.OccurredAt,
	}
	if obs.ActorID != "" && obs.ActorID != model.SystemActorID {
		c.PrimaryActors = []string{obs.ActorID}
	}

	if err := a.store.Create(ctx, c); err != nil {
		return nil, err
	}

	if contentVec != nil {
		ns := vector.Namespace(obs.WorkspaceID, vector.KindClusters)
		if err := a.vectors.EnsureNamespace(ctx, ns); err == nil {
			err = a.vectors.Upsert(ctx, ns, []vector.Record{{
				ID:     "cluster:" + c.ID,
				Vector: contentVec,
				Payload: map[string]any{
					"cluster_id":   c.ID,
					"workspace_id": c.WorkspaceID,
					"topic_label":  c.TopicLabel,
				},
			}})
			if err != nil {
				slog.Warn("Cluster centroid upsert failed", "cluster", c.ID, "error", err)
			}
		}
	}

	slog.Debug("Cluster created", "cluster", c.ID, "observation", obs.ID, "label", label)
	return &Assignment{ClusterID: c.ID, Affinity: 100, IsNew: true}, nil
}

func overlap(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	n := 0
	for _, v := range a {
		if set[v] {
			n++
		}
	}
	return n
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
