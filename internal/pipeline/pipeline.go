// Package pipeline wires the ingestion write path: normalize, gate on
// significance, resolve the actor, classify, persist, then run the
// post-persist enrichment steps and fire deferred tasks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lightfastai/lightfast-sub011/internal/actor"
	"github.com/lightfastai/lightfast-sub011/internal/classify"
	"github.com/lightfastai/lightfast-sub011/internal/cluster"
	"github.com/lightfastai/lightfast-sub011/internal/embed"
	"github.com/lightfastai/lightfast-sub011/internal/entity"
	"github.com/lightfastai/lightfast-sub011/internal/model"
	"github.com/lightfastai/lightfast-sub011/internal/significance"
	"github.com/lightfastai/lightfast-sub011/internal/store"
	"github.com/lightfastai/lightfast-sub011/internal/tasks"
	"github.com/lightfastai/lightfast-sub011/internal/temporal"
)

// Ingest outcomes.
const (
	OutcomePersisted = "persisted"
	OutcomeDiscarded = "discarded" // below the significance threshold
	OutcomeDuplicate = "duplicate" // replayed (workspace, source, sourceID)
)

// Recent-activity window for the temporal significance factor.
const recentWindow = 30 * time.Minute

// Result reports what happened to one ingested event.
type Result struct {
	Outcome       string               `json:"outcome"`
	ObservationID string               `json:"observation_id,omitempty"`
	Significance  significance.Factors `json:"significance"`
	ClusterID     string               `json:"cluster_id,omitempty"`
	ClusterIsNew  bool                 `json:"cluster_is_new,omitempty"`
	EntityCount   int                  `json:"entity_count"`
}

// Pipeline is the ingestion write path. The embedder, assigner, tracker,
// and dispatcher are each optional; a missing stage degrades that
// enrichment, never the persist.
type Pipeline struct {
	observations *store.ObservationStore
	evaluator    *significance.Evaluator
	resolver     *actor.Resolver
	embedder     *embed.ObservationEmbedder
	entities     *entity.Store
	assigner     *cluster.Assigner
	tracker      *temporal.Tracker
	dispatcher   tasks.Dispatcher
}

// New creates a Pipeline.
func New(obs *store.ObservationStore, ev *significance.Evaluator, res *actor.Resolver,
	emb *embed.ObservationEmbedder, ent *entity.Store, asg *cluster.Assigner,
	trk *temporal.Tracker, disp tasks.Dispatcher) *Pipeline {
	return &Pipeline{
		observations: obs,
		evaluator:    ev,
		resolver:     res,
		embedder:     emb,
		entities:     ent,
		assigner:     asg,
		tracker:      trk,
		dispatcher:   disp,
	}
}

// Ingest runs one canonical event through the write path. Replay of an
// already-persisted (workspace, source, sourceID) is a no-op success.
func (p *Pipeline) Ingest(ctx context.Context, workspaceID string, ev *model.SourceEvent) (*Result, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("%w: workspace id is required", model.ErrValidation)
	}

	recent, err := p.observations.RecentSameSourceCount(ctx, workspaceID, ev.Source, time.Now().UTC().Add(-recentWindow))
	if err != nil {
		return nil, fmt.Errorf("count recent events: %w", err)
	}

	factors, err := p.evaluator.Evaluate(ev, recent)
	if errors.Is(err, model.ErrBelowThreshold) {
		slog.Debug("Event below significance threshold",
			"source", ev.Source, "source_type", ev.SourceType, "score", factors.Total())
		return &Result{Outcome: OutcomeDiscarded, Significance: factors}, nil
	}
	if err != nil {
		return nil, err
	}

	identity, err := p.resolver.Resolve(ctx, workspaceID, ev.Source, ev.Actor)
	if err != nil {
		return nil, fmt.Errorf("resolve actor: %w", err)
	}

	cls := classify.Classify(ev.Source, ev.SourceType, ev.Title, ev.Body)

	obs := &model.Observation{
		ID:                uuid.NewString(),
		WorkspaceID:       workspaceID,
		OccurredAt:        ev.OccurredAt,
		CapturedAt:        time.Now().UTC(),
		ActorID:           identity.CanonicalActor,
		ObservationType:   cls.ObservationType,
		Title:             ev.Title,
		Content:           ev.Body,
		Topics:            cls.Topics,
		SignificanceScore: factors.Total(),
		Source:            ev.Source,
		SourceType:        ev.SourceType,
		SourceID:          ev.SourceID,
		SourceReferences:  ev.References,
	}

	if err := p.observations.Insert(ctx, obs); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return &Result{Outcome: OutcomeDuplicate, Significance: factors}, nil
		}
		return nil, fmt.Errorf("persist observation: %w", err)
	}

	res := &Result{
		Outcome:       OutcomePersisted,
		ObservationID: obs.ID,
		Significance:  factors,
	}
	p.enrich(ctx, obs, ev.Metadata, res)
	p.dispatchTasks(ctx, obs, res)
	return res, nil
}

// enrich runs the post-persist steps. Each is independent: a failure is
// logged and the rest still run.
func (p *Pipeline) enrich(ctx context.Context, obs *model.Observation, metadata map[string]string, res *Result) {
	var contentVec []float32
	if p.embedder != nil {
		embedded, err := p.embedder.EmbedObservation(ctx, obs)
		if err != nil {
			slog.Warn("Observation embedding failed", "observation_id", obs.ID, "error", err)
		} else {
			contentVec = embedded.ContentVector
			if err := p.observations.SetVectorIDs(ctx, obs.ID, embedded.TitleID, embedded.ContentID, embedded.SummaryID); err != nil {
				slog.Warn("Recording vector ids failed", "observation_id", obs.ID, "error", err)
			}
		}
	}

	var entityKeys []string
	if p.entities != nil {
		extracted := entity.Extract(obs.WorkspaceID, obs.ID, obs.Title, obs.Content, obs.OccurredAt)
		if len(extracted) > 0 {
			if err := p.entities.Upsert(ctx, extracted); err != nil {
				slog.Warn("Entity upsert failed", "observation_id", obs.ID, "error", err)
			} else {
				res.EntityCount = len(extracted)
				for _, e := range extracted {
					entityKeys = append(entityKeys, e.Key)
				}
			}
		}
	}

	if p.assigner != nil {
		assignment, err := p.assigner.Assign(ctx, obs, entityKeys, contentVec)
		if err != nil {
			slog.Warn("Cluster assignment failed", "observation_id", obs.ID, "error", err)
		} else {
			if err := p.observations.SetCluster(ctx, obs.ID, assignment.ClusterID); err != nil {
				slog.Warn("Recording cluster id failed", "observation_id", obs.ID, "error", err)
			}
			obs.ClusterID = assignment.ClusterID
			res.ClusterID = assignment.ClusterID
			res.ClusterIsNew = assignment.IsNew
		}
	}

	if p.tracker != nil {
		p.tracker.ExtractFromObservation(ctx, obs, metadata)
	}
}

// dispatchTasks fires the fire-and-forget follow-up tasks.
func (p *Pipeline) dispatchTasks(ctx context.Context, obs *model.Observation, res *Result) {
	if p.dispatcher == nil {
		return
	}
	if obs.ActorID != "" && obs.ActorID != model.SystemActorID {
		err := p.dispatcher.Dispatch(ctx, tasks.Task{
			Category:    tasks.CategoryProfileUpdate,
			WorkspaceID: obs.WorkspaceID,
			ActorID:     obs.ActorID,
		})
		if err != nil {
			slog.Warn("Profile-update dispatch failed", "actor_id", obs.ActorID, "error", err)
		}
	}
	if res.ClusterID != "" {
		err := p.dispatcher.Dispatch(ctx, tasks.Task{
			Category:    tasks.CategoryClusterSummary,
			WorkspaceID: obs.WorkspaceID,
			ClusterID:   res.ClusterID,
		})
		if err != nil {
			slog.Warn("Cluster-summary dispatch failed", "cluster_id", res.ClusterID, "error", err)
		}
	}
}
