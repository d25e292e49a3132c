package embed

import (
	"context"
	"fmt"

	"github.com/lightfastai/lightfast-sub011/internal/model"
	"github.com/lightfastai/lightfast-sub011/internal/vector"
)

// Embedding views per observation.
const (
	ViewTitle   = "title"
	ViewContent = "content"
	ViewSummary = "summary"

	summaryContentLimit = 512
	snippetLimit        = 240
)

// ViewID returns the deterministic vector id for one observation view,
// e.g. "obs:1234:title". Re-embedding overwrites, never duplicates.
func ViewID(observationID, view string) string {
	return fmt.Sprintf("obs:%s:%s", observationID, view)
}

// ObservationEmbedder produces the three embedding views for an observation
// and upserts them into the workspace's observations namespace.
type ObservationEmbedder struct {
	embedder Embedder
	vectors  vector.Store
}

// NewObservationEmbedder creates an ObservationEmbedder.
func NewObservationEmbedder(e Embedder, v vector.Store) *ObservationEmbedder {
	return &ObservationEmbedder{embedder: e, vectors: v}
}

// Embedded reports the stored view ids and the raw content vector, which
// callers reuse as a cluster centroid seed.
type Embedded struct {
	TitleID       string
	ContentID     string
	SummaryID     string
	ContentVector []float32
}

// EmbedObservation embeds the title, content, and summary views in one batch
// and upserts them with hydration metadata.
func (oe *ObservationEmbedder) EmbedObservation(ctx context.Context, obs *model.Observation) (*Embedded, error) {
	summary := obs.Title
	if obs.Content != "" {
		summary += "\n" + truncate(obs.Content, summaryContentLimit)
	}

	texts := []string{obs.Title, obs.Content, summary}
	if obs.Content == "" {
		texts[1] = obs.Title // never embed an empty string
	}

	vecs, err := oe.embedder.Embed(ctx, texts, PurposeDocument)
	if err != nil {
		return nil, err
	}

	ns := vector.Namespace(obs.WorkspaceID, vector.KindObservations)
	if err := oe.vectors.EnsureNamespace(ctx, ns); err != nil {
		return nil, err
	}

	payload := hydrationPayload(obs)
	views := []string{ViewTitle, ViewContent, ViewSummary}
	records := make([]vector.Record, len(views))
	for i, view := range views {
		p := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			p[k] = v
		}
		p["view"] = view
		records[i] = vector.Record{
			ID:      ViewID(obs.ID, view),
			Vector:  vecs[i],
			Payload: p,
		}
	}
	if err := oe.vectors.Upsert(ctx, ns, records); err != nil {
		return nil, err
	}

	return &Embedded{
		TitleID:       ViewID(obs.ID, ViewTitle),
		ContentID:     ViewID(obs.ID, ViewContent),
		SummaryID:     ViewID(obs.ID, ViewSummary),
		ContentVector: vecs[1],
	}, nil
}

// hydrationPayload carries enough metadata to build a search hit without a
// relational round-trip.
func hydrationPayload(obs *model.Observation) map[string]any {
	topics := make([]any, len(obs.Topics))
	for i, t := range obs.Topics {
		topics[i] = t
	}
	return map[string]any{
		"observation_id": obs.ID,
		"workspace_id":   obs.WorkspaceID,
		"type":           obs.ObservationType,
		"source":         obs.Source,
		"source_type":    obs.SourceType,
		"actor_id":       obs.ActorID,
		"occurred_at":    obs.OccurredAt.Format("2006-01-02T15:04:05Z07:00"),
		"occurred_at_ts": obs.OccurredAt.Unix(),
		"title":          obs.Title,
		"snippet":        truncate(obs.Content, snippetLimit),
		"topics":         topics,
		"significance":   obs.SignificanceScore,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
