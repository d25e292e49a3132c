// Package retrieval implements the read path: vector recall over the
// observation memory, parallel entity/cluster/actor fan-out, and an LLM
// precision filter with a deterministic fallback.
package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lightfastai/lightfast-sub011/internal/cluster"
	"github.com/lightfastai/lightfast-sub011/internal/embed"
	"github.com/lightfastai/lightfast-sub011/internal/entity"
	"github.com/lightfastai/lightfast-sub011/internal/model"
	"github.com/lightfastai/lightfast-sub011/internal/profile"
	"github.com/lightfastai/lightfast-sub011/internal/rater"
	"github.com/lightfastai/lightfast-sub011/internal/vector"
)

// Rating modes reported on the response.
const (
	RatingLLM         = "llm"         // Key 2 ran
	RatingPassthrough = "passthrough" // few candidates, LLM skipped
	RatingFallback    = "fallback"    // rating service failed, vector-only
)

// Score fusion weights and the passthrough cutoff.
const (
	relevanceWeight   = 0.6
	vectorWeight      = 0.4
	oversampleFactor  = 3
	passthroughCutoff = 5
)

// Options controls one search request.
type Options struct {
	TopK          int
	MinConfidence float64

	// Server-side metadata pre-filters for the Key-1 search.
	Source  string
	Type    string
	ActorID string
	After   time.Time
	Before  time.Time

	// Fan-out paths to skip. All run by default.
	SkipEntities bool
	SkipClusters bool
	SkipActors   bool
}

// ObservationMatch is one ranked Key-1 hit after fusion.
type ObservationMatch struct {
	ObservationID  string    `json:"observation_id"`
	Title          string    `json:"title"`
	Snippet        string    `json:"snippet"`
	Type           string    `json:"type"`
	Source         string    `json:"source"`
	ActorID        string    `json:"actor_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
	Topics         []string  `json:"topics,omitempty"`
	VectorScore    float64   `json:"vector_score"`
	RelevanceScore float64   `json:"relevance_score"`
	FinalScore     float64   `json:"final_score"`
	Reason         string    `json:"reason,omitempty"`
}

// ActorMatch is one actor-profile hit from the fan-out.
type ActorMatch struct {
	ActorID          string             `json:"actor_id"`
	Score            float64            `json:"score"`
	ExpertiseDomains map[string]float64 `json:"expertise_domains,omitempty"`
	ObservationCount int                `json:"observation_count"`
}

// Response is the fused search result. Degraded lists fan-out sections that
// failed or timed out; their result slices are empty, not missing.
type Response struct {
	Observations []ObservationMatch          `json:"observations"`
	Entities     []model.Entity              `json:"entities"`
	Clusters     []*model.ObservationCluster `json:"clusters"`
	ActorMatches []ActorMatch                `json:"actor_matches"`
	RatingMode   string                      `json:"rating_mode"`
	Degraded     []string                    `json:"degraded,omitempty"`
}

// Governor runs the two-key retrieval protocol.
type Governor struct {
	embedder embed.Embedder
	vectors  vector.Store
	entities *entity.Store
	clusters *cluster.Store
	db       *sql.DB
	rater    rater.RelevanceRater

	defaultTopK int
	deadline    time.Duration
}

// NewGovernor creates a Governor. rr may be nil; rating then always falls
// back to vector-only ranking.
func NewGovernor(e embed.Embedder, v vector.Store, ent *entity.Store, cl *cluster.Store, db *sql.DB, rr rater.RelevanceRater, defaultTopK int, deadline time.Duration) *Governor {
	if defaultTopK <= 0 {
		defaultTopK = 10
	}
	if deadline <= 0 {
		deadline = 2 * time.Second
	}
	return &Governor{
		embedder: e, vectors: v, entities: ent, clusters: cl, db: db, rater: rr,
		defaultTopK: defaultTopK, deadline: deadline,
	}
}

// Search answers a free-text query over the workspace's memory. Only a
// failure of the mandatory Key-1 vector path fails the request; every other
// path degrades to an empty section.
func (g *Governor) Search(ctx context.Context, workspaceID, query string, opts Options) (*Response, error) {
	if opts.TopK <= 0 {
		opts.TopK = g.defaultTopK
	}

	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	// One query embedding shared across all vector paths.
	vecs, err := g.embedder.Embed(ctx, []string{query}, embed.PurposeQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVec := vecs[0]

	resp := &Response{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	degrade := func(section string, err error) {
		mu.Lock()
		resp.Degraded = append(resp.Degraded, section)
		mu.Unlock()
		slog.Warn("Retrieval fan-out degraded", "section", section, "error", err)
	}

	if !opts.SkipEntities {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entities, err := g.entities.Search(ctx, workspaceID, query, opts.TopK)
			if err != nil {
				degrade("entities", err)
				return
			}
			mu.Lock()
			resp.Entities = entities
			mu.Unlock()
		}()
	}

	if !opts.SkipClusters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clusters, err := g.clusterFanout(ctx, workspaceID, queryVec, opts.TopK)
			if err != nil {
				degrade("clusters", err)
				return
			}
			mu.Lock()
			resp.Clusters = clusters
			mu.Unlock()
		}()
	}

	if !opts.SkipActors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			actors, err := g.actorFanout(ctx, workspaceID, queryVec, opts.TopK)
			if err != nil {
				degrade("actors", err)
				return
			}
			mu.Lock()
			resp.ActorMatches = actors
			mu.Unlock()
		}()
	}

	// Key 1 (mandatory): oversampled, filtered recall over observations.
	candidates, err := g.recall(ctx, workspaceID, queryVec, opts)
	if err != nil {
		wg.Wait()
		return nil, fmt.Errorf("vector recall: %w", err)
	}

	// Key 2: precision filter with deterministic fallback.
	ranked, mode := g.rank(ctx, query, candidates)

	var kept []ObservationMatch
	for _, m := range ranked {
		if m.FinalScore >= opts.MinConfidence {
			kept = append(kept, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].FinalScore > kept[j].FinalScore })
	if len(kept) > opts.TopK {
		kept = kept[:opts.TopK]
	}

	wg.Wait()

	resp.Observations = kept
	resp.RatingMode = mode
	return resp, nil
}

// recall runs the Key-1 vector search and collapses the three embedding
// views of each observation into one candidate carrying its best score.
func (g *Governor) recall(ctx context.Context, workspaceID string, queryVec []float32, opts Options) ([]ObservationMatch, error) {
	filter := vector.Filter{After: opts.After, Before: opts.Before}
	eq := map[string]string{}
	if opts.Source != "" {
		eq["source"] = opts.Source
	}
	if opts.Type != "" {
		eq["type"] = opts.Type
	}
	if opts.ActorID != "" {
		eq["actor_id"] = opts.ActorID
	}
	if len(eq) > 0 {
		filter.Equals = eq
	}

	ns := vector.Namespace(workspaceID, vector.KindObservations)
	results, err := g.vectors.Query(ctx, ns, queryVec, opts.TopK*oversampleFactor, filter)
	if err != nil {
		return nil, err
	}

	best := make(map[string]ObservationMatch)
	var order []string
	for _, r := range results {
		m := hydrateMatch(r)
		if m.ObservationID == "" {
			continue
		}
		if prev, ok := best[m.ObservationID]; ok {
			if m.VectorScore > prev.VectorScore {
				best[m.ObservationID] = m
			}
			continue
		}
		best[m.ObservationID] = m
		order = append(order, m.ObservationID)
	}

	out := make([]ObservationMatch, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out, nil
}

// rank applies the Key-2 precision filter. With passthroughCutoff or fewer
// candidates the LLM is skipped and the vector score stands. On rater
// failure the vector score also stands, tagged as a fallback.
func (g *Governor) rank(ctx context.Context, query string, candidates []ObservationMatch) ([]ObservationMatch, string) {
	passthrough := func(mode string) []ObservationMatch {
		out := make([]ObservationMatch, len(candidates))
		for i, m := range candidates {
			m.RelevanceScore = m.VectorScore
			m.FinalScore = m.VectorScore
			out[i] = m
		}
		return out
	}

	if len(candidates) <= passthroughCutoff {
		return passthrough(RatingPassthrough), RatingPassthrough
	}
	if g.rater == nil {
		return passthrough(RatingFallback), RatingFallback
	}

	summaries := make([]rater.Candidate, len(candidates))
	for i, m := range candidates {
		summaries[i] = rater.Candidate{
			ID:      m.ObservationID,
			Title:   m.Title,
			Snippet: m.Snippet,
			Type:    m.Type,
			Source:  m.Source,
			ActorID: m.ActorID,
		}
	}

	ratings, err := g.rater.Rate(ctx, query, summaries)
	if err != nil {
		slog.Warn("Relevance rating failed, using vector-only ranking", "error", err)
		return passthrough(RatingFallback), RatingFallback
	}

	byID := make(map[string]rater.Rating, len(ratings))
	for _, r := range ratings {
		byID[r.ID] = r
	}

	out := make([]ObservationMatch, len(candidates))
	for i, m := range candidates {
		if r, ok := byID[m.ObservationID]; ok {
			m.RelevanceScore = r.Relevance
			m.Reason = r.Reason
			m.FinalScore = relevanceWeight*r.Relevance + vectorWeight*m.VectorScore
		} else {
			// Unrated candidates keep the vector score.
			m.RelevanceScore = m.VectorScore
			m.FinalScore = m.VectorScore
		}
		out[i] = m
	}
	return out, RatingLLM
}

func (g *Governor) clusterFanout(ctx context.Context, workspaceID string, queryVec []float32, topK int) ([]*model.ObservationCluster, error) {
	ns := vector.Namespace(workspaceID, vector.KindClusters)
	results, err := g.vectors.Query(ctx, ns, queryVec, topK, vector.Filter{})
	if err != nil {
		return nil, err
	}

	var out []*model.ObservationCluster
	for _, r := range results {
		id, _ := r.Payload["cluster_id"].(string)
		if id == "" {
			continue
		}
		c, err := g.clusters.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (g *Governor) actorFanout(ctx context.Context, workspaceID string, queryVec []float32, topK int) ([]ActorMatch, error) {
	ns := vector.Namespace(workspaceID, vector.KindProfiles)
	results, err := g.vectors.Query(ctx, ns, queryVec, topK, vector.Filter{})
	if err != nil {
		return nil, err
	}

	var out []ActorMatch
	for _, r := range results {
		actorID, _ := r.Payload["actor_id"].(string)
		if actorID == "" {
			continue
		}
		m := ActorMatch{ActorID: actorID, Score: float64(r.Score)}
		if p, err := profile.GetProfile(ctx, g.db, workspaceID, actorID); err == nil {
			m.ExpertiseDomains = p.ExpertiseDomains
			m.ObservationCount = p.ObservationCount
		}
		out = append(out, m)
	}
	return out, nil
}

// hydrateMatch builds a match from vector-store metadata alone; no
// relational round-trip on the read path.
func hydrateMatch(r vector.Result) ObservationMatch {
	m := ObservationMatch{VectorScore: float64(r.Score)}
	m.ObservationID, _ = r.Payload["observation_id"].(string)
	m.Title, _ = r.Payload["title"].(string)
	m.Snippet, _ = r.Payload["snippet"].(string)
	m.Type, _ = r.Payload["type"].(string)
	m.Source, _ = r.Payload["source"].(string)
	m.ActorID, _ = r.Payload["actor_id"].(string)
	if ts, ok := r.Payload["occurred_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			m.OccurredAt = t
		}
	}
	if topics, ok := r.Payload["topics"].([]any); ok {
		for _, t := range topics {
			if s, ok := t.(string); ok {
				m.Topics = append(m.Topics, s)
			}
		}
	}
	return m
}
