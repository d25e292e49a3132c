package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lightfastai/lightfast-sub011/internal/cluster"
	"github.com/lightfastai/lightfast-sub011/internal/embed"
	"github.com/lightfastai/lightfast-sub011/internal/entity"
	"github.com/lightfastai/lightfast-sub011/internal/model"
	"github.com/lightfastai/lightfast-sub011/internal/rater"
	"github.com/lightfastai/lightfast-sub011/internal/store"
	"github.com/lightfastai/lightfast-sub011/internal/vector"
)

// fixedEmbedder returns the same query vector for every input.
type fixedEmbedder struct {
	vec  []float32
	fail bool
}

func (f *fixedEmbedder) Embed(ctx context.Context, texts []string, purpose embed.Purpose) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("embedding service down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

type stubRater struct {
	ratings []rater.Rating
	err     error
	calls   int
}

func (s *stubRater) Rate(ctx context.Context, query string, candidates []rater.Candidate) ([]rater.Rating, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.ratings, nil
}

// flakyStore fails queries against one namespace and delegates the rest.
type flakyStore struct {
	vector.Store
	failNS string
}

func (f *flakyStore) Query(ctx context.Context, namespace string, vec []float32, topK int, filter vector.Filter) ([]vector.Result, error) {
	if namespace == f.failNS {
		return nil, errors.New("backend unavailable")
	}
	return f.Store.Query(ctx, namespace, vec, topK, filter)
}

type fixture struct {
	db       *sql.DB
	vectors  vector.Store
	entities *entity.Store
	clusters *cluster.Store
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(store.Schema); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return &fixture{
		db:       db,
		vectors:  vector.NewSQLiteStore(db, 3),
		entities: entity.NewStore(db),
		clusters: cluster.NewStore(db),
	}
}

func (f *fixture) governor(rr rater.RelevanceRater) *Governor {
	e := &fixedEmbedder{vec: []float32{1, 0, 0}}
	return NewGovernor(e, f.vectors, f.entities, f.clusters, f.db, rr, 10, 2*time.Second)
}

// seedView stores one embedding view with full hydration metadata.
func (f *fixture) seedView(t *testing.T, obsID, view string, vec []float32, source string) {
	t.Helper()
	ns := vector.Namespace("ws-1", vector.KindObservations)
	if err := f.vectors.EnsureNamespace(context.Background(), ns); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	err := f.vectors.Upsert(context.Background(), ns, []vector.Record{{
		ID:     "obs:" + obsID + ":" + view,
		Vector: vec,
		Payload: map[string]any{
			"observation_id": obsID,
			"workspace_id":   "ws-1",
			"type":           "code_change",
			"source":         source,
			"source_type":    "pull_request.merged",
			"actor_id":       "actor-1",
			"occurred_at":    now.Format(time.RFC3339),
			"occurred_at_ts": now.Unix(),
			"title":          "Observation " + obsID,
			"snippet":        "snippet for " + obsID,
			"topics":         []any{"api"},
			"view":           view,
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
}

// seedObs seeds one content view whose cosine score against the fixed
// query vector [1,0,0] is the given value.
func (f *fixture) seedObs(t *testing.T, obsID string, score float64) {
	t.Helper()
	// cos([1,0,0], [s, sqrt(1-s^2), 0]) = s for unit vectors.
	y := float32(math.Sqrt(1 - score*score))
	f.seedView(t, obsID, embed.ViewContent, []float32{float32(score), y, 0}, "github")
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-3 }

func TestSearchPassthroughFewCandidates(t *testing.T) {
	f := setupFixture(t)
	f.seedObs(t, "o1", 0.9)
	f.seedObs(t, "o2", 0.7)
	f.seedObs(t, "o3", 0.5)

	rr := &stubRater{err: errors.New("should not be called")}
	g := f.governor(rr)

	resp, err := g.Search(context.Background(), "ws-1", "auth fix", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.RatingMode != RatingPassthrough {
		t.Errorf("rating mode = %q, want passthrough", resp.RatingMode)
	}
	if rr.calls != 0 {
		t.Errorf("rater called %d times for a passthrough search", rr.calls)
	}
	if len(resp.Observations) != 3 {
		t.Fatalf("got %d observations", len(resp.Observations))
	}
	for i, m := range resp.Observations {
		if !near(m.FinalScore, m.VectorScore) {
			t.Errorf("obs[%d] final %v != vector %v", i, m.FinalScore, m.VectorScore)
		}
		if i > 0 && m.FinalScore > resp.Observations[i-1].FinalScore {
			t.Errorf("results not sorted at %d", i)
		}
	}
	if resp.Observations[0].ObservationID != "o1" {
		t.Errorf("best hit = %s, want o1", resp.Observations[0].ObservationID)
	}
}

func TestSearchLLMFusion(t *testing.T) {
	f := setupFixture(t)
	scores := []float64{0.95, 0.9, 0.85, 0.8, 0.75, 0.7}
	for i, s := range scores {
		f.seedObs(t, fmt.Sprintf("o%d", i+1), s)
	}

	// The rater inverts the vector order: the weakest vector hit is the
	// most relevant answer.
	rr := &stubRater{ratings: []rater.Rating{
		{ID: "o6", Relevance: 1.0, Reason: "direct answer"},
		{ID: "o1", Relevance: 0.1, Reason: "unrelated"},
	}}
	g := f.governor(rr)

	resp, err := g.Search(context.Background(), "ws-1", "what broke the deploy", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.RatingMode != RatingLLM {
		t.Fatalf("rating mode = %q, want llm", resp.RatingMode)
	}
	if rr.calls != 1 {
		t.Errorf("rater calls = %d", rr.calls)
	}

	byID := map[string]ObservationMatch{}
	for _, m := range resp.Observations {
		byID[m.ObservationID] = m
	}

	o6 := byID["o6"]
	if !near(o6.FinalScore, 0.6*1.0+0.4*o6.VectorScore) {
		t.Errorf("o6 fused score = %v (vector %v)", o6.FinalScore, o6.VectorScore)
	}
	if o6.Reason != "direct answer" {
		t.Errorf("o6 reason = %q", o6.Reason)
	}
	// Unrated candidates keep their vector score.
	o3 := byID["o3"]
	if !near(o3.FinalScore, o3.VectorScore) {
		t.Errorf("unrated o3 final = %v, vector = %v", o3.FinalScore, o3.VectorScore)
	}
	// o6 (0.6 + 0.4*0.7 = 0.88) must now outrank o1 (0.6*0.1 + 0.4*0.95 = 0.44).
	if resp.Observations[0].ObservationID == "o1" {
		t.Error("down-rated candidate still ranked first")
	}
	for i := 1; i < len(resp.Observations); i++ {
		if resp.Observations[i].FinalScore > resp.Observations[i-1].FinalScore {
			t.Errorf("results not sorted at %d", i)
		}
	}
}

func TestSearchFallbackOnRaterFailure(t *testing.T) {
	f := setupFixture(t)
	for i := 0; i < 6; i++ {
		f.seedObs(t, fmt.Sprintf("o%d", i+1), 0.9-float64(i)*0.05)
	}

	g := f.governor(&stubRater{err: errors.New("overloaded")})
	resp, err := g.Search(context.Background(), "ws-1", "q", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.RatingMode != RatingFallback {
		t.Errorf("rating mode = %q, want fallback", resp.RatingMode)
	}
	for _, m := range resp.Observations {
		if !near(m.FinalScore, m.VectorScore) {
			t.Errorf("%s: final %v != vector %v", m.ObservationID, m.FinalScore, m.VectorScore)
		}
	}
}

func TestSearchFallbackNilRater(t *testing.T) {
	f := setupFixture(t)
	for i := 0; i < 6; i++ {
		f.seedObs(t, fmt.Sprintf("o%d", i+1), 0.9-float64(i)*0.05)
	}

	g := f.governor(nil)
	resp, err := g.Search(context.Background(), "ws-1", "q", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.RatingMode != RatingFallback {
		t.Errorf("rating mode = %q, want fallback", resp.RatingMode)
	}
}

func TestSearchCollapsesViews(t *testing.T) {
	f := setupFixture(t)
	f.seedView(t, "o1", embed.ViewTitle, []float32{1, 0, 0}, "github")
	f.seedView(t, "o1", embed.ViewContent, []float32{0, 1, 0}, "github")
	f.seedView(t, "o1", embed.ViewSummary, []float32{1, 1, 0}, "github")

	g := f.governor(nil)
	resp, err := g.Search(context.Background(), "ws-1", "q", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Observations) != 1 {
		t.Fatalf("got %d observations, want views collapsed to 1", len(resp.Observations))
	}
	// Title view matches the query vector exactly.
	if !near(resp.Observations[0].VectorScore, 1.0) {
		t.Errorf("kept score %v, want the best view's 1.0", resp.Observations[0].VectorScore)
	}
}

func TestSearchMinConfidence(t *testing.T) {
	f := setupFixture(t)
	f.seedObs(t, "strong", 0.9)
	f.seedObs(t, "weak", 0.1)

	g := f.governor(nil)
	resp, err := g.Search(context.Background(), "ws-1", "q", Options{MinConfidence: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Observations) != 1 || resp.Observations[0].ObservationID != "strong" {
		t.Errorf("observations = %+v, want only the strong hit", resp.Observations)
	}
}

func TestSearchTopKTruncation(t *testing.T) {
	f := setupFixture(t)
	for i := 0; i < 8; i++ {
		f.seedObs(t, fmt.Sprintf("o%d", i+1), 0.9-float64(i)*0.05)
	}

	g := f.governor(nil)
	resp, err := g.Search(context.Background(), "ws-1", "q", Options{TopK: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Observations) != 2 {
		t.Fatalf("got %d observations, want 2", len(resp.Observations))
	}
	if resp.Observations[0].ObservationID != "o1" || resp.Observations[1].ObservationID != "o2" {
		t.Errorf("kept %s, %s", resp.Observations[0].ObservationID, resp.Observations[1].ObservationID)
	}
}

func TestSearchSourceFilter(t *testing.T) {
	f := setupFixture(t)
	f.seedView(t, "gh", embed.ViewContent, []float32{1, 0, 0}, "github")
	f.seedView(t, "ln", embed.ViewContent, []float32{1, 0, 0}, "linear")

	g := f.governor(nil)
	resp, err := g.Search(context.Background(), "ws-1", "q", Options{Source: "github"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Observations) != 1 || resp.Observations[0].ObservationID != "gh" {
		t.Errorf("observations = %+v, want only the github hit", resp.Observations)
	}
}

func TestSearchDegradedClusterFanout(t *testing.T) {
	f := setupFixture(t)
	f.seedObs(t, "o1", 0.9)

	flaky := &flakyStore{Store: f.vectors, failNS: vector.Namespace("ws-1", vector.KindClusters)}
	e := &fixedEmbedder{vec: []float32{1, 0, 0}}
	g := NewGovernor(e, flaky, f.entities, f.clusters, f.db, nil, 10, 2*time.Second)

	resp, err := g.Search(context.Background(), "ws-1", "q", Options{})
	if err != nil {
		t.Fatalf("degraded fan-out must not fail the request: %v", err)
	}
	if len(resp.Observations) != 1 {
		t.Errorf("got %d observations", len(resp.Observations))
	}
	found := false
	for _, s := range resp.Degraded {
		if s == "clusters" {
			found = true
		}
	}
	if !found {
		t.Errorf("degraded = %v, want clusters listed", resp.Degraded)
	}
	if len(resp.Clusters) != 0 {
		t.Errorf("degraded section returned %d clusters", len(resp.Clusters))
	}
}

func TestSearchFanoutSections(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	f.seedObs(t, "o1", 0.9)

	err := f.entities.Upsert(ctx, []model.Entity{{
		WorkspaceID: "ws-1", Category: "endpoint", Key: "post /api/v1/charges",
		Value: "POST /api/v1/charges", FirstSeenAt: time.Now().UTC(),
		LastSeenAt: time.Now().UTC(), Confidence: 0.9, SourceObsID: "o1",
	}})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	err = f.clusters.Create(ctx, &model.ObservationCluster{
		ID: "cl-1", WorkspaceID: "ws-1", TopicLabel: "api",
		Status: model.ClusterOpen, ObservationCount: 1,
		FirstObservationAt: now, LastObservationAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	clNS := vector.Namespace("ws-1", vector.KindClusters)
	if err := f.vectors.EnsureNamespace(ctx, clNS); err != nil {
		t.Fatal(err)
	}
	err = f.vectors.Upsert(ctx, clNS, []vector.Record{{
		ID: "cluster:cl-1", Vector: []float32{1, 0, 0},
		Payload: map[string]any{"cluster_id": "cl-1", "workspace_id": "ws-1"},
	}})
	if err != nil {
		t.Fatal(err)
	}

	profNS := vector.Namespace("ws-1", vector.KindProfiles)
	if err := f.vectors.EnsureNamespace(ctx, profNS); err != nil {
		t.Fatal(err)
	}
	err = f.vectors.Upsert(ctx, profNS, []vector.Record{{
		ID: "profile:actor-1", Vector: []float32{1, 0, 0},
		Payload: map[string]any{"actor_id": "actor-1", "workspace_id": "ws-1"},
	}})
	if err != nil {
		t.Fatal(err)
	}

	g := f.governor(nil)
	resp, err := g.Search(ctx, "ws-1", "charges", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Degraded) != 0 {
		t.Errorf("degraded = %v", resp.Degraded)
	}
	if len(resp.Entities) != 1 || resp.Entities[0].Key != "post /api/v1/charges" {
		t.Errorf("entities = %+v", resp.Entities)
	}
	if len(resp.Clusters) != 1 || resp.Clusters[0].ID != "cl-1" {
		t.Errorf("clusters = %+v", resp.Clusters)
	}
	if len(resp.ActorMatches) != 1 || resp.ActorMatches[0].ActorID != "actor-1" {
		t.Errorf("actor matches = %+v", resp.ActorMatches)
	}
}

func TestSearchEmbedFailure(t *testing.T) {
	f := setupFixture(t)
	g := NewGovernor(&fixedEmbedder{fail: true}, f.vectors, f.entities, f.clusters, f.db, nil, 10, time.Second)
	if _, err := g.Search(context.Background(), "ws-1", "q", Options{}); err == nil {
		t.Fatal("expected error when query embedding fails")
	}
}
