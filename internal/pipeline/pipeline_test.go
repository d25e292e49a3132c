package pipeline

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lightfastai/lightfast-sub011/internal/actor"
	"github.com/lightfastai/lightfast-sub011/internal/cluster"
	"github.com/lightfastai/lightfast-sub011/internal/embed"
	"github.com/lightfastai/lightfast-sub011/internal/entity"
	"github.com/lightfastai/lightfast-sub011/internal/model"
	"github.com/lightfastai/lightfast-sub011/internal/significance"
	"github.com/lightfastai/lightfast-sub011/internal/store"
	"github.com/lightfastai/lightfast-sub011/internal/tasks"
	"github.com/lightfastai/lightfast-sub011/internal/temporal"
	"github.com/lightfastai/lightfast-sub011/internal/vector"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, texts []string, purpose embed.Purpose) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func setupDB(t *testing.T) *sql.DB {
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
	return db
}

// fullPipeline wires every stage against one in-memory database.
func fullPipeline(t *testing.T, disp tasks.Dispatcher) (*Pipeline, *sql.DB) {
	t.Helper()
	db := setupDB(t)
	obs := store.NewObservationStore(db)
	vs := vector.NewSQLiteStore(db, 3)
	return New(
		obs,
		significance.NewEvaluator(0),
		actor.NewResolver(db),
		embed.NewObservationEmbedder(stubEmbedder{}, vs),
		entity.NewStore(db),
		cluster.NewAssigner(cluster.NewStore(db), vs, 0),
		temporal.NewTracker(db),
		disp,
	), db
}

func mergedPREvent(sourceID string) *model.SourceEvent {
	return &model.SourceEvent{
		Source:     "github",
		SourceType: "pull_request.merged",
		SourceID:   sourceID,
		Title:      "[PR Merged] Fix OAuth token refresh in the session API",
		Body: "Token refresh failed when the session expired mid-request. " +
			"Fixes #342 and unblocks the payments rollout tracked in ENG-2041. " +
			"Reviewed by @sarah.",
		Actor:      &model.EventActor{ID: "u-100", Name: "jordan", Email: "jordan@acme.dev"},
		OccurredAt: time.Now().UTC().Add(-10 * time.Minute),
		References: []model.EventReference{
			{Type: "issue", ID: "342"},
			{Type: "ticket", ID: "ENG-2041"},
		},
		Metadata: map[string]string{"target_branch": "main", "repository": "acme/api"},
	}
}

func thinEvent() *model.SourceEvent {
	return &model.SourceEvent{
		Source:     "github",
		SourceType: "watch.started",
		SourceID:   "watch-1",
		Title:      "starred",
		OccurredAt: time.Now().UTC(),
	}
}

func TestIngestPersistsSignificantEvent(t *testing.T) {
	ctx := context.Background()
	p, db := fullPipeline(t, nil)

	res, err := p.Ingest(ctx, "ws-1", mergedPREvent("acme/api/pull/812/merged"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Outcome != OutcomePersisted {
		t.Fatalf("outcome = %q, want persisted", res.Outcome)
	}
	if res.ObservationID == "" {
		t.Fatal("no observation id")
	}

	stored, err := p.observations.Get(ctx, res.ObservationID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ObservationType != "code_change" {
		t.Errorf("observation type = %q", stored.ObservationType)
	}
	if stored.ActorID == "" || stored.ActorID == model.SystemActorID {
		t.Errorf("actor id = %q, want a resolved canonical actor", stored.ActorID)
	}
	if stored.SignificanceScore < 60 {
		t.Errorf("significance = %d, want >= 60", stored.SignificanceScore)
	}

	// Enrichment ran: vectors recorded, entities extracted, cluster assigned.
	if stored.ContentVectorID == "" {
		t.Error("content vector id not recorded")
	}
	if res.EntityCount == 0 {
		t.Error("no entities extracted")
	}
	if res.ClusterID == "" || !res.ClusterIsNew {
		t.Errorf("cluster = %q isNew=%v, want a fresh cluster", res.ClusterID, res.ClusterIsNew)
	}
	if stored.ClusterID != res.ClusterID {
		t.Errorf("stored cluster %q != result cluster %q", stored.ClusterID, res.ClusterID)
	}

	var identities int
	if err := db.QueryRow(`SELECT COUNT(*) FROM actor_identities WHERE workspace_id = 'ws-1'`).Scan(&identities); err != nil {
		t.Fatal(err)
	}
	if identities == 0 {
		t.Error("actor identity not recorded")
	}
}

func TestIngestDiscardsBelowThreshold(t *testing.T) {
	p, db := fullPipeline(t, nil)

	res, err := p.Ingest(context.Background(), "ws-1", thinEvent())
	if err != nil {
		t.Fatalf("discard must be a non-error outcome: %v", err)
	}
	if res.Outcome != OutcomeDiscarded {
		t.Fatalf("outcome = %q, want discarded", res.Outcome)
	}
	if res.ObservationID != "" {
		t.Error("discarded event got an observation id")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM observations`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("%d observations persisted for a discarded event", count)
	}
}

func TestIngestReplayIsDuplicate(t *testing.T) {
	ctx := context.Background()
	p, db := fullPipeline(t, nil)

	first, err := p.Ingest(ctx, "ws-1", mergedPREvent("acme/api/pull/812/merged"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Ingest(ctx, "ws-1", mergedPREvent("acme/api/pull/812/merged"))
	if err != nil {
		t.Fatalf("replay must be a non-error outcome: %v", err)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %q, want duplicate", second.Outcome)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM observations`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("%d observations after replay, want 1", count)
	}
	if _, err := p.observations.Get(ctx, first.ObservationID); err != nil {
		t.Errorf("original observation gone after replay: %v", err)
	}
}

func TestIngestRequiresWorkspace(t *testing.T) {
	p, _ := fullPipeline(t, nil)
	if _, err := p.Ingest(context.Background(), "", mergedPREvent("x")); err == nil {
		t.Fatal("expected validation error for empty workspace")
	}
}

func TestIngestWithoutEnrichmentStages(t *testing.T) {
	db := setupDB(t)
	p := New(
		store.NewObservationStore(db),
		significance.NewEvaluator(0),
		actor.NewResolver(db),
		nil, nil, nil, nil, nil,
	)

	res, err := p.Ingest(context.Background(), "ws-1", mergedPREvent("acme/api/pull/900/merged"))
	if err != nil {
		t.Fatalf("minimal pipeline: %v", err)
	}
	if res.Outcome != OutcomePersisted {
		t.Fatalf("outcome = %q", res.Outcome)
	}
	if res.ClusterID != "" || res.EntityCount != 0 {
		t.Errorf("enrichment results without enrichment stages: %+v", res)
	}
}

func TestIngestDispatchesTasks(t *testing.T) {
	disp := tasks.NewQueueDispatcher(10)
	p, _ := fullPipeline(t, disp)

	res, err := p.Ingest(context.Background(), "ws-1", mergedPREvent("acme/api/pull/812/merged"))
	if err != nil {
		t.Fatal(err)
	}
	disp.Close()

	seen := map[string]tasks.Task{}
	for task := range disp.Tasks() {
		seen[task.Category] = task
	}
	profileTask, ok := seen[tasks.CategoryProfileUpdate]
	if !ok {
		t.Fatal("no profile-update task dispatched")
	}
	if profileTask.WorkspaceID != "ws-1" || profileTask.ActorID == "" {
		t.Errorf("profile task = %+v", profileTask)
	}
	summaryTask, ok := seen[tasks.CategoryClusterSummary]
	if !ok {
		t.Fatal("no cluster-summary task dispatched")
	}
	if summaryTask.ClusterID != res.ClusterID {
		t.Errorf("summary task cluster %q, want %q", summaryTask.ClusterID, res.ClusterID)
	}
}

func TestIngestSkipsProfileTaskForSystemActor(t *testing.T) {
	disp := tasks.NewQueueDispatcher(10)
	p, _ := fullPipeline(t, disp)

	ev := mergedPREvent("acme/api/pull/813/merged")
	ev.Actor = nil // resolves to the system actor
	if _, err := p.Ingest(context.Background(), "ws-1", ev); err != nil {
		t.Fatal(err)
	}
	disp.Close()

	for task := range disp.Tasks() {
		if task.Category == tasks.CategoryProfileUpdate {
			t.Error("profile-update dispatched for the system actor")
		}
	}
}

func TestIngestTemporalPenaltyInNonUTCZone(t *testing.T) {
	// Stored timestamps are UTC; the recent-window cutoff must be too, or
	// same-source events go uncounted on hosts east of Greenwich.
	orig := time.Local
	time.Local = time.FixedZone("UTC+3", 3*60*60)
	t.Cleanup(func() { time.Local = orig })

	ctx := context.Background()
	p, _ := fullPipeline(t, nil)

	first, err := p.Ingest(ctx, "ws-1", mergedPREvent("acme/api/pull/812/merged"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Significance.Temporal != 10 {
		t.Fatalf("first event temporal factor = %d, want 10", first.Significance.Temporal)
	}

	second, err := p.Ingest(ctx, "ws-1", mergedPREvent("acme/api/pull/813/merged"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Significance.Temporal != 8 {
		t.Errorf("second event temporal factor = %d, want 8 (one recent same-source event)",
			second.Significance.Temporal)
	}
}

func TestIngestRecordsTemporalState(t *testing.T) {
	ctx := context.Background()
	p, db := fullPipeline(t, nil)

	if _, err := p.Ingest(ctx, "ws-1", mergedPREvent("acme/api/pull/812/merged")); err != nil {
		t.Fatal(err)
	}

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM temporal_states WHERE workspace_id = 'ws-1' AND is_current = 1`).Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count == 0 {
		t.Error("merged PR to main produced no temporal state")
	}
}
