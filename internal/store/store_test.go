package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lightfastai/lightfast-sub011/internal/model"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(Schema); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleObservation(id, sourceID string) *model.Observation {
	return &model.Observation{
		ID:                id,
		WorkspaceID:       "ws1",
		OccurredAt:        time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		CapturedAt:        time.Now().UTC(),
		ActorID:           "actor-1",
		ObservationType:   "code_change",
		Title:             "[PR Merged] Add retry logic",
		Content:           "Adds exponential backoff.",
		Topics:            []string{"payments", "reliability"},
		SignificanceScore: 71,
		Source:            "github",
		SourceType:        "pull_request.merged",
		SourceID:          sourceID,
		SourceReferences:  []model.EventReference{{Type: "issue", ID: "342"}},
	}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	s := NewObservationStore(setupDB(t))
	ctx := context.Background()

	obs := sampleObservation("obs-1", "acme/api/pull/812/merged")
	if err := s.Insert(ctx, obs); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get(ctx, "obs-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != obs.Title || got.SignificanceScore != 71 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Topics) != 2 || got.Topics[0] != "payments" {
		t.Errorf("topics = %v", got.Topics)
	}
	if len(got.SourceReferences) != 1 || got.SourceReferences[0].ID != "342" {
		t.Errorf("references = %v", got.SourceReferences)
	}
}

func TestInsertDuplicateSourceID(t *testing.T) {
	s := NewObservationStore(setupDB(t))
	ctx := context.Background()

	if err := s.Insert(ctx, sampleObservation("obs-1", "acme/api/pull/812/merged")); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	err := s.Insert(ctx, sampleObservation("obs-2", "acme/api/pull/812/merged"))
	if !errors.Is(err, model.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	// The winning row is untouched.
	if _, err := s.Get(ctx, "obs-1"); err != nil {
		t.Errorf("original row gone: %v", err)
	}
	if _, err := s.Get(ctx, "obs-2"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("losing row persisted: %v", err)
	}
}

func TestSameSourceIDAcrossWorkspaces(t *testing.T) {
	s := NewObservationStore(setupDB(t))
	ctx := context.Background()

	a := sampleObservation("obs-1", "acme/api/pull/812/merged")
	b := sampleObservation("obs-2", "acme/api/pull/812/merged")
	b.WorkspaceID = "ws2"

	if err := s.Insert(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, b); err != nil {
		t.Errorf("cross-workspace insert rejected: %v", err)
	}
}

func TestSetVectorIDsAndCluster(t *testing.T) {
	s := NewObservationStore(setupDB(t))
	ctx := context.Background()

	if err := s.Insert(ctx, sampleObservation("obs-1", "x/1")); err != nil {
		t.Fatal(err)
	}
	if err := s.SetVectorIDs(ctx, "obs-1", "obs:obs-1:title", "obs:obs-1:content", "obs:obs-1:summary"); err != nil {
		t.Fatalf("SetVectorIDs: %v", err)
	}
	if err := s.SetCluster(ctx, "obs-1", "cl-9"); err != nil {
		t.Fatalf("SetCluster: %v", err)
	}

	got, err := s.Get(ctx, "obs-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentVectorID != "obs:obs-1:content" || got.ClusterID != "cl-9" {
		t.Errorf("backfill missing: %+v", got)
	}
}

func TestRecentSameSourceCount(t *testing.T) {
	s := NewObservationStore(setupDB(t))
	ctx := context.Background()

	for i, sid := range []string{"a/1", "a/2", "a/3"} {
		obs := sampleObservation("obs-"+sid[2:], sid)
		obs.CapturedAt = time.Now().Add(time.Duration(-i) * time.Minute)
		if err := s.Insert(ctx, obs); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.RecentSameSourceCount(ctx, "ws1", "github", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentSameSourceCount: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}

	n, err = s.RecentSameSourceCount(ctx, "ws1", "linear", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("other-source count = %d, want 0", n)
	}
}

func TestTitlesByCluster(t *testing.T) {
	s := NewObservationStore(setupDB(t))
	ctx := context.Background()

	for i, sid := range []string{"a/1", "a/2"} {
		obs := sampleObservation("obs-"+sid[2:], sid)
		obs.Title = "title " + sid
		obs.OccurredAt = obs.OccurredAt.Add(time.Duration(i) * time.Hour)
		if err := s.Insert(ctx, obs); err != nil {
			t.Fatal(err)
		}
		if err := s.SetCluster(ctx, obs.ID, "cl-1"); err != nil {
			t.Fatal(err)
		}
	}

	titles, err := s.TitlesByCluster(ctx, "cl-1", 10)
	if err != nil {
		t.Fatalf("TitlesByCluster: %v", err)
	}
	if len(titles) != 2 || titles[0] != "title a/2" {
		t.Errorf("titles = %v, want newest first", titles)
	}
}
