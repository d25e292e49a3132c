package vector

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lightfastai/lightfast-sub011/internal/store"
)

func setupStore(t *testing.T) *SQLiteStore {
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
	return NewSQLiteStore(db, 3)
}

func TestUpsertQueryRanksByCosine(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	ns := Namespace("ws1", KindObservations)

	records := []Record{
		{ID: "a", Vector: []float32{1, 0, 0}, Payload: map[string]any{"observation_id": "a"}},
		{ID: "b", Vector: []float32{0.9, 0.1, 0}, Payload: map[string]any{"observation_id": "b"}},
		{ID: "c", Vector: []float32{0, 1, 0}, Payload: map[string]any{"observation_id": "c"}},
	}
	if err := s.Upsert(ctx, ns, records); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Query(ctx, ns, []float32{1, 0, 0}, 2, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order = %s,%s, want a,b", got[0].ID, got[1].ID)
	}
	if math.Abs(float64(got[0].Score)-1) > 1e-6 {
		t.Errorf("self-similarity = %v, want 1", got[0].Score)
	}
}

func TestUpsertIsIdempotentByID(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	ns := Namespace("ws1", KindObservations)

	first := []Record{{ID: "a", Vector: []float32{1, 0, 0}, Payload: map[string]any{"v": "old"}}}
	second := []Record{{ID: "a", Vector: []float32{0, 1, 0}, Payload: map[string]any{"v": "new"}}}
	if err := s.Upsert(ctx, ns, first); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, ns, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query(ctx, ns, []float32{0, 1, 0}, 10, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("results = %d, want 1 (overwrite, not duplicate)", len(got))
	}
	if got[0].Payload["v"] != "new" {
		t.Errorf("payload = %v, want overwritten", got[0].Payload)
	}
}

func TestQueryAppliesFilter(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	ns := Namespace("ws1", KindObservations)

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	records := []Record{
		{ID: "gh-old", Vector: []float32{1, 0, 0}, Payload: map[string]any{"source": "github", "occurred_at_ts": old.Unix()}},
		{ID: "gh-new", Vector: []float32{1, 0, 0}, Payload: map[string]any{"source": "github", "occurred_at_ts": recent.Unix()}},
		{ID: "lin-new", Vector: []float32{1, 0, 0}, Payload: map[string]any{"source": "linear", "occurred_at_ts": recent.Unix()}},
	}
	if err := s.Upsert(ctx, ns, records); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query(ctx, ns, []float32{1, 0, 0}, 10, Filter{
		Equals: map[string]string{"source": "github"},
		After:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "gh-new" {
		t.Errorf("filtered results = %+v, want only gh-new", got)
	}
}

func TestQueryNamespaceIsolation(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, Namespace("ws1", KindObservations), []Record{{ID: "a", Vector: []float32{1, 0, 0}}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query(ctx, Namespace("ws2", KindObservations), []float32{1, 0, 0}, 10, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("cross-workspace results = %d, want 0", len(got))
	}
}

func TestFetch(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	ns := Namespace("ws1", KindObservations)

	if err := s.Upsert(ctx, ns, []Record{{ID: "a", Vector: []float32{1, 2, 3}, Payload: map[string]any{"k": "v"}}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Fetch(ctx, ns, []string{"a", "missing"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1 (missing ids skipped)", len(got))
	}
	if got[0].Vector[2] != 3 {
		t.Errorf("vector round trip = %v", got[0].Vector)
	}
}

func TestEncodeDecodeFloat32s(t *testing.T) {
	in := []float32{0, -1.5, 3.25, 1e-7}
	out := decodeFloat32s(encodeFloat32s(in))
	if len(out) != len(in) {
		t.Fatalf("length = %d", len(out))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: %v != %v", i, in[i], out[i])
		}
	}
	if decodeFloat32s([]byte{1, 2, 3}) != nil {
		t.Error("truncated blob decoded")
	}
}
