// Package vector defines the vector-store boundary and its two adapters:
// a Qdrant HTTP client and a SQLite BLOB fallback.
package vector

import (
	"context"
	"strings"
	"time"
)

// Namespace kinds under each workspace.
const (
	KindObservations = "observations"
	KindClusters     = "clusters"
	KindProfiles     = "profiles"
)

// Namespace returns the canonical namespace for a workspace and kind,
// e.g. "ws-1/neural/observations".
func Namespace(workspaceID, kind string) string {
	return workspaceID + "/neural/" + kind
}

// CollectionName maps a namespace to a Qdrant-safe collection name
// ("/" is not valid in collection names).
func CollectionName(namespace string) string {
	return strings.ReplaceAll(namespace, "/", "-")
}

// Record is one point to upsert. Upserts are idempotent by ID.
type Record struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Result is one scored query hit with its stored payload.
type Result struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Filter is a server-side metadata pre-filter: equality conditions plus an
// optional occurred-at window. Zero value matches everything.
type Filter struct {
	Equals map[string]string
	After  time.Time
	Before time.Time
}

// Empty reports whether the filter matches everything.
func (f Filter) Empty() bool {
	return len(f.Equals) == 0 && f.After.IsZero() && f.Before.IsZero()
}

// Store is the vector-store boundary consumed by the pipeline and governor.
type Store interface {
	// EnsureNamespace makes sure the backing collection exists.
	EnsureNamespace(ctx context.Context, namespace string) error

	// Upsert stores records under their ids, overwriting existing points.
	Upsert(ctx context.Context, namespace string, records []Record) error

	// Query returns the topK nearest points passing the filter.
	Query(ctx context.Context, namespace string, vec []float32, topK int, filter Filter) ([]Result, error)

	// Fetch retrieves stored records by id. Missing ids are skipped.
	Fetch(ctx context.Context, namespace string, ids []string) ([]Record, error)
}

// matchesPayload applies a Filter to a payload in-process. Used by the
// SQLite adapter; Qdrant evaluates the same conditions server-side.
func matchesPayload(payload map[string]any, f Filter) bool {
	for k, want := range f.Equals {
		got, _ := payload[k].(string)
		if got != want {
			return false
		}
	}
	if !f.After.IsZero() || !f.Before.IsZero() {
		ts, ok := payloadTimestamp(payload)
		if !ok {
			return false
		}
		if !f.After.IsZero() && ts < f.After.Unix() {
			return false
		}
		if !f.Before.IsZero() && ts > f.Before.Unix() {
			return false
		}
	}
	return true
}

func payloadTimestamp(payload map[string]any) (int64, bool) {
	switch v := payload["occurred_at_ts"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
