package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lightfastai/lightfast-sub011/internal/model"
)

// QdrantStore talks to Qdrant over its HTTP JSON API. One collection per
// namespace; cosine distance.
type QdrantStore struct {
	baseURL   string
	dimension int
	client    *http.Client
}

// NewQdrantStore creates a QdrantStore for the given base URL and dimension.
func NewQdrantStore(url string, dim int) *QdrantStore {
	return &QdrantStore{
		baseURL:   url,
		dimension: dim,
		client:    &http.Client{},
	}
}

// EnsureNamespace creates the backing collection if it does not exist.
func (s *QdrantStore) EnsureNamespace(ctx context.Context, namespace string) error {
	coll := CollectionName(namespace)

	req, _ := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/collections/"+coll, nil)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: qdrant: %v", model.ErrDependencyUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dimension,
			"distance": "Cosine",
		},
	}
	return s.do(ctx, "PUT", "/collections/"+coll, body, nil)
}

// Upsert writes points, overwriting any existing point with the same id.
func (s *QdrantStore) Upsert(ctx context.Context, namespace string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	coll := CollectionName(namespace)

	points := make([]map[string]any, len(records))
	for i, r := range records {
		points[i] = map[string]any{
			"id":      pointID(r.ID),
			"vector":  r.Vector,
			"payload": withPointKey(r.Payload, r.ID),
		}
	}
	body := map[string]any{"points": points}
	return s.do(ctx, "PUT", "/collections/"+coll+"/points?wait=true", body, nil)
}

// Query runs a filtered nearest-neighbor search.
func (s *QdrantStore) Query(ctx context.Context, namespace string, vec []float32, topK int, filter Filter) ([]Result, error) {
	coll := CollectionName(namespace)

	body := map[string]any{
		"vector":       vec,
		"limit":        topK,
		"with_payload": true,
	}
	if qf := qdrantFilter(filter); qf != nil {
		body["filter"] = qf
	}

	var response struct {
		Result []struct {
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.do(ctx, "POST", "/collections/"+coll+"/points/search", body, &response); err != nil {
		return nil, err
	}

	results := make([]Result, len(response.Result))
	for i, r := range response.Result {
		id, _ := r.Payload["point_key"].(string)
		results[i] = Result{ID: id, Score: r.Score, Payload: r.Payload}
	}
	return results, nil
}

// Fetch retrieves stored points by id. Missing ids are skipped.
func (s *QdrantStore) Fetch(ctx context.Context, namespace string, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	coll := CollectionName(namespace)

	pointIDs := make([]uint64, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}
	body := map[string]any{
		"ids":          pointIDs,
		"with_payload": true,
		"with_vector":  true,
	}

	var response struct {
		Result []struct {
			Vector  []float32      `json:"vector"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.do(ctx, "POST", "/collections/"+coll+"/points", body, &response); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(response.Result))
	for _, r := range response.Result {
		key, _ := r.Payload["point_key"].(string)
		out = append(out, Record{ID: key, Vector: r.Vector, Payload: r.Payload})
	}
	return out, nil
}

func (s *QdrantStore) do(ctx context.Context, method, path string, body any, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: qdrant: %v", model.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: qdrant %s %s: status %d: %s",
			model.ErrDependencyUnavailable, method, path, resp.StatusCode, string(b))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode qdrant response: %w", err)
		}
	}
	return nil
}

// qdrantFilter translates a Filter into Qdrant's filter DSL.
func qdrantFilter(f Filter) map[string]any {
	if f.Empty() {
		return nil
	}
	var must []map[string]any
	for k, v := range f.Equals {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": v},
		})
	}
	if !f.After.IsZero() || !f.Before.IsZero() {
		rng := map[string]any{}
		if !f.After.IsZero() {
			rng["gte"] = f.After.Unix()
		}
		if !f.Before.IsZero() {
			rng["lte"] = f.Before.Unix()
		}
		must = append(must, map[string]any{"key": "occurred_at_ts", "range": rng})
	}
	return map[string]any{"must": must}
}

// pointID derives a Qdrant-safe numeric id from our string key. Qdrant only
// accepts UUIDs or unsigned ints; the original key travels in the payload.
func pointID(key string) uint64 {
	// FNV-1a 64-bit.
	var h uint64 = 14695981039346656037
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return h
}

func withPointKey(payload map[string]any, key string) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["point_key"] = key
	return out
}
