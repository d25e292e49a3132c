package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
)

// SQLiteStore implements Store on the shared SQLite database. Embeddings are
// stored as BLOBs (little-endian float32 arrays) in the memory_vectors
// table; cosine similarity is computed in Go. Fine for single-node
// deployments at tens of thousands of points.
type SQLiteStore struct {
	db        *sql.DB
	dimension int
}

// NewSQLiteStore creates a SQLiteStore with the given handle and dimension.
func NewSQLiteStore(db *sql.DB, dimension int) *SQLiteStore {
	return &SQLiteStore{db: db, dimension: dimension}
}

// EnsureNamespace is a no-op; the table is created by the schema.
func (s *SQLiteStore) EnsureNamespace(ctx context.Context, namespace string) error {
	return nil
}

// Upsert stores or replaces records by (namespace, id).
func (s *SQLiteStore) Upsert(ctx context.Context, namespace string, records []Record) error {
	for _, r := range records {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO memory_vectors (namespace, id, embedding, payload)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(namespace, id) DO UPDATE SET
				embedding = excluded.embedding,
				payload = excluded.payload,
				updated_at = CURRENT_TIMESTAMP`,
			namespace, r.ID, encodeFloat32s(r.Vector), string(payload))
		if err != nil {
			return err
		}
	}
	return nil
}

// Query scans the namespace, filters by payload, and ranks by cosine
// similarity.
func (s *SQLiteStore) Query(ctx context.Context, namespace string, vec []float32, topK int, filter Filter) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding, payload FROM memory_vectors WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []Result
	for rows.Next() {
		var id, payloadJSON string
		var blob []byte
		if err := rows.Scan(&id, &blob, &payloadJSON); err != nil {
			continue
		}

		stored := decodeFloat32s(blob)
		if len(stored) != len(vec) {
			continue // dimension mismatch, skip
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			continue
		}
		if !matchesPayload(payload, filter) {
			continue
		}

		candidates = append(candidates, Result{
			ID:      id,
			Score:   cosineSimilarity(vec, stored),
			Payload: payload,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, rows.Err()
}

// Fetch retrieves stored records by id. Missing ids are skipped.
func (s *SQLiteStore) Fetch(ctx context.Context, namespace string, ids []string) ([]Record, error) {
	var out []Record
	for _, id := range ids {
		var blob []byte
		var payloadJSON string
		err := s.db.QueryRowContext(ctx, `
			SELECT embedding, payload FROM memory_vectors WHERE namespace = ? AND id = ?`,
			namespace, id).Scan(&blob, &payloadJSON)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		var payload map[string]any
		_ = json.Unmarshal([]byte(payloadJSON), &payload)
		out = append(out, Record{ID: id, Vector: decodeFloat32s(blob), Payload: payload})
	}
	return out, nil
}

// encodeFloat32s converts a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s converts little-endian bytes back to a float32 slice.
func decodeFloat32s(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
