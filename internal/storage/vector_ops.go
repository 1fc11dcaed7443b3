package storage

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/dshills/notesearch/pkg/types"
)

var errCorruptVector = errors.New("vector blob length is not a multiple of 4")

// searchVector scores every current vector of model and keeps the best limit.
// A vector whose content hash no longer matches its document is stale and
// is skipped until the worker replaces it. Rows with a different dimension
// never leave SQLite.
func searchVector(ctx context.Context, db *sql.DB, model string, queryVector []float32, limit int, filters types.Filters) ([]VectorResult, error) {
	if limit <= 0 || len(queryVector) == 0 {
		return []VectorResult{}, nil
	}

	query := `
		SELECT e.document_id, e.vector, d.updated_at
		FROM embeddings e
		INNER JOIN documents d ON d.id = e.document_id
		WHERE e.model_name = ? AND e.dims = ? AND e.content_hash = d.content_hash
	`
	args := []interface{}{model, len(queryVector)}
	query, args = applyDocumentFilters(query, args, "d", filters)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	queryNorm := norm(queryVector)
	if queryNorm == 0 {
		return []VectorResult{}, nil
	}

	top := &topK{limit: limit}
	for rows.Next() {
		var (
			hit  scoredVector
			blob []byte
		)
		if err := rows.Scan(&hit.documentID, &blob, &hit.updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		vector, err := deserializeVector(blob)
		if err != nil || len(vector) != len(queryVector) {
			continue
		}
		hit.score = similarityWithNorm(queryVector, queryNorm, vector)
		top.offer(hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return top.results(), nil
}

type scoredVector struct {
	documentID string
	score      float64
	updatedAt  int64
}

// ranksAbove orders by similarity, then recency, then id
func (a scoredVector) ranksAbove(b scoredVector) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.updatedAt != b.updatedAt {
		return a.updatedAt > b.updatedAt
	}
	return a.documentID < b.documentID
}

// topK is a min-heap holding the best limit hits seen so far; the root is
// the weakest kept hit
type topK struct {
	limit int
	hits  []scoredVector
}

func (t *topK) Len() int           { return len(t.hits) }
func (t *topK) Less(i, j int) bool { return t.hits[j].ranksAbove(t.hits[i]) }
func (t *topK) Swap(i, j int)      { t.hits[i], t.hits[j] = t.hits[j], t.hits[i] }
func (t *topK) Push(x any)         { t.hits = append(t.hits, x.(scoredVector)) }
func (t *topK) Pop() any {
	last := t.hits[len(t.hits)-1]
	t.hits = t.hits[:len(t.hits)-1]
	return last
}

func (t *topK) offer(hit scoredVector) {
	if len(t.hits) < t.limit {
		heap.Push(t, hit)
		return
	}
	if hit.ranksAbove(t.hits[0]) {
		t.hits[0] = hit
		heap.Fix(t, 0)
	}
}

func (t *topK) results() []VectorResult {
	sort.Slice(t.hits, func(i, j int) bool { return t.hits[i].ranksAbove(t.hits[j]) })
	out := make([]VectorResult, len(t.hits))
	for i, h := range t.hits {
		out[i] = VectorResult{
			DocumentID: h.documentID,
			Similarity: h.score,
			UpdatedAt:  fromMillis(h.updatedAt),
		}
	}
	return out
}

// serializeVector packs vector as little-endian float32s
func serializeVector(vector []float32) []byte {
	blob := make([]byte, 0, len(vector)*4)
	for _, v := range vector {
		blob = binary.LittleEndian.AppendUint32(blob, math.Float32bits(v))
	}
	return blob
}

func deserializeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, errCorruptVector
	}
	vector := make([]float32, 0, len(blob)/4)
	for off := 0; off < len(blob); off += 4 {
		vector = append(vector, math.Float32frombits(binary.LittleEndian.Uint32(blob[off:])))
	}
	return vector, nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func similarityWithNorm(a []float32, aNorm float64, b []float32) float64 {
	bNorm := norm(b)
	if aNorm == 0 || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (aNorm * bNorm)
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when their lengths differ or either is zero
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	return similarityWithNorm(a, norm(a), b)
}
