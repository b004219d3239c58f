// Package inmem provides an in-memory vector.Index for tests and single-node
// deployments. Search is a linear cosine-similarity scan.
package inmem

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"goa.design/conductor/runtime/vector"
)

// Index implements vector.Index in process memory.
type Index struct {
	mu   sync.RWMutex
	docs map[string]vector.Document
}

// New constructs an empty index.
func New() *Index {
	return &Index{docs: make(map[string]vector.Document)}
}

// Add stores the given documents, replacing any with matching IDs.
func (i *Index) Add(_ context.Context, docs ...vector.Document) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, d := range docs {
		if d.ID == "" {
			return errors.New("document id is required")
		}
		i.docs[d.ID] = d
	}
	return nil
}

// Search returns up to TopK documents ordered by descending cosine similarity.
func (i *Index) Search(_ context.Context, q vector.Query) ([]vector.Match, error) {
	if len(q.Embedding) == 0 {
		return nil, errors.New("query embedding is required")
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	matches := make([]vector.Match, 0, len(i.docs))
	for _, d := range i.docs {
		if !matchesFilter(d, q.Filter) {
			continue
		}
		score := cosine(q.Embedding, d.Embedding)
		if score < q.MinScore {
			continue
		}
		matches = append(matches, vector.Match{Document: d, Score: score})
	}
	sort.Slice(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	if q.TopK > 0 && len(matches) > q.TopK {
		matches = matches[:q.TopK]
	}
	return matches, nil
}

// Delete removes the documents with the given IDs. Unknown IDs are ignored.
func (i *Index) Delete(_ context.Context, ids ...string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, id := range ids {
		delete(i.docs, id)
	}
	return nil
}

// DeleteByUser removes every document owned by the given user.
func (i *Index) DeleteByUser(_ context.Context, userID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, d := range i.docs {
		if d.UserID == userID {
			delete(i.docs, id)
		}
	}
	return nil
}

// Stats reports the document count and the dimension of the first document.
func (i *Index) Stats(_ context.Context) (vector.Stats, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	stats := vector.Stats{Documents: len(i.docs)}
	for _, d := range i.docs {
		stats.Dimension = len(d.Embedding)
		break
	}
	return stats, nil
}

func matchesFilter(d vector.Document, filter map[string]string) bool {
	for k, v := range filter {
		if d.Metadata[k] != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
