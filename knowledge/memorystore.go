package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process VectorStore. It backs tests and local
// deployments that run without Qdrant.
type MemoryStore struct {
	mu     sync.RWMutex
	byDoc  map[uint64][]StoredChunk
	byVect map[string]uint64
}

// NewMemoryStore creates an empty in-memory vector store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byDoc:  make(map[uint64][]StoredChunk),
		byVect: make(map[string]uint64),
	}
}

func (s *MemoryStore) UpsertChunks(ctx context.Context, chunks []StoredChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range chunks {
		if len(chunk.Vector) != EmbeddingDim {
			return fmt.Errorf("knowledge: chunk %d vector length %d does not match required %d", chunk.Seq, len(chunk.Vector), EmbeddingDim)
		}
		if docID, exists := s.byVect[chunk.VectorID]; exists {
			s.removeLocked(docID, chunk.VectorID)
		}
		s.byDoc[chunk.DocumentID] = append(s.byDoc[chunk.DocumentID], chunk)
		s.byVect[chunk.VectorID] = chunk.DocumentID
	}
	return nil
}

func (s *MemoryStore) QueryTopK(ctx context.Context, documentID uint64, vector []float32, k, pool int) ([]ScoredChunk, error) {
	if k <= 0 {
		return nil, errors.New("knowledge: k must be positive")
	}
	if pool < k {
		return nil, ErrPoolTooSmall
	}
	if len(vector) != EmbeddingDim {
		return nil, fmt.Errorf("knowledge: query vector length %d does not match required %d", len(vector), EmbeddingDim)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.byDoc[documentID]
	hits := make([]ScoredChunk, 0, len(candidates))
	for _, chunk := range candidates {
		hits = append(hits, ScoredChunk{
			VectorID:   chunk.VectorID,
			DocumentID: chunk.DocumentID,
			Seq:        chunk.Seq,
			Text:       chunk.Text,
			Page:       chunk.Page,
			Score:      cosineSimilarity(vector, chunk.Vector),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > pool {
		hits = hits[:pool]
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *MemoryStore) DeleteByDocument(ctx context.Context, documentID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range s.byDoc[documentID] {
		delete(s.byVect, chunk.VectorID)
	}
	delete(s.byDoc, documentID)
	return nil
}

// Count reports how many chunks a document holds. Test helper.
func (s *MemoryStore) Count(documentID uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byDoc[documentID])
}

func (s *MemoryStore) removeLocked(documentID uint64, vectorID string) {
	chunks := s.byDoc[documentID]
	for i, chunk := range chunks {
		if chunk.VectorID == vectorID {
			s.byDoc[documentID] = append(chunks[:i], chunks[i+1:]...)
			break
		}
	}
	delete(s.byVect, vectorID)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
