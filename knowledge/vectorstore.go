package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrPoolTooSmall is returned when queryTopK is called with a candidate pool
// smaller than k. It is a usage error, not a retrieval failure.
var ErrPoolTooSmall = errors.New("knowledge: candidate pool must be at least k")

// StoredChunk is an embedded chunk bound for the vector store.
type StoredChunk struct {
	VectorID    string
	DocumentID  uint64
	Seq         int
	Text        string
	Vector      []float32
	StartOffset int
	Page        int
}

// ScoredChunk is a retrieval hit ordered by descending cosine similarity.
type ScoredChunk struct {
	VectorID   string
	DocumentID uint64
	Seq        int
	Text       string
	Page       int
	Score      float64
}

// VectorStore persists chunk embeddings and serves per-document similarity
// search. Search is hard-filtered to one document's chunks; an unknown
// document id yields an empty result, never an error.
type VectorStore interface {
	UpsertChunks(ctx context.Context, chunks []StoredChunk) error
	QueryTopK(ctx context.Context, documentID uint64, vector []float32, k, pool int) ([]ScoredChunk, error)
	DeleteByDocument(ctx context.Context, documentID uint64) error
}

// qdrantStore implements VectorStore over the Qdrant HTTP API with a single
// collection and a document_id payload filter.
type qdrantStore struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	collection string

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStoreFromEnv builds the store from QDRANT_URL, QDRANT_API_KEY and
// QDRANT_COLLECTION. The collection is created lazily on first upsert.
func NewQdrantStoreFromEnv() (VectorStore, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}

	collection := strings.TrimSpace(os.Getenv("QDRANT_COLLECTION"))
	if collection == "" {
		collection = "knowledge_chunks"
	}

	return &qdrantStore{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
		collection: collection,
	}, nil
}

func (s *qdrantStore) ensureCollection(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		payload := map[string]interface{}{
			"vectors": map[string]interface{}{
				"size":     EmbeddingDim,
				"distance": "Cosine",
			},
		}
		endpoint := fmt.Sprintf("%s/collections/%s", s.baseURL, url.PathEscape(s.collection))
		if err := s.do(ctx, http.MethodPut, endpoint, payload, nil); err != nil {
			s.ensureErr = fmt.Errorf("knowledge: ensure collection: %w", err)
		}
	})
	return s.ensureErr
}

func (s *qdrantStore) UpsertChunks(ctx context.Context, chunks []StoredChunk) error {
	if s == nil {
		return errors.New("knowledge: vector store is not configured")
	}
	if len(chunks) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]map[string]interface{}, len(chunks))
	for i, chunk := range chunks {
		if len(chunk.Vector) != EmbeddingDim {
			return fmt.Errorf("knowledge: chunk %d vector length %d does not match required %d", chunk.Seq, len(chunk.Vector), EmbeddingDim)
		}
		points[i] = map[string]interface{}{
			"id":     chunk.VectorID,
			"vector": chunk.Vector,
			"payload": map[string]interface{}{
				"document_id":  chunk.DocumentID,
				"seq":          chunk.Seq,
				"text":         chunk.Text,
				"page":         chunk.Page,
				"start_offset": chunk.StartOffset,
			},
		}
	}

	endpoint := fmt.Sprintf("%s/collections/%s/points", s.baseURL, url.PathEscape(s.collection))
	if err := s.do(ctx, http.MethodPut, endpoint, map[string]interface{}{"points": points}, nil); err != nil {
		return fmt.Errorf("knowledge: upsert points: %w", err)
	}
	return nil
}

func (s *qdrantStore) QueryTopK(ctx context.Context, documentID uint64, vector []float32, k, pool int) ([]ScoredChunk, error) {
	if s == nil {
		return nil, errors.New("knowledge: vector store is not configured")
	}
	if k <= 0 {
		return nil, errors.New("knowledge: k must be positive")
	}
	if pool < k {
		return nil, ErrPoolTooSmall
	}
	if len(vector) != EmbeddingDim {
		return nil, fmt.Errorf("knowledge: query vector length %d does not match required %d", len(vector), EmbeddingDim)
	}

	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        pool,
		"with_payload": true,
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{
					"key":   "document_id",
					"match": map[string]interface{}{"value": documentID},
				},
			},
		},
	}

	var decoded struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}

	endpoint := fmt.Sprintf("%s/collections/%s/points/search", s.baseURL, url.PathEscape(s.collection))
	err := s.do(ctx, http.MethodPost, endpoint, payload, &decoded)
	if err != nil {
		// A collection that was never written to has no chunks for any
		// document; treat it as an empty result.
		if errors.Is(err, errQdrantNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("knowledge: search points: %w", err)
	}

	hits := make([]ScoredChunk, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		hit := ScoredChunk{
			VectorID: fmt.Sprint(item.ID),
			Score:    item.Score,
		}
		if item.Payload != nil {
			if v, ok := item.Payload["document_id"].(float64); ok {
				hit.DocumentID = uint64(v)
			}
			if v, ok := item.Payload["seq"].(float64); ok {
				hit.Seq = int(v)
			}
			if v, ok := item.Payload["text"].(string); ok {
				hit.Text = v
			}
			if v, ok := item.Payload["page"].(float64); ok {
				hit.Page = int(v)
			}
		}
		if hit.DocumentID != documentID {
			continue
		}
		hits = append(hits, hit)
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

func (s *qdrantStore) DeleteByDocument(ctx context.Context, documentID uint64) error {
	if s == nil {
		return errors.New("knowledge: vector store is not configured")
	}

	payload := map[string]interface{}{
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{
				{
					"key":   "document_id",
					"match": map[string]interface{}{"value": documentID},
				},
			},
		},
	}

	endpoint := fmt.Sprintf("%s/collections/%s/points/delete", s.baseURL, url.PathEscape(s.collection))
	err := s.do(ctx, http.MethodPost, endpoint, payload, nil)
	if err != nil && !errors.Is(err, errQdrantNotFound) {
		return fmt.Errorf("knowledge: delete points: %w", err)
	}
	return nil
}

var errQdrantNotFound = errors.New("knowledge: qdrant resource not found")

func (s *qdrantStore) do(ctx context.Context, method, endpoint string, payload interface{}, out interface{}) error {
	body := &bytes.Buffer{}
	if payload != nil {
		if err := json.NewEncoder(body).Encode(payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errQdrantNotFound
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
