package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EmbeddingDim is fixed for the lifetime of a deployment. A backend that
// returns vectors of any other length is a hard error, never padded or
// truncated.
const EmbeddingDim = 384

// ErrModelUnavailable marks an embedding model that failed to load. It is
// distinct from transient embedding failures and fatal to any dependent call.
var ErrModelUnavailable = errors.New("knowledge: embedding model unavailable")

// Embedder produces L2-normalized fixed-length vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Engine is the lazily loaded embedding engine. The backing model is resolved
// on first use behind a once-guard so concurrent first callers share a single
// load; a failed load is sticky and every subsequent call reports
// ErrModelUnavailable.
type Engine struct {
	loadOnce sync.Once
	loadErr  error
	backend  *httpEmbedder
}

var (
	defaultEngineOnce sync.Once
	defaultEngine     *Engine
)

// DefaultEngine returns the process-wide engine instance.
func DefaultEngine() *Engine {
	defaultEngineOnce.Do(func() {
		defaultEngine = NewEngine()
	})
	return defaultEngine
}

// NewEngine creates an unloaded engine. Loading happens on first embed call.
func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) load() error {
	e.loadOnce.Do(func() {
		backend, err := newHTTPEmbedderFromEnv()
		if err != nil {
			e.loadErr = fmt.Errorf("%w: %v", ErrModelUnavailable, err)
			return
		}
		e.backend = backend
	})
	return e.loadErr
}

// Embed returns the unit-length vector for a single text.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts preserving input order. Every returned vector is
// EmbeddingDim long and L2-normalized.
func (e *Engine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e == nil {
		return nil, ErrModelUnavailable
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, nil
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("knowledge: cannot embed empty text at position %d", i)
		}
	}

	results := make([][]float32, 0, len(texts))
	maxBatch := e.backend.maxBatch
	for start := 0; start < len(texts); start += maxBatch {
		end := start + maxBatch
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.backend.embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		for _, vector := range vectors {
			if len(vector) != EmbeddingDim {
				return nil, fmt.Errorf("knowledge: embedding length %d does not match required %d", len(vector), EmbeddingDim)
			}
			results = append(results, normalizeVector(vector))
		}
	}
	return results, nil
}

// normalizeVector scales v to unit L2 length. Zero vectors pass through.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, value := range v {
		sum += float64(value) * float64(value)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	scaled := make([]float32, len(v))
	for i, value := range v {
		scaled[i] = float32(float64(value) / norm)
	}
	return scaled
}

// httpEmbedder talks to an OpenAI-compatible embeddings endpoint.
type httpEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	maxBatch   int
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func newHTTPEmbedderFromEnv() (*httpEmbedder, error) {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("knowledge: embedding API key is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	}
	if baseURL == "" {
		return nil, errors.New("knowledge: EMBEDDING_BASE_URL is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid embedding base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if modelID == "" {
		modelID = "all-MiniLM-L6-v2"
	}

	maxBatch := 16
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_MAX_BATCH")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxBatch = parsed
		}
	}

	return &httpEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
		maxBatch:   maxBatch,
	}, nil
}

func (e *httpEmbedder) embed(ctx context.Context, batch []string) ([][]float32, error) {
	dim := EmbeddingDim
	payload := embeddingRequest{
		Model:      e.modelID,
		Input:      batch,
		Dimensions: &dim,
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("knowledge: encode embedding payload: %w", err)
	}

	endpoint := e.baseURL + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("knowledge: embedding API status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("knowledge: decode embedding response: %w", err)
	}

	if len(decoded.Data) != len(batch) {
		return nil, fmt.Errorf("knowledge: embedding response count mismatch (expected %d, got %d)", len(batch), len(decoded.Data))
	}

	vectors := make([][]float32, len(decoded.Data))
	for i, item := range decoded.Data {
		vector := make([]float32, 0, len(item.Embedding))
		for _, value := range item.Embedding {
			vector = append(vector, float32(value))
		}
		vectors[i] = vector
	}
	return vectors, nil
}
