package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultWorkerConcurrency = 2
	defaultEmbedBatchSize    = 10
	ingestJobTimeout         = 10 * time.Minute
	indexedReputationBonus   = 15
)

// ErrJobInFlight is returned when a second ingestion job is enqueued for a
// document that already has one running. The caller must wait or retry;
// concurrent jobs for one document are never merged.
var ErrJobInFlight = errors.New("knowledge: ingestion already in flight for this document")

// EventSink receives best-effort push events keyed by owner id. Delivery is
// droppable; the document row stays authoritative.
type EventSink interface {
	Publish(userID uint64, event string, payload any)
}

// ReputationAwarder grants points through the external gamification service.
// Implementations must swallow their own failures.
type ReputationAwarder interface {
	Award(userID uint64, points int, reason string)
}

// TextGenerator runs a single hosted generation call. Used for the
// best-effort persona/summary synthesis step.
type TextGenerator interface {
	CompleteText(ctx context.Context, prompt string) (string, error)
}

// Worker runs ingestion jobs on a fixed-size pool: extract, segment, embed in
// batches, persist chunks and vectors, synthesize a persona, and advance the
// document through its lifecycle.
type Worker struct {
	db        *gorm.DB
	embedder  Embedder
	store     VectorStore
	extractor TextExtractor
	generator TextGenerator
	events    EventSink
	awards    ReputationAwarder
	segmenter *segmenter
	batchSize int

	pool *ants.Pool
	wg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[uint64]struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker) error

// WithConcurrency sets the pool size. Default is 2: ingestion is bounded by
// the embedding engine's throughput, not CPU.
func WithConcurrency(size int) WorkerOption {
	return func(w *Worker) error {
		if size < 1 {
			size = 1
		}
		if w.pool != nil {
			w.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		w.pool = pool
		return nil
	}
}

// WithBatchSize sets how many chunks are embedded and written per batch.
func WithBatchSize(size int) WorkerOption {
	return func(w *Worker) error {
		if size < 1 {
			size = 1
		}
		w.batchSize = size
		return nil
	}
}

// WithChunking overrides window/overlap/page-budget for the segmenter.
func WithChunking(window, overlap, pageCharBudget int) WorkerOption {
	return func(w *Worker) error {
		w.segmenter = newSegmenter(window, overlap, pageCharBudget)
		return nil
	}
}

// WithGenerator enables persona/summary synthesis.
func WithGenerator(generator TextGenerator) WorkerOption {
	return func(w *Worker) error {
		w.generator = generator
		return nil
	}
}

// WithEvents enables progress/completion push events.
func WithEvents(sink EventSink) WorkerOption {
	return func(w *Worker) error {
		w.events = sink
		return nil
	}
}

// WithReputation enables the indexed-document reputation bonus.
func WithReputation(awards ReputationAwarder) WorkerOption {
	return func(w *Worker) error {
		w.awards = awards
		return nil
	}
}

// NewWorker wires an ingestion worker over the given dependencies.
func NewWorker(db *gorm.DB, embedder Embedder, store VectorStore, extractor TextExtractor, opts ...WorkerOption) (*Worker, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}
	if embedder == nil {
		return nil, errors.New("knowledge: embedder is required")
	}
	if store == nil {
		return nil, errors.New("knowledge: vector store is required")
	}
	if extractor == nil {
		return nil, errors.New("knowledge: text extractor is required")
	}

	pool, err := ants.NewPool(defaultWorkerConcurrency)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		db:        db,
		embedder:  embedder,
		store:     store,
		extractor: extractor,
		segmenter: newSegmenter(defaultChunkWindow, defaultChunkOverlap, defaultPageCharBudget),
		batchSize: defaultEmbedBatchSize,
		pool:      pool,
		inflight:  make(map[uint64]struct{}),
	}

	for _, opt := range opts {
		if err := opt(w); err != nil {
			w.pool.Release()
			return nil, err
		}
	}
	return w, nil
}

// Enqueue submits an ingestion job for a document whose raw file is already
// durably stored at sourcePath. At most one job per document id may be in
// flight.
func (w *Worker) Enqueue(documentID uint64, sourcePath string) error {
	if documentID == 0 {
		return errors.New("knowledge: document id is required")
	}

	w.mu.Lock()
	if _, busy := w.inflight[documentID]; busy {
		w.mu.Unlock()
		return ErrJobInFlight
	}
	w.inflight[documentID] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	err := w.pool.Submit(func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inflight, documentID)
			w.mu.Unlock()
		}()
		w.process(documentID, sourcePath)
	})
	if err != nil {
		w.wg.Done()
		w.mu.Lock()
		delete(w.inflight, documentID)
		w.mu.Unlock()
		return fmt.Errorf("knowledge: submit ingestion job: %w", err)
	}
	return nil
}

// Drain waits for all in-flight jobs to finish.
func (w *Worker) Drain() {
	w.wg.Wait()
}

// Release drains the worker and frees the pool.
func (w *Worker) Release() {
	w.Drain()
	w.pool.Release()
}

func (w *Worker) process(documentID uint64, sourcePath string) {
	ctx, cancel := context.WithTimeout(context.Background(), ingestJobTimeout)
	defer cancel()

	var doc Document
	if err := w.db.WithContext(ctx).Take(&doc, "id = ?", documentID).Error; err != nil {
		log.Printf("knowledge: load document %d: %v", documentID, err)
		return
	}

	if !w.transition(ctx, documentID, StatusProcessing, StatusQueued) {
		log.Printf("knowledge: document %d is not queued, refusing to process", documentID)
		return
	}
	w.emit(doc.UserID, "processing-started", map[string]any{"document_id": documentID})
	w.progress(doc.UserID, documentID, 10)

	extracted, err := w.extractor.Extract(ctx, sourcePath)
	if err != nil {
		w.fail(ctx, doc, fmt.Errorf("extract text: %w", err))
		return
	}

	segments := w.segmenter.split(extracted.Text)
	if len(segments) == 0 {
		w.fail(ctx, doc, errors.New("document produced no text segments"))
		return
	}
	w.progress(doc.UserID, documentID, 25)

	if !w.transition(ctx, documentID, StatusVectorizing, StatusProcessing) {
		log.Printf("knowledge: document %d left processing unexpectedly", documentID)
		return
	}

	if err := w.embedAndStore(ctx, doc, segments); err != nil {
		// Partial chunk rows and vector points may remain; retry purges
		// them before requeueing.
		w.fail(ctx, doc, err)
		return
	}
	w.progress(doc.UserID, documentID, 70)

	persona, summary, keyPoints := w.synthesizeProfile(ctx, doc, segments)
	w.progress(doc.UserID, documentID, 85)

	updates := map[string]any{
		"status":     StatusIndexed,
		"page_count": extracted.PageCount,
		"word_count": extracted.WordCount,
		"error":      gorm.Expr("NULL"),
		"updated_at": time.Now().UTC(),
	}
	if persona != nil {
		updates["persona_name"] = persona.Name
		updates["persona_tone"] = persona.Tone
		updates["persona_prompt"] = persona.Prompt
	}
	if summary != "" {
		updates["summary"] = summary
	}
	if len(keyPoints) > 0 {
		if raw, err := json.Marshal(keyPoints); err == nil {
			updates["key_points"] = datatypes.JSON(raw)
		}
	}

	res := w.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND status = ?", documentID, StatusVectorizing).
		Updates(updates)
	if res.Error != nil || res.RowsAffected == 0 {
		log.Printf("knowledge: finalize document %d failed: %v", documentID, res.Error)
		w.fail(ctx, doc, errors.New("failed to finalize document"))
		return
	}

	completion := map[string]any{
		"document_id": documentID,
		"summary":     summary,
		"meta": map[string]any{
			"chunk_count": len(segments),
			"page_count":  extracted.PageCount,
			"word_count":  extracted.WordCount,
		},
	}
	if persona != nil {
		completion["persona"] = persona
	}
	w.progress(doc.UserID, documentID, 100)
	w.emit(doc.UserID, "completed", completion)

	if w.awards != nil {
		go w.awards.Award(doc.UserID, indexedReputationBonus, "document_indexed")
	}
}

// embedAndStore embeds segments in batches and persists vector points plus
// chunk rows. Output order matches segment order; any batch failure is fatal
// for the whole job.
func (w *Worker) embedAndStore(ctx context.Context, doc Document, segments []segment) error {
	for start := 0; start < len(segments); start += w.batchSize {
		end := start + w.batchSize
		if end > len(segments) {
			end = len(segments)
		}
		batch := segments[start:end]

		texts := make([]string, len(batch))
		for i, seg := range batch {
			texts[i] = seg.Text
		}

		vectors, err := w.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch at chunk %d: %w", batch[0].Seq, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedding count mismatch (expected %d, got %d)", len(batch), len(vectors))
		}

		points := make([]StoredChunk, len(batch))
		rows := make([]Chunk, len(batch))
		for i, seg := range batch {
			vectorID := uuid.NewString()
			points[i] = StoredChunk{
				VectorID:    vectorID,
				DocumentID:  doc.ID,
				Seq:         seg.Seq,
				Text:        seg.Text,
				Vector:      vectors[i],
				StartOffset: seg.StartOffset,
				Page:        seg.Page,
			}
			rows[i] = Chunk{
				DocumentID:  doc.ID,
				UserID:      doc.UserID,
				Seq:         seg.Seq,
				Text:        seg.Text,
				VectorID:    vectorID,
				StartOffset: seg.StartOffset,
				EndOffset:   seg.EndOffset,
				Page:        seg.Page,
			}
		}

		if err := w.store.UpsertChunks(ctx, points); err != nil {
			return fmt.Errorf("upsert vectors at chunk %d: %w", batch[0].Seq, err)
		}
		if err := w.db.WithContext(ctx).Create(&rows).Error; err != nil {
			return fmt.Errorf("persist chunks at chunk %d: %w", batch[0].Seq, err)
		}
	}
	return nil
}

// synthesizeProfile asks the hosted model for a tutor persona, summary and
// key points. Best-effort: any failure is logged and the document still
// reaches INDEXED without a persona.
func (w *Worker) synthesizeProfile(ctx context.Context, doc Document, segments []segment) (*Persona, string, []string) {
	if w.generator == nil {
		return nil, "", nil
	}

	var sample strings.Builder
	for _, seg := range segments {
		if sample.Len() >= 2400 {
			break
		}
		sample.WriteString(seg.Text)
		sample.WriteRune('\n')
	}

	prompt := fmt.Sprintf(`You are preparing an AI tutor for a study document titled %q.
Based on the excerpt below, respond with strict JSON, no code fences, shaped as:
{"name": "...", "tone": "...", "behavior_prompt": "...", "summary": "...", "key_points": ["..."]}
The behavior_prompt must instruct a tutor persona grounded in this document.
Keep the summary under 2 sentences and list at most 5 key points.

Excerpt:
%s`, doc.Name, sample.String())

	raw, err := w.generator.CompleteText(ctx, prompt)
	if err != nil {
		log.Printf("knowledge: persona synthesis for document %d failed: %v", doc.ID, err)
		return nil, "", nil
	}

	var decoded struct {
		Name           string   `json:"name"`
		Tone           string   `json:"tone"`
		BehaviorPrompt string   `json:"behavior_prompt"`
		Summary        string   `json:"summary"`
		KeyPoints      []string `json:"key_points"`
	}
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &decoded); err != nil {
		log.Printf("knowledge: parse persona response for document %d failed: %v", doc.ID, err)
		return nil, "", nil
	}

	var persona *Persona
	if strings.TrimSpace(decoded.Name) != "" && strings.TrimSpace(decoded.BehaviorPrompt) != "" {
		persona = &Persona{
			Name:   strings.TrimSpace(decoded.Name),
			Tone:   strings.TrimSpace(decoded.Tone),
			Prompt: strings.TrimSpace(decoded.BehaviorPrompt),
		}
	}

	points := make([]string, 0, len(decoded.KeyPoints))
	for _, point := range decoded.KeyPoints {
		if trimmed := strings.TrimSpace(point); trimmed != "" {
			points = append(points, trimmed)
		}
	}
	return persona, strings.TrimSpace(decoded.Summary), points
}

// transition advances a document from one status to another. The guard in the
// WHERE clause keeps the lifecycle monotonic under concurrency.
func (w *Worker) transition(ctx context.Context, documentID uint64, to string, from ...string) bool {
	res := w.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND status IN ?", documentID, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		log.Printf("knowledge: transition document %d to %s: %v", documentID, to, res.Error)
		return false
	}
	return res.RowsAffected > 0
}

// fail moves a non-terminal document to FAILED with the recorded error and
// emits the failed event.
func (w *Worker) fail(ctx context.Context, doc Document, cause error) {
	log.Printf("knowledge: ingestion of document %d failed: %v", doc.ID, cause)

	message := cause.Error()
	if runes := []rune(message); len(runes) > 900 {
		message = string(runes[:900])
	}
	res := w.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND status NOT IN ?", doc.ID, terminalStatuses).
		Updates(map[string]any{"status": StatusFailed, "error": message, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		log.Printf("knowledge: record failure for document %d: %v", doc.ID, res.Error)
	}

	w.emit(doc.UserID, "failed", map[string]any{
		"document_id": doc.ID,
		"error":       message,
	})
}

func (w *Worker) progress(userID, documentID uint64, percent int) {
	w.emit(userID, "progress", map[string]any{
		"document_id": documentID,
		"percent":     percent,
	})
}

func (w *Worker) emit(userID uint64, event string, payload any) {
	if w.events == nil {
		return
	}
	w.events.Publish(userID, event, payload)
}

func stripCodeFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
