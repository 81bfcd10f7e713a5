package knowledge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupIngestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Document{}, &Chunk{}))
	return db
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, EmbeddingDim)
		v[i%EmbeddingDim] = 1
		vectors[i] = v
	}
	return vectors, nil
}

type fakeExtractor struct {
	text    string
	err     error
	barrier chan struct{}
}

func (f *fakeExtractor) Extract(ctx context.Context, sourcePath string) (ExtractedText, error) {
	if f.barrier != nil {
		<-f.barrier
	}
	if f.err != nil {
		return ExtractedText{}, f.err
	}
	return ExtractedText{
		Text:      f.text,
		PageCount: len([]rune(f.text))/defaultPageCharBudget + 1,
		WordCount: countWords(f.text),
	}, nil
}

type recordedEvent struct {
	userID  uint64
	event   string
	payload any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Publish(userID uint64, event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{userID: userID, event: event, payload: payload})
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.events))
	for _, e := range s.events {
		names = append(names, e.event)
	}
	return names
}

func (s *recordingSink) progressPercents() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var percents []int
	for _, e := range s.events {
		if e.event != "progress" {
			continue
		}
		if payload, ok := e.payload.(map[string]any); ok {
			if percent, ok := payload["percent"].(int); ok {
				percents = append(percents, percent)
			}
		}
	}
	return percents
}

type fakeGenerator struct {
	response string
	err      error
}

func (f *fakeGenerator) CompleteText(ctx context.Context, prompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type channelAwarder struct {
	grants chan int
}

func (a *channelAwarder) Award(userID uint64, points int, reason string) {
	a.grants <- points
}

func createQueuedDocument(t *testing.T, db *gorm.DB, userID uint64) Document {
	t.Helper()
	doc := Document{
		UserID:     userID,
		Name:       "calculus-notes.txt",
		Size:       4096,
		Mime:       "text/plain",
		SourcePath: "minio://uploads/calculus-notes.txt",
		Status:     StatusQueued,
	}
	require.NoError(t, db.Create(&doc).Error)
	return doc
}

func TestWorkerIngestHappyPath(t *testing.T) {
	db := setupIngestDB(t)
	store := NewMemoryStore()
	sink := &recordingSink{}
	awards := &channelAwarder{grants: make(chan int, 1)}
	generator := &fakeGenerator{response: `{"name":"Professor Leibniz","tone":"encouraging",` +
		`"behavior_prompt":"Teach calculus from these notes.","summary":"Lecture notes on derivatives.",` +
		`"key_points":["limits","chain rule"]}`}

	text := strings.Repeat("derivatives and limits form the core of calculus. ", 40)
	worker, err := NewWorker(db, &fakeEmbedder{}, store, &fakeExtractor{text: text},
		WithEvents(sink),
		WithGenerator(generator),
		WithReputation(awards),
		WithBatchSize(3),
	)
	require.NoError(t, err)
	defer worker.Release()

	doc := createQueuedDocument(t, db, 7)
	require.NoError(t, worker.Enqueue(doc.ID, doc.SourcePath))
	worker.Drain()

	var updated Document
	require.NoError(t, db.Take(&updated, doc.ID).Error)
	assert.Equal(t, StatusIndexed, updated.Status)
	assert.Nil(t, updated.Error)
	assert.Positive(t, updated.PageCount)
	assert.Positive(t, updated.WordCount)
	require.NotNil(t, updated.PersonaName)
	assert.Equal(t, "Professor Leibniz", *updated.PersonaName)
	require.NotNil(t, updated.PersonaPrompt)
	assert.Equal(t, "Teach calculus from these notes.", *updated.PersonaPrompt)
	require.NotNil(t, updated.Summary)
	assert.NotEmpty(t, updated.KeyPoints)

	var chunks []Chunk
	require.NoError(t, db.Where("document_id = ?", doc.ID).Order("seq ASC").Find(&chunks).Error)
	require.NotEmpty(t, chunks)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Seq)
		assert.Equal(t, doc.UserID, chunk.UserID)
		assert.NotEmpty(t, chunk.VectorID)
	}
	assert.Equal(t, len(chunks), store.Count(doc.ID))

	names := sink.names()
	assert.Contains(t, names, "processing-started")
	assert.Contains(t, names, "completed")
	assert.Equal(t, []int{10, 25, 70, 85, 100}, sink.progressPercents())

	select {
	case points := <-awards.grants:
		assert.Equal(t, indexedReputationBonus, points)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reputation award")
	}
}

func TestWorkerIngestExtractionFailure(t *testing.T) {
	db := setupIngestDB(t)
	store := NewMemoryStore()
	sink := &recordingSink{}

	worker, err := NewWorker(db, &fakeEmbedder{}, store,
		&fakeExtractor{err: errors.New("corrupt upload")},
		WithEvents(sink),
	)
	require.NoError(t, err)
	defer worker.Release()

	doc := createQueuedDocument(t, db, 7)
	require.NoError(t, worker.Enqueue(doc.ID, doc.SourcePath))
	worker.Drain()

	var updated Document
	require.NoError(t, db.Take(&updated, doc.ID).Error)
	assert.Equal(t, StatusFailed, updated.Status)
	require.NotNil(t, updated.Error)
	assert.Contains(t, *updated.Error, "corrupt upload")

	var count int64
	require.NoError(t, db.Model(&Chunk{}).Where("document_id = ?", doc.ID).Count(&count).Error)
	assert.Zero(t, count)
	assert.Zero(t, store.Count(doc.ID))

	assert.Contains(t, sink.names(), "failed")
	assert.NotContains(t, sink.names(), "completed")
}

func TestWorkerFailureMessageTruncatedOnRuneBoundary(t *testing.T) {
	db := setupIngestDB(t)

	worker, err := NewWorker(db, &fakeEmbedder{}, NewMemoryStore(),
		&fakeExtractor{err: errors.New(strings.Repeat("解析失敗", 400))})
	require.NoError(t, err)
	defer worker.Release()

	doc := createQueuedDocument(t, db, 7)
	require.NoError(t, worker.Enqueue(doc.ID, doc.SourcePath))
	worker.Drain()

	var updated Document
	require.NoError(t, db.Take(&updated, doc.ID).Error)
	assert.Equal(t, StatusFailed, updated.Status)
	require.NotNil(t, updated.Error)
	assert.True(t, utf8.ValidString(*updated.Error))
	assert.Equal(t, 900, len([]rune(*updated.Error)))
}

func TestWorkerFailurePreservesTerminalStatus(t *testing.T) {
	db := setupIngestDB(t)

	worker, err := NewWorker(db, &fakeEmbedder{}, NewMemoryStore(), &fakeExtractor{text: "some text"})
	require.NoError(t, err)
	defer worker.Release()

	doc := createQueuedDocument(t, db, 7)
	require.NoError(t, db.Model(&Document{}).Where("id = ?", doc.ID).Update("status", StatusIndexed).Error)

	worker.fail(context.Background(), doc, errors.New("late failure"))

	var updated Document
	require.NoError(t, db.Take(&updated, doc.ID).Error)
	assert.Equal(t, StatusIndexed, updated.Status)
	assert.Nil(t, updated.Error)
}

func TestWorkerIngestEmbeddingFailure(t *testing.T) {
	db := setupIngestDB(t)
	store := NewMemoryStore()

	worker, err := NewWorker(db, &fakeEmbedder{err: ErrModelUnavailable}, store,
		&fakeExtractor{text: strings.Repeat("study material ", 100)})
	require.NoError(t, err)
	defer worker.Release()

	doc := createQueuedDocument(t, db, 7)
	require.NoError(t, worker.Enqueue(doc.ID, doc.SourcePath))
	worker.Drain()

	var updated Document
	require.NoError(t, db.Take(&updated, doc.ID).Error)
	assert.Equal(t, StatusFailed, updated.Status)
	require.NotNil(t, updated.Error)
	assert.Contains(t, *updated.Error, "embed batch")
}

func TestWorkerIngestPersonaFailureIsNotFatal(t *testing.T) {
	db := setupIngestDB(t)

	worker, err := NewWorker(db, &fakeEmbedder{}, NewMemoryStore(),
		&fakeExtractor{text: strings.Repeat("study material ", 100)},
		WithGenerator(&fakeGenerator{err: errors.New("model overloaded")}),
	)
	require.NoError(t, err)
	defer worker.Release()

	doc := createQueuedDocument(t, db, 7)
	require.NoError(t, worker.Enqueue(doc.ID, doc.SourcePath))
	worker.Drain()

	var updated Document
	require.NoError(t, db.Take(&updated, doc.ID).Error)
	assert.Equal(t, StatusIndexed, updated.Status)
	assert.Nil(t, updated.PersonaName)
	assert.Nil(t, updated.Summary)
}

func TestWorkerIngestMalformedPersonaJSON(t *testing.T) {
	db := setupIngestDB(t)

	worker, err := NewWorker(db, &fakeEmbedder{}, NewMemoryStore(),
		&fakeExtractor{text: strings.Repeat("study material ", 100)},
		WithGenerator(&fakeGenerator{response: "sorry, I cannot help with that"}),
	)
	require.NoError(t, err)
	defer worker.Release()

	doc := createQueuedDocument(t, db, 7)
	require.NoError(t, worker.Enqueue(doc.ID, doc.SourcePath))
	worker.Drain()

	var updated Document
	require.NoError(t, db.Take(&updated, doc.ID).Error)
	assert.Equal(t, StatusIndexed, updated.Status)
	assert.Nil(t, updated.PersonaName)
}

func TestWorkerEnqueueDuplicateJob(t *testing.T) {
	db := setupIngestDB(t)
	barrier := make(chan struct{})

	worker, err := NewWorker(db, &fakeEmbedder{}, NewMemoryStore(),
		&fakeExtractor{text: "some text", barrier: barrier})
	require.NoError(t, err)
	defer worker.Release()

	doc := createQueuedDocument(t, db, 7)
	require.NoError(t, worker.Enqueue(doc.ID, doc.SourcePath))

	err = worker.Enqueue(doc.ID, doc.SourcePath)
	assert.ErrorIs(t, err, ErrJobInFlight)

	close(barrier)
	worker.Drain()

	// Once the first job finished the document may be enqueued again.
	assert.NotErrorIs(t, worker.Enqueue(doc.ID, doc.SourcePath), ErrJobInFlight)
	worker.Drain()
}

func TestWorkerRefusesNonQueuedDocument(t *testing.T) {
	db := setupIngestDB(t)
	store := NewMemoryStore()

	worker, err := NewWorker(db, &fakeEmbedder{}, store, &fakeExtractor{text: "some text"})
	require.NoError(t, err)
	defer worker.Release()

	doc := createQueuedDocument(t, db, 7)
	require.NoError(t, db.Model(&Document{}).Where("id = ?", doc.ID).Update("status", StatusIndexed).Error)

	require.NoError(t, worker.Enqueue(doc.ID, doc.SourcePath))
	worker.Drain()

	var updated Document
	require.NoError(t, db.Take(&updated, doc.ID).Error)
	assert.Equal(t, StatusIndexed, updated.Status)
	assert.Zero(t, store.Count(doc.ID))
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences(`{"a":1}`))
}
