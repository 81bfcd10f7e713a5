package knowledge

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingPurger struct {
	mu     sync.Mutex
	purged []uint64
}

func (p *recordingPurger) DeleteByDocument(ctx context.Context, documentID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged = append(p.purged, documentID)
	return nil
}

func newTestService(t *testing.T, db *gorm.DB, store VectorStore, worker *Worker) *Service {
	t.Helper()
	service, err := NewService(db, store, worker)
	require.NoError(t, err)
	return service
}

func TestServiceCreateDocument(t *testing.T) {
	ctx := context.Background()
	db := setupIngestDB(t)
	store := NewMemoryStore()

	worker, err := NewWorker(db, &fakeEmbedder{}, store,
		&fakeExtractor{text: strings.Repeat("reading material ", 80)})
	require.NoError(t, err)
	defer worker.Release()

	service := newTestService(t, db, store, worker)

	record, err := service.CreateDocument(ctx, 7, DocumentInput{
		Name:       "biology.txt",
		Size:       2048,
		Mime:       "text/plain",
		SourcePath: "minio://uploads/biology.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, record.Status)
	assert.Equal(t, uint64(7), record.UserID)

	worker.Drain()

	fetched, err := service.GetDocument(ctx, 7, record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIndexed, fetched.Status)
	assert.Positive(t, fetched.ChunkCount)

	t.Run("missing name is rejected", func(t *testing.T) {
		_, err := service.CreateDocument(ctx, 7, DocumentInput{SourcePath: "minio://x"})
		assert.Error(t, err)
	})

	t.Run("missing source path is rejected", func(t *testing.T) {
		_, err := service.CreateDocument(ctx, 7, DocumentInput{Name: "x.txt"})
		assert.Error(t, err)
	})
}

func TestServiceOwnershipBoundary(t *testing.T) {
	ctx := context.Background()
	db := setupIngestDB(t)
	store := NewMemoryStore()
	service := newTestService(t, db, store, nil)

	doc := createQueuedDocument(t, db, 7)

	_, err := service.GetDocument(ctx, 99, doc.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	err = service.DeleteDocument(ctx, 99, doc.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	records, err := service.ListDocuments(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestServiceDeleteDocumentCascades(t *testing.T) {
	ctx := context.Background()
	db := setupIngestDB(t)
	store := NewMemoryStore()

	worker, err := NewWorker(db, &fakeEmbedder{}, store,
		&fakeExtractor{text: strings.Repeat("reading material ", 80)})
	require.NoError(t, err)
	defer worker.Release()

	service := newTestService(t, db, store, worker)
	purger := &recordingPurger{}
	service.SetConversationPurger(purger)

	record, err := service.CreateDocument(ctx, 7, DocumentInput{
		Name: "biology.txt", SourcePath: "minio://uploads/biology.txt",
	})
	require.NoError(t, err)
	worker.Drain()
	require.Positive(t, store.Count(record.ID))

	require.NoError(t, service.DeleteDocument(ctx, 7, record.ID))

	var count int64
	require.NoError(t, db.Model(&Chunk{}).Where("document_id = ?", record.ID).Count(&count).Error)
	assert.Zero(t, count)
	assert.Zero(t, store.Count(record.ID))
	assert.Equal(t, []uint64{record.ID}, purger.purged)

	_, err = service.GetDocument(ctx, 7, record.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestServiceRetryDocument(t *testing.T) {
	ctx := context.Background()
	db := setupIngestDB(t)
	store := NewMemoryStore()

	t.Run("only failed documents can be retried", func(t *testing.T) {
		service := newTestService(t, db, store, nil)
		doc := createQueuedDocument(t, db, 7)

		_, err := service.RetryDocument(ctx, 7, doc.ID)
		assert.Error(t, err)
	})

	t.Run("retry purges partial chunks and requeues", func(t *testing.T) {
		extractor := &fakeExtractor{err: assert.AnError}
		worker, err := NewWorker(db, &fakeEmbedder{}, store, extractor)
		require.NoError(t, err)
		defer worker.Release()

		service := newTestService(t, db, store, worker)
		record, err := service.CreateDocument(ctx, 7, DocumentInput{
			Name: "physics.txt", SourcePath: "minio://uploads/physics.txt",
		})
		require.NoError(t, err)
		worker.Drain()

		failed, err := service.GetDocument(ctx, 7, record.ID)
		require.NoError(t, err)
		require.Equal(t, StatusFailed, failed.Status)

		// Source became readable; the retry should succeed end to end.
		extractor.err = nil
		extractor.text = strings.Repeat("newton's laws of motion ", 60)

		retried, err := service.RetryDocument(ctx, 7, record.ID)
		require.NoError(t, err)
		assert.Nil(t, retried.Error)
		worker.Drain()

		final, err := service.GetDocument(ctx, 7, record.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusIndexed, final.Status)
		assert.Positive(t, final.ChunkCount)
	})
}

func TestServiceVerifyOwnedIndexed(t *testing.T) {
	ctx := context.Background()
	db := setupIngestDB(t)
	service := newTestService(t, db, NewMemoryStore(), nil)

	doc := createQueuedDocument(t, db, 7)

	_, err := service.VerifyOwnedIndexed(ctx, 7, doc.ID)
	assert.ErrorIs(t, err, ErrDocumentNotReady)

	require.NoError(t, db.Model(&Document{}).Where("id = ?", doc.ID).Update("status", StatusIndexed).Error)

	verified, err := service.VerifyOwnedIndexed(ctx, 7, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, verified.ID)

	_, err = service.VerifyOwnedIndexed(ctx, 99, doc.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestServiceIncrementQueryCount(t *testing.T) {
	ctx := context.Background()
	db := setupIngestDB(t)
	service := newTestService(t, db, NewMemoryStore(), nil)

	doc := createQueuedDocument(t, db, 7)
	service.IncrementQueryCount(ctx, doc.ID)
	service.IncrementQueryCount(ctx, doc.ID)

	var updated Document
	require.NoError(t, db.Take(&updated, doc.ID).Error)
	assert.Equal(t, 2, updated.QueryCount)
}
