package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrDocumentNotReady marks a document that exists but has not reached
// INDEXED yet.
var ErrDocumentNotReady = errors.New("knowledge: document is not indexed yet")

// ConversationPurger removes the conversations attached to a document.
// Implemented by the chat module; wired at startup to avoid a package cycle.
type ConversationPurger interface {
	DeleteByDocument(ctx context.Context, documentID uint64) error
}

// Service exposes the document operations around the ingestion pipeline:
// registration, authoritative status reads, cascade deletion and retry.
type Service struct {
	db     *gorm.DB
	store  VectorStore
	worker *Worker
	purger ConversationPurger
}

// NewService builds the document service. worker may be nil for read-only
// deployments.
func NewService(db *gorm.DB, store VectorStore, worker *Worker) (*Service, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}
	if store == nil {
		return nil, errors.New("knowledge: vector store is required")
	}
	return &Service{db: db, store: store, worker: worker}, nil
}

// SetConversationPurger wires the chat-side cascade for document deletion.
func (s *Service) SetConversationPurger(purger ConversationPurger) {
	s.purger = purger
}

// AutoMigrate creates the document and chunk tables.
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&Document{}, &Chunk{})
}

// DocumentInput registers an already-uploaded source file.
type DocumentInput struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Mime       string `json:"mime"`
	SourcePath string `json:"source_path"`
}

// DocumentRecord is the API projection of a document.
type DocumentRecord struct {
	ID          uint64    `json:"id"`
	UserID      uint64    `json:"user_id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Mime        string    `json:"mime"`
	PageCount   int       `json:"page_count"`
	WordCount   int       `json:"word_count"`
	ChunkCount  int       `json:"chunk_count"`
	Status      string    `json:"status"`
	Error       *string   `json:"error,omitempty"`
	PersonaName *string   `json:"persona_name,omitempty"`
	PersonaTone *string   `json:"persona_tone,omitempty"`
	Summary     *string   `json:"summary,omitempty"`
	KeyPoints   []string  `json:"key_points,omitempty"`
	QueryCount  int       `json:"query_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateDocument registers a stored upload as a QUEUED knowledge node and
// submits its ingestion job.
func (s *Service) CreateDocument(ctx context.Context, userID uint64, input DocumentInput) (*DocumentRecord, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errors.New("knowledge: document name is required")
	}
	sourcePath := strings.TrimSpace(input.SourcePath)
	if sourcePath == "" {
		return nil, errors.New("knowledge: source path is required")
	}

	doc := Document{
		UserID:     userID,
		Name:       name,
		Size:       input.Size,
		Mime:       strings.TrimSpace(input.Mime),
		SourcePath: sourcePath,
		Status:     StatusQueued,
	}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return nil, err
	}

	if s.worker != nil {
		if err := s.worker.Enqueue(doc.ID, doc.SourcePath); err != nil {
			return nil, err
		}
	}

	record := buildDocumentRecord(doc, 0)
	return &record, nil
}

// GetDocument returns the authoritative state of one owned document.
func (s *Service) GetDocument(ctx context.Context, userID, docID uint64) (*DocumentRecord, error) {
	var doc Document
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", docID, userID).
		Take(&doc).Error; err != nil {
		return nil, err
	}

	var count int64
	_ = s.db.WithContext(ctx).Model(&Chunk{}).Where("document_id = ?", doc.ID).Count(&count)

	record := buildDocumentRecord(doc, int(count))
	return &record, nil
}

// ListDocuments returns the owner's documents, most recently updated first.
func (s *Service) ListDocuments(ctx context.Context, userID uint64) ([]DocumentRecord, error) {
	var docs []Document
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&docs).Error; err != nil {
		return nil, err
	}

	counts := make(map[uint64]int)
	if len(docs) > 0 {
		var rows []struct {
			DocumentID uint64
			Count      int
		}
		if err := s.db.WithContext(ctx).
			Model(&Chunk{}).
			Select("document_id, COUNT(*) as count").
			Where("user_id = ?", userID).
			Group("document_id").
			Find(&rows).Error; err == nil {
			for _, row := range rows {
				counts[row.DocumentID] = row.Count
			}
		}
	}

	records := make([]DocumentRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, buildDocumentRecord(doc, counts[doc.ID]))
	}
	return records, nil
}

// DeleteDocument removes a document with all of its chunks, vectors and
// conversations. Subsequent retrieval against the id yields empty results.
func (s *Service) DeleteDocument(ctx context.Context, userID, docID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		if err := tx.Where("id = ? AND user_id = ?", docID, userID).Take(&doc).Error; err != nil {
			return err
		}

		if err := s.store.DeleteByDocument(ctx, docID); err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", docID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if s.purger != nil {
			if err := s.purger.DeleteByDocument(ctx, docID); err != nil {
				return err
			}
		}
		return tx.Delete(&Document{}, docID).Error
	})
}

// RetryDocument purges the partial chunks of a FAILED document and requeues
// it as a fresh ingestion job.
func (s *Service) RetryDocument(ctx context.Context, userID, docID uint64) (*DocumentRecord, error) {
	var doc Document
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", docID, userID).
		Take(&doc).Error; err != nil {
		return nil, err
	}
	if doc.Status != StatusFailed {
		return nil, fmt.Errorf("knowledge: document %d is %s, only failed documents can be retried", docID, doc.Status)
	}

	if err := s.store.DeleteByDocument(ctx, docID); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Where("document_id = ?", docID).Delete(&Chunk{}).Error; err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND status = ?", docID, StatusFailed).
		Updates(map[string]any{"status": StatusQueued, "error": gorm.Expr("NULL"), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errors.New("knowledge: document changed state during retry")
	}

	if s.worker != nil {
		if err := s.worker.Enqueue(docID, doc.SourcePath); err != nil {
			return nil, err
		}
	}

	doc.Status = StatusQueued
	doc.Error = nil
	record := buildDocumentRecord(doc, 0)
	return &record, nil
}

// VerifyOwnedIndexed loads a document and checks it belongs to the owner and
// finished ingestion. Used by the chat orchestrator before retrieval.
func (s *Service) VerifyOwnedIndexed(ctx context.Context, userID, docID uint64) (*Document, error) {
	var doc Document
	if err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", docID, userID).
		Take(&doc).Error; err != nil {
		return nil, err
	}
	if doc.Status != StatusIndexed {
		return nil, ErrDocumentNotReady
	}
	return &doc, nil
}

// IncrementQueryCount bumps the document's query counter. Failures are
// logged; the counter is informational.
func (s *Service) IncrementQueryCount(ctx context.Context, docID uint64) {
	if err := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", docID).
		Update("query_count", gorm.Expr("query_count + 1")).Error; err != nil {
		log.Printf("knowledge: bump query count for document %d: %v", docID, err)
	}
}

func buildDocumentRecord(doc Document, chunkCount int) DocumentRecord {
	record := DocumentRecord{
		ID:          doc.ID,
		UserID:      doc.UserID,
		Name:        doc.Name,
		Size:        doc.Size,
		Mime:        doc.Mime,
		PageCount:   doc.PageCount,
		WordCount:   doc.WordCount,
		ChunkCount:  chunkCount,
		Status:      doc.Status,
		Error:       doc.Error,
		PersonaName: doc.PersonaName,
		PersonaTone: doc.PersonaTone,
		Summary:     doc.Summary,
		QueryCount:  doc.QueryCount,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
	if len(doc.KeyPoints) > 0 {
		var points []string
		if err := json.Unmarshal(doc.KeyPoints, &points); err == nil {
			record.KeyPoints = points
		}
	}
	return record
}
