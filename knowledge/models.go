package knowledge

import (
	"time"

	"gorm.io/datatypes"
)

// Document lifecycle statuses. A document only moves forward through these;
// FAILED is reachable from any non-terminal state and INDEXED/FAILED are
// terminal for the attempt (retry resets to QUEUED after purging chunks).
const (
	StatusQueued      = "queued"
	StatusProcessing  = "processing"
	StatusVectorizing = "vectorizing"
	StatusIndexed     = "indexed"
	StatusFailed      = "failed"
)

// Document is a knowledge node created on upload. Only the ingestion worker
// and the chat query counter mutate it.
type Document struct {
	ID            uint64         `gorm:"primaryKey" json:"id"`
	UserID        uint64         `gorm:"not null;index" json:"user_id"`
	Name          string         `gorm:"size:255;not null" json:"name"`
	Size          int64          `gorm:"not null;default:0" json:"size"`
	Mime          string         `gorm:"size:127" json:"mime"`
	SourcePath    string         `gorm:"size:512" json:"source_path"`
	PageCount     int            `gorm:"not null;default:0" json:"page_count"`
	WordCount     int            `gorm:"not null;default:0" json:"word_count"`
	Status        string         `gorm:"size:16;not null;default:'queued';index" json:"status"`
	Error         *string        `gorm:"size:1000" json:"error,omitempty"`
	PersonaName   *string        `gorm:"size:120" json:"persona_name,omitempty"`
	PersonaTone   *string        `gorm:"size:120" json:"persona_tone,omitempty"`
	PersonaPrompt *string        `gorm:"size:2000" json:"persona_prompt,omitempty"`
	Summary       *string        `gorm:"size:2000" json:"summary,omitempty"`
	KeyPoints     datatypes.JSON `gorm:"type:json" json:"key_points,omitempty"`
	QueryCount    int            `gorm:"not null;default:0" json:"query_count"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (Document) TableName() string {
	return "knowledge_documents"
}

// Chunk is an immutable, positioned slice of a document's extracted text.
// Seq is 0-based and contiguous over kept chunks. The embedding itself lives
// in the vector store under VectorID.
type Chunk struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	DocumentID  uint64    `gorm:"not null;index:idx_document_seq" json:"document_id"`
	UserID      uint64    `gorm:"not null;index" json:"user_id"`
	Seq         int       `gorm:"not null;index:idx_document_seq" json:"seq"`
	Text        string    `gorm:"type:text;not null" json:"text"`
	VectorID    string    `gorm:"size:128;not null;uniqueIndex" json:"vector_id"`
	StartOffset int       `gorm:"not null;default:0" json:"start_offset"`
	EndOffset   int       `gorm:"not null;default:0" json:"end_offset"`
	Page        int       `gorm:"not null;default:0" json:"page"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Chunk) TableName() string {
	return "knowledge_chunks"
}

// Persona is the synthesized tutor identity derived from document content.
type Persona struct {
	Name   string `json:"name"`
	Tone   string `json:"tone"`
	Prompt string `json:"behavior_prompt"`
}

// terminalStatuses end an ingestion attempt; a document in one of them only
// moves again through an explicit retry.
var terminalStatuses = []string{StatusIndexed, StatusFailed}
