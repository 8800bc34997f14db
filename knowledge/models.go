package knowledge

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Document lifecycle states. Transitions only move forward
// (uploading -> processing -> ready|failed) except for the operator
// reprocessing path, which takes a failed document back to processing.
const (
	StatusUploading  = "uploading"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

type KnowledgeBase struct {
	ID         uint64    `gorm:"primaryKey" json:"id"`
	OwnerID    uint64    `gorm:"not null;index" json:"owner_id"`
	Name       string    `gorm:"size:200;not null" json:"name"`
	Visibility string    `gorm:"size:16;not null;default:'private'" json:"visibility"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

type Document struct {
	ID              uint64    `gorm:"primaryKey" json:"id"`
	KnowledgeBaseID uint64    `gorm:"not null;index" json:"knowledge_base_id"`
	FileName        string    `gorm:"size:255;not null" json:"file_name"`
	OriginalName    string    `gorm:"size:255;not null" json:"original_name"`
	MimeType        string    `gorm:"size:128;not null" json:"mime_type"`
	SizeBytes       int64     `gorm:"not null;default:0" json:"size_bytes"`
	BlobURL         string    `gorm:"size:512" json:"blob_url"`
	Status          string    `gorm:"size:16;not null;default:'uploading'" json:"status"`
	ErrorMessage    *string   `gorm:"size:1000" json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Document) TableName() string {
	return "knowledge_documents"
}

// Chunk rows exist only for ready documents; the batch insert at the end of
// ingestion is the publish point. ChunkIndex is 0-based and gapless per
// document, and VectorID is the join key against the vector index.
type Chunk struct {
	ID              uint64         `gorm:"primaryKey" json:"id"`
	DocumentID      uint64         `gorm:"not null;index:idx_document_chunk" json:"document_id"`
	KnowledgeBaseID uint64         `gorm:"not null;index" json:"knowledge_base_id"`
	ChunkIndex      int            `gorm:"not null;index:idx_document_chunk" json:"chunk_index"`
	Content         string         `gorm:"type:text;not null" json:"content"`
	TokenCount      int            `gorm:"not null;default:0" json:"token_count"`
	VectorID        string         `gorm:"size:128;not null;uniqueIndex" json:"vector_id"`
	Position        datatypes.JSON `gorm:"type:json" json:"position,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (Chunk) TableName() string {
	return "knowledge_chunks"
}

// ChunkPosition locates a chunk inside its source document. Start/End are
// rune offsets into the pre-trim extracted text; Page and Section are only
// set for paginated or structured sources.
type ChunkPosition struct {
	Start   int     `json:"start"`
	End     int     `json:"end"`
	Page    *int    `json:"page,omitempty"`
	Section *string `json:"section,omitempty"`
}

func (p ChunkPosition) toJSON() datatypes.JSON {
	raw, err := json.Marshal(p)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}

func parsePosition(raw datatypes.JSON) ChunkPosition {
	var pos ChunkPosition
	if len(raw) == 0 {
		return pos
	}
	_ = json.Unmarshal(raw, &pos)
	return pos
}
