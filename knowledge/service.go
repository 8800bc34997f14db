package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"kbase_back/storage"
)

// BlobStore is the durable byte store documents are fetched from during
// ingestion. Objects are addressed by the URL returned from Put.
type BlobStore interface {
	Put(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
	Fetch(ctx context.Context, blobURL string) ([]byte, error)
	Remove(ctx context.Context, blobURL string) error
}

// Service owns the document ingestion pipeline and the retrieval engine for
// user knowledge bases. Ingestion runs detached on a fixed worker pool; the
// document status column is the only externally observable progress signal.
type Service struct {
	db        *gorm.DB
	embedder  Embedder
	vectors   vectorIndex
	blobs     BlobStore
	chunker   *Chunker
	cache     *retrievalCache
	vectorDim int

	jobs      chan uint64
	workersWG sync.WaitGroup
	closeOnce sync.Once
}

// NewServiceFromEnv wires the service from environment variables: the
// embedding provider, the Qdrant index, MinIO blob storage and the optional
// Redis retrieval cache.
func NewServiceFromEnv(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}

	embedder, err := NewHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}

	vectors, err := newQdrantIndexFromEnv()
	if err != nil {
		return nil, err
	}

	blobs, err := storage.NewFileStorageFromEnv()
	if err != nil {
		return nil, err
	}
	if blobs == nil {
		return nil, errors.New("knowledge: blob storage is required (set MINIO_* environment variables)")
	}

	chunker := NewChunker(
		envInt("KNOWLEDGE_CHUNK_SIZE", defaultChunkSize),
		envInt("KNOWLEDGE_CHUNK_OVERLAP", defaultChunkOverlap),
	)

	service := newService(db, embedder, vectors, blobs, chunker, envInt("EMBEDDING_VECTOR_DIM", defaultEmbedDimension), envInt("KNOWLEDGE_WORKERS", 2))
	service.cache = newRetrievalCacheFromEnv()
	return service, nil
}

func newService(db *gorm.DB, embedder Embedder, vectors vectorIndex, blobs BlobStore, chunker *Chunker, vectorDim, workers int) *Service {
	if chunker == nil {
		chunker = NewChunker(defaultChunkSize, defaultChunkOverlap)
	}
	if workers <= 0 {
		workers = 2
	}
	service := &Service{
		db:        db,
		embedder:  embedder,
		vectors:   vectors,
		blobs:     blobs,
		chunker:   chunker,
		vectorDim: vectorDim,
		jobs:      make(chan uint64, 128),
	}
	service.workersWG.Add(workers)
	for i := 0; i < workers; i++ {
		go service.worker()
	}
	return service
}

func (s *Service) AutoMigrate() error {
	if s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	return s.db.AutoMigrate(&KnowledgeBase{}, &Document{}, &Chunk{})
}

// Close stops the ingestion workers after in-flight documents finish.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.jobs)
	})
	s.workersWG.Wait()
}

func (s *Service) CreateKnowledgeBase(ctx context.Context, ownerID uint64, name, visibility string) (*KnowledgeBase, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("knowledge: knowledge base name is required")
	}
	if visibility != VisibilityPublic {
		visibility = VisibilityPrivate
	}

	base := KnowledgeBase{
		OwnerID:    ownerID,
		Name:       name,
		Visibility: visibility,
	}
	if err := s.db.WithContext(ctx).Create(&base).Error; err != nil {
		return nil, err
	}
	return &base, nil
}

func (s *Service) ListKnowledgeBases(ctx context.Context, ownerID uint64) ([]KnowledgeBase, error) {
	var bases []KnowledgeBase
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&bases).Error
	return bases, err
}

func (s *Service) GetKnowledgeBase(ctx context.Context, ownerID, baseID uint64) (*KnowledgeBase, error) {
	var base KnowledgeBase
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", baseID, ownerID).
		Take(&base).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &base, nil
}

// DeleteKnowledgeBase removes the base, its documents, their chunks and the
// associated vectors. Vector deletion is best-effort and never blocks the
// metadata delete.
func (s *Service) DeleteKnowledgeBase(ctx context.Context, ownerID, baseID uint64) error {
	base, err := s.GetKnowledgeBase(ctx, ownerID, baseID)
	if err != nil {
		return err
	}

	s.vectors.DeleteByFilter(ctx, map[string]interface{}{"knowledge_base_id": base.ID})

	var docs []Document
	if err := s.db.WithContext(ctx).Where("knowledge_base_id = ?", base.ID).Find(&docs).Error; err == nil {
		for _, doc := range docs {
			if doc.BlobURL == "" {
				continue
			}
			if err := s.blobs.Remove(ctx, doc.BlobURL); err != nil {
				log.Printf("knowledge: remove blob for document %d: %v", doc.ID, err)
			}
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("knowledge_base_id = ?", base.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("knowledge_base_id = ?", base.ID).Delete(&Document{}).Error; err != nil {
			return err
		}
		return tx.Delete(&KnowledgeBase{}, base.ID).Error
	})
}

// UploadDocument accepts raw bytes, stores them durably and schedules the
// ingestion pipeline. It returns as soon as the metadata row reaches
// processing; callers observe completion by polling document status.
func (s *Service) UploadDocument(ctx context.Context, baseID uint64, originalName, mimeType string, data []byte) (*Document, error) {
	var base KnowledgeBase
	if err := s.db.WithContext(ctx).Take(&base, baseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	originalName = strings.TrimSpace(originalName)
	if originalName == "" {
		originalName = "untitled"
	}
	storedName := uuid.NewString() + strings.ToLower(path.Ext(originalName))

	doc := Document{
		KnowledgeBaseID: base.ID,
		FileName:        storedName,
		OriginalName:    originalName,
		MimeType:        strings.TrimSpace(mimeType),
		SizeBytes:       int64(len(data)),
		Status:          StatusUploading,
	}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return nil, err
	}

	objectName := path.Join("documents", fmt.Sprintf("kb_%d", base.ID), storedName)
	blobURL, err := s.blobs.Put(ctx, objectName, data, doc.MimeType)
	if err != nil {
		message := fmt.Sprintf("store document bytes: %v", err)
		s.markFailed(ctx, doc.ID, message)
		return nil, fmt.Errorf("knowledge: store document bytes: %w", err)
	}

	updates := map[string]interface{}{
		"blob_url": blobURL,
		"status":   StatusProcessing,
	}
	if err := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", doc.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	doc.BlobURL = blobURL
	doc.Status = StatusProcessing

	s.enqueue(doc.ID)
	return &doc, nil
}

func (s *Service) ListDocuments(ctx context.Context, baseID uint64) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ?", baseID).
		Order("created_at DESC").
		Find(&docs).Error
	return docs, err
}

func (s *Service) GetDocument(ctx context.Context, baseID, docID uint64) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("id = ? AND knowledge_base_id = ?", docID, baseID).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument removes the document row, its chunks, its vectors and its
// stored bytes. Vector and blob deletion are best-effort.
func (s *Service) DeleteDocument(ctx context.Context, baseID, docID uint64) error {
	doc, err := s.GetDocument(ctx, baseID, docID)
	if err != nil {
		return err
	}

	s.vectors.DeleteByFilter(ctx, map[string]interface{}{"document_id": doc.ID})
	if doc.BlobURL != "" {
		if err := s.blobs.Remove(ctx, doc.BlobURL); err != nil {
			log.Printf("knowledge: remove blob for document %d: %v", doc.ID, err)
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Document{}, doc.ID).Error
	})
}

// ReprocessDocument is the operator path that takes a failed document back
// to processing and re-runs the pipeline. Only failed documents qualify.
func (s *Service) ReprocessDocument(ctx context.Context, baseID, docID uint64) (*Document, error) {
	doc, err := s.GetDocument(ctx, baseID, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status != StatusFailed {
		return nil, fmt.Errorf("knowledge: document %d is %s; only failed documents can be reprocessed", doc.ID, doc.Status)
	}

	updates := map[string]interface{}{
		"status":        StatusProcessing,
		"error_message": gorm.Expr("NULL"),
	}
	if err := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", doc.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	doc.Status = StatusProcessing
	doc.ErrorMessage = nil

	s.enqueue(doc.ID)
	return doc, nil
}

func (s *Service) markFailed(ctx context.Context, docID uint64, message string) {
	if len(message) > 1000 {
		message = message[:1000]
	}
	updates := map[string]interface{}{
		"status":        StatusFailed,
		"error_message": message,
	}
	if err := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", docID).Updates(updates).Error; err != nil {
		log.Printf("knowledge: mark document %d failed: %v", docID, err)
	}
}
