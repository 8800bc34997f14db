package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// The ingestion pipeline drives one document through
// processing -> ready|failed. Failures are terminal-but-local: the status
// row carries the message and nothing is re-thrown to the uploader.

func (s *Service) worker() {
	defer s.workersWG.Done()
	for docID := range s.jobs {
		s.processDocument(context.Background(), docID)
	}
}

// enqueue hands a document to the worker pool without ever blocking the
// triggering request; overflow spills into a goroutine that waits for room.
func (s *Service) enqueue(docID uint64) {
	select {
	case s.jobs <- docID:
	default:
		go func() { s.jobs <- docID }()
	}
}

// ResumeInterrupted re-enqueues documents stranded in processing, e.g.
// after a crash mid-pipeline. Returns the number of documents re-queued.
func (s *Service) ResumeInterrupted(ctx context.Context) (int, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("status = ?", StatusProcessing).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.enqueue(id)
	}
	return len(ids), nil
}

func (s *Service) processDocument(ctx context.Context, docID uint64) {
	var doc Document
	if err := s.db.WithContext(ctx).Take(&doc, docID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("knowledge: document %d vanished before processing", docID)
			return
		}
		log.Printf("knowledge: load document %d: %v", docID, err)
		return
	}
	if doc.Status != StatusProcessing {
		log.Printf("knowledge: document %d is %s, skipping pipeline", doc.ID, doc.Status)
		return
	}

	if err := s.runPipeline(ctx, &doc); err != nil {
		log.Printf("knowledge: document %d failed: %v", doc.ID, err)
		s.markFailed(ctx, doc.ID, err.Error())
	}
}

// runPipeline executes fetch -> extract -> chunk -> embed -> upsert ->
// publish chunk rows -> ready. Chunk rows are written all-or-nothing in one
// transaction; vectors upserted in this run are removed again if that
// transaction fails.
func (s *Service) runPipeline(ctx context.Context, doc *Document) error {
	data, err := s.blobs.Fetch(ctx, doc.BlobURL)
	if err != nil {
		return fmt.Errorf("fetch document bytes: %w", err)
	}

	text, err := ExtractText(data, doc.MimeType)
	if err != nil {
		return fmt.Errorf("extract text: %w", err)
	}

	segments, err := s.chunker.Split(text)
	if err != nil {
		return fmt.Errorf("chunk text: %w", err)
	}
	if len(segments) == 0 {
		return errors.New("chunking produced no segments")
	}

	texts := make([]string, len(segments))
	for i, segment := range segments {
		texts[i] = segment.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(segments) {
		return fmt.Errorf("%w: expected %d vectors, got %d", ErrMalformedResponse, len(segments), len(vectors))
	}

	if err := s.vectors.EnsureCollection(ctx, s.vectorDim); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	now := time.Now().UTC()
	points := make([]VectorPoint, len(segments))
	chunks := make([]Chunk, len(segments))
	for i, segment := range segments {
		vectorID := uuid.NewString()
		points[i] = VectorPoint{
			ID:     vectorID,
			Vector: vectors[i],
			Payload: map[string]interface{}{
				"document_id":       doc.ID,
				"knowledge_base_id": doc.KnowledgeBaseID,
				"chunk_index":       segment.Index,
				"content":           segment.Text,
				"file_name":         doc.OriginalName,
				"token_count":       segment.TokenCount,
				"created_at":        now.Format(time.RFC3339),
			},
		}

		position := ChunkPosition{Start: segment.Start, End: segment.End}
		if segment.Page > 0 {
			page := segment.Page
			position.Page = &page
		}
		chunks[i] = Chunk{
			DocumentID:      doc.ID,
			KnowledgeBaseID: doc.KnowledgeBaseID,
			ChunkIndex:      segment.Index,
			Content:         segment.Text,
			TokenCount:      segment.TokenCount,
			VectorID:        vectorID,
			Position:        position.toJSON(),
		}
	}

	vectorIDs, err := s.vectors.UpsertPoints(ctx, points)
	if err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Reprocessing leftovers; a document must never publish two chunk sets.
		if err := tx.Where("document_id = ?", doc.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&chunks).Error; err != nil {
			return err
		}
		return tx.Model(&Document{}).
			Where("id = ?", doc.ID).
			Updates(map[string]interface{}{
				"status":        StatusReady,
				"error_message": gorm.Expr("NULL"),
			}).Error
	})
	if err != nil {
		if cleanupErr := s.vectors.DeletePoints(ctx, vectorIDs); cleanupErr != nil {
			log.Printf("knowledge: cleanup vectors for document %d: %v", doc.ID, cleanupErr)
		}
		return fmt.Errorf("publish chunks: %w", err)
	}
	return nil
}
