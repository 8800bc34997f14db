package knowledge

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleText() string {
	var builder strings.Builder
	for i := 0; i < 40; i++ {
		builder.WriteString("Knowledge bases hold user documents that are chunked and embedded for retrieval. ")
	}
	return strings.TrimSpace(builder.String())
}

func seedKnowledgeBase(t *testing.T, s *Service) *KnowledgeBase {
	t.Helper()
	base, err := s.CreateKnowledgeBase(context.Background(), 1, "test base", VisibilityPrivate)
	require.NoError(t, err)
	return base
}

func seedProcessingDocument(t *testing.T, s *Service, blobs *fakeBlobStore, baseID uint64, content, mimeType string) *Document {
	t.Helper()
	blobURL, err := blobs.Put(context.Background(), "documents/test/doc.txt", []byte(content), mimeType)
	require.NoError(t, err)
	doc := &Document{
		KnowledgeBaseID: baseID,
		FileName:        "doc.txt",
		OriginalName:    "notes.txt",
		MimeType:        mimeType,
		SizeBytes:       int64(len(content)),
		BlobURL:         blobURL,
		Status:          StatusProcessing,
	}
	require.NoError(t, s.db.Create(doc).Error)
	return doc
}

func documentChunks(t *testing.T, s *Service, docID uint64) []Chunk {
	t.Helper()
	var chunks []Chunk
	require.NoError(t, s.db.Where("document_id = ?", docID).Find(&chunks).Error)
	return chunks
}

func waitForStatus(t *testing.T, s *Service, docID uint64, status string) *Document {
	t.Helper()
	var doc Document
	require.Eventually(t, func() bool {
		if err := s.db.Take(&doc, docID).Error; err != nil {
			return false
		}
		return doc.Status == status
	}, 3*time.Second, 20*time.Millisecond, "document %d never reached %s (last status %s)", docID, status, doc.Status)
	return &doc
}

func TestPipelinePublishesChunksAndVectors(t *testing.T) {
	vectors := newFakeVectorIndex()
	blobs := newFakeBlobStore()
	s := newTestService(t, &fakeEmbedder{}, vectors, blobs)
	base := seedKnowledgeBase(t, s)
	doc := seedProcessingDocument(t, s, blobs, base.ID, sampleText(), "text/plain")

	s.processDocument(context.Background(), doc.ID)

	var updated Document
	require.NoError(t, s.db.Take(&updated, doc.ID).Error)
	assert.Equal(t, StatusReady, updated.Status)
	assert.Nil(t, updated.ErrorMessage)

	chunks := documentChunks(t, s, doc.ID)
	require.NotEmpty(t, chunks)
	assert.Equal(t, len(chunks), vectors.pointCount(), "one vector per chunk")

	indices := make([]int, len(chunks))
	for i, chunk := range chunks {
		indices[i] = chunk.ChunkIndex
		assert.NotEmpty(t, chunk.VectorID)
		assert.Positive(t, chunk.TokenCount)
		assert.Equal(t, base.ID, chunk.KnowledgeBaseID)

		position := parsePosition(chunk.Position)
		assert.Less(t, position.Start, position.End)
	}
	sort.Ints(indices)
	for i, index := range indices {
		assert.Equal(t, i, index, "chunk ordinals must be 0..n-1 with no gaps")
	}
}

func TestPipelineUnsupportedFormatFailsDocument(t *testing.T) {
	blobs := newFakeBlobStore()
	s := newTestService(t, &fakeEmbedder{}, newFakeVectorIndex(), blobs)
	base := seedKnowledgeBase(t, s)
	doc := seedProcessingDocument(t, s, blobs, base.ID, "%PDF-1.4", "application/pdf")

	s.processDocument(context.Background(), doc.ID)

	var updated Document
	require.NoError(t, s.db.Take(&updated, doc.ID).Error)
	assert.Equal(t, StatusFailed, updated.Status)
	require.NotNil(t, updated.ErrorMessage)
	assert.Contains(t, *updated.ErrorMessage, "unsupported")
	assert.Empty(t, documentChunks(t, s, doc.ID), "failed documents must have no visible chunks")
}

func TestPipelineEmbedderFailureFailsDocument(t *testing.T) {
	vectors := newFakeVectorIndex()
	blobs := newFakeBlobStore()
	s := newTestService(t, &fakeEmbedder{err: errors.New("provider down")}, vectors, blobs)
	base := seedKnowledgeBase(t, s)
	doc := seedProcessingDocument(t, s, blobs, base.ID, sampleText(), "text/plain")

	s.processDocument(context.Background(), doc.ID)

	var updated Document
	require.NoError(t, s.db.Take(&updated, doc.ID).Error)
	assert.Equal(t, StatusFailed, updated.Status)
	require.NotNil(t, updated.ErrorMessage)
	assert.Contains(t, *updated.ErrorMessage, "provider down")
	assert.Empty(t, documentChunks(t, s, doc.ID))
	assert.Zero(t, vectors.pointCount(), "no vectors may survive a failed pipeline")
}

func TestPipelineSkipsNonProcessingDocument(t *testing.T) {
	vectors := newFakeVectorIndex()
	blobs := newFakeBlobStore()
	s := newTestService(t, &fakeEmbedder{}, vectors, blobs)
	base := seedKnowledgeBase(t, s)
	doc := seedProcessingDocument(t, s, blobs, base.ID, sampleText(), "text/plain")
	require.NoError(t, s.db.Model(&Document{}).Where("id = ?", doc.ID).Update("status", StatusReady).Error)

	s.processDocument(context.Background(), doc.ID)

	assert.Zero(t, vectors.pointCount(), "documents outside processing must not be re-ingested")
}

func TestUploadDocumentRunsDetached(t *testing.T) {
	blobs := newFakeBlobStore()
	s := newTestService(t, &fakeEmbedder{}, newFakeVectorIndex(), blobs)
	base := seedKnowledgeBase(t, s)

	doc, err := s.UploadDocument(context.Background(), base.ID, "notes.txt", "text/plain", []byte(sampleText()))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, doc.Status, "upload must return before the pipeline finishes")
	assert.NotEmpty(t, doc.BlobURL)

	ready := waitForStatus(t, s, doc.ID, StatusReady)
	assert.Nil(t, ready.ErrorMessage)
	assert.NotEmpty(t, documentChunks(t, s, doc.ID))
}

func TestUploadDocumentUnknownBase(t *testing.T) {
	s := newTestService(t, &fakeEmbedder{}, newFakeVectorIndex(), newFakeBlobStore())

	_, err := s.UploadDocument(context.Background(), 999, "notes.txt", "text/plain", []byte("hello"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReprocessFailedDocument(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("provider down")}
	blobs := newFakeBlobStore()
	s := newTestService(t, embedder, newFakeVectorIndex(), blobs)
	base := seedKnowledgeBase(t, s)
	doc := seedProcessingDocument(t, s, blobs, base.ID, sampleText(), "text/plain")

	s.processDocument(context.Background(), doc.ID)
	waitForStatus(t, s, doc.ID, StatusFailed)

	// Provider recovers; the operator retries.
	embedder.err = nil
	reprocessed, err := s.ReprocessDocument(context.Background(), base.ID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, reprocessed.Status)

	ready := waitForStatus(t, s, doc.ID, StatusReady)
	assert.Nil(t, ready.ErrorMessage)
	assert.NotEmpty(t, documentChunks(t, s, doc.ID))
}

func TestReprocessFailingAgainLeavesNoChunks(t *testing.T) {
	blobs := newFakeBlobStore()
	s := newTestService(t, &fakeEmbedder{}, newFakeVectorIndex(), blobs)
	base := seedKnowledgeBase(t, s)
	doc := seedProcessingDocument(t, s, blobs, base.ID, sampleText(), "text/plain")

	// First failure: the blob disappears under the pipeline.
	blobs.fetchErr = errors.New("object gone")
	s.processDocument(context.Background(), doc.ID)
	first := waitForStatus(t, s, doc.ID, StatusFailed)
	require.NotNil(t, first.ErrorMessage)

	_, err := s.ReprocessDocument(context.Background(), base.ID, doc.ID)
	require.NoError(t, err)

	again := waitForStatus(t, s, doc.ID, StatusFailed)
	require.NotNil(t, again.ErrorMessage)
	assert.Contains(t, *again.ErrorMessage, "object gone")
	assert.Empty(t, documentChunks(t, s, doc.ID), "re-failed documents must never accumulate chunk rows")
}

func TestReprocessRejectsNonFailedDocument(t *testing.T) {
	blobs := newFakeBlobStore()
	s := newTestService(t, &fakeEmbedder{}, newFakeVectorIndex(), blobs)
	base := seedKnowledgeBase(t, s)
	doc := seedProcessingDocument(t, s, blobs, base.ID, sampleText(), "text/plain")
	require.NoError(t, s.db.Model(&Document{}).Where("id = ?", doc.ID).Update("status", StatusReady).Error)

	_, err := s.ReprocessDocument(context.Background(), base.ID, doc.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only failed documents")
}

func TestResumeInterrupted(t *testing.T) {
	blobs := newFakeBlobStore()
	s := newTestService(t, &fakeEmbedder{}, newFakeVectorIndex(), blobs)
	base := seedKnowledgeBase(t, s)
	doc := seedProcessingDocument(t, s, blobs, base.ID, sampleText(), "text/plain")

	count, err := s.ResumeInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	waitForStatus(t, s, doc.ID, StatusReady)
}
