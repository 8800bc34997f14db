package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&KnowledgeBase{}, &Document{}, &Chunk{}))
	return db
}

func newTestService(t *testing.T, embedder Embedder, vectors vectorIndex, blobs BlobStore) *Service {
	t.Helper()
	service := newService(newTestDB(t), embedder, vectors, blobs, NewChunker(1000, 200), 4, 1)
	t.Cleanup(service.Close)
	return service
}

// fakeEmbedder returns deterministic vectors derived from the text length
// so tests can assert order preservation without a provider.
type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) vector(text string) []float32 {
	n := float32(len(text))
	return []float32{n, n + 1, n + 2, n + 3}
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	return f.vector(text), nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, ErrEmptyInput
		}
		vectors[i] = f.vector(text)
	}
	return vectors, nil
}

// fakeVectorIndex keeps points in memory and answers searches from a canned
// result set, applying the same equality-filter/minScore/topK contract as
// the real adapter.
type fakeVectorIndex struct {
	mu            sync.Mutex
	points        map[string]VectorPoint
	results       []VectorMatch
	upsertErr     error
	deletedIDs    [][]string
	filterDeletes []map[string]interface{}
}

func newFakeVectorIndex() *fakeVectorIndex {
	return &fakeVectorIndex{points: make(map[string]VectorPoint)}
}

func (f *fakeVectorIndex) EnsureCollection(context.Context, int) error { return nil }

func (f *fakeVectorIndex) UpsertPoints(_ context.Context, points []VectorPoint) ([]string, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(points))
	for i, point := range points {
		f.points[point.ID] = point
		ids[i] = point.ID
	}
	return ids, nil
}

func (f *fakeVectorIndex) DeletePoints(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.points, id)
	}
	f.deletedIDs = append(f.deletedIDs, ids)
	return nil
}

func (f *fakeVectorIndex) DeleteByFilter(_ context.Context, filter map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterDeletes = append(f.filterDeletes, filter)
	for id, point := range f.points {
		if payloadMatches(point.Payload, filter) {
			delete(f.points, id)
		}
	}
}

func (f *fakeVectorIndex) Search(_ context.Context, _ []float32, filter map[string]interface{}, topK int, minScore float64) ([]VectorMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	matches := make([]VectorMatch, 0, len(f.results))
	for _, match := range f.results {
		if match.Score < minScore {
			continue
		}
		if !payloadMatches(match.Payload, filter) {
			continue
		}
		matches = append(matches, match)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (f *fakeVectorIndex) pointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

func payloadMatches(payload, filter map[string]interface{}) bool {
	for field, want := range filter {
		if fmt.Sprint(payload[field]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

type fakeBlobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putErr   error
	fetchErr error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(_ context.Context, objectName string, data []byte, _ string) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	blobURL := "mem://" + objectName
	f.objects[blobURL] = data
	return blobURL, nil
}

func (f *fakeBlobStore) Fetch(_ context.Context, blobURL string) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[blobURL]
	if !ok {
		return nil, fmt.Errorf("blob %q not found", blobURL)
	}
	return data, nil
}

func (f *fakeBlobStore) Remove(_ context.Context, blobURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, blobURL)
	return nil
}
