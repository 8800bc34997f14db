package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEmbedBatchSize  = 100
	defaultEmbedDimension  = 1536
	defaultEmbedInputLimit = 8000
)

// Embedder converts text into fixed-dimension vectors. Batch calls preserve
// input order and are fail-fast: one bad item aborts the whole batch.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type httpEmbedder struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	modelID       string
	maxBatch      int
	dimension     int
	maxInputChars int
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewHTTPEmbedderFromEnv builds an embedder against an OpenAI-compatible
// /embeddings endpoint using EMBEDDING_* environment variables.
func NewHTTPEmbedderFromEnv() (Embedder, error) {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("knowledge: EMBEDDING_API_KEY is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid embedding base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if modelID == "" {
		modelID = "text-embedding-3-small"
	}

	return &httpEmbedder{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		baseURL:       baseURL,
		apiKey:        apiKey,
		modelID:       modelID,
		maxBatch:      envInt("EMBEDDING_MAX_BATCH", defaultEmbedBatchSize),
		dimension:     envInt("EMBEDDING_VECTOR_DIM", defaultEmbedDimension),
		maxInputChars: envInt("EMBEDDING_MAX_INPUT_CHARS", defaultEmbedInputLimit),
	}, nil
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if err := e.validateInput(trimmed); err != nil {
		return nil, err
	}
	vectors, err := e.request(ctx, []string{trimmed})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch partitions the input into windows of maxBatch and issues them
// sequentially. Output order matches input order: within one window the
// provider's index field places each vector, and windows are appended in
// input order.
func (e *httpEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	trimmed := make([]string, len(texts))
	for i, text := range texts {
		trimmed[i] = strings.TrimSpace(text)
		if err := e.validateInput(trimmed[i]); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
	}

	batchSize := e.maxBatch
	if batchSize <= 0 {
		batchSize = defaultEmbedBatchSize
	}

	results := make([][]float32, 0, len(trimmed))
	for start := 0; start < len(trimmed); start += batchSize {
		end := start + batchSize
		if end > len(trimmed) {
			end = len(trimmed)
		}
		vectors, err := e.request(ctx, trimmed[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vectors...)
	}
	return results, nil
}

func (e *httpEmbedder) validateInput(trimmed string) error {
	if trimmed == "" {
		return ErrEmptyInput
	}
	if e.maxInputChars > 0 && len([]rune(trimmed)) > e.maxInputChars {
		return fmt.Errorf("%w: %d characters (limit %d)", ErrInputTooLong, len([]rune(trimmed)), e.maxInputChars)
	}
	return nil
}

func (e *httpEmbedder) request(ctx context.Context, batch []string) ([][]float32, error) {
	payload := embeddingRequest{
		Model: e.modelID,
		Input: batch,
	}
	if e.dimension > 0 {
		dim := e.dimension
		payload.Dimensions = &dim
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("knowledge: encode embedding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("knowledge: embedding API status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(decoded.Data) != len(batch) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrMalformedResponse, len(batch), len(decoded.Data))
	}

	vectors := make([][]float32, len(batch))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(batch) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrMalformedResponse, item.Index)
		}
		if e.dimension > 0 && len(item.Embedding) != e.dimension {
			return nil, fmt.Errorf("%w: embedding length %d does not match dimension %d", ErrMalformedResponse, len(item.Embedding), e.dimension)
		}
		vector := make([]float32, len(item.Embedding))
		for i, value := range item.Embedding {
			vector[i] = float32(value)
		}
		vectors[item.Index] = vector
	}
	for i, vector := range vectors {
		if vector == nil {
			return nil, fmt.Errorf("%w: missing embedding for input %d", ErrMalformedResponse, i)
		}
	}
	return vectors, nil
}
