package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// payloadContentLimit caps the chunk text stored in vector payloads. The
// index has a payload size ceiling distinct from the metadata store, so
// oversized content is truncated, never rejected.
const payloadContentLimit = 1000

type VectorPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type VectorMatch struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// vectorIndex is the shape the orchestrator and retrieval engine depend on.
// It owns no business logic beyond translating to the index's wire format.
type vectorIndex interface {
	EnsureCollection(ctx context.Context, vectorSize int) error
	UpsertPoints(ctx context.Context, points []VectorPoint) ([]string, error)
	DeletePoints(ctx context.Context, pointIDs []string) error
	DeleteByFilter(ctx context.Context, filter map[string]interface{})
	Search(ctx context.Context, vector []float32, filter map[string]interface{}, topK int, minScore float64) ([]VectorMatch, error)
}

type qdrantIndex struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	collection string
	vectorSize int
}

func newQdrantIndexFromEnv() (*qdrantIndex, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}

	collection := strings.TrimSpace(os.Getenv("QDRANT_COLLECTION"))
	if collection == "" {
		collection = "kb_chunks"
	}

	return &qdrantIndex{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
		collection: collection,
		vectorSize: envInt("QDRANT_VECTOR_DIM", defaultEmbedDimension),
	}, nil
}

func (q *qdrantIndex) EnsureCollection(ctx context.Context, vectorSize int) error {
	size := vectorSize
	if size <= 0 {
		size = q.vectorSize
	}
	if size <= 0 {
		return errors.New("knowledge: vector size must be positive")
	}

	payload := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     size,
			"distance": "Cosine",
		},
	}
	return q.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", url.PathEscape(q.collection)), payload, nil)
}

// UpsertPoints writes one point per chunk and returns the ids written in
// input order. Empty input is a no-op.
func (q *qdrantIndex) UpsertPoints(ctx context.Context, points []VectorPoint) ([]string, error) {
	if len(points) == 0 {
		return nil, nil
	}

	capped := make([]VectorPoint, len(points))
	ids := make([]string, len(points))
	for i, point := range points {
		capped[i] = point
		ids[i] = point.ID
		if content, ok := point.Payload["content"].(string); ok {
			if truncated := truncateRunes(content, payloadContentLimit); truncated != content {
				payload := make(map[string]interface{}, len(point.Payload))
				for key, value := range point.Payload {
					payload[key] = value
				}
				payload["content"] = truncated
				capped[i].Payload = payload
			}
		}
	}

	payload := map[string]interface{}{"points": capped}
	path := fmt.Sprintf("/collections/%s/points", url.PathEscape(q.collection))
	if err := q.do(ctx, http.MethodPut, path, payload, nil); err != nil {
		return nil, fmt.Errorf("%w: upsert: %v", ErrVectorStore, err)
	}
	return ids, nil
}

func (q *qdrantIndex) DeletePoints(ctx context.Context, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": pointIDs}
	path := fmt.Sprintf("/collections/%s/points/delete", url.PathEscape(q.collection))
	if err := q.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("%w: delete points: %v", ErrVectorStore, err)
	}
	return nil
}

// DeleteByFilter removes every point matching the equality filter. It is
// best-effort: failures are logged and swallowed so metadata-store cleanup
// can proceed regardless; orphaned vectors are an accepted, bounded cost.
func (q *qdrantIndex) DeleteByFilter(ctx context.Context, filter map[string]interface{}) {
	payload := map[string]interface{}{"filter": qdrantFilter(filter)}
	path := fmt.Sprintf("/collections/%s/points/delete", url.PathEscape(q.collection))
	if err := q.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		log.Printf("knowledge: delete vectors by filter %v failed: %v", filter, err)
	}
}

// Search returns matches with score >= minScore, sorted by descending score.
// The equality filter scopes every query; results outside the filter must
// never leak (multi-tenant isolation).
func (q *qdrantIndex) Search(ctx context.Context, vector []float32, filter map[string]interface{}, topK int, minScore float64) ([]VectorMatch, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if minScore > 0 {
		payload["score_threshold"] = minScore
	}
	if len(filter) > 0 {
		payload["filter"] = qdrantFilter(filter)
	}

	var decoded struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(q.collection))
	if err := q.do(ctx, http.MethodPost, path, payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrVectorStore, err)
	}

	matches := make([]VectorMatch, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		if item.Score < minScore {
			continue
		}
		matches = append(matches, VectorMatch{
			ID:      stringifyPointID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches, nil
}

func (q *qdrantIndex) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// qdrantFilter translates field->value equality constraints into Qdrant
// "must match" clauses.
func qdrantFilter(filter map[string]interface{}) map[string]interface{} {
	must := make([]map[string]interface{}, 0, len(filter))
	for field, value := range filter {
		must = append(must, map[string]interface{}{
			"key":   field,
			"match": map[string]interface{}{"value": value},
		})
	}
	return map[string]interface{}{"must": must}
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

func stringifyPointID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
