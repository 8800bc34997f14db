package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	defaultTopK               = 10
	defaultMinScore           = 0.7
	defaultMaxTokens          = 4000
	defaultDiversityThreshold = 0.85
)

type RetrieveOptions struct {
	TopK               int
	MinScore           float64
	MaxTokens          int
	DiversityThreshold float64
}

func (o *RetrieveOptions) applyDefaults() {
	if o.TopK <= 0 {
		o.TopK = defaultTopK
	}
	if o.MinScore <= 0 {
		o.MinScore = defaultMinScore
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = defaultMaxTokens
	}
	if o.DiversityThreshold <= 0 {
		o.DiversityThreshold = defaultDiversityThreshold
	}
}

// RetrievedChunk is one admitted passage with its similarity score and
// source attribution.
type RetrievedChunk struct {
	ChunkID    uint64  `json:"chunk_id"`
	DocumentID uint64  `json:"document_id"`
	FileName   string  `json:"file_name"`
	Content    string  `json:"content"`
	ChunkIndex int     `json:"chunk_index"`
	TokenCount int     `json:"token_count"`
	Score      float64 `json:"score"`
	Page       *int    `json:"page,omitempty"`
}

type Source struct {
	FileName   string `json:"file_name"`
	ChunkCount int    `json:"chunk_count"`
}

// Context is the assembled retrieval result handed to the prompt assembler.
type Context struct {
	Chunks      []RetrievedChunk `json:"chunks"`
	TotalTokens int              `json:"total_tokens"`
	Sources     []Source         `json:"sources"`
}

// Retrieve embeds the query, gathers scoped candidates from the vector
// index, removes near-duplicate passages, packs the token budget and
// attributes sources. A knowledge base with no matching vectors yields an
// empty context, not an error.
func (s *Service) Retrieve(ctx context.Context, baseID uint64, query string, opts RetrieveOptions) (*Context, error) {
	opts.applyDefaults()

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, ErrEmptyInput
	}

	if cached, ok := s.cache.get(ctx, baseID, trimmed, opts); ok {
		return cached, nil
	}

	queryVector, err := s.embedder.Embed(ctx, trimmed)
	if err != nil {
		return nil, err
	}

	// Oversample so the diversity filter can discard near-duplicates
	// without starving the budget packer.
	filter := map[string]interface{}{"knowledge_base_id": baseID}
	matches, err := s.vectors.Search(ctx, queryVector, filter, 2*opts.TopK, opts.MinScore)
	if err != nil {
		return nil, err
	}

	result := &Context{Chunks: []RetrievedChunk{}, Sources: []Source{}}
	if len(matches) == 0 {
		return result, nil
	}

	kept := diversityFilter(matches, opts.DiversityThreshold)

	candidates, err := s.resolveChunks(ctx, kept)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	// First-fit by score: a chunk that would overflow the budget is
	// skipped, never swapped for a smaller one.
	for _, candidate := range candidates {
		if candidate.TokenCount > opts.MaxTokens-result.TotalTokens {
			continue
		}
		result.Chunks = append(result.Chunks, candidate)
		result.TotalTokens += candidate.TokenCount
	}

	result.Sources = groupSources(result.Chunks)
	s.cache.set(ctx, baseID, trimmed, opts, result)
	return result, nil
}

// diversityFilter walks candidates in descending score order and keeps one
// only if its word-set Jaccard similarity to every kept candidate stays
// below the threshold. Overlapping chunks of the same passage collapse to
// the highest-scoring survivor.
func diversityFilter(matches []VectorMatch, threshold float64) []VectorMatch {
	kept := make([]VectorMatch, 0, len(matches))
	for _, match := range matches {
		content, _ := match.Payload["content"].(string)
		duplicate := false
		for _, existing := range kept {
			existingContent, _ := existing.Payload["content"].(string)
			if jaccardSimilarity(content, existingContent) >= threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, match)
		}
	}
	return kept
}

// resolveChunks joins vector matches against chunk rows by vector ID.
// Matches without a row are dropped silently: that is a transient
// consistency gap, not a retrieval failure.
func (s *Service) resolveChunks(ctx context.Context, matches []VectorMatch) ([]RetrievedChunk, error) {
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	scores := make(map[string]float64, len(matches))
	for i, match := range matches {
		ids[i] = match.ID
		scores[match.ID] = match.Score
	}

	var rows []Chunk
	if err := s.db.WithContext(ctx).Where("vector_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	docIDs := make([]uint64, 0, len(rows))
	seen := make(map[uint64]struct{}, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.DocumentID]; !ok {
			seen[row.DocumentID] = struct{}{}
			docIDs = append(docIDs, row.DocumentID)
		}
	}
	var docs []Document
	if err := s.db.WithContext(ctx).Where("id IN ?", docIDs).Find(&docs).Error; err != nil {
		return nil, err
	}
	names := make(map[uint64]string, len(docs))
	for _, doc := range docs {
		names[doc.ID] = doc.OriginalName
	}

	candidates := make([]RetrievedChunk, 0, len(rows))
	for _, row := range rows {
		position := parsePosition(row.Position)
		candidates = append(candidates, RetrievedChunk{
			ChunkID:    row.ID,
			DocumentID: row.DocumentID,
			FileName:   names[row.DocumentID],
			Content:    row.Content,
			ChunkIndex: row.ChunkIndex,
			TokenCount: row.TokenCount,
			Score:      scores[row.VectorID],
			Page:       position.Page,
		})
	}
	return candidates, nil
}

// groupSources aggregates admitted chunks by originating file, sorted by
// descending chunk count.
func groupSources(chunks []RetrievedChunk) []Source {
	counts := make(map[string]int, len(chunks))
	order := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if _, ok := counts[chunk.FileName]; !ok {
			order = append(order, chunk.FileName)
		}
		counts[chunk.FileName]++
	}

	sources := make([]Source, 0, len(order))
	for _, name := range order {
		sources = append(sources, Source{FileName: name, ChunkCount: counts[name]})
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].ChunkCount > sources[j].ChunkCount
	})
	return sources
}

// jaccardSimilarity measures lexical overlap between two texts as
// |intersection| / |union| over lowercased word sets.
func jaccardSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for word := range setA {
		if _, ok := setB[word]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, word := range words {
		set[word] = struct{}{}
	}
	return set
}

// BuildPrompt renders a prompt-ready block from a retrieval context. With
// no admitted chunks the base prompt is returned unchanged, degrading
// gracefully to non-augmented chat.
func BuildPrompt(basePrompt string, retrieved *Context) string {
	if retrieved == nil || len(retrieved.Chunks) == 0 {
		return basePrompt
	}

	var builder strings.Builder
	builder.WriteString("Answer using the following sources where relevant.\n\n")
	for i, chunk := range retrieved.Chunks {
		fmt.Fprintf(&builder, "[Source %d] From %q (similarity: %.0f%%):\n%s\n\n", i+1, chunk.FileName, chunk.Score*100, chunk.Content)
	}

	names := make([]string, 0, len(retrieved.Sources))
	for _, source := range retrieved.Sources {
		names = append(names, source.FileName)
	}
	fmt.Fprintf(&builder, "Sources: %s\n\n", strings.Join(names, ", "))
	builder.WriteString(basePrompt)
	return builder.String()
}
