package knowledge

import "strings"

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// Segment is one chunk of source text produced by the splitter. Start and
// End are rune offsets into the pre-trim source; Text is trimmed of leading
// and trailing whitespace.
type Segment struct {
	Text       string
	Index      int
	TokenCount int
	Start      int
	End        int
	Page       int
}

// Page pairs one page worth of extracted text with its page number so that
// paginated sources keep page attribution for citation.
type Page struct {
	Number int
	Text   string
}

// Chunker splits text into overlapping segments, cutting at the highest
// priority boundary (paragraph break, line break, sentence punctuation,
// whitespace) that fits within the chunk size and falling back to a hard
// character cut only when no boundary exists in the window.
type Chunker struct {
	chunkSize int
	overlap   int
}

func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 5
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap}
}

// Split chunks a single body of text. Ordinal indices start at 0 and are
// contiguous; the next window starts overlap runes before the previous cut.
func (c *Chunker) Split(text string) ([]Segment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	runes := []rune(normalizeNewlines(text))
	return c.splitRunes(runes, 0, 0), nil
}

// SplitPages runs the splitter per page and re-numbers ordinals globally so
// a multi-page document still has one gapless 0..n-1 index space.
func (c *Chunker) SplitPages(pages []Page) ([]Segment, error) {
	var segments []Segment
	index := 0
	for _, page := range pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		runes := []rune(normalizeNewlines(page.Text))
		pageSegments := c.splitRunes(runes, index, page.Number)
		segments = append(segments, pageSegments...)
		index += len(pageSegments)
	}
	if len(segments) == 0 {
		return nil, ErrEmptyInput
	}
	return segments, nil
}

func (c *Chunker) splitRunes(runes []rune, firstIndex, page int) []Segment {
	total := len(runes)
	segments := make([]Segment, 0, total/c.chunkSize+1)
	index := firstIndex
	start := 0
	for start < total {
		end := start + c.chunkSize
		if end >= total {
			end = total
		} else {
			end = c.cutPoint(runes, start, end)
		}

		trimmed := strings.TrimSpace(string(runes[start:end]))
		if trimmed != "" {
			segments = append(segments, Segment{
				Text:       trimmed,
				Index:      index,
				TokenCount: EstimateTokens(trimmed),
				Start:      start,
				End:        end,
				Page:       page,
			})
			index++
		}

		if end >= total {
			break
		}
		next := end - c.overlap
		if next <= start {
			// Degenerate window; abandon the overlap to guarantee progress.
			next = end
		}
		start = next
	}
	return segments
}

// cutPoint finds where to cut the window runes[start:limit). Boundaries are
// tried in priority order and the cut lands just after the last boundary
// found, so segments end on the most natural break available. Boundaries in
// the first half of the window are ignored; a cut that early would produce
// runt segments that mostly repeat the previous overlap.
func (c *Chunker) cutPoint(runes []rune, start, limit int) int {
	floor := start + c.chunkSize/2
	if cut := lastParagraphBreak(runes, floor, limit); cut > floor {
		return cut
	}
	if cut := lastRuneMatch(runes, floor, limit, isLineBreak); cut > floor {
		return cut
	}
	if cut := lastRuneMatch(runes, floor, limit, isSentenceEnd); cut > floor {
		return cut
	}
	if cut := lastRuneMatch(runes, floor, limit, isWhitespace); cut > floor {
		return cut
	}
	return limit
}

func lastParagraphBreak(runes []rune, floor, limit int) int {
	for i := limit - 1; i > floor; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	return -1
}

func lastRuneMatch(runes []rune, floor, limit int, match func(rune) bool) int {
	for i := limit - 1; i > floor; i-- {
		if match(runes[i]) {
			return i + 1
		}
	}
	return -1
}

func isLineBreak(r rune) bool {
	return r == '\n'
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func isWhitespace(r rune) bool {
	switch r {
	case ' ', '\t', '\n':
		return true
	}
	return false
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(replaced, "\r", "\n")
}

// EstimateTokens approximates token usage as ceil(runes/4). This is a fast
// proxy for the provider tokenizer, not an exact count; budget checks near
// the limit are therefore approximate.
func EstimateTokens(text string) int {
	count := len([]rune(strings.TrimSpace(text)))
	if count == 0 {
		return 0
	}
	return (count + 3) / 4
}
