package knowledge

import "errors"

// Failure taxonomy shared by the extraction, chunking, embedding and
// retrieval paths. Callers match with errors.Is; pipeline internals wrap
// these with fmt.Errorf("...: %w", ...) to add detail.
var (
	ErrUnsupportedFormat = errors.New("knowledge: unsupported document format")
	ErrEmptyContent      = errors.New("knowledge: extracted content is empty")
	ErrEmptyInput        = errors.New("knowledge: input text is empty")
	ErrInputTooLong      = errors.New("knowledge: input text exceeds provider limit")
	ErrMalformedResponse = errors.New("knowledge: embedding provider returned a malformed response")
	ErrNotFound          = errors.New("knowledge: record not found")
	ErrVectorStore       = errors.New("knowledge: vector store operation failed")
)
