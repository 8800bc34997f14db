package knowledge

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	mimeTextPlain = "text/plain"
	mimeMarkdown  = "text/markdown"
	mimeCSV       = "text/csv"
	mimeDocx      = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// ExtractText converts raw file bytes into plain text based on the declared
// MIME type. It is pure: no external state is read or written, so it can be
// exercised with fixture byte slices alone.
func ExtractText(data []byte, mimeType string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.Index(normalized, ";"); idx >= 0 {
		normalized = strings.TrimSpace(normalized[:idx])
	}

	var (
		text string
		err  error
	)
	switch normalized {
	case mimeTextPlain, mimeMarkdown, mimeCSV:
		text = string(data)
	case mimeDocx:
		text, err = extractDocx(data)
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, mimeType)
	}

	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyContent
	}
	return text, nil
}

// extractDocx pulls paragraph text out of the OOXML body, discarding all
// formatting. Paragraph ends become newlines so the chunker can honor
// paragraph boundaries downstream.
func extractDocx(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: not a valid docx archive", ErrUnsupportedFormat)
	}

	var document *zip.File
	for _, file := range reader.File {
		if file.Name == "word/document.xml" {
			document = file
			break
		}
	}
	if document == nil {
		return "", fmt.Errorf("%w: docx archive has no word/document.xml", ErrUnsupportedFormat)
	}

	body, err := document.Open()
	if err != nil {
		return "", fmt.Errorf("knowledge: open docx body: %w", err)
	}
	defer body.Close()

	decoder := xml.NewDecoder(body)
	var builder strings.Builder
	inText := false
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("knowledge: parse docx body: %w", err)
		}
		switch element := token.(type) {
		case xml.StartElement:
			switch element.Name.Local {
			case "t":
				inText = true
			case "tab":
				builder.WriteByte('\t')
			case "br":
				builder.WriteByte('\n')
			}
		case xml.EndElement:
			switch element.Name.Local {
			case "t":
				inText = false
			case "p":
				builder.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				builder.Write(element)
			}
		}
	}
	return builder.String(), nil
}
