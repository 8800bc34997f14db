package knowledge

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()
	buffer := &bytes.Buffer{}
	writer := zip.NewWriter(buffer)
	entry, err := writer.Create("word/document.xml")
	require.NoError(t, err)
	_, err = entry.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return buffer.Bytes()
}

func TestExtractPlainText(t *testing.T) {
	text, err := ExtractText([]byte("hello world\nsecond line"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "hello world\nsecond line", text)
}

func TestExtractPlainTextWithCharsetParameter(t *testing.T) {
	text, err := ExtractText([]byte("hola"), "text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "hola", text)
}

func TestExtractWhitespaceOnly(t *testing.T) {
	_, err := ExtractText([]byte("  \n\t  "), "text/plain")
	require.ErrorIs(t, err, ErrEmptyContent)
}

func TestExtractUnsupportedFormat(t *testing.T) {
	_, err := ExtractText([]byte("%PDF-1.4"), "application/pdf")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExtractDocx(t *testing.T) {
	documentXML := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second</w:t></w:r><w:r><w:t xml:space="preserve"> paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`
	data := buildDocx(t, documentXML)

	text, err := ExtractText(data, mimeDocx)
	require.NoError(t, err)
	assert.Contains(t, text, "First paragraph.\n")
	assert.Contains(t, text, "Second paragraph.\n")
}

func TestExtractDocxWithTabsAndBreaks(t *testing.T) {
	documentXML := `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>left</w:t><w:tab/><w:t>right</w:t></w:r></w:p>
  </w:body>
</w:document>`
	data := buildDocx(t, documentXML)

	text, err := ExtractText(data, mimeDocx)
	require.NoError(t, err)
	assert.Contains(t, text, "left\tright")
}

func TestExtractDocxInvalidArchive(t *testing.T) {
	_, err := ExtractText([]byte("not a zip archive"), mimeDocx)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExtractDocxMissingBody(t *testing.T) {
	buffer := &bytes.Buffer{}
	writer := zip.NewWriter(buffer)
	entry, err := writer.Create("word/other.xml")
	require.NoError(t, err)
	_, err = entry.Write([]byte("<x/>"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	_, err = ExtractText(buffer.Bytes(), mimeDocx)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExtractDocxEmptyBody(t *testing.T) {
	documentXML := `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p/></w:body></w:document>`
	_, err := ExtractText(buildDocx(t, documentXML), mimeDocx)
	require.ErrorIs(t, err, ErrEmptyContent)
}
