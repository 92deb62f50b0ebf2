package pipeline

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"notesmith/pkg/domain"
)

func TestRegistrySupported(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a.txt", "b.md", "c.PDF", "d.docx"} {
		if !r.Supported(name) {
			t.Fatalf("expected %q to be supported", name)
		}
	}
	for _, name := range []string{"a.png", "b.epub", "noext"} {
		if r.Supported(name) {
			t.Fatalf("expected %q to be unsupported", name)
		}
	}
}

func TestExtractText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte("hello parser"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	got, err := NewRegistry().Extract("doc.txt", path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != "hello parser" {
		t.Fatalf("extract = %q", got)
	}
}

func TestExtractUnsupportedExtension(t *testing.T) {
	_, err := NewRegistry().Extract("image.png", "irrelevant")
	var uf *domain.UnsupportedFormatError
	if !errors.As(err, &uf) {
		t.Fatalf("expected UnsupportedFormatError, got %v", err)
	}
}

func TestExtractEmptyFileIsParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(path, []byte("   \n "), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := NewRegistry().Extract("empty.txt", path)
	var pe *domain.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError for empty file, got %v", err)
	}
}

func TestExtractDocx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.docx")
	writeDocx(t, path, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`)

	got, err := NewRegistry().Extract("doc.docx", path)
	if err != nil {
		t.Fatalf("extract docx: %v", err)
	}
	if !strings.Contains(got, "First paragraph.") || !strings.Contains(got, "Second paragraph.") {
		t.Fatalf("extract docx = %q", got)
	}
}

func TestExtractCorruptDocxIsParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.docx")
	if err := os.WriteFile(path, []byte("not a zip archive"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := NewRegistry().Extract("broken.docx", path)
	var pe *domain.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError for corrupt docx, got %v", err)
	}
	if domain.IsTransient(err) {
		t.Fatalf("corrupt file must be permanent, got %v", err)
	}
}

func TestExtractTruncatedDocxXMLIsParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.docx")
	writeDocx(t, path, `<w:document><w:body><w:t>hello`)

	got, err := NewRegistry().Extract("broken.docx", path)
	var pe *domain.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError for truncated document.xml, got text %q err %v", got, err)
	}
	if domain.IsTransient(err) {
		t.Fatalf("malformed markup must be permanent, got %v", err)
	}
}

func TestExtractCorruptPDFIsParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 garbage"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := NewRegistry().Extract("broken.pdf", path)
	var pe *domain.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError for corrupt pdf, got %v", err)
	}
}

func writeDocx(t *testing.T, path, documentXML string) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create docx: %v", err)
	}
	defer file.Close()
	zw := zip.NewWriter(file)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create document.xml: %v", err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatalf("write document.xml: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}
