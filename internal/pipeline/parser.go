package pipeline

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"notesmith/pkg/domain"
)

// Parser extracts plain text from a file on disk.
type Parser interface {
	Extract(path string) (string, error)
}

// Registry maps file extensions to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry covering txt, md, pdf, and docx.
func NewRegistry() *Registry {
	text := textParser{}
	return &Registry{parsers: map[string]Parser{
		".txt":  text,
		".md":   text,
		".pdf":  pdfParser{},
		".docx": docxParser{},
	}}
}

// Supported reports whether a parser is registered for the filename's
// extension.
func (r *Registry) Supported(filename string) bool {
	_, ok := r.parsers[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// Extract runs the parser for filename against the file at path.
// Unrecognized extensions and unreadable files are permanent failures.
func (r *Registry) Extract(filename, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	parser, ok := r.parsers[ext]
	if !ok {
		return "", &domain.UnsupportedFormatError{Extension: ext}
	}
	text, err := parser.Extract(path)
	if err != nil {
		return "", &domain.ParseError{Filename: filename, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return "", &domain.ParseError{Filename: filename, Err: fmt.Errorf("no text extracted")}
	}
	return text, nil
}

type textParser struct{}

func (textParser) Extract(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

type pdfParser struct{}

func (pdfParser) Extract(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()

	var sb strings.Builder
	totalPages := reader.NumPage()
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", fmt.Errorf("no text extracted from pdf")
	}
	return sb.String(), nil
}

type docxParser struct{}

func (docxParser) Extract(path string) (string, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer reader.Close()

	var docFile *zip.File
	for _, f := range reader.File {
		if strings.ReplaceAll(f.Name, "\\", "/") == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", fmt.Errorf("document.xml not found")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read document.xml: %w", err)
	}
	text, err := stripDocxXML(string(raw))
	if err != nil {
		return "", fmt.Errorf("decode document.xml: %w", err)
	}
	return text, nil
}

func stripDocxXML(raw string) (string, error) {
	decoder := xml.NewDecoder(strings.NewReader(raw))
	var buf strings.Builder
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.WriteString(string(t))
		case xml.EndElement:
			if t.Name.Local == "p" || t.Name.Local == "br" {
				if buf.Len() > 0 {
					buf.WriteString("\n")
				}
			}
		}
	}
	return strings.TrimSpace(buf.String()), nil
}
