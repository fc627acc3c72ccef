// Package ingest turns uploaded files into text to anonymize, or into a
// mapping when the upload is a saved mapping file.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/gonkalabs/gonka-redact/internal/mapstore"
	"github.com/gonkalabs/gonka-redact/internal/sanitize"
	"github.com/gonkalabs/gonka-redact/internal/seal"
)

var (
	// ErrUnsupported is returned for file types we cannot extract text from.
	ErrUnsupported = errors.New("ingest: unsupported file type")
	// ErrTooLarge is returned when content exceeds the size limit.
	ErrTooLarge = errors.New("ingest: file too large")
)

// Kind says what an upload turned out to be.
type Kind string

const (
	KindText    Kind = "text"
	KindMapping Kind = "mapping"
)

// Document is the result of extracting one upload.
type Document struct {
	Name    string
	Kind    Kind
	Text    string           // KindText
	Mapping sanitize.Mapping // KindMapping
}

// Extractor extracts text content from various file formats.
type Extractor struct {
	maxSize int64
	sealer  *seal.Sealer
	policy  *bluemonday.Policy
}

// New creates an Extractor accepting up to maxBytes per file. sealer opens
// encrypted or signed mapping uploads and may be nil.
func New(maxBytes int64, sealer *seal.Sealer) *Extractor {
	return &Extractor{
		maxSize: maxBytes,
		sealer:  sealer,
		policy:  bluemonday.StrictPolicy(),
	}
}

// Supported reports whether name has an extension Extract understands.
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".log", ".csv", ".html", ".htm", ".json":
		return true
	}
	return false
}

// ExtractFile reads and extracts the file at path.
func (e *Extractor) ExtractFile(ctx context.Context, path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()
	return e.Extract(ctx, filepath.Base(path), f)
}

// Extract reads r, named name, and extracts its content.
// Supported formats: .txt, .md, .log, .csv as text; .html/.htm with tags
// stripped; .json as a mapping file. PDF, XLSX and DOCX are recognised but
// not extracted.
func (e *Extractor) Extract(ctx context.Context, name string, r io.Reader) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".pdf", ".xlsx", ".docx":
		return nil, fmt.Errorf("%w: %s extraction is not implemented, convert the file to .txt", ErrUnsupported, ext)
	}
	if !Supported(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}

	content, err := e.read(r)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc := &Document{Name: name, Kind: KindText}
	switch ext {
	case ".json":
		_, m, err := mapstore.Decode(content, e.sealer)
		if err != nil {
			return nil, fmt.Errorf("ingest: %s: %w", name, err)
		}
		doc.Kind, doc.Mapping = KindMapping, m
		return doc, nil
	}

	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s is not UTF-8 text", ErrUnsupported, name)
	}
	text := strings.TrimPrefix(string(content), "\uFEFF")
	switch ext {
	case ".html", ".htm":
		text = strings.TrimSpace(html.UnescapeString(e.policy.Sanitize(text)))
	}
	doc.Text = text
	return doc, nil
}

// Raw reads r as UTF-8 text without looking at its name: no markup is
// stripped and .json content is not treated as a mapping. Text that comes
// back from a processor is restored this way.
func (e *Extractor) Raw(ctx context.Context, r io.Reader) (string, error) {
	content, err := e.read(r)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !utf8.Valid(content) {
		return "", fmt.Errorf("%w: input is not UTF-8 text", ErrUnsupported)
	}
	return string(content), nil
}

// RawFile is Raw for the file at path.
func (e *Extractor) RawFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()
	return e.Raw(ctx, f)
}

func (e *Extractor) read(r io.Reader) ([]byte, error) {
	if e.maxSize <= 0 {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("ingest: read: %w", err)
		}
		return b, nil
	}
	b, err := io.ReadAll(io.LimitReader(r, e.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("ingest: read: %w", err)
	}
	if int64(len(b)) > e.maxSize {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, e.maxSize)
	}
	return b, nil
}
