package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// ExtractedText is the raw text pulled from a stored upload, with page and
// word counts. Page counts are estimates unless the source carries form
// feeds.
type ExtractedText struct {
	Text      string
	PageCount int
	WordCount int
}

// TextExtractor turns a source path into raw text. Extraction failure is
// fatal to the ingestion job.
type TextExtractor interface {
	Extract(ctx context.Context, sourcePath string) (ExtractedText, error)
}

// ObjectFetcher reads a stored object in full. Implemented by
// storage.SourceStore.
type ObjectFetcher interface {
	Fetch(ctx context.Context, objectName string) ([]byte, error)
}

const minioScheme = "minio://"

// SourceExtractor reads minio:// paths from object storage and bare paths
// from the local filesystem. Extraction fidelity is best-effort: text-like
// content passes through, anything else gets printable-run salvage.
type SourceExtractor struct {
	objects        ObjectFetcher
	pageCharBudget int
}

// NewSourceExtractor wires an extractor over the optional object store.
func NewSourceExtractor(objects ObjectFetcher, pageCharBudget int) *SourceExtractor {
	if pageCharBudget <= 0 {
		pageCharBudget = defaultPageCharBudget
	}
	return &SourceExtractor{objects: objects, pageCharBudget: pageCharBudget}
}

func (e *SourceExtractor) Extract(ctx context.Context, sourcePath string) (ExtractedText, error) {
	sourcePath = strings.TrimSpace(sourcePath)
	if sourcePath == "" {
		return ExtractedText{}, errors.New("knowledge: source path is required")
	}

	var data []byte
	var err error
	if strings.HasPrefix(sourcePath, minioScheme) {
		if e.objects == nil {
			return ExtractedText{}, errors.New("knowledge: object storage is not configured")
		}
		data, err = e.objects.Fetch(ctx, strings.TrimPrefix(sourcePath, minioScheme))
	} else {
		data, err = os.ReadFile(sourcePath)
	}
	if err != nil {
		return ExtractedText{}, fmt.Errorf("knowledge: read source %q: %w", sourcePath, err)
	}

	text := normalizeNewlines(string(data))
	if !isMostlyText(text) {
		text = salvagePrintable(text)
	}
	if strings.TrimSpace(text) == "" {
		return ExtractedText{}, fmt.Errorf("knowledge: source %q contains no extractable text", sourcePath)
	}

	pages := strings.Count(text, "\f") + 1
	if pages == 1 {
		pages = len([]rune(text))/e.pageCharBudget + 1
	}

	return ExtractedText{
		Text:      text,
		PageCount: pages,
		WordCount: countWords(text),
	}, nil
}

// isMostlyText reports whether less than 5% of the sample is control or
// invalid bytes.
func isMostlyText(s string) bool {
	if s == "" {
		return false
	}
	sample := s
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	suspicious := 0
	total := 0
	for _, r := range sample {
		total++
		if r == unicode.ReplacementChar || (unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\f') {
			suspicious++
		}
	}
	return total > 0 && suspicious*20 < total
}

// salvagePrintable keeps printable runs and collapses everything else into
// single spaces.
func salvagePrintable(s string) string {
	var builder strings.Builder
	builder.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\f' {
			builder.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			builder.WriteRune(' ')
			lastSpace = true
		}
	}
	return builder.String()
}
