package knowledge

import "strings"

const (
	defaultChunkWindow    = 500
	defaultChunkOverlap   = 100
	defaultPageCharBudget = 1800
)

// segment is one overlapping window of extracted text. Offsets are rune
// offsets into the normalized input; Seq counts kept windows only.
type segment struct {
	Seq         int
	Text        string
	StartOffset int
	EndOffset   int
	Page        int
}

type segmenter struct {
	window         int
	overlap        int
	pageCharBudget int
}

func newSegmenter(window, overlap, pageCharBudget int) *segmenter {
	if window <= 0 {
		window = defaultChunkWindow
	}
	if overlap < 0 || overlap >= window {
		overlap = defaultChunkOverlap
		if overlap >= window {
			overlap = window / 5
		}
	}
	if pageCharBudget <= 0 {
		pageCharBudget = defaultPageCharBudget
	}
	return &segmenter{window: window, overlap: overlap, pageCharBudget: pageCharBudget}
}

// split cuts text into fixed windows of s.window runes advancing by
// window-overlap, starting at offset 0. Window text is kept verbatim so the
// union of kept segments covers the input; windows that are entirely
// whitespace are dropped without consuming a sequence number.
func (s *segmenter) split(text string) []segment {
	normalized := normalizeNewlines(text)
	runes := []rune(normalized)
	total := len(runes)
	if total == 0 {
		return nil
	}

	stride := s.window - s.overlap
	if stride <= 0 {
		stride = s.window
	}

	segments := make([]segment, 0, total/stride+1)
	seq := 0
	for start := 0; start < total; start += stride {
		end := start + s.window
		if end > total {
			end = total
		}
		window := string(runes[start:end])
		if strings.TrimSpace(window) == "" {
			continue
		}
		segments = append(segments, segment{
			Seq:         seq,
			Text:        window,
			StartOffset: start,
			EndOffset:   end,
			Page:        s.estimatePage(start),
		})
		seq++
	}
	return segments
}

// estimatePage derives an approximate page number from a character offset.
// It is a heuristic, not ground truth: pageCharBudget characters per page.
func (s *segmenter) estimatePage(startOffset int) int {
	if startOffset < 0 {
		startOffset = 0
	}
	return startOffset/s.pageCharBudget + 1
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(replaced, "\r", "\n")
}

func countWords(text string) int {
	return len(strings.Fields(text))
}
