package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmenterSplit(t *testing.T) {
	t.Run("overlapping windows cover the input", func(t *testing.T) {
		seg := newSegmenter(500, 100, 1800)
		text := strings.Repeat("a", 2400)

		segments := seg.split(text)
		require.Len(t, segments, 6)

		for i, s := range segments {
			assert.Equal(t, i, s.Seq)
			assert.Equal(t, i*400, s.StartOffset)
		}
		// Last window is shorter, never padded.
		last := segments[5]
		assert.Equal(t, 2000, last.StartOffset)
		assert.Equal(t, 2400, last.EndOffset)
		assert.Len(t, last.Text, 400)
		for _, s := range segments[:5] {
			assert.Len(t, s.Text, 500)
		}
	})

	t.Run("adjacent windows share the overlap", func(t *testing.T) {
		seg := newSegmenter(500, 100, 1800)
		var builder strings.Builder
		for i := 0; i < 1200; i++ {
			builder.WriteRune(rune('a' + i%26))
		}
		segments := seg.split(builder.String())
		require.True(t, len(segments) >= 2)

		first := []rune(segments[0].Text)
		second := []rune(segments[1].Text)
		assert.Equal(t, string(first[400:]), string(second[:100]))
	})

	t.Run("whitespace-only windows are dropped without consuming seq", func(t *testing.T) {
		seg := newSegmenter(10, 0, 1800)
		text := strings.Repeat("x", 10) + strings.Repeat(" ", 10) + strings.Repeat("y", 10)

		segments := seg.split(text)
		require.Len(t, segments, 2)
		assert.Equal(t, 0, segments[0].Seq)
		assert.Equal(t, 1, segments[1].Seq)
		assert.Equal(t, 20, segments[1].StartOffset)
	})

	t.Run("empty input yields no segments", func(t *testing.T) {
		seg := newSegmenter(500, 100, 1800)
		assert.Empty(t, seg.split(""))
		assert.Empty(t, seg.split("   \n\t  "))
	})

	t.Run("input shorter than one window yields a single segment", func(t *testing.T) {
		seg := newSegmenter(500, 100, 1800)
		segments := seg.split("short text")
		require.Len(t, segments, 1)
		assert.Equal(t, "short text", segments[0].Text)
		assert.Equal(t, 0, segments[0].StartOffset)
		assert.Equal(t, 10, segments[0].EndOffset)
	})

	t.Run("offsets are rune based", func(t *testing.T) {
		seg := newSegmenter(4, 0, 1800)
		segments := seg.split("日本語テキストです")
		require.Len(t, segments, 3)
		assert.Equal(t, "日本語テ", segments[0].Text)
		assert.Equal(t, 4, segments[1].StartOffset)
	})
}

func TestEstimatePage(t *testing.T) {
	seg := newSegmenter(500, 100, 1800)

	assert.Equal(t, 1, seg.estimatePage(0))
	assert.Equal(t, 1, seg.estimatePage(1799))
	assert.Equal(t, 2, seg.estimatePage(1800))
	assert.Equal(t, 3, seg.estimatePage(4000))
	assert.Equal(t, 1, seg.estimatePage(-5))
}

func TestSegmenterClamping(t *testing.T) {
	t.Run("invalid window falls back to defaults", func(t *testing.T) {
		seg := newSegmenter(0, 100, 0)
		assert.Equal(t, defaultChunkWindow, seg.window)
		assert.Equal(t, defaultPageCharBudget, seg.pageCharBudget)
	})

	t.Run("overlap must stay below window", func(t *testing.T) {
		seg := newSegmenter(50, 60, 1800)
		assert.Less(t, seg.overlap, seg.window)
	})
}

func TestNormalizeNewlines(t *testing.T) {
	assert.Equal(t, "a\nb\nc", normalizeNewlines("a\r\nb\rc"))
	assert.Equal(t, "", normalizeNewlines(""))
}

func TestCountWords(t *testing.T) {
	assert.Equal(t, 4, countWords("the quick  brown\nfox"))
	assert.Equal(t, 0, countWords("   "))
}
