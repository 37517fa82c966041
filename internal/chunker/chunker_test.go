package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "rag-chatbot/internal/errors"
)

func TestNew(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := New()
		assert.Equal(t, DefaultChunkSize, c.ChunkSize())
		assert.Equal(t, DefaultChunkOverlap, c.Overlap())
	})

	t.Run("custom values", func(t *testing.T) {
		c := New(WithChunkSize(500), WithOverlap(50))
		assert.Equal(t, 500, c.ChunkSize())
		assert.Equal(t, 50, c.Overlap())
	})
}

func TestSplit_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
	}{
		{"overlap equals size", 100, 100},
		{"overlap exceeds size", 100, 150},
		{"zero size", 0, 0},
		{"negative overlap", 100, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(WithChunkSize(tt.size), WithOverlap(tt.overlap)).Split(strings.Repeat("a", 500))
			require.Error(t, err)
			assert.True(t, apperrors.IsConfiguration(err))
		})
	}
}

func TestSplit_Empty(t *testing.T) {
	segs, err := New().Split("   \n\t ")
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestSplit_ShortTextIsSingleChunk(t *testing.T) {
	segs, err := New(WithChunkSize(100), WithOverlap(20)).Split("  Short text.  ")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "Short text.", segs[0].Text)
	assert.Equal(t, 0, segs[0].Index)
}

func TestSplit_ExactlyChunkSize(t *testing.T) {
	text := strings.Repeat("x", 100)
	segs, err := New(WithChunkSize(100), WithOverlap(20)).Split(text)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, text, segs[0].Text)
}

func TestSplit_2500CharsAt1000And200(t *testing.T) {
	text := strings.Repeat("abcdefghij", 250)
	require.Len(t, text, 2500)

	segs, err := New(WithChunkSize(1000), WithOverlap(200)).Split(text)
	require.NoError(t, err)
	require.Len(t, segs, 3)

	for i, s := range segs {
		assert.Equal(t, i, s.Index)
		assert.LessOrEqual(t, len(s.Text), 1000)
	}
	assert.Equal(t, 0, segs[0].Start)
	assert.Equal(t, 800, segs[1].Start)
	assert.Equal(t, 1600, segs[2].Start)
	assert.Equal(t, 2500, segs[2].End)
}

func TestSplit_PrefersSentenceBoundary(t *testing.T) {
	// A period sits 30 characters before the raw window edge.
	text := strings.Repeat("a", 69) + "." + strings.Repeat("b", 100)

	segs, err := New(WithChunkSize(100), WithOverlap(10)).Split(text)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(segs), 2)

	assert.Equal(t, 70, segs[0].End)
	assert.True(t, strings.HasSuffix(segs[0].Text, "."))
	assert.Equal(t, 60, segs[1].Start)
}

func TestSplit_NewlineBoundary(t *testing.T) {
	text := strings.Repeat("a", 90) + "\n" + strings.Repeat("b", 100)

	segs, err := New(WithChunkSize(100), WithOverlap(0)).Split(text)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(segs), 2)
	assert.Equal(t, strings.Repeat("a", 90), segs[0].Text)
	assert.Equal(t, 91, segs[1].Start)
}

func TestSplit_BoundaryOutsideLookbackIgnored(t *testing.T) {
	// The only period is 150 characters before the edge of a 200 character window.
	text := strings.Repeat("a", 49) + "." + strings.Repeat("b", 300)

	segs, err := New(WithChunkSize(200), WithOverlap(20)).Split(text)
	require.NoError(t, err)
	assert.Equal(t, 200, segs[0].End)
}

func TestSplit_OverlapInvariant(t *testing.T) {
	var sb strings.Builder
	for i := 0; sb.Len() < 6000; i++ {
		sb.WriteString("This is sentence number ")
		sb.WriteString(strings.Repeat("x", i%17))
		sb.WriteString(". ")
		if i%7 == 0 {
			sb.WriteString("\n")
		}
	}
	text := sb.String()

	segs, err := New(WithChunkSize(1000), WithOverlap(200)).Split(text)
	require.NoError(t, err)
	require.Greater(t, len(segs), 1)

	for i := 0; i+1 < len(segs); i++ {
		assert.LessOrEqual(t, segs[i+1].Start, segs[i].End-200, "pair %d", i)
		assert.Greater(t, segs[i+1].Start, segs[i].Start, "window must advance")
	}
}

func TestSplit_CoversWholeText(t *testing.T) {
	text := strings.Repeat("Lorem ipsum dolor sit amet. ", 200)
	runes := []rune(text)

	segs, err := New(WithChunkSize(300), WithOverlap(50)).Split(text)
	require.NoError(t, err)

	// Rebuild from the non-overlapping part of each window.
	var rebuilt strings.Builder
	pos := 0
	for _, s := range segs {
		if s.End > pos {
			rebuilt.WriteString(string(runes[pos:s.End]))
			pos = s.End
		}
		assert.LessOrEqual(t, s.End-s.Start, 300)
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestSplit_MultibyteRunes(t *testing.T) {
	text := strings.Repeat("é", 250)
	segs, err := New(WithChunkSize(100), WithOverlap(10)).Split(text)
	require.NoError(t, err)
	for _, s := range segs {
		assert.LessOrEqual(t, len([]rune(s.Text)), 100)
		assert.True(t, strings.HasPrefix(s.Text, "é"))
	}
}

func TestTexts(t *testing.T) {
	texts, err := New(WithChunkSize(10), WithOverlap(2)).Texts("0123456789abcdefghij")
	require.NoError(t, err)
	assert.Equal(t, []string{"0123456789", "89abcdefgh", "ghij"}, texts)
}
