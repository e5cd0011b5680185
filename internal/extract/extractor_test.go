package extract

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/inkdex/internal/story"
)

func newTestExtractor(t *testing.T, cfg Config) *Extractor {
	t.Helper()
	e, err := NewExtractor(cfg)
	require.NoError(t, err)
	return e
}

func TestNewExtractor_InvalidConfig(t *testing.T) {
	_, err := NewExtractor(Config{MaxChunkSize: 100, ChunkOverlap: 100})
	assert.Error(t, err)

	_, err = NewExtractor(Config{MinContentLength: -1})
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"whitespace runs", "hello   world\n\n\tagain", "hello world again"},
		{"leading and trailing", "  padded  ", "padded"},
		{"control characters", "before\x00after", "before after"},
		{"zero width joiner", "before‍after", "before after"},
		{"already clean", "just a sentence.", "just a sentence."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.input))
		})
	}
}

func TestValidate(t *testing.T) {
	e := newTestExtractor(t, Config{})

	ok, reason := e.Validate("The castle stood at the edge of the northern wastes.")
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = e.Validate("   \n\t  ")
	assert.False(t, ok)
	assert.Equal(t, "empty after normalization", reason)

	ok, reason = e.Validate("too short")
	assert.False(t, ok)
	assert.Contains(t, reason, "below minimum")
}

func TestFromDocument(t *testing.T) {
	e := newTestExtractor(t, Config{})

	doc := &story.Document{
		ID:        "doc-1",
		ProjectID: "proj-1",
		Title:     "Chapter One",
		Summary:   "The heroine arrives.",
		Content:   "Mira stepped off the ferry into the fog of Harrowgate.",
	}

	units := e.FromDocument(doc)
	require.Len(t, units, 1)

	u := units[0]
	assert.Equal(t, "proj-1", u.ProjectID)
	assert.Equal(t, story.EntityDocument, u.SourceType)
	assert.Equal(t, "doc-1", u.SourceID)
	assert.Equal(t, 0, u.ChunkIndex)
	assert.Equal(t, 1, u.ChunkCount)
	assert.Contains(t, u.Text, "Chapter One")
	assert.Contains(t, u.Text, "The heroine arrives.")
	assert.Contains(t, u.Text, "Harrowgate")
}

func TestFromDocument_BelowMinimum(t *testing.T) {
	e := newTestExtractor(t, Config{})

	units := e.FromDocument(&story.Document{
		ID:        "doc-1",
		ProjectID: "proj-1",
		Title:     "Hi",
	})
	assert.Empty(t, units)
}

func TestFromDocument_Nil(t *testing.T) {
	e := newTestExtractor(t, Config{})
	assert.Nil(t, e.FromDocument(nil))
}

func TestFromProfile(t *testing.T) {
	e := newTestExtractor(t, Config{})

	units := e.FromProfile(&story.Profile{
		ID:          "char-1",
		ProjectID:   "proj-1",
		Name:        "Mira Vance",
		Role:        "protagonist",
		Description: "A cartographer with a talent for finding lost places.",
	})
	require.Len(t, units, 1)
	assert.Equal(t, story.EntityProfile, units[0].SourceType)
	assert.Contains(t, units[0].Text, "Mira Vance")
}

func TestFromProject_UsesProjectIDForBoth(t *testing.T) {
	e := newTestExtractor(t, Config{})

	units := e.FromProject(&story.Project{
		ID:       "proj-1",
		Title:    "The Harrowgate Charts",
		Synopsis: "A mapmaker uncovers a city that appears on no map.",
	})
	require.Len(t, units, 1)
	assert.Equal(t, "proj-1", units[0].ProjectID)
	assert.Equal(t, "proj-1", units[0].SourceID)
	assert.Equal(t, story.EntityProject, units[0].SourceType)
}

func TestChunking_LongContent(t *testing.T) {
	e := newTestExtractor(t, Config{MaxChunkSize: 8000, ChunkOverlap: 200, MinContentLength: 20})

	// No sentence punctuation, so chunks cut at exact size boundaries.
	content := strings.TrimSpace(strings.Repeat("lorem ipsum dolor sit amet ", 741))
	require.Greater(t, len(content), 19000)
	require.Less(t, len(content), 20100)

	units := e.FromDocument(&story.Document{
		ID:        "doc-long",
		ProjectID: "proj-1",
		Content:   content,
	})
	require.Len(t, units, 3)

	for i, u := range units {
		assert.Equal(t, i, u.ChunkIndex)
		assert.Equal(t, 3, u.ChunkCount)
		assert.LessOrEqual(t, len(u.Text), 8000)
	}

	// Adjacent chunks share the configured overlap.
	first, second := units[0].Text, units[1].Text
	assert.Equal(t, first[len(first)-200:], second[:200])
}

func TestChunking_SentenceBoundary(t *testing.T) {
	e := newTestExtractor(t, Config{MaxChunkSize: 60, ChunkOverlap: 4, MinContentLength: 20})

	sentence := "The fog rolled in over the harbor before dawn broke. "
	text := strings.TrimSpace(strings.Repeat(sentence, 5))

	units := e.FromDocument(&story.Document{
		ID:        "doc-1",
		ProjectID: "proj-1",
		Content:   text,
	})
	require.Greater(t, len(units), 1)

	// Every chunk except the last ends on sentence punctuation.
	for _, u := range units[:len(units)-1] {
		last := u.Text[len(u.Text)-1]
		assert.Contains(t, ".!?", string(last), "chunk %d should end at a sentence boundary", u.ChunkIndex)
	}
}

func TestChunking_MultibyteRuneBoundaries(t *testing.T) {
	e := newTestExtractor(t, Config{MaxChunkSize: 100, ChunkOverlap: 13, MinContentLength: 20})

	// CJK prose with no ASCII sentence punctuation: chunk boundaries
	// cannot snap to a sentence and must still land between runes.
	text := strings.Repeat("霧は夜明け前に港へ流れ込んだ", 30)

	units := e.FromDocument(&story.Document{
		ID:        "doc-1",
		ProjectID: "proj-1",
		Content:   text,
	})
	require.Greater(t, len(units), 1)

	for i, u := range units {
		assert.True(t, utf8.ValidString(u.Text), "chunk %d contains invalid UTF-8: %q", i, u.Text)
		assert.LessOrEqual(t, len(u.Text), 100)
		assert.NotEmpty(t, u.Text)
	}
}

func TestStats(t *testing.T) {
	units := []Unit{
		{SourceType: story.EntityDocument, Text: strings.Repeat("a", 100)},
		{SourceType: story.EntityDocument, Text: strings.Repeat("b", 200)},
		{SourceType: story.EntityProfile, Text: strings.Repeat("c", 60)},
	}

	stats := Stats(units)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 2, stats.ByType[story.EntityDocument])
	assert.Equal(t, 1, stats.ByType[story.EntityProfile])
	assert.Equal(t, 120, stats.AverageLength)

	empty := Stats(nil)
	assert.Equal(t, 0, empty.Count)
	assert.Empty(t, empty.ByType)
}
