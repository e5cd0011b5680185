// Package extract turns domain entities into normalized, length-bounded
// text units suitable for embedding.
//
// Extraction is a pure function of its input: no I/O, no state. Text is
// normalized (whitespace collapsed, control and invisible formatting
// runes stripped), rejected when too short to carry signal, and split
// into overlapping chunks at sentence boundaries when it exceeds the
// maximum chunk size.
package extract

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/fyrsmithlabs/inkdex/internal/story"
)

// Config holds extraction parameters.
type Config struct {
	// MinContentLength is the minimum normalized text length to embed.
	// Shorter text is rejected as carrying too little signal.
	// Default: 20
	MinContentLength int `koanf:"min_content_length"`

	// MaxChunkSize is the maximum characters per extracted unit.
	// Default: 8000
	MaxChunkSize int `koanf:"max_chunk_size"`

	// ChunkOverlap is the number of characters shared between adjacent
	// chunks so a concept spanning a boundary survives in one of them.
	// Default: 200
	ChunkOverlap int `koanf:"chunk_overlap"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MinContentLength == 0 {
		c.MinContentLength = 20
	}
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = 8000
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 200
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.MinContentLength < 0 {
		return fmt.Errorf("min content length cannot be negative: %d", c.MinContentLength)
	}
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("max chunk size must be positive: %d", c.MaxChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.MaxChunkSize {
		return fmt.Errorf("chunk overlap %d must be in [0, max chunk size %d)", c.ChunkOverlap, c.MaxChunkSize)
	}
	return nil
}

// Unit is a normalized, length-bounded text unit ready for embedding.
//
// Units are ephemeral: they are consumed immediately by the batch
// processor and never persisted directly.
type Unit struct {
	ProjectID      string
	SourceType     story.EntityType
	SourceID       string
	ChunkIndex     int
	ChunkCount     int
	Text           string
	OriginalLength int
}

// Extractor produces embedding units from domain entities.
type Extractor struct {
	config Config
}

// NewExtractor creates an Extractor with the given configuration.
func NewExtractor(cfg Config) (*Extractor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &Extractor{config: cfg}, nil
}

// FromDocument extracts units from a chapter document.
func (e *Extractor) FromDocument(d *story.Document) []Unit {
	if d == nil {
		return nil
	}
	text := joinParts(d.Title, d.Summary, d.Content)
	return e.build(d.ProjectID, story.EntityDocument, d.ID, text)
}

// FromProfile extracts units from a character profile.
func (e *Extractor) FromProfile(p *story.Profile) []Unit {
	if p == nil {
		return nil
	}
	text := joinParts(p.Name, p.Role, p.Description, p.Backstory)
	return e.build(p.ProjectID, story.EntityProfile, p.ID, text)
}

// FromReference extracts units from a world-reference note.
func (e *Extractor) FromReference(r *story.Reference) []Unit {
	if r == nil {
		return nil
	}
	text := joinParts(r.Title, r.Category, r.Details)
	return e.build(r.ProjectID, story.EntityReference, r.ID, text)
}

// FromProject extracts units from the project metadata record.
func (e *Extractor) FromProject(p *story.Project) []Unit {
	if p == nil {
		return nil
	}
	text := joinParts(p.Title, p.Genre, p.Synopsis)
	return e.build(p.ID, story.EntityProject, p.ID, text)
}

// Validate reports whether text is embeddable after normalization, and
// the rejection reason if not. Usable independently of extraction.
func (e *Extractor) Validate(text string) (bool, string) {
	normalized := Normalize(text)
	if normalized == "" {
		return false, "empty after normalization"
	}
	if len(normalized) < e.config.MinContentLength {
		return false, fmt.Sprintf("content length %d below minimum %d", len(normalized), e.config.MinContentLength)
	}
	return true, ""
}

// build normalizes, validates and chunks the source text into units.
func (e *Extractor) build(projectID string, sourceType story.EntityType, sourceID, text string) []Unit {
	originalLength := len(text)
	normalized := Normalize(text)
	if len(normalized) < e.config.MinContentLength {
		return nil
	}

	chunks := e.chunk(normalized)
	units := make([]Unit, len(chunks))
	for i, chunk := range chunks {
		units[i] = Unit{
			ProjectID:      projectID,
			SourceType:     sourceType,
			SourceID:       sourceID,
			ChunkIndex:     i,
			ChunkCount:     len(chunks),
			Text:           chunk,
			OriginalLength: originalLength,
		}
	}
	return units
}

// chunk splits text into overlapping pieces of at most MaxChunkSize
// characters, preferring to cut at sentence boundaries.
func (e *Extractor) chunk(text string) []string {
	size := e.config.MaxChunkSize
	if len(text) <= size {
		return []string{text}
	}

	// Only snap to a sentence boundary found in the tail quarter of the
	// chunk; a boundary further back would shrink chunks too much.
	window := size / 4

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}

		if cut := sentenceBoundary(text, end-window, end); cut > start {
			end = cut
		} else {
			end = runeStart(text, end)
			if end <= start {
				_, w := utf8.DecodeRuneInString(text[start:])
				end = start + w
			}
		}
		chunks = append(chunks, text[start:end])

		next := runeStart(text, end-e.config.ChunkOverlap)
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// runeStart backs i off to the nearest rune start so slicing at i never
// splits a multi-byte rune.
func runeStart(text string, i int) int {
	if i <= 0 {
		return 0
	}
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// sentenceBoundary returns the index just after the last sentence-ending
// punctuation in text[min:max], or -1 if none is found.
func sentenceBoundary(text string, min, max int) int {
	if min < 0 {
		min = 0
	}
	for i := max - 1; i >= min; i-- {
		switch text[i] {
		case '.', '!', '?':
			// Require a following space or end of text so we don't cut
			// inside abbreviations like "3.5" or ellipses.
			if i+1 >= len(text) || text[i+1] == ' ' {
				return i + 1
			}
		}
	}
	return -1
}

// Normalize collapses whitespace runs to single spaces, trims, and
// strips control and invisible Unicode formatting characters.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			// Treat stripped control runes as soft separators so words
			// joined only by them don't fuse together.
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// joinParts joins non-empty parts with paragraph separators before
// normalization collapses them to single spaces.
func joinParts(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
