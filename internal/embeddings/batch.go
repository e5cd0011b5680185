package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/inkdex/internal/extract"
	"github.com/fyrsmithlabs/inkdex/internal/vectorstore"
)

// DefaultMaxBatchSize is the provider batch limit used when none is
// configured.
const DefaultMaxBatchSize = 64

// previewLength is the length of the display excerpt stored per record.
const previewLength = 240

// BatchProcessor groups extracted units into provider-sized batches,
// invokes the embedding provider once per batch, and maps returned
// vectors back onto their source units by position.
//
// The processor is stateless and never writes to the vector index;
// callers persist the returned records. A provider error fails the
// whole batch: no partial results are returned, so callers can retry a
// failed batch as a unit.
type BatchProcessor struct {
	provider     Provider
	maxBatchSize int
	logger       *zap.Logger
}

// NewBatchProcessor creates a BatchProcessor over the given provider.
// A maxBatchSize of zero uses DefaultMaxBatchSize.
func NewBatchProcessor(provider Provider, maxBatchSize int, logger *zap.Logger) (*BatchProcessor, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &BatchProcessor{
		provider:     provider,
		maxBatchSize: maxBatchSize,
		logger:       logger,
	}, nil
}

// Process embeds all units and returns one record per unit, in input
// order.
func (p *BatchProcessor) Process(ctx context.Context, units []extract.Unit) ([]vectorstore.Record, error) {
	if len(units) == 0 {
		return nil, ErrEmptyInput
	}

	now := time.Now()
	records := make([]vectorstore.Record, 0, len(units))

	for start := 0; start < len(units); start += p.maxBatchSize {
		end := start + p.maxBatchSize
		if end > len(units) {
			end = len(units)
		}
		batch := units[start:end]

		texts := make([]string, len(batch))
		for i, u := range batch {
			texts[i] = u.Text
		}

		vectors, err := p.provider.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding batch of %d units: %w", len(batch), err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("%w: got %d vectors for %d units", ErrEmbeddingFailed, len(vectors), len(batch))
		}

		for i, u := range batch {
			records = append(records, vectorstore.Record{
				ID:             vectorstore.RecordID(u.ProjectID, u.SourceType, u.SourceID, u.ChunkIndex),
				ProjectID:      u.ProjectID,
				EntityType:     u.SourceType,
				EntityID:       u.SourceID,
				ChunkIndex:     u.ChunkIndex,
				ChunkCount:     u.ChunkCount,
				Content:        u.Text,
				ContentPreview: preview(u.Text),
				Embedding:      vectors[i],
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
	}

	p.logger.Debug("processed embedding batches",
		zap.Int("units", len(units)),
		zap.Int("max_batch_size", p.maxBatchSize),
		zap.String("model", p.provider.Model()),
	)
	return records, nil
}

// preview truncates text to a short display excerpt at a word boundary.
func preview(text string) string {
	if len(text) <= previewLength {
		return text
	}
	cut := previewLength
	for cut > 0 && text[cut-1] != ' ' {
		cut--
	}
	if cut == 0 {
		// No space to cut at; fall back to the nearest rune boundary.
		cut = previewLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
	}
	return strings.TrimRight(text[:cut], " ") + "…"
}
