// Package vectorstore defines the interface for the content vector index.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/inkdex/internal/story"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyRecords indicates empty or nil records.
	ErrEmptyRecords = errors.New("empty or nil records")

	// ErrConnectionFailed indicates the store backend is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector store")

	// ErrRecordNotFound is returned when no record exists for an entity.
	ErrRecordNotFound = errors.New("vector record not found")
)

// Record is an embedded content unit stored in the index.
//
// A record is uniquely identified by (ProjectID, EntityType, EntityID,
// ChunkIndex). Records are created and replaced by the sync coordinator
// and never mutated elsewhere.
type Record struct {
	// ID is the deterministic record identifier, see RecordID.
	ID string

	ProjectID  string
	EntityType story.EntityType
	EntityID   string

	// ChunkIndex and ChunkCount locate this record within a chunked
	// source; single-unit sources have index 0 of 1.
	ChunkIndex int
	ChunkCount int

	// Content is the full normalized chunk text. Kept verbatim so the
	// sync coordinator can detect unchanged content without re-embedding.
	Content string

	// ContentPreview is a short display excerpt of Content.
	ContentPreview string

	Embedding []float32
	Metadata  map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordID builds the deterministic identifier for a record.
func RecordID(projectID string, entityType story.EntityType, entityID string, chunkIndex int) string {
	return fmt.Sprintf("%s:%s:%s:%d", projectID, entityType, entityID, chunkIndex)
}

// SimilarityQuery describes a top-K similarity search.
type SimilarityQuery struct {
	// ProjectID scopes the search to one project. Required.
	ProjectID string

	// Vector is the query embedding. Required.
	Vector []float32

	// TopK is the maximum number of hits to return. Required.
	TopK int

	// EntityTypes optionally restricts hits to the given source types.
	EntityTypes []story.EntityType
}

// Validate validates the query.
func (q SimilarityQuery) Validate() error {
	if q.ProjectID == "" {
		return fmt.Errorf("%w: project id required", ErrInvalidConfig)
	}
	if len(q.Vector) == 0 {
		return fmt.Errorf("%w: query vector required", ErrInvalidConfig)
	}
	if q.TopK <= 0 {
		return fmt.Errorf("%w: top-k must be positive, got %d", ErrInvalidConfig, q.TopK)
	}
	return nil
}

// SimilarityHit is a raw similarity match before hydration.
type SimilarityHit struct {
	RecordID   string
	ProjectID  string
	EntityType story.EntityType
	EntityID   string
	ChunkIndex int
	Content    string
	Similarity float64
}

// Store is the interface for the content vector index.
//
// Implementations must support upsert-by-key and top-K cosine similarity
// search with project scoping and entity-type filtering. Embeddings are
// always supplied by the caller; the store never generates them.
//
// Implementations:
//   - ChromemStore: embedded chromem-go (default)
//   - QdrantStore: external Qdrant gRPC client
type Store interface {
	// Upsert inserts or replaces records by their deterministic IDs.
	Upsert(ctx context.Context, records []Record) error

	// GetEntity returns all stored records for one entity, ordered by
	// chunk index. Returns ErrRecordNotFound if the entity is not
	// indexed.
	GetEntity(ctx context.Context, projectID string, entityType story.EntityType, entityID string) ([]Record, error)

	// QuerySimilar performs a top-K cosine similarity search scoped to
	// a project, optionally filtered by entity type. Hits are ordered
	// by similarity, highest first.
	QuerySimilar(ctx context.Context, query SimilarityQuery) ([]SimilarityHit, error)

	// DeleteEntity removes all records for one entity. Deleting an
	// entity that is not indexed is not an error.
	DeleteEntity(ctx context.Context, projectID string, entityType story.EntityType, entityID string) error

	// Close releases backend resources.
	Close() error
}
