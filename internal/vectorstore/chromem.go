package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/inkdex/internal/story"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("inkdex.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage. An empty path
	// creates an in-memory store (used by tests).
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`

	// Collection is the collection name holding all content records.
	// Default: "inkdex_content"
	Collection string `koanf:"collection"`

	// VectorSize is the expected embedding dimension.
	// Default: 384
	VectorSize int `koanf:"vector_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "inkdex_content"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store using chromem-go, an embeddable pure-Go
// vector database with no external service dependency.
//
// Embeddings are always precomputed by the caller; the collection's
// embedding function is a guard that fails if chromem ever asks for one.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
}

// NewChromemStore creates a ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		expandedPath, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(expandedPath, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
		}
		db, err = chromem.NewPersistentDB(expandedPath, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	store := &ChromemStore{
		db:     db,
		config: config,
		logger: logger,
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.String("collection", config.Collection),
		zap.Int("vector_size", config.VectorSize),
	)

	return store, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// noEmbeddingFunc guards against chromem generating embeddings itself.
// All records carry precomputed vectors, so this must never be called.
func noEmbeddingFunc(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding generation is delegated to the embedding provider")
}

func (s *ChromemStore) collection() (*chromem.Collection, error) {
	c, err := s.db.GetOrCreateCollection(s.config.Collection, nil, noEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", s.config.Collection, err)
	}
	return c, nil
}

// Upsert inserts or replaces records by their deterministic IDs.
func (s *ChromemStore) Upsert(ctx context.Context, records []Record) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()

	span.SetAttributes(attribute.Int("record_count", len(records)))

	if len(records) == 0 {
		return ErrEmptyRecords
	}

	collection, err := s.collection()
	if err != nil {
		span.RecordError(err)
		return err
	}

	docs := make([]chromem.Document, len(records))
	for i, rec := range records {
		if len(rec.Embedding) == 0 {
			return fmt.Errorf("%w: record %s has no embedding", ErrInvalidConfig, rec.ID)
		}
		if rec.ID == "" {
			rec.ID = RecordID(rec.ProjectID, rec.EntityType, rec.EntityID, rec.ChunkIndex)
		}
		docs[i] = chromem.Document{
			ID:        rec.ID,
			Content:   rec.Content,
			Embedding: rec.Embedding,
			Metadata:  recordMetadata(rec),
		}
	}

	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	s.logger.Debug("upserted records to chromem",
		zap.String("collection", s.config.Collection),
		zap.Int("count", len(records)),
	)
	return nil
}

// GetEntity returns all stored records for one entity, ordered by chunk index.
func (s *ChromemStore) GetEntity(ctx context.Context, projectID string, entityType story.EntityType, entityID string) ([]Record, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.GetEntity")
	defer span.End()

	collection, err := s.collection()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	first, err := collection.GetByID(ctx, RecordID(projectID, entityType, entityID, 0))
	if err != nil {
		return nil, ErrRecordNotFound
	}

	records := []Record{recordFromDocument(first)}
	for i := 1; i < records[0].ChunkCount; i++ {
		doc, err := collection.GetByID(ctx, RecordID(projectID, entityType, entityID, i))
		if err != nil {
			// Chunk count and stored chunks disagree; return what exists.
			s.logger.Warn("missing chunk record",
				zap.String("entity_id", entityID),
				zap.Int("chunk_index", i),
			)
			break
		}
		records = append(records, recordFromDocument(doc))
	}

	span.SetAttributes(attribute.Int("record_count", len(records)))
	return records, nil
}

// QuerySimilar performs a top-K cosine similarity search.
func (s *ChromemStore) QuerySimilar(ctx context.Context, query SimilarityQuery) ([]SimilarityHit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.QuerySimilar")
	defer span.End()

	if err := query.Validate(); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("project_id", query.ProjectID),
		attribute.Int("top_k", query.TopK),
	)

	collection, err := s.collection()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// chromem requires nResults <= document count.
	docCount := collection.Count()
	if docCount == 0 {
		return []SimilarityHit{}, nil
	}
	k := query.TopK
	if k > docCount {
		k = docCount
	}

	where := map[string]string{"project_id": query.ProjectID}
	// A single-type filter can be pushed down as an exact metadata
	// match; multi-type filters are applied after the query.
	if len(query.EntityTypes) == 1 {
		where["entity_type"] = string(query.EntityTypes[0])
	}

	results, err := collection.QueryEmbedding(ctx, query.Vector, k, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	hits := make([]SimilarityHit, 0, len(results))
	for _, r := range results {
		hit := SimilarityHit{
			RecordID:   r.ID,
			ProjectID:  r.Metadata["project_id"],
			EntityType: story.EntityType(r.Metadata["entity_type"]),
			EntityID:   r.Metadata["entity_id"],
			Content:    r.Content,
			Similarity: float64(r.Similarity),
		}
		hit.ChunkIndex, _ = strconv.Atoi(r.Metadata["chunk_index"])
		if len(query.EntityTypes) > 1 && !matchesTypes(hit.EntityType, query.EntityTypes) {
			continue
		}
		hits = append(hits, hit)
	}

	span.SetAttributes(attribute.Int("hit_count", len(hits)))
	return hits, nil
}

// DeleteEntity removes all records for one entity.
func (s *ChromemStore) DeleteEntity(ctx context.Context, projectID string, entityType story.EntityType, entityID string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteEntity")
	defer span.End()

	collection, err := s.collection()
	if err != nil {
		span.RecordError(err)
		return err
	}

	where := map[string]string{
		"project_id":  projectID,
		"entity_type": string(entityType),
		"entity_id":   entityID,
	}
	if err := collection.Delete(ctx, where, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting records for entity %s: %w", entityID, err)
	}
	return nil
}

// Close closes the store. chromem persists automatically, so this is a no-op.
func (s *ChromemStore) Close() error {
	return nil
}

// recordMetadata flattens a Record into chromem string metadata.
func recordMetadata(rec Record) map[string]string {
	md := map[string]string{
		"project_id":  rec.ProjectID,
		"entity_type": string(rec.EntityType),
		"entity_id":   rec.EntityID,
		"chunk_index": strconv.Itoa(rec.ChunkIndex),
		"chunk_count": strconv.Itoa(rec.ChunkCount),
		"preview":     rec.ContentPreview,
		"created_at":  strconv.FormatInt(rec.CreatedAt.Unix(), 10),
		"updated_at":  strconv.FormatInt(rec.UpdatedAt.Unix(), 10),
	}
	for k, v := range rec.Metadata {
		md["meta_"+k] = v
	}
	return md
}

// recordFromDocument rebuilds a Record from a stored chromem document.
func recordFromDocument(doc chromem.Document) Record {
	rec := Record{
		ID:             doc.ID,
		ProjectID:      doc.Metadata["project_id"],
		EntityType:     story.EntityType(doc.Metadata["entity_type"]),
		EntityID:       doc.Metadata["entity_id"],
		Content:        doc.Content,
		ContentPreview: doc.Metadata["preview"],
		Embedding:      doc.Embedding,
	}
	rec.ChunkIndex, _ = strconv.Atoi(doc.Metadata["chunk_index"])
	rec.ChunkCount, _ = strconv.Atoi(doc.Metadata["chunk_count"])
	if v, err := strconv.ParseInt(doc.Metadata["created_at"], 10, 64); err == nil {
		rec.CreatedAt = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(doc.Metadata["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.Unix(v, 0)
	}
	for k, v := range doc.Metadata {
		if strings.HasPrefix(k, "meta_") {
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]string)
			}
			rec.Metadata[k[5:]] = v
		}
	}
	return rec
}

func matchesTypes(t story.EntityType, allowed []story.EntityType) bool {
	for _, a := range allowed {
		if t == a {
			return true
		}
	}
	return false
}

// Ensure ChromemStore implements Store.
var _ Store = (*ChromemStore)(nil)
