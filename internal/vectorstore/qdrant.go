package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/inkdex/internal/story"
)

// qdrantTracer for OpenTelemetry instrumentation.
var qdrantTracer = otel.Tracer("inkdex.vectorstore.qdrant")

// recordIDNamespace is the UUIDv5 namespace for deterministic point IDs.
// Qdrant requires UUID point identifiers; hashing the record ID keeps
// upserts idempotent per (project, entity, chunk) key.
var recordIDNamespace = uuid.MustParse("5a1d2c3b-9e4f-4a6b-8c7d-0e1f2a3b4c5d")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost"
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (not the HTTP REST port).
	// Default: 6334
	Port int `koanf:"port"`

	// Collection is the collection name holding all content records.
	// Default: "inkdex_content"
	Collection string `koanf:"collection"`

	// VectorSize is the embedding dimension. Default: 384
	VectorSize uint64 `koanf:"vector_size"`

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 16MB
	MaxMessageSize int `koanf:"max_message_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "inkdex_content"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// QdrantStore implements Store using Qdrant's native gRPC client.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantStore creates a QdrantStore and verifies connectivity.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &QdrantStore{
		client: client,
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}
	if err := store.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant store initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection),
	)

	return store, nil
}

// ensureCollection creates the content collection if it does not exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.config.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}
	return nil
}

// pointID derives the deterministic Qdrant UUID for a record ID.
func pointID(recordID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(recordIDNamespace, []byte(recordID)).String())
}

// Upsert inserts or replaces records by their deterministic IDs.
func (s *QdrantStore) Upsert(ctx context.Context, records []Record) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()

	span.SetAttributes(attribute.Int("record_count", len(records)))

	if len(records) == 0 {
		return ErrEmptyRecords
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, rec := range records {
		if len(rec.Embedding) == 0 {
			return fmt.Errorf("%w: record %s has no embedding", ErrInvalidConfig, rec.ID)
		}
		if rec.ID == "" {
			rec.ID = RecordID(rec.ProjectID, rec.EntityType, rec.EntityID, rec.ChunkIndex)
		}

		points[i] = &qdrant.PointStruct{
			Id:      pointID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Embedding...),
			Payload: recordPayload(rec),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.config.Collection,
		Points:         points,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points: %w", err)
	}

	s.logger.Debug("upserted records to qdrant",
		zap.String("collection", s.config.Collection),
		zap.Int("count", len(records)),
	)
	return nil
}

// GetEntity returns all stored records for one entity, ordered by chunk index.
func (s *QdrantStore) GetEntity(ctx context.Context, projectID string, entityType story.EntityType, entityID string) ([]Record, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.GetEntity")
	defer span.End()

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.config.Collection,
		Ids:            []*qdrant.PointId{pointID(RecordID(projectID, entityType, entityID, 0))},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("getting entity records: %w", err)
	}
	if len(points) == 0 {
		return nil, ErrRecordNotFound
	}

	first := recordFromPayload(points[0].Payload)
	records := []Record{first}
	if first.ChunkCount > 1 {
		ids := make([]*qdrant.PointId, 0, first.ChunkCount-1)
		for i := 1; i < first.ChunkCount; i++ {
			ids = append(ids, pointID(RecordID(projectID, entityType, entityID, i)))
		}
		rest, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.config.Collection,
			Ids:            ids,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("getting chunk records: %w", err)
		}
		for _, p := range rest {
			records = append(records, recordFromPayload(p.Payload))
		}
	}

	sortRecordsByChunk(records)
	span.SetAttributes(attribute.Int("record_count", len(records)))
	return records, nil
}

// QuerySimilar performs a top-K cosine similarity search.
func (s *QdrantStore) QuerySimilar(ctx context.Context, query SimilarityQuery) ([]SimilarityHit, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.QuerySimilar")
	defer span.End()

	if err := query.Validate(); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("project_id", query.ProjectID),
		attribute.Int("top_k", query.TopK),
	)

	conditions := []*qdrant.Condition{fieldMatch("project_id", query.ProjectID)}
	if len(query.EntityTypes) > 0 {
		keywords := make([]string, len(query.EntityTypes))
		for i, t := range query.EntityTypes {
			keywords[i] = string(t)
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: "entity_type",
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keywords{
							Keywords: &qdrant.RepeatedStrings{Strings: keywords},
						},
					},
				},
			},
		})
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.config.Collection,
		Query:          qdrant.NewQuery(query.Vector...),
		Limit:          qdrant.PtrOf(uint64(query.TopK)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         &qdrant.Filter{Must: conditions},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	hits := make([]SimilarityHit, len(results))
	for i, point := range results {
		rec := recordFromPayload(point.Payload)
		hits[i] = SimilarityHit{
			RecordID:   rec.ID,
			ProjectID:  rec.ProjectID,
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			ChunkIndex: rec.ChunkIndex,
			Content:    rec.Content,
			Similarity: float64(point.Score),
		}
	}

	span.SetAttributes(attribute.Int("hit_count", len(hits)))
	return hits, nil
}

// DeleteEntity removes all records for one entity.
func (s *QdrantStore) DeleteEntity(ctx context.Context, projectID string, entityType story.EntityType, entityID string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeleteEntity")
	defer span.End()

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.config.Collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						fieldMatch("project_id", projectID),
						fieldMatch("entity_type", string(entityType)),
						fieldMatch("entity_id", entityID),
					},
				},
			},
		},
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting records for entity %s: %w", entityID, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func stringValue(v string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
}

func intValue(v int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: v}}
}

func fieldMatch(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

// recordPayload flattens a Record into a Qdrant payload.
func recordPayload(rec Record) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		"record_id":   stringValue(rec.ID),
		"project_id":  stringValue(rec.ProjectID),
		"entity_type": stringValue(string(rec.EntityType)),
		"entity_id":   stringValue(rec.EntityID),
		"chunk_index": intValue(int64(rec.ChunkIndex)),
		"chunk_count": intValue(int64(rec.ChunkCount)),
		"content":     stringValue(rec.Content),
		"preview":     stringValue(rec.ContentPreview),
		"created_at":  intValue(rec.CreatedAt.Unix()),
		"updated_at":  intValue(rec.UpdatedAt.Unix()),
	}
	for k, v := range rec.Metadata {
		payload["meta_"+k] = stringValue(v)
	}
	return payload
}

// recordFromPayload rebuilds a Record from a Qdrant payload.
func recordFromPayload(payload map[string]*qdrant.Value) Record {
	rec := Record{}
	for k, v := range payload {
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			switch k {
			case "record_id":
				rec.ID = val.StringValue
			case "project_id":
				rec.ProjectID = val.StringValue
			case "entity_type":
				rec.EntityType = story.EntityType(val.StringValue)
			case "entity_id":
				rec.EntityID = val.StringValue
			case "content":
				rec.Content = val.StringValue
			case "preview":
				rec.ContentPreview = val.StringValue
			default:
				if len(k) > 5 && k[:5] == "meta_" {
					if rec.Metadata == nil {
						rec.Metadata = make(map[string]string)
					}
					rec.Metadata[k[5:]] = val.StringValue
				}
			}
		case *qdrant.Value_IntegerValue:
			switch k {
			case "chunk_index":
				rec.ChunkIndex = int(val.IntegerValue)
			case "chunk_count":
				rec.ChunkCount = int(val.IntegerValue)
			case "created_at":
				rec.CreatedAt = time.Unix(val.IntegerValue, 0)
			case "updated_at":
				rec.UpdatedAt = time.Unix(val.IntegerValue, 0)
			}
		}
	}
	return rec
}

func sortRecordsByChunk(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].ChunkIndex < records[j].ChunkIndex
	})
}

// Ensure QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)
