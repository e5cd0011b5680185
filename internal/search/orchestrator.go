// Package search orchestrates semantic queries end to end: cache
// lookup, query embedding, vector index search, entity hydration and
// consumer-side filtering.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/inkdex/internal/embeddings"
	"github.com/fyrsmithlabs/inkdex/internal/querycache"
	"github.com/fyrsmithlabs/inkdex/internal/story"
	"github.com/fyrsmithlabs/inkdex/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/inkdex/internal/search"

// Config holds search orchestrator parameters.
type Config struct {
	// TopK is the number of nearest neighbors requested from the vector
	// index before dedup and filtering. Default: 12
	TopK int `koanf:"top_k"`

	// SnippetLength caps the display snippet per result. Default: 240
	SnippetLength int `koanf:"snippet_length"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TopK == 0 {
		c.TopK = 12
	}
	if c.SnippetLength == 0 {
		c.SnippetLength = 240
	}
}

// Filters narrows a result set after retrieval. Filters are applied to
// the full pre-filter result set, both on cache hits and misses, so one
// cached entry serves every filter combination of the same query.
type Filters struct {
	// EntityTypes restricts results to the given kinds; empty means all.
	EntityTypes []story.EntityType

	// MinScore drops results below the similarity threshold.
	MinScore float64

	// Limit caps the number of returned results; zero means no cap.
	Limit int
}

// Orchestrator executes semantic searches over a project's index.
type Orchestrator struct {
	config   Config
	provider embeddings.Provider
	store    vectorstore.Store
	cache    *querycache.Cache
	repo     story.Repository
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a search Orchestrator.
func New(cfg Config, provider embeddings.Provider, store vectorstore.Store, cache *querycache.Cache, repo story.Repository, logger *zap.Logger) (*Orchestrator, error) {
	if provider == nil {
		return nil, errors.New("embedding provider is required")
	}
	if store == nil {
		return nil, errors.New("vector store is required")
	}
	if cache == nil {
		return nil, errors.New("query cache is required")
	}
	if repo == nil {
		return nil, errors.New("entity repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.ApplyDefaults()

	return &Orchestrator{
		config:   cfg,
		provider: provider,
		store:    store,
		cache:    cache,
		repo:     repo,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}, nil
}

// Search runs a semantic query against one project.
//
// An empty or whitespace-only query returns an empty result set without
// touching the cache or the index. Results are cached before filters
// are applied; filters always run on the way out.
func (o *Orchestrator) Search(ctx context.Context, query, projectID string, filters Filters) ([]story.SearchResult, error) {
	ctx, span := o.tracer.Start(ctx, "search.query")
	defer span.End()

	span.SetAttributes(attribute.String("project_id", projectID))

	if strings.TrimSpace(query) == "" {
		return []story.SearchResult{}, nil
	}
	if projectID == "" {
		return nil, errors.New("project ID is required")
	}

	if cached, ok := o.cache.Get(query, projectID); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return applyFilters(cached, filters), nil
	}
	span.SetAttributes(attribute.Bool("cache_hit", false))

	vector, err := o.provider.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query embedding failed")
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := o.store.QuerySimilar(ctx, vectorstore.SimilarityQuery{
		ProjectID: projectID,
		Vector:    vector,
		TopK:      o.config.TopK,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index query failed")
		return nil, fmt.Errorf("querying index: %w", err)
	}

	results := o.hydrate(ctx, dedupeByEntity(hits))
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	o.cache.Set(query, projectID, results, vector)

	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "")
	return applyFilters(results, filters), nil
}

// CacheStats exposes query cache effectiveness counters.
func (o *Orchestrator) CacheStats() querycache.Stats {
	return o.cache.Stats()
}

// dedupeByEntity collapses multiple chunk hits of one entity into its
// single best-scoring hit.
func dedupeByEntity(hits []vectorstore.SimilarityHit) []vectorstore.SimilarityHit {
	best := make(map[string]int, len(hits))
	deduped := make([]vectorstore.SimilarityHit, 0, len(hits))
	for _, hit := range hits {
		key := string(hit.EntityType) + "\x00" + hit.EntityID
		if i, ok := best[key]; ok {
			if hit.Similarity > deduped[i].Similarity {
				deduped[i] = hit
			}
			continue
		}
		best[key] = len(deduped)
		deduped = append(deduped, hit)
	}
	return deduped
}

// hydrate loads the source entity for each hit. Hits whose entity no
// longer exists are dropped; the index catches up on the entity's next
// sync.
func (o *Orchestrator) hydrate(ctx context.Context, hits []vectorstore.SimilarityHit) []story.SearchResult {
	results := make([]story.SearchResult, 0, len(hits))
	for _, hit := range hits {
		entity, err := o.loadEntity(ctx, hit)
		if err != nil {
			if errors.Is(err, story.ErrNotFound) {
				o.logger.Debug("dropping hit for deleted entity",
					zap.String("entity_type", string(hit.EntityType)),
					zap.String("entity_id", hit.EntityID),
				)
			} else {
				o.logger.Warn("failed to hydrate search hit",
					zap.String("entity_type", string(hit.EntityType)),
					zap.String("entity_id", hit.EntityID),
					zap.Error(err),
				)
			}
			continue
		}
		results = append(results, story.SearchResult{
			EntityType: hit.EntityType,
			EntityID:   hit.EntityID,
			Similarity: hit.Similarity,
			Entity:     entity,
			Snippet:    snippet(hit.Content, o.config.SnippetLength),
		})
	}
	return results
}

func (o *Orchestrator) loadEntity(ctx context.Context, hit vectorstore.SimilarityHit) (any, error) {
	switch hit.EntityType {
	case story.EntityDocument:
		return o.repo.GetDocument(ctx, hit.EntityID)
	case story.EntityProfile:
		return o.repo.GetProfile(ctx, hit.EntityID)
	case story.EntityReference:
		return o.repo.GetReference(ctx, hit.EntityID)
	case story.EntityProject:
		return o.repo.GetProject(ctx, hit.EntityID)
	default:
		return nil, fmt.Errorf("unknown entity type %q", hit.EntityType)
	}
}

// snippet truncates matched content to a display excerpt at a word
// boundary.
func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && text[cut-1] != ' ' {
		cut--
	}
	if cut == 0 {
		// No space to cut at; fall back to the nearest rune boundary.
		cut = max
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
	}
	return strings.TrimRight(text[:cut], " ") + "…"
}

func applyFilters(results []story.SearchResult, filters Filters) []story.SearchResult {
	filtered := make([]story.SearchResult, 0, len(results))

	var allowed map[story.EntityType]bool
	if len(filters.EntityTypes) > 0 {
		allowed = make(map[story.EntityType]bool, len(filters.EntityTypes))
		for _, t := range filters.EntityTypes {
			allowed[t] = true
		}
	}

	for _, r := range results {
		if allowed != nil && !allowed[r.EntityType] {
			continue
		}
		if filters.MinScore > 0 && r.Similarity < filters.MinScore {
			continue
		}
		filtered = append(filtered, r)
		if filters.Limit > 0 && len(filtered) >= filters.Limit {
			break
		}
	}
	return filtered
}
