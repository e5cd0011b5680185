// Package services wires the discovery subsystem together and hands
// consumers a single registry of constructed services.
package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/inkdex/internal/config"
	"github.com/fyrsmithlabs/inkdex/internal/embeddings"
	"github.com/fyrsmithlabs/inkdex/internal/extract"
	"github.com/fyrsmithlabs/inkdex/internal/querycache"
	"github.com/fyrsmithlabs/inkdex/internal/search"
	"github.com/fyrsmithlabs/inkdex/internal/story"
	"github.com/fyrsmithlabs/inkdex/internal/syncer"
	"github.com/fyrsmithlabs/inkdex/internal/vectorstore"
)

// Registry provides access to all inkdex services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Extractor() *extract.Extractor
	Embeddings() embeddings.Provider
	VectorStore() vectorstore.Store
	Cache() *querycache.Cache
	Syncer() *syncer.Coordinator
	Search() *search.Orchestrator

	// Close shuts down services in dependency order.
	Close() error
}

// registry is the concrete implementation of Registry.
type registry struct {
	extractor *extract.Extractor
	provider  embeddings.Provider
	store     vectorstore.Store
	cache     *querycache.Cache
	syncer    *syncer.Coordinator
	search    *search.Orchestrator
}

// New constructs every service from configuration. The repository is
// the caller's entity source used for search hydration.
func New(cfg *config.Config, repo story.Repository, logger *zap.Logger) (Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	extractor, err := extract.NewExtractor(cfg.Extract)
	if err != nil {
		return nil, fmt.Errorf("creating extractor: %w", err)
	}

	provider, err := embeddings.NewService(cfg.Embeddings, logger.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("creating embedding service: %w", err)
	}

	store, err := vectorstore.NewStore(cfg.VectorStore, logger.Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("creating vector store: %w", err)
	}

	cache := querycache.New(cfg.Cache, logger.Named("querycache"))

	batch, err := embeddings.NewBatchProcessor(provider, 0, logger.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("creating batch processor: %w", err)
	}

	coordinator, err := syncer.New(cfg.Sync, extractor, batch, store, cache, logger.Named("syncer"))
	if err != nil {
		return nil, fmt.Errorf("creating sync coordinator: %w", err)
	}

	orchestrator, err := search.New(cfg.Search, provider, store, cache, repo, logger.Named("search"))
	if err != nil {
		return nil, fmt.Errorf("creating search orchestrator: %w", err)
	}

	return &registry{
		extractor: extractor,
		provider:  provider,
		store:     store,
		cache:     cache,
		syncer:    coordinator,
		search:    orchestrator,
	}, nil
}

func (r *registry) Extractor() *extract.Extractor   { return r.extractor }
func (r *registry) Embeddings() embeddings.Provider { return r.provider }
func (r *registry) VectorStore() vectorstore.Store  { return r.store }
func (r *registry) Cache() *querycache.Cache        { return r.cache }
func (r *registry) Syncer() *syncer.Coordinator     { return r.syncer }
func (r *registry) Search() *search.Orchestrator    { return r.search }

// Close drains pending sync work before releasing the store.
func (r *registry) Close() error {
	if err := r.syncer.Close(); err != nil {
		return fmt.Errorf("closing syncer: %w", err)
	}
	if err := r.store.Close(); err != nil {
		return fmt.Errorf("closing vector store: %w", err)
	}
	return nil
}
