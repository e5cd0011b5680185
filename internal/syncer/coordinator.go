// Package syncer keeps the vector index eventually consistent with
// source entities without overwhelming the embedding provider.
//
// Rapid edits (keystroke-driven autosave) are coalesced with a
// per-entity debounce timer, and content that is textually identical to
// what is already indexed is skipped without an embedding call.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/inkdex/internal/extract"
	"github.com/fyrsmithlabs/inkdex/internal/querycache"
	"github.com/fyrsmithlabs/inkdex/internal/story"
	"github.com/fyrsmithlabs/inkdex/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/inkdex/internal/syncer"

// Config holds sync coordinator parameters.
type Config struct {
	// Debounce is the delay between an entity-changed notification and
	// the indexing job it schedules. A new change to the same entity
	// within the window cancels and replaces the pending job.
	// Default: 2s
	Debounce time.Duration `koanf:"debounce"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Debounce == 0 {
		c.Debounce = 2 * time.Second
	}
}

// pendingJob is a scheduled, cancellable indexing job for one entity.
type pendingJob struct {
	timer *time.Timer
	run   func()
}

// Coordinator drives the extract, embed and upsert pipeline for changed
// entities and invalidates the query cache after successful writes.
//
// Sync entry points are fire-and-forget: failures inside a fired job
// are logged and the job is dropped. The entity stays stale until its
// next edit reschedules a job or a bulk reindex is run; there is no
// automatic retry loop.
type Coordinator struct {
	config    Config
	extractor *extract.Extractor
	batch     BatchRunner
	store     vectorstore.Store
	cache     *querycache.Cache
	logger    *zap.Logger

	tracer      trace.Tracer
	embedJobs   metric.Int64Counter
	deltaSkips  metric.Int64Counter
	droppedJobs metric.Int64Counter

	mu      sync.Mutex
	pending map[string]*pendingJob
	// generations orders jobs per entity key; a fired job whose
	// generation is no longer current was superseded by a newer edit
	// while it was blocked in the provider call.
	generations map[string]uint64
	closed      bool

	// inflight tracks fired jobs so Close can wait for them.
	inflight sync.WaitGroup
}

// BatchRunner is the slice of the embedding batch processor the
// coordinator needs; satisfied by *embeddings.BatchProcessor.
type BatchRunner interface {
	Process(ctx context.Context, units []extract.Unit) ([]vectorstore.Record, error)
}

// New creates a Coordinator.
func New(cfg Config, extractor *extract.Extractor, batch BatchRunner, store vectorstore.Store, cache *querycache.Cache, logger *zap.Logger) (*Coordinator, error) {
	if extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if batch == nil {
		return nil, errors.New("batch processor is required")
	}
	if store == nil {
		return nil, errors.New("vector store is required")
	}
	if cache == nil {
		return nil, errors.New("query cache is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.ApplyDefaults()

	c := &Coordinator{
		config:    cfg,
		extractor: extractor,
		batch:     batch,
		store:     store,
		cache:     cache,
		logger:    logger,
		tracer:      otel.Tracer(instrumentationName),
		pending:     make(map[string]*pendingJob),
		generations: make(map[string]uint64),
	}
	c.initMetrics()
	return c, nil
}

func (c *Coordinator) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	c.embedJobs, err = meter.Int64Counter(
		"inkdex.sync.indexed_total",
		metric.WithDescription("Total entities embedded and upserted into the vector index"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		c.logger.Warn("failed to create indexed counter", zap.Error(err))
	}

	c.deltaSkips, err = meter.Int64Counter(
		"inkdex.sync.delta_skips_total",
		metric.WithDescription("Total sync jobs skipped because indexed content was unchanged"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		c.logger.Warn("failed to create delta skip counter", zap.Error(err))
	}

	c.droppedJobs, err = meter.Int64Counter(
		"inkdex.sync.dropped_total",
		metric.WithDescription("Total sync jobs dropped after a pipeline failure"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		c.logger.Warn("failed to create dropped counter", zap.Error(err))
	}
}

// SyncDocument schedules indexing for a changed chapter document.
func (c *Coordinator) SyncDocument(doc *story.Document) {
	if doc == nil {
		return
	}
	event := story.ChangeEvent{ProjectID: doc.ProjectID, EntityType: story.EntityDocument, EntityID: doc.ID}
	snapshot := *doc
	c.schedule(event, func() []extract.Unit { return c.extractor.FromDocument(&snapshot) })
}

// SyncProfile schedules indexing for a changed character profile.
func (c *Coordinator) SyncProfile(p *story.Profile) {
	if p == nil {
		return
	}
	event := story.ChangeEvent{ProjectID: p.ProjectID, EntityType: story.EntityProfile, EntityID: p.ID}
	snapshot := *p
	c.schedule(event, func() []extract.Unit { return c.extractor.FromProfile(&snapshot) })
}

// SyncReference schedules indexing for a changed world-reference note.
func (c *Coordinator) SyncReference(r *story.Reference) {
	if r == nil {
		return
	}
	event := story.ChangeEvent{ProjectID: r.ProjectID, EntityType: story.EntityReference, EntityID: r.ID}
	snapshot := *r
	c.schedule(event, func() []extract.Unit { return c.extractor.FromReference(&snapshot) })
}

// SyncProject schedules indexing for changed project metadata.
func (c *Coordinator) SyncProject(p *story.Project) {
	if p == nil {
		return
	}
	event := story.ChangeEvent{ProjectID: p.ID, EntityType: story.EntityProject, EntityID: p.ID}
	snapshot := *p
	c.schedule(event, func() []extract.Unit { return c.extractor.FromProject(&snapshot) })
}

// schedule registers a delayed job for the entity key, cancelling any
// prior pending job for the same key so at most one timer per entity
// is ever armed.
func (c *Coordinator) schedule(event story.ChangeEvent, extractFn func() []extract.Unit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	key := event.Key()
	if prior, ok := c.pending[key]; ok {
		prior.timer.Stop()
	}
	c.generations[key]++
	gen := c.generations[key]

	job := &pendingJob{}
	job.run = func() {
		c.mu.Lock()
		if c.pending[key] == job {
			delete(c.pending, key)
		}
		closed := c.closed
		if !closed {
			c.inflight.Add(1)
		}
		c.mu.Unlock()
		if closed {
			return
		}
		defer c.inflight.Done()
		c.runJob(context.Background(), event, extractFn, gen)
	}
	job.timer = time.AfterFunc(c.config.Debounce, job.run)
	c.pending[key] = job
}

// Flush synchronously runs all currently pending jobs, bypassing their
// remaining debounce delay.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	jobs := make([]*pendingJob, 0, len(c.pending))
	for _, job := range c.pending {
		if job.timer.Stop() {
			jobs = append(jobs, job)
		}
	}
	c.mu.Unlock()

	for _, job := range jobs {
		job.run()
	}
}

// Close cancels all pending jobs and waits for in-flight jobs to finish.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for key, job := range c.pending {
		job.timer.Stop()
		delete(c.pending, key)
	}
	c.mu.Unlock()

	c.inflight.Wait()
	return nil
}

// PendingCount returns the number of armed debounce timers.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// runJob executes the fired pipeline for one entity: delta check,
// embed, upsert, cache invalidation.
func (c *Coordinator) runJob(ctx context.Context, event story.ChangeEvent, extractFn func() []extract.Unit, gen uint64) {
	ctx, span := c.tracer.Start(ctx, "syncer.job")
	defer span.End()

	span.SetAttributes(
		attribute.String("project_id", event.ProjectID),
		attribute.String("entity_type", string(event.EntityType)),
		attribute.String("entity_id", event.EntityID),
	)

	units := extractFn()

	stored, err := c.store.GetEntity(ctx, event.ProjectID, event.EntityType, event.EntityID)
	if err != nil && !errors.Is(err, vectorstore.ErrRecordNotFound) {
		c.logger.Warn("failed to read back indexed records, re-embedding",
			zap.String("entity_id", event.EntityID),
			zap.Error(err),
		)
		stored = nil
	}

	if len(units) == 0 {
		// Content shrank below the embeddable minimum; drop any stale
		// index entries so search cannot surface them.
		if len(stored) > 0 {
			if err := c.store.DeleteEntity(ctx, event.ProjectID, event.EntityType, event.EntityID); err != nil {
				c.logger.Error("failed to delete records for unembeddable entity",
					zap.String("entity_id", event.EntityID),
					zap.Error(err),
				)
				return
			}
			c.cache.InvalidateProject(event.ProjectID)
		}
		return
	}

	if contentUnchanged(units, stored) {
		if c.deltaSkips != nil {
			c.deltaSkips.Add(ctx, 1, metric.WithAttributes(
				attribute.String("entity_type", string(event.EntityType)),
			))
		}
		c.logger.Debug("content unchanged, skipping embedding",
			zap.String("entity_id", event.EntityID),
			zap.Int("units", len(units)),
		)
		return
	}

	records, err := c.batch.Process(ctx, units)
	if err != nil {
		if c.droppedJobs != nil {
			c.droppedJobs.Add(ctx, 1)
		}
		c.logger.Error("embedding failed, dropping sync job",
			zap.String("project_id", event.ProjectID),
			zap.String("entity_type", string(event.EntityType)),
			zap.String("entity_id", event.EntityID),
			zap.Error(err),
		)
		return
	}

	// A newer edit scheduled while this job was blocked in the provider
	// call embeds fresher content; its upsert must win.
	if c.superseded(event.Key(), gen) {
		c.logger.Debug("superseded by a newer edit, discarding results",
			zap.String("entity_id", event.EntityID),
		)
		return
	}

	// Preserve creation timestamps across re-embeds and clear stale
	// chunks when the entity shrank.
	if len(stored) > 0 {
		createdAt := make(map[int]time.Time, len(stored))
		for _, rec := range stored {
			createdAt[rec.ChunkIndex] = rec.CreatedAt
		}
		for i := range records {
			if t, ok := createdAt[records[i].ChunkIndex]; ok && !t.IsZero() {
				records[i].CreatedAt = t
			}
		}
		if len(records) < len(stored) {
			if err := c.store.DeleteEntity(ctx, event.ProjectID, event.EntityType, event.EntityID); err != nil {
				c.logger.Warn("failed to clear stale chunk records",
					zap.String("entity_id", event.EntityID),
					zap.Error(err),
				)
			}
		}
	}

	if err := c.store.Upsert(ctx, records); err != nil {
		if c.droppedJobs != nil {
			c.droppedJobs.Add(ctx, 1)
		}
		c.logger.Error("vector index upsert failed, dropping sync job",
			zap.String("entity_id", event.EntityID),
			zap.Error(err),
		)
		return
	}

	c.cache.InvalidateProject(event.ProjectID)

	if c.embedJobs != nil {
		c.embedJobs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("entity_type", string(event.EntityType)),
		))
	}
	c.logger.Info("indexed entity",
		zap.String("project_id", event.ProjectID),
		zap.String("entity_type", string(event.EntityType)),
		zap.String("entity_id", event.EntityID),
		zap.Int("units", len(records)),
	)
}

// superseded reports whether a newer job for the entity key was
// scheduled after the given generation was armed.
func (c *Coordinator) superseded(key string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[key] != gen
}

// contentUnchanged reports whether the extracted units are textually
// identical to what is already indexed.
func contentUnchanged(units []extract.Unit, stored []vectorstore.Record) bool {
	if len(stored) == 0 || len(units) != len(stored) {
		return false
	}
	for i := range units {
		if units[i].Text != stored[i].Content {
			return false
		}
	}
	return true
}

// ReindexProject synchronously re-embeds and upserts every given entity
// for one project, bypassing debounce and delta checks, then
// invalidates the project's cached queries. Used for explicit bulk
// reindex after provider failures left entities stale.
func (c *Coordinator) ReindexProject(ctx context.Context, project *story.Project, docs []*story.Document, profiles []*story.Profile, refs []*story.Reference) (int, error) {
	ctx, span := c.tracer.Start(ctx, "syncer.reindex_project")
	defer span.End()

	var units []extract.Unit
	if project != nil {
		units = append(units, c.extractor.FromProject(project)...)
	}
	for _, d := range docs {
		units = append(units, c.extractor.FromDocument(d)...)
	}
	for _, p := range profiles {
		units = append(units, c.extractor.FromProfile(p)...)
	}
	for _, r := range refs {
		units = append(units, c.extractor.FromReference(r)...)
	}
	if len(units) == 0 {
		return 0, nil
	}

	records, err := c.batch.Process(ctx, units)
	if err != nil {
		return 0, fmt.Errorf("embedding %d units: %w", len(units), err)
	}
	if err := c.store.Upsert(ctx, records); err != nil {
		return 0, fmt.Errorf("upserting %d records: %w", len(records), err)
	}

	// Callers may mix entities from several projects; every touched
	// project's cached queries are now stale.
	seen := make(map[string]struct{}, 1)
	projectIDs := make([]string, 0, 1)
	for _, rec := range records {
		if _, ok := seen[rec.ProjectID]; ok {
			continue
		}
		seen[rec.ProjectID] = struct{}{}
		projectIDs = append(projectIDs, rec.ProjectID)
		c.cache.InvalidateProject(rec.ProjectID)
	}

	span.SetAttributes(attribute.Int("units", len(records)))
	c.logger.Info("reindexed project",
		zap.Strings("project_ids", projectIDs),
		zap.Int("units", len(records)),
	)
	return len(records), nil
}
