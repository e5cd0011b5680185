package syncer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/inkdex/internal/extract"
	"github.com/fyrsmithlabs/inkdex/internal/querycache"
	"github.com/fyrsmithlabs/inkdex/internal/story"
	"github.com/fyrsmithlabs/inkdex/internal/vectorstore"
)

// fakeBatch counts embed calls and produces records without a provider.
type fakeBatch struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeBatch) Process(_ context.Context, units []extract.Unit) ([]vectorstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now()
	records := make([]vectorstore.Record, len(units))
	for i, u := range units {
		records[i] = vectorstore.Record{
			ID:         vectorstore.RecordID(u.ProjectID, u.SourceType, u.SourceID, u.ChunkIndex),
			ProjectID:  u.ProjectID,
			EntityType: u.SourceType,
			EntityID:   u.SourceID,
			ChunkIndex: u.ChunkIndex,
			ChunkCount: u.ChunkCount,
			Content:    u.Text,
			Embedding:  []float32{1, 0, 0},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return records, nil
}

func (f *fakeBatch) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// blockingBatch parks Process until released so jobs for one entity
// can overlap in the provider call.
type blockingBatch struct {
	fakeBatch
	started chan string
	release chan struct{}
}

func (b *blockingBatch) Process(ctx context.Context, units []extract.Unit) ([]vectorstore.Record, error) {
	b.started <- units[0].Text
	<-b.release
	return b.fakeBatch.Process(ctx, units)
}

// fakeStore is an in-memory Store keyed by record ID.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]vectorstore.Record
	deletes int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]vectorstore.Record)}
}

func (s *fakeStore) Upsert(_ context.Context, records []vectorstore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.ID] = r
	}
	return nil
}

func (s *fakeStore) GetEntity(_ context.Context, projectID string, entityType story.EntityType, entityID string) ([]vectorstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []vectorstore.Record
	for _, r := range s.records {
		if r.ProjectID == projectID && r.EntityType == entityType && r.EntityID == entityID {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, vectorstore.ErrRecordNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (s *fakeStore) QuerySimilar(_ context.Context, _ vectorstore.SimilarityQuery) ([]vectorstore.SimilarityHit, error) {
	return nil, nil
}

func (s *fakeStore) DeleteEntity(_ context.Context, projectID string, entityType story.EntityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	for id, r := range s.records {
		if r.ProjectID == projectID && r.EntityType == entityType && r.EntityID == entityID {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func newTestCoordinator(t *testing.T, batch BatchRunner, store vectorstore.Store, cache *querycache.Cache) *Coordinator {
	t.Helper()
	extractor, err := extract.NewExtractor(extract.Config{})
	require.NoError(t, err)
	c, err := New(Config{Debounce: time.Hour}, extractor, batch, store, cache, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testDocument(content string) *story.Document {
	return &story.Document{
		ID:        "doc-1",
		ProjectID: "proj-1",
		Title:     "Chapter One",
		Content:   content,
	}
}

func TestCoordinator_DebounceCoalescesRapidEdits(t *testing.T) {
	batch := &fakeBatch{}
	store := newFakeStore()
	c := newTestCoordinator(t, batch, store, querycache.New(querycache.Config{}, nil))

	for i := 0; i < 10; i++ {
		c.SyncDocument(testDocument("The fog rolled in over the harbor before dawn broke again."))
	}
	assert.Equal(t, 1, c.PendingCount(), "rapid edits collapse to one pending job")

	c.Flush()
	assert.Equal(t, 1, batch.callCount(), "one embed call for ten edits")
	assert.Equal(t, 1, store.count())
}

func TestCoordinator_DistinctEntitiesDoNotCoalesce(t *testing.T) {
	batch := &fakeBatch{}
	store := newFakeStore()
	c := newTestCoordinator(t, batch, store, querycache.New(querycache.Config{}, nil))

	doc := testDocument("The fog rolled in over the harbor before dawn broke again.")
	other := testDocument("A different chapter about the mountain pass in winter snow.")
	other.ID = "doc-2"

	c.SyncDocument(doc)
	c.SyncDocument(other)
	assert.Equal(t, 2, c.PendingCount())

	c.Flush()
	assert.Equal(t, 2, batch.callCount())
	assert.Equal(t, 2, store.count())
}

func TestCoordinator_DeltaSkipUnchangedContent(t *testing.T) {
	batch := &fakeBatch{}
	store := newFakeStore()
	c := newTestCoordinator(t, batch, store, querycache.New(querycache.Config{}, nil))

	doc := testDocument("The fog rolled in over the harbor before dawn broke again.")
	c.SyncDocument(doc)
	c.Flush()
	require.Equal(t, 1, batch.callCount())

	// Same content again: no embed call, no upsert.
	c.SyncDocument(doc)
	c.Flush()
	assert.Equal(t, 1, batch.callCount(), "unchanged content must not re-embed")

	// Changed content embeds again.
	doc.Content = "The fog lifted by noon and the harbor filled with sails."
	c.SyncDocument(doc)
	c.Flush()
	assert.Equal(t, 2, batch.callCount())
}

func TestCoordinator_EmbedFailureDropsJob(t *testing.T) {
	batch := &fakeBatch{err: errors.New("provider down")}
	store := newFakeStore()
	cache := querycache.New(querycache.Config{}, nil)
	c := newTestCoordinator(t, batch, store, cache)

	cache.Set("query", "proj-1", []story.SearchResult{{EntityID: "doc-9"}}, nil)

	c.SyncDocument(testDocument("The fog rolled in over the harbor before dawn broke again."))
	c.Flush()

	assert.Equal(t, 1, batch.callCount())
	assert.Equal(t, 0, store.count(), "failed job writes nothing")
	_, ok := cache.Get("query", "proj-1")
	assert.True(t, ok, "failed job must not invalidate the cache")
}

func TestCoordinator_SuccessInvalidatesProjectCache(t *testing.T) {
	batch := &fakeBatch{}
	store := newFakeStore()
	cache := querycache.New(querycache.Config{}, nil)
	c := newTestCoordinator(t, batch, store, cache)

	cache.Set("query", "proj-1", []story.SearchResult{{EntityID: "doc-9"}}, nil)
	cache.Set("query", "proj-2", []story.SearchResult{{EntityID: "doc-8"}}, nil)

	c.SyncDocument(testDocument("The fog rolled in over the harbor before dawn broke again."))
	c.Flush()

	_, ok := cache.Get("query", "proj-1")
	assert.False(t, ok, "write invalidates the project's cached queries")
	_, ok = cache.Get("query", "proj-2")
	assert.True(t, ok, "other projects keep their entries")
}

func TestCoordinator_ShrunkenContentDeletesRecords(t *testing.T) {
	batch := &fakeBatch{}
	store := newFakeStore()
	c := newTestCoordinator(t, batch, store, querycache.New(querycache.Config{}, nil))

	c.SyncDocument(testDocument("The fog rolled in over the harbor before dawn broke again."))
	c.Flush()
	require.Equal(t, 1, store.count())

	// Content drops below the embeddable minimum; index entries go away.
	doc := testDocument("")
	doc.Title = "Hi"
	c.SyncDocument(doc)
	c.Flush()

	assert.Equal(t, 0, store.count())
	assert.Equal(t, 1, batch.callCount(), "no embed call for unembeddable content")
}

func TestCoordinator_DebounceTimerFires(t *testing.T) {
	batch := &fakeBatch{}
	store := newFakeStore()
	extractor, err := extract.NewExtractor(extract.Config{})
	require.NoError(t, err)

	c, err := New(Config{Debounce: 20 * time.Millisecond}, extractor, batch, store, querycache.New(querycache.Config{}, nil), nil)
	require.NoError(t, err)
	defer c.Close()

	c.SyncDocument(testDocument("The fog rolled in over the harbor before dawn broke again."))

	require.Eventually(t, func() bool {
		return batch.callCount() == 1 && store.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCoordinator_CloseCancelsPending(t *testing.T) {
	batch := &fakeBatch{}
	store := newFakeStore()
	extractor, err := extract.NewExtractor(extract.Config{})
	require.NoError(t, err)

	c, err := New(Config{Debounce: time.Hour}, extractor, batch, store, querycache.New(querycache.Config{}, nil), nil)
	require.NoError(t, err)

	c.SyncDocument(testDocument("The fog rolled in over the harbor before dawn broke again."))
	require.NoError(t, c.Close())

	assert.Equal(t, 0, c.PendingCount())
	assert.Equal(t, 0, batch.callCount())

	// Scheduling after close is a no-op.
	c.SyncDocument(testDocument("More prose that will never be indexed by a closed syncer."))
	assert.Equal(t, 0, c.PendingCount())
}

func TestCoordinator_StaleJobDoesNotOverwriteNewerEdit(t *testing.T) {
	batch := &blockingBatch{started: make(chan string, 2), release: make(chan struct{})}
	store := newFakeStore()
	extractor, err := extract.NewExtractor(extract.Config{})
	require.NoError(t, err)

	c, err := New(Config{Debounce: time.Millisecond}, extractor, batch, store, querycache.New(querycache.Config{}, nil), nil)
	require.NoError(t, err)

	c.SyncDocument(testDocument("The fog rolled in over the harbor before dawn broke again."))
	<-batch.started // first job is blocked inside its provider call

	c.SyncDocument(testDocument("The fog lifted by noon and the harbor filled with sails."))
	<-batch.started // second job overlaps it

	close(batch.release)
	require.NoError(t, c.Close())

	recs, err := store.GetEntity(context.Background(), "proj-1", story.EntityDocument, "doc-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Content, "lifted by noon", "the older job's results must not land over the newer edit")
}

func TestCoordinator_ReindexProject(t *testing.T) {
	batch := &fakeBatch{}
	store := newFakeStore()
	cache := querycache.New(querycache.Config{}, nil)
	c := newTestCoordinator(t, batch, store, cache)

	cache.Set("query", "proj-1", []story.SearchResult{{EntityID: "stale"}}, nil)

	project := &story.Project{
		ID:       "proj-1",
		Title:    "The Harrowgate Charts",
		Synopsis: "A mapmaker uncovers a city that appears on no map at all.",
	}
	docs := []*story.Document{
		testDocument("The fog rolled in over the harbor before dawn broke again."),
	}
	profiles := []*story.Profile{
		{
			ID:          "char-1",
			ProjectID:   "proj-1",
			Name:        "Mira Vance",
			Description: strings.Repeat("A cartographer with a talent for finding lost places. ", 2),
		},
	}

	indexed, err := c.ReindexProject(context.Background(), project, docs, profiles, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, indexed)
	assert.Equal(t, 1, batch.callCount(), "bulk reindex embeds in one pass")
	assert.Equal(t, 3, store.count())

	_, ok := cache.Get("query", "proj-1")
	assert.False(t, ok)
}

func TestCoordinator_ReindexAcrossProjectsInvalidatesEach(t *testing.T) {
	batch := &fakeBatch{}
	store := newFakeStore()
	cache := querycache.New(querycache.Config{}, nil)
	c := newTestCoordinator(t, batch, store, cache)

	cache.Set("query", "proj-1", []story.SearchResult{{EntityID: "stale"}}, nil)
	cache.Set("query", "proj-2", []story.SearchResult{{EntityID: "stale"}}, nil)
	cache.Set("query", "proj-3", []story.SearchResult{{EntityID: "fresh"}}, nil)

	other := testDocument("A different chapter about the mountain pass in winter snow.")
	other.ID = "doc-2"
	other.ProjectID = "proj-2"
	docs := []*story.Document{
		testDocument("The fog rolled in over the harbor before dawn broke again."),
		other,
	}

	indexed, err := c.ReindexProject(context.Background(), nil, docs, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, indexed)

	_, ok := cache.Get("query", "proj-1")
	assert.False(t, ok, "first project's entries are invalidated")
	_, ok = cache.Get("query", "proj-2")
	assert.False(t, ok, "second project's entries are invalidated")
	_, ok = cache.Get("query", "proj-3")
	assert.True(t, ok, "untouched projects keep their entries")
}

func TestCoordinator_ReindexProject_Empty(t *testing.T) {
	batch := &fakeBatch{}
	c := newTestCoordinator(t, batch, newFakeStore(), querycache.New(querycache.Config{}, nil))

	indexed, err := c.ReindexProject(context.Background(), nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, indexed)
	assert.Zero(t, batch.callCount())
}
