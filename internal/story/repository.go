package story

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRepository is a thread-safe in-process Repository holding the
// latest entity snapshot seen by the sync API. Hosts embedding the
// subsystem in-process supply their own Repository over real storage
// instead.
type MemoryRepository struct {
	mu         sync.RWMutex
	documents  map[string]*Document
	profiles   map[string]*Profile
	references map[string]*Reference
	projects   map[string]*Project
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		documents:  make(map[string]*Document),
		profiles:   make(map[string]*Profile),
		references: make(map[string]*Reference),
		projects:   make(map[string]*Project),
	}
}

// PutDocument stores or replaces a document snapshot.
func (r *MemoryRepository) PutDocument(doc *Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *doc
	r.documents[doc.ID] = &copied
}

// PutProfile stores or replaces a profile snapshot.
func (r *MemoryRepository) PutProfile(p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *p
	r.profiles[p.ID] = &copied
}

// PutReference stores or replaces a reference snapshot.
func (r *MemoryRepository) PutReference(ref *Reference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *ref
	r.references[ref.ID] = &copied
}

// PutProject stores or replaces a project snapshot.
func (r *MemoryRepository) PutProject(p *Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *p
	r.projects[p.ID] = &copied
}

// DeleteDocument removes a document snapshot.
func (r *MemoryRepository) DeleteDocument(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.documents, id)
}

// GetDocument returns the stored document or ErrNotFound.
func (r *MemoryRepository) GetDocument(_ context.Context, id string) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	copied := *doc
	return &copied, nil
}

// GetProfile returns the stored profile or ErrNotFound.
func (r *MemoryRepository) GetProfile(_ context.Context, id string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	copied := *p
	return &copied, nil
}

// GetReference returns the stored reference or ErrNotFound.
func (r *MemoryRepository) GetReference(_ context.Context, id string) (*Reference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.references[id]
	if !ok {
		return nil, fmt.Errorf("reference %s: %w", id, ErrNotFound)
	}
	copied := *ref
	return &copied, nil
}

// GetProject returns the stored project or ErrNotFound.
func (r *MemoryRepository) GetProject(_ context.Context, id string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	copied := *p
	return &copied, nil
}

var _ Repository = (*MemoryRepository)(nil)
