// Package story defines the domain model shared by the discovery pipeline.
//
// Entities are owned by the host application's persistence layer; this
// package only describes their shape and the hydration interface the
// search path uses to resolve similarity hits back into full entities.
package story

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Repository lookups when an entity does not
// exist (or was deleted after it was indexed).
var ErrNotFound = errors.New("entity not found")

// EntityType identifies the kind of a source entity.
type EntityType string

const (
	// EntityDocument is a chapter or scene document.
	EntityDocument EntityType = "document"
	// EntityProfile is a character profile.
	EntityProfile EntityType = "profile"
	// EntityReference is a world-building reference note.
	EntityReference EntityType = "reference"
	// EntityProject is the project metadata record itself.
	EntityProject EntityType = "project"
)

// IsValid reports whether t is one of the known entity types.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityDocument, EntityProfile, EntityReference, EntityProject:
		return true
	}
	return false
}

// Document is a chapter or scene with prose content.
type Document struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary,omitempty"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profile is a character profile.
type Profile struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Role        string    `json:"role,omitempty"`
	Description string    `json:"description,omitempty"`
	Backstory   string    `json:"backstory,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Reference is a world-building note (location, faction, item, lore).
type Reference struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Category  string    `json:"category,omitempty"`
	Details   string    `json:"details"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Project is the top-level project metadata record.
type Project struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Genre     string    `json:"genre,omitempty"`
	Synopsis  string    `json:"synopsis,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChangeEvent is the entity-changed notification emitted by editors on save.
type ChangeEvent struct {
	ProjectID  string     `json:"project_id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
}

// Key returns the debounce key identifying the changed entity.
func (e ChangeEvent) Key() string {
	return e.ProjectID + "/" + string(e.EntityType) + "/" + e.EntityID
}

// SearchResult is a hydrated similarity hit returned to consumers.
//
// Entity holds the resolved domain object (*Document, *Profile,
// *Reference or *Project depending on EntityType). Results are never
// persisted.
type SearchResult struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Similarity float64    `json:"similarity"`
	Entity     any        `json:"entity"`
	Snippet    string     `json:"snippet"`
}

// Repository resolves entity IDs into full domain objects.
//
// It is consumed only by the search hydration path; the discovery
// subsystem never writes through it.
type Repository interface {
	GetDocument(ctx context.Context, id string) (*Document, error)
	GetProfile(ctx context.Context, id string) (*Profile, error)
	GetReference(ctx context.Context, id string) (*Reference, error)
	GetProject(ctx context.Context, id string) (*Project, error)
}
