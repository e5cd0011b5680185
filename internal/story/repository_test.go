package story

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_RoundTrip(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.GetDocument(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrNotFound)

	repo.PutDocument(&Document{ID: "doc-1", ProjectID: "proj-1", Title: "Chapter One"})
	doc, err := repo.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Chapter One", doc.Title)

	// Returned values are copies; mutating them does not affect storage.
	doc.Title = "mutated"
	again, err := repo.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Chapter One", again.Title)

	repo.PutProfile(&Profile{ID: "char-1", ProjectID: "proj-1", Name: "Mira"})
	p, err := repo.GetProfile(ctx, "char-1")
	require.NoError(t, err)
	assert.Equal(t, "Mira", p.Name)

	repo.PutReference(&Reference{ID: "ref-1", ProjectID: "proj-1", Title: "Harrowgate"})
	ref, err := repo.GetReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "Harrowgate", ref.Title)

	repo.PutProject(&Project{ID: "proj-1", Title: "The Charts"})
	proj, err := repo.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "The Charts", proj.Title)

	repo.DeleteDocument("doc-1")
	_, err = repo.GetDocument(ctx, "doc-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEntityType_IsValid(t *testing.T) {
	assert.True(t, EntityDocument.IsValid())
	assert.True(t, EntityProfile.IsValid())
	assert.True(t, EntityReference.IsValid())
	assert.True(t, EntityProject.IsValid())
	assert.False(t, EntityType("martian").IsValid())
}

func TestChangeEvent_Key(t *testing.T) {
	e := ChangeEvent{ProjectID: "proj-1", EntityType: EntityDocument, EntityID: "doc-1"}
	assert.Equal(t, "proj-1/document/doc-1", e.Key())
}
