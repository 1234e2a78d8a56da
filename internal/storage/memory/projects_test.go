package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

func TestProjectStoreUpsertListing(t *testing.T) {
	t.Parallel()

	store := NewProjectStore()
	ctx := context.Background()

	created, err := store.UpsertListing(ctx, pipeline.Project{
		ID:        "p1",
		SourceID:  "src",
		Title:     "Program A",
		DetailURL: "https://example.com/a",
		CreatedAt: time.Unix(1000, 0),
		UpdatedAt: time.Unix(1000, 0),
	})
	require.NoError(t, err)
	require.True(t, created)

	got, err := store.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.True(t, got.NeedsEmbedding)

	// Same detail URL updates in place and re-flags for embedding.
	_, err = store.ClearNeedsEmbedding(ctx, "p1")
	require.NoError(t, err)

	created, err = store.UpsertListing(ctx, pipeline.Project{
		ID:        "ignored",
		SourceID:  "src",
		Title:     "Program A v2",
		DetailURL: "https://example.com/a",
		UpdatedAt: time.Unix(2000, 0),
	})
	require.NoError(t, err)
	require.False(t, created)

	got, err = store.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "Program A v2", got.Title)
	require.True(t, got.NeedsEmbedding)
	require.Nil(t, got.EmbedClaimedAt)
	require.Equal(t, time.Unix(1000, 0), got.CreatedAt)
}

func TestProjectStoreClaimEmbeddable(t *testing.T) {
	t.Parallel()

	store := NewProjectStore()
	ctx := context.Background()
	now := time.Unix(10000, 0)

	for i, id := range []string{"p1", "p2", "p3"} {
		store.Put(pipeline.Project{
			ID:             id,
			DetailURL:      "https://example.com/" + id,
			NeedsEmbedding: true,
			UpdatedAt:      now.Add(time.Duration(i) * time.Minute),
		})
	}
	store.Put(pipeline.Project{ID: "done", DetailURL: "https://example.com/done", NeedsEmbedding: false})

	claimed, err := store.ClaimEmbeddable(ctx, 2, nil, false, 10*time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	// Oldest updated first.
	require.Equal(t, "p1", claimed[0].ID)
	require.Equal(t, "p2", claimed[1].ID)

	// A second overlapping claim skips leased rows.
	claimed, err = store.ClaimEmbeddable(ctx, 10, nil, false, 10*time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "p3", claimed[0].ID)

	// Leases expire.
	claimed, err = store.ClaimEmbeddable(ctx, 10, nil, false, 10*time.Minute, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	// Limit zero claims nothing.
	claimed, err = store.ClaimEmbeddable(ctx, 0, nil, false, 10*time.Minute, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestProjectStoreClaimEmbeddableForceAndIDs(t *testing.T) {
	t.Parallel()

	store := NewProjectStore()
	ctx := context.Background()
	now := time.Unix(10000, 0)

	store.Put(pipeline.Project{ID: "flagged", DetailURL: "u1", NeedsEmbedding: true})
	store.Put(pipeline.Project{ID: "cleared", DetailURL: "u2", NeedsEmbedding: false})

	claimed, err := store.ClaimEmbeddable(ctx, 10, []string{"cleared"}, false, time.Minute, now)
	require.NoError(t, err)
	require.Empty(t, claimed)

	claimed, err = store.ClaimEmbeddable(ctx, 10, []string{"cleared"}, true, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "cleared", claimed[0].ID)
}

func TestProjectStoreClearNeedsEmbeddingIsConditional(t *testing.T) {
	t.Parallel()

	store := NewProjectStore()
	ctx := context.Background()

	store.Put(pipeline.Project{ID: "p1", DetailURL: "u1", NeedsEmbedding: true})

	cleared, err := store.ClearNeedsEmbedding(ctx, "p1")
	require.NoError(t, err)
	require.True(t, cleared)

	// Already cleared; a concurrent run gets false, not an error.
	cleared, err = store.ClearNeedsEmbedding(ctx, "p1")
	require.NoError(t, err)
	require.False(t, cleared)

	_, err = store.ClearNeedsEmbedding(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestProjectStoreReleaseEmbedClaim(t *testing.T) {
	t.Parallel()

	store := NewProjectStore()
	ctx := context.Background()
	now := time.Unix(10000, 0)

	store.Put(pipeline.Project{ID: "p1", DetailURL: "u1", NeedsEmbedding: true})

	claimed, err := store.ClaimEmbeddable(ctx, 1, nil, false, time.Hour, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.ReleaseEmbedClaim(ctx, "p1"))

	// Immediately claimable again, flag untouched.
	claimed, err = store.ClaimEmbeddable(ctx, 1, nil, false, time.Hour, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := store.CountNeedsEmbedding(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
