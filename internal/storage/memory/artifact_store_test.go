package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapvault/snapvault/internal/capture"
)

func TestArtifactStore_PutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewArtifactStore()
	ctx := context.Background()
	payload := []byte("%PDF-1.7 fake artifact")

	location, err := store.Put(ctx, "captures/o/2026/08/23/cap-1.pdf", "application/pdf", payload, capture.ObjectMeta{
		CaptureID: "cap-1",
		Digest:    "deadbeef",
	})
	require.NoError(t, err)
	require.Equal(t, "memory://captures/o/2026/08/23/cap-1.pdf", location)

	got, err := store.Get(ctx, location)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	meta, ok := store.Meta("captures/o/2026/08/23/cap-1.pdf")
	require.True(t, ok)
	require.Equal(t, "deadbeef", meta.Digest)
}

func TestArtifactStore_RewriteAppendsVersion(t *testing.T) {
	t.Parallel()

	store := NewArtifactStore()
	ctx := context.Background()
	key := "captures/o/2026/08/23/cap-1.pdf"

	_, err := store.Put(ctx, key, "application/pdf", []byte("v1"), capture.ObjectMeta{})
	require.NoError(t, err)
	location, err := store.Put(ctx, key, "application/pdf", []byte("v2"), capture.ObjectMeta{})
	require.NoError(t, err)

	require.Equal(t, 2, store.VersionCount(key), "a persist retry appends, never mutates")
	got, err := store.Get(ctx, location)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestArtifactStore_GetUnknownIsNotFound(t *testing.T) {
	t.Parallel()

	store := NewArtifactStore()
	_, err := store.Get(context.Background(), "memory://missing")
	require.ErrorIs(t, err, capture.ErrNotFound)

	_, err = store.SignedURL(context.Background(), "memory://missing", time.Minute)
	require.ErrorIs(t, err, capture.ErrNotFound)
}
