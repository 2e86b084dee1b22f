package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snapvault/snapvault/internal/capture"
	sha "github.com/snapvault/snapvault/internal/hash/sha256"
	"github.com/snapvault/snapvault/internal/storage/memory"
)

func storeSucceededCapture(t *testing.T, records *memory.MetadataStore, artifacts *memory.ArtifactStore, id string, body []byte) capture.Record {
	t.Helper()
	ctx := context.Background()

	digest, err := sha.New().Hash(body)
	require.NoError(t, err)
	location, err := artifacts.Put(ctx, "captures/owner-1/2026/03/01/"+id+".pdf", "application/pdf", body, capture.ObjectMeta{
		CaptureID: id,
		OwnerID:   "owner-1",
		Digest:    digest,
	})
	require.NoError(t, err)

	require.NoError(t, records.CreateRecord(ctx, capture.Record{
		ID:        id,
		OwnerID:   "owner-1",
		URL:       "https://example.com",
		Format:    capture.FormatPDF,
		Status:    capture.StatusPending,
		CreatedAt: time.Now().UTC(),
		Retention: capture.RetentionStandard,
	}))
	require.NoError(t, records.MarkSucceeded(ctx, id, location, digest, int64(len(body)), 1200, 1))

	rec, err := records.GetRecord(ctx, id)
	require.NoError(t, err)
	return rec
}

func TestVerifyMatch(t *testing.T) {
	t.Parallel()

	records := memory.NewMetadataStore()
	artifacts := memory.NewArtifactStore()
	rec := storeSucceededCapture(t, records, artifacts, "cap-1", []byte("%PDF-1.7 intact"))

	svc := New(records, artifacts, sha.New(), zap.NewNop())
	result, err := svc.Verify(context.Background(), "cap-1")
	require.NoError(t, err)
	require.True(t, result.Matches)
	require.Equal(t, rec.Digest, result.Expected)
	require.Equal(t, rec.Digest, result.Actual)
}

func TestVerifyDetectsTampering(t *testing.T) {
	t.Parallel()

	records := memory.NewMetadataStore()
	artifacts := memory.NewArtifactStore()
	rec := storeSucceededCapture(t, records, artifacts, "cap-1", []byte("%PDF-1.7 original"))

	require.NoError(t, artifacts.Replace(rec.Location, []byte("%PDF-1.7 altered")))

	svc := New(records, artifacts, sha.New(), zap.NewNop())
	result, err := svc.Verify(context.Background(), "cap-1")
	require.NoError(t, err, "a mismatch is a result, not an error")
	require.False(t, result.Matches)
	require.Equal(t, rec.Digest, result.Expected)
	require.NotEqual(t, result.Expected, result.Actual)
}

func TestVerifyPendingIsNotVerifiable(t *testing.T) {
	t.Parallel()

	records := memory.NewMetadataStore()
	require.NoError(t, records.CreateRecord(context.Background(), capture.Record{
		ID:        "cap-1",
		OwnerID:   "owner-1",
		URL:       "https://example.com",
		Status:    capture.StatusPending,
		CreatedAt: time.Now().UTC(),
	}))

	svc := New(records, memory.NewArtifactStore(), sha.New(), zap.NewNop())
	_, err := svc.Verify(context.Background(), "cap-1")
	require.ErrorIs(t, err, capture.ErrNotVerifiable)
}

func TestVerifyUnknownCapture(t *testing.T) {
	t.Parallel()

	svc := New(memory.NewMetadataStore(), memory.NewArtifactStore(), sha.New(), zap.NewNop())
	_, err := svc.Verify(context.Background(), "missing")
	require.ErrorIs(t, err, capture.ErrNotFound)
}

func TestVerifyMissingArtifactIsUnavailable(t *testing.T) {
	t.Parallel()

	records := memory.NewMetadataStore()
	artifacts := memory.NewArtifactStore()
	ctx := context.Background()

	require.NoError(t, records.CreateRecord(ctx, capture.Record{
		ID:        "cap-1",
		OwnerID:   "owner-1",
		URL:       "https://example.com",
		Status:    capture.StatusPending,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, records.MarkSucceeded(ctx, "cap-1", "memory://captures/gone.pdf", "deadbeef", 1, 1, 1))

	svc := New(records, artifacts, sha.New(), zap.NewNop())
	_, err := svc.Verify(ctx, "cap-1")
	require.ErrorIs(t, err, capture.ErrUnavailable)
}
