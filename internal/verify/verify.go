// Package verify re-reads stored artifacts and checks them against the
// digest recorded at capture time. A mismatch is evidence of tampering or
// corruption and is reported, never repaired.
package verify

import (
	"context"
	"crypto/subtle"
	"fmt"

	"go.uber.org/zap"

	"github.com/snapvault/snapvault/internal/capture"
	"github.com/snapvault/snapvault/internal/metrics"
)

// Service verifies capture integrity on demand.
type Service struct {
	records   capture.RecordStore
	artifacts capture.ArtifactStore
	hasher    capture.Hasher
	logger    *zap.Logger
}

// New constructs a Service.
func New(records capture.RecordStore, artifacts capture.ArtifactStore, hasher capture.Hasher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		records:   records,
		artifacts: artifacts,
		hasher:    hasher,
		logger:    logger,
	}
}

// Verify recomputes the digest of the stored artifact and compares it to the
// recorded one. Only succeeded captures are verifiable; an unreadable
// artifact is reported as unavailable, which is distinct from a mismatch.
func (s *Service) Verify(ctx context.Context, captureID string) (capture.VerificationResult, error) {
	rec, err := s.records.GetRecord(ctx, captureID)
	if err != nil {
		return capture.VerificationResult{}, err
	}
	if rec.Status != capture.StatusSucceeded {
		return capture.VerificationResult{}, fmt.Errorf("%w: capture %s is %s", capture.ErrNotVerifiable, captureID, rec.Status)
	}

	data, err := s.artifacts.Get(ctx, rec.Location)
	if err != nil {
		metrics.Verifications.WithLabelValues("unavailable").Inc()
		return capture.VerificationResult{}, fmt.Errorf("%w: read %s: %v", capture.ErrUnavailable, rec.Location, err)
	}

	actual, err := s.hasher.Hash(data)
	if err != nil {
		return capture.VerificationResult{}, fmt.Errorf("hash artifact: %w", err)
	}

	matches := subtle.ConstantTimeCompare([]byte(actual), []byte(rec.Digest)) == 1
	if matches {
		metrics.Verifications.WithLabelValues("match").Inc()
	} else {
		metrics.Verifications.WithLabelValues("mismatch").Inc()
		s.logger.Warn("digest mismatch",
			zap.String("capture_id", captureID),
			zap.String("expected", rec.Digest),
			zap.String("actual", actual),
		)
	}

	return capture.VerificationResult{
		CaptureID: captureID,
		Matches:   matches,
		Expected:  rec.Digest,
		Actual:    actual,
	}, nil
}
