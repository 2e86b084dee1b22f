package capture

import (
	"context"
	"time"
)

// ScheduleStore persists schedules and arbitrates lease claims. The
// conditional claim is the single coordination primitive between workers.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	// DueSchedules lists active schedules whose next-due falls in [from, to]
	// and whose lease is absent or expired at to.
	DueSchedules(ctx context.Context, from, to time.Time, limit int) ([]Schedule, error)
	// ClaimSchedule performs the atomic conditional claim: the lease is set
	// only if the stored lease is absent or expired at now and next-due still
	// equals observedNextDue. Returns false when another claimer won.
	ClaimSchedule(ctx context.Context, id string, observedNextDue time.Time, holder string, now, expiresAt time.Time) (bool, error)
	// CompleteSchedule releases the holder's lease, records the run, and
	// advances next-due. It is a no-op if the lease is held by someone else.
	CompleteSchedule(ctx context.Context, id, holder string, lastRun, nextDue time.Time) error
	DeactivateSchedule(ctx context.Context, id string) error
}

// RecordStore persists capture records and serves lookups for the API.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec Record) error
	// RecordAttempt persists the bounded attempt counter so it survives
	// worker restarts.
	RecordAttempt(ctx context.Context, id string, attempts int) error
	// MarkSucceeded transitions a pending record to succeeded together with
	// its artifact location and digest.
	MarkSucceeded(ctx context.Context, id, location, digest string, byteSize, renderMillis int64, attempts int) error
	MarkFailed(ctx context.Context, id, reason string, attempts int) error
	GetRecord(ctx context.Context, id string) (Record, error)
	ListRecords(ctx context.Context, filter ListFilter) ([]Record, error)
	// FindByIdempotencyKey returns the most recent record created with the
	// key at or after since, for ad-hoc dedup.
	FindByIdempotencyKey(ctx context.Context, ownerID, key string, since time.Time) (Record, bool, error)
}

// ArtifactStore writes byte artifacts to write-once storage and reads them
// back for verification.
type ArtifactStore interface {
	Put(ctx context.Context, key, contentType string, data []byte, meta ObjectMeta) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
	SignedURL(ctx context.Context, location string, ttl time.Duration) (string, error)
}

// Renderer loads a URL in a fixed environment and emits the artifact bytes.
// Implementations must return, success or error, before deadline plus a small
// grace period.
type Renderer interface {
	Render(ctx context.Context, url string, opts RenderOptions, deadline time.Time) (RenderResult, error)
}

// Hasher computes content digests for integrity proofs.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// DeadLetter receives captures that exhausted their retries.
type DeadLetter interface {
	Publish(ctx context.Context, msg DeadLetterMessage) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces capture IDs (time-sortable UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
