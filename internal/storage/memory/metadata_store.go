package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/snapvault/snapvault/internal/capture"
)

// MetadataStore is an in-memory schedule and record store. Its conditional
// claim mirrors the Postgres store's compare-and-swap semantics so the
// coordinator behaves identically in tests.
type MetadataStore struct {
	mu        sync.RWMutex
	schedules map[string]capture.Schedule
	records   map[string]capture.Record
}

// NewMetadataStore constructs a MetadataStore.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{
		schedules: make(map[string]capture.Schedule),
		records:   make(map[string]capture.Record),
	}
}

// CreateSchedule stores a new schedule.
func (s *MetadataStore) CreateSchedule(_ context.Context, sched capture.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sched.ID]; exists {
		return fmt.Errorf("schedule %s already exists", sched.ID)
	}
	s.schedules[sched.ID] = sched
	return nil
}

// GetSchedule fetches a schedule by ID.
func (s *MetadataStore) GetSchedule(_ context.Context, id string) (capture.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return capture.Schedule{}, fmt.Errorf("%w: schedule %s", capture.ErrNotFound, id)
	}
	return sched, nil
}

// DueSchedules lists active schedules due in [from, to] with no live lease.
func (s *MetadataStore) DueSchedules(_ context.Context, from, to time.Time, limit int) ([]capture.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []capture.Schedule
	for _, sched := range s.schedules {
		if !sched.Active {
			continue
		}
		if sched.NextDue.Before(from) || sched.NextDue.After(to) {
			continue
		}
		if sched.Lease != nil && sched.Lease.Live(to) {
			continue
		}
		due = append(due, sched)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextDue.Before(due[j].NextDue) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ClaimSchedule performs the atomic conditional claim.
func (s *MetadataStore) ClaimSchedule(_ context.Context, id string, observedNextDue time.Time, holder string, now, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return false, fmt.Errorf("%w: schedule %s", capture.ErrNotFound, id)
	}
	if !sched.Active {
		return false, nil
	}
	if !sched.NextDue.Equal(observedNextDue) {
		return false, nil
	}
	if sched.Lease != nil && sched.Lease.Live(now) {
		return false, nil
	}
	sched.Lease = &capture.Lease{Holder: holder, ExpiresAt: expiresAt}
	s.schedules[id] = sched
	return true, nil
}

// CompleteSchedule releases the holder's lease and advances the schedule.
func (s *MetadataStore) CompleteSchedule(_ context.Context, id, holder string, lastRun, nextDue time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: schedule %s", capture.ErrNotFound, id)
	}
	if sched.Lease == nil || sched.Lease.Holder != holder {
		// The lease expired and was reclaimed; the new holder owns the
		// schedule now.
		return nil
	}
	sched.Lease = nil
	run := lastRun
	sched.LastRun = &run
	sched.NextDue = nextDue
	s.schedules[id] = sched
	return nil
}

// DeactivateSchedule flags a schedule inactive; schedules are never deleted.
func (s *MetadataStore) DeactivateSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: schedule %s", capture.ErrNotFound, id)
	}
	sched.Active = false
	s.schedules[id] = sched
	return nil
}

// CreateRecord stores a new pending capture record. Like the Postgres store's
// partial unique index, an owner's idempotency key admits at most one record;
// the check and insert happen under one lock so racing claimers cannot both
// slip through.
func (s *MetadataStore) CreateRecord(_ context.Context, rec capture.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("capture %s already exists", rec.ID)
	}
	if rec.IdempotencyKey != "" {
		for _, existing := range s.records {
			if existing.OwnerID == rec.OwnerID && existing.IdempotencyKey == rec.IdempotencyKey {
				return fmt.Errorf("%w: owner %s key %s", capture.ErrDuplicateKey, rec.OwnerID, rec.IdempotencyKey)
			}
		}
	}
	s.records[rec.ID] = rec
	return nil
}

// RecordAttempt persists the attempt counter.
func (s *MetadataStore) RecordAttempt(_ context.Context, id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: capture %s", capture.ErrNotFound, id)
	}
	rec.Attempts = attempts
	s.records[id] = rec
	return nil
}

// MarkSucceeded transitions a pending record to succeeded.
func (s *MetadataStore) MarkSucceeded(_ context.Context, id, location, digest string, byteSize, renderMillis int64, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: capture %s", capture.ErrNotFound, id)
	}
	if rec.Status != capture.StatusPending {
		return fmt.Errorf("capture %s already %s", id, rec.Status)
	}
	if digest == "" {
		return fmt.Errorf("capture %s cannot succeed without a digest", id)
	}
	rec.Status = capture.StatusSucceeded
	rec.Location = location
	rec.Digest = digest
	rec.ByteSize = byteSize
	rec.RenderMillis = renderMillis
	rec.Attempts = attempts
	s.records[id] = rec
	return nil
}

// MarkFailed transitions a pending record to failed with a reason.
func (s *MetadataStore) MarkFailed(_ context.Context, id, reason string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: capture %s", capture.ErrNotFound, id)
	}
	if rec.Status != capture.StatusPending {
		return fmt.Errorf("capture %s already %s", id, rec.Status)
	}
	rec.Status = capture.StatusFailed
	rec.ErrorText = reason
	rec.Attempts = attempts
	s.records[id] = rec
	return nil
}

// GetRecord fetches a capture record by ID.
func (s *MetadataStore) GetRecord(_ context.Context, id string) (capture.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return capture.Record{}, fmt.Errorf("%w: capture %s", capture.ErrNotFound, id)
	}
	return rec, nil
}

// ListRecords returns records newest-first using the time-sortable ID order.
func (s *MetadataStore) ListRecords(_ context.Context, filter capture.ListFilter) ([]capture.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []capture.Record
	for _, rec := range s.records {
		if filter.OwnerID != "" && rec.OwnerID != filter.OwnerID {
			continue
		}
		if filter.URL != "" && rec.URL != filter.URL {
			continue
		}
		if !filter.From.IsZero() && rec.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && rec.CreatedAt.After(filter.To) {
			continue
		}
		if filter.Cursor != "" && rec.ID >= filter.Cursor {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// FindByIdempotencyKey returns the newest record created with the key at or
// after since.
func (s *MetadataStore) FindByIdempotencyKey(_ context.Context, ownerID, key string, since time.Time) (capture.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best capture.Record
	var found bool
	for _, rec := range s.records {
		if rec.OwnerID != ownerID || rec.IdempotencyKey != key {
			continue
		}
		if rec.CreatedAt.Before(since) {
			continue
		}
		if !found || rec.ID > best.ID {
			best = rec
			found = true
		}
	}
	return best, found, nil
}
