// Package coordinator claims due and on-demand capture jobs so exactly one
// worker executes each. All arbitration happens through the metadata store's
// conditional-write primitive; losing a race is silent, not an error.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/snapvault/snapvault/internal/capture"
	"github.com/snapvault/snapvault/internal/metrics"
)

// Config controls claim behavior.
type Config struct {
	// WorkerID is this worker's lease holder token.
	WorkerID string
	// LeaseTTL must exceed the render hard timeout plus store-write margin.
	LeaseTTL time.Duration
	// ScanLimit bounds how many due schedules one scan considers.
	ScanLimit int
	// IdempotencyWindow is how long an ad-hoc idempotency key dedupes.
	IdempotencyWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.ScanLimit <= 0 {
		c.ScanLimit = 50
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = 10 * time.Minute
	}
}

// Coordinator claims jobs and owns next-due advancement.
type Coordinator struct {
	schedules capture.ScheduleStore
	records   capture.RecordStore
	clock     capture.Clock
	ids       capture.IDGenerator
	logger    *zap.Logger
	cfg       Config
}

// New constructs a Coordinator.
func New(
	schedules capture.ScheduleStore,
	records capture.RecordStore,
	clock capture.Clock,
	ids capture.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		schedules: schedules,
		records:   records,
		clock:     clock,
		ids:       ids,
		logger:    logger,
		cfg:       cfg,
	}
}

// ClaimDue lists schedules due within [now-window, now] and attempts the
// conditional claim on each. Only won claims are returned; lost races are
// skipped without error so concurrent scanners never storm.
func (c *Coordinator) ClaimDue(ctx context.Context, now time.Time, window time.Duration) ([]capture.ClaimedJob, error) {
	due, err := c.schedules.DueSchedules(ctx, now.Add(-window), now, c.cfg.ScanLimit)
	if err != nil {
		return nil, fmt.Errorf("scan due schedules: %w", err)
	}

	var jobs []capture.ClaimedJob
	for _, sched := range due {
		expiresAt := now.Add(c.cfg.LeaseTTL)
		won, err := c.schedules.ClaimSchedule(ctx, sched.ID, sched.NextDue, c.cfg.WorkerID, now, expiresAt)
		if err != nil {
			return jobs, fmt.Errorf("claim schedule %s: %w", sched.ID, err)
		}
		if !won {
			metrics.ClaimsLost.Inc()
			c.logger.Debug("lost claim race", zap.String("schedule_id", sched.ID))
			continue
		}
		metrics.ClaimsWon.Inc()

		captureID, err := c.ids.NewID()
		if err != nil {
			return jobs, fmt.Errorf("generate capture id: %w", err)
		}
		jobs = append(jobs, capture.ClaimedJob{
			CaptureID:   captureID,
			ScheduleID:  sched.ID,
			OwnerID:     sched.OwnerID,
			URL:         sched.URL,
			Render:      sched.Render.WithDefaults(),
			Retention:   sched.Retention,
			Recurrence:  sched.Recurrence,
			Timezone:    sched.Timezone,
			LeaseHolder: c.cfg.WorkerID,
			DueAt:       sched.NextDue,
		})
	}
	return jobs, nil
}

// ClaimAdHoc creates a transient, already-claimed job with no schedule
// linkage. If the idempotency key was seen within the dedup window the
// existing capture is returned instead and the second return value is true.
func (c *Coordinator) ClaimAdHoc(ctx context.Context, req capture.AdHocRequest) (capture.ClaimedJob, bool, error) {
	if strings.TrimSpace(req.URL) == "" {
		return capture.ClaimedJob{}, false, fmt.Errorf("url is required")
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return capture.ClaimedJob{}, false, fmt.Errorf("owner_id is required")
	}

	now := c.clock.Now()
	if req.IdempotencyKey != "" {
		existing, found, err := c.records.FindByIdempotencyKey(ctx, req.OwnerID, req.IdempotencyKey, now.Add(-c.cfg.IdempotencyWindow))
		if err != nil {
			return capture.ClaimedJob{}, false, fmt.Errorf("idempotency lookup: %w", err)
		}
		if found {
			return capture.ClaimedJob{
				CaptureID: existing.ID,
				OwnerID:   existing.OwnerID,
				URL:       existing.URL,
			}, true, nil
		}
	}

	captureID, err := c.ids.NewID()
	if err != nil {
		return capture.ClaimedJob{}, false, fmt.Errorf("generate capture id: %w", err)
	}

	render := req.Render.WithDefaults()
	retention := req.Retention
	if retention == "" {
		retention = capture.RetentionStandard
	}

	rec := capture.Record{
		ID:             captureID,
		OwnerID:        req.OwnerID,
		URL:            req.URL,
		Format:         render.Format,
		Status:         capture.StatusPending,
		CreatedAt:      now,
		Retention:      retention,
		IdempotencyKey: req.IdempotencyKey,
	}
	// The pending row is written before execution so the idempotency key
	// dedupes even if the worker dies mid-job. The store enforces key
	// uniqueness per owner, so a claimer that raced past the lookup loses
	// here and adopts the winner's record instead.
	if err := c.records.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, capture.ErrDuplicateKey) {
			existing, found, lookupErr := c.records.FindByIdempotencyKey(ctx, req.OwnerID, req.IdempotencyKey, time.Time{})
			if lookupErr != nil {
				return capture.ClaimedJob{}, false, fmt.Errorf("idempotency lookup: %w", lookupErr)
			}
			if found {
				return capture.ClaimedJob{
					CaptureID: existing.ID,
					OwnerID:   existing.OwnerID,
					URL:       existing.URL,
				}, true, nil
			}
		}
		return capture.ClaimedJob{}, false, fmt.Errorf("create capture record: %w", err)
	}

	return capture.ClaimedJob{
		CaptureID:     captureID,
		OwnerID:       req.OwnerID,
		URL:           req.URL,
		Render:        render,
		Retention:     retention,
		LeaseHolder:   c.cfg.WorkerID,
		DueAt:         now,
		RecordCreated: true,
	}, false, nil
}

// Complete releases the lease and advances next-due by one recurrence period
// from the original due instant. Ad-hoc jobs have no schedule to advance.
func (c *Coordinator) Complete(ctx context.Context, job capture.ClaimedJob, finishedAt time.Time) error {
	if job.ScheduleID == "" {
		return nil
	}
	nextDue, err := NextDue(job.Recurrence, job.Timezone, job.DueAt)
	if err != nil {
		return fmt.Errorf("advance schedule %s: %w", job.ScheduleID, err)
	}
	if err := c.schedules.CompleteSchedule(ctx, job.ScheduleID, job.LeaseHolder, finishedAt, nextDue); err != nil {
		return fmt.Errorf("complete schedule %s: %w", job.ScheduleID, err)
	}
	return nil
}

// NewScheduleInput is the creation surface exposed through the API.
type NewScheduleInput struct {
	OwnerID    string                 `json:"owner_id"`
	URL        string                 `json:"url"`
	Recurrence string                 `json:"recurrence"`
	Timezone   string                 `json:"timezone"`
	Render     capture.RenderOptions  `json:"render"`
	Retention  capture.RetentionClass `json:"retention"`
}

// CreateSchedule validates and persists a new active schedule with its first
// due time computed from now.
func (c *Coordinator) CreateSchedule(ctx context.Context, input NewScheduleInput) (capture.Schedule, error) {
	if strings.TrimSpace(input.URL) == "" {
		return capture.Schedule{}, fmt.Errorf("url is required")
	}
	if strings.TrimSpace(input.OwnerID) == "" {
		return capture.Schedule{}, fmt.Errorf("owner_id is required")
	}
	if err := ValidateRecurrence(input.Recurrence, input.Timezone); err != nil {
		return capture.Schedule{}, err
	}

	id, err := c.ids.NewID()
	if err != nil {
		return capture.Schedule{}, fmt.Errorf("generate schedule id: %w", err)
	}
	now := c.clock.Now()
	firstDue, err := NextDue(input.Recurrence, input.Timezone, now)
	if err != nil {
		return capture.Schedule{}, err
	}

	retention := input.Retention
	if retention == "" {
		retention = capture.RetentionStandard
	}
	sched := capture.Schedule{
		ID:         id,
		OwnerID:    input.OwnerID,
		URL:        input.URL,
		Recurrence: input.Recurrence,
		Timezone:   input.Timezone,
		Render:     input.Render.WithDefaults(),
		Retention:  retention,
		Active:     true,
		NextDue:    firstDue,
	}
	if err := c.schedules.CreateSchedule(ctx, sched); err != nil {
		return capture.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	return sched, nil
}
