// Package orchestrator drives a claimed capture job through render, hash,
// persist, and record transition. Every job ends in exactly one terminal
// state, and schedules are advanced on terminal outcomes so a failed target
// does not jam its slot.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/snapvault/snapvault/internal/capture"
	"github.com/snapvault/snapvault/internal/metrics"
)

// ScheduleCompleter releases the job's lease and advances its schedule.
// Ad-hoc jobs complete as a no-op.
type ScheduleCompleter interface {
	Complete(ctx context.Context, job capture.ClaimedJob, finishedAt time.Time) error
}

// Config controls orchestration timing and retention.
type Config struct {
	// RenderTimeout is the hard per-attempt render deadline.
	RenderTimeout time.Duration
	// PersistAttempts bounds retries of transient artifact-store failures.
	PersistAttempts int
	// KeyPrefix is prepended to every artifact key.
	KeyPrefix string
	// Retention maps a retention class to its WORM lock duration.
	Retention map[capture.RetentionClass]time.Duration
}

func (c *Config) applyDefaults() {
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 60 * time.Second
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 3
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "captures"
	}
	if c.Retention == nil {
		c.Retention = map[capture.RetentionClass]time.Duration{
			capture.RetentionStandard:   90 * 24 * time.Hour,
			capture.RetentionExtended:   365 * 24 * time.Hour,
			capture.RetentionCompliance: 7 * 365 * 24 * time.Hour,
		}
	}
}

// Orchestrator executes claimed jobs.
type Orchestrator struct {
	records    capture.RecordStore
	artifacts  capture.ArtifactStore
	renderer   capture.Renderer
	hasher     capture.Hasher
	deadLetter capture.DeadLetter
	completer  ScheduleCompleter
	clock      capture.Clock
	retry      *RetryPolicy
	logger     *zap.Logger
	cfg        Config

	// sleep is swapped out in tests so backoff does not slow them down.
	sleep func(ctx context.Context, d time.Duration)
}

// New constructs an Orchestrator.
func New(
	records capture.RecordStore,
	artifacts capture.ArtifactStore,
	renderer capture.Renderer,
	hasher capture.Hasher,
	deadLetter capture.DeadLetter,
	completer ScheduleCompleter,
	clock capture.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		records:    records,
		artifacts:  artifacts,
		renderer:   renderer,
		hasher:     hasher,
		deadLetter: deadLetter,
		completer:  completer,
		clock:      clock,
		retry:      NewRetryPolicy(),
		logger:     logger,
		cfg:        cfg,
		sleep:      sleepCtx,
	}
}

// Execute runs one claimed job to a terminal state. It never returns an
// error: every outcome is persisted on the record, and the schedule is
// completed regardless of success so the slot advances.
func (o *Orchestrator) Execute(ctx context.Context, job capture.ClaimedJob) {
	log := o.logger.With(
		zap.String("capture_id", job.CaptureID),
		zap.String("schedule_id", job.ScheduleID),
		zap.String("url", job.URL),
	)

	if !job.RecordCreated {
		rec := capture.Record{
			ID:         job.CaptureID,
			ScheduleID: job.ScheduleID,
			OwnerID:    job.OwnerID,
			URL:        job.URL,
			Format:     job.Render.Format,
			Status:     capture.StatusPending,
			CreatedAt:  o.clock.Now(),
			Retention:  job.Retention,
		}
		if err := o.records.CreateRecord(ctx, rec); err != nil {
			// Without a record no outcome can be attributed; leave the lease
			// to expire so another worker retries the whole job.
			log.Error("create capture record failed", zap.Error(err))
			return
		}
	}

	result, attempts, renderErr := o.renderWithRetries(ctx, job, log)

	if renderErr != nil {
		o.failTerminally(ctx, job, renderErr, attempts, log)
	} else if err := o.persist(ctx, job, result, attempts, log); err != nil {
		o.failTerminally(ctx, job, err, attempts, log)
	} else {
		metrics.CapturesSucceeded.Inc()
		metrics.RenderDuration.Observe(result.Duration.Seconds())
		log.Info("capture succeeded",
			zap.Int("attempts", attempts),
			zap.Int64("bytes", int64(len(result.Bytes))),
			zap.Duration("render_time", result.Duration),
		)
	}

	if err := o.completer.Complete(ctx, job, o.clock.Now()); err != nil {
		// The lease will expire on its own; the next claim observes the
		// already-terminal record.
		log.Error("schedule completion failed", zap.Error(err))
	}
}

// renderWithRetries runs bounded render attempts and returns the first
// success or the last classified error once the class budget is spent.
func (o *Orchestrator) renderWithRetries(ctx context.Context, job capture.ClaimedJob, log *zap.Logger) (capture.RenderResult, int, error) {
	attempt := 0
	for {
		attempt++
		if err := o.records.RecordAttempt(ctx, job.CaptureID, attempt); err != nil {
			log.Warn("record attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}

		deadline := o.clock.Now().Add(o.cfg.RenderTimeout)
		result, err := o.renderer.Render(ctx, job.URL, job.Render, deadline)
		if err == nil {
			return result, attempt, nil
		}

		class := capture.ClassifyRender(err)
		log.Warn("render attempt failed",
			zap.Int("attempt", attempt),
			zap.String("class", string(class)),
			zap.Error(err),
		)
		if ctx.Err() != nil || !o.retry.ShouldRetry(class, attempt) {
			return capture.RenderResult{}, attempt, err
		}
		metrics.RenderRetries.WithLabelValues(string(class)).Inc()
		o.sleep(ctx, o.retry.Backoff(attempt))
	}
}

// persist hashes the artifact, writes it to immutable storage with the digest
// in object metadata, and only then marks the record succeeded. Ordering
// matters: a record never claims success for bytes that are not durably
// stored.
func (o *Orchestrator) persist(ctx context.Context, job capture.ClaimedJob, result capture.RenderResult, attempts int, log *zap.Logger) error {
	digest, err := o.hasher.Hash(result.Bytes)
	if err != nil {
		return fmt.Errorf("hash artifact: %w", err)
	}

	now := o.clock.Now()
	meta := capture.ObjectMeta{
		CaptureID:   job.CaptureID,
		OwnerID:     job.OwnerID,
		Digest:      digest,
		Retention:   job.Retention,
		RetainUntil: now.Add(o.cfg.Retention[job.Retention]),
	}
	key := o.artifactKey(job, now)

	var location string
	for i := 1; ; i++ {
		location, err = o.artifacts.Put(ctx, key, job.Render.Format.ContentType(), result.Bytes, meta)
		if err == nil {
			break
		}
		if !capture.IsTransient(err) || i >= o.cfg.PersistAttempts {
			return fmt.Errorf("store artifact: %w", err)
		}
		log.Warn("artifact write failed, retrying", zap.Int("attempt", i), zap.Error(err))
		o.sleep(ctx, o.retry.Backoff(i))
	}

	// The object is durable at this point, so a flaky metadata write must not
	// flip the capture to failed. Retry the transition on the same budget.
	for i := 1; ; i++ {
		err = o.records.MarkSucceeded(ctx, job.CaptureID, location, digest,
			int64(len(result.Bytes)), result.Duration.Milliseconds(), attempts)
		if err == nil {
			return nil
		}
		if !capture.IsTransient(err) || i >= o.cfg.PersistAttempts {
			return fmt.Errorf("mark succeeded: %w", err)
		}
		log.Warn("success transition failed, retrying", zap.Int("attempt", i), zap.Error(err))
		o.sleep(ctx, o.retry.Backoff(i))
	}
}

// failTerminally records the failure and publishes one dead-letter message.
func (o *Orchestrator) failTerminally(ctx context.Context, job capture.ClaimedJob, cause error, attempts int, log *zap.Logger) {
	class := capture.ClassifyRender(cause)
	reason := fmt.Sprintf("%s: %v", class, cause)
	metrics.CapturesFailed.WithLabelValues(string(class)).Inc()

	if err := o.records.MarkFailed(ctx, job.CaptureID, reason, attempts); err != nil {
		log.Error("mark failed errored", zap.Error(err))
	}

	msg := capture.DeadLetterMessage{
		CaptureID:  job.CaptureID,
		ScheduleID: job.ScheduleID,
		OwnerID:    job.OwnerID,
		URL:        job.URL,
		Reason:     reason,
		Attempts:   attempts,
		FailedAt:   o.clock.Now(),
	}
	if err := o.deadLetter.Publish(ctx, msg); err != nil {
		log.Error("dead-letter publish failed", zap.Error(err))
	} else {
		metrics.DeadLetters.Inc()
	}
	log.Warn("capture failed terminally", zap.String("reason", reason), zap.Int("attempts", attempts))
}

// artifactKey builds the deterministic storage key for a capture.
func (o *Orchestrator) artifactKey(job capture.ClaimedJob, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s.%s",
		o.cfg.KeyPrefix,
		job.OwnerID,
		now.UTC().Format("2006/01/02"),
		job.CaptureID,
		job.Render.Format.Extension(),
	)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
