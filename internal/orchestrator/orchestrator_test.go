package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snapvault/snapvault/internal/capture"
	sha "github.com/snapvault/snapvault/internal/hash/sha256"
	"github.com/snapvault/snapvault/internal/storage/memory"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type scriptedRenderer struct {
	mu      sync.Mutex
	results []renderStep
	calls   int
	// deadlines records the deadline passed to each attempt.
	deadlines []time.Time
}

type renderStep struct {
	result capture.RenderResult
	err    error
}

func (r *scriptedRenderer) Render(_ context.Context, _ string, _ capture.RenderOptions, deadline time.Time) (capture.RenderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadlines = append(r.deadlines, deadline)
	step := r.results[len(r.results)-1]
	if r.calls < len(r.results) {
		step = r.results[r.calls]
	}
	r.calls++
	return step.result, step.err
}

func (r *scriptedRenderer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingDeadLetter struct {
	mu       sync.Mutex
	messages []capture.DeadLetterMessage
	err      error
}

func (d *recordingDeadLetter) Publish(_ context.Context, msg capture.DeadLetterMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.messages = append(d.messages, msg)
	return nil
}

type recordingCompleter struct {
	mu    sync.Mutex
	calls []capture.ClaimedJob
}

func (c *recordingCompleter) Complete(_ context.Context, job capture.ClaimedJob, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, job)
	return nil
}

type flakyArtifacts struct {
	*memory.ArtifactStore
	mu       sync.Mutex
	failures int
}

func (f *flakyArtifacts) Put(ctx context.Context, key, contentType string, data []byte, meta capture.ObjectMeta) (string, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return "", capture.ErrTransient
	}
	return f.ArtifactStore.Put(ctx, key, contentType, data, meta)
}

type flakyRecords struct {
	*memory.MetadataStore
	mu       sync.Mutex
	failures int
}

func (f *flakyRecords) MarkSucceeded(ctx context.Context, id, location, digest string, byteSize, renderMillis int64, attempts int) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return capture.ErrTransient
	}
	return f.MetadataStore.MarkSucceeded(ctx, id, location, digest, byteSize, renderMillis, attempts)
}

type testHarness struct {
	store      *memory.MetadataStore
	artifacts  *memory.ArtifactStore
	renderer   *scriptedRenderer
	deadLetter *recordingDeadLetter
	completer  *recordingCompleter
	orch       *Orchestrator
	clock      fixedClock
}

func newHarness(t *testing.T, renderer *scriptedRenderer) *testHarness {
	t.Helper()
	h := &testHarness{
		store:      memory.NewMetadataStore(),
		artifacts:  memory.NewArtifactStore(),
		renderer:   renderer,
		deadLetter: &recordingDeadLetter{},
		completer:  &recordingCompleter{},
		clock:      fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.orch = New(h.store, h.artifacts, renderer, sha.New(), h.deadLetter, h.completer, h.clock,
		Config{RenderTimeout: 30 * time.Second}, zap.NewNop())
	h.orch.sleep = func(context.Context, time.Duration) {}
	return h
}

func scheduledJob() capture.ClaimedJob {
	return capture.ClaimedJob{
		CaptureID:   "cap-1",
		ScheduleID:  "sched-1",
		OwnerID:     "owner-1",
		URL:         "https://example.com",
		Render:      capture.RenderOptions{}.WithDefaults(),
		Retention:   capture.RetentionStandard,
		Recurrence:  "0 * * * *",
		LeaseHolder: "worker-a",
		DueAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestExecuteHappyPath(t *testing.T) {
	t.Parallel()

	body := []byte("%PDF-1.7 rendered page")
	renderer := &scriptedRenderer{results: []renderStep{
		{result: capture.RenderResult{Bytes: body, StatusCode: 200, Duration: 3 * time.Second}},
	}}
	h := newHarness(t, renderer)
	job := scheduledJob()

	h.orch.Execute(context.Background(), job)

	rec, err := h.store.GetRecord(context.Background(), job.CaptureID)
	require.NoError(t, err)
	require.Equal(t, capture.StatusSucceeded, rec.Status)
	require.Equal(t, int64(len(body)), rec.ByteSize)
	require.Equal(t, int64(3000), rec.RenderMillis)
	require.Equal(t, 1, rec.Attempts)
	require.NotEmpty(t, rec.Location)

	// The stored bytes hash to the recorded digest.
	stored, err := h.artifacts.Get(context.Background(), rec.Location)
	require.NoError(t, err)
	wantDigest, err := sha.New().Hash(stored)
	require.NoError(t, err)
	require.Equal(t, wantDigest, rec.Digest)

	// Object-level metadata carries the same digest independently.
	meta, ok := h.artifacts.Meta(strings.TrimPrefix(rec.Location, "memory://"))
	require.True(t, ok)
	require.Equal(t, wantDigest, meta.Digest)
	require.Equal(t, capture.RetentionStandard, meta.Retention)

	require.Empty(t, h.deadLetter.messages)
	require.Len(t, h.completer.calls, 1, "terminal outcome must complete the schedule")
}

func TestExecuteArtifactKeyIsDeterministic(t *testing.T) {
	t.Parallel()

	renderer := &scriptedRenderer{results: []renderStep{
		{result: capture.RenderResult{Bytes: []byte("x"), StatusCode: 200}},
	}}
	h := newHarness(t, renderer)

	h.orch.Execute(context.Background(), scheduledJob())

	rec, err := h.store.GetRecord(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Contains(t, rec.Location, "captures/owner-1/2026/03/01/cap-1.pdf")
}

func TestExecuteRetriesTimeoutThenSucceeds(t *testing.T) {
	t.Parallel()

	renderer := &scriptedRenderer{results: []renderStep{
		{err: capture.ErrRenderTimeout},
		{err: capture.ErrRenderTimeout},
		{result: capture.RenderResult{Bytes: []byte("ok"), StatusCode: 200}},
	}}
	h := newHarness(t, renderer)

	h.orch.Execute(context.Background(), scheduledJob())

	require.Equal(t, 3, renderer.callCount())
	rec, err := h.store.GetRecord(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Equal(t, capture.StatusSucceeded, rec.Status)
	require.Equal(t, 3, rec.Attempts)
	require.Empty(t, h.deadLetter.messages)
}

func TestExecuteExhaustedTimeoutsFailTerminally(t *testing.T) {
	t.Parallel()

	renderer := &scriptedRenderer{results: []renderStep{
		{err: capture.ErrRenderTimeout},
	}}
	h := newHarness(t, renderer)

	h.orch.Execute(context.Background(), scheduledJob())

	require.Equal(t, 3, renderer.callCount(), "timeouts get three total attempts")
	rec, err := h.store.GetRecord(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Equal(t, capture.StatusFailed, rec.Status)
	require.True(t, strings.Contains(rec.ErrorText, "Timeout"), "reason %q must name the class", rec.ErrorText)
	require.Empty(t, rec.Digest, "failed records carry no digest")

	require.Len(t, h.deadLetter.messages, 1, "exactly one dead-letter per exhausted capture")
	require.Equal(t, "cap-1", h.deadLetter.messages[0].CaptureID)
	require.Equal(t, 3, h.deadLetter.messages[0].Attempts)

	require.Len(t, h.completer.calls, 1, "terminal failure still advances the schedule")
}

func TestExecuteBlockedFailsOnFirstAttempt(t *testing.T) {
	t.Parallel()

	renderer := &scriptedRenderer{results: []renderStep{
		{err: capture.Blocked(403)},
	}}
	h := newHarness(t, renderer)

	h.orch.Execute(context.Background(), scheduledJob())

	require.Equal(t, 1, renderer.callCount(), "a block is terminal immediately")
	rec, err := h.store.GetRecord(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Equal(t, capture.StatusFailed, rec.Status)
	require.Contains(t, rec.ErrorText, "Blocked")
	require.Contains(t, rec.ErrorText, "403")
}

func TestExecuteCrashRetriesOnce(t *testing.T) {
	t.Parallel()

	renderer := &scriptedRenderer{results: []renderStep{
		{err: capture.ErrRenderCrash},
	}}
	h := newHarness(t, renderer)

	h.orch.Execute(context.Background(), scheduledJob())

	require.Equal(t, 2, renderer.callCount(), "crashes get two total attempts")
	rec, err := h.store.GetRecord(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Equal(t, capture.StatusFailed, rec.Status)
}

func TestExecutePassesRenderDeadline(t *testing.T) {
	t.Parallel()

	renderer := &scriptedRenderer{results: []renderStep{
		{result: capture.RenderResult{Bytes: []byte("ok"), StatusCode: 200}},
	}}
	h := newHarness(t, renderer)

	h.orch.Execute(context.Background(), scheduledJob())

	require.Len(t, renderer.deadlines, 1)
	require.True(t, renderer.deadlines[0].Equal(h.clock.Now().Add(30*time.Second)))
}

func TestExecuteTransientPersistFailureIsRetried(t *testing.T) {
	t.Parallel()

	renderer := &scriptedRenderer{results: []renderStep{
		{result: capture.RenderResult{Bytes: []byte("ok"), StatusCode: 200}},
	}}
	h := newHarness(t, renderer)
	flaky := &flakyArtifacts{ArtifactStore: h.artifacts, failures: 2}
	h.orch.artifacts = flaky

	h.orch.Execute(context.Background(), scheduledJob())

	rec, err := h.store.GetRecord(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Equal(t, capture.StatusSucceeded, rec.Status)
}

func TestExecutePersistExhaustionFailsWithoutSuccess(t *testing.T) {
	t.Parallel()

	renderer := &scriptedRenderer{results: []renderStep{
		{result: capture.RenderResult{Bytes: []byte("ok"), StatusCode: 200}},
	}}
	h := newHarness(t, renderer)
	flaky := &flakyArtifacts{ArtifactStore: h.artifacts, failures: 10}
	h.orch.artifacts = flaky

	h.orch.Execute(context.Background(), scheduledJob())

	rec, err := h.store.GetRecord(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Equal(t, capture.StatusFailed, rec.Status,
		"a record never claims success for bytes that were not stored")
	require.Empty(t, rec.Digest)
}

func TestExecuteTransientSuccessTransitionIsRetried(t *testing.T) {
	t.Parallel()

	renderer := &scriptedRenderer{results: []renderStep{
		{result: capture.RenderResult{Bytes: []byte("ok"), StatusCode: 200}},
	}}
	h := newHarness(t, renderer)
	flaky := &flakyRecords{MetadataStore: h.store, failures: 2}
	h.orch.records = flaky

	h.orch.Execute(context.Background(), scheduledJob())

	rec, err := h.store.GetRecord(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Equal(t, capture.StatusSucceeded, rec.Status,
		"a stored artifact must not be lost to a flaky metadata write")
	require.NotEmpty(t, rec.Digest)
	require.Empty(t, h.deadLetter.messages)
}

func TestExecuteSuccessTransitionExhaustionFailsTerminally(t *testing.T) {
	t.Parallel()

	renderer := &scriptedRenderer{results: []renderStep{
		{result: capture.RenderResult{Bytes: []byte("ok"), StatusCode: 200}},
	}}
	h := newHarness(t, renderer)
	flaky := &flakyRecords{MetadataStore: h.store, failures: 10}
	h.orch.records = flaky

	h.orch.Execute(context.Background(), scheduledJob())

	rec, err := h.store.GetRecord(context.Background(), "cap-1")
	require.NoError(t, err)
	require.Equal(t, capture.StatusFailed, rec.Status)
	require.Empty(t, rec.Digest)
	require.Len(t, h.deadLetter.messages, 1)
}

func TestExecuteAdHocSkipsRecordCreation(t *testing.T) {
	t.Parallel()

	renderer := &scriptedRenderer{results: []renderStep{
		{result: capture.RenderResult{Bytes: []byte("ok"), StatusCode: 200}},
	}}
	h := newHarness(t, renderer)

	job := scheduledJob()
	job.ScheduleID = ""
	job.RecordCreated = true
	require.NoError(t, h.store.CreateRecord(context.Background(), capture.Record{
		ID:        job.CaptureID,
		OwnerID:   job.OwnerID,
		URL:       job.URL,
		Format:    job.Render.Format,
		Status:    capture.StatusPending,
		CreatedAt: h.clock.Now(),
		Retention: job.Retention,
	}))

	h.orch.Execute(context.Background(), job)

	rec, err := h.store.GetRecord(context.Background(), job.CaptureID)
	require.NoError(t, err)
	require.Equal(t, capture.StatusSucceeded, rec.Status)
}

func TestRetryPolicyBudgets(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy()
	require.Equal(t, 3, p.MaxAttempts(capture.ClassTimeout))
	require.Equal(t, 3, p.MaxAttempts(capture.ClassUnreachable))
	require.Equal(t, 2, p.MaxAttempts(capture.ClassRenderCrash))
	require.Equal(t, 1, p.MaxAttempts(capture.ClassBlocked))

	require.True(t, p.ShouldRetry(capture.ClassTimeout, 1))
	require.True(t, p.ShouldRetry(capture.ClassTimeout, 2))
	require.False(t, p.ShouldRetry(capture.ClassTimeout, 3))
	require.False(t, p.ShouldRetry(capture.ClassBlocked, 1))
}

func TestRetryPolicyBackoffIsBoundedAndGrowing(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy()
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Backoff(attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, p.maxDelay)
	}
}
