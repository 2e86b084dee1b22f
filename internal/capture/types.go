// Package capture defines core types shared across subsystems.
package capture

import (
	"time"
)

// Format selects the artifact emitted by the renderer.
type Format string

// Artifact formats supported by the renderer.
const (
	FormatPDF Format = "pdf"
	FormatPNG Format = "png"
)

// ContentType returns the MIME type stored alongside the artifact.
func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	default:
		return "application/pdf"
	}
}

// Extension returns the file extension used in artifact keys.
func (f Format) Extension() string {
	switch f {
	case FormatPNG:
		return "png"
	default:
		return "pdf"
	}
}

// WaitMode selects the page-settlement strategy applied after navigation.
type WaitMode string

// Wait modes supported by the renderer.
const (
	WaitLoad        WaitMode = "load"
	WaitDOMReady    WaitMode = "domReady"
	WaitNetworkIdle WaitMode = "networkIdle"
	WaitSelector    WaitMode = "selector"
)

// WaitPolicy bounds how long the renderer lets a page settle before capture.
type WaitPolicy struct {
	Mode        WaitMode      `json:"mode"`
	Selector    string        `json:"selector,omitempty"`
	SettleDelay time.Duration `json:"settle_delay,omitempty"`
}

// RenderOptions fixes the environment a page is rendered under so that
// repeated captures of unchanged content are reproducible.
type RenderOptions struct {
	ViewportWidth  int        `json:"viewport_width"`
	ViewportHeight int        `json:"viewport_height"`
	DeviceScale    float64    `json:"device_scale"`
	Format         Format     `json:"format"`
	Wait           WaitPolicy `json:"wait"`
}

// WithDefaults fills unset render options with the fixed capture defaults.
func (o RenderOptions) WithDefaults() RenderOptions {
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = 1280
	}
	if o.ViewportHeight <= 0 {
		o.ViewportHeight = 800
	}
	if o.DeviceScale <= 0 {
		o.DeviceScale = 1.0
	}
	if o.Format == "" {
		o.Format = FormatPDF
	}
	if o.Wait.Mode == "" {
		o.Wait.Mode = WaitLoad
	}
	return o
}

// RetentionClass maps to a minimum WORM lock duration configured on the store.
type RetentionClass string

// Retention classes accepted on schedules and ad-hoc requests.
const (
	RetentionStandard   RetentionClass = "standard"
	RetentionExtended   RetentionClass = "extended"
	RetentionCompliance RetentionClass = "compliance"
)

// Lease is a time-bounded exclusive claim on a Schedule.
type Lease struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the lease still excludes other claimers at now.
func (l Lease) Live(now time.Time) bool {
	return l.Holder != "" && now.Before(l.ExpiresAt)
}

// Schedule represents a recurring capture intent. Schedules are deactivated,
// never deleted, so audit history survives.
type Schedule struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id"`
	URL        string         `json:"url"`
	Recurrence string         `json:"recurrence"`
	Timezone   string         `json:"timezone"`
	Render     RenderOptions  `json:"render"`
	Retention  RetentionClass `json:"retention"`
	Active     bool           `json:"active"`
	LastRun    *time.Time     `json:"last_run,omitempty"`
	NextDue    time.Time      `json:"next_due"`
	Lease      *Lease         `json:"lease,omitempty"`
}

// Status is the lifecycle state of a CaptureRecord. It transitions exactly
// once from pending to a terminal state.
type Status string

// Capture statuses persisted in the metadata store.
const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record is persisted for each capture execution, scheduled or on-demand.
// The digest is present if and only if the status is succeeded.
type Record struct {
	ID             string         `json:"id"`
	ScheduleID     string         `json:"schedule_id,omitempty"`
	OwnerID        string         `json:"owner_id"`
	URL            string         `json:"url"`
	Format         Format         `json:"format"`
	Location       string         `json:"location,omitempty"`
	Digest         string         `json:"digest,omitempty"`
	Status         Status         `json:"status"`
	ErrorText      string         `json:"error_text,omitempty"`
	ByteSize       int64          `json:"byte_size"`
	RenderMillis   int64          `json:"render_ms"`
	CreatedAt      time.Time      `json:"created_at"`
	Retention      RetentionClass `json:"retention"`
	Attempts       int            `json:"attempts"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// ClaimedJob is a capture the coordinator has won exclusive rights to execute.
type ClaimedJob struct {
	CaptureID     string
	ScheduleID    string
	OwnerID       string
	URL           string
	Render        RenderOptions
	Retention     RetentionClass
	Recurrence    string
	Timezone      string
	LeaseHolder   string
	DueAt         time.Time
	RecordCreated bool
}

// AdHocRequest triggers a one-off capture outside any schedule.
type AdHocRequest struct {
	OwnerID        string         `json:"owner_id"`
	URL            string         `json:"url"`
	Render         RenderOptions  `json:"render"`
	Retention      RetentionClass `json:"retention"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// RenderResult is the byte artifact produced by one render.
type RenderResult struct {
	Bytes      []byte
	StatusCode int
	Duration   time.Duration
}

// ObjectMeta travels with artifact bytes into the immutable store. The digest
// is attached at the object level so store and metadata row carry it
// independently.
type ObjectMeta struct {
	CaptureID   string
	OwnerID     string
	Digest      string
	Retention   RetentionClass
	RetainUntil time.Time
}

// VerificationResult reports whether a stored artifact still matches its
// recorded digest.
type VerificationResult struct {
	CaptureID string `json:"capture_id"`
	Matches   bool   `json:"matches"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// DeadLetterMessage is published once per capture that exhausts its retries.
type DeadLetterMessage struct {
	CaptureID  string    `json:"capture_id"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	OwnerID    string    `json:"owner_id"`
	URL        string    `json:"url"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	FailedAt   time.Time `json:"failed_at"`
}

// ListFilter narrows and pages ListRecords results. Cursor is the capture ID
// to continue after; IDs are time-sortable so keyset pagination is stable.
type ListFilter struct {
	OwnerID string
	URL     string
	From    time.Time
	To      time.Time
	Limit   int
	Cursor  string
}
