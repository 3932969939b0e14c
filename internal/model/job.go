package model

import "time"

// Job status constants.
const (
	StatusQueued       = "queued"
	StatusProcessing   = "processing"
	StatusPreviewReady = "preview_ready"
	StatusPaid         = "paid"
	StatusFailed       = "failed"
)

// Payment status constants.
const (
	PaymentNone    = "none"
	PaymentPending = "pending"
	PaymentPaid    = "paid"
)

// Progress steps reported while a job is processing.
const (
	StepQueued      = "queued"
	StepSubmitting  = "submitting"
	StepGenerating  = "generating"
	StepDownloading = "downloading"
	StepWatermark   = "watermarking"
	StepUploading   = "uploading"
	StepDone        = "done"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusPreviewReady: true,
		StatusFailed:       true,
	},
	StatusPreviewReady: {
		StatusPaid: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transitions leave status.
func IsTerminal(status string) bool {
	return status == StatusPaid || status == StatusFailed
}

// HasPreview reports whether a job in status has a watermarked preview.
func HasPreview(status string) bool {
	return status == StatusPreviewReady || status == StatusPaid
}

// JobEvent is a single persisted progress line from a job's lifecycle.
type JobEvent struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Step      string    `json:"step"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Job is a single photo-to-video request.
type Job struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Email         string     `json:"-"`
	IPAddress     string     `json:"-"`
	UserAgent     string     `json:"-"`
	Provider      string     `json:"provider"`
	Pipeline      string     `json:"pipeline,omitempty"`
	Preset        string     `json:"preset,omitempty"`
	Prompt        string     `json:"-"`
	InputRef      string     `json:"-"`
	PreviewRef    string     `json:"-"`
	FullRef       string     `json:"-"`
	ProgressStep  string     `json:"progress_step,omitempty"`
	Error         string     `json:"error,omitempty"`
	CheckoutID    string     `json:"-"`
	PaymentStatus string     `json:"payment_status"`
	DownloadCount int        `json:"download_count"`
	DurationMS    *int       `json:"duration_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
}
