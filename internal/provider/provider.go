package provider

import (
	"context"

	"github.com/smileloop/smileloop/internal/model"
)

// Progress steps reported by providers.
const (
	StepSubmitting  = model.StepSubmitting
	StepGenerating  = model.StepGenerating
	StepDownloading = model.StepDownloading
)

// Provider turns a still image into a short video. Asynchronous providers
// submit a task and poll it to completion inside Generate.
type Provider interface {
	// Generate submits the request, waits for the provider to finish and
	// returns the downloaded video. The context carries the job deadline.
	Generate(ctx context.Context, req Request) (*Result, error)

	// Capabilities reports what the provider supports.
	Capabilities() Capabilities

	// Cleanup releases any resources associated with the given job.
	Cleanup(ctx context.Context, jobID string) error
}

// Request describes one image-to-video generation.
type Request struct {
	JobID      string `json:"job_id"`
	Image      []byte `json:"-"`
	ImageMIME  string `json:"image_mime"`
	Prompt     string `json:"prompt"`
	Preset     string `json:"preset,omitempty"`
	PresetPath string `json:"-"`
	Pipeline   string `json:"pipeline,omitempty"`
	DurationS  int    `json:"duration_s"`
	Resolution string `json:"resolution"`
	Mode       string `json:"mode,omitempty"`

	// Progress is an optional callback providers invoke to report steps such
	// as task submission and poll attempts.
	Progress func(step, message string) `json:"-"`
}

// Report forwards a progress line if the request has a Progress callback.
func (r Request) Report(step, message string) {
	if r.Progress != nil {
		r.Progress(step, message)
	}
}

// Result holds the video produced by a provider.
type Result struct {
	Video     []byte `json:"-"`
	TaskID    string `json:"task_id,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Model     string `json:"model,omitempty"`
	Polls     int    `json:"polls"`
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Async          bool     `json:"async"`
	RequiresPreset bool     `json:"requires_preset"`
	Pipelines      []string `json:"pipelines,omitempty"`
	MaxDurationS   int      `json:"max_duration_s,omitempty"`
	Resolutions    []string `json:"resolutions,omitempty"`
}
