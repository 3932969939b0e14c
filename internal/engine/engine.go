package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smileloop/smileloop/internal/audit"
	"github.com/smileloop/smileloop/internal/media"
	"github.com/smileloop/smileloop/internal/model"
	"github.com/smileloop/smileloop/internal/preset"
	"github.com/smileloop/smileloop/internal/provider"
	"github.com/smileloop/smileloop/internal/provider/poll"
	"github.com/smileloop/smileloop/internal/storage"
	"github.com/smileloop/smileloop/internal/store"
)

// DefaultJobTimeout bounds a single provider attempt.
const DefaultJobTimeout = 10 * time.Minute

// StepFailed is the progress step published when a job fails.
const StepFailed = "failed"

// InterruptedMessage is the error recorded on jobs that were still running
// when the previous process stopped.
const InterruptedMessage = "Interrupted, please retry"

var (
	// ErrUnknownProvider is returned by Submit for unregistered provider names.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrPresetRequired is returned when the chosen provider needs a preset
	// and none is available.
	ErrPresetRequired = errors.New("a preset is required for this provider")
)

// Watermarker produces the preview rendition of a video.
type Watermarker interface {
	Apply(ctx context.Context, src, dst string) (watermarked bool, err error)
}

// Config holds generation defaults applied to every job.
type Config struct {
	JobTimeout    time.Duration
	DefaultPrompt string
	DurationS     int
	Resolution    string
	Mode          string
}

// Engine orchestrates asynchronous video generation.
type Engine struct {
	cfg      Config
	store    store.Store
	registry *provider.Registry
	presets  *preset.Catalog
	files    *storage.Manager
	wm       Watermarker
	audit    *audit.Logger
	logger   *slog.Logger
	broker   *EventBroker
	wg       sync.WaitGroup
}

// Deps groups the collaborators of an Engine. Presets and Audit are optional.
type Deps struct {
	Store       store.Store
	Registry    *provider.Registry
	Presets     *preset.Catalog
	Files       *storage.Manager
	Watermarker Watermarker
	Audit       *audit.Logger
	Logger      *slog.Logger
}

// New creates an engine.
func New(cfg Config, d Deps) *Engine {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		store:    d.Store,
		registry: d.Registry,
		presets:  d.Presets,
		files:    d.Files,
		wm:       d.Watermarker,
		audit:    d.Audit,
		logger:   logger,
		broker:   NewEventBroker(),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Registry returns the provider registry the engine dispatches to.
func (e *Engine) Registry() *provider.Registry {
	return e.registry
}

// Submit validates the job, stores the uploaded image, persists the job as
// queued and starts generation in the background. On return the job carries
// its ID, resolved provider and preset.
func (e *Engine) Submit(ctx context.Context, j *model.Job, image []byte) error {
	img, err := media.SniffImage(image)
	if err != nil {
		return err
	}

	named, err := e.registry.Resolve(j.Provider)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownProvider, err)
	}
	j.Provider = named.Name

	presetPath, err := e.resolvePreset(j, named.Provider.Capabilities().RequiresPreset)
	if err != nil {
		return err
	}

	if j.ID == "" {
		j.ID = model.NewID()
	}
	if j.Prompt == "" {
		j.Prompt = e.cfg.DefaultPrompt
	}
	j.Status = model.StatusQueued
	j.ProgressStep = model.StepQueued
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	ref, err := e.files.SaveLocal(ctx, storage.UploadKey(j.ID, img.Ext), image)
	if err != nil {
		return fmt.Errorf("store upload: %w", err)
	}
	j.InputRef = ref.String()

	if err := e.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	req := provider.Request{
		JobID:      j.ID,
		Image:      image,
		ImageMIME:  img.MIME,
		Prompt:     j.Prompt,
		Preset:     j.Preset,
		PresetPath: presetPath,
		Pipeline:   j.Pipeline,
		DurationS:  e.cfg.DurationS,
		Resolution: e.cfg.Resolution,
		Mode:       e.cfg.Mode,
	}
	jCopy := *j
	e.wg.Go(func() {
		e.execute(&jCopy, req)
	})
	return nil
}

// resolvePreset validates the job's preset, filling in the catalog default
// when the provider requires one.
func (e *Engine) resolvePreset(j *model.Job, required bool) (string, error) {
	if e.presets == nil {
		if required {
			return "", ErrPresetRequired
		}
		return "", nil
	}
	if j.Preset == "" {
		if !required {
			return "", nil
		}
		j.Preset = e.presets.Default()
		if j.Preset == "" {
			return "", ErrPresetRequired
		}
	}
	return e.presets.Path(j.Preset)
}

// Recover fails jobs left queued or processing by a previous process. Their
// goroutines are gone, so nothing would ever settle them. Call it once before
// accepting new submissions.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	jobs, err := e.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	for _, j := range jobs {
		events, err := e.store.GetEvents(ctx, j.ID)
		if err != nil {
			return 0, fmt.Errorf("get events for %s: %w", j.ID, err)
		}
		seq := 0
		if n := len(events); n > 0 {
			seq = events[n-1].Seq + 1
		}
		e.finishFailed(j.ID, nil, InterruptedMessage, func(step, message string) {
			if err := e.store.InsertEvent(ctx, j.ID, seq, step, message); err != nil {
				e.logger.Error("failed to persist event", "job_id", j.ID, "seq", seq, "error", err)
			}
			e.broker.Close(j.ID)
		})
		e.logger.Warn("failed interrupted job", "job_id", j.ID, "status", j.Status)
	}
	return len(jobs), nil
}

// Wait blocks until all in-flight jobs finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown waits for in-flight jobs or until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs the job lifecycle: queued→processing→preview_ready/failed.
func (e *Engine) execute(j *model.Job, req provider.Request) {
	defer e.broker.Close(j.ID)
	jobsInFlight.Inc()
	defer jobsInFlight.Dec()

	ctx := context.Background()
	logger := e.logger.With("job_id", j.ID)

	// Progress is persisted for history and then published for live SSE.
	var seq atomic.Int32
	progress := func(step, message string) {
		n := int(seq.Add(1) - 1)
		if err := e.store.SetProgress(ctx, j.ID, step); err != nil {
			logger.Error("failed to persist progress", "step", step, "error", err)
		}
		if err := e.store.InsertEvent(ctx, j.ID, n, step, message); err != nil {
			logger.Error("failed to persist event", "seq", n, "error", err)
		}
		e.broker.Publish(j.ID, Event{Seq: n, Step: step, Message: message, Time: time.Now().UTC()})
	}
	req.Progress = progress

	if err := e.store.UpdateJobStatus(ctx, j.ID, model.StatusProcessing); err != nil {
		logger.Error("failed to transition to processing", "error", err)
		e.finishFailed(j.ID, nil, "Failed to start processing", progress)
		return
	}
	start := time.Now()

	candidates, err := e.registry.Candidates(j.Provider)
	if err != nil {
		e.finishFailed(j.ID, &start, "Video generation failed: "+err.Error(), progress)
		return
	}

	var (
		res     *provider.Result
		used    string
		lastErr error
		tried   []provider.Named
	)
	for i, c := range candidates {
		if i > 0 {
			provider.ObserveFallback(candidates[i-1].Name, c.Name)
			logger.Warn("falling back to next provider", "from", candidates[i-1].Name, "to", c.Name, "error", lastErr)
			progress(model.StepSubmitting, "Retrying with "+c.Name)
		}
		if c.Provider.Capabilities().RequiresPreset && req.PresetPath == "" {
			lastErr = &provider.Error{Provider: c.Name, Op: "validate", Message: "A preset is required for " + c.Name}
			continue
		}
		tried = append(tried, c)
		res, lastErr = e.attempt(ctx, j, c, req)
		if lastErr == nil {
			used = c.Name
			break
		}
	}
	defer e.cleanupProviders(j.ID, tried)

	if res == nil {
		logger.Error("all providers failed", "error", lastErr)
		e.finishFailed(j.ID, &start, "Video generation failed: "+provider.UserMessage(lastErr), progress)
		return
	}

	fullKey, previewKey := storage.FullKey(j.ID), storage.PreviewKey(j.ID)
	if _, err := e.files.SaveLocal(ctx, fullKey, res.Video); err != nil {
		logger.Error("failed to save video", "error", err)
		e.finishFailed(j.ID, &start, "Failed to save video", progress)
		return
	}

	progress(model.StepWatermark, "Creating preview")
	fullPath, err := e.files.LocalPath(fullKey)
	if err != nil {
		e.finishFailed(j.ID, &start, "Failed to save video", progress)
		return
	}
	previewPath, err := e.files.LocalPath(previewKey)
	if err != nil {
		e.finishFailed(j.ID, &start, "Failed to save video", progress)
		return
	}
	if _, err := e.wm.Apply(ctx, fullPath, previewPath); err != nil {
		logger.Error("watermark failed", "error", err)
		e.finishFailed(j.ID, &start, "Failed to create preview", progress)
		return
	}

	objs := []storage.Object{
		{Key: fullKey, ContentType: "video/mp4"},
		{Key: previewKey, ContentType: "video/mp4"},
	}
	if e.files.RemoteEnabled() {
		progress(model.StepUploading, "Uploading videos")
	}
	refs, err := e.files.Offload(ctx, objs...)
	if err != nil {
		logger.Warn("offload failed, serving from local disk", "error", err)
	}

	cur, err := e.store.GetJob(ctx, j.ID)
	if err != nil {
		logger.Error("failed to reload job", "error", err)
		e.finishFailed(j.ID, &start, "Failed to save video", progress)
		return
	}
	now := time.Now().UTC()
	dur := int(time.Since(start).Milliseconds())
	cur.Status = model.StatusPreviewReady
	cur.Provider = used
	cur.FullRef = refs[0].String()
	cur.PreviewRef = refs[1].String()
	cur.ProgressStep = model.StepDone
	cur.Error = ""
	cur.DurationMS = &dur
	cur.FinishedAt = &now
	if err := e.store.UpdateJob(ctx, cur); err != nil {
		logger.Error("failed to update finished job", "error", err)
		e.finishFailed(j.ID, &start, "Failed to save video", progress)
		return
	}
	jobsFinished.WithLabelValues(model.StatusPreviewReady).Inc()
	progress(model.StepDone, "Preview ready")
	logger.Info("job ready", "provider", used, "duration_ms", dur, "video_bytes", len(res.Video))
}

// attempt runs one provider under the per-attempt timeout and records the
// outcome in metrics and the audit log.
func (e *Engine) attempt(ctx context.Context, j *model.Job, c provider.Named, req provider.Request) (*provider.Result, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	t0 := time.Now()
	res, err := c.Provider.Generate(actx, req)
	if err == nil && (res == nil || len(res.Video) == 0) {
		err = provider.ErrEmptyVideo
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, poll.ErrTimeout) {
		err = fmt.Errorf("%w: no result from %s within %s", poll.ErrTimeout, c.Name, e.cfg.JobTimeout)
	}
	elapsed := time.Since(t0)

	outcome := provider.OutcomeSuccess
	switch {
	case errors.Is(err, poll.ErrTimeout):
		outcome = provider.OutcomeTimeout
	case err != nil:
		outcome = provider.OutcomeFailure
	}
	provider.ObserveGeneration(c.Name, outcome, elapsed)

	call := audit.ProviderCall{
		JobID:      j.ID,
		Provider:   c.Name,
		Prompt:     req.Prompt,
		DurationS:  req.DurationS,
		Resolution: req.Resolution,
		ImageBytes: len(req.Image),
		ImageMIME:  req.ImageMIME,
		Status:     outcome,
		Elapsed:    elapsed,
	}
	if err != nil {
		call.Error = err.Error()
	} else {
		call.Model = res.Model
		call.TaskID = res.TaskID
		call.VideoBytes = len(res.Video)
		call.Polls = res.Polls
	}
	e.audit.LogProvider(call)

	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) cleanupProviders(jobID string, tried []provider.Named) {
	for _, c := range tried {
		if err := c.Provider.Cleanup(context.Background(), jobID); err != nil {
			e.logger.Warn("provider cleanup failed", "job_id", jobID, "provider", c.Name, "error", err)
		}
	}
}

// finishFailed marks a job as failed with a user-safe message. startedAt is
// nil if processing never began.
func (e *Engine) finishFailed(id string, startedAt *time.Time, msg string, progress func(step, message string)) {
	ctx := context.Background()
	j, err := e.store.GetJob(ctx, id)
	if err != nil {
		e.logger.Error("failed to load job for failure", "job_id", id, "error", err)
		return
	}

	now := time.Now().UTC()
	j.Status = model.StatusFailed
	j.Error = msg
	j.ProgressStep = StepFailed
	j.FinishedAt = &now
	if startedAt != nil {
		dur := int(time.Since(*startedAt).Milliseconds())
		j.DurationMS = &dur
	}
	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to update failed job", "job_id", id, "error", err)
		return
	}
	jobsFinished.WithLabelValues(model.StatusFailed).Inc()
	progress(StepFailed, msg)
}
