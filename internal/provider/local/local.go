// Package local runs LivePortrait inference as a subprocess on this host.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/smileloop/smileloop/internal/media"
	"github.com/smileloop/smileloop/internal/provider"
)

const (
	// Name is the registry name of this provider.
	Name = "local"

	defaultPython = "python"
	script        = "inference.py"
)

// Config configures the LivePortrait subprocess.
type Config struct {
	// Dir is the LivePortrait checkout holding inference.py.
	Dir string
	// Python is the interpreter; defaults to "python" on PATH.
	Python string
	// WorkDir holds per-job scratch directories.
	WorkDir string
	Logger  *slog.Logger
}

// Provider animates an image with a preset driving video. Only one inference
// runs at a time since the model owns the whole GPU.
type Provider struct {
	cfg    Config
	logger *slog.Logger
	// gpu holds one token while an inference runs.
	gpu chan struct{}
}

var _ provider.Provider = (*Provider)(nil)

// New creates a local LivePortrait provider.
func New(cfg Config) *Provider {
	if cfg.Python == "" {
		cfg.Python = defaultPython
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "smileloop-local")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, logger: logger.With("provider", Name), gpu: make(chan struct{}, 1)}
}

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Name:           Name,
		Description:    "LivePortrait subprocess on the local GPU",
		RequiresPreset: true,
	}
}

func (p *Provider) jobDir(jobID string) string {
	return filepath.Join(p.cfg.WorkDir, jobID)
}

func (p *Provider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.cfg.Dir == "" {
		return nil, fmt.Errorf("%s: %w", Name, provider.ErrNotConfigured)
	}
	if req.PresetPath == "" {
		return nil, &provider.Error{Provider: Name, Op: "validate", Message: "A preset is required for LivePortrait"}
	}

	dir := p.jobDir(req.JobID)
	outDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	ext := ".jpg"
	if req.ImageMIME == "image/png" {
		ext = ".png"
	}
	src := filepath.Join(dir, "source"+ext)
	if err := os.WriteFile(src, req.Image, 0o644); err != nil {
		return nil, fmt.Errorf("write source image: %w", err)
	}

	req.Report(provider.StepSubmitting, "Waiting for GPU")
	select {
	case p.gpu <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.gpu }()

	req.Report(provider.StepGenerating, "Running LivePortrait inference")
	p.logger.Info("starting inference", "job_id", req.JobID, "preset", req.Preset)
	res, err := media.Run(ctx, p.logger, media.Command{
		Path: p.cfg.Python,
		Args: []string{script, "-s", src, "-d", req.PresetPath, "-o", outDir, "--flag_crop_driving_video"},
		Dir:  p.cfg.Dir,
		Env:  []string{"PYTHONIOENCODING=utf-8"},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &provider.Error{Provider: Name, Op: "inference", Message: "LivePortrait inference failed", Err: err}
	}

	found := media.FindResultMP4(outDir)
	if found == "" {
		return nil, &provider.Error{Provider: Name, Op: "inference", Message: "LivePortrait produced no video"}
	}
	video, err := os.ReadFile(found)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	if len(video) == 0 {
		return nil, provider.ErrEmptyVideo
	}
	p.logger.Info("inference complete", "job_id", req.JobID, "duration_ms", res.Duration.Milliseconds(), "bytes", len(video))

	return &provider.Result{Video: video, Model: "liveportrait"}, nil
}

// Cleanup removes the job's scratch directory.
func (p *Provider) Cleanup(_ context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}
	return os.RemoveAll(p.jobDir(jobID))
}
