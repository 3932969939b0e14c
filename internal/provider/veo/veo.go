// Package veo generates videos with Google Veo through the Gen AI SDK. The
// portrait is passed as the first frame of a long-running video operation.
package veo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/smileloop/smileloop/internal/provider"
	"github.com/smileloop/smileloop/internal/provider/poll"
)

const (
	// Name is the registry name of this provider.
	Name = "veo"

	DefaultModel = "veo-3.1-generate-preview"

	defaultPollInterval = 10 * time.Second
	defaultPollTimeout  = 5 * time.Minute
)

// Config configures the Veo provider.
type Config struct {
	APIKey       string
	Model        string
	PollInterval time.Duration
	PollTimeout  time.Duration
	Logger       *slog.Logger
}

// videoAPI is the slice of the Gen AI client the provider uses.
type videoAPI interface {
	Start(ctx context.Context, model, prompt string, image *genai.Image, cfg *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error)
	Refresh(ctx context.Context, op *genai.GenerateVideosOperation) (*genai.GenerateVideosOperation, error)
	Download(ctx context.Context, v *genai.Video) ([]byte, error)
}

type genaiAPI struct {
	client *genai.Client
}

func (g genaiAPI) Start(ctx context.Context, model, prompt string, image *genai.Image, cfg *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error) {
	return g.client.Models.GenerateVideos(ctx, model, prompt, image, cfg)
}

func (g genaiAPI) Refresh(ctx context.Context, op *genai.GenerateVideosOperation) (*genai.GenerateVideosOperation, error) {
	return g.client.Operations.GetVideosOperation(ctx, op, nil)
}

func (g genaiAPI) Download(ctx context.Context, v *genai.Video) ([]byte, error) {
	return g.client.Files.Download(ctx, genai.NewDownloadURIFromVideo(v), nil)
}

// Provider generates videos with Veo.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	api videoAPI
}

var _ provider.Provider = (*Provider)(nil)

// New creates a Veo provider. The Gen AI client is created on first use.
func New(cfg Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, logger: logger.With("provider", Name)}
}

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Name:         Name,
		Description:  "Google Veo image-to-video",
		Async:        true,
		MaxDurationS: 8,
		Resolutions:  []string{"720p", "1080p"},
	}
}

func (p *Provider) Cleanup(_ context.Context, _ string) error { return nil }

func (p *Provider) client(ctx context.Context) (videoAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.api != nil {
		return p.api, nil
	}
	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", Name, provider.ErrNotConfigured)
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &provider.Error{Provider: Name, Op: "create client", Err: err}
	}
	p.api = genaiAPI{client: c}
	return p.api, nil
}

// Generate starts a Veo operation, polls it to completion and downloads the
// first generated video.
func (p *Provider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	api, err := p.client(ctx)
	if err != nil {
		return nil, err
	}

	duration := int32(min(max(req.DurationS, 4), 8))
	cfg := &genai.GenerateVideosConfig{
		AspectRatio:      "9:16",
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
		DurationSeconds:  &duration,
	}
	if req.Resolution == "1080p" {
		cfg.Resolution = "1080p"
	}

	req.Report(provider.StepSubmitting, "starting Veo operation")
	op, err := api.Start(ctx, p.cfg.Model, req.Prompt, &genai.Image{ImageBytes: req.Image, MIMEType: req.ImageMIME}, cfg)
	if err != nil {
		return nil, &provider.Error{Provider: Name, Op: "start", Err: err}
	}
	p.logger.Info("veo operation started", "job_id", req.JobID, "operation", op.Name)

	poller := poll.Poller{
		Interval:             p.cfg.PollInterval,
		Timeout:              p.cfg.PollTimeout,
		MaxConsecutiveErrors: 3,
		Logger:               p.logger,
		OnAttempt: func(n int) {
			provider.CountPoll(Name)
			req.Report(provider.StepGenerating, fmt.Sprintf("poll %d", n))
		},
	}
	op, polls, err := poll.Until(ctx, poller, func(ctx context.Context) (*genai.GenerateVideosOperation, bool, error) {
		if op.Done {
			return op, true, nil
		}
		next, err := api.Refresh(ctx, op)
		if err != nil {
			return nil, false, poll.Retry(&provider.Error{Provider: Name, Op: "poll", Err: err})
		}
		op = next
		return op, op.Done, nil
	})
	if err != nil {
		return nil, err
	}

	video, err := finishedVideo(op)
	if err != nil {
		return nil, err
	}

	data := video.VideoBytes
	if len(data) == 0 {
		req.Report(provider.StepDownloading, "downloading video")
		data, err = api.Download(ctx, video)
		if err != nil {
			return nil, &provider.Error{Provider: Name, Op: "download", Err: err}
		}
	}
	if len(data) == 0 {
		return nil, provider.ErrEmptyVideo
	}

	return &provider.Result{
		Video:     data,
		TaskID:    op.Name,
		SourceURL: video.URI,
		Model:     p.cfg.Model,
		Polls:     polls,
	}, nil
}

// finishedVideo extracts the first video from a completed operation.
func finishedVideo(op *genai.GenerateVideosOperation) (*genai.Video, error) {
	if len(op.Error) > 0 {
		b, _ := json.Marshal(op.Error)
		return nil, &provider.Error{Provider: Name, Op: "operation", Message: "Veo operation failed: " + string(b)}
	}
	if op.Response == nil {
		return nil, &provider.Error{Provider: Name, Op: "operation", Message: "No response in completed operation"}
	}
	if op.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(op.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(op.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, &provider.Error{Provider: Name, Op: "operation", Message: "Video blocked by safety filters: " + reasons}
	}
	if len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		return nil, provider.ErrEmptyVideo
	}
	return op.Response.GeneratedVideos[0].Video, nil
}
