// Package modal calls GPU pipelines deployed as Modal web endpoints. A submit
// call spawns the pipeline function and returns a call id; the result endpoint
// answers 202 until the video is ready.
package modal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/smileloop/smileloop/internal/provider"
	"github.com/smileloop/smileloop/internal/provider/poll"
)

// Name is the registry name of this provider.
const Name = "modal"

// Pipelines served by the Modal app.
const (
	PipelineLivePortrait = "liveportrait"
	PipelineSVD          = "svd"
	PipelineI2V          = "i2v"
)

var pipelines = []string{PipelineLivePortrait, PipelineSVD, PipelineI2V}

// frame settings per pipeline.
var frameDefaults = map[string]struct{ frames, fps int }{
	PipelineSVD: {25, 7},
	PipelineI2V: {16, 8},
}

const (
	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 300 * time.Second
)

// Config configures the Modal client.
type Config struct {
	// EndpointURL is the base URL of the deployed web endpoint.
	EndpointURL string
	TokenID     string
	TokenSecret string
	// DefaultPipeline is used when a request names none.
	DefaultPipeline string
	PollInterval    time.Duration
	PollTimeout     time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Provider runs pipelines on Modal.
type Provider struct {
	cfg      Config
	hc       *http.Client
	logger   *slog.Logger
	maxVideo int
}

var _ provider.Provider = (*Provider)(nil)

// New creates a Modal provider.
func New(cfg Config) *Provider {
	if cfg.DefaultPipeline == "" {
		cfg.DefaultPipeline = PipelineLivePortrait
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = provider.NewHTTPClient(120 * time.Second)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, hc: hc, logger: logger.With("provider", Name), maxVideo: provider.MaxVideoBytes}
}

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Name:           Name,
		Description:    "GPU pipelines (LivePortrait, SVD, I2V) on Modal",
		Async:          true,
		RequiresPreset: p.cfg.DefaultPipeline == PipelineLivePortrait,
		Pipelines:      slices.Clone(pipelines),
	}
}

func (p *Provider) Cleanup(_ context.Context, _ string) error { return nil }

type submitRequest struct {
	Pipeline           string `json:"pipeline"`
	ImageBase64        string `json:"image_base64"`
	Preset             string `json:"preset,omitempty"`
	DrivingVideoBase64 string `json:"driving_video_base64,omitempty"`
	Prompt             string `json:"prompt,omitempty"`
	NumFrames          int    `json:"num_frames,omitempty"`
	FPS                int    `json:"fps,omitempty"`
}

type submitResponse struct {
	CallID string `json:"call_id"`
}

func (p *Provider) header() http.Header {
	h := http.Header{}
	if p.cfg.TokenID != "" {
		h.Set("Modal-Key", p.cfg.TokenID)
		h.Set("Modal-Secret", p.cfg.TokenSecret)
	}
	return h
}

func (p *Provider) buildSubmit(req provider.Request) (submitRequest, error) {
	pipeline := req.Pipeline
	if pipeline == "" {
		pipeline = p.cfg.DefaultPipeline
	}
	if !slices.Contains(pipelines, pipeline) {
		return submitRequest{}, &provider.Error{Provider: Name, Op: "validate", Message: fmt.Sprintf("unknown pipeline %q", pipeline)}
	}

	sub := submitRequest{
		Pipeline:    pipeline,
		ImageBase64: base64.StdEncoding.EncodeToString(req.Image),
		Prompt:      req.Prompt,
	}
	if pipeline == PipelineLivePortrait {
		if req.Preset == "" {
			return submitRequest{}, &provider.Error{Provider: Name, Op: "validate", Message: "a preset is required"}
		}
		sub.Preset = req.Preset
		sub.Prompt = ""
		if req.PresetPath != "" {
			// The app caches driving videos by preset name after the first upload.
			driving, err := os.ReadFile(req.PresetPath)
			if err != nil {
				return submitRequest{}, &provider.Error{Provider: Name, Op: "read preset", Err: err}
			}
			sub.DrivingVideoBase64 = base64.StdEncoding.EncodeToString(driving)
		}
	}
	if d, ok := frameDefaults[pipeline]; ok {
		sub.NumFrames, sub.FPS = d.frames, d.fps
	}
	return sub, nil
}

// Generate spawns the pipeline and waits for its result.
func (p *Provider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.cfg.EndpointURL == "" {
		return nil, fmt.Errorf("%s: %w", Name, provider.ErrNotConfigured)
	}
	sub, err := p.buildSubmit(req)
	if err != nil {
		return nil, err
	}

	req.Report(provider.StepSubmitting, "spawning "+sub.Pipeline+" on Modal")
	var spawned submitResponse
	if err := provider.DoJSON(ctx, p.hc, provider.Call{
		Provider: Name,
		Op:       "submit",
		Method:   http.MethodPost,
		URL:      p.cfg.EndpointURL + "/submit",
		Header:   p.header(),
		Body:     sub,
	}, &spawned); err != nil {
		return nil, err
	}
	if spawned.CallID == "" {
		return nil, &provider.Error{Provider: Name, Op: "submit", Err: errors.New("no call_id in response")}
	}
	p.logger.Info("modal call spawned", "job_id", req.JobID, "call_id", spawned.CallID, "pipeline", sub.Pipeline)

	poller := poll.Poller{
		Interval:             p.cfg.PollInterval,
		Timeout:              p.cfg.PollTimeout,
		MaxConsecutiveErrors: 5,
		Logger:               p.logger,
		OnAttempt: func(n int) {
			provider.CountPoll(Name)
			req.Report(provider.StepGenerating, fmt.Sprintf("poll %d", n))
		},
	}
	resultURL := p.cfg.EndpointURL + "/result/" + url.PathEscape(spawned.CallID)
	video, polls, err := poll.Until(ctx, poller, func(ctx context.Context) ([]byte, bool, error) {
		return p.fetchResult(ctx, resultURL)
	})
	if err != nil {
		return nil, err
	}

	return &provider.Result{
		Video:  video,
		TaskID: spawned.CallID,
		Model:  sub.Pipeline,
		Polls:  polls,
	}, nil
}

// fetchResult performs one result check: 202 is pending, 200 carries the video.
func (p *Provider) fetchResult(ctx context.Context, resultURL string) ([]byte, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, false, &provider.Error{Provider: Name, Op: "result", Err: err}
	}
	httpReq.Header = p.header()

	resp, err := p.hc.Do(httpReq)
	if err != nil {
		return nil, false, poll.Retry(&provider.Error{Provider: Name, Op: "result", Err: err})
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil, false, nil
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, int64(p.maxVideo)+1))
		if err != nil {
			return nil, false, poll.Retry(&provider.Error{Provider: Name, Op: "result", Err: err})
		}
		if len(data) > p.maxVideo {
			return nil, false, &provider.Error{Provider: Name, Op: "result", Message: "video exceeds size limit"}
		}
		if len(data) == 0 {
			return nil, false, provider.ErrEmptyVideo
		}
		return data, true, nil
	case resp.StatusCode >= 500 && resp.StatusCode != http.StatusInternalServerError:
		return nil, false, poll.Retry(&provider.Error{Provider: Name, Op: "result", StatusCode: resp.StatusCode})
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, false, &provider.Error{
			Provider: Name, Op: "result", StatusCode: resp.StatusCode,
			Message: "Modal pipeline failed: " + string(msg),
		}
	}
}
