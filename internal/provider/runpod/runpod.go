// Package runpod runs the LivePortrait worker on a RunPod serverless endpoint.
// It is registered as the "cloud" provider.
package runpod

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/smileloop/smileloop/internal/provider"
	"github.com/smileloop/smileloop/internal/provider/poll"
)

const (
	// Name is the registry name of this provider.
	Name = "cloud"

	DefaultBaseURL = "https://api.runpod.ai/v2"

	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 300 * time.Second

	statusCompleted = "COMPLETED"
	statusFailed    = "FAILED"
	statusCancelled = "CANCELLED"
	statusTimedOut  = "TIMED_OUT"
)

// Config configures the RunPod client.
type Config struct {
	APIKey       string
	EndpointID   string
	BaseURL      string
	PollInterval time.Duration
	PollTimeout  time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Provider submits LivePortrait jobs to RunPod.
type Provider struct {
	cfg    Config
	hc     *http.Client
	logger *slog.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New creates a RunPod provider.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = provider.NewHTTPClient(60 * time.Second)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, hc: hc, logger: logger.With("provider", Name)}
}

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Name:           Name,
		Description:    "LivePortrait on a RunPod serverless endpoint",
		Async:          true,
		RequiresPreset: true,
	}
}

func (p *Provider) Cleanup(_ context.Context, _ string) error { return nil }

type runInput struct {
	Preset      string `json:"preset"`
	ImageBase64 string `json:"image_base64"`
}

type runRequest struct {
	Input runInput `json:"input"`
}

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type statusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
	Output struct {
		OutputURL       string `json:"output_url"`
		OutputMP4Base64 string `json:"output_mp4_base64"`
	} `json:"output"`
}

func (p *Provider) endpointURL(path string) string {
	return p.cfg.BaseURL + "/" + url.PathEscape(p.cfg.EndpointID) + path
}

// Generate submits a run with the preset and image, polls its status and
// returns the produced video.
func (p *Provider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.cfg.APIKey == "" || p.cfg.EndpointID == "" {
		return nil, fmt.Errorf("%s: %w", Name, provider.ErrNotConfigured)
	}
	if req.Preset == "" {
		return nil, &provider.Error{Provider: Name, Op: "validate", Message: "a preset is required"}
	}

	req.Report(provider.StepSubmitting, "submitting to RunPod")
	var run runResponse
	err := provider.DoJSON(ctx, p.hc, provider.Call{
		Provider: Name,
		Op:       "run",
		Method:   http.MethodPost,
		URL:      p.endpointURL("/run"),
		Header:   provider.Bearer(p.cfg.APIKey),
		Body: runRequest{Input: runInput{
			Preset:      req.Preset,
			ImageBase64: base64.StdEncoding.EncodeToString(req.Image),
		}},
	}, &run)
	if err != nil {
		return nil, err
	}
	if run.ID == "" {
		return nil, &provider.Error{Provider: Name, Op: "run", Err: errors.New("no job id in response")}
	}
	p.logger.Info("runpod job submitted", "job_id", req.JobID, "runpod_id", run.ID)

	poller := poll.Poller{
		Interval: p.cfg.PollInterval,
		Timeout:  p.cfg.PollTimeout,
		Logger:   p.logger,
		OnAttempt: func(n int) {
			provider.CountPoll(Name)
			req.Report(provider.StepGenerating, fmt.Sprintf("poll %d", n))
		},
	}
	statusURL := p.endpointURL("/status/" + url.PathEscape(run.ID))
	st, polls, err := poll.Until(ctx, poller, func(ctx context.Context) (statusResponse, bool, error) {
		var st statusResponse
		err := provider.DoJSON(ctx, p.hc, provider.Call{
			Provider: Name, Op: "status", Method: http.MethodGet, URL: statusURL,
			Header: provider.Bearer(p.cfg.APIKey),
		}, &st)
		var pe *provider.Error
		if errors.As(err, &pe) && pe.Retryable() {
			return st, false, poll.Retry(err)
		}
		if err != nil {
			return st, false, err
		}

		switch st.Status {
		case statusCompleted:
			return st, true, nil
		case statusFailed, statusCancelled, statusTimedOut:
			msg := st.Error
			if msg == "" {
				msg = st.Status
			}
			return st, false, &provider.Error{Provider: Name, Op: "status", Message: "RunPod job failed: " + msg}
		default:
			return st, false, nil
		}
	})
	if err != nil {
		return nil, err
	}

	res := &provider.Result{TaskID: run.ID, Model: "liveportrait", Polls: polls}
	switch {
	case st.Output.OutputURL != "":
		req.Report(provider.StepDownloading, "downloading video")
		res.SourceURL = st.Output.OutputURL
		res.Video, err = provider.Download(ctx, p.hc, Name, st.Output.OutputURL, nil)
		if err != nil {
			return nil, err
		}
	case st.Output.OutputMP4Base64 != "":
		res.Video, err = base64.StdEncoding.DecodeString(st.Output.OutputMP4Base64)
		if err != nil {
			return nil, &provider.Error{Provider: Name, Op: "decode output", Err: err}
		}
	default:
		return nil, &provider.Error{Provider: Name, Op: "status", Message: "No output found in RunPod response"}
	}
	if len(res.Video) == 0 {
		return nil, provider.ErrEmptyVideo
	}
	return res, nil
}
