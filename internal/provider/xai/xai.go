// Package xai generates videos with xAI's grok-imagine-video model. The source
// image travels inline as a base64 data URI.
package xai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smileloop/smileloop/internal/provider"
	"github.com/smileloop/smileloop/internal/provider/poll"
)

const (
	// Name is the registry name of this provider.
	Name = "xai"

	DefaultBaseURL = "https://api.x.ai/v1"
	Model          = "grok-imagine-video"

	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 300 * time.Second
)

// Config configures the xAI client.
type Config struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	PollTimeout  time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Provider generates videos through the xAI API.
type Provider struct {
	cfg    Config
	hc     *http.Client
	logger *slog.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New creates an xAI provider.
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
		hc = provider.NewHTTPClient(120 * time.Second)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, hc: hc, logger: logger.With("provider", Name)}
}

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Name:         Name,
		Description:  "xAI Grok Imagine video",
		Async:        true,
		MaxDurationS: 15,
		Resolutions:  []string{"480p", "720p"},
	}
}

func (p *Provider) Cleanup(_ context.Context, _ string) error { return nil }

// ClampDuration keeps d within the 1..15 seconds the model accepts.
func ClampDuration(d int) int {
	return min(max(d, 1), 15)
}

// DataURI encodes an image as an inline data URI.
func DataURI(image []byte, mime string) string {
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
}

type generateRequest struct {
	Model      string `json:"model"`
	Prompt     string `json:"prompt"`
	ImageURL   string `json:"image_url"`
	Duration   int    `json:"duration"`
	Resolution string `json:"resolution"`
}

type generateResponse struct {
	RequestID string `json:"request_id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Model  string `json:"model"`
	Error  string `json:"error"`
	Video  *struct {
		URL      string `json:"url"`
		Duration int    `json:"duration"`
	} `json:"video"`
}

// Generate submits a video generation request, polls until the video is
// ready and downloads it.
func (p *Provider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", Name, provider.ErrNotConfigured)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &provider.Error{Provider: Name, Op: "validate", Message: "prompt cannot be empty"}
	}
	if req.Resolution == "" {
		req.Resolution = "480p"
	}
	if req.Resolution != "480p" && req.Resolution != "720p" {
		return nil, &provider.Error{Provider: Name, Op: "validate", Message: fmt.Sprintf("resolution must be 480p or 720p, got %q", req.Resolution)}
	}

	req.Report(provider.StepSubmitting, "submitting to xAI")
	var sub generateResponse
	err := provider.DoJSON(ctx, p.hc, provider.Call{
		Provider: Name,
		Op:       "submit",
		Method:   http.MethodPost,
		URL:      p.cfg.BaseURL + "/videos/generations",
		Header:   provider.Bearer(p.cfg.APIKey),
		Body: generateRequest{
			Model:      Model,
			Prompt:     strings.TrimSpace(req.Prompt),
			ImageURL:   DataURI(req.Image, req.ImageMIME),
			Duration:   ClampDuration(req.DurationS),
			Resolution: req.Resolution,
		},
	}, &sub)
	if err != nil {
		return nil, err
	}
	if sub.RequestID == "" {
		return nil, &provider.Error{Provider: Name, Op: "submit", Err: errors.New("no request_id in response")}
	}
	p.logger.Info("xai request submitted", "job_id", req.JobID, "request_id", sub.RequestID)

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
	statusURL := p.cfg.BaseURL + "/videos/" + url.PathEscape(sub.RequestID)
	final, polls, err := poll.Until(ctx, poller, func(ctx context.Context) (statusResponse, bool, error) {
		var st statusResponse
		err := provider.DoJSON(ctx, p.hc, provider.Call{
			Provider: Name, Op: "poll", Method: http.MethodGet, URL: statusURL,
			Header: provider.Bearer(p.cfg.APIKey),
		}, &st)
		var pe *provider.Error
		if errors.As(err, &pe) && (pe.StatusCode == 0 || pe.Retryable()) {
			return st, false, poll.Retry(err)
		}
		if err != nil {
			return st, false, err
		}

		switch st.Status {
		case "done":
			if st.Video == nil || st.Video.URL == "" {
				return st, false, &provider.Error{Provider: Name, Op: "poll", Message: "No video URL in response"}
			}
			return st, true, nil
		case "failed", "expired":
			msg := st.Error
			if msg == "" {
				msg = "generation " + st.Status
			}
			return st, false, &provider.Error{Provider: Name, Op: "poll", Message: "xAI video " + msg}
		default:
			return st, false, nil
		}
	})
	if err != nil {
		return nil, err
	}

	req.Report(provider.StepDownloading, "downloading video")
	video, err := provider.Download(ctx, p.hc, Name, final.Video.URL, nil)
	if err != nil {
		return nil, err
	}

	model := final.Model
	if model == "" {
		model = Model
	}
	return &provider.Result{
		Video:     video,
		TaskID:    sub.RequestID,
		SourceURL: final.Video.URL,
		Model:     model,
		Polls:     polls,
	}, nil
}
