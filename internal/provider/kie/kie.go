// Package kie implements the KIE proxy API for Grok image-to-video. KIE only
// accepts image URLs, so the source image is first published to a temporary
// file host.
package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smileloop/smileloop/internal/provider"
	"github.com/smileloop/smileloop/internal/provider/poll"
)

const (
	// Name is the registry name of this provider.
	Name = "kie"

	DefaultBaseURL   = "https://api.kie.ai/api/v1"
	DefaultUploadURL = "https://tmpfiles.org/api/v1/upload"
	Model            = "grok-imagine/image-to-video"

	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 300 * time.Second

	stateSuccess = "success"
	stateFail    = "fail"
)

// Config configures the KIE client.
type Config struct {
	APIKey       string
	BaseURL      string
	UploadURL    string
	PollInterval time.Duration
	PollTimeout  time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Provider generates videos through KIE.
type Provider struct {
	cfg    Config
	hc     *http.Client
	logger *slog.Logger
}

// Compile-time interface satisfaction check.
var _ provider.Provider = (*Provider)(nil)

// New creates a KIE provider, filling unset config fields with defaults.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = DefaultUploadURL
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

// Capabilities reports what KIE supports.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Name:         Name,
		Description:  "Grok image-to-video through the KIE proxy API",
		Async:        true,
		MaxDurationS: 10,
		Resolutions:  []string{"480p", "720p"},
	}
}

// Cleanup is a no-op; KIE keeps no local state.
func (p *Provider) Cleanup(_ context.Context, _ string) error { return nil }

// NormalizeDuration maps any requested length onto the 6 or 10 seconds KIE accepts.
func NormalizeDuration(d int) int {
	if d == 6 || d == 10 {
		return d
	}
	if d <= 8 {
		return 6
	}
	return 10
}

func validate(req provider.Request) error {
	switch {
	case strings.TrimSpace(req.Prompt) == "":
		return errors.New("prompt cannot be empty")
	case req.Resolution != "480p" && req.Resolution != "720p":
		return fmt.Errorf("resolution must be 480p or 720p, got %q", req.Resolution)
	case req.Mode != "fun" && req.Mode != "normal" && req.Mode != "spicy":
		return fmt.Errorf("mode must be fun, normal or spicy, got %q", req.Mode)
	}
	return nil
}

func (p *Provider) fail(op, msg string, err error) *provider.Error {
	return &provider.Error{Provider: Name, Op: op, Message: msg, Err: err}
}

// Generate uploads the image, creates a KIE task, polls it to completion and
// downloads the result.
func (p *Provider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", Name, provider.ErrNotConfigured)
	}
	req.DurationS = NormalizeDuration(req.DurationS)
	if req.Mode == "" {
		req.Mode = "normal"
	}
	if req.Resolution == "" {
		req.Resolution = "480p"
	}
	if err := validate(req); err != nil {
		return nil, p.fail("validate", err.Error(), nil)
	}

	req.Report(provider.StepSubmitting, fmt.Sprintf("uploading image (%d bytes)", len(req.Image)))
	imageURL, err := p.uploadImage(ctx, req.Image, req.ImageMIME)
	if err != nil {
		return nil, err
	}

	taskID, err := p.createTask(ctx, imageURL, req)
	if err != nil {
		return nil, err
	}
	p.logger.Info("kie task created", "job_id", req.JobID, "task_id", taskID)
	req.Report(provider.StepSubmitting, "task created: "+taskID)

	resultURL, polls, err := p.wait(ctx, taskID, req)
	if err != nil {
		return nil, err
	}

	req.Report(provider.StepDownloading, "downloading video")
	video, err := provider.Download(ctx, p.hc, Name, resultURL, nil)
	if err != nil {
		return nil, err
	}

	return &provider.Result{
		Video:     video,
		TaskID:    taskID,
		SourceURL: resultURL,
		Model:     Model,
		Polls:     polls,
	}, nil
}

type uploadResponse struct {
	Status string `json:"status"`
	Data   struct {
		URL string `json:"url"`
	} `json:"data"`
}

// uploadImage publishes the image on the temporary host and returns its
// direct-download URL.
func (p *Provider) uploadImage(ctx context.Context, image []byte, mime string) (string, error) {
	ext := "jpg"
	if mime == "image/png" {
		ext = "png"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "photo."+ext)
	if err != nil {
		return "", p.fail("upload image", "", err)
	}
	if _, err := fw.Write(image); err != nil {
		return "", p.fail("upload image", "", err)
	}
	if err := mw.Close(); err != nil {
		return "", p.fail("upload image", "", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.UploadURL, &body)
	if err != nil {
		return "", p.fail("upload image", "", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.hc.Do(httpReq)
	if err != nil {
		return "", p.fail("upload image", "Failed to upload image", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &provider.Error{Provider: Name, Op: "upload image", StatusCode: resp.StatusCode, Message: "Failed to upload image"}
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", p.fail("upload image", "", fmt.Errorf("decode upload response: %w", err))
	}
	if out.Data.URL == "" {
		return "", p.fail("upload image", "Failed to upload image", errors.New("no url in upload response"))
	}
	return DirectURL(out.Data.URL), nil
}

// DirectURL rewrites a tmpfiles.org page link into its direct-download form.
func DirectURL(raw string) string {
	if strings.Contains(raw, "tmpfiles.org/dl/") {
		return raw
	}
	return strings.Replace(raw, "tmpfiles.org/", "tmpfiles.org/dl/", 1)
}

type createTaskInput struct {
	ImageURLs  []string `json:"image_urls"`
	Prompt     string   `json:"prompt"`
	Mode       string   `json:"mode"`
	Duration   string   `json:"duration"`
	Resolution string   `json:"resolution"`
}

type createTaskRequest struct {
	Model string          `json:"model"`
	Input createTaskInput `json:"input"`
}

type createTaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

func (p *Provider) createTask(ctx context.Context, imageURL string, req provider.Request) (string, error) {
	var out createTaskResponse
	err := provider.DoJSON(ctx, p.hc, provider.Call{
		Provider: Name,
		Op:       "create task",
		Method:   http.MethodPost,
		URL:      p.cfg.BaseURL + "/jobs/createTask",
		Header:   provider.Bearer(p.cfg.APIKey),
		Body: createTaskRequest{
			Model: Model,
			Input: createTaskInput{
				ImageURLs:  []string{imageURL},
				Prompt:     strings.TrimSpace(req.Prompt),
				Mode:       req.Mode,
				Duration:   strconv.Itoa(req.DurationS),
				Resolution: req.Resolution,
			},
		},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Code != http.StatusOK {
		msg := out.Message
		if msg == "" {
			msg = "unknown"
		}
		return "", p.fail("create task", "KIE createTask error: "+msg, nil)
	}
	if out.Data.TaskID == "" {
		return "", p.fail("create task", "", errors.New("no taskId in response"))
	}
	return out.Data.TaskID, nil
}

type recordInfoResponse struct {
	Code int `json:"code"`
	Data struct {
		TaskID     string `json:"taskId"`
		State      string `json:"state"`
		ResultJSON string `json:"resultJson"`
		FailMsg    string `json:"failMsg"`
	} `json:"data"`
}

type resultPayload struct {
	ResultURLs []string `json:"resultUrls"`
}

// wait polls recordInfo until the task succeeds or fails. Transport errors
// and non-200 responses are retried until the poll timeout.
func (p *Provider) wait(ctx context.Context, taskID string, req provider.Request) (string, int, error) {
	statusURL := p.cfg.BaseURL + "/jobs/recordInfo?taskId=" + url.QueryEscape(taskID)
	poller := poll.Poller{
		Interval: p.cfg.PollInterval,
		Timeout:  p.cfg.PollTimeout,
		Logger:   p.logger,
		OnAttempt: func(n int) {
			provider.CountPoll(Name)
			req.Report(provider.StepGenerating, fmt.Sprintf("poll %d", n))
		},
	}

	return poll.Until(ctx, poller, func(ctx context.Context) (string, bool, error) {
		var out recordInfoResponse
		err := provider.DoJSON(ctx, p.hc, provider.Call{
			Provider: Name,
			Op:       "poll task",
			Method:   http.MethodGet,
			URL:      statusURL,
			Header:   provider.Bearer(p.cfg.APIKey),
		}, &out)
		if err != nil {
			return "", false, poll.Retry(err)
		}

		switch out.Data.State {
		case stateSuccess:
			var result resultPayload
			if err := json.Unmarshal([]byte(out.Data.ResultJSON), &result); err != nil {
				return "", false, p.fail("poll task", "", fmt.Errorf("invalid resultJson: %w", err))
			}
			if len(result.ResultURLs) == 0 {
				return "", false, p.fail("poll task", "", errors.New("no resultUrls in response"))
			}
			return result.ResultURLs[0], true, nil
		case stateFail:
			msg := out.Data.FailMsg
			if msg == "" {
				msg = "Unknown error"
			}
			return "", false, p.fail("poll task", "KIE task failed: "+msg, nil)
		default:
			return "", false, nil
		}
	})
}
