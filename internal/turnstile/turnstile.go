// Package turnstile verifies Cloudflare Turnstile bot-check tokens.
package turnstile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

const (
	// DefaultVerifyURL is Cloudflare's siteverify endpoint.
	DefaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

	// TestSecretKey always passes verification. TestSiteKey is its widget
	// counterpart.
	TestSecretKey = "1x0000000000000000000000000000000AA"
	TestSiteKey   = "1x00000000000000000000AA"

	codeTimeoutOrDuplicate = "timeout-or-duplicate"
)

// Error is a failed verification. Message is safe to show to users.
type Error struct {
	Message    string
	ErrorCodes []string
	Err        error
}

func (e *Error) Error() string {
	if len(e.ErrorCodes) > 0 {
		return fmt.Sprintf("%s (%s)", e.Message, strings.Join(e.ErrorCodes, ", "))
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotConfigured is returned when no secret key is set.
var ErrNotConfigured = errors.New("turnstile secret key is not configured")

// Config configures the verifier.
type Config struct {
	SecretKey  string
	VerifyURL  string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Verifier checks tokens against siteverify.
type Verifier struct {
	cfg    Config
	hc     *http.Client
	logger *slog.Logger
}

// New creates a verifier.
func New(cfg Config) *Verifier {
	if cfg.VerifyURL == "" {
		cfg.VerifyURL = DefaultVerifyURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{cfg: cfg, hc: hc, logger: logger.With("component", "turnstile")}
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Hostname   string   `json:"hostname"`
}

// Verify validates token for the client at remoteIP (optional).
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) error {
	if v.cfg.SecretKey == "" {
		return &Error{Message: "Bot verification is not configured.", Err: ErrNotConfigured}
	}
	if strings.TrimSpace(token) == "" {
		return &Error{Message: "Missing bot verification token."}
	}

	form := url.Values{
		"secret":   {v.cfg.SecretKey},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.VerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.hc.Do(req)
	if err != nil {
		return &Error{Message: "Bot verification request failed.", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &Error{Message: "Bot verification request failed.", Err: fmt.Errorf("siteverify status %d: %s", resp.StatusCode, body)}
	}

	var out siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &Error{Message: "Bot verification request failed.", Err: fmt.Errorf("decode siteverify: %w", err)}
	}
	if out.Success {
		return nil
	}

	v.logger.Info("token rejected", "error_codes", out.ErrorCodes, "remote_ip", remoteIP)
	if slices.Contains(out.ErrorCodes, codeTimeoutOrDuplicate) {
		return &Error{Message: "Bot verification expired. Please try again.", ErrorCodes: out.ErrorCodes}
	}
	return &Error{Message: "Bot verification failed. Please try again.", ErrorCodes: out.ErrorCodes}
}
