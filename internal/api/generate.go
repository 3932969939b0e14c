package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/smileloop/smileloop/internal/audit"
	"github.com/smileloop/smileloop/internal/engine"
	"github.com/smileloop/smileloop/internal/media"
	"github.com/smileloop/smileloop/internal/model"
	"github.com/smileloop/smileloop/internal/preset"
	"github.com/smileloop/smileloop/internal/turnstile"
)

const (
	// multipartOverhead leaves room for the text fields and part headers on
	// top of the photo itself.
	multipartOverhead = 1 << 20
	multipartMemory   = 8 << 20
	maxUserAgentLen   = 500
	maxPromptLen      = 2000
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// generateResponse is the JSON response for POST /api/generate.
type generateResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Preset   string `json:"preset,omitempty"`
}

// handleGenerate accepts a multipart upload and starts a job. Checks run in
// a fixed order: email, bot check, rate limit, then the photo itself.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.reject(w, rejectTooLarge, http.StatusRequestEntityTooLarge, tooLargeMessage(maxBytes))
			return
		}
		s.reject(w, rejectUpload, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	ip := clientIP(r)
	email := strings.ToLower(strings.TrimSpace(r.FormValue("email")))
	if email == "" {
		s.reject(w, rejectEmail, http.StatusUnprocessableEntity, "Email is required.")
		return
	}
	if !emailPattern.MatchString(email) {
		s.reject(w, rejectEmail, http.StatusUnprocessableEntity, "Please enter a valid email address.")
		return
	}

	if s.bot != nil {
		if err := s.bot.Verify(r.Context(), r.FormValue("cf_turnstile_token"), ip); err != nil {
			msg := "Bot verification failed. Please try again."
			var te *turnstile.Error
			if errors.As(err, &te) {
				msg = te.Message
			}
			s.logger.Info("bot check failed", "client_ip", ip, "error", err)
			s.audit.LogRequest(audit.Request{
				Event: "turnstile_failed", Method: r.Method, Path: r.URL.Path,
				StatusCode: http.StatusForbidden, ClientIP: ip, Error: err.Error(),
			})
			s.reject(w, rejectBotCheck, http.StatusForbidden, msg)
			return
		}
	}

	decision, slot, err := s.limiter.Reserve(r.Context(), ip, email)
	if err != nil {
		s.logger.Error("rate limit check", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to check rate limits")
		return
	}
	if !decision.Allowed {
		s.audit.LogRequest(audit.Request{
			Event: "rate_limited", Method: r.Method, Path: r.URL.Path,
			StatusCode: http.StatusTooManyRequests, ClientIP: ip, Email: email, Error: decision.Message,
		})
		s.reject(w, rejectRateLimit, http.StatusTooManyRequests, decision.Message)
		return
	}
	// Only accepted requests count against the limits.
	accepted := false
	defer func() {
		if accepted {
			return
		}
		if err := slot.Release(context.WithoutCancel(r.Context())); err != nil {
			s.logger.Error("release rate limit slot", "client_ip", ip, "error", err)
		}
	}()

	image, status, msg := readUpload(r, maxBytes)
	if status != 0 {
		reason := rejectUpload
		switch status {
		case http.StatusRequestEntityTooLarge:
			reason = rejectTooLarge
		case http.StatusUnsupportedMediaType:
			reason = rejectMediaType
		}
		s.reject(w, reason, status, msg)
		return
	}

	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if len(prompt) > maxPromptLen {
		s.reject(w, rejectInvalid, http.StatusUnprocessableEntity, fmt.Sprintf("Prompt is too long. Maximum is %d characters.", maxPromptLen))
		return
	}

	ua := r.UserAgent()
	if len(ua) > maxUserAgentLen {
		ua = ua[:maxUserAgentLen]
	}
	j := &model.Job{
		Email:     email,
		IPAddress: ip,
		UserAgent: ua,
		Provider:  strings.ToLower(strings.TrimSpace(r.FormValue("provider"))),
		Preset:    strings.TrimSpace(r.FormValue("preset")),
		Pipeline:  strings.ToLower(strings.TrimSpace(r.FormValue("pipeline"))),
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.engine.Submit(r.Context(), j, image); err != nil {
		switch {
		case errors.Is(err, media.ErrUnsupportedImage):
			s.reject(w, rejectMediaType, http.StatusUnsupportedMediaType, "Only JPEG and PNG images are accepted.")
		case errors.Is(err, engine.ErrUnknownProvider):
			s.reject(w, rejectInvalid, http.StatusBadRequest, fmt.Sprintf("Unknown provider %q.", j.Provider))
		case errors.Is(err, preset.ErrUnknownPreset):
			s.reject(w, rejectInvalid, http.StatusUnprocessableEntity, fmt.Sprintf("Unknown preset %q. Choose from: %s", j.Preset, strings.Join(s.presetNames(), ", ")))
		case errors.Is(err, engine.ErrPresetRequired):
			s.reject(w, rejectInvalid, http.StatusUnprocessableEntity, "A motion preset is required for this provider.")
		default:
			s.logger.Error("submit job", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to create job")
		}
		return
	}

	accepted = true
	uploadBytes.Observe(float64(len(image)))
	s.audit.LogRequest(audit.Request{
		Event: "generate", JobID: j.ID, Method: r.Method, Path: r.URL.Path,
		StatusCode: http.StatusAccepted, ClientIP: ip, Email: email, Preset: j.Preset,
	})

	s.writeJSON(w, http.StatusAccepted, generateResponse{
		JobID:    j.ID,
		Status:   j.Status,
		Provider: j.Provider,
		Preset:   j.Preset,
	})
}

// readUpload reads the source_image part. A non-zero status means the upload
// was rejected with msg.
func readUpload(r *http.Request, maxBytes int64) (data []byte, status int, msg string) {
	f, _, err := r.FormFile("source_image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, http.StatusBadRequest, "A photo is required."
	}
	if err != nil {
		return nil, http.StatusBadRequest, "invalid upload"
	}
	defer f.Close()

	data, err = io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, http.StatusBadRequest, "failed to read upload"
	}
	if len(data) == 0 {
		return nil, http.StatusBadRequest, "Uploaded file is empty."
	}
	if int64(len(data)) > maxBytes {
		return nil, http.StatusRequestEntityTooLarge, tooLargeMessage(maxBytes)
	}
	if _, err := media.SniffImage(data); err != nil {
		return nil, http.StatusUnsupportedMediaType, "Only JPEG and PNG images are accepted."
	}
	return data, 0, ""
}

func tooLargeMessage(maxBytes int64) string {
	return fmt.Sprintf("Photo is too large. Maximum size is %d MB.", maxBytes>>20)
}

func (s *Server) reject(w http.ResponseWriter, reason string, status int, msg string) {
	generateRejections.WithLabelValues(reason).Inc()
	s.writeError(w, status, msg)
}

// clientIP returns the caller's address. RealIP has already applied any
// forwarding headers to RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
