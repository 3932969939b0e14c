package provider

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/smileloop/smileloop/internal/provider/poll"
)

// ErrEmptyVideo is returned when a provider reports success without video data.
var ErrEmptyVideo = errors.New("provider returned an empty video")

// ErrNotConfigured is returned by providers missing credentials or endpoints.
var ErrNotConfigured = errors.New("provider not configured")

// Error is a failure reported by, or while talking to, a provider.
type Error struct {
	Provider   string
	Op         string
	StatusCode int
	// Message is the provider's own explanation, safe to show to users.
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Provider + " " + e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": HTTP %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed.
func (e *Error) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// UserMessage renders err as a short message suitable for API clients.
func UserMessage(err error) string {
	var pe *Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, poll.ErrTimeout):
		return "Timed out waiting for the video"
	case errors.Is(err, ErrEmptyVideo):
		return "Empty video returned"
	case errors.Is(err, ErrNotConfigured):
		return "Video provider is not configured"
	case errors.As(err, &pe) && pe.Message != "":
		return pe.Message
	case errors.As(err, &pe):
		return "Video provider error"
	default:
		return "Video generation failed"
	}
}
