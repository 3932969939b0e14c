package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// maxErrorBody caps how much of an error response is kept for messages.
	maxErrorBody = 4 << 10
	// MaxVideoBytes caps downloaded videos.
	MaxVideoBytes = 200 << 20
)

// NewHTTPClient returns the client shared by provider implementations.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Call describes one JSON request to a provider API.
type Call struct {
	Provider string
	Op       string
	Method   string
	URL      string
	Header   http.Header
	Body     any
}

// DoJSON sends c with a JSON body (when set) and decodes a 2xx JSON response
// into out. Non-2xx responses become *Error carrying the status code and a
// bounded slice of the body.
func DoJSON(ctx context.Context, hc *http.Client, c Call, out any) error {
	var body io.Reader
	if c.Body != nil {
		b, err := json.Marshal(c.Body)
		if err != nil {
			return &Error{Provider: c.Provider, Op: c.Op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return &Error{Provider: c.Provider, Op: c.Op, Err: fmt.Errorf("create request: %w", err)}
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := hc.Do(req)
	if err != nil {
		return &Error{Provider: c.Provider, Op: c.Op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(c.Provider, c.Op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(out); err != nil {
		return &Error{Provider: c.Provider, Op: c.Op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Download fetches a generated video.
func Download(ctx context.Context, hc *http.Client, providerName, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Provider: providerName, Op: "download", Err: fmt.Errorf("create request: %w", err)}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &Error{Provider: providerName, Op: "download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(providerName, "download", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxVideoBytes+1))
	if err != nil {
		return nil, &Error{Provider: providerName, Op: "download", Err: err}
	}
	if len(data) > MaxVideoBytes {
		return nil, &Error{Provider: providerName, Op: "download", Message: "video exceeds size limit"}
	}
	if len(data) == 0 {
		return nil, ErrEmptyVideo
	}
	return data, nil
}

func statusError(providerName, op string, resp *http.Response) *Error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{
		Provider:   providerName,
		Op:         op,
		StatusCode: resp.StatusCode,
		Err:        errors.New(strings.TrimSpace(string(b))),
	}
}

// Bearer returns an Authorization header for token.
func Bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
