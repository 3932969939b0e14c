// Package storage keeps uploaded images and rendered videos, either on local
// disk or in an S3 bucket, and records where each artifact lives as a Ref.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned when an artifact does not exist in its backend.
var ErrNotFound = errors.New("storage: object not found")

// Backend names used in refs.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Store is a flat key/value blob store.
type Store interface {
	Name() string
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Ref identifies an artifact as "<backend>:<key>".
type Ref struct {
	Backend string
	Key     string
}

func (r Ref) String() string {
	if r.Key == "" {
		return ""
	}
	return r.Backend + ":" + r.Key
}

// IsZero reports whether the ref points nowhere.
func (r Ref) IsZero() bool { return r.Key == "" }

// ParseRef parses a ref string. Empty input yields the zero Ref.
func ParseRef(s string) (Ref, error) {
	if s == "" {
		return Ref{}, nil
	}
	backend, key, ok := strings.Cut(s, ":")
	if !ok || key == "" {
		return Ref{}, fmt.Errorf("storage: malformed ref %q", s)
	}
	switch backend {
	case BackendLocal, BackendS3:
	default:
		return Ref{}, fmt.Errorf("storage: unknown backend %q", backend)
	}
	return Ref{Backend: backend, Key: key}, nil
}

// UploadKey is where the original image of a job is kept.
func UploadKey(jobID, ext string) string {
	return fmt.Sprintf("uploads/%s/original.%s", jobID, strings.TrimPrefix(ext, "."))
}

// FullKey is the clean video of a job.
func FullKey(jobID string) string { return fmt.Sprintf("videos/%s/full.mp4", jobID) }

// PreviewKey is the watermarked video of a job.
func PreviewKey(jobID string) string { return fmt.Sprintf("videos/%s/preview.mp4", jobID) }
