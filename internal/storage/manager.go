package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Object is a local artifact to be offloaded.
type Object struct {
	Key         string
	ContentType string
}

// Location tells the HTTP layer how to serve an artifact: from a local file
// or by redirecting to a URL.
type Location struct {
	Path string
	URL  string
}

// Manager writes artifacts locally and optionally offloads them to a remote
// store. Remote is nil when no bucket is configured.
type Manager struct {
	Local  *LocalStore
	Remote Store
	logger *slog.Logger
}

// NewManager wires a local store and an optional remote one.
func NewManager(local *LocalStore, remote Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Local: local, Remote: remote, logger: logger}
}

// RemoteEnabled reports whether artifacts are offloaded.
func (m *Manager) RemoteEnabled() bool { return m.Remote != nil }

// SaveLocal writes data under key on local disk.
func (m *Manager) SaveLocal(ctx context.Context, key string, data []byte) (Ref, error) {
	if err := m.Local.Put(ctx, key, bytes.NewReader(data), ""); err != nil {
		return Ref{}, err
	}
	return Ref{Backend: BackendLocal, Key: key}, nil
}

// LocalPath returns the file path for a key on local disk.
func (m *Manager) LocalPath(key string) (string, error) { return m.Local.Path(key) }

// Offload uploads objs to the remote store concurrently. Local copies are
// removed only once every upload has succeeded. On any failure the returned
// refs still point at the local files, alongside the error.
func (m *Manager) Offload(ctx context.Context, objs ...Object) ([]Ref, error) {
	refs := make([]Ref, len(objs))
	for i, o := range objs {
		refs[i] = Ref{Backend: BackendLocal, Key: o.Key}
	}
	if m.Remote == nil || len(objs) == 0 {
		return refs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, o := range objs {
		g.Go(func() error {
			f, err := m.Local.Open(gctx, o.Key)
			if err != nil {
				return err
			}
			defer f.Close()
			return m.Remote.Put(gctx, o.Key, f, o.ContentType)
		})
	}
	if err := g.Wait(); err != nil {
		return refs, fmt.Errorf("offload to %s: %w", m.Remote.Name(), err)
	}

	remote := make([]Ref, len(objs))
	for i, o := range objs {
		remote[i] = Ref{Backend: m.Remote.Name(), Key: o.Key}
		if err := m.Local.Delete(ctx, o.Key); err != nil {
			m.logger.Warn("remove local copy after offload", "key", o.Key, "error", err)
		}
	}
	return remote, nil
}

func (m *Manager) backend(ref Ref) (Store, error) {
	switch {
	case ref.Backend == BackendLocal:
		return m.Local, nil
	case m.Remote != nil && ref.Backend == m.Remote.Name():
		return m.Remote, nil
	default:
		return nil, fmt.Errorf("storage: backend %q not configured", ref.Backend)
	}
}

// Delete removes the artifact behind ref. Zero refs are ignored.
func (m *Manager) Delete(ctx context.Context, ref Ref) error {
	if ref.IsZero() {
		return nil
	}
	s, err := m.backend(ref)
	if err != nil {
		return err
	}
	return s.Delete(ctx, ref.Key)
}

// Locate resolves ref to something the HTTP layer can serve. Local files
// that no longer exist yield ErrNotFound.
func (m *Manager) Locate(ctx context.Context, ref Ref, filename string) (Location, error) {
	if ref.IsZero() {
		return Location{}, ErrNotFound
	}
	if ref.Backend == BackendLocal {
		path, err := m.Local.Path(ref.Key)
		if err != nil {
			return Location{}, err
		}
		if !fileExists(path) {
			return Location{}, fmt.Errorf("%w: %s", ErrNotFound, ref.Key)
		}
		return Location{Path: path}, nil
	}

	s, err := m.backend(ref)
	if err != nil {
		return Location{}, err
	}
	p, ok := s.(interface {
		PresignGet(ctx context.Context, key, filename string, ttl time.Duration) (string, error)
	})
	if !ok {
		return Location{}, errors.New("storage: backend cannot presign")
	}
	url, err := p.PresignGet(ctx, ref.Key, filename, DefaultPresignTTL)
	if err != nil {
		return Location{}, err
	}
	return Location{URL: url}, nil
}
