// Package cleanup expires old artifacts and stale rate-limit counters.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/smileloop/smileloop/internal/storage"
	"github.com/smileloop/smileloop/internal/store"
)

const (
	// DefaultTTL is how long artifacts are kept after a job finishes.
	DefaultTTL = 168 * time.Hour
	// DefaultInterval is the time between sweeps.
	DefaultInterval = time.Hour
	// DefaultRateWindow is the longest rate-limit window to keep.
	DefaultRateWindow = 24 * time.Hour
)

// sweptDirs are the local directories scanned for stray files.
var sweptDirs = []string{"uploads", "videos"}

// Config configures the janitor.
type Config struct {
	TTL        time.Duration
	Interval   time.Duration
	RateWindow time.Duration
	Logger     *slog.Logger
	// OnExpire is called with the ID of every job whose artifacts were removed.
	OnExpire func(jobID string)
}

// Report summarises one sweep.
type Report struct {
	Jobs       int `json:"jobs"`
	Files      int `json:"files"`
	RateLimits int `json:"rate_limits"`
}

// Janitor periodically removes expired artifacts.
type Janitor struct {
	cfg    Config
	store  store.Store
	files  *storage.Manager
	logger *slog.Logger
	now    func() time.Time
}

// New creates a janitor.
func New(s store.Store, files *storage.Manager, cfg Config) *Janitor {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{cfg: cfg, store: s, files: files, logger: logger.With("component", "cleanup"), now: time.Now}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep performs one cleanup pass. Individual failures are logged and the
// pass continues; the first error is returned.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var (
		rep      Report
		firstErr error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	now := j.now()
	cutoff := now.Add(-j.cfg.TTL)

	n, err := j.expireJobs(ctx, cutoff)
	rep.Jobs = n
	keep(err)

	n, err = j.removeStrayFiles(cutoff)
	rep.Files = n
	keep(err)

	n, err = j.store.PurgeRateLimits(ctx, now.Add(-j.cfg.RateWindow))
	rep.RateLimits = n
	keep(err)

	if rep != (Report{}) {
		j.logger.Info("cleanup sweep", "jobs", rep.Jobs, "files", rep.Files, "rate_limits", rep.RateLimits)
	}
	return rep, firstErr
}

func (j *Janitor) expireJobs(ctx context.Context, cutoff time.Time) (int, error) {
	jobs, err := j.store.ListFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var (
		n        int
		firstErr error
	)
	for _, job := range jobs {
		failed := false
		for _, raw := range []string{job.InputRef, job.PreviewRef, job.FullRef} {
			ref, err := storage.ParseRef(raw)
			if err == nil {
				err = j.files.Delete(ctx, ref)
			}
			if err != nil {
				j.logger.Warn("delete artifact", "job_id", job.ID, "ref", raw, "error", err)
				failed = true
				if firstErr == nil {
					firstErr = fmt.Errorf("job %s: %w", job.ID, err)
				}
			}
		}
		if failed {
			continue
		}
		if err := j.store.ClearArtifacts(ctx, job.ID); err != nil {
			return n, err
		}
		if j.cfg.OnExpire != nil {
			j.cfg.OnExpire(job.ID)
		}
		n++
	}
	return n, firstErr
}

// removeStrayFiles deletes files under the swept directories not modified
// since cutoff, then prunes directories left empty.
func (j *Janitor) removeStrayFiles(cutoff time.Time) (int, error) {
	root := j.files.Local.Root()
	var n int
	for _, dir := range sweptDirs {
		base := filepath.Join(root, dir)
		var emptyCandidates []string
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				if path != base {
					emptyCandidates = append(emptyCandidates, path)
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(path); err == nil {
					n++
				}
			}
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("walk %s: %w", dir, err)
		}
		// Deepest first; non-empty directories fail to remove and stay.
		for i := len(emptyCandidates) - 1; i >= 0; i-- {
			os.Remove(emptyCandidates[i])
		}
	}
	return n, nil
}
