package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// maxStderrBytes is the tail of stderr kept for diagnostics.
const maxStderrBytes = 8 * 1024

// Command describes a subprocess invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// RunResult holds the outcome of a subprocess.
type RunResult struct {
	ExitCode   int
	StderrTail string
	Duration   time.Duration
}

// Run executes cmd, keeping the last few KB of stderr. A non-zero exit or a
// start failure is reported as an error that includes the stderr tail.
func Run(ctx context.Context, logger *slog.Logger, cmd Command) (RunResult, error) {
	start := time.Now()

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	tail := &tailWriter{limit: maxStderrBytes}
	c.Stderr = tail

	logger.Debug("executing command", "path", cmd.Path, "args", cmd.Args)
	err := c.Run()

	res := RunResult{Duration: time.Since(start), StderrTail: tail.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		logger.Warn("command failed",
			"path", filepath.Base(cmd.Path),
			"exit_code", res.ExitCode,
			"duration_ms", res.Duration.Milliseconds(),
			"stderr_tail", truncate(res.StderrTail, 512),
		)
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s: %w", filepath.Base(cmd.Path), ctx.Err())
		}
		return res, fmt.Errorf("%s exited %d: %s", filepath.Base(cmd.Path), res.ExitCode, truncate(res.StderrTail, 512))
	}

	logger.Debug("command succeeded", "path", filepath.Base(cmd.Path), "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// tailWriter keeps only the last limit bytes written to it.
type tailWriter struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}

// FindResultMP4 returns the produced video in dir, preferring files that are
// not side-by-side "_concat" renders. It returns "" when there is none.
func FindResultMP4(dir string) string {
	matches, err := filepath.Glob(filepath.Join(dir, "*.mp4"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	for _, m := range matches {
		if !strings.Contains(strings.TrimSuffix(filepath.Base(m), ".mp4"), "_concat") {
			return m
		}
	}
	return matches[0]
}
