// Package audit appends a JSON line per provider call and per notable web
// request to a daily log file, logs/api_requests_YYYY-MM-DD.jsonl.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const filePrefix = "api_requests_"

// ProviderCall records one attempt against a video provider.
type ProviderCall struct {
	JobID      string
	Provider   string
	Model      string
	TaskID     string
	Prompt     string
	DurationS  int
	Resolution string
	ImageBytes int
	ImageMIME  string
	Status     string // success, failure, timeout
	VideoBytes int
	Polls      int
	Elapsed    time.Duration
	Error      string
}

// Request records a web-facing action such as an upload or a download.
type Request struct {
	Event      string
	JobID      string
	Method     string
	Path       string
	StatusCode int
	ClientIP   string
	Email      string
	Preset     string
	Error      string
}

// Logger writes audit entries. A nil *Logger discards everything.
type Logger struct {
	w   *dailyWriter
	zl  zerolog.Logger
	now func() time.Time
}

// New creates the log directory and returns a Logger writing into it.
func New(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	l := &Logger{now: time.Now}
	l.w = &dailyWriter{dir: dir, now: func() time.Time { return l.now() }}
	l.zl = zerolog.New(l.w)
	return l, nil
}

// Dir returns the log directory.
func (l *Logger) Dir() string { return l.w.dir }

// LogProvider records a provider attempt.
func (l *Logger) LogProvider(c ProviderCall) {
	if l == nil {
		return
	}
	ev := l.zl.Log().
		Time("timestamp", l.now().UTC()).
		Str("event", "video_generation").
		Str("job_id", c.JobID).
		Str("source", c.Provider).
		Dict("request", zerolog.Dict().
			Str("prompt", c.Prompt).
			Str("model", c.Model).
			Int("duration", c.DurationS).
			Str("resolution", c.Resolution).
			Int("image_size_bytes", c.ImageBytes).
			Str("image_mime", c.ImageMIME)).
		Dict("response", zerolog.Dict().
			Str("status", c.Status).
			Str("task_id", c.TaskID).
			Int("video_size_bytes", c.VideoBytes).
			Int("polls", c.Polls)).
		Dict("timing", zerolog.Dict().
			Float64("elapsed_seconds", roundSeconds(c.Elapsed)))
	if c.Error != "" {
		ev = ev.Dict("error", zerolog.Dict().Str("message", c.Error))
	}
	ev.Send()
}

// LogRequest records a web request.
func (l *Logger) LogRequest(r Request) {
	if l == nil {
		return
	}
	ev := l.zl.Log().
		Time("timestamp", l.now().UTC()).
		Str("event", r.Event).
		Str("job_id", r.JobID).
		Dict("http", zerolog.Dict().
			Str("method", r.Method).
			Str("path", r.Path).
			Int("status_code", r.StatusCode).
			Str("client_ip", r.ClientIP))
	if r.Email != "" {
		ev = ev.Str("email", MaskEmail(r.Email))
	}
	if r.Preset != "" {
		ev = ev.Str("animation", r.Preset)
	}
	if r.Error != "" {
		ev = ev.Str("error", r.Error)
	}
	ev.Send()
}

// Recent returns up to n of today's latest entries, oldest first. Lines that
// fail to parse are skipped.
func (l *Logger) Recent(n int) ([]map[string]any, error) {
	if l == nil || n <= 0 {
		return []map[string]any{}, nil
	}
	f, err := os.Open(l.w.path(l.now()))
	if os.IsNotExist(err) {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	out := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		var entry map[string]any
		if json.Unmarshal([]byte(line), &entry) == nil {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Close closes the current log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.w.Close()
}

// MaskEmail hides the local part of an address: pedram@gmail.com becomes
// p***m@gmail.com.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return local[:1] + "***@" + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + "@" + domain
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Round(10*time.Millisecond).Milliseconds()) / 1000
}

// dailyWriter appends to a file named after the current local date,
// switching files when the date changes.
type dailyWriter struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func (w *dailyWriter) path(t time.Time) string {
	return filepath.Join(w.dir, filePrefix+t.Format("2006-01-02")+".jsonl")
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t := w.now()
	if day := t.Format("2006-01-02"); day != w.day || w.file == nil {
		if w.file != nil {
			w.file.Close()
		}
		f, err := os.OpenFile(w.path(t), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			w.file = nil
			return 0, err
		}
		w.day, w.file = day, f
	}
	return w.file.Write(p)
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
