// testserver starts a SmileLoop API server with stub providers for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/smileloop/smileloop/internal/access"
	"github.com/smileloop/smileloop/internal/api"
	"github.com/smileloop/smileloop/internal/audit"
	"github.com/smileloop/smileloop/internal/engine"
	"github.com/smileloop/smileloop/internal/provider"
	"github.com/smileloop/smileloop/internal/ratelimit"
	"github.com/smileloop/smileloop/internal/storage"
	"github.com/smileloop/smileloop/internal/store"
	"github.com/smileloop/smileloop/internal/watermark"
)

// WebhookSecret signs payment webhooks unless SMILELOOP_WEBHOOK_SECRET is set.
const WebhookSecret = "whsec_testserver"

// stubProvider is a configurable mock provider for E2E tests.
type stubProvider struct {
	name  string
	delay time.Duration
	video []byte
	steps []string
}

func (s *stubProvider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	req.Report(provider.StepSubmitting, "Submitting to "+s.name)
	for _, step := range s.steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay / time.Duration(len(s.steps))):
		}
		req.Report(provider.StepGenerating, step)
	}
	req.Report(provider.StepDownloading, "Downloading video")
	return &provider.Result{Video: s.video, TaskID: "task-" + req.JobID, Model: s.name}, nil
}

func (s *stubProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Name:        s.name,
		Description: "stub provider for tests",
		Async:       true,
	}
}

func (s *stubProvider) Cleanup(context.Context, string) error { return nil }

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	addr := env("SMILELOOP_LISTEN_ADDR", ":8080")
	secret := env("SMILELOOP_WEBHOOK_SECRET", WebhookSecret)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dataDir, err := os.MkdirTemp("", "smileloop-testserver-*")
	if err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}
	defer os.RemoveAll(dataDir)

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	local, err := storage.NewLocalStore(dataDir)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	files := storage.NewManager(local, nil, logger)

	auditLog, err := audit.New(filepath.Join(dataDir, "logs"))
	if err != nil {
		log.Fatalf("failed to open audit log: %v", err)
	}
	defer auditLog.Close()

	reg := provider.NewRegistry()
	reg.Register("kie", &stubProvider{
		name:  "kie",
		delay: 500 * time.Millisecond,
		video: []byte("stub video from kie"),
		steps: []string{"Polling task (1)", "Polling task (2)", "Task succeeded"},
	})
	reg.Register("xai", &stubProvider{
		name:  "xai",
		delay: 500 * time.Millisecond,
		video: []byte("stub video from xai"),
		steps: []string{"Polling request", "Request done"},
	})

	eng := engine.New(engine.Config{JobTimeout: 30 * time.Second}, engine.Deps{
		Store:    db,
		Registry: reg,
		Files:    files,
		// A missing binary makes previews plain copies of the video.
		Watermarker: watermark.New(watermark.Config{FFmpeg: env("FFMPEG_PATH", "ffmpeg-disabled"), Logger: logger}),
		Audit:       auditLog,
		Logger:      logger,
	})
	gate := access.NewGate(db, access.Config{WebhookSecret: secret, Logger: logger})

	srv := api.NewServer(api.Config{Addr: addr}, api.Deps{
		Store:   db,
		Engine:  eng,
		Gate:    gate,
		Limiter: ratelimit.New(db),
		Files:   files,
		Audit:   auditLog,
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("testserver: starting", "addr", addr, "data_dir", dataDir)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
