package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/smileloop/smileloop/internal/audit"
	"github.com/smileloop/smileloop/internal/config"
	"github.com/smileloop/smileloop/internal/preset"
	"github.com/smileloop/smileloop/internal/provider"
	"github.com/smileloop/smileloop/internal/provider/kie"
	"github.com/smileloop/smileloop/internal/provider/local"
	"github.com/smileloop/smileloop/internal/provider/modal"
	"github.com/smileloop/smileloop/internal/provider/runpod"
	"github.com/smileloop/smileloop/internal/provider/veo"
	"github.com/smileloop/smileloop/internal/provider/xai"
	"github.com/smileloop/smileloop/internal/storage"
	"github.com/smileloop/smileloop/internal/store"
	"github.com/smileloop/smileloop/internal/watermark"
)

// ErrNoProviders is returned when no provider has credentials configured.
var ErrNoProviders = errors.New("no video providers configured")

// app holds the long-lived components shared by the subcommands.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   store.Store
	files   *storage.Manager
	audit   *audit.Logger
	presets *preset.Catalog
	wm      *watermark.Watermarker
}

// bootstrap loads the configuration and opens the app. Logs go to stderr so
// commands can print results on stdout.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	return newApp(ctx, cfg, logger)
}

// newApp opens the database, storage and audit log.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: db}

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	localStore, err := storage.NewLocalStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open data dir: %w", err)
	}
	var remote storage.Store
	if cfg.S3Bucket != "" {
		s3, err := storage.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return fmt.Errorf("open s3 bucket: %w", err)
		}
		remote = s3
		a.logger.Info("s3 offload enabled", "bucket", cfg.S3Bucket, "region", cfg.S3Region)
	}
	a.files = storage.NewManager(localStore, remote, a.logger)

	if a.audit, err = audit.New(cfg.LogsDir()); err != nil {
		return err
	}
	if a.presets, err = preset.Discover(cfg.PresetsDir); err != nil {
		return err
	}

	a.wm = watermark.New(watermark.Config{FFmpeg: cfg.FFmpeg, Logger: a.logger})
	if !a.wm.Available() {
		a.logger.Warn("ffmpeg not found, previews will not be watermarked", "ffmpeg", cfg.FFmpeg)
	}
	return nil
}

// Close releases the database and audit log.
func (a *app) Close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("close audit log", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close database", "error", err)
	}
}

// buildRegistry registers every provider whose credentials are present and
// applies the configured default and fallback order.
func buildRegistry(cfg config.Config, logger *slog.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	if cfg.KIEAPIKey != "" {
		reg.Register(kie.Name, kie.New(kie.Config{APIKey: cfg.KIEAPIKey, Logger: logger}))
	}
	if cfg.XAIAPIKey != "" {
		reg.Register(xai.Name, xai.New(xai.Config{APIKey: cfg.XAIAPIKey, Logger: logger}))
	}
	if cfg.RunPodAPIKey != "" && cfg.RunPodEndpointID != "" {
		reg.Register(runpod.Name, runpod.New(runpod.Config{
			APIKey:     cfg.RunPodAPIKey,
			EndpointID: cfg.RunPodEndpointID,
			Logger:     logger,
		}))
	}
	if cfg.ModalEndpointURL != "" {
		reg.Register(modal.Name, modal.New(modal.Config{
			EndpointURL:     cfg.ModalEndpointURL,
			TokenID:         cfg.ModalTokenID,
			TokenSecret:     cfg.ModalTokenSecret,
			DefaultPipeline: cfg.ModalPipeline,
			Logger:          logger,
		}))
	}
	if cfg.GeminiAPIKey != "" {
		reg.Register(veo.Name, veo.New(veo.Config{APIKey: cfg.GeminiAPIKey, Logger: logger}))
	}
	if cfg.LivePortraitDir != "" {
		reg.Register(local.Name, local.New(local.Config{
			Dir:     cfg.LivePortraitDir,
			Python:  cfg.LivePortraitPython,
			WorkDir: filepath.Join(cfg.DataDir, "work"),
			Logger:  logger,
		}))
	}

	infos := reg.List()
	if len(infos) == 0 {
		return nil, ErrNoProviders
	}

	if reg.Has(cfg.Provider) {
		if err := reg.SetDefault(cfg.Provider); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("configured provider is not available, using another",
			"provider", cfg.Provider, "default", reg.Default())
	}

	var fallbacks []string
	for _, name := range cfg.Fallbacks {
		if !reg.Has(name) {
			logger.Warn("skipping unconfigured fallback provider", "provider", name)
			continue
		}
		fallbacks = append(fallbacks, name)
	}
	reg.SetFallbacks(fallbacks...)

	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	logger.Info("providers registered", "providers", names, "default", reg.Default(), "fallbacks", fallbacks)
	return reg, nil
}
