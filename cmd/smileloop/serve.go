package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smileloop/smileloop/internal/access"
	"github.com/smileloop/smileloop/internal/api"
	"github.com/smileloop/smileloop/internal/cleanup"
	"github.com/smileloop/smileloop/internal/engine"
	"github.com/smileloop/smileloop/internal/ratelimit"
	"github.com/smileloop/smileloop/internal/turnstile"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, job engine and cleanup sweeper",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, logger := a.cfg, a.logger
	logger.Info("smileloop: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"data_dir", cfg.DataDir,
	)

	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		JobTimeout:    cfg.JobTimeout,
		DefaultPrompt: cfg.Prompt,
		DurationS:     cfg.DurationS,
		Resolution:    cfg.Resolution,
		Mode:          cfg.Mode,
	}, engine.Deps{
		Store:       a.store,
		Registry:    reg,
		Presets:     a.presets,
		Files:       a.files,
		Watermarker: a.wm,
		Audit:       a.audit,
		Logger:      logger,
	})

	gate := access.NewGate(a.store, access.Config{
		PriceCents:    cfg.PriceCents,
		WebhookSecret: cfg.PaymentWebhookSecret,
		Logger:        logger,
	})
	if !gate.WebhooksEnabled() {
		logger.Warn("PAYMENT_WEBHOOK_SECRET is not set, full videos cannot be unlocked")
	}

	limiter := ratelimit.New(a.store)
	janitor := cleanup.New(a.store, a.files, cleanup.Config{
		TTL:        cfg.JobTTL,
		RateWindow: limiter.MaxWindow(),
		Logger:     logger,
		OnExpire:   eng.Broker().Forget,
	})

	srv := api.NewServer(api.Config{
		Addr:             cfg.ListenAddr,
		TurnstileSiteKey: cfg.TurnstileSiteKey,
	}, api.Deps{
		Store:   a.store,
		Engine:  eng,
		Gate:    gate,
		Limiter: limiter,
		BotCheck: turnstile.New(turnstile.Config{
			SecretKey: cfg.TurnstileSecretKey,
			Logger:    logger,
		}),
		Presets: a.presets,
		Files:   a.files,
		Audit:   a.audit,
		Logger:  logger,
	})

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		janitor.Run(sweepCtx)
	}()
	defer func() {
		cancelSweep()
		<-sweepDone
	}()

	return srv.Run(ctx)
}
