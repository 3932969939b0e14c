package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8000"
	defaultDBPath       = "smileloop.db"
	defaultDataDir      = "data"
	defaultJobTimeout   = 10 * time.Minute
	defaultProvider     = "kie"
	defaultDurationS    = 6
	defaultResolution   = "480p"
	defaultMode         = "normal"
	defaultAppURL       = "http://localhost:8000"
	defaultPriceCents   = 499
	defaultJobTTLHours  = 168
	defaultS3Region     = "us-east-1"
	defaultTurnstileKey = "1x00000000000000000000AA"
	defaultTurnstileSec = "1x0000000000000000000000000000000AA"
	defaultFFmpeg       = "ffmpeg"

	// DefaultPrompt is sent to prompt-driven providers when none is configured.
	DefaultPrompt = "this app gently brings photos to life with subtle natural human movement, " +
		"interpret the scene and continue whatever feels natural for the moment, " +
		"warm realistic emotion, respectful expression change, cinematic portrait motion, " +
		"seamless loop, but no spoken words."

	envListenAddr = "SMILELOOP_LISTEN_ADDR"
	envDBPath     = "SMILELOOP_DB_PATH"
	envDataDir    = "SMILELOOP_DATA_DIR"
	envLogLevel   = "SMILELOOP_LOG_LEVEL"
	envJobTimeout = "SMILELOOP_JOB_TIMEOUT"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	// DataDir holds uploads/, videos/ and logs/.
	DataDir    string
	LogLevel   slog.Level
	JobTimeout time.Duration
	AppURL     string

	Provider  string
	Fallbacks []string
	Prompt    string
	DurationS int
	// Resolution is 480p or 720p.
	Resolution string
	Mode       string

	XAIAPIKey          string
	KIEAPIKey          string
	RunPodAPIKey       string
	RunPodEndpointID   string
	ModalEndpointURL   string
	ModalTokenID       string
	ModalTokenSecret   string
	ModalPipeline      string
	GeminiAPIKey       string
	LivePortraitDir    string
	LivePortraitPython string
	PresetsDir         string

	S3Bucket string
	S3Region string

	TurnstileSiteKey   string
	TurnstileSecretKey string

	PaymentWebhookSecret string
	PriceCents           int

	JobTTL time.Duration
	FFmpeg string
}

// LogsDir is where the daily audit trail is written.
func (c Config) LogsDir() string { return filepath.Join(c.DataDir, "logs") }

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric values are reported rather than silently ignored.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:           env(envListenAddr, defaultListenAddr),
		DBPath:               env(envDBPath, defaultDBPath),
		DataDir:              env(envDataDir, defaultDataDir),
		LogLevel:             parseLogLevel(os.Getenv(envLogLevel)),
		AppURL:               strings.TrimRight(env("APP_URL", defaultAppURL), "/"),
		Provider:             strings.ToLower(env("VIDEO_PROVIDER", defaultProvider)),
		Fallbacks:            splitList(os.Getenv("VIDEO_PROVIDER_FALLBACKS")),
		Prompt:               env("DEFAULT_PROMPT", DefaultPrompt),
		Resolution:           env("GROK_VIDEO_RESOLUTION", defaultResolution),
		Mode:                 env("GROK_VIDEO_MODE", defaultMode),
		XAIAPIKey:            os.Getenv("XAI_API_KEY"),
		KIEAPIKey:            os.Getenv("KIE_API_KEY"),
		RunPodAPIKey:         os.Getenv("RUNPOD_API_KEY"),
		RunPodEndpointID:     os.Getenv("RUNPOD_ENDPOINT_ID"),
		ModalEndpointURL:     os.Getenv("MODAL_ENDPOINT_URL"),
		ModalTokenID:         os.Getenv("MODAL_TOKEN_ID"),
		ModalTokenSecret:     os.Getenv("MODAL_TOKEN_SECRET"),
		ModalPipeline:        os.Getenv("MODAL_PIPELINE"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		LivePortraitDir:      os.Getenv("LIVEPORTRAIT_DIR"),
		LivePortraitPython:   os.Getenv("LIVEPORTRAIT_PYTHON"),
		PresetsDir:           env("PRESETS_DIR", "presets"),
		S3Bucket:             os.Getenv("S3_BUCKET_NAME"),
		S3Region:             env("S3_REGION", defaultS3Region),
		TurnstileSiteKey:     env("TURNSTILE_SITE_KEY", defaultTurnstileKey),
		TurnstileSecretKey:   env("TURNSTILE_SECRET_KEY", defaultTurnstileSec),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		FFmpeg:               env("FFMPEG_PATH", defaultFFmpeg),
	}

	var err error
	if cfg.JobTimeout, err = durationEnv(envJobTimeout, defaultJobTimeout); err != nil {
		return Config{}, err
	}
	if cfg.DurationS, err = intEnv("GROK_VIDEO_DURATION", defaultDurationS); err != nil {
		return Config{}, err
	}
	if cfg.PriceCents, err = intEnv("PRICE_CENTS", defaultPriceCents); err != nil {
		return Config{}, err
	}
	ttlHours, err := intEnv("JOB_TTL_HOURS", defaultJobTTLHours)
	if err != nil {
		return Config{}, err
	}
	cfg.JobTTL = time.Duration(ttlHours) * time.Hour

	switch cfg.Resolution {
	case "480p", "720p":
	default:
		return Config{}, fmt.Errorf("GROK_VIDEO_RESOLUTION: want 480p or 720p, got %q", cfg.Resolution)
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %d", key, n)
	}
	return n, nil
}

// durationEnv accepts Go durations ("90s", "10m") or a bare number of seconds.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
