package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/smileloop/smileloop/internal/media"
	"github.com/smileloop/smileloop/internal/model"
	"github.com/smileloop/smileloop/internal/provider"
)

var genFlags struct {
	image    string
	out      string
	provider string
	preset   string
	prompt   string
	preview  bool
	timeout  time.Duration
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a single video from a photo without the HTTP API",
	Example: `  smileloop generate --image face.jpg --out face.mp4
  smileloop generate --image face.png --provider local --preset smile --preview`,
	RunE: runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.StringVar(&genFlags.image, "image", "", "path to a JPEG or PNG portrait (required)")
	f.StringVar(&genFlags.out, "out", "", "output MP4 path (default: <image>.mp4)")
	f.StringVar(&genFlags.provider, "provider", "", "provider name (default: configured provider)")
	f.StringVar(&genFlags.preset, "preset", "", "driving preset for providers that need one")
	f.StringVar(&genFlags.prompt, "prompt", "", "animation prompt (default: configured prompt)")
	f.BoolVar(&genFlags.preview, "preview", false, "watermark the output like a preview")
	f.DurationVar(&genFlags.timeout, "timeout", 0, "generation timeout (default: JOB_TIMEOUT)")
	_ = generateCmd.MarkFlagRequired("image")
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	image, err := os.ReadFile(genFlags.image)
	if err != nil {
		return err
	}
	img, err := media.SniffImage(image)
	if err != nil {
		return fmt.Errorf("%s: %w", genFlags.image, err)
	}

	reg, err := buildRegistry(a.cfg, a.logger)
	if err != nil {
		return err
	}
	named, err := reg.Resolve(genFlags.provider)
	if err != nil {
		return err
	}

	var presetPath string
	name := genFlags.preset
	if named.Provider.Capabilities().RequiresPreset && name == "" {
		name = a.presets.Default()
	}
	if name != "" {
		if presetPath, err = a.presets.Path(name); err != nil {
			return err
		}
	}

	prompt := genFlags.prompt
	if prompt == "" {
		prompt = a.cfg.Prompt
	}
	timeout := genFlags.timeout
	if timeout <= 0 {
		timeout = a.cfg.JobTimeout
	}

	out := genFlags.out
	if out == "" {
		out = genFlags.image + ".mp4"
	}

	req := provider.Request{
		JobID:      model.NewID(),
		Image:      image,
		ImageMIME:  img.MIME,
		Prompt:     prompt,
		Preset:     name,
		PresetPath: presetPath,
		DurationS:  a.cfg.DurationS,
		Resolution: a.cfg.Resolution,
		Mode:       a.cfg.Mode,
		Progress: func(step, message string) {
			fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", step, message)
		},
	}

	start := time.Now()
	genCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := named.Provider.Generate(genCtx, req)
	if err != nil {
		return fmt.Errorf("%s: %w", named.Name, err)
	}
	defer func() {
		if err := named.Provider.Cleanup(context.Background(), req.JobID); err != nil {
			a.logger.Warn("provider cleanup failed", "provider", named.Name, "error", err)
		}
	}()

	if err := writeVideo(ctx, a, res.Video, out, genFlags.preview); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, %d bytes, %s)\n",
		out, named.Name, len(res.Video), time.Since(start).Round(time.Millisecond))
	return nil
}

// writeVideo writes the raw video to out, passing it through the watermark
// when preview is set.
func writeVideo(ctx context.Context, a *app, video []byte, out string, preview bool) error {
	if !preview {
		return os.WriteFile(out, video, 0o644)
	}

	raw, err := os.CreateTemp(filepath.Dir(out), ".raw-*.mp4")
	if err != nil {
		return err
	}
	defer os.Remove(raw.Name())
	if _, err := raw.Write(video); err != nil {
		raw.Close()
		return err
	}
	if err := raw.Close(); err != nil {
		return err
	}

	marked, err := a.wm.Apply(ctx, raw.Name(), out)
	if err != nil {
		return fmt.Errorf("watermark: %w", err)
	}
	if !marked {
		a.logger.Warn("preview written without watermark", "out", out)
	}
	return nil
}
