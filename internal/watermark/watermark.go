// Package watermark produces the preview rendition of a video by compositing
// a translucent "SmileLoop Preview" caption over its centre.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/smileloop/smileloop/internal/media"
)

const (
	// DefaultText is the caption burned into previews.
	DefaultText = "SmileLoop Preview"

	defaultFFmpeg  = "ffmpeg"
	defaultTimeout = 120 * time.Second
	captionScale   = 2
)

var (
	textColor   = color.NRGBA{R: 255, G: 255, B: 255, A: 89} // white @ 0.35
	shadowColor = color.NRGBA{A: 51}                         // black @ 0.2
)

// Config configures the watermarker.
type Config struct {
	FFmpeg  string
	Text    string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Watermarker runs ffmpeg to overlay the caption.
type Watermarker struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Watermarker with defaults applied.
func New(cfg Config) *Watermarker {
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = defaultFFmpeg
	}
	if cfg.Text == "" {
		cfg.Text = DefaultText
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watermarker{cfg: cfg, logger: logger.With("component", "watermark")}
}

// Available reports whether the ffmpeg binary can be found.
func (w *Watermarker) Available() bool {
	_, err := exec.LookPath(w.cfg.FFmpeg)
	return err == nil
}

// Apply writes the watermarked copy of src to dst. When ffmpeg is not
// installed, src is copied unchanged and watermarked is false.
func (w *Watermarker) Apply(ctx context.Context, src, dst string) (watermarked bool, err error) {
	bin, err := exec.LookPath(w.cfg.FFmpeg)
	if err != nil {
		w.logger.Warn("ffmpeg not found, preview will not be watermarked", "ffmpeg", w.cfg.FFmpeg)
		if err := copyFile(src, dst); err != nil {
			return false, fmt.Errorf("copy preview: %w", err)
		}
		return false, nil
	}

	overlay := filepath.Join(filepath.Dir(dst), ".watermark-"+filepath.Base(dst)+".png")
	if err := WriteOverlay(overlay, w.cfg.Text); err != nil {
		return false, err
	}
	defer os.Remove(overlay)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	_, err = media.Run(ctx, w.logger, media.Command{
		Path: bin,
		Args: []string{
			"-y",
			"-i", src,
			"-i", overlay,
			"-filter_complex", "[0:v][1:v]overlay=(W-w)/2:(H-h)/2",
			"-c:a", "copy",
			"-preset", "fast",
			dst,
		},
	})
	if err != nil {
		return false, fmt.Errorf("watermark: %w", err)
	}
	if fi, err := os.Stat(dst); err != nil || fi.Size() == 0 {
		return false, errors.New("watermark: ffmpeg produced no output")
	}
	return true, nil
}

// RenderOverlay draws text with a one-pixel shadow onto a transparent
// canvas, upscaled so the glyphs read at video resolution.
func RenderOverlay(text string) *image.NRGBA {
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	width := d.MeasureString(text).Ceil() + 1
	height := face.Metrics().Height.Ceil() + 1

	small := image.NewNRGBA(image.Rect(0, 0, width, height))
	baseline := face.Metrics().Ascent.Ceil()

	d.Dst = small
	d.Src = image.NewUniform(shadowColor)
	d.Dot = fixed.P(1, baseline+1)
	d.DrawString(text)

	d.Src = image.NewUniform(textColor)
	d.Dot = fixed.P(0, baseline)
	d.DrawString(text)

	big := image.NewNRGBA(image.Rect(0, 0, width*captionScale, height*captionScale))
	xdraw.NearestNeighbor.Scale(big, big.Bounds(), small, small.Bounds(), xdraw.Src, nil)
	return big
}

// WriteOverlay renders text and saves it as a PNG at path.
func WriteOverlay(path, text string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create overlay: %w", err)
	}
	if err := png.Encode(f, RenderOverlay(text)); err != nil {
		f.Close()
		return fmt.Errorf("encode overlay: %w", err)
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
