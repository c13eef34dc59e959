package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"

	"github.com/kbinani/screenshot"
	"golang.org/x/image/draw"

	"github.com/tabmirror/mirror/config"
)

// ErrNoDisplay is returned when the requested display does not exist.
var ErrNoDisplay = errors.New("no active display")

// ScreenCapturer grabs one display, downscales it and encodes it as JPEG.
type ScreenCapturer struct {
	display int
	scale   float64
	quality int
}

// NewScreenCapturer checks that the configured display exists.
func NewScreenCapturer(cfg config.CaptureConfig) (*ScreenCapturer, error) {
	n := screenshot.NumActiveDisplays()
	if cfg.Display < 0 || cfg.Display >= n {
		return nil, fmt.Errorf("%w: display %d of %d", ErrNoDisplay, cfg.Display, n)
	}
	return &ScreenCapturer{
		display: cfg.Display,
		scale:   cfg.Scale,
		quality: cfg.Quality,
	}, nil
}

// Capture takes a screenshot and returns the encoded image.
func (c *ScreenCapturer) Capture() ([]byte, error) {
	img, err := screenshot.CaptureRect(screenshot.GetDisplayBounds(c.display))
	if err != nil {
		return nil, fmt.Errorf("capture display %d: %w", c.display, err)
	}
	return Encode(img, c.scale, c.quality)
}

// Encode scales img by scale (ignored outside (0,1)) and encodes it as
// JPEG at the given quality.
func Encode(img image.Image, scale float64, quality int) ([]byte, error) {
	if scale > 0 && scale < 1 {
		img = Scale(img, scale)
	}
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Scale resizes img by factor using bilinear interpolation. The result is
// at least 1x1.
func Scale(img image.Image, factor float64) *image.RGBA {
	src := img.Bounds()
	w := max(int(float64(src.Dx())*factor), 1)
	h := max(int(float64(src.Dy())*factor), 1)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}

// FileCapturer serves the contents of a file, re-read on every call so the
// file can be replaced while serving.
type FileCapturer struct {
	path string
}

// NewFileCapturer returns a capturer for path. The file must exist.
func NewFileCapturer(path string) (*FileCapturer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &FileCapturer{path: path}, nil
}

// Capture returns the current file contents.
func (c *FileCapturer) Capture() ([]byte, error) {
	return os.ReadFile(c.path)
}
