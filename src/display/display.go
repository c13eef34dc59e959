package display

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// FileDisplay keeps the most recent frame at a fixed path. Each frame is
// written to a temporary file in the same directory and renamed over the
// target, so readers never see a partial image.
type FileDisplay struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	frames atomic.Uint64
	errors atomic.Uint64
}

// NewFileDisplay returns a display writing to path.
func NewFileDisplay(path string, logger zerolog.Logger) *FileDisplay {
	return &FileDisplay{
		path:   path,
		logger: logger.With().Str("component", "display").Logger(),
	}
}

// Display replaces the file with payload. Failures are logged and counted.
func (d *FileDisplay) Display(payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.write(payload); err != nil {
		d.errors.Add(1)
		d.logger.Warn().Err(err).Str("path", d.path).Msg("failed to write frame")
		return
	}
	d.frames.Add(1)
}

func (d *FileDisplay) write(payload []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(d.path), "."+filepath.Base(d.path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, d.path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// Path returns the output path.
func (d *FileDisplay) Path() string { return d.path }

// Frames returns how many frames were written.
func (d *FileDisplay) Frames() uint64 { return d.frames.Load() }

// Errors returns how many frames failed to write.
func (d *FileDisplay) Errors() uint64 { return d.errors.Load() }
