package pointer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kbinani/screenshot"
	"github.com/rs/zerolog"
)

// DefaultCommand clicks with xdotool on X11 hosts.
const DefaultCommand = "xdotool mousemove {x} {y} click 1"

const commandTimeout = 2 * time.Second

// ErrEmptyCommand is returned for a blank command template.
var ErrEmptyCommand = errors.New("empty click command")

// Runner executes one command.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil && len(out) > 0 {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return err
}

// CommandSimulator clicks by running an external command. The template's
// {x} and {y} placeholders become absolute pixel coordinates.
type CommandSimulator struct {
	args   []string
	width  int
	height int
	run    Runner
	logger zerolog.Logger
}

// NewCommandSimulator parses template for a screen of width x height.
func NewCommandSimulator(template string, width, height int, logger zerolog.Logger) (*CommandSimulator, error) {
	args := strings.Fields(template)
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid screen size %dx%d", width, height)
	}
	return &CommandSimulator{
		args:   args,
		width:  width,
		height: height,
		run:    execRunner,
		logger: logger.With().Str("component", "pointer").Logger(),
	}, nil
}

// ScreenSize returns the pixel size of display n.
func ScreenSize(n int) (int, int, error) {
	if n < 0 || n >= screenshot.NumActiveDisplays() {
		return 0, 0, fmt.Errorf("display %d not active", n)
	}
	b := screenshot.GetDisplayBounds(n)
	return b.Dx(), b.Dy(), nil
}

// Map converts relative coordinates to pixels. Inputs are clamped to [0,1].
func (s *CommandSimulator) Map(relX, relY float64) (int, int) {
	return toPixel(relX, s.width), toPixel(relY, s.height)
}

func toPixel(rel float64, size int) int {
	rel = min(max(rel, 0), 1)
	return int(math.Round(rel * float64(size-1)))
}

// SimulateClick runs the command for the mapped position.
func (s *CommandSimulator) SimulateClick(relX, relY float64) error {
	x, y := s.Map(relX, relY)
	args := s.expand(x, y)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := s.run(ctx, args[0], args[1:]...); err != nil {
		return fmt.Errorf("click at %d,%d: %w", x, y, err)
	}
	s.logger.Debug().Int("x", x).Int("y", y).Msg("click simulated")
	return nil
}

func (s *CommandSimulator) expand(x, y int) []string {
	r := strings.NewReplacer("{x}", strconv.Itoa(x), "{y}", strconv.Itoa(y))
	out := make([]string, len(s.args))
	for i, a := range s.args {
		out[i] = r.Replace(a)
	}
	return out
}

// LogSimulator records clicks in the log without acting on them.
type LogSimulator struct {
	logger zerolog.Logger
}

// NewLogSimulator returns a simulator that only logs.
func NewLogSimulator(logger zerolog.Logger) *LogSimulator {
	return &LogSimulator{logger: logger.With().Str("component", "pointer").Logger()}
}

// SimulateClick logs the click.
func (s *LogSimulator) SimulateClick(relX, relY float64) error {
	s.logger.Info().Float64("x", relX).Float64("y", relY).Msg("click received")
	return nil
}
