package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabmirror/mirror/config"
	"github.com/tabmirror/mirror/src/capture"
	"github.com/tabmirror/mirror/src/discovery"
	"github.com/tabmirror/mirror/src/pointer"
	"github.com/tabmirror/mirror/src/receiver"
)

type fakeViewer struct {
	clicks [][2]float64
	state  receiver.State
	frames uint64
	err    error
}

func (f *fakeViewer) SendClick(x, y float64) error {
	if f.err != nil {
		return f.err
	}
	f.clicks = append(f.clicks, [2]float64{x, y})
	return nil
}

func (f *fakeViewer) State() receiver.State  { return f.state }
func (f *fakeViewer) FramesReceived() uint64 { return f.frames }

func TestExecCommandClick(t *testing.T) {
	v := &fakeViewer{}
	var out bytes.Buffer

	assert.False(t, execCommand("click 0.5 0.25", v, &out))
	assert.Equal(t, [][2]float64{{0.5, 0.25}}, v.clicks)
	assert.Empty(t, out.String())

	assert.False(t, execCommand("click 0.5", v, &out))
	assert.Contains(t, out.String(), "usage")

	out.Reset()
	assert.False(t, execCommand("click a b", v, &out))
	assert.Contains(t, out.String(), "numbers")
	assert.Len(t, v.clicks, 1)
}

func TestExecCommandClickError(t *testing.T) {
	v := &fakeViewer{err: receiver.ErrNotConnected}
	var out bytes.Buffer

	assert.False(t, execCommand("click 1 1", v, &out))
	assert.Contains(t, out.String(), "not connected")
}

func TestExecCommandStatusAndQuit(t *testing.T) {
	v := &fakeViewer{state: receiver.Closed, frames: 42}
	var out bytes.Buffer

	assert.False(t, execCommand("status", v, &out))
	assert.Equal(t, "disconnected, 42 frames received\n", out.String())

	assert.False(t, execCommand("   ", v, &out))
	assert.True(t, execCommand("quit", v, &out))
	assert.True(t, execCommand("exit", v, &out))

	out.Reset()
	assert.False(t, execCommand("dance", v, &out))
	assert.Contains(t, out.String(), "unknown command")
}

func TestScannerEditor(t *testing.T) {
	var out bytes.Buffer
	le := newScannerEditor(strings.NewReader("status\nquit\n"), &out)
	defer le.Close()
	assert.False(t, le.IsInteractive())

	line, err := le.GetLine("> ")
	require.NoError(t, err)
	assert.Equal(t, "status", line)

	line, err = le.GetLine("> ")
	require.NoError(t, err)
	assert.Equal(t, "quit", line)

	_, err = le.GetLine("> ")
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "> > > ", out.String())
}

func TestNewLineEditorNonInteractive(t *testing.T) {
	oldStdin := os.Stdin
	reader, writer, err := os.Pipe()
	require.NoError(t, err)
	os.Stdin = reader
	defer func() {
		os.Stdin = oldStdin
		reader.Close()
		writer.Close()
	}()

	editor := NewLineEditor()
	defer editor.Close()
	assert.False(t, editor.IsInteractive())
}

func TestNewCapturer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o644))

	c, err := newCapturer("file:"+path, config.CaptureConfig{})
	require.NoError(t, err)
	assert.IsType(t, &capture.FileCapturer{}, c)

	c, err = newCapturer("none", config.CaptureConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = newCapturer("file:", config.CaptureConfig{})
	assert.Error(t, err)
	_, err = newCapturer("webcam", config.CaptureConfig{})
	assert.Error(t, err)
}

func TestNewSimulatorModes(t *testing.T) {
	assert.Nil(t, newSimulator("none", "", 0, zerolog.Nop()))
	assert.IsType(t, &pointer.LogSimulator{}, newSimulator("log", "", 0, zerolog.Nop()))

	// An empty template can never run, so it falls back to logging.
	assert.IsType(t, &pointer.LogSimulator{}, newSimulator("command", "", 0, zerolog.Nop()))
}

func TestServeFlagsPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\nframe_rate: 10\nweb:\n  addr: \":9100\"\n"), 0o644))
	t.Setenv("TABMIRROR_FPS", "20")

	var f serveFlags
	fs := f.flagSet()
	require.NoError(t, fs.Parse([]string{"--config", path, "--bridge", "relay", "--host", "127.0.0.1"}))

	cfg, err := f.loadConfig(fs)
	require.NoError(t, err)
	f.apply(fs, cfg)

	assert.Equal(t, 9000, cfg.Port, "file beats default")
	assert.Equal(t, 20, cfg.FrameRate, "env beats file")
	assert.Equal(t, ":9100", cfg.Web.Addr)
	assert.Equal(t, config.BridgeRelay, cfg.Bridge.Mode, "flag beats default")
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.NoError(t, cfg.Validate())

	require.NoError(t, fs.Parse([]string{"--fps", "5", "--port", "7000"}))
	cfg2, err := f.loadConfig(fs)
	require.NoError(t, err)
	f.apply(fs, cfg2)
	assert.Equal(t, 5, cfg2.FrameRate, "flag beats env")
	assert.Equal(t, 7000, cfg2.Port, "flag beats file")
}

func TestViewReadTimeoutFlag(t *testing.T) {
	t.Setenv("TABMIRROR_FRAME_READ_TIMEOUT", "9s")

	var f viewFlags
	fs := f.flagSet()
	require.NoError(t, fs.Parse(nil))
	cfg, err := f.loadConfig(fs)
	require.NoError(t, err)
	f.apply(fs, cfg)
	assert.Equal(t, 9*time.Second, cfg.FrameReadTimeout, "env applies without the flag")

	require.NoError(t, fs.Parse([]string{"--read-timeout", "750ms", "--connect-timeout", "2s"}))
	f.apply(fs, cfg)
	assert.Equal(t, 750*time.Millisecond, cfg.FrameReadTimeout)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
}

func TestPrintEntries(t *testing.T) {
	var out bytes.Buffer
	printEntries(&out, nil)
	assert.Equal(t, "no servers found\n", out.String())

	out.Reset()
	printEntries(&out, []discovery.Entry{
		{Instance: "desk", Host: "10.0.0.7", Port: 8080},
		{Instance: "laptop", Host: "10.0.0.9", Port: 9000},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "desk"))
	assert.True(t, strings.HasSuffix(lines[0], "10.0.0.7:8080"))
	assert.True(t, strings.HasSuffix(lines[1], "10.0.0.9:9000"))
}

func TestViewRequiresAddress(t *testing.T) {
	err := runView([]string{"--log-level", "error"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing server address")
}

func TestRunUnknownCommand(t *testing.T) {
	assert.Error(t, run(nil))
	assert.Error(t, run([]string{"dance"}))
	assert.NoError(t, run([]string{"help"}))
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := newLogger("loud")
	assert.Error(t, err)

	_, err = newLogger("DEBUG")
	assert.NoError(t, err)
}

func TestHelpFlag(t *testing.T) {
	err := runServe([]string{"--help"})
	assert.True(t, errors.Is(err, pflag.ErrHelp))
}
