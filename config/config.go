package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tabmirror/mirror/src/frame"
)

// Bridge modes.
const (
	BridgeOff    = "off"
	BridgeSource = "source"
	BridgeRelay  = "relay"
)

// MirrorConfig holds server and viewer configuration.
type MirrorConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	FrameRate      int           `yaml:"frame_rate"`
	MaxFrameBytes  int           `yaml:"max_frame_bytes"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"` // server: per click line, 0 lets viewers idle
	// FrameReadTimeout bounds how long a viewer waits for the next frame
	// before treating the server as gone.
	FrameReadTimeout time.Duration `yaml:"frame_read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdlePoll         time.Duration `yaml:"idle_poll"`
	ErrorBackoff     time.Duration `yaml:"error_backoff"`
	SendQueue        int           `yaml:"send_queue"`
	MaxLineLength    int           `yaml:"max_line_length"`

	Capture CaptureConfig `yaml:"capture"`
	Web     WebConfig     `yaml:"web"`
	Bridge  BridgeConfig  `yaml:"bridge"`

	Advertise    bool   `yaml:"advertise"`
	InstanceName string `yaml:"instance_name"`
}

// CaptureConfig belongs to the capture collaborator.
type CaptureConfig struct {
	Display int     `yaml:"display"`
	Scale   float64 `yaml:"scale"`
	Quality int     `yaml:"quality"`
}

// WebConfig controls the optional HTTP status and WebSocket listener.
type WebConfig struct {
	Addr            string `yaml:"addr"` // empty disables
	ReadBufferSize  int    `yaml:"read_buffer_size"`
	WriteBufferSize int    `yaml:"write_buffer_size"`
}

// BridgeConfig holds connection settings for the Redis relay bridge.
type BridgeConfig struct {
	Mode     string `yaml:"mode"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *MirrorConfig {
	return &MirrorConfig{
		Host:             "0.0.0.0",
		Port:             8080,
		FrameRate:        30,
		MaxFrameBytes:    frame.DefaultMaxBytes,
		ConnectTimeout:   5 * time.Second,
		FrameReadTimeout: 5 * time.Second,
		WriteTimeout:     2 * time.Second,
		IdlePoll:         100 * time.Millisecond,
		ErrorBackoff:     time.Second,
		SendQueue:        2,
		MaxLineLength:    1024,
		Capture: CaptureConfig{
			Scale:   0.5,
			Quality: 70,
		},
		Web: WebConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
		Bridge: BridgeConfig{
			Mode:   BridgeOff,
			Addr:   "localhost:6379",
			Prefix: "tabmirror:",
		},
		InstanceName: "tabmirror",
	}
}

// FrameInterval is the capture period derived from FrameRate.
func (c *MirrorConfig) FrameInterval() time.Duration {
	if c.FrameRate <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(c.FrameRate)
}

// Addr returns host:port.
func (c *MirrorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadFile reads a YAML file over the defaults. A missing file is an error.
func LoadFile(path string) (*MirrorConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. Unparseable values
// are ignored.
func (c *MirrorConfig) ApplyEnv() {
	if v, ok := envInt("TABMIRROR_PORT"); ok {
		c.Port = v
	}
	if v, ok := envInt("TABMIRROR_FPS"); ok {
		c.FrameRate = v
	}
	if v, ok := envInt("TABMIRROR_MAX_FRAME_BYTES"); ok {
		c.MaxFrameBytes = v
	}
	if v, ok := envDuration("TABMIRROR_WRITE_TIMEOUT"); ok {
		c.WriteTimeout = v
	}
	if v, ok := envDuration("TABMIRROR_CONNECT_TIMEOUT"); ok {
		c.ConnectTimeout = v
	}
	if v, ok := envDuration("TABMIRROR_FRAME_READ_TIMEOUT"); ok {
		c.FrameReadTimeout = v
	}
	if addr := os.Getenv("TABMIRROR_WEB_ADDR"); addr != "" {
		c.Web.Addr = addr
	}
	if mode := os.Getenv("TABMIRROR_BRIDGE"); mode != "" {
		c.Bridge.Mode = mode
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Bridge.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Bridge.Password = pw
	}
	if v, ok := envInt("REDIS_DB"); ok {
		c.Bridge.DB = v
	}
	if prefix := os.Getenv("REDIS_MIRROR_PREFIX"); prefix != "" {
		c.Bridge.Prefix = prefix
	}
}

// Validate rejects configurations the server or viewer cannot run with.
func (c *MirrorConfig) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("frame_rate must be positive, got %d", c.FrameRate))
	}
	if c.MaxFrameBytes <= 0 || uint64(c.MaxFrameBytes) > math.MaxUint32 {
		errs = append(errs, fmt.Errorf("max_frame_bytes must be in [1,%d], got %d", uint64(math.MaxUint32), c.MaxFrameBytes))
	}
	if c.FrameReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("frame_read_timeout must not be negative, got %v", c.FrameReadTimeout))
	}
	if c.SendQueue <= 0 {
		errs = append(errs, fmt.Errorf("send_queue must be positive, got %d", c.SendQueue))
	}
	if c.Capture.Scale <= 0 || c.Capture.Scale > 1 {
		errs = append(errs, fmt.Errorf("capture.scale must be in (0,1], got %v", c.Capture.Scale))
	}
	if c.Capture.Quality < 1 || c.Capture.Quality > 100 {
		errs = append(errs, fmt.Errorf("capture.quality must be in [1,100], got %d", c.Capture.Quality))
	}
	switch c.Bridge.Mode {
	case BridgeOff, BridgeSource, BridgeRelay:
	default:
		errs = append(errs, fmt.Errorf("bridge.mode %q is not one of off, source, relay", c.Bridge.Mode))
	}
	return errors.Join(errs...)
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envDuration(key string) (time.Duration, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
