// Package config loads the display server settings file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/kmsd/internal/gpu"
	"github.com/tinyrange/kmsd/internal/logging"
	"github.com/tinyrange/kmsd/internal/screen"
	"github.com/tinyrange/kmsd/internal/server"
)

const (
	SystemPath = "/etc/kmsd/kmsd.yaml"

	DefaultBuffering    = "double"
	DefaultPollInterval = 4 * time.Millisecond
	DefaultClearColor   = Color(0xff000000)
)

type Config struct {
	Display           int      `yaml:"display"`
	Socket            string   `yaml:"socket,omitempty"`
	DeviceDir         string   `yaml:"deviceDir"`
	Buffering         string   `yaml:"buffering"`
	OptimalResolution bool     `yaml:"optimalResolution,omitempty"`
	Allocator         string   `yaml:"allocator"`
	PollInterval      Duration `yaml:"pollInterval"`
	Log               Log      `yaml:"log"`
	Trace             string   `yaml:"trace,omitempty"`
	ClearColor        Color    `yaml:"clearColor"`
}

type Log struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file,omitempty"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.DeviceDir == "" {
		c.DeviceDir = gpu.DefaultDir
	}
	if c.Buffering == "" {
		c.Buffering = DefaultBuffering
	}
	if c.Allocator == "" {
		c.Allocator = string(gpu.AllocatorAuto)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(DefaultPollInterval)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logging.FormatAuto
	}
	if c.ClearColor == 0 {
		c.ClearColor = DefaultClearColor
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.Display < 0 {
		return fmt.Errorf("display: must not be negative, got %d", c.Display)
	}
	if _, err := c.ScreenFlags(); err != nil {
		return err
	}
	if _, err := gpu.ParseAllocatorKind(c.Allocator); err != nil {
		return fmt.Errorf("allocator: %w", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case logging.FormatAuto, logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

// ScreenFlags translates buffering and optimalResolution.
func (c *Config) ScreenFlags() (screen.Flags, error) {
	var flags screen.Flags
	switch strings.ToLower(c.Buffering) {
	case "single":
	case "double":
		flags |= screen.FlagDoubleBuffered
	case "triple":
		flags |= screen.FlagTripleBuffered
	default:
		return 0, fmt.Errorf("buffering: want single, double or triple, got %q", c.Buffering)
	}
	if c.OptimalResolution {
		flags |= screen.FlagOptimalResolution
	}
	return flags, nil
}

func (c *Config) AllocatorKind() gpu.AllocatorKind {
	k, err := gpu.ParseAllocatorKind(c.Allocator)
	if err != nil {
		return gpu.AllocatorAuto
	}
	return k
}

// SocketPath is the explicit socket, or the default for the display number.
func (c *Config) SocketPath() string {
	if c.Socket != "" {
		return c.Socket
	}
	return server.SocketPath(c.Display)
}

func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, File: c.Log.File, Format: c.Log.Format}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOptional is Load, except that a missing file yields Default.
func LoadOptional(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteTemplate writes cfg, with defaults filled in, to path.
func WriteTemplate(path string, cfg Config) error {
	cfg.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Duration is a time.Duration written as a string such as "4ms".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Color is a 32-bit XRGB pixel, written in hex.
type Color uint32

func (c Color) MarshalYAML() (any, error) {
	return fmt.Sprintf("0x%08x", uint32(c)), nil
}

func (c *Color) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseColor(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*c = v
	return nil
}

// ParseColor accepts 0xAARRGGBB, #RRGGBB or a decimal value.
func ParseColor(s string) (Color, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "#"); ok {
		v, err := strconv.ParseUint(rest, 16, 32)
		if err != nil || len(rest) != 6 {
			return 0, fmt.Errorf("color %q: want #RRGGBB", s)
		}
		return Color(0xff000000 | uint32(v)), nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("color %q: %w", s, err)
	}
	return Color(v), nil
}
