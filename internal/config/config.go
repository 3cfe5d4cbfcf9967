// Package config provides configuration management for the clipcut agent.
// Values come from built-in defaults, an optional TOML file and environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	// Default values
	DefaultPort            = 8797
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "auto"
	DefaultDataDir         = ".clipcut"
	DefaultYtDlpPath       = "yt-dlp"
	DefaultFFmpegPath      = "ffmpeg"
	DefaultGapThreshold    = 5.0
	DefaultFetchWeight     = 0.7
	DefaultQuality         = "360"
	DefaultRemoteExtension = "mp4"

	// Environment variable names
	EnvPort            = "CLIPCUT_PORT"
	EnvLogLevel        = "CLIPCUT_LOG_LEVEL"
	EnvLogFormat       = "CLIPCUT_LOG_FORMAT"
	EnvDataDir         = "CLIPCUT_DATA_DIR"
	EnvConfigFile      = "CLIPCUT_CONFIG"
	EnvYtDlpPath       = "CLIPCUT_YTDLP_PATH"
	EnvFFmpegPath      = "CLIPCUT_FFMPEG_PATH"
	EnvGapThreshold    = "CLIPCUT_GAP_THRESHOLD"
	EnvFetchWeight     = "CLIPCUT_FETCH_WEIGHT"
	EnvDefaultQuality  = "CLIPCUT_DEFAULT_QUALITY"
	EnvRemoteExtension = "CLIPCUT_REMOTE_EXTENSION"

	// Database filename
	DBFilename = "clipcut.db"

	// ConfigFilename is looked up inside the data directory.
	ConfigFilename = "config.toml"

	// LockFilename guards the data directory against a second agent.
	LockFilename = "agent.lock"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFormat() string
	DataDir() string
	DBPath() string
	LockPath() string
	YtDlpPath() string
	FFmpegPath() string
	GapThreshold() float64
	FetchWeight() float64
	DefaultQuality() string
	RemoteExtension() string
}

// EnvConfig holds the resolved configuration.
type EnvConfig struct {
	port      int
	logLevel  string
	logFormat string
	dataDir   string
	file      string

	ytDlpPath  string
	ffmpegPath string

	gapThreshold    float64
	fetchWeight     float64
	defaultQuality  string
	remoteExtension string
}

// fileConfig mirrors config.toml. Pointer fields distinguish an explicit
// zero from an absent key.
type fileConfig struct {
	Port      *int   `toml:"port"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	DataDir   string `toml:"data_dir"`

	Tools struct {
		YtDlp  string `toml:"yt_dlp"`
		FFmpeg string `toml:"ffmpeg"`
	} `toml:"tools"`

	Extraction struct {
		GapThreshold    *float64 `toml:"gap_threshold"`
		FetchWeight     *float64 `toml:"fetch_weight"`
		DefaultQuality  string   `toml:"default_quality"`
		RemoteExtension string   `toml:"remote_extension"`
	} `toml:"extraction"`
}

// New creates an EnvConfig from defaults, the default config file and
// environment variable overrides.
func New() (*EnvConfig, error) {
	return Load("")
}

// Load is New with an explicit config file path. An empty path uses
// $CLIPCUT_CONFIG or <data_dir>/config.toml; a missing file is not an error.
func Load(path string) (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:            DefaultPort,
		logLevel:        DefaultLogLevel,
		logFormat:       DefaultLogFormat,
		dataDir:         defaultDataDir(),
		ytDlpPath:       DefaultYtDlpPath,
		ffmpegPath:      DefaultFFmpegPath,
		gapThreshold:    DefaultGapThreshold,
		fetchWeight:     DefaultFetchWeight,
		defaultQuality:  DefaultQuality,
		remoteExtension: DefaultRemoteExtension,
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path == "" {
		path = filepath.Join(cfg.dataDir, ConfigFilename)
	}
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *EnvConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.file = path

	if fc.Port != nil {
		c.port = *fc.Port
	}
	if fc.LogLevel != "" {
		c.logLevel = fc.LogLevel
	}
	if fc.LogFormat != "" {
		c.logFormat = fc.LogFormat
	}
	if fc.DataDir != "" && os.Getenv(EnvDataDir) == "" {
		c.dataDir = fc.DataDir
	}
	if fc.Tools.YtDlp != "" {
		c.ytDlpPath = fc.Tools.YtDlp
	}
	if fc.Tools.FFmpeg != "" {
		c.ffmpegPath = fc.Tools.FFmpeg
	}
	if fc.Extraction.GapThreshold != nil {
		c.gapThreshold = *fc.Extraction.GapThreshold
	}
	if fc.Extraction.FetchWeight != nil {
		c.fetchWeight = *fc.Extraction.FetchWeight
	}
	if fc.Extraction.DefaultQuality != "" {
		c.defaultQuality = fc.Extraction.DefaultQuality
	}
	if fc.Extraction.RemoteExtension != "" {
		c.remoteExtension = fc.Extraction.RemoteExtension
	}
	return nil
}

func (c *EnvConfig) applyEnv() error {
	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		c.logLevel = ll
	}
	if lf := os.Getenv(EnvLogFormat); lf != "" {
		c.logFormat = lf
	}
	if v := os.Getenv(EnvYtDlpPath); v != "" {
		c.ytDlpPath = v
	}
	if v := os.Getenv(EnvFFmpegPath); v != "" {
		c.ffmpegPath = v
	}

	if v := os.Getenv(EnvGapThreshold); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvGapThreshold, err)
		}
		c.gapThreshold = f
	}
	if v := os.Getenv(EnvFetchWeight); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvFetchWeight, err)
		}
		c.fetchWeight = f
	}

	if v := os.Getenv(EnvDefaultQuality); v != "" {
		c.defaultQuality = v
	}
	if v := os.Getenv(EnvRemoteExtension); v != "" {
		c.remoteExtension = v
	}
	return nil
}

func (c *EnvConfig) normalize() {
	c.logLevel = strings.ToLower(strings.TrimSpace(c.logLevel))
	c.logFormat = strings.ToLower(strings.TrimSpace(c.logFormat))
	c.defaultQuality = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(c.defaultQuality)), "p")
	c.remoteExtension = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(c.remoteExtension)), ".")
	if strings.HasPrefix(c.dataDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.dataDir = filepath.Join(home, c.dataDir[2:])
		}
	}
}

// Validate ensures the configuration is usable.
func (c *EnvConfig) Validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.port)
	}
	switch c.logFormat {
	case "auto", "json", "text":
	default:
		return fmt.Errorf("invalid log format %q: want auto, json or text", c.logFormat)
	}
	if c.gapThreshold < 0 {
		return fmt.Errorf("gap threshold must not be negative, got %v", c.gapThreshold)
	}
	if c.fetchWeight <= 0 || c.fetchWeight >= 1 {
		return fmt.Errorf("fetch weight must be between 0 and 1 exclusive, got %v", c.fetchWeight)
	}
	if c.remoteExtension == "" || strings.ContainsAny(c.remoteExtension, `/\.`) {
		return fmt.Errorf("invalid remote extension %q", c.remoteExtension)
	}
	if strings.TrimSpace(c.dataDir) == "" {
		return errors.New("data directory must be set")
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// LogFormat returns auto, json or text.
func (c *EnvConfig) LogFormat() string {
	return c.logFormat
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

func (c *EnvConfig) LockPath() string {
	return filepath.Join(c.dataDir, LockFilename)
}

// File returns the config file that was loaded, or "".
func (c *EnvConfig) File() string {
	return c.file
}

func (c *EnvConfig) YtDlpPath() string {
	return c.ytDlpPath
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) GapThreshold() float64 {
	return c.gapThreshold
}

func (c *EnvConfig) FetchWeight() float64 {
	return c.fetchWeight
}

func (c *EnvConfig) DefaultQuality() string {
	return c.defaultQuality
}

func (c *EnvConfig) RemoteExtension() string {
	return c.remoteExtension
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
