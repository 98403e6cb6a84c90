// Package config loads comfyforge settings from TOML, a .env file and
// COMFYFORGE_* environment variables, in that order of precedence from low
// to high.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Backend contains the ComfyUI connection settings.
type Backend struct {
	URL                string `toml:"url"`
	OutputDir          string `toml:"output_dir"`
	RequestTimeout     int    `toml:"request_timeout"`
	ReconnectBaseDelay int    `toml:"reconnect_base_delay"`
	ReconnectMaxDelay  int    `toml:"reconnect_max_delay"`
	MaxRetries         int    `toml:"max_retries"`
}

// Paths contains the data directory and bind address.
type Paths struct {
	DataDir string `toml:"data_dir"`
	APIBind string `toml:"api_bind"`
}

// Queue contains job tracking settings.
type Queue struct {
	ImageStallMinutes int `toml:"image_stall_minutes"`
	VideoStallMinutes int `toml:"video_stall_minutes"`
	SweepSeconds      int `toml:"sweep_seconds"`
	RecentPrompts     int `toml:"recent_prompts"`
}

// Refine contains the Ollama prompt refinement settings.
type Refine struct {
	Enabled        bool   `toml:"enabled"`
	URL            string `toml:"url"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	AutoUnload     bool   `toml:"auto_unload"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for comfyforge.
type Config struct {
	Backend Backend `toml:"backend"`
	Paths   Paths   `toml:"paths"`
	Queue   Queue   `toml:"queue"`
	Refine  Refine  `toml:"refine"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/comfyforge/config.toml")
}

// SampleConfig returns the annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. A missing file
// is not an error; defaults apply. The resolved path and whether it existed
// are returned alongside the config.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file).DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	// a missing .env is fine
	_ = godotenv.Load(".env")
	if err := cfg.applyEnv(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// WriteSample writes the sample configuration to path, refusing to overwrite.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config already exists at %s", expanded)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		if env := strings.TrimSpace(os.Getenv("COMFYFORGE_CONFIG")); env != "" {
			path = env
		}
	}
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("comfyforge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

type envBinding struct {
	name string
	str  *string
	num  *int
	flag *bool
}

func (c *Config) applyEnv() error {
	bindings := []envBinding{
		{name: "COMFYFORGE_BACKEND_URL", str: &c.Backend.URL},
		{name: "COMFYFORGE_OUTPUT_DIR", str: &c.Backend.OutputDir},
		{name: "COMFYFORGE_MAX_RETRIES", num: &c.Backend.MaxRetries},
		{name: "COMFYFORGE_DATA_DIR", str: &c.Paths.DataDir},
		{name: "COMFYFORGE_API_BIND", str: &c.Paths.APIBind},
		{name: "COMFYFORGE_REFINE_ENABLED", flag: &c.Refine.Enabled},
		{name: "COMFYFORGE_OLLAMA_URL", str: &c.Refine.URL},
		{name: "COMFYFORGE_OLLAMA_MODEL", str: &c.Refine.Model},
		{name: "COMFYFORGE_LOG_LEVEL", str: &c.Logging.Level},
		{name: "COMFYFORGE_LOG_FORMAT", str: &c.Logging.Format},
	}
	for _, b := range bindings {
		value, ok := os.LookupEnv(b.name)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch {
		case b.str != nil:
			*b.str = value
		case b.num != nil:
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: %w", b.name, err)
			}
			*b.num = n
		case b.flag != nil:
			v, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s: %w", b.name, err)
			}
			*b.flag = v
		}
	}
	return nil
}

func (c *Config) normalize() error {
	var err error
	c.Backend.URL = strings.TrimRight(strings.TrimSpace(c.Backend.URL), "/")
	if c.Backend.URL == "" {
		c.Backend.URL = defaultBackendURL
	}
	if c.Backend.OutputDir, err = expandPath(strings.TrimSpace(c.Backend.OutputDir)); err != nil {
		return fmt.Errorf("backend.output_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Refine.URL = strings.TrimRight(strings.TrimSpace(c.Refine.URL), "/")
	if c.Refine.URL == "" {
		c.Refine.URL = defaultOllamaURL
	}
	if strings.TrimSpace(c.Refine.Model) == "" {
		c.Refine.Model = defaultOllamaModel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	return nil
}

// DatabasePath is the SQLite file under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "comfyforge.db")
}

// LockPath is the file locked by the process owning the backend session.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "comfyforge.lock")
}

// EnsureDirectories creates the data directory.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Paths.DataDir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", c.Paths.DataDir, err)
	}
	return nil
}

// RequestTimeout returns the backend request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.RequestTimeout) * time.Second
}

// ReconnectDelays returns the base and maximum reconnect backoff.
func (c *Config) ReconnectDelays() (time.Duration, time.Duration) {
	return time.Duration(c.Backend.ReconnectBaseDelay) * time.Second,
		time.Duration(c.Backend.ReconnectMaxDelay) * time.Second
}

// StallTimeouts returns the image and video stall windows.
func (c *Config) StallTimeouts() (time.Duration, time.Duration) {
	return time.Duration(c.Queue.ImageStallMinutes) * time.Minute,
		time.Duration(c.Queue.VideoStallMinutes) * time.Minute
}

// SweepInterval returns how often stalled jobs are checked.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Queue.SweepSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}
