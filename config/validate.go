package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateRefine(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateBackend() error {
	if err := validateHTTPURL(c.Backend.URL); err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if c.Backend.RequestTimeout <= 0 {
		return errors.New("backend.request_timeout must be positive")
	}
	if c.Backend.ReconnectBaseDelay <= 0 {
		return errors.New("backend.reconnect_base_delay must be positive")
	}
	if c.Backend.ReconnectMaxDelay < c.Backend.ReconnectBaseDelay {
		return errors.New("backend.reconnect_max_delay must not be less than reconnect_base_delay")
	}
	if c.Backend.MaxRetries < 0 {
		return errors.New("backend.max_retries must not be negative")
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if _, _, err := net.SplitHostPort(c.Paths.APIBind); err != nil {
		return fmt.Errorf("paths.api_bind: %w", err)
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.ImageStallMinutes <= 0 || c.Queue.VideoStallMinutes <= 0 {
		return errors.New("queue stall timeouts must be positive")
	}
	if c.Queue.SweepSeconds <= 0 {
		return errors.New("queue.sweep_seconds must be positive")
	}
	if c.Queue.RecentPrompts <= 0 {
		return errors.New("queue.recent_prompts must be positive")
	}
	return nil
}

func (c *Config) validateRefine() error {
	if !c.Refine.Enabled {
		return nil
	}
	if err := validateHTTPURL(c.Refine.URL); err != nil {
		return fmt.Errorf("refine.url: %w", err)
	}
	if c.Refine.TimeoutSeconds < 0 {
		return errors.New("refine.timeout_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("logging.format must be auto, text or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
