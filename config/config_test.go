package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/richinsley/comfyforge/config"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if resolved != filepath.Join(tempHome, ".config", "comfyforge", "config.toml") {
		t.Fatalf("unexpected resolved path %q", resolved)
	}
	if cfg.Paths.DataDir != filepath.Join(tempHome, ".local", "share", "comfyforge") {
		t.Fatalf("unexpected data dir %q", cfg.Paths.DataDir)
	}
	if cfg.Backend.URL != "http://127.0.0.1:8188" || cfg.Backend.MaxRetries != 8 {
		t.Fatalf("unexpected backend defaults %+v", cfg.Backend)
	}
	img, vid := cfg.StallTimeouts()
	if img != 10*time.Minute || vid != 30*time.Minute {
		t.Fatalf("unexpected stall timeouts %s/%s", img, vid)
	}
	if cfg.DatabasePath() != filepath.Join(cfg.Paths.DataDir, "comfyforge.db") {
		t.Fatalf("unexpected db path %q", cfg.DatabasePath())
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := config.Default()
	cfg.Backend.URL = "http://gpu-box:8188/"
	cfg.Queue.ImageStallMinutes = 5
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("COMFYFORGE_OLLAMA_MODEL", "llama3.2:1b")
	t.Setenv("COMFYFORGE_LOG_LEVEL", "DEBUG")
	t.Setenv("COMFYFORGE_REFINE_ENABLED", "false")

	loaded, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("resolved %q exists %v", resolved, exists)
	}
	if loaded.Backend.URL != "http://gpu-box:8188" {
		t.Fatalf("backend url not normalized: %q", loaded.Backend.URL)
	}
	if loaded.Queue.ImageStallMinutes != 5 {
		t.Fatalf("file value lost: %d", loaded.Queue.ImageStallMinutes)
	}
	if loaded.Refine.Model != "llama3.2:1b" || loaded.Refine.Enabled {
		t.Fatalf("env overrides not applied: %+v", loaded.Refine)
	}
	if loaded.Logging.Level != "debug" {
		t.Fatalf("log level = %q", loaded.Logging.Level)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad scheme", content: "[backend]\nurl = \"ftp://host\"\n", want: "backend.url"},
		{name: "bad format", content: "[logging]\nformat = \"xml\"\n", want: "logging.format"},
		{name: "bad bind", content: "[paths]\napi_bind = \"nope\"\n", want: "paths.api_bind"},
		{name: "unknown key", content: "[backend]\nurll = \"http://x\"\n", want: "parse config"},
		{name: "backoff order", content: "[backend]\nreconnect_base_delay = 10\nreconnect_max_delay = 5\n", want: "reconnect_max_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, _, _, err := config.Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSampleConfigParses(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if err := config.WriteSample(path); err == nil {
		t.Fatal("expected WriteSample to refuse overwrite")
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil || !exists {
		t.Fatalf("Load sample: %v (exists %v)", err, exists)
	}
	if cfg.Refine.Model != "qwen2.5:0.5b" || !cfg.Refine.AutoUnload {
		t.Fatalf("sample refine section %+v", cfg.Refine)
	}
}
