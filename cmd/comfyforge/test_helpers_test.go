package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/richinsley/comfyforge/config"
	"github.com/richinsley/comfyforge/store"
	"github.com/richinsley/comfyforge/workflow"
)

type cliTestEnv struct {
	cfg        config.Config
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Chdir(base)

	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.APIBind = "127.0.0.1:1"
	cfg.Backend.URL = "http://127.0.0.1:1"
	cfg.Logging.Level = "error"

	configPath := filepath.Join(homeDir, ".config", "comfyforge", "config.toml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliTestEnv{cfg: cfg, configPath: configPath, baseDir: base}
}

// seed writes jobs straight into the store the CLI reads.
func (e *cliTestEnv) seed(t *testing.T, fn func(ctx context.Context, st *store.Store)) {
	t.Helper()
	if err := os.MkdirAll(e.cfg.Paths.DataDir, 0o755); err != nil {
		t.Fatalf("mkdir data: %v", err)
	}
	st, err := store.Open(e.cfg.DatabasePath())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	fn(context.Background(), st)
}

func testJob(id, prompt string, state store.State, at time.Time) *store.Job {
	seed := int64(7)
	return &store.Job{
		ID:   id,
		Kind: workflow.KindImageGenerate,
		Params: workflow.Params{
			Kind:      workflow.KindImageGenerate,
			Model:     workflow.ModelQwenLightning,
			Prompt:    prompt,
			BatchSize: 1,
			Seed:      &seed,
		},
		Mode:        workflow.ModeLightning,
		Seed:        seed,
		Expected:    1,
		State:       state,
		SubmittedAt: at,
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q\n---\n%s", needle, haystack)
	}
}
