// Package refine rewrites generation prompts with a local Ollama model.
package refine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL     = "http://localhost:11434"
	DefaultModel       = "qwen2.5:0.5b"
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 1 << 20
)

// ErrEmptyPrompt is returned when there is nothing to refine.
var ErrEmptyPrompt = errors.New("no prompt provided")

// Config captures the settings required to talk to Ollama.
type Config struct {
	BaseURL        string
	Model          string
	TimeoutSeconds int
	Temperature    float64
	NumPredict     int
}

// Client wraps the Ollama chat API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.NumPredict <= 0 {
		cfg.NumPredict = 200
	}
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Model returns the Ollama model name in use.
func (c *Client) Model() string {
	return c.cfg.Model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("ollama request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Refine rewrites prompt according to mode and returns the cleaned result.
func (c *Client) Refine(ctx context.Context, prompt string, mode Mode) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt(mode)},
			{Role: "user", Content: "Enhance this prompt: " + prompt},
		},
		Stream: false,
		Options: map[string]any{
			"temperature": c.cfg.Temperature,
			"num_predict": c.cfg.NumPredict,
		},
	}
	var resp chatResponse
	if err := c.post(ctx, "/api/chat", payload, &resp); err != nil {
		return "", fmt.Errorf("refine %s: %w", mode, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("refine %s: %s", mode, resp.Error)
	}
	refined := Clean(resp.Message.Content)
	if refined == "" {
		return "", fmt.Errorf("refine %s: empty response from model", mode)
	}
	return refined, nil
}

// Unload asks Ollama to release the model from memory so the backend has
// the VRAM for generation.
func (c *Client) Unload(ctx context.Context) error {
	payload := map[string]any{
		"model":      c.cfg.Model,
		"keep_alive": 0,
	}
	if err := c.post(ctx, "/api/generate", payload, nil); err != nil {
		return fmt.Errorf("unload %s: %w", c.cfg.Model, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return fmt.Errorf("ollama request: build url: %w", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ollama request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("ollama request: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("ollama request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return &httpStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("ollama request: decode response: %w", err)
	}
	return nil
}
