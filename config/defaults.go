package config

const (
	defaultBackendURL         = "http://127.0.0.1:8188"
	defaultRequestTimeout     = 30
	defaultReconnectBaseDelay = 1
	defaultReconnectMaxDelay  = 30
	defaultMaxRetries         = 8
	defaultDataDir            = "~/.local/share/comfyforge"
	defaultAPIBind            = "127.0.0.1:8189"
	defaultImageStallMinutes  = 10
	defaultVideoStallMinutes  = 30
	defaultSweepSeconds       = 30
	defaultRecentPrompts      = 20
	defaultOllamaURL          = "http://localhost:11434"
	defaultOllamaModel        = "qwen2.5:0.5b"
	defaultOllamaTimeout      = 30
	defaultLogFormat          = "auto"
	defaultLogLevel           = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Backend: Backend{
			URL:                defaultBackendURL,
			RequestTimeout:     defaultRequestTimeout,
			ReconnectBaseDelay: defaultReconnectBaseDelay,
			ReconnectMaxDelay:  defaultReconnectMaxDelay,
			MaxRetries:         defaultMaxRetries,
		},
		Paths: Paths{
			DataDir: defaultDataDir,
			APIBind: defaultAPIBind,
		},
		Queue: Queue{
			ImageStallMinutes: defaultImageStallMinutes,
			VideoStallMinutes: defaultVideoStallMinutes,
			SweepSeconds:      defaultSweepSeconds,
			RecentPrompts:     defaultRecentPrompts,
		},
		Refine: Refine{
			Enabled:        true,
			URL:            defaultOllamaURL,
			Model:          defaultOllamaModel,
			TimeoutSeconds: defaultOllamaTimeout,
			AutoUnload:     true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
