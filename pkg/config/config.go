// Package config loads relay settings from YAML, environment variables and flag overrides.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatrelay/pkg/chatcontext"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/upstream"
)

const (
	EnvOpenAIKey   = "OPENAI_API_KEY"
	EnvDeepSeekKey = "DEEPSEEK_API_KEY"
	EnvJWTSecret   = "CHATRELAY_JWT_SECRET"
	EnvDatabase    = "CHATRELAY_DB"
)

type Settings struct {
	Server   ServerSettings       `yaml:"server"`
	Log      LogSettings          `yaml:"log"`
	Database DatabaseSettings     `yaml:"database"`
	Auth     AuthSettings         `yaml:"auth"`
	Upstream UpstreamSettings     `yaml:"upstream"`
	Context  ContextSettings      `yaml:"context"`
	Metrics  MetricsSettings      `yaml:"metrics"`
	Events   redisstream.Settings `yaml:"events"`
}

type ServerSettings struct {
	Addr            string        `yaml:"addr"`
	WSPath          string        `yaml:"ws_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ReadLimit       int64         `yaml:"read_limit"`
	// AllowedOrigins restricts the WebSocket upgrade; empty accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto, console or json
}

type DatabaseSettings struct {
	// Path of the SQLite file; empty keeps everything in memory.
	Path string `yaml:"path"`
}

type AuthSettings struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type ProviderSettings struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	SystemPrompt string `yaml:"system_prompt"`
}

type UpstreamSettings struct {
	DefaultModel string           `yaml:"default_model"`
	Timeout      time.Duration    `yaml:"timeout"`
	Temperature  float32          `yaml:"temperature"`
	MaxTokens    int              `yaml:"max_tokens"`
	OpenAI       ProviderSettings `yaml:"openai"`
	DeepSeek     ProviderSettings `yaml:"deepseek"`
}

type ContextSettings struct {
	Window           int    `yaml:"window"`
	ConnectionMemory bool   `yaml:"connection_memory"`
	TranscriptLimit  int    `yaml:"transcript_limit"`
	TokenEncoding    string `yaml:"token_encoding"`
}

type MetricsSettings struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

const DefaultModel = "gpt-3.5-turbo"

func Defaults() Settings {
	return Settings{
		Server: ServerSettings{
			Addr:            ":8080",
			WSPath:          "/ws",
			ShutdownTimeout: 30 * time.Second,
			WriteTimeout:    10 * time.Second,
			ReadLimit:       64 << 10,
		},
		Log: LogSettings{Level: "info", Format: "auto"},
		Upstream: UpstreamSettings{
			DefaultModel: DefaultModel,
			Timeout:      upstream.DefaultTimeout,
			Temperature:  upstream.DefaultTemperature,
			MaxTokens:    upstream.DefaultMaxTokens,
		},
		Context: ContextSettings{
			Window:           20,
			ConnectionMemory: true,
			TranscriptLimit:  20,
			TokenEncoding:    chatcontext.DefaultEncoding,
		},
		Metrics: MetricsSettings{Enabled: true, Path: "/metrics", Namespace: "chatrelay"},
		Events:  redisstream.DefaultSettings(),
	}
}

// Load reads path over the defaults (when path is non-empty) and applies environment overrides.
func Load(path string) (Settings, error) {
	s := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, errors.Wrapf(err, "config: read %s", path)
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return Settings{}, errors.Wrapf(err, "config: parse %s", path)
		}
	}
	s.ApplyEnv(os.LookupEnv)
	return s, nil
}

// ApplyEnv overrides secrets and the database path from the environment.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvOpenAIKey); ok && v != "" {
		s.Upstream.OpenAI.APIKey = v
	}
	if v, ok := lookup(EnvDeepSeekKey); ok && v != "" {
		s.Upstream.DeepSeek.APIKey = v
	}
	if v, ok := lookup(EnvJWTSecret); ok && v != "" {
		s.Auth.JWTSecret = v
	}
	if v, ok := lookup(EnvDatabase); ok {
		s.Database.Path = v
	}
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Server.Addr) == "" {
		return errors.New("config: server.addr is empty")
	}
	if !strings.HasPrefix(s.Server.WSPath, "/") {
		return errors.Errorf("config: server.ws_path %q must start with /", s.Server.WSPath)
	}
	if s.Server.WriteTimeout <= 0 {
		return errors.New("config: server.write_timeout must be positive")
	}
	if s.Server.ReadLimit <= 0 {
		return errors.New("config: server.read_limit must be positive")
	}
	switch s.Log.Format {
	case "", "auto", "console", "json":
	default:
		return errors.Errorf("config: unknown log.format %q", s.Log.Format)
	}
	if upstream.Classify(s.Upstream.DefaultModel) == upstream.ProviderUnknown {
		return errors.Errorf("config: unsupported upstream.default_model %q", s.Upstream.DefaultModel)
	}
	if s.Upstream.Timeout <= 0 {
		return errors.New("config: upstream.timeout must be positive")
	}
	if s.Context.Window < 0 {
		return errors.New("config: context.window must not be negative")
	}
	if s.Metrics.Enabled && !strings.HasPrefix(s.Metrics.Path, "/") {
		return errors.Errorf("config: metrics.path %q must start with /", s.Metrics.Path)
	}
	if s.Events.Enabled && strings.TrimSpace(s.Events.Addr) == "" {
		return errors.New("config: events.addr is required when events are enabled")
	}
	return nil
}

// UpstreamConfig maps the settings onto the adapter configuration. Providers without a key are omitted.
func (s Settings) UpstreamConfig() upstream.Config {
	providers := map[upstream.Provider]upstream.ProviderConfig{}
	add := func(p upstream.Provider, ps ProviderSettings) {
		if strings.TrimSpace(ps.APIKey) == "" {
			return
		}
		providers[p] = upstream.ProviderConfig{APIKey: ps.APIKey, BaseURL: ps.BaseURL, SystemPrompt: ps.SystemPrompt}
	}
	add(upstream.ProviderOpenAI, s.Upstream.OpenAI)
	add(upstream.ProviderDeepSeek, s.Upstream.DeepSeek)
	return upstream.Config{
		Providers:   providers,
		Timeout:     s.Upstream.Timeout,
		Temperature: s.Upstream.Temperature,
		MaxTokens:   s.Upstream.MaxTokens,
	}
}
