package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/upstream"
)

func TestDefaultsValidate(t *testing.T) {
	s := Defaults()
	require.NoError(t, s.Validate())
	require.Equal(t, "gpt-3.5-turbo", s.Upstream.DefaultModel)
	require.Equal(t, 10*time.Second, s.Server.WriteTimeout)
	require.Equal(t, int64(64<<10), s.Server.ReadLimit)
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  write_timeout: 3s
upstream:
  default_model: deepseek-chat
  timeout: 45s
  deepseek:
    api_key: ds-key
    system_prompt: be brief
context:
  window: 4
  connection_memory: false
events:
  enabled: true
  addr: redis:6379
`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	require.Equal(t, ":9090", s.Server.Addr)
	require.Equal(t, "/ws", s.Server.WSPath)
	require.Equal(t, 3*time.Second, s.Server.WriteTimeout)
	require.Equal(t, 45*time.Second, s.Upstream.Timeout)
	require.Equal(t, 4, s.Context.Window)
	require.False(t, s.Context.ConnectionMemory)
	require.True(t, s.Events.Enabled)
	require.Equal(t, "chatrelay.events", s.Events.Stream)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvOpenAIKey:   "sk-test",
		EnvDeepSeekKey: "",
		EnvJWTSecret:   "jwt",
		EnvDatabase:    "/var/lib/chat.db",
	}
	s := Defaults()
	s.Upstream.DeepSeek.APIKey = "from-file"
	s.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	require.Equal(t, "sk-test", s.Upstream.OpenAI.APIKey)
	require.Equal(t, "from-file", s.Upstream.DeepSeek.APIKey)
	require.Equal(t, "jwt", s.Auth.JWTSecret)
	require.Equal(t, "/var/lib/chat.db", s.Database.Path)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Settings){
		"addr":          func(s *Settings) { s.Server.Addr = "" },
		"ws path":       func(s *Settings) { s.Server.WSPath = "ws" },
		"model":         func(s *Settings) { s.Upstream.DefaultModel = " " },
		"timeout":       func(s *Settings) { s.Upstream.Timeout = 0 },
		"window":        func(s *Settings) { s.Context.Window = -1 },
		"log format":    func(s *Settings) { s.Log.Format = "xml" },
		"events addr":   func(s *Settings) { s.Events.Enabled = true; s.Events.Addr = "" },
		"metrics path":  func(s *Settings) { s.Metrics.Path = "metrics" },
		"read limit":    func(s *Settings) { s.Server.ReadLimit = 0 },
		"write timeout": func(s *Settings) { s.Server.WriteTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := Defaults()
			mutate(&s)
			require.Error(t, s.Validate())
		})
	}
}

func TestUpstreamConfig_SkipsProvidersWithoutKey(t *testing.T) {
	s := Defaults()
	s.Upstream.OpenAI.APIKey = "sk"
	cfg := s.UpstreamConfig()
	require.Len(t, cfg.Providers, 1)
	require.Equal(t, "sk", cfg.Providers[upstream.ProviderOpenAI].APIKey)
	require.Equal(t, upstream.DefaultTimeout, cfg.Timeout)
}

func TestValidate_AcceptsAnyOpenAIModelName(t *testing.T) {
	for _, m := range []string{"o1-mini", "o4-mini", "gpt4", "deepseek-reasoner"} {
		s := Defaults()
		s.Upstream.DefaultModel = m
		require.NoError(t, s.Validate(), m)
	}
}
