package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if last := cfg.Translation.Engines[len(cfg.Translation.Engines)-1]; last.Kind != "local" || !last.Enabled {
		t.Fatalf("expected local engine as terminal rung, got %+v", last)
	}
	if cfg.Queue.FallbackConcurrency != 3 {
		t.Fatalf("expected fallback concurrency 3, got %d", cfg.Queue.FallbackConcurrency)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_LIVE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_LIVE_BUS_USERNAME", "alice")
	t.Setenv("LOQA_LIVE_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_LIVE_SESSIONS_DEFAULT_LANGUAGES", "ko, zh ,ja")
	t.Setenv("LOQA_LIVE_SESSIONS_DEFAULT_PRIORITY", "high")
	t.Setenv("LOQA_LIVE_LINE_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_LIVE_LINE_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_LIVE_SEGMENTER_SILENCE_CLOSE_MS", "2500")
	t.Setenv("LOQA_LIVE_QUEUE_NORMAL_BASE_MS", "900")
	t.Setenv("LOQA_LIVE_ENGINE_OPENAI_ENABLED", "true")
	t.Setenv("LOQA_LIVE_ENGINE_OPENAI_API_KEY", "sk-test")
	t.Setenv("LOQA_LIVE_CACHE_MAX_ENTRIES", "50")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || !cfg.Bus.TLSInsecure {
		t.Fatalf("expected bus overrides")
	}
	if len(cfg.Sessions.DefaultLanguages) != 3 || cfg.Sessions.DefaultLanguages[1] != "zh" {
		t.Fatalf("unexpected languages %v", cfg.Sessions.DefaultLanguages)
	}
	if cfg.Sessions.DefaultPriority != "high" {
		t.Fatalf("expected priority override")
	}
	if cfg.LineStore.RetentionMode != "persistent" || cfg.LineStore.RetentionDays != 7 {
		t.Fatalf("expected line store overrides")
	}
	if cfg.Segmenter.SilenceCloseMS != 2500 {
		t.Fatalf("expected silence close override")
	}
	if cfg.Queue.NormalBaseMS != 900 {
		t.Fatalf("expected queue override")
	}
	if !cfg.Translation.Engines[0].Enabled || cfg.Translation.Engines[0].APIKey != "sk-test" {
		t.Fatalf("expected engine override, got %+v", cfg.Translation.Engines[0])
	}
	if cfg.Cache.MaxEntries != 50 {
		t.Fatalf("expected cache override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-live.yaml")
	data := []byte(`runtime_name: captions
translation:
  trivial_length: 4
  engines:
    - name: libre
      kind: libre
      enabled: true
      endpoint: http://libre:5000
      quality: 0.7
    - name: local
      kind: local
      enabled: true
      quality: 0.1
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "captions" {
		t.Fatalf("expected runtime name from file")
	}
	if len(cfg.Translation.Engines) != 2 || cfg.Translation.Engines[0].Endpoint != "http://libre:5000" {
		t.Fatalf("unexpected engines %+v", cfg.Translation.Engines)
	}
	if cfg.Translation.TrivialLength != 4 {
		t.Fatalf("expected trivial length 4")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"no local engine": func(c *Config) {
			c.Translation.Engines = c.Translation.Engines[:1]
		},
		"openai without key": func(c *Config) {
			c.Translation.Engines[0].Enabled = true
		},
		"duplicate engine": func(c *Config) {
			c.Translation.Engines = append(c.Translation.Engines, c.Translation.Engines[3])
		},
		"bad priority": func(c *Config) {
			c.Sessions.DefaultPriority = "urgent"
		},
		"overlap bounds": func(c *Config) {
			c.Reconciler.MaxOverlapWords = 1
		},
		"exec stt without command": func(c *Config) {
			c.STT.Enabled = true
			c.STT.Mode = "exec"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Translation.Engines = append([]EngineConfig(nil), cfg.Translation.Engines...)
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
