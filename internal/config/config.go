package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Sessions    SessionConfig     `yaml:"sessions"`
	LineStore   LineStoreConfig   `yaml:"line_store"`
	Segmenter   SegmenterConfig   `yaml:"segmenter"`
	STT         STTConfig         `yaml:"stt"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Queue       QueueConfig       `yaml:"queue"`
	Translation TranslationConfig `yaml:"translation"`
	Cache       CacheConfig       `yaml:"cache"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// SessionConfig holds defaults applied to sessions that do not announce
// their own settings on session.control.
type SessionConfig struct {
	DefaultLanguages []string `yaml:"default_languages"`
	DefaultPriority  string   `yaml:"default_priority"`
	LanguageHint     string   `yaml:"language_hint"`
	PublishTail      bool     `yaml:"publish_tail"`
	SegmentBacklog   int      `yaml:"segment_backlog"`
}

type LineStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SegmenterConfig struct {
	SampleRate         int     `yaml:"sample_rate"`
	Channels           int     `yaml:"channels"`
	FrameDurationMS    int     `yaml:"frame_duration_ms"`
	EnergyThreshold    float64 `yaml:"energy_threshold"`
	NoiseFloorRatio    float64 `yaml:"noise_floor_ratio"`
	SmoothingFrames    int     `yaml:"smoothing_frames"`
	PreRollMS          int     `yaml:"pre_roll_ms"`
	SilenceCloseMS     int     `yaml:"silence_close_ms"`
	MaxSegmentMS       int     `yaml:"max_segment_ms"`
	MaxBufferBytes     int     `yaml:"max_buffer_bytes"`
	MinSegmentMS       int     `yaml:"min_segment_ms"`
	NearSilenceRMS     float64 `yaml:"near_silence_rms"`
	FallbackIntervalMS int     `yaml:"fallback_interval_ms"`
}

type STTConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Mode              string `yaml:"mode"` // mock, exec, openai
	Command           string `yaml:"command"`
	ModelPath         string `yaml:"model_path"`
	Model             string `yaml:"model"`
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	TimeoutMS         int    `yaml:"timeout_ms"`
	MinCandidateChars int    `yaml:"min_candidate_chars"`
}

type ReconcilerConfig struct {
	OverlapToleranceMS  int      `yaml:"overlap_tolerance_ms"`
	DuplicateSimilarity float64  `yaml:"duplicate_similarity"`
	OverlapSimilarity   float64  `yaml:"overlap_similarity"`
	MinOverlapWords     int      `yaml:"min_overlap_words"`
	MaxOverlapWords     int      `yaml:"max_overlap_words"`
	MinFragmentChars    int      `yaml:"min_fragment_chars"`
	ForceBoundaryChars  int      `yaml:"force_boundary_chars"`
	ClosingPhrases      []string `yaml:"closing_phrases"`
	NoisePatterns       []string `yaml:"noise_patterns"`
	RetainCandidates    int      `yaml:"retain_candidates"`
}

type QueueConfig struct {
	HighPriorityBaseMS  int `yaml:"high_priority_base_ms"`
	NormalBaseMS        int `yaml:"normal_base_ms"`
	PerLanguageMS       int `yaml:"per_language_ms"`
	LanguageCapMS       int `yaml:"language_cap_ms"`
	FallbackConcurrency int `yaml:"fallback_concurrency"`
	DispatchTimeoutMS   int `yaml:"dispatch_timeout_ms"`
}

type TranslationConfig struct {
	Engines       []EngineConfig `yaml:"engines"`
	TrivialLength int            `yaml:"trivial_length"`
	Concurrency   int            `yaml:"concurrency"`
}

// EngineConfig describes one rung of the translation chain. Rank follows
// the order of the list.
type EngineConfig struct {
	Name              string  `yaml:"name"`
	Kind              string  `yaml:"kind"` // openai, ollama, libre, exec, local
	Enabled           bool    `yaml:"enabled"`
	Endpoint          string  `yaml:"endpoint"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	Command           string  `yaml:"command"`
	Quality           float64 `yaml:"quality"`
	TimeoutMS         int     `yaml:"timeout_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	TTLHours          int     `yaml:"ttl_hours"`
}

type CacheConfig struct {
	Path             string  `yaml:"path"`
	LRUSize          int     `yaml:"lru_size"`
	DefaultTTLHours  int     `yaml:"default_ttl_hours"`
	SweepIntervalMS  int     `yaml:"sweep_interval_ms"`
	MaxEntries       int     `yaml:"max_entries"`
	MinUsage         int     `yaml:"min_usage"`
	LowUsageAgeHours int     `yaml:"low_usage_age_hours"`
	MaxAgeHours      int     `yaml:"max_age_hours"`
	RetranslateBelow float64 `yaml:"retranslate_below"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-live",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Sessions: SessionConfig{
			DefaultLanguages: []string{"en"},
			DefaultPriority:  "normal",
			PublishTail:      true,
			SegmentBacklog:   32,
		},
		LineStore: LineStoreConfig{
			Path:          "./data/loqa-lines.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Segmenter: SegmenterConfig{
			SampleRate:         16000,
			Channels:           1,
			FrameDurationMS:    20,
			EnergyThreshold:    0.015,
			NoiseFloorRatio:    3.0,
			SmoothingFrames:    10,
			PreRollMS:          300,
			SilenceCloseMS:     1500,
			MaxSegmentMS:       12000,
			MaxBufferBytes:     16000 * 2 * 15,
			MinSegmentMS:       400,
			NearSilenceRMS:     0.004,
			FallbackIntervalMS: 5000,
		},
		STT: STTConfig{
			Enabled:           false,
			Mode:              "mock",
			Model:             "whisper-1",
			TimeoutMS:         15000,
			MinCandidateChars: 2,
		},
		Reconciler: ReconcilerConfig{
			OverlapToleranceMS:  1000,
			DuplicateSimilarity: 0.9,
			OverlapSimilarity:   0.8,
			MinOverlapWords:     3,
			MaxOverlapWords:     5,
			MinFragmentChars:    3,
			ForceBoundaryChars:  100,
			ClosingPhrases:      []string{"감사합니다", "고맙습니다", "수고하셨습니다"},
			RetainCandidates:    16,
		},
		Queue: QueueConfig{
			HighPriorityBaseMS:  150,
			NormalBaseMS:        600,
			PerLanguageMS:       100,
			LanguageCapMS:       500,
			FallbackConcurrency: 3,
			DispatchTimeoutMS:   30000,
		},
		Translation: TranslationConfig{
			TrivialLength: 10,
			Concurrency:   3,
			Engines: []EngineConfig{
				{Name: "openai", Kind: "openai", Model: "gpt-4o-mini", Quality: 0.95, TimeoutMS: 8000, RequestsPerSecond: 5, Burst: 5, TTLHours: 24 * 30},
				{Name: "ollama", Kind: "ollama", Endpoint: "http://localhost:11434", Model: "llama3.2:latest", Quality: 0.85, TimeoutMS: 8000, TTLHours: 24 * 14},
				{Name: "libre", Kind: "libre", Endpoint: "http://localhost:5000", Quality: 0.7, TimeoutMS: 5000, TTLHours: 24 * 7},
				{Name: "local", Kind: "local", Enabled: true, Quality: 0.1, TTLHours: 1},
			},
		},
		Cache: CacheConfig{
			Path:             "./data/loqa-translations.db",
			LRUSize:          4096,
			DefaultTTLHours:  24,
			SweepIntervalMS:  10 * 60 * 1000,
			MaxEntries:       200000,
			MinUsage:         2,
			LowUsageAgeHours: 24 * 3,
			MaxAgeHours:      24 * 60,
			RetranslateBelow: 0.5,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_LIVE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_LIVE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_LIVE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_LIVE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_LIVE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_LIVE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_LIVE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_LIVE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_LIVE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_LIVE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_LIVE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_LIVE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_LIVE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_LIVE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_LIVE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_LIVE_BUS_CONNECT_TIMEOUT_MS")
	overrideStringSlice(&cfg.Sessions.DefaultLanguages, "LOQA_LIVE_SESSIONS_DEFAULT_LANGUAGES")
	overrideString(&cfg.Sessions.DefaultPriority, "LOQA_LIVE_SESSIONS_DEFAULT_PRIORITY")
	overrideString(&cfg.Sessions.LanguageHint, "LOQA_LIVE_SESSIONS_LANGUAGE_HINT")
	overrideBool(&cfg.Sessions.PublishTail, "LOQA_LIVE_SESSIONS_PUBLISH_TAIL")
	overrideString(&cfg.LineStore.Path, "LOQA_LIVE_LINE_STORE_PATH")
	overrideString(&cfg.LineStore.RetentionMode, "LOQA_LIVE_LINE_STORE_RETENTION_MODE")
	overrideInt(&cfg.LineStore.RetentionDays, "LOQA_LIVE_LINE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.LineStore.MaxSessions, "LOQA_LIVE_LINE_STORE_MAX_SESSIONS")
	overrideBool(&cfg.LineStore.VacuumOnStart, "LOQA_LIVE_LINE_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Segmenter.SampleRate, "LOQA_LIVE_SEGMENTER_SAMPLE_RATE")
	overrideInt(&cfg.Segmenter.Channels, "LOQA_LIVE_SEGMENTER_CHANNELS")
	overrideFloat(&cfg.Segmenter.EnergyThreshold, "LOQA_LIVE_SEGMENTER_ENERGY_THRESHOLD")
	overrideInt(&cfg.Segmenter.SilenceCloseMS, "LOQA_LIVE_SEGMENTER_SILENCE_CLOSE_MS")
	overrideInt(&cfg.Segmenter.MaxSegmentMS, "LOQA_LIVE_SEGMENTER_MAX_SEGMENT_MS")
	overrideInt(&cfg.Segmenter.MinSegmentMS, "LOQA_LIVE_SEGMENTER_MIN_SEGMENT_MS")
	overrideFloat(&cfg.Segmenter.NearSilenceRMS, "LOQA_LIVE_SEGMENTER_NEAR_SILENCE_RMS")
	overrideInt(&cfg.Segmenter.FallbackIntervalMS, "LOQA_LIVE_SEGMENTER_FALLBACK_INTERVAL_MS")
	overrideBool(&cfg.STT.Enabled, "LOQA_LIVE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_LIVE_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_LIVE_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_LIVE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Model, "LOQA_LIVE_STT_MODEL")
	overrideString(&cfg.STT.APIKey, "LOQA_LIVE_STT_API_KEY")
	overrideString(&cfg.STT.BaseURL, "LOQA_LIVE_STT_BASE_URL")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_LIVE_STT_TIMEOUT_MS")
	overrideFloat(&cfg.Reconciler.DuplicateSimilarity, "LOQA_LIVE_RECONCILER_DUPLICATE_SIMILARITY")
	overrideFloat(&cfg.Reconciler.OverlapSimilarity, "LOQA_LIVE_RECONCILER_OVERLAP_SIMILARITY")
	overrideInt(&cfg.Reconciler.ForceBoundaryChars, "LOQA_LIVE_RECONCILER_FORCE_BOUNDARY_CHARS")
	overrideInt(&cfg.Queue.HighPriorityBaseMS, "LOQA_LIVE_QUEUE_HIGH_PRIORITY_BASE_MS")
	overrideInt(&cfg.Queue.NormalBaseMS, "LOQA_LIVE_QUEUE_NORMAL_BASE_MS")
	overrideInt(&cfg.Queue.PerLanguageMS, "LOQA_LIVE_QUEUE_PER_LANGUAGE_MS")
	overrideInt(&cfg.Queue.LanguageCapMS, "LOQA_LIVE_QUEUE_LANGUAGE_CAP_MS")
	overrideInt(&cfg.Queue.FallbackConcurrency, "LOQA_LIVE_QUEUE_FALLBACK_CONCURRENCY")
	overrideInt(&cfg.Translation.TrivialLength, "LOQA_LIVE_TRANSLATION_TRIVIAL_LENGTH")
	overrideString(&cfg.Cache.Path, "LOQA_LIVE_CACHE_PATH")
	overrideInt(&cfg.Cache.LRUSize, "LOQA_LIVE_CACHE_LRU_SIZE")
	overrideInt(&cfg.Cache.MaxEntries, "LOQA_LIVE_CACHE_MAX_ENTRIES")
	overrideInt(&cfg.Cache.SweepIntervalMS, "LOQA_LIVE_CACHE_SWEEP_INTERVAL_MS")
	for i := range cfg.Translation.Engines {
		engine := &cfg.Translation.Engines[i]
		prefix := "LOQA_LIVE_ENGINE_" + envName(engine.Name) + "_"
		overrideBool(&engine.Enabled, prefix+"ENABLED")
		overrideString(&engine.Endpoint, prefix+"ENDPOINT")
		overrideString(&engine.APIKey, prefix+"API_KEY")
		overrideString(&engine.Model, prefix+"MODEL")
		overrideString(&engine.Command, prefix+"COMMAND")
		overrideInt(&engine.TimeoutMS, prefix+"TIMEOUT_MS")
	}
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Sessions.DefaultPriority {
	case "high", "normal":
	default:
		return errors.New("sessions.default_priority must be one of high|normal")
	}
	if cfg.LineStore.Path == "" {
		return errors.New("line_store.path must not be empty")
	}
	switch cfg.LineStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("line_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.LineStore.RetentionDays < 0 {
		return errors.New("line_store.retention_days must be >= 0")
	}
	if cfg.Segmenter.SampleRate <= 0 {
		return errors.New("segmenter.sample_rate must be positive")
	}
	if cfg.Segmenter.Channels <= 0 {
		return errors.New("segmenter.channels must be positive")
	}
	if cfg.Segmenter.FrameDurationMS <= 0 {
		return errors.New("segmenter.frame_duration_ms must be positive")
	}
	if cfg.Segmenter.SilenceCloseMS <= 0 {
		return errors.New("segmenter.silence_close_ms must be positive")
	}
	if cfg.Segmenter.MaxSegmentMS <= cfg.Segmenter.MinSegmentMS {
		return errors.New("segmenter.max_segment_ms must be greater than min_segment_ms")
	}
	if cfg.Segmenter.FallbackIntervalMS <= 0 {
		return errors.New("segmenter.fallback_interval_ms must be positive")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "openai":
		default:
			return errors.New("stt.mode must be one of mock|exec|openai")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Mode == "openai" && cfg.STT.APIKey == "" {
			return errors.New("stt.api_key must be set when mode=openai")
		}
	}
	if cfg.Reconciler.MinOverlapWords <= 0 || cfg.Reconciler.MaxOverlapWords < cfg.Reconciler.MinOverlapWords {
		return errors.New("reconciler overlap word bounds are invalid")
	}
	if cfg.Reconciler.DuplicateSimilarity <= 0 || cfg.Reconciler.DuplicateSimilarity > 1 {
		return errors.New("reconciler.duplicate_similarity must be in (0, 1]")
	}
	if cfg.Reconciler.OverlapSimilarity <= 0 || cfg.Reconciler.OverlapSimilarity > 1 {
		return errors.New("reconciler.overlap_similarity must be in (0, 1]")
	}
	if cfg.Queue.FallbackConcurrency <= 0 {
		return errors.New("queue.fallback_concurrency must be >= 1")
	}
	if cfg.Queue.HighPriorityBaseMS > cfg.Queue.NormalBaseMS {
		return errors.New("queue.high_priority_base_ms must not exceed normal_base_ms")
	}
	if err := validateEngines(cfg.Translation.Engines); err != nil {
		return err
	}
	if cfg.Cache.Path == "" {
		return errors.New("cache.path must not be empty")
	}
	if cfg.Cache.MaxAgeHours > 0 && cfg.Cache.LowUsageAgeHours > cfg.Cache.MaxAgeHours {
		return errors.New("cache.low_usage_age_hours must not exceed max_age_hours")
	}
	return nil
}

func validateEngines(engines []EngineConfig) error {
	seen := make(map[string]struct{}, len(engines))
	hasLocal := false
	for _, engine := range engines {
		if engine.Name == "" {
			return errors.New("translation.engines[].name must not be empty")
		}
		if _, dup := seen[engine.Name]; dup {
			return fmt.Errorf("translation engine %q declared twice", engine.Name)
		}
		seen[engine.Name] = struct{}{}
		if !engine.Enabled {
			continue
		}
		switch engine.Kind {
		case "openai":
			if engine.APIKey == "" {
				return fmt.Errorf("translation engine %q requires api_key", engine.Name)
			}
		case "ollama", "libre":
			if engine.Endpoint == "" {
				return fmt.Errorf("translation engine %q requires endpoint", engine.Name)
			}
		case "exec":
			if engine.Command == "" {
				return fmt.Errorf("translation engine %q requires command", engine.Name)
			}
		case "local":
			hasLocal = true
		default:
			return fmt.Errorf("translation engine %q has unknown kind %q", engine.Name, engine.Kind)
		}
		if engine.Quality < 0 || engine.Quality > 1 {
			return fmt.Errorf("translation engine %q quality must be in [0, 1]", engine.Name)
		}
	}
	if !hasLocal {
		return errors.New("translation.engines must include an enabled local engine")
	}
	return nil
}
