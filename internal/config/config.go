// Package config loads service settings.
//
// Precedence: defaults → YAML file (CONFIG_FILE) → environment variables.
// Environment variable names are flat and match the names operators already
// use for the service (MAX_QUEUE_SIZE, GROQ_API_KEY, WHISPER_URL, ...).
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Gate      GateConfig      `yaml:"gate"`
	Memory    MemoryConfig    `yaml:"memory"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Storage   StorageConfig   `yaml:"storage"`
	Whisper   WhisperConfig   `yaml:"whisper"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Audio     AudioConfig     `yaml:"audio"`
}

type ServerConfig struct {
	Addr                   string  `yaml:"addr" env:"HTTP_ADDR"`
	ShutdownTimeoutSeconds int     `yaml:"shutdown_timeout_seconds" env:"SHUTDOWN_TIMEOUT_SECONDS"`
	MaxUploadBytes         int64   `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	RateLimitRPS           float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst         int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	EnableMCP              bool    `yaml:"enable_mcp" env:"ENABLE_MCP"`
}

type QueueConfig struct {
	MaxSize              int    `yaml:"max_size" env:"MAX_QUEUE_SIZE"`
	JobTimeoutSeconds    int    `yaml:"job_timeout_seconds" env:"JOB_TIMEOUT_SECONDS"`
	Workers              int    `yaml:"workers" env:"QUEUE_WORKERS"`
	TempDir              string `yaml:"temp_dir" env:"TEMP_DIR"`
	TempRetentionMinutes int    `yaml:"temp_retention_minutes" env:"TEMP_RETENTION_MINUTES"`
}

// KeywordCategory is one entry of the gate keyword taxonomy.
type KeywordCategory struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

type GateConfig struct {
	MinWordsBuffer      int               `yaml:"min_words_buffer" env:"GATE_MIN_WORDS"`
	MinCharsBuffer      int               `yaml:"min_chars_buffer" env:"GATE_MIN_CHARS"`
	CooldownSeconds     float64           `yaml:"cooldown_seconds" env:"GATE_COOLDOWN_SECONDS"`
	KeywordScore        int               `yaml:"keyword_score" env:"GATE_KEYWORD_SCORE"`
	MinScoreToPass      int               `yaml:"min_score_to_pass" env:"GATE_MIN_SCORE"`
	LengthFallbackWords int               `yaml:"length_fallback_words" env:"GATE_LENGTH_FALLBACK_WORDS"`
	MinAlphaRatio       float64           `yaml:"min_alpha_ratio" env:"GATE_MIN_ALPHA_RATIO"`
	Keywords            []KeywordCategory `yaml:"keywords"`
}

type MemoryConfig struct {
	Dir                    string  `yaml:"dir" env:"MEMORY_DIR"`
	DedupeWindow           int     `yaml:"dedupe_window" env:"DEDUPE_WINDOW"`
	InsightCooldownSeconds float64 `yaml:"insight_cooldown_seconds" env:"INSIGHT_COOLDOWN_SECONDS"`
	MaxChunks              int     `yaml:"max_chunks" env:"MAX_CHUNKS_PER_ROOM"`
	SummaryMaxChars        int     `yaml:"summary_max_chars" env:"SUMMARY_LIVE_MAX_CHARS"`
	BufferMaxChunks        int     `yaml:"buffer_max_chunks" env:"BUFFER_MAX_CHUNKS"`
	BufferMaxChars         int     `yaml:"buffer_max_chars" env:"BUFFER_MAX_CHARS"`
	MaxSignalItems         int     `yaml:"max_signal_items" env:"MAX_SIGNAL_ITEMS"`
}

type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" env:"CONTEXT_ENABLED"`
	Dir             string `yaml:"dir" env:"CONTEXT_STORE_DIR"`
	KRetrieval      int    `yaml:"k_retrieval" env:"CONTEXT_K_RETRIEVAL"`
	RetentionChunks int    `yaml:"retention_chunks" env:"CONTEXT_RETENTION_CHUNKS"`
}

// StorageConfig selects where room and archive documents live.
// Backend is one of "file", "redis" or "sqlite".
type StorageConfig struct {
	Backend       string `yaml:"backend" env:"STORAGE_BACKEND"`
	FileLocking   bool   `yaml:"file_locking" env:"STORAGE_FILE_LOCKING"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" env:"REDIS_KEY_PREFIX"`
	SQLitePath    string `yaml:"sqlite_path" env:"SQLITE_PATH"`
}

type WhisperConfig struct {
	URL       string `yaml:"url" env:"WHISPER_URL"`
	TimeoutMS int    `yaml:"timeout_ms" env:"WHISPER_TIMEOUT_MS"`
	Language  string `yaml:"language" env:"STT_LANGUAGE"`
	BeamSize  int    `yaml:"beam_size" env:"STT_BEAM_SIZE"`
	Translate bool   `yaml:"translate" env:"WHISPER_TRANSLATE"`
}

type LLMConfig struct {
	APIKey         string  `yaml:"api_key" env:"GROQ_API_KEY"`
	BaseURL        string  `yaml:"base_url" env:"GROQ_BASE_URL"`
	Model          string  `yaml:"model" env:"GROQ_MODEL"`
	FallbackModel  string  `yaml:"fallback_model" env:"GROQ_FALLBACK_MODEL"`
	Require        bool    `yaml:"require" env:"REQUIRE_GROQ"`
	TimeoutSeconds int     `yaml:"timeout_seconds" env:"LLM_TIMEOUT_SECONDS"`
	Temperature    float64 `yaml:"temperature" env:"LLM_TEMPERATURE"`
}

// EmbeddingConfig picks the archive embedder. An empty Provider disables
// embeddings and retrieval falls back to recency.
type EmbeddingConfig struct {
	Provider string `yaml:"provider" env:"EMBEDDING_PROVIDER"`
	Model    string `yaml:"model" env:"EMBEDDING_MODEL"`
	APIKey   string `yaml:"api_key" env:"EMBEDDING_API_KEY"`
	BaseURL  string `yaml:"base_url" env:"EMBEDDING_BASE_URL"`
}

type AudioConfig struct {
	FFmpegBin string `yaml:"ffmpeg_bin" env:"FFMPEG_BIN"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                   ":8000",
			ShutdownTimeoutSeconds: 15,
			MaxUploadBytes:         25 << 20,
			RateLimitRPS:           10,
			RateLimitBurst:         20,
			EnableMCP:              true,
		},
		Queue: QueueConfig{
			MaxSize:              200,
			JobTimeoutSeconds:    120,
			Workers:              1,
			TempRetentionMinutes: 30,
		},
		Gate: GateConfig{
			MinWordsBuffer:      18,
			MinCharsBuffer:      60,
			CooldownSeconds:     8,
			KeywordScore:        2,
			MinScoreToPass:      3,
			LengthFallbackWords: 36,
			MinAlphaRatio:       0.55,
		},
		Memory: MemoryConfig{
			Dir:                    "./memory",
			DedupeWindow:           200,
			InsightCooldownSeconds: 10,
			MaxChunks:              80,
			SummaryMaxChars:        1200,
			BufferMaxChunks:        8,
			BufferMaxChars:         2200,
			MaxSignalItems:         50,
		},
		Archive: ArchiveConfig{
			Enabled:         true,
			Dir:             "./context_store",
			KRetrieval:      5,
			RetentionChunks: 500,
		},
		Storage: StorageConfig{
			Backend:     "file",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "dealsignal",
			SQLitePath:  "./dealsignal.db",
		},
		Whisper: WhisperConfig{
			TimeoutMS: 60000,
			Language:  "pt",
			BeamSize:  1,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.groq.com/openai/v1",
			Model:          "llama-3.3-70b-versatile",
			TimeoutSeconds: 60,
			Temperature:    0.2,
		},
		Audio: AudioConfig{FFmpegBin: "ffmpeg"},
	}
}

// Load reads defaults, then the YAML file at path (if non-empty and
// present), then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads using the CONFIG_FILE environment variable as the YAML path.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}
		key := t.Field(i).Tag.Get("env")
		if key == "" || key == "-" {
			continue
		}
		raw, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := setField(field, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", value)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.MaxSize <= 0 {
		errs = append(errs, errors.New("queue max_size must be positive"))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("queue workers must be positive"))
	}
	if c.Queue.JobTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("job timeout must be positive"))
	}
	if c.Gate.MinAlphaRatio < 0 || c.Gate.MinAlphaRatio > 1 {
		errs = append(errs, errors.New("gate min_alpha_ratio must be within [0,1]"))
	}
	if c.Gate.CooldownSeconds < 0 || c.Memory.InsightCooldownSeconds < 0 {
		errs = append(errs, errors.New("cooldowns must not be negative"))
	}
	if c.Memory.MaxChunks <= 0 || c.Memory.DedupeWindow <= 0 {
		errs = append(errs, errors.New("memory max_chunks and dedupe_window must be positive"))
	}
	if c.Memory.BufferMaxChunks <= 0 || c.Memory.BufferMaxChars <= 0 || c.Memory.SummaryMaxChars <= 0 {
		errs = append(errs, errors.New("memory buffer and summary bounds must be positive"))
	}
	if c.Archive.KRetrieval <= 0 || c.Archive.RetentionChunks <= 0 {
		errs = append(errs, errors.New("archive k_retrieval and retention_chunks must be positive"))
	}
	switch c.Storage.Backend {
	case "file", "redis", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Embedding.Provider {
	case "", "none", "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider))
	}
	if c.LLM.Require && strings.TrimSpace(c.LLM.APIKey) == "" {
		errs = append(errs, errors.New("GROQ_API_KEY is required when REQUIRE_GROQ is set"))
	}
	return errors.Join(errs...)
}

// JobTimeout is the caller-side deadline for one submitted chunk.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Queue.JobTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// LLMEnabled reports whether an analysis backend can be built.
func (c *Config) LLMEnabled() bool {
	return strings.TrimSpace(c.LLM.APIKey) != ""
}
