package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration.
type Config struct {
	// Federation identity
	ProjectName string `koanf:"project_name"`
	SecretKey   string `koanf:"secret_key"`

	// Platform binding
	PlatformDriver string `koanf:"platform_driver"`
	DebugChannelID int64  `koanf:"debug_channel_id"`
	UserBotID      int64  `koanf:"user_bot_id"`
	BotIDs         []int64

	// Moderation policy
	DefaultLimit   int           `koanf:"default_limit"`
	ScoreThreshold float64       `koanf:"score_threshold"`
	TimeBan        time.Duration `koanf:"time_ban"`
	WordTables     []string
	EpochResetCron string `koanf:"epoch_reset_cron"`

	// Worker pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Platform API rate gate
	RateLimitRate  float64 `koanf:"ratelimit_rate"`
	RateLimitBurst int     `koanf:"ratelimit_burst"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
	HealthAddr     string `koanf:"health_addr"`
}

// Key decodes the shared federation key. Validate guarantees this succeeds.
func (c *Config) Key() [32]byte {
	var key [32]byte
	raw, _ := base64.StdEncoding.DecodeString(c.SecretKey)
	copy(key[:], raw)
	return key
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.ProjectName = stripEnvQuotes(c.ProjectName)
	c.SecretKey = stripEnvQuotes(c.SecretKey)
	c.PlatformDriver = stripEnvQuotes(c.PlatformDriver)
	c.EpochResetCron = stripEnvQuotes(c.EpochResetCron)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)

	for i, s := range c.WordTables {
		c.WordTables[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"project_name":     "LONG",
		"platform_driver":  "memory",
		"default_limit":    9000,
		"score_threshold":  3.0,
		"time_ban":         "168h",
		"word_tables":      "wb",
		"epoch_reset_cron": "@weekly",
		"pool_workers":     4,
		"pool_queue_depth": 4096,
		"pool_max_retries": 3,
		"pool_retry_base":  "1s",
		"ratelimit_rate":   20.0,
		"ratelimit_burst":  40,
		"data_dir":         "/data",
		"log_level":        "info",
		"log_format":       "json",
		"metrics_enabled":  true,
		"metrics_addr":     ":9090",
		"health_addr":      ":8081",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. SECRET_KEY → "secret_key"
	// maps to struct tag koanf:"secret_key" without any nesting.
	k := koanf.New(".")

	// Apply defaults first
	defs := defaults()
	if err := k.Load(&rawProvider{data: defs}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Load from environment with "." as delimiter so env vars aren't split
	// by "_". Our env var names don't contain ".", so they stay flat.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// Inject _FILE secrets
	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Post-process comma-separated list fields that koanf won't split automatically
	cfg.WordTables = splitCSV(k.String("word_tables"))
	botIDs, err := splitCSVInt64(k.String("bot_ids"))
	if err != nil {
		return nil, fmt.Errorf("BOT_IDS: %w", err)
	}
	cfg.BotIDs = botIDs

	// Strip Docker env-file quoting from all string values
	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.ProjectName == "" || c.ProjectName != strings.ToUpper(c.ProjectName) {
		return fmt.Errorf("PROJECT_NAME must be a non-empty uppercase identity; got %q", c.ProjectName)
	}

	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}
	raw, err := base64.StdEncoding.DecodeString(c.SecretKey)
	if err != nil {
		return fmt.Errorf("SECRET_KEY must be base64: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("SECRET_KEY must decode to 32 bytes; got %d", len(raw))
	}

	if c.PlatformDriver == "" {
		return fmt.Errorf("PLATFORM_DRIVER is required")
	}

	if c.DefaultLimit < 1 {
		return fmt.Errorf("DEFAULT_LIMIT must be >= 1; got %d", c.DefaultLimit)
	}

	if c.ScoreThreshold <= 0 {
		return fmt.Errorf("SCORE_THRESHOLD must be > 0; got %g", c.ScoreThreshold)
	}

	if c.TimeBan <= 0 {
		return fmt.Errorf("TIME_BAN must be > 0; got %s", c.TimeBan)
	}

	if len(c.WordTables) == 0 {
		return fmt.Errorf("WORD_TABLES must name at least one pattern table")
	}

	if _, err := cron.ParseStandard(c.EpochResetCron); err != nil {
		return fmt.Errorf("EPOCH_RESET_CRON is not a valid cron spec: %w", err)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}

	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}

	if c.RateLimitRate <= 0 {
		return fmt.Errorf("RATELIMIT_RATE must be > 0; got %g", c.RateLimitRate)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"secret_key",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			// Also check uppercased env var with _FILE suffix
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		// Strip quotes from file path in case it was quoted in Docker --env-file
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = stripEnvQuotes(strings.TrimSpace(p))
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func splitCSVInt64(s string) ([]int64, error) {
	parts := splitCSV(s)
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", p)
		}
		result = append(result, id)
	}
	return result, nil
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
