package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

// testKey is a valid 32-byte base64 secret.
var testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(key, val)
}

func clearSecrets(t *testing.T) {
	t.Helper()
	os.Unsetenv("SECRET_KEY")
	os.Unsetenv("SECRET_KEY_FILE")
}

func TestLoadMissingSecret(t *testing.T) {
	clearSecrets(t)
	if _, err := Load(); err == nil {
		t.Error("expected error when SECRET_KEY missing")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearSecrets(t)
	setEnv(t, "SECRET_KEY", testKey)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProjectName != "LONG" {
		t.Errorf("ProjectName: got %q", cfg.ProjectName)
	}
	if cfg.DefaultLimit != 9000 {
		t.Errorf("DefaultLimit: got %d", cfg.DefaultLimit)
	}
	if cfg.ScoreThreshold != 3.0 {
		t.Errorf("ScoreThreshold: got %g", cfg.ScoreThreshold)
	}
	if cfg.TimeBan.Hours() != 168 {
		t.Errorf("TimeBan: got %s", cfg.TimeBan)
	}
	if len(cfg.WordTables) != 1 || cfg.WordTables[0] != "wb" {
		t.Errorf("WordTables: got %v", cfg.WordTables)
	}
	if cfg.EpochResetCron != "@weekly" {
		t.Errorf("EpochResetCron: got %q", cfg.EpochResetCron)
	}
	if cfg.PoolWorkers != 4 {
		t.Errorf("PoolWorkers: got %d", cfg.PoolWorkers)
	}
	if cfg.PlatformDriver != "memory" {
		t.Errorf("PlatformDriver: got %q", cfg.PlatformDriver)
	}
}

func TestKeyDecodes(t *testing.T) {
	clearSecrets(t)
	setEnv(t, "SECRET_KEY", testKey)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	key := cfg.Key()
	if string(key[:]) != "0123456789abcdef0123456789abcdef" {
		t.Error("Key() did not decode the configured secret")
	}
}

func TestSecretKeyValidation(t *testing.T) {
	clearSecrets(t)

	setEnv(t, "SECRET_KEY", "not base64 !!!")
	if _, err := Load(); err == nil {
		t.Error("expected error for non-base64 key")
	}

	setEnv(t, "SECRET_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
	if _, err := Load(); err == nil {
		t.Error("expected error for wrong-length key")
	}
}

func TestFileSecretInjection(t *testing.T) {
	clearSecrets(t)
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "secret_key.txt")
	if err := os.WriteFile(keyFile, []byte("  "+testKey+"  \n"), 0o600); err != nil {
		t.Fatal(err)
	}

	setEnv(t, "SECRET_KEY_FILE", keyFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with file secret: %v", err)
	}
	if cfg.SecretKey != testKey {
		t.Errorf("SecretKey from file: got %q", cfg.SecretKey)
	}
}

func TestBotIDsCSV(t *testing.T) {
	clearSecrets(t)
	setEnv(t, "SECRET_KEY", testKey)
	setEnv(t, "BOT_IDS", "101, 102 ,103")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.BotIDs) != 3 || cfg.BotIDs[0] != 101 || cfg.BotIDs[2] != 103 {
		t.Errorf("BotIDs: got %v", cfg.BotIDs)
	}
}

func TestBotIDsInvalid(t *testing.T) {
	clearSecrets(t)
	setEnv(t, "SECRET_KEY", testKey)
	setEnv(t, "BOT_IDS", "101,abc")

	if _, err := Load(); err == nil {
		t.Error("expected error for non-numeric bot id")
	}
}

func TestWordTablesCSV(t *testing.T) {
	clearSecrets(t)
	setEnv(t, "SECRET_KEY", testKey)
	setEnv(t, "WORD_TABLES", "wb,ad")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.WordTables) != 2 || cfg.WordTables[1] != "ad" {
		t.Errorf("WordTables: got %v", cfg.WordTables)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"lowercase project", "PROJECT_NAME", "long"},
		{"bad cron", "EPOCH_RESET_CRON", "every sunday"},
		{"zero limit", "DEFAULT_LIMIT", "0"},
		{"zero threshold", "SCORE_THRESHOLD", "0"},
		{"too many workers", "POOL_WORKERS", "100"},
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"bad log format", "LOG_FORMAT", "xml"},
		{"zero rate", "RATELIMIT_RATE", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearSecrets(t)
			setEnv(t, "SECRET_KEY", testKey)
			setEnv(t, tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Errorf("expected validation error for %s=%s", tc.key, tc.val)
			}
		})
	}
}

func TestStripEnvQuotes(t *testing.T) {
	clearSecrets(t)
	setEnv(t, "SECRET_KEY", testKey)
	setEnv(t, "PROJECT_NAME", `"LONG"`)
	setEnv(t, "DATA_DIR", "'/var/lib/long'")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProjectName != "LONG" {
		t.Errorf("ProjectName: got %q", cfg.ProjectName)
	}
	if cfg.DataDir != "/var/lib/long" {
		t.Errorf("DataDir: got %q", cfg.DataDir)
	}
}
