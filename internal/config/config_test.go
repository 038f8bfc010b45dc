package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(configPathEnv, "")
	cfg := Load()
	if cfg.TaskLogRetention != 144*time.Hour {
		t.Fatalf("retention default = %s", cfg.TaskLogRetention)
	}
	if cfg.StaleInProgressAge != 7*24*time.Hour {
		t.Fatalf("stale age default = %s", cfg.StaleInProgressAge)
	}
	if !reflect.DeepEqual(cfg.PriorityQueues, []string{"high", "default", "low"}) {
		t.Fatalf("priority queues = %v", cfg.PriorityQueues)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "curator.yaml")
	yamlDoc := []byte(`
http_port: "9000"
log_format: json
task_log_retention: 48h
notify_recipients:
  - ops@example.com
max_attempts: 9
`)
	if err := os.WriteFile(path, yamlDoc, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(configPathEnv, path)
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("NOTIFY_RECIPIENTS", "a@example.com, b@example.com")

	cfg := Load()
	if cfg.HTTPPort != "9000" || cfg.LogFormat != "json" {
		t.Fatalf("yaml values not applied: port=%s format=%s", cfg.HTTPPort, cfg.LogFormat)
	}
	if cfg.TaskLogRetention != 48*time.Hour {
		t.Fatalf("retention = %s, want 48h", cfg.TaskLogRetention)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("env should win over yaml, got %d", cfg.MaxAttempts)
	}
	if !reflect.DeepEqual(cfg.NotifyRecipients, []string{"a@example.com", "b@example.com"}) {
		t.Fatalf("recipients = %v", cfg.NotifyRecipients)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("unset keys should keep defaults, got %s", cfg.RedisAddr)
	}
}

func TestLoadBadYAMLFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("http_port: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(configPathEnv, path)
	if got := Load().HTTPPort; got != "8080" {
		t.Fatalf("expected default port after parse error, got %s", got)
	}
}

func TestGetEnvIgnoresMalformed(t *testing.T) {
	t.Setenv("CURATOR_TEST_DURATION", "soon")
	if got := getEnvDuration("CURATOR_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("got %s", got)
	}
	t.Setenv("CURATOR_TEST_BOOL", "true")
	if !getEnvBool("CURATOR_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
}
