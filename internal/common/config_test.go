package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	if config.Server.Port != 3000 {
		t.Errorf("default port = %d, want 3000", config.Server.Port)
	}
	if config.Storage.Driver != "sqlite" {
		t.Errorf("default driver = %s", config.Storage.Driver)
	}
	if len(config.Queues) != 6 {
		t.Fatalf("default queues = %d, want 6", len(config.Queues))
	}
	for _, q := range config.Queues {
		if q.Concurrency != 2 || q.MaxRetries != 3 || q.RetryDelayMS != 1000 {
			t.Errorf("queue %s tuning = %+v", q.Name, q)
		}
		if q.Backoff != BackoffExponential {
			t.Errorf("queue %s backoff = %s", q.Name, q.Backoff)
		}
	}
}

func TestDispatcherDurations(t *testing.T) {
	d := DispatcherConfig{}
	if got := d.GetPromoteInterval(); got != 200*time.Millisecond {
		t.Errorf("promote interval default = %v", got)
	}
	if got := d.GetShutdownGrace(); got != 30*time.Second {
		t.Errorf("shutdown grace default = %v", got)
	}
	if got := d.GetStaleThreshold(); got != 60*time.Second {
		t.Errorf("stale threshold default = %v", got)
	}
	if got := d.GetMaxRetryDelay(); got != 10*time.Minute {
		t.Errorf("max retry delay default = %v", got)
	}
	if got := d.GetHandlerTimeout(); got != 0 {
		t.Errorf("handler timeout default = %v, want disabled", got)
	}

	d = DispatcherConfig{PromoteInterval: "50ms", ShutdownGrace: "bogus"}
	if got := d.GetPromoteInterval(); got != 50*time.Millisecond {
		t.Errorf("promote interval = %v", got)
	}
	if got := d.GetShutdownGrace(); got != 30*time.Second {
		t.Errorf("unparseable duration should fall back, got %v", got)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.toml")
	content := `
environment = "production"

[server]
port = 8080

[dispatcher]
promote_interval = "100ms"

[[queues]]
name = "email"
concurrency = 4
max_retries = 1
retry_delay_ms = 500
backoff = "fixed"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if config.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", config.Server.Port)
	}
	if !config.IsProduction() {
		t.Error("environment should be production")
	}
	if config.Dispatcher.GetPromoteInterval() != 100*time.Millisecond {
		t.Errorf("promote interval = %v", config.Dispatcher.GetPromoteInterval())
	}

	q, ok := config.QueueByName("email")
	if !ok {
		t.Fatal("email queue missing")
	}
	if q.Concurrency != 4 || q.MaxRetries != 1 || q.RetryDelayMS != 500 || q.Backoff != BackoffFixed {
		t.Errorf("queue = %+v", q)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	config, err := LoadConfig("/nonexistent/conveyor.toml")
	if err != nil {
		t.Fatal(err)
	}
	if config.Server.Port != 3000 {
		t.Errorf("port = %d, want default", config.Server.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DB_NAME", "/tmp/test.db")
	t.Setenv("EMAIL_CONCURRENCY", "8")
	t.Setenv("EMAIL_MAX_RETRIES", "0")

	config, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}

	if config.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", config.Server.Port)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("log level = %s", config.Logging.Level)
	}
	if config.Storage.Name != "/tmp/test.db" {
		t.Errorf("db name = %s", config.Storage.Name)
	}

	q, _ := config.QueueByName("email")
	if q.Concurrency != 8 {
		t.Errorf("email concurrency = %d, want 8", q.Concurrency)
	}
	if q.MaxRetries != 0 {
		t.Errorf("email max_retries = %d, want 0", q.MaxRetries)
	}
}

func TestValidateRejectsBadQueues(t *testing.T) {
	cases := []struct {
		name  string
		queue QueueConfig
	}{
		{"empty name", QueueConfig{Name: ""}},
		{"negative retries", QueueConfig{Name: "q", MaxRetries: -1}},
		{"negative delay", QueueConfig{Name: "q", RetryDelayMS: -5}},
		{"bad backoff", QueueConfig{Name: "q", Backoff: "cubic"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := NewDefaultConfig()
			config.Queues = []QueueConfig{tc.queue}
			if err := config.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateRejectsDuplicateQueues(t *testing.T) {
	config := NewDefaultConfig()
	config.Queues = append(config.Queues, NewDefaultQueueConfig("email"))
	if err := config.Validate(); err == nil {
		t.Error("duplicate queue names should be rejected")
	}
}

func TestValidateNormalizes(t *testing.T) {
	config := NewDefaultConfig()
	config.Queues = []QueueConfig{{Name: "q", Concurrency: 0, Backoff: ""}}
	if err := config.Validate(); err != nil {
		t.Fatal(err)
	}
	if config.Queues[0].Concurrency != 1 {
		t.Errorf("concurrency = %d, want normalized to 1", config.Queues[0].Concurrency)
	}
	if config.Queues[0].Backoff != BackoffExponential {
		t.Errorf("backoff = %s, want default exponential", config.Queues[0].Backoff)
	}
}
