package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("missing.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Acquisition.Period != 5*time.Millisecond || cfg.Storage.BatchSize != 50 || cfg.Queue.Capacity != 2000 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "logger.yaml", `
log:
  level: debug
ble:
  peer_name: "Stages Power L"
acquisition:
  period: 10ms
gps:
  lock_timeout: 3ms
storage:
  root: /mnt/sdcard
  retry_delay: 2s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" || cfg.BLE.PeerName != "Stages Power L" {
		t.Errorf("strings = %q %q", cfg.Log.Level, cfg.BLE.PeerName)
	}
	if cfg.Acquisition.Period != 10*time.Millisecond || cfg.Storage.RetryDelay != 2*time.Second {
		t.Errorf("durations = %v %v", cfg.Acquisition.Period, cfg.Storage.RetryDelay)
	}
	if cfg.GPS.LockTimeout != 3*time.Millisecond || cfg.GPS.ReopenDelay != time.Second {
		t.Errorf("gps = %+v", cfg.GPS)
	}
	if cfg.Storage.Root != "/mnt/sdcard" || cfg.Storage.BatchSize != 50 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, ".env", "LOGGER_BLE_PEER=Favero\nLOGGER_QUEUE_CAPACITY=4000\n")
	t.Setenv("LOGGER_QUEUE_CAPACITY", "3000")
	t.Setenv("LOGGER_STORAGE_MOCK", "true")
	t.Setenv("LOGGER_ACQ_PERIOD", "4ms")
	// .env values land in the process environment
	t.Cleanup(func() { os.Unsetenv("LOGGER_BLE_PEER") })

	cfg, err := Load(filepath.Join(dir, "none.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BLE.PeerName != "Favero" {
		t.Errorf("peer from .env = %q", cfg.BLE.PeerName)
	}
	if cfg.Queue.Capacity != 3000 {
		t.Errorf("capacity = %d, environment should win over .env", cfg.Queue.Capacity)
	}
	if !cfg.Storage.Mock || cfg.Acquisition.Period != 4*time.Millisecond {
		t.Errorf("mock = %v, period = %v", cfg.Storage.Mock, cfg.Acquisition.Period)
	}
}

func TestBadEnvironmentValue(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOGGER_STORAGE_BATCH", "fifty")
	if _, err := Load("none.yaml"); err == nil || !strings.Contains(err.Error(), "LOGGER_STORAGE_BATCH") {
		t.Fatalf("Load = %v, want error naming the variable", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }, "queue.capacity"},
		{"batch above capacity", func(c *Config) { c.Storage.BatchSize = 5000 }, "exceeds"},
		{"negative period", func(c *Config) { c.Acquisition.Period = -time.Millisecond }, "acquisition.period"},
		{"no root", func(c *Config) { c.Storage.Root = "" }, "storage.root"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"gps lock timeout", func(c *Config) { c.GPS.LockTimeout = 0 }, "gps.lock_timeout"},
		{"console bus timeout", func(c *Config) { c.Console.BusTimeout = 0 }, "console.bus_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want mention of %q", err, tt.want)
			}
		})
	}

	cfg := getDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	cfg.Storage.Root = ""
	cfg.Storage.Mock = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("mock card without root: %v", err)
	}
}
