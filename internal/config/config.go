package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the logger looks for its config file.
const DefaultPath = "config/logger.yaml"

// Config is the complete logger configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	BLE         BLEConfig         `yaml:"ble"`
	GPS         GPSConfig         `yaml:"gps"`
	IMU         IMUConfig         `yaml:"imu"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Queue       QueueConfig       `yaml:"queue"`
	Storage     StorageConfig     `yaml:"storage"`
	Display     DisplayConfig     `yaml:"display"`
	Console     ConsoleConfig     `yaml:"console"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`
}

type BLEConfig struct {
	Enabled bool `yaml:"enabled"`
	// PeerName connects only to the meter advertising this name.
	PeerName    string        `yaml:"peer_name"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	RescanDelay time.Duration `yaml:"rescan_delay"`
	EventBuffer int           `yaml:"event_buffer"`
}

type GPSConfig struct {
	Enabled bool `yaml:"enabled"`
	// Device is a serial port or an NMEA replay file.
	Device   string        `yaml:"device"`
	Simulate bool          `yaml:"simulate"`
	RateHz   int           `yaml:"rate_hz"`
	MaxAge   time.Duration `yaml:"max_age"`

	LockTimeout time.Duration `yaml:"lock_timeout"`
	// ReopenDelay spaces out attempts to reopen a failing receiver.
	ReopenDelay time.Duration `yaml:"reopen_delay"`
}

type IMUConfig struct {
	Simulate bool `yaml:"simulate"`
	RateHz   int  `yaml:"rate_hz"`
}

type AcquisitionConfig struct {
	Period      time.Duration `yaml:"period"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	MaxLag      int           `yaml:"max_lag"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type StorageConfig struct {
	// Root is the card mount point.
	Root       string        `yaml:"root"`
	Mock       bool          `yaml:"mock"`
	BatchSize  int           `yaml:"batch_size"`
	PopTimeout time.Duration `yaml:"pop_timeout"`
	BusTimeout time.Duration `yaml:"bus_timeout"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	IdlePoll   time.Duration `yaml:"idle_poll"`
}

type DisplayConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	BusTimeout time.Duration `yaml:"bus_timeout"`
}

type ConsoleConfig struct {
	Enabled     bool          `yaml:"enabled"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// BusTimeout bounds the wait for the card bus in ls and export.
	BusTimeout time.Duration `yaml:"bus_timeout"`
}

// Load builds the configuration from defaults, then the YAML file at path
// (if it exists), then the environment. A .env file in the working
// directory is loaded first and never overrides variables already set.
func Load(path string) (*Config, error) {
	cfg := getDefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse logger config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("No config file, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("read logger config: %w", err)
	}

	if err := applyEnvironmentOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvironmentOverrides lets LOGGER_* variables replace file values.
func applyEnvironmentOverrides(cfg *Config) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LOGGER_LOG_LEVEL", &cfg.Log.Level)
	str("LOGGER_LOG_FILE", &cfg.Log.File)
	boolean("LOGGER_BLE_ENABLED", &cfg.BLE.Enabled)
	str("LOGGER_BLE_PEER", &cfg.BLE.PeerName)
	boolean("LOGGER_GPS_ENABLED", &cfg.GPS.Enabled)
	str("LOGGER_GPS_DEVICE", &cfg.GPS.Device)
	boolean("LOGGER_GPS_SIMULATE", &cfg.GPS.Simulate)
	boolean("LOGGER_IMU_SIMULATE", &cfg.IMU.Simulate)
	duration("LOGGER_ACQ_PERIOD", &cfg.Acquisition.Period)
	integer("LOGGER_QUEUE_CAPACITY", &cfg.Queue.Capacity)
	str("LOGGER_STORAGE_ROOT", &cfg.Storage.Root)
	boolean("LOGGER_STORAGE_MOCK", &cfg.Storage.Mock)
	integer("LOGGER_STORAGE_BATCH", &cfg.Storage.BatchSize)
	boolean("LOGGER_DISPLAY_ENABLED", &cfg.Display.Enabled)
	boolean("LOGGER_CONSOLE_ENABLED", &cfg.Console.Enabled)

	return errors.Join(errs...)
}

// Validate rejects settings the tasks cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}

	if c.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity))
	}
	if c.Storage.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("storage.batch_size must be positive, got %d", c.Storage.BatchSize))
	}
	if c.Storage.BatchSize > c.Queue.Capacity {
		errs = append(errs, fmt.Errorf("storage.batch_size %d exceeds queue.capacity %d", c.Storage.BatchSize, c.Queue.Capacity))
	}
	if !c.Storage.Mock && c.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required unless storage.mock is set"))
	}
	positive("acquisition.period", c.Acquisition.Period)
	positive("acquisition.lock_timeout", c.Acquisition.LockTimeout)
	positive("storage.pop_timeout", c.Storage.PopTimeout)
	positive("storage.bus_timeout", c.Storage.BusTimeout)
	positive("storage.retry_delay", c.Storage.RetryDelay)
	positive("gps.max_age", c.GPS.MaxAge)
	positive("gps.lock_timeout", c.GPS.LockTimeout)
	positive("gps.reopen_delay", c.GPS.ReopenDelay)
	if c.Console.Enabled {
		positive("console.lock_timeout", c.Console.LockTimeout)
		positive("console.bus_timeout", c.Console.BusTimeout)
	}
	if c.Display.Enabled {
		positive("display.interval", c.Display.Interval)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}
