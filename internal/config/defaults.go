package config

import (
	"time"

	"cycle-logger/internal/queue"
	"cycle-logger/internal/state"
)

// getDefaultConfig returns the configuration used when no file is present.
func getDefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level: "info",
		},
		BLE: BLEConfig{
			Enabled:     true,
			LockTimeout: 10 * time.Millisecond,
			RescanDelay: time.Second,
			EventBuffer: 64,
		},
		GPS: GPSConfig{
			Enabled:  true,
			Simulate: true,
			RateHz:   1,
			MaxAge:   state.DefaultGPSMaxAge,

			LockTimeout: 10 * time.Millisecond,
			ReopenDelay: time.Second,
		},
		IMU: IMUConfig{
			Simulate: true,
			RateHz:   100,
		},
		Acquisition: AcquisitionConfig{
			Period:      5 * time.Millisecond,
			LockTimeout: time.Millisecond,
			MaxLag:      10,
		},
		Queue: QueueConfig{
			Capacity: queue.DefaultCapacity,
		},
		Storage: StorageConfig{
			Root:       "./sdcard",
			BatchSize:  50,
			PopTimeout: 100 * time.Millisecond,
			BusTimeout: 50 * time.Millisecond,
			RetryDelay: time.Second,
			IdlePoll:   50 * time.Millisecond,
		},
		Display: DisplayConfig{
			Enabled:    true,
			Interval:   time.Second,
			BusTimeout: 50 * time.Millisecond,
		},
		Console: ConsoleConfig{
			Enabled:     true,
			LockTimeout: 10 * time.Millisecond,
			BusTimeout:  100 * time.Millisecond,
		},
	}
}
