package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"cycle-logger/internal/acquire"
	"cycle-logger/internal/ble"
	"cycle-logger/internal/config"
	"cycle-logger/internal/console"
	"cycle-logger/internal/hardware"
	"cycle-logger/internal/ingest"
	"cycle-logger/internal/logging"
	"cycle-logger/internal/queue"
	"cycle-logger/internal/state"
	"cycle-logger/internal/storage"
)

func main() {
	cfgPath := flag.String("config", config.DefaultPath, "path to the logger config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "err", err)
		os.Exit(1)
	}
	logFile, err := logging.Setup(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		slog.Error("Failed to set up logging", "err", err)
		os.Exit(1)
	}
	defer logFile.Close()

	slog.Info("Cycle Logger Starting...")

	store := state.NewStore()
	records, err := queue.New(cfg.Queue.Capacity)
	if err != nil {
		slog.Error("Failed to create record queue", "err", err)
		os.Exit(1)
	}
	bus := hardware.NewBus()
	card, browser := newCard(cfg.Storage)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	acq := acquire.New(store, records, acquire.Options{
		Period:      cfg.Acquisition.Period,
		LockTimeout: cfg.Acquisition.LockTimeout,
		GPSMaxAge:   cfg.GPS.MaxAge,
		MaxLag:      cfg.Acquisition.MaxLag,
	})
	sd := storage.New(card, hardware.SystemClock{}, bus, records, store, storage.Options{
		BatchSize:  cfg.Storage.BatchSize,
		PopTimeout: cfg.Storage.PopTimeout,
		BusTimeout: cfg.Storage.BusTimeout,
		RetryDelay: cfg.Storage.RetryDelay,
		IdlePoll:   cfg.Storage.IdlePoll,
	})
	g.Go(func() error { return acq.Run(ctx) })
	g.Go(func() error { return sd.Run(ctx) })

	var mgr *ble.Manager
	if cfg.BLE.Enabled {
		mgr = ble.NewManager(ble.NewCentral(), store, ble.Options{
			PeerName:    cfg.BLE.PeerName,
			LockTimeout: cfg.BLE.LockTimeout,
			RescanDelay: cfg.BLE.RescanDelay,
			EventBuffer: cfg.BLE.EventBuffer,
		})
		g.Go(func() error {
			if err := mgr.Run(ctx); err != nil {
				return fmt.Errorf("start BLE central: %w", err)
			}
			return nil
		})
	}

	var gps *ingest.GPSReader
	if cfg.GPS.Enabled {
		gps = startGPS(ctx, g, cfg.GPS, store)
	}
	if cfg.IMU.Simulate {
		imu := ingest.NewInertialSimulator(store, cfg.IMU.RateHz, cfg.Acquisition.LockTimeout)
		g.Go(func() error { return imu.Run(ctx) })
	}

	if cfg.Display.Enabled {
		d := &display{
			store:       store,
			bus:         bus,
			interval:    cfg.Display.Interval,
			busTimeout:  cfg.Display.BusTimeout,
			lockTimeout: cfg.BLE.LockTimeout,
			gpsMaxAge:   cfg.GPS.MaxAge,
		}
		g.Go(func() error { return d.Run(ctx) })
	}

	if cfg.Console.Enabled {
		cli := console.New(store, os.Stdout, cfg.Console.LockTimeout)
		cli.Browser = browser
		cli.Bus = bus
		cli.BusTimeout = cfg.Console.BusTimeout
		cli.GPSMaxAge = cfg.GPS.MaxAge
		cli.Stats = pipeline{records: records, acq: acq, sd: sd, ble: mgr, gps: gps}.writeStats
		// Stdin cannot be interrupted, so the console stays out of the group.
		go func() {
			if err := cli.Run(ctx, os.Stdin); err != nil {
				slog.Warn("[CLI] Console stopped", "err", err)
			}
		}()
	}

	slog.Info("Cycle Logger Ready. Press Ctrl+C to exit.")

	if err := g.Wait(); err != nil {
		slog.Error("Logger stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("Shutting down...")
}

func newCard(cfg config.StorageConfig) (hardware.Card, *hardware.FileBrowser) {
	if cfg.Mock {
		slog.Info("[SD] Using in-memory card")
		return hardware.NewMockCard(), nil
	}
	root, _ := filepath.Abs(cfg.Root)
	return &hardware.FSCard{RootPath: root}, &hardware.FileBrowser{RootPath: root}
}

// startGPS reads the configured receiver, or simulates one. It returns the
// reader when a device is configured.
func startGPS(ctx context.Context, g *errgroup.Group, cfg config.GPSConfig, store *state.Store) *ingest.GPSReader {
	if cfg.Device == "" {
		if cfg.Simulate {
			sim := ingest.NewGPSSimulator(store, cfg.RateHz, cfg.LockTimeout)
			g.Go(func() error { return sim.Run(ctx) })
		}
		return nil
	}

	reader := ingest.NewGPSReader(store, cfg.LockTimeout)
	open := func() (io.ReadCloser, error) {
		f, err := os.Open(cfg.Device)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	// Receiver faults are retried inside Follow and never end the group.
	g.Go(func() error {
		reader.Follow(ctx, open, cfg.ReopenDelay)
		return nil
	})
	return reader
}
