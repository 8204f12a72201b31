package main

import (
	"context"
	"log/slog"
	"time"

	"cycle-logger/internal/hardware"
	"cycle-logger/internal/state"
)

// frame is what the status screen shows apart from the live metrics.
type frame struct {
	recording bool
	storage   state.StorageStatus
	ble       state.BLEState
	peer      string
	gpsFix    bool
}

// display stands in for the status screen. It shares the bus with the
// card, so every render holds it.
type display struct {
	store       *state.Store
	bus         hardware.Bus
	interval    time.Duration
	busTimeout  time.Duration
	lockTimeout time.Duration
	gpsMaxAge   time.Duration

	last     frame
	rendered bool
	skipped  uint64
}

func (d *display) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			d.refresh(now)
		}
	}
}

// refresh renders when the power snapshot is dirty or the status line
// changed. It reports whether it rendered.
func (d *display) refresh(now time.Time) bool {
	p, ok := d.store.PowerCadence(d.lockTimeout)
	if !ok {
		return false
	}
	g, _ := d.store.GPS(d.lockTimeout)
	f := frame{
		recording: d.store.Recording(),
		storage:   d.store.StorageStatus(),
		ble:       p.State,
		peer:      p.PeerName,
		gpsFix:    g.FixValid(now, d.gpsMaxAge),
	}
	if d.rendered && !p.Dirty && f == d.last {
		return false
	}

	release, err := d.bus.Acquire(d.busTimeout)
	if err != nil {
		d.skipped++
		slog.Debug("[DSP] Bus busy, frame skipped", "skipped", d.skipped)
		return false
	}
	defer release()

	// Take clears the dirty flag only once the frame is really drawn.
	if taken, ok := d.store.TakePowerCadence(d.lockTimeout); ok {
		p = taken
	}
	slog.Info("[DSP] Status",
		"rec", f.recording,
		"sd", f.storage,
		"ble", f.ble,
		"peer", f.peer,
		"power", p.Power,
		"cadence", p.Cadence,
		"balance", p.BalancePct,
		"gps", f.gpsFix,
		"sats", g.Satellites)
	d.last, d.rendered = f, true
	return true
}
