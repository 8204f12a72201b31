// Package ingest feeds GPS and inertial readings into the shared store.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adrianmo/go-nmea"

	"cycle-logger/internal/state"
)

const knotsToMps = 0.514444

// GPSReader ingests NMEA sentences from a serial port or a replay file.
type GPSReader struct {
	store   *state.Store
	timeout time.Duration
	now     func() time.Time

	fix state.GPS

	accepted atomic.Uint64
	rejected atomic.Uint64
}

func NewGPSReader(store *state.Store, lockTimeout time.Duration) *GPSReader {
	return &GPSReader{store: store, timeout: lockTimeout, now: time.Now}
}

// Run reads lines from r until EOF or ctx is done. Cancellation is seen
// between lines; close r to unblock a pending read.
func (g *GPSReader) Run(ctx context.Context, r io.Reader) error {
	slog.Info("[GPS] Reader started")
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		if err := g.HandleLine(sc.Text()); err != nil {
			slog.Debug("[GPS] Sentence rejected", "err", err)
		}
	}
	slog.Info("[GPS] Reader stopped", "accepted", g.accepted.Load(), "rejected", g.rejected.Load())
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) && ctx.Err() == nil {
		return err
	}
	return nil
}

// HandleLine parses one sentence and publishes the updated fix. Sentence
// types other than RMC and GGA are ignored.
func (g *GPSReader) HandleLine(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	s, err := nmea.Parse(line)
	if err != nil {
		g.rejected.Add(1)
		return err
	}

	switch m := s.(type) {
	case nmea.RMC:
		g.fix.Valid = m.Validity == nmea.ValidRMC
		g.fix.Latitude = m.Latitude
		g.fix.Longitude = m.Longitude
		g.fix.SpeedMps = float32(m.Speed * knotsToMps)
	case nmea.GGA:
		q, _ := strconv.Atoi(m.FixQuality)
		g.fix.FixQuality = uint8(q)
		g.fix.Satellites = uint8(m.NumSatellites)
		g.fix.AltitudeM = float32(m.Altitude)
		if m.FixQuality == nmea.Invalid {
			g.fix.Valid = false
		} else {
			g.fix.Latitude = m.Latitude
			g.fix.Longitude = m.Longitude
		}
	default:
		return nil
	}

	g.accepted.Add(1)
	g.fix.LastUpdate = g.now()
	if !g.store.SetGPS(g.fix, g.timeout) {
		slog.Debug("[GPS] Fix dropped, snapshot busy")
	}
	if dbg, ok := g.store.Debug(g.timeout); ok && dbg.GPS {
		slog.Info("[GPS] "+s.DataType(),
			"valid", g.fix.Valid,
			"lat", g.fix.Latitude,
			"lon", g.fix.Longitude,
			"sats", g.fix.Satellites,
			"fix", g.fix.FixQuality)
	}
	return nil
}

// Follow reads the receiver opened by open until ctx is done. Open and
// read failures, such as an unplugged receiver, are logged and retried
// after retry. A clean EOF, as at the end of a replay file, ends it.
func (g *GPSReader) Follow(ctx context.Context, open func() (io.ReadCloser, error), retry time.Duration) {
	for ctx.Err() == nil {
		rc, err := open()
		if err == nil {
			stop := context.AfterFunc(ctx, func() { rc.Close() })
			err = g.Run(ctx, rc)
			stop()
			rc.Close()
			if err == nil {
				return
			}
		}
		slog.Warn("[GPS] Receiver error, retrying", "err", err, "retry", retry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func (g *GPSReader) Stats() (accepted, rejected uint64) {
	return g.accepted.Load(), g.rejected.Load()
}
