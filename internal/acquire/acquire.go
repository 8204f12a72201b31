// Package acquire samples the shared state at a fixed rate into log records.
package acquire

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"cycle-logger/internal/record"
	"cycle-logger/internal/state"
)

// Sink takes finished records without blocking.
type Sink interface {
	TryPush(r record.Record) bool
}

type Options struct {
	Period      time.Duration // 5ms for 200 Hz
	LockTimeout time.Duration
	GPSMaxAge   time.Duration
	// MaxLag is how many periods the schedule may fall behind before it
	// is rebased to now.
	MaxLag int
}

func (o *Options) withDefaults() {
	if o.Period <= 0 {
		o.Period = 5 * time.Millisecond
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = time.Millisecond
	}
	if o.GPSMaxAge <= 0 {
		o.GPSMaxAge = state.DefaultGPSMaxAge
	}
	if o.MaxLag <= 0 {
		o.MaxLag = 10
	}
}

type Stats struct {
	Queued  uint64
	Dropped uint64
	Missed  uint64
}

// Task builds one record per tick while recording and hands it to a Sink.
type Task struct {
	store *state.Store
	sink  Sink
	opts  Options
	boot  time.Time

	// last successfully read values, used when a cell stays locked
	power    state.PowerCadence
	gps      state.GPS
	inertial state.Inertial

	queued  atomic.Uint64
	dropped atomic.Uint64
	missed  atomic.Uint64
}

func New(store *state.Store, sink Sink, opts Options) *Task {
	opts.withDefaults()
	return &Task{
		store: store,
		sink:  sink,
		opts:  opts,
		boot:  time.Now(),
		power: state.PowerCadence{BalancePct: state.DefaultBalancePct},
	}
}

func (t *Task) Stats() Stats {
	return Stats{
		Queued:  t.queued.Load(),
		Dropped: t.dropped.Load(),
		Missed:  t.missed.Load(),
	}
}

// Missed counts ticks skipped when the schedule was rebased.
func (t *Task) Missed() uint64 { return t.missed.Load() }

// Tick samples the store at now and queues one record. It reports whether
// a record was queued; nothing happens while not recording.
func (t *Task) Tick(now time.Time) bool {
	if !t.store.Recording() {
		return false
	}

	timeout := t.opts.LockTimeout
	if p, ok := t.store.PowerCadence(timeout); ok {
		t.power = p
	}
	if g, ok := t.store.GPS(timeout); ok {
		t.gps = g
	}
	if v, ok := t.store.Inertial(timeout); ok {
		t.inertial = v
	}

	r := t.build(now)
	if !t.sink.TryPush(r) {
		t.dropped.Add(1)
		t.store.AddOverrun()
		return false
	}
	t.queued.Add(1)
	return true
}

func (t *Task) build(now time.Time) record.Record {
	r := record.New()
	r.TimestampUs = uint64(now.Sub(t.boot) / time.Microsecond)

	g := t.gps
	r.Satellites = g.Satellites
	if g.FixValid(now, t.opts.GPSMaxAge) {
		r.Latitude = g.Latitude
		r.Longitude = g.Longitude
		r.AltitudeM = g.AltitudeM
		r.SpeedMps = g.SpeedMps
		r.FixQuality = g.FixQuality
	} else {
		nan := math.NaN()
		r.Latitude, r.Longitude = nan, nan
		r.AltitudeM, r.SpeedMps = float32(nan), float32(nan)
	}

	p := t.power
	r.PowerW = p.Power
	r.CadenceRPM = p.Cadence
	r.SetBalance(p.BalancePct, p.BalanceAvailable && p.BalanceLeft)

	v := t.inertial
	r.AccelX, r.AccelY, r.AccelZ = v.AccelX, v.AccelY, v.AccelZ
	r.GyroX, r.GyroY, r.GyroZ = v.GyroX, v.GyroY, v.GyroZ
	return r
}

// Run ticks on a cumulative schedule until ctx is cancelled.
func (t *Task) Run(ctx context.Context) error {
	period := t.opts.Period
	slog.Info("[ACQ] Acquisition started", "period", period)

	next := time.Now().Add(period)
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			st := t.Stats()
			slog.Info("[ACQ] Acquisition stopped", "queued", st.Queued, "dropped", st.Dropped, "missed", st.Missed)
			return nil
		case <-timer.C:
		}

		now := time.Now()
		t.Tick(now)
		next = t.advance(next, now)
		timer.Reset(time.Until(next))
	}
}

// advance returns the wake after next. When now is more than MaxLag
// periods past it, the skipped ticks are counted and the schedule
// restarts from now.
func (t *Task) advance(next, now time.Time) time.Time {
	period := t.opts.Period
	next = next.Add(period)
	behind := now.Sub(next)
	if behind <= time.Duration(t.opts.MaxLag)*period {
		return next
	}
	skipped := uint64(behind / period)
	t.missed.Add(skipped)
	slog.Warn("[ACQ] Schedule fell behind, rebasing", "skipped", skipped)
	return now.Add(period)
}
