package ingest

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"cycle-logger/internal/state"
)

// GPSSimulator publishes a synthetic ride when no receiver is attached.
type GPSSimulator struct {
	store    *state.Store
	interval time.Duration
	timeout  time.Duration

	lat, lon  float64
	published atomic.Uint64
}

func NewGPSSimulator(store *state.Store, rateHz int, lockTimeout time.Duration) *GPSSimulator {
	if rateHz <= 0 {
		rateHz = 1
	}
	return &GPSSimulator{
		store:    store,
		interval: time.Second / time.Duration(rateHz),
		timeout:  lockTimeout,
		// Simulated starting point: Col du Galibier road
		lat: 45.0640,
		lon: 6.4078,
	}
}

func (s *GPSSimulator) Run(ctx context.Context) error {
	slog.Info("[GPS] Simulator started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[GPS] Simulator stopped", "published", s.published.Load())
			return nil
		case now := <-ticker.C:
			if s.store.SetGPS(s.next(now), s.timeout) {
				s.published.Add(1)
			}
		}
	}
}

func (s *GPSSimulator) next(now time.Time) state.GPS {
	// ~25 km/h climbing north-east
	s.lat += 0.00004 + rand.Float64()*0.00001
	s.lon += 0.00004 + rand.Float64()*0.00001
	return state.GPS{
		Latitude:   s.lat,
		Longitude:  s.lon,
		AltitudeM:  float32(1800 + rand.Float64()*2),
		SpeedMps:   float32(6.5 + rand.Float64()*1.5),
		Satellites: uint8(10 + rand.Intn(4)),
		FixQuality: 1,
		Valid:      true,
		LastUpdate: now,
	}
}

// InertialSimulator publishes pedalling-like accelerometer and gyro noise.
type InertialSimulator struct {
	store    *state.Store
	interval time.Duration
	timeout  time.Duration

	step      float64
	published atomic.Uint64
}

func NewInertialSimulator(store *state.Store, rateHz int, lockTimeout time.Duration) *InertialSimulator {
	if rateHz <= 0 {
		rateHz = 100
	}
	return &InertialSimulator{
		store:    store,
		interval: time.Second / time.Duration(rateHz),
		timeout:  lockTimeout,
	}
}

func (s *InertialSimulator) Run(ctx context.Context) error {
	slog.Info("[ACQ] Inertial simulator started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[ACQ] Inertial simulator stopped", "published", s.published.Load())
			return nil
		case now := <-ticker.C:
			if s.store.SetInertial(s.next(now), s.timeout) {
				s.published.Add(1)
			}
		}
	}
}

func (s *InertialSimulator) next(now time.Time) state.Inertial {
	st := s.step
	s.step += 0.01
	return state.Inertial{
		AccelX:     float32(0.3*math.Sin(st) + rand.Float64()*0.05),
		AccelY:     float32(0.2*math.Cos(st) + rand.Float64()*0.05),
		AccelZ:     float32(9.81 + rand.Float64()*0.02),
		GyroX:      float32(0.05*math.Sin(st*2) + rand.Float64()*0.005),
		GyroY:      float32(0.01*math.Cos(st*2) + rand.Float64()*0.005),
		GyroZ:      float32(0.002 + rand.Float64()*0.001),
		LastUpdate: now,
	}
}
