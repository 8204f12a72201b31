package state

import (
	"sync/atomic"
	"time"
)

// Store is the application context shared by every task. Each live value
// sits in its own cell; nothing here owns another task's lifetime.
type Store struct {
	power    *Guarded[PowerCadence]
	gps      *Guarded[GPS]
	inertial *Guarded[Inertial]
	debug    *Guarded[DebugFlags]

	// recording holds the session flag in bit 0 and the number of flag
	// transitions above it.
	recording atomic.Uint64
	storage   atomic.Int32
	overruns  atomic.Uint64
}

func NewStore() *Store {
	return &Store{
		power:    NewGuarded(PowerCadence{BalancePct: DefaultBalancePct}),
		gps:      NewGuarded(GPS{}),
		inertial: NewGuarded(Inertial{}),
		debug:    NewGuarded(DebugFlags{}),
	}
}

func (s *Store) PowerCadence(timeout time.Duration) (PowerCadence, bool) {
	return s.power.Load(timeout)
}

// TakePowerCadence returns the snapshot and clears its dirty flag.
func (s *Store) TakePowerCadence(timeout time.Duration) (p PowerCadence, ok bool) {
	ok = s.power.Update(timeout, func(v *PowerCadence) {
		p = *v
		v.Dirty = false
	})
	return p, ok
}

// UpdatePowerCadence mutates the snapshot under its lock and marks it dirty.
func (s *Store) UpdatePowerCadence(timeout time.Duration, fn func(*PowerCadence)) bool {
	return s.power.Update(timeout, func(v *PowerCadence) {
		fn(v)
		v.Dirty = true
	})
}

// SetConnection publishes the BLE state and peer name. Metrics are
// cleared whenever the link is not connected.
func (s *Store) SetConnection(st BLEState, peer string, timeout time.Duration) bool {
	return s.UpdatePowerCadence(timeout, func(v *PowerCadence) {
		v.State = st
		v.PeerName = TruncateName(peer)
		if st != BLEConnected {
			v.ClearMetrics()
		}
	})
}

func (s *Store) GPS(timeout time.Duration) (GPS, bool) { return s.gps.Load(timeout) }

func (s *Store) SetGPS(g GPS, timeout time.Duration) bool { return s.gps.Store(g, timeout) }

func (s *Store) Inertial(timeout time.Duration) (Inertial, bool) { return s.inertial.Load(timeout) }

func (s *Store) SetInertial(v Inertial, timeout time.Duration) bool {
	return s.inertial.Store(v, timeout)
}

func (s *Store) Debug(timeout time.Duration) (DebugFlags, bool) { return s.debug.Load(timeout) }

func (s *Store) UpdateDebug(timeout time.Duration, fn func(*DebugFlags)) bool {
	return s.debug.Update(timeout, fn)
}

// Recording is the session flag. Its edges delimit log files.
func (s *Store) Recording() bool { return s.recording.Load()&1 == 1 }

// RecordingSession returns the flag with its generation. The generation
// changes on every transition, so two quick toggles are still visible to a
// reader that polls slower than the user types.
func (s *Store) RecordingSession() (on bool, gen uint64) {
	v := s.recording.Load()
	return v&1 == 1, v >> 1
}

func (s *Store) SetRecording(on bool) {
	s.setRecording(func(bool) bool { return on })
}

// ToggleRecording flips the flag and returns the new value.
func (s *Store) ToggleRecording() bool {
	return s.setRecording(func(old bool) bool { return !old })
}

func (s *Store) setRecording(next func(old bool) bool) bool {
	for {
		v := s.recording.Load()
		old := v&1 == 1
		on := next(old)
		if on == old {
			return on
		}
		nv := (v>>1 + 1) << 1
		if on {
			nv |= 1
		}
		if s.recording.CompareAndSwap(v, nv) {
			return on
		}
	}
}

func (s *Store) StorageStatus() StorageStatus { return StorageStatus(s.storage.Load()) }

func (s *Store) SetStorageStatus(st StorageStatus) { s.storage.Store(int32(st)) }

// AddOverrun counts a record dropped on a full queue.
func (s *Store) AddOverrun() { s.overruns.Add(1) }

func (s *Store) Overruns() uint64 { return s.overruns.Load() }
