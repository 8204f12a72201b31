package state

import (
	"time"
	"unicode/utf8"
)

// BLEState is the power-meter connection state.
type BLEState uint8

const (
	BLEIdle BLEState = iota
	BLEScanning
	BLEConnecting
	BLEConnected
	BLEDisconnected
)

var bleStateNames = [...]string{"IDLE", "SCANNING", "CONNECTING", "CONNECTED", "DISCONNECTED"}

func (s BLEState) String() string {
	if int(s) < len(bleStateNames) {
		return bleStateNames[s]
	}
	return "UNKNOWN"
}

// StorageStatus is the card health shown to the user. Exactly one value
// holds at a time.
type StorageStatus int32

const (
	StorageNotInitialized StorageStatus = iota
	StorageOK
	StorageFull
	StorageErrorInit
	StorageErrorOpen
	StorageErrorWrite
	StorageNotPresent
	StorageInitMutex
	StorageOpenMutex
	StorageWriteMutex
	StorageCloseMutex
)

var storageStatusNames = [...]string{
	"NOT_INITIALIZED", "OK", "FULL", "ERROR_INIT", "ERROR_OPEN", "ERROR_WRITE",
	"NOT_PRESENT", "INIT_MUTEX", "OPEN_MUTEX", "WRITE_MUTEX", "CLOSE_MUTEX",
}

func (s StorageStatus) String() string {
	if s >= 0 && int(s) < len(storageStatusNames) {
		return storageStatusNames[s]
	}
	return "UNKNOWN"
}

// MaxPeerName bounds the stored peer name in bytes.
const MaxPeerName = 49

// DefaultBalancePct is reported while the meter does not send balance.
const DefaultBalancePct = 50

// PowerCadence is the live power-meter snapshot.
type PowerCadence struct {
	Power            uint16 // W
	Cadence          uint8  // RPM
	CadenceAvailable bool

	State    BLEState
	PeerName string

	BalancePct       float32
	BalanceAvailable bool
	// BalanceLeft is set when the meter says BalancePct is the left
	// pedal's share; otherwise the pedal is unknown.
	BalanceLeft bool

	TopDeadSpot             uint16 // degrees
	TopDeadSpotAvailable    bool
	BottomDeadSpot          uint16
	BottomDeadSpotAvailable bool
	DeadSpotSupported       bool

	// Dirty is set by writers and cleared by TakePowerCadence.
	Dirty bool
}

// ClearMetrics resets everything the meter reports, keeping connection
// state and peer name.
func (p *PowerCadence) ClearMetrics() {
	*p = PowerCadence{
		State:      p.State,
		PeerName:   p.PeerName,
		BalancePct: DefaultBalancePct,
		Dirty:      true,
	}
}

// TruncateName shortens s to at most MaxPeerName bytes without splitting
// a UTF-8 sequence.
func TruncateName(s string) string {
	if len(s) <= MaxPeerName {
		return s
	}
	cut := MaxPeerName
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// GPS is the latest parsed fix.
type GPS struct {
	Latitude   float64
	Longitude  float64
	AltitudeM  float32
	SpeedMps   float32
	Satellites uint8
	FixQuality uint8
	Valid      bool
	LastUpdate time.Time
}

// DefaultGPSMaxAge is how long a fix stays usable without an update.
const DefaultGPSMaxAge = 7 * time.Second

// FixValid reports whether the fix is valid and no older than maxAge.
func (g GPS) FixValid(now time.Time, maxAge time.Duration) bool {
	if !g.Valid || g.LastUpdate.IsZero() {
		return false
	}
	return now.Sub(g.LastUpdate) <= maxAge
}

// Inertial is the latest IMU sample.
type Inertial struct {
	AccelX, AccelY, AccelZ float32 // m/s²
	GyroX, GyroY, GyroZ    float32 // rad/s
	LastUpdate             time.Time
}

// DebugFlags toggles the per-subsystem debug streams.
type DebugFlags struct {
	GPS bool
	BLE bool
	// BLEActivity logs every advertisement and radio event.
	BLEActivity bool
	Other       bool
}
