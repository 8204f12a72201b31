package ble

import (
	"encoding/binary"
	"math"

	"cycle-logger/internal/state"
)

// Cycling Power Measurement (0x2A63) flag bits.
const (
	flagPedalBalance      = 1 << 0
	flagBalanceReference  = 1 << 1 // set: balance is the left pedal's share
	flagAccumulatedTorque = 1 << 2
	flagWheelRevolutions  = 1 << 4
	flagCrankRevolutions  = 1 << 5
	flagExtremeForce      = 1 << 6
	flagExtremeTorque     = 1 << 7
	flagExtremeAngles     = 1 << 8
	flagTopDeadSpot       = 1 << 9
	flagBottomDeadSpot    = 1 << 10
)

// FeatureDeadSpotAngles is the Cycling Power Feature (0x2A65) bit that
// advertises top and bottom dead spot angles.
const FeatureDeadSpotAngles = 1 << 6

// Crank event times tick at 1/1024 s; a gap longer than two seconds means
// the rider stopped pedalling.
const (
	crankTimeUnit     = 1024
	maxCrankEventTime = 2 * crankTimeUnit
)

// Field reports which parts of a measurement were present and complete.
type Field uint8

const (
	FieldPower Field = 1 << iota
	FieldBalance
	FieldCadence
	FieldTopDeadSpot
	FieldBottomDeadSpot
)

// Measurement is the decoded content of one notification.
type Measurement struct {
	Present Field

	Power          uint16
	Cadence        uint8
	BalancePct     float32
	BalanceLeft    bool
	TopDeadSpot    uint16
	BottomDeadSpot uint16
}

func (m Measurement) Has(f Field) bool { return m.Present&f != 0 }

// Apply copies m into the live snapshot. Absent fields fall back to
// their defaults.
func (m Measurement) Apply(p *state.PowerCadence) {
	p.Power = m.Power
	p.Cadence = m.Cadence
	p.CadenceAvailable = m.Has(FieldCadence)
	p.BalanceAvailable = m.Has(FieldBalance)
	p.BalancePct = state.DefaultBalancePct
	p.BalanceLeft = false
	if p.BalanceAvailable {
		p.BalancePct = m.BalancePct
		p.BalanceLeft = m.BalanceLeft
	}
	p.TopDeadSpotAvailable = m.Has(FieldTopDeadSpot)
	p.TopDeadSpot = m.TopDeadSpot
	p.BottomDeadSpotAvailable = m.Has(FieldBottomDeadSpot)
	p.BottomDeadSpot = m.BottomDeadSpot
}

// Decoder turns Cycling Power Measurement payloads into Measurements. It
// keeps the previous crank counters to derive cadence and is not safe for
// concurrent use.
type Decoder struct {
	features uint32

	havePrev  bool
	prevRevs  uint16
	prevEvent uint16
}

// SetFeatures records the peer's Cycling Power Feature mask.
func (d *Decoder) SetFeatures(mask uint32) { d.features = mask }

func (d *Decoder) DeadSpotSupported() bool { return d.features&FeatureDeadSpotAngles != 0 }

// Reset forgets the feature mask and the cadence baseline.
func (d *Decoder) Reset() { *d = Decoder{} }

// Decode parses one notification. Every field is length checked: a short
// payload yields only the fields whose bytes were fully present, and a
// truncated field hides everything after it.
func (d *Decoder) Decode(b []byte) Measurement {
	var m Measurement
	if len(b) < 2 {
		d.havePrev = false
		return m
	}
	flags := binary.LittleEndian.Uint16(b)
	off := 2

	// take returns the next n bytes, or nil once the payload runs short.
	short := false
	take := func(n int) []byte {
		if short || len(b) < off+n {
			short = true
			return nil
		}
		f := b[off : off+n]
		off += n
		return f
	}

	if f := take(2); f != nil {
		if p := int16(binary.LittleEndian.Uint16(f)); p > 0 {
			m.Power = uint16(p)
		}
		m.Present |= FieldPower
	}

	if flags&flagPedalBalance != 0 {
		if f := take(1); f != nil {
			m.BalancePct = float32(f[0]) / 2
			m.BalanceLeft = flags&flagBalanceReference != 0
			m.Present |= FieldBalance
		}
	}
	if flags&flagAccumulatedTorque != 0 {
		take(2)
	}
	if flags&flagWheelRevolutions != 0 {
		take(6)
	}

	crank := false
	if flags&flagCrankRevolutions != 0 {
		if f := take(4); f != nil {
			revs := binary.LittleEndian.Uint16(f[0:])
			event := binary.LittleEndian.Uint16(f[2:])
			m.Cadence = d.cadence(revs, event)
			m.Present |= FieldCadence
			crank = true
		}
	}
	if !crank {
		d.havePrev = false
	}

	if flags&flagExtremeForce != 0 {
		take(4)
	}
	if flags&flagExtremeTorque != 0 {
		take(4)
	}
	if flags&flagExtremeAngles != 0 {
		take(3)
	}

	if d.DeadSpotSupported() {
		if flags&flagTopDeadSpot != 0 {
			if f := take(2); f != nil {
				m.TopDeadSpot = binary.LittleEndian.Uint16(f)
				m.Present |= FieldTopDeadSpot
			}
		}
		if flags&flagBottomDeadSpot != 0 {
			if f := take(2); f != nil {
				m.BottomDeadSpot = binary.LittleEndian.Uint16(f)
				m.Present |= FieldBottomDeadSpot
			}
		}
	}
	return m
}

// cadence differences the crank counters against the previous packet.
// Unsigned 16-bit subtraction handles counter wraparound.
func (d *Decoder) cadence(revs, event uint16) uint8 {
	first := !d.havePrev
	dRevs := revs - d.prevRevs
	dTime := event - d.prevEvent
	d.prevRevs, d.prevEvent, d.havePrev = revs, event, true

	if first || dTime == 0 || dTime > maxCrankEventTime {
		return 0
	}
	rpm := math.Round(float64(dRevs) * 60 * crankTimeUnit / float64(dTime))
	if rpm > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(rpm)
}
