package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Size is the encoded length of one v1 record. Readers must know it
// out-of-band; log files carry no header.
const Size = 97

// AnalogChannels is the number of auxiliary analog slots reserved in v1.
const AnalogChannels = 8

var ErrShortRecord = errors.New("record: short record")

// Record is one acquisition sample. Field order is the on-disk order and
// must only ever grow by appending at the end.
type Record struct {
	TimestampUs uint64 // monotonic, since boot

	// GPS
	Latitude   float64
	Longitude  float64
	AltitudeM  float32
	SpeedMps   float32
	Satellites uint8
	FixQuality uint8

	// Power meter
	PowerW     uint16
	CadenceRPM uint8
	// BalancePct is the pedal power balance in percent. A set sign bit
	// marks a left pedal share; read and write it with Balance and
	// SetBalance.
	BalancePct float32

	// Inertial
	AccelX, AccelY, AccelZ float32 // m/s²
	GyroX, GyroY, GyroZ    float32 // rad/s

	Analog [AnalogChannels]float32
}

// New returns a record with every analog channel set to NaN.
func New() Record {
	var r Record
	r.ClearAnalog()
	return r
}

// ClearAnalog marks all auxiliary channels as absent.
func (r *Record) ClearAnalog() {
	nan := float32(math.NaN())
	for i := range r.Analog {
		r.Analog[i] = nan
	}
}

// SetBalance stores pct, marked as the left pedal's share when left is set.
func (r *Record) SetBalance(pct float32, left bool) {
	sign := 1.0
	if left {
		sign = -1
	}
	r.BalancePct = float32(math.Copysign(float64(pct), sign))
}

// Balance returns the balance percent and whether it is the left pedal's
// share.
func (r *Record) Balance() (pct float32, left bool) {
	v := float64(r.BalancePct)
	return float32(math.Abs(v)), math.Signbit(v)
}

var le = binary.LittleEndian

func appendF32(b []byte, v float32) []byte { return le.AppendUint32(b, math.Float32bits(v)) }
func appendF64(b []byte, v float64) []byte { return le.AppendUint64(b, math.Float64bits(v)) }

// AppendBinary appends the packed little-endian encoding of r to dst.
func (r *Record) AppendBinary(dst []byte) ([]byte, error) {
	b := le.AppendUint64(dst, r.TimestampUs)
	b = appendF64(b, r.Latitude)
	b = appendF64(b, r.Longitude)
	b = appendF32(b, r.AltitudeM)
	b = appendF32(b, r.SpeedMps)
	b = append(b, r.Satellites, r.FixQuality)
	b = le.AppendUint16(b, r.PowerW)
	b = append(b, r.CadenceRPM)
	b = appendF32(b, r.BalancePct)
	for _, v := range [...]float32{r.AccelX, r.AccelY, r.AccelZ, r.GyroX, r.GyroY, r.GyroZ} {
		b = appendF32(b, v)
	}
	for _, v := range r.Analog {
		b = appendF32(b, v)
	}
	return b, nil
}

func (r *Record) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, Size))
}

func (r *Record) UnmarshalBinary(b []byte) error {
	if len(b) < Size {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortRecord, len(b), Size)
	}
	f32 := func(off int) float32 { return math.Float32frombits(le.Uint32(b[off:])) }

	r.TimestampUs = le.Uint64(b[0:])
	r.Latitude = math.Float64frombits(le.Uint64(b[8:]))
	r.Longitude = math.Float64frombits(le.Uint64(b[16:]))
	r.AltitudeM = f32(24)
	r.SpeedMps = f32(28)
	r.Satellites = b[32]
	r.FixQuality = b[33]
	r.PowerW = le.Uint16(b[34:])
	r.CadenceRPM = b[36]
	r.BalancePct = f32(37)
	r.AccelX, r.AccelY, r.AccelZ = f32(41), f32(45), f32(49)
	r.GyroX, r.GyroY, r.GyroZ = f32(53), f32(57), f32(61)
	for i := range r.Analog {
		r.Analog[i] = f32(65 + 4*i)
	}
	return nil
}

// Decode reads one record from the first Size bytes of b.
func Decode(b []byte) (Record, error) {
	var r Record
	err := r.UnmarshalBinary(b)
	return r, err
}

// ReadAll decodes consecutive records until EOF. A trailing fragment
// shorter than Size yields the records read so far and ErrShortRecord.
func ReadAll(rd io.Reader) ([]Record, error) {
	var out []Record
	buf := make([]byte, Size)
	for {
		n, err := io.ReadFull(rd, buf)
		switch {
		case err == io.EOF:
			return out, nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			return out, fmt.Errorf("%w: trailing %d bytes", ErrShortRecord, n)
		case err != nil:
			return out, err
		}
		r, _ := Decode(buf)
		out = append(out, r)
	}
}
