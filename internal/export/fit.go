// Package export turns session logs into FIT activity files that training
// tools can import.
package export

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/tormoder/fit"

	"cycle-logger/internal/record"
)

// balanceRight flags a FIT left_right_balance value as the right pedal's
// share; without it the pedal is unknown.
const balanceRight = 0x80

// DefaultInterval is the FIT sample spacing most head units use.
const DefaultInterval = time.Second

var ErrEmptySession = errors.New("session has no records")

// SessionStart recovers the wall-clock start encoded in a session file
// name such as LOG_20240517_073000_01.BIN.
func SessionStart(name string, loc *time.Location) (time.Time, error) {
	base := strings.TrimPrefix(filepath.Base(name), "LOG_")
	if len(base) < len("20060102_150405") {
		return time.Time{}, fmt.Errorf("'%s' carries no start time", name)
	}
	return time.ParseInLocation("20060102_150405", base[:len("20060102_150405")], loc)
}

// WriteFIT encodes recs as an activity file starting at start, keeping one
// sample per interval. It returns the number of samples written.
func WriteFIT(w io.Writer, start time.Time, recs []record.Record, interval time.Duration) (int, error) {
	if len(recs) == 0 {
		return 0, ErrEmptySession
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	file, err := fit.NewFile(fit.FileTypeActivity, fit.NewHeader(fit.V20, true))
	if err != nil {
		return 0, err
	}
	file.FileId.TimeCreated = start
	activity, err := file.Activity()
	if err != nil {
		return 0, err
	}

	origin := recs[0].TimestampUs
	var last time.Time
	for _, r := range recs {
		ts := start.Add(time.Duration(r.TimestampUs-origin) * time.Microsecond)
		if len(activity.Records) > 0 && ts.Sub(last) < interval {
			continue
		}
		last = ts
		activity.Records = append(activity.Records, recordMsg(ts, &r))
	}

	if err := fit.Encode(w, file, binary.LittleEndian); err != nil {
		return 0, fmt.Errorf("encode fit: %w", err)
	}
	return len(activity.Records), nil
}

func recordMsg(ts time.Time, r *record.Record) *fit.RecordMsg {
	m := fit.NewRecordMsg()
	m.Timestamp = ts
	m.Power = r.PowerW
	m.Cadence = r.CadenceRPM

	if r.FixQuality > 0 && !math.IsNaN(r.Latitude) && !math.IsNaN(r.Longitude) {
		m.PositionLat = fit.NewLatitudeDegrees(r.Latitude)
		m.PositionLong = fit.NewLongitudeDegrees(r.Longitude)
		// altitude: scale 5, offset 500 m; speed: mm/s
		m.Altitude = clampU16((float64(r.AltitudeM) + 500) * 5)
		m.Speed = clampU16(float64(r.SpeedMps) * 1000)
	}
	if pct, left := r.Balance(); pct >= 0 && pct <= 100 {
		if left {
			m.LeftRightBalance = fit.LeftRightBalance(uint8(math.Round(float64(100-pct))) | balanceRight)
		} else {
			m.LeftRightBalance = fit.LeftRightBalance(uint8(math.Round(float64(pct))))
		}
	}
	return m
}

// clampU16 keeps v below the FIT invalid marker 0xFFFF.
func clampU16(v float64) uint16 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16 - 1
	}
	return uint16(math.Round(v))
}
