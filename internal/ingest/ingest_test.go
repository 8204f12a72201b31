package ingest

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"cycle-logger/internal/state"
)

const (
	rmcValid   = "$GPRMC,081836,A,3751.65,S,14507.36,E,010.0,360.0,130998,011.3,E*63"
	ggaFix     = "$GPGGA,081836,3751.650,S,14507.360,E,1,08,0.9,545.4,M,46.9,M,,*50"
	rmcVoid    = "$GPRMC,081837,V,3751.65,S,14507.36,E,000.0,360.0,130998,011.3,E*74"
	ggaNoFix   = "$GPGGA,081837,3751.650,S,14507.360,E,0,00,99.9,545.4,M,46.9,M,,*68"
	gsa        = "$GPGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1*39"
	badSum     = "$GPRMC,081836,A,3751.65,S,14507.36,E,010.0,360.0,130998,011.3,E*00"
	lockWait   = 10 * time.Millisecond
	wantLat    = -(37 + 51.65/60)
	wantLon    = 145 + 7.36/60
	floatSlack = 1e-6
)

func fixedReader(store *state.Store, now time.Time) *GPSReader {
	g := NewGPSReader(store, lockWait)
	g.now = func() time.Time { return now }
	return g
}

func TestGPSReaderValidFix(t *testing.T) {
	store := state.NewStore()
	now := time.Date(2024, 6, 1, 8, 18, 36, 0, time.UTC)
	g := fixedReader(store, now)

	for _, line := range []string{rmcValid, ggaFix, gsa} {
		if err := g.HandleLine(line); err != nil {
			t.Fatalf("%s: %v", line, err)
		}
	}

	fix, ok := store.GPS(lockWait)
	if !ok {
		t.Fatal("gps cell locked")
	}
	if !fix.Valid || !fix.FixValid(now, state.DefaultGPSMaxAge) {
		t.Fatal("fix should be valid")
	}
	if math.Abs(fix.Latitude-wantLat) > floatSlack || math.Abs(fix.Longitude-wantLon) > floatSlack {
		t.Errorf("position = %v, %v", fix.Latitude, fix.Longitude)
	}
	if fix.Satellites != 8 || fix.FixQuality != 1 || math.Abs(float64(fix.AltitudeM)-545.4) > 1e-3 {
		t.Errorf("gga fields = %d sats, fix %d, alt %v", fix.Satellites, fix.FixQuality, fix.AltitudeM)
	}
	if math.Abs(float64(fix.SpeedMps)-5.14444) > 1e-3 {
		t.Errorf("speed = %v m/s", fix.SpeedMps)
	}
	if !fix.LastUpdate.Equal(now) {
		t.Errorf("last update = %v", fix.LastUpdate)
	}
	if acc, _ := g.Stats(); acc != 2 {
		t.Errorf("accepted = %d, want 2 (GSA ignored)", acc)
	}
}

func TestGPSReaderLostFix(t *testing.T) {
	store := state.NewStore()
	g := fixedReader(store, time.Now())
	_ = g.HandleLine(rmcValid)
	_ = g.HandleLine(ggaFix)

	_ = g.HandleLine(rmcVoid)
	if fix, _ := store.GPS(lockWait); fix.Valid {
		t.Fatal("void RMC left the fix valid")
	}

	_ = g.HandleLine(rmcValid)
	_ = g.HandleLine(ggaNoFix)
	fix, _ := store.GPS(lockWait)
	if fix.Valid || fix.FixQuality != 0 || fix.Satellites != 0 {
		t.Fatalf("GGA without fix -> %+v", fix)
	}
}

func TestGPSReaderRejectsBadChecksum(t *testing.T) {
	store := state.NewStore()
	g := fixedReader(store, time.Now())
	if err := g.HandleLine(badSum); err == nil {
		t.Fatal("bad checksum accepted")
	}
	if fix, _ := store.GPS(lockWait); !fix.LastUpdate.IsZero() {
		t.Fatal("rejected sentence updated the store")
	}
	if _, rej := g.Stats(); rej != 1 {
		t.Fatalf("rejected = %d", rej)
	}
}

func TestGPSReaderRun(t *testing.T) {
	store := state.NewStore()
	g := NewGPSReader(store, lockWait)
	input := strings.Join([]string{"", "garbage", rmcValid, ggaFix, ""}, "\r\n")

	if err := g.Run(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatal(err)
	}
	fix, _ := store.GPS(lockWait)
	if !fix.Valid || fix.Satellites != 8 {
		t.Fatalf("fix after replay = %+v", fix)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read /dev/ttyUSB0: input/output error") }

func TestGPSReaderFollowReopensAfterReadError(t *testing.T) {
	store := state.NewStore()
	g := NewGPSReader(store, lockWait)

	opens := 0
	open := func() (io.ReadCloser, error) {
		opens++
		switch opens {
		case 1:
			return nil, errors.New("no such device")
		case 2:
			return io.NopCloser(failingReader{}), nil
		}
		return io.NopCloser(strings.NewReader(rmcValid + "\r\n" + ggaFix + "\r\n")), nil
	}

	done := make(chan struct{})
	go func() {
		g.Follow(context.Background(), open, time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not finish at EOF")
	}

	if opens != 3 {
		t.Fatalf("opened %d times, want 3", opens)
	}
	if accepted, _ := g.Stats(); accepted != 2 {
		t.Fatalf("accepted = %d, want 2", accepted)
	}
}

func TestGPSReaderFollowStopsOnCancel(t *testing.T) {
	g := NewGPSReader(state.NewStore(), lockWait)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Follow(ctx, func() (io.ReadCloser, error) { return nil, errors.New("unplugged") }, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Follow ignored cancellation")
	}
}

func TestSimulatorsPublish(t *testing.T) {
	store := state.NewStore()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	gps := NewGPSSimulator(store, 200, lockWait)
	imu := NewInertialSimulator(store, 200, lockWait)
	done := make(chan struct{})
	go func() {
		_ = imu.Run(ctx)
		close(done)
	}()
	if err := gps.Run(ctx); err != nil {
		t.Fatal(err)
	}
	<-done

	fix, _ := store.GPS(lockWait)
	if !fix.Valid || fix.Satellites < 10 {
		t.Fatalf("simulated fix = %+v", fix)
	}
	v, _ := store.Inertial(lockWait)
	if v.AccelZ < 9.8 || v.LastUpdate.IsZero() {
		t.Fatalf("simulated inertial = %+v", v)
	}
}
