package console

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cycle-logger/internal/hardware"
	"cycle-logger/internal/record"
	"cycle-logger/internal/state"
)

func newConsole() (*Console, *state.Store, *bytes.Buffer) {
	store := state.NewStore()
	var out bytes.Buffer
	return New(store, &out, 10*time.Millisecond), store, &out
}

func TestRecordingCommands(t *testing.T) {
	c, store, out := newConsole()

	c.Execute("rec")
	if !store.Recording() {
		t.Fatal("rec did not start recording")
	}
	c.Execute("rec")
	if store.Recording() {
		t.Fatal("second rec did not stop recording")
	}
	c.Execute("start")
	c.Execute("start")
	if !store.Recording() {
		t.Fatal("start is not idempotent")
	}
	c.Execute("stop")
	if store.Recording() {
		t.Fatal("stop did not stop recording")
	}
	if !strings.Contains(out.String(), "Recording started.") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestDebugToggles(t *testing.T) {
	tests := []struct {
		cmd  string
		flag func(state.DebugFlags) bool
	}{
		{"gps_debug", func(d state.DebugFlags) bool { return d.GPS }},
		{"ble_debug", func(d state.DebugFlags) bool { return d.BLE }},
		{"ble_stream", func(d state.DebugFlags) bool { return d.BLEActivity }},
		{"other_debug", func(d state.DebugFlags) bool { return d.Other }},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			c, store, out := newConsole()

			c.Execute(tt.cmd + " on")
			if d, _ := store.Debug(time.Millisecond); !tt.flag(d) {
				t.Fatal("flag not enabled")
			}
			c.Execute(tt.cmd + " off")
			if d, _ := store.Debug(time.Millisecond); tt.flag(d) {
				t.Fatal("flag not disabled")
			}

			out.Reset()
			c.Execute(tt.cmd)
			if !strings.Contains(out.String(), "Missing argument for "+tt.cmd) {
				t.Fatalf("missing argument reply = %q", out.String())
			}
			out.Reset()
			c.Execute(tt.cmd + " maybe")
			if !strings.Contains(out.String(), "Invalid argument for "+tt.cmd) {
				t.Fatalf("invalid argument reply = %q", out.String())
			}
		})
	}
}

func TestUnknownCommandPrintsHelp(t *testing.T) {
	c, _, out := newConsole()
	c.Execute("reboot now")
	got := out.String()
	if !strings.Contains(got, "Unknown command: reboot") || !strings.Contains(got, "Available commands:") {
		t.Fatalf("output = %q", got)
	}
}

func TestStatus(t *testing.T) {
	c, store, out := newConsole()
	store.SetStorageStatus(state.StorageWriteMutex)
	store.SetConnection(state.BLEConnected, "Rally XC", time.Millisecond)
	store.UpdatePowerCadence(time.Millisecond, func(p *state.PowerCadence) { p.Power, p.Cadence = 285, 91 })
	c.Stats = func(w io.Writer) { fmt.Fprintln(w, "queue:     12/2000") }

	c.Execute("status")
	got := out.String()
	for _, want := range []string{"storage:   WRITE_MUTEX", "CONNECTED Rally XC", "285 W", "cadence 91", "gps:       no fix", "queue:     12/2000"} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q in:\n%s", want, got)
		}
	}
}

func TestListSessions(t *testing.T) {
	root := t.TempDir()
	r := record.New()
	one, _ := r.MarshalBinary()
	if err := os.WriteFile(filepath.Join(root, "LOG_20240517_073000.BIN"), append(one, one...), 0644); err != nil {
		t.Fatal(err)
	}

	c, _, out := newConsole()
	c.Execute("ls")
	if !strings.Contains(out.String(), "No card browser") {
		t.Fatalf("ls without browser = %q", out.String())
	}

	out.Reset()
	c.Browser = &hardware.FileBrowser{RootPath: root}
	c.Execute("ls")
	if got := out.String(); !strings.Contains(got, "LOG_20240517_073000.BIN") || !strings.Contains(got, "2 records") {
		t.Fatalf("ls = %q", got)
	}
}

func TestExportSession(t *testing.T) {
	root := t.TempDir()
	var data []byte
	for i := range 400 {
		r := record.New()
		r.TimestampUs = uint64(i) * 5000
		r.PowerW = 210
		data, _ = r.AppendBinary(data)
	}
	if err := os.WriteFile(filepath.Join(root, "LOG_20240517_073000.BIN"), data, 0644); err != nil {
		t.Fatal(err)
	}

	c, _, out := newConsole()
	c.Browser = &hardware.FileBrowser{RootPath: root}
	c.Execute("export 0")
	if got := out.String(); !strings.Contains(got, "Exported 2 samples") {
		t.Fatalf("export = %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, "LOG_20240517_073000.FIT")); err != nil {
		t.Fatal(err)
	}

	out.Reset()
	c.Execute("export 5")
	if !strings.Contains(out.String(), "Cannot export") {
		t.Fatalf("out of range export = %q", out.String())
	}
}

func TestCardCommandsWaitForBus(t *testing.T) {
	root := t.TempDir()
	r := record.New()
	one, _ := r.MarshalBinary()
	if err := os.WriteFile(filepath.Join(root, "LOG_20240517_073000.BIN"), one, 0644); err != nil {
		t.Fatal(err)
	}

	c, _, out := newConsole()
	bus := hardware.NewBus()
	c.Browser = &hardware.FileBrowser{RootPath: root}
	c.Bus = bus
	c.BusTimeout = 2 * time.Millisecond

	release, err := bus.Acquire(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	for _, cmd := range []string{"ls", "export 0"} {
		out.Reset()
		c.Execute(cmd)
		if got := out.String(); !strings.Contains(got, "Card busy") || strings.Contains(got, "LOG_") {
			t.Fatalf("%s with the bus held = %q", cmd, got)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "LOG_20240517_073000.FIT")); err == nil {
		t.Fatal("export wrote while the bus was held")
	}

	release()
	out.Reset()
	c.Execute("ls")
	if !strings.Contains(out.String(), "LOG_20240517_073000.BIN") {
		t.Fatalf("ls after release = %q", out.String())
	}
}

func TestExportRefusedWhileRecording(t *testing.T) {
	c, store, out := newConsole()
	c.Browser = &hardware.FileBrowser{RootPath: t.TempDir()}
	store.SetRecording(true)
	c.Execute("export 0")
	if !strings.Contains(out.String(), "Stop recording") {
		t.Fatalf("export while recording = %q", out.String())
	}
}

func TestRunReadsLines(t *testing.T) {
	c, store, out := newConsole()
	input := "\r\nstart\r\n" + strings.Repeat("x", 200) + "\nble_debug on\n"
	if err := c.Run(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatal(err)
	}
	if !store.Recording() {
		t.Fatal("start not executed")
	}
	if d, _ := store.Debug(time.Millisecond); !d.BLE {
		t.Fatal("ble_debug not executed")
	}
	got := out.String()
	if !strings.Contains(got, "Received command: start") || !strings.Contains(got, "Command too long") {
		t.Fatalf("output = %q", got)
	}
}
