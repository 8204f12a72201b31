// Package console is the serial command line for the recording and debug
// flags.
package console

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cycle-logger/internal/export"
	"cycle-logger/internal/hardware"
	"cycle-logger/internal/record"
	"cycle-logger/internal/state"
)

// maxLine is the longest command accepted.
const maxLine = 127

type Console struct {
	store   *state.Store
	out     io.Writer
	timeout time.Duration

	// Browser lists session files for ls; nil disables it.
	Browser *hardware.FileBrowser
	// Bus is the card bus, held around every card access when set.
	Bus        hardware.Bus
	BusTimeout time.Duration
	// GPSMaxAge is how old a fix may be before status calls it lost.
	GPSMaxAge time.Duration
	// Stats, when set, appends pipeline counters to the status output.
	Stats func(w io.Writer)
}

func New(store *state.Store, out io.Writer, lockTimeout time.Duration) *Console {
	return &Console{
		store:      store,
		out:        out,
		timeout:    lockTimeout,
		BusTimeout: 100 * time.Millisecond,
		GPSMaxAge:  state.DefaultGPSMaxAge,
	}
}

// Run executes commands read from r, one per line, until EOF or ctx is
// done.
func (c *Console) Run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if len(line) > maxLine {
			fmt.Fprintln(c.out, "Error: Command too long.")
			continue
		}
		fmt.Fprintf(c.out, "Received command: %s\n", line)
		c.Execute(line)
	}
	return sc.Err()
}

// Execute runs one command line.
func (c *Console) Execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help", "h":
		c.printHelp()
	case "rec":
		c.setRecording(c.store.ToggleRecording())
	case "start":
		c.store.SetRecording(true)
		c.setRecording(true)
	case "stop":
		c.store.SetRecording(false)
		c.setRecording(false)
	case "gps_debug":
		c.toggle(cmd, args, "GPS debug stream", func(d *state.DebugFlags, on bool) { d.GPS = on })
	case "ble_debug":
		c.toggle(cmd, args, "BLE debug stream", func(d *state.DebugFlags, on bool) { d.BLE = on })
	case "ble_stream":
		c.toggle(cmd, args, "BLE activity stream", func(d *state.DebugFlags, on bool) { d.BLEActivity = on })
	case "other_debug":
		c.toggle(cmd, args, "Other generic debug streams", func(d *state.DebugFlags, on bool) { d.Other = on })
	case "status":
		c.printStatus()
	case "ls":
		c.listSessions()
	case "export":
		c.exportSession(args)
	default:
		fmt.Fprintf(c.out, "Unknown command: %s\n", cmd)
		c.printHelp()
	}
}

func (c *Console) printHelp() {
	fmt.Fprint(c.out, `Available commands:
  help (or h)          - Prints this help message.
  rec                  - Toggles recording.
  start | stop         - Starts or stops recording.
  gps_debug <on|off>   - Enables/disables GPS debug stream.
  ble_debug <on|off>   - Enables/disables BLE debug stream.
  ble_stream <on|off>  - Enables/disables verbose BLE activity stream.
  other_debug <on|off> - Enables/disables other generic debug streams.
  status               - Prints recorder, card and sensor status.
  ls                   - Lists session files on the card.
  export <n>           - Writes session n (from ls) as a FIT activity.
`)
}

func (c *Console) setRecording(on bool) {
	if on {
		fmt.Fprintln(c.out, "Recording started.")
	} else {
		fmt.Fprintln(c.out, "Recording stopped.")
	}
	slog.Info("[CLI] Recording flag set", "recording", on)
}

func (c *Console) toggle(cmd string, args []string, what string, set func(*state.DebugFlags, bool)) {
	if len(args) == 0 {
		fmt.Fprintf(c.out, "Missing argument for %s. Use 'on' or 'off'.\n", cmd)
		return
	}
	var on bool
	switch args[0] {
	case "on":
		on = true
	case "off":
	default:
		fmt.Fprintf(c.out, "Invalid argument for %s. Use 'on' or 'off'.\n", cmd)
		return
	}

	if !c.store.UpdateDebug(c.timeout, func(d *state.DebugFlags) { set(d, on) }) {
		fmt.Fprintln(c.out, "Debug settings busy, try again.")
		return
	}
	if on {
		fmt.Fprintf(c.out, "%s enabled.\n", what)
	} else {
		fmt.Fprintf(c.out, "%s disabled.\n", what)
	}
}

func (c *Console) printStatus() {
	fmt.Fprintf(c.out, "recording: %v\n", c.store.Recording())
	fmt.Fprintf(c.out, "storage:   %s\n", c.store.StorageStatus())

	if p, ok := c.store.PowerCadence(c.timeout); ok {
		fmt.Fprintf(c.out, "ble:       %s %s\n", p.State, p.PeerName)
		fmt.Fprintf(c.out, "power:     %d W  cadence %d rpm  balance %.1f%%\n", p.Power, p.Cadence, p.BalancePct)
	} else {
		fmt.Fprintln(c.out, "ble:       (busy)")
	}

	if g, ok := c.store.GPS(c.timeout); ok {
		if g.FixValid(time.Now(), c.GPSMaxAge) {
			fmt.Fprintf(c.out, "gps:       %.6f, %.6f  %d sats\n", g.Latitude, g.Longitude, g.Satellites)
		} else {
			fmt.Fprintf(c.out, "gps:       no fix (%d sats)\n", g.Satellites)
		}
	} else {
		fmt.Fprintln(c.out, "gps:       (busy)")
	}

	fmt.Fprintf(c.out, "overruns:  %d\n", c.store.Overruns())
	if c.Stats != nil {
		c.Stats(c.out)
	}
}

func (c *Console) listSessions() {
	if c.Browser == nil {
		fmt.Fprintln(c.out, "No card browser available.")
		return
	}
	var sessions []hardware.SessionInfo
	var err error
	if !c.withCard(func() { sessions, err = c.Browser.Sessions() }) {
		return
	}
	if err != nil {
		fmt.Fprintf(c.out, "Cannot list card: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions on card.")
		return
	}
	for _, s := range sessions {
		partial := ""
		if s.Partial {
			partial = " (torn tail)"
		}
		fmt.Fprintf(c.out, "%04x  %-28s %7d records %6d KB%s\n", s.ID, s.FileName, s.Records, s.SizeKB, partial)
	}
}

func (c *Console) exportSession(args []string) {
	if c.Browser == nil {
		fmt.Fprintln(c.out, "No card browser available.")
		return
	}
	if len(args) == 0 {
		fmt.Fprintln(c.out, "Missing argument for export. Use a session number from ls.")
		return
	}
	idx, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid session number '%s'.\n", args[0])
		return
	}
	// Reading a whole session holds the card bus for a long time, so no
	// session may be open on it.
	if c.store.Recording() {
		fmt.Fprintln(c.out, "Stop recording before exporting.")
		return
	}

	var info *hardware.SessionInfo
	var recs []record.Record
	if !c.withCard(func() {
		if info, err = c.Browser.SessionByIndex(uint32(idx)); err == nil {
			recs, err = c.Browser.ReadSession(info.FileName)
		}
	}) {
		return
	}
	if info == nil {
		fmt.Fprintf(c.out, "Cannot export: %v\n", err)
		return
	}
	if err != nil && !errors.Is(err, record.ErrShortRecord) {
		fmt.Fprintf(c.out, "Cannot read %s: %v\n", info.FileName, err)
		return
	}
	start, err := export.SessionStart(info.FileName, time.Local)
	if err != nil {
		fmt.Fprintf(c.out, "Cannot export: %v\n", err)
		return
	}

	var fitData bytes.Buffer
	n, err := export.WriteFIT(&fitData, start, recs, export.DefaultInterval)
	if err != nil {
		fmt.Fprintf(c.out, "Export of %s failed: %v\n", info.FileName, err)
		return
	}

	dst := strings.TrimSuffix(info.Path, ".BIN") + ".FIT"
	if !c.withCard(func() {
		if err = os.WriteFile(dst, fitData.Bytes(), 0644); err != nil {
			os.Remove(dst)
		}
	}) {
		return
	}
	if err != nil {
		fmt.Fprintf(c.out, "Cannot write %s: %v\n", dst, err)
		return
	}
	slog.Info("[CLI] Session exported", "file", info.FileName, "fit", dst, "samples", n)
	fmt.Fprintf(c.out, "Exported %d samples to %s\n", n, dst)
}

// withCard runs fn with the card bus held. When the bus stays busy past
// BusTimeout it tells the user and returns false without running fn.
func (c *Console) withCard(fn func()) bool {
	if c.Bus != nil {
		release, err := c.Bus.Acquire(c.BusTimeout)
		if err != nil {
			fmt.Fprintln(c.out, "Card busy, try again.")
			return false
		}
		defer release()
	}
	fn()
	return true
}
