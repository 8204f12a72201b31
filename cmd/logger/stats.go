package main

import (
	"fmt"
	"io"

	"cycle-logger/internal/acquire"
	"cycle-logger/internal/ble"
	"cycle-logger/internal/ingest"
	"cycle-logger/internal/queue"
	"cycle-logger/internal/storage"
)

// pipeline collects the counters shown by the console status command. ble
// and gps are nil when disabled.
type pipeline struct {
	records *queue.Queue
	acq     *acquire.Task
	sd      *storage.Task
	ble     *ble.Manager
	gps     *ingest.GPSReader
}

func (p pipeline) writeStats(w io.Writer) {
	a, s := p.acq.Stats(), p.sd.Stats()
	fmt.Fprintf(w, "queue:     %d/%d (pushed %d, dropped %d)\n", p.records.Len(), p.records.Cap(), p.records.Pushed(), p.records.Dropped())
	fmt.Fprintf(w, "acquire:   %d queued, %d missed\n", a.Queued, a.Missed)
	fmt.Fprintf(w, "card:      %d written, %d lost, %d files\n", s.Written, s.Lost, s.Files)
	if p.ble != nil {
		fmt.Fprintf(w, "ble rx:    %d dropped, %d stale\n", p.ble.Dropped(), p.ble.Stale())
	}
	if p.gps != nil {
		ok, bad := p.gps.Stats()
		fmt.Fprintf(w, "nmea:      %d accepted, %d rejected\n", ok, bad)
	}
}
