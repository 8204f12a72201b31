// Package storage drains the record queue into one log file per recording
// session.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cycle-logger/internal/hardware"
	"cycle-logger/internal/record"
	"cycle-logger/internal/state"
)

// Source is the consumer side of the record queue.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (record.Record, bool)
	TryPop() (record.Record, bool)
	Len() int
}

type Options struct {
	BatchSize  int
	PopTimeout time.Duration
	BusTimeout time.Duration
	// RetryDelay spaces out card and clock re-initialisation attempts.
	RetryDelay time.Duration
	// IdlePoll is how often the recording flag is checked between sessions.
	IdlePoll time.Duration
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = 100 * time.Millisecond
	}
	if o.BusTimeout <= 0 {
		o.BusTimeout = 50 * time.Millisecond
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.IdlePoll <= 0 {
		o.IdlePoll = 50 * time.Millisecond
	}
}

type Stats struct {
	Written uint64 // records on the card
	Batches uint64
	Lost    uint64 // records discarded by failed writes
	Files   uint64
}

type phase uint8

const (
	phaseIdle phase = iota
	phaseRecording
	phaseClosing
)

// debugLockTimeout bounds the debug flag read on each flush.
const debugLockTimeout = time.Millisecond

// maxNameSuffix bounds the _NN suffixes tried when a file name is taken.
const maxNameSuffix = 99

// Task owns the card, the open file and the in-memory batch. Step and Run
// must be called from a single goroutine; Stats may be read from any.
type Task struct {
	card  hardware.Card
	clock hardware.Clock
	bus   hardware.Bus
	src   Source
	store *state.Store
	opts  Options

	cardReady   bool
	clockReady  bool
	lastAttempt time.Time

	phase     phase
	gen       uint64 // recording generation the open session belongs to
	drainLeft int
	sessionID uuid.UUID
	fileName  string
	file      hardware.File

	batch []record.Record
	buf   []byte

	written atomic.Uint64
	batches atomic.Uint64
	lost    atomic.Uint64
	files   atomic.Uint64
}

func New(card hardware.Card, clock hardware.Clock, bus hardware.Bus, src Source, store *state.Store, opts Options) *Task {
	opts.withDefaults()
	return &Task{
		card:  card,
		clock: clock,
		bus:   bus,
		src:   src,
		store: store,
		opts:  opts,
		batch: make([]record.Record, 0, opts.BatchSize),
		buf:   make([]byte, 0, opts.BatchSize*record.Size),
	}
}

func (t *Task) Stats() Stats {
	return Stats{
		Written: t.written.Load(),
		Batches: t.batches.Load(),
		Lost:    t.lost.Load(),
		Files:   t.files.Load(),
	}
}

// Run steps until ctx is cancelled, then closes any open session.
func (t *Task) Run(ctx context.Context) error {
	slog.Info("[SD] Storage task started", "batch", t.opts.BatchSize)
	for ctx.Err() == nil {
		t.Step(ctx)
	}

	if t.phase == phaseRecording {
		t.beginClose()
	}
	for i := 0; i < 5 && t.phase == phaseClosing; i++ {
		t.finishSession(context.Background())
	}
	st := t.Stats()
	slog.Info("[SD] Storage task stopped", "written", st.Written, "lost", st.Lost, "files", st.Files)
	return nil
}

// Step performs one cycle: watch the recording edges, move records from
// the queue into the batch and flush when due.
func (t *Task) Step(ctx context.Context) {
	recording, gen := t.store.RecordingSession()

	switch t.phase {
	case phaseIdle:
		if !recording {
			t.wait(ctx, t.opts.IdlePoll)
			return
		}
		t.startSession(ctx, gen)

	case phaseRecording:
		// A stop and restart between two steps still ends the session.
		if !recording || gen != t.gen {
			t.beginClose()
			t.finishSession(ctx)
			return
		}
		t.collect(ctx)

	case phaseClosing:
		t.finishSession(ctx)
	}
}

// startSession runs on the false→true edge. A previous session is always
// fully closed first: phaseClosing only ends once its file is.
func (t *Task) startSession(ctx context.Context, gen uint64) {
	if !t.ensureReady() {
		t.wait(ctx, t.opts.PopTimeout)
		return
	}

	t.sessionID = uuid.New()
	t.gen = gen
	t.phase = phaseRecording
	slog.Info("[SD] Session started", "session", t.sessionID)
	t.openFile()
}

func (t *Task) collect(ctx context.Context) {
	if len(t.batch) >= t.opts.BatchSize {
		// A previous flush could not complete; retry before taking more.
		if !t.flush() {
			t.wait(ctx, t.opts.PopTimeout)
		}
		return
	}

	r, ok := t.src.Pop(ctx, t.opts.PopTimeout)
	if !ok {
		if len(t.batch) > 0 {
			t.flush()
		}
		return
	}
	t.batch = append(t.batch, r)
	if len(t.batch) == t.opts.BatchSize {
		t.flush()
	}
}

// beginClose marks the true→false edge. Only records queued before the
// edge belong to the ending session.
func (t *Task) beginClose() {
	t.phase = phaseClosing
	t.drainLeft = t.src.Len()
	slog.Info("[SD] Recording stopped, closing session", "session", t.sessionID, "queued", t.drainLeft)
}

func (t *Task) finishSession(ctx context.Context) {
	for t.drainLeft > 0 {
		if len(t.batch) >= t.opts.BatchSize {
			if !t.flush() {
				t.wait(ctx, t.opts.PopTimeout)
				return
			}
			continue
		}
		r, ok := t.src.TryPop()
		if !ok {
			t.drainLeft = 0
			break
		}
		t.drainLeft--
		t.batch = append(t.batch, r)
	}

	if len(t.batch) > 0 && !t.flush() {
		t.wait(ctx, t.opts.PopTimeout)
		return
	}
	if t.file != nil && !t.closeFile() {
		t.wait(ctx, t.opts.PopTimeout)
		return
	}

	st := t.Stats()
	slog.Info("[SD] Session closed", "session", t.sessionID, "written", st.Written, "lost", st.Lost)
	t.phase = phaseIdle
	t.sessionID = uuid.Nil
}

// ensureReady (re)initialises the clock and the card, at most once per
// RetryDelay while they keep failing.
func (t *Task) ensureReady() bool {
	if t.cardReady && t.clockReady {
		return true
	}
	if !t.lastAttempt.IsZero() && time.Since(t.lastAttempt) < t.opts.RetryDelay {
		return false
	}
	t.lastAttempt = time.Now()

	if !t.clockReady {
		if err := t.clock.Init(); err != nil {
			slog.Error("[SD] RTC init failed", "err", err)
			t.store.SetStorageStatus(state.StorageErrorInit)
			return false
		}
		t.clockReady = true
	}

	release, err := t.bus.Acquire(t.opts.BusTimeout)
	if err != nil {
		t.store.SetStorageStatus(state.StorageInitMutex)
		return false
	}
	defer release()

	if err := t.card.Init(); err != nil {
		if errors.Is(err, hardware.ErrNotPresent) {
			slog.Warn("[SD] No card", "err", err)
			t.store.SetStorageStatus(state.StorageNotPresent)
		} else {
			slog.Error("[SD] Card init failed", "err", err)
			t.store.SetStorageStatus(state.StorageErrorInit)
		}
		return false
	}
	t.cardReady = true
	t.store.SetStorageStatus(state.StorageOK)
	slog.Info("[SD] Card ready")
	return true
}

// FileName is the log name for a session starting at ts, with an _NN
// suffix when n > 0.
func FileName(ts time.Time, n int) string {
	base := ts.Format("LOG_20060102_150405")
	if n > 0 {
		base = fmt.Sprintf("%s_%02d", base, n)
	}
	return base + ".BIN"
}

func (t *Task) openFile() bool {
	if !t.ensureReady() {
		return false
	}
	ts, err := t.clock.Now()
	if err != nil {
		slog.Error("[SD] RTC read failed", "err", err)
		t.clockReady = false
		t.store.SetStorageStatus(state.StorageErrorInit)
		return false
	}

	release, err := t.bus.Acquire(t.opts.BusTimeout)
	if err != nil {
		t.store.SetStorageStatus(state.StorageOpenMutex)
		return false
	}
	defer release()

	for n := 0; n <= maxNameSuffix; n++ {
		name := FileName(ts, n)
		f, err := t.card.Create(name)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			t.openFailed(name, err)
			return false
		}
		t.file, t.fileName = f, name
		t.files.Add(1)
		t.store.SetStorageStatus(state.StorageOK)
		slog.Info("[SD] File opened", "file", name, "session", t.sessionID)
		return true
	}
	t.openFailed(FileName(ts, 0), errors.New("no free file name"))
	return false
}

func (t *Task) openFailed(name string, err error) {
	slog.Error("[SD] File open failed", "file", name, "err", err)
	t.cardReady = false
	switch {
	case errors.Is(err, hardware.ErrNotPresent):
		t.store.SetStorageStatus(state.StorageNotPresent)
	case errors.Is(err, hardware.ErrFull):
		t.store.SetStorageStatus(state.StorageFull)
	default:
		t.store.SetStorageStatus(state.StorageErrorOpen)
	}
}

// flush writes the batch in one call. It reports whether the batch was
// written; a failed write discards it.
func (t *Task) flush() bool {
	if len(t.batch) == 0 {
		return true
	}
	if t.file == nil && !t.openFile() {
		return false
	}

	release, err := t.bus.Acquire(t.opts.BusTimeout)
	if err != nil {
		t.store.SetStorageStatus(state.StorageWriteMutex)
		return false
	}
	defer release()

	buf := t.buf[:0]
	for i := range t.batch {
		buf, _ = t.batch[i].AppendBinary(buf)
	}
	t.buf = buf

	n, err := t.file.Write(buf)
	if err == nil && n < len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		t.writeFailed(err)
		return false
	}

	t.written.Add(uint64(len(t.batch)))
	t.batches.Add(1)
	if d, ok := t.store.Debug(debugLockTimeout); ok && d.Other {
		slog.Info("[SD] Batch written", "file", t.fileName, "records", len(t.batch), "bytes", n, "queued", t.src.Len())
	}
	t.batch = t.batch[:0]
	t.store.SetStorageStatus(state.StorageOK)
	return true
}

// writeFailed runs with the bus held. The file is closed at once so no
// later batch lands after the corrupt one.
func (t *Task) writeFailed(err error) {
	if errors.Is(err, hardware.ErrFull) {
		slog.Error("[SD] Card full", "file", t.fileName)
		t.store.SetStorageStatus(state.StorageFull)
	} else {
		slog.Error("[SD] Write failed", "file", t.fileName, "err", err)
		t.store.SetStorageStatus(state.StorageErrorWrite)
	}

	t.lost.Add(uint64(len(t.batch)))
	t.batch = t.batch[:0]

	if cerr := t.file.Close(); cerr != nil {
		slog.Warn("[SD] Close after write failure", "file", t.fileName, "err", cerr)
	}
	t.file, t.fileName = nil, ""
	t.cardReady = false
}

func (t *Task) closeFile() bool {
	release, err := t.bus.Acquire(t.opts.BusTimeout)
	if err != nil {
		t.store.SetStorageStatus(state.StorageCloseMutex)
		return false
	}
	defer release()

	name := t.fileName
	err = t.file.Close()
	t.file, t.fileName = nil, ""
	if err != nil {
		slog.Error("[SD] Close failed", "file", name, "err", err)
		t.cardReady = false
		t.store.SetStorageStatus(state.StorageErrorWrite)
		return true
	}
	t.store.SetStorageStatus(state.StorageOK)
	slog.Info("[SD] File closed", "file", name)
	return true
}

func (t *Task) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
