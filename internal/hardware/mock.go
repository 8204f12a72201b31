package hardware

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// MockCard simulates the card in memory for local development and tests.
type MockCard struct {
	mu sync.Mutex

	absent    bool
	failWrite error
	// capacity in bytes across all files, 0 for unlimited
	capacity int
	used     int

	inits int
	files map[string]*MockFile
	order []string
}

func NewMockCard() *MockCard {
	return &MockCard{files: make(map[string]*MockFile)}
}

// --- Fault injection ---

// SetAbsent makes Init fail with ErrNotPresent until cleared.
func (m *MockCard) SetAbsent(absent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.absent = absent
}

// FailNextWrite makes the next Write on any file return err.
func (m *MockCard) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrite = err
}

// SetCapacity limits the total bytes the card accepts before ErrFull.
func (m *MockCard) SetCapacity(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity = n
}

// --- Card ---

func (m *MockCard) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inits++
	if m.absent {
		return ErrNotPresent
	}
	slog.Debug("[MOCK] Card Initialized", "files", len(m.files))
	return nil
}

func (m *MockCard) Create(name string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.absent {
		return nil, ErrNotPresent
	}
	if _, ok := m.files[name]; ok {
		return nil, fmt.Errorf("create %s: %w", name, fs.ErrExist)
	}
	f := &MockFile{card: m, name: name}
	m.files[name] = f
	m.order = append(m.order, name)
	slog.Debug("[MOCK] File Created", "name", name)
	return f, nil
}

// --- Inspection ---

func (m *MockCard) Inits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inits
}

// Files lists file names in creation order.
func (m *MockCard) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Data returns a copy of the bytes written to name.
func (m *MockCard) Data(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[name]
	if !ok {
		return nil
	}
	return bytes.Clone(f.data.Bytes())
}

func (m *MockCard) Closed(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[name]
	return ok && f.closed
}

// MockFile is one in-memory file on a MockCard.
type MockFile struct {
	card   *MockCard
	name   string
	data   bytes.Buffer
	closed bool
}

func (f *MockFile) Write(p []byte) (int, error) {
	m := f.card
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.closed {
		return 0, os.ErrClosed
	}
	if err := m.failWrite; err != nil {
		m.failWrite = nil
		return 0, err
	}
	if m.capacity > 0 && m.used+len(p) > m.capacity {
		return 0, ErrFull
	}
	m.used += len(p)
	return f.data.Write(p)
}

func (f *MockFile) Close() error {
	m := f.card
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	slog.Debug("[MOCK] File Closed", "name", f.name, "bytes", f.data.Len())
	return nil
}

// MockClock returns a scripted time that advances by Step on every read.
type MockClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration

	FailInit error
}

func NewMockClock(start time.Time, step time.Duration) *MockClock {
	return &MockClock{now: start, step: step}
}

func (c *MockClock) Init() error { return c.FailInit }

func (c *MockClock) Now() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t, nil
}
