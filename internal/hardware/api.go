package hardware

import (
	"errors"
	"time"
)

var (
	// ErrNotPresent means no card is inserted or the mount point is gone.
	ErrNotPresent = errors.New("card not present")
	// ErrFull is returned by File.Write when the card has no space left.
	ErrFull = errors.New("card full")
	// ErrBusTimeout means the shared bus could not be taken in time.
	ErrBusTimeout = errors.New("bus busy")
)

// Card is the removable log medium.
type Card interface {
	// Init brings the card up. It is called again after any failure.
	Init() error

	// Create opens a new file for writing. It never opens an existing
	// file: a name collision returns an error matching fs.ErrExist.
	Create(name string) (File, error)
}

type File interface {
	Write(p []byte) (int, error)
	Close() error
}

// Clock is the real-time clock used to name log files.
type Clock interface {
	Init() error
	Now() (time.Time, error)
}

// Bus is the peripheral bus shared by the card and the display.
type Bus interface {
	// Acquire takes the bus or gives up after timeout with ErrBusTimeout.
	// The returned func releases it.
	Acquire(timeout time.Duration) (release func(), err error)
}

type SessionInfo struct {
	ID       uint16 `json:"id"`
	FileName string `json:"filename"`
	Path     string `json:"path"`
	SizeKB   uint32 `json:"size_kb"`
	Records  uint32 `json:"records"`
	// Partial is set when the file ends in a torn record.
	Partial bool `json:"partial"`
}
