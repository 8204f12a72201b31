package hardware

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// FSCard is a card mounted as a directory, e.g. /mnt/sdcard.
type FSCard struct {
	RootPath string
}

func (c *FSCard) Init() error {
	info, err := os.Stat(c.RootPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotPresent, c.RootPath)
		}
		if errors.Is(err, fs.ErrPermission) {
			slog.Error("[SD] Insufficient permissions to open card", "path", c.RootPath)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrNotPresent, c.RootPath)
	}
	return nil
}

func (c *FSCard) Create(name string) (File, error) {
	path := filepath.Join(c.RootPath, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrNotPresent, err)
		}
		return nil, mapFull(err)
	}
	return &fsFile{f: f}, nil
}

type fsFile struct {
	f *os.File
}

func (f *fsFile) Write(p []byte) (int, error) {
	n, err := f.f.Write(p)
	return n, mapFull(err)
}

// Close syncs before closing so a closed file is on the medium.
func (f *fsFile) Close() error {
	syncErr := f.f.Sync()
	if err := f.f.Close(); err != nil {
		return mapFull(err)
	}
	return mapFull(syncErr)
}

func mapFull(err error) error {
	if err != nil && errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrFull, err)
	}
	return err
}

// SystemClock reads the host clock.
type SystemClock struct{}

func (SystemClock) Init() error { return nil }

func (SystemClock) Now() (time.Time, error) { return time.Now(), nil }
