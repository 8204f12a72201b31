package hardware

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cycle-logger/internal/record"
)

const (
	sessionPrefix = "LOG_"
	sessionSuffix = ".BIN"
)

// FileBrowser handles the logic for reading session files off the card.
type FileBrowser struct {
	RootPath string // e.g. /mnt/sdcard
}

// IsSessionFile reports whether name looks like a log written by the
// storage task.
func IsSessionFile(name string) bool {
	return strings.HasPrefix(name, sessionPrefix) && strings.HasSuffix(name, sessionSuffix)
}

// Sessions lists every session file, sorted by name (and so by start time).
func (fb *FileBrowser) Sessions() ([]SessionInfo, error) {
	files, err := fb.getSortedFiles()
	if err != nil {
		return nil, err
	}

	out := make([]SessionInfo, 0, len(files))
	for _, f := range files {
		info, err := fb.describe(f)
		if err != nil {
			slog.Warn("[SD] Skipping unreadable session", "file", f.Name(), "err", err)
			continue
		}
		out = append(out, *info)
	}
	return out, nil
}

// SessionByIndex returns info for the Nth session file (alphabetical).
func (fb *FileBrowser) SessionByIndex(idx uint32) (*SessionInfo, error) {
	files, err := fb.getSortedFiles()
	if err != nil {
		return nil, err
	}
	if int(idx) >= len(files) {
		return nil, fmt.Errorf("session index %d out of bounds (count: %d)", idx, len(files))
	}
	return fb.describe(files[idx])
}

// ReadSession decodes every whole record in name. A torn final record is
// reported with record.ErrShortRecord alongside the records before it.
func (fb *FileBrowser) ReadSession(name string) ([]record.Record, error) {
	if !IsSessionFile(name) || filepath.Base(name) != name {
		return nil, fmt.Errorf("'%s' is not a session file", name)
	}
	f, err := os.Open(filepath.Join(fb.RootPath, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return record.ReadAll(f)
}

func (fb *FileBrowser) describe(f os.DirEntry) (*SessionInfo, error) {
	info, err := f.Info()
	if err != nil {
		return nil, err
	}
	absPath, _ := filepath.Abs(filepath.Join(fb.RootPath, f.Name()))
	size := info.Size()

	return &SessionInfo{
		// Generate a consistent ID (CRC32 of filename)
		ID:       uint16(crc32.ChecksumIEEE([]byte(f.Name()))),
		FileName: f.Name(),
		Path:     absPath,
		SizeKB:   uint32((size + 1023) / 1024),
		Records:  uint32(size / record.Size),
		Partial:  size%record.Size != 0,
	}, nil
}

func (fb *FileBrowser) getSortedFiles() ([]os.DirEntry, error) {
	entries, err := os.ReadDir(fb.RootPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotPresent, fb.RootPath)
		}
		if errors.Is(err, fs.ErrPermission) {
			slog.Error("Insufficient permissions to open folder", "path", fb.RootPath)
		}
		return nil, err
	}

	var files []os.DirEntry
	for _, e := range entries {
		// Filter: Must be file AND look like a session log
		if !e.IsDir() && IsSessionFile(e.Name()) {
			files = append(files, e)
		}
	}

	// Sort alphabetically by name
	sort.Slice(files, func(i, j int) bool {
		return files[i].Name() < files[j].Name()
	})

	return files, nil
}
