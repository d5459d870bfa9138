// Package registry persists the pid of the active training job. It holds
// at most one pid, stored as a single decimal integer in a file.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type File struct {
	path string
}

func New(path string) File {
	return File{path: path}
}

func (f File) Path() string {
	return f.path
}

// Load returns the recorded pid. Missing, empty or malformed content all
// mean there is no active job and are reported as false.
func (f File) Load() (int, bool) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Store records pid, replacing any previous value. The file is replaced
// atomically, so readers never observe a partial write.
func (f File) Store(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("creating pid file: %w", err)
	}
	_, werr := tmp.WriteString(strconv.Itoa(pid))
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing pid file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replacing pid file: %w", err)
	}
	return nil
}

// Clear removes the record. Clearing an empty registry is not an error.
func (f File) Clear() error {
	err := os.Remove(f.path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ClearIf removes the record only when it still names pid.
func (f File) ClearIf(pid int) error {
	if current, ok := f.Load(); !ok || current != pid {
		return nil
	}
	return f.Clear()
}
