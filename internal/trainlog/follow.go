package trainlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow calls fn with the log content from offset on and then with every
// chunk appended later, until ctx is canceled or fn returns an error.
// When the log is replaced by a new job or shrinks below the consumed
// offset, reading restarts from the beginning.
func (s *Sink) Follow(ctx context.Context, offset int64, fn func([]byte) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating log watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	// the directory is watched, so a log created later is noticed too
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	name := filepath.Clean(s.path)
	var seen os.FileInfo
	offset, seen, err = s.readFrom(offset, seen, fn)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			offset, seen, err = s.readFrom(offset, seen, fn)
			if err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "log watcher", "path", s.path, "error", err)
		}
	}
}

// readFrom passes the content after offset to fn. seen is the file read
// last time, a different file is read from the start.
func (s *Sink) readFrom(offset int64, seen os.FileInfo, fn func([]byte) error) (int64, os.FileInfo, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil, nil
	}
	if err != nil {
		return offset, seen, fmt.Errorf("opening log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return offset, seen, fmt.Errorf("stat log: %w", err)
	}
	if seen != nil && !os.SameFile(seen, info) {
		offset = 0
	}
	if info.Size() < offset {
		offset = 0
	}
	if info.Size() == offset {
		return offset, info, nil
	}

	chunk := make([]byte, info.Size()-offset)
	n, err := f.ReadAt(chunk, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return offset, seen, fmt.Errorf("reading log: %w", err)
	}
	if n == 0 {
		return offset, info, nil
	}
	if err := fn(chunk[:n]); err != nil {
		return offset, seen, err
	}
	return offset + int64(n), info, nil
}
