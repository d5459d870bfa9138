// Package trainlog implements the append-only training log shared by the
// worker process and the orchestrator lifecycle markers.
package trainlog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	EventStarted  = "TRAIN_STARTED"
	EventFinished = "TRAIN_FINISHED"
	EventFailed   = "TRAIN_FAILED"
	eventStopped  = "TRAIN_STOPPED"

	timeLayout = "2006-01-02 15:04:05"
)

// EventStopped returns the marker event for a stopped worker.
func EventStopped(pid int) string {
	return fmt.Sprintf("%s (pid=%d)", eventStopped, pid)
}

// FormatMarker formats a marker line without the trailing newline.
func FormatMarker(t time.Time, event string) string {
	return "[" + t.Format(timeLayout) + "] " + event
}

// ParseMarker parses a line written by FormatMarker. Worker output does
// not parse, unless it happens to look exactly like a marker.
func ParseMarker(line string) (time.Time, string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < len(timeLayout)+3 || line[0] != '[' || line[len(timeLayout)+1] != ']' || line[len(timeLayout)+2] != ' ' {
		return time.Time{}, "", false
	}
	t, err := time.ParseInLocation(timeLayout, line[1:len(timeLayout)+1], time.Local)
	if err != nil {
		return time.Time{}, "", false
	}
	event := line[len(timeLayout)+3:]
	if !strings.HasPrefix(event, "TRAIN_") {
		return time.Time{}, "", false
	}
	return t, event, true
}

// Sink is the log file of the current job. Methods open and close the
// file on each call, the worker writes through its own descriptor
// returned by Open.
type Sink struct {
	path string
	now  func() time.Time
}

func New(path string) *Sink {
	return &Sink{path: path, now: time.Now}
}

// WithClock changes the time source used for markers.
func (s *Sink) WithClock(now func() time.Time) *Sink {
	s.now = now
	return s
}

func (s *Sink) Path() string {
	return s.path
}

// Reset replaces the log by a new file holding the TRAIN_STARTED marker.
// The file is swapped in by rename, so followers can tell it apart from
// the previous log even when it grows past their offset.
func (s *Sink) Reset() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("creating log: %w", err)
	}
	err = errors.Join(
		tmp.Chmod(0o644),
		s.write(tmp, EventStarted),
		tmp.Close(),
	)
	if err == nil {
		err = os.Rename(tmp.Name(), s.path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("resetting log: %w", err)
	}
	return nil
}

// Open returns the log opened for appending. It is handed over to the
// worker as stdout and stderr, the caller closes it once the worker exits.
func (s *Sink) Open() (*os.File, error) {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}
	return f, nil
}

// Mark appends a marker line.
func (s *Sink) Mark(event string) error {
	f, err := s.Open()
	if err != nil {
		return err
	}
	return errors.Join(
		s.write(f, event),
		f.Close(),
	)
}

func (s *Sink) write(f *os.File, event string) error {
	_, err := f.WriteString(FormatMarker(s.now(), event) + "\n")
	if err != nil {
		return fmt.Errorf("writing %s marker: %w", event, err)
	}
	return nil
}

// Read returns the whole log. A log which does not exist yet is empty.
func (s *Sink) Read() (string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading log: %w", err)
	}
	return string(b), nil
}

// LastEvent returns the event of the last marker in the log.
func (s *Sink) LastEvent() (string, bool) {
	content, err := s.Read()
	if err != nil {
		return "", false
	}
	lines := strings.Split(content, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if _, event, ok := ParseMarker(lines[i]); ok {
			return event, true
		}
	}
	return "", false
}

// Terminal reports whether event ends a job.
func Terminal(event string) bool {
	return event == EventFinished || event == EventFailed || strings.HasPrefix(event, eventStopped)
}
