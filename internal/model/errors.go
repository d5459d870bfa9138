package model

import (
	"errors"
	"fmt"
)

var (
	ErrDatasetNotFound    = errors.New("dataset not found")
	ErrNoActiveJob        = errors.New("no active job")
	ErrJobRunning         = errors.New("training job already running")
	ErrSpawnFailure       = errors.New("spawning worker failed")
	ErrTerminationFailure = errors.New("terminating worker failed")
	ErrNotFound           = errors.New("not found")
)

// DatasetNotFoundError is returned by start when the resolved dataset
// has no train subdirectory. Path is the missing train directory.
type DatasetNotFoundError struct {
	Path string
}

func (e *DatasetNotFoundError) Error() string {
	return "train directory not found: " + e.Path
}

func (e *DatasetNotFoundError) Unwrap() error {
	return ErrDatasetNotFound
}

type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning worker %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawnFailure, e.Err}
}

type TerminationError struct {
	PID int
	Err error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminating pid %d: %v", e.PID, e.Err)
}

func (e *TerminationError) Unwrap() []error {
	return []error{ErrTerminationFailure, e.Err}
}
