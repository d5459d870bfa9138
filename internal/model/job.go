package model

import (
	"time"
)

type JobState string

const (
	JobCreated   JobState = "created"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobStopped   JobState = "stopped"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobStopped
}

// TrainParams are passed verbatim to the worker.
type TrainParams struct {
	Epochs    int    `json:"epochs" yaml:"epochs"`
	BatchSize int    `json:"batch_size" yaml:"batch_size"`
	ImageSize int    `json:"img_size" yaml:"img_size"`
	Model     string `json:"model_type" yaml:"model_type"`
}

// WithDefaults fills zero fields from d.
func (p TrainParams) WithDefaults(d TrainParams) TrainParams {
	if p.Epochs <= 0 {
		p.Epochs = d.Epochs
	}
	if p.BatchSize <= 0 {
		p.BatchSize = d.BatchSize
	}
	if p.ImageSize <= 0 {
		p.ImageSize = d.ImageSize
	}
	if p.Model == "" {
		p.Model = d.Model
	}
	return p
}

// TrainRequest is what a client submits to start a job. Dataset may be
// absolute or relative to the configured datasets root.
type TrainRequest struct {
	Dataset string
	Params  TrainParams
}

type Job struct {
	ID       string      `json:"job_id"`
	PID      int         `json:"pid"`
	Dataset  string      `json:"dataset"`
	Params   TrainParams `json:"params"`
	LogPath  string      `json:"log_path"`
	State    JobState    `json:"state"`
	ExitCode *int        `json:"exit_code,omitempty"`
	Started  time.Time   `json:"started"`
	Stopped  *time.Time  `json:"stopped,omitempty"`
}

type StopStatus string

const (
	StopStopped StopStatus = "stopped"
	StopNoPID   StopStatus = "no_pid"
	StopError   StopStatus = "error"
)

// StopResult is the outcome of a stop request. PID is set for
// StopStopped and for StopError when a pid was recorded.
type StopResult struct {
	Status StopStatus `json:"status"`
	PID    int        `json:"pid,omitempty"`
	Msg    string     `json:"msg,omitempty"`
}
