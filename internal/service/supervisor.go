package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/trainer/internal/log"
	"github.com/CZERTAINLY/trainer/internal/model"
	"github.com/CZERTAINLY/trainer/internal/proc"
	"github.com/CZERTAINLY/trainer/internal/registry"
	"github.com/CZERTAINLY/trainer/internal/trainlog"
)

// History persists job records. It is optional, a Supervisor without
// history keeps jobs in memory only.
type History interface {
	CreateJob(ctx context.Context, job model.Job) error
	FinishJob(ctx context.Context, id string, state model.JobState, exitCode *int, stopped time.Time) error
	LastByPID(ctx context.Context, pid int) (model.Job, error)
	ListJobs(ctx context.Context, limit int) ([]model.Job, error)
}

type Supervisor struct {
	cfg      model.Train
	stopWait time.Duration
	log      *trainlog.Sink
	registry registry.File
	history  History
	newID    func() string

	// lifetime of attached processes
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mx      sync.Mutex
	jobs    map[string]*entry
	current string
}

type entry struct {
	job      model.Job
	handle   *proc.Handle
	out      *os.File // worker side of the log, nil for attached jobs
	stopping bool
	done     chan struct{}
}

// NewSupervisor prepares the state directory. History may be nil.
func NewSupervisor(cfg model.Train, history History) (*Supervisor, error) {
	stopWait, err := model.ParseDuration(cfg.StopWait)
	if err != nil {
		return nil, fmt.Errorf("parsing train.stop_wait: %w", err)
	}
	if cfg.StateDir != "" {
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	}
	if history == nil {
		history = memHistory{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		stopWait: stopWait,
		log:      trainlog.New(cfg.Path(cfg.LogFile)),
		registry: registry.New(cfg.Path(cfg.PIDFile)),
		history:  history,
		newID:    uuid.NewString,
		baseCtx:  ctx,
		cancel:   cancel,
		jobs:     make(map[string]*entry),
	}, nil
}

// Log gives access to the training log.
func (s *Supervisor) Log() *trainlog.Sink {
	return s.log
}

func (s *Supervisor) Registry() registry.File {
	return s.registry
}

// ResolveDataset makes a relative dataset path absolute against the
// configured datasets root.
func (s *Supervisor) ResolveDataset(dataset string) string {
	if filepath.IsAbs(dataset) || s.cfg.DatasetsRoot == "" {
		return dataset
	}
	return filepath.Join(s.cfg.DatasetsRoot, dataset)
}

// Start validates the request, spawns the worker and returns without
// waiting on it. The exit is observed by a watcher goroutine.
func (s *Supervisor) Start(ctx context.Context, req model.TrainRequest) (model.Job, error) {
	dataset := s.ResolveDataset(req.Dataset)
	trainDir := filepath.Join(dataset, "train")
	if info, err := os.Stat(trainDir); err != nil || !info.IsDir() {
		return model.Job{}, &model.DatasetNotFoundError{Path: trainDir}
	}
	params := req.Params.WithDefaults(s.cfg.Defaults)

	s.mx.Lock()
	defer s.mx.Unlock()

	if s.cfg.Policy != model.PolicyReplace {
		if e := s.runningLocked(); e != nil {
			return model.Job{}, fmt.Errorf("%w: pid %d", model.ErrJobRunning, e.job.PID)
		}
	}

	if err := s.log.Reset(); err != nil {
		return model.Job{}, err
	}
	out, err := s.log.Open()
	if err != nil {
		return model.Job{}, err
	}

	cmd := WorkerCommand(s.cfg.Worker, dataset, params)
	cmd.Output = out
	h, err := proc.Spawn(cmd)
	if err != nil {
		_ = out.Close()
		if merr := s.log.Mark(trainlog.EventFailed); merr != nil {
			slog.WarnContext(ctx, "writing marker failed", "error", merr)
		}
		return model.Job{}, &model.SpawnError{Path: cmd.Path, Err: err}
	}

	job := model.Job{
		ID:      s.newID(),
		PID:     h.PID(),
		Dataset: dataset,
		Params:  params,
		LogPath: s.log.Path(),
		State:   model.JobRunning,
		Started: h.Started(),
	}
	ctx = log.ContextAttrs(ctx, slog.String("job_id", job.ID), slog.Int("pid", job.PID))

	if err := s.registry.Store(job.PID); err != nil {
		// a worker missing in the registry could not be stopped
		slog.ErrorContext(ctx, "recording pid failed", "error", err)
		return model.Job{}, s.abortLocked(ctx, h, out, err)
	}
	if err := s.history.CreateJob(ctx, job); err != nil {
		slog.WarnContext(ctx, "recording job history failed", "error", err)
	}

	e := &entry{
		job:    job,
		handle: h,
		out:    out,
		done:   make(chan struct{}),
	}
	s.jobs[job.ID] = e
	s.current = job.ID

	watchCtx := context.WithoutCancel(ctx)
	s.wg.Go(func() {
		s.watch(watchCtx, e)
	})

	slog.InfoContext(ctx, "training started", "dataset", dataset, "params", params)
	return job, nil
}

// abortLocked kills a just spawned worker which cannot be tracked.
func (s *Supervisor) abortLocked(ctx context.Context, h *proc.Handle, out *os.File, cause error) error {
	if err := h.Terminate(); err != nil && !errors.Is(err, proc.ErrProcessDone) {
		slog.ErrorContext(ctx, "killing untracked worker failed", "error", err)
	}
	s.waitExit(context.WithoutCancel(ctx), h.Done())
	_ = out.Close()
	if err := s.log.Mark(trainlog.EventFailed); err != nil {
		slog.WarnContext(ctx, "writing marker failed", "error", err)
	}
	return fmt.Errorf("recording pid %d: %w", h.PID(), cause)
}

// watch blocks until the worker exits. Unless a stop is in progress it
// marks the job completed and writes TRAIN_FINISHED. Close ends the
// watch early, the worker is left running then.
func (s *Supervisor) watch(ctx context.Context, e *entry) {
	defer close(e.done)
	var exit proc.Exit
	select {
	case <-e.handle.Done():
		exit = e.handle.Wait()
	case <-s.baseCtx.Done():
		exit = proc.Exit{Err: s.baseCtx.Err()}
	}
	if e.out != nil {
		// the worker writes through its own descriptor
		if err := e.out.Close(); err != nil {
			slog.WarnContext(ctx, "closing worker log failed", "error", err)
		}
	}

	if errors.Is(exit.Err, context.Canceled) {
		// supervisor closed, the process may still run
		slog.DebugContext(ctx, "stopped watching job")
		return
	}

	var exitCode *int
	if code, ok := exit.Code(); ok {
		exitCode = &code
	}

	s.mx.Lock()
	e.job.ExitCode = exitCode
	if e.stopping {
		s.mx.Unlock()
		slog.DebugContext(ctx, "worker exited on stop request")
		return
	}
	e.job.State = model.JobCompleted
	stopped := exit.Stopped
	e.job.Stopped = &stopped
	if s.current == e.job.ID {
		if err := s.log.Mark(trainlog.EventFinished); err != nil {
			slog.WarnContext(ctx, "writing marker failed", "error", err)
		}
	}
	if s.cfg.ClearOnFinish {
		if err := s.registry.ClearIf(e.job.PID); err != nil {
			slog.WarnContext(ctx, "clearing pid failed", "error", err)
		}
	}
	s.mx.Unlock()

	if err := s.history.FinishJob(ctx, e.job.ID, model.JobCompleted, exitCode, stopped); err != nil {
		slog.WarnContext(ctx, "recording job history failed", "error", err)
	}
	var attrs []any
	if exitCode != nil {
		attrs = append(attrs, "exit_code", *exitCode)
	}
	if exit.Err != nil {
		attrs = append(attrs, "error", exit.Err)
	}
	slog.InfoContext(ctx, "training finished", attrs...)
}

// Stop terminates the job recorded in the registry. An empty registry is
// reported as StopNoPID, not as an error. The returned error is set
// together with StopError only.
func (s *Supervisor) Stop(ctx context.Context) (model.StopResult, error) {
	pid, ok := s.registry.Load()
	if !ok {
		return model.StopResult{Status: model.StopNoPID, Msg: model.ErrNoActiveJob.Error()}, nil
	}
	ctx = log.ContextAttrs(ctx, slog.Int("pid", pid))

	s.mx.Lock()
	e := s.byPIDLocked(pid)
	var again bool
	if e != nil {
		again = e.stopping
		e.stopping = true
	}
	s.mx.Unlock()

	if e == nil {
		return s.stopUnknown(ctx, pid)
	}
	ctx = log.ContextAttrs(ctx, slog.String("job_id", e.job.ID))

	if again {
		// another stop request is already on it
		s.waitExit(ctx, e.done)
		return model.StopResult{Status: model.StopStopped, PID: pid}, nil
	}

	err := e.handle.Terminate()
	if err != nil && !errors.Is(err, proc.ErrProcessDone) {
		s.mx.Lock()
		e.stopping = false
		s.mx.Unlock()
		terr := &model.TerminationError{PID: pid, Err: err}
		slog.ErrorContext(ctx, "stopping training failed", "error", err)
		return model.StopResult{Status: model.StopError, PID: pid, Msg: terr.Error()}, terr
	}
	// the kill was sent, finish the bookkeeping even if the caller is gone
	ctx = context.WithoutCancel(ctx)
	s.waitExit(ctx, e.done)

	s.mx.Lock()
	stopped := time.Now()
	e.job.State = model.JobStopped
	e.job.Stopped = &stopped
	exitCode := e.job.ExitCode
	s.markStoppedLocked(ctx, pid)
	s.mx.Unlock()

	if err := s.history.FinishJob(ctx, e.job.ID, model.JobStopped, exitCode, stopped); err != nil {
		slog.WarnContext(ctx, "recording job history failed", "error", err)
	}
	slog.InfoContext(ctx, "training stopped")
	return model.StopResult{Status: model.StopStopped, PID: pid}, nil
}

// stopUnknown handles a pid which is not in the job table, either the
// job already finished or it was started by another server instance.
func (s *Supervisor) stopUnknown(ctx context.Context, pid int) (model.StopResult, error) {
	var err error
	if s.finished(ctx, pid) {
		// the pid may belong to an unrelated process by now
		err = proc.ErrProcessDone
	} else {
		err = proc.Kill(pid)
	}
	if errors.Is(err, proc.ErrProcessDone) {
		if cerr := s.registry.ClearIf(pid); cerr != nil {
			slog.WarnContext(ctx, "clearing pid failed", "error", cerr)
		}
		return model.StopResult{Status: model.StopNoPID, PID: pid, Msg: "process already exited"}, nil
	}
	if err != nil {
		terr := &model.TerminationError{PID: pid, Err: err}
		slog.ErrorContext(ctx, "stopping training failed", "error", err)
		return model.StopResult{Status: model.StopError, PID: pid, Msg: terr.Error()}, terr
	}

	ctx = context.WithoutCancel(ctx)
	s.waitGone(ctx, pid)
	s.mx.Lock()
	s.markStoppedLocked(ctx, pid)
	s.mx.Unlock()

	if job, err := s.history.LastByPID(ctx, pid); err == nil && !job.State.Terminal() {
		if err := s.history.FinishJob(ctx, job.ID, model.JobStopped, nil, time.Now()); err != nil {
			slog.WarnContext(ctx, "recording job history failed", "error", err)
		}
	}
	slog.InfoContext(ctx, "training stopped")
	return model.StopResult{Status: model.StopStopped, PID: pid}, nil
}

// finished reports whether the job table or the history knows pid as a
// job which has already ended.
func (s *Supervisor) finished(ctx context.Context, pid int) bool {
	s.mx.Lock()
	for _, e := range s.jobs {
		if e.job.PID == pid && e.job.State.Terminal() {
			s.mx.Unlock()
			return true
		}
	}
	s.mx.Unlock()
	job, err := s.history.LastByPID(ctx, pid)
	return err == nil && job.State.Terminal()
}

func (s *Supervisor) markStoppedLocked(ctx context.Context, pid int) {
	if err := s.log.Mark(trainlog.EventStopped(pid)); err != nil {
		slog.WarnContext(ctx, "writing marker failed", "error", err)
	}
	if err := s.registry.ClearIf(pid); err != nil {
		slog.WarnContext(ctx, "clearing pid failed", "error", err)
	}
}

func (s *Supervisor) waitExit(ctx context.Context, done <-chan struct{}) {
	timer := time.NewTimer(s.stopWait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.WarnContext(ctx, "worker exit not confirmed", "waited", s.stopWait)
	case <-ctx.Done():
	}
}

func (s *Supervisor) waitGone(ctx context.Context, pid int) {
	deadline := time.Now().Add(s.stopWait)
	for proc.Alive(pid) {
		if time.Now().After(deadline) {
			slog.WarnContext(ctx, "worker exit not confirmed", "waited", s.stopWait)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(proc.PollInterval):
		}
	}
}

// Recover adopts the worker recorded in the registry by a previous server
// run. A worker which exited in the meantime gets its TRAIN_FINISHED
// marker if the log lacks a terminal one.
func (s *Supervisor) Recover(ctx context.Context) error {
	pid, ok := s.registry.Load()
	if !ok {
		return nil
	}
	ctx = log.ContextAttrs(ctx, slog.Int("pid", pid))

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.byPIDLocked(pid) != nil {
		return nil
	}

	job, err := s.history.LastByPID(ctx, pid)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		slog.WarnContext(ctx, "reading job history failed", "error", err)
	}
	if err == nil && job.State.Terminal() {
		// the recorded job has ended, whatever runs under pid now is not ours
		slog.InfoContext(ctx, "recorded job already ended", "job_id", job.ID, "state", job.State)
		return s.registry.ClearIf(pid)
	}
	known := err == nil
	if !known {
		job = model.Job{
			ID:      s.newID(),
			PID:     pid,
			LogPath: s.log.Path(),
			State:   model.JobRunning,
			Started: time.Now(),
		}
	}
	ctx = log.ContextAttrs(ctx, slog.String("job_id", job.ID))

	h, err := proc.Attach(s.baseCtx, pid)
	if errors.Is(err, proc.ErrProcessDone) {
		slog.InfoContext(ctx, "recorded worker is gone")
		if event, ok := s.log.LastEvent(); ok && !trainlog.Terminal(event) {
			if err := s.log.Mark(trainlog.EventFinished); err != nil {
				slog.WarnContext(ctx, "writing marker failed", "error", err)
			}
		}
		if known {
			if err := s.history.FinishJob(ctx, job.ID, model.JobCompleted, nil, time.Now()); err != nil {
				slog.WarnContext(ctx, "recording job history failed", "error", err)
			}
		}
		if s.cfg.ClearOnFinish {
			return s.registry.Clear()
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("attaching pid %d: %w", pid, err)
	}
	if !known {
		if err := s.history.CreateJob(ctx, job); err != nil {
			slog.WarnContext(ctx, "recording job history failed", "error", err)
		}
	}

	e := &entry{
		job:    job,
		handle: h,
		done:   make(chan struct{}),
	}
	s.jobs[job.ID] = e
	s.current = job.ID
	watchCtx := context.WithoutCancel(ctx)
	s.wg.Go(func() {
		s.watch(watchCtx, e)
	})
	slog.InfoContext(ctx, "recovered running training")
	return nil
}

// Current returns the latest job known to this supervisor.
func (s *Supervisor) Current() (model.Job, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	e, ok := s.jobs[s.current]
	if !ok {
		return model.Job{}, false
	}
	return e.job, true
}

// Done returns a channel closed once the watcher of job id has finished.
// Unknown ids get a closed channel.
func (s *Supervisor) Done(id string) <-chan struct{} {
	s.mx.Lock()
	defer s.mx.Unlock()
	if e, ok := s.jobs[id]; ok {
		return e.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Jobs lists the job history, newest first.
func (s *Supervisor) Jobs(ctx context.Context, limit int) ([]model.Job, error) {
	if _, ok := s.history.(memHistory); ok {
		return s.memJobs(limit), nil
	}
	return s.history.ListJobs(ctx, limit)
}

func (s *Supervisor) memJobs(limit int) []model.Job {
	s.mx.Lock()
	jobs := make([]model.Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, e.job)
	}
	s.mx.Unlock()
	slices.SortFunc(jobs, func(a, b model.Job) int {
		return b.Started.Compare(a.Started)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// Close stops watching attached workers and waits for the watchers until
// ctx is done. Spawned workers are not terminated, they survive in the
// registry for the next Recover.
func (s *Supervisor) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) runningLocked() *entry {
	for _, e := range s.jobs {
		if !e.job.State.Terminal() && !e.handle.Exited() {
			return e
		}
	}
	return nil
}

func (s *Supervisor) byPIDLocked(pid int) *entry {
	for _, e := range s.jobs {
		if e.job.PID == pid && !e.job.State.Terminal() {
			return e
		}
	}
	return nil
}

// memHistory is used when no history store is configured, the job table
// itself is the history then.
type memHistory struct{}

func (memHistory) CreateJob(context.Context, model.Job) error { return nil }
func (memHistory) FinishJob(context.Context, string, model.JobState, *int, time.Time) error {
	return nil
}
func (memHistory) LastByPID(context.Context, int) (model.Job, error) {
	return model.Job{}, model.ErrNotFound
}
func (memHistory) ListJobs(context.Context, int) ([]model.Job, error) { return nil, nil }
