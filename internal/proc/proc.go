package proc

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrProcessDone is returned by Terminate and Attach when the process
// has already exited.
var ErrProcessDone = os.ErrProcessDone

// PollInterval is how often an attached process is checked for liveness.
var PollInterval = 200 * time.Millisecond

type Command struct {
	Path string
	Args []string
	Env  []string // nil inherits the environment of the server
	Dir  string
	// Output receives both stdout and stderr. An *os.File is handed to the
	// child directly, anything else is copied by an internal goroutine.
	Output io.Writer
}

// Exit describes how the process ended.
type Exit struct {
	// State is nil for attached processes, exit status is unknown then.
	State   *os.ProcessState
	Err     error
	Stopped time.Time
}

// Code returns the exit code and true if it is known. Processes killed by
// a signal report -1.
func (e Exit) Code() (int, bool) {
	if e.State == nil {
		return 0, false
	}
	return e.State.ExitCode(), true
}

type Handle struct {
	pid     int
	owned   bool
	started time.Time

	mx   sync.Mutex
	exit Exit
	done chan struct{}
}

// Spawn starts the command and returns immediately. The process is
// reaped by an internal goroutine, use Wait or Done to observe the exit.
func Spawn(c Command) (*Handle, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = c.Output
	cmd.Stderr = c.Output
	cmd.SysProcAttr = sysProcAttr()

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &Handle{
		pid:     cmd.Process.Pid,
		owned:   true,
		started: started,
		done:    make(chan struct{}),
	}
	go h.wait(cmd)
	return h, nil
}

func (h *Handle) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// non-zero exit is reported through State
		err = nil
	}
	h.finish(Exit{
		State:   cmd.ProcessState,
		Err:     err,
		Stopped: time.Now(),
	})
}

// Attach adopts a running process identified by pid. The returned handle
// watches the pid until it exits or ctx is canceled, in which case Wait
// returns ctx.Err() in Exit.Err.
func Attach(ctx context.Context, pid int) (*Handle, error) {
	if pid <= 0 || !alive(pid) {
		return nil, ErrProcessDone
	}
	h := &Handle{
		pid:  pid,
		done: make(chan struct{}),
	}
	go h.poll(ctx)
	return h, nil
}

func (h *Handle) poll(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.finish(Exit{Err: ctx.Err(), Stopped: time.Now()})
			return
		case <-ticker.C:
			if !alive(h.pid) {
				h.finish(Exit{Stopped: time.Now()})
				return
			}
		}
	}
}

func (h *Handle) finish(e Exit) {
	h.mx.Lock()
	h.exit = e
	h.mx.Unlock()
	close(h.done)
}

func (h *Handle) PID() int {
	return h.pid
}

// Owned reports whether the process was started by this Handle.
func (h *Handle) Owned() bool {
	return h.owned
}

func (h *Handle) Started() time.Time {
	return h.started
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits. Safe for concurrent use.
func (h *Handle) Wait() Exit {
	<-h.done
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.exit
}

// Exited reports whether the exit was already observed.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Terminate kills the process and its children without a grace period.
// It does not wait for the exit.
func (h *Handle) Terminate() error {
	if h.Exited() {
		return ErrProcessDone
	}
	return terminate(h.pid)
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	return pid > 0 && alive(pid)
}

// Kill terminates pid without a Handle. It is used when a process is
// known only by a recorded pid and attaching failed.
func Kill(pid int) error {
	if !Alive(pid) {
		return ErrProcessDone
	}
	return terminate(pid)
}
