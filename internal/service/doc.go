// Package service runs training workers on behalf of API requests.
//
// Overview
// The Supervisor owns a table of jobs keyed by a UUID. Start validates a
// request, resets the training log, spawns the worker through
// internal/proc and returns the new pid right away. Each started job gets
// a watcher goroutine which blocks until the worker exits; that is the
// only place where the exit is awaited, request handlers never do it.
//
// The pid of the active job is persisted in the registry file, so a stop
// request or a restarted server can find it. Stop reads the registry,
// kills the worker together with its children and clears the registry.
//
// Data flow:
//
//	HTTP/CLI            Supervisor                proc.Handle       trainlog.Sink
//	    |                   |                          |                   |
//	start -----------> Start() -- Reset ---------------------------------->| TRAIN_STARTED
//	    |                   |---- Spawn -------------->| worker output --->|
//	    |<-- pid -----------|  go watch()              |                   |
//	    |                   |      Wait() <------------| (process exits)   |
//	    |                   |      Mark -------------------------------->  | TRAIN_FINISHED
//	stop ------------> Stop() --- Terminate ---------->|                   |
//	    |                   |     <-done--------------  |                   |
//	    |<-- stopped -------|---- Mark ---------------------------------->  | TRAIN_STOPPED (pid=N)
//
// Invariants:
//   - The job table is guarded by a single mutex, Start and Stop serialize
//     on it. With policy "reject" a second Start fails with ErrJobRunning.
//   - Exactly one terminal marker per job: a watcher leaves the marker to
//     Stop once the job is flagged as stopping.
//   - TRAIN_STARTED is written before the worker is spawned, terminal
//     markers after the exit has been observed.
//   - Empty or malformed registry means "no active job".
//   - The registry is cleared on natural completion only when
//     train.clear_on_finish is set.
//
// internal/service/supervisor_test.go shows the complete lifecycle.
package service
