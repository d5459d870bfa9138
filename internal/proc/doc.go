// Package proc wraps a single external process: spawn, pid, wait for exit
// and forceful termination.
//
// A Handle is created either by Spawn, which starts a new child and owns
// it, or by Attach, which adopts a pid started by an earlier run of the
// server. Both kinds expose the same Wait, Done and Terminate methods, so
// callers never deal with the difference.
//
// Blocking calls stay in this package:
//   - Spawn starts a goroutine that blocks in (*exec.Cmd).Wait and closes
//     the Done channel when the process exits.
//   - Attach cannot wait on a process it is not the parent of, it polls
//     the pid until it disappears or the context is canceled.
//
// Termination is OS specific. On unix-like systems a spawned worker gets
// its own process group and Terminate sends SIGKILL to the whole group. On
// windows Terminate runs taskkill /F /T, which kills the process tree.
package proc
