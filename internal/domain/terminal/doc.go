// Package terminal manages persistent terminal sessions.
//
// A terminal's shell is owned by an external session host (see package
// host), not by this process. The service holds at most one local PTY per
// terminal, running either the host's create command or its attach
// command, and streams that PTY's output into a scrollback buffer and to
// a Listener. Losing the PTY, through a detach, a crash of the client or a
// server restart, leaves the shell running; Attach spawns a fresh client.
//
// Lifecycle:
//
//	running --(client exits, host session gone)--> exited
//	running --(spawn fails)--> error
//	running --(Kill)--> exited
//
// exited and error are final. Input and resizes for a terminal that is not
// running are dropped without error.
package terminal
