package ipc

import "github.com/pkg/errors"

// Error taxonomy, per spec §7. Callers that want the textbook kernel ABI
// (a single negative/NOFILE sentinel, no diagnostic channel) should use the
// ipcsys package; everything in ipc itself returns one of these so they can
// be matched with errors.Is.
var (
	// bad-argument
	ErrBadHandle  = errors.New("ipc: bad handle")
	ErrBadPort    = errors.New("ipc: port out of range")
	ErrWrongRole  = errors.New("ipc: wrong socket role for this operation")
	ErrNilTask    = errors.New("ipc: task entry point is nil")
	ErrBadTid     = errors.New("ipc: bad thread id")
	ErrShutdownMode = errors.New("ipc: invalid shutdown mode")

	// resource-exhaustion
	ErrHandleTableFull = errors.New("ipc: handle table full")
	ErrAlloc           = errors.New("ipc: allocation failed")

	// peer-closed
	ErrPeerClosed = errors.New("ipc: peer end is closed")

	// timeout
	ErrTimeout = errors.New("ipc: operation timed out")

	// state-violation
	ErrNotListener      = errors.New("ipc: socket is not a listener")
	ErrAlreadyListening = errors.New("ipc: port already has a listener")
	ErrNotUnbound       = errors.New("ipc: socket is not unbound")
	ErrListenerClosed   = errors.New("ipc: listener was closed")
	ErrDetached         = errors.New("ipc: thread is detached")
	ErrAlreadyExited    = errors.New("ipc: thread already exited")
	ErrSelfJoin         = errors.New("ipc: a thread cannot join itself")
	ErrNotMember        = errors.New("ipc: thread does not belong to this process")
)
