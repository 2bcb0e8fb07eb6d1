// Package ipc implements the inter-thread/inter-process communication core
// of a teaching kernel: anonymous byte pipes with bounded ring buffers,
// connection-oriented stream sockets layered on top of those pipes, and
// user-level thread lifecycle management with reference-counted descriptors.
//
// A single Kernel value owns the coarse lock that guards every shared
// structure in this package — pipe ring buffers, the port map, listener
// request queues, and process descriptor lists. All blocking is done with
// sync.Cond variables whose Locker is that same lock, following Mesa
// semantics: every wait sits in a loop that re-checks its predicate once
// woken.
package ipc
