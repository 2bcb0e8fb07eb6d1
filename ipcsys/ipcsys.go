// Package ipcsys is a literal syscall-table facade over package ipc, per
// spec §6: every entry point returns a bare int (a handle or 0) and -1 on
// error, the calling convention the original source's syscall table uses,
// rather than the idiomatic (int, error) pairs the ipc package itself
// exposes. Use ipcsys only where that exact ABI matters (e.g. driving the
// batch shell from a script whose verbs map one-to-one onto syscalls);
// everything else should call package ipc directly.
package ipcsys

import (
	"time"

	"github.com/gokernel/ipc"
)

const (
	Fail = -1
	Ok   = 0
)

// Table binds one Process to a Kernel, the unit a script invocation needs.
type Table struct {
	K *ipc.Kernel
	P *ipc.Process
}

func New(k *ipc.Kernel, p *ipc.Process) *Table {
	return &Table{K: k, P: p}
}

func (t *Table) Socket(port int) int {
	fid, err := t.K.Socket(t.P, port)
	if err != nil {
		return Fail
	}
	return fid
}

func (t *Table) Listen(fid int) int {
	if err := t.K.Listen(t.P, fid); err != nil {
		return Fail
	}
	return Ok
}

func (t *Table) Accept(lfid int) int {
	fid, err := t.K.Accept(t.P, lfid)
	if err != nil {
		return Fail
	}
	return fid
}

// Connect blocks forever if timeoutMS is 0, matching spec §6's table.
func (t *Table) Connect(fid, port, timeoutMS int) int {
	timeout := time.Duration(timeoutMS) * time.Millisecond
	if err := t.K.Connect(t.P, fid, port, timeout); err != nil {
		return Fail
	}
	return Ok
}

func (t *Table) Pipe() (readFid, writeFid int) {
	r, w, err := t.K.Pipe(t.P)
	if err != nil {
		return Fail, Fail
	}
	return r, w
}

func (t *Table) Read(fid int, buf []byte) int {
	n, err := t.K.Read(t.P, fid, buf)
	if err != nil && n == 0 {
		return Fail
	}
	return n
}

func (t *Table) Write(fid int, buf []byte) int {
	n, err := t.K.Write(t.P, fid, buf)
	if err != nil && n == 0 {
		return Fail
	}
	return n
}

func (t *Table) Close(fid int) int {
	if err := t.K.Close(t.P, fid); err != nil {
		return Fail
	}
	return Ok
}

func (t *Table) Shutdown(fid, how int) int {
	if err := t.K.Shutdown(t.P, fid, how); err != nil {
		return Fail
	}
	return Ok
}

// CreateThread launches task and returns its thread ID, or Fail.
func (t *Table) CreateThread(task ipc.TaskFunc, args interface{}) int {
	th, err := t.P.CreateThread(task, args)
	if err != nil {
		return Fail
	}
	return th.ID()
}

// Join looks up target by thread ID within the table's process and joins
// it from the perspective of self.
func (t *Table) Join(self *ipc.Thread, targetTID int) int {
	target := t.findThread(targetTID)
	if target == nil {
		return Fail
	}
	_, err := self.Join(target)
	if err != nil {
		return Fail
	}
	return Ok
}

func (t *Table) Detach(targetTID int) int {
	target := t.findThread(targetTID)
	if target == nil {
		return Fail
	}
	if err := t.P.DetachThread(target); err != nil {
		return Fail
	}
	return Ok
}

// ThreadSelf returns self's own thread ID, the syscall-table rendition of
// spec §6's ThreadSelf.
func (t *Table) ThreadSelf(self *ipc.Thread) int {
	return self.ID()
}

// Exit terminates self with exitVal. Spec §6 notes the real ThreadExit
// never returns; here it returns Ok once bookkeeping completes, since a
// Go goroutine must still return control to its caller rather than sleep
// forever in an EXITED state.
func (t *Table) Exit(self *ipc.Thread, exitVal int) int {
	self.Exit(exitVal)
	return Ok
}

func (t *Table) findThread(tid int) *ipc.Thread {
	// Process.FindThread looks tid up in the process's thread table; it
	// returns nil once the thread has been swept from that table.
	return t.P.FindThread(tid)
}
