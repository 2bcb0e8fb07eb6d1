package ipc

import (
	"sync"

	"github.com/google/uuid"
)

// TaskFunc is the entry point of a user-level thread. self identifies the
// running thread (the Go rendition of the original source's implicit
// CURTHREAD global — there is no goroutine-local storage in Go, so the
// thread a task is running on is passed explicitly instead).
type TaskFunc func(self *Thread, args interface{}) int

// threadState mirrors the original source's tcb state: a thread is Active
// until Exit records its result, then Exited.
type threadState int

const (
	threadActive threadState = iota
	threadExited
)

// Thread is the PTCB of spec §3: a reference-counted, possibly-detached
// descriptor for one user-level thread. Grounded on the original source's
// kernel_threads.c refcount/detached/exited bitfields, reshaped onto a
// sync.Cond so Join can block instead of the original's busy-wait-free but
// still cv-based kernel_wait.
type Thread struct {
	id       int
	proc     *Process
	k        *Kernel
	debugID  uuid.UUID

	state    threadState
	detached bool
	refcount int
	exitVal  int

	exitCV *sync.Cond
}

// FindThread looks up a thread by ID within p, for callers (such as
// ipcsys) that only have a numeric thread ID to work with.
func (p *Process) FindThread(tid int) *Thread {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.threads[tid]
}

// ID returns the thread identifier, unique within its process.
func (t *Thread) ID() int { return t.id }

// Process returns the thread's owning process.
func (t *Thread) Process() *Process { return t.proc }

// Self returns t itself. Spec §6 names ThreadSelf as a syscall returning
// the calling thread's own identity; since TaskFunc is handed its running
// Thread directly (see the CURTHREAD departure noted above), Self exists
// only so that code holding a *Thread can still spell "myself" the way
// spec.md's call table does, rather than for lookup purposes.
func (t *Thread) Self() *Thread { return t }

// CreateThread spawns a new user-level thread running task(self, args) in
// its own goroutine and returns immediately, per spec §4.3. refcount
// starts at zero and only ever counts joiners currently blocked in Join —
// a thread nobody joins or detaches is simply never swept from its
// process's descriptor list, which is harmless under Go's garbage
// collector (unlike the original source's manual PTCB free, nothing here
// is reclaimed by address).
func (p *Process) CreateThread(task TaskFunc, args interface{}) (*Thread, error) {
	if task == nil {
		return nil, ErrNilTask
	}

	p.k.mu.Lock()
	t := &Thread{
		id:      p.k.nextTID,
		proc:    p,
		k:       p.k,
		debugID: uuid.New(),
	}
	t.exitCV = sync.NewCond(&p.k.mu)
	p.k.nextTID++
	p.threads[t.id] = t
	p.threadCount++
	if p.mainThread == nil {
		p.mainThread = t
	}
	p.k.mu.Unlock()

	go func() {
		exitVal := task(t, args)
		t.Exit(exitVal)
	}()

	return t, nil
}

// Join blocks until target exits, then returns its exit value and releases
// the caller's reference. Joining a detached or already-joined thread, or
// a thread outside the caller's process, or a thread joining itself, is
// rejected per spec §4.3.
func (t *Thread) Join(target *Thread) (int, error) {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()

	if target == t {
		return 0, ErrSelfJoin
	}
	if target.proc != t.proc {
		return 0, ErrNotMember
	}
	if target.detached {
		return 0, ErrDetached
	}
	if _, stillTracked := target.proc.threads[target.id]; !stillTracked {
		// Already exited, detached (or reaped by a prior joiner) and swept.
		return 0, ErrAlreadyExited
	}

	target.refcount++
	for target.state != threadExited {
		if target.detached {
			target.refcount--
			return 0, ErrDetached
		}
		target.exitCV.Wait()
	}

	val := target.exitVal
	target.refcount--
	if target.refcount <= 0 {
		delete(target.proc.threads, target.id)
	}
	return val, nil
}

// DetachThread marks target as unjoinable: once detached, any joiner
// currently blocked on it wakes with ErrDetached (exit_cv is the shared
// wakeup for both exit and detach, so both must broadcast it). Detaching
// an already-detached or already-exited thread is rejected, per spec
// §4.3's ThreadDetach ("fail if missing or already exited") and the
// original source.
func (p *Process) DetachThread(target *Thread) error {
	k := p.k
	k.mu.Lock()
	defer k.mu.Unlock()

	if target.proc != p {
		return ErrNotMember
	}
	if target.detached {
		return ErrDetached
	}
	if target.state == threadExited {
		return ErrAlreadyExited
	}

	target.detached = true
	target.exitCV.Broadcast()
	return nil
}

// Exit records self's exit value, wakes any Joiner, drops self from the
// process's descriptor list if it is detached and no joiner holds it, and
// — if self was the process's last thread — tears the process down, per
// spec §4.3.
func (t *Thread) Exit(exitVal int) {
	k := t.k
	k.mu.Lock()
	defer k.mu.Unlock()

	if t.state == threadExited {
		return
	}
	t.state = threadExited
	t.exitVal = exitVal
	t.exitCV.Broadcast()

	if t.detached && t.refcount == 0 {
		delete(t.proc.threads, t.id)
	}

	t.proc.threadCount--
	if t.proc.threadCount == 0 {
		k.teardownProcessLocked(t.proc)
	}
}

// teardownProcessLocked implements spec §4.3's last-thread-exits path:
// release every open handle, reparent all children to the init process,
// record this process among its parent's exited children and wake
// anyone waiting in Wait, then mark the process a zombie. Grounded on the
// original source's kernel_threads.c proc_exit; the init process is found
// through k.initPID (the PID NewKernel gave it) rather than a literal 1.
func (k *Kernel) teardownProcessLocked(p *Process) {
	for fid, e := range p.fidt {
		switch e.kind {
		case entryPipeEnd:
			if e.pend.isWriter {
				e.pend.p.closeWriterLocked()
			} else {
				e.pend.p.closeReaderLocked()
			}
		case entrySocket:
			e.sock.closeLocked(k)
		}
		delete(p.fidt, fid)
	}

	init := k.processes[k.initPID]
	for cpid, c := range p.children {
		c.parent = init
		if init != nil && init != p {
			init.children[cpid] = c
		}
		delete(p.children, cpid)
	}
	// Grandchildren that had already become zombies under p (and were
	// waiting on p to reap them) move to init's exited list along with
	// their reparenting above, per kernel_threads.c's proc_exit: a
	// zombie whose parent just exited must still be reapable by someone.
	if init != nil && init != p && len(p.exitedChildren) > 0 {
		init.exitedChildren = append(init.exitedChildren, p.exitedChildren...)
		init.childExit.Broadcast()
	}
	p.exitedChildren = nil

	p.mainThread = nil
	p.state = ProcessZombie

	if p.parent != nil {
		p.parent.exitedChildren = append(p.parent.exitedChildren, p)
		p.parent.childExit.Broadcast()
	}

	k.log.Info().Int("pid", p.pid).Msg("process terminated")
}

// Wait blocks until at least one child of p has become a zombie, then
// returns and removes one such child, per spec §4.3's parent-reaps-child
// convention (mirroring the original source's proc_wait).
func (p *Process) Wait() (*Process, error) {
	k := p.k
	k.mu.Lock()
	defer k.mu.Unlock()

	for len(p.exitedChildren) == 0 {
		if len(p.children) == 0 {
			return nil, ErrNotMember
		}
		p.childExit.Wait()
	}

	child := p.exitedChildren[0]
	p.exitedChildren = p.exitedChildren[1:]
	return child, nil
}
