package ipc

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role is the tag of the Socket sum type, per spec §3/§9 ("Tagged roles").
// Role-exclusive payload fields below are only ever populated for the
// matching role, so role-mismatched access is a programmer error this
// module defends against by checking role before touching either payload,
// rather than by carving Socket into three concrete Go types — a single
// struct keeps the port-map's []*Socket homogeneous the way smux keeps a
// single concrete *stream in its streams map instead of an interface.
type Role int

const (
	RoleUnbound Role = iota
	RoleListener
	RolePeer
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RolePeer:
		return "peer"
	default:
		return "unbound"
	}
}

// connRequest is the queue node of spec §3: one pending Connect() parked
// on a listener's request_queue, woken either by Accept (admitted) or by
// its own timeout/listener-close path.
type connRequest struct {
	sock *Socket
	fid  int
	cond *sync.Cond
	admitted bool
}

// Socket is the SCB of spec §3/§4.2: a port-bound entity that is Unbound,
// a Listener (request queue + req_arrived), or a Peer (a pair of opposite-
// facing pipes). Grounded on SagerNet-smux's Session, generalized from
// "one stream map keyed by stream id, fed by a recvLoop" to "one request
// queue keyed by arrival order, fed by Connect calls" — the accept-side
// rendezvous has the same shape (a blocking pop from a shared queue) even
// though the underlying transport here is an in-process pipe, not a
// framed byte stream.
type Socket struct {
	port int
	role Role
	k    *Kernel
	debugID uuid.UUID

	// Listener payload.
	reqQueue   []*connRequest
	reqArrived *sync.Cond

	// Peer payload.
	readPipe  *pipe
	writePipe *pipe
}

// Port returns the socket's bound (or about-to-be-bound) port number.
func (s *Socket) Port() int { return s.port }

// RoleOf reports the socket's current role.
func (s *Socket) RoleOf() Role {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	return s.role
}

// Socket allocates an Unbound socket on port. The port map is not touched
// here — only Listen claims a port — which resolves spec §9 Open Question
// #4 in favor of requiring an explicit Listen to bind, rather than the
// original source's fragile "first Socket() call on an empty port claims
// it" behavior.
func (k *Kernel) Socket(p *Process, port int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if port < NoPort || port > k.maxPort {
		return NoFile, ErrBadPort
	}

	fids, err := p.reserveHandlesLocked(1)
	if err != nil {
		return NoFile, err
	}

	s := &Socket{port: port, role: RoleUnbound, k: k, debugID: uuid.New()}
	p.fidt[fids[0]] = &fileEntry{kind: entrySocket, sock: s}
	return fids[0], nil
}

// newAcceptedSocketLocked allocates the Peer-to-be socket for the
// accepting side of Accept. It deliberately does not reuse Kernel.Socket,
// which resolves spec §9 Open Question #3: the original source's Accept
// called sys_Socket(port) to build the accepted side, a path that could in
// principle re-trigger Socket's port-map-claim-on-first-call landmine.
// Allocating the bare SCB directly here sidesteps that landmine instead of
// relying on it never firing for a valid listener.
func newAcceptedSocketLocked(p *Process, port int) (int, *Socket, error) {
	fids, err := p.reserveHandlesLocked(1)
	if err != nil {
		return NoFile, nil, err
	}
	s := &Socket{port: port, role: RoleUnbound, k: p.k, debugID: uuid.New()}
	p.fidt[fids[0]] = &fileEntry{kind: entrySocket, sock: s}
	return fids[0], s, nil
}

// Listen transitions sock from Unbound to Listener and publishes it into
// the port map, per spec §4.2.
func (k *Kernel) Listen(p *Process, fid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := p.fidt[fid]
	if !ok || e.kind != entrySocket {
		return ErrBadHandle
	}
	s := e.sock

	if s.role != RoleUnbound {
		return ErrNotUnbound
	}
	if s.port <= NoPort || s.port > k.maxPort {
		return ErrBadPort
	}
	if k.ports[s.port] != nil {
		return ErrAlreadyListening
	}

	s.role = RoleListener
	s.reqQueue = nil
	s.reqArrived = sync.NewCond(&k.mu)
	k.ports[s.port] = s

	k.log.Info().Int("pid", p.pid).Int("port", s.port).Msg("socket listening")
	return nil
}

// Accept blocks until a connection request arrives on lfid's listener, or
// the listener is closed, then admits the head of the FIFO request queue
// and returns a freshly-minted Peer socket for the accepting side, per
// spec §4.2. Invariant 4 (FIFO admission) follows from reqQueue being a
// plain append/pop-front slice.
func (k *Kernel) Accept(p *Process, lfid int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := p.fidt[lfid]
	if !ok || e.kind != entrySocket {
		return NoFile, ErrBadHandle
	}
	lsock := e.sock
	if lsock.role != RoleListener {
		return NoFile, ErrNotListener
	}
	port := lsock.port

	for {
		if k.ports[port] != lsock {
			return NoFile, ErrListenerClosed
		}
		if len(lsock.reqQueue) > 0 {
			break
		}
		lsock.reqArrived.Wait()
	}

	node := lsock.reqQueue[0]
	lsock.reqQueue = lsock.reqQueue[1:]

	acceptedFid, accepted, err := newAcceptedSocketLocked(p, port)
	if err != nil {
		// Put the request back at the head of the queue; the requester is
		// still waiting and nothing about its admission has changed.
		lsock.reqQueue = append([]*connRequest{node}, lsock.reqQueue...)
		return NoFile, err
	}

	// pipe1: requester reads, accepted writes. pipe2: accepted reads,
	// requester writes. Together they form the full-duplex channel.
	pipe1 := newPipe(&k.mu)
	pipe2 := newPipe(&k.mu)

	accepted.role = RolePeer
	accepted.readPipe = pipe2
	accepted.writePipe = pipe1

	node.sock.role = RolePeer
	node.sock.readPipe = pipe1
	node.sock.writePipe = pipe2

	node.admitted = true
	node.cond.Signal()

	k.log.Info().Int("pid", p.pid).Int("port", port).Msg("connection accepted")
	return acceptedFid, nil
}

// Connect enqueues a request on port's listener and blocks until it is
// admitted, the listener disappears, or timeout elapses (zero/negative
// meaning wait forever), per spec §4.2. A timed-out or listener-closed
// request is excised from the queue before returning, resolving spec §9
// Open Question #1 ("a later Accept could admit a dead requester").
func (k *Kernel) Connect(p *Process, fid int, port int, timeout time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := p.fidt[fid]
	if !ok || e.kind != entrySocket {
		return ErrBadHandle
	}
	s := e.sock

	if port <= NoPort || port > k.maxPort {
		return ErrBadPort
	}
	if s.role != RoleUnbound {
		return ErrNotUnbound
	}
	listener := k.ports[port]
	if listener == nil || listener.role != RoleListener {
		return ErrNotListener
	}

	node := &connRequest{sock: s, fid: fid, cond: sync.NewCond(&k.mu)}
	listener.reqQueue = append(listener.reqQueue, node)
	listener.reqArrived.Broadcast()

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			k.mu.Lock()
			node.cond.Broadcast()
			k.mu.Unlock()
		})
		defer timer.Stop()
	}

	for {
		if node.admitted {
			return nil
		}
		if k.ports[port] != listener {
			k.exciseLocked(listener, node)
			return ErrListenerClosed
		}
		if hasDeadline && !time.Now().Before(deadline) {
			k.exciseLocked(listener, node)
			return ErrTimeout
		}
		node.cond.Wait()
	}
}

func (k *Kernel) exciseLocked(listener *Socket, node *connRequest) {
	for i, n := range listener.reqQueue {
		if n == node {
			listener.reqQueue = append(listener.reqQueue[:i], listener.reqQueue[i+1:]...)
			return
		}
	}
}

// readLocked/writeLocked dispatch a Peer socket's I/O to its directional
// pipe, per spec §4.2 ("Peer-only: delegate to the underlying pipe").
func (s *Socket) readLocked(buf []byte) (int, error) {
	if s.role != RolePeer {
		return 0, ErrWrongRole
	}
	return s.readPipe.readLocked(buf)
}

func (s *Socket) writeLocked(buf []byte) (int, error) {
	if s.role != RolePeer {
		return 0, ErrWrongRole
	}
	return s.writePipe.writeLocked(buf)
}

// closeLocked implements spec §4.2's Close: Peer closes both underlying
// pipe ends, Listener unpublishes itself from the port map and wakes every
// party that might be blocked on it (pending Accepts via req_arrived, and
// — since Connect only ever waits on its own node's condition variable —
// every still-queued connRequest directly), Unbound is a no-op.
func (s *Socket) closeLocked(k *Kernel) error {
	switch s.role {
	case RoleListener:
		if k.ports[s.port] == s {
			k.ports[s.port] = nil
		}
		for _, n := range s.reqQueue {
			n.cond.Broadcast()
		}
		s.reqQueue = nil
		s.reqArrived.Broadcast()
		k.log.Info().Int("port", s.port).Msg("listener closed")
	case RolePeer:
		s.readPipe.closeReaderLocked()
		s.writePipe.closeWriterLocked()
	}
	return nil
}

// Shutdown closes one or both directions of a Peer socket without
// destroying the handle, per spec §4.2.
func (k *Kernel) Shutdown(p *Process, fid int, how int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := p.fidt[fid]
	if !ok || e.kind != entrySocket {
		return ErrBadHandle
	}
	s := e.sock
	if s.role != RolePeer {
		return ErrWrongRole
	}

	switch how {
	case ShutdownRead:
		s.readPipe.closeReaderLocked()
	case ShutdownWrite:
		s.writePipe.closeWriterLocked()
	case ShutdownBoth:
		s.readPipe.closeReaderLocked()
		s.writePipe.closeWriterLocked()
	default:
		return ErrShutdownMode
	}
	return nil
}
