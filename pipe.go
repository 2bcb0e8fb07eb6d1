package ipc

import "sync"

// pipe is the PCB of spec §3: a 4096-byte circular buffer shared by one
// reader and one writer, with independent end-of-stream signalling on each
// side. Grounded on the original source's kernel_pipe.c/h and on the
// sync.Cond-based bounded pipes in the reference pack (coreos's bufpipe
// FixedPipe, jacoelho/pipebuf) — both gate a ring buffer behind a single
// mutex and a pair of condition variables exactly like this type, rather
// than the unbounded-chan-of-slices style smux itself uses for its
// sliding-window stream buffers.
//
// Every method here assumes the Kernel's lock is already held; callers go
// through Kernel.Read/Write/Close (handle.go) or Socket's directional
// wrappers (socket.go), never directly.
type pipe struct {
	buf [PipeBufferSize]byte
	r, w int // cursors in [0, PipeBufferSize)

	readOpen, writeOpen bool

	hasSpace *sync.Cond
	hasData  *sync.Cond
}

func newPipe(lock sync.Locker) *pipe {
	return &pipe{
		readOpen:  true,
		writeOpen: true,
		hasSpace:  sync.NewCond(lock),
		hasData:   sync.NewCond(lock),
	}
}

func (p *pipe) empty() bool { return p.r == p.w }
func (p *pipe) full() bool  { return (p.w+1)%PipeBufferSize == p.r }

// writeLocked implements spec §4.1's write(): a single write-cycle model
// that blocks once (if the ring starts full) and then copies without
// re-blocking, stopping early if the ring fills back up or the reader
// closes mid-copy.
func (p *pipe) writeLocked(buf []byte) (int, error) {
	if !p.readOpen || !p.writeOpen {
		return 0, ErrPeerClosed
	}

	for p.full() && p.readOpen {
		p.hasSpace.Wait()
	}

	n := 0
	for n < len(buf) {
		if !p.readOpen {
			break
		}
		if p.full() {
			break
		}
		p.buf[p.w] = buf[n]
		p.w = (p.w + 1) % PipeBufferSize
		n++
	}

	if n > 0 {
		p.hasData.Broadcast()
	}
	if n == 0 && !p.readOpen {
		return 0, ErrPeerClosed
	}
	return n, nil
}

// readLocked implements spec §4.1's read(): blocks only while the ring is
// empty and the writer is still open. If the writer has already closed (or
// closes while we wait), draining the remaining bytes and returning a
// short or zero count (EOF) is not an error.
func (p *pipe) readLocked(buf []byte) (int, error) {
	if !p.readOpen {
		return 0, ErrPeerClosed
	}

	for p.empty() && p.writeOpen {
		p.hasData.Wait()
	}

	n := 0
	for n < len(buf) && !p.empty() {
		buf[n] = p.buf[p.r]
		p.r = (p.r + 1) % PipeBufferSize
		n++
	}

	if n > 0 {
		p.hasSpace.Broadcast()
	}
	return n, nil
}

// closeReaderLocked implements spec §4.1's reader_close. The record's
// memory is reclaimed by the garbage collector once both ends have
// released their reference, which is this module's rendition of "the pipe
// record is destroyed only when both ends are closed".
func (p *pipe) closeReaderLocked() {
	p.readOpen = false
	p.hasSpace.Broadcast()
}

// closeWriterLocked implements spec §4.1's writer_close.
func (p *pipe) closeWriterLocked() {
	p.writeOpen = false
	p.hasData.Broadcast()
}

// Pipe reserves two handles atomically and wires them to opposite ends of
// a fresh pipe record, per spec §4.1. On failure no handle is consumed.
func (k *Kernel) Pipe(p *Process) (readFid, writeFid int, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	fids, err := p.reserveHandlesLocked(2)
	if err != nil {
		return NoFile, NoFile, err
	}

	pp := newPipe(&k.mu)
	p.fidt[fids[0]] = &fileEntry{kind: entryPipeEnd, pend: &pipeEnd{p: pp, isWriter: false}}
	p.fidt[fids[1]] = &fileEntry{kind: entryPipeEnd, pend: &pipeEnd{p: pp, isWriter: true}}

	k.log.Debug().Int("pid", p.pid).Int("read_fid", fids[0]).Int("write_fid", fids[1]).Msg("pipe created")
	return fids[0], fids[1], nil
}
