package ipc

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Constants fixed at build time, per spec §6.
const (
	// PipeBufferSize is the capacity of a pipe's circular buffer. One byte
	// of that capacity is sacrificed to distinguish empty from full.
	PipeBufferSize = 4096

	// DefaultMaxPort is the default upper bound on socket port numbers.
	DefaultMaxPort = 1023

	// NoPort is the sentinel port value meaning "not bound to a port".
	NoPort = 0

	// NoFile is the sentinel handle value meaning "no live handle".
	NoFile = -1

	// MaxFileDescriptors bounds the number of live handles a single
	// process may hold at once, per the original source's FIDT sizing.
	MaxFileDescriptors = 16
)

// Shutdown modes for Kernel.Shutdown, per spec §6's {1,2,3} table entry.
const (
	ShutdownRead = 1
	ShutdownWrite = 2
	ShutdownBoth = 3
)

// Kernel owns the single coarse lock that guards every shared structure in
// this package: pipe ring buffers, the port map, listener request queues
// and process descriptor lists. Every sync.Cond anywhere in the package is
// built on &Kernel.mu, so a broadcast on any one of them only ever wakes
// goroutines that are safely re-evaluating their predicate under the same
// lock. See spec §5.
type Kernel struct {
	mu sync.Mutex

	maxPort    int
	maxHandles int
	ports      []*Socket

	processes map[int]*Process
	nextPID   int
	nextTID   int
	initPID   int

	log zerolog.Logger
}

// Option configures a Kernel at construction time.
type Option func(*Kernel)

// WithMaxPort overrides DefaultMaxPort.
func WithMaxPort(maxPort int) Option {
	return func(k *Kernel) { k.maxPort = maxPort }
}

// WithLogger attaches a zerolog.Logger; the default is zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// WithMaxFileDescriptors overrides MaxFileDescriptors, the per-process
// handle table size.
func WithMaxFileDescriptors(n int) Option {
	return func(k *Kernel) { k.maxHandles = n }
}

// NewKernel builds a Kernel with an init process already running at PID 1,
// mirroring the original source's convention that get_pid(proc) == 1
// identifies the process that never gets reparented.
func NewKernel(opts ...Option) *Kernel {
	k := &Kernel{
		maxPort:    DefaultMaxPort,
		maxHandles: MaxFileDescriptors,
		processes:  make(map[int]*Process),
		nextPID:    1,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.ports = make([]*Socket, k.maxPort+1)

	init := k.newProcessLocked(nil)
	k.initPID = init.pid
	return k
}

// InitProcess returns the process that adopts orphaned children and never
// itself gets reparented.
func (k *Kernel) InitProcess() *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes[k.initPID]
}

// NewProcess spawns a child process of parent, registering it on parent's
// children list. Passing nil for parent is only valid for the very first
// (init) process created by NewKernel.
func (k *Kernel) NewProcess(parent *Process) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.newProcessLocked(parent)
}

func (k *Kernel) newProcessLocked(parent *Process) *Process {
	pid := k.nextPID
	k.nextPID++
	p := &Process{
		pid:      pid,
		parent:   parent,
		children: make(map[int]*Process),
		threads:  make(map[int]*Thread),
		fidt:     make(map[int]*fileEntry),
		state:    ProcessRunning,
		debugID:  uuid.New(),
		k:        k,
	}
	p.childExit = sync.NewCond(&k.mu)
	if parent != nil {
		parent.children[pid] = p
	}
	k.processes[pid] = p
	return p
}
