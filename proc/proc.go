/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package proc is the trap/scheduler core: the process table, the
// priority scheduler, context-switch emulation, and sleep/wakeup. The
// original kernel keeps all of these in one compilation unit because
// they share the process-table lock and the RUNNABLE scan (see
// DESIGN.md); this package follows the same shape.
//
// Go has no register file to save/restore, so the swtch contract is
// realized as a goroutine-per-process model: each Process runs its
// body on its own goroutine, gated by a pair of unbuffered channels
// that stand in for the assembly context switch. A process only ever
// executes while its virtual CPU has handed it the token (runCh); it
// gives the token back by calling Yield, Sleep, or Exit, which is the
// only way a process ever "stops running" from the scheduler's point
// of view -- precisely the "only suspend by explicitly calling sleep"
// rule in spec §5.
package proc

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ucore-go/kernel/cpu"
	"github.com/ucore-go/kernel/devintr"
	"github.com/ucore-go/kernel/disk"
	"github.com/ucore-go/kernel/klog"
	"github.com/ucore-go/kernel/mm"
	"github.com/ucore-go/kernel/spinlock"
	"github.com/ucore-go/kernel/vfs"
)

// defTimerHz is the default simulated timer-interrupt rate each
// virtual CPU's idle scan paces itself against.
const defTimerHz = 1000

type State int

const (
	Unused State = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Used:
		return "USED"
	case Sleeping:
		return "SLEEPING"
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Zombie:
		return "ZOMBIE"
	}
	return "?"
}

// MinPriority is the lowest priority a process may hold (spec §3:
// "priority (integer >= 2; higher = more favored)").
const MinPriority = 2

// Body is a process's kernel-mode workload for this Go model: the
// portion of a teaching kernel that would otherwise be user code
// trapping into syscalls. It receives the process and the virtual
// CPU it has been dispatched onto for this quantum -- the same
// explicit-handle style spinlock and cpu use, rather than a hidden
// thread-local "current process"/"current cpu" lookup.
type Body func(p *Process, cpu spinlock.CPUHandle)

// Process is one schedulable kernel entity (spec §3).
type Process struct {
	PID      int
	lock     *spinlock.Lock
	state    State
	priority int

	parent   *Process // valid only under Machine.waitLock
	exitCode int

	Cwd     disk.Ino
	CwdPath string // tracked alongside Cwd so getcwd needs no reverse directory walk
	PT      mm.PageTable
	Files   vfs.FDTable

	mappings map[uintptr]int // mmap base -> page count, for munmap

	chanAddr any // sleep channel this process is waiting on, or nil

	runCh  chan spinlock.CPUHandle
	doneCh chan struct{}

	m *Machine
}

func (p *Process) Lock() *spinlock.Lock { return p.lock }

func (p *Process) State() State {
	return p.state
}

func (p *Process) Priority() int {
	return p.priority
}

// SetPriority implements sys_setpriority: must be >= MinPriority.
func (p *Process) SetPriority(cpu spinlock.CPUHandle, pr int) bool {
	if pr < MinPriority {
		return false
	}
	if p.lock.Holding(cpu) {
		// a running process already holds its own lock for the whole
		// quantum (see Yield); re-acquiring it would be a self-deadlock.
		p.priority = pr
		return true
	}
	p.lock.Acquire(cpu)
	p.priority = pr
	p.lock.Release(cpu)
	return true
}

func (p *Process) ExitCode() int { return p.exitCode }

// parentUnsafe returns the current parent pointer. Callers outside the
// proc package must go through Machine.Wait4/Machine.Getppid, which
// take waitLock; this accessor is for internal use only where the
// caller already holds it.
func (p *Process) parentUnsafe() *Process { return p.parent }

// Getppid implements sys_getppid: the parent's PID, or 0 if this
// process has none (it is init, or its parent has already exited and
// it has not yet been reparented -- spec §9's reparenting note).
func (m *Machine) Getppid(c spinlock.CPUHandle, p *Process) int {
	m.waitLock.Acquire(c)
	defer m.waitLock.Release(c)
	if parent := p.parentUnsafe(); parent != nil {
		return parent.PID
	}
	return 0
}

// Machine owns the process table and runs one scheduler goroutine per
// CPU (spec §4.3). Its processes' AsScheduler adapters are the
// Scheduler the vfs package's Pipe blocks through, and Run is the
// errgroup-managed fan-out the domain stack assigns to per-CPU
// dispatch.
type Machine struct {
	registry *cpu.Registry

	tblMu sync.Mutex // guards the table slice itself (not process fields)
	table []*Process

	// waitLock is spec §5's wait_lock -> process lock ordering: a real
	// spinlock (not a plain mutex) so wait4 can park on it through the
	// same sleep/wakeup protocol every other blocking syscall uses.
	waitLock *spinlock.Lock
	nextPID  int
	maxProc  int

	initProc *Process // reparenting target for orphaned children

	mm    mm.Service
	disk  disk.Service
	files *vfs.Pool

	log *klog.Logger

	// bootID identifies this particular boot of the Machine, the way a
	// real kernel's boot-time random seed or session id disambiguates
	// log lines across restarts; logged once at startup and available
	// for tools (kstat) that aggregate logs from more than one boot.
	bootID string

	timer *devintr.TimerSource

	stop chan struct{}
}

// NewMachine allocates a Machine with ncpu virtual cores and room for
// maxProc process-table slots, wired to the memory, disk, and
// open-file collaborators fork/exit/exec need.
func NewMachine(ncpu, maxProc int, mmSvc mm.Service, diskSvc disk.Service, files *vfs.Pool, log *klog.Logger) *Machine {
	if log == nil {
		log = klog.Default()
	}
	return &Machine{
		registry: cpu.NewRegistry(ncpu),
		table:    make([]*Process, 0, maxProc),
		waitLock: spinlock.New("wait.lock"),
		nextPID:  1,
		maxProc:  maxProc,
		mm:       mmSvc,
		disk:     diskSvc,
		files:    files,
		log:      log,
		bootID:   uuid.NewString(),
		timer:    devintr.NewTimerSource(defTimerHz),
		stop:     make(chan struct{}),
	}
}

// NCPU reports how many virtual cores this Machine was booted with.
func (m *Machine) NCPU() int { return m.registry.NCPU() }

// Log returns the logger this Machine emits lifecycle events to.
func (m *Machine) Log() *klog.Logger { return m.log }

// BootID identifies this boot, for correlating log lines and kstat
// snapshots across restarts of the same disk image.
func (m *Machine) BootID() string { return m.bootID }

// Snapshot is a point-in-time, lock-free copy of one process-table
// entry, for inspection tools (kstat) that must not reach into a
// live Process's locked fields directly.
type Snapshot struct {
	PID       int
	State     State
	Priority  int
	ParentPID int
	ExitCode  int
	NOpenFDs  int
}

// Snapshot returns a copy of every process-table entry, ordered by
// PID. It takes waitLock (for parent pointers) and tblMu (for the
// table slice) only long enough to copy fields, never while holding a
// per-process lock, so it cannot deadlock against a running scheduler.
// Per-process fields (state, priority, fd count) are read without
// that process's own lock -- the same relaxed, best-effort read a
// procdump-style debug tool takes in a real kernel, not a snapshot
// consistency guarantee.
func (m *Machine) Snapshot() []Snapshot {
	bc := &bootCPU{}
	m.waitLock.Acquire(bc)
	m.tblMu.Lock()
	out := make([]Snapshot, 0, len(m.table))
	for _, p := range m.table {
		s := Snapshot{
			PID:      p.PID,
			State:    p.state,
			Priority: p.priority,
			ExitCode: p.exitCode,
			NOpenFDs: len(p.Files.All()),
		}
		if p.parent != nil {
			s.ParentPID = p.parent.PID
		}
		out = append(out, s)
	}
	m.tblMu.Unlock()
	m.waitLock.Release(bc)
	return out
}
