/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package proc

import (
	"errors"

	"github.com/ucore-go/kernel/klog"
	"github.com/ucore-go/kernel/spinlock"
)

var ErrNoChildren = errors.New("proc: no children to wait for")

// newProcess allocates a table slot and the channel pair a process
// needs to be dispatched at all, but leaves it in the USED state --
// the caller finishes setting up Cwd/Files/parent before making it
// RUNNABLE.
func (m *Machine) newProcess() *Process {
	m.tblMu.Lock()
	defer m.tblMu.Unlock()
	p := &Process{
		PID:      m.nextPID,
		lock:     spinlock.New("proc.lock"),
		state:    Used,
		priority: MinPriority,
		runCh:    make(chan spinlock.CPUHandle),
		doneCh:   make(chan struct{}),
		m:        m,
	}
	m.nextPID++
	m.table = append(m.table, p)
	return p
}

// bootCPU is a disposable CPUHandle for state transitions that happen
// before the owning process has ever been dispatched (so no real
// spinlock.CPUHandle exists yet to make the transition under) -- the
// same trick Wakeup uses for out-of-band callers.
type bootCPU struct{ noff int }

func (b *bootCPU) CPUID() int { return -2 }
func (b *bootCPU) PushOff()   { b.noff++ }
func (b *bootCPU) PopOff()    { b.noff-- }

func (p *Process) markRunnable(c spinlock.CPUHandle) {
	p.lock.Acquire(c)
	p.state = Runnable
	p.lock.Release(c)
}

// Spawn creates the kernel's first process: no parent, a fresh address
// space, cwd at the filesystem root. Every later process descends from
// it through Clone. The returned Process is RUNNABLE and will be
// picked up by whichever scheduler loop scans it next; Spawn also
// records it as the reparenting target for orphaned children (spec
// §4.9's "init reaps orphans" convention).
func (m *Machine) Spawn(body Body) (*Process, error) {
	pt, err := m.mm.NewPageTable()
	if err != nil {
		return nil, err
	}
	p := m.newProcess()
	p.PT = pt
	p.Cwd = m.disk.RootIno()
	p.CwdPath = "/"

	m.tblMu.Lock()
	if m.initProc == nil {
		m.initProc = p
	}
	m.tblMu.Unlock()

	go m.runBody(p, body)
	p.markRunnable(&bootCPU{})
	m.trace(Event{PID: p.PID, Tag: "spawn"})
	return p, nil
}

// Clone implements fork (spec §4.9): duplicate parent's address space
// and descriptor table, inherit cwd and priority, record parentage
// under waitLock (spec's wait_lock -> process lock order), and start
// the child running body on its own goroutine. c is the caller's own
// CPU handle -- parent keeps running; it does not block on the child.
func (m *Machine) Clone(c spinlock.CPUHandle, parent *Process, body Body) (*Process, error) {
	pt, err := m.mm.CopyPageTable(parent.PT)
	if err != nil {
		return nil, err
	}
	child := m.newProcess()
	child.PT = pt
	child.Cwd = parent.Cwd
	child.CwdPath = parent.CwdPath
	child.priority = parent.priority

	for _, fd := range parent.Files.All() {
		f := parent.Files.Get(fd)
		m.files.Dup(c, f)
		child.Files.Set(fd, f)
	}

	m.waitLock.Acquire(c)
	child.parent = parent
	m.waitLock.Release(c)

	go m.runBody(child, body)
	child.markRunnable(&bootCPU{})
	m.trace(Event{PID: child.PID, Tag: "fork", KV: []klog.KV{klog.Field("parent", parent.PID)}})
	return child, nil
}

// runBody is the goroutine entry point standing in for a process's
// user-mode execution: it waits for the scheduler's first dispatch,
// runs body to completion, and -- if body returned without calling
// Exit itself -- performs an implicit exit(0), matching a user program
// that falls off main without calling exit.
func (m *Machine) runBody(p *Process, body Body) {
	c := <-p.runCh
	body(p, c)
	if p.state != Zombie {
		p.Exit(c, 0)
	}
}

// Exit implements sys_exit/sys_exit_group (spec §4.9): every open
// descriptor is closed, the address space is freed, surviving children
// are reparented to init, the process becomes a ZOMBIE carrying code,
// and the parent (if any) is woken on the wait channel. The calling
// Body must treat this as its last statement and return immediately --
// Exit hands the CPU to the scheduler one final time and this process
// is never dispatched again.
func (p *Process) Exit(c spinlock.CPUHandle, code int) {
	m := p.m

	for _, fd := range p.Files.All() {
		if f := p.Files.Get(fd); f != nil {
			m.files.Close(c, p.AsScheduler(), f)
		}
		p.Files.Clear(fd)
	}
	if p.PT != nil {
		m.mm.FreePageTable(p.PT)
	}

	m.waitLock.Acquire(c)
	m.tblMu.Lock()
	for _, child := range m.table {
		if child.parent == p {
			child.parent = m.initProc
		}
	}
	m.tblMu.Unlock()
	parent := p.parent
	m.waitLock.Release(c)

	// p.lock is already held by c for this entire quantum (the
	// scheduler acquired it in pickRunnable and releases it only after
	// this process's final doneCh signal below) -- set fields directly,
	// the same way Yield flips state without re-acquiring.
	p.exitCode = code
	p.state = Zombie

	if parent != nil {
		m.Wakeup(parent)
	}

	m.trace(Event{PID: p.PID, Tag: "exit", KV: []klog.KV{klog.Field("code", code)}})

	p.assertSchedInvariants(c)
	p.doneCh <- struct{}{}
}

// Wait4 implements wait4 (spec §4.9): if pid > 0, wait for that exact
// child; pid <= 0 waits for any child. Blocks (sleeping on parent's own
// address, spec §9) until a matching child is ZOMBIE, unless noHang is
// set, in which case it returns (0, 0, nil) immediately when no child
// has exited yet. Returns ErrNoChildren if parent has no children
// matching pid at all.
func (m *Machine) Wait4(c spinlock.CPUHandle, parent *Process, pid int, noHang bool) (childPID, exitCode int, err error) {
	m.waitLock.Acquire(c)
	for {
		m.tblMu.Lock()
		haveChildren := false
		for _, child := range m.table {
			if child.parent != parent {
				continue
			}
			if pid > 0 && child.PID != pid {
				continue
			}
			haveChildren = true
			if child.state == Zombie {
				cpid, code := child.PID, child.exitCode
				m.table = removeProcess(m.table, child)
				m.tblMu.Unlock()
				m.waitLock.Release(c)
				m.trace(Event{PID: parent.PID, Tag: "wait4", KV: []klog.KV{klog.Field("child", cpid), klog.Field("code", code)}})
				return cpid, code, nil
			}
		}
		m.tblMu.Unlock()

		if !haveChildren {
			m.waitLock.Release(c)
			return -1, 0, ErrNoChildren
		}
		if noHang {
			m.waitLock.Release(c)
			return 0, 0, nil
		}

		// Sleep atomically releases waitLock and reacquires it (under
		// whichever CPU redispatched us) before returning -- no separate
		// Release call here.
		c = parent.Sleep(c, parent, m.waitLock)
	}
}

func removeProcess(table []*Process, target *Process) []*Process {
	out := table[:0]
	for _, p := range table {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}
