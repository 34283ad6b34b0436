/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package proc

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ucore-go/kernel/cpu"
	"github.com/ucore-go/kernel/klog"
	"github.com/ucore-go/kernel/spinlock"
)

// Run starts one scheduler goroutine per virtual CPU and blocks until
// ctx is cancelled or a scheduler goroutine returns an error, then
// waits for all of them to exit. Grounded on the teacher's per-worker
// errgroup fan-out style (this is the per-CPU analogue of an ingest
// daemon's per-connection worker pool): each CPU is an independent
// "worker" pulling from the same shared process table.
func (m *Machine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.registry.All() {
		c := c
		g.Go(func() error {
			m.schedulerLoop(ctx, c)
			return nil
		})
	}
	return g.Wait()
}

// Stop asks every scheduler loop to idle out and return; Run's
// errgroup.Wait then returns once all goroutines observe it.
func (m *Machine) Stop() {
	close(m.stop)
}

// schedulerLoop is one CPU's infinite scan-pick-dispatch loop (spec
// §4.3). Selection policy: scan linearly; among RUNNABLE processes
// encountered in a pass, pick the highest priority, breaking ties by
// table position (first encountered wins, since strictly-greater is
// required to displace the current candidate).
func (m *Machine) schedulerLoop(ctx context.Context, c *cpu.CPU) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		default:
		}

		p := m.pickRunnable(c)
		if p == nil {
			// idle: interrupts enabled, nothing to do this pass. Pace
			// the rescan against the simulated timer tick instead of
			// busy-spinning the host CPU.
			if err := m.timer.Wait(ctx); err != nil {
				return
			}
			continue
		}

		p.state = Running
		c.Current = p
		p.runCh <- c
		<-p.doneCh
		c.Current = nil
		p.lock.Release(c)
	}
}

// pickRunnable scans the table once, acquiring and releasing each
// candidate's lock in turn, and returns the highest-priority RUNNABLE
// process found -- re-acquired (and left locked) for the caller,
// which hands it off via swtch. Returns nil, with no lock held, if no
// RUNNABLE process exists this pass.
func (m *Machine) pickRunnable(c *cpu.CPU) *Process {
	m.tblMu.Lock()
	snapshot := append([]*Process(nil), m.table...)
	m.tblMu.Unlock()

	var best *Process
	for _, p := range snapshot {
		p.lock.Acquire(c)
		runnable := p.state == Runnable
		pr := p.priority
		p.lock.Release(c)
		if runnable && (best == nil || pr > best.priority) {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	best.lock.Acquire(c)
	if best.state != Runnable {
		// lost the race to another CPU between scan and dispatch.
		best.lock.Release(c)
		return nil
	}
	return best
}

// assertSchedInvariants mirrors the original sched()'s assertions:
// interrupts disabled, noff == 1, state != RUNNING, the process's own
// lock held by the calling CPU.
func (p *Process) assertSchedInvariants(c spinlock.CPUHandle) {
	if ch, ok := c.(*cpu.CPU); ok {
		if ch.IntrEnabled() {
			p.m.log.Fatal("sched: interruptible", klog.Field("pid", p.PID))
		}
		if ch.NOff() != 1 {
			p.m.log.Fatal("sched: noff != 1", klog.Field("pid", p.PID), klog.Field("noff", ch.NOff()))
		}
	}
	if p.state == Running {
		p.m.log.Fatal("sched: still running", klog.Field("pid", p.PID))
	}
	if !p.lock.Holding(c) {
		p.m.log.Fatal("sched: lock not held", klog.Field("pid", p.PID))
	}
}

// swtch hands the CPU back to the scheduler loop (by signalling
// doneCh) and blocks until redispatched (by receiving on runCh),
// returning the (possibly different) CPU handle the scheduler
// redispatched this process onto.
func (p *Process) swtch(c spinlock.CPUHandle) spinlock.CPUHandle {
	p.assertSchedInvariants(c)
	p.doneCh <- struct{}{}
	return <-p.runCh
}

// Yield implements sys_sched_yield / the trap-return preemption path.
// p.lock is already held by c for the duration of this dispatch (the
// scheduler acquired it in pickRunnable and will release it once this
// swtch hands control back); Yield only needs to flip the state and
// swtch away.
func (p *Process) Yield(c spinlock.CPUHandle) {
	p.state = Runnable
	p.swtch(c)
}

// Sleep implements the spec's sleep(chan, lk): releases lk, marks
// SLEEPING on chanAddr, swtch away; on return, clears chanAddr and
// reacquires lk using whichever CPU redispatched this process (a
// process may resume on a different virtual CPU than it slept on --
// the scheduler's table scan is not core-affine). The CPU handle lk is
// now held under is returned: every lock operation past this point
// (including the eventual Release) must use it instead of the handle
// Sleep was called with, which may no longer be valid.
func (p *Process) Sleep(c spinlock.CPUHandle, chanAddr any, lk *spinlock.Lock) spinlock.CPUHandle {
	lk.Release(c)
	p.chanAddr = chanAddr
	p.state = Sleeping
	next := p.swtch(c)
	p.chanAddr = nil
	lk.Acquire(next)
	return next
}

// Wakeup marks every SLEEPING process waiting on chanAddr RUNNABLE.
// Broadcast; spurious wakeups are permitted, callers re-check their
// condition (spec §4.4).
func (m *Machine) Wakeup(chanAddr any) {
	m.tblMu.Lock()
	snapshot := append([]*Process(nil), m.table...)
	m.tblMu.Unlock()

	for _, p := range snapshot {
		p.wakeLocked(chanAddr)
	}
}

// wakeLocked uses a throwaway CPU handle to satisfy the spinlock API
// for the duration of a single field check; wakeup never holds
// interrupts disabled on a real virtual CPU the way acquire/release
// from a scheduler or process context does; it is always called by
// whichever goroutine calls Wakeup, bracketed by its own push/pop.
func (p *Process) wakeLocked(chanAddr any) {
	c := &wakeupCPU{}
	p.lock.Acquire(c)
	if p.state == Sleeping && p.chanAddr == chanAddr {
		p.state = Runnable
	}
	p.lock.Release(c)
}

// AsScheduler returns a vfs.Scheduler bound to this process: Sleep
// parks p specifically (so wait4/ps sees p, not some other process,
// SLEEPING on the channel), while Wakeup fans out to the whole table,
// since waking is never process-specific (spec §4.4). vfs.Pool.Read/
// Write and Pipe.Read/Write/CloseEndAndWake take a Scheduler, not a
// *Machine directly, so the file/VFS core never imports proc; this is
// the adapter a syscall handler hands them.
func (p *Process) AsScheduler() *ProcScheduler {
	return &ProcScheduler{p: p}
}

// ProcScheduler implements vfs.Scheduler for one process.
type ProcScheduler struct{ p *Process }

func (s *ProcScheduler) Sleep(c spinlock.CPUHandle, chanAddr any, lk *spinlock.Lock) spinlock.CPUHandle {
	return s.p.Sleep(c, chanAddr, lk)
}

func (s *ProcScheduler) Wakeup(chanAddr any) {
	s.p.m.Wakeup(chanAddr)
}

// wakeupCPU is a disposable CPUHandle for callers outside any real
// scheduler or process context (e.g. a device interrupt handler
// calling wakeup()) that still need to satisfy the acquire/release
// nesting discipline.
type wakeupCPU struct {
	noff int
}

func (w *wakeupCPU) CPUID() int { return -1 }
func (w *wakeupCPU) PushOff()   { w.noff++ }
func (w *wakeupCPU) PopOff()    { w.noff-- }

