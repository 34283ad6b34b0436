/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package spinlock implements the kernel's mutual-exclusion primitive:
// a busy-waiting lock that requires interrupts disabled on the owning
// CPU for as long as it is held. Every other kernel subsystem builds
// on this; it accepts only the tiny CPUHandle interface rather than a
// concrete CPU type, so it has no dependency on the scheduler or
// process table.
package spinlock

import (
	"sync"
	"sync/atomic"

	"github.com/ucore-go/kernel/klog"
)

// CPUHandle identifies the virtual CPU a goroutine is currently
// executing as, and lets spinlock maintain the interrupt-disable
// nesting discipline (push_off/pop_off) the original kernel keeps in
// its per-CPU struct.
type CPUHandle interface {
	CPUID() int
	PushOff()
	PopOff()
}

// Lock is a spinlock: acquire busy-waits with interrupts disabled on
// the calling CPU, and a CPU must never attempt to acquire a lock it
// already holds.
type Lock struct {
	locked int32 // 0 or 1, mutated only via atomic ops
	ownMtx sync.Mutex
	owner  CPUHandle
	name   string
}

// New mirrors init_spin_lock_with_name: locked=false, owner=nil.
func New(name string) *Lock {
	return &Lock{name: name}
}

func (l *Lock) Name() string { return l.name }

// Acquire disables interrupts on c first, then spins until it wins
// the compare-and-swap, then records ownership. A CPU acquiring a
// lock it already holds is a fatal, unrecoverable kernel bug.
func (l *Lock) Acquire(c CPUHandle) {
	c.PushOff()
	if l.Holding(c) {
		klog.Default().Fatal("spinlock self-acquire", klog.Field("lock", l.name), klog.Field("cpu", c.CPUID()))
	}
	for !atomic.CompareAndSwapInt32(&l.locked, 0, 1) {
		// busy-wait; interrupts are already off on c so no local
		// interrupt handler can race us into re-entering acquire.
	}
	// CompareAndSwapInt32 carries the acquire-fence semantics the
	// original gets from __sync_lock_test_and_set + __sync_synchronize.
	l.ownMtx.Lock()
	l.owner = c
	l.ownMtx.Unlock()
}

// Release must be called by the CPU currently holding l.
func (l *Lock) Release(c CPUHandle) {
	if !l.Holding(c) {
		klog.Default().Fatal("spinlock release without holding", klog.Field("lock", l.name), klog.Field("cpu", c.CPUID()))
	}
	l.ownMtx.Lock()
	l.owner = nil
	l.ownMtx.Unlock()
	atomic.StoreInt32(&l.locked, 0)
	c.PopOff()
}

// Holding reports whether c currently holds l. The caller must already
// have interrupts disabled (true for any caller that got here via
// Acquire/Release, or via a CPU inspecting its own lock).
func (l *Lock) Holding(c CPUHandle) bool {
	if atomic.LoadInt32(&l.locked) == 0 {
		return false
	}
	l.ownMtx.Lock()
	owner := l.owner
	l.ownMtx.Unlock()
	return owner != nil && owner == c
}

// Locked reports the raw locked bit, for debug/kstat display only.
func (l *Lock) Locked() bool {
	return atomic.LoadInt32(&l.locked) == 1
}
