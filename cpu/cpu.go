/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package cpu is the per-CPU registry: the simulated equivalent of
// xv6's struct cpu[NCPU] and mycpu()/cpuid(). Each CPU's fields are
// touched only by the single goroutine currently executing "as" that
// CPU (the handoff protocol in the proc package guarantees this the
// same way a real core's hart only ever runs one kernel thread at a
// time), so no internal locking is needed for noff/interrupt state --
// matching the original's lock-free per-core bookkeeping.
package cpu

import "github.com/ucore-go/kernel/klog"

// CPU is one virtual core. Current holds whatever the scheduler is
// running on this CPU (a *proc.Process, or nil when idle); it is
// declared as `any` here to avoid an import cycle with the proc
// package, which owns the scheduler and the process table.
type CPU struct {
	id             int
	noff           int
	baseIntEnabled bool
	intrEnabled    bool
	Current        any
}

// New creates a CPU with interrupts enabled, matching boot state.
func New(id int) *CPU {
	return &CPU{id: id, intrEnabled: true}
}

func (c *CPU) CPUID() int { return c.id }

// IntrEnabled reports the CPU's simulated interrupt-enable flag.
func (c *CPU) IntrEnabled() bool { return c.intrEnabled }

// IntrOn/IntrOff simulate sstatus.SIE toggling; only ever called by
// the goroutine currently running as this CPU.
func (c *CPU) IntrOn()  { c.intrEnabled = true }
func (c *CPU) IntrOff() { c.intrEnabled = false }

// PushOff/PopOff implement the nested interrupt-disable discipline
// every spinlock acquire/release relies on.
func (c *CPU) PushOff() {
	enabled := c.intrEnabled
	c.IntrOff()
	if c.noff == 0 {
		c.baseIntEnabled = enabled
	}
	c.noff++
}

func (c *CPU) PopOff() {
	if c.intrEnabled {
		klog.Default().Fatal("pop_off - interruptible", klog.Field("cpu", c.id))
	}
	if c.noff < 1 {
		klog.Default().Fatal("pop_off - noff underflow", klog.Field("cpu", c.id))
	}
	c.noff--
	if c.noff == 0 && c.baseIntEnabled {
		c.IntrOn()
	}
}

// NOff returns the current push_off nesting depth, for invariant
// checks (sched()'s assertion that noff == 1) and debug display.
func (c *CPU) NOff() int { return c.noff }

// Registry holds every CPU the kernel was booted with.
type Registry struct {
	cpus []*CPU
}

func NewRegistry(ncpu int) *Registry {
	r := &Registry{cpus: make([]*CPU, ncpu)}
	for i := range r.cpus {
		r.cpus[i] = New(i)
	}
	return r
}

func (r *Registry) NCPU() int { return len(r.cpus) }

func (r *Registry) CPU(id int) *CPU { return r.cpus[id] }

func (r *Registry) All() []*CPU {
	out := make([]*CPU, len(r.cpus))
	copy(out, r.cpus)
	return out
}
