/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package vfs

import "github.com/ucore-go/kernel/spinlock"

// PipeSize is the fixed circular-buffer capacity (spec §4.8).
const PipeSize = 512

// Scheduler is the blocking primitive the pipe suspends through. The
// proc package's ProcScheduler (from Process.AsScheduler) implements
// this; vfs never imports proc
// directly, which keeps the file/VFS core independent of the
// trap/scheduler core the way the spec frames "THE CORE" as three
// tightly-coupled but separately specified subsystems.
type Scheduler interface {
	// Sleep atomically releases lk (which must be held) and parks the
	// calling goroutine until a matching Wakeup(chanAddr), then
	// reacquires lk before returning. The returned CPUHandle is the one
	// lk (and everything else this goroutine touches afterward) is now
	// associated with -- a process may resume on a different virtual
	// CPU than the one it slept on, so callers must use the returned
	// handle, not the one they passed in, for any further lock calls.
	Sleep(cpu spinlock.CPUHandle, chanAddr any, lk *spinlock.Lock) spinlock.CPUHandle
	// Wakeup marks every process sleeping on chanAddr runnable.
	Wakeup(chanAddr any)
}

// Pipe is the bounded-buffer pipe backing a PIPE-variant File pair.
// Grounded on the block/drain state machine in chancacher's run()/
// cacheValue (full blocks the writer, empty blocks the reader, a
// closed end wakes the other side unconditionally) but reimplemented
// against sleep/wakeup instead of a Go channel, since pipe blocking
// must be a first-class scheduler suspension point (spec §9) rather
// than a goroutine-runtime one: a process blocked in a pipe read must
// be observable as SLEEPING by wait4/ps, which a channel receive
// could never expose.
type Pipe struct {
	lock      *spinlock.Lock
	buf       [PipeSize]byte
	nread     uint64
	nwrite    uint64
	readOpen  bool
	writeOpen bool
}

func NewPipe() *Pipe {
	return &Pipe{
		lock:      spinlock.New("pipe.lock"),
		readOpen:  true,
		writeOpen: true,
	}
}

// Write blocks (via sch.Sleep) while the buffer is full and the read
// end is open; returns the short count written once the reader
// closes mid-write.
func (p *Pipe) Write(cpu spinlock.CPUHandle, sch Scheduler, data []byte) (int, error) {
	p.lock.Acquire(cpu)
	defer func() { p.lock.Release(cpu) }()

	n := 0
	for n < len(data) {
		if !p.readOpen {
			return n, errPipeClosed
		}
		if p.nwrite-p.nread == PipeSize {
			sch.Wakeup(p.readChan())
			cpu = sch.Sleep(cpu, p.writeChan(), p.lock)
			continue
		}
		p.buf[p.nwrite%PipeSize] = data[n]
		p.nwrite++
		n++
	}
	sch.Wakeup(p.readChan())
	return n, nil
}

// Read blocks while the buffer is empty and the write end is open;
// returns 0 once the writer closes and no data remains.
func (p *Pipe) Read(cpu spinlock.CPUHandle, sch Scheduler, buf []byte) (int, error) {
	p.lock.Acquire(cpu)
	defer func() { p.lock.Release(cpu) }()

	for p.nread == p.nwrite && p.writeOpen {
		cpu = sch.Sleep(cpu, p.readChan(), p.lock)
	}
	n := 0
	for n < len(buf) && p.nread < p.nwrite {
		buf[n] = p.buf[p.nread%PipeSize]
		p.nread++
		n++
	}
	sch.Wakeup(p.writeChan())
	return n, nil
}

// CloseEnd marks one end closed. It wakes nobody; CloseEndAndWake is
// the variant that also wakes both sides.
func (p *Pipe) CloseEnd(cpu spinlock.CPUHandle, writable bool) {
	p.lock.Acquire(cpu)
	if writable {
		p.writeOpen = false
	} else {
		p.readOpen = false
	}
	p.lock.Release(cpu)
}

// CloseEndAndWake is CloseEnd followed by waking both wait queues;
// split out so callers that already hold a Scheduler (rather than
// going through the file pool's Close) can observe the wakeup.
func (p *Pipe) CloseEndAndWake(cpu spinlock.CPUHandle, sch Scheduler, writable bool) {
	p.CloseEnd(cpu, writable)
	sch.Wakeup(p.readChan())
	sch.Wakeup(p.writeChan())
}

// readChan/writeChan give stable, distinct sleep-channel identities
// scoped to this pipe (spec §9: "a stable address... no standalone
// object"); the pipe's own field addresses serve that role exactly
// as a pipe struct pointer would in the original.
func (p *Pipe) readChan() any  { return &p.nread }
func (p *Pipe) writeChan() any { return &p.nwrite }

var errPipeClosed = pipeClosedErr{}

type pipeClosedErr struct{}

func (pipeClosedErr) Error() string { return "vfs: pipe reader closed" }
