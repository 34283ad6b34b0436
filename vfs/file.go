/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package vfs implements the file/VFS core: the polymorphic File
// object, the reference-counted open-file pool, and the bounded-buffer
// pipe. It depends only on spinlock and disk (never on proc), and
// accepts the scheduler's blocking primitives through the Scheduler
// interface so a pipe can suspend the calling process without vfs
// importing the process table — the same dependency-injection style
// the cpu package uses to avoid its own cycle with proc.
package vfs

import (
	"errors"
	"sync"

	"github.com/ucore-go/kernel/disk"
	"github.com/ucore-go/kernel/spinlock"
)

// Type is the file-object variant tag (spec §3, §9 "polymorphic
// file": a tagged variant with a dispatch table, not per-instance
// function pointers).
type Type int

const (
	TNone Type = iota
	TPipe
	TInode
	TDevice
)

var (
	ErrNoDirection  = errors.New("vfs: file not open for that direction")
	ErrNoFreeSlot   = errors.New("vfs: no free file slot")
	ErrBadMajor     = errors.New("vfs: device major out of range")
	ErrNotSeekable  = errors.New("vfs: seek only valid on regular inode files")
	ErrNotRegular   = errors.New("vfs: not a regular file")
)

// DeviceHandler services one major device number's read/write.
type DeviceHandler interface {
	Read(minor disk.Ino, buf []byte) (int, error)
	Write(minor disk.Ino, data []byte) (int, error)
}

const NDev = 11

// DeviceTable maps major numbers to handlers, bounds-checked the way
// file_read/file_write dispatch by major in the original.
type DeviceTable struct {
	mu       sync.RWMutex
	handlers [NDev]DeviceHandler
}

func NewDeviceTable() *DeviceTable { return &DeviceTable{} }

func (t *DeviceTable) Register(major int, h DeviceHandler) error {
	if major < 0 || major >= NDev {
		return ErrBadMajor
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[major] = h
	return nil
}

func (t *DeviceTable) Get(major int) (DeviceHandler, error) {
	if major < 0 || major >= NDev {
		return nil, ErrBadMajor
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := t.handlers[major]
	if h == nil {
		return nil, ErrBadMajor
	}
	return h, nil
}

// File is the polymorphic, reference-counted file object. Exactly one
// of the variant-specific fields is meaningful, selected by Type.
type File struct {
	Ref      int
	Type     Type
	Readable bool
	Writable bool

	Pipe *Pipe // TPipe

	Ino disk.Ino // TInode, TDevice
	Off uint32   // TInode only

	Major int // TDevice only
}

// Pool is the system-wide open-file table: a fixed-size array behind
// a single lock (spec §4.7). The lock is only ever held across Ref
// mutations, never across I/O — Close's type-specific teardown runs
// after the pool lock is released.
type Pool struct {
	lock  *spinlock.Lock
	slots []File
	disk  disk.Service
	devs  *DeviceTable
}

func NewPool(size int, svc disk.Service, devs *DeviceTable) *Pool {
	return &Pool{
		lock:  spinlock.New("filepool.lock"),
		slots: make([]File, size),
		disk:  svc,
		devs:  devs,
	}
}

// Alloc scans for the first Ref==0 slot and returns it with Ref set
// to 1, or ErrNoFreeSlot.
func (p *Pool) Alloc(cpu spinlock.CPUHandle) (*File, error) {
	p.lock.Acquire(cpu)
	defer p.lock.Release(cpu)
	for i := range p.slots {
		if p.slots[i].Ref == 0 {
			p.slots[i] = File{Ref: 1}
			return &p.slots[i], nil
		}
	}
	return nil, ErrNoFreeSlot
}

// Dup increments f's reference count; f must already have Ref >= 1.
func (p *Pool) Dup(cpu spinlock.CPUHandle, f *File) *File {
	p.lock.Acquire(cpu)
	defer p.lock.Release(cpu)
	if f.Ref < 1 {
		panic("vfs: dup of file with ref < 1")
	}
	f.Ref++
	return f
}

// Close decrements f's reference count; once it reaches 0 the slot is
// reset to TNone and type-specific teardown runs outside the pool
// lock (pipe close, inode release). sch is needed so a pipe's last
// close can wake whichever process is blocked on the opposite end
// (spec §4.8: "closing one end wakes the other unconditionally") --
// without it, a reader or writer parked in Pipe.Read/Write before the
// peer's final close would sleep forever.
func (p *Pool) Close(cpu spinlock.CPUHandle, sch Scheduler, f *File) {
	p.lock.Acquire(cpu)
	if f.Ref < 1 {
		p.lock.Release(cpu)
		panic("vfs: close of file with ref < 1")
	}
	f.Ref--
	if f.Ref > 0 {
		p.lock.Release(cpu)
		return
	}
	snapshot := *f
	f.Ref = 0
	f.Type = TNone
	p.lock.Release(cpu)

	switch snapshot.Type {
	case TPipe:
		snapshot.Pipe.CloseEndAndWake(cpu, sch, snapshot.Writable)
	case TInode, TDevice:
		// Nothing to release on the in-memory disk.Service beyond
		// link-count bookkeeping, which Unlink already owns; the
		// original's iput() exists to drop an in-core inode cache
		// entry, which this Service implementation does not keep.
	}
}

// Read dispatches by variant, per spec §4.7.
func (p *Pool) Read(cpu spinlock.CPUHandle, sch Scheduler, f *File, buf []byte) (int, error) {
	if !f.Readable {
		return 0, ErrNoDirection
	}
	switch f.Type {
	case TPipe:
		return f.Pipe.Read(cpu, sch, buf)
	case TDevice:
		h, err := p.devs.Get(f.Major)
		if err != nil {
			return 0, err
		}
		return h.Read(f.Ino, buf)
	case TInode:
		p.disk.Lock(f.Ino)
		defer p.disk.Unlock(f.Ino)
		n, err := p.disk.ReadInode(f.Ino, f.Off, buf)
		if err != nil {
			return 0, err
		}
		f.Off += uint32(n)
		return n, nil
	}
	return 0, errors.New("vfs: read on closed file")
}

// maxWriteChunk bounds a single inode write transaction, mirroring
// the spec's (MAXOPBLOCKS-4)/2 block budget per chunk; expressed here
// in bytes against the original's 512-byte block size.
const maxWriteChunk = (10 - 4) / 2 * 512

// Write dispatches by variant, chunking inode writes so no single
// underlying transaction exceeds maxWriteChunk.
func (p *Pool) Write(cpu spinlock.CPUHandle, sch Scheduler, f *File, data []byte) (int, error) {
	if !f.Writable {
		return 0, ErrNoDirection
	}
	switch f.Type {
	case TPipe:
		return f.Pipe.Write(cpu, sch, data)
	case TDevice:
		h, err := p.devs.Get(f.Major)
		if err != nil {
			return 0, err
		}
		return h.Write(f.Ino, data)
	case TInode:
		total := 0
		for total < len(data) {
			end := total + maxWriteChunk
			if end > len(data) {
				end = len(data)
			}
			p.disk.Lock(f.Ino)
			n, err := p.disk.WriteInode(f.Ino, f.Off, data[total:end])
			p.disk.Unlock(f.Ino)
			if err != nil {
				return total, err
			}
			f.Off += uint32(n)
			total += n
			if n == 0 {
				break
			}
		}
		return total, nil
	}
	return 0, errors.New("vfs: write on closed file")
}

// Seek (filelseek) is only valid on a TInode file whose inode type is
// a regular file.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

func (p *Pool) Seek(f *File, offset int64, whence int) (int64, error) {
	if f.Type != TInode {
		return 0, ErrNotSeekable
	}
	st, err := p.disk.Stat(f.Ino)
	if err != nil {
		return 0, err
	}
	if st.Type != disk.TFile {
		return 0, ErrNotRegular
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(f.Off)
	case SeekEnd:
		base = int64(st.Size)
	}
	newOff := base + offset
	if newOff < 0 {
		newOff = 0
	}
	f.Off = uint32(newOff)
	return newOff, nil
}

// Stat fills in a disk.Stat for a TInode/TDevice file.
func (p *Pool) Stat(f *File) (disk.Stat, error) {
	if f.Type != TInode && f.Type != TDevice {
		return disk.Stat{}, ErrNotRegular
	}
	return p.disk.Stat(f.Ino)
}

func (p *Pool) Disk() disk.Service { return p.disk }
