/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package vfs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ucore-go/kernel/disk"
)

func openTestDisk(t *testing.T) disk.Service {
	t.Helper()
	bd, err := disk.OpenImage(filepath.Join(t.TempDir(), "image.db"))
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	t.Cleanup(func() { bd.Close() })
	return bd
}

func TestPoolAllocDupClose(t *testing.T) {
	pool := NewPool(8, openTestDisk(t), NewDeviceTable())
	cpu := &fakeCPU{id: 1}

	f, err := pool.Alloc(cpu)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if f.Ref != 1 {
		t.Fatalf("expected ref 1, got %d", f.Ref)
	}
	pool.Dup(cpu, f)
	if f.Ref != 2 {
		t.Fatalf("expected ref 2 after dup, got %d", f.Ref)
	}
	sch := newCondScheduler()
	pool.Close(cpu, sch, f)
	if f.Ref != 1 {
		t.Fatalf("expected ref 1 after one close, got %d", f.Ref)
	}
	pool.Close(cpu, sch, f)
	if f.Ref != 0 || f.Type != TNone {
		t.Fatalf("expected slot freed, got ref=%d type=%v", f.Ref, f.Type)
	}
}

// TestPoolCloseWakesBlockedPipeReader exercises the close path a real
// sys_close/exit would take -- through Pool.Close, not Pipe's own
// CloseEndAndWake directly -- confirming a reader parked in Pipe.Read
// on an empty pipe is woken once the pool drops the write end's last
// reference (spec §4.8: closing one end wakes the other
// unconditionally).
func TestPoolCloseWakesBlockedPipeReader(t *testing.T) {
	pool := NewPool(8, openTestDisk(t), NewDeviceTable())
	sch := newCondScheduler()
	reader := &fakeCPU{id: 1}
	writer := &fakeCPU{id: 2}

	pipe := NewPipe()
	rf, err := pool.Alloc(reader)
	if err != nil {
		t.Fatal(err)
	}
	rf.Type, rf.Pipe, rf.Readable = TPipe, pipe, true
	wf, err := pool.Alloc(writer)
	if err != nil {
		t.Fatal(err)
	}
	wf.Type, wf.Pipe, wf.Writable = TPipe, pipe, true

	readDone := make(chan struct{})
	var n int
	var readErr error
	go func() {
		buf := make([]byte, 4)
		n, readErr = pool.Read(reader, sch, rf, buf)
		close(readDone)
	}()

	pool.Close(writer, sch, wf)

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("reader was never woken by Pool.Close of the write end")
	}
	if readErr != nil || n != 0 {
		t.Fatalf("expected (0, nil) after writer closed, got (%d, %v)", n, readErr)
	}
}

func TestPoolAllocExhaustion(t *testing.T) {
	pool := NewPool(2, openTestDisk(t), NewDeviceTable())
	cpu := &fakeCPU{id: 1}
	if _, err := pool.Alloc(cpu); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Alloc(cpu); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Alloc(cpu); err != ErrNoFreeSlot {
		t.Fatalf("expected ErrNoFreeSlot, got %v", err)
	}
}

func TestPoolInodeReadWriteRoundTrip(t *testing.T) {
	svc := openTestDisk(t)
	pool := NewPool(8, svc, NewDeviceTable())
	cpu := &fakeCPU{id: 1}

	ino, err := svc.ICreate(svc.RootIno(), "f", disk.TFile, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	f, err := pool.Alloc(cpu)
	if err != nil {
		t.Fatal(err)
	}
	f.Type = TInode
	f.Readable = true
	f.Writable = true
	f.Ino = ino

	sch := newCondScheduler()
	n, err := pool.Write(cpu, sch, f, []byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if f.Off != 6 {
		t.Fatalf("expected offset advanced to 6, got %d", f.Off)
	}

	if _, err := pool.Seek(f, 0, SeekSet); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 6)
	n, err = pool.Read(cpu, sch, f, buf)
	if err != nil || n != 6 || string(buf) != "abcdef" {
		t.Fatalf("Read: n=%d buf=%q err=%v", n, buf, err)
	}
}

func TestFDTableAllocLowestFree(t *testing.T) {
	var t1 FDTable
	a := &File{Ref: 1}
	b := &File{Ref: 1}
	fd0, err := t1.Alloc(a)
	if err != nil || fd0 != 0 {
		t.Fatalf("expected fd 0, got %d err %v", fd0, err)
	}
	fd1, err := t1.Alloc(b)
	if err != nil || fd1 != 1 {
		t.Fatalf("expected fd 1, got %d err %v", fd1, err)
	}
	t1.Clear(fd0)
	c := &File{Ref: 1}
	fd2, err := t1.Alloc(c)
	if err != nil || fd2 != 0 {
		t.Fatalf("expected freed fd 0 reused, got %d err %v", fd2, err)
	}
}

func TestFDTableAlloc2EvictsPrior(t *testing.T) {
	var t1 FDTable
	a := &File{Ref: 1}
	b := &File{Ref: 1}
	t1.Set(3, a)
	prev, err := t1.Alloc2(3, b)
	if err != nil {
		t.Fatal(err)
	}
	if prev != a {
		t.Fatalf("expected evicted file to be a, got %v", prev)
	}
	if t1.Get(3) != b {
		t.Fatalf("expected fd 3 to now hold b")
	}
}
