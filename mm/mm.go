/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package mm declares the page-allocator and page-table-walker
// contract the kernel core treats as an external collaborator (the
// page allocator and page-table walker are explicitly out of scope:
// only their interface contracts matter to the trap/scheduler and VFS
// cores). It also supplies a bump-allocator implementation so fork
// and mmap/munmap are exercisable end to end in tests without a real
// MMU.
package mm

import (
	"errors"
	"sync"
)

// PageSize matches the RISC-V Sv39 page size this kernel targets.
const PageSize = 4096

var (
	ErrOOM           = errors.New("mm: out of physical pages")
	ErrUnaligned     = errors.New("mm: address not page-aligned")
	ErrNotMapped     = errors.New("mm: address not mapped")
	ErrAlreadyMapped = errors.New("mm: address already mapped")
)

// PageTable is an opaque per-process address space handle. Concrete
// layout (Sv39 PTEs, trampoline/trapframe pages) lives entirely
// outside the core; the core only ever holds this handle and passes
// it back into Service calls.
type PageTable interface{}

// Service is the abstract memory-management collaborator the process
// table, exec, and the mmap/munmap/brk syscalls depend on.
type Service interface {
	// NewPageTable allocates an empty address space for a new process.
	NewPageTable() (PageTable, error)
	// FreePageTable releases every mapping and the table itself.
	FreePageTable(pt PageTable)
	// CopyPageTable duplicates src's mappings into a freshly allocated
	// table, used by fork. Pages may be copied or shared; policy is
	// not specified by the core.
	CopyPageTable(src PageTable) (PageTable, error)

	// AllocPage returns one zeroed physical page.
	AllocPage() (uintptr, error)
	// FreePage returns a physical page obtained from AllocPage.
	FreePage(pa uintptr)

	// MapPage installs a mapping for va -> pa with the given
	// permission bits (abi.ProtRead|ProtWrite|ProtExec) in pt.
	MapPage(pt PageTable, va uintptr, pa uintptr, perm int) error
	// UnmapPage removes the mapping for va in pt. freePage controls
	// whether the underlying physical page is also released.
	UnmapPage(pt PageTable, va uintptr, freePage bool) error
}

// bumpTable is one process's address space under the bump allocator:
// a flat map from page-aligned virtual address to the backing page.
type bumpTable struct {
	mu    sync.Mutex
	pages map[uintptr]*page
}

type page struct {
	pa   uintptr
	perm int
	buf  [PageSize]byte
}

// Bump is a test-double Service: physical pages are just
// heap-allocated byte arrays handed out by a monotonically
// increasing counter standing in for a physical address, and every
// process's PageTable is an independent Go map. It is grounded on the
// spec's explicit contract-only treatment of mm (§1) — there is no
// MMU to drive in a goroutine-hosted kernel, so the allocator need
// only honor the contract (alloc/free/map/unmap/copy) precisely
// enough for fork, mmap, and munmap to be exercised end to end.
type Bump struct {
	mu   sync.Mutex
	next uintptr
}

func NewBump() *Bump {
	return &Bump{next: PageSize}
}

func (b *Bump) NewPageTable() (PageTable, error) {
	return &bumpTable{pages: make(map[uintptr]*page)}, nil
}

func (b *Bump) FreePageTable(pt PageTable) {
	t := pt.(*bumpTable)
	t.mu.Lock()
	t.pages = nil
	t.mu.Unlock()
}

func (b *Bump) CopyPageTable(src PageTable) (PageTable, error) {
	s := src.(*bumpTable)
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := &bumpTable{pages: make(map[uintptr]*page, len(s.pages))}
	for va, p := range s.pages {
		np := &page{pa: p.pa, perm: p.perm}
		np.buf = p.buf
		dst.pages[va] = np
	}
	return dst, nil
}

func (b *Bump) AllocPage() (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pa := b.next
	b.next += PageSize
	return pa, nil
}

func (b *Bump) FreePage(pa uintptr) {
	// The bump allocator never reclaims; this matches a teaching
	// kernel's simplicity and keeps pa stable for any stale reader.
}

func (b *Bump) MapPage(pt PageTable, va uintptr, pa uintptr, perm int) error {
	if va%PageSize != 0 {
		return ErrUnaligned
	}
	t := pt.(*bumpTable)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pages[va]; ok {
		return ErrAlreadyMapped
	}
	t.pages[va] = &page{pa: pa, perm: perm}
	return nil
}

func (b *Bump) UnmapPage(pt PageTable, va uintptr, freePage bool) error {
	if va%PageSize != 0 {
		return ErrUnaligned
	}
	t := pt.(*bumpTable)
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pages[va]
	if !ok {
		return ErrNotMapped
	}
	delete(t.pages, va)
	if freePage {
		b.FreePage(p.pa)
	}
	return nil
}

// ReadAt/WriteAt let tests exercise mmap round-trip reads/writes
// without a real MMU trap path.
func (b *Bump) ReadAt(pt PageTable, va uintptr, buf []byte) (int, error) {
	t := pt.(*bumpTable)
	t.mu.Lock()
	defer t.mu.Unlock()
	base := va - (va % PageSize)
	off := int(va % PageSize)
	p, ok := t.pages[base]
	if !ok {
		return 0, ErrNotMapped
	}
	return copy(buf, p.buf[off:]), nil
}

func (b *Bump) WriteAt(pt PageTable, va uintptr, data []byte) (int, error) {
	t := pt.(*bumpTable)
	t.mu.Lock()
	defer t.mu.Unlock()
	base := va - (va % PageSize)
	off := int(va % PageSize)
	p, ok := t.pages[base]
	if !ok {
		return 0, ErrNotMapped
	}
	return copy(p.buf[off:], data), nil
}

// PageRoundUp rounds n up to the next page boundary, matching the
// spec's PGROUNDUP used by mmap/munmap length validation.
func PageRoundUp(n uintptr) uintptr {
	return (n + PageSize - 1) &^ (PageSize - 1)
}
