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

	"github.com/ucore-go/kernel/mm"
	"github.com/ucore-go/kernel/spinlock"
)

var (
	ErrBadMunmap  = errors.New("proc: munmap of an address not returned by mmap")
	ErrBadProt    = errors.New("proc: mmap prot must be non-zero and only R/W/X bits")
	ErrMisaligned = errors.New("proc: mmap start is not page-aligned")
)

// Mmap implements anonymous sys_mmap(start, len, prot) exactly as the
// original: it maps at the caller-supplied start (no address is
// chosen by the kernel), one page at a time, and returns the
// page-rounded size mapped (map_size), not the address -- a caller
// that doesn't already know start has nothing useful to do with a
// byte count, but that is what the ABI returns. flags/fd/offset are
// accepted for ABI compatibility but unused -- file-backed mmap is out
// of scope (disk's Service contract has no mmap-style page-in hook).
func (p *Process) Mmap(c spinlock.CPUHandle, start uintptr, length int, prot int) (int64, error) {
	if length <= 0 {
		return 0, nil
	}
	if start%uintptr(mm.PageSize) != 0 {
		return 0, ErrMisaligned
	}
	if prot&^0x7 != 0 || prot&0x7 == 0 {
		return 0, ErrBadProt
	}
	n := int(mm.PageRoundUp(uintptr(length)) / mm.PageSize)
	for i := 0; i < n; i++ {
		pa, err := p.m.mm.AllocPage()
		if err != nil {
			return 0, err
		}
		va := start + uintptr(i)*mm.PageSize
		if err := p.m.mm.MapPage(p.PT, va, pa, prot); err != nil {
			return 0, err
		}
	}
	if p.mappings == nil {
		p.mappings = make(map[uintptr]int)
	}
	p.mappings[start] = n
	return int64(n) * int64(mm.PageSize), nil
}

// Munmap implements sys_munmap: start must be a base address Mmap
// previously mapped, and returns the page-rounded size unmapped
// (npages * PGSIZE in the original), not 0.
func (p *Process) Munmap(start uintptr, length int) (int64, error) {
	n, ok := p.mappings[start]
	if !ok {
		return 0, ErrBadMunmap
	}
	want := int(mm.PageRoundUp(uintptr(length)) / mm.PageSize)
	if want > n {
		want = n
	}
	for i := 0; i < want; i++ {
		p.m.mm.UnmapPage(p.PT, start+uintptr(i)*mm.PageSize, true)
	}
	delete(p.mappings, start)
	return int64(want) * int64(mm.PageSize), nil
}
