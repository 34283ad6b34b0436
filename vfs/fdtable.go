/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package vfs

import (
	"errors"

	"github.com/ucore-go/kernel/abi"
)

var ErrNoFreeFD = errors.New("vfs: no free descriptor")

// FDMax bounds a process's descriptor table; re-exported from abi so
// callers outside the syscall layer don't need to import abi just to
// size an FDTable.
const FDMax = abi.FDMax

// FDTable is a process's fixed-size descriptor array (spec §3/§4.7).
// It carries no lock of its own: the owning process's lock guards it
// when touched from another goroutine (spec §5 — dup3 onto a running
// process is unsupported, so in practice only the owner ever mutates
// it under its own process lock).
type FDTable struct {
	files [FDMax]*File
}

func (t *FDTable) Get(fd int) *File {
	if fd < 0 || fd >= FDMax {
		return nil
	}
	return t.files[fd]
}

func (t *FDTable) Set(fd int, f *File) {
	t.files[fd] = f
}

// Alloc returns the smallest free index, installs f there, and
// returns that index, or ErrNoFreeFD.
func (t *FDTable) Alloc(f *File) (int, error) {
	for i := 0; i < FDMax; i++ {
		if t.files[i] == nil {
			t.files[i] = f
			return i, nil
		}
	}
	return -1, ErrNoFreeFD
}

// Alloc2 places f at index want, evicting (returning) any prior
// occupant so the caller can close it.
func (t *FDTable) Alloc2(want int, f *File) (*File, error) {
	if want < 0 || want >= FDMax {
		return nil, ErrNoFreeFD
	}
	prev := t.files[want]
	t.files[want] = f
	return prev, nil
}

func (t *FDTable) Clear(fd int) *File {
	if fd < 0 || fd >= FDMax {
		return nil
	}
	prev := t.files[fd]
	t.files[fd] = nil
	return prev
}

// All returns every non-nil descriptor, for exit()'s close-everything
// sweep.
func (t *FDTable) All() []int {
	out := make([]int, 0, FDMax)
	for i, f := range t.files {
		if f != nil {
			out = append(out, i)
		}
	}
	return out
}
