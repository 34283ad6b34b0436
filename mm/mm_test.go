/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package mm

import (
	"testing"

	"github.com/ucore-go/kernel/abi"
)

func TestMapUnmapRoundTrip(t *testing.T) {
	b := NewBump()
	pt, err := b.NewPageTable()
	if err != nil {
		t.Fatal(err)
	}
	pa, err := b.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.MapPage(pt, 0x40000000, pa, abi.ProtRead|abi.ProtWrite); err != nil {
		t.Fatal(err)
	}
	if _, err := b.WriteAt(pt, 0x40000000, []byte{0xAB}); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := b.ReadAt(pt, 0x40000000, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0xAB {
		t.Fatalf("expected 0xAB, got %#x", buf[0])
	}
	if err := b.UnmapPage(pt, 0x40000000, true); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ReadAt(pt, 0x40000000, buf); err != ErrNotMapped {
		t.Fatalf("expected ErrNotMapped after unmap, got %v", err)
	}
}

func TestMapUnalignedRejected(t *testing.T) {
	b := NewBump()
	pt, _ := b.NewPageTable()
	pa, _ := b.AllocPage()
	if err := b.MapPage(pt, 1, pa, abi.ProtRead); err != ErrUnaligned {
		t.Fatalf("expected ErrUnaligned, got %v", err)
	}
}

func TestCopyPageTableIsIndependent(t *testing.T) {
	b := NewBump()
	pt, _ := b.NewPageTable()
	pa, _ := b.AllocPage()
	b.MapPage(pt, 0x1000, pa, abi.ProtRead|abi.ProtWrite)
	b.WriteAt(pt, 0x1000, []byte{1})

	dup, err := b.CopyPageTable(pt)
	if err != nil {
		t.Fatal(err)
	}
	b.WriteAt(pt, 0x1000, []byte{2})

	buf := make([]byte, 1)
	b.ReadAt(dup, 0x1000, buf)
	if buf[0] != 1 {
		t.Fatalf("expected copy to be independent, got %d", buf[0])
	}
}

func TestPageRoundUp(t *testing.T) {
	cases := map[uintptr]uintptr{
		0:     0,
		1:     PageSize,
		4096:  4096,
		4097:  8192,
		8192:  8192,
	}
	for in, want := range cases {
		if got := PageRoundUp(in); got != want {
			t.Errorf("PageRoundUp(%d) = %d, want %d", in, got, want)
		}
	}
}
