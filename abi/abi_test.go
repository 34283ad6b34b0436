/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package abi

import (
	"testing"

	"golang.org/x/sys/unix"
)

// TestOpenatFlagsMatchPlatformABI cross-checks this package's
// hand-maintained flag numbering against the host's unix package,
// since both ultimately derive from the same generic Linux fcntl.h
// bit layout the RISC-V ABI uses.
func TestOpenatFlagsMatchPlatformABI(t *testing.T) {
	cases := []struct {
		name string
		got  int
		want int
	}{
		{"O_CREAT", OCreat, unix.O_CREAT},
		{"O_TRUNC", OTrunc, unix.O_TRUNC},
		{"O_APPEND", OAppend, unix.O_APPEND},
		{"O_DIRECTORY", ODirectory, unix.O_DIRECTORY},
		{"O_WRONLY", OWronly, unix.O_WRONLY},
		{"O_RDWR", ORdwr, unix.O_RDWR},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s = %#o, platform ABI has %#o", c.name, c.got, c.want)
		}
	}
}

func TestSyscallIDsAreDistinct(t *testing.T) {
	ids := []int{
		SysGetcwd, SysDup, SysDup3, SysMknod, SysMkdirat, SysLink, SysUnlink,
		SysChdir, SysOpenat, SysClose, SysPipe2, SysGetdents64, SysRead,
		SysWrite, SysFstat, SysExit, SysSchedYield, SysKill, SysSetpriority,
		SysGetpriority, SysGettimeofday, SysGetpid, SysGetppid, SysBrk,
		SysMunmap, SysClone, SysExecve, SysMmap, SysWait4, SysSharedmem,
		SysSpawn, SysMailread, SysMailwrite,
	}
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate syscall id %d", id)
		}
		seen[id] = true
	}
}
