/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package abi carries the stable, wire-level constants the trap
// dispatcher and syscall layer agree on with user programs: syscall
// numbers, openat flags, limits, and the handful of well-known
// negative error codes. Nothing here is behavior, only numbering, so
// it has no dependency on any other kernel-core package.
package abi

// Syscall numeric IDs. Stable across kernel versions; never renumber
// an existing entry, only append.
const (
	SysGetcwd       = 17
	SysDup          = 23
	SysDup3         = 24
	SysMknod        = 33
	SysMkdirat      = 34
	SysLink         = 37
	SysUnlink       = 38
	SysChdir        = 49
	SysOpenat       = 56
	SysClose        = 57
	SysPipe2        = 59
	SysGetdents64   = 61
	SysRead         = 63
	SysWrite        = 64
	SysFstat        = 80
	SysExit         = 93
	SysSchedYield   = 124
	SysKill         = 129
	SysSetpriority  = 140
	SysGetpriority  = 141
	SysGettimeofday = 169
	SysGetpid       = 172
	SysGetppid      = 173
	SysBrk          = 214
	SysMunmap       = 215
	SysClone        = 220
	SysExecve       = 221
	SysMmap         = 222
	SysWait4        = 260
	SysSharedmem    = 282
	SysSpawn        = 400
	SysMailread     = 401
	SysMailwrite    = 402
)

// openat flags. Bit positions follow the platform ABI cross-checked
// against golang.org/x/sys/unix's O_* constants for this architecture
// (see abi_test.go); they are not redefined from that package because
// the kernel core must keep its own stable numbering independent of
// whatever the host toolchain's unix package happens to export.
const (
	ORdonly   = 0x000
	OWronly   = 0x001
	ORdwr     = 0x002
	OCreat    = 0x040
	OTrunc    = 0x200
	OAppend   = 0x400
	ODirectory = 0x10000
)

// AtFdcwd is the sentinel dirfd meaning "resolve relative to the
// calling process's current working directory".
const AtFdcwd = -100

// FDMax bounds the per-process descriptor table.
const FDMax = 128

// MaxPath and DirSiz bound path and path-component length.
const (
	MaxPath = 128
	DirSiz  = 255
)

// Well-known negative return codes. Most failures are -1; these are
// the ones callers pattern-match on.
const (
	EOK     = 0
	ENoent  = -2
	ENotDir = -20
	EFault  = -14
)

// mmap prot bits.
const (
	ProtRead  = 1
	ProtWrite = 2
	ProtExec  = 4
)

// SigChld is the only clone flag the core accepts.
const SigChld = 17
