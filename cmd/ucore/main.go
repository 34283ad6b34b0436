/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command ucore boots the kernel core against a boot configuration
// file: opens the disk image, builds the process table and scheduler,
// spawns init, and blocks until a shutdown signal arrives. Binary
// loading/exec is out of this core's scope (see trapdispatch's
// DESIGN.md note on sys_clone/sys_execve), so Init-Binary is recorded
// for operator visibility only; the init process that actually runs
// is a fixed Go body that idles, reaping orphaned children exactly
// the way a real init would.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ucore-go/kernel/bootcfg"
	"github.com/ucore-go/kernel/disk"
	"github.com/ucore-go/kernel/klog"
	"github.com/ucore-go/kernel/mm"
	"github.com/ucore-go/kernel/proc"
	"github.com/ucore-go/kernel/spinlock"
	"github.com/ucore-go/kernel/vfs"
)

// waitForQuit blocks until SIGHUP/SIGINT/SIGQUIT/SIGTERM arrives,
// matching the ingest daemons' own shutdown-signal wait.
func waitForQuit() os.Signal {
	quitSig := make(chan os.Signal, 1)
	defer close(quitSig)
	signal.Notify(quitSig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	return <-quitSig
}

const defConfigLoc = `/etc/ucore/boot.cfg`

var (
	cfgFlag = flag.String("config-override", "", "Override boot config file path")
	cfgFile string
)

func init() {
	cfgFile = defConfigLoc
	flag.Parse()
	if *cfgFlag != "" {
		cfgFile = *cfgFlag
	}
}

func main() {
	c, err := bootcfg.Load(cfgFile)
	if err != nil {
		log.Fatal("failed to load boot config ", cfgFile, ": ", err)
	}

	lg, err := c.Logger()
	if err != nil {
		log.Fatal("failed to build logger: ", err)
	}
	klog.SetDefault(lg)
	lg.Info("booting", klog.Field("ncpu", c.NCPU), klog.Field("init", c.InitBinary))

	bd, err := disk.OpenImage(c.DiskImage)
	if err != nil {
		lg.Fatal("failed to open disk image", klog.ErrField(err))
	}
	defer bd.Close()

	pool := vfs.NewPool(vfs.FDMax, bd, vfs.NewDeviceTable())
	m := proc.NewMachine(c.NCPU, c.MaxProc, mm.NewBump(), bd, pool, lg)
	lg.Info("boot id assigned", klog.Field("boot_id", m.BootID()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	if _, err := m.Spawn(initBody(m, lg)); err != nil {
		lg.Fatal("failed to spawn init", klog.ErrField(err))
	}

	waitForQuit()

	lg.Info("received shutdown signal, stopping scheduler")
	cancel()
	m.Stop()
	<-done
}

// initBody is PID 1: it reaps exited orphans forever, the same loop a
// real init process runs, yielding between scans rather than busy
// spinning since it has no children to wait for most of the time.
func initBody(m *proc.Machine, lg *klog.Logger) proc.Body {
	return func(p *proc.Process, c spinlock.CPUHandle) {
		for {
			_, _, err := m.Wait4(c, p, -1, true)
			if err != nil && err != proc.ErrNoChildren {
				lg.Error("init wait4 failed", klog.ErrField(err))
			}
			p.Yield(c)
		}
	}
}
