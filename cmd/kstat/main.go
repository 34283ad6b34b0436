/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command kstat is a ps(1)-style inspection tool for the kernel core:
// it boots a Machine against the same boot configuration ucore would
// use, takes one process-table snapshot, and renders it as a table or
// as JSON. There is no running kernel to attach to out-of-process (no
// IPC surface is in scope for this core), so kstat boots its own
// short-lived Machine the way a test harness would, spawning init and
// immediately snapshotting it -- enough to confirm a boot
// configuration and disk image are sane before handing them to a real
// long-running ucore instance.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ucore-go/kernel/bootcfg"
	"github.com/ucore-go/kernel/disk"
	"github.com/ucore-go/kernel/mm"
	"github.com/ucore-go/kernel/proc"
	"github.com/ucore-go/kernel/spinlock"
	"github.com/ucore-go/kernel/vfs"
)

var (
	cfgPath string
	jsonOut bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kstat",
		Short: "inspect a ucore boot configuration's process table",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "/etc/ucore/boot.cfg", "boot config file")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "render output as JSON instead of a table")
	root.AddCommand(newPSCmd())
	root.AddCommand(newDFCmd())
	return root
}

func newDFCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "df",
		Short: "open the configured disk image and print its byte I/O counters (counted since this open)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := bootcfg.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("kstat: loading boot config: %w", err)
			}
			bd, err := disk.OpenImage(c.DiskImage)
			if err != nil {
				return fmt.Errorf("kstat: opening disk image: %w", err)
			}
			defer bd.Close()
			st := bd.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "bytes read:    %d\nbytes written: %d\n", st.BytesRead, st.BytesWritten)
			return nil
		},
	}
}

func newPSCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "boot the configured kernel, spawn init, and print the process table",
		RunE: func(cmd *cobra.Command, args []string) error {
			snaps, err := bootAndSnapshot(cfgPath)
			if err != nil {
				return err
			}
			render(cmd.OutOrStdout(), snaps, jsonOut)
			return nil
		},
	}
}

func bootAndSnapshot(cfgPath string) ([]proc.Snapshot, error) {
	c, err := bootcfg.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("kstat: loading boot config: %w", err)
	}
	lg, err := c.Logger()
	if err != nil {
		return nil, fmt.Errorf("kstat: building logger: %w", err)
	}

	bd, err := disk.OpenImage(c.DiskImage)
	if err != nil {
		return nil, fmt.Errorf("kstat: opening disk image: %w", err)
	}
	defer bd.Close()

	pool := vfs.NewPool(vfs.FDMax, bd, vfs.NewDeviceTable())
	m := proc.NewMachine(c.NCPU, c.MaxProc, mm.NewBump(), bd, pool, lg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		m.Stop()
		<-done
	}()

	if _, err := m.Spawn(func(p *proc.Process, c spinlock.CPUHandle) {
		p.Yield(c) // hold the slot open long enough for the snapshot below
		p.Exit(c, 0)
	}); err != nil {
		return nil, fmt.Errorf("kstat: spawning init: %w", err)
	}

	return m.Snapshot(), nil
}
