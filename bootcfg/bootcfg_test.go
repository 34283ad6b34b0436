/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package bootcfg

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCfg(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "boot.cfg")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	p := writeCfg(t, "[Global]\nDisk-Image=/tmp/ucore.img\n")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.NCPU != defaultNCPU {
		t.Fatalf("expected default NCPU %d, got %d", defaultNCPU, c.NCPU)
	}
	if c.MaxProc != defaultMaxProc {
		t.Fatalf("expected default MaxProc %d, got %d", defaultMaxProc, c.MaxProc)
	}
	if c.DiskImage != "/tmp/ucore.img" {
		t.Fatalf("unexpected disk image %q", c.DiskImage)
	}
}

func TestLoadMissingDiskImage(t *testing.T) {
	p := writeCfg(t, "[Global]\nNCPU=2\n")
	if _, err := Load(p); err != ErrNoDiskImage {
		t.Fatalf("expected ErrNoDiskImage, got %v", err)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	p := writeCfg(t, "[Global]\nNCPU=4\nMax-Proc=128\nDisk-Image=/var/ucore/disk.img\nInit-Binary=/sbin/init\nLog-File=/var/log/ucore.log\nLog-Level=DEBUG\n")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.NCPU != 4 || c.MaxProc != 128 {
		t.Fatalf("unexpected NCPU/MaxProc: %+v", c)
	}
	if c.InitBinary != "/sbin/init" {
		t.Fatalf("unexpected init binary %q", c.InitBinary)
	}
	if c.LogLevel != "DEBUG" {
		t.Fatalf("unexpected log level %q", c.LogLevel)
	}
}

func TestLoggerDiscardWhenNoLogFile(t *testing.T) {
	c := Config{LogFile: ""}
	lg, err := c.Logger()
	if err != nil {
		t.Fatalf("Logger: %v", err)
	}
	if lg == nil {
		t.Fatal("expected non-nil discard logger")
	}
}
