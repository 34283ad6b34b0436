/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package bootcfg loads the boot-time configuration a ucore image
// needs before it can build a proc.Machine: how many virtual CPUs to
// run, how many process-table slots to reserve, which disk image to
// open, which binary to spawn as init, and where/how loudly to log.
// Parsing follows the same gcfg ini-style pattern the ingest daemon's
// own manager config uses, retargeted to a kernel boot section.
package bootcfg

import (
	"errors"
	"io/ioutil"
	"os"

	"github.com/gravwell/gcfg"

	"github.com/ucore-go/kernel/klog"
)

// maxConfigSize guards against a runaway/corrupt config file the same
// way the ingest manager's GetConfig does.
const maxConfigSize int64 = 1024 * 1024 * 4

type global struct {
	NCPU        int
	Max_Proc    int
	Disk_Image  string
	Init_Binary string
	Log_File    string
	Log_Level   string
}

type cfgType struct {
	Global global
}

// Config is the parsed, defaulted boot configuration.
type Config struct {
	NCPU       int
	MaxProc    int
	DiskImage  string
	InitBinary string
	LogFile    string
	LogLevel   string
}

var (
	ErrNoDiskImage = errors.New("bootcfg: Global.Disk-Image is required")
	ErrBadNCPU     = errors.New("bootcfg: Global.NCPU must be >= 1")
)

const (
	defaultNCPU    = 1
	defaultMaxProc = 64
)

// Load reads and validates the boot configuration at path.
func Load(path string) (Config, error) {
	var c Config

	fin, err := os.Open(path)
	if err != nil {
		return c, err
	}
	defer fin.Close()

	fi, err := fin.Stat()
	if err != nil {
		return c, err
	}
	if fi.Size() > maxConfigSize {
		return c, errors.New("bootcfg: config file far too large")
	}
	data, err := ioutil.ReadAll(fin)
	if err != nil {
		return c, err
	}

	var raw cfgType
	if err := gcfg.ReadStringInto(&raw, string(data)); err != nil {
		return c, err
	}

	c = Config{
		NCPU:       raw.Global.NCPU,
		MaxProc:    raw.Global.Max_Proc,
		DiskImage:  raw.Global.Disk_Image,
		InitBinary: raw.Global.Init_Binary,
		LogFile:    raw.Global.Log_File,
		LogLevel:   raw.Global.Log_Level,
	}
	if c.NCPU == 0 {
		c.NCPU = defaultNCPU
	}
	if c.MaxProc == 0 {
		c.MaxProc = defaultMaxProc
	}
	return c, c.validate()
}

func (c Config) validate() error {
	if c.NCPU < 1 {
		return ErrBadNCPU
	}
	if c.DiskImage == "" {
		return ErrNoDiskImage
	}
	return nil
}

// Logger builds the klog.Logger this config describes: a discard
// logger if Log-File is unset, otherwise a file logger at Log-Level
// (defaulting to INFO, same as the ingest manager's GetLogger).
func (c Config) Logger() (*klog.Logger, error) {
	if c.LogFile == "" {
		return klog.NewDiscardLogger(), nil
	}
	lvl, err := klog.LevelFromString(c.LogLevel)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(c.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	lg := klog.New(f)
	if err := lg.SetLevel(lvl); err != nil {
		return nil, err
	}
	return lg, nil
}
