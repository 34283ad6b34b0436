/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/ucore-go/kernel/proc"
)

// renderTable formats process snapshots the way proctor's own `ps`
// output does: one tablewriter table, one row per process.
func renderTable(snaps []proc.Snapshot) []byte {
	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, []string{
			strconv.Itoa(s.PID),
			strconv.Itoa(s.ParentPID),
			s.State.String(),
			strconv.Itoa(s.Priority),
			strconv.Itoa(s.ExitCode),
			strconv.Itoa(s.NOpenFDs),
		})
	}
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"PID", "PPID", "STATE", "PRIO", "EXIT", "FDS"})
	table.AppendBulk(rows)
	table.Render()
	return buf.Bytes()
}

func renderJSON(snaps []proc.Snapshot) []byte {
	b, _ := json.MarshalIndent(snaps, "", "  ")
	return b
}

func render(w io.Writer, snaps []proc.Snapshot, jsonOut bool) {
	if jsonOut {
		w.Write(renderJSON(snaps))
	} else {
		w.Write(renderTable(snaps))
	}
}
