/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package proc

import "github.com/ucore-go/kernel/klog"

// Event is a single kernel lifecycle record: a pid/tag/payload triple
// (the timestamp is the one klog puts on the log line) in the shape of
// an ingest entry.Entry, scaled down to what a
// teaching kernel's trace log needs -- no source address or enumerated
// values, since there is no network source for a kernel-internal
// event. PID identifies the subject process; Tag names the transition
// (spawn, fork, exit, wait4); KV carries the rest.
type Event struct {
	PID int
	Tag string
	KV  []klog.KV
}

// trace emits one lifecycle Event at DEBUG through the Machine's
// logger. It never blocks on a full log pipeline the way the ingest
// muxer's backpressure does -- a stalled kernel trace log must not
// stall the scheduler -- so it is a direct synchronous klog.Debug call
// rather than a buffered channel send.
func (m *Machine) trace(ev Event) {
	kvs := append([]klog.KV{klog.Field("pid", ev.PID)}, ev.KV...)
	m.log.Debug(ev.Tag, kvs...)
}
