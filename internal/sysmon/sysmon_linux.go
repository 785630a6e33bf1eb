/*
 * Copyright 2024 the urpc project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package sysmon samples resource usage of the current process from procfs.
// CPU usage is computed from the delta between two samples.
package sysmon

import (
	"os"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// clockTicks is USER_HZ, fixed at 100 by the Linux ABI for procfs.
const clockTicks = 100

// Sample is a point-in-time view of the process.
type Sample struct {
	Time        time.Time
	CPUPercent  float64 // may exceed 100 on multi-core hosts
	UTimeTicks  uint64
	STimeTicks  uint64
	RSSKB       int64
	VMSKB       int64
	SharedKB    int64
	Threads     int64
	MinorFaults int64
	MajorFaults int64
	VolCtxSw    int64
	InvolCtxSw  int64
}

// RSSMB returns resident memory in MiB.
func (s Sample) RSSMB() float64 { return float64(s.RSSKB) / 1024 }

// Monitor remembers the previous sample to derive CPU usage.
type Monitor struct {
	mux     sync.Mutex
	last    Sample
	hasLast bool
	mount   string
	pid     int
	now     func() time.Time
}

func New() *Monitor {
	return newMonitor(procfs.DefaultMountPoint, os.Getpid())
}

func newMonitor(mount string, pid int) *Monitor {
	return &Monitor{mount: mount, pid: pid, now: time.Now}
}

// Sample collects a new sample. The first one reports 0% CPU.
func (m *Monitor) Sample() (Sample, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	s := Sample{Time: m.now()}

	fs, err := procfs.NewFS(m.mount)
	if err != nil {
		return s, err
	}
	p, err := fs.Proc(m.pid)
	if err != nil {
		return s, err
	}

	stat, err := p.Stat()
	if err != nil {
		return s, err
	}
	s.UTimeTicks = uint64(stat.UTime)
	s.STimeTicks = uint64(stat.STime)
	s.Threads = int64(stat.NumThreads)
	s.MinorFaults = int64(stat.MinFlt)
	s.MajorFaults = int64(stat.MajFlt)

	status, err := p.NewStatus()
	if err != nil {
		return s, err
	}
	s.RSSKB = int64(status.VmRSS / 1024)
	s.VMSKB = int64(status.VmSize / 1024)
	s.SharedKB = int64(status.RssFile / 1024)
	s.VolCtxSw = int64(status.VoluntaryCtxtSwitches)
	s.InvolCtxSw = int64(status.NonVoluntaryCtxtSwitches)

	if m.hasLast {
		s.CPUPercent = cpuPercent(m.last, s)
	}
	m.last, m.hasLast = s, true
	return s, nil
}

func cpuPercent(prev, cur Sample) float64 {
	wall := cur.Time.Sub(prev.Time).Seconds()
	if wall <= 0 {
		return 0
	}
	ticks := (cur.UTimeTicks + cur.STimeTicks) - (prev.UTimeTicks + prev.STimeTicks)
	return float64(ticks) / clockTicks / wall * 100
}
