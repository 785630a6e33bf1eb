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

package uecho

import (
	"sync/atomic"
	"time"
)

// Stats is the counter block of one worker. Only the owning worker writes it;
// any goroutine may read it. Readers get a per-field consistent but not
// globally linearizable view, which is all reporting needs.
type Stats struct {
	totalConns  atomic.Int64
	activeConns atomic.Int64
	requests    atomic.Int64
	bytesRecv   atomic.Int64
	bytesSent   atomic.Int64
	_           [24]byte // keep neighbouring workers' blocks on separate cache lines
}

func (s *Stats) connOpened() {
	s.totalConns.Add(1)
	s.activeConns.Add(1)
}

func (s *Stats) connClosed() { s.activeConns.Add(-1) }

func (s *Stats) received(n int) {
	s.requests.Add(1)
	s.bytesRecv.Add(int64(n))
}

func (s *Stats) sent(n int) { s.bytesSent.Add(int64(n)) }

// Load reads the block.
func (s *Stats) Load() Counters {
	return Counters{
		TotalConnections:  s.totalConns.Load(),
		ActiveConnections: s.activeConns.Load(),
		Requests:          s.requests.Load(),
		BytesReceived:     s.bytesRecv.Load(),
		BytesSent:         s.bytesSent.Load(),
	}
}

// Counters is a plain copy of a Stats block or a sum of several.
type Counters struct {
	TotalConnections  int64
	ActiveConnections int64
	Requests          int64
	BytesReceived     int64
	BytesSent         int64
}

func (c Counters) add(o Counters) Counters {
	c.TotalConnections += o.TotalConnections
	c.ActiveConnections += o.ActiveConnections
	c.Requests += o.Requests
	c.BytesReceived += o.BytesReceived
	c.BytesSent += o.BytesSent
	return c
}

// ResourceSample is the process view supplied by a Sampler.
type ResourceSample struct {
	CPUPercent  float64
	RSSMB       float64
	OSThreads   int64
	MinorFaults int64
	MajorFaults int64
}

// Sampler provides point-in-time resource usage.
type Sampler interface {
	Sample() (ResourceSample, error)
}

// Snapshot is the aggregated, point-in-time view of a running server.
type Snapshot struct {
	Uptime      time.Duration
	Mode        string
	Workers     int
	Total       Counters
	PerWorker   []Counters
	System      ResourceSample
	SystemErr   error
	Accelerator *AcceleratorStats
}

func aggregate(blocks []Stats) (total Counters, per []Counters) {
	per = make([]Counters, len(blocks))
	for i := range blocks {
		per[i] = blocks[i].Load()
		total = total.add(per[i])
	}
	return total, per
}
