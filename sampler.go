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
	"github.com/urpc/uecho/internal/sysmon"
)

// NewProcessSampler returns a Sampler reading the current process from
// procfs. CPU usage is relative to the previous call.
func NewProcessSampler() Sampler {
	return processSampler{sysmon.New()}
}

type processSampler struct {
	mon *sysmon.Monitor
}

func (p processSampler) Sample() (ResourceSample, error) {
	s, err := p.mon.Sample()
	if nil != err {
		return ResourceSample{}, err
	}
	return ResourceSample{
		CPUPercent:  s.CPUPercent,
		RSSMB:       s.RSSMB(),
		OSThreads:   s.Threads,
		MinorFaults: s.MinorFaults,
		MajorFaults: s.MajorFaults,
	}, nil
}
