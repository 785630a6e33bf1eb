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

// Package affinity pins the calling OS thread to one CPU.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// CPUFor maps a shard id onto a core: id mod cores.
func CPUFor(id, cores int) int {
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	return id % cores
}

// CPUIn maps a shard id onto the given CPU set: cpus[id mod len(cpus)].
func CPUIn(id int, cpus []int) int {
	return cpus[id%len(cpus)]
}

// ForShard maps a shard id onto the CPUs this process is allowed to run on,
// so a restricted cpuset such as {4,5} still yields pinnable cores. It falls
// back to CPUFor when the set cannot be read.
func ForShard(id int) int {
	cpus, err := Current()
	if err != nil || len(cpus) == 0 {
		return CPUFor(id, runtime.NumCPU())
	}
	return CPUIn(id, cpus)
}

// Pin locks the calling goroutine to its OS thread and restricts that thread
// to cpu. The lock is kept on error so the caller still owns one thread.
func Pin(cpu int) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: sched_setaffinity cpu %d: %w", cpu, err)
	}
	return nil
}

// Current returns the CPU set of the calling thread.
func Current() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}
	cpus := make([]int, 0, set.Count())
	for i := 0; i < len(set)*64; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
