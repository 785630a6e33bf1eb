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
	"github.com/urpc/uecho/internal/sockmap"
)

// Accelerator is an optional kernel fast path that is told about every
// accepted and closed connection. Implementations must be safe for use by
// all workers at once.
type Accelerator interface {
	Register(fd int) error
	Unregister(fd int) error
	Stats() (AcceleratorStats, error)
	Close() error
}

// AcceleratorStats are the counters an Accelerator reports.
type AcceleratorStats struct {
	Redirected  uint64 `json:"redirected"`
	RedirectErr uint64 `json:"redirect_err"`
	Parsed      uint64 `json:"parsed"`
	ParseErr    uint64 `json:"parse_err"`
}

// LoadSockmap loads the sockmap BPF object at path. The caller closes the
// returned Accelerator after the server stopped.
func LoadSockmap(path string) (Accelerator, error) {
	l, err := sockmap.Load(path)
	if nil != err {
		return nil, err
	}
	return sockmapAccelerator{l}, nil
}

type sockmapAccelerator struct {
	*sockmap.Loader
}

func (a sockmapAccelerator) Stats() (AcceleratorStats, error) {
	st, err := a.Loader.Stats()
	if nil != err {
		return AcceleratorStats{}, err
	}
	return AcceleratorStats(st), nil
}
