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
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedBackend is returned when the requested backend cannot run on
// this kernel or platform.
var ErrUnsupportedBackend = errors.New("uecho: unsupported backend")

// Backend selects the I/O engine every worker runs.
type Backend int

const (
	// BackendEpoll is the readiness engine: edge-triggered epoll with
	// non-blocking reads and writes.
	BackendEpoll Backend = iota

	// BackendUring is the completion engine: accept, recv and send are
	// submitted to an io_uring and their results reaped in batches.
	BackendUring
)

func (b Backend) String() string {
	switch b {
	case BackendEpoll:
		return "epoll"
	case BackendUring:
		return "io_uring"
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

// ParseBackend maps a backend name to its Backend.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "epoll", "readiness", "":
		return BackendEpoll, nil
	case "io_uring", "uring", "completion":
		return BackendUring, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedBackend, s)
}

// engine is the I/O loop of one worker.
type engine interface {
	// serve runs until the worker's run state is stopped or a fatal error
	// occurs.
	serve() error

	// close drops every live connection and releases the engine's kernel
	// resources. It is called once, after serve returned.
	close() error
}

func newEngine(b Backend, w *worker) (engine, error) {
	switch b {
	case BackendEpoll:
		return newEventLoop(w)
	case BackendUring:
		return newRingLoop(w)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedBackend, b)
}
