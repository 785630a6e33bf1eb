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

// Package poller wraps an edge-triggered epoll instance. Every registration
// carries a 32-bit tag that is handed back with its readiness events.
package poller

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errorEvents = unix.EPOLLERR | unix.EPOLLHUP
	edge        = unix.EPOLLET

	maxEvents = 1024
)

// EventHandler receives readiness for registered descriptors. A non-nil error
// stops Serve; connection level failures must be handled inside the callbacks.
type EventHandler interface {
	OnRead(ep *NetPoller, fd int, tag uint32) error
	OnWrite(ep *NetPoller, fd int, tag uint32) error
	// OnTick runs once per wait cycle, including cycles that timed out.
	OnTick(ep *NetPoller) error
}

type NetPoller struct {
	epfd   int   // epoll fd
	closed int32 // close flag
	events []unix.EpollEvent
}

func NewNetPoller() (*NetPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &NetPoller{epfd: fd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

func (ev *NetPoller) ctl(op int, fd int, tag uint32, events uint32) error {
	return unix.EpollCtl(
		ev.epfd,
		op,
		fd,
		&unix.EpollEvent{
			Fd:     int32(fd),
			Pad:    int32(tag),
			Events: events | errorEvents | edge,
		},
	)
}

func (ev *NetPoller) AddRead(fd int, tag uint32) error {
	return ev.ctl(unix.EPOLL_CTL_ADD, fd, tag, readEvents)
}

func (ev *NetPoller) ModRead(fd int, tag uint32) error {
	return ev.ctl(unix.EPOLL_CTL_MOD, fd, tag, readEvents)
}

func (ev *NetPoller) ModWrite(fd int, tag uint32) error {
	return ev.ctl(unix.EPOLL_CTL_MOD, fd, tag, writeEvents)
}

func (ev *NetPoller) Del(fd int) error {
	return unix.EpollCtl(ev.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Serve waits for readiness until stopped reports true. Each wait is bounded
// by timeout so the stop condition is observed even when no fd is ready.
func (ev *NetPoller) Serve(stopped func() bool, timeout time.Duration, handler EventHandler) error {
	msec := int(timeout / time.Millisecond)
	if msec <= 0 {
		msec = 1
	}

	for !stopped() {
		n, err := unix.EpollWait(ev.epfd, ev.events, msec)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		for _, event := range ev.events[:n] {
			fd, tag := int(event.Fd), uint32(event.Pad)

			if 0 != (event.Events & writeEvents) {
				if err = handler.OnWrite(ev, fd, tag); nil != err {
					return err
				}
			}

			if 0 != (event.Events & (readEvents | errorEvents)) {
				if err = handler.OnRead(ev, fd, tag); nil != err {
					return err
				}
			}
		}

		if err = handler.OnTick(ev); nil != err {
			return err
		}
	}
	return nil
}

func (ev *NetPoller) Close() error {
	if atomic.CompareAndSwapInt32(&ev.closed, 0, 1) {
		return unix.Close(ev.epfd)
	}
	return nil
}
