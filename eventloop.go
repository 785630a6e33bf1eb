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
	"io"
	"syscall"

	"github.com/urpc/uecho/internal/poller"
	"github.com/urpc/uecho/internal/socket"
	"golang.org/x/sys/unix"
)

// eventLoop is the readiness engine. Every fd is registered edge-triggered,
// so each notification is followed by a full drain until EAGAIN.
type eventLoop struct {
	w           *worker
	poller      *poller.NetPoller
	conns       *connTable
	lnfd        int  // listening fd
	retryAccept bool // accept paused on resource exhaustion
}

func newEventLoop(w *worker) (*eventLoop, error) {
	p, err := poller.NewNetPoller()
	if nil != err {
		return nil, err
	}

	return &eventLoop{
			w:      w,
			poller: p,
			conns:  w.conns,
			lnfd:   w.ln.fd,
		},
		nil
}

func (el *eventLoop) serve() error {
	if err := el.poller.AddRead(el.lnfd, 0); nil != err {
		return err
	}
	return el.poller.Serve(el.w.run.stopped, el.w.cfg.pollTimeout, el)
}

func (el *eventLoop) close() error {
	el.conns.closeAll(ErrServerClosed)
	return el.poller.Close()
}

func (el *eventLoop) OnTick(ep *poller.NetPoller) error {
	if el.retryAccept {
		el.retryAccept = false
		el.accept()
	}
	return nil
}

func (el *eventLoop) OnRead(ep *poller.NetPoller, fd int, tag uint32) error {
	if fd == el.lnfd {
		el.accept()
		return nil
	}

	c := el.conns.at(tag)
	if c == nil || c.fd != fd {
		// stale event for a slot that has been reused.
		return nil
	}

	switch c.state {
	case stateReading:
		el.drain(c)
	case stateWriting:
		// error or hangup while waiting for EPOLLOUT; the write reports it.
		el.onWritable(c)
	}
	return nil
}

func (el *eventLoop) OnWrite(ep *poller.NetPoller, fd int, tag uint32) error {
	c := el.conns.at(tag)
	if c == nil || c.fd != fd || c.state != stateWriting {
		return nil
	}
	el.onWritable(c)
	return nil
}

func (el *eventLoop) accept() {
	for {
		nfd, sa, err := unix.Accept4(el.lnfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if nil != err {
			switch {
			case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.ECONNABORTED):
				continue
			case errors.Is(err, syscall.EAGAIN):
				return
			case isResourceErr(err):
				el.w.log.Warn().Err(err).Msg("accept paused, out of resources")
				el.retryAccept = true
				return
			default:
				el.w.log.Error().Err(err).Msg("accept failed")
				return
			}
		}

		el.w.tune(nfd)

		c := el.conns.open(nfd)
		if err = el.poller.AddRead(nfd, c.handle.Index()); nil != err {
			el.conns.close(c, err)
			continue
		}

		if e := el.w.log.Debug(); e.Enabled() {
			e.Int("fd", nfd).Stringer("peer", socket.SockaddrToAddr(sa)).Msg("connection opened")
		}
	}
}

// drain reads and echoes until the socket would block.
func (el *eventLoop) drain(c *conn) {
	for {
		n, err := unix.Read(c.fd, c.readBuf())
		if nil != err {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, syscall.EAGAIN) {
				return
			}
			el.closeConn(c, err)
			return
		}

		// remote closed
		if !el.conns.read(c, n) {
			el.closeConn(c, io.EOF)
			return
		}

		if !el.flush(c) {
			if c.state == stateWriting {
				// stop reading until the peer drains its receive window.
				if err = el.poller.ModWrite(c.fd, c.handle.Index()); nil != err {
					el.closeConn(c, err)
				}
			}
			return
		}
	}
}

// flush writes the pending chunk. It reports true once the chunk is fully
// echoed and the connection is back to reading.
func (el *eventLoop) flush(c *conn) bool {
	for c.state == stateWriting {
		n, err := unix.Write(c.fd, c.pending())
		if nil != err {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, syscall.EAGAIN) {
				return false
			}
			el.closeConn(c, err)
			return false
		}
		if n <= 0 {
			return false
		}
		el.conns.wrote(c, n)
	}
	return c.state == stateReading
}

func (el *eventLoop) onWritable(c *conn) {
	if !el.flush(c) {
		return
	}
	if err := el.poller.ModRead(c.fd, c.handle.Index()); nil != err {
		el.closeConn(c, err)
		return
	}
	// data that arrived while writing raised no edge of its own.
	el.drain(c)
}

func (el *eventLoop) closeConn(c *conn, err error) {
	_ = el.poller.Del(c.fd)
	el.conns.close(c, err)
}

func isResourceErr(err error) bool {
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}
