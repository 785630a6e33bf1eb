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
	"syscall"
	"time"

	"github.com/eapache/queue"
	"github.com/urpc/uecho/internal/arena"
	"github.com/urpc/uecho/internal/uring"
	"golang.org/x/sys/unix"
)

const (
	// acceptTag is the completion tag of the listener's accept; connection
	// handles are never zero.
	acceptTag = arena.Handle(0)

	minAcceptBackoff = 10 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// ringLoop is the completion engine. Each connection has at most one
// operation in flight, recv or send, chosen by its state; completions are
// matched back to connections through their generation-checked handle.
type ringLoop struct {
	w       *worker
	ring    *uring.Ring
	conns   *connTable
	lnfd    int
	pending *queue.Queue // handles waiting for SQ space, FIFO

	acceptArmed bool      // accept in flight or queued
	acceptAt    time.Time // earliest re-arm after resource exhaustion
	backoff     time.Duration
}

func newRingLoop(w *worker) (*ringLoop, error) {
	ring, err := uring.New(uint32(w.cfg.queueDepth))
	if nil != err {
		if errors.Is(err, uring.ErrUnsupported) || errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedBackend, err)
		}
		return nil, err
	}

	// the ring performs accepts itself; a blocking listener keeps them
	// parked in the kernel instead of bouncing EAGAIN.
	if err = unix.SetNonblock(w.ln.fd, false); nil != err {
		_ = ring.Close()
		return nil, err
	}

	return &ringLoop{
		w:       w,
		ring:    ring,
		conns:   w.conns,
		lnfd:    w.ln.fd,
		pending: queue.New(),
	}, nil
}

func (rl *ringLoop) serve() error {
	rl.armAccept()

	for !rl.w.run.stopped() {
		if _, err := rl.ring.Enter(rl.waitTimeout()); nil != err {
			return err
		}

		rl.ring.Reap(rl.complete)

		if !rl.acceptArmed && !rl.acceptAt.IsZero() && !time.Now().Before(rl.acceptAt) {
			rl.armAccept()
		}

		rl.flushPending()
	}
	return nil
}

// close shuts the listener and every live socket down, failing the parked
// accept and in-flight recvs, before the ring is dropped. The ring holds its
// own file references, so closing the fds alone would leave the port open
// until teardown finishes.
func (rl *ringLoop) close() error {
	_ = unix.Shutdown(rl.lnfd, unix.SHUT_RDWR)
	rl.conns.closeAll(ErrServerClosed)
	return rl.ring.Close()
}

// waitTimeout is zero while operations are still queued behind a full SQ, so
// the next Enter only submits and the backlog drains in one pass per slot.
func (rl *ringLoop) waitTimeout() time.Duration {
	if rl.pending.Length() > 0 {
		return 0
	}
	timeout := rl.w.cfg.pollTimeout
	if !rl.acceptArmed && !rl.acceptAt.IsZero() {
		if d := time.Until(rl.acceptAt); d < timeout {
			timeout = max(d, time.Millisecond)
		}
	}
	return timeout
}

func (rl *ringLoop) armAccept() {
	rl.acceptArmed = true
	rl.acceptAt = time.Time{}
	rl.submit(acceptTag)
}

// submit prepares the next operation for h, or queues h when the SQ is full.
func (rl *ringLoop) submit(h arena.Handle) {
	if rl.pending.Length() > 0 || !rl.prepare(h) {
		rl.pending.Add(h)
	}
}

func (rl *ringLoop) flushPending() {
	for rl.pending.Length() > 0 {
		if !rl.prepare(rl.pending.Peek().(arena.Handle)) {
			return
		}
		rl.pending.Remove()
	}
}

// prepare reports false only when the SQ has no room. Handles whose
// connection closed while queued are dropped.
func (rl *ringLoop) prepare(h arena.Handle) bool {
	if h == acceptTag {
		return rl.ring.PrepareAccept(rl.lnfd, unix.SOCK_CLOEXEC, uint64(acceptTag))
	}

	c := rl.conns.get(h)
	if c == nil {
		return true
	}

	switch c.state {
	case stateReading:
		return rl.ring.PrepareRecv(c.fd, c.readBuf(), uint64(h))
	case stateWriting:
		return rl.ring.PrepareSend(c.fd, c.pending(), uint64(h))
	}
	return true
}

func (rl *ringLoop) complete(userData uint64, res int32) {
	h := arena.Handle(userData)
	if h == acceptTag {
		rl.onAccept(res)
		return
	}

	c := rl.conns.get(h)
	if c == nil {
		return
	}

	if res < 0 {
		if errno := syscall.Errno(-res); errno == syscall.EINTR || errno == syscall.EAGAIN {
			rl.submit(h)
			return
		}
		rl.conns.close(c, syscall.Errno(-res))
		return
	}

	switch c.state {
	case stateReading:
		// zero bytes is an orderly close by the peer.
		if !rl.conns.read(c, int(res)) {
			rl.conns.close(c, nil)
			return
		}
	case stateWriting:
		if res == 0 {
			rl.conns.close(c, syscall.EPIPE)
			return
		}
		rl.conns.wrote(c, int(res))
	default:
		return
	}
	rl.submit(h)
}

func (rl *ringLoop) onAccept(res int32) {
	rl.acceptArmed = false

	if res < 0 {
		errno := syscall.Errno(-res)
		switch {
		case rl.w.run.stopped():
			return
		case errno == syscall.EINTR, errno == syscall.EAGAIN, errno == syscall.ECONNABORTED:
			rl.armAccept()
			return
		case isResourceErr(errno):
			rl.w.log.Warn().Err(errno).Msg("accept paused, out of resources")
		default:
			rl.w.log.Error().Err(errno).Msg("accept failed")
		}
		rl.backoff = min(max(2*rl.backoff, minAcceptBackoff), maxAcceptBackoff)
		rl.acceptAt = time.Now().Add(rl.backoff)
		return
	}

	rl.backoff = 0
	fd := int(res)

	rl.w.tune(fd)

	c := rl.conns.open(fd)
	if e := rl.w.log.Debug(); e.Enabled() {
		e.Int("fd", fd).Msg("connection opened")
	}
	rl.submit(c.handle)
	rl.armAccept()
}
