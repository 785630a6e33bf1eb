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
	"github.com/rs/zerolog"
	"github.com/urpc/uecho/internal/arena"
	"golang.org/x/sys/unix"
)

// connState is the half-duplex echo cycle of one connection:
// Accepting -> Reading <-> Writing -> Closed.
type connState uint8

const (
	stateAccepting connState = iota
	stateReading
	stateWriting
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepting:
		return "accepting"
	case stateReading:
		return "reading"
	case stateWriting:
		return "writing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// conn is the per-connection context. Its buffer is allocated once per arena
// slot and reused by every connection that later occupies the slot.
type conn struct {
	fd     int          // connection fd
	handle arena.Handle // stable identity, used as completion tag
	state  connState    // current direction
	buf    []byte       // fixed capacity echo buffer
	n      int          // bytes held from the last read
	off    int          // bytes of buf[:n] already echoed
}

func (c *conn) readBuf() []byte { return c.buf }

func (c *conn) pending() []byte { return c.buf[c.off:c.n] }

// connTable owns every conn of one worker together with the side effects of
// their state transitions: statistics and accelerator registration. Both
// engines drive connections exclusively through it.
type connTable struct {
	arena *arena.Arena[conn]
	stats *Stats
	accel Accelerator
	log   zerolog.Logger
}

func newConnTable(bufSize int, stats *Stats, accel Accelerator, log zerolog.Logger) *connTable {
	return &connTable{
		arena: arena.New(1024, func() *conn {
			return &conn{fd: -1, state: stateClosed, buf: make([]byte, bufSize)}
		}),
		stats: stats,
		accel: accel,
		log:   log,
	}
}

// open takes ownership of an accepted fd.
func (t *connTable) open(fd int) *conn {
	h, c := t.arena.Alloc()
	c.fd, c.handle = fd, h
	c.state = stateAccepting
	c.n, c.off = 0, 0

	t.stats.connOpened()

	if t.accel != nil {
		if err := t.accel.Register(fd); err != nil {
			t.log.Debug().Err(err).Int("fd", fd).Msg("accelerator register failed")
		}
	}

	c.state = stateReading
	return c
}

func (t *connTable) get(h arena.Handle) *conn { return t.arena.Get(h) }

// at resolves a slot index as carried in epoll event payloads.
func (t *connTable) at(idx uint32) *conn {
	_, c := t.arena.At(idx)
	return c
}

// read records a completed read of n bytes. It reports false when the
// connection must be closed instead (EOF or error).
func (t *connTable) read(c *conn, n int) bool {
	if c.state != stateReading || n <= 0 {
		return false
	}
	c.n, c.off = n, 0
	c.state = stateWriting
	t.stats.received(n)
	return true
}

// wrote records n echoed bytes. Once the whole chunk is out the connection
// goes back to reading; it reports whether that happened.
func (t *connTable) wrote(c *conn, n int) bool {
	if c.state != stateWriting || n <= 0 {
		return false
	}
	c.off += n
	t.stats.sent(n)
	if c.off < c.n {
		return false
	}
	c.n, c.off = 0, 0
	c.state = stateReading
	return true
}

// close releases the fd and the slot. Repeated calls are no-ops.
func (t *connTable) close(c *conn, reason error) bool {
	if c.state == stateClosed {
		return false
	}
	c.state = stateClosed

	if t.accel != nil {
		if err := t.accel.Unregister(c.fd); err != nil {
			t.log.Debug().Err(err).Int("fd", c.fd).Msg("accelerator unregister failed")
		}
	}

	if e := t.log.Debug(); e.Enabled() {
		e.Int("fd", c.fd).AnErr("reason", reason).Msg("connection closed")
	}

	_ = unix.Close(c.fd)
	c.fd = -1
	t.arena.Free(c.handle)
	t.stats.connClosed()
	return true
}

// closeAll drops every live connection without draining it.
func (t *connTable) closeAll(reason error) {
	for _, c := range t.arena.Range() {
		_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
		t.close(c, reason)
	}
}

func (t *connTable) len() int { return t.arena.Len() }
