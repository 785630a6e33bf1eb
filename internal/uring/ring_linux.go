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

// Package uring is a minimal single-issuer io_uring binding: one ring, SQEs
// prepared in user space, published and submitted together by Enter, CQEs
// reaped in place.
package uring

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	opNop    = 0
	opAccept = 13
	opSend   = 26
	opRecv   = 27

	enterGetEvents = 1 << 0
	enterExtArg    = 1 << 3

	setupClamp = 1 << 4

	featExtArg = 1 << 8

	offSqRing = 0
	offCqRing = 0x8000000
	offSqes   = 0x10000000

	sqeSize = 64
	cqeSize = 16
)

// ErrUnsupported reports a kernel without the features this package needs.
var ErrUnsupported = errors.New("uring: kernel lacks IORING_FEAT_EXT_ARG")

type sqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

type cqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

type params struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        sqringOffsets
	CqOff        cqringOffsets
}

type sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	Pad         uint64
}

type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type getEventsArg struct {
	Sigmask   uint64
	SigmaskSz uint32
	Pad       uint32
	Ts        uint64
}

func init() {
	if sz := unsafe.Sizeof(sqe{}); sz != sqeSize {
		panic(fmt.Sprintf("uring: SQE size mismatch: expected %d, got %d", sqeSize, sz))
	}
	if sz := unsafe.Sizeof(cqe{}); sz != cqeSize {
		panic(fmt.Sprintf("uring: CQE size mismatch: expected %d, got %d", cqeSize, sz))
	}
	if sz := unsafe.Sizeof(params{}); sz != 120 {
		panic(fmt.Sprintf("uring: params size mismatch: expected 120, got %d", sz))
	}
}

// Ring is owned by one goroutine; none of its methods are concurrency-safe.
type Ring struct {
	fd int

	sqRing  []byte
	cqRing  []byte
	sqesMap []byte

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqCount uint32
	sqArray []uint32
	sqes    []sqe
	tail    uint32 // local tail, published by Enter

	cqHead  *uint32
	cqTail  *uint32
	cqMask  uint32
	cqes    []cqe

	// kept on the heap so the kernel never sees a moved stack address.
	ts  unix.Timespec
	arg getEventsArg
}

// New sets up a ring with the given submission depth; the completion queue is
// sized by the kernel (twice the depth).
func New(entries uint32) (*Ring, error) {
	var p params
	p.Flags = setupClamp

	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &Ring{fd: int(fd)}
	if p.Features&featExtArg == 0 {
		_ = unix.Close(r.fd)
		return nil, ErrUnsupported
	}

	if err := r.mapRings(&p); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Ring) mapRings(p *params) error {
	sqRingSize := int(p.SqOff.Array + p.SqEntries*4)
	cqRingSize := int(p.CqOff.Cqes + p.CqEntries*cqeSize)
	sqesSize := int(p.SqEntries * sqeSize)

	var err error
	if r.sqRing, err = unix.Mmap(r.fd, offSqRing, sqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	if r.cqRing, err = unix.Mmap(r.fd, offCqRing, cqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	if r.sqesMap, err = unix.Mmap(r.fd, offSqes, sqesSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return fmt.Errorf("mmap sqes: %w", err)
	}

	sqBase := unsafe.Pointer(&r.sqRing[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, p.SqOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, p.SqOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, p.SqOff.RingMask))
	r.sqCount = *(*uint32)(unsafe.Add(sqBase, p.SqOff.RingEntries))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sqBase, p.SqOff.Array)), int(p.SqEntries))
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&r.sqesMap[0])), int(p.SqEntries))
	r.tail = atomic.LoadUint32(r.sqTail)

	cqBase := unsafe.Pointer(&r.cqRing[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, p.CqOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, p.CqOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, p.CqOff.RingMask))
	r.cqes = unsafe.Slice((*cqe)(unsafe.Add(cqBase, p.CqOff.Cqes)), int(p.CqEntries))
	return nil
}

// Entries returns the submission queue depth granted by the kernel.
func (r *Ring) Entries() uint32 { return r.sqCount }

// Space returns how many SQEs can still be prepared before the next Enter.
func (r *Ring) Space() uint32 {
	return r.sqCount - (r.tail - atomic.LoadUint32(r.sqHead))
}

func (r *Ring) next() *sqe {
	if r.Space() == 0 {
		return nil
	}
	idx := r.tail & r.sqMask
	e := &r.sqes[idx]
	*e = sqe{}
	r.sqArray[idx] = idx
	r.tail++
	return e
}

// PrepareNop queues a no-op. It reports false when the SQ is full.
func (r *Ring) PrepareNop(userData uint64) bool {
	e := r.next()
	if e == nil {
		return false
	}
	e.Opcode = opNop
	e.Fd = -1
	e.UserData = userData
	return true
}

// PrepareAccept queues an accept on the listening fd; the peer address is
// not collected. flags are accept4 flags.
func (r *Ring) PrepareAccept(fd int, flags uint32, userData uint64) bool {
	e := r.next()
	if e == nil {
		return false
	}
	e.Opcode = opAccept
	e.Fd = int32(fd)
	e.OpFlags = flags
	e.UserData = userData
	return true
}

// PrepareRecv queues a recv into buf. buf must stay reachable until the
// completion carrying userData has been reaped.
func (r *Ring) PrepareRecv(fd int, buf []byte, userData uint64) bool {
	return r.prepareRW(opRecv, fd, buf, 0, userData)
}

// PrepareSend queues a send of buf, same lifetime rule as PrepareRecv.
func (r *Ring) PrepareSend(fd int, buf []byte, userData uint64) bool {
	return r.prepareRW(opSend, fd, buf, unix.MSG_NOSIGNAL, userData)
}

func (r *Ring) prepareRW(op uint8, fd int, buf []byte, flags uint32, userData uint64) bool {
	e := r.next()
	if e == nil {
		return false
	}
	e.Opcode = op
	e.Fd = int32(fd)
	if len(buf) > 0 {
		e.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	e.Len = uint32(len(buf))
	e.OpFlags = flags
	e.UserData = userData
	return true
}

// Enter publishes every prepared SQE, submits them and waits up to timeout
// for at least one completion. Timeouts and interrupted waits are not errors;
// the caller simply reaps whatever is available. A zero timeout submits
// without blocking.
func (r *Ring) Enter(timeout time.Duration) (int, error) {
	atomic.StoreUint32(r.sqTail, r.tail)
	toSubmit := r.tail - atomic.LoadUint32(r.sqHead)

	r.ts = unix.NsecToTimespec(timeout.Nanoseconds())
	r.arg = getEventsArg{SigmaskSz: 8, Ts: uint64(uintptr(unsafe.Pointer(&r.ts)))}

	n, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(r.fd),
		uintptr(toSubmit),
		1,
		enterGetEvents|enterExtArg,
		uintptr(unsafe.Pointer(&r.arg)),
		unsafe.Sizeof(r.arg),
	)
	runtime.KeepAlive(r)

	switch errno {
	case 0:
		return int(n), nil
	case unix.ETIME, unix.EINTR, unix.EAGAIN, unix.EBUSY:
		return 0, nil
	default:
		return 0, fmt.Errorf("io_uring_enter: %w", errno)
	}
}

// Reap calls fn for every available completion and then releases them.
// fn may prepare new SQEs.
func (r *Ring) Reap(fn func(userData uint64, res int32)) int {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)

	count := 0
	for ; head != tail; head++ {
		c := &r.cqes[head&r.cqMask]
		fn(c.UserData, c.Res)
		count++
	}
	atomic.StoreUint32(r.cqHead, head)
	return count
}

func (r *Ring) Close() error {
	for _, m := range [][]byte{r.sqesMap, r.cqRing, r.sqRing} {
		if m != nil {
			_ = unix.Munmap(m)
		}
	}
	r.sqesMap, r.cqRing, r.sqRing = nil, nil, nil

	if r.fd >= 0 {
		err := unix.Close(r.fd)
		r.fd = -1
		return err
	}
	return nil
}
