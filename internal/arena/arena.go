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

// Package arena is a slab of reusable values addressed by generation-checked
// integer handles. A handle that outlived its slot resolves to nil, so it can
// travel through the kernel as an opaque tag without ever dangling.
package arena

import "iter"

// Handle identifies one occupancy of a slot: low 32 bits are the slot index,
// high 32 bits the slot generation. The zero Handle never resolves.
type Handle uint64

func makeHandle(idx, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(idx))
}

// Index returns the slot index of h.
func (h Handle) Index() uint32 { return uint32(h) }

// Generation returns the generation of h.
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

type slot[V any] struct {
	val  *V
	gen  uint32
	used bool
}

// Arena is not safe for concurrent use; it is owned by a single event loop.
type Arena[V any] struct {
	slots []slot[V]
	free  []uint32
	alloc func() *V
	live  int
}

// New creates an arena whose slots are populated lazily by alloc. Values are
// allocated once per slot and handed out again after Free.
func New[V any](capacity int, alloc func() *V) *Arena[V] {
	if alloc == nil {
		alloc = func() *V { return new(V) }
	}
	return &Arena[V]{
		slots: make([]slot[V], 0, capacity),
		free:  make([]uint32, 0, capacity),
		alloc: alloc,
	}
}

// Alloc takes a free slot, growing the arena when none is left.
func (a *Arena[V]) Alloc() (Handle, *V) {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[V]{val: a.alloc()})
	}

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		// generation 0 is reserved for the zero Handle.
		s.gen = 1
	}
	s.used = true
	a.live++
	return makeHandle(idx, s.gen), s.val
}

// Get resolves h, returning nil if the slot was freed or reused since.
func (a *Arena[V]) Get(h Handle) *V {
	idx := h.Index()
	if int(idx) >= len(a.slots) {
		return nil
	}
	if s := &a.slots[idx]; s.used && s.gen == h.Generation() {
		return s.val
	}
	return nil
}

// At resolves a bare slot index regardless of generation.
func (a *Arena[V]) At(idx uint32) (Handle, *V) {
	if int(idx) >= len(a.slots) {
		return 0, nil
	}
	if s := &a.slots[idx]; s.used {
		return makeHandle(idx, s.gen), s.val
	}
	return 0, nil
}

// Free releases the slot of h. It reports false if h was already released.
func (a *Arena[V]) Free(h Handle) bool {
	if a.Get(h) == nil {
		return false
	}
	idx := h.Index()
	a.slots[idx].used = false
	a.free = append(a.free, idx)
	a.live--
	return true
}

// Len returns the number of live values.
func (a *Arena[V]) Len() int { return a.live }

// Range yields every live value. Freeing during iteration is allowed.
func (a *Arena[V]) Range() iter.Seq2[Handle, *V] {
	return func(yield func(Handle, *V) bool) {
		for i := range a.slots {
			s := &a.slots[i]
			if s.used && !yield(makeHandle(uint32(i), s.gen), s.val) {
				return
			}
		}
	}
}
