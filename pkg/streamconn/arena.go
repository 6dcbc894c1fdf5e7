/*
 * Copyright (c) 2024, The edgerelay Authors
 * All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package streamconn

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// Handle is a stable, generation-tagged reference to a descriptor slot.
// A stale handle (whose slot was recycled) resolves to nil instead of a
// reused descriptor. The zero Handle refers to nothing.
type Handle uint64

func makeHandle(idx, gen uint32) Handle {
	return Handle(uint64(idx)<<32 | uint64(gen))
}

func (h Handle) idx() uint32 { return uint32(h >> 32) }
func (h Handle) gen() uint32 { return uint32(h) }

// IsZero reports whether the handle refers to nothing.
func (h Handle) IsZero() bool { return h == 0 }

// Arena owns the storage of all endpoint descriptors. Handles into the
// arena, not raw pointers, are what descriptors use to refer to their
// peers, so a freed peer can never be dereferenced by accident.
type Arena struct {
	mu    sync.Mutex
	slots []*Descriptor
	gens  []uint32
	free  []uint32
	live  int

	// Limit caps the number of live descriptors, 0 means unlimited.
	// Exceeding it makes Alloc fail, which models allocation failure
	// for callers that must roll back.
	Limit int

	allocs atomic.Uint64
	frees  atomic.Uint64
}

// NewArena creates an empty descriptor arena.
func NewArena() *Arena {
	return &Arena{}
}

// Alloc returns a fresh detached descriptor, or nil when the arena
// limit is reached.
func (a *Arena) Alloc() *Descriptor {
	a.mu.Lock()
	if a.Limit > 0 && a.live >= a.Limit {
		a.mu.Unlock()
		return nil
	}
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, nil)
		a.gens = append(a.gens, 0)
	}
	a.gens[idx]++
	d := &Descriptor{
		arena:  a,
		handle: makeHandle(idx, a.gens[idx]),
	}
	d.lra.Store(eternity)
	d.fsb.Store(eternity)
	a.slots[idx] = d
	a.live++
	a.mu.Unlock()

	a.allocs.Add(1)
	return d
}

// Release returns a descriptor to the arena. The caller must guarantee
// the descriptor is unpaired and no longer shared.
func (a *Arena) Release(d *Descriptor) {
	if d == nil {
		return
	}
	if d.peer.Load() != 0 {
		panic("streamconn: descriptor " + d.handle.String() + " released while still paired")
	}
	a.mu.Lock()
	idx := d.handle.idx()
	if a.slots[idx] != d {
		a.mu.Unlock()
		panic("streamconn: double release of descriptor " + d.handle.String())
	}
	a.slots[idx] = nil
	a.free = append(a.free, idx)
	a.live--
	a.mu.Unlock()

	a.frees.Add(1)
}

// Get resolves a handle, returning nil when it is zero or stale.
func (a *Arena) Get(h Handle) *Descriptor {
	if h.IsZero() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := h.idx()
	if int(idx) >= len(a.slots) {
		return nil
	}
	d := a.slots[idx]
	if d == nil || a.gens[idx] != h.gen() {
		return nil
	}
	return d
}

// Stats reports allocation counters and the number of live descriptors.
func (a *Arena) Stats() (allocs, frees uint64, live int) {
	a.mu.Lock()
	live = a.live
	a.mu.Unlock()
	return a.allocs.Load(), a.frees.Load(), live
}

func (h Handle) String() string {
	if h.IsZero() {
		return "<nil>"
	}
	return "#" + strconv.FormatUint(uint64(h.idx()), 10) +
		"." + strconv.FormatUint(uint64(h.gen()), 10)
}
