// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shadow

import (
	"fmt"

	"gvisor.dev/shadow/pkg/ilist"
	"gvisor.dev/shadow/pkg/memutil"
	"gvisor.dev/shadow/pkg/paging"
)

// poolBase is the machine frame number of the first pool frame when the
// pool is heap backed. Synthetic but stable; embedders must keep guest
// machine frames below it or use a mapped pool.
const poolBase paging.Mfn = 0x100000

// handle identifies a shadow object in the arena. Handles are stable across
// the object's lifetime and detectably stale after it is freed. The zero
// handle is invalid.
type handle struct {
	idx uint32
	gen uint32
}

// valid returns true if h could name an object; it may still be stale.
func (h handle) valid() bool { return h.gen != 0 }

// parentLink records one shadow entry referencing this object: the owning
// object and the page and slot of the entry. Links are bookkeeping for O(1)
// unhooking, not references; the reference is the entry itself.
type parentLink struct {
	owner handle
	page  int
	slot  int
}

// spage is one host frame of a shadow object.
type spage struct {
	mfn  paging.Mfn
	data []uint64
}

// shadow is one shadow object: 1, 2 or 4 host frames plus metadata. The
// refcount counts parent entries linking any page of the object, plus one
// per pin.
type shadow struct {
	typ  Type
	gfn  paging.Gfn
	refs int32
	pins int32
	live bool
	gen  uint32
	self handle

	pages   []spage
	parents []parentLink

	// pinLink chains pinned roots in pin order for reclamation.
	pinLink ilist.Entry[shadow]

	// syncWrites counts consecutive trapped writes to the backing guest
	// table since the last quiet period; feeds the out-of-sync heuristic.
	syncWrites int

	// dataFaults counts write faults that hit this shadow's guest frame
	// as plain data; feeds the emergency unshadow heuristic.
	dataFaults int
}

// addParent records a parent entry now linking this object.
func (s *shadow) addParent(pl parentLink) {
	s.parents = append(s.parents, pl)
}

// removeParent drops the link matching pl. Missing links are an invariant
// break detected by audit, not here.
func (s *shadow) removeParent(pl parentLink) {
	for i := range s.parents {
		if s.parents[i] == pl {
			last := len(s.parents) - 1
			s.parents[i] = s.parents[last]
			s.parents = s.parents[:last]
			return
		}
	}
}

// frameOwner maps a pool frame back to the object and page occupying it.
type frameOwner struct {
	slot uint32
	page uint16
	used bool
}

// arena owns the shadow frame pool: fixed-capacity page storage plus the
// object table the cache and reference graph index into. Pure storage; the
// domain layers refcounting and cascades on top.
type arena struct {
	base    paging.Mfn
	backing []byte // non-nil iff mapped

	frames     [][]uint64
	owner      []frameOwner
	freeFrames []uint32

	slots     []shadow
	freeSlots []uint32

	inUse int
	live  int
}

// newArena creates a pool of the given number of frames. When mapped is set
// the pool is an anonymous mapping outside the Go heap and frame numbers are
// real host page frame numbers; otherwise the pool is heap backed with
// synthetic frame numbers starting at poolBase.
func newArena(poolFrames int, mapped bool) (*arena, error) {
	a := &arena{
		frames:     make([][]uint64, poolFrames),
		owner:      make([]frameOwner, poolFrames),
		freeFrames: make([]uint32, 0, poolFrames),
		slots:      make([]shadow, poolFrames),
		freeSlots:  make([]uint32, 0, poolFrames),
	}
	if mapped {
		b, err := memutil.MapAnon(uintptr(poolFrames) * paging.PageSize)
		if err != nil {
			return nil, fmt.Errorf("mapping %d pool frames: %w", poolFrames, err)
		}
		a.backing = b
		a.base = mappingBase(b)
		for i := 0; i < poolFrames; i++ {
			a.frames[i] = frameWords(b[i*paging.PageSize : (i+1)*paging.PageSize])
		}
	} else {
		a.base = poolBase
		slab := make([]uint64, poolFrames*shadowEntries)
		for i := 0; i < poolFrames; i++ {
			a.frames[i] = slab[i*shadowEntries : (i+1)*shadowEntries : (i+1)*shadowEntries]
		}
	}
	// Free stacks are LIFO; push in reverse so low indices come out first.
	for i := poolFrames - 1; i >= 0; i-- {
		a.freeFrames = append(a.freeFrames, uint32(i))
		a.freeSlots = append(a.freeSlots, uint32(i))
		a.slots[i].gen = 1
	}
	return a, nil
}

// destroy releases the backing store. No objects may be live.
func (a *arena) destroy() error {
	if a.live != 0 {
		return fmt.Errorf("%w: destroying arena with %d live shadows", ErrInvariant, a.live)
	}
	if a.backing != nil {
		if err := memutil.UnmapSlice(a.backing); err != nil {
			return fmt.Errorf("unmapping pool: %w", err)
		}
		a.backing = nil
	}
	a.frames = nil
	return nil
}

// freeCount returns the number of unallocated pool frames.
func (a *arena) freeCount() int { return len(a.freeFrames) }

// capacity returns the pool size in frames.
func (a *arena) capacity() int { return len(a.frames) }

// framesInUse returns the number of allocated pool frames.
func (a *arena) framesInUse() int { return a.inUse }

// liveShadows returns the number of live shadow objects.
func (a *arena) liveShadows() int { return a.live }

// alloc carves a zeroed shadow object of the given type out of the pool.
// Returns ErrNoShadowMemory when the pool cannot cover the object; the
// caller is expected to reclaim and retry.
func (a *arena) alloc(typ Type, gfn paging.Gfn) (handle, error) {
	need := typ.Pages()
	if len(a.freeFrames) < need || len(a.freeSlots) == 0 {
		return handle{}, ErrNoShadowMemory
	}

	idx := a.freeSlots[len(a.freeSlots)-1]
	a.freeSlots = a.freeSlots[:len(a.freeSlots)-1]

	s := &a.slots[idx]
	s.typ = typ
	s.gfn = gfn
	s.refs = 0
	s.pins = 0
	s.live = true
	s.self = handle{idx: idx, gen: s.gen}
	s.pages = make([]spage, need)
	s.parents = nil
	s.syncWrites = 0
	s.dataFaults = 0

	for p := 0; p < need; p++ {
		fi := a.freeFrames[len(a.freeFrames)-1]
		a.freeFrames = a.freeFrames[:len(a.freeFrames)-1]
		w := a.frames[fi]
		clear(w)
		a.owner[fi] = frameOwner{slot: idx, page: uint16(p), used: true}
		s.pages[p] = spage{mfn: a.base + paging.Mfn(fi), data: w}
	}

	a.inUse += need
	a.live++
	return s.self, nil
}

// free returns the object's frames to the pool. The object must be live
// with no references; the caller has already unhooked it everywhere.
func (a *arena) free(h handle) error {
	s := a.deref(h)
	if s == nil {
		return fmt.Errorf("%w: freeing stale handle %v", ErrInvariant, h)
	}
	if s.refs != 0 || s.pins != 0 {
		return fmt.Errorf("%w: freeing %s shadow of %#x with refs=%d pins=%d",
			ErrInvariant, s.typ, s.gfn, s.refs, s.pins)
	}
	for _, pg := range s.pages {
		fi := uint32(pg.mfn - a.base)
		a.owner[fi] = frameOwner{}
		a.freeFrames = append(a.freeFrames, fi)
	}
	a.inUse -= len(s.pages)
	a.live--
	s.live = false
	s.gen++
	s.self = handle{}
	s.pages = nil
	s.parents = nil
	a.freeSlots = append(a.freeSlots, h.idx)
	return nil
}

// deref resolves a handle to its object, or nil if the handle is stale or
// invalid.
func (a *arena) deref(h handle) *shadow {
	if !h.valid() || int(h.idx) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.idx]
	if !s.live || s.gen != h.gen {
		return nil
	}
	return s
}

// byMfn resolves a machine frame to the shadow object and page occupying
// it. Frames outside the pool (guest data frames in leaf entries) resolve
// to nothing.
func (a *arena) byMfn(mfn paging.Mfn) (handle, int, bool) {
	if mfn < a.base {
		return handle{}, 0, false
	}
	fi := uint64(mfn - a.base)
	if fi >= uint64(len(a.owner)) || !a.owner[fi].used {
		return handle{}, 0, false
	}
	o := a.owner[fi]
	return handle{idx: o.slot, gen: a.slots[o.slot].gen}, int(o.page), true
}

// forEach calls fn for every live object. fn must not allocate or free.
func (a *arena) forEach(fn func(handle, *shadow)) {
	for i := range a.slots {
		s := &a.slots[i]
		if s.live {
			fn(handle{idx: uint32(i), gen: s.gen}, s)
		}
	}
}

// pinList returns an intrusive list configured for chaining shadows through
// their pin links.
func pinList() ilist.List[shadow] {
	return ilist.New(func(s *shadow) *ilist.Entry[shadow] { return &s.pinLink })
}
