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

	"gvisor.dev/shadow/pkg/paging"
)

// allocShadowLocked allocates and registers a shadow of typ over gfn. On
// pool exhaustion it reclaims and retries once; a second failure means the
// live working set genuinely exceeds the pool.
//
// +checklocks:d.mu
func (d *Domain) allocShadowLocked(typ Type, gfn paging.Gfn) (handle, error) {
	d.flushIfPendingLocked()
	h, err := d.arena.alloc(typ, gfn)
	if err != nil {
		if rerr := d.reclaimLocked(typ.Pages()); rerr != nil {
			return handle{}, rerr
		}
		if h, err = d.arena.alloc(typ, gfn); err != nil {
			return handle{}, fmt.Errorf("allocating %s shadow of %#x: %w", typ, gfn, err)
		}
	}
	d.stats.Allocs++
	if typ.table() && !d.cache.tableShadowed(gfn) {
		// First table shadow over this frame: every writable alias must
		// go before guest writes can be trapped.
		if err := d.removeWritableMappingsLocked(gfn); err != nil {
			return handle{}, err
		}
		d.protectFrame(gfn)
	}
	if err := d.cache.insert(gfn, typ, h); err != nil {
		return handle{}, d.poisonLocked(err)
	}
	return h, nil
}

// removeWritableMappingsLocked strips the writable bit from every shadow
// leaf entry mapping gfn's machine frame. Called when the frame becomes a
// shadowed page table; from then on guest writes to it must fault. The scan
// is brute force over the pool.
//
// +checklocks:d.mu
func (d *Domain) removeWritableMappingsLocked(gfn paging.Gfn) error {
	mfn, ok := d.opts.Memory.Translate(gfn)
	if !ok {
		return nil
	}
	removed := 0
	var werr error
	d.arena.forEach(func(h handle, s *shadow) {
		if werr != nil {
			return
		}
		if s.typ.Role != RoleL1 && s.typ.Role != RoleFL1 {
			return
		}
		for pi := range s.pages {
			for si, w := range s.pages[pi].data {
				if !hostPresent(w) || hostMfn(w) != mfn {
					continue
				}
				e := paging.Entry(w)
				if !e.Writable() {
					continue
				}
				f := e.Flags(paging.GL4)
				f.Writable = false
				if err := d.writeSlotLocked(h, pi, si, hostEntry(mfn, f), handle{}); err != nil {
					werr = err
					return
				}
				removed++
			}
		}
	})
	if werr != nil {
		return werr
	}
	if removed > 0 {
		d.flushAllLocked()
	}
	return nil
}

// reclaimLocked frees pool frames until at least need are available:
// resync the out-of-sync set, then unpin roots no vCPU runs on, oldest pin
// first, then unhook the guest mappings below the active roots so their
// trees collapse and rebuild on demand.
//
// +checklocks:d.mu
func (d *Domain) reclaimLocked(need int) error {
	d.stats.Reclaims++
	d.log.Debugf("reclaiming shadow frames: need %d, free %d", need, d.arena.freeCount())

	if err := d.resyncAllLocked(); err != nil {
		return err
	}

	// Shadows nothing links or pins can go straight away.
	var orphans []handle
	d.arena.forEach(func(h handle, s *shadow) {
		if s.refs == 0 && s.pins == 0 {
			orphans = append(orphans, h)
		}
	})
	for _, h := range orphans {
		d.destroyIfUnreferencedLocked(h)
	}
	if d.arena.freeCount() >= need {
		return nil
	}

	active := make(map[handle]bool, len(d.vcpus))
	for _, v := range d.vcpus {
		if v.hasRoot {
			active[v.root] = true
		}
	}
	for s := d.pinned.Front(); s != nil && d.arena.freeCount() < need; {
		next := d.pinned.Next(s)
		if !active[s.self] {
			d.log.Debugf("reclaim: unpinning %s root of %#x", s.typ, s.gfn)
			if err := d.unpinAllLocked(s.self); err != nil {
				return err
			}
		}
		s = next
	}
	if d.arena.freeCount() >= need {
		return nil
	}

	for _, v := range d.vcpus {
		if d.arena.freeCount() >= need {
			break
		}
		if !v.hasRoot {
			continue
		}
		d.log.Debugf("reclaim: unhooking mappings below vCPU %d root", v.id)
		if err := d.unhookRootLocked(v.root); err != nil {
			return err
		}
	}
	d.flushAllLocked()

	if free := d.arena.freeCount(); free < need {
		return fmt.Errorf("%w: %d frames free after reclaim, need %d", ErrNoShadowMemory, free, need)
	}
	return nil
}

// unhookRootLocked clears the guest-controlled entries of a root shadow,
// releasing the tree below it while the root itself stays pinned and in
// place. PV roots keep their hypervisor half; monitors keep their linkage
// and lose only guest content.
//
// +checklocks:d.mu
func (d *Domain) unhookRootLocked(h handle) error {
	s := d.arena.deref(h)
	if s == nil {
		return d.poisonLocked(fmt.Errorf("%w: unhooking stale root handle", ErrInvariant))
	}
	switch s.typ.Role {
	case RoleL4:
		n := shadowEntries
		if s.typ.Mode == ModePV {
			n = shadowEntries / 2
		}
		return d.clearSlotsLocked(h, 0, 0, n)
	case RoleMonitor:
		if s.typ.Levels == 3 {
			// The embedded top level rebuilds from the guest's top
			// table at the next fault.
			return d.clearSlotsLocked(h, monitorL3Page, 0, d.g.Entries(3))
		}
		// 2-level guests: the monitor linkage is synthetic and must
		// survive; collapse the directory shadow below it instead.
		l2, ok := d.cache.lookup(s.gfn, Type{Role: RoleL2, Levels: s.typ.Levels, Mode: s.typ.Mode})
		if !ok {
			return nil
		}
		ls := d.arena.deref(l2)
		for pi := range ls.pages {
			if err := d.clearSlotsLocked(l2, pi, 0, shadowEntries); err != nil {
				return err
			}
		}
		return nil
	}
	return d.poisonLocked(fmt.Errorf("%w: %s shadow pinned as a root", ErrInvariant, s.typ))
}
