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

// A shadow's reference count is the number of present parent slots linking
// it plus its pin count. The count hitting zero destroys the shadow
// immediately; there is no deferred sweep.

// +checklocks:d.mu
func (d *Domain) getRefLocked(h handle) {
	s := d.arena.deref(h)
	if s == nil {
		_ = d.poisonLocked(fmt.Errorf("%w: taking a reference through a stale handle", ErrInvariant))
		return
	}
	s.refs++
}

// +checklocks:d.mu
func (d *Domain) putRefLocked(h handle) error {
	s := d.arena.deref(h)
	if s == nil {
		return d.poisonLocked(fmt.Errorf("%w: dropping a reference through a stale handle", ErrInvariant))
	}
	s.refs--
	if s.refs < 0 {
		return d.poisonLocked(fmt.Errorf("%w: negative refcount on %s shadow of %#x", ErrInvariant, s.typ, s.gfn))
	}
	if s.refs == 0 && s.pins == 0 {
		return d.destroyShadowLocked(h)
	}
	return nil
}

// pinLocked keeps a root shadow alive independent of parent links. Pins
// nest; each vCPU running on a root holds one.
//
// +checklocks:d.mu
func (d *Domain) pinLocked(h handle) {
	s := d.arena.deref(h)
	if s == nil {
		_ = d.poisonLocked(fmt.Errorf("%w: pinning a stale handle", ErrInvariant))
		return
	}
	s.pins++
	if s.pins == 1 {
		d.pinned.PushBack(s)
	}
	s.refs++
}

// +checklocks:d.mu
func (d *Domain) unpinOnceLocked(h handle) error {
	s := d.arena.deref(h)
	if s == nil {
		return d.poisonLocked(fmt.Errorf("%w: unpinning a stale handle", ErrInvariant))
	}
	if s.pins <= 0 {
		return d.poisonLocked(fmt.Errorf("%w: unpinning %s shadow of %#x with no pins", ErrInvariant, s.typ, s.gfn))
	}
	s.pins--
	if s.pins == 0 {
		d.pinned.Remove(s)
	}
	return d.putRefLocked(h)
}

// +checklocks:d.mu
func (d *Domain) unpinAllLocked(h handle) error {
	s := d.arena.deref(h)
	if s == nil {
		return d.poisonLocked(fmt.Errorf("%w: unpinning a stale handle", ErrInvariant))
	}
	for s.pins > 0 {
		if err := d.unpinOnceLocked(h); err != nil {
			return err
		}
	}
	return nil
}

// destroyShadowLocked frees a shadow whose last reference just went away.
// Dropping its own entries cascades into the children; the whole subtree
// below an unreferenced interior shadow dies with it.
//
// +checklocks:d.mu
func (d *Domain) destroyShadowLocked(h handle) error {
	s := d.arena.deref(h)
	if s == nil {
		return d.poisonLocked(fmt.Errorf("%w: destroying a stale handle", ErrInvariant))
	}
	if s.refs != 0 || s.pins != 0 {
		return d.poisonLocked(fmt.Errorf("%w: destroying %s shadow of %#x with refs=%d pins=%d",
			ErrInvariant, s.typ, s.gfn, s.refs, s.pins))
	}
	gfn := s.gfn
	d.cache.remove(gfn, s.typ)
	// Whether this was the frame's last table shadow must be decided now:
	// the cascade below may destroy other shadows of the same frame.
	lastTable := s.typ.table() && !d.cache.tableShadowed(gfn)

	for pi := range s.pages {
		for si := range s.pages[pi].data {
			if !hostPresent(s.pages[pi].data[si]) {
				continue
			}
			if err := d.writeSlotLocked(h, pi, si, 0, handle{}); err != nil {
				return err
			}
		}
	}
	if len(s.parents) != 0 {
		return d.poisonLocked(fmt.Errorf("%w: %s shadow of %#x has %d parent links at zero refs",
			ErrInvariant, s.typ, gfn, len(s.parents)))
	}

	if lastTable {
		if d.oos.has(gfn) {
			// Out-of-sync frames were unprotected when marked.
			d.dropOOSLocked(gfn)
		} else {
			d.unprotectFrame(gfn)
		}
	}
	if err := d.arena.free(h); err != nil {
		return d.poisonLocked(err)
	}
	d.stats.Frees++
	// The freed frames may still be reachable through a TLB; they must
	// not be reused before a full flush.
	d.pendingFlush = true
	return nil
}

// destroyIfUnreferencedLocked frees a shadow that has no links and no
// pins, as happens when an error interrupts construction between creating
// a child and linking it.
//
// +checklocks:d.mu
func (d *Domain) destroyIfUnreferencedLocked(h handle) {
	s := d.arena.deref(h)
	if s != nil && s.refs == 0 && s.pins == 0 {
		_ = d.destroyShadowLocked(h)
	}
}

// unhookParentsLocked clears every parent slot linking the shadow. The last
// unhook drops the last reference and frees it unless it is pinned.
//
// +checklocks:d.mu
func (d *Domain) unhookParentsLocked(h handle) error {
	s := d.arena.deref(h)
	if s == nil {
		return nil
	}
	parents := append([]parentLink(nil), s.parents...)
	for _, pl := range parents {
		if err := d.writeSlotLocked(pl.owner, pl.page, pl.slot, 0, handle{}); err != nil {
			return err
		}
		if !s.live {
			return nil
		}
	}
	if len(s.parents) != 0 {
		return d.poisonLocked(fmt.Errorf("%w: %s shadow of %#x still has parent links after unhook",
			ErrInvariant, s.typ, s.gfn))
	}
	return nil
}

// invalidateAllLocked tears down every shadow of a guest frame: vCPUs
// running on it lose their root, pins are released, parent links cleared,
// and the shadows destroyed. The frame reverts to plain memory.
//
// +checklocks:d.mu
func (d *Domain) invalidateAllLocked(gfn paging.Gfn) error {
	types := d.cache.typesOf(gfn)
	if len(types) == 0 {
		return nil
	}
	d.stats.Unshadows++
	for _, t := range types {
		h, ok := d.cache.lookup(gfn, t)
		if !ok {
			// Already gone; a cascade from an earlier type took it.
			continue
		}
		s := d.arena.deref(h)
		if s == nil {
			continue
		}
		for _, v := range d.vcpus {
			if v.hasRoot && v.root == h {
				v.hasRoot = false
			}
		}
		if s.pins > 0 {
			if err := d.unpinAllLocked(h); err != nil {
				return err
			}
			if d.arena.deref(h) == nil {
				continue
			}
		}
		if err := d.unhookParentsLocked(h); err != nil {
			return err
		}
		if d.arena.deref(h) == nil {
			continue
		}
		if s.refs != 0 || s.pins != 0 {
			return d.poisonLocked(fmt.Errorf("%w: %s shadow of %#x referenced after unhook (refs=%d pins=%d)",
				ErrInvariant, t, gfn, s.refs, s.pins))
		}
		if err := d.destroyShadowLocked(h); err != nil {
			return err
		}
	}
	d.dropOOSLocked(gfn)
	d.flushAllLocked()
	return nil
}

// InvalidateAll removes every shadow of gfn. Used when the embedder knows
// the frame stopped being a page table: ballooned out, remapped, or freed
// by the guest.
func (d *Domain) InvalidateAll(gfn paging.Gfn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	if err := d.invalidateAllLocked(gfn); err != nil {
		return err
	}
	d.auditMaybeLocked()
	return nil
}

// SwitchRoot emulates a guest root switch (CR3 load) on this vCPU: the
// out-of-sync set is brought back in sync, the shadow tree over rootGFN is
// created or found, pinned, and its machine frame returned for the embedder
// to load as the real root. The previous root, if any, is unpinned.
func (v *VCPU) SwitchRoot(rootGFN paging.Gfn) (paging.Mfn, error) {
	d := v.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}
	if err := d.resyncAllLocked(); err != nil {
		return 0, err
	}
	h, err := d.ensureRootLocked(rootGFN)
	if err != nil {
		return 0, err
	}
	d.pinLocked(h)
	if v.hasRoot {
		prev := v.root
		v.hasRoot = false
		if err := d.unpinOnceLocked(prev); err != nil {
			return 0, err
		}
	}
	v.root = h
	v.rootGFN = rootGFN
	v.hasRoot = true
	d.dirty |= v.bit()
	if d.opts.TLB != nil {
		d.opts.TLB.FlushAll(v.bit())
	}
	d.flushIfPendingLocked()
	s := d.arena.deref(h)
	d.auditMaybeLocked()
	return s.pages[0].mfn, nil
}

// PinRoot keeps the shadow tree over the guest root at rootGFN alive with
// no vCPU running on it, the way paravirtualized kernels pin their page
// tables before pointing CR3 at them. Each call holds one pin until the
// matching UnpinRoot. Pinned roots still fall to InvalidateAll, Destroy
// and, as a last resort, allocator pressure.
func (d *Domain) PinRoot(rootGFN paging.Gfn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	h, err := d.ensureRootLocked(rootGFN)
	if err != nil {
		return err
	}
	d.pinLocked(h)
	d.flushIfPendingLocked()
	d.auditMaybeLocked()
	return nil
}

// UnpinRoot releases one PinRoot. Pins held on behalf of vCPUs currently
// running on the root are not the caller's to release.
func (d *Domain) UnpinRoot(rootGFN paging.Gfn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	rt := rootType(d.opts.GuestLevels, d.opts.Mode)
	h, ok := d.cache.lookup(rootGFN, rt)
	if !ok {
		return fmt.Errorf("%w: no root shadow at %#x", ErrNotShadowed, rootGFN)
	}
	s := d.arena.deref(h)
	if s == nil {
		return fmt.Errorf("%w: no root shadow at %#x", ErrNotShadowed, rootGFN)
	}
	inUse := 0
	for _, v := range d.vcpus {
		if v.hasRoot && v.root == h {
			inUse++
		}
	}
	if int(s.pins) <= inUse {
		return fmt.Errorf("%w: root at %#x has no explicit pin", ErrNotShadowed, rootGFN)
	}
	if err := d.unpinOnceLocked(h); err != nil {
		return err
	}
	d.flushIfPendingLocked()
	d.auditMaybeLocked()
	return nil
}

// Root returns the machine frame of the vCPU's current root shadow.
func (v *VCPU) Root() (paging.Mfn, bool) {
	d := v.d
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !v.hasRoot {
		return 0, false
	}
	s := d.arena.deref(v.root)
	if s == nil {
		return 0, false
	}
	return s.pages[0].mfn, true
}

// FlushTLB emulates a guest full TLB flush on this vCPU, one of the
// boundaries at which out-of-sync tables must be brought back in sync.
func (v *VCPU) FlushTLB() error {
	d := v.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	if err := d.resyncAllLocked(); err != nil {
		return err
	}
	if d.opts.TLB != nil {
		d.opts.TLB.FlushAll(v.bit())
	}
	d.flushIfPendingLocked()
	d.auditMaybeLocked()
	return nil
}

// Destroy tears the domain down: every vCPU root is unpinned, every shadow
// freed, and the pool released. Poisoned domains can be destroyed; nothing
// else works on them.
func (d *Domain) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	for _, v := range d.vcpus {
		if !v.hasRoot {
			continue
		}
		h := v.root
		v.hasRoot = false
		if err := d.unpinOnceLocked(h); err != nil {
			return err
		}
	}
	for d.cache.len() > 0 {
		var gfn paging.Gfn
		d.cache.ascend(func(k cacheKey, _ handle) bool {
			gfn = k.gfn
			return false
		})
		if err := d.invalidateAllLocked(gfn); err != nil {
			return err
		}
	}
	if !d.pinned.Empty() {
		return d.poisonLocked(fmt.Errorf("%w: pinned shadows survived teardown", ErrInvariant))
	}
	if n := d.oos.count(); n != 0 {
		return d.poisonLocked(fmt.Errorf("%w: %d frames out of sync with no shadows", ErrInvariant, n))
	}
	d.flushAllLocked()
	if err := d.arena.destroy(); err != nil {
		return d.poisonLocked(err)
	}
	d.destroyed = true
	d.vcpus = nil
	d.log.Debug("Shadow domain destroyed")
	return nil
}
