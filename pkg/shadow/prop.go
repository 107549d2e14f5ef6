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

// Shadow tables are host format: 4-level, 8-byte entries. Shadow words are
// encoded and decoded with the 4-level geometry regardless of the guest's.
func hostEntry(mfn paging.Mfn, f paging.Flags) uint64 {
	return uint64(paging.Make(paging.GL4, uint64(mfn), f))
}

func hostPresent(w uint64) bool {
	return paging.Entry(w).Present()
}

func hostMfn(w uint64) paging.Mfn {
	return paging.Mfn(paging.Entry(w).Frame(paging.GL4, 1))
}

// writeSlotLocked is the single point through which shadow entries change.
// It maintains the reference graph: dropping the reference a previously
// present entry held (cascading the free if that was the last one) and
// recording the new link. child names the object word references, or the
// zero handle for leaf entries mapping guest data.
//
// +checklocks:d.mu
func (d *Domain) writeSlotLocked(ownH handle, page, slot int, word uint64, child handle) error {
	own := d.arena.deref(ownH)
	if own == nil {
		return d.poisonLocked(fmt.Errorf("%w: slot write through stale handle", ErrInvariant))
	}
	old := own.pages[page].data[slot]
	if old == word {
		return nil
	}
	if hostPresent(old) {
		if oldH, _, ok := d.arena.byMfn(hostMfn(old)); ok && oldH != ownH {
			oldChild := d.arena.deref(oldH)
			oldChild.removeParent(parentLink{owner: ownH, page: page, slot: slot})
			own.pages[page].data[slot] = 0
			if err := d.putRefLocked(oldH); err != nil {
				return err
			}
		}
	}
	own.pages[page].data[slot] = word
	if hostPresent(word) && child.valid() && child != ownH {
		ch := d.arena.deref(child)
		if ch == nil {
			return d.poisonLocked(fmt.Errorf("%w: linking stale child handle", ErrInvariant))
		}
		ch.addParent(parentLink{owner: ownH, page: page, slot: slot})
		d.getRefLocked(child)
	}
	return nil
}

// clearSlotsLocked empties n consecutive slots.
//
// +checklocks:d.mu
func (d *Domain) clearSlotsLocked(h handle, page, slot, n int) error {
	for k := 0; k < n; k++ {
		if err := d.writeSlotLocked(h, page, slot+k, 0, handle{}); err != nil {
			return err
		}
	}
	return nil
}

// tableProtectedLocked returns true if guest writes to gfn must trap: the
// frame backs an in-sync table shadow. Shadow leaf entries mapping such a
// frame are never writable.
//
// +checklocks:d.mu
func (d *Domain) tableProtectedLocked(gfn paging.Gfn) bool {
	return d.cache.tableShadowed(gfn) && !d.oos.has(gfn)
}

// propagateIndexLocked translates guest entry gi of the shadow's backing
// table into the corresponding shadow entry or entries. forWrite is true
// when the propagation resolves a write access, which drives dirty-bit
// emulation.
//
// +checklocks:d.mu
func (d *Domain) propagateIndexLocked(h handle, gi int, forWrite bool) error {
	s := d.arena.deref(h)
	if s == nil {
		return d.poisonLocked(fmt.Errorf("%w: propagating through stale handle", ErrInvariant))
	}
	switch s.typ.Role {
	case RoleL1:
		ge, err := d.readGuestEntry(s.gfn, gi)
		if err != nil {
			return err
		}
		return d.propagateLeafLocked(h, gi, ge, forWrite)
	case RoleFL1:
		return d.propagateSplinterSlotLocked(h, gi)
	case RoleL2, RoleL3, RoleL4:
		ge, err := d.readGuestEntry(s.gfn, gi)
		if err != nil {
			return err
		}
		return d.propagateTableLocked(h, gi, ge, forWrite)
	case RoleMonitor:
		if s.typ.Levels != 3 {
			// The 2-level monitor is synthetic linkage only.
			return nil
		}
		ge, err := d.readGuestEntry(s.gfn, gi)
		if err != nil {
			return err
		}
		return d.propagateTableLocked(h, gi, ge, forWrite)
	}
	return d.poisonLocked(fmt.Errorf("%w: propagating %s shadow", ErrInvariant, s.typ))
}

// propagateLeafLocked propagates one guest leaf entry into a shadow leaf
// slot: narrow permissions, emulate accessed/dirty, translate the data
// frame.
//
// +checklocks:d.mu
func (d *Domain) propagateLeafLocked(h handle, gi int, ge paging.Entry, forWrite bool) error {
	s := d.arena.deref(h)
	page, slot, _ := s.typ.slotOf(gi)
	d.stats.Propagations++

	gf := ge.Flags(d.g)
	if !gf.Present {
		return d.clearSlotsLocked(h, page, slot, 1)
	}
	target := ge.Frame(d.g, 1)

	// Establishing the shadow entry sets the guest accessed bit; the
	// first write through it sets dirty and feeds the dirty log.
	newGe := ge.WithAccessed()
	setDirty := forWrite && gf.Writable && !gf.Dirty
	if setDirty {
		newGe = newGe.WithDirty()
		gf.Dirty = true
	}
	if newGe != ge {
		if err := d.writeGuestEntry(s.gfn, gi, newGe); err != nil {
			return err
		}
	}

	mfn, err := d.translateGfn(target)
	if err != nil {
		// The entry references memory the guest does not have. Leave
		// the slot empty; the guest observes a fault.
		if cerr := d.clearSlotsLocked(h, page, slot, 1); cerr != nil {
			return cerr
		}
		d.warn.Warnf("leaf entry %d of %#x references unbacked frame %#x", gi, s.gfn, target)
		return err
	}

	f := paging.Flags{
		Present:  true,
		Writable: gf.Writable && gf.Dirty && !d.tableProtectedLocked(target),
		User:     gf.User,
		Accessed: true,
		Dirty:    true,
		NoExec:   gf.NoExec,
	}
	if err := d.writeSlotLocked(h, page, slot, hostEntry(mfn, f), handle{}); err != nil {
		return err
	}
	if setDirty {
		d.markDirtyFrame(target)
	}
	return nil
}

// propagateTableLocked propagates one guest non-leaf entry: link the child
// table's shadow, or splinter a superpage mapping into a synthesized leaf
// table.
//
// +checklocks:d.mu
func (d *Domain) propagateTableLocked(h handle, gi int, ge paging.Entry, forWrite bool) error {
	s := d.arena.deref(h)
	t := s.typ
	glvl := t.guestLevel()
	sgfn := s.gfn
	page, slot, n := t.slotOf(gi)
	d.stats.Propagations++

	// The upper half of a PV root belongs to the hypervisor template;
	// guest content never reaches it.
	if t.Mode == ModePV && t.Role == RoleL4 && gi >= shadowEntries/2 {
		return nil
	}

	gf := ge.Flags(d.g)
	if !gf.Present {
		return d.clearSlotsLocked(h, page, slot, n)
	}

	if gf.Super {
		// Superpages exist only at the directory level. Huge mappings
		// above it are not offered to shadowed guests, and elsewhere
		// the bit is reserved. PV tables never map superpages.
		if glvl != 2 || t.Mode == ModePV {
			if err := d.clearSlotsLocked(h, page, slot, n); err != nil {
				return err
			}
			d.warn.Warnf("illegal superpage bit at level %d in entry %d of %#x", glvl, gi, s.gfn)
			return fmt.Errorf("%w: level-%d superpage", ErrBadGuestEntry, glvl)
		}
		return d.linkSplinterLocked(h, gi, ge, forWrite)
	}

	if t.Role == RoleMonitor {
		// PAE top entries carry only presence; permissions are
		// enforced below them.
		gf = paging.Flags{Present: true, Writable: true, User: true}
	}

	cgfn := ge.Frame(d.g, glvl)
	cr, ok := childRole(t.Role)
	if !ok {
		return d.poisonLocked(fmt.Errorf("%w: %s has no child role", ErrInvariant, t))
	}
	child, err := d.ensureChildLocked(Type{Role: cr, Levels: t.Levels, Mode: t.Mode}, cgfn)
	if err != nil {
		if d.arena.deref(h) != nil {
			if cerr := d.clearSlotsLocked(h, page, slot, n); cerr != nil {
				return cerr
			}
		}
		return err
	}
	// Creating the child can reclaim frames, and reclamation can unhook
	// and free the owner itself. The entry being filled went with it.
	if d.arena.deref(h) == nil {
		d.destroyIfUnreferencedLocked(child)
		return nil
	}

	if !gf.Accessed && t.Role != RoleMonitor {
		if err := d.writeGuestEntry(sgfn, gi, ge.WithAccessed()); err != nil {
			d.destroyIfUnreferencedLocked(child)
			return err
		}
	}

	f := paging.Flags{
		Present:  true,
		Writable: gf.Writable,
		User:     gf.User,
		Accessed: true,
		NoExec:   gf.NoExec,
	}
	ch := d.arena.deref(child)
	for k := 0; k < n; k++ {
		if err := d.writeSlotLocked(h, page, slot+k, hostEntry(ch.pages[k].mfn, f), child); err != nil {
			return err
		}
	}
	return nil
}

// linkSplinterLocked points directory slots at a splintered leaf table for
// a guest superpage mapping. The splinter carries the region's frame
// translations at full permissions; the directory link narrows to the
// superpage entry's own permissions, with the dirty-bit trap encoded as a
// read-only link until the first write sets dirty.
//
// +checklocks:d.mu
func (d *Domain) linkSplinterLocked(h handle, gi int, ge paging.Entry, forWrite bool) error {
	s := d.arena.deref(h)
	t := s.typ
	sgfn := s.gfn
	page, slot, n := t.slotOf(gi)
	base := ge.Frame(d.g, 2)
	gf := ge.Flags(d.g)

	child, err := d.ensureChildLocked(Type{Role: RoleFL1, Levels: t.Levels, Mode: t.Mode}, base)
	if err != nil {
		if d.arena.deref(h) != nil {
			if cerr := d.clearSlotsLocked(h, page, slot, n); cerr != nil {
				return cerr
			}
		}
		return err
	}
	if d.arena.deref(h) == nil {
		d.destroyIfUnreferencedLocked(child)
		return nil
	}

	newGe := ge.WithAccessed()
	if forWrite && gf.Writable && !gf.Dirty {
		newGe = newGe.WithDirty()
		gf.Dirty = true
	}
	if newGe != ge {
		if err := d.writeGuestEntry(sgfn, gi, newGe); err != nil {
			d.destroyIfUnreferencedLocked(child)
			return err
		}
	}

	f := paging.Flags{
		Present:  true,
		Writable: gf.Writable && gf.Dirty,
		User:     gf.User,
		Accessed: true,
		NoExec:   gf.NoExec,
	}
	ch := d.arena.deref(child)
	for k := 0; k < n; k++ {
		if err := d.writeSlotLocked(h, page, slot+k, hostEntry(ch.pages[k].mfn, f), child); err != nil {
			return err
		}
	}
	return nil
}

// propagateSplinterSlotLocked computes one entry of a splintered leaf
// table. Splinter content depends only on the region, so splinters are
// shared between directory entries mapping the same region; permission
// differences live in the directory links.
//
// +checklocks:d.mu
func (d *Domain) propagateSplinterSlotLocked(h handle, j int) error {
	s := d.arena.deref(h)
	target := s.gfn + paging.Gfn(j)
	page, slot := j>>shadowEntryBits, j&(shadowEntries-1)
	d.stats.Propagations++

	mfn, ok := d.opts.Memory.Translate(target)
	if !ok {
		// A hole inside a superpage region; accesses there fault to
		// the guest.
		return d.clearSlotsLocked(h, page, slot, 1)
	}
	f := paging.Flags{
		Present:  true,
		Writable: !d.tableProtectedLocked(target),
		User:     true,
		Accessed: true,
		Dirty:    true,
	}
	return d.writeSlotLocked(h, page, slot, hostEntry(mfn, f), handle{})
}

// fillSplinterLocked populates a freshly allocated splinter for its whole
// region.
//
// +checklocks:d.mu
func (d *Domain) fillSplinterLocked(h handle) error {
	s := d.arena.deref(h)
	total := len(s.pages) * shadowEntries
	for j := 0; j < total; j++ {
		if err := d.propagateSplinterSlotLocked(h, j); err != nil {
			return err
		}
	}
	return nil
}

// ensureChildLocked resolves the shadow for (cgfn, ct), creating it if
// missing. A frame wanted under a role incompatible with its existing
// shadows is a guest error: the existing shadows are torn down and the
// conflict reported.
//
// +checklocks:d.mu
func (d *Domain) ensureChildLocked(ct Type, cgfn paging.Gfn) (handle, error) {
	if h, ok := d.cache.lookup(cgfn, ct); ok {
		return h, nil
	}
	for _, et := range d.cache.typesOf(cgfn) {
		if !compatible(et, ct) {
			d.stats.RoleConflicts++
			d.warn.Warnf("guest frame %#x wanted as %s while shadowed as %s; tearing down", cgfn, ct, et)
			if err := d.invalidateAllLocked(cgfn); err != nil {
				return handle{}, err
			}
			return handle{}, fmt.Errorf("%w: %#x wanted as %s, shadowed as %s", ErrRoleConflict, cgfn, ct, et)
		}
	}
	// An out-of-sync frame can only back leaf shadows; bring it in sync
	// before promoting it to a higher role.
	if ct.Role != RoleL1 && ct.Role != RoleFL1 && d.oos.has(cgfn) {
		if err := d.resyncGfnLocked(cgfn); err != nil {
			return handle{}, err
		}
	}
	h, err := d.allocShadowLocked(ct, cgfn)
	if err != nil {
		return handle{}, err
	}
	if ct.Role == RoleFL1 {
		d.stats.Splits++
		if err := d.fillSplinterLocked(h); err != nil {
			d.destroyIfUnreferencedLocked(h)
			return handle{}, err
		}
	}
	return h, nil
}
