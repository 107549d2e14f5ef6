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
	"errors"
	"fmt"

	"gvisor.dev/shadow/pkg/paging"
)

// Access describes the faulting or translated reference.
type Access uint8

const (
	// AccessWrite is set for stores.
	AccessWrite Access = 1 << iota

	// AccessUser is set for user-mode references.
	AccessUser

	// AccessExec is set for instruction fetches.
	AccessExec
)

// FaultOutcome tells the embedder how to resume after a guest page fault.
type FaultOutcome int

const (
	// FaultFixed means the shadow was updated; retry the instruction.
	FaultFixed FaultOutcome = iota

	// FaultGuest means the fault is the guest's own; deliver it.
	FaultGuest

	// FaultEmulate means the write hits a shadowed page table; emulate
	// the instruction and feed its stores through WriteLinear.
	FaultEmulate

	// FaultFailed means the engine could not handle the fault; the error
	// says why.
	FaultFailed
)

// String implements fmt.Stringer.String.
func (o FaultOutcome) String() string {
	switch o {
	case FaultFixed:
		return "fixed"
	case FaultGuest:
		return "guest"
	case FaultEmulate:
		return "emulate"
	case FaultFailed:
		return "failed"
	}
	return fmt.Sprintf("FaultOutcome(%d)", int(o))
}

// guestWalk is one walk of the guest's own tables for one address.
type guestWalk struct {
	// tables[lvl] and entries[lvl] are the table gfn and entry read at
	// each level, down to depth.
	tables  [5]paging.Gfn
	entries [5]paging.Entry
	depth   int

	// ok is true for a complete walk through present entries; bad is
	// true when the walk hit an entry malformed for its level.
	ok  bool
	bad bool

	// super is true when the walk ended at a directory superpage.
	super bool

	// target is the guest frame va falls in, and eff the permissions the
	// guest granted along the walk.
	target paging.Gfn
	eff    paging.Flags
}

// walkGuest reads the guest's tables for va. Only guest memory failures are
// errors; the guest's own mistakes come back in the result.
func (d *Domain) walkGuest(rootGFN paging.Gfn, va uint64) (guestWalk, error) {
	w := guestWalk{eff: paging.Flags{Present: true, Writable: true, User: true}}
	tgfn := rootGFN
	for lvl := d.g.Levels; lvl >= 1; lvl-- {
		gi := d.g.Index(va, lvl)
		ge, err := d.readGuestEntry(tgfn, gi)
		if err != nil {
			return w, err
		}
		w.tables[lvl], w.entries[lvl] = tgfn, ge
		w.depth = lvl

		f := ge.Flags(d.g)
		if !f.Present {
			return w, nil
		}
		// The 4-entry PAE top table carries no permission bits.
		if !(d.g.Levels == 3 && lvl == 3) {
			w.eff = w.eff.Intersect(f)
		}
		if f.Super && lvl > 1 {
			if lvl != 2 || d.opts.Mode == ModePV {
				w.bad = true
				return w, nil
			}
			span := d.g.EntrySpan(2)
			w.super = true
			w.target = ge.Frame(d.g, 2) + paging.Gfn((va&(span-1))>>paging.PageShift)
			w.ok = true
			return w, nil
		}
		if lvl == 1 {
			w.target = ge.Frame(d.g, 1)
			w.ok = true
			return w, nil
		}
		tgfn = ge.Frame(d.g, lvl)
	}
	return w, nil
}

// PageFault handles a guest page fault at va. The guest's own tables
// decide whether the fault is the guest's; only then is the shadow chain
// for va built or refreshed.
//
// A FaultFailed outcome wrapping ErrNotShadowed means the vCPU's root was
// torn down underneath it; reload it with SwitchRoot and retry.
func (v *VCPU) PageFault(va uint64, access Access) (FaultOutcome, error) {
	d := v.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return FaultFailed, err
	}
	if !v.hasRoot {
		return FaultFailed, fmt.Errorf("%w: vCPU %d has no root loaded", ErrNotShadowed, v.id)
	}
	out, err := d.pageFaultLocked(v, va, access)
	switch out {
	case FaultFixed:
		d.stats.FaultsFixed++
		d.dirty |= v.bit()
		d.flushAddrLocked(v.bit(), va)
	case FaultGuest:
		d.stats.FaultsGuest++
	case FaultEmulate:
		d.stats.FaultsEmulated++
	}
	d.flushIfPendingLocked()
	d.auditMaybeLocked()
	return out, err
}

// +checklocks:d.mu
func (d *Domain) pageFaultLocked(v *VCPU, va uint64, access Access) (FaultOutcome, error) {
	if !d.g.Canonical(va) {
		return FaultGuest, nil
	}
	if d.opts.Mode == ModePV && d.g.Index(va, 4) >= shadowEntries/2 {
		// The hypervisor half; its mappings come from the template.
		return FaultGuest, nil
	}

	gw, err := d.walkGuest(v.rootGFN, va)
	if err != nil {
		return FaultFailed, err
	}
	if gw.bad {
		d.warn.Warnf("malformed guest entry at level %d walking %#x", gw.depth, va)
		return FaultGuest, nil
	}
	if !gw.ok {
		return FaultGuest, nil
	}
	if access&AccessWrite != 0 && !gw.eff.Writable ||
		access&AccessUser != 0 && !gw.eff.User ||
		access&AccessExec != 0 && gw.eff.NoExec {
		return FaultGuest, nil
	}

	// A legal guest write landing on a protected table frame cannot just
	// be mapped through.
	if access&AccessWrite != 0 && d.tableProtectedLocked(gw.target) {
		out, err := d.writeToTableLocked(gw.target)
		if out != FaultFixed || err != nil {
			return out, err
		}
		if !v.hasRoot {
			// The teardown took this vCPU's root with it.
			return FaultFailed, fmt.Errorf("%w: root torn down resolving write to %#x", ErrNotShadowed, gw.target)
		}
	}

	return d.buildChainLocked(v, va, access)
}

// writeToTableLocked decides what to do with a guest data write landing on
// a write-protected table frame: let leaf tables go out of sync, tear down
// the shadows of a frame that plainly stopped being a table, or have the
// write emulated. A FaultFixed return means the frame no longer traps and
// the caller should proceed.
//
// +checklocks:d.mu
func (d *Domain) writeToTableLocked(target paging.Gfn) (FaultOutcome, error) {
	err := d.markOutOfSyncLocked(target)
	if err == nil {
		return FaultFixed, nil
	}
	if !errors.Is(err, ErrNotShadowed) {
		return FaultFailed, err
	}

	// Interior or root shadows cannot go out of sync. Count the hit; a
	// frame that keeps taking data writes stopped being a table, most
	// likely freed by the guest and reused.
	trigger := false
	d.cache.forFrame(target, func(t Type, h handle) bool {
		if !t.table() {
			return true
		}
		if s := d.arena.deref(h); s != nil {
			s.dataFaults++
			if s.dataFaults >= d.opts.UnshadowThreshold {
				trigger = true
			}
		}
		return true
	})
	if !trigger {
		return FaultEmulate, nil
	}
	d.warn.Warnf("frame %#x keeps taking data writes while shadowed; unshadowing", target)
	if err := d.invalidateAllLocked(target); err != nil {
		return FaultFailed, err
	}
	return FaultFixed, nil
}

// buildChainLocked descends from the vCPU's root to the leaf shadow for
// va, refreshing the shadow entry at every level on the way down.
//
// +checklocks:d.mu
func (d *Domain) buildChainLocked(v *VCPU, va uint64, access Access) (FaultOutcome, error) {
	forWrite := access&AccessWrite != 0
	cur := v.root
	for depth := 0; depth < 8; depth++ {
		s := d.arena.deref(cur)
		if s == nil {
			return FaultFailed, d.poisonLocked(fmt.Errorf("%w: broken shadow chain at %#x", ErrInvariant, va))
		}

		switch s.typ.Role {
		case RoleL1:
			if err := d.propagateIndexLocked(cur, d.g.Index(va, 1), forWrite); err != nil {
				return faultOutcomeOf(err)
			}
			return FaultFixed, nil
		case RoleFL1:
			j := int((va & (d.g.EntrySpan(2) - 1)) >> paging.PageShift)
			if err := d.propagateIndexLocked(cur, j, forWrite); err != nil {
				return faultOutcomeOf(err)
			}
			page, slot := j>>shadowEntryBits, j&(shadowEntries-1)
			if !hostPresent(s.pages[page].data[slot]) {
				// A hole in the superpage region; the guest takes the
				// fault.
				return FaultGuest, nil
			}
			if forWrite {
				d.markDirtyFrame(s.gfn + paging.Gfn(j))
			}
			return FaultFixed, nil
		}

		var gi int
		switch s.typ.Role {
		case RoleMonitor:
			gi = int(va>>30) & 3
		case RoleL4:
			gi = d.g.Index(va, 4)
		case RoleL3:
			gi = d.g.Index(va, 3)
		default:
			gi = d.g.Index(va, 2)
		}
		if err := d.propagateIndexLocked(cur, gi, forWrite); err != nil {
			return faultOutcomeOf(err)
		}
		// The propagation can reclaim frames and unhook this chain out
		// from under us. The retried instruction rebuilds it.
		if s = d.arena.deref(cur); s == nil {
			return FaultFixed, nil
		}
		page, slot, n := s.typ.slotOf(gi)
		k := 0
		if n == 2 {
			// A 4-byte guest directory entry spans two host slots; the
			// address picks one, and with it the child page.
			k = int(va>>21) & 1
		}
		word := s.pages[page].data[slot+k]
		if !hostPresent(word) && s.typ.Role == RoleMonitor && s.typ.Levels == 2 {
			// Synthetic linkage is created at root switch; restore it
			// if a teardown cleared it.
			if err := d.buildMonitorLocked(cur); err != nil {
				return faultOutcomeOf(err)
			}
			word = s.pages[page].data[slot+k]
		}
		if !hostPresent(word) {
			return FaultFailed, d.poisonLocked(fmt.Errorf("%w: empty shadow slot after propagation at %#x", ErrInvariant, va))
		}
		ch, _, ok := d.arena.byMfn(hostMfn(word))
		if !ok {
			return FaultFailed, d.poisonLocked(fmt.Errorf("%w: interior shadow entry leaves the pool at %#x", ErrInvariant, va))
		}
		cur = ch
	}
	return FaultFailed, d.poisonLocked(fmt.Errorf("%w: shadow chain too deep at %#x", ErrInvariant, va))
}

// faultOutcomeOf maps a propagation error to the fault disposition.
func faultOutcomeOf(err error) (FaultOutcome, error) {
	switch {
	case errors.Is(err, ErrBadGuestEntry):
		// Entries the engine refuses to shadow fault to the guest.
		return FaultGuest, nil
	case errors.Is(err, ErrRoleConflict):
		// The conflicting shadows are gone; the retried instruction
		// faults again and takes the fresh path.
		return FaultFixed, nil
	}
	return FaultFailed, err
}

// Translate resolves va through the guest's own tables, returning the
// guest frame and the permissions the guest granted. Shadow state is
// neither consulted nor touched.
func (v *VCPU) Translate(va uint64) (paging.Gfn, paging.Flags, error) {
	d := v.d
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.destroyed {
		return 0, paging.Flags{}, ErrDestroyed
	}
	if !v.hasRoot {
		return 0, paging.Flags{}, fmt.Errorf("%w: vCPU %d has no root loaded", ErrNotShadowed, v.id)
	}
	if !d.g.Canonical(va) {
		return 0, paging.Flags{}, fmt.Errorf("%w: non-canonical %#x", ErrNotMapped, va)
	}
	gw, err := d.walkGuest(v.rootGFN, va)
	if err != nil {
		return 0, paging.Flags{}, err
	}
	if gw.bad {
		return 0, paging.Flags{}, fmt.Errorf("%w: level-%d entry walking %#x", ErrBadGuestEntry, gw.depth, va)
	}
	if !gw.ok {
		return 0, paging.Flags{}, fmt.Errorf("%w: %#x", ErrNotMapped, va)
	}
	return gw.target, gw.eff, nil
}

// InvlPg emulates the guest's single-address TLB invalidation. An
// out-of-sync table mapping va returns to sync here, so the invalidation
// acts on stale entries the way real TLB maintenance would.
func (v *VCPU) InvlPg(va uint64) error {
	d := v.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	if v.hasRoot && d.g.Canonical(va) {
		gw, err := d.walkGuest(v.rootGFN, va)
		if err != nil {
			return err
		}
		if gw.depth == 1 && d.oos.has(gw.tables[1]) {
			if err := d.resyncGfnLocked(gw.tables[1]); err != nil {
				return err
			}
		}
	}
	d.flushAddrLocked(v.bit(), va)
	d.flushIfPendingLocked()
	d.auditMaybeLocked()
	return nil
}
