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
	"encoding/binary"
	"errors"
	"fmt"

	"gvisor.dev/shadow/pkg/paging"
)

// WriteOutcome classifies an applied emulated store. Meaningful only when
// the error is nil.
type WriteOutcome int

const (
	// WriteUnshadowed means the frame backs no table shadow; the store
	// was applied and nothing more.
	WriteUnshadowed WriteOutcome = iota

	// WritePropagated means the store was applied and the affected
	// entries of the frame's table shadows were repropagated eagerly.
	WritePropagated

	// WriteDeferred means the frame is out of sync; the store was
	// applied and folds in at the next resync boundary.
	WriteDeferred
)

// String implements fmt.Stringer.String.
func (o WriteOutcome) String() string {
	switch o {
	case WriteUnshadowed:
		return "unshadowed"
	case WritePropagated:
		return "propagated"
	case WriteDeferred:
		return "deferred"
	}
	return fmt.Sprintf("WriteOutcome(%d)", int(o))
}

func checkWrite(off, width int) error {
	switch width {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w: width %d", ErrBadWrite, width)
	}
	if off < 0 || off%width != 0 || off+width > paging.PageSize {
		return fmt.Errorf("%w: %d bytes at page offset %#x", ErrBadWrite, width, off)
	}
	return nil
}

// WriteFault applies an emulated guest store of width bytes at (gfn, off)
// and keeps the frame's table shadows coherent. This is where the embedder
// lands stores it emulates after FaultEmulate, and any other intercepted
// guest store into a tracked frame.
func (v *VCPU) WriteFault(gfn paging.Gfn, off int, val uint64, width int) (WriteOutcome, error) {
	d := v.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}
	out, err := d.writeFaultLocked(gfn, off, val, width)
	if err != nil {
		return 0, err
	}
	d.flushIfPendingLocked()
	d.auditMaybeLocked()
	return out, nil
}

// WriteLinear resolves va through the guest's tables and applies the store
// at its target, updating accessed and dirty bits the way the hardware
// walk would. The emulator's entry point for instructions that faulted
// with FaultEmulate.
func (v *VCPU) WriteLinear(va uint64, val uint64, width int) (WriteOutcome, error) {
	d := v.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return 0, err
	}
	if !v.hasRoot {
		return 0, fmt.Errorf("%w: vCPU %d has no root loaded", ErrNotShadowed, v.id)
	}
	if !d.g.Canonical(va) {
		return 0, fmt.Errorf("%w: non-canonical %#x", ErrNotMapped, va)
	}
	off := int(va & (paging.PageSize - 1))
	if err := checkWrite(off, width); err != nil {
		return 0, err
	}
	gw, err := d.walkGuest(v.rootGFN, va)
	if err != nil {
		return 0, err
	}
	if gw.bad {
		return 0, fmt.Errorf("%w: level-%d entry walking %#x", ErrBadGuestEntry, gw.depth, va)
	}
	if !gw.ok {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, va)
	}
	if !gw.eff.Writable {
		return 0, fmt.Errorf("%w: read-only mapping at %#x", ErrBadWrite, va)
	}
	if err := d.setGuestADLocked(gw, va); err != nil {
		return 0, err
	}
	out, err := d.writeFaultLocked(gw.target, off, val, width)
	if err != nil {
		return 0, err
	}
	d.flushIfPendingLocked()
	d.auditMaybeLocked()
	return out, nil
}

// setGuestADLocked sets the accessed bit along a completed guest walk and
// the dirty bit on its leaf, as the hardware would for a store.
//
// +checklocks:d.mu
func (d *Domain) setGuestADLocked(gw guestWalk, va uint64) error {
	for lvl := d.g.Levels; lvl >= gw.depth; lvl-- {
		if d.g.Levels == 3 && lvl == 3 {
			// PAE top entries have no accessed bit.
			continue
		}
		ge := gw.entries[lvl]
		ne := ge.WithAccessed()
		if lvl == gw.depth {
			ne = ne.WithDirty()
		}
		if ne == ge {
			continue
		}
		if err := d.writeGuestEntry(gw.tables[lvl], d.g.Index(va, lvl), ne); err != nil {
			return err
		}
	}
	return nil
}

// writeFaultLocked applies a store to guest memory and brings the target
// frame's table shadows along: untracked frames take the store as plain
// data, out-of-sync frames defer, in-sync table frames get the affected
// entries repropagated under trap. A table taking a stream of trapped
// writes goes out of sync so the rest of the stream lands for free.
//
// +checklocks:d.mu
func (d *Domain) writeFaultLocked(gfn paging.Gfn, off int, val uint64, width int) (WriteOutcome, error) {
	if err := checkWrite(off, width); err != nil {
		return 0, err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	if err := d.opts.Memory.Write(gfn, off, buf[:width]); err != nil {
		return 0, fmt.Errorf("%w: %d bytes at %#x+%#x: %v", ErrGuestMemory, width, gfn, off, err)
	}
	d.markDirtyFrame(gfn)

	if !d.cache.tableShadowed(gfn) {
		return WriteUnshadowed, nil
	}
	if r := d.oos.get(gfn); r != nil {
		d.oos.touch(r)
		return WriteDeferred, nil
	}

	// Propagation can reshape the cache; collect the shadows first.
	type target struct {
		t Type
		h handle
	}
	var targets []target
	d.cache.forFrame(gfn, func(t Type, h handle) bool {
		if t.table() && !(t.Role == RoleMonitor && t.Levels == 3) {
			// Monitors reload the guest's top table only at root
			// switches; edits stay invisible until then.
			targets = append(targets, target{t, h})
		}
		return true
	})

	first := off / d.g.EntryBytes
	last := (off + width - 1) / d.g.EntryBytes
	hottest := 0
	for _, tr := range targets {
		if d.arena.deref(tr.h) == nil {
			continue
		}
		entries := tr.t.guestEntries(d.g)
		for gi := first; gi <= last && gi < entries; gi++ {
			err := d.propagateIndexLocked(tr.h, gi, false)
			switch {
			case err == nil:
			case errors.Is(err, ErrBadGuestEntry), errors.Is(err, ErrRoleConflict):
				// The slot was cleared or the conflicting shadows
				// torn down; either way this entry is settled.
			default:
				return 0, err
			}
		}
		// Propagating can tear the shadow itself down; recheck.
		if s := d.arena.deref(tr.h); s != nil {
			s.syncWrites++
			if s.syncWrites > hottest {
				hottest = s.syncWrites
			}
		}
	}
	d.flushAllLocked()

	if hottest >= d.opts.OOSThreshold {
		if err := d.markOutOfSyncLocked(gfn); err != nil && !errors.Is(err, ErrNotShadowed) {
			return 0, err
		}
	}
	return WritePropagated, nil
}
