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

// The host always walks 4-level tables, so guests shallower than 4 levels
// get a monitor root: a 2-page shadow whose first page is the host L4 and
// whose second is an embedded L3 covering the guest's 32-bit address space.
// L4 slot 0 points at the embedded L3; everything below it is guest
// content. For 3-level guests the embedded L3 is propagated from the
// guest's 4-entry top table at every root switch, matching hardware, which
// reads the top table only on root load. For 2-level guests the embedded
// L3 is synthetic and spans the 4 pages of the directory shadow.

// ensureRootLocked resolves, creating if needed, the root shadow for a
// guest whose top-level table lives at rootGFN.
//
// +checklocks:d.mu
func (d *Domain) ensureRootLocked(rootGFN paging.Gfn) (handle, error) {
	rt := rootType(d.opts.GuestLevels, d.opts.Mode)
	h, err := d.ensureChildLocked(rt, rootGFN)
	if errors.Is(err, ErrRoleConflict) {
		// The conflicting shadows were torn down; the root is now legal.
		h, err = d.ensureChildLocked(rt, rootGFN)
	}
	if err != nil {
		return handle{}, err
	}
	// Hold the root across its construction. A fresh root has no parent
	// and no pin yet, and building a monitor can allocate; reclamation
	// must not sweep the root as an orphan in between.
	s := d.arena.deref(h)
	s.refs++
	switch {
	case rt.Role == RoleL4 && d.opts.Mode == ModePV:
		err = d.stampTemplateLocked(h)
	case rt.Role == RoleMonitor:
		err = d.buildMonitorLocked(h)
	}
	s.refs--
	if err != nil {
		d.destroyIfUnreferencedLocked(h)
		return handle{}, err
	}
	return h, nil
}

// stampTemplateLocked writes the hypervisor-owned entries into the upper
// half of a PV root. Idempotent; guest propagation never reaches these
// slots.
//
// +checklocks:d.mu
func (d *Domain) stampTemplateLocked(h handle) error {
	for i, w := range d.opts.PVTemplate {
		if err := d.writeSlotLocked(h, 0, shadowEntries/2+i, w, handle{}); err != nil {
			return err
		}
	}
	return nil
}

// buildMonitorLocked (re)establishes a monitor root's structure: the self
// link from the L4 page to the embedded L3, and the embedded entries.
// Idempotent, and called on every root switch; for 3-level guests that is
// what reloads the guest's top table.
//
// +checklocks:d.mu
func (d *Domain) buildMonitorLocked(h handle) error {
	s := d.arena.deref(h)
	if s == nil {
		return d.poisonLocked(fmt.Errorf("%w: building a stale monitor handle", ErrInvariant))
	}
	full := paging.Flags{Present: true, Writable: true, User: true, Accessed: true}

	// L4 slot 0 covers the whole 32-bit space. A link within the object
	// itself carries no reference.
	self := hostEntry(s.pages[monitorL3Page].mfn, full)
	if err := d.writeSlotLocked(h, monitorRootPage, 0, self, h); err != nil {
		return err
	}

	switch s.typ.Levels {
	case 3:
		for gi := 0; gi < d.g.Entries(3); gi++ {
			if err := d.propagateIndexLocked(h, gi, false); err != nil {
				return err
			}
		}
	case 2:
		l2, err := d.ensureChildLocked(Type{Role: RoleL2, Levels: 2, Mode: s.typ.Mode}, s.gfn)
		if err != nil {
			return err
		}
		ls := d.arena.deref(l2)
		for k := 0; k < len(ls.pages); k++ {
			w := hostEntry(ls.pages[k].mfn, full)
			if err := d.writeSlotLocked(h, monitorL3Page, k, w, l2); err != nil {
				return err
			}
		}
	default:
		return d.poisonLocked(fmt.Errorf("%w: %s monitor", ErrInvariant, s.typ))
	}
	return nil
}
