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

// Role identifies what a shadow frame shadows.
type Role uint8

const (
	// RoleL1 shadows a guest leaf page table.
	RoleL1 Role = iota + 1

	// RoleFL1 is a splintered leaf table synthesized from one guest
	// superpage mapping. It has no backing guest table; its key is the
	// first guest frame of the superpage region.
	RoleFL1

	// RoleL2 shadows a guest page directory.
	RoleL2

	// RoleL3 shadows a guest level-3 table. Only 4-level guests have
	// standalone level-3 tables; the PAE top table is embedded in the
	// monitor instead.
	RoleL3

	// RoleL4 shadows a guest top-level table of a 4-level guest.
	RoleL4

	// RoleMonitor is the host-format root structure for 2- and 3-level
	// guests running on a 4-level host: an L4 page plus an embedded L3
	// page. For 3-level guests the embedded page shadows the guest's
	// 4-entry top table; for 2-level guests it is synthetic linkage to
	// the root directory shadow.
	RoleMonitor
)

// String implements fmt.Stringer.String.
func (r Role) String() string {
	switch r {
	case RoleL1:
		return "l1"
	case RoleFL1:
		return "fl1"
	case RoleL2:
		return "l2"
	case RoleL3:
		return "l3"
	case RoleL4:
		return "l4"
	case RoleMonitor:
		return "monitor"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Mode is the guest execution mode.
type Mode uint8

const (
	// ModePV is a paravirtualized guest. PV guests use 4-level tables
	// shared with hypervisor mappings in the upper half.
	ModePV Mode = iota + 1

	// ModeHVM is a fully virtualized guest.
	ModeHVM
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case ModePV:
		return "pv"
	case ModeHVM:
		return "hvm"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Type classifies a shadow frame: what role it plays, for which guest paging
// depth, in which guest mode. The set of valid combinations is closed and
// checked at every cache insert.
type Type struct {
	Role   Role
	Levels int
	Mode   Mode
}

// String implements fmt.Stringer.String.
func (t Type) String() string {
	return fmt.Sprintf("%s-%s%d", t.Role, t.Mode, t.Levels)
}

// Valid returns true iff t is a legal combination.
func (t Type) Valid() bool {
	switch t.Mode {
	case ModePV:
		// PV guests are long mode only and never use superpages or a
		// separate monitor.
		if t.Levels != 4 {
			return false
		}
		switch t.Role {
		case RoleL1, RoleL2, RoleL3, RoleL4:
			return true
		}
		return false
	case ModeHVM:
		switch t.Levels {
		case 4:
			switch t.Role {
			case RoleL1, RoleFL1, RoleL2, RoleL3, RoleL4:
				return true
			}
		case 2, 3:
			switch t.Role {
			case RoleL1, RoleFL1, RoleL2, RoleMonitor:
				return true
			}
		}
		return false
	}
	return false
}

// Pages returns the number of host frames one shadow of this type occupies.
// A 2-level guest table covers more address space than a host-format table
// of the same role can, so its shadows span several frames; monitors carry
// the embedded level-3 page.
func (t Type) Pages() int {
	switch {
	case t.Levels == 2 && (t.Role == RoleL1 || t.Role == RoleFL1):
		return 2
	case t.Levels == 2 && t.Role == RoleL2:
		return 4
	case t.Role == RoleMonitor:
		return 2
	default:
		return 1
	}
}

// table returns true if shadows of this type are derived from a guest table
// that must be write-protected while the shadow is live. Splintered leaves
// derive from data regions and synthetic monitor halves from nothing.
func (t Type) table() bool {
	switch t.Role {
	case RoleL1, RoleL2, RoleL3, RoleL4:
		return true
	case RoleMonitor:
		return t.Levels == 3
	}
	return false
}

// rootType returns the shadow type a vCPU root of the given geometry pins.
func rootType(levels int, mode Mode) Type {
	switch levels {
	case 2, 3:
		return Type{Role: RoleMonitor, Levels: levels, Mode: mode}
	default:
		return Type{Role: RoleL4, Levels: levels, Mode: mode}
	}
}

// chainFrames returns the pool frames one full translation chain occupies,
// root to leaf. A pool smaller than this cannot make forward progress on a
// fault no matter how much it reclaims.
func chainFrames(levels int, mode Mode) int {
	rt := rootType(levels, mode)
	n := rt.Pages()
	for r, ok := childRole(rt.Role); ok; r, ok = childRole(r) {
		n += Type{Role: r, Levels: levels, Mode: mode}.Pages()
	}
	return n
}

// childRole returns the role of the shadow a present entry of role r links
// to, and whether r has children at all.
func childRole(r Role) (Role, bool) {
	switch r {
	case RoleL4:
		return RoleL3, true
	case RoleL3, RoleMonitor:
		return RoleL2, true
	case RoleL2:
		return RoleL1, true
	}
	return 0, false
}

// guestLevel returns the guest paging level whose entries this shadow type
// is propagated from, or 0 for fully synthetic shadows.
func (t Type) guestLevel() int {
	switch t.Role {
	case RoleL1:
		return 1
	case RoleL2:
		return 2
	case RoleL3:
		return 3
	case RoleL4:
		return 4
	case RoleMonitor:
		if t.Levels == 3 {
			return 3
		}
	}
	return 0
}

// guestEntries returns how many guest entries back one shadow of this type.
func (t Type) guestEntries(g *paging.Geometry) int {
	lvl := t.guestLevel()
	if lvl == 0 {
		return 0
	}
	return g.Entries(lvl)
}

// Host-format shadow tables are always 4-level: 512 8-byte entries per page.
const (
	shadowEntries   = 512
	shadowEntryBits = 9
)

// slotOf maps guest entry index gi of a shadow of type t to its host
// location: the page within the shadow object, the first slot in that page,
// and the number of consecutive host slots the guest entry expands to. A
// 2-level guest directory entry covers 4MiB and expands to two 2MiB host
// slots; the embedded monitor level-3 page holds the PAE top entries.
func (t Type) slotOf(gi int) (page, slot, n int) {
	switch {
	case t.Levels == 2 && t.Role == RoleL2:
		linear := 2 * gi
		return linear >> shadowEntryBits, linear & (shadowEntries - 1), 2
	case t.Role == RoleMonitor:
		return monitorL3Page, gi, 1
	default:
		return gi >> shadowEntryBits, gi & (shadowEntries - 1), 1
	}
}

// Monitor object layout: page 0 is the host root, page 1 the embedded L3.
const (
	monitorRootPage = 0
	monitorL3Page   = 1
)

// compatible returns true if shadows of types a and b may coexist for the
// same guest frame. Only the pairing of a 2-level guest's root directory
// shadow with its monitor is legal; any other aliasing is a guest error.
func compatible(a, b Type) bool {
	if a == b {
		return true
	}
	if a.Role > b.Role {
		a, b = b, a
	}
	return a.Levels == 2 && b.Levels == 2 && a.Role == RoleL2 && b.Role == RoleMonitor
}
