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
	"testing"

	"gvisor.dev/shadow/pkg/paging"
)

func TestPageFaultBuildsChain(t *testing.T) {
	td := newTestDomain(t, Options{})
	v, root := td.boot()
	target := td.alloc()
	va := uint64(3<<39 | 5<<30 | 7<<21 | 9<<12)
	tables := td.mapPage(root, va, target, paging.Flags{Present: true, Writable: true})

	td.faultFixed(v, va, 0)

	stats := td.d.Stats()
	if stats.Shadows != 4 {
		t.Fatalf("Shadows got %d, wanted 4", stats.Shadows)
	}
	for lvl := 4; lvl >= 1; lvl-- {
		if !td.wp.isProtected(tables[lvl]) {
			t.Errorf("level-%d table %#x not write protected", lvl, tables[lvl])
		}
		if !td.readEntry(tables[lvl], td.g.Index(va, lvl)).Accessed() {
			t.Errorf("level-%d guest entry has no accessed bit", lvl)
		}
	}
	if td.wp.isProtected(target) {
		t.Errorf("data frame %#x write protected", target)
	}

	// The guest entry is writable but clean, so the shadow traps the
	// first write to emulate the dirty bit.
	leaf := paging.Entry(td.hostLeaf(tables, va))
	if !leaf.Present() {
		t.Fatal("host leaf entry not present")
	}
	if leaf.Writable() {
		t.Error("host leaf entry writable before the guest entry is dirty")
	}
	if got, want := hostMfn(uint64(leaf)), testMfnBase+paging.Mfn(target); got != want {
		t.Errorf("host leaf maps %#x, wanted %#x", got, want)
	}
	if td.readEntry(tables[1], td.g.Index(va, 1)).Dirty() {
		t.Error("guest leaf entry dirty after a read fault")
	}
	if td.dl.count(target) != 0 {
		t.Errorf("dirty log hit %d times after a read fault", td.dl.count(target))
	}

	// The trapped write widens the entry and feeds the dirty log.
	td.faultFixed(v, va, AccessWrite)
	leaf = paging.Entry(td.hostLeaf(tables, va))
	if !leaf.Writable() {
		t.Error("host leaf entry still read-only after a write fault")
	}
	if !td.readEntry(tables[1], td.g.Index(va, 1)).Dirty() {
		t.Error("guest leaf entry not dirty after a write fault")
	}
	if td.dl.count(target) != 1 {
		t.Errorf("dirty log hit %d times, wanted 1", td.dl.count(target))
	}

	stats = td.d.Stats()
	if stats.Allocs != 4 {
		t.Errorf("Allocs got %d, wanted 4", stats.Allocs)
	}
	if stats.FaultsFixed != 2 {
		t.Errorf("FaultsFixed got %d, wanted 2", stats.FaultsFixed)
	}
	if td.tlb.addrCount() != 2 {
		t.Errorf("address flushes got %d, wanted 2", td.tlb.addrCount())
	}

	// The chain is pinned at the root and linked below it.
	if s := td.shadowOf(root, RoleL4); s.pins != 1 || s.refs != 1 {
		t.Errorf("root has refs=%d pins=%d, wanted 1/1", s.refs, s.pins)
	}
	if s := td.shadowOf(tables[1], RoleL1); s.refs != 1 {
		t.Errorf("leaf table shadow has refs=%d, wanted 1", s.refs)
	}
}

func TestPageFaultGuestFaults(t *testing.T) {
	td := newTestDomain(t, Options{})
	v, root := td.boot()

	roVA := uint64(1 << 21)
	td.mapPage(root, roVA, td.alloc(), paging.Flags{Present: true})

	supervisorVA := uint64(2 << 21)
	td.mapPage(root, supervisorVA, td.alloc(), paging.Flags{Present: true, Writable: true})

	nxVA := uint64(3 << 21)
	td.mapPage(root, nxVA, td.alloc(), paging.Flags{Present: true, Writable: true, NoExec: true})

	// A superpage above the directory level is malformed.
	giantVA := uint64(5 << 30)
	l3 := td.readEntry(root, td.g.Index(giantVA, 4))
	if !l3.Present() {
		nt := td.alloc()
		td.writeEntry(root, td.g.Index(giantVA, 4), paging.Make(td.g, uint64(nt), tableFlags))
		l3 = td.readEntry(root, td.g.Index(giantVA, 4))
	}
	f := tableFlags
	f.Super = true
	td.writeEntry(l3.Frame(td.g, 4), td.g.Index(giantVA, 3), paging.Make(td.g, 0x9000, f))

	for _, test := range []struct {
		name   string
		va     uint64
		access Access
	}{
		{"unmapped", uint64(200 << 21), 0},
		{"write-to-readonly", roVA, AccessWrite},
		{"user-to-supervisor", supervisorVA, AccessUser},
		{"exec-of-noexec", nxVA, AccessExec},
		{"non-canonical", uint64(0x1 << 47), 0},
		{"giant-superpage", giantVA, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			before := td.d.Stats().FaultsGuest
			out, err := v.PageFault(test.va, test.access)
			if err != nil {
				t.Fatalf("PageFault: %v", err)
			}
			if out != FaultGuest {
				t.Fatalf("PageFault got %v, wanted %v", out, FaultGuest)
			}
			if got := td.d.Stats().FaultsGuest; got != before+1 {
				t.Errorf("FaultsGuest got %d, wanted %d", got, before+1)
			}
		})
	}

	// The denied accesses must not have stopped legal ones.
	td.faultFixed(v, roVA, 0)
	td.faultFixed(v, supervisorVA, AccessWrite)
}

func TestPageFaultNoRoot(t *testing.T) {
	td := newTestDomain(t, Options{})
	v := td.vcpu(0)
	out, err := v.PageFault(0x1000, 0)
	if out != FaultFailed || !errors.Is(err, ErrNotShadowed) {
		t.Errorf("PageFault with no root got (%v, %v), wanted (%v, ErrNotShadowed)", out, err, FaultFailed)
	}
}

// fl1Slot returns the splinter slot shadowing va.
func fl1Slot(td *testDomain, s *shadow, va uint64) uint64 {
	j := int((va & (td.g.EntrySpan(2) - 1)) >> paging.PageShift)
	return s.pages[j>>shadowEntryBits].data[j&(shadowEntries-1)]
}

func TestPageFaultSuperpage(t *testing.T) {
	td := newTestDomain(t, Options{})
	v, root := td.boot()
	base := paging.Gfn(0x8000)
	va := uint64(1 << 30)
	dir := td.mapSuper(root, va, base, paging.Flags{Present: true, Writable: true, User: true})

	td.faultFixed(v, va+0x3000, 0)

	stats := td.d.Stats()
	if stats.Splits != 1 {
		t.Fatalf("Splits got %d, wanted 1", stats.Splits)
	}
	// L4 + L3 + L2 + FL1.
	if stats.Shadows != 4 {
		t.Fatalf("Shadows got %d, wanted 4", stats.Shadows)
	}

	fs := td.shadowOf(base, RoleFL1)
	slot := paging.Entry(fl1Slot(td, fs, va+0x3000))
	if !slot.Present() || !slot.Writable() {
		t.Fatalf("splinter slot is %#x, wanted present and writable", uint64(slot))
	}
	if got, want := hostMfn(uint64(slot)), testMfnBase+paging.Mfn(base+3); got != want {
		t.Errorf("splinter slot maps %#x, wanted %#x", got, want)
	}

	// The directory link narrows to the superpage entry: read-only until
	// the guest entry goes dirty.
	l2s := td.shadowOf(dir, RoleL2)
	page, lslot, _ := l2s.typ.slotOf(td.g.Index(va, 2))
	link := paging.Entry(l2s.pages[page].data[lslot])
	if !link.Present() || link.Writable() {
		t.Fatalf("directory link is %#x, wanted present and read-only", uint64(link))
	}

	td.faultFixed(v, va+0x3000, AccessWrite)
	link = paging.Entry(l2s.pages[page].data[lslot])
	if !link.Writable() {
		t.Error("directory link still read-only after a write fault")
	}
	if !td.readEntry(dir, td.g.Index(va, 2)).Dirty() {
		t.Error("guest superpage entry not dirty after a write fault")
	}
	if td.dl.count(base+3) != 1 {
		t.Errorf("dirty log hit %d times for the written frame, wanted 1", td.dl.count(base+3))
	}

	// A second mapping of the same region shares the splinter.
	va2 := va + 2*td.g.EntrySpan(2)
	td.mapSuper(root, va2, base, paging.Flags{Present: true, Writable: true, User: true})
	td.faultFixed(v, va2+0x5000, 0)
	stats = td.d.Stats()
	if stats.Splits != 1 {
		t.Errorf("Splits after sharing got %d, wanted 1", stats.Splits)
	}
	if stats.Shadows != 4 {
		t.Errorf("Shadows after sharing got %d, wanted 4", stats.Shadows)
	}
	if fs.refs != 2 {
		t.Errorf("shared splinter has refs=%d, wanted 2", fs.refs)
	}
}

func TestPageFaultSuperpageHole(t *testing.T) {
	td := newTestDomain(t, Options{})
	v, root := td.boot()
	base := paging.Gfn(0x8000)
	td.mem.mu.Lock()
	td.mem.holes[base+7] = true
	td.mem.mu.Unlock()

	va := uint64(1 << 30)
	td.mapSuper(root, va, base, paging.Flags{Present: true, Writable: true, User: true})

	td.faultFixed(v, va, 0)
	out, err := v.PageFault(va+7*paging.PageSize, 0)
	if err != nil {
		t.Fatalf("PageFault into the hole: %v", err)
	}
	if out != FaultGuest {
		t.Errorf("PageFault into the hole got %v, wanted %v", out, FaultGuest)
	}
	fs := td.shadowOf(base, RoleFL1)
	if slot := fl1Slot(td, fs, va+7*paging.PageSize); hostPresent(slot) {
		t.Errorf("hole slot is %#x, wanted empty", slot)
	}
}

func TestPVSuperpageRejected(t *testing.T) {
	td := newTestDomain(t, Options{Mode: ModePV})
	v, root := td.boot()
	va := uint64(1 << 30)
	td.mapSuper(root, va, 0x8000, paging.Flags{Present: true, Writable: true})
	out, err := v.PageFault(va, 0)
	if err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	if out != FaultGuest {
		t.Errorf("PageFault on a PV superpage got %v, wanted %v", out, FaultGuest)
	}
	if td.d.Stats().Splits != 0 {
		t.Errorf("Splits got %d, wanted 0", td.d.Stats().Splits)
	}
}

func TestTranslate(t *testing.T) {
	td := newTestDomain(t, Options{})
	v, root := td.boot()
	target := td.alloc()
	va := uint64(9 << 21)
	td.mapPage(root, va, target, paging.Flags{Present: true, Writable: true})

	gfn, eff, err := v.Translate(va + 0x123)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if gfn != target {
		t.Errorf("Translate got %#x, wanted %#x", gfn, target)
	}
	if !eff.Writable || eff.User {
		t.Errorf("effective flags %+v, wanted writable supervisor", eff)
	}

	// Translation never touches shadow state.
	if got := td.d.Stats().Shadows; got != 1 {
		t.Errorf("Shadows after Translate got %d, wanted 1", got)
	}

	if _, _, err := v.Translate(200 << 21); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Translate of unmapped got %v, wanted ErrNotMapped", err)
	}
	if _, _, err := v.Translate(1 << 47); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Translate of non-canonical got %v, wanted ErrNotMapped", err)
	}

	v1 := td.vcpu(1)
	if _, _, err := v1.Translate(va); !errors.Is(err, ErrNotShadowed) {
		t.Errorf("Translate with no root got %v, wanted ErrNotShadowed", err)
	}
}

func TestPageFaultRepeatIsStable(t *testing.T) {
	td := newTestDomain(t, Options{})
	v, root := td.boot()
	va := uint64(4 << 21)
	td.mapPage(root, va, td.alloc(), paging.Flags{Present: true, Writable: true})

	td.faultFixed(v, va, AccessWrite)
	allocs := td.d.Stats().Allocs
	for i := 0; i < 3; i++ {
		td.faultFixed(v, va, AccessWrite)
	}
	if got := td.d.Stats().Allocs; got != allocs {
		t.Errorf("repeated faults allocated: %d then %d", allocs, got)
	}
	if got := td.d.Stats().Frees; got != 0 {
		t.Errorf("repeated faults freed %d shadows", got)
	}
}

func TestGuestMemoryFailure(t *testing.T) {
	td := newTestDomain(t, Options{})
	v, root := td.boot()
	va := uint64(6 << 21)
	tables := td.mapPage(root, va, td.alloc(), paging.Flags{Present: true, Writable: true})

	td.mem.failing[tables[2]] = true
	out, err := v.PageFault(va, 0)
	if out != FaultFailed || !errors.Is(err, ErrGuestMemory) {
		t.Errorf("PageFault got (%v, %v), wanted (%v, ErrGuestMemory)", out, err, FaultFailed)
	}
	delete(td.mem.failing, tables[2])
	td.faultFixed(v, va, 0)
}
