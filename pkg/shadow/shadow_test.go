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
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"gvisor.dev/shadow/pkg/paging"
	"gvisor.dev/shadow/pkg/sync"
)

// testMemory is sparse guest physical memory with an identity-plus-offset
// machine translation that keeps every guest frame outside the shadow pool.
type testMemory struct {
	mu    sync.Mutex
	pages map[paging.Gfn]*[paging.PageSize]byte

	// holes have no machine translation; failing frames error on access.
	holes   map[paging.Gfn]bool
	failing map[paging.Gfn]bool
}

// testMfnBase offsets guest machine frames so a confused translation can
// never alias a pool frame by accident.
const testMfnBase paging.Mfn = 0x5000

func newTestMemory() *testMemory {
	return &testMemory{
		pages:   make(map[paging.Gfn]*[paging.PageSize]byte),
		holes:   make(map[paging.Gfn]bool),
		failing: make(map[paging.Gfn]bool),
	}
}

// page returns gfn's backing, creating it zeroed on first touch. Callers
// outside the engine use it to build and inspect guest tables directly.
func (m *testMemory) page(gfn paging.Gfn) *[paging.PageSize]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[gfn]
	if !ok {
		p = new([paging.PageSize]byte)
		m.pages[gfn] = p
	}
	return p
}

// Read implements GuestMemory.Read.
func (m *testMemory) Read(gfn paging.Gfn, off int, b []byte) error {
	if m.failing[gfn] {
		return fmt.Errorf("injected failure reading %#x", gfn)
	}
	copy(b, m.page(gfn)[off:])
	return nil
}

// Write implements GuestMemory.Write.
func (m *testMemory) Write(gfn paging.Gfn, off int, b []byte) error {
	if m.failing[gfn] {
		return fmt.Errorf("injected failure writing %#x", gfn)
	}
	copy(m.page(gfn)[off:], b)
	return nil
}

// Translate implements GuestMemory.Translate.
func (m *testMemory) Translate(gfn paging.Gfn) (paging.Mfn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holes[gfn] {
		return 0, false
	}
	return testMfnBase + paging.Mfn(gfn), true
}

// testTLB counts shootdowns.
type testTLB struct {
	mu       sync.Mutex
	all      int
	addr     int
	lastMask uint64
	lastAddr uint64
}

// FlushAddr implements TLB.FlushAddr.
func (t *testTLB) FlushAddr(vcpus uint64, va uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addr++
	t.lastMask = vcpus
	t.lastAddr = va
}

// FlushAll implements TLB.FlushAll.
func (t *testTLB) FlushAll(vcpus uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.all++
	t.lastMask = vcpus
}

func (t *testTLB) allCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.all
}

func (t *testTLB) addrCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// testDirtyLog counts MarkDirty per frame.
type testDirtyLog struct {
	mu    sync.Mutex
	dirty map[paging.Gfn]int
}

func newTestDirtyLog() *testDirtyLog {
	return &testDirtyLog{dirty: make(map[paging.Gfn]int)}
}

// MarkDirty implements DirtyLog.MarkDirty.
func (l *testDirtyLog) MarkDirty(gfn paging.Gfn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirty[gfn]++
}

func (l *testDirtyLog) count(gfn paging.Gfn) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty[gfn]
}

// testProtect mirrors the protection state the engine asked for.
type testProtect struct {
	mu        sync.Mutex
	protected map[paging.Gfn]bool
}

func newTestProtect() *testProtect {
	return &testProtect{protected: make(map[paging.Gfn]bool)}
}

// Protect implements WriteProtect.Protect.
func (p *testProtect) Protect(gfn paging.Gfn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.protected[gfn] = true
}

// Unprotect implements WriteProtect.Unprotect.
func (p *testProtect) Unprotect(gfn paging.Gfn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.protected, gfn)
}

func (p *testProtect) isProtected(gfn paging.Gfn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protected[gfn]
}

// quietLogger drops engine output so guest-error tests stay readable.
func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// tableFlags is what guest kernels put on interior entries.
var tableFlags = paging.Flags{Present: true, Writable: true, User: true}

// testDomain is a domain wired to recording collaborators plus a guest
// page table builder.
type testDomain struct {
	t   *testing.T
	d   *Domain
	g   *paging.Geometry
	mem *testMemory
	tlb *testTLB
	dl  *testDirtyLog
	wp  *testProtect

	next paging.Gfn
}

// newTestDomain creates a domain with auditing on, so every operation
// verifies the full structure behind the scenes.
func newTestDomain(t *testing.T, opts Options) *testDomain {
	t.Helper()
	td := &testDomain{
		t:    t,
		mem:  newTestMemory(),
		tlb:  &testTLB{},
		dl:   newTestDirtyLog(),
		wp:   newTestProtect(),
		next: 0x100,
	}
	opts.Memory = td.mem
	opts.TLB = td.tlb
	opts.DirtyLog = td.dl
	opts.WriteProtect = td.wp
	if opts.GuestLevels == 0 {
		opts.GuestLevels = 4
	}
	if opts.Mode == 0 {
		opts.Mode = ModeHVM
	}
	if opts.Log == nil {
		opts.Log = quietLogger()
	}
	opts.Audit = true
	d, err := NewDomain(opts)
	if err != nil {
		t.Fatalf("NewDomain: %v", err)
	}
	td.d = d
	td.g = d.g
	t.Cleanup(func() { _ = d.Destroy() })
	return td
}

// alloc returns a fresh guest frame.
func (td *testDomain) alloc() paging.Gfn {
	gfn := td.next
	td.next++
	td.mem.page(gfn)
	return gfn
}

// writeEntry writes guest entry index of the table at gfn, bypassing the
// engine the way native guest execution would.
func (td *testDomain) writeEntry(table paging.Gfn, index int, e paging.Entry) {
	paging.EntryToBytes(td.g, td.mem.page(table)[:], index, e)
}

// readEntry reads guest entry index of the table at gfn.
func (td *testDomain) readEntry(table paging.Gfn, index int) paging.Entry {
	return paging.EntryFromBytes(td.g, td.mem.page(table)[:], index)
}

// mapPage wires the guest walk for va down to target with leaf flags f,
// creating intermediate tables as needed. Returns the table gfn used at
// each level.
func (td *testDomain) mapPage(root paging.Gfn, va uint64, target paging.Gfn, f paging.Flags) [5]paging.Gfn {
	td.t.Helper()
	var tables [5]paging.Gfn
	tgfn := root
	for lvl := td.g.Levels; lvl > 1; lvl-- {
		tables[lvl] = tgfn
		gi := td.g.Index(va, lvl)
		ge := td.readEntry(tgfn, gi)
		if !ge.Present() {
			nt := td.alloc()
			tf := tableFlags
			if td.g.Levels == 3 && lvl == 3 {
				// PAE top entries carry presence only.
				tf = paging.Flags{Present: true}
			}
			td.writeEntry(tgfn, gi, paging.Make(td.g, uint64(nt), tf))
			tgfn = nt
			continue
		}
		tgfn = ge.Frame(td.g, lvl)
	}
	tables[1] = tgfn
	td.writeEntry(tgfn, td.g.Index(va, 1), paging.Make(td.g, uint64(target), f))
	return tables
}

// mapSuper installs a guest superpage at the directory level and returns
// the directory's gfn. base must be aligned to the directory span.
func (td *testDomain) mapSuper(root paging.Gfn, va uint64, base paging.Gfn, f paging.Flags) paging.Gfn {
	td.t.Helper()
	tgfn := root
	for lvl := td.g.Levels; lvl > 2; lvl-- {
		gi := td.g.Index(va, lvl)
		ge := td.readEntry(tgfn, gi)
		if !ge.Present() {
			nt := td.alloc()
			tf := tableFlags
			if td.g.Levels == 3 && lvl == 3 {
				tf = paging.Flags{Present: true}
			}
			td.writeEntry(tgfn, gi, paging.Make(td.g, uint64(nt), tf))
			tgfn = nt
			continue
		}
		tgfn = ge.Frame(td.g, lvl)
	}
	f.Super = true
	td.writeEntry(tgfn, td.g.Index(va, 2), paging.Make(td.g, uint64(base), f))
	return tgfn
}

// vcpu registers a vCPU, failing the test on error.
func (td *testDomain) vcpu(id int) *VCPU {
	td.t.Helper()
	v, err := td.d.CreateVCPU(id)
	if err != nil {
		td.t.Fatalf("CreateVCPU(%d): %v", id, err)
	}
	return v
}

// boot registers vCPU 0, allocates an empty guest root table and switches
// to it.
func (td *testDomain) boot() (*VCPU, paging.Gfn) {
	td.t.Helper()
	v := td.vcpu(0)
	root := td.alloc()
	if _, err := v.SwitchRoot(root); err != nil {
		td.t.Fatalf("SwitchRoot(%#x): %v", root, err)
	}
	return v, root
}

// domainType is the shadow type for the domain's own geometry.
func (td *testDomain) domainType(r Role) Type {
	return Type{Role: r, Levels: td.d.opts.GuestLevels, Mode: td.d.opts.Mode}
}

// shadowOf returns the live shadow of gfn under role r, failing if absent.
func (td *testDomain) shadowOf(gfn paging.Gfn, r Role) *shadow {
	td.t.Helper()
	h, ok := td.d.cache.lookup(gfn, td.domainType(r))
	if !ok {
		td.t.Fatalf("no %s shadow of %#x", r, gfn)
	}
	s := td.d.arena.deref(h)
	if s == nil {
		td.t.Fatalf("%s shadow of %#x has a stale cache entry", r, gfn)
	}
	return s
}

// hasShadow reports whether gfn is shadowed under role r.
func (td *testDomain) hasShadow(gfn paging.Gfn, r Role) bool {
	_, ok := td.d.cache.lookup(gfn, td.domainType(r))
	return ok
}

// hostLeaf returns the host word shadowing va's leaf entry, given the walk
// tables returned by mapPage.
func (td *testDomain) hostLeaf(tables [5]paging.Gfn, va uint64) uint64 {
	td.t.Helper()
	s := td.shadowOf(tables[1], RoleL1)
	page, slot, _ := s.typ.slotOf(td.g.Index(va, 1))
	return s.pages[page].data[slot]
}

// faultFixed runs a page fault that must fix the shadow.
func (td *testDomain) faultFixed(v *VCPU, va uint64, access Access) {
	td.t.Helper()
	out, err := v.PageFault(va, access)
	if err != nil {
		td.t.Fatalf("PageFault(%#x, %v): %v", va, access, err)
	}
	if out != FaultFixed {
		td.t.Fatalf("PageFault(%#x, %v) got %v, wanted %v", va, access, out, FaultFixed)
	}
}

func TestOptionsValidate(t *testing.T) {
	mem := newTestMemory()
	for _, test := range []struct {
		name string
		opts Options
		ok   bool
	}{
		{
			name: "missing-memory",
			opts: Options{GuestLevels: 4, Mode: ModeHVM},
		},
		{
			name: "bad-levels",
			opts: Options{Memory: mem, GuestLevels: 5, Mode: ModeHVM},
		},
		{
			name: "pv-needs-four-levels",
			opts: Options{Memory: mem, GuestLevels: 3, Mode: ModePV},
		},
		{
			name: "bad-mode",
			opts: Options{Memory: mem, GuestLevels: 4, Mode: Mode(9)},
		},
		{
			name: "oversized-template",
			opts: Options{Memory: mem, GuestLevels: 4, Mode: ModePV, PVTemplate: make([]uint64, 257)},
		},
		{
			name: "pool-below-chain",
			opts: Options{Memory: mem, GuestLevels: 2, Mode: ModeHVM, PoolSize: 7},
		},
		{
			name: "minimal-hvm",
			opts: Options{Memory: mem, GuestLevels: 4, Mode: ModeHVM, PoolSize: 4},
			ok:   true,
		},
		{
			name: "minimal-two-level",
			opts: Options{Memory: mem, GuestLevels: 2, Mode: ModeHVM, PoolSize: 8},
			ok:   true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			test.opts.Log = quietLogger()
			d, err := NewDomain(test.opts)
			if test.ok {
				if err != nil {
					t.Fatalf("NewDomain got %v, wanted success", err)
				}
				if err := d.Destroy(); err != nil {
					t.Errorf("Destroy: %v", err)
				}
				return
			}
			if err == nil {
				d.Destroy()
				t.Errorf("NewDomain succeeded, wanted error")
			}
		})
	}
}

func TestCreateVCPU(t *testing.T) {
	td := newTestDomain(t, Options{})
	if _, err := td.d.CreateVCPU(-1); err == nil {
		t.Errorf("CreateVCPU(-1) succeeded")
	}
	if _, err := td.d.CreateVCPU(MaxVCPUs); err == nil {
		t.Errorf("CreateVCPU(%d) succeeded", MaxVCPUs)
	}
	if _, err := td.d.CreateVCPU(3); err != nil {
		t.Fatalf("CreateVCPU(3): %v", err)
	}
	if _, err := td.d.CreateVCPU(3); err == nil {
		t.Errorf("duplicate CreateVCPU(3) succeeded")
	}
}

func TestPVTemplate(t *testing.T) {
	template := []uint64{
		hostEntry(0x9000, paging.Flags{Present: true, Writable: true, Accessed: true}),
		hostEntry(0x9001, paging.Flags{Present: true, Accessed: true, NoExec: true}),
	}
	td := newTestDomain(t, Options{Mode: ModePV, PVTemplate: template})
	v, root := td.boot()

	s := td.shadowOf(root, RoleL4)
	for i, w := range template {
		if got := s.pages[0].data[shadowEntries/2+i]; got != w {
			t.Errorf("template slot %d got %#x, wanted %#x", shadowEntries/2+i, got, w)
		}
	}

	// The guest maps something into the hypervisor half; the engine never
	// propagates it and the fault stays with the guest.
	upper := uint64(0xffff_8000_0000_0000)
	td.mapPage(root, upper, td.alloc(), paging.Flags{Present: true, Writable: true})
	out, err := v.PageFault(upper, AccessWrite)
	if err != nil {
		t.Fatalf("PageFault(upper half): %v", err)
	}
	if out != FaultGuest {
		t.Errorf("PageFault(upper half) got %v, wanted %v", out, FaultGuest)
	}
	if got := s.pages[0].data[shadowEntries/2]; got != template[0] {
		t.Errorf("template slot overwritten: %#x", got)
	}

	// The lower half works normally.
	target := td.alloc()
	va := uint64(0x400000)
	td.mapPage(root, va, target, paging.Flags{Present: true, Writable: true})
	td.faultFixed(v, va, 0)
}

func TestStatsSnapshot(t *testing.T) {
	td := newTestDomain(t, Options{})
	v, root := td.boot()
	target := td.alloc()
	va := uint64(0x200000 * 3)
	td.mapPage(root, va, target, paging.Flags{Present: true, Writable: true, User: true})
	td.faultFixed(v, va, AccessWrite)

	stats := td.d.Stats()
	if stats.Shadows != 4 {
		t.Errorf("Shadows got %d, wanted 4", stats.Shadows)
	}
	if stats.FramesInUse != 4 {
		t.Errorf("FramesInUse got %d, wanted 4", stats.FramesInUse)
	}
	if stats.Allocs != 4 {
		t.Errorf("Allocs got %d, wanted 4", stats.Allocs)
	}
	if stats.FaultsFixed != 1 {
		t.Errorf("FaultsFixed got %d, wanted 1", stats.FaultsFixed)
	}
}
