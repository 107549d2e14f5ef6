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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/shadow/pkg/paging"
	"gvisor.dev/shadow/pkg/shadow"
)

const (
	// laneShift carves the guest address space into one 64MiB lane per
	// vCPU; lanes fit every supported geometry with 64 vCPUs.
	laneShift = 26
	lanePages = 1 << (laneShift - paging.PageShift)

	// guestMfnBase offsets simulated machine frames so they can never
	// alias a shadow pool frame; hypervisorBase is where the synthetic
	// PV template points.
	guestMfnBase   paging.Mfn = 0x200000
	hypervisorBase paging.Mfn = 0x180000
)

// guestRAM is sparse simulated guest physical memory with an
// identity-plus-offset machine translation.
type guestRAM struct {
	mu     sync.Mutex
	frames map[paging.Gfn]*[paging.PageSize]byte
	next   paging.Gfn
}

func newGuestRAM() *guestRAM {
	return &guestRAM{
		frames: make(map[paging.Gfn]*[paging.PageSize]byte),
		next:   1,
	}
}

// alloc hands out the next free guest frame.
func (r *guestRAM) alloc() paging.Gfn {
	r.mu.Lock()
	defer r.mu.Unlock()
	gfn := r.next
	r.next++
	r.frames[gfn] = new([paging.PageSize]byte)
	return gfn
}

// allocAligned hands out n contiguous frames with the base aligned to n,
// as a superpage region needs.
func (r *guestRAM) allocAligned(n int) paging.Gfn {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := (r.next + paging.Gfn(n) - 1) &^ (paging.Gfn(n) - 1)
	r.next = base + paging.Gfn(n)
	return base
}

func (r *guestRAM) page(gfn paging.Gfn) *[paging.PageSize]byte {
	p, ok := r.frames[gfn]
	if !ok {
		p = new([paging.PageSize]byte)
		r.frames[gfn] = p
	}
	return p
}

// Read implements shadow.GuestMemory.Read.
func (r *guestRAM) Read(gfn paging.Gfn, off int, b []byte) error {
	if off < 0 || off+len(b) > paging.PageSize {
		return fmt.Errorf("read of [%d, %d) outside frame %#x", off, off+len(b), gfn)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(b, r.page(gfn)[off:])
	return nil
}

// Write implements shadow.GuestMemory.Write.
func (r *guestRAM) Write(gfn paging.Gfn, off int, b []byte) error {
	if off < 0 || off+len(b) > paging.PageSize {
		return fmt.Errorf("write of [%d, %d) outside frame %#x", off, off+len(b), gfn)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(r.page(gfn)[off:], b)
	return nil
}

// Translate implements shadow.GuestMemory.Translate.
func (r *guestRAM) Translate(gfn paging.Gfn) (paging.Mfn, bool) {
	return guestMfnBase + paging.Mfn(gfn), true
}

// The engine invokes the remaining collaborators with its domain lock
// held, so plain counters suffice.

// simTLB counts shootdowns; there is no hardware TLB to invalidate.
type simTLB struct {
	addr, all uint64
}

func (t *simTLB) FlushAddr(vcpus uint64, va uint64) { t.addr++ }
func (t *simTLB) FlushAll(vcpus uint64)             { t.all++ }

// simDirty counts dirty log marks.
type simDirty struct {
	marks uint64
}

func (s *simDirty) MarkDirty(gfn paging.Gfn) { s.marks++ }

// simProtect tracks which guest frames the engine has write-protected.
type simProtect struct {
	live map[paging.Gfn]bool
}

func (p *simProtect) Protect(gfn paging.Gfn)   { p.live[gfn] = true }
func (p *simProtect) Unprotect(gfn paging.Gfn) { delete(p.live, gfn) }

// machine bundles the collaborators of one simulated guest.
type machine struct {
	ram   *guestRAM
	tlb   simTLB
	dirty simDirty
	prot  simProtect
}

func newMachine() *machine {
	return &machine{
		ram:  newGuestRAM(),
		prot: simProtect{live: make(map[paging.Gfn]bool)},
	}
}

func (m *machine) readEntry(g *paging.Geometry, gfn paging.Gfn, index int) paging.Entry {
	b := make([]byte, g.EntryBytes)
	if err := m.ram.Read(gfn, index*g.EntryBytes, b); err != nil {
		panic(err)
	}
	return paging.EntryFromBytes(g, b, 0)
}

func (m *machine) writeEntry(g *paging.Geometry, gfn paging.Gfn, index int, e paging.Entry) {
	b := make([]byte, g.EntryBytes)
	paging.EntryToBytes(g, b, 0, e)
	if err := m.ram.Write(gfn, index*g.EntryBytes, b); err != nil {
		panic(err)
	}
}

var (
	dirFlags  = paging.Flags{Present: true, Writable: true, User: true}
	leafFlags = paging.Flags{Present: true, Writable: true, User: true}

	// leafLive is what a live guest PTE looks like once the guest's own
	// walks have touched it.
	leafLive = paging.Flags{Present: true, Writable: true, User: true, Accessed: true, Dirty: true}
)

// mapVA installs va -> target in the guest's own tables, allocating
// intermediate tables as needed, and returns the leaf table's frame. Writes
// land natively, so this is only for tables not yet shadowed.
func (m *machine) mapVA(g *paging.Geometry, root paging.Gfn, va uint64, target paging.Gfn, f paging.Flags) paging.Gfn {
	tgfn := root
	for lvl := g.Levels; lvl > 1; lvl-- {
		gi := g.Index(va, lvl)
		ge := m.readEntry(g, tgfn, gi)
		if !ge.Present() {
			nt := m.ram.alloc()
			tf := dirFlags
			if g.Levels == 3 && lvl == 3 {
				// The 4-entry PAE top table carries presence only.
				tf = paging.Flags{Present: true}
			}
			m.writeEntry(g, tgfn, gi, paging.Make(g, uint64(nt), tf))
			tgfn = nt
			continue
		}
		tgfn = ge.Frame(g, lvl)
	}
	m.writeEntry(g, tgfn, g.Index(va, 1), paging.Make(g, uint64(target), f))
	return tgfn
}

// mapRegion installs a directory superpage covering the aligned region at
// va.
func (m *machine) mapRegion(g *paging.Geometry, root paging.Gfn, va uint64, base paging.Gfn) {
	tgfn := root
	for lvl := g.Levels; lvl > 2; lvl-- {
		gi := g.Index(va, lvl)
		ge := m.readEntry(g, tgfn, gi)
		if !ge.Present() {
			panic(fmt.Sprintf("no directory chain for region at %#x", va))
		}
		tgfn = ge.Frame(g, lvl)
	}
	f := leafLive
	f.Super = true
	m.writeEntry(g, tgfn, g.Index(va, 2), paging.Make(g, uint64(base), f))
}

// lane is one vCPU's private slice of the guest: two roots mapping the same
// working set through separate table chains, for CR3 ping-pong.
type lane struct {
	v    *shadow.VCPU
	base uint64
	vas  []uint64

	roots [2]paging.Gfn
	// tables[i] holds the leaf table frames of root i, in lane order.
	tables [2][]paging.Gfn
	cur    int

	// data frames the table-write ops retarget PTEs at.
	data []paging.Gfn

	// superVA covers the superpage region; zero when the geometry has
	// none.
	superVA uint64

	rng *rand.Rand
}

func buildLane(conf *Config, m *machine, d *shadow.Domain, g *paging.Geometry, id int) (*lane, error) {
	ln := &lane{
		base: uint64(id) << laneShift,
		rng:  rand.New(rand.NewSource(conf.Workload.Seed + int64(id))),
	}
	v, err := d.CreateVCPU(id)
	if err != nil {
		return nil, err
	}
	ln.v = v

	ws := conf.Workload.WorkingSet
	ln.vas = make([]uint64, ws)
	targets := make([]paging.Gfn, ws)
	for p := 0; p < ws; p++ {
		ln.vas[p] = ln.base + uint64(p)*paging.PageSize
		targets[p] = m.ram.alloc()
	}
	for i := range ln.roots {
		ln.roots[i] = m.ram.alloc()
		for p := 0; p < ws; p++ {
			lt := m.mapVA(g, ln.roots[i], ln.vas[p], targets[p], leafFlags)
			if p%g.Entries(1) == 0 {
				ln.tables[i] = append(ln.tables[i], lt)
			}
		}
	}
	for i := 0; i < 16; i++ {
		ln.data = append(ln.data, m.ram.alloc())
	}

	// Non-PAE HVM guests get a 4MiB superpage in the top half of the
	// lane, to exercise splintering.
	if g.Levels == 2 && conf.Mode == "hvm" {
		span := int(g.EntrySpan(2) / paging.PageSize)
		region := m.ram.allocAligned(span)
		ln.superVA = ln.base | 1<<(laneShift-1)
		for i := range ln.roots {
			m.mapRegion(g, ln.roots[i], ln.superVA, region)
		}
	}

	if _, err := v.SwitchRoot(ln.roots[0]); err != nil {
		return nil, fmt.Errorf("loading root for vCPU %d: %w", id, err)
	}
	return ln, nil
}

// fault drives one page fault to completion. Transient outcomes retry: the
// pool may need reclamation time, and a reclaim on another vCPU can tear
// this vCPU's root down mid-build.
func (ln *lane) fault(va uint64, access shadow.Access) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		out, err := ln.v.PageFault(va, access)
		if err != nil {
			if errors.Is(err, shadow.ErrNoShadowMemory) {
				return err
			}
			if errors.Is(err, shadow.ErrNotShadowed) {
				if _, serr := ln.v.SwitchRoot(ln.roots[ln.cur]); serr != nil {
					return backoff.Permanent(serr)
				}
				return err
			}
			return backoff.Permanent(err)
		}
		if out != shadow.FaultFixed {
			return backoff.Permanent(fmt.Errorf("page fault at %#x: %v", va, out))
		}
		return nil
	}, b)
}

// run replays the lane's operation stream. Every mapping stays valid for
// the whole run, so any guest-visible fault is an engine bug.
func (ln *lane) run(d *shadow.Domain, g *paging.Geometry, iters int) error {
	for n := 0; n < iters; n++ {
		p := ln.rng.Intn(len(ln.vas))
		va := ln.vas[p]
		switch c := ln.rng.Intn(100); {
		case c < 35:
			if err := ln.fault(va, 0); err != nil {
				return err
			}
		case c < 60:
			if err := ln.fault(va, shadow.AccessWrite); err != nil {
				return err
			}
		case c < 70:
			off := uint64(ln.rng.Intn(paging.PageSize/8)) * 8
			out, err := ln.v.WriteLinear(va|off, uint64(n), 8)
			if err != nil {
				return fmt.Errorf("linear write at %#x: %w", va|off, err)
			}
			if out != shadow.WriteUnshadowed {
				return fmt.Errorf("linear write at %#x hit a table: %v", va|off, out)
			}
		case c < 82:
			// A PTE rewrite through the trap path, as a guest
			// kernel's remap would arrive.
			tbl := ln.tables[ln.cur][p/g.Entries(1)]
			slot := g.Index(va, 1)
			e := paging.Make(g, uint64(ln.data[ln.rng.Intn(len(ln.data))]), leafLive)
			if _, err := ln.v.WriteFault(tbl, slot*g.EntryBytes, uint64(e), g.EntryBytes); err != nil {
				return fmt.Errorf("table write to %#x: %w", tbl, err)
			}
		case c < 88:
			if err := ln.v.InvlPg(va); err != nil {
				return err
			}
		case c < 91:
			if err := ln.v.FlushTLB(); err != nil {
				return err
			}
		case c < 95:
			ln.cur ^= 1
			if _, err := ln.v.SwitchRoot(ln.roots[ln.cur]); err != nil {
				return fmt.Errorf("switching to root %#x: %w", ln.roots[ln.cur], err)
			}
		case c < 97:
			root := ln.roots[ln.cur]
			if err := d.PinRoot(root); err != nil {
				return err
			}
			if err := d.UnpinRoot(root); err != nil {
				return err
			}
		case c < 99 && ln.superVA != 0:
			span := int(g.EntrySpan(2) / paging.PageSize)
			sva := ln.superVA | uint64(ln.rng.Intn(span))<<paging.PageShift
			if err := ln.fault(sva, shadow.AccessWrite); err != nil {
				return err
			}
		default:
			// The embedder-driven maintenance calls.
			tbl := ln.tables[ln.cur][ln.rng.Intn(len(ln.tables[ln.cur]))]
			if d.OutOfSync(tbl) {
				if err := d.Resync(tbl); err != nil {
					return err
				}
			} else if err := d.InvalidateAll(tbl); err != nil {
				return err
			}
		}
	}
	return nil
}

func simulate(conf *Config, audit bool, out io.Writer) error {
	if err := conf.check(); err != nil {
		return err
	}
	mode, err := conf.mode()
	if err != nil {
		return err
	}
	g, _ := paging.ByLevels(conf.Levels)

	m := newMachine()
	opts := shadow.Options{
		Memory:            m.ram,
		TLB:               &m.tlb,
		DirtyLog:          &m.dirty,
		WriteProtect:      &m.prot,
		GuestLevels:       conf.Levels,
		Mode:              mode,
		PoolSize:          conf.Pool.Frames,
		OOSLimit:          conf.Pool.OOSLimit,
		OOSThreshold:      conf.Pool.OOSThreshold,
		UnshadowThreshold: conf.Pool.UnshadowThreshold,
		MappedPool:        conf.Pool.Mapped,
		Audit:             audit,
	}
	if mode == shadow.ModePV {
		for i := 0; i < 4; i++ {
			e := paging.Make(g, uint64(hypervisorBase)+uint64(i), paging.Flags{Present: true, Writable: true})
			opts.PVTemplate = append(opts.PVTemplate, uint64(e))
		}
	}
	d, err := shadow.NewDomain(opts)
	if err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{
		"mode":   conf.Mode,
		"levels": conf.Levels,
		"vcpus":  conf.VCPUs,
		"pool":   conf.Pool.Frames,
	})
	log.Info("Building guest tables")
	lanes := make([]*lane, conf.VCPUs)
	for i := range lanes {
		if lanes[i], err = buildLane(conf, m, d, g, i); err != nil {
			return err
		}
	}

	log.WithField("iterations", conf.Workload.Iterations).Info("Running workload")
	start := time.Now()
	var eg errgroup.Group
	for _, ln := range lanes {
		ln := ln
		eg.Go(func() error {
			return ln.run(d, g, conf.Workload.Iterations)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	if audit {
		if err := d.Audit(); err != nil {
			return err
		}
		log.Info("Audit clean")
	}

	report(out, d.Stats(), m, conf, elapsed)

	if err := d.Destroy(); err != nil {
		return err
	}
	if st := d.Stats(); st.Allocs != st.Frees || st.Shadows != 0 || st.FramesInUse != 0 {
		return fmt.Errorf("shadow pool leak: %d allocs, %d frees, %d shadows live", st.Allocs, st.Frees, st.Shadows)
	}
	log.WithField("elapsed", elapsed.Round(time.Millisecond)).Info("Done")
	return nil
}

func report(out io.Writer, st shadow.Stats, m *machine, conf *Config, elapsed time.Duration) {
	ops := int64(conf.VCPUs) * int64(conf.Workload.Iterations)
	w := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "pool\t%d frames, %d in use, %d reclaims\n", conf.Pool.Frames, st.FramesInUse, st.Reclaims)
	fmt.Fprintf(w, "shadows\t%d live, %d allocated, %d freed\n", st.Shadows, st.Allocs, st.Frees)
	fmt.Fprintf(w, "faults\t%d fixed, %d guest, %d emulated\n", st.FaultsFixed, st.FaultsGuest, st.FaultsEmulated)
	fmt.Fprintf(w, "propagations\t%d entries, %d superpage splits\n", st.Propagations, st.Splits)
	fmt.Fprintf(w, "out of sync\t%d marks, %d evictions, %d resyncs\n", st.OOSMarks, st.OOSEvictions, st.Resyncs)
	fmt.Fprintf(w, "teardowns\t%d unshadows, %d role conflicts\n", st.Unshadows, st.RoleConflicts)
	fmt.Fprintf(w, "tlb\t%d addr flushes, %d full flushes\n", m.tlb.addr, m.tlb.all)
	fmt.Fprintf(w, "dirty log\t%d marks\n", m.dirty.marks)
	fmt.Fprintf(w, "protected\t%d frames\n", len(m.prot.live))
	fmt.Fprintf(w, "rate\t%.0f ops/s over %d vCPUs\n", float64(ops)/elapsed.Seconds(), conf.VCPUs)
	w.Flush()
}

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	iterations int
	vcpus      int
	pool       int
	seed       int64

	audit bool
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string {
	return "run the synthetic guest workload"
}

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [flags] - run the synthetic guest workload.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.iterations, "iterations", 0, "operations per vCPU; overrides the config file.")
	f.IntVar(&r.vcpus, "vcpus", 0, "number of vCPUs; overrides the config file.")
	f.IntVar(&r.pool, "pool", 0, "shadow pool frames; overrides the config file.")
	f.Int64Var(&r.seed, "seed", -1, "workload seed; overrides the config file.")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := *args[0].(*Config)
	if r.iterations > 0 {
		conf.Workload.Iterations = r.iterations
	}
	if r.vcpus > 0 {
		conf.VCPUs = r.vcpus
	}
	if r.pool > 0 {
		conf.Pool.Frames = r.pool
	}
	if r.seed >= 0 {
		conf.Workload.Seed = r.seed
	}
	if err := simulate(&conf, r.audit, os.Stdout); err != nil {
		logrus.WithError(err).Error("Workload failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
