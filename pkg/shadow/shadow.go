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

// Package shadow implements shadow page tables for x86 guests that do not
// use hardware nested paging.
//
// For every guest page table the engine maintains a host-format shadow that
// the host CPU actually walks. Guest tables of 2-level (non-PAE), 3-level
// (PAE) and 4-level guests are all shadowed into 4-level host tables by one
// propagation algorithm parameterized by paging.Geometry. Shadows are
// reference counted, cached by (guest frame, shadow type), and kept
// consistent either eagerly (guest tables are write-protected and edits
// trapped) or lazily for hot tables marked out of sync, which are brought
// back in sync at every TLB-visible boundary.
//
// The engine is per-domain state driven entirely by calls from its
// collaborators: page faults, emulated guest stores, CR3 switches and
// teardown events. It owns nothing but its shadow frame pool; guest memory
// access, TLB shootdown, write-protection trap plumbing and dirty logging
// are provided interfaces.
//
// All mutating operations on a Domain serialize on one per-domain lock;
// translation-only lookups take a read lock. TLB flushes are issued while
// the lock is held so that no vCPU can re-enter the guest through a stale
// translation after a permission was narrowed.
package shadow

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gvisor.dev/shadow/pkg/ilist"
	"gvisor.dev/shadow/pkg/paging"
	"gvisor.dev/shadow/pkg/sync"
)

// GuestMemory is the engine's window onto guest physical memory and the
// guest-to-machine translation the embedder maintains.
//
// Read and Write operate on at most one frame; off+len(b) never exceeds the
// frame size. Implementations must not call back into the engine.
type GuestMemory interface {
	// Read copies guest physical memory at (gfn, off) into b.
	Read(gfn paging.Gfn, off int, b []byte) error

	// Write copies b into guest physical memory at (gfn, off).
	Write(gfn paging.Gfn, off int, b []byte) error

	// Translate resolves a guest frame to the machine frame backing it.
	// Translations never land inside the shadow frame pool.
	Translate(gfn paging.Gfn) (paging.Mfn, bool)
}

// TLB issues translation cache shootdowns. Both calls are synchronous: when
// they return, no CPU in the set holds a stale translation. vcpus is a
// bitmask of vCPU ids.
type TLB interface {
	FlushAddr(vcpus uint64, va uint64)
	FlushAll(vcpus uint64)
}

// DirtyLog observes writes that actually land through a shadow, for live
// migration style dirty tracking.
type DirtyLog interface {
	MarkDirty(gfn paging.Gfn)
}

// WriteProtect controls trapping of guest writes to a frame. The engine
// protects frames backing in-sync table shadows and unprotects them when
// the last such shadow dies or the frame goes out of sync.
type WriteProtect interface {
	Protect(gfn paging.Gfn)
	Unprotect(gfn paging.Gfn)
}

// MaxVCPUs is the largest number of vCPUs one domain supports; vCPU sets
// are 64-bit masks.
const MaxVCPUs = 64

// Options configures a Domain.
type Options struct {
	// Memory provides guest physical memory. Required.
	Memory GuestMemory

	// TLB, DirtyLog and WriteProtect are optional; absent collaborators
	// are no-ops.
	TLB          TLB
	DirtyLog     DirtyLog
	WriteProtect WriteProtect

	// GuestLevels is the guest paging depth: 2, 3 or 4.
	GuestLevels int

	// Mode is the guest execution mode. PV requires GuestLevels == 4.
	Mode Mode

	// PoolSize is the shadow pool capacity in frames. It must at least
	// cover one full translation chain for the guest's geometry.
	PoolSize int

	// OOSLimit bounds the out-of-sync set; admitting a record beyond the
	// limit first resyncs the least recently marked one.
	OOSLimit int

	// OOSThreshold is the number of consecutive trapped writes to one
	// guest leaf table after which it is marked out of sync instead of
	// eagerly propagated.
	OOSThreshold int

	// UnshadowThreshold is the number of write faults hitting one
	// shadowed frame as plain data after which its shadows are torn
	// down entirely.
	UnshadowThreshold int

	// MappedPool backs the pool with an anonymous mapping instead of the
	// Go heap, making shadow frame numbers real host frame numbers.
	MappedPool bool

	// Audit verifies all structure invariants after every mutating
	// operation and panics on violation. Expensive; for tests and debug.
	Audit bool

	// PVTemplate holds the hypervisor-owned entries stamped into the
	// upper half of every PV root shadow, starting at slot 256. At most
	// 256 entries, referencing hypervisor frames outside the shadow
	// pool. Guest writes to templated slots are discarded.
	PVTemplate []uint64

	// Log receives engine logging. Defaults to the standard logger.
	Log logrus.FieldLogger
}

const (
	defaultPoolSize          = 1024
	defaultOOSLimit          = 64
	defaultOOSThreshold      = 8
	defaultUnshadowThreshold = 8
)

func (o Options) withDefaults() Options {
	if o.PoolSize == 0 {
		o.PoolSize = defaultPoolSize
	}
	if o.OOSLimit == 0 {
		o.OOSLimit = defaultOOSLimit
	}
	if o.OOSThreshold == 0 {
		o.OOSThreshold = defaultOOSThreshold
	}
	if o.UnshadowThreshold == 0 {
		o.UnshadowThreshold = defaultUnshadowThreshold
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	return o
}

func (o *Options) validate() error {
	if o.Memory == nil {
		return fmt.Errorf("shadow: Options.Memory is required")
	}
	if _, ok := paging.ByLevels(o.GuestLevels); !ok {
		return fmt.Errorf("shadow: unsupported guest paging depth %d", o.GuestLevels)
	}
	switch o.Mode {
	case ModePV:
		if o.GuestLevels != 4 {
			return fmt.Errorf("shadow: PV guests must use 4-level paging, got %d", o.GuestLevels)
		}
	case ModeHVM:
	default:
		return fmt.Errorf("shadow: invalid guest mode %v", o.Mode)
	}
	if len(o.PVTemplate) > shadowEntries/2 {
		return fmt.Errorf("shadow: PV template has %d entries, limit %d", len(o.PVTemplate), shadowEntries/2)
	}
	if min := chainFrames(o.GuestLevels, o.Mode); o.PoolSize < min {
		return fmt.Errorf("shadow: pool of %d frames cannot hold one translation chain (%d)", o.PoolSize, min)
	}
	return nil
}

// Domain is the shadow state of one guest: its frame pool, shadow cache,
// out-of-sync set and vCPU roots. All methods are safe for concurrent use.
type Domain struct {
	opts Options
	g    *paging.Geometry
	log  logrus.FieldLogger
	warn *rateLimitedLogger

	mu sync.RWMutex

	// +checklocks:mu
	arena *arena
	// +checklocks:mu
	cache shadowCache
	// +checklocks:mu
	oos oosTracker
	// +checklocks:mu
	pinned ilist.List[shadow]
	// +checklocks:mu
	vcpus map[int]*VCPU
	// dirty is the mask of vCPUs that may hold translations from this
	// domain's shadows.
	// +checklocks:mu
	dirty uint64
	// pendingFlush is set when a freed shadow frame may still be visible
	// through a TLB; it must be cleared by a full flush before the frame
	// is reused.
	// +checklocks:mu
	pendingFlush bool
	// +checklocks:mu
	poisoned error
	// +checklocks:mu
	destroyed bool
	// +checklocks:mu
	stats Stats
}

// VCPU is one virtual CPU of the domain. A vCPU has at most one pinned
// root; its operations mutate the owning domain.
type VCPU struct {
	d  *Domain
	id int

	// +checklocks:d.mu
	root handle
	// +checklocks:d.mu
	rootGFN paging.Gfn
	// +checklocks:d.mu
	hasRoot bool
}

// ID returns the vCPU id.
func (v *VCPU) ID() int { return v.id }

// NewDomain creates a domain in shadow mode.
func NewDomain(opts Options) (*Domain, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	g, _ := paging.ByLevels(opts.GuestLevels)
	a, err := newArena(opts.PoolSize, opts.MappedPool)
	if err != nil {
		return nil, err
	}
	log := opts.Log.WithFields(logrus.Fields{
		"mode":   opts.Mode,
		"levels": opts.GuestLevels,
	})
	d := &Domain{
		opts:   opts,
		g:      g,
		log:    log,
		warn:   newRateLimitedLogger(log, guestWarnInterval),
		arena:  a,
		cache:  newShadowCache(),
		pinned: pinList(),
		vcpus:  make(map[int]*VCPU),
	}
	d.oos = newOOSTracker(opts.OOSLimit)
	d.log.WithFields(logrus.Fields{
		"pool":      opts.PoolSize,
		"oos-limit": opts.OOSLimit,
	}).Debug("Shadow domain created")
	return d, nil
}

// CreateVCPU registers a vCPU. Ids must be unique and below MaxVCPUs.
func (d *Domain) CreateVCPU(id int) (*VCPU, error) {
	if id < 0 || id >= MaxVCPUs {
		return nil, fmt.Errorf("shadow: vCPU id %d out of range", id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return nil, err
	}
	if _, ok := d.vcpus[id]; ok {
		return nil, fmt.Errorf("shadow: vCPU %d already exists", id)
	}
	v := &VCPU{d: d, id: id}
	d.vcpus[id] = v
	return v, nil
}

// usableLocked fails mutating operations on dead or quarantined domains.
//
// +checklocks:d.mu
func (d *Domain) usableLocked() error {
	if d.destroyed {
		return ErrDestroyed
	}
	if d.poisoned != nil {
		d.stats.InvariantViolations++
		return fmt.Errorf("%w: %v", ErrPoisoned, d.poisoned)
	}
	return nil
}

// poisonLocked quarantines the domain after an invariant violation. Under
// audit the violation panics so tests and debug builds fail loudly; in
// production the domain refuses all further mutation instead of running on
// corrupt structures.
//
// +checklocks:d.mu
func (d *Domain) poisonLocked(err error) error {
	d.stats.InvariantViolations++
	if d.opts.Audit {
		panic(err)
	}
	if d.poisoned == nil {
		d.poisoned = err
		d.log.WithError(err).Error("Shadow domain quarantined")
	}
	return err
}

// bit returns the vCPU set containing only v.
func (v *VCPU) bit() uint64 { return 1 << uint(v.id) }

// flushAllLocked shoots down every translation the domain's vCPUs may
// hold. Synchronous; see TLB.
//
// +checklocks:d.mu
func (d *Domain) flushAllLocked() {
	if d.opts.TLB != nil && d.dirty != 0 {
		d.opts.TLB.FlushAll(d.dirty)
	}
	d.pendingFlush = false
}

// flushIfPendingLocked flushes only if a freed frame is still unflushed.
// Mutating operations call it before returning to the guest.
//
// +checklocks:d.mu
func (d *Domain) flushIfPendingLocked() {
	if d.pendingFlush {
		d.flushAllLocked()
	}
}

// flushAddrLocked shoots down one address on the given vCPU set.
//
// +checklocks:d.mu
func (d *Domain) flushAddrLocked(vcpus uint64, va uint64) {
	if d.opts.TLB != nil && vcpus != 0 {
		d.opts.TLB.FlushAddr(vcpus, va)
	}
}

// markDirtyFrame reports a write landing in guest memory to the dirty log.
func (d *Domain) markDirtyFrame(gfn paging.Gfn) {
	if d.opts.DirtyLog != nil {
		d.opts.DirtyLog.MarkDirty(gfn)
	}
}

// protectFrame enables write trapping for a guest frame.
func (d *Domain) protectFrame(gfn paging.Gfn) {
	if d.opts.WriteProtect != nil {
		d.opts.WriteProtect.Protect(gfn)
	}
}

// unprotectFrame disables write trapping for a guest frame.
func (d *Domain) unprotectFrame(gfn paging.Gfn) {
	if d.opts.WriteProtect != nil {
		d.opts.WriteProtect.Unprotect(gfn)
	}
}

// readGuestEntry reads guest entry index from the table at gfn.
func (d *Domain) readGuestEntry(gfn paging.Gfn, index int) (paging.Entry, error) {
	var buf [8]byte
	b := buf[:d.g.EntryBytes]
	if err := d.opts.Memory.Read(gfn, index*d.g.EntryBytes, b); err != nil {
		return 0, fmt.Errorf("%w: entry %d of %#x: %v", ErrGuestMemory, index, gfn, err)
	}
	return paging.EntryFromBytes(d.g, b, 0), nil
}

// writeGuestEntry writes guest entry index of the table at gfn.
func (d *Domain) writeGuestEntry(gfn paging.Gfn, index int, e paging.Entry) error {
	var buf [8]byte
	b := buf[:d.g.EntryBytes]
	paging.EntryToBytes(d.g, b, 0, e)
	if err := d.opts.Memory.Write(gfn, index*d.g.EntryBytes, b); err != nil {
		return fmt.Errorf("%w: entry %d of %#x: %v", ErrGuestMemory, index, gfn, err)
	}
	return nil
}

// readGuestPage reads one full guest frame.
func (d *Domain) readGuestPage(gfn paging.Gfn, b []byte) error {
	if err := d.opts.Memory.Read(gfn, 0, b); err != nil {
		return fmt.Errorf("%w: page %#x: %v", ErrGuestMemory, gfn, err)
	}
	return nil
}

// translateGfn resolves a guest frame through the collaborator.
func (d *Domain) translateGfn(gfn paging.Gfn) (paging.Mfn, error) {
	mfn, ok := d.opts.Memory.Translate(gfn)
	if !ok {
		return 0, fmt.Errorf("%w: gfn %#x has no machine frame", ErrBadGuestEntry, gfn)
	}
	return mfn, nil
}
