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

// auditMaybeLocked runs the full invariant audit when the domain was
// configured for it. Violations panic through poisonLocked.
//
// +checklocks:d.mu
func (d *Domain) auditMaybeLocked() {
	if !d.opts.Audit {
		return
	}
	if err := d.auditLocked(); err != nil {
		_ = d.poisonLocked(err)
	}
}

// Audit verifies every structural invariant immediately. With
// Options.Audit set the same checks already run after each mutating
// operation; calling this on a non-auditing domain quarantines it on
// violation instead of panicking.
func (d *Domain) Audit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	if err := d.auditLocked(); err != nil {
		return d.poisonLocked(err)
	}
	return nil
}

// auditLocked walks every structure and cross-checks them: the cache and
// the arena must be in bijection, reference counts must equal inbound
// links plus pins, parent records must mirror the links one to one, leaf
// entries must leave the pool and interior entries stay in it, and the
// pinned list and out-of-sync set must agree with the objects.
//
// +checklocks:d.mu
func (d *Domain) auditLocked() error {
	var err error

	// Cache entries resolve to live, matching objects; no object serves
	// two keys.
	seen := make(map[handle]cacheKey)
	d.cache.ascend(func(k cacheKey, h handle) bool {
		s := d.arena.deref(h)
		if s == nil {
			err = fmt.Errorf("%w: cache entry %#x/%s is stale", ErrInvariant, k.gfn, k.typ)
			return false
		}
		if s.gfn != k.gfn || s.typ != k.typ {
			err = fmt.Errorf("%w: cache entry %#x/%s resolves to %s shadow of %#x",
				ErrInvariant, k.gfn, k.typ, s.typ, s.gfn)
			return false
		}
		if prev, ok := seen[h]; ok {
			err = fmt.Errorf("%w: one shadow cached as %#x/%s and %#x/%s",
				ErrInvariant, prev.gfn, prev.typ, k.gfn, k.typ)
			return false
		}
		seen[h] = k
		return true
	})
	if err != nil {
		return err
	}

	// Every live object is cached and structurally sound.
	live := 0
	d.arena.forEach(func(h handle, s *shadow) {
		if err != nil {
			return
		}
		live++
		if _, ok := seen[h]; !ok {
			err = fmt.Errorf("%w: live %s shadow of %#x missing from the cache", ErrInvariant, s.typ, s.gfn)
			return
		}
		if !s.typ.Valid() {
			err = fmt.Errorf("%w: live shadow with invalid type %s", ErrInvariant, s.typ)
			return
		}
		if len(s.pages) != s.typ.Pages() {
			err = fmt.Errorf("%w: %s shadow of %#x has %d pages", ErrInvariant, s.typ, s.gfn, len(s.pages))
			return
		}
		if s.pins < 0 || s.refs < s.pins {
			err = fmt.Errorf("%w: %s shadow of %#x has refs=%d pins=%d", ErrInvariant, s.typ, s.gfn, s.refs, s.pins)
			return
		}
		if s.refs < 1 {
			err = fmt.Errorf("%w: unreferenced %s shadow of %#x is alive", ErrInvariant, s.typ, s.gfn)
			return
		}
	})
	if err != nil {
		return err
	}
	if live != d.cache.len() {
		return fmt.Errorf("%w: %d live shadows, %d cache entries", ErrInvariant, live, d.cache.len())
	}

	// Entry discipline and link accounting. Every present interior entry
	// outside a PV template half must name a pool frame and carry exactly
	// one parent record on its child; leaf entries must leave the pool.
	inbound := make(map[handle]int)
	d.arena.forEach(func(ph handle, p *shadow) {
		if err != nil {
			return
		}
		leaf := p.typ.Role == RoleL1 || p.typ.Role == RoleFL1
		for pi := range p.pages {
			for si, w := range p.pages[pi].data {
				if !hostPresent(w) {
					continue
				}
				ch, _, ok := d.arena.byMfn(hostMfn(w))
				if leaf {
					if ok {
						err = fmt.Errorf("%w: leaf entry %d/%d of %s shadow of %#x maps a pool frame",
							ErrInvariant, pi, si, p.typ, p.gfn)
						return
					}
					continue
				}
				if p.typ.Mode == ModePV && p.typ.Role == RoleL4 && si >= shadowEntries/2 {
					if ok {
						err = fmt.Errorf("%w: template slot %d of root %#x maps a pool frame",
							ErrInvariant, si, p.gfn)
						return
					}
					continue
				}
				if !ok {
					err = fmt.Errorf("%w: interior entry %d/%d of %s shadow of %#x leaves the pool",
						ErrInvariant, pi, si, p.typ, p.gfn)
					return
				}
				if ch == ph {
					continue
				}
				inbound[ch]++
				cs := d.arena.deref(ch)
				found := 0
				for _, pl := range cs.parents {
					if pl.owner == ph && pl.page == pi && pl.slot == si {
						found++
					}
				}
				if found != 1 {
					err = fmt.Errorf("%w: link %d/%d from %s shadow of %#x has %d parent records",
						ErrInvariant, pi, si, p.typ, p.gfn, found)
					return
				}
			}
		}
	})
	if err != nil {
		return err
	}
	d.arena.forEach(func(h handle, s *shadow) {
		if err != nil {
			return
		}
		in := inbound[h]
		if int(s.refs) != in+int(s.pins) {
			err = fmt.Errorf("%w: %s shadow of %#x has refs=%d, links=%d, pins=%d",
				ErrInvariant, s.typ, s.gfn, s.refs, in, s.pins)
			return
		}
		if len(s.parents) != in {
			err = fmt.Errorf("%w: %s shadow of %#x has %d parent records for %d links",
				ErrInvariant, s.typ, s.gfn, len(s.parents), in)
			return
		}
	})
	if err != nil {
		return err
	}

	// Monitors keep their self link, and nothing else on the root page.
	d.arena.forEach(func(h handle, s *shadow) {
		if err != nil || s.typ.Role != RoleMonitor {
			return
		}
		w := s.pages[monitorRootPage].data[0]
		if !hostPresent(w) || hostMfn(w) != s.pages[monitorL3Page].mfn {
			err = fmt.Errorf("%w: monitor of %#x lost its embedded top link", ErrInvariant, s.gfn)
			return
		}
		for si := 1; si < shadowEntries; si++ {
			if hostPresent(s.pages[monitorRootPage].data[si]) {
				err = fmt.Errorf("%w: monitor of %#x has a stray root entry at %d", ErrInvariant, s.gfn, si)
				return
			}
		}
		for si := 4; si < shadowEntries; si++ {
			if hostPresent(s.pages[monitorL3Page].data[si]) {
				err = fmt.Errorf("%w: monitor of %#x has a stray top entry at %d", ErrInvariant, s.gfn, si)
				return
			}
		}
	})
	if err != nil {
		return err
	}

	// Pinned list agrees with pin counts.
	listed := 0
	for s := d.pinned.Front(); s != nil; s = d.pinned.Next(s) {
		listed++
		if s.pins <= 0 {
			return fmt.Errorf("%w: %s shadow of %#x on the pinned list with pins=%d",
				ErrInvariant, s.typ, s.gfn, s.pins)
		}
	}
	withPins := 0
	d.arena.forEach(func(h handle, s *shadow) {
		if s.pins > 0 {
			withPins++
		}
	})
	if listed != withPins {
		return fmt.Errorf("%w: %d shadows pinned, %d on the pinned list", ErrInvariant, withPins, listed)
	}

	// Out-of-sync records stay bounded, snapshotted, and only ever cover
	// frames whose table shadows are all leaves.
	if n := d.oos.count(); n > d.opts.OOSLimit {
		return fmt.Errorf("%w: %d frames out of sync, limit %d", ErrInvariant, n, d.opts.OOSLimit)
	}
	for r := d.oos.lru.Front(); r != nil; r = d.oos.lru.Next(r) {
		if len(r.snapshot) != paging.PageSize {
			return fmt.Errorf("%w: out-of-sync record for %#x has a %d byte snapshot",
				ErrInvariant, r.gfn, len(r.snapshot))
		}
		tables := 0
		bad := false
		d.cache.forFrame(r.gfn, func(t Type, h handle) bool {
			if t.table() {
				tables++
				if t.Role != RoleL1 {
					bad = true
				}
			}
			return true
		})
		if tables == 0 || bad {
			return fmt.Errorf("%w: out-of-sync record for %#x with unsuitable shadows", ErrInvariant, r.gfn)
		}
	}

	// Arena accounting.
	frames := 0
	d.arena.forEach(func(h handle, s *shadow) {
		frames += len(s.pages)
	})
	if frames != d.arena.framesInUse() {
		return fmt.Errorf("%w: %d frames held by shadows, %d accounted in use",
			ErrInvariant, frames, d.arena.framesInUse())
	}
	if got := d.arena.freeCount() + d.arena.framesInUse(); got != d.arena.capacity() {
		return fmt.Errorf("%w: %d frames tracked in a pool of %d", ErrInvariant, got, d.arena.capacity())
	}
	return nil
}
