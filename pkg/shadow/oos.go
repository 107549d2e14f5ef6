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

	"gvisor.dev/shadow/pkg/ilist"
	"gvisor.dev/shadow/pkg/paging"
)

// oosRecord tracks one guest page whose shadows are deliberately stale. The
// snapshot holds the page content the shadows were last propagated from, so
// resync re-propagates only entries the guest actually changed.
type oosRecord struct {
	gfn      paging.Gfn
	snapshot []byte
	link     ilist.Entry[oosRecord]
}

// oosTracker is the bounded out-of-sync set, LRU ordered by marking time.
// The list front is the least recently marked record, the eviction victim.
type oosTracker struct {
	limit int
	byGfn map[paging.Gfn]*oosRecord
	lru   ilist.List[oosRecord]
}

func newOOSTracker(limit int) oosTracker {
	return oosTracker{
		limit: limit,
		byGfn: make(map[paging.Gfn]*oosRecord),
		lru:   ilist.New(func(r *oosRecord) *ilist.Entry[oosRecord] { return &r.link }),
	}
}

func (t *oosTracker) has(gfn paging.Gfn) bool {
	_, ok := t.byGfn[gfn]
	return ok
}

func (t *oosTracker) get(gfn paging.Gfn) *oosRecord {
	return t.byGfn[gfn]
}

func (t *oosTracker) oldest() *oosRecord {
	return t.lru.Front()
}

func (t *oosTracker) count() int {
	return len(t.byGfn)
}

func (t *oosTracker) insert(r *oosRecord) {
	t.byGfn[r.gfn] = r
	t.lru.PushBack(r)
}

// touch records recent activity, protecting the record from eviction.
func (t *oosTracker) touch(r *oosRecord) {
	t.lru.Remove(r)
	t.lru.PushBack(r)
}

func (t *oosTracker) remove(r *oosRecord) {
	delete(t.byGfn, r.gfn)
	t.lru.Remove(r)
}

// markOutOfSyncLocked lets the guest write gfn natively: snapshot current
// content, lift write protection, admit to the bounded set. Beyond capacity
// the least recently marked page is resynced first. Only pages backing
// nothing but leaf shadows are eligible; anything on the path above a leaf
// must stay eagerly consistent.
//
// +checklocks:d.mu
func (d *Domain) markOutOfSyncLocked(gfn paging.Gfn) error {
	if d.oos.has(gfn) {
		return nil
	}
	eligible := false
	ineligible := false
	d.cache.forFrame(gfn, func(t Type, h handle) bool {
		if !t.table() {
			return true
		}
		if t.Role == RoleL1 {
			eligible = true
			return true
		}
		ineligible = true
		return false
	})
	if !eligible || ineligible {
		return fmt.Errorf("%w: %#x not eligible for out-of-sync", ErrNotShadowed, gfn)
	}

	if d.oos.count() >= d.opts.OOSLimit {
		victim := d.oos.oldest()
		d.stats.OOSEvictions++
		if err := d.resyncGfnLocked(victim.gfn); err != nil {
			return err
		}
	}

	r := &oosRecord{gfn: gfn, snapshot: make([]byte, paging.PageSize)}
	if err := d.readGuestPage(gfn, r.snapshot); err != nil {
		return err
	}
	d.oos.insert(r)
	d.unprotectFrame(gfn)
	d.resetSyncWritesLocked(gfn)
	d.stats.OOSMarks++
	d.log.WithField("gfn", fmt.Sprintf("%#x", gfn)).Debug("Marked out of sync")
	return nil
}

// resyncGfnLocked brings gfn's shadows back in sync: diff current guest
// content against the snapshot, re-propagate exactly the entries that
// changed, restore write protection, drop the record. A frame that is not
// out of sync is already in sync; the call is a no-op.
//
// +checklocks:d.mu
func (d *Domain) resyncGfnLocked(gfn paging.Gfn) error {
	r := d.oos.get(gfn)
	if r == nil {
		return nil
	}
	// Remove the record first: propagation must see the frame as
	// protected again so leaf permissions narrow correctly.
	d.oos.remove(r)
	d.protectFrame(gfn)
	// Leaf entries propagated while the frame was loose map it writable;
	// they must go before protection traps anything.
	if err := d.removeWritableMappingsLocked(gfn); err != nil {
		return err
	}
	d.stats.Resyncs++

	cur := make([]byte, paging.PageSize)
	if err := d.readGuestPage(gfn, cur); err != nil {
		return err
	}

	entries := d.g.Entries(1)
	for gi := 0; gi < entries; gi++ {
		oldE := paging.EntryFromBytes(d.g, r.snapshot, gi)
		newE := paging.EntryFromBytes(d.g, cur, gi)
		if oldE == newE {
			continue
		}
		var perr error
		d.cache.forFrame(gfn, func(t Type, h handle) bool {
			if t.Role != RoleL1 {
				return true
			}
			if err := d.propagateLeafLocked(h, gi, newE, false); err != nil {
				perr = err
			}
			return true
		})
		if perr != nil {
			// A bad entry leaves its slot empty; keep going so the
			// rest of the page converges.
			d.warn.WithError(perr).Warnf("resyncing entry %d of %#x", gi, gfn)
		}
	}
	d.flushAllLocked()
	return nil
}

// resyncAllLocked resyncs every out-of-sync page. Runs at TLB-visible
// boundaries; afterwards every shadow exactly reflects guest content.
//
// +checklocks:d.mu
func (d *Domain) resyncAllLocked() error {
	for r := d.oos.oldest(); r != nil; r = d.oos.oldest() {
		if err := d.resyncGfnLocked(r.gfn); err != nil {
			return err
		}
	}
	return nil
}

// dropOOSLocked discards gfn's record without resync, for teardown paths
// where the shadows are going away entirely.
//
// +checklocks:d.mu
func (d *Domain) dropOOSLocked(gfn paging.Gfn) {
	if r := d.oos.get(gfn); r != nil {
		d.oos.remove(r)
	}
}

// resetSyncWritesLocked clears the trapped-write counters of gfn's shadows.
//
// +checklocks:d.mu
func (d *Domain) resetSyncWritesLocked(gfn paging.Gfn) {
	d.cache.forFrame(gfn, func(_ Type, h handle) bool {
		if s := d.arena.deref(h); s != nil {
			s.syncWrites = 0
		}
		return true
	})
}

// Resync brings one guest frame back in sync. No-op if the frame is not
// out of sync.
func (d *Domain) Resync(gfn paging.Gfn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	if err := d.resyncGfnLocked(gfn); err != nil {
		return err
	}
	d.auditMaybeLocked()
	return nil
}

// ResyncAll brings every out-of-sync frame back in sync, as at a full TLB
// flush boundary.
func (d *Domain) ResyncAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	if err := d.resyncAllLocked(); err != nil {
		return err
	}
	d.auditMaybeLocked()
	return nil
}

// OutOfSync returns whether gfn is currently out of sync.
func (d *Domain) OutOfSync(gfn paging.Gfn) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.oos.has(gfn)
}
