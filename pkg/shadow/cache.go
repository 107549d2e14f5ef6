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

	"github.com/google/btree"
	"gvisor.dev/shadow/pkg/paging"
)

// cacheKey identifies one shadow: the guest frame it was made from and its
// type. At most one shadow exists per key.
type cacheKey struct {
	gfn paging.Gfn
	typ Type
}

// keyLess orders keys by guest frame first so that all shadows of one frame
// form a contiguous run in the ordered index.
func keyLess(a, b cacheKey) bool {
	if a.gfn != b.gfn {
		return a.gfn < b.gfn
	}
	if a.typ.Role != b.typ.Role {
		return a.typ.Role < b.typ.Role
	}
	if a.typ.Levels != b.typ.Levels {
		return a.typ.Levels < b.typ.Levels
	}
	return a.typ.Mode < b.typ.Mode
}

// shadowCache maps (guest frame, type) to shadow objects. The map serves
// point lookups on the translation path; the ordered index serves the
// per-frame scans of invalidation, resync and audit in deterministic order.
// Both are updated together under the domain lock.
type shadowCache struct {
	entries map[cacheKey]handle
	index   *btree.BTreeG[cacheKey]
}

func newShadowCache() shadowCache {
	return shadowCache{
		entries: make(map[cacheKey]handle),
		index:   btree.NewG(8, keyLess),
	}
}

// lookup returns the shadow for (gfn, typ) if one exists.
func (c *shadowCache) lookup(gfn paging.Gfn, typ Type) (handle, bool) {
	h, ok := c.entries[cacheKey{gfn: gfn, typ: typ}]
	return h, ok
}

// insert records the shadow for (gfn, typ). Duplicate keys are an invariant
// break: a second shadow for the same key can never be created legally.
func (c *shadowCache) insert(gfn paging.Gfn, typ Type, h handle) error {
	k := cacheKey{gfn: gfn, typ: typ}
	if _, ok := c.entries[k]; ok {
		return fmt.Errorf("%w: duplicate cache entry for %#x %s", ErrInvariant, gfn, typ)
	}
	c.entries[k] = h
	c.index.ReplaceOrInsert(k)
	return nil
}

// remove drops the entry for (gfn, typ) if present.
func (c *shadowCache) remove(gfn paging.Gfn, typ Type) {
	k := cacheKey{gfn: gfn, typ: typ}
	if _, ok := c.entries[k]; !ok {
		return
	}
	delete(c.entries, k)
	c.index.Delete(k)
}

// forFrame calls fn for every shadow of gfn in type order. fn returns false
// to stop. fn must not mutate the cache; callers that invalidate collect
// keys first.
func (c *shadowCache) forFrame(gfn paging.Gfn, fn func(Type, handle) bool) {
	c.index.AscendGreaterOrEqual(cacheKey{gfn: gfn}, func(k cacheKey) bool {
		if k.gfn != gfn {
			return false
		}
		return fn(k.typ, c.entries[k])
	})
}

// typesOf returns the types shadowing gfn, in type order.
func (c *shadowCache) typesOf(gfn paging.Gfn) []Type {
	var types []Type
	c.forFrame(gfn, func(t Type, _ handle) bool {
		types = append(types, t)
		return true
	})
	return types
}

// shadowed returns true if any shadow exists for gfn.
func (c *shadowCache) shadowed(gfn paging.Gfn) bool {
	found := false
	c.forFrame(gfn, func(Type, handle) bool {
		found = true
		return false
	})
	return found
}

// tableShadowed returns true if gfn backs at least one live table shadow,
// meaning guest writes to it must trap while it is in sync.
func (c *shadowCache) tableShadowed(gfn paging.Gfn) bool {
	found := false
	c.forFrame(gfn, func(t Type, _ handle) bool {
		if t.table() {
			found = true
			return false
		}
		return true
	})
	return found
}

// ascend calls fn for every entry in key order. fn returns false to stop.
func (c *shadowCache) ascend(fn func(cacheKey, handle) bool) {
	c.index.Ascend(func(k cacheKey) bool {
		return fn(k, c.entries[k])
	})
}

// len returns the number of cache entries.
func (c *shadowCache) len() int {
	return len(c.entries)
}
