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

package paging

import "encoding/binary"

// Bits in page table entries. The low twelve bits are identical across all
// x86 paging modes; NX exists only in 8-byte entries.
const (
	present      = 0x001
	writable     = 0x002
	user         = 0x004
	writeThrough = 0x008
	cacheDisable = 0x010
	accessed     = 0x020
	dirty        = 0x040
	super        = 0x080
	global       = 0x100
	noExec       = uint64(1) << 63
)

// Entry is a single page table entry in any guest geometry. Four-byte guest
// entries are zero-extended on read and truncated on write.
type Entry uint64

// Present returns true iff the entry is present.
func (e Entry) Present() bool { return e&present != 0 }

// Writable returns true iff the entry permits writes.
func (e Entry) Writable() bool { return e&writable != 0 }

// User returns true iff the entry permits user-mode access.
func (e Entry) User() bool { return e&user != 0 }

// Accessed returns true iff the accessed bit is set.
func (e Entry) Accessed() bool { return e&accessed != 0 }

// Dirty returns true iff the dirty bit is set.
func (e Entry) Dirty() bool { return e&dirty != 0 }

// Global returns true iff the global bit is set.
func (e Entry) Global() bool { return e&global != 0 }

// Super returns true iff the PS bit is set. Only meaningful at levels for
// which Geometry.Super is true; at the leaf the same bit is PAT.
func (e Entry) Super() bool { return e&super != 0 }

// NoExec returns true iff the entry forbids instruction fetch. Four-byte
// entries have no NX bit and always return false.
func (e Entry) NoExec(g *Geometry) bool {
	if g.EntryBytes == 4 {
		return false
	}
	return uint64(e)&noExec != 0
}

// Frame extracts the physical frame referenced by the entry at the given
// level: the next-level table for non-super entries, the superpage base for
// super entries. Low address bits occupied by the superpage PAT bit are
// masked off by the alignment.
func (e Entry) Frame(g *Geometry, lvl int) Gfn {
	addr := uint64(e) & g.addrMask
	if lvl > 1 && g.Super(lvl) && e.Super() {
		addr &^= g.EntrySpan(lvl) - 1
	}
	return Gfn(addr >> PageShift)
}

// Flags is the decoded permission and status bits of an entry. Caching
// attribute bits are passed through untouched by the engine and are not
// represented here.
type Flags struct {
	Present  bool
	Writable bool
	User     bool
	Accessed bool
	Dirty    bool
	Global   bool
	Super    bool
	NoExec   bool
}

// Flags decodes the entry's flag bits.
func (e Entry) Flags(g *Geometry) Flags {
	return Flags{
		Present:  e.Present(),
		Writable: e.Writable(),
		User:     e.User(),
		Accessed: e.Accessed(),
		Dirty:    e.Dirty(),
		Global:   e.Global(),
		Super:    e.Super(),
		NoExec:   e.NoExec(g),
	}
}

// Intersect narrows f so that the result grants no access that o denies.
// Status bits (Accessed, Dirty) and the mapping-shape bits (Super, Global)
// are taken from f alone.
func (f Flags) Intersect(o Flags) Flags {
	f.Present = f.Present && o.Present
	f.Writable = f.Writable && o.Writable
	f.User = f.User && o.User
	f.NoExec = f.NoExec || o.NoExec
	return f
}

// Make builds an entry for the given geometry referencing pfn with flags f.
func Make(g *Geometry, pfn uint64, f Flags) Entry {
	v := (pfn << PageShift) & g.addrMask
	if f.Present {
		v |= present
	}
	if f.Writable {
		v |= writable
	}
	if f.User {
		v |= user
	}
	if f.Accessed {
		v |= accessed
	}
	if f.Dirty {
		v |= dirty
	}
	if f.Global {
		v |= global
	}
	if f.Super {
		v |= super
	}
	if f.NoExec && g.EntryBytes == 8 {
		v |= noExec
	}
	return Entry(v)
}

// WithAccessed returns e with the accessed bit set.
func (e Entry) WithAccessed() Entry { return e | accessed }

// WithDirty returns e with the dirty bit set.
func (e Entry) WithDirty() Entry { return e | dirty }

// TableBytes returns the size in bytes of one table at the given level. All
// tables occupy at most one page; the PAE top level is a 32-byte table.
func (g *Geometry) TableBytes(lvl int) int {
	return g.Entries(lvl) * g.EntryBytes
}

// EntryFromBytes decodes entry index from the raw little-endian table image
// b. Implementations of the guest memory interface share this codec so that
// four- and eight-byte geometries read identically.
func EntryFromBytes(g *Geometry, b []byte, index int) Entry {
	off := index * g.EntryBytes
	if g.EntryBytes == 4 {
		return Entry(binary.LittleEndian.Uint32(b[off:]))
	}
	return Entry(binary.LittleEndian.Uint64(b[off:]))
}

// EntryToBytes encodes e at entry index into the raw table image b.
func EntryToBytes(g *Geometry, b []byte, index int, e Entry) {
	off := index * g.EntryBytes
	if g.EntryBytes == 4 {
		binary.LittleEndian.PutUint32(b[off:], uint32(e))
		return
	}
	binary.LittleEndian.PutUint64(b[off:], uint64(e))
}
