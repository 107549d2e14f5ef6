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

// Stats is a snapshot of the domain's counters. All counters are cumulative
// since domain creation.
type Stats struct {
	// Allocs and Frees count shadow objects, not frames.
	Allocs uint64
	Frees  uint64

	// FramesInUse is the current number of pool frames held by live
	// shadows.
	FramesInUse uint64

	// Shadows is the current number of live shadow objects.
	Shadows uint64

	// FaultsFixed counts page faults resolved by filling or widening
	// shadow entries.
	FaultsFixed uint64

	// FaultsGuest counts faults reflected back to the guest.
	FaultsGuest uint64

	// FaultsEmulated counts write faults handed to the instruction
	// emulator because the target is a shadowed table.
	FaultsEmulated uint64

	// Propagations counts guest entries translated into shadow entries.
	Propagations uint64

	// Splits counts superpage mappings splintered into synthesized leaf
	// tables.
	Splits uint64

	// Resyncs counts out-of-sync pages brought back in sync.
	Resyncs uint64

	// OOSMarks counts pages marked out of sync.
	OOSMarks uint64

	// OOSEvictions counts resyncs forced by capacity, always of the
	// least recently marked record.
	OOSEvictions uint64

	// Unshadows counts emergency teardowns of shadows whose guest frame
	// kept faulting as data.
	Unshadows uint64

	// RoleConflicts counts teardowns forced by a frame wanted under two
	// incompatible roles.
	RoleConflicts uint64

	// Reclaims counts allocator reclamation passes.
	Reclaims uint64

	// InvariantViolations counts refused operations in a quarantined
	// domain plus the violation that caused quarantine.
	InvariantViolations uint64
}

// Stats returns a snapshot of the domain counters.
func (d *Domain) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.stats
	s.FramesInUse = uint64(d.arena.framesInUse())
	s.Shadows = uint64(d.arena.liveShadows())
	return s
}
