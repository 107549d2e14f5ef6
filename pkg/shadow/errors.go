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

import "errors"

var (
	// ErrNoShadowMemory is returned when the frame pool is exhausted even
	// after a reclamation pass. The caller surfaces it to the guest as a
	// fault or a stalled vCPU, never as a host failure.
	ErrNoShadowMemory = errors.New("out of shadow frames")

	// ErrBadGuestEntry is returned when a guest page-table entry is
	// malformed for its declared paging level, or references a frame the
	// guest does not own. Translation through it is withheld; the guest
	// observes a fault.
	ErrBadGuestEntry = errors.New("malformed guest entry")

	// ErrRoleConflict is returned when a guest frame is wanted under two
	// incompatible shadow roles at once. The conflicting shadow is torn
	// down before the error is reported.
	ErrRoleConflict = errors.New("guest frame aliases conflicting shadow roles")

	// ErrNotShadowed is returned when an operation requires a shadow that
	// does not exist, for example a vCPU running on a root that has been
	// invalidated underneath it.
	ErrNotShadowed = errors.New("no shadow for guest frame")

	// ErrBadWrite is returned for emulated guest stores that are
	// misaligned, cross a page boundary, or violate the guest's own
	// permissions.
	ErrBadWrite = errors.New("invalid guest write")

	// ErrNotMapped is returned by translation when the guest's own tables
	// do not map the address.
	ErrNotMapped = errors.New("address not mapped by guest tables")

	// ErrGuestMemory is returned when the guest memory collaborator
	// cannot satisfy a read or write.
	ErrGuestMemory = errors.New("guest memory access failed")

	// ErrInvariant indicates an engine-internal invariant violation. The
	// domain refuses the operation and quarantines itself; with audit
	// enabled the violation panics instead.
	ErrInvariant = errors.New("shadow invariant violated")

	// ErrPoisoned is returned by every mutating operation after an
	// invariant violation has quarantined the domain.
	ErrPoisoned = errors.New("domain quarantined by invariant violation")

	// ErrDestroyed is returned for operations on a destroyed domain.
	ErrDestroyed = errors.New("domain destroyed")
)
