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

// Package blockdev defines the sector-addressed block device contract used by
// the swap manager, a role registry, and two implementations: an in-memory
// device and a device backed by a host image file.
package blockdev

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/sync"
)

// SectorSize is the size of a block device sector in bytes.
const SectorSize = 512

// Role identifies what a registered device is used for.
type Role int

// Device roles.
const (
	// RoleKernel holds the kernel image.
	RoleKernel Role = iota

	// RoleFilesys holds the file system.
	RoleFilesys

	// RoleScratch is scratch space.
	RoleScratch

	// RoleSwap is the swap area.
	RoleSwap
)

// String implements fmt.Stringer.String.
func (r Role) String() string {
	switch r {
	case RoleKernel:
		return "kernel"
	case RoleFilesys:
		return "filesys"
	case RoleScratch:
		return "scratch"
	case RoleSwap:
		return "swap"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Device is a block device addressed in SectorSize units.
//
// Implementations must be safe for concurrent use, but the swap manager
// serializes all of its own I/O.
type Device interface {
	// Name returns a human readable device name.
	Name() string

	// Sectors returns the device size in sectors.
	Sectors() uint64

	// ReadSector reads sector into dst, which must be SectorSize bytes.
	ReadSector(sector uint64, dst []byte) error

	// WriteSector writes src, which must be SectorSize bytes, to sector.
	WriteSector(sector uint64, src []byte) error

	// Close releases the device.
	Close() error
}

// Registry maps roles to devices.
type Registry struct {
	mu      sync.Mutex
	devices map[Role]Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[Role]Device)}
}

// Register assigns dev to role. It fails if the role is taken.
func (r *Registry) Register(role Role, dev Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.devices[role]; ok {
		return fmt.Errorf("role %v already held by %q: %w", role, old.Name(), linuxerr.EEXIST)
	}
	r.devices[role] = dev
	return nil
}

// ByRole returns the device registered for role, or nil.
func (r *Registry) ByRole(role Role) Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[role]
}

// Close closes every registered device and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for role, dev := range r.devices {
		if err := dev.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %v device %q: %w", role, dev.Name(), err)
		}
		delete(r.devices, role)
	}
	return firstErr
}

func checkSector(d Device, sector uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("%s: buffer of %d bytes, want %d: %w", d.Name(), len(buf), SectorSize, linuxerr.EINVAL)
	}
	if sector >= d.Sectors() {
		return fmt.Errorf("%s: sector %d beyond end %d: %w", d.Name(), sector, d.Sectors(), linuxerr.EINVAL)
	}
	return nil
}
