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

// Package swap manages the swap area: a block device divided into page-sized
// slots, with a bitmap recording which slots hold a page.
//
// The bitmap lives only in memory. Slots carry no header, so the swap area
// is meaningless across kernel restarts.
package swap

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/bitmap"
	"gvisor.dev/vmcore/pkg/errors"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/devices/blockdev"
	"gvisor.dev/vmcore/pkg/sync"
)

// SectorsPerSlot is the number of device sectors that hold one page.
const SectorsPerSlot = hostarch.PageSize / blockdev.SectorSize

// Slot is the index of a page-sized run of sectors on the swap device.
type Slot uint32

// String implements fmt.Stringer.String.
func (s Slot) String() string {
	return fmt.Sprintf("slot#%d", uint32(s))
}

func (s Slot) sector(i int) uint64 {
	return uint64(s)*SectorsPerSlot + uint64(i)
}

// Stats describes swap usage.
type Stats struct {
	// Slots is the capacity of the swap area.
	Slots uint64

	// Used is the number of occupied slots.
	Used uint64

	// SwapOuts counts pages written to the swap area.
	SwapOuts uint64

	// SwapIns counts pages read back from the swap area.
	SwapIns uint64
}

// Manager owns the swap device and its slot bitmap.
type Manager struct {
	dev blockdev.Device

	// mu serializes slot allocation and all device I/O.
	mu sync.Mutex

	// +checklocks:mu
	used bitmap.Bitmap

	// +checklocks:mu
	swapOuts uint64

	// +checklocks:mu
	swapIns uint64
}

// Init creates the manager for the device registered with RoleSwap. A
// kernel cannot page without swap, so a missing device halts.
func Init(reg *blockdev.Registry) *Manager {
	dev := reg.ByRole(blockdev.RoleSwap)
	if dev == nil {
		errors.Halt("swap init", "no %v device registered", blockdev.RoleSwap)
	}
	return New(dev)
}

// New creates a manager for dev, sized to the whole pages dev can hold.
func New(dev blockdev.Device) *Manager {
	slots := dev.Sectors() / SectorsPerSlot
	if slots == 0 || slots > uint64(bitmap.MaxBitEntryLimit) {
		errors.Halt("swap init", "device %q of %d sectors cannot hold a usable number of pages", dev.Name(), dev.Sectors())
	}
	used, err := bitmap.New(uint32(slots))
	if err != nil {
		errors.Halt("swap init", "slot bitmap: %v", err)
	}
	log.Infof("Swap: %d slots on %q", slots, dev.Name())
	return &Manager{dev: dev, used: used}
}

// SwapOut writes the page in src to a free slot and returns that slot. There
// is no backpressure: a full swap area halts the kernel.
//
// Precondition: len(src) == hostarch.PageSize.
func (m *Manager) SwapOut(src []byte) Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	bit, err := m.used.FirstZero(0)
	if err != nil {
		errors.Halt("swap out", "swap area full: %d slots in use", m.used.Count())
	}
	m.used.Add(bit)
	slot := Slot(bit)
	for i := 0; i < SectorsPerSlot; i++ {
		if err := m.dev.WriteSector(slot.sector(i), src[i*blockdev.SectorSize:(i+1)*blockdev.SectorSize]); err != nil {
			errors.Halt("swap out", "writing %v: %v", slot, err)
		}
	}
	m.swapOuts++
	return slot
}

// SwapIn reads slot into dst and frees the slot.
//
// Precondition: len(dst) == hostarch.PageSize.
func (m *Manager) SwapIn(slot Slot, dst []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkOccupiedLocked("swap in", slot)
	for i := 0; i < SectorsPerSlot; i++ {
		if err := m.dev.ReadSector(slot.sector(i), dst[i*blockdev.SectorSize:(i+1)*blockdev.SectorSize]); err != nil {
			errors.Halt("swap in", "reading %v: %v", slot, err)
		}
	}
	m.used.Remove(uint32(slot))
	m.swapIns++
}

// Discard frees slot without reading it, for pages whose owner has exited.
func (m *Manager) Discard(slot Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkOccupiedLocked("swap discard", slot)
	m.used.Remove(uint32(slot))
}

// +checklocks:m.mu
func (m *Manager) checkOccupiedLocked(op string, slot Slot) {
	if uint32(slot) >= m.used.Size() || !m.used.Test(uint32(slot)) {
		errors.Halt(op, "%v is not in use", slot)
	}
}

// InUse reports whether slot currently holds a page.
func (m *Manager) InUse(slot Slot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(slot) < m.used.Size() && m.used.Test(uint32(slot))
}

// Stats returns a snapshot of swap usage.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Slots:    uint64(m.used.Size()),
		Used:     uint64(m.used.Count()),
		SwapOuts: m.swapOuts,
		SwapIns:  m.swapIns,
	}
}
