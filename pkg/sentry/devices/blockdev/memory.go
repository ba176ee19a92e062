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

package blockdev

import (
	"gvisor.dev/vmcore/pkg/sync"
)

// Memory is a Device held entirely in memory. Its content does not survive
// the process, which matches the swap area's lifetime.
type Memory struct {
	name string

	mu     sync.Mutex
	data   []byte
	reads  uint64
	writes uint64
}

var _ Device = (*Memory)(nil)

// NewMemory returns a zeroed in-memory device of the given number of sectors.
func NewMemory(name string, sectors uint64) *Memory {
	return &Memory{
		name: name,
		data: make([]byte, sectors*SectorSize),
	}
}

// Name implements Device.Name.
func (m *Memory) Name() string {
	return m.name
}

// Sectors implements Device.Sectors.
func (m *Memory) Sectors() uint64 {
	return uint64(len(m.data)) / SectorSize
}

// ReadSector implements Device.ReadSector.
func (m *Memory) ReadSector(sector uint64, dst []byte) error {
	if err := checkSector(m, sector, dst); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(dst, m.data[sector*SectorSize:])
	m.reads++
	return nil
}

// WriteSector implements Device.WriteSector.
func (m *Memory) WriteSector(sector uint64, src []byte) error {
	if err := checkSector(m, sector, src); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[sector*SectorSize:], src)
	m.writes++
	return nil
}

// Close implements Device.Close.
func (*Memory) Close() error {
	return nil
}

// Ops returns the number of sector reads and writes performed so far.
func (m *Memory) Ops() (reads, writes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads, m.writes
}
