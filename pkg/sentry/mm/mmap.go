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

package mm

import (
	"fmt"
	"slices"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/context"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
)

// MapID identifies a memory-mapped file within a process.
type MapID int

// noMapping is the MapID of pages that belong to no mapping.
const noMapping MapID = -1

// mapping is a memory-mapped file: a run of pages starting at ar.Start that
// share one file handle.
type mapping struct {
	id   MapID
	ar   hostarch.AddrRange
	file fsbridge.File
}

// MMap maps the whole of file at addr and returns the mapping's ID. Pages
// are loaded on first touch, and modified pages are written back to the file
// when evicted or unmapped. The mapping holds its own handle to file.
//
// MMap fails with EINVAL if addr is null or unaligned, file is empty, or the
// mapping would overlap a registered page, the stack reserve or kernel space.
func (mm *MemoryManager) MMap(ctx context.Context, file fsbridge.File, addr hostarch.Addr) (MapID, error) {
	if addr == 0 || !addr.IsPageAligned() {
		return 0, fmt.Errorf("mmap at %v: %w", addr, linuxerr.EINVAL)
	}
	length, err := file.Length(ctx)
	if err != nil {
		return 0, err
	}
	if length <= 0 {
		return 0, fmt.Errorf("mmap of empty file %s: %w", file.Name(), linuxerr.EINVAL)
	}
	size, ok := hostarch.PageRoundUp(uint64(length))
	if !ok {
		return 0, fmt.Errorf("mmap of %s: length %d overflows: %w", file.Name(), length, linuxerr.EINVAL)
	}
	ar, ok := addr.ToRange(size)
	if !ok || ar.Start < mm.layout.UserBase || ar.End > mm.layout.stackBottom() {
		return 0, fmt.Errorf("mmap of %s at %v outside [%v, %v): %w", file.Name(), ar, mm.layout.UserBase, mm.layout.stackBottom(), linuxerr.EINVAL)
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if mm.released {
		return 0, fmt.Errorf("mmap after release: %w", linuxerr.EINVAL)
	}
	if mm.overlapsLocked(ar) {
		return 0, fmt.Errorf("mmap of %s at %v overlaps existing pages: %w", file.Name(), ar, linuxerr.EINVAL)
	}
	f, err := file.Reopen(ctx)
	if err != nil {
		return 0, fmt.Errorf("reopening %s: %w", file.Name(), err)
	}

	id := mm.nextMapID
	mm.nextMapID++
	for off := int64(0); off < length; off += hostarch.PageSize {
		readLen := uint32(min(length-off, hostarch.PageSize))
		origin := FileOrigin{
			File:      f,
			Offset:    off,
			ReadLen:   readLen,
			ZeroLen:   hostarch.PageSize - readLen,
			WriteBack: true,
		}
		if _, err := mm.insertLocked(ar.Start+hostarch.Addr(off), origin, true, id); err != nil {
			// Unreachable: overlap was checked above.
			panic(fmt.Sprintf("mmap insert after overlap check: %v", err))
		}
	}
	mm.mappings[id] = &mapping{id: id, ar: ar, file: f}
	ctx.Debugf("Mapped %s at %v as mapping %d", file.Name(), ar, id)
	return id, nil
}

// MUnmap removes the mapping id. Modified resident pages are written back to
// the file first. It returns the first write-back error, if any, after
// removing the whole mapping.
func (mm *MemoryManager) MUnmap(ctx context.Context, id MapID) error {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	return mm.unmapLocked(ctx, id)
}

// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) unmapLocked(ctx context.Context, id MapID) error {
	m, ok := mm.mappings[id]
	if !ok {
		return fmt.Errorf("munmap of unknown mapping %d: %w", id, linuxerr.EINVAL)
	}
	delete(mm.mappings, id)

	var firstErr error
	mm.ft.mu.Lock()
	for page := m.ar.Start; page < m.ar.End; page += hostarch.PageSize {
		h, ok := mm.lookupLocked(page)
		if !ok {
			continue
		}
		if err := mm.releasePageLocked(ctx, h, true /* writeBack */); err != nil && firstErr == nil {
			firstErr = err
		}
		mm.removeLocked(h, page)
	}
	mm.ft.mu.Unlock()

	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	ctx.Debugf("Unmapped mapping %d at %v", id, m.ar)
	return firstErr
}

// releasePageLocked gives up the frame or swap slot of h. If writeBack is set
// a modified page of a mapped file is written back first.
//
// Preconditions: mm.mappingMu and mm.ft.mu are locked.
func (mm *MemoryManager) releasePageLocked(ctx context.Context, h PageHandle, writeBack bool) error {
	ft := mm.ft
	p := mm.pages.get(h)
	var err error
	switch loc := p.loc.(type) {
	case resident:
		if o, ok := p.origin.(FileOrigin); ok && o.WriteBack && writeBack && mm.pt.IsDirty(p.vaddr) {
			if _, werr := fsbridge.WriteFull(ctx, o.File, ft.pool.Bytes(loc.frame)[:o.ReadLen], o.Offset); werr != nil {
				err = fmt.Errorf("writing back %v to %s: %w", p.vaddr, o.File.Name(), werr)
			}
		}
		mm.pt.Unmap(p.vaddr)
		p.loc = notPresent{}
		ft.freeLocked(loc.frame)
	case swapped:
		ft.swap.Discard(loc.slot)
		p.loc = notPresent{}
	}
	if p.pins > 0 {
		p.pins = 0
		ft.cond.Broadcast()
	}
	return err
}

// Mappings returns the IDs of the live mappings in ascending order.
func (mm *MemoryManager) Mappings() []MapID {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	return mm.mappingIDsLocked()
}

// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) mappingIDsLocked() []MapID {
	ids := make([]MapID, 0, len(mm.mappings))
	for id := range mm.mappings {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
