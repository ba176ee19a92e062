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

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// Lookup returns a snapshot of the page entry containing addr.
func (mm *MemoryManager) Lookup(addr hostarch.Addr) (PageInfo, bool) {
	mm.indexMu.RLock()
	h, ok := mm.lookupIndexLocked(addr.RoundDown())
	mm.indexMu.RUnlock()
	if !ok {
		return PageInfo{}, false
	}
	mm.ft.mu.Lock()
	defer mm.ft.mu.Unlock()
	p := mm.pages.get(h)
	if p == nil {
		return PageInfo{}, false
	}
	return p.info(), true
}

// +checklocksread:mm.indexMu
func (mm *MemoryManager) lookupIndexLocked(page hostarch.Addr) (PageHandle, bool) {
	it, ok := mm.spt.Get(sptItem{addr: page})
	return it.handle, ok
}

// lookupLocked returns the handle of the entry for page.
//
// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) lookupLocked(page hostarch.Addr) (PageHandle, bool) {
	return mm.lookupIndexLocked(page)
}

// insertLocked registers a page at the page-aligned address page. It fails
// with EEXIST if one is already registered there.
//
// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) insertLocked(page hostarch.Addr, origin Origin, writable bool, id MapID) (PageHandle, error) {
	if !page.IsPageAligned() {
		panic(fmt.Sprintf("unaligned page address %v", page))
	}
	if _, ok := mm.lookupLocked(page); ok {
		return PageHandle{}, fmt.Errorf("page %v already registered: %w", page, linuxerr.EEXIST)
	}
	h := mm.pages.add(&pageEntry{
		vaddr:    page,
		writable: writable,
		mapID:    id,
		origin:   origin,
		loc:      notPresent{},
	})
	mm.indexMu.Lock()
	mm.spt.ReplaceOrInsert(sptItem{addr: page, handle: h})
	mm.indexMu.Unlock()
	return h, nil
}

// removeLocked drops the entry for h from the page table.
//
// Preconditions:
//   - mm.mappingMu is locked.
//   - The page is not resident and holds no swap slot.
func (mm *MemoryManager) removeLocked(h PageHandle, page hostarch.Addr) {
	mm.indexMu.Lock()
	mm.spt.Delete(sptItem{addr: page})
	mm.indexMu.Unlock()
	mm.pages.remove(h)
}

// overlapsLocked returns true if any page is registered in ar.
//
// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) overlapsLocked(ar hostarch.AddrRange) bool {
	found := false
	mm.spt.AscendGreaterOrEqual(sptItem{addr: ar.Start}, func(it sptItem) bool {
		found = it.addr < ar.End
		return false
	})
	return found
}

// pagesLocked returns the registered pages in ascending address order.
//
// Preconditions: mm.mappingMu or mm.indexMu is locked.
func (mm *MemoryManager) pagesLocked() []sptItem {
	items := make([]sptItem, 0, mm.spt.Len())
	mm.spt.Ascend(func(it sptItem) bool {
		items = append(items, it)
		return true
	})
	return items
}

// NumPages returns the number of registered pages.
func (mm *MemoryManager) NumPages() int {
	mm.indexMu.RLock()
	defer mm.indexMu.RUnlock()
	return mm.spt.Len()
}
