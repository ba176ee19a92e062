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

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/swap"
	"gvisor.dev/vmcore/pkg/sync"
)

// Origin describes how a page's content is produced when it is not resident
// and not in swap. Implementations are AnonymousOrigin and FileOrigin.
type Origin interface {
	fmt.Stringer
	isOrigin()
}

// AnonymousOrigin is the origin of pages with no backing file. They are zero
// filled on first touch, and after that their content lives only in a frame
// or a swap slot.
type AnonymousOrigin struct{}

func (AnonymousOrigin) isOrigin() {}

// String implements fmt.Stringer.String.
func (AnonymousOrigin) String() string {
	return "anon"
}

// FileOrigin is the origin of pages loaded from a file: ReadLen bytes at
// Offset, followed by ZeroLen zero bytes. ReadLen+ZeroLen is PageSize.
type FileOrigin struct {
	// File is the handle the page is read from. It is owned by the
	// MemoryManager (a segment or a mapping), not by the page.
	File fsbridge.File

	// Offset is the file offset of the first byte of the page.
	Offset int64

	// ReadLen is the number of bytes read from File.
	ReadLen uint32

	// ZeroLen is the number of zero bytes following the file content.
	ZeroLen uint32

	// WriteBack is set for memory-mapped files: dirty pages are written back
	// to File rather than to swap.
	WriteBack bool
}

func (FileOrigin) isOrigin() {}

// String implements fmt.Stringer.String.
func (o FileOrigin) String() string {
	kind := "file"
	if o.WriteBack {
		kind = "mmap"
	}
	return fmt.Sprintf("%s %s@%#x+%#x", kind, o.File.Name(), o.Offset, o.ReadLen)
}

// location is where a page's content currently lives. A page has exactly one
// location, so it is never both resident and swapped.
type location interface {
	isLocation()
}

// notPresent pages are rebuilt from their origin on the next fault.
type notPresent struct{}

// resident pages are backed by a frame with a hardware translation.
type resident struct {
	frame pgalloc.Frame
}

// swapped pages live in a swap slot.
type swapped struct {
	slot swap.Slot
}

func (notPresent) isLocation() {}
func (resident) isLocation()   {}
func (swapped) isLocation()    {}

// PageState is the externally visible state of a page entry.
type PageState int

const (
	// NotPresent pages are rebuilt from their origin when touched.
	NotPresent PageState = iota

	// Resident pages are backed by a frame.
	Resident

	// Swapped pages live in a swap slot.
	Swapped
)

// String implements fmt.Stringer.String.
func (s PageState) String() string {
	switch s {
	case NotPresent:
		return "not-present"
	case Resident:
		return "resident"
	case Swapped:
		return "swapped"
	default:
		return fmt.Sprintf("PageState(%d)", int(s))
	}
}

// PageHandle identifies a page entry within its MemoryManager. A handle
// outlives its entry safely: lookups of a removed entry fail because its
// generation no longer matches.
type PageHandle struct {
	index uint32
	gen   uint32
}

// String implements fmt.Stringer.String.
func (h PageHandle) String() string {
	return fmt.Sprintf("page#%d.%d", h.index, h.gen)
}

// pageEntry is a supplemental page table entry.
type pageEntry struct {
	// vaddr and writable are immutable.
	vaddr    hostarch.Addr
	writable bool

	// mapID is the mapping the page belongs to, or noMapping. mapID is
	// immutable.
	mapID MapID

	// The following fields are protected by FrameTable.mu.

	// origin becomes AnonymousOrigin when a modified executable page is
	// evicted to swap.
	origin Origin

	// loc is the current location of the page content.
	loc location

	// pins counts reasons the page may not be evicted: an in-progress fault
	// populating it, or kernel users from Pin.
	pins int
}

// state returns the externally visible state of p, and its frame or slot.
//
// Preconditions: FrameTable.mu is locked.
func (p *pageEntry) state() (PageState, pgalloc.Frame, swap.Slot) {
	switch loc := p.loc.(type) {
	case resident:
		return Resident, loc.frame, 0
	case swapped:
		return Swapped, 0, loc.slot
	default:
		return NotPresent, 0, 0
	}
}

// PageInfo is a snapshot of a page entry.
type PageInfo struct {
	// Addr is the page address.
	Addr hostarch.Addr

	// Writable is true if user code may write the page.
	Writable bool

	// Origin is the current origin of the page.
	Origin Origin

	// State is where the page content lives.
	State PageState

	// Frame is the backing frame, valid if State is Resident.
	Frame pgalloc.Frame

	// Slot is the swap slot, valid if State is Swapped.
	Slot swap.Slot

	// Pinned is true if the page may not be evicted.
	Pinned bool

	// MapID is the mapping the page belongs to, or -1.
	MapID MapID
}

// info returns a snapshot of p.
//
// Preconditions: FrameTable.mu is locked.
func (p *pageEntry) info() PageInfo {
	state, frame, slot := p.state()
	return PageInfo{
		Addr:     p.vaddr,
		Writable: p.writable,
		Origin:   p.origin,
		State:    state,
		Frame:    frame,
		Slot:     slot,
		Pinned:   p.pins > 0,
		MapID:    p.mapID,
	}
}

type arenaSlot struct {
	gen  uint32
	page *pageEntry
}

// pageArena stores the page entries of one MemoryManager. Entries are
// referenced by PageHandle so that frame entries never hold page pointers
// directly.
type pageArena struct {
	mu sync.Mutex

	// +checklocks:mu
	slots []arenaSlot

	// free holds indices of empty slots.
	//
	// +checklocks:mu
	free []uint32
}

// add stores p and returns its handle.
func (a *pageArena) add(p *pageEntry) PageHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		i := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[i].page = p
		return PageHandle{index: i, gen: a.slots[i].gen}
	}
	a.slots = append(a.slots, arenaSlot{page: p})
	return PageHandle{index: uint32(len(a.slots) - 1)}
}

// get returns the entry for h, or nil if it has been removed.
func (a *pageArena) get(h PageHandle) *pageEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.index) >= len(a.slots) {
		return nil
	}
	s := a.slots[h.index]
	if s.gen != h.gen {
		return nil
	}
	return s.page
}

// remove deletes the entry for h. Outstanding copies of h become stale.
func (a *pageArena) remove(h PageHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &a.slots[h.index]
	if s.gen != h.gen || s.page == nil {
		panic(fmt.Sprintf("removing stale %v", h))
	}
	s.page = nil
	s.gen++
	a.free = append(a.free, h.index)
}

// forEach calls fn for every live entry.
func (a *pageArena) forEach(fn func(PageHandle, *pageEntry)) {
	a.mu.Lock()
	live := make([]arenaSlot, len(a.slots))
	copy(live, a.slots)
	a.mu.Unlock()
	for i, s := range live {
		if s.page != nil {
			fn(PageHandle{index: uint32(i), gen: s.gen}, s.page)
		}
	}
}

// count returns the number of live entries.
func (a *pageArena) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.free)
}
