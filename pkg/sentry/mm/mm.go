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

// Package mm implements demand paging for user address spaces.
//
// A MemoryManager holds one process's supplemental page table: for every
// registered user page, where its content currently lives (a physical frame,
// a swap slot, or nowhere because it can be rebuilt from a file or by zero
// filling). Page faults consult it to bring pages in. The FrameTable is
// shared by all MemoryManagers of a kernel and reclaims frames with a
// second-chance clock when the frame pool runs dry.
//
// Lock order:
//
//	MemoryManager.mappingMu
//	  MemoryManager.indexMu
//	  FrameTable.mu
//	    swap.Manager.mu
//	    pageArena.mu
//	    pagetables.PageTables.mu
//	    pgalloc.Pool.mu
//
// FrameTable.mu is the only lock shared between processes. It guards the
// mutable state of every page entry (location, origin, pins) as well as the
// frame list, and is held across eviction I/O.
package mm

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
	"gvisor.dev/vmcore/pkg/sync"
)

const (
	// DefaultUserBase is the lowest valid user address.
	DefaultUserBase hostarch.Addr = 0x08048000

	// DefaultUserTop is the first address of kernel space. The initial stack
	// pointer is DefaultUserTop.
	DefaultUserTop hostarch.Addr = 0xc0000000

	// DefaultStackSlack is how far below the stack pointer a fault may land
	// and still grow the stack. It covers the 32 bytes x86 PUSHA writes
	// before it moves the stack pointer.
	DefaultStackSlack = 32

	// DefaultMaxStackSize bounds stack growth below the user top.
	DefaultMaxStackSize = 8 << 20
)

// Layout describes a user address space.
type Layout struct {
	// UserBase is the lowest address that user pages may occupy.
	UserBase hostarch.Addr

	// UserTop is the first address of kernel space.
	UserTop hostarch.Addr

	// StackSlack is the distance below the stack pointer within which a
	// fault on an unregistered address grows the stack.
	StackSlack uint64

	// MaxStackSize is the size of the region below UserTop reserved for the
	// stack. Mappings may not intrude on it.
	MaxStackSize uint64
}

// DefaultLayout returns the default 32-bit user layout.
func DefaultLayout() Layout {
	return Layout{
		UserBase:     DefaultUserBase,
		UserTop:      DefaultUserTop,
		StackSlack:   DefaultStackSlack,
		MaxStackSize: DefaultMaxStackSize,
	}
}

// Validate checks that l describes a usable address space.
func (l Layout) Validate() error {
	switch {
	case !l.UserBase.IsPageAligned() || !l.UserTop.IsPageAligned():
		return fmt.Errorf("user range [%v, %v) is not page aligned: %w", l.UserBase, l.UserTop, linuxerr.EINVAL)
	case l.UserBase == 0:
		return fmt.Errorf("user base may not be null: %w", linuxerr.EINVAL)
	case l.UserBase >= l.UserTop:
		return fmt.Errorf("empty user range [%v, %v): %w", l.UserBase, l.UserTop, linuxerr.EINVAL)
	case l.MaxStackSize < hostarch.PageSize || l.MaxStackSize%hostarch.PageSize != 0:
		return fmt.Errorf("stack size %#x is not a positive number of pages: %w", l.MaxStackSize, linuxerr.EINVAL)
	case l.MaxStackSize > uint64(l.UserTop-l.UserBase):
		return fmt.Errorf("stack size %#x exceeds the user range: %w", l.MaxStackSize, linuxerr.EINVAL)
	}
	return nil
}

// stackBottom returns the lowest address the stack may grow to.
func (l Layout) stackBottom() hostarch.Addr {
	return l.UserTop - hostarch.Addr(l.MaxStackSize)
}

// sptItem is an element of the supplemental page table index.
type sptItem struct {
	addr   hostarch.Addr
	handle PageHandle
}

func sptLess(a, b sptItem) bool {
	return a.addr < b.addr
}

// MemoryManager implements a process's virtual memory.
type MemoryManager struct {
	// ft is the kernel's frame table. ft is immutable.
	ft *FrameTable

	// layout is immutable.
	layout Layout

	// pt holds the hardware translations of this address space. pt is
	// immutable; its contents are changed only with ft.mu held.
	pt *pagetables.PageTables

	// pages holds every page entry of this process.
	pages pageArena

	// mappingMu serializes changes to the set of registered pages, and page
	// faults, within this process.
	mappingMu sync.Mutex

	// indexMu guards spt. Writers also hold mappingMu, so holders of
	// mappingMu may read spt without it.
	indexMu sync.RWMutex

	// spt maps page addresses to page entries.
	//
	// +checklocks:indexMu
	spt *btree.BTreeG[sptItem]

	// mappings are the memory-mapped files of this process.
	//
	// +checklocks:mappingMu
	mappings map[MapID]*mapping

	// +checklocks:mappingMu
	nextMapID MapID

	// segmentFiles are the file handles opened by LoadSegment, closed by
	// Release.
	//
	// +checklocks:mappingMu
	segmentFiles []fsbridge.File

	// released is set by Release. No page may be registered afterwards.
	//
	// +checklocks:mappingMu
	released bool
}

// NewMemoryManager returns a MemoryManager with an empty address space whose
// pages are backed by frames from ft.
func NewMemoryManager(ft *FrameTable, layout Layout) *MemoryManager {
	mm := &MemoryManager{
		ft:       ft,
		layout:   layout,
		pt:       pagetables.New(),
		spt:      btree.NewG[sptItem](8, sptLess),
		mappings: make(map[MapID]*mapping),
	}
	ft.addOwner(mm)
	return mm
}

// Layout returns the address space layout of mm.
func (mm *MemoryManager) Layout() Layout {
	return mm.layout
}

// PageTables returns the hardware translations of mm.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	return mm.pt
}

// FrameTable returns the frame table mm allocates from.
func (mm *MemoryManager) FrameTable() *FrameTable {
	return mm.ft
}
