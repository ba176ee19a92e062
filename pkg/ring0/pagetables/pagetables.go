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

// Package pagetables simulates the hardware page tables of one address
// space: translations from virtual pages to physical frames carrying the
// present, writable, user, accessed and dirty bits that the MMU maintains.
package pagetables

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sync"
)

// PTE is a page table entry: a frame number in the upper bits and flags in
// the low PageShift bits.
type PTE uint64

// Page table entry flags. The MMU sets Accessed on every access and Dirty on
// every write through the translation.
const (
	Present  PTE = 1 << 0
	Writable PTE = 1 << 1
	User     PTE = 1 << 2
	Accessed PTE = 1 << 5
	Dirty    PTE = 1 << 6

	flagMask = PTE(hostarch.PageMask)
)

// HasFlags returns true if this entry has all the input flags set.
func (p PTE) HasFlags(flags PTE) bool {
	return p&flags == flags
}

// Frame returns the frame number this entry points to.
func (p PTE) Frame() uint64 {
	return uint64(p >> hostarch.PageShift)
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	flags := []byte("-----")
	for i, f := range []struct {
		bit PTE
		c   byte
	}{{Present, 'p'}, {Writable, 'w'}, {User, 'u'}, {Accessed, 'a'}, {Dirty, 'd'}} {
		if p.HasFlags(f.bit) {
			flags[i] = f.c
		}
	}
	return fmt.Sprintf("frame %d %s", p.Frame(), flags)
}

// MapOpts are translation options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// User indicates the page is a user page.
	User bool
}

// FaultKind classifies a failed translation.
type FaultKind int

const (
	// NoFault means the access was translated.
	NoFault FaultKind = iota

	// NotPresent means no translation exists for the page.
	NotPresent

	// ProtectionViolation means a translation exists but does not permit the
	// access.
	ProtectionViolation
)

// String implements fmt.Stringer.String.
func (k FaultKind) String() string {
	switch k {
	case NoFault:
		return "none"
	case NotPresent:
		return "not-present"
	case ProtectionViolation:
		return "protection"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// PageTables is the set of translations of one address space.
//
// All methods take page-aligned addresses and are safe for concurrent use.
type PageTables struct {
	mu      sync.Mutex
	entries map[hostarch.Addr]PTE
}

// New returns an empty set of page tables.
func New() *PageTables {
	return &PageTables{entries: make(map[hostarch.Addr]PTE)}
}

func mustAligned(addr hostarch.Addr) {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned page table address %v", addr))
	}
}

// Map installs a translation from addr to frame, replacing any existing one.
// The accessed and dirty bits of the new translation are clear.
func (p *PageTables) Map(addr hostarch.Addr, opts MapOpts, frame uint64) {
	mustAligned(addr)
	pte := PTE(frame<<hostarch.PageShift) | Present
	if opts.AccessType.Write {
		pte |= Writable
	}
	if opts.User {
		pte |= User
	}
	p.mu.Lock()
	p.entries[addr] = pte
	p.mu.Unlock()
}

// Unmap clears the translation at addr. It returns true if there was one.
func (p *PageTables) Unmap(addr hostarch.Addr) bool {
	mustAligned(addr)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[addr]
	delete(p.entries, addr)
	return ok
}

// Lookup returns the translation at addr.
func (p *PageTables) Lookup(addr hostarch.Addr) (PTE, bool) {
	mustAligned(addr)
	p.mu.Lock()
	defer p.mu.Unlock()
	pte, ok := p.entries[addr]
	return pte, ok
}

// IsAccessed returns the accessed bit of the translation at addr.
func (p *PageTables) IsAccessed(addr hostarch.Addr) bool {
	pte, _ := p.Lookup(addr)
	return pte.HasFlags(Accessed)
}

// IsDirty returns the dirty bit of the translation at addr.
func (p *PageTables) IsDirty(addr hostarch.Addr) bool {
	pte, _ := p.Lookup(addr)
	return pte.HasFlags(Dirty)
}

// SetAccessed sets or clears the accessed bit of the translation at addr.
func (p *PageTables) SetAccessed(addr hostarch.Addr, accessed bool) {
	p.setFlag(addr, Accessed, accessed)
}

// SetDirty sets or clears the dirty bit of the translation at addr.
func (p *PageTables) SetDirty(addr hostarch.Addr, dirty bool) {
	p.setFlag(addr, Dirty, dirty)
}

func (p *PageTables) setFlag(addr hostarch.Addr, flag PTE, set bool) {
	mustAligned(addr)
	p.mu.Lock()
	defer p.mu.Unlock()
	pte, ok := p.entries[addr]
	if !ok {
		return
	}
	if set {
		pte |= flag
	} else {
		pte &^= flag
	}
	p.entries[addr] = pte
}

// Translate performs an access through the page tables as the MMU would: on
// success it sets the accessed bit, and the dirty bit for writes, and returns
// the frame number.
func (p *PageTables) Translate(addr hostarch.Addr, at hostarch.AccessType, user bool) (uint64, FaultKind) {
	addr = addr.RoundDown()
	p.mu.Lock()
	defer p.mu.Unlock()
	pte, ok := p.entries[addr]
	if !ok || !pte.HasFlags(Present) {
		return 0, NotPresent
	}
	if (at.Write && !pte.HasFlags(Writable)) || (user && !pte.HasFlags(User)) {
		return 0, ProtectionViolation
	}
	pte |= Accessed
	if at.Write {
		pte |= Dirty
	}
	p.entries[addr] = pte
	return pte.Frame(), NoFault
}

// Len returns the number of installed translations.
func (p *PageTables) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
