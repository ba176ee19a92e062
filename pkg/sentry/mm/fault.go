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
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/context"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// Fault describes a page fault as reported by the MMU.
type Fault struct {
	// Addr is the faulting address.
	Addr hostarch.Addr

	// Write is true if the access was a write.
	Write bool

	// User is true if the access came from user mode.
	User bool

	// NotPresent is true if no translation existed. Otherwise the fault is
	// a protection violation on a present translation.
	NotPresent bool

	// SP is the user stack pointer of the faulting thread. For faults taken
	// in kernel mode it is the value saved on entry to the kernel.
	SP hostarch.Addr
}

// String implements fmt.Stringer.String.
func (f Fault) String() string {
	at := hostarch.Read
	if f.Write {
		at = hostarch.Write
	}
	mode, kind := "kernel", "protection"
	if f.User {
		mode = "user"
	}
	if f.NotPresent {
		kind = "not-present"
	}
	return fmt.Sprintf("%s %s %s fault at %v (sp %v)", mode, kind, at, f.Addr, f.SP)
}

// HandleUserFault resolves a page fault by bringing the page at f.Addr into a
// frame, growing the stack if f.Addr lies just below the stack pointer. It
// returns an error wrapping EFAULT if the fault is invalid, in which case the
// faulting process must be terminated.
func (mm *MemoryManager) HandleUserFault(ctx context.Context, f Fault) error {
	if err := mm.checkFault(f); err != nil {
		ctx.Debugf("Rejecting %v: %v", f, err)
		return err
	}
	page := f.Addr.RoundDown()

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if mm.released {
		return fmt.Errorf("%v after release: %w", f, linuxerr.EFAULT)
	}
	h, ok := mm.lookupLocked(page)
	if !ok {
		if !mm.canGrowStack(f.Addr, f.SP) {
			ctx.Debugf("Rejecting %v: no page registered", f)
			return fmt.Errorf("%v: no page registered: %w", f, linuxerr.EFAULT)
		}
		var err error
		if h, err = mm.insertLocked(page, AnonymousOrigin{}, true, noMapping); err != nil {
			return err
		}
		ctx.Debugf("Growing stack to %v for %v", page, f)
	}
	return mm.faultInLocked(ctx, h, false /* pin */)
}

// checkFault rejects faults that no page table entry can resolve.
func (mm *MemoryManager) checkFault(f Fault) error {
	switch {
	case !f.NotPresent:
		return fmt.Errorf("%v: protection violation: %w", f, linuxerr.EFAULT)
	case f.Addr == 0:
		return fmt.Errorf("%v: null address: %w", f, linuxerr.EFAULT)
	case f.Addr >= mm.layout.UserTop:
		return fmt.Errorf("%v: kernel address: %w", f, linuxerr.EFAULT)
	case f.Addr < mm.layout.UserBase:
		return fmt.Errorf("%v: below user space: %w", f, linuxerr.EFAULT)
	}
	return nil
}

// canGrowStack returns true if a fault at addr with stack pointer sp may
// create a new stack page: addr is at most StackSlack bytes below sp and
// within the stack reserve.
func (mm *MemoryManager) canGrowStack(addr, sp hostarch.Addr) bool {
	if addr < mm.layout.stackBottom() {
		return false
	}
	if sp < hostarch.Addr(mm.layout.StackSlack) {
		return true
	}
	return addr >= sp-hostarch.Addr(mm.layout.StackSlack)
}

// faultInLocked makes the page h resident. If pin is set the page is left
// pinned on success.
//
// Preconditions: mm.mappingMu is locked.
func (mm *MemoryManager) faultInLocked(ctx context.Context, h PageHandle, pin bool) error {
	ft := mm.ft
	ft.mu.Lock()
	p := mm.pages.get(h)
	if _, ok := p.loc.(resident); ok {
		// Made resident by another thread of this process.
		if pin {
			p.pins++
		}
		ft.mu.Unlock()
		return nil
	}
	_, anon := p.origin.(AnonymousOrigin)
	_, fresh := p.loc.(notPresent)
	frame := ft.allocateLocked(ctx, mm, h, anon && fresh)
	origin, loc := p.origin, p.loc
	ft.mu.Unlock()

	// p is pinned, so only this thread may touch the frame until commit.
	var err error
	buf := ft.pool.Bytes(frame)
	switch loc := loc.(type) {
	case swapped:
		ft.swap.SwapIn(loc.slot, buf)
	case notPresent:
		if fo, ok := origin.(FileOrigin); ok {
			err = readPage(ctx, fo, buf)
		}
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if err != nil {
		ft.unpinLocked(p)
		ft.freeLocked(frame)
		ctx.Debugf("Failed to load %v: %v", p.vaddr, err)
		return fmt.Errorf("loading %v: %v: %w", p.vaddr, err, linuxerr.EFAULT)
	}
	switch loc.(type) {
	case swapped:
		ft.stats.SwapIns++
	case notPresent:
		if anon {
			ft.stats.ZeroFills++
		} else {
			ft.stats.FileReads++
		}
	}
	mm.commitLocked(p, frame)
	if !pin {
		ft.unpinLocked(p)
	}
	ctx.Debugf("Faulted in %v (%v) to %v", p.vaddr, origin, frame)
	return nil
}

// commitLocked marks p resident in frame and installs its translation.
//
// Preconditions: mm.ft.mu is locked.
func (mm *MemoryManager) commitLocked(p *pageEntry, frame pgalloc.Frame) {
	p.loc = resident{frame: frame}
	mm.pt.Map(p.vaddr, pagetables.MapOpts{
		AccessType: hostarch.AccessType{Read: true, Write: p.writable},
		User:       true,
	}, uint64(frame))
}

// readPage fills buf from the file origin o.
func readPage(ctx context.Context, o FileOrigin, buf []byte) error {
	if _, err := fsbridge.ReadFull(ctx, o.File, buf[:o.ReadLen], o.Offset); err != nil {
		return err
	}
	clear(buf[o.ReadLen:])
	return nil
}
