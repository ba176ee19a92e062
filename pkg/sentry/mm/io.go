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
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// IOOpts contains options applicable to user memory I/O.
type IOOpts struct {
	// SP is the stack pointer of the accessing thread, used to decide
	// whether a fault may grow the stack.
	SP hostarch.Addr

	// Kernel marks accesses made by the kernel on behalf of the thread,
	// such as system call argument copies. Page protection still applies.
	Kernel bool
}

// CheckIORange is similar to hostarch.Addr.ToRange, but applies bounds checks
// consistent with user memory: the range must lie within user space.
func (mm *MemoryManager) CheckIORange(addr hostarch.Addr, length int64) (hostarch.AddrRange, bool) {
	if length < 0 {
		return hostarch.AddrRange{}, false
	}
	ar, ok := addr.ToRange(uint64(length))
	if !ok || ar.Start < mm.layout.UserBase || ar.End > mm.layout.UserTop {
		return hostarch.AddrRange{}, false
	}
	return ar, true
}

// CopyOut copies src to user memory at addr, faulting pages in as needed.
// It returns the number of bytes copied, which is less than len(src) only if
// an error is returned.
func (mm *MemoryManager) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte, opts IOOpts) (int, error) {
	if _, ok := mm.CheckIORange(addr, int64(len(src))); !ok {
		return 0, fmt.Errorf("copy out of %d bytes to %v: %w", len(src), addr, linuxerr.EFAULT)
	}
	return mm.forEachPage(ctx, addr, len(src), hostarch.Write, opts, func(mem []byte, done int) {
		copy(mem, src[done:])
	})
}

// CopyIn copies user memory at addr to dst, faulting pages in as needed. It
// returns the number of bytes copied, which is less than len(dst) only if an
// error is returned.
func (mm *MemoryManager) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte, opts IOOpts) (int, error) {
	if _, ok := mm.CheckIORange(addr, int64(len(dst))); !ok {
		return 0, fmt.Errorf("copy in of %d bytes from %v: %w", len(dst), addr, linuxerr.EFAULT)
	}
	return mm.forEachPage(ctx, addr, len(dst), hostarch.Read, opts, func(mem []byte, done int) {
		copy(dst[done:], mem)
	})
}

// forEachPage splits [addr, addr+length) at page boundaries and calls fn with
// the frame memory backing each piece, as the MMU would translate it. done is
// the number of bytes already processed.
func (mm *MemoryManager) forEachPage(ctx context.Context, addr hostarch.Addr, length int, at hostarch.AccessType, opts IOOpts, fn func(mem []byte, done int)) (int, error) {
	done := 0
	for done < length {
		cur := addr + hostarch.Addr(done)
		off := int(cur.PageOffset())
		n := min(hostarch.PageSize-off, length-done)
		if err := mm.access(ctx, cur, at, opts, func(page []byte) {
			fn(page[off:off+n], done)
		}); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// access performs one translated access to the page containing addr,
// resolving not-present faults until it succeeds. fn runs with the frame
// table locked so the frame cannot be evicted underneath it.
func (mm *MemoryManager) access(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType, opts IOOpts, fn func(page []byte)) error {
	ft := mm.ft
	for {
		ft.mu.Lock()
		frame, kind := mm.pt.Translate(addr.RoundDown(), at, true)
		if kind == pagetables.NoFault {
			fn(ft.pool.Bytes(pgalloc.Frame(frame)))
			ft.mu.Unlock()
			return nil
		}
		ft.mu.Unlock()

		if err := mm.HandleUserFault(ctx, Fault{
			Addr:       addr,
			Write:      at.Write,
			User:       !opts.Kernel,
			NotPresent: kind == pagetables.NotPresent,
			SP:         opts.SP,
		}); err != nil {
			return err
		}
	}
}

// Pin faults in the page containing addr and prevents its eviction until a
// matching Unpin. Pins nest.
func (mm *MemoryManager) Pin(ctx context.Context, addr hostarch.Addr) error {
	page := addr.RoundDown()
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	h, ok := mm.lookupLocked(page)
	if !ok || mm.released {
		return fmt.Errorf("pin of unregistered %v: %w", addr, linuxerr.EFAULT)
	}
	return mm.faultInLocked(ctx, h, true /* pin */)
}

// Unpin drops a pin taken by Pin. It does not take mm.mappingMu, so it may be
// called while another thread of the process waits for a frame.
func (mm *MemoryManager) Unpin(addr hostarch.Addr) error {
	mm.indexMu.RLock()
	h, ok := mm.lookupIndexLocked(addr.RoundDown())
	mm.indexMu.RUnlock()
	if !ok {
		return fmt.Errorf("unpin of unregistered %v: %w", addr, linuxerr.EINVAL)
	}
	mm.ft.mu.Lock()
	defer mm.ft.mu.Unlock()
	p := mm.pages.get(h)
	if p == nil || p.pins == 0 {
		return fmt.Errorf("unpin of unpinned %v: %w", addr, linuxerr.EINVAL)
	}
	mm.ft.unpinLocked(p)
	return nil
}
